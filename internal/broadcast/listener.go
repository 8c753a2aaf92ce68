package broadcast

import (
	"github.com/kandev/agentsession/internal/eventbus"
	"github.com/kandev/agentsession/internal/runnerproto"
)

// forwardedTypes is the fixed set of session-bus events re-published to
// WebSocket subscribers (spec §4.8). "log" and "script-output" never reach
// the session bus (they are consumed inside execenv), so they are not
// listed here.
var forwardedTypes = []string{
	runnerproto.TypeBlockStart,
	runnerproto.TypeBlockDelta,
	runnerproto.TypeBlockUpdate,
	runnerproto.TypeBlockComplete,
	runnerproto.TypeMetadataUpdate,
	runnerproto.TypeTranscriptChange,
	runnerproto.TypeTranscriptWrite,
	runnerproto.TypeFileCreated,
	runnerproto.TypeFileModified,
	runnerproto.TypeFileDeleted,
	runnerproto.TypeSubagentFound,
	runnerproto.TypeSubagentDone,
	runnerproto.TypeOptionsUpdate,
	runnerproto.TypeStatusChanged,
	runnerproto.TypeError,
}

// Listener forwards every session-bus event, unchanged, to the session's
// broadcast room.
type Listener struct {
	sessionID string
	hub       *Hub
}

// NewListener constructs a Listener for one session. Call Wire to attach
// it to that session's bus.
func NewListener(sessionID string, hub *Hub) *Listener {
	return &Listener{sessionID: sessionID, hub: hub}
}

// Wire registers forwarding handlers for every forwarded event type.
func (l *Listener) Wire(bus *eventbus.Bus) {
	for _, t := range forwardedTypes {
		bus.On(t, l.forward)
	}
}

func (l *Listener) forward(evt runnerproto.Event) error {
	l.hub.Broadcast(l.sessionID, evt.Type, evt.Payload)
	return nil
}
