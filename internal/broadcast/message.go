package broadcast

import (
	"encoding/json"
	"time"
)

// Message is the envelope pushed to every subscriber of a session's room
// (spec §4.8: the gateway re-serializes each session-bus event verbatim).
type Message struct {
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// newMessage marshals payload into a Message for the given action name.
func newMessage(action string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Action: action, Payload: data, Timestamp: time.Now().UTC()}, nil
}

// roomKey returns the broadcast room identifier for a session.
func roomKey(sessionID string) string {
	return "session:" + sessionID
}
