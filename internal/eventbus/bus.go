// Package eventbus implements C5, the per-session Session Event Bus: a
// synchronous, typed in-process pub/sub where Emit does not return until
// every registered listener for that type has been invoked exactly once
// (spec §4.5).
package eventbus

import (
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/agentsession/internal/logger"
	"github.com/kandev/agentsession/internal/runnerproto"
)

// Listener receives one event. A listener that panics or returns an error
// is caught and logged, never propagated to Emit's caller (spec §4.5).
type Listener func(runnerproto.Event) error

// Bus is one session's event bus. Unlike the teacher's MemoryEventBus,
// which dispatches each handler on its own goroutine, Emit here invokes
// every listener inline, in registration order, so the bus itself is the
// serialization point the coordinator and persistence/broadcast listeners
// rely on (spec §4.5/§5; see DESIGN.md C5 entry for why this diverges from
// the teacher's async dispatch).
type Bus struct {
	mu        sync.Mutex
	listeners map[string][]Listener
	closed    bool
	logger    *logger.Logger
	sessionID string
}

// New constructs a Bus for one session.
func New(sessionID string, log *logger.Logger) *Bus {
	return &Bus{
		listeners: make(map[string][]Listener),
		logger:    log.WithFields(zap.String("component", "session-event-bus"), zap.String("session_id", sessionID)),
		sessionID: sessionID,
	}
}

// On registers a listener for eventType. Registering from inside a
// listener callback takes effect starting with the next Emit.
func (b *Bus) On(eventType string, l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[eventType] = append(b.listeners[eventType], l)
}

// Off unregisters all currently-registered listeners for eventType.
func (b *Bus) Off(eventType string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners, eventType)
}

// Emit delivers evt to every listener registered for evt.Type, in
// registration order, and does not return until all have run. After
// Close, Emit is a no-op (spec §4.5).
func (b *Bus) Emit(evt runnerproto.Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	// Copy the slice under lock so a listener mutating registrations
	// mid-dispatch cannot race the in-progress delivery.
	listeners := append([]Listener(nil), b.listeners[evt.Type]...)
	b.mu.Unlock()

	for _, l := range listeners {
		b.invoke(l, evt)
	}
}

func (b *Bus) invoke(l Listener, evt runnerproto.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panicked",
				zap.String("event_type", evt.Type),
				zap.Any("panic", r))
		}
	}()
	if err := l(evt); err != nil {
		b.logger.Error("event listener returned error",
			zap.String("event_type", evt.Type), zap.Error(err))
	}
}

// ListenerCount reports how many listeners are currently registered for
// eventType, for diagnostics (spec §4.5).
func (b *Bus) ListenerCount(eventType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[eventType])
}

// Close destroys the bus; subsequent Emit calls become no-ops (spec §4.5).
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.listeners = make(map[string][]Listener)
}
