// Package global implements the host/registry's cross-session event bus:
// `sessions:changed` and `session:status` fan-out (spec §4.10), independent
// of any one session's own Bus. Unlike the per-session bus, delivery here
// is asynchronous and may span processes when NATS is configured.
package global

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subject names this module publishes/subscribes to.
const (
	SubjectSessionsChanged = "sessions.changed"
	SubjectSessionStatus   = "session.status"
)

// Event is a message on the global bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent builds an Event with a fresh id and current timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler processes one delivered Event.
type Handler func(ctx context.Context, event *Event) error

// Subscription is an active subscription that can be cancelled.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the cross-session/cross-node event transport backing C10's
// `sessions:changed`/`session:status` fan-out.
type Bus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close()
	IsConnected() bool
}

// SessionsChanged publishes a sessions:changed notification.
func SessionsChanged(ctx context.Context, b Bus, source, sessionID, reason string) error {
	return b.Publish(ctx, SubjectSessionsChanged, NewEvent(SubjectSessionsChanged, source, map[string]interface{}{
		"sessionId": sessionID,
		"reason":    reason, // "created" | "unloaded"
	}))
}

// SessionStatus publishes a session:status notification for sessionID.
func SessionStatus(ctx context.Context, b Bus, source, sessionID, status string) error {
	return b.Publish(ctx, SubjectSessionStatus, NewEvent(SubjectSessionStatus, source, map[string]interface{}{
		"sessionId": sessionID,
		"status":    status,
	}))
}
