package global

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/agentsession/internal/logger"
)

// MemoryBus implements Bus with in-memory delivery, for single-node
// deployments and tests where no NATS URL is configured.
type MemoryBus struct {
	mu            sync.RWMutex
	subscriptions map[string][]*memorySubscription
	closed        bool
	logger        *logger.Logger
}

type memorySubscription struct {
	bus     *MemoryBus
	subject string
	handler Handler
	mu      sync.Mutex
	active  bool
}

func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subscriptions[s.subject]
	for i, sub := range subs {
		if sub == s {
			s.bus.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// NewMemoryBus constructs an in-memory global event bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{
		subscriptions: make(map[string][]*memorySubscription),
		logger:        log.WithFields(zap.String("component", "global-event-bus"), zap.String("backend", "memory")),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("global event bus is closed")
	}

	for _, sub := range b.subscriptions[subject] {
		sub.mu.Lock()
		active := sub.active
		sub.mu.Unlock()
		if !active {
			continue
		}
		go func(s *memorySubscription) {
			if err := s.handler(ctx, event); err != nil {
				b.logger.Error("global event handler error", zap.String("subject", subject), zap.Error(err))
			}
		}(sub)
	}
	return nil
}

func (b *MemoryBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("global event bus is closed")
	}
	sub := &memorySubscription{bus: b, subject: subject, handler: handler, active: true}
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)
	return sub, nil
}

func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		}
	}
	b.subscriptions = make(map[string][]*memorySubscription)
}

func (b *MemoryBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}
