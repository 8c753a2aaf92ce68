package global

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kandev/agentsession/internal/config"
	"github.com/kandev/agentsession/internal/logger"
)

// NATSBus implements Bus over a NATS connection, for multi-node
// deployments where `sessions:changed`/`session:status` must fan out
// across every instance hosting the registry.
type NATSBus struct {
	conn   *nats.Conn
	logger *logger.Logger
}

// NewNATSBus connects to NATS using cfg, with the teacher's reconnect
// policy (bounded reconnect attempts, buffered reconnect writes, status
// logged at each transition).
func NewNATSBus(cfg config.NATSConfig, log *logger.Logger) (*NATSBus, error) {
	l := log.WithFields(zap.String("component", "global-event-bus"), zap.String("backend", "nats"))

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(5 * 1024 * 1024),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				l.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			l.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				l.Error("NATS connection closed", zap.Error(err))
			}
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	l.Info("connected to NATS", zap.String("url", cfg.URL))
	return &NATSBus{conn: conn, logger: l}, nil
}

func (b *NATSBus) Publish(_ context.Context, subject string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling global event: %w", err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		b.logger.Error("failed to publish global event", zap.String("subject", subject), zap.Error(err))
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Error("failed to unmarshal global event", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		if err := handler(context.Background(), &event); err != nil {
			b.logger.Error("global event handler failed", zap.String("subject", msg.Subject), zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	return &natsSubscription{sub: sub}, nil
}

func (b *NATSBus) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("error draining NATS connection", zap.Error(err))
		b.conn.Close()
	}
}

func (b *NATSBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) IsValid() bool {
	return s.sub.IsValid()
}

// New constructs a NATSBus if cfg.URL is set, otherwise a MemoryBus
// (spec's in-memory fallback for single-node deployments/tests).
func New(cfg config.NATSConfig, log *logger.Logger) (Bus, error) {
	if cfg.URL == "" {
		return NewMemoryBus(log), nil
	}
	return NewNATSBus(cfg, log)
}
