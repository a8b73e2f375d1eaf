package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kandev/conductor/internal/common/config"
	"github.com/kandev/conductor/internal/common/logger"
)

// NATSBus implements Bus on a NATS connection. Channel names map directly to
// subjects.
type NATSBus struct {
	conn   *nats.Conn
	logger *logger.Logger

	mu     sync.Mutex
	closed bool
}

// NewNATSBus connects to NATS with reconnection enabled.
func NewNATSBus(cfg config.NATSConfig, log *logger.Logger) (*NATSBus, error) {
	log = log.WithFields(zap.String("component", "nats_bus"))
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(5 * 1024 * 1024),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Error("NATS error", zap.String("subject", subject), zap.Error(err))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log.Info("Connected to NATS", zap.String("url", cfg.URL))
	return &NATSBus{conn: conn, logger: log}, nil
}

// Publish sends the encoded payload on the subject named channel.
func (b *NATSBus) Publish(ctx context.Context, channel string, payload any) error {
	data, err := Encode(payload)
	if err != nil {
		return err
	}
	if b.isClosed() {
		return ErrClosed
	}
	if err := b.conn.Publish(channel, data); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe attaches handler to the subject named channel.
func (b *NATSBus) Subscribe(ctx context.Context, channel string, handler Handler) (Unsubscribe, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}
	sub, err := b.conn.Subscribe(channel, func(msg *nats.Msg) {
		handler(context.Background(), msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	var once sync.Once
	return func() error {
		var uerr error
		once.Do(func() {
			if sub.IsValid() {
				uerr = sub.Unsubscribe()
			}
		})
		return uerr
	}, nil
}

func (b *NATSBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close drains the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
	return nil
}
