package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/conductor/internal/common/logger"
)

const memoryQueueSize = 256

// MemoryBus is an in-process Bus. Each subscriber gets its own ordered
// delivery queue; a full queue drops the message, matching the best-effort
// contract of the other transports.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySub]struct{}
	closed bool
	logger *logger.Logger
}

type memorySub struct {
	channel string
	handler Handler
	queue   chan []byte
	done    chan struct{}
	once    sync.Once
}

// NewMemoryBus returns an empty in-process bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{
		subs:   make(map[string]map[*memorySub]struct{}),
		logger: log.WithFields(zap.String("component", "memory_bus")),
	}
}

// Publish queues the encoded payload for every subscriber of channel.
func (b *MemoryBus) Publish(ctx context.Context, channel string, payload any) error {
	data, err := Encode(payload)
	if err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for sub := range b.subs[channel] {
		select {
		case sub.queue <- data:
		default:
			b.logger.Warn("subscriber queue full, dropping message", zap.String("channel", channel))
		}
	}
	return nil
}

// Subscribe registers handler on channel with its own delivery goroutine.
func (b *MemoryBus) Subscribe(ctx context.Context, channel string, handler Handler) (Unsubscribe, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	sub := &memorySub{
		channel: channel,
		handler: handler,
		queue:   make(chan []byte, memoryQueueSize),
		done:    make(chan struct{}),
	}
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*memorySub]struct{})
	}
	b.subs[channel][sub] = struct{}{}
	go sub.run()

	return func() error {
		b.remove(sub)
		return nil
	}, nil
}

func (s *memorySub) run() {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.queue:
			s.handler(context.Background(), data)
		}
	}
}

func (s *memorySub) stop() {
	s.once.Do(func() { close(s.done) })
}

func (b *MemoryBus) remove(sub *memorySub) {
	b.mu.Lock()
	if set, ok := b.subs[sub.channel]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.channel)
		}
	}
	b.mu.Unlock()
	sub.stop()
}

// SubscriberCount reports live subscriptions on channel.
func (b *MemoryBus) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

// Close stops every subscriber. Publish and Subscribe fail afterwards.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, set := range b.subs {
		for sub := range set {
			sub.stop()
		}
	}
	b.subs = make(map[string]map[*memorySub]struct{})
	return nil
}
