package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/kandev/conductor/internal/common/logger"
)

// PostgresBus implements Bus with NOTIFY/LISTEN. Publishing runs on the shared
// pool; every subscription holds one connection from the dedicated listen pool
// for its whole life.
type PostgresBus struct {
	shared *pgxpool.Pool
	listen *pgxpool.Pool
	routes *notificationRouter
	logger *logger.Logger

	mu     sync.Mutex
	closed bool
	active map[*pgSubscription]struct{}
}

type pgSubscription struct {
	conn    *pgxpool.Conn
	pgConn  *pgconn.PgConn
	channel string
	routeID uint64
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	err     error
}

// NewPostgresBus returns a bus on the two pools. shared and listen must be
// distinct pools.
func NewPostgresBus(shared, listen *pgxpool.Pool, log *logger.Logger) (*PostgresBus, error) {
	if shared == nil || listen == nil || shared == listen {
		return nil, errors.New("postgres bus needs distinct shared and listen pools")
	}
	return &PostgresBus{
		shared: shared,
		listen: listen,
		routes: newNotificationRouter(),
		logger: log.WithFields(zap.String("component", "pg_bus")),
		active: make(map[*pgSubscription]struct{}),
	}, nil
}

// Publish sends the encoded payload with pg_notify on the shared pool.
func (b *PostgresBus) Publish(ctx context.Context, channel string, payload any) error {
	data, err := Encode(payload)
	if err != nil {
		return err
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if _, err := b.shared.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, string(data)); err != nil {
		return fmt.Errorf("notify %s: %w", channel, err)
	}
	return nil
}

// Subscribe acquires a listen connection, issues LISTEN and dispatches every
// notification on it to handler until the returned Unsubscribe runs.
func (b *PostgresBus) Subscribe(ctx context.Context, channel string, handler Handler) (Unsubscribe, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	conn, err := b.listen.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}
	pgConn := conn.Conn().PgConn()
	routeID := b.routes.register(pgConn, channel, handler)

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		b.routes.deregister(pgConn, routeID)
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", channel, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	sub := &pgSubscription{
		conn:    conn,
		pgConn:  pgConn,
		channel: channel,
		routeID: routeID,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	b.active[sub] = struct{}{}
	b.mu.Unlock()

	go b.waitLoop(loopCtx, sub)

	return func() error { return b.unsubscribe(sub) }, nil
}

func (b *PostgresBus) waitLoop(ctx context.Context, sub *pgSubscription) {
	defer close(sub.done)
	for {
		n, err := sub.conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				b.logger.Warn("listen connection lost", zap.String("channel", sub.channel), zap.Error(err))
			}
			return
		}
		b.routes.dispatch(ctx, sub.pgConn, n)
	}
}

// unsubscribe stops the wait loop, removes this subscription's handler from
// the connection, then UNLISTENs and returns the connection to the pool. The
// handler is gone before the connection can be handed to another subscriber.
func (b *PostgresBus) unsubscribe(sub *pgSubscription) error {
	sub.once.Do(func() {
		sub.cancel()
		<-sub.done

		b.routes.deregister(sub.pgConn, sub.routeID)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := sub.conn.Exec(ctx, "UNLISTEN "+pgx.Identifier{sub.channel}.Sanitize()); err != nil {
			// A connection in an unknown LISTEN state must not return to the pool.
			_ = sub.conn.Conn().Close(ctx)
			sub.err = fmt.Errorf("unlisten %s: %w", sub.channel, err)
		}
		sub.conn.Release()

		b.mu.Lock()
		delete(b.active, sub)
		b.mu.Unlock()
	})
	return sub.err
}

// Close tears down every open subscription. Further calls are no-ops.
func (b *PostgresBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*pgSubscription, 0, len(b.active))
	for s := range b.active {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := b.unsubscribe(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// notificationRouter maps each listen connection to the handlers registered
// on it. Handlers are keyed per registration so removing one never touches
// another subscriber that later reuses the same pooled connection.
type notificationRouter struct {
	mu     sync.RWMutex
	nextID uint64
	byConn map[*pgconn.PgConn]map[uint64]route
}

type route struct {
	channel string
	handler Handler
}

func newNotificationRouter() *notificationRouter {
	return &notificationRouter{byConn: make(map[*pgconn.PgConn]map[uint64]route)}
}

func (r *notificationRouter) register(conn *pgconn.PgConn, channel string, h Handler) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	if r.byConn[conn] == nil {
		r.byConn[conn] = make(map[uint64]route)
	}
	r.byConn[conn][r.nextID] = route{channel: channel, handler: h}
	return r.nextID
}

func (r *notificationRouter) deregister(conn *pgconn.PgConn, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	routes := r.byConn[conn]
	delete(routes, id)
	if len(routes) == 0 {
		delete(r.byConn, conn)
	}
}

func (r *notificationRouter) count(conn *pgconn.PgConn) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn[conn])
}

func (r *notificationRouter) dispatch(ctx context.Context, conn *pgconn.PgConn, n *pgconn.Notification) {
	r.mu.RLock()
	var targets []Handler
	for _, rt := range r.byConn[conn] {
		if rt.channel == n.Channel {
			targets = append(targets, rt.handler)
		}
	}
	r.mu.RUnlock()
	for _, h := range targets {
		h(ctx, []byte(n.Payload))
	}
}
