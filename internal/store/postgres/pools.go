// Package postgres implements store.Store on PostgreSQL with pgxpool and owns
// the two connection pools the engine needs: a shared pool for ordinary
// queries and a dedicated pool whose connections only ever LISTEN.
package postgres

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx database/sql driver for goose
	"github.com/pressly/goose/v3"

	"github.com/kandev/conductor/internal/common/config"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Pools holds the shared query pool and the dedicated listen pool.
type Pools struct {
	Shared *pgxpool.Pool
	Listen *pgxpool.Pool
}

// OpenPools connects both pools. They are configured from the same DSN but
// never hand connections to each other.
func OpenPools(ctx context.Context, cfg config.DatabaseConfig) (*Pools, error) {
	shared, err := newPool(ctx, cfg.DSN(), int32(cfg.MaxConns), int32(cfg.MinConns))
	if err != nil {
		return nil, fmt.Errorf("shared pool: %w", err)
	}
	listen, err := newPool(ctx, cfg.DSN(), int32(cfg.ListenMaxConns), 0)
	if err != nil {
		shared.Close()
		return nil, fmt.Errorf("listen pool: %w", err)
	}
	return &Pools{Shared: shared, Listen: listen}, nil
}

// Close closes both pools.
func (p *Pools) Close() {
	p.Listen.Close()
	p.Shared.Close()
}

func newPool(ctx context.Context, dsn string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}
	poolCfg.MinConns = minConns
	poolCfg.ConnConfig.ConnectTimeout = 10 * time.Second
	poolCfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// RunMigrations applies all pending migrations.
func RunMigrations(ctx context.Context, dsn string) error {
	goose.SetBaseFS(migrations)

	db, err := goose.OpenDBWithDriver("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open db for migrations: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
