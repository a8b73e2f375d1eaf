package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/kandev/conductor/internal/agent/adapter"
	"github.com/kandev/conductor/internal/common/config"
	"github.com/kandev/conductor/internal/common/logger"
	"github.com/kandev/conductor/internal/common/tracing"
	"github.com/kandev/conductor/internal/eventlog"
	"github.com/kandev/conductor/internal/events/bus"
	"github.com/kandev/conductor/internal/guard"
	"github.com/kandev/conductor/internal/models"
	"github.com/kandev/conductor/internal/orchestrator/executor"
	"github.com/kandev/conductor/internal/orchestrator/queue"
	"github.com/kandev/conductor/internal/orchestrator/reaper"
	"github.com/kandev/conductor/internal/session"
	"github.com/kandev/conductor/internal/store"
	"github.com/kandev/conductor/internal/store/postgres"
	"github.com/kandev/conductor/internal/store/sqlite"
)

// app holds the wired engine for one process.
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	workerID string

	store store.Store
	pools *postgres.Pools
	bus   bus.Bus
	logs  *eventlog.Dir

	queue    *queue.Queue
	sessions *session.Controller
	executor *executor.Executor
	reaper   *reaper.Reaper
}

func loadConfig() (*config.Config, *logger.Logger, error) {
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	log, err := logger.NewLogger(logger.LoggingConfig(cfg.Logging))
	if err != nil {
		return nil, nil, fmt.Errorf("initialize logger: %w", err)
	}
	logger.SetDefault(log)
	return cfg, log, nil
}

func newWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.New().String()[:8])
}

// openStore connects the configured backend. Postgres schemas are migrated
// before use; SQLite applies its schema on open.
func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (store.Store, *postgres.Pools, error) {
	switch cfg.Database.Driver {
	case "postgres":
		if err := postgres.RunMigrations(ctx, cfg.Database.DSN()); err != nil {
			return nil, nil, err
		}
		pools, err := postgres.OpenPools(ctx, cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		log.Info("connected to postgres", zap.String("host", cfg.Database.Host), zap.String("db", cfg.Database.DBName))
		return postgres.New(pools.Shared), pools, nil
	default:
		st, err := sqlite.Open(cfg.Database.Path)
		if err != nil {
			return nil, nil, err
		}
		log.Info("opened sqlite database", zap.String("path", cfg.Database.Path))
		return st, nil, nil
	}
}

func poolsOf(p *postgres.Pools) (shared, listen *pgxpool.Pool) {
	if p == nil {
		return nil, nil
	}
	return p.Shared, p.Listen
}

// newApp wires the store, bus, queue, controllers and reaper.
func newApp(ctx context.Context) (*app, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := tracing.Init(ctx, cfg.Tracing.Endpoint, cfg.Tracing.ServiceName); err != nil {
		log.Warn("tracing disabled", zap.Error(err))
	}

	a := &app{cfg: cfg, log: log, workerID: newWorkerID()}
	a.log = log.WithFields(zap.String("worker_id", a.workerID))

	a.store, a.pools, err = openStore(ctx, cfg, a.log)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	shared, listen := poolsOf(a.pools)
	a.bus, err = bus.Open(cfg.Bus, shared, listen, a.log)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("open bus: %w", err)
	}
	a.log.Info("messaging bus ready", zap.String("driver", cfg.Bus.Driver))

	a.logs, err = eventlog.NewDir(cfg.Events.LogDir)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("open log dir: %w", err)
	}

	factory := adapter.NewFactory(cfg, a.log)
	a.log.Info("loaded agent catalog", zap.Strings("agents", factory.Agents()))

	a.queue = queue.New(a.store, a.workerID, queue.OptionsFromConfig(cfg.Queue), a.log)
	a.sessions = session.NewController(a.store, a.bus, factory, a.logs, a.queue,
		session.OptionsFromConfig(cfg, a.workerID), a.log)
	a.executor = executor.NewExecutor(a.store, a.bus, factory, guard.New(a.store, cfg.Guards, a.log),
		a.logs, a.queue, executor.OptionsFromConfig(cfg, a.workerID), a.log)
	a.reaper = reaper.New(a.store, a.bus, reaper.OptionsFromConfig(cfg), a.log)

	a.queue.Handle(models.JobSessionStart, queue.Typed(a.sessions.Run))
	a.queue.Handle(models.JobExecutionRun, queue.Typed(a.executor.Run))
	a.queue.Handle(models.JobAnalysis, queue.Typed(func(ctx context.Context, p models.AnalysisPayload) error {
		_, err := a.executor.Analyze(ctx, p)
		return err
	}))
	return a, nil
}

func (a *app) close() {
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.log.Warn("close bus", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("close store", zap.Error(err))
		}
	}
	if a.pools != nil {
		a.pools.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := tracing.Shutdown(ctx); err != nil {
		a.log.Warn("flush traces", zap.Error(err))
	}
	_ = a.log.Sync()
}
