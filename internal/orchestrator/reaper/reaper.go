// Package reaper times out sessions and executions whose owner stopped
// heartbeating. It is the only path that resolves a process which died
// without a clean shutdown.
package reaper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/conductor/internal/common/config"
	"github.com/kandev/conductor/internal/common/constants"
	"github.com/kandev/conductor/internal/common/logger"
	"github.com/kandev/conductor/internal/events/bus"
	"github.com/kandev/conductor/internal/models"
)

// Store is the slice of persistence the reaper needs.
type Store interface {
	ReapStaleSessions(ctx context.Context, cutoff time.Time, message string) ([]string, error)
	ReapStaleExecutions(ctx context.Context, cutoff time.Time, message string) ([]string, error)
}

// Options tune the sweep.
type Options struct {
	ChannelPrefix  string
	StaleThreshold time.Duration
	Interval       time.Duration
}

// OptionsFromConfig reads the sweep settings from cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ChannelPrefix:  cfg.Bus.ChannelPrefix,
		StaleThreshold: cfg.Heartbeat.StaleThreshold(),
		Interval:       cfg.Heartbeat.ReapInterval(),
	}
}

// Result lists the rows one sweep timed out.
type Result struct {
	Sessions   []string
	Executions []string
}

type Reaper struct {
	store  Store
	bus    bus.Bus
	opts   Options
	now    func() time.Time
	logger *logger.Logger
}

func New(st Store, b bus.Bus, opts Options, log *logger.Logger) *Reaper {
	if opts.StaleThreshold <= 0 {
		opts.StaleThreshold = constants.StaleThreshold
	}
	if opts.Interval <= 0 {
		opts.Interval = constants.ReapInterval
	}
	return &Reaper{
		store:  st,
		bus:    b,
		opts:   opts,
		now:    time.Now,
		logger: log.WithFields(zap.String("component", "reaper")),
	}
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	r.logger.Info("reaper started",
		zap.Duration("interval", r.opts.Interval),
		zap.Duration("stale_threshold", r.opts.StaleThreshold))
	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep times out every live row whose heartbeat is older than the threshold.
func (r *Reaper) Sweep(ctx context.Context) (Result, error) {
	cutoff := r.now().Add(-r.opts.StaleThreshold)
	var res Result

	sessions, err := r.store.ReapStaleSessions(ctx, cutoff, constants.ReapedMessage)
	if err != nil {
		return res, err
	}
	res.Sessions = sessions
	for _, id := range sessions {
		r.logger.Warn("session timed out", zap.String("session_id", id))
		status := bus.StatusMessage{Type: bus.TypeStatus, Status: string(models.SessionTimedOut), Message: constants.ReapedMessage}
		if err := r.bus.Publish(ctx, bus.SessionChannel(r.opts.ChannelPrefix, id), status); err != nil {
			r.logger.Debug("status publish failed", zap.String("session_id", id), zap.Error(err))
		}
	}

	executions, err := r.store.ReapStaleExecutions(ctx, cutoff, constants.ReapedMessage)
	if err != nil {
		return res, err
	}
	res.Executions = executions
	for _, id := range executions {
		r.logger.Warn("execution timed out", zap.String("execution_id", id))
	}
	return res, nil
}
