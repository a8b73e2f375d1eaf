package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/conductor/internal/agent/process"
	"github.com/kandev/conductor/internal/api"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the job workers and the stale reaper",
	Long: `Serve starts the HTTP surface (session control, event streams,
executions and analysis) together with this node's job worker slots and
the heartbeat reaper. SIGINT or SIGTERM drains running jobs and exits.`,
	RunE: runServe,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run job workers and the stale reaper without the HTTP API",
	RunE:  runWorker,
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// runEngine runs the queue and reaper plus any extra services until ctx
// ends or one of them fails. A failing store is fatal to the process.
func runEngine(ctx context.Context, a *app, extra ...func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.queue.Run(gctx) })
	g.Go(func() error { return a.reaper.Run(gctx) })
	for _, fn := range extra {
		fn := fn
		g.Go(func() error { return fn(gctx) })
	}
	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.log.Error("engine stopped", zap.Error(err))
		return err
	}
	a.log.Info("engine stopped")
	return nil
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	a.log.Info("starting worker")
	return runEngine(ctx, a)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	tmux, err := process.NewTmux()
	if err != nil {
		a.log.Info("interactive shell disabled", zap.Error(err))
		tmux = nil
	}

	srv := api.NewServer(api.Deps{
		Sessions:   a.sessions,
		Executions: a.executor,
		Bus:        a.bus,
		Logs:       a.logs,
		Store:      a.store,
		Tmux:       tmux,
	}, api.OptionsFromConfig(a.cfg), a.log)

	// Request contexts derive from ctx so open streams end on shutdown.
	addr := net.JoinHostPort(a.cfg.Server.Host, strconv.Itoa(a.cfg.Server.Port))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       a.cfg.Server.ReadTimeoutDuration(),
		WriteTimeout:      a.cfg.Server.WriteTimeoutDuration(),
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	serveHTTP := func(ctx context.Context) error {
		errCh := make(chan error, 1)
		go func() {
			a.log.Info("HTTP server listening", zap.String("addr", addr))
			errCh <- httpServer.ListenAndServe()
		}()
		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			a.log.Error("HTTP server shutdown error", zap.Error(err))
		}
		return nil
	}

	a.log.Info("starting conductor", zap.String("version", version))
	return runEngine(ctx, a, serveHTTP)
}
