package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kandev/conductor/internal/agent/process"
	"github.com/kandev/conductor/internal/store/postgres"
)

var reapWatch bool

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Time out sessions and executions whose heartbeat went stale",
	Long: `Reap runs one sweep over live sessions and executions and marks every
row whose heartbeat is older than heartbeat.staleThresholdMs as timed out.
With --watch it keeps sweeping every heartbeat.reapIntervalMs.`,
	RunE: runReap,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending PostgreSQL migrations",
	RunE:  runMigrate,
}

var attachCmd = &cobra.Command{
	Use:   "attach <session-id>",
	Short: "Attach the terminal to a session's interactive shell",
	Args:  cobra.ExactArgs(1),
	RunE:  runAttach,
}

func init() {
	reapCmd.Flags().BoolVar(&reapWatch, "watch", false, "keep sweeping until interrupted")
}

func runReap(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if reapWatch {
		return a.reaper.Run(ctx)
	}
	res, err := a.reaper.Sweep(ctx)
	if err != nil {
		return err
	}
	a.log.Info("sweep finished",
		zap.Strings("sessions", res.Sessions),
		zap.Strings("executions", res.Executions))
	fmt.Fprintf(cmd.OutOrStdout(), "timed out %d session(s), %d execution(s)\n", len(res.Sessions), len(res.Executions))
	return nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	if cfg.Database.Driver != "postgres" {
		log.Info("sqlite schema is applied on open, nothing to migrate")
		return nil
	}
	if err := postgres.RunMigrations(cmd.Context(), cfg.Database.DSN()); err != nil {
		return err
	}
	log.Info("migrations applied", zap.String("db", cfg.Database.DBName))
	return nil
}

// runAttach hands the terminal to tmux. The shell must already exist; it is
// created by the first shell request for the session.
func runAttach(cmd *cobra.Command, args []string) error {
	tmux, err := process.NewTmux()
	if err != nil {
		return err
	}
	name := process.SessionName(args[0])
	if !tmux.HasSession(cmd.Context(), name) {
		return fmt.Errorf("no shell for session %s", args[0])
	}
	c := tmux.AttachCommand(name)
	c.Stdin, c.Stdout, c.Stderr = os.Stdin, os.Stdout, os.Stderr
	return c.Run()
}
