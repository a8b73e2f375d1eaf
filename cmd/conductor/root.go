package main

import (
	"github.com/spf13/cobra"
)

var (
	configPath string
	version    = "dev" // set via ldflags at build time
)

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Agent session orchestration engine",
	Long: `Conductor spawns, resumes, messages and recovers external agent
processes, records their canonical event stream and serves it over HTTP.`,
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "directory containing config.yaml")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(reapCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(attachCmd)
}
