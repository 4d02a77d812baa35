// Package cmd implements the runplane command line.
package cmd

import (
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"

	// Global flags
	serverAddr string
)

var rootCmd = &cobra.Command{
	Use:   "runplane",
	Short: "Run execution control plane",
	Long: `runplane records agent runs as ordered event logs and executes tool
calls for them inside per-run sandboxed workspaces.

Use 'runplane serve' to start the control plane, and 'runplane events' or
'runplane watch' to inspect a run's event log.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "http://localhost:8080", "runplane public API address")

	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("runplane {{.Version}}\n")
}
