// Package commands provides the workdeck CLI commands.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "workdeck",
	Short: "Workdeck - resumable agent sessions with durable workspaces",
	Long: `Workdeck runs agent conversations against per-project workspaces
that survive process and host restarts: working directories are
restored from snapshots on demand and archived back in the background.

Run 'workdeck serve' to start the server.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug|info|warn|error)")
	rootCmd.SetVersionTemplate(fmt.Sprintf("workdeck %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(serveCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
