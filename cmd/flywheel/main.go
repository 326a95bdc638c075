package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/teranos/flywheel/cmd/flywheel/commands"
	"github.com/teranos/flywheel/logger"
)

var rootCmd = &cobra.Command{
	Use:   "flywheel",
	Short: "Flywheel - persistent priority job engine",
	Long: `Flywheel - persistent, priority-based job processing engine.

Flywheel queues jobs in memory backed by SQLite, executes them through a
worker pool with pluggable handlers, produces recurring jobs from persisted
schedules, and watches the whole engine with metrics and alert rules.

Available commands:
  start     - Run the engine daemon in the foreground
  jobs      - Inspect and clean up persisted job records
  schedules - Manage recurring schedule definitions
  db        - Show database statistics
  config    - Show and validate configuration
  version   - Show version information

Examples:
  flywheel start                # Start the daemon
  flywheel start --workers 4    # Start with 4 workers
  flywheel jobs ls              # List persisted jobs
  flywheel schedules ls         # List schedule definitions
  flywheel db stats             # Show database statistics
  flywheel config show          # Show current configuration`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize the global logger before any command runs. Commands
		// that print structured output keep the quiet default unless -v
		// flags raise the level.
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("log-json")
		if err := logger.InitializeWithLevel(jsonLogs, logger.VerbosityToLevel(verbosity)); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Emit logs as JSON instead of console output")

	rootCmd.AddCommand(commands.StartCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.SchedulesCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
