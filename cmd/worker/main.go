package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "qa-worker",
	Short: "Scheduler and executor for browser QA scenarios",
	Long: `qa-worker runs scheduled browser scenarios against monitored sites.

Available commands:
  run           - Scheduler, executor, reconciler and operator API in one process
  scheduler     - Only enqueue due scenarios
  executor      - Only consume and execute scenario jobs
  migrate       - Create the database schema
  cron-check    - Evaluate a cron expression at an instant
  run-scenario  - Execute one scenario now, bypassing the queue

Examples:
  qa-worker run
  qa-worker cron-check "*/5 * * * *" --at 2025-03-01T12:05:10Z
  qa-worker run-scenario 7f8c...`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "optional YAML config file (environment variables take precedence)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(schedulerCmd)
	rootCmd.AddCommand(executorCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(cronCheckCmd)
	rootCmd.AddCommand(runScenarioCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
