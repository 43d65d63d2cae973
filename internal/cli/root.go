package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "stagehand",
	Short: "stagehand — resilient workflow resume for suspended pipelines",
	Long: `stagehand correlates inbound GitHub events to suspended workflow instances
in an external orchestrator and resumes them under per-stage retry strategies
guarded by circuit breakers. Terminal failures are classified and routed to
rate-limited notification channels.

Configuration is read from ./stagehand.yaml or ~/.stagehand/config.yaml.
Resume history, failure analyses, and the notification log are stored in
~/.stagehand/ (SQLite by default, Postgres via storage.driver).`,
}

var cfgFile string

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to stagehand config file")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(eventCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
}
