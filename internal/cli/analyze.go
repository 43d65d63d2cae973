package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lucasnoah/stagehand/internal/analyze"
	"github.com/lucasnoah/stagehand/internal/logging"
	"github.com/lucasnoah/stagehand/internal/workflow"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Classify a failure and print its analysis",
	Long: `Run the failure analyzer against an error described on the command line,
using the configured patterns ahead of the built-in tables. The analysis is
persisted to the store and printed as JSON.

Examples:
  stagehand analyze --stage test-execution --message "connection refused by orchestrator"
  stagehand analyze --workflow wf-5 --type api_error --message "429 rate limit exceeded" --ctx attempts=3`,
	RunE: func(cmd *cobra.Command, args []string) error {
		workflowName, _ := cmd.Flags().GetString("workflow")
		stage, _ := cmd.Flags().GetString("stage")
		errType, _ := cmd.Flags().GetString("type")
		message, _ := cmd.Flags().GetString("message")
		ctxPairs, _ := cmd.Flags().GetStringArray("ctx")

		failureCtx := make(map[string]string, len(ctxPairs))
		for _, pair := range ctxPairs {
			k, v, ok := strings.Cut(pair, "=")
			if !ok {
				return fmt.Errorf("invalid --ctx value %q, want key=value", pair)
			}
			failureCtx[k] = v
		}

		cfg, err := loadValidConfig()
		if err != nil {
			return err
		}
		logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		defer logger.Sync()

		database, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		// No orchestrator counter for a one-shot classification; impact
		// sizing degrades to the repeated-failure heuristic.
		analyzer := analyze.New(cfg, nil, database, logger)
		analysis := analyzer.Analyze(cmd.Context(), analyze.Failure{
			Workflow: workflowName,
			Stage:    workflow.Stage(stage),
			Type:     errType,
			Message:  message,
			Context:  failureCtx,
		})
		logger.Debug("analysis complete", zap.String("analysis_id", analysis.ID))
		return writeJSON(cmd, analysis)
	},
}

func init() {
	analyzeCmd.Flags().String("workflow", "", "Workflow name the failure belongs to")
	analyzeCmd.Flags().String("stage", "", "Stage the failure occurred at")
	analyzeCmd.Flags().String("type", "error", "Coarse error class")
	analyzeCmd.Flags().String("message", "", "Error message to classify")
	analyzeCmd.Flags().StringArray("ctx", nil, "Context entry as key=value (repeatable)")
	analyzeCmd.MarkFlagRequired("message")
}
