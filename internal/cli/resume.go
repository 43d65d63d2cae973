package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/stagehand/internal/events"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a suspended workflow for one synthetic event",
	Long: `Build an event envelope from flags and run it through the full resume
pipeline synchronously: correlation, validation, and the stage's retry
strategy. Prints the result as JSON.

Examples:
  stagehand resume --task 5 --pr 12
  stagehand resume --task 9 --pr 31 --event pull_request --action labeled --label ready-for-qa
  stagehand resume --task 9 --pr 31 --event pull_request_review --action submitted --review approved`,
	RunE: func(cmd *cobra.Command, args []string) error {
		task, _ := cmd.Flags().GetInt("task")
		pr, _ := cmd.Flags().GetInt("pr")
		eventType, _ := cmd.Flags().GetString("event")
		action, _ := cmd.Flags().GetString("action")
		label, _ := cmd.Flags().GetString("label")
		review, _ := cmd.Flags().GetString("review")
		workflowName, _ := cmd.Flags().GetString("workflow")

		env := &events.Envelope{
			Event:        eventType,
			Action:       action,
			WorkflowName: workflowName,
			Payload: events.Payload{
				PR: events.PullRequest{
					Number: pr,
					Labels: []events.Label{{Name: fmt.Sprintf("task-%d", task)}},
				},
			},
		}
		if label != "" {
			env.Payload.Label = &events.Label{Name: label}
		}
		if review != "" {
			env.Payload.Review = &events.Review{State: review}
		}

		rt, cleanup, err := newLocalRuntime()
		if err != nil {
			return err
		}
		defer cleanup()

		res := rt.coord.HandleEvent(cmd.Context(), env)
		if err := writeJSON(cmd, res); err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("resume did not succeed: %s", res.Error)
		}
		return nil
	},
}

func init() {
	resumeCmd.Flags().Int("task", 0, "Task ID the event belongs to")
	resumeCmd.Flags().Int("pr", 0, "Pull request number")
	resumeCmd.Flags().String("event", "pull_request", "Event type: pull_request or pull_request_review")
	resumeCmd.Flags().String("action", "opened", "Event action: opened, labeled, submitted")
	resumeCmd.Flags().String("label", "", "Label name for labeled events")
	resumeCmd.Flags().String("review", "", "Review state for review events")
	resumeCmd.Flags().String("workflow", "", "Explicit workflow name (skips label correlation)")
	resumeCmd.MarkFlagRequired("task")
	resumeCmd.MarkFlagRequired("pr")
}
