package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/stagehand/internal/db"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent resume outcomes from the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		task, _ := cmd.Flags().GetInt("task")

		cfg, err := loadValidConfig()
		if err != nil {
			return err
		}
		database, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		var records []db.ResumeRecord
		if task > 0 {
			records, err = database.ListResumesForTask(task, limit)
		} else {
			records, err = database.ListRecentResumes(limit)
		}
		if err != nil {
			return fmt.Errorf("list resumes: %w", err)
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, records)
		}

		if len(records) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No resume events recorded.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tTASK\tSTAGE\tWORKFLOW\tOK\tATT\tERROR")
		for _, r := range records {
			ok := "yes"
			if !r.Success {
				ok = "no"
			}
			errMsg := r.Error
			if len(errMsg) > 60 {
				errMsg = errMsg[:57] + "..."
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%d\t%s\n",
				r.CreatedAt, r.TaskID, r.Stage, r.Workflow, ok, r.Attempts, errMsg)
		}
		return w.Flush()
	},
}

func init() {
	historyCmd.Flags().Int("limit", 50, "Maximum rows to show")
	historyCmd.Flags().Int("task", 0, "Restrict to one task ID")
	historyCmd.Flags().String("format", "text", "Output format: text or json")
}
