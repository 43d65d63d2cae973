package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/stagehand/internal/analytics"
	"github.com/lucasnoah/stagehand/internal/db"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Aggregate resume and failure statistics from the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		sinceFlag, _ := cmd.Flags().GetString("since")
		since := ""
		if sinceFlag != "" {
			d, err := time.ParseDuration(sinceFlag)
			if err != nil {
				return fmt.Errorf("invalid --since duration: %w", err)
			}
			since = db.FormatTime(time.Now().Add(-d))
		}

		cfg, err := loadValidConfig()
		if err != nil {
			return err
		}
		database, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		success, err := analytics.QueryStageSuccessRates(database, since)
		if err != nil {
			return fmt.Errorf("stage success rates: %w", err)
		}
		latencies, err := analytics.QueryStageLatencies(database, since)
		if err != nil {
			return fmt.Errorf("stage latencies: %w", err)
		}
		categories, err := analytics.QueryFailureCategories(database, since)
		if err != nil {
			return fmt.Errorf("failure categories: %w", err)
		}
		volume, err := analytics.QueryNotificationVolume(database, since)
		if err != nil {
			return fmt.Errorf("notification volume: %w", err)
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, map[string]any{
				"stage_success":       success,
				"stage_latency":       latencies,
				"failure_categories":  categories,
				"notification_volume": volume,
			})
		}

		out := cmd.OutOrStdout()

		fmt.Fprintln(out, "Resume success by stage:")
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "  STAGE\tTOTAL\tOK\tRATE\tAVG ATTEMPTS")
		for _, s := range success {
			fmt.Fprintf(w, "  %s\t%d\t%d\t%.1f%%\t%.1f\n",
				s.Stage, s.Total, s.Succeeded, s.SuccessPct, s.AvgAttempts)
		}
		w.Flush()

		fmt.Fprintln(out, "\nResume latency by stage (ms):")
		w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "  STAGE\tCOUNT\tAVG\tP50\tP95")
		for _, l := range latencies {
			fmt.Fprintf(w, "  %s\t%d\t%.0f\t%.0f\t%.0f\n", l.Stage, l.Count, l.Avg, l.P50, l.P95)
		}
		w.Flush()

		fmt.Fprintln(out, "\nFailure categories:")
		w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "  CATEGORY\tTOTAL\tUNRESOLVED\tSHARE\tTOP STAGE")
		for _, c := range categories {
			fmt.Fprintf(w, "  %s\t%d\t%d\t%.1f%%\t%s\n", c.Category, c.Total, c.Unresolved, c.Share, c.TopStage)
		}
		w.Flush()

		fmt.Fprintln(out, "\nNotification volume:")
		w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "  TYPE\tCHANNEL\tSENT\tFAILED\tSUPPRESSED")
		for _, v := range volume {
			fmt.Fprintf(w, "  %s\t%s\t%d\t%d\t%d\n", v.Type, v.Channel, v.Sent, v.Failed, v.Suppressed)
		}
		return w.Flush()
	},
}

func init() {
	statsCmd.Flags().String("since", "", "Restrict to a trailing window, e.g. 24h or 168h")
	statsCmd.Flags().String("format", "text", "Output format: text or json")
}
