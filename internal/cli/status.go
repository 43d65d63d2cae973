package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/stagehand/internal/web"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a running daemon's breakers and queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		if server == "" {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("no --server given and no config found: %w", err)
			}
			server = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
		}

		client := &http.Client{Timeout: 10 * time.Second}
		resp, err := client.Get(server + "/api/status")
		if err != nil {
			return fmt.Errorf("querying %s: %w", server, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("reading response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("daemon returned %s: %s", resp.Status, body)
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			fmt.Fprintln(cmd.OutOrStdout(), string(body))
			return nil
		}

		var st web.StatusResponse
		if err := json.Unmarshal(body, &st); err != nil {
			return fmt.Errorf("parsing status: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "stagehand %s, up %s, queue depth %d\n\n",
			st.Version, (time.Duration(st.UptimeSecs) * time.Second).String(), st.QueueDepth)

		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STAGE\tBREAKER\tFAILURES")
		for _, b := range st.Breakers {
			fmt.Fprintf(w, "%s\t%s\t%d\n", b.Stage, b.State, b.Failures)
		}
		if err := w.Flush(); err != nil {
			return err
		}

		if len(st.RateLimiter) > 0 {
			fmt.Fprintln(out)
			w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NOTIFICATION TYPE\tHOUR\tDAY\tLAST SENT")
			for ntype, win := range st.RateLimiter {
				last := ""
				if !win.LastSent.IsZero() {
					last = win.LastSent.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", ntype, win.HourCount, win.DayCount, last)
			}
			return w.Flush()
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().String("server", "", "Base URL of the daemon (default from config port)")
	statusCmd.Flags().String("format", "text", "Output format: text or json")
}
