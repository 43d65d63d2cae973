package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/stagehand/internal/events"
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Inject event envelopes",
}

var eventInjectCmd = &cobra.Command{
	Use:   "inject",
	Short: "Inject an event envelope from a file or stdin",
	Long: `Read one JSON event envelope and hand it to the resume pipeline.

With --server, the envelope is POSTed to a running daemon's /api/events and
processed asynchronously. Without it, the event runs through a local pipeline
synchronously and the full result is printed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		server, _ := cmd.Flags().GetString("server")

		data, err := readEnvelope(file)
		if err != nil {
			return err
		}

		var env events.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return fmt.Errorf("parsing envelope: %w", err)
		}

		if server != "" {
			return postEnvelope(cmd, server, data)
		}

		rt, cleanup, err := newLocalRuntime()
		if err != nil {
			return err
		}
		defer cleanup()

		res := rt.coord.HandleEvent(cmd.Context(), &env)
		return writeJSON(cmd, res)
	},
}

func readEnvelope(file string) ([]byte, error) {
	if file == "" || file == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("reading envelope file: %w", err)
	}
	return data, nil
}

func postEnvelope(cmd *cobra.Command, server string, data []byte) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(server+"/api/events", "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("posting to %s: %w", server, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("daemon rejected event (%s): %s", resp.Status, bytes.TrimSpace(body))
	}
	fmt.Fprint(cmd.OutOrStdout(), string(body))
	return nil
}

func init() {
	eventInjectCmd.Flags().StringP("file", "f", "-", "Envelope JSON file, - for stdin")
	eventInjectCmd.Flags().String("server", "", "Base URL of a running daemon (e.g. http://localhost:8484)")

	eventCmd.AddCommand(eventInjectCmd)
}
