package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/refinery/internal/observer"
)

// errHealthAlert is returned when the server reports an alert.
var errHealthAlert = errors.New("loop health alert")

func newHealthCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query loop health from a running server",
		Long: `Fetch the health report from a "refinery serve" instance.

Exits non-zero when the report is an alert, so the command can gate
scripts and scheduled checks.

Examples:
  # Check health
  refinery health

  # Check health on a different server
  refinery health --server http://loop.internal:9191`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := fetchHealth(cmd, serverURL)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Loop Status: %s\n", report.Status)
			fmt.Fprintf(out, "Records:     %d\n", report.Statistics.Records)
			fmt.Fprintf(out, "Server URL:  %s\n", serverURL)
			for _, note := range report.Notes {
				fmt.Fprintf(out, "  - %s\n", note)
			}

			if report.Alerting() {
				return errHealthAlert
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:9191", "refinery server URL")
	return cmd
}

func fetchHealth(cmd *cobra.Command, serverURL string) (*observer.HealthReport, error) {
	url := strings.TrimSuffix(serverURL, "/") + "/api/v1/health"

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	client := &http.Client{
		Timeout: 5 * time.Second,
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	var report observer.HealthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &report, nil
}
