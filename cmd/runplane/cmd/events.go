package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/runplane/internal/domain"
)

// Events command flags
var (
	eventsAfter int64
	eventsLimit int
	eventsJSON  bool
)

var eventsCmd = &cobra.Command{
	Use:   "events <run-id>",
	Short: "Print a run's event log",
	Long: `Fetch a run's events from the public API and print them in seq order.

Examples:
  runplane events run_123
  runplane events run_123 --after 40
  runplane events run_123 --json`,
	Args: cobra.ExactArgs(1),
	RunE: runEvents,
}

func init() {
	rootCmd.AddCommand(eventsCmd)

	eventsCmd.Flags().Int64Var(&eventsAfter, "after", 0, "Only show events with a greater seq")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 0, "Maximum number of events (server default when 0)")
	eventsCmd.Flags().BoolVarP(&eventsJSON, "json", "j", false, "Output raw JSON lines")
}

func runEvents(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	events, err := fetchEvents(ctx, serverAddr, args[0], eventsAfter, eventsLimit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, event := range events {
		if err := printEvent(out, event, eventsJSON); err != nil {
			return err
		}
	}
	return nil
}

// fetchEvents reads one page of a run's event log.
func fetchEvents(ctx context.Context, base, runID string, afterSeq int64, limit int) ([]domain.RunEvent, error) {
	u := fmt.Sprintf("%s/v1/runs/%s/events?after_seq=%d", strings.TrimRight(base, "/"), url.PathEscape(runID), afterSeq)
	if limit > 0 {
		u += fmt.Sprintf("&limit=%d", limit)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch events: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var page domain.ListEventsResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode events: %w", err)
	}
	return page.Events, nil
}

// printEvent writes one event as a JSON line or a short human summary.
func printEvent(w io.Writer, event domain.RunEvent, asJSON bool) error {
	if asJSON {
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}
	payload := string(event.Payload)
	if payload == "{}" || payload == "null" {
		payload = ""
	}
	_, err := fmt.Fprintf(w, "%6d  %s  %-22s %s\n",
		event.Seq, event.Timestamp.Local().Format(time.TimeOnly), event.Type, payload)
	return err
}
