package cmd

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/runplane/internal/domain"
)

// Watch command flags
var (
	watchAfter int64
	watchJSON  bool
)

var watchCmd = &cobra.Command{
	Use:   "watch <run-id>",
	Short: "Follow a run's events live",
	Long: `Replay a run's event log over a websocket and keep following it until
the run ends or the command is interrupted.

Examples:
  runplane watch run_123
  runplane watch run_123 --after 40 --json`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().Int64Var(&watchAfter, "after", 0, "Only show events with a greater seq")
	watchCmd.Flags().BoolVarP(&watchJSON, "json", "j", false, "Output raw JSON lines")
}

// streamURL maps the public API address to the run's websocket endpoint.
func streamURL(base, runID string, afterSeq int64) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid server address: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/v1/runs/" + url.PathEscape(runID) + "/events/ws"
	u.RawQuery = fmt.Sprintf("after_seq=%d", afterSeq)
	return u.String(), nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	addr, err := streamURL(serverAddr, args[0], watchAfter)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// Handle Ctrl+C
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)

	done := make(chan error, 1)
	go func() {
		out := cmd.OutOrStdout()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					err = nil
				}
				done <- err
				return
			}

			var event domain.RunEvent
			if err := json.Unmarshal(data, &event); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "skipping malformed event: %v\n", err)
				continue
			}
			if err := printEvent(out, event, watchJSON); err != nil {
				done <- err
				return
			}
			if event.Type.EndsRun() {
				done <- nil
				return
			}
		}
	}()

	select {
	case <-interrupt:
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return nil
	case err := <-done:
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		return nil
	}
}
