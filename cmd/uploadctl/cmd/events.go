package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_upload/internal/events"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Watch and acknowledge upload events",
}

var ackCmd = &cobra.Command{
	Use:   "ack [event-id]",
	Short: "Acknowledge a terminal upload event",
	Long:  `Acknowledge a completed or failed event so the daemon stops redelivering it. Acknowledging twice is harmless.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		resp, err := makeHTTPRequest(ctx, http.MethodPost, "/v1/events/"+url.PathEscape(args[0])+"/ack", nil)
		if err != nil {
			return fmt.Errorf("HTTP request failed: %w", err)
		}
		if err := decodeResponse(resp, nil); err != nil {
			return fmt.Errorf("failed to acknowledge event: %w", err)
		}

		if outputJSON {
			printOutput(map[string]string{"eventId": args[0], "status": "acknowledged"})
		} else {
			fmt.Printf("Acknowledged event: %s\n", args[0])
		}
		return nil
	},
}

var watchOpts watchOptions

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream upload events",
	Long: heredoc.Doc(`
		Attach to the daemon's event stream. Every unacknowledged completed or failed
		event is replayed first, then live events follow.
	`),
	Example: heredoc.Doc(`
		# Print everything, acknowledging terminal events as they arrive
		$ uploadctl events watch --ack

		# Follow a single task until it finishes
		$ uploadctl events watch --task 3f2a... --until-finished
	`),
	RunE: func(cmd *cobra.Command, args []string) error {
		return watchEvents(cmd.Context(), cmd.OutOrStdout(), watchOpts)
	},
}

type watchOptions struct {
	taskID        string
	ack           bool
	untilFinished bool
}

// watchEvents prints messages from the event stream. With ack set, terminal events are
// acknowledged over the same socket after they are printed.
func watchEvents(ctx context.Context, out io.Writer, opts watchOptions) error {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, baseURL("ws")+"/v1/events", authHeader())
	if err != nil {
		if resp != nil {
			return fmt.Errorf("event stream refused: %s", resp.Status)
		}
		return fmt.Errorf("failed to connect to event stream: %w", err)
	}
	defer conn.Close()

	// Unblock ReadJSON when the caller gives up
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var msg events.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("event stream: %w", err)
		}
		if opts.taskID != "" && msg.ID != opts.taskID {
			continue
		}

		printMessage(out, msg)

		if opts.ack && msg.EventID != "" {
			if err := conn.WriteJSON(map[string]string{"ack": msg.EventID}); err != nil {
				return fmt.Errorf("acknowledge %s: %w", msg.EventID, err)
			}
			log.Debug("acknowledged", "eventId", msg.EventID)
		}
		if opts.untilFinished && opts.taskID != "" && msg.Name == events.NameFinished {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		}
	}
}

func printMessage(out io.Writer, msg events.Message) {
	if outputJSON {
		b, _ := json.Marshal(msg)
		fmt.Fprintln(out, string(b))
		return
	}
	switch msg.Name {
	case events.NameUploading:
		fmt.Fprintf(out, "%s  uploading  %v%%\n", msg.ID, msg.Payload["percent"])
	case events.NameCompleted:
		fmt.Fprintf(out, "%s  completed  status=%v  event=%s\n", msg.ID, msg.Payload["statusCode"], msg.EventID)
	case events.NameFailed:
		fmt.Fprintf(out, "%s  failed     %v  event=%s\n", msg.ID, msg.Payload["error"], msg.EventID)
	default:
		fmt.Fprintf(out, "%s  %s\n", msg.ID, msg.Name)
	}
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(ackCmd)
	eventsCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringVar(&watchOpts.taskID, "task", "", "only show events for this task id")
	watchCmd.Flags().BoolVar(&watchOpts.ack, "ack", false, "acknowledge completed and failed events after printing them")
	watchCmd.Flags().BoolVar(&watchOpts.untilFinished, "until-finished", false, "exit once the --task upload finishes")
}
