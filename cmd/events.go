package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.olrik.dev/agentd/internal/daemon"
	"go.olrik.dev/agentd/internal/notify"
)

func NewEventsCommand() *cobra.Command {
	var limit int
	var follow bool

	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "Show agent lifecycle events",
		Long: `Show recent agent lifecycle events (started, stopped, exits and start
failures) recorded by the daemon. With --follow, new events are printed as
they happen.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if !follow {
				response := sendOrExit(fmt.Sprintf("EVENTS %d", limit))
				var records []daemon.EventRecord
				if err := response.DecodeData(&records); err != nil || len(records) == 0 {
					exitOnError(response)
					return
				}
				for _, r := range records {
					fmt.Println(formatEventRecord(r))
				}
				return
			}

			if err := daemon.EnsureDaemonIsRunning(); err != nil {
				slog.Error("Daemon is not available", "error", err)
				os.Exit(1)
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			err := daemon.StreamCommand(ctx, fmt.Sprintf("EVENTS %d follow", limit), func(line string) {
				var e notify.Event
				if err := json.Unmarshal([]byte(line), &e); err != nil {
					slog.Debug("Skipping malformed event", "error", err)
					return
				}
				fmt.Println(formatEvent(e))
			})
			if err != nil {
				slog.Error("Event stream failed", "error", err)
				os.Exit(1)
			}
		},
	}
	eventsCmd.Flags().IntVarP(&limit, "lines", "n", 20, "number of recent events to show")
	eventsCmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new events")

	return eventsCmd
}

func formatEventRecord(r daemon.EventRecord) string {
	out := fmt.Sprintf("%s  %-8s %s", dimStyle.Render(r.Timestamp.Local().Format(time.DateTime)), r.Variant, r.EventType)
	if r.Details != "" {
		out += " " + dimStyle.Render(r.Details)
	}
	return out
}

func formatEvent(e notify.Event) string {
	return fmt.Sprintf("%s  %s", dimStyle.Render(e.Time.Local().Format(time.DateTime)), e.Message())
}
