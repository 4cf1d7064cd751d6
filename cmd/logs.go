package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.olrik.dev/agentd/internal/daemon"
)

func NewLogsCommand() *cobra.Command {
	var lines int

	logsCmd := &cobra.Command{
		Use:     "logs",
		Aliases: []string{"log"},
		Short:   "Stream daemon logs in real-time",
		Long: `Stream daemon logs in real-time, including the agent's own output.

Press Ctrl+C to exit. By default, only shows INFO level and above.

Filters:
  agent   - Output forwarded from the agent process
  daemon  - Daemon lifecycle (start, stop, config reload)
  <word>  - Any line containing the word

Examples:
  agentd logs             # Stream INFO and above
  agentd logs --debug     # Include DEBUG logs
  agentd logs -F agent    # Only agent output
  agentd logs -L 50       # Show 50 history lines on connect

Automatically reconnects if the daemon is restarted.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if !daemon.IsRunning() {
				slog.Error("Daemon is not running. Use 'agentd start' to start it.")
				os.Exit(1)
			}

			debug, _ := cmd.Flags().GetBool("debug")
			filter, _ := cmd.Flags().GetString("filter")
			noColor, _ := cmd.Flags().GetBool("no-color")

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			printLine := func(line string) {
				if !debug && isDebugLog(line) {
					return
				}
				if filter != "" && !matchesFilter(line, filter) {
					return
				}
				if noColor {
					line = stripANSI(line)
				}
				fmt.Print(line)
			}

			// History is only replayed on the first connection
			isReconnect := false
			for {
				command := fmt.Sprintf("LOGS %d", lines)
				if isReconnect {
					command += " no_history"
				}

				if err := daemon.StreamCommand(ctx, command, printLine); err != nil {
					slog.Error(fmt.Sprintf("Failed to stream logs: %v", err))
				}
				if ctx.Err() != nil {
					fmt.Println("\nDisconnected from daemon logs.")
					return
				}

				fmt.Println("Connection lost. Reconnecting...")
				if !waitForDaemon(ctx, 5*time.Second) {
					fmt.Println("Daemon not available. Exiting.")
					return
				}
				isReconnect = true
			}
		},
	}

	logsCmd.Flags().Bool("debug", false, "Show DEBUG level logs")
	logsCmd.Flags().StringP("filter", "F", "", "Filter logs by category or keyword (agent, daemon, ...)")
	logsCmd.Flags().Bool("no-color", false, "Disable colored output")
	logsCmd.Flags().IntVarP(&lines, "lines", "L", 20, "Number of history lines to show on connect")

	return logsCmd
}

// waitForDaemon polls until the daemon answers, the timeout passes or ctx ends
func waitForDaemon(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(500 * time.Millisecond):
		}
		if daemon.IsRunning() {
			return true
		}
	}
	return false
}

// isDebugLog checks if a log line is a DEBUG level log
func isDebugLog(line string) bool {
	// tint renders the level as plain DBG or wrapped in ANSI color codes
	if strings.Contains(line, " DBG ") {
		return true
	}
	return strings.Contains(stripANSI(line), " DBG ")
}

// matchesFilter checks if a log line matches the filter criteria
func matchesFilter(line, filter string) bool {
	filter = strings.ToLower(filter)
	lineLower := strings.ToLower(stripANSI(line))

	switch filter {
	case "agent":
		return strings.Contains(lineLower, "agent output:")
	case "daemon":
		return strings.Contains(lineLower, "daemon") ||
			strings.Contains(lineLower, "configuration") ||
			strings.Contains(lineLower, "database")
	default:
		return strings.Contains(lineLower, filter)
	}
}

// stripANSI removes ANSI escape codes from a string
func stripANSI(s string) string {
	var result strings.Builder
	inEscape := false

	for i := 0; i < len(s); i++ {
		if s[i] == '\033' {
			inEscape = true
			continue
		}
		if inEscape {
			if s[i] == 'm' {
				inEscape = false
			}
			continue
		}
		result.WriteByte(s[i])
	}

	return result.String()
}
