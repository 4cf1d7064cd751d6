package cmd

import (
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.olrik.dev/agentd/internal/daemon"
)

func NewQuitCommand() *cobra.Command {
	quitCmd := &cobra.Command{
		Use:     "quit",
		Aliases: []string{"exit", "shutdown"},
		Short:   "Stop the agent and shut down the daemon",
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			response, err := daemon.SendCommand("QUIT")
			if err != nil {
				slog.Error("Could not connect to daemon. Nothing to stop.")
				os.Exit(1)
			}
			response.LogMessages()

			// Poll until the daemon stops answering
			deadline := time.Now().Add(15 * time.Second)
			for time.Now().Before(deadline) {
				time.Sleep(100 * time.Millisecond)
				if !daemon.IsRunning() {
					slog.Debug("Daemon shutdown confirmed")
					return
				}
			}
			slog.Warn("Daemon did not shut down within timeout, but quit command was sent")
		},
	}

	return quitCmd
}
