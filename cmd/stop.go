package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"
	"go.olrik.dev/agentd/internal/daemon"
)

func NewStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the monitoring agent",
		Long: `Stop the monitoring agent. The agent gets SIGTERM and is killed after the
configured grace period. The daemon keeps running; use 'agentd quit' to stop it.`,
		Aliases: []string{"down"},
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			response, err := daemon.SendCommand("STOP")
			if err != nil {
				slog.Warn("Daemon is not running, so no agent is running")
				return
			}
			exitOnError(response)
		},
	}
}
