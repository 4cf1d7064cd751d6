package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"
	"go.olrik.dev/agentd/internal/daemon"
)

func NewReloadCommand() *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Reload the daemon configuration",
		Long: `Re-read config.hcl without restarting the daemon or the agent.

Log level, supervisor timings, the fallback policy, the privilege helper and
notifications take effect immediately. bin_dir, data_dir and the secrets
backend need a daemon restart. The daemon also reloads on its own when the
file changes, and on SIGHUP.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			response, err := daemon.SendCommand("RELOAD")
			if err != nil {
				if !quiet {
					slog.Error("Daemon is not running. Use 'agentd start' instead.")
				}
				return
			}
			if quiet && !response.HasError() {
				return
			}
			exitOnError(response)
		},
	}

	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress output")

	return cmd
}
