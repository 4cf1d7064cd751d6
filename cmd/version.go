package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"go.olrik.dev/agentd/internal/core"
	"go.olrik.dev/agentd/internal/daemon"
)

func NewVersionCommand() *cobra.Command {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Long:  `Show version of both client and daemon (if running)`,
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			clientFormatted := core.FormatVersion(core.Build.Version)
			fmt.Fprintf(os.Stderr, "Client version: %s\n", clientFormatted)

			response, err := daemon.SendCommand("VERSION")
			if err != nil {
				fmt.Fprintln(os.Stderr, "Daemon: not running")
				return
			}

			var info struct {
				Version string `json:"version"`
				PID     int    `json:"pid"`
			}
			if err := response.DecodeData(&info); err != nil {
				slog.Warn("Daemon returned no version information")
				return
			}
			daemonFormatted := core.FormatVersion(info.Version)
			fmt.Fprintf(os.Stderr, "Daemon version: %s (PID %d)\n", daemonFormatted, info.PID)

			if info.Version != core.Build.Version {
				slog.Warn(fmt.Sprintf("Version mismatch! Client %s and daemon %s versions differ. Consider restarting the daemon.", clientFormatted, daemonFormatted))
			}
		},
	}

	return versionCmd
}
