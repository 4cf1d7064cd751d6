package cmd

import (
	"github.com/spf13/cobra"
	"go.olrik.dev/agentd/internal/daemon"
)

func NewDaemonCommand() *cobra.Command {
	daemonCmd := &cobra.Command{
		Use:    "daemon",
		Short:  "Run the agentd daemon in the foreground",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d := daemon.New()
			return d.Run()
		},
	}

	return daemonCmd
}
