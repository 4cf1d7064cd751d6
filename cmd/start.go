package cmd

import (
	"strings"

	"github.com/spf13/cobra"
)

func NewStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start [variant]",
		Short: "Start the monitoring agent",
		Long: `Start the monitoring agent, starting the daemon first if needed.

With a variant argument the daemon switches to that variant before
starting it. The agent runs elevated when the privilege helper works and
falls back to an unprivileged launch otherwise.`,
		Aliases:           []string{"up"},
		Args:              cobra.MaximumNArgs(1),
		ValidArgsFunction: variantCompletionFunc,
		Run: func(cmd *cobra.Command, args []string) {
			command := "START"
			if len(args) == 1 {
				command += " " + strings.ToLower(args[0])
			}
			exitOnError(sendOrExit(command))
		},
	}
}
