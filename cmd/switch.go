package cmd

import (
	"github.com/spf13/cobra"
)

func NewSwitchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "switch <variant>",
		Short: "Select the agent variant to run",
		Long: `Select the agent variant started by 'agentd start'.

Switching is refused while an agent is running; stop it first.`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: variantCompletionFunc,
		Run: func(cmd *cobra.Command, args []string) {
			exitOnError(sendOrExit("SWITCH " + args[0]))
		},
	}
}
