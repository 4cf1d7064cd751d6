package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.olrik.dev/agentd/internal/daemon"
)

func NewPlanCommand() *cobra.Command {
	var elevated bool

	planCmd := &cobra.Command{
		Use:   "plan [variant]",
		Short: "Show the command line and config file an agent would be started with",
		Long: `Show the command line and generated config file for a variant without
starting anything or writing files. Secrets are masked.`,
		Args:              cobra.MaximumNArgs(1),
		ValidArgsFunction: variantCompletionFunc,
		Run: func(cmd *cobra.Command, args []string) {
			command := "PLAN"
			if len(args) == 1 {
				command += " " + args[0]
			}
			if elevated {
				command += " elevated"
			}

			response := sendOrExit(command)
			if response.HasError() {
				exitOnError(response)
			}

			var plan daemon.PlanInfo
			if err := response.DecodeData(&plan); err != nil {
				exitOnError(response)
				return
			}
			fmt.Print(renderPlan(plan))
		},
	}
	planCmd.Flags().BoolVar(&elevated, "elevated", false, "plan the elevated launch")

	return planCmd
}

func renderPlan(plan daemon.PlanInfo) string {
	out := fmt.Sprintf("%s %s\n", headerStyle.Render("Variant:"), plan.Variant)
	out += fmt.Sprintf("%s %s\n", headerStyle.Render("Mode:"), plan.Mode)
	out += fmt.Sprintf("%s %s\n", headerStyle.Render("Command:"), plan.CommandLine)
	if plan.ConfigFile != "" {
		out += fmt.Sprintf("%s %s\n", headerStyle.Render("Config file:"), plan.ConfigFile)
		out += dimStyle.Render(plan.ConfigContent) + "\n"
	}
	return out
}
