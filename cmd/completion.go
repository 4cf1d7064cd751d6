package cmd

import (
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"go.olrik.dev/agentd/internal/agent"
)

// variantNames returns the ids of all supported variants matching prefix
func variantNames(prefix string) []string {
	var names []string
	for _, v := range agent.All() {
		if strings.HasPrefix(v.ID, strings.ToLower(prefix)) {
			names = append(names, v.ID)
		}
	}
	sort.Strings(names)
	return names
}

// variantCompletionFunc completes the single variant argument of start, switch, configure and plan
func variantCompletionFunc(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	return variantNames(toComplete), cobra.ShellCompDirectiveNoFileComp
}
