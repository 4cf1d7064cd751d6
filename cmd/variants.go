package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.olrik.dev/agentd/internal/daemon"
)

func NewVariantsCommand() *cobra.Command {
	var installedOnly bool

	variantsCmd := &cobra.Command{
		Use:     "variants",
		Aliases: []string{"ls", "list"},
		Short:   "List the supported agent variants",
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			response := sendOrExit("VARIANTS")
			var variants []daemon.VariantInfo
			if err := response.DecodeData(&variants); err != nil {
				exitOnError(response)
				return
			}
			fmt.Print(renderVariants(variants, installedOnly))
		},
	}
	variantsCmd.Flags().BoolVar(&installedOnly, "installed", false, "only list variants whose executable is installed")

	return variantsCmd
}

func renderVariants(variants []daemon.VariantInfo, installedOnly bool) string {
	var sb strings.Builder
	for _, v := range variants {
		if installedOnly && !v.Installed {
			continue
		}
		marker := " "
		if v.Current {
			marker = runningStyle.Render("*")
		}
		var notes []string
		if !v.Installed {
			notes = append(notes, "not installed")
		}
		if !v.Configured {
			notes = append(notes, "not configured")
		}
		detail := ""
		if len(notes) > 0 {
			detail = " " + dimStyle.Render("("+strings.Join(notes, ", ")+")")
		}
		fmt.Fprintf(&sb, "%s %-8s %s%s\n", marker, v.ID, v.DisplayName, detail)
	}
	return sb.String()
}
