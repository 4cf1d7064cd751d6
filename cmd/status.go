package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.olrik.dev/agentd/internal/daemon"
	"go.olrik.dev/agentd/internal/supervisor"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	stoppedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

func NewStatusCommand() *cobra.Command {
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the daemon and agent status",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			response, err := daemon.SendCommand("STATUS")
			if err != nil {
				slog.Warn("Daemon is not running, no agent is running.")
				return
			}

			var status daemon.AgentStatus
			if err := response.DecodeData(&status); err != nil {
				exitOnError(response)
				return
			}

			format, _ := cmd.Flags().GetString("format")
			switch format {
			case "text":
				fmt.Print(renderStatus(status, time.Now()))
			case "json":
				jsonBytes, _ := json.MarshalIndent(status, "", "  ")
				fmt.Println(string(jsonBytes))
			default:
				slog.Error("unknown format")
				os.Exit(1)
			}
		},
	}
	statusCmd.Flags().StringP("format", "F", "text", "Format to use (text/json)")

	return statusCmd
}

func stateStyle(state supervisor.State) lipgloss.Style {
	switch state {
	case supervisor.Running:
		return runningStyle
	case supervisor.Starting, supervisor.Stopping:
		return pendingStyle
	}
	return stoppedStyle
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func renderStatus(status daemon.AgentStatus, now time.Time) string {
	var sb strings.Builder
	line := func(label, value string) {
		fmt.Fprintf(&sb, "%s %s\n", headerStyle.Render(fmt.Sprintf("%-12s", label+":")), value)
	}

	agentState := stateStyle(status.Agent.State).Render(status.Agent.State.String())
	if status.Agent.State == supervisor.Running {
		agentState += dimStyle.Render(fmt.Sprintf(" (%s, PID %d, up %s)",
			status.Agent.Mode, status.Agent.PID, time.Duration(status.UptimeSeconds)*time.Second))
	}
	line("Agent", agentState)
	line("Variant", fmt.Sprintf("%s %s", status.DisplayName, dimStyle.Render("("+status.CurrentVariant+")")))
	line("Configured", yesNo(status.Configured))
	line("Installed", yesNo(status.Installed))
	if status.Agent.LastExitCode != nil {
		line("Last exit", fmt.Sprintf("%d", *status.Agent.LastExitCode))
	}

	daemonAge := now.Sub(status.Daemon.StartedAt).Round(time.Second)
	line("Daemon", dimStyle.Render(fmt.Sprintf("PID %d, version %s, up %s", status.Daemon.PID, status.Daemon.Version, daemonAge)))
	return sb.String()
}
