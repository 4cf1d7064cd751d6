package cmd

import (
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"go.olrik.dev/agentd/internal/core"
	"go.olrik.dev/agentd/internal/daemon"
)

func NewRootCommand() *cobra.Command {
	var configPath string
	var verbose int

	rootCmd := &cobra.Command{
		Use:   "agentd",
		Short: "agentd - monitoring agent supervisor",
		Long: `agentd - monitoring agent supervisor

Runs one monitoring agent (nezha-agent or komari-agent) at a time, elevated
when a privilege helper is available, and restarts nothing behind your back.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := core.InitializeConfig(configPath, verbose); err != nil {
				return err
			}
			setupCLILogging(core.Config.Verbose)
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config-path", core.DefaultConfigPath(), "config path")
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "more output, repeat for even more")

	rootCmd.AddCommand(
		NewConfigureCommand(),
		NewDaemonCommand(),
		NewEventsCommand(),
		NewLogsCommand(),
		NewPlanCommand(),
		NewQuitCommand(),
		NewReloadCommand(),
		NewStartCommand(),
		NewStatusCommand(),
		NewStopCommand(),
		NewSwitchCommand(),
		NewVariantsCommand(),
		NewVersionCommand(),
	)

	return rootCmd
}

// setupCLILogging gives client commands the same tint output as the daemon.
// The daemon command replaces it with its broadcasting logger.
func setupCLILogging(verbose int) {
	level := slog.LevelInfo
	if verbose > 0 {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05",
	})))
}

// sendOrExit sends a command to the daemon, starting it first when needed
func sendOrExit(command string) daemon.Response {
	if err := daemon.EnsureDaemonIsRunning(); err != nil {
		slog.Error("Daemon is not available", "error", err)
		os.Exit(1)
	}
	response, err := daemon.SendCommand(command)
	if err != nil {
		slog.Error("Could not talk to the daemon", "error", err)
		os.Exit(1)
	}
	return response
}

// exitOnError logs the response messages and exits non-zero on errors
func exitOnError(response daemon.Response) {
	response.LogMessages()
	if response.HasError() {
		os.Exit(1)
	}
}
