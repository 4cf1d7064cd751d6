package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.olrik.dev/agentd/internal/agent"
	"go.olrik.dev/agentd/internal/core"
	"go.olrik.dev/agentd/internal/db"
	"go.olrik.dev/agentd/internal/keyring"
	"go.olrik.dev/agentd/internal/settings"
	"golang.org/x/term"
)

type configureOptions struct {
	server      string
	secret      string
	secretStdin bool
	identifier  string
	tls         bool
	remoteExec  bool
	from        string
	use         bool
}

func NewConfigureCommand() *cobra.Command {
	var opts configureOptions

	configureCmd := &cobra.Command{
		Use:   "configure [variant]",
		Short: "Store the server and secret for an agent variant",
		Long: `Store the connection settings for an agent variant.

Only the flags you pass are changed; everything else keeps its saved value.
When no secret is saved or given and stdin is a terminal, you are prompted
for it without echo.

An import file can carry all settings at once:

  server      = "monitor.example.com:5555"
  secret      = "..."
  tls         = true
  remote_exec = false
  variant     = "komari"

Examples:
  agentd configure nezha --server monitor.example.com:5555
  echo "$TOKEN" | agentd configure komari --server https://k.example.com --secret-stdin
  agentd configure --from agent.toml --use`,
		Args:              cobra.MaximumNArgs(1),
		ValidArgsFunction: variantCompletionFunc,
		RunE: func(cmd *cobra.Command, args []string) error {
			variantID := ""
			if len(args) == 1 {
				variantID = args[0]
			}
			return runConfigure(cmd, variantID, opts)
		},
	}

	flags := configureCmd.Flags()
	flags.StringVar(&opts.server, "server", "", "server address the agent reports to")
	flags.StringVar(&opts.secret, "secret", "", "agent secret (visible in shell history, prefer --secret-stdin)")
	flags.BoolVar(&opts.secretStdin, "secret-stdin", false, "read the secret from the first line of stdin")
	flags.StringVar(&opts.identifier, "identifier", "", "agent identifier (generated on first launch when empty)")
	flags.BoolVar(&opts.tls, "tls", true, "connect to the server over TLS")
	flags.BoolVar(&opts.remoteExec, "remote-exec", false, "allow the server to run commands through the agent")
	flags.StringVar(&opts.from, "from", "", "import settings from a TOML file")
	flags.BoolVar(&opts.use, "use", false, "also make this the current variant")
	configureCmd.MarkFlagsMutuallyExclusive("secret", "secret-stdin")
	configureCmd.MarkFlagFilename("from", "toml")

	return configureCmd
}

func runConfigure(cmd *cobra.Command, variantID string, opts configureOptions) error {
	var imported *settings.ImportResult
	if opts.from != "" {
		result, err := settings.DecodeImportFile(opts.from)
		if err != nil {
			return err
		}
		imported = &result
		if result.Variant != "" {
			variantID = result.Variant
		}
	}

	store, database, err := openSettingsStore()
	if err != nil {
		return err
	}
	defer database.Close()

	if variantID == "" {
		variantID = store.CurrentVariantID()
	}
	v, err := agent.Resolve(variantID)
	if err != nil {
		return err
	}

	cfg, err := store.Load(v.ID)
	if err != nil {
		return fmt.Errorf("failed to load %s configuration: %w", v.DisplayName, err)
	}
	if imported != nil {
		cfg = applyImport(cfg, imported.Configuration)
	}
	cfg = mergeConfiguration(cmd, cfg, opts)

	if opts.secretStdin {
		secret, err := readSecretLine(os.Stdin)
		if err != nil {
			return err
		}
		cfg.Secret = secret
	} else if cfg.Secret == "" && term.IsTerminal(int(os.Stdin.Fd())) {
		secret, err := keyring.PromptSecret(v.ID)
		if err != nil {
			return err
		}
		cfg.Secret = strings.TrimSpace(secret)
	}

	if err := store.Save(v.ID, cfg); err != nil {
		return err
	}
	if opts.use {
		if err := store.SetCurrentVariantID(v.ID); err != nil {
			return err
		}
	}

	if cfg.Valid() {
		slog.Info(fmt.Sprintf("%s configured", v.DisplayName), "server", cfg.Server, "tls", cfg.TLSEnabled)
	} else {
		slog.Warn(fmt.Sprintf("%s saved but incomplete, a server and a secret are required to start it", v.DisplayName))
	}
	if opts.use {
		slog.Info(fmt.Sprintf("%s is now the current variant", v.DisplayName))
	}
	return nil
}

// applyImport replaces the stored configuration with an imported one. An
// identifier the agent already reports under survives an import that does
// not name one.
func applyImport(stored, imported agent.Configuration) agent.Configuration {
	if imported.Identifier == "" {
		imported.Identifier = stored.Identifier
	}
	return imported
}

// mergeConfiguration applies the flags the user actually passed on top of cfg
func mergeConfiguration(cmd *cobra.Command, cfg agent.Configuration, opts configureOptions) agent.Configuration {
	flags := cmd.Flags()
	if flags.Changed("server") {
		cfg.Server = strings.TrimSpace(opts.server)
	}
	if flags.Changed("secret") {
		cfg.Secret = opts.secret
	}
	if flags.Changed("identifier") {
		cfg.Identifier = strings.TrimSpace(opts.identifier)
	}
	if flags.Changed("tls") {
		cfg.TLSEnabled = opts.tls
	}
	if flags.Changed("remote-exec") {
		cfg.RemoteCommandExecutionEnabled = opts.remoteExec
	}
	return cfg
}

// readSecretLine returns the first line of r without surrounding whitespace
func readSecretLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read secret from stdin: %w", err)
	}
	secret := strings.TrimSpace(line)
	if secret == "" {
		return "", errors.New("no secret on stdin")
	}
	return secret, nil
}

// openSettingsStore opens the daemon database directly. sqlite WAL mode makes
// this safe while the daemon has it open.
func openSettingsStore() (*settings.Store, *db.DB, error) {
	if err := os.MkdirAll(core.Config.ConfigPath, 0o700); err != nil {
		return nil, nil, fmt.Errorf("failed to create config path: %w", err)
	}
	database, err := db.Open(core.GetDatabasePath())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := settings.NewStore(database)
	if core.Config.Secrets.Backend == core.SecretsBackendKeyring {
		store.SetSecretStore(keyring.NewStore())
	}
	return store, database, nil
}
