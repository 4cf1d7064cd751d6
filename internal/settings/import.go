package settings

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"go.olrik.dev/agentd/internal/agent"
)

// importFile is the on-disk shape accepted by `agentd configure --from`.
//
//	server      = "monitor.example.com:5555"
//	secret      = "..."
//	identifier  = ""      # optional
//	tls         = true    # optional, default true
//	remote_exec = false   # optional, default false
//	variant     = "nezha" # optional, overrides the command-line variant
type importFile struct {
	Server     string  `toml:"server"`
	Secret     string  `toml:"secret"`
	Identifier string  `toml:"identifier"`
	TLS        *bool   `toml:"tls"`
	RemoteExec *bool   `toml:"remote_exec"`
	Variant    *string `toml:"variant"`
}

// ImportResult is a configuration decoded from an import file
type ImportResult struct {
	Variant       string // Empty when the file does not name one
	Configuration agent.Configuration
}

// DecodeImportFile reads a TOML configuration file
func DecodeImportFile(path string) (ImportResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ImportResult{}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var f importFile
	meta, err := toml.Decode(string(data), &f)
	if err != nil {
		return ImportResult{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return ImportResult{}, fmt.Errorf("unknown key %q in %s", undecoded[0].String(), path)
	}

	cfg := agent.DefaultConfiguration()
	cfg.Server = f.Server
	cfg.Secret = f.Secret
	cfg.Identifier = f.Identifier
	if f.TLS != nil {
		cfg.TLSEnabled = *f.TLS
	}
	if f.RemoteExec != nil {
		cfg.RemoteCommandExecutionEnabled = *f.RemoteExec
	}

	result := ImportResult{Configuration: cfg}
	if f.Variant != nil {
		v, err := agent.Resolve(*f.Variant)
		if err != nil {
			return ImportResult{}, err
		}
		result.Variant = v.ID
	}
	return result, nil
}
