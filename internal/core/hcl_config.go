package core

import (
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Config is the global configuration instance
var Config *Configuration

// Configuration represents the complete agentd daemon configuration
type Configuration struct {
	ConfigPath    string // Directory containing config files, socket and database
	Verbose       int    // Verbosity level
	BinDir        string // Where the agent executables are installed
	DataDir       string // Where generated agent config files are written
	AutoStart     bool   // Start the current variant when the daemon boots
	Supervisor    SupervisorConfig
	Privilege     PrivilegeConfig
	Secrets       SecretsConfig
	Notifications NotificationsConfig
}

// SupervisorConfig tunes the agent process lifecycle
type SupervisorConfig struct {
	GracePeriod     time.Duration // SIGTERM to SIGKILL delay
	Fallback        string        // "launch_error" or "launch_error_or_early_exit"
	EarlyExitWindow time.Duration
	Output          string // "pipe" or "pty"
	SSLCertDir      string // Exported to the agent as SSL_CERT_DIR when set
	WakeLock        bool
}

// PrivilegeConfig describes how elevated commands are run
type PrivilegeConfig struct {
	Helper     []string // Command prefix taking one shell command line, e.g. su -c
	Timeout    time.Duration
	ProbeCache time.Duration // 0 probes on every start
}

type SecretsConfig struct {
	Backend string // "store" or "keyring"
}

type NotificationsConfig struct {
	Desktop bool
}

const (
	OutputPipe = "pipe"
	OutputPTY  = "pty"

	SecretsBackendStore   = "store"
	SecretsBackendKeyring = "keyring"
)

var fallbackPolicies = []string{"launch_error", "launch_error_or_early_exit"}

// HCL parsing structs

type hclConfig struct {
	Verbose       int               `hcl:"verbose,optional"`
	BinDir        string            `hcl:"bin_dir,optional"`
	DataDir       string            `hcl:"data_dir,optional"`
	AutoStart     bool              `hcl:"auto_start,optional"`
	Supervisor    *hclSupervisor    `hcl:"supervisor,block"`
	Privilege     *hclPrivilege     `hcl:"privilege,block"`
	Secrets       *hclSecrets       `hcl:"secrets,block"`
	Notifications *hclNotifications `hcl:"notifications,block"`
}

type hclSupervisor struct {
	GracePeriod     string `hcl:"grace_period,optional"`
	Fallback        string `hcl:"fallback,optional"`
	EarlyExitWindow string `hcl:"early_exit_window,optional"`
	Output          string `hcl:"output,optional"`
	SSLCertDir      string `hcl:"ssl_cert_dir,optional"`
	WakeLock        bool   `hcl:"wake_lock,optional"`
}

type hclPrivilege struct {
	Helper     []string `hcl:"helper,optional"`
	Timeout    string   `hcl:"timeout,optional"`
	ProbeCache string   `hcl:"probe_cache,optional"`
}

type hclSecrets struct {
	Backend string `hcl:"backend,optional"`
}

type hclNotifications struct {
	Desktop bool `hcl:"desktop,optional"`
}

// LoadConfig loads the HCL configuration file and returns a Configuration struct
func LoadConfig(filename string) (*Configuration, error) {
	var hclCfg hclConfig

	err := hclsimple.DecodeFile(filename, nil, &hclCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HCL config: %w", err)
	}

	cfg := GetDefaultConfig()
	cfg.Verbose = hclCfg.Verbose
	cfg.AutoStart = hclCfg.AutoStart
	if hclCfg.BinDir != "" {
		cfg.BinDir = ExpandHome(hclCfg.BinDir)
	}
	if hclCfg.DataDir != "" {
		cfg.DataDir = ExpandHome(hclCfg.DataDir)
	}

	if s := hclCfg.Supervisor; s != nil {
		if cfg.Supervisor.GracePeriod, err = parseDuration("supervisor.grace_period", s.GracePeriod, cfg.Supervisor.GracePeriod); err != nil {
			return nil, err
		}
		if cfg.Supervisor.EarlyExitWindow, err = parseDuration("supervisor.early_exit_window", s.EarlyExitWindow, cfg.Supervisor.EarlyExitWindow); err != nil {
			return nil, err
		}
		if s.Fallback != "" {
			if !slices.Contains(fallbackPolicies, s.Fallback) {
				return nil, fmt.Errorf("invalid supervisor.fallback %q: must be one of %v", s.Fallback, fallbackPolicies)
			}
			cfg.Supervisor.Fallback = s.Fallback
		}
		switch s.Output {
		case "":
		case OutputPipe, OutputPTY:
			cfg.Supervisor.Output = s.Output
		default:
			return nil, fmt.Errorf("invalid supervisor.output %q: must be %q or %q", s.Output, OutputPipe, OutputPTY)
		}
		cfg.Supervisor.SSLCertDir = ExpandHome(s.SSLCertDir)
		cfg.Supervisor.WakeLock = s.WakeLock
	}

	if p := hclCfg.Privilege; p != nil {
		if len(p.Helper) > 0 {
			cfg.Privilege.Helper = p.Helper
		}
		if cfg.Privilege.Timeout, err = parseDuration("privilege.timeout", p.Timeout, cfg.Privilege.Timeout); err != nil {
			return nil, err
		}
		if cfg.Privilege.ProbeCache, err = parseDuration("privilege.probe_cache", p.ProbeCache, cfg.Privilege.ProbeCache); err != nil {
			return nil, err
		}
	}

	if s := hclCfg.Secrets; s != nil {
		switch s.Backend {
		case "":
		case SecretsBackendStore, SecretsBackendKeyring:
			cfg.Secrets.Backend = s.Backend
		default:
			return nil, fmt.Errorf("invalid secrets.backend %q: must be %q or %q", s.Backend, SecretsBackendStore, SecretsBackendKeyring)
		}
	}

	if n := hclCfg.Notifications; n != nil {
		cfg.Notifications.Desktop = n.Desktop
	}

	return cfg, nil
}

func parseDuration(name, value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s %q: must not be negative", name, value)
	}
	return d, nil
}

// GetDefaultConfig returns a configuration with default values
func GetDefaultConfig() *Configuration {
	return &Configuration{
		Verbose:   0,
		BinDir:    "/usr/local/lib/agentd",
		DataDir:   ExpandHome("~/.local/share/agentd"),
		AutoStart: false,
		Supervisor: SupervisorConfig{
			GracePeriod:     5 * time.Second,
			Fallback:        "launch_error",
			EarlyExitWindow: 2 * time.Second,
			Output:          OutputPipe,
		},
		Privilege: PrivilegeConfig{
			Helper:  []string{"su", "-c"},
			Timeout: 5 * time.Second,
		},
		Secrets: SecretsConfig{
			Backend: SecretsBackendStore,
		},
	}
}

// ConfigExists checks if a config file exists
func ConfigExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
