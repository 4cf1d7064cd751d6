package core

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	BaseDirName    = ".config/agentd"
	ConfigFileName = "config.hcl"
	PidFileName    = "daemon.pid"
	SocketName     = "daemon.sock"
	LockFileName   = "daemon.lock"
	DatabaseName   = "agentd.db"
)

// DefaultConfigPath is the directory used when --config-path is not given
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return BaseDirName
	}
	return filepath.Join(home, BaseDirName)
}

func configDir() string {
	if Config == nil || Config.ConfigPath == "" {
		return DefaultConfigPath()
	}
	return Config.ConfigPath
}

func GetSocketPath() string {
	return filepath.Join(configDir(), SocketName)
}

func GetPIDFilePath() string {
	return filepath.Join(configDir(), PidFileName)
}

func GetLockFilePath() string {
	return filepath.Join(configDir(), LockFileName)
}

func GetDatabasePath() string {
	return filepath.Join(configDir(), DatabaseName)
}

func GetConfigFilePath() string {
	return filepath.Join(configDir(), ConfigFileName)
}

// InitializeConfig loads config.hcl from configPath into Config. A missing
// file is not an error: the defaults are used. A verbose level given on the
// command line wins over the file.
func InitializeConfig(configPath string, verbose int) error {
	configPath = ExpandHome(configPath)
	if configPath == "" {
		configPath = DefaultConfigPath()
	}

	cfg := GetDefaultConfig()
	filename := filepath.Join(configPath, ConfigFileName)
	if ConfigExists(filename) {
		loaded, err := LoadConfig(filename)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	cfg.ConfigPath = configPath
	if verbose > 0 {
		cfg.Verbose = verbose
	}
	Config = cfg
	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
