package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrInvalidConfiguration is returned when server or secret is missing
	ErrInvalidConfiguration = errors.New("agent configuration is incomplete (server and secret are required)")

	// ErrConfigWriteFailed matches every ConfigWriteError
	ErrConfigWriteFailed = errors.New("failed to write agent config file")
)

// ConfigWriteError is returned when the generated config file cannot be written
type ConfigWriteError struct {
	Path string
	Err  error
}

func (e *ConfigWriteError) Error() string {
	return fmt.Sprintf("failed to write agent config file %s: %v", e.Path, e.Err)
}

func (e *ConfigWriteError) Unwrap() error { return e.Err }

func (e *ConfigWriteError) Is(target error) bool { return target == ErrConfigWriteFailed }

// PlannedFile is a config file the agent expects to exist before launch
type PlannedFile struct {
	Path    string
	Content string
}

// LaunchPlan is everything needed to spawn an agent process
type LaunchPlan struct {
	Executable string
	Args       []string
	ConfigFile *PlannedFile
}

// Argv returns the executable followed by its arguments
func (p LaunchPlan) Argv() []string {
	return append([]string{p.Executable}, p.Args...)
}

// String renders the command line for logging; secrets passed as flags are masked
func (p LaunchPlan) String() string {
	argv := p.Argv()
	masked := make([]string, len(argv))
	copy(masked, argv)
	for i := 1; i < len(masked); i++ {
		if masked[i-1] == "-t" {
			masked[i] = "[MASKED]"
		}
	}
	return strings.Join(masked, " ")
}

// IdentifierStore persists identifiers generated on first launch
type IdentifierStore interface {
	SetIdentifier(variantID, identifier string) error
}

// Builder turns a variant and its configuration into a LaunchPlan
type Builder struct {
	BinDir      string // Directory holding agent executables
	DataDir     string // Private directory for generated config files
	Identifiers IdentifierStore
	NewID       func() string // Defaults to a random UUID
	Logger      *slog.Logger
}

// NewBuilder creates a builder rooted at the given directories
func NewBuilder(binDir, dataDir string, identifiers IdentifierStore) *Builder {
	return &Builder{
		BinDir:      binDir,
		DataDir:     dataDir,
		Identifiers: identifiers,
	}
}

func (b *Builder) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

// ConfigPath returns where the generated config file for v is written
func (b *Builder) ConfigPath(v Variant) string {
	return filepath.Join(b.DataDir, v.ConfigDirName, v.ConfigFileName)
}

// Plan renders the launch plan without touching the filesystem.
// An empty identifier is generated (and persisted) for variants that need one.
func (b *Builder) Plan(v Variant, cfg Configuration, mode PrivilegeMode) (LaunchPlan, error) {
	strategy, ok := strategies[v.ID]
	if !ok {
		return LaunchPlan{}, fmt.Errorf("%w: no launch strategy for %q", ErrVariantNotFound, v.ID)
	}
	if !cfg.Valid() {
		return LaunchPlan{}, ErrInvalidConfiguration
	}

	if strategy.NeedsIdentifier && cfg.Identifier == "" {
		id, err := b.generateIdentifier(v)
		if err != nil {
			return LaunchPlan{}, err
		}
		cfg.Identifier = id
	}

	plan := LaunchPlan{
		Executable: ExecutablePath(b.BinDir, v),
	}

	var configPath string
	if strategy.Render != nil {
		configPath = b.ConfigPath(v)
		plan.ConfigFile = &PlannedFile{
			Path:    configPath,
			Content: strategy.Render(cfg),
		}
	}
	plan.Args = strategy.Args(cfg, configPath, mode)

	return plan, nil
}

// Build renders the plan and writes its config file, if any
func (b *Builder) Build(v Variant, cfg Configuration, mode PrivilegeMode) (LaunchPlan, error) {
	plan, err := b.Plan(v, cfg, mode)
	if err != nil {
		return LaunchPlan{}, err
	}
	if plan.ConfigFile != nil {
		if err := writeConfigFile(plan.ConfigFile); err != nil {
			return LaunchPlan{}, err
		}
		b.logger().Debug("Agent config file written", "variant", v.ID, "path", plan.ConfigFile.Path)
	}
	return plan, nil
}

func (b *Builder) generateIdentifier(v Variant) (string, error) {
	newID := b.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	id := newID()

	if b.Identifiers != nil {
		if err := b.Identifiers.SetIdentifier(v.ID, id); err != nil {
			return "", fmt.Errorf("failed to persist generated identifier: %w", err)
		}
	}
	b.logger().Info("Generated agent identifier", "variant", v.ID, "identifier", id)
	return id, nil
}

func writeConfigFile(f *PlannedFile) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o700); err != nil {
		return &ConfigWriteError{Path: f.Path, Err: err}
	}

	// Atomic write so a running agent never reads a half-written file
	tempPath := f.Path + ".tmp"
	if err := os.WriteFile(tempPath, []byte(f.Content), 0o600); err != nil {
		return &ConfigWriteError{Path: f.Path, Err: err}
	}
	if err := os.Rename(tempPath, f.Path); err != nil {
		os.Remove(tempPath)
		return &ConfigWriteError{Path: f.Path, Err: err}
	}
	return nil
}
