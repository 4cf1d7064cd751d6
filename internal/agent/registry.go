package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrVariantNotFound is returned when an unknown variant id is requested.
// Callers treat it as a configuration or programmer error, never as transient.
var ErrVariantNotFound = errors.New("agent variant not found")

// Family groups variants by how they receive their configuration
type Family string

const (
	FamilyFlags      Family = "flags"
	FamilyConfigFile Family = "config-file"
)

// Variant describes one supported monitoring agent executable
type Variant struct {
	ID                 string
	DisplayName        string
	ExecutableName     string
	ConfigFileName     string // Empty for flags-only variants
	ConfigDirName      string
	ProcessKillPattern string
	Family             Family
}

// UsesConfigFile reports whether the variant is configured through a generated file
func (v Variant) UsesConfigFile() bool {
	return v.ConfigFileName != ""
}

const (
	NezhaID  = "nezha"
	KomariID = "komari"

	// DefaultVariantID is used when no variant has been selected yet
	DefaultVariantID = NezhaID
)

var variants = []Variant{
	{
		ID:                 NezhaID,
		DisplayName:        "Nezha Agent",
		ExecutableName:     "nezha-agent",
		ConfigFileName:     "config.yml",
		ConfigDirName:      "nezha",
		ProcessKillPattern: "nezha-agent",
		Family:             FamilyConfigFile,
	},
	{
		ID:                 KomariID,
		DisplayName:        "Komari Agent",
		ExecutableName:     "komari-agent",
		ConfigDirName:      "komari",
		ProcessKillPattern: "komari-agent",
		Family:             FamilyFlags,
	},
}

// All returns the supported variants in a stable order.
// The returned slice is a copy and may be modified by the caller.
func All() []Variant {
	out := make([]Variant, len(variants))
	copy(out, variants)
	return out
}

// Resolve looks up a variant by id or display name, ignoring case
func Resolve(id string) (Variant, error) {
	for _, v := range variants {
		if strings.EqualFold(v.ID, id) || strings.EqualFold(v.DisplayName, id) {
			return v, nil
		}
	}
	return Variant{}, fmt.Errorf("%w: %q", ErrVariantNotFound, id)
}

// Default returns the variant used when none has been selected
func Default() Variant {
	v, _ := Resolve(DefaultVariantID)
	return v
}

// Installed filters All() through probe
func Installed(probe func(Variant) bool) []Variant {
	var out []Variant
	for _, v := range variants {
		if probe(v) {
			out = append(out, v)
		}
	}
	return out
}

// ExecutablePath returns where the variant's executable is expected under binDir
func ExecutablePath(binDir string, v Variant) string {
	return filepath.Join(binDir, v.ExecutableName)
}

// ExecutableInstalled returns a probe that checks whether the variant's
// executable exists under binDir and is executable.
func ExecutableInstalled(binDir string) func(Variant) bool {
	return func(v Variant) bool {
		info, err := os.Stat(ExecutablePath(binDir, v))
		if err != nil {
			return false
		}
		return info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
	}
}
