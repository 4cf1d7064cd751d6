package agent

import "fmt"

// Configuration holds the per-variant connection settings.
// The secret is called "token" by some agents but plays the same role.
type Configuration struct {
	Server                        string `json:"server" toml:"server"`
	Secret                        string `json:"secret" toml:"secret"`
	Identifier                    string `json:"identifier,omitempty" toml:"identifier"`
	TLSEnabled                    bool   `json:"tls_enabled" toml:"tls"`
	RemoteCommandExecutionEnabled bool   `json:"remote_command_execution_enabled" toml:"remote_exec"`
}

// DefaultConfiguration returns the configuration of a variant that was never saved
func DefaultConfiguration() Configuration {
	return Configuration{
		TLSEnabled: true,
	}
}

// Valid reports whether the configuration is complete enough to launch an agent
func (c Configuration) Valid() bool {
	return c.Server != "" && c.Secret != ""
}

// PrivilegeMode is the way an agent process was (or will be) launched
type PrivilegeMode int

const (
	Unprivileged PrivilegeMode = iota
	Elevated
)

func (m PrivilegeMode) String() string {
	if m == Elevated {
		return "elevated"
	}
	return "unprivileged"
}

func (m PrivilegeMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *PrivilegeMode) UnmarshalText(text []byte) error {
	switch string(text) {
	case "elevated":
		*m = Elevated
	case "unprivileged", "":
		*m = Unprivileged
	default:
		return fmt.Errorf("unknown privilege mode %q", text)
	}
	return nil
}
