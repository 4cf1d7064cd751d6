package daemon

import (
	"time"

	"go.olrik.dev/agentd/internal/supervisor"
)

// DaemonInfo describes the daemon process itself
type DaemonInfo struct {
	PID        int       `json:"pid"`
	Version    string    `json:"version"`
	StartedAt  time.Time `json:"started_at"`
	ConfigPath string    `json:"config_path"`
}

// AgentStatus is the STATUS payload
type AgentStatus struct {
	Daemon         DaemonInfo          `json:"daemon"`
	Agent          supervisor.Snapshot `json:"agent"`
	CurrentVariant string              `json:"current_variant"`
	DisplayName    string              `json:"display_name"`
	Configured     bool                `json:"configured"`
	Installed      bool                `json:"installed"`
	RunningFlag    bool                `json:"running_flag"`
	UptimeSeconds  int64               `json:"uptime_seconds,omitempty"`
}

// VariantInfo is one entry of the VARIANTS payload
type VariantInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Family      string `json:"family"`
	Executable  string `json:"executable"`
	Installed   bool   `json:"installed"`
	Configured  bool   `json:"configured"`
	Current     bool   `json:"current"`
}

// ConfiguredInfo is the CONFIGURED payload
type ConfiguredInfo struct {
	Variant    string `json:"variant"`
	Configured bool   `json:"configured"`
}

// EventRecord is a persisted agent event as returned by EVENTS
type EventRecord struct {
	ID        int64     `json:"id"`
	Variant   string    `json:"variant"`
	EventType string    `json:"event_type"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PlanInfo is the PLAN payload; secrets are masked
type PlanInfo struct {
	Variant       string   `json:"variant"`
	Mode          string   `json:"mode"`
	Argv          []string `json:"argv"`
	CommandLine   string   `json:"command_line"`
	ConfigFile    string   `json:"config_file,omitempty"`
	ConfigContent string   `json:"config_content,omitempty"`
}
