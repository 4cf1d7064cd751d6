package supervisor

import (
	"fmt"
	"time"

	"go.olrik.dev/agentd/internal/agent"
)

// State is the supervisor lifecycle state
type State int

const (
	Idle State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for _, candidate := range []State{Idle, Starting, Running, Stopping} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown supervisor state %q", text)
}

// FallbackPolicy decides when an elevated launch is retried unprivileged
type FallbackPolicy int

const (
	// FallbackOnLaunchError retries only when the elevated command cannot be spawned
	FallbackOnLaunchError FallbackPolicy = iota
	// FallbackOnLaunchErrorOrEarlyExit also retries when the elevated process
	// exits non-zero shortly after starting
	FallbackOnLaunchErrorOrEarlyExit
)

// ParseFallbackPolicy accepts the names used in the daemon configuration
func ParseFallbackPolicy(s string) (FallbackPolicy, error) {
	switch s {
	case "", "launch_error":
		return FallbackOnLaunchError, nil
	case "launch_error_or_early_exit":
		return FallbackOnLaunchErrorOrEarlyExit, nil
	}
	return FallbackOnLaunchError, fmt.Errorf("unknown fallback policy %q", s)
}

func (p FallbackPolicy) String() string {
	if p == FallbackOnLaunchErrorOrEarlyExit {
		return "launch_error_or_early_exit"
	}
	return "launch_error"
}

// Snapshot describes the supervisor for status queries
type Snapshot struct {
	State        State               `json:"state"`
	Variant      string              `json:"variant,omitempty"`
	Mode         agent.PrivilegeMode `json:"mode"`
	PID          int                 `json:"pid,omitempty"`
	StartedAt    time.Time           `json:"started_at,omitzero"`
	LastExitCode *int                `json:"last_exit_code,omitempty"`
}

// Uptime returns how long the agent has been running
func (s Snapshot) Uptime() time.Duration {
	if s.State != Running || s.StartedAt.IsZero() {
		return 0
	}
	return time.Since(s.StartedAt).Truncate(time.Second)
}
