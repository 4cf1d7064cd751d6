// Package notify carries supervisor lifecycle events to the interested
// sinks: the durable running flag, the event log, IPC subscribers and the
// desktop.
package notify

import (
	"fmt"
	"sync"
	"time"

	"go.olrik.dev/agentd/internal/agent"
)

// Kind identifies a lifecycle event
type Kind string

const (
	KindStarted            Kind = "started"
	KindStopped            Kind = "stopped"
	KindAgentExited        Kind = "agent_exited"
	KindNotConfigured      Kind = "not_configured"
	KindConfigurationError Kind = "configuration_error"
	KindAgentStartFailed   Kind = "agent_start_failed"
)

// Event is a single supervisor lifecycle notification
type Event struct {
	Kind     Kind                `json:"kind"`
	Variant  string              `json:"variant"`
	Mode     agent.PrivilegeMode `json:"mode"`
	ExitCode int                 `json:"exit_code,omitempty"`
	Detail   string              `json:"detail,omitempty"`
	Time     time.Time           `json:"time"`
}

// Started is emitted once the agent process runs
func Started(variant string, mode agent.PrivilegeMode) Event {
	return Event{Kind: KindStarted, Variant: variant, Mode: mode, Time: time.Now()}
}

// Stopped is emitted exactly once when a run ends
func Stopped(variant string) Event {
	return Event{Kind: KindStopped, Variant: variant, Time: time.Now()}
}

// AgentExited is emitted when the agent exits without being asked to
func AgentExited(variant string, code int) Event {
	return Event{Kind: KindAgentExited, Variant: variant, ExitCode: code, Time: time.Now()}
}

// NotConfigured is emitted when a start is requested for an unconfigured variant
func NotConfigured(variant string) Event {
	return Event{Kind: KindNotConfigured, Variant: variant, Time: time.Now()}
}

// ConfigurationError is emitted when no launch plan could be produced
func ConfigurationError(variant, detail string) Event {
	return Event{Kind: KindConfigurationError, Variant: variant, Detail: detail, Time: time.Now()}
}

// AgentStartFailed is emitted when every launch attempt failed
func AgentStartFailed(variant, detail string) Event {
	return Event{Kind: KindAgentStartFailed, Variant: variant, Detail: detail, Time: time.Now()}
}

// Running reports the agent state implied by the event
func (e Event) Running() bool {
	return e.Kind == KindStarted
}

// Details returns the event payload as a short key=value string
func (e Event) Details() string {
	switch e.Kind {
	case KindStarted:
		return "mode=" + e.Mode.String()
	case KindAgentExited:
		return fmt.Sprintf("exit_code=%d", e.ExitCode)
	default:
		return e.Detail
	}
}

// Message returns a human readable description
func (e Event) Message() string {
	switch e.Kind {
	case KindStarted:
		return fmt.Sprintf("Agent %s started (%s)", e.Variant, e.Mode)
	case KindStopped:
		return fmt.Sprintf("Agent %s stopped", e.Variant)
	case KindAgentExited:
		return fmt.Sprintf("Agent %s exited with code %d", e.Variant, e.ExitCode)
	case KindNotConfigured:
		return fmt.Sprintf("Agent %s is not configured, set a server and secret first", e.Variant)
	case KindConfigurationError:
		return fmt.Sprintf("Agent %s configuration error: %s", e.Variant, e.Detail)
	case KindAgentStartFailed:
		return fmt.Sprintf("Agent %s failed to start: %s", e.Variant, e.Detail)
	}
	return fmt.Sprintf("Agent %s: %s", e.Variant, e.Kind)
}

// Notifier receives lifecycle events. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(Event)

func (f NotifierFunc) Notify(e Event) { f(e) }

// Fanout delivers each event to every sink in registration order
type Fanout struct {
	mu    sync.RWMutex
	sinks []Notifier
}

// NewFanout creates a fanout over the given sinks
func NewFanout(sinks ...Notifier) *Fanout {
	return &Fanout{sinks: sinks}
}

// Add registers another sink
func (f *Fanout) Add(n Notifier) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, n)
}

func (f *Fanout) Notify(e Event) {
	f.mu.RLock()
	sinks := make([]Notifier, len(f.sinks))
	copy(sinks, f.sinks)
	f.mu.RUnlock()

	for _, s := range sinks {
		s.Notify(e)
	}
}
