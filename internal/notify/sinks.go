package notify

import (
	"log/slog"
)

// RunningFlag is the durable "is running" flag read by out-of-process observers
type RunningFlag interface {
	SetRunning(running bool) error
}

// StatusRecorder keeps the running flag in sync with every event
type StatusRecorder struct {
	Flag   RunningFlag
	Logger *slog.Logger
}

func (r *StatusRecorder) Notify(e Event) {
	if err := r.Flag.SetRunning(e.Running()); err != nil {
		logger(r.Logger).Warn("Failed to record agent status", "event", e.Kind, "error", err)
	}
}

// EventStore persists agent events
type EventStore interface {
	LogAgentEvent(variant, eventType, details string) error
}

// EventLog writes every event to the event store
type EventLog struct {
	Store  EventStore
	Logger *slog.Logger
}

func (l *EventLog) Notify(e Event) {
	if err := l.Store.LogAgentEvent(e.Variant, string(e.Kind), e.Details()); err != nil {
		logger(l.Logger).Warn("Failed to log agent event", "event", e.Kind, "error", err)
	}
}

// LogSink writes events to the structured log
type LogSink struct {
	Logger *slog.Logger
}

func (l *LogSink) Notify(e Event) {
	log := logger(l.Logger)
	switch e.Kind {
	case KindStarted, KindStopped:
		log.Info(e.Message(), "variant", e.Variant)
	case KindNotConfigured:
		log.Warn(e.Message(), "variant", e.Variant)
	default:
		log.Error(e.Message(), "variant", e.Variant)
	}
}

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
