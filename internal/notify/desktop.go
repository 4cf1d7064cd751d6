package notify

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	notificationsDest  = "org.freedesktop.Notifications"
	notificationsPath  = "/org/freedesktop/Notifications"
	notificationsCall  = "org.freedesktop.Notifications.Notify"
	desktopCallTimeout = 2 * time.Second
	desktopExpireMs    = 5000
)

// DesktopSink shows lifecycle events as freedesktop notifications over the
// session bus. Without a session bus it does nothing.
type DesktopSink struct {
	logger *slog.Logger
	send   func(ctx context.Context, summary, body string) error

	mu       sync.Mutex
	conn     *dbus.Conn
	disabled bool
}

// NewDesktopSink creates a sink that connects to the session bus on first use
func NewDesktopSink(logger *slog.Logger) *DesktopSink {
	d := &DesktopSink{logger: logger}
	d.send = d.sendDBus
	return d
}

// Notify skips the Stopped that always follows AgentExited
func (d *DesktopSink) Notify(e Event) {
	summary, body, ok := desktopText(e)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), desktopCallTimeout)
	defer cancel()
	if err := d.send(ctx, summary, body); err != nil {
		logger(d.logger).Debug("Desktop notification failed", "error", err)
	}
}

func desktopText(e Event) (summary, body string, ok bool) {
	switch e.Kind {
	case KindStarted:
		return "Monitoring agent started", e.Message(), true
	case KindAgentExited:
		return "Monitoring agent exited", e.Message(), true
	case KindNotConfigured:
		return "Monitoring agent not configured", e.Message(), true
	case KindConfigurationError, KindAgentStartFailed:
		return "Monitoring agent failed", e.Message(), true
	}
	return "", "", false
}

func (d *DesktopSink) sendDBus(ctx context.Context, summary, body string) error {
	conn, err := d.connect()
	if conn == nil {
		return err
	}

	obj := conn.Object(notificationsDest, dbus.ObjectPath(notificationsPath))
	call := obj.CallWithContext(ctx, notificationsCall, 0,
		"agentd", uint32(0), "", summary, body,
		[]string{}, map[string]dbus.Variant{}, int32(desktopExpireMs))
	return call.Err
}

func (d *DesktopSink) connect() (*dbus.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn != nil || d.disabled {
		return d.conn, nil
	}

	// Headless hosts have no session bus; don't try to autolaunch one
	if os.Getenv("DBUS_SESSION_BUS_ADDRESS") == "" {
		d.disabled = true
		logger(d.logger).Debug("No session bus, desktop notifications disabled")
		return nil, nil
	}

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		d.disabled = true
		logger(d.logger).Warn("Failed to connect to session bus, desktop notifications disabled", "error", err)
		return nil, err
	}
	d.conn = conn
	return conn, nil
}

// Close releases the session bus connection
func (d *DesktopSink) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		err := d.conn.Close()
		d.conn = nil
		return err
	}
	return nil
}
