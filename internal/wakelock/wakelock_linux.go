package wakelock

import (
	"fmt"
	"os"

	"github.com/godbus/dbus/v5"
)

// inhibit takes a logind sleep inhibitor. The lock lives as long as the
// returned file descriptor stays open.
func inhibit(why string) (func(), error) {
	if os.Getenv("DBUS_SYSTEM_BUS_ADDRESS") == "" {
		if _, err := os.Stat("/run/dbus/system_bus_socket"); err != nil {
			return nil, fmt.Errorf("%w: no system bus", errUnsupported)
		}
	}

	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}

	var fd dbus.UnixFD
	obj := conn.Object("org.freedesktop.login1", "/org/freedesktop/login1")
	err = obj.Call("org.freedesktop.login1.Manager.Inhibit", 0,
		"sleep", "agentd", why, "block").Store(&fd)
	if err != nil {
		return nil, fmt.Errorf("logind inhibit failed: %w", err)
	}

	f := os.NewFile(uintptr(fd), "logind-inhibitor")
	return func() { f.Close() }, nil
}
