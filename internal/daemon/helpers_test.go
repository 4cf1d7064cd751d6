package daemon

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.olrik.dev/agentd/internal/agent"
	"go.olrik.dev/agentd/internal/core"
)

// quietLogger suppresses default slog output during tests and restores it after.
func quietLogger(t *testing.T) {
	t.Helper()
	old := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.Level(99)})))
	t.Cleanup(func() { slog.SetDefault(old) })
}

// shortTempDir keeps unix socket paths under the sun_path limit
func shortTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "agentd-")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

// testConfig points every path into a fresh directory and disables elevation
func testConfig(t *testing.T) *core.Configuration {
	t.Helper()
	dir := shortTempDir(t)

	cfg := core.GetDefaultConfig()
	cfg.ConfigPath = dir
	cfg.BinDir = filepath.Join(dir, "bin")
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.Privilege.Helper = []string{"false"}
	cfg.Supervisor.GracePeriod = time.Second

	oldConfig := core.Config
	core.Config = cfg
	t.Cleanup(func() { core.Config = oldConfig })
	return cfg
}

// newTestDaemon returns an opened daemon that is not listening on a socket
func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	quietLogger(t)

	d := newDaemon(testConfig(t))
	d.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := d.open(); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	t.Cleanup(d.shutdown)
	return d
}

// installFakeAgent writes an executable that behaves like a long running agent
func installFakeAgent(t *testing.T, binDir string, v agent.Variant) string {
	t.Helper()
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(binDir, v.ExecutableName)
	script := "#!/bin/sh\ntrap 'exit 0' TERM\necho \"fake agent $*\"\nwhile :; do sleep 0.1; done\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

// configureVariant saves a valid configuration and selects the variant
func configureVariant(t *testing.T, d *Daemon, id string) {
	t.Helper()
	cfg := agent.DefaultConfiguration()
	cfg.Server = "monitor.example.com:5555"
	cfg.Secret = "s3cret-value"
	if err := d.store.Save(id, cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := d.store.SetCurrentVariantID(id); err != nil {
		t.Fatalf("SetCurrentVariantID failed: %v", err)
	}
}

func hasMessage(r Response, status string) bool {
	for _, m := range r.Messages {
		if m.Status == status {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
