// Package privilege detects and uses an elevation helper (su, sudo) to run
// commands with root privileges.
package privilege

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	DefaultTimeout = 5 * time.Second
)

// DefaultHelper runs a shell command line as root
var DefaultHelper = []string{"su", "-c"}

// Runner executes argv and returns its combined output
type Runner func(ctx context.Context, argv []string) ([]byte, error)

// ExecRunner runs argv as a child process
func ExecRunner(ctx context.Context, argv []string) ([]byte, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	// Grandchildren holding the output pipe must not outlive the timeout
	cmd.WaitDelay = time.Second
	return cmd.CombinedOutput()
}

// Prober checks for and uses the elevation helper. It is safe for concurrent use.
type Prober struct {
	Helper     []string      // Prefix taking a single shell command line, e.g. su -c
	Timeout    time.Duration // Bound on every helper invocation
	ProbeCache time.Duration // How long a probe result is reused, 0 disables caching
	Runner     Runner
	Logger     *slog.Logger

	mu          sync.Mutex
	cachedAt    time.Time
	cachedValue bool
}

// NewProber returns a prober using su -c and the default timeout
func NewProber() *Prober {
	return &Prober{
		Helper:  DefaultHelper,
		Timeout: DefaultTimeout,
		Runner:  ExecRunner,
	}
}

// Configure replaces the helper, timeout and cache duration, dropping any cached probe
func (p *Prober) Configure(helper []string, timeout, probeCache time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(helper) > 0 {
		p.Helper = append([]string(nil), helper...)
	}
	if timeout > 0 {
		p.Timeout = timeout
	}
	p.ProbeCache = probeCache
	p.cachedAt = time.Time{}
}

func (p *Prober) settings() ([]string, time.Duration, Runner, *slog.Logger) {
	p.mu.Lock()
	defer p.mu.Unlock()

	helper := p.Helper
	if len(helper) == 0 {
		helper = DefaultHelper
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runner := p.Runner
	if runner == nil {
		runner = ExecRunner
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return helper, timeout, runner, logger
}

// ElevationAvailable reports whether the helper can run `id` successfully.
// Any failure, including a timeout, counts as unavailable.
func (p *Prober) ElevationAvailable(ctx context.Context) bool {
	p.mu.Lock()
	if p.ProbeCache > 0 && !p.cachedAt.IsZero() && time.Since(p.cachedAt) < p.ProbeCache {
		v := p.cachedValue
		p.mu.Unlock()
		return v
	}
	p.mu.Unlock()

	helper, timeout, runner, logger := p.settings()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := runner(ctx, append(append([]string(nil), helper...), "id"))
	available := err == nil
	if err != nil {
		logger.Debug("Elevation probe failed", "helper", helper[0], "error", err)
	}

	p.mu.Lock()
	p.cachedAt = time.Now()
	p.cachedValue = available
	p.mu.Unlock()

	return available
}

// RunElevated runs a shell command line through the helper and reports
// success along with the combined output (or the error text on failure to run).
func (p *Prober) RunElevated(ctx context.Context, command string) (bool, string) {
	helper, timeout, runner, logger := p.settings()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := runner(ctx, append(append([]string(nil), helper...), command))
	if err != nil {
		logger.Debug("Elevated command failed", "command", command, "error", err)
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) || len(out) > 0 {
			return false, string(out)
		}
		return false, err.Error()
	}
	return true, string(out)
}

// Wrap returns the argv that launches argv through the helper
func (p *Prober) Wrap(argv []string) []string {
	helper, _, _, _ := p.settings()
	return append(append([]string(nil), helper...), JoinCommand(argv))
}

// JoinCommand renders argv as a single POSIX shell command line
func JoinCommand(argv []string) string {
	quoted := make([]string, len(argv))
	for i, arg := range argv {
		quoted[i] = shellQuote(arg)
	}
	return strings.Join(quoted, " ")
}

// shellQuote wraps a string in single quotes unless it only holds safe characters
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:=@,+%", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
