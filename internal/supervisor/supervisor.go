// Package supervisor owns the lifecycle of the monitoring agent process:
// it builds the launch plan, starts the agent with or without elevated
// privileges, forwards its output to the log and tears it down on request.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.olrik.dev/agentd/internal/agent"
	"go.olrik.dev/agentd/internal/notify"
)

const (
	DefaultGracePeriod     = 5 * time.Second
	DefaultEarlyExitWindow = 2 * time.Second
	killWait               = 2 * time.Second
	drainWait              = time.Second
	maxOutputLine          = 1024 * 1024
)

var (
	// ErrAgentStartFailed wraps the launch error once every attempt failed
	ErrAgentStartFailed = errors.New("agent start failed")
	// ErrAlreadyRunning is returned by operations that need the supervisor idle
	ErrAlreadyRunning = errors.New("agent is running")
)

// Store is the configuration the supervisor reads
type Store interface {
	CurrentVariantID() string
	SetCurrentVariantID(id string) error
	Load(id string) (agent.Configuration, error)
	IsConfigured(id string) bool
}

// Planner turns a configuration into a launch plan, writing any config file
type Planner interface {
	Build(v agent.Variant, cfg agent.Configuration, mode agent.PrivilegeMode) (agent.LaunchPlan, error)
}

// Prober gives access to elevated execution
type Prober interface {
	ElevationAvailable(ctx context.Context) bool
	RunElevated(ctx context.Context, command string) (bool, string)
	Wrap(argv []string) []string
}

// WakeLock keeps the host awake while the agent runs
type WakeLock interface {
	Acquire(why string)
	Release()
}

// Options tune the supervisor. They can be replaced while running and
// apply from the next transition.
type Options struct {
	GracePeriod     time.Duration  // SIGTERM to SIGKILL delay
	Fallback        FallbackPolicy // When an elevated launch is retried unprivileged
	EarlyExitWindow time.Duration  // Window for FallbackOnLaunchErrorOrEarlyExit
	Env             []string       // Extra environment for the agent, e.g. SSL_CERT_DIR=...
	WakeLock        WakeLock       // Optional
}

func (o Options) withDefaults() Options {
	if o.GracePeriod <= 0 {
		o.GracePeriod = DefaultGracePeriod
	}
	if o.EarlyExitWindow <= 0 {
		o.EarlyExitWindow = DefaultEarlyExitWindow
	}
	return o
}

// Deps are the collaborators of a supervisor
type Deps struct {
	Store    Store
	Planner  Planner
	Prober   Prober
	Launcher Launcher
	Notifier notify.Notifier
	Logger   *slog.Logger
}

// run is the state of one launch attempt, from Start until back to Idle
type run struct {
	ctx    context.Context
	cancel context.CancelFunc

	variant agent.Variant
	plan    agent.LaunchPlan
	proc    Process
	mode    agent.PrivilegeMode
	started time.Time

	fellBack bool          // The single unprivileged fallback has been used
	settled  chan struct{} // Closed when the start sequence is done
	exited   chan struct{} // Closed when the process has been reaped
	drained  chan struct{} // Closed when output forwarding ended, nil if never started
	exitCode int
}

// Supervisor is the agent lifecycle state machine. All methods are safe for
// concurrent use; at most one agent process exists at any time.
type Supervisor struct {
	store    Store
	planner  Planner
	prober   Prober
	notifier notify.Notifier
	logger   *slog.Logger

	// opMu serializes stop sequences (explicit or after a natural exit)
	opMu sync.Mutex

	mu       sync.Mutex
	state    State
	run      *run
	launcher Launcher
	opts     Options
	lastExit *int
}

// New creates an idle supervisor
func New(deps Deps, opts Options) *Supervisor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	launcher := deps.Launcher
	if launcher == nil {
		launcher = ExecLauncher{}
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.NotifierFunc(func(notify.Event) {})
	}
	return &Supervisor{
		store:    deps.Store,
		planner:  deps.Planner,
		prober:   deps.Prober,
		notifier: notifier,
		logger:   logger,
		launcher: launcher,
		opts:     opts.withDefaults(),
	}
}

// SetOptions replaces the options used by subsequent transitions
func (s *Supervisor) SetOptions(opts Options) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts = opts.withDefaults()
}

// SetLauncher replaces the launcher used by the next start
func (s *Supervisor) SetLauncher(l Launcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.launcher = l
}

func (s *Supervisor) options() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// State returns the current lifecycle state
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsRunning reports whether an agent process is up
func (s *Supervisor) IsRunning() bool {
	return s.State() == Running
}

// Snapshot returns the current state with details of the active run
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{State: s.state}
	if s.lastExit != nil {
		code := *s.lastExit
		snap.LastExitCode = &code
	}
	if r := s.run; r != nil {
		snap.Variant = r.variant.ID
		if s.state == Running && r.proc != nil {
			snap.Mode = r.mode
			snap.PID = r.proc.PID()
			snap.StartedAt = r.started
		}
	}
	return snap
}

// Start launches the current variant. Calling Start while not idle is a
// no-op. Start failures are reported to the notifier, not returned; the
// only error is the cancellation of ctx.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Idle {
		state := s.state
		s.mu.Unlock()
		s.logger.Info("Agent start ignored", "state", state)
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{
		ctx:     runCtx,
		cancel:  cancel,
		settled: make(chan struct{}),
		exited:  make(chan struct{}),
	}
	s.state = Starting
	s.run = r
	launcher := s.launcher
	opts := s.opts
	s.mu.Unlock()

	defer close(r.settled)

	// The caller going away during the start sequence cancels the run
	stopAfter := context.AfterFunc(ctx, cancel)
	defer stopAfter()

	variantID := s.store.CurrentVariantID()
	v, err := agent.Resolve(variantID)
	if err != nil {
		s.abort(r)
		s.notifier.Notify(notify.ConfigurationError(variantID, err.Error()))
		return nil
	}
	s.mu.Lock()
	r.variant = v
	s.mu.Unlock()

	if !s.store.IsConfigured(v.ID) {
		s.abort(r)
		s.notifier.Notify(notify.NotConfigured(v.ID))
		return nil
	}

	cfg, err := s.store.Load(v.ID)
	if err != nil {
		s.abort(r)
		s.notifier.Notify(notify.ConfigurationError(v.ID, err.Error()))
		return nil
	}

	mode := agent.Unprivileged
	if s.prober.ElevationAvailable(runCtx) {
		mode = agent.Elevated
	}
	if runCtx.Err() != nil {
		return s.startCancelled(ctx, r)
	}

	plan, err := s.planner.Build(v, cfg, mode)
	if err != nil {
		s.logger.Error("Failed to build agent command", "variant", v.ID, "error", err)
		s.abort(r)
		s.notifier.Notify(notify.ConfigurationError(v.ID, err.Error()))
		return nil
	}
	r.plan = plan
	s.logger.Debug("Launching agent", "variant", v.ID, "mode", mode, "command", plan.String())

	proc, usedMode, err := s.launch(runCtx, launcher, opts, plan, mode)
	if err != nil {
		if runCtx.Err() != nil {
			return s.startCancelled(ctx, r)
		}
		s.logger.Error("Failed to start agent", "variant", v.ID, "error", err)
		s.abort(r)
		s.notifier.Notify(notify.AgentStartFailed(v.ID, err.Error()))
		return nil
	}
	r.fellBack = mode == agent.Elevated && usedMode == agent.Unprivileged

	s.mu.Lock()
	r.proc = proc
	r.mode = usedMode
	r.started = time.Now()
	go s.waitExit(r)

	if runCtx.Err() != nil {
		s.mu.Unlock()
		return s.startCancelled(ctx, r)
	}
	s.state = Running
	s.mu.Unlock()

	if opts.WakeLock != nil {
		opts.WakeLock.Acquire(fmt.Sprintf("%s is running", v.DisplayName))
	}

	s.logger.Info("Agent started", "variant", v.ID, "mode", usedMode, "pid", proc.PID())
	s.notifier.Notify(notify.Started(v.ID, usedMode))

	r.drained = make(chan struct{})
	go s.drainOutput(r)

	return nil
}

// launch spawns the plan, elevated first when available, falling back
// exactly once to an unprivileged launch of the same command
func (s *Supervisor) launch(ctx context.Context, launcher Launcher, opts Options, plan agent.LaunchPlan, mode agent.PrivilegeMode) (Process, agent.PrivilegeMode, error) {
	argv := plan.Argv()

	if mode == agent.Elevated {
		proc, err := launcher.Launch(ctx, s.prober.Wrap(argv), opts.Env)
		if err == nil {
			return proc, agent.Elevated, nil
		}
		if ctx.Err() != nil {
			return nil, mode, err
		}
		s.logger.Warn("Elevated launch failed, falling back to unprivileged", "error", err)
	}

	proc, err := launcher.Launch(ctx, argv, opts.Env)
	if err != nil {
		return nil, mode, fmt.Errorf("%w: %v", ErrAgentStartFailed, err)
	}
	return proc, agent.Unprivileged, nil
}

// abort returns a run that never launched to Idle
func (s *Supervisor) abort(r *run) {
	r.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == r {
		s.run = nil
		s.state = Idle
	}
}

// startCancelled converges a start interrupted by Stop (or by the caller) to Idle
func (s *Supervisor) startCancelled(ctx context.Context, r *run) error {
	s.logger.Info("Agent start cancelled", "variant", r.variant.ID)

	s.mu.Lock()
	s.state = Stopping
	s.mu.Unlock()

	if r.proc != nil {
		s.terminate(context.Background(), r, s.options())
	}
	s.finish(r)
	s.notifier.Notify(notify.Stopped(r.variant.ID))
	return ctx.Err()
}

// Stop terminates the agent and returns once the supervisor is idle.
// Stop never fails; calling it while idle does nothing. When ctx is done
// before the grace period ends, the agent is killed right away.
func (s *Supervisor) Stop(ctx context.Context) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	for {
		s.mu.Lock()
		r := s.run
		state := s.state
		s.mu.Unlock()

		switch state {
		case Idle:
			return
		case Starting:
			// The start sequence notices the cancellation and converges to Idle
			r.cancel()
			<-r.settled
			continue
		case Stopping:
			// A cancelled start is tearing down
			<-r.settled
			return
		}

		// Running: make sure Started has been delivered before Stopped
		<-r.settled

		s.mu.Lock()
		if s.run != r || s.state != Running {
			s.mu.Unlock()
			continue
		}
		s.state = Stopping
		s.mu.Unlock()

		s.logger.Info("Stopping agent", "variant", r.variant.ID, "pid", r.proc.PID())
		r.cancel()
		s.terminate(ctx, r, s.options())
		s.finish(r)
		s.notifier.Notify(notify.Stopped(r.variant.ID))
		return
	}
}

// terminate runs the kill sequence: SIGTERM to the process group, SIGKILL
// after the grace period (or once ctx is done), then the elevated
// kill-by-name safety net
func (s *Supervisor) terminate(ctx context.Context, r *run, opts Options) {
	pid := r.proc.PID()

	select {
	case <-r.exited:
	default:
		if err := r.proc.Signal(syscall.SIGTERM); err != nil {
			s.logger.Debug("Failed to send SIGTERM to agent", "pid", pid, "error", err)
		}
		grace := time.NewTimer(opts.GracePeriod)
		defer grace.Stop()
		forceKill := false
		select {
		case <-r.exited:
		case <-grace.C:
			s.logger.Warn(fmt.Sprintf("Agent did not exit within %v, forcing kill", opts.GracePeriod), "pid", pid)
			forceKill = true
		case <-ctx.Done():
			s.logger.Warn("Stop deadline reached, forcing kill", "pid", pid)
			forceKill = true
		}
		if forceKill {
			if err := r.proc.Signal(syscall.SIGKILL); err != nil {
				s.logger.Debug("Failed to send SIGKILL to agent", "pid", pid, "error", err)
			}
			select {
			case <-r.exited:
			case <-time.After(killWait):
				s.logger.Error("Agent survived SIGKILL", "pid", pid)
			}
		}
	}

	// Unblocks output forwarding even if a grandchild still holds the stream
	r.proc.Close()
	if r.drained != nil {
		select {
		case <-r.drained:
		case <-time.After(drainWait):
		}
	}

	if r.mode == agent.Elevated {
		pattern := r.variant.ProcessKillPattern
		if ok, out := s.prober.RunElevated(context.Background(), "pkill "+pattern); !ok {
			s.logger.Debug("Elevated kill by name did not succeed", "pattern", pattern, "output", strings.TrimSpace(out))
		}
	}

	if opts.WakeLock != nil {
		opts.WakeLock.Release()
	}
}

// finish clears the run and returns to Idle
func (s *Supervisor) finish(r *run) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-r.exited:
		code := r.exitCode
		s.lastExit = &code
	default:
	}
	if s.run == r {
		s.run = nil
		s.state = Idle
	}
}

// waitExit reaps the process. A natural exit runs the stop sequence.
func (s *Supervisor) waitExit(r *run) {
	code, err := r.proc.Wait()
	if err != nil {
		s.logger.Debug("Failed to wait for agent", "error", err)
	}
	r.exitCode = code
	close(r.exited)

	if r.ctx.Err() != nil {
		return
	}
	<-r.settled
	s.handleExit(r, code)
}

func (s *Supervisor) handleExit(r *run, code int) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.run != r || s.state != Running {
		s.mu.Unlock()
		return
	}
	s.state = Stopping
	opts := s.opts
	launcher := s.launcher
	s.mu.Unlock()

	// The stream ends on its own once the process is gone. Its last lines
	// usually say why the agent exited.
	if r.drained != nil {
		select {
		case <-r.drained:
		case <-time.After(drainWait):
		}
	}
	r.cancel()

	if s.shouldFallBack(r, opts, code) {
		s.fallBack(r, opts, launcher, code)
		return
	}

	s.logger.Warn("Agent exited", "variant", r.variant.ID, "exit_code", code)
	s.notifier.Notify(notify.AgentExited(r.variant.ID, code))
	s.terminate(context.Background(), r, opts)
	s.finish(r)
	s.notifier.Notify(notify.Stopped(r.variant.ID))
}

func (s *Supervisor) shouldFallBack(r *run, opts Options, code int) bool {
	return opts.Fallback == FallbackOnLaunchErrorOrEarlyExit &&
		r.mode == agent.Elevated &&
		!r.fellBack &&
		code != 0 &&
		time.Since(r.started) < opts.EarlyExitWindow
}

// fallBack replaces an elevated run that died right after starting with an
// unprivileged one. It is called with opMu held and the state Stopping.
func (s *Supervisor) fallBack(r *run, opts Options, launcher Launcher, code int) {
	s.logger.Warn("Elevated agent exited early, falling back to unprivileged", "variant", r.variant.ID, "exit_code", code)
	s.terminate(context.Background(), r, opts)

	runCtx, cancel := context.WithCancel(context.Background())
	next := &run{
		ctx:      runCtx,
		cancel:   cancel,
		variant:  r.variant,
		plan:     r.plan,
		mode:     agent.Unprivileged,
		fellBack: true,
		settled:  make(chan struct{}),
		exited:   make(chan struct{}),
	}
	defer close(next.settled)

	proc, err := launcher.Launch(runCtx, r.plan.Argv(), opts.Env)
	if err != nil {
		cancel()
		s.logger.Error("Failed to start agent", "variant", r.variant.ID, "error", err)
		s.finish(r)
		s.notifier.Notify(notify.AgentStartFailed(r.variant.ID, fmt.Errorf("%w: %v", ErrAgentStartFailed, err).Error()))
		s.notifier.Notify(notify.Stopped(r.variant.ID))
		return
	}
	next.proc = proc
	next.started = time.Now()

	s.mu.Lock()
	s.lastExit = &code
	s.run = next
	s.state = Running
	s.mu.Unlock()
	go s.waitExit(next)

	if opts.WakeLock != nil {
		opts.WakeLock.Acquire(fmt.Sprintf("%s is running", r.variant.DisplayName))
	}

	s.logger.Info("Agent started", "variant", r.variant.ID, "mode", agent.Unprivileged, "pid", proc.PID())
	s.notifier.Notify(notify.Started(r.variant.ID, agent.Unprivileged))

	next.drained = make(chan struct{})
	go s.drainOutput(next)
}

// drainOutput forwards agent output lines to the log until the stream
// closes or the run is cancelled. Lines longer than maxOutputLine are
// truncated; the stream is always read to the end so the agent never
// blocks on a full pipe.
func (s *Supervisor) drainOutput(r *run) {
	defer close(r.drained)

	reader := bufio.NewReaderSize(r.proc.Output(), 64*1024)
	for {
		line, truncated, err := readOutputLine(reader, maxOutputLine)
		if r.ctx.Err() != nil {
			return
		}
		line = strings.TrimRight(line, "\r")
		if line != "" {
			if truncated {
				line += " [truncated]"
			}
			s.logger.Warn(fmt.Sprintf("Agent output: %s", line), "variant", r.variant.ID)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) && !errors.Is(err, syscall.EIO) {
				s.logger.Debug("Agent output stream failed", "variant", r.variant.ID, "error", err)
			}
			return
		}
	}
}

// readOutputLine reads one line keeping at most limit bytes of it. The rest
// of an over-long line is consumed and dropped.
func readOutputLine(reader *bufio.Reader, limit int) (string, bool, error) {
	var buf []byte
	truncated := false
	for {
		chunk, err := reader.ReadSlice('\n')
		if err == nil {
			chunk = chunk[:len(chunk)-1]
		}
		if room := limit - len(buf); room > 0 {
			if len(chunk) > room {
				chunk = chunk[:room]
				truncated = true
			}
			buf = append(buf, chunk...)
		} else if len(chunk) > 0 {
			truncated = true
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return string(buf), truncated, err
	}
}

// SwitchVariant selects the variant used by the next start. It fails
// while an agent is starting or running; stop it first.
func (s *Supervisor) SwitchVariant(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Idle {
		return ErrAlreadyRunning
	}
	return s.store.SetCurrentVariantID(id)
}
