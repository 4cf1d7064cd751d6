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
	"testing"
	"time"

	"go.olrik.dev/agentd/internal/agent"
	"go.olrik.dev/agentd/internal/notify"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStore is an in-memory configuration
type fakeStore struct {
	mu         sync.Mutex
	current    string
	configured bool
	loadErr    error
}

func (f *fakeStore) CurrentVariantID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == "" {
		return agent.DefaultVariantID
	}
	return f.current
}

func (f *fakeStore) SetCurrentVariantID(id string) error {
	v, err := agent.Resolve(id)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = v.ID
	return nil
}

func (f *fakeStore) Load(id string) (agent.Configuration, error) {
	if f.loadErr != nil {
		return agent.Configuration{}, f.loadErr
	}
	return agent.Configuration{Server: "example.com", Secret: "secret", TLSEnabled: true}, nil
}

func (f *fakeStore) IsConfigured(id string) bool {
	return f.configured
}

// scriptPlanner plans `sh -c <script>` regardless of variant
type scriptPlanner struct {
	script string
	err    error
	modes  []agent.PrivilegeMode
}

func (p *scriptPlanner) Build(v agent.Variant, cfg agent.Configuration, mode agent.PrivilegeMode) (agent.LaunchPlan, error) {
	p.modes = append(p.modes, mode)
	if p.err != nil {
		return agent.LaunchPlan{}, p.err
	}
	return agent.LaunchPlan{Executable: "sh", Args: []string{"-c", p.script}}, nil
}

// fakeProber marks elevated commands with an "elevated" prefix
type fakeProber struct {
	mu        sync.Mutex
	available bool
	block     bool // ElevationAvailable blocks until ctx is done
	probing   chan struct{}
	commands  []string
}

func (p *fakeProber) ElevationAvailable(ctx context.Context) bool {
	if p.block {
		close(p.probing)
		<-ctx.Done()
		return false
	}
	return p.available
}

func (p *fakeProber) RunElevated(ctx context.Context, command string) (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.commands = append(p.commands, command)
	return false, "no process found"
}

func (p *fakeProber) Wrap(argv []string) []string {
	return append([]string{"elevated"}, argv...)
}

func (p *fakeProber) elevatedCommands() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.commands...)
}

// fakeLauncher runs commands for real, optionally failing or replacing elevated ones
type fakeLauncher struct {
	mu           sync.Mutex
	calls        [][]string
	failElevated bool
	failAll      bool
	elevatedArgv []string // Replaces the command when launched elevated
}

func (l *fakeLauncher) Launch(ctx context.Context, argv []string, env []string) (Process, error) {
	l.mu.Lock()
	l.calls = append(l.calls, argv)
	l.mu.Unlock()

	elevated := len(argv) > 0 && argv[0] == "elevated"
	if l.failAll || (elevated && l.failElevated) {
		return nil, errors.New("exec: permission denied")
	}
	if elevated {
		argv = argv[1:]
		if l.elevatedArgv != nil {
			argv = l.elevatedArgv
		}
	}
	return ExecLauncher{}.Launch(ctx, argv, env)
}

func (l *fakeLauncher) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

// eventLog records events and lets tests wait for them
type eventLog struct {
	mu     sync.Mutex
	events []notify.Event
	trace  *trace
}

func (e *eventLog) Notify(ev notify.Event) {
	e.mu.Lock()
	e.events = append(e.events, ev)
	e.mu.Unlock()
	if e.trace != nil {
		e.trace.add("event:" + string(ev.Kind))
	}
}

func (e *eventLog) kinds() []notify.Kind {
	e.mu.Lock()
	defer e.mu.Unlock()
	kinds := make([]notify.Kind, len(e.events))
	for i, ev := range e.events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func (e *eventLog) all() []notify.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]notify.Event(nil), e.events...)
}

func (e *eventLog) count(kind notify.Kind) int {
	n := 0
	for _, k := range e.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

func (e *eventLog) waitFor(t *testing.T, kind notify.Kind, n int) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if e.count(kind) >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %s events, got %v", n, kind, e.kinds())
}

// trace is an ordered record of events and log lines
type trace struct {
	mu      sync.Mutex
	entries []string
}

func (tr *trace) add(s string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.entries = append(tr.entries, s)
}

func (tr *trace) snapshot() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.entries...)
}

// traceHandler is a slog handler writing messages into a trace
type traceHandler struct{ tr *trace }

func (h traceHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h traceHandler) WithAttrs([]slog.Attr) slog.Handler       { return h }
func (h traceHandler) WithGroup(string) slog.Handler            { return h }

func (h traceHandler) Handle(_ context.Context, r slog.Record) error {
	h.tr.add("log:" + r.Message)
	return nil
}

type harness struct {
	sup      *Supervisor
	store    *fakeStore
	planner  *scriptPlanner
	prober   *fakeProber
	launcher *fakeLauncher
	events   *eventLog
}

func newHarness(t *testing.T, script string, opts Options) *harness {
	t.Helper()
	h := &harness{
		store:    &fakeStore{configured: true},
		planner:  &scriptPlanner{script: script},
		prober:   &fakeProber{},
		launcher: &fakeLauncher{},
		events:   &eventLog{},
	}
	if opts.GracePeriod == 0 {
		opts.GracePeriod = time.Second
	}
	h.sup = New(Deps{
		Store:    h.store,
		Planner:  h.planner,
		Prober:   h.prober,
		Launcher: h.launcher,
		Notifier: h.events,
		Logger:   quietLogger(),
	}, opts)
	t.Cleanup(func() { h.sup.Stop(context.Background()) })
	return h
}

func processGone(pid int) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := syscall.Kill(pid, 0); err != nil {
			return true
		}
		// An orphan nobody reaped yet is dead too
		if stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid)); err == nil && strings.Contains(string(stat), ") Z ") {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}

func TestStart_NotConfigured(t *testing.T) {
	h := newHarness(t, "sleep 30", Options{})
	h.store.configured = false

	if err := h.sup.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	if got := h.events.kinds(); len(got) != 1 || got[0] != notify.KindNotConfigured {
		t.Errorf("expected a single not_configured event, got %v", got)
	}
	if h.sup.State() != Idle {
		t.Errorf("expected Idle, got %s", h.sup.State())
	}
	if h.launcher.callCount() != 0 {
		t.Error("nothing must be launched")
	}
}

func TestStart_ConfigurationError(t *testing.T) {
	h := newHarness(t, "sleep 30", Options{})
	h.planner.err = &agent.ConfigWriteError{Path: "/data/nezha/config.yml", Err: errors.New("read-only file system")}

	h.sup.Start(context.Background())

	events := h.events.all()
	if len(events) != 1 || events[0].Kind != notify.KindConfigurationError {
		t.Fatalf("expected a single configuration_error event, got %v", h.events.kinds())
	}
	if !strings.Contains(events[0].Detail, "read-only file system") {
		t.Errorf("expected detail to carry the cause, got %q", events[0].Detail)
	}
	if h.sup.State() != Idle {
		t.Errorf("expected Idle, got %s", h.sup.State())
	}
}

func TestStart_LoadError(t *testing.T) {
	h := newHarness(t, "sleep 30", Options{})
	h.store.loadErr = errors.New("database is locked")

	h.sup.Start(context.Background())

	if got := h.events.kinds(); len(got) != 1 || got[0] != notify.KindConfigurationError {
		t.Errorf("expected configuration_error, got %v", got)
	}
}

func TestStartStop_Unprivileged(t *testing.T) {
	h := newHarness(t, "sleep 30", Options{})

	if err := h.sup.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !h.sup.IsRunning() {
		t.Fatalf("expected Running, got %s", h.sup.State())
	}

	snap := h.sup.Snapshot()
	if snap.PID <= 0 || snap.Mode != agent.Unprivileged || snap.Variant != agent.NezhaID {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	events := h.events.all()
	if len(events) != 1 || events[0].Kind != notify.KindStarted || events[0].Mode != agent.Unprivileged {
		t.Fatalf("expected started(unprivileged), got %+v", events)
	}
	if h.planner.modes[0] != agent.Unprivileged {
		t.Error("plan must be built for the unprivileged mode")
	}

	h.sup.Stop(context.Background())

	if h.sup.State() != Idle {
		t.Errorf("expected Idle after stop, got %s", h.sup.State())
	}
	if got := h.events.kinds(); len(got) != 2 || got[1] != notify.KindStopped {
		t.Errorf("expected started, stopped; got %v", got)
	}
	if !processGone(snap.PID) {
		t.Errorf("agent process %d still alive", snap.PID)
	}
	if len(h.prober.elevatedCommands()) != 0 {
		t.Error("unprivileged run must not use the elevated kill")
	}
}

func TestStartStop_Elevated(t *testing.T) {
	h := newHarness(t, "sleep 30", Options{})
	h.prober.available = true

	h.sup.Start(context.Background())

	events := h.events.all()
	if len(events) != 1 || events[0].Mode != agent.Elevated {
		t.Fatalf("expected started(elevated), got %+v", events)
	}
	if h.planner.modes[0] != agent.Elevated {
		t.Error("plan must be built for the elevated mode")
	}
	if h.launcher.calls[0][0] != "elevated" {
		t.Errorf("expected wrapped command, got %q", h.launcher.calls[0])
	}

	h.sup.Stop(context.Background())

	cmds := h.prober.elevatedCommands()
	if len(cmds) != 1 || cmds[0] != "pkill nezha-agent" {
		t.Errorf("expected elevated kill by name, got %q", cmds)
	}
	// The failing pkill does not prevent Stopped
	if got := h.events.kinds(); got[len(got)-1] != notify.KindStopped {
		t.Errorf("expected stopped last, got %v", got)
	}
}

func TestStart_ElevatedFallbackSuccess(t *testing.T) {
	h := newHarness(t, "sleep 30", Options{})
	h.prober.available = true
	h.launcher.failElevated = true

	h.sup.Start(context.Background())

	if h.launcher.callCount() != 2 {
		t.Fatalf("expected exactly one fallback launch, got %d launches", h.launcher.callCount())
	}
	want := []string{"sh", "-c", "sleep 30"}
	if fmt.Sprint(h.launcher.calls[1]) != fmt.Sprint(want) {
		t.Errorf("fallback must run the same command unwrapped, got %q", h.launcher.calls[1])
	}

	events := h.events.all()
	if len(events) != 1 || events[0].Kind != notify.KindStarted || events[0].Mode != agent.Unprivileged {
		t.Fatalf("expected started(unprivileged), got %+v", events)
	}
	if h.sup.Snapshot().Mode != agent.Unprivileged {
		t.Error("snapshot must report the mode actually used")
	}
}

func TestStart_ElevatedFallbackFailure(t *testing.T) {
	h := newHarness(t, "sleep 30", Options{})
	h.prober.available = true
	h.launcher.failAll = true

	h.sup.Start(context.Background())

	if h.launcher.callCount() != 2 {
		t.Errorf("expected two launch attempts and no more, got %d", h.launcher.callCount())
	}
	events := h.events.all()
	if len(events) != 1 || events[0].Kind != notify.KindAgentStartFailed {
		t.Fatalf("expected a single agent_start_failed event, got %v", h.events.kinds())
	}
	if !strings.Contains(events[0].Detail, "permission denied") {
		t.Errorf("expected detail to carry the launch error, got %q", events[0].Detail)
	}
	if h.sup.State() != Idle {
		t.Errorf("expected Idle, got %s", h.sup.State())
	}
}

func TestStart_UnprivilegedFailureDoesNotRetry(t *testing.T) {
	h := newHarness(t, "sleep 30", Options{})
	h.launcher.failAll = true

	h.sup.Start(context.Background())

	if h.launcher.callCount() != 1 {
		t.Errorf("expected a single launch attempt, got %d", h.launcher.callCount())
	}
	if h.events.count(notify.KindAgentStartFailed) != 1 {
		t.Errorf("expected agent_start_failed, got %v", h.events.kinds())
	}
}

func TestStart_WhileRunningIsNoop(t *testing.T) {
	h := newHarness(t, "sleep 30", Options{})

	h.sup.Start(context.Background())
	pid := h.sup.Snapshot().PID
	h.sup.Start(context.Background())

	if h.launcher.callCount() != 1 {
		t.Errorf("second start must not launch, got %d launches", h.launcher.callCount())
	}
	if len(h.events.kinds()) != 1 {
		t.Errorf("second start must not emit events, got %v", h.events.kinds())
	}
	if h.sup.Snapshot().PID != pid {
		t.Error("second start must not replace the process")
	}
}

func TestStop_Idempotent(t *testing.T) {
	h := newHarness(t, "sleep 30", Options{})

	h.sup.Start(context.Background())
	h.sup.Stop(context.Background())
	h.sup.Stop(context.Background())

	if n := h.events.count(notify.KindStopped); n != 1 {
		t.Errorf("expected exactly one stopped event, got %d", n)
	}
	if h.sup.State() != Idle {
		t.Errorf("expected Idle, got %s", h.sup.State())
	}
}

func TestStop_WhileIdle(t *testing.T) {
	h := newHarness(t, "sleep 30", Options{})

	h.sup.Stop(context.Background())

	if len(h.events.kinds()) != 0 {
		t.Errorf("stop while idle must not emit events, got %v", h.events.kinds())
	}
}

func TestStop_ConcurrentCallers(t *testing.T) {
	h := newHarness(t, "sleep 30", Options{})
	h.sup.Start(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.sup.Stop(context.Background())
		}()
	}
	wg.Wait()

	if n := h.events.count(notify.KindStopped); n != 1 {
		t.Errorf("expected exactly one stopped event, got %d", n)
	}
}

func TestStop_DuringStart(t *testing.T) {
	h := newHarness(t, "sleep 30", Options{})
	h.prober.block = true
	h.prober.probing = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- h.sup.Start(context.Background()) }()

	<-h.prober.probing
	if h.sup.State() != Starting {
		t.Fatalf("expected Starting, got %s", h.sup.State())
	}

	h.sup.Stop(context.Background())

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Stop")
	}

	if h.sup.State() != Idle {
		t.Errorf("expected Idle, got %s", h.sup.State())
	}
	if h.launcher.callCount() != 0 {
		t.Error("a cancelled start must not launch")
	}
	if got := h.events.kinds(); len(got) != 1 || got[0] != notify.KindStopped {
		t.Errorf("expected a single stopped event, got %v", got)
	}
}

func TestStart_CallerCancellation(t *testing.T) {
	h := newHarness(t, "sleep 30", Options{})
	h.prober.block = true
	h.prober.probing = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sup.Start(ctx) }()

	<-h.prober.probing
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if h.sup.State() != Idle {
		t.Errorf("expected Idle, got %s", h.sup.State())
	}
}

func TestNaturalExit(t *testing.T) {
	h := newHarness(t, "exit 3", Options{})

	h.sup.Start(context.Background())
	h.events.waitFor(t, notify.KindStopped, 1)

	events := h.events.all()
	want := []notify.Kind{notify.KindStarted, notify.KindAgentExited, notify.KindStopped}
	if fmt.Sprint(h.events.kinds()) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, h.events.kinds())
	}
	if events[1].ExitCode != 3 {
		t.Errorf("expected exit code 3, got %d", events[1].ExitCode)
	}

	snap := h.sup.Snapshot()
	if snap.State != Idle {
		t.Errorf("expected Idle, got %s", snap.State)
	}
	if snap.LastExitCode == nil || *snap.LastExitCode != 3 {
		t.Errorf("expected last exit code 3, got %v", snap.LastExitCode)
	}

	// A later Stop does nothing
	h.sup.Stop(context.Background())
	if n := h.events.count(notify.KindStopped); n != 1 {
		t.Errorf("expected one stopped event, got %d", n)
	}
}

func TestNaturalExit_RestartAllowed(t *testing.T) {
	h := newHarness(t, "exit 0", Options{})

	h.sup.Start(context.Background())
	h.events.waitFor(t, notify.KindStopped, 1)
	h.sup.Start(context.Background())
	h.events.waitFor(t, notify.KindStopped, 2)

	if h.launcher.callCount() != 2 {
		t.Errorf("expected two launches, got %d", h.launcher.callCount())
	}
}

func TestStop_ForceKillAfterGracePeriod(t *testing.T) {
	// Ignored SIGTERM is inherited by sleep through exec
	h := newHarness(t, `trap "" TERM; sleep 30`, Options{GracePeriod: 200 * time.Millisecond})

	h.sup.Start(context.Background())
	pid := h.sup.Snapshot().PID

	start := time.Now()
	h.sup.Stop(context.Background())
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("stop took too long: %v", elapsed)
	}
	if !processGone(pid) {
		t.Errorf("agent process %d survived", pid)
	}
	if h.events.count(notify.KindStopped) != 1 {
		t.Errorf("expected stopped, got %v", h.events.kinds())
	}
}

func TestStop_KillsProcessGroup(t *testing.T) {
	h := newHarness(t, "sleep 30 & echo $!; wait", Options{})
	tr := &trace{}
	h.sup.logger = slog.New(traceHandler{tr})

	h.sup.Start(context.Background())

	// The background sleep reports its pid on the output stream
	var childPID int
	deadline := time.Now().Add(5 * time.Second)
	for childPID == 0 && time.Now().Before(deadline) {
		for _, e := range tr.snapshot() {
			fmt.Sscanf(e, "log:Agent output: %d", &childPID)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if childPID == 0 {
		t.Fatal("did not see child pid in agent output")
	}

	h.sup.Stop(context.Background())
	if !processGone(childPID) {
		t.Errorf("grandchild %d survived stop", childPID)
	}
}

func TestOutput_ForwardedAfterStarted(t *testing.T) {
	tr := &trace{}
	h := newHarness(t, "echo hello; sleep 30", Options{})
	h.events.trace = tr
	h.sup.logger = slog.New(traceHandler{tr})

	h.sup.Start(context.Background())

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(strings.Join(tr.snapshot(), "\n"), "Agent output: hello") {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	started, output := -1, -1
	for i, e := range tr.snapshot() {
		if e == "event:started" && started < 0 {
			started = i
		}
		if e == "log:Agent output: hello" && output < 0 {
			output = i
		}
	}
	if output < 0 {
		t.Fatalf("agent output was not forwarded: %v", tr.snapshot())
	}
	if started < 0 || started > output {
		t.Errorf("started must precede output lines: %v", tr.snapshot())
	}
}

func TestEarlyExitFallback(t *testing.T) {
	h := newHarness(t, "sleep 30", Options{Fallback: FallbackOnLaunchErrorOrEarlyExit, EarlyExitWindow: 5 * time.Second})
	h.prober.available = true
	h.launcher.elevatedArgv = []string{"sh", "-c", "exit 1"}

	h.sup.Start(context.Background())
	h.events.waitFor(t, notify.KindStarted, 2)

	events := h.events.all()
	if events[0].Mode != agent.Elevated || events[1].Mode != agent.Unprivileged {
		t.Errorf("expected started(elevated) then started(unprivileged), got %+v", events)
	}
	if h.events.count(notify.KindAgentExited) != 0 {
		t.Error("an early exit that triggers the fallback is not reported as agent_exited")
	}
	if !h.sup.IsRunning() || h.sup.Snapshot().Mode != agent.Unprivileged {
		t.Errorf("expected unprivileged agent running, got %+v", h.sup.Snapshot())
	}
	if h.launcher.callCount() != 2 {
		t.Errorf("expected two launches, got %d", h.launcher.callCount())
	}

	h.sup.Stop(context.Background())
	if h.events.count(notify.KindStopped) != 1 {
		t.Errorf("expected one stopped event, got %v", h.events.kinds())
	}
}

func TestEarlyExit_DefaultPolicyReportsExit(t *testing.T) {
	h := newHarness(t, "sleep 30", Options{})
	h.prober.available = true
	h.launcher.elevatedArgv = []string{"sh", "-c", "exit 1"}

	h.sup.Start(context.Background())
	h.events.waitFor(t, notify.KindStopped, 1)

	want := []notify.Kind{notify.KindStarted, notify.KindAgentExited, notify.KindStopped}
	if fmt.Sprint(h.events.kinds()) != fmt.Sprint(want) {
		t.Errorf("expected %v, got %v", want, h.events.kinds())
	}
	if h.launcher.callCount() != 1 {
		t.Errorf("default policy must not fall back on exit, got %d launches", h.launcher.callCount())
	}
}

func TestSwitchVariant(t *testing.T) {
	h := newHarness(t, "sleep 30", Options{})

	if err := h.sup.SwitchVariant(agent.KomariID); err != nil {
		t.Fatalf("switch while idle failed: %v", err)
	}
	if h.store.CurrentVariantID() != agent.KomariID {
		t.Error("expected current variant komari")
	}

	h.sup.Start(context.Background())
	if err := h.sup.SwitchVariant(agent.NezhaID); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
	if h.sup.Snapshot().Variant != agent.KomariID {
		t.Error("running variant must be komari")
	}

	if err := h.sup.SwitchVariant("bogus"); err == nil {
		t.Error("expected error for unknown variant")
	}
}

type fakeWakeLock struct {
	mu       sync.Mutex
	held     bool
	acquires int
}

func (w *fakeWakeLock) Acquire(string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.held = true
	w.acquires++
}

func (w *fakeWakeLock) Release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.held = false
}

func (w *fakeWakeLock) isHeld() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.held
}

func TestWakeLock_HeldWhileRunning(t *testing.T) {
	lock := &fakeWakeLock{}
	h := newHarness(t, "sleep 30", Options{WakeLock: lock})

	h.sup.Start(context.Background())
	if !lock.isHeld() {
		t.Error("expected wake lock while running")
	}
	h.sup.Stop(context.Background())
	if lock.isHeld() {
		t.Error("expected wake lock released after stop")
	}
}

func TestWakeLock_ReleasedOnNaturalExit(t *testing.T) {
	lock := &fakeWakeLock{}
	h := newHarness(t, "exit 0", Options{WakeLock: lock})

	h.sup.Start(context.Background())
	h.events.waitFor(t, notify.KindStopped, 1)
	if lock.isHeld() {
		t.Error("expected wake lock released after exit")
	}
}

func TestParseFallbackPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    FallbackPolicy
		wantErr bool
	}{
		{"", FallbackOnLaunchError, false},
		{"launch_error", FallbackOnLaunchError, false},
		{"launch_error_or_early_exit", FallbackOnLaunchErrorOrEarlyExit, false},
		{"always", FallbackOnLaunchError, true},
	}
	for _, tt := range tests {
		got, err := ParseFallbackPolicy(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseFallbackPolicy(%q) = %v, %v", tt.in, got, err)
		}
	}
}

func TestNaturalExit_FinalOutputLogged(t *testing.T) {
	script := `i=0; while [ $i -lt 3000 ]; do echo "line $i"; i=$((i+1)); done; echo LASTLINE; exit 3`

	for attempt := 0; attempt < 5; attempt++ {
		tr := &trace{}
		h := newHarness(t, script, Options{})
		h.events.trace = tr
		h.sup.logger = slog.New(traceHandler{tr})

		h.sup.Start(context.Background())
		h.events.waitFor(t, notify.KindStopped, 1)

		last, exited := -1, -1
		for i, e := range tr.snapshot() {
			switch e {
			case "log:Agent output: LASTLINE":
				last = i
			case "event:agent_exited":
				exited = i
			}
		}
		if last < 0 {
			t.Fatalf("attempt %d: final output line was not logged", attempt)
		}
		if exited < last {
			t.Errorf("attempt %d: agent_exited (%d) reported before the final line (%d)", attempt, exited, last)
		}
	}
}

func TestOutput_OverlongLineDoesNotBlockAgent(t *testing.T) {
	script := `head -c 1200000 /dev/zero | tr '\000' x; echo; ` +
		`i=0; while [ $i -lt 20000 ]; do echo "filler $i"; i=$((i+1)); done; echo DONE; sleep 30`
	tr := &trace{}
	h := newHarness(t, script, Options{})
	h.sup.logger = slog.New(traceHandler{tr})

	h.sup.Start(context.Background())

	done, truncated := false, false
	deadline := time.Now().Add(10 * time.Second)
	for !done && time.Now().Before(deadline) {
		for _, e := range tr.snapshot() {
			if e == "log:Agent output: DONE" {
				done = true
			}
			if strings.HasPrefix(e, "log:Agent output: xxx") && strings.HasSuffix(e, " [truncated]") {
				truncated = true
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !done {
		t.Fatal("output after an over-long line was never forwarded")
	}
	if !truncated {
		t.Error("expected the over-long line to be logged truncated")
	}
	if state := h.sup.State(); state != Running {
		t.Errorf("expected Running, got %s", state)
	}
}

func TestReadOutputLine(t *testing.T) {
	// 16 is the smallest bufio buffer, so long lines span several reads
	reader := bufio.NewReaderSize(strings.NewReader(
		"short\n"+
			"abcdefgh\n"+
			strings.Repeat("y", 40)+"\n"+
			"tail"), 16)

	tests := []struct {
		want      string
		truncated bool
		err       error
	}{
		{"short", false, nil},
		{"abcdefgh", false, nil},
		{"yyyyyyyy", true, nil},
		{"tail", false, io.EOF},
	}
	for i, tt := range tests {
		got, truncated, err := readOutputLine(reader, 8)
		if got != tt.want || truncated != tt.truncated || !errors.Is(err, tt.err) {
			t.Errorf("line %d: readOutputLine() = %q, %v, %v; want %q, %v, %v", i, got, truncated, err, tt.want, tt.truncated, tt.err)
		}
	}
}

func TestStop_ContextEndsGracePeriod(t *testing.T) {
	h := newHarness(t, `trap "" TERM; sleep 30`, Options{GracePeriod: 20 * time.Second})

	h.sup.Start(context.Background())
	pid := h.sup.Snapshot().PID

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	h.sup.Stop(ctx)
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("stop ignored the context deadline: %v", elapsed)
	}
	if !processGone(pid) {
		t.Errorf("agent process %d survived", pid)
	}
	if h.sup.State() != Idle {
		t.Errorf("expected Idle, got %s", h.sup.State())
	}
}
