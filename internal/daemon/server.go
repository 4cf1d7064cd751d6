package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"go.olrik.dev/agentd/internal/agent"
	"go.olrik.dev/agentd/internal/core"
	"go.olrik.dev/agentd/internal/db"
	"go.olrik.dev/agentd/internal/keyring"
	"go.olrik.dev/agentd/internal/notify"
	"go.olrik.dev/agentd/internal/privilege"
	"go.olrik.dev/agentd/internal/settings"
	"go.olrik.dev/agentd/internal/supervisor"
	"go.olrik.dev/agentd/internal/wakelock"
)

const (
	defaultHistoryLines = 20
	defaultEventLimit   = 20
	eventHistorySize    = 200
	configDebounce      = 500 * time.Millisecond
	shutdownSlack       = 10 * time.Second
)

// Daemon owns the supervisor and answers CLI commands on a unix socket
type Daemon struct {
	mu           sync.Mutex
	config       *core.Configuration
	listener     net.Listener
	fileLock     *flock.Flock
	shutdownOnce sync.Once
	startedAt    time.Time

	logBroadcast *LogBroadcaster // For streaming logs to clients
	logOutput    io.Writer
	logLevel     *slog.LevelVar
	logger       *slog.Logger

	events         *notify.Broadcaster // For streaming agent events to clients
	desktop        *notify.DesktopSink
	desktopEnabled atomic.Bool

	database   *db.DB
	store      *settings.Store
	builder    *agent.Builder
	prober     *privilege.Prober
	wakeLock   *wakelock.Lock
	supervisor *supervisor.Supervisor

	ctx        context.Context // Context for lifecycle management
	cancelFunc context.CancelFunc
}

// New creates a daemon for the global configuration
func New() *Daemon {
	return newDaemon(core.Config)
}

func newDaemon(cfg *core.Configuration) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())
	level := new(slog.LevelVar)
	level.Set(logLevel(cfg.Verbose))

	return &Daemon{
		config:       cfg,
		logBroadcast: NewLogBroadcaster(defaultLogHistory),
		logOutput:    os.Stderr,
		logLevel:     level,
		logger:       slog.Default(),
		events:       notify.NewBroadcaster(eventHistorySize),
		ctx:          ctx,
		cancelFunc:   cancel,
	}
}

func (d *Daemon) currentConfig() *core.Configuration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config
}

func (d *Daemon) configFilePath() string {
	return filepath.Join(d.currentConfig().ConfigPath, core.ConfigFileName)
}

func (d *Daemon) socketPath() string {
	return filepath.Join(d.currentConfig().ConfigPath, core.SocketName)
}

func (d *Daemon) pidFilePath() string {
	return filepath.Join(d.currentConfig().ConfigPath, core.PidFileName)
}

// Run starts the daemon and blocks until it has shut down
func (d *Daemon) Run() error {
	d.setupLogging()

	if err := d.acquireLock(); err != nil {
		return err
	}
	if err := d.open(); err != nil {
		d.releaseLock()
		return err
	}
	if err := d.listen(); err != nil {
		d.closeDatabase()
		d.releaseLock()
		return err
	}

	if killed := d.cleanOrphanAgents(d.ctx); killed > 0 {
		d.logger.Info("Cleaned up orphan agents from previous daemon", "count", killed)
	}

	d.watchConfig()
	d.handleSignals()

	if d.currentConfig().AutoStart {
		go d.autoStart()
	}

	d.serve()

	// Waits for a shutdown started elsewhere to complete
	d.shutdown()
	return nil
}

// acquireLock makes sure only one daemon runs per config path
func (d *Daemon) acquireLock() error {
	cfg := d.currentConfig()
	if err := os.MkdirAll(cfg.ConfigPath, 0o700); err != nil {
		return fmt.Errorf("failed to create config path: %w", err)
	}

	fileLock := flock.New(filepath.Join(cfg.ConfigPath, core.LockFileName))
	locked, err := fileLock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("daemon already running (lock held by another process)")
	}
	d.fileLock = fileLock
	return nil
}

func (d *Daemon) releaseLock() {
	if d.fileLock != nil {
		if err := d.fileLock.Unlock(); err != nil {
			d.logger.Warn("Failed to release daemon lock", "error", err)
		}
	}
}

// open wires the database, store, supervisor and notification sinks
func (d *Daemon) open() error {
	cfg := d.currentConfig()
	d.startedAt = time.Now()

	dbPath := filepath.Join(cfg.ConfigPath, core.DatabaseName)
	database, err := db.Open(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database %s: %w", dbPath, err)
	}
	d.database = database
	d.logger.Info("Database opened", "path", dbPath)

	d.store = settings.NewStore(database)
	d.store.SetLogger(d.logger)
	if cfg.Secrets.Backend == core.SecretsBackendKeyring {
		d.store.SetSecretStore(keyring.NewStore())
		d.logger.Debug("Agent secrets are kept in the OS keyring")
	}

	d.builder = agent.NewBuilder(cfg.BinDir, cfg.DataDir, d.store)
	d.builder.Logger = d.logger

	d.prober = privilege.NewProber()
	d.prober.Logger = d.logger
	d.wakeLock = wakelock.New(d.logger)
	d.desktop = notify.NewDesktopSink(d.logger)

	fanout := notify.NewFanout(
		&notify.StatusRecorder{Flag: d.store, Logger: d.logger},
		&notify.EventLog{Store: database, Logger: d.logger},
		&notify.LogSink{Logger: d.logger},
		d.events,
		notify.NotifierFunc(func(e notify.Event) {
			if d.desktopEnabled.Load() {
				d.desktop.Notify(e)
			}
		}),
	)

	d.supervisor = supervisor.New(supervisor.Deps{
		Store:    d.store,
		Planner:  d.builder,
		Prober:   d.prober,
		Notifier: fanout,
		Logger:   d.logger,
	}, supervisor.Options{})

	d.applyConfig(cfg)

	version := core.FormatVersion(core.Version)
	if err := d.database.LogDaemonEvent("start", fmt.Sprintf("daemon started - version: %s, PID: %d", version, os.Getpid())); err != nil {
		d.logger.Error("Failed to log daemon start", "error", err)
	}

	// A stale flag means the previous daemon died with the agent running
	if d.store.IsRunning() {
		d.logger.Warn("Previous daemon exited while the agent was marked running")
		if err := d.store.SetRunning(false); err != nil {
			d.logger.Warn("Failed to reset running flag", "error", err)
		}
	}
	return nil
}

// applyConfig pushes the reloadable settings into the running components
func (d *Daemon) applyConfig(cfg *core.Configuration) {
	d.logLevel.Set(logLevel(cfg.Verbose))
	d.prober.Configure(cfg.Privilege.Helper, cfg.Privilege.Timeout, cfg.Privilege.ProbeCache)

	policy, err := supervisor.ParseFallbackPolicy(cfg.Supervisor.Fallback)
	if err != nil {
		d.logger.Warn("Ignoring fallback policy", "error", err)
	}
	opts := supervisor.Options{
		GracePeriod:     cfg.Supervisor.GracePeriod,
		Fallback:        policy,
		EarlyExitWindow: cfg.Supervisor.EarlyExitWindow,
	}
	if cfg.Supervisor.SSLCertDir != "" {
		opts.Env = append(opts.Env, "SSL_CERT_DIR="+cfg.Supervisor.SSLCertDir)
	}
	if cfg.Supervisor.WakeLock {
		opts.WakeLock = d.wakeLock
	}
	d.supervisor.SetOptions(opts)

	if cfg.Supervisor.Output == core.OutputPTY {
		d.supervisor.SetLauncher(supervisor.PTYLauncher{})
	} else {
		d.supervisor.SetLauncher(supervisor.ExecLauncher{})
	}

	d.desktopEnabled.Store(cfg.Notifications.Desktop)
}

func (d *Daemon) listen() error {
	socketPath := d.socketPath()

	// We hold the lock, so any socket file left behind is stale
	if _, err := os.Stat(socketPath); err == nil {
		d.logger.Info("Removing stale socket file", "path", socketPath)
		if err := os.Remove(socketPath); err != nil {
			return fmt.Errorf("could not remove stale socket: %w", err)
		}
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("could not create socket listener: %w", err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		d.logger.Warn("Failed to restrict socket permissions", "error", err)
	}

	if err := os.WriteFile(d.pidFilePath(), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		d.logger.Warn("Failed to write PID file", "error", err)
	}

	d.mu.Lock()
	d.listener = listener
	d.mu.Unlock()
	d.logger.Info(fmt.Sprintf("Daemon listening on %s", socketPath))
	return nil
}

func (d *Daemon) handleSignals() {
	shutdownChan := make(chan os.Signal, 1)
	hupChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGTERM, syscall.SIGINT)
	signal.Notify(hupChan, syscall.SIGHUP)

	go func() {
		select {
		case sig := <-shutdownChan:
			d.logger.Info("Shutdown signal received. Stopping agent.", "signal", sig.String())
			d.shutdown()
		case <-d.ctx.Done():
		}
		signal.Stop(shutdownChan)
	}()

	go func() {
		for {
			select {
			case <-hupChan:
				d.logger.Info("SIGHUP received, reloading configuration")
				d.reloadConfig()
			case <-d.ctx.Done():
				signal.Stop(hupChan)
				return
			}
		}
	}()
}

// serve accepts connections until the listener is closed
func (d *Daemon) serve() {
	d.mu.Lock()
	listener := d.listener
	d.mu.Unlock()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				d.logger.Info(fmt.Sprintf("Error accepting connection: %v", err))
			}
			return
		}
		go d.handleConnection(conn)
	}
}

func (d *Daemon) autoStart() {
	variantID := d.store.CurrentVariantID()
	if !d.store.IsConfigured(variantID) {
		d.logger.Info("Agent not configured, skipping auto-start", "variant", variantID)
		return
	}
	d.logger.Info("Auto-starting agent", "variant", variantID)
	response := d.startAgent("")
	response.LogMessages()
}

func (d *Daemon) handleConnection(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		conn.Close()
		return
	}

	parts := strings.Fields(scanner.Text())
	if len(parts) == 0 {
		conn.Close()
		return
	}
	command, args := strings.ToUpper(parts[0]), parts[1:]

	switch command {
	case "VERSION", "STATUS":
		d.logger.Debug("Executing command", "command", command)
	default:
		d.logger.Info("Executing command", "command", command, "args", args)
	}

	switch command {
	case "LOGS":
		historyLines, showHistory := parseHistoryArgs(args, defaultHistoryLines, "no_history")
		d.handleLogs(conn, showHistory, historyLines)
		return
	case "EVENTS":
		if slices.Contains(args, "follow") {
			limit, _ := parseHistoryArgs(args, defaultEventLimit, "follow")
			d.handleEventsFollow(conn, limit)
			return
		}
	}

	response := d.handleCommand(command, args)
	conn.Write([]byte(response.ToJSON()))
	conn.Close()

	if command == "QUIT" {
		d.logger.Info("Quit command received. Shutting down daemon.")
		go d.shutdown()
	}
}

// parseHistoryArgs reads an optional leading count and an optional flag word
func parseHistoryArgs(args []string, def int, flag string) (int, bool) {
	n := def
	flagSet := false
	for _, a := range args {
		if a == flag {
			flagSet = true
			continue
		}
		if v, err := strconv.Atoi(a); err == nil && v >= 0 {
			n = v
		}
	}
	if flag == "no_history" {
		return n, !flagSet
	}
	return n, flagSet
}

// handleCommand executes one request/response command
func (d *Daemon) handleCommand(command string, args []string) Response {
	var response Response
	arg := func(i int) string {
		if i < len(args) {
			return args[i]
		}
		return ""
	}

	switch command {
	case "START":
		response = d.startAgent(arg(0))
	case "STOP":
		response = d.stopAgent()
	case "SWITCH":
		if len(args) == 0 {
			response.AddMessage("Usage: SWITCH <variant>", StatusError)
		} else {
			response = d.switchVariant(args[0])
		}
	case "STATUS":
		response = d.getStatus()
	case "CONFIGURED":
		response = d.getConfigured(arg(0))
	case "VARIANTS":
		response = d.getVariants()
	case "EVENTS":
		limit, _ := parseHistoryArgs(args, defaultEventLimit, "follow")
		response = d.getEvents(limit)
	case "PLAN":
		response = d.getPlan(args)
	case "RELOAD":
		if err := d.reloadConfig(); err != nil {
			response.AddMessage(fmt.Sprintf("Configuration not reloaded: %v", err), StatusError)
		} else {
			response.AddMessage("Configuration reloaded", StatusInfo)
		}
	case "VERSION":
		response = d.getVersion()
	case "QUIT":
		response.AddMessage("Stopping daemon...", StatusInfo)
	default:
		response.AddMessage(fmt.Sprintf("Unknown command %q.", command), StatusError)
	}
	return response
}

// startAgent starts the current variant, switching first when one is named
func (d *Daemon) startAgent(variantID string) Response {
	response := Response{}

	if variantID != "" {
		v, err := agent.Resolve(variantID)
		if err != nil {
			response.AddMessage(err.Error(), StatusError)
			return response
		}
		if d.supervisor.State() == supervisor.Idle {
			if err := d.supervisor.SwitchVariant(v.ID); err != nil && !errors.Is(err, supervisor.ErrAlreadyRunning) {
				response.AddMessage(fmt.Sprintf("Failed to select %s: %v", v.DisplayName, err), StatusError)
				return response
			}
		} else if current := d.supervisor.Snapshot().Variant; current != v.ID {
			response.AddMessage(fmt.Sprintf("Agent %s is running, stop it before starting %s", current, v.ID), StatusError)
			return response
		}
	}

	if state := d.supervisor.State(); state != supervisor.Idle {
		response.AddMessage(fmt.Sprintf("Agent is already %s", state), StatusWarn)
		response.AddData(d.supervisor.Snapshot())
		return response
	}

	// Start reports its outcome as events; collect the ones it emits
	ch, _ := d.events.Subscribe(0)
	defer d.events.Unsubscribe(ch)

	if err := d.supervisor.Start(d.ctx); err != nil {
		response.AddMessage(fmt.Sprintf("Agent start cancelled: %v", err), StatusError)
		return response
	}

collect:
	for {
		select {
		case e := <-ch:
			response.AddMessage(e.Message(), eventStatus(e))
		default:
			break collect
		}
	}
	if len(response.Messages) == 0 {
		response.AddMessage(fmt.Sprintf("Agent is %s", d.supervisor.State()), StatusInfo)
	}
	response.AddData(d.supervisor.Snapshot())
	return response
}

func eventStatus(e notify.Event) string {
	switch e.Kind {
	case notify.KindStarted, notify.KindStopped:
		return StatusInfo
	case notify.KindNotConfigured:
		return StatusWarn
	}
	return StatusError
}

func (d *Daemon) stopAgent() Response {
	response := Response{}
	if d.supervisor.State() == supervisor.Idle {
		response.AddMessage("Agent is not running", StatusWarn)
		return response
	}

	variant := d.supervisor.Snapshot().Variant
	ctx, cancel := context.WithTimeout(d.ctx, d.stopTimeout())
	defer cancel()
	d.supervisor.Stop(ctx)

	response.AddMessage(fmt.Sprintf("Agent %s stopped", variant), StatusInfo)
	return response
}

func (d *Daemon) stopTimeout() time.Duration {
	return d.currentConfig().Supervisor.GracePeriod + shutdownSlack
}

func (d *Daemon) switchVariant(id string) Response {
	response := Response{}
	v, err := agent.Resolve(id)
	if err != nil {
		response.AddMessage(err.Error(), StatusError)
		return response
	}

	if err := d.supervisor.SwitchVariant(v.ID); err != nil {
		if errors.Is(err, supervisor.ErrAlreadyRunning) {
			response.AddMessage("Stop the agent before switching variants", StatusError)
		} else {
			response.AddMessage(fmt.Sprintf("Failed to switch variant: %v", err), StatusError)
		}
		return response
	}

	response.AddMessage(fmt.Sprintf("Switched to %s", v.DisplayName), StatusInfo)
	if !d.store.IsConfigured(v.ID) {
		response.AddMessage(fmt.Sprintf("%s is not configured yet", v.DisplayName), StatusWarn)
	}
	return response
}

func (d *Daemon) getStatus() Response {
	response := Response{}
	cfg := d.currentConfig()

	variantID := d.store.CurrentVariantID()
	v, err := agent.Resolve(variantID)
	if err != nil {
		v = agent.Default()
	}

	snap := d.supervisor.Snapshot()
	status := AgentStatus{
		Daemon: DaemonInfo{
			PID:        os.Getpid(),
			Version:    core.Version,
			StartedAt:  d.startedAt,
			ConfigPath: cfg.ConfigPath,
		},
		Agent:          snap,
		CurrentVariant: v.ID,
		DisplayName:    v.DisplayName,
		Configured:     d.store.IsConfigured(v.ID),
		Installed:      agent.ExecutableInstalled(cfg.BinDir)(v),
		RunningFlag:    d.store.IsRunning(),
		UptimeSeconds:  int64(snap.Uptime().Seconds()),
	}

	response.AddMessage("OK", StatusInfo)
	response.AddData(status)
	return response
}

func (d *Daemon) resolveOrCurrent(id string) (agent.Variant, error) {
	if id == "" {
		id = d.store.CurrentVariantID()
	}
	return agent.Resolve(id)
}

func (d *Daemon) getConfigured(id string) Response {
	response := Response{}
	v, err := d.resolveOrCurrent(id)
	if err != nil {
		response.AddMessage(err.Error(), StatusError)
		return response
	}

	configured := d.store.IsConfigured(v.ID)
	if configured {
		response.AddMessage(fmt.Sprintf("%s is configured", v.DisplayName), StatusInfo)
	} else {
		response.AddMessage(fmt.Sprintf("%s is not configured", v.DisplayName), StatusWarn)
	}
	response.AddData(ConfiguredInfo{Variant: v.ID, Configured: configured})
	return response
}

func (d *Daemon) getVariants() Response {
	response := Response{}
	cfg := d.currentConfig()
	installed := agent.ExecutableInstalled(cfg.BinDir)
	current := d.store.CurrentVariantID()

	var variants []VariantInfo
	for _, v := range agent.All() {
		variants = append(variants, VariantInfo{
			ID:          v.ID,
			DisplayName: v.DisplayName,
			Family:      string(v.Family),
			Executable:  agent.ExecutablePath(cfg.BinDir, v),
			Installed:   installed(v),
			Configured:  d.store.IsConfigured(v.ID),
			Current:     v.ID == current,
		})
	}

	response.AddMessage("OK", StatusInfo)
	response.AddData(variants)
	return response
}

// getEvents returns the most recent persisted events, oldest first
func (d *Daemon) getEvents(limit int) Response {
	response := Response{}
	stored, err := d.database.GetRecentAgentEvents(limit)
	if err != nil {
		response.AddMessage(fmt.Sprintf("Failed to read events: %v", err), StatusError)
		return response
	}

	records := make([]EventRecord, 0, len(stored))
	for i := len(stored) - 1; i >= 0; i-- {
		e := stored[i]
		records = append(records, EventRecord{
			ID:        e.ID,
			Variant:   e.Variant,
			EventType: e.EventType,
			Details:   e.Details,
			Timestamp: e.Timestamp,
		})
	}

	if len(records) == 0 {
		response.AddMessage("No agent events recorded", StatusWarn)
	} else {
		response.AddMessage("OK", StatusInfo)
	}
	response.AddData(records)
	return response
}

// handleEventsFollow streams live events as JSON lines until the client disconnects
func (d *Daemon) handleEventsFollow(conn net.Conn, historySize int) {
	defer conn.Close()

	ch, history := d.events.Subscribe(historySize)
	defer d.events.Unsubscribe(ch)

	encoder := json.NewEncoder(conn)
	for _, e := range history {
		if err := encoder.Encode(e); err != nil {
			return
		}
	}

	done := clientGone(conn)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := encoder.Encode(e); err != nil {
				return
			}
		case <-done:
			return
		case <-d.ctx.Done():
			return
		}
	}
}

// getPlan renders the launch plan without starting anything.
// Arguments: [variant] [elevated]
func (d *Daemon) getPlan(args []string) Response {
	response := Response{}

	mode := agent.Unprivileged
	var variantID string
	for _, a := range args {
		if a == "elevated" {
			mode = agent.Elevated
		} else {
			variantID = a
		}
	}

	v, err := d.resolveOrCurrent(variantID)
	if err != nil {
		response.AddMessage(err.Error(), StatusError)
		return response
	}
	cfg, err := d.store.Load(v.ID)
	if err != nil {
		response.AddMessage(fmt.Sprintf("Failed to load configuration: %v", err), StatusError)
		return response
	}

	plan, err := d.builder.Plan(v, cfg, mode)
	if err != nil {
		response.AddMessage(fmt.Sprintf("Cannot plan %s: %v", v.DisplayName, err), StatusError)
		return response
	}

	info := PlanInfo{
		Variant:     v.ID,
		Mode:        mode.String(),
		Argv:        maskSecret(plan.Argv(), cfg.Secret),
		CommandLine: plan.String(),
	}
	if plan.ConfigFile != nil {
		info.ConfigFile = plan.ConfigFile.Path
		info.ConfigContent = strings.ReplaceAll(plan.ConfigFile.Content, cfg.Secret, "[MASKED]")
	}

	response.AddMessage("OK", StatusInfo)
	response.AddData(info)
	return response
}

func maskSecret(argv []string, secret string) []string {
	masked := make([]string, len(argv))
	for i, a := range argv {
		if secret != "" && a == secret {
			a = "[MASKED]"
		}
		masked[i] = a
	}
	return masked
}

func (d *Daemon) getVersion() Response {
	response := Response{}
	response.AddMessage("OK", StatusInfo)
	response.AddData(map[string]any{
		"version":    core.Build.Version,
		"revision":   core.Build.Revision,
		"go_version": core.Build.GoVersion,
		"pid":        os.Getpid(),
	})
	return response
}

// shutdown stops the agent and releases every daemon resource.
// It is safe to call multiple times from multiple goroutines.
func (d *Daemon) shutdown() {
	d.shutdownOnce.Do(func() {
		d.logger.Info("Executing shutdown sequence...")

		if d.supervisor != nil {
			ctx, cancel := context.WithTimeout(context.Background(), d.stopTimeout())
			d.supervisor.Stop(ctx)
			cancel()
		}

		// Stop background tasks and streaming clients
		d.cancelFunc()

		if d.database != nil {
			version := core.FormatVersion(core.Version)
			details := fmt.Sprintf("daemon stopped - version: %s, PID: %d", version, os.Getpid())
			if err := d.database.LogDaemonEvent("stop", details); err != nil {
				d.logger.Error("Failed to log daemon stop event", "error", err)
			}
		}
		d.closeDatabase()

		if d.desktop != nil {
			d.desktop.Close()
		}

		d.mu.Lock()
		listener := d.listener
		d.mu.Unlock()
		if listener != nil {
			listener.Close()
			os.Remove(d.socketPath())
			os.Remove(d.pidFilePath())
		}
		d.releaseLock()
	})
}

func (d *Daemon) closeDatabase() {
	if d.database == nil {
		return
	}
	if err := d.database.Flush(); err != nil {
		d.logger.Error("Failed to flush database during shutdown", "error", err)
	}
	if err := d.database.Close(); err != nil {
		d.logger.Error("Failed to close database during shutdown", "error", err)
	} else {
		d.logger.Info("Database closed successfully")
	}
}

// reloadConfig re-reads config.hcl and applies the settings that can change at runtime
func (d *Daemon) reloadConfig() error {
	oldConfig := d.currentConfig()
	configPath := filepath.Join(oldConfig.ConfigPath, core.ConfigFileName)

	newConfig := core.GetDefaultConfig()
	if core.ConfigExists(configPath) {
		loaded, err := core.LoadConfig(configPath)
		if err != nil {
			// Keep running on the previous configuration
			d.logger.Error("Configuration file has errors, keeping previous configuration",
				"file", configPath,
				"error", err)
			return err
		}
		newConfig = loaded
	}

	newConfig.ConfigPath = oldConfig.ConfigPath
	// These are bound at daemon start
	if newConfig.BinDir != oldConfig.BinDir || newConfig.DataDir != oldConfig.DataDir || newConfig.Secrets != oldConfig.Secrets {
		d.logger.Warn("bin_dir, data_dir and secrets changes take effect after a daemon restart")
	}
	newConfig.BinDir = oldConfig.BinDir
	newConfig.DataDir = oldConfig.DataDir
	newConfig.Secrets = oldConfig.Secrets

	d.mu.Lock()
	d.config = newConfig
	d.mu.Unlock()
	core.Config = newConfig

	d.applyConfig(newConfig)
	d.logger.Info("Configuration reloaded successfully")
	return nil
}

// watchConfig reloads the configuration when config.hcl changes.
// The directory is watched so atomic saves and a file created later are seen.
func (d *Daemon) watchConfig() {
	configDir := d.currentConfig().ConfigPath
	configPath := d.configFilePath()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.logger.Error("Failed to create config file watcher", "error", err)
		return
	}
	if err := watcher.Add(configDir); err != nil {
		d.logger.Error("Failed to watch config directory", "error", err, "path", configDir)
		watcher.Close()
		return
	}

	var reloadTimer *time.Timer
	var reloadMutex sync.Mutex

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-d.ctx.Done():
				reloadMutex.Lock()
				if reloadTimer != nil {
					reloadTimer.Stop()
				}
				reloadMutex.Unlock()
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != configPath {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				d.logger.Debug("Config file change detected, will reload", "event", event.Op.String())

				reloadMutex.Lock()
				// Debounce: wait after the last change before reloading
				if reloadTimer != nil {
					reloadTimer.Stop()
				}
				reloadTimer = time.AfterFunc(configDebounce, func() {
					if d.ctx.Err() != nil {
						return
					}
					d.logger.Info("Configuration file changed, reloading...", "file", configPath)
					d.reloadConfig()
				})
				reloadMutex.Unlock()

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				d.logger.Error("Config file watcher error", "error", err)
			}
		}
	}()

	d.logger.Info("Watching configuration file for changes", "file", configPath)
}
