package daemon

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

const defaultLogHistory = 1000

// LogBroadcaster fans daemon log lines out to `agentd logs` clients and
// keeps a ring of recent lines for history replay
type LogBroadcaster struct {
	clients map[chan string]bool
	history []string
	maxHist int
	mu      sync.RWMutex
}

// NewLogBroadcaster creates a new log broadcaster with the specified history size
func NewLogBroadcaster(historySize int) *LogBroadcaster {
	if historySize <= 0 {
		historySize = defaultLogHistory
	}
	return &LogBroadcaster{
		clients: make(map[chan string]bool),
		history: make([]string, 0, historySize),
		maxHist: historySize,
	}
}

// Subscribe adds a client and returns up to historyLines recent lines.
// The history is returned separately so a slow reader cannot block it.
func (lb *LogBroadcaster) Subscribe(historyLines int) (chan string, []string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	ch := make(chan string, 100)
	lb.clients[ch] = true

	var history []string
	if historyLines > 0 && len(lb.history) > 0 {
		start := max(len(lb.history)-historyLines, 0)
		history = make([]string, len(lb.history)-start)
		copy(history, lb.history[start:])
	}
	return ch, history
}

// Unsubscribe removes a client from receiving broadcasts
func (lb *LogBroadcaster) Unsubscribe(ch chan string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if lb.clients[ch] {
		delete(lb.clients, ch)
		close(ch)
	}
}

// Broadcast records message in the history and sends it to all clients
func (lb *LogBroadcaster) Broadcast(message string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if len(lb.history) >= lb.maxHist {
		lb.history = lb.history[1:]
	}
	lb.history = append(lb.history, message)

	for ch := range lb.clients {
		select {
		case ch <- message:
		default:
			// Channel buffer full, skip this client to prevent blocking
		}
	}
}

// LogWriter is an io.Writer that broadcasts log messages
type LogWriter struct {
	broadcaster *LogBroadcaster
}

func (lw *LogWriter) Write(p []byte) (n int, err error) {
	lw.broadcaster.Broadcast(string(p))
	return len(p), nil
}

// logLevel maps the -v count to a slog level
func logLevel(verbose int) slog.Level {
	if verbose > 0 {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// newLogger builds the daemon logger writing to out and the broadcaster.
// The level var lets a config reload change verbosity in place.
func newLogger(out io.Writer, broadcaster *LogBroadcaster, level *slog.LevelVar) *slog.Logger {
	multiWriter := io.MultiWriter(out, &LogWriter{broadcaster: broadcaster})
	handler := tint.NewHandler(multiWriter, &tint.Options{
		Level:      level,
		TimeFormat: time.DateTime,
	})
	return slog.New(handler)
}

// setupLogging configures the daemon's logger to broadcast to connected clients
func (d *Daemon) setupLogging() {
	d.logger = newLogger(d.logOutput, d.logBroadcast, d.logLevel)
	slog.SetDefault(d.logger)
}

// handleLogs streams daemon logs to the client until they disconnect
func (d *Daemon) handleLogs(conn net.Conn, showHistory bool, historyLines int) {
	defer conn.Close()

	if !showHistory {
		historyLines = 0
	}
	logChan, history := d.logBroadcast.Subscribe(historyLines)
	defer d.logBroadcast.Unsubscribe(logChan)

	initialMsg := "Connected to agentd daemon logs. Press Ctrl+C to exit.\n"
	if _, err := conn.Write([]byte(initialMsg)); err != nil {
		d.logger.Warn("Failed to send initial message to logs client", "error", err)
		return
	}

	for _, msg := range history {
		if _, err := conn.Write([]byte(msg)); err != nil {
			return
		}
	}

	done := clientGone(conn)
	for {
		select {
		case logMsg, ok := <-logChan:
			if !ok {
				return
			}
			if _, err := conn.Write([]byte(logMsg)); err != nil {
				return
			}
		case <-done:
			return
		case <-d.ctx.Done():
			return
		}
	}
}

// clientGone closes the returned channel when the client hangs up
func clientGone(conn net.Conn) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		io.Copy(io.Discard, bufio.NewReader(conn))
		close(done)
	}()
	return done
}
