package notify

import "sync"

// Broadcaster streams events to IPC subscribers and keeps a short history
type Broadcaster struct {
	clients map[chan Event]bool
	history []Event // Ring buffer for recent events
	maxHist int
	mu      sync.RWMutex
}

// NewBroadcaster creates a broadcaster with the specified history size
func NewBroadcaster(historySize int) *Broadcaster {
	if historySize <= 0 {
		historySize = 100
	}
	return &Broadcaster{
		clients: make(map[chan Event]bool),
		history: make([]Event, 0, historySize),
		maxHist: historySize,
	}
}

// Subscribe adds a new client and returns up to historySize recent events
func (b *Broadcaster) Subscribe(historySize int) (chan Event, []Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 32) // Buffer to prevent blocking
	b.clients[ch] = true

	var history []Event
	if historySize > 0 && len(b.history) > 0 {
		start := len(b.history) - historySize
		if start < 0 {
			start = 0
		}
		history = make([]Event, len(b.history)-start)
		copy(history, b.history[start:])
	}
	return ch, history
}

// Unsubscribe removes a client from receiving events
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.clients[ch] {
		delete(b.clients, ch)
		close(ch)
	}
}

// Notify records the event and sends it to all subscribers
func (b *Broadcaster) Notify(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.history) >= b.maxHist {
		b.history = b.history[1:]
	}
	b.history = append(b.history, e)

	for ch := range b.clients {
		select {
		case ch <- e:
		default:
			// Slow subscriber, drop rather than block the supervisor
		}
	}
}

// Subscribers returns the number of connected clients
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
