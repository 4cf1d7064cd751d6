package settings

import (
	"strconv"
	"sync"
)

// MemoryBackend is an in-process Backend used by tests and ephemeral runs
type MemoryBackend struct {
	values map[string]string
	mu     sync.RWMutex
}

// NewMemoryBackend creates an empty memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{values: make(map[string]string)}
}

func (m *MemoryBackend) GetString(key, def string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.values[key]; ok {
		return v, nil
	}
	return def, nil
}

func (m *MemoryBackend) SetString(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *MemoryBackend) GetBool(key string, def bool) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, nil
	}
	return b, nil
}

func (m *MemoryBackend) SetBool(key string, value bool) error {
	return m.SetString(key, strconv.FormatBool(value))
}
