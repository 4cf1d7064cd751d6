// Package settings persists per-variant agent configuration and the
// currently selected variant on top of a simple key/value backend.
package settings

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.olrik.dev/agentd/internal/agent"
)

const (
	currentVariantKey = "current_agent_type"
	runningKey        = "service_running"
)

// Backend is the external key/value persistence the store wraps
type Backend interface {
	GetString(key, def string) (string, error)
	SetString(key, value string) error
	GetBool(key string, def bool) (bool, error)
	SetBool(key string, value bool) error
}

// SecretStore keeps agent secrets outside the key/value backend (e.g. the OS keyring)
type SecretStore interface {
	GetSecret(variantID string) (string, error)
	SetSecret(variantID, secret string) error
}

// Store is the configuration store. It is safe for concurrent use.
type Store struct {
	backend Backend
	secrets SecretStore // Optional; nil keeps secrets in the backend
	logger  *slog.Logger
	mu      sync.Mutex
}

// NewStore creates a store on top of backend
func NewStore(backend Backend) *Store {
	return &Store{
		backend: backend,
		logger:  slog.Default(),
	}
}

// SetSecretStore moves secret storage out of the key/value backend
func (s *Store) SetSecretStore(secrets SecretStore) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets = secrets
}

// SetLogger replaces the logger used for degraded reads
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

func keyPrefix(variantID string) string {
	return strings.ToLower(variantID)
}

func fieldKey(variantID, field string) string {
	return keyPrefix(variantID) + "_" + field
}

// CurrentVariantID returns the selected variant, falling back to the default
// when nothing (or something unknown) is stored.
func (s *Store) CurrentVariantID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.backend.GetString(currentVariantKey, agent.DefaultVariantID)
	if err != nil {
		s.logger.Warn("Failed to read current variant, using default", "error", err)
		return agent.DefaultVariantID
	}
	v, err := agent.Resolve(id)
	if err != nil {
		s.logger.Warn("Stored variant is unknown, using default", "variant", id)
		return agent.DefaultVariantID
	}
	return v.ID
}

// SetCurrentVariantID selects a variant
func (s *Store) SetCurrentVariantID(id string) error {
	v, err := agent.Resolve(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backend.SetString(currentVariantKey, v.ID); err != nil {
		return fmt.Errorf("failed to store current variant: %w", err)
	}
	return nil
}

// Load returns the saved configuration for a variant, or defaults if never saved
func (s *Store) Load(id string) (agent.Configuration, error) {
	v, err := agent.Resolve(id)
	if err != nil {
		return agent.Configuration{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(v.ID)
}

func (s *Store) load(id string) (agent.Configuration, error) {
	def := agent.DefaultConfiguration()
	cfg := def
	var err error

	if cfg.Server, err = s.backend.GetString(fieldKey(id, "server"), def.Server); err != nil {
		return agent.Configuration{}, fmt.Errorf("failed to load server: %w", err)
	}
	if cfg.Identifier, err = s.backend.GetString(fieldKey(id, "uuid"), def.Identifier); err != nil {
		return agent.Configuration{}, fmt.Errorf("failed to load identifier: %w", err)
	}
	if cfg.TLSEnabled, err = s.backend.GetBool(fieldKey(id, "enable_tls"), def.TLSEnabled); err != nil {
		return agent.Configuration{}, fmt.Errorf("failed to load tls flag: %w", err)
	}
	if cfg.RemoteCommandExecutionEnabled, err = s.backend.GetBool(fieldKey(id, "enable_command_execute"), def.RemoteCommandExecutionEnabled); err != nil {
		return agent.Configuration{}, fmt.Errorf("failed to load command execution flag: %w", err)
	}

	if s.secrets != nil {
		secret, err := s.secrets.GetSecret(id)
		if err != nil {
			// Treated as not configured rather than failing every read
			s.logger.Warn("Failed to read agent secret", "variant", id, "error", err)
			secret = ""
		}
		cfg.Secret = secret
	} else if cfg.Secret, err = s.backend.GetString(fieldKey(id, "secret"), def.Secret); err != nil {
		return agent.Configuration{}, fmt.Errorf("failed to load secret: %w", err)
	}

	return cfg, nil
}

// Save overwrites the configuration of a variant
func (s *Store) Save(id string, cfg agent.Configuration) error {
	v, err := agent.Resolve(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id = v.ID
	if err := s.backend.SetString(fieldKey(id, "server"), cfg.Server); err != nil {
		return fmt.Errorf("failed to save server: %w", err)
	}
	if err := s.backend.SetString(fieldKey(id, "uuid"), cfg.Identifier); err != nil {
		return fmt.Errorf("failed to save identifier: %w", err)
	}
	if err := s.backend.SetBool(fieldKey(id, "enable_tls"), cfg.TLSEnabled); err != nil {
		return fmt.Errorf("failed to save tls flag: %w", err)
	}
	if err := s.backend.SetBool(fieldKey(id, "enable_command_execute"), cfg.RemoteCommandExecutionEnabled); err != nil {
		return fmt.Errorf("failed to save command execution flag: %w", err)
	}

	if s.secrets != nil {
		if err := s.secrets.SetSecret(id, cfg.Secret); err != nil {
			return fmt.Errorf("failed to save secret: %w", err)
		}
		return nil
	}
	if err := s.backend.SetString(fieldKey(id, "secret"), cfg.Secret); err != nil {
		return fmt.Errorf("failed to save secret: %w", err)
	}
	return nil
}

// IsConfigured reports whether the saved configuration can launch an agent
func (s *Store) IsConfigured(id string) bool {
	cfg, err := s.Load(id)
	if err != nil {
		s.logger.Debug("Configuration check failed", "variant", id, "error", err)
		return false
	}
	return cfg.Valid()
}

// SetIdentifier persists an identifier generated on first launch
func (s *Store) SetIdentifier(id, identifier string) error {
	v, err := agent.Resolve(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backend.SetString(fieldKey(v.ID, "uuid"), identifier); err != nil {
		return fmt.Errorf("failed to save identifier: %w", err)
	}
	return nil
}

// SetRunning updates the durable "is running" flag read by out-of-process observers
func (s *Store) SetRunning(running bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.SetBool(runningKey, running)
}

// IsRunning returns the last recorded running flag
func (s *Store) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	running, err := s.backend.GetBool(runningKey, false)
	if err != nil {
		s.logger.Warn("Failed to read running flag", "error", err)
		return false
	}
	return running
}
