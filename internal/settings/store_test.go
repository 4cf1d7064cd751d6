package settings

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"go.olrik.dev/agentd/internal/agent"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore() *Store {
	s := NewStore(NewMemoryBackend())
	s.SetLogger(quietLogger())
	return s
}

// failingBackend fails every operation
type failingBackend struct{}

func (failingBackend) GetString(string, string) (string, error) { return "", errors.New("io error") }
func (failingBackend) SetString(string, string) error           { return errors.New("io error") }
func (failingBackend) GetBool(string, bool) (bool, error)       { return false, errors.New("io error") }
func (failingBackend) SetBool(string, bool) error               { return errors.New("io error") }

// memorySecrets is a SecretStore backed by a map
type memorySecrets struct {
	secrets map[string]string
	getErr  error
}

func (m *memorySecrets) GetSecret(variantID string) (string, error) {
	if m.getErr != nil {
		return "", m.getErr
	}
	return m.secrets[variantID], nil
}

func (m *memorySecrets) SetSecret(variantID, secret string) error {
	if m.secrets == nil {
		m.secrets = make(map[string]string)
	}
	m.secrets[variantID] = secret
	return nil
}

func TestStore_LoadDefaults(t *testing.T) {
	s := newTestStore()

	cfg, err := s.Load(agent.NezhaID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg != agent.DefaultConfiguration() {
		t.Errorf("Expected defaults, got %+v", cfg)
	}
	if !cfg.TLSEnabled {
		t.Error("TLS must default to enabled")
	}
	if cfg.RemoteCommandExecutionEnabled {
		t.Error("Remote command execution must default to disabled")
	}
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	s := newTestStore()
	cfg := agent.Configuration{
		Server:                        "monitor.example.com:5555",
		Secret:                        "secret",
		Identifier:                    "id-1",
		TLSEnabled:                    false,
		RemoteCommandExecutionEnabled: true,
	}

	for _, v := range agent.All() {
		if err := s.Save(v.ID, cfg); err != nil {
			t.Fatalf("Save(%s) failed: %v", v.ID, err)
		}
		got, err := s.Load(v.ID)
		if err != nil {
			t.Fatalf("Load(%s) failed: %v", v.ID, err)
		}
		if got != cfg {
			t.Errorf("%s: round trip mismatch\n got: %+v\nwant: %+v", v.ID, got, cfg)
		}
	}
}

func TestStore_VariantsAreIndependent(t *testing.T) {
	s := newTestStore()

	if err := s.Save(agent.KomariID, agent.Configuration{Server: "k", Secret: "ks"}); err != nil {
		t.Fatal(err)
	}
	if s.IsConfigured(agent.NezhaID) {
		t.Error("Saving komari must not configure nezha")
	}
	if !s.IsConfigured(agent.KomariID) {
		t.Error("Expected komari to be configured")
	}
}

func TestStore_IsConfigured(t *testing.T) {
	tests := []struct {
		name string
		cfg  agent.Configuration
		want bool
	}{
		{"both set", agent.Configuration{Server: "s", Secret: "x"}, true},
		{"missing secret", agent.Configuration{Server: "s"}, false},
		{"missing server", agent.Configuration{Secret: "x"}, false},
		{"empty", agent.Configuration{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore()
			if err := s.Save(agent.NezhaID, tt.cfg); err != nil {
				t.Fatal(err)
			}
			if got := s.IsConfigured(agent.NezhaID); got != tt.want {
				t.Errorf("IsConfigured = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStore_CurrentVariant(t *testing.T) {
	s := newTestStore()

	if got := s.CurrentVariantID(); got != agent.DefaultVariantID {
		t.Errorf("Expected default variant, got %s", got)
	}

	if err := s.SetCurrentVariantID("Komari"); err != nil {
		t.Fatalf("SetCurrentVariantID failed: %v", err)
	}
	if got := s.CurrentVariantID(); got != agent.KomariID {
		t.Errorf("Expected komari, got %s", got)
	}

	if err := s.SetCurrentVariantID("bogus"); !errors.Is(err, agent.ErrVariantNotFound) {
		t.Errorf("Expected ErrVariantNotFound, got %v", err)
	}
	if got := s.CurrentVariantID(); got != agent.KomariID {
		t.Errorf("Failed switch must keep komari, got %s", got)
	}
}

func TestStore_CurrentVariantUnknownStoredValue(t *testing.T) {
	backend := NewMemoryBackend()
	backend.SetString(currentVariantKey, "retired-agent")
	s := NewStore(backend)
	s.SetLogger(quietLogger())

	if got := s.CurrentVariantID(); got != agent.DefaultVariantID {
		t.Errorf("Expected default for unknown stored id, got %s", got)
	}
}

func TestStore_CurrentVariantBackendFailure(t *testing.T) {
	s := NewStore(failingBackend{})
	s.SetLogger(quietLogger())

	if got := s.CurrentVariantID(); got != agent.DefaultVariantID {
		t.Errorf("Expected default on backend failure, got %s", got)
	}
	if s.IsConfigured(agent.NezhaID) {
		t.Error("Expected not configured on backend failure")
	}
	if _, err := s.Load(agent.NezhaID); err == nil {
		t.Error("Expected Load to surface backend error")
	}
	if err := s.Save(agent.NezhaID, agent.Configuration{}); err == nil {
		t.Error("Expected Save to surface backend error")
	}
}

func TestStore_UnknownVariant(t *testing.T) {
	s := newTestStore()

	if _, err := s.Load("bogus"); !errors.Is(err, agent.ErrVariantNotFound) {
		t.Errorf("Load: expected ErrVariantNotFound, got %v", err)
	}
	if err := s.Save("bogus", agent.Configuration{}); !errors.Is(err, agent.ErrVariantNotFound) {
		t.Errorf("Save: expected ErrVariantNotFound, got %v", err)
	}
	if s.IsConfigured("bogus") {
		t.Error("Unknown variant must not be configured")
	}
}

func TestStore_SetIdentifier(t *testing.T) {
	s := newTestStore()
	if err := s.Save(agent.NezhaID, agent.Configuration{Server: "s", Secret: "x"}); err != nil {
		t.Fatal(err)
	}

	if err := s.SetIdentifier(agent.NezhaID, "generated"); err != nil {
		t.Fatalf("SetIdentifier failed: %v", err)
	}
	cfg, err := s.Load(agent.NezhaID)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Identifier != "generated" {
		t.Errorf("Expected identifier 'generated', got %q", cfg.Identifier)
	}
	if cfg.Server != "s" {
		t.Error("SetIdentifier must not touch other fields")
	}
}

func TestStore_RunningFlag(t *testing.T) {
	s := newTestStore()

	if s.IsRunning() {
		t.Error("Expected not running initially")
	}
	if err := s.SetRunning(true); err != nil {
		t.Fatal(err)
	}
	if !s.IsRunning() {
		t.Error("Expected running after SetRunning(true)")
	}
	if err := s.SetRunning(false); err != nil {
		t.Fatal(err)
	}
	if s.IsRunning() {
		t.Error("Expected not running after SetRunning(false)")
	}
}

func TestStore_SecretStore(t *testing.T) {
	backend := NewMemoryBackend()
	secrets := &memorySecrets{}
	s := NewStore(backend)
	s.SetLogger(quietLogger())
	s.SetSecretStore(secrets)

	if err := s.Save(agent.NezhaID, agent.Configuration{Server: "s", Secret: "hidden"}); err != nil {
		t.Fatal(err)
	}

	if secrets.secrets[agent.NezhaID] != "hidden" {
		t.Error("Expected secret in secret store")
	}
	if v, _ := backend.GetString("nezha_secret", ""); v != "" {
		t.Errorf("Secret leaked into backend: %q", v)
	}

	cfg, err := s.Load(agent.NezhaID)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Secret != "hidden" {
		t.Errorf("Expected secret from secret store, got %q", cfg.Secret)
	}
}

func TestStore_SecretStoreFailureMeansNotConfigured(t *testing.T) {
	s := newTestStore()
	secrets := &memorySecrets{}
	s.SetSecretStore(secrets)
	if err := s.Save(agent.NezhaID, agent.Configuration{Server: "s", Secret: "x"}); err != nil {
		t.Fatal(err)
	}

	secrets.getErr = errors.New("keyring locked")
	if s.IsConfigured(agent.NezhaID) {
		t.Error("Unreadable secret must mean not configured")
	}
}

func TestStore_KeyLayout(t *testing.T) {
	backend := NewMemoryBackend()
	s := NewStore(backend)
	cfg := agent.Configuration{Server: "srv", Secret: "sec", Identifier: "uid", TLSEnabled: true}
	if err := s.Save(agent.KomariID, cfg); err != nil {
		t.Fatal(err)
	}

	want := map[string]string{
		"komari_server":                 "srv",
		"komari_secret":                 "sec",
		"komari_uuid":                   "uid",
		"komari_enable_tls":             "true",
		"komari_enable_command_execute": "false",
	}
	for key, value := range want {
		got, _ := backend.GetString(key, "<unset>")
		if got != value {
			t.Errorf("%s = %q, want %q", key, got, value)
		}
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	s := newTestStore()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := agent.All()[i%len(agent.All())].ID
			s.Save(id, agent.Configuration{Server: fmt.Sprintf("s%d", i), Secret: "x"})
			s.Load(id)
			s.IsConfigured(id)
			s.SetRunning(i%2 == 0)
			s.CurrentVariantID()
		}(i)
	}
	wg.Wait()

	for _, v := range agent.All() {
		if !s.IsConfigured(v.ID) {
			t.Errorf("Expected %s to be configured", v.ID)
		}
	}
}
