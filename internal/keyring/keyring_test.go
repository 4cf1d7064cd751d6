package keyring

import (
	"testing"

	"github.com/99designs/keyring"
)

func TestStore_SetAndGetSecret(t *testing.T) {
	s := NewStoreWithKeyring(keyring.NewArrayKeyring(nil))

	if err := s.SetSecret("nezha", "s3cr3t"); err != nil {
		t.Fatalf("SetSecret failed: %v", err)
	}

	got, err := s.GetSecret("nezha")
	if err != nil {
		t.Fatalf("GetSecret failed: %v", err)
	}
	if got != "s3cr3t" {
		t.Errorf("Expected 's3cr3t', got %q", got)
	}
}

func TestStore_GetMissingSecret(t *testing.T) {
	s := NewStoreWithKeyring(keyring.NewArrayKeyring(nil))

	got, err := s.GetSecret("komari")
	if err != nil {
		t.Fatalf("Missing secret must not be an error, got %v", err)
	}
	if got != "" {
		t.Errorf("Expected empty secret, got %q", got)
	}
}

func TestStore_EmptySecretRemoves(t *testing.T) {
	kr := keyring.NewArrayKeyring(nil)
	s := NewStoreWithKeyring(kr)

	if err := s.SetSecret("nezha", "old"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetSecret("nezha", ""); err != nil {
		t.Fatalf("Clearing secret failed: %v", err)
	}
	if _, err := kr.Get(secretKey("nezha")); err != keyring.ErrKeyNotFound {
		t.Errorf("Expected item to be removed, got %v", err)
	}

	// Clearing an absent secret is fine too
	if err := s.SetSecret("komari", ""); err != nil {
		t.Errorf("Clearing absent secret failed: %v", err)
	}
}

func TestStore_SecretsAreScopedPerVariant(t *testing.T) {
	s := NewStoreWithKeyring(keyring.NewArrayKeyring(nil))

	s.SetSecret("nezha", "a")
	s.SetSecret("komari", "b")

	if got, _ := s.GetSecret("nezha"); got != "a" {
		t.Errorf("nezha secret = %q", got)
	}
	if got, _ := s.GetSecret("komari"); got != "b" {
		t.Errorf("komari secret = %q", got)
	}
}

func TestSecretKey(t *testing.T) {
	if got := secretKey("nezha"); got != "agentd/nezha" {
		t.Errorf("Unexpected key %q", got)
	}
}
