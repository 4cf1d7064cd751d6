package keyring

import (
	"errors"
	"fmt"
	"sync"

	"github.com/99designs/keyring"
)

const (
	serviceName = "agentd"
)

var (
	ring     keyring.Keyring
	ringOnce sync.Once
	ringErr  error
)

// initKeyring initializes the keyring with fallback options
func initKeyring() (keyring.Keyring, error) {
	ringOnce.Do(func() {
		ring, ringErr = keyring.Open(keyring.Config{
			ServiceName: serviceName,
			// Allow multiple backends with priority order
			AllowedBackends: []keyring.BackendType{
				keyring.SecretServiceBackend, // Linux Secret Service (GNOME Keyring, KWallet)
				keyring.KeychainBackend,      // macOS Keychain
				keyring.PassBackend,          // Pass (password-store.org)
			},
		})
	})
	return ring, ringErr
}

// Store keeps agent secrets in the OS keyring, keyed by variant id.
// It satisfies settings.SecretStore.
type Store struct {
	open func() (keyring.Keyring, error)
}

// NewStore returns a secret store backed by the OS keyring
func NewStore() *Store {
	return &Store{open: initKeyring}
}

// NewStoreWithKeyring wraps an already opened keyring (e.g. keyring.NewArrayKeyring in tests)
func NewStoreWithKeyring(kr keyring.Keyring) *Store {
	return &Store{open: func() (keyring.Keyring, error) { return kr, nil }}
}

func secretKey(variantID string) string {
	return serviceName + "/" + variantID
}

// SetSecret stores the secret for a variant. An empty secret removes it.
func (s *Store) SetSecret(variantID, secret string) error {
	kr, err := s.open()
	if err != nil {
		return fmt.Errorf("failed to open keyring: %w", err)
	}

	if secret == "" {
		err := kr.Remove(secretKey(variantID))
		if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
			return fmt.Errorf("failed to remove secret: %w", err)
		}
		return nil
	}

	return kr.Set(keyring.Item{
		Key:         secretKey(variantID),
		Data:        []byte(secret),
		Label:       fmt.Sprintf("agentd secret for %s", variantID),
		Description: "monitoring agent secret",
	})
}

// GetSecret retrieves the secret for a variant.
// Returns empty string if no secret is stored.
func (s *Store) GetSecret(variantID string) (string, error) {
	kr, err := s.open()
	if err != nil {
		return "", fmt.Errorf("failed to open keyring: %w", err)
	}

	item, err := kr.Get(secretKey(variantID))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to retrieve secret: %w", err)
	}
	return string(item.Data), nil
}
