// Package credential keeps per-user mailbox secrets in the system keyring.
package credential

import (
	"errors"

	"github.com/99designs/keyring"
	"github.com/rotisserie/eris"

	"github.com/sells-group/inbox-cli/internal/config"
)

// Well-known secret keys.
const (
	KeyIMAPPassword = "imap_password"
)

// ErrNotFound is returned when no secret is stored under the key.
var ErrNotFound = eris.New("credential not found")

// Store reads and writes secrets keyed by user.
type Store struct {
	ring keyring.Keyring
}

// New wraps an open keyring.
func New(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

// Open opens the keyring configured in cfg. An empty backend lets the
// library pick the first available one.
func Open(cfg config.CredentialConfig) (*Store, error) {
	kc := keyring.Config{
		ServiceName:              cfg.ServiceName,
		FileDir:                  cfg.FileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(cfg.FilePassword),
		KeychainTrustApplication: true,
	}
	if cfg.Backend != "" {
		kc.AllowedBackends = []keyring.BackendType{keyring.BackendType(cfg.Backend)}
	}
	ring, err := keyring.Open(kc)
	if err != nil {
		return nil, eris.Wrap(err, "credential: open keyring")
	}
	return New(ring), nil
}

func itemKey(userID, key string) string {
	return userID + "/" + key
}

// Get returns the secret for userID and key.
func (s *Store) Get(userID, key string) (string, error) {
	item, err := s.ring.Get(itemKey(userID, key))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", eris.Wrapf(ErrNotFound, "credential: %s for user %s", key, userID)
	}
	if err != nil {
		return "", eris.Wrapf(err, "credential: get %s for user %s", key, userID)
	}
	return string(item.Data), nil
}

// Set stores a secret, replacing any previous value.
func (s *Store) Set(userID, key, value string) error {
	if userID == "" || key == "" {
		return eris.New("credential: user id and key are required")
	}
	err := s.ring.Set(keyring.Item{
		Key:   itemKey(userID, key),
		Data:  []byte(value),
		Label: "inbox-cli " + key,
	})
	return eris.Wrapf(err, "credential: set %s for user %s", key, userID)
}

// Delete removes a secret. Deleting a missing secret returns ErrNotFound.
func (s *Store) Delete(userID, key string) error {
	k := itemKey(userID, key)
	if _, err := s.ring.Get(k); errors.Is(err, keyring.ErrKeyNotFound) {
		return eris.Wrapf(ErrNotFound, "credential: %s for user %s", key, userID)
	}
	return eris.Wrapf(s.ring.Remove(k), "credential: delete %s for user %s", key, userID)
}
