package keys

import (
	"encoding/hex"

	"github.com/pkg/errors"
	"github.com/zalando/go-keyring"
)

// Keystore holds the vault key in the OS-native secure store (Keychain
// on macOS, Credential Manager on Windows, Secret Service on Linux).
// The key is encrypted at rest by the OS and cleared on logout or
// panic-wipe.
type Keystore struct {
	service string
	user    string
}

const (
	keystoreService = "veil"
	keystoreUser    = "vault_key"
)

func NewKeystore() *Keystore {
	return &Keystore{service: keystoreService, user: keystoreUser}
}

func (s *Keystore) Store(key []byte) error {
	if len(key) != KeySize {
		return ErrInvalidKeyLength
	}
	if err := keyring.Set(s.service, s.user, hex.EncodeToString(key)); err != nil {
		return errors.Wrap(err, "keystore: store")
	}
	return nil
}

// Load returns the stored key, or ok=false when none exists.
func (s *Keystore) Load() (key []byte, ok bool, err error) {
	encoded, err := keyring.Get(s.service, s.user)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "keystore: load")
	}
	key, err = hex.DecodeString(encoded)
	if err != nil || len(key) != KeySize {
		return nil, false, errors.New("keystore: stored key corrupted")
	}
	return key, true, nil
}

// Clear removes the key. Clearing an absent key is not an error.
func (s *Keystore) Clear() error {
	err := keyring.Delete(s.service, s.user)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return errors.Wrap(err, "keystore: clear")
	}
	return nil
}
