// Package keys manages the owner's vault key: generation, the
// recovery-phrase codec and the cross-device key hash.
package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/tyler-smith/go-bip39"

	"veil/pkg/vaultcrypt"
)

// KeySize matches the vault cipher's key length.
const KeySize = vaultcrypt.KeySize

// HashPrefix tags key hashes so the encoding can evolve.
const HashPrefix = "sha256:"

var (
	ErrInvalidPhrase    = errors.New("keys: invalid recovery phrase")
	ErrInvalidKeyLength = errors.New("keys: invalid key length")
)

// Generate draws a fresh vault key.
func Generate() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, errors.Wrap(err, "keys: generate")
	}
	return key, nil
}

// ToPhrase encodes a vault key as a 24-word BIP-39 mnemonic. The
// encoding is lossless and checksummed, so a mistyped phrase fails to
// decode rather than producing a different valid-looking key.
func ToPhrase(key []byte) (string, error) {
	if len(key) != KeySize {
		return "", ErrInvalidKeyLength
	}
	phrase, err := bip39.NewMnemonic(key)
	if err != nil {
		return "", errors.Wrap(err, "keys: encode phrase")
	}
	return phrase, nil
}

// FromPhrase decodes a recovery phrase back to the vault key.
func FromPhrase(phrase string) ([]byte, error) {
	phrase = strings.ToLower(strings.Join(strings.Fields(phrase), " "))
	key, err := bip39.EntropyFromMnemonic(phrase)
	if err != nil {
		return nil, ErrInvalidPhrase
	}
	if len(key) != KeySize {
		return nil, ErrInvalidPhrase
	}
	return key, nil
}

// Hash computes the one-way correlation handle for a vault key. Every
// device holding the same key computes the identical value; the key is
// not recoverable from it.
func Hash(key []byte) (string, error) {
	if len(key) != KeySize {
		return "", ErrInvalidKeyLength
	}
	sum := sha256.Sum256(key)
	return HashPrefix + hex.EncodeToString(sum[:]), nil
}
