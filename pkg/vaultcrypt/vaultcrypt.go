// Package vaultcrypt seals the owner's own photos under the vault key.
//
// Encryption is XSalsa20-Poly1305 (NaCl secretbox) with a fresh random
// nonce per call. Plaintext is padded to 64 KiB blocks first so that
// ciphertext length cannot fingerprint an image. Decryption fails
// closed: tampering and a wrong key are indistinguishable.
package vaultcrypt

import (
	"crypto/rand"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// KeySize is the vault key length.
	KeySize = 32
	// NonceSize is the secretbox nonce length.
	NonceSize = 24
	// Overhead is the Poly1305 tag added to every ciphertext.
	Overhead = secretbox.Overhead
)

var (
	ErrInvalidKeyLength     = errors.New("vaultcrypt: invalid key length")
	ErrInvalidNonceLength   = errors.New("vaultcrypt: invalid nonce length")
	ErrAuthenticationFailed = errors.New("vaultcrypt: decryption failed")
	ErrMalformedPadding     = errors.New("vaultcrypt: malformed padding")
)

// Seal pads and encrypts plaintext under key, drawing a fresh nonce.
// Ciphertext length depends only on the plaintext's 64 KiB bucket.
func Seal(plaintext, key []byte) (ciphertext, nonce []byte, err error) {
	if len(key) != KeySize {
		return nil, nil, ErrInvalidKeyLength
	}
	var k [KeySize]byte
	copy(k[:], key)
	var n [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, n[:]); err != nil {
		return nil, nil, errors.Wrap(err, "vaultcrypt: nonce")
	}
	padded := pad(plaintext)
	ciphertext = secretbox.Seal(nil, padded, &n, &k)
	return ciphertext, n[:], nil
}

// Open authenticates and decrypts a sealed payload, then strips the
// padding. Tampered ciphertext or a wrong key returns
// ErrAuthenticationFailed; successfully decrypted bytes without the
// expected header return ErrMalformedPadding (corruption, not a
// security failure).
func Open(ciphertext, nonce, key []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeyLength
	}
	if len(nonce) != NonceSize {
		return nil, ErrInvalidNonceLength
	}
	var k [KeySize]byte
	copy(k[:], key)
	var n [NonceSize]byte
	copy(n[:], nonce)
	padded, ok := secretbox.Open(nil, ciphertext, &n, &k)
	if !ok {
		return nil, ErrAuthenticationFailed
	}
	return unpad(padded)
}
