// Package burner implements the anonymous upload channel. A source
// that has nothing but a link's public key encrypts a photo to it: a
// one-shot X25519 agreement against a fresh ephemeral keypair, a
// session key derived through salted HKDF-SHA-256, and AES-256-GCM for
// the payload. The ephemeral public key, IV and salt ride along with
// the ciphertext; nothing else is needed on the other end and nothing
// identifies the sender.
package burner

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the X25519 key length, both halves.
	KeySize = 32
	// SaltSize seeds the per-message key derivation.
	SaltSize = 16
	// IVSize is the AES-GCM nonce length.
	IVSize = 12

	sessionKeySize = 32
	kdfInfo        = "veil/burner/v1"
)

var (
	ErrKeyAgreementFailed   = errors.New("burner: key agreement failed")
	ErrAuthenticationFailed = errors.New("burner: decryption failed")
	// ErrRecipientKeyMissing means this device never held (or has since
	// wiped) the link's private key. Recoverable by importing a pairing
	// bundle from the minting device; not a protocol failure.
	ErrRecipientKeyMissing = errors.New("burner: recipient private key not available on this device")
)

// KeyPair is one burner link's identity. The private half never leaves
// the minting device except sealed inside a pairing bundle.
type KeyPair struct {
	PublicKey  []byte
	PrivateKey []byte
}

// Envelope is everything an upload carries besides the sender's wish
// to stay unknown.
type Envelope struct {
	Ciphertext         []byte `json:"ciphertext"`
	EphemeralPublicKey []byte `json:"ephemeral_public_key"`
	IV                 []byte `json:"iv"`
	Salt               []byte `json:"salt"`
}

// Mint generates a keypair for a new burner link.
func Mint() (*KeyPair, error) {
	priv := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, priv); err != nil {
		return nil, errors.Wrap(err, "burner: mint")
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, errors.Wrap(ErrKeyAgreementFailed, err.Error())
	}
	return &KeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

// PublicKeyFor recomputes the public half of a minted keypair from its
// private key, for callers that persisted only the private half.
func PublicKeyFor(privateKey []byte) ([]byte, error) {
	if len(privateKey) != KeySize {
		return nil, ErrKeyAgreementFailed
	}
	pub, err := curve25519.X25519(privateKey, curve25519.Basepoint)
	if err != nil {
		return nil, errors.Wrap(ErrKeyAgreementFailed, err.Error())
	}
	return pub, nil
}

// EncryptForRecipient seals plaintext to a public key fetched moments
// ago from a link lookup. Every call draws a fresh ephemeral keypair,
// salt and IV; retrying after a transport failure must call this again
// rather than reuse an Envelope.
func EncryptForRecipient(plaintext, recipientPublicKey []byte) (*Envelope, error) {
	if len(recipientPublicKey) != KeySize {
		return nil, ErrKeyAgreementFailed
	}
	ephPriv := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, ephPriv); err != nil {
		return nil, errors.Wrap(err, "burner: ephemeral key")
	}
	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return nil, errors.Wrap(ErrKeyAgreementFailed, err.Error())
	}
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, errors.Wrap(err, "burner: salt")
	}
	sessionKey, err := deriveSessionKey(ephPriv, recipientPublicKey, salt)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, errors.Wrap(err, "burner: iv")
	}
	aead, err := newAEAD(sessionKey)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Ciphertext:         aead.Seal(nil, iv, plaintext, nil),
		EphemeralPublicKey: ephPub,
		IV:                 iv,
		Salt:               salt,
	}, nil
}

// Decrypt recovers an uploaded photo with the link's private key. A
// wrong key and a tampered ciphertext produce the same error.
func Decrypt(env *Envelope, recipientPrivateKey []byte) ([]byte, error) {
	if len(recipientPrivateKey) == 0 {
		return nil, ErrRecipientKeyMissing
	}
	if len(recipientPrivateKey) != KeySize {
		return nil, ErrKeyAgreementFailed
	}
	if len(env.EphemeralPublicKey) != KeySize || len(env.IV) != IVSize {
		return nil, ErrKeyAgreementFailed
	}
	sessionKey, err := deriveSessionKey(recipientPrivateKey, env.EphemeralPublicKey, env.Salt)
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(sessionKey)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, env.IV, env.Ciphertext, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

// deriveSessionKey runs X25519 then HKDF. X25519 rejects low-order
// peer points by erroring on an all-zero shared secret.
func deriveSessionKey(priv, peerPub, salt []byte) ([]byte, error) {
	shared, err := curve25519.X25519(priv, peerPub)
	if err != nil {
		return nil, ErrKeyAgreementFailed
	}
	key := make([]byte, sessionKeySize)
	r := hkdf.New(sha256.New, shared, salt, []byte(kdfInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, errors.Wrap(err, "burner: kdf")
	}
	return key, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "burner: cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "burner: gcm")
	}
	return aead, nil
}
