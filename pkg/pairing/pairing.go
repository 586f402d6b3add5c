// Package pairing moves key material to a second device. The vault key
// travels as its recovery phrase; burner private keys travel sealed
// under the vault key, so a stolen bundle without the phrase reveals
// nothing and the phrase alone is enough to bootstrap the rest.
package pairing

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"

	"veil/pkg/burner"
	"veil/pkg/keys"
	"veil/pkg/vaultcrypt"
)

// Version is the current bundle format. Version 0 is a bare recovery
// phrase with no wrapping, still accepted on import.
const Version = 1

var ErrBadFormat = errors.New("pairing: malformed bundle")

type Bundle struct {
	Version    int          `json:"version"`
	Phrase     string       `json:"phrase"`
	BurnerKeys []WrappedKey `json:"burner_keys,omitempty"`
}

// WrappedKey carries one burner link's private key sealed under the
// vault key via the vault cipher.
type WrappedKey struct {
	Slug      string `json:"slug,omitempty"`
	PublicKey []byte `json:"public_key"`
	Wrapped   []byte `json:"wrapped_private_key"`
	Nonce     []byte `json:"nonce"`
}

// BurnerKey pairs a link slug with its keypair for export.
type BurnerKey struct {
	Slug string
	Pair *burner.KeyPair
}

type ImportResult struct {
	VaultKey []byte
	Keys     []BurnerKey
	// Imported counts burner keys that unwrapped cleanly; corrupt
	// entries are skipped, not fatal.
	Imported int
	Skipped  int
}

// Export builds a bundle from the vault key and any burner keypairs
// held on this device.
func Export(vaultKey []byte, burnerKeys []BurnerKey) (*Bundle, error) {
	phrase, err := keys.ToPhrase(vaultKey)
	if err != nil {
		return nil, err
	}
	b := &Bundle{Version: Version, Phrase: phrase}
	for _, bk := range burnerKeys {
		if bk.Pair == nil {
			continue
		}
		wrapped, nonce, err := vaultcrypt.Seal(bk.Pair.PrivateKey, vaultKey)
		if err != nil {
			return nil, errors.Wrap(err, "pairing: wrap burner key")
		}
		b.BurnerKeys = append(b.BurnerKeys, WrappedKey{
			Slug:      bk.Slug,
			PublicKey: bk.Pair.PublicKey,
			Wrapped:   wrapped,
			Nonce:     nonce,
		})
	}
	return b, nil
}

// Marshal serializes a bundle for transfer.
func (b *Bundle) Marshal() ([]byte, error) {
	return json.Marshal(b)
}

// Import parses raw bundle bytes. The vault key is re-derived from the
// phrase first; each burner key is then unwrapped independently. A
// bare phrase (version 0) imports with zero burner keys.
func Import(raw []byte) (*ImportResult, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, ErrBadFormat
	}
	if trimmed[0] != '{' {
		// Version-0 compatibility: a bare recovery phrase.
		vaultKey, err := keys.FromPhrase(string(trimmed))
		if err != nil {
			return nil, ErrBadFormat
		}
		return &ImportResult{VaultKey: vaultKey}, nil
	}

	var b Bundle
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&b); err != nil {
		return nil, ErrBadFormat
	}
	if b.Version != Version {
		return nil, errors.Wrapf(ErrBadFormat, "unsupported version %d", b.Version)
	}
	vaultKey, err := keys.FromPhrase(b.Phrase)
	if err != nil {
		return nil, ErrBadFormat
	}

	res := &ImportResult{VaultKey: vaultKey}
	for _, wk := range b.BurnerKeys {
		priv, err := vaultcrypt.Open(wk.Wrapped, wk.Nonce, vaultKey)
		if err != nil || len(priv) != burner.KeySize {
			res.Skipped++
			continue
		}
		res.Keys = append(res.Keys, BurnerKey{
			Slug: wk.Slug,
			Pair: &burner.KeyPair{PublicKey: wk.PublicKey, PrivateKey: priv},
		})
		res.Imported++
	}
	return res, nil
}
