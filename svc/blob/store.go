// Package blob stores upload ciphertexts. Objects are content
// addressed: the key is the hex SHA-256 of the ciphertext, which makes
// writes idempotent and lets a reader detect a corrupted or swapped
// object before handing it to decryption.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/pkg/errors"
)

var (
	ErrNotFound  = errors.New("blob: not found")
	ErrCorrupted = errors.New("blob: content does not match its CID")
)

type Store interface {
	Put(ctx context.Context, cid string, data []byte) error
	Get(ctx context.Context, cid string) ([]byte, error)
	Delete(ctx context.Context, cid string) error
}

// CID computes the content identifier for a ciphertext.
func CID(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func verify(cid string, data []byte) error {
	if CID(data) != cid {
		return ErrCorrupted
	}
	return nil
}
