package domain

import (
	"time"
)

// StealthUpload is the only persisted association between a burner link
// and a received ciphertext. The ciphertext itself lives in the blob
// store under CID; the sender's identity is never recorded.
type StealthUpload struct {
	ID                 int64     `json:"-"`
	BurnerLinkID       int64     `json:"-"`
	CID                string    `json:"cid"`
	EphemeralPublicKey []byte    `json:"ephemeral_public_key"`
	IV                 []byte    `json:"iv"`
	Salt               []byte    `json:"salt"`
	Size               int64     `json:"size"`
	UploadedAt         time.Time `json:"uploaded_at"`
}

type UploadMetadata struct {
	CID                string
	EphemeralPublicKey []byte
	IV                 []byte
	Salt               []byte
	Size               int64
}

// Device is a weak back-reference from a physical device to the owning
// key hash, not an ownership relation.
type Device struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	UserKeyHash  string    `json:"user_key_hash"`
	RegisteredAt time.Time `json:"registered_at"`
}
