package svc

import (
	"context"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"veil/pkg/domain"
	"veil/pkg/keys"
	"veil/svc/db"
)

// Vault is the owner-side surface: key-hash anchoring and device
// registration. It holds key hashes only; vault keys never reach this
// process.
type Vault struct {
	db *db.SQLite
}

func NewVault(sqlDB *db.SQLite) *Vault {
	if sqlDB == nil {
		panic("vault service: nil db")
	}
	return &Vault{db: sqlDB}
}

var validDeviceTypes = map[string]bool{
	"android": true,
	"ios":     true,
	"desktop": true,
	"web":     true,
}

// Anchor records the vault key hash, write-once. Anchoring the same
// hash again is a no-op; a different hash is a hard conflict the owner
// has to resolve by restoring the original key.
func (v *Vault) Anchor(ctx context.Context, keyHash string) error {
	if err := validateKeyHash(keyHash); err != nil {
		return err
	}
	return v.db.AnchorKeyHash(ctx, keyHash)
}

// Anchored returns the recorded key hash, or "" when nothing has been
// anchored yet.
func (v *Vault) Anchored(ctx context.Context) (string, error) {
	return v.db.AnchoredKeyHash(ctx)
}

// VerifyKey reports whether keyHash matches the anchor. A missing
// anchor verifies nothing and fails.
func (v *Vault) VerifyKey(ctx context.Context, keyHash string) (bool, error) {
	if err := validateKeyHash(keyHash); err != nil {
		return false, err
	}
	anchored, err := v.db.AnchoredKeyHash(ctx)
	if err != nil {
		return false, err
	}
	return anchored != "" && anchored == keyHash, nil
}

// RegisterDevice records a device under its key hash. An empty ID gets
// one assigned; re-registering an existing ID updates the display
// fields.
func (v *Vault) RegisterDevice(ctx context.Context, d *domain.Device) error {
	if d == nil {
		return domain.ErrInvalidRequest
	}
	if err := validateKeyHash(d.UserKeyHash); err != nil {
		return err
	}
	if d.Name == "" || len(d.Name) > 64 || !validDeviceTypes[d.Type] {
		return domain.ErrInvalidRequest
	}
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.RegisteredAt.IsZero() {
		d.RegisteredAt = time.Now().UTC()
	}
	return errors.Wrap(v.db.RegisterDevice(ctx, d), "register device")
}

func (v *Vault) ListDevices(ctx context.Context, userKeyHash string) ([]domain.Device, error) {
	if err := validateKeyHash(userKeyHash); err != nil {
		return nil, err
	}
	return v.db.ListDevices(ctx, userKeyHash)
}

func validateKeyHash(h string) error {
	digest, ok := strings.CutPrefix(h, keys.HashPrefix)
	if !ok {
		return domain.ErrInvalidRequest
	}
	raw, err := hex.DecodeString(digest)
	if err != nil || len(raw) != 32 {
		return domain.ErrInvalidRequest
	}
	return nil
}
