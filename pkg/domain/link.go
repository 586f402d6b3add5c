package domain

import (
	"time"
)

// Theme disguises a burner link's receive page as an innocuous site.
var Themes = map[string]bool{
	"direct":  true,
	"recipes": true,
	"weather": true,
	"garden":  true,
	"fitness": true,
	"notes":   true,
}

type BurnerLink struct {
	ID          int64      `json:"-"`
	Slug        string     `json:"slug"`
	PublicKey   []byte     `json:"public_key"`
	Theme       string     `json:"theme"`
	ContentSlug string     `json:"content_slug"`
	CreatorHash string     `json:"-"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	MaxUploads  int        `json:"max_uploads"`
	UploadCount int        `json:"upload_count"`
	IsActive    bool       `json:"is_active"`
}

// Usable reports whether the link still accepts uploads at t.
func (l *BurnerLink) Usable(t time.Time) bool {
	if !l.IsActive {
		return false
	}
	if l.ExpiresAt != nil && !t.Before(*l.ExpiresAt) {
		return false
	}
	return l.MaxUploads <= 0 || l.UploadCount < l.MaxUploads
}

// Expired is true once ExpiresAt has passed; links without an expiry
// never expire by time.
func (l *BurnerLink) Expired(t time.Time) bool {
	return l.ExpiresAt != nil && !t.Before(*l.ExpiresAt)
}

type CreateLinkParams struct {
	PublicKey   []byte
	Theme       string
	ContentSlug string
	CreatorHash string
	ExpiresIn   time.Duration
	MaxUploads  int
}

// LinkInfo is the anonymous lookup view of a link. Nothing here
// identifies the owner or reveals link history.
type LinkInfo struct {
	PublicKey   []byte `json:"public_key"`
	Theme       string `json:"theme"`
	ContentSlug string `json:"content_slug"`
}
