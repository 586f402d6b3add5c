package svc

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veil/cfg"
	"veil/pkg/domain"
	"veil/pkg/fragment"
	"veil/svc/blob"
	"veil/svc/cache"
	"veil/svc/db"
	"veil/svc/util"
)

func newTestLink(t *testing.T) *Link {
	t.Helper()
	sqlDB, err := db.NewSQLite(filepath.Join(t.TempDir(), "veil_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	lru, err := cache.NewLRU(64)
	require.NoError(t, err)

	blobs, err := blob.NewFS(t.TempDir())
	require.NoError(t, err)

	c := &cfg.Cfg{
		BaseURL:        "https://garden-notes.example",
		MaxUploadSize:  1 << 20,
		DefaultLinkTTL: 7 * 24 * time.Hour,
	}
	return NewLink(sqlDB, lru, nil, blobs, c)
}

func testPublicKey() []byte {
	return bytes.Repeat([]byte{7}, 32)
}

func testParams() domain.CreateLinkParams {
	return domain.CreateLinkParams{
		PublicKey:   testPublicKey(),
		Theme:       "recipes",
		ContentSlug: "chocolate-cake",
		CreatorHash: "hmac-sha256:1:owner",
		MaxUploads:  5,
	}
}

func testEnvelope(n byte) (data, eph, iv, salt []byte) {
	return bytes.Repeat([]byte{n}, 256),
		bytes.Repeat([]byte{n}, 32),
		bytes.Repeat([]byte{n}, 12),
		bytes.Repeat([]byte{n}, 16)
}

func TestCreateIssuesSlugAndFragmentURL(t *testing.T) {
	l := newTestLink(t)
	defer l.Shutdown()
	ctx := context.Background()

	link, receiveURL, err := l.Create(ctx, testParams())
	require.NoError(t, err)
	require.NoError(t, util.ValidateSlug(link.Slug))
	assert.True(t, link.IsActive)
	require.NotNil(t, link.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(7*24*time.Hour), *link.ExpiresAt, time.Minute)

	// The slug never appears before the '#'; only the innocuous theme
	// path does.
	path, frag, found := strings.Cut(receiveURL, "#")
	require.True(t, found)
	assert.Equal(t, "https://garden-notes.example/recipes/chocolate-cake", path)
	assert.NotContains(t, path, link.Slug)

	p, err := fragment.Parse(frag)
	require.NoError(t, err)
	assert.Equal(t, link.Slug, p.Slug.Reveal())
	assert.Equal(t, testPublicKey(), p.PublicKey)
}

func TestCreateValidation(t *testing.T) {
	l := newTestLink(t)
	defer l.Shutdown()
	ctx := context.Background()

	p := testParams()
	p.PublicKey = []byte("short")
	_, _, err := l.Create(ctx, p)
	assert.ErrorIs(t, err, domain.ErrInvalidPublicKey)

	p = testParams()
	p.Theme = "casino"
	_, _, err = l.Create(ctx, p)
	assert.ErrorIs(t, err, domain.ErrInvalidTheme)

	p = testParams()
	p.ContentSlug = "cake recipe!"
	_, _, err = l.Create(ctx, p)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	p = testParams()
	p.ExpiresIn = -time.Hour
	_, _, err = l.Create(ctx, p)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestCreateCapsExpiryAndQuota(t *testing.T) {
	l := newTestLink(t)
	defer l.Shutdown()
	ctx := context.Background()

	p := testParams()
	p.ExpiresIn = 365 * 24 * time.Hour
	p.MaxUploads = 1_000_000
	link, _, err := l.Create(ctx, p)
	require.NoError(t, err)
	require.NotNil(t, link.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(30*24*time.Hour), *link.ExpiresAt, time.Minute)
	assert.Equal(t, 1000, link.MaxUploads)
}

func TestLookup(t *testing.T) {
	l := newTestLink(t)
	defer l.Shutdown()
	ctx := context.Background()

	link, _, err := l.Create(ctx, testParams())
	require.NoError(t, err)

	// Served from cache after create, then again after eviction.
	for i := 0; i < 2; i++ {
		info, err := l.Lookup(ctx, link.Slug)
		require.NoError(t, err)
		assert.Equal(t, testPublicKey(), info.PublicKey)
		assert.Equal(t, "recipes", info.Theme)
		assert.Equal(t, "chocolate-cake", info.ContentSlug)
		l.invalidate(ctx, link.Slug)
	}

	_, err = l.Lookup(ctx, "not-a-slug")
	assert.ErrorIs(t, err, domain.ErrInvalidSlug)

	_, err = l.Lookup(ctx, "Bc4Lr8nQw1YxMu6S")
	assert.ErrorIs(t, err, domain.ErrLinkNotFound)
}

func TestLookupReportsGoneAfterQuotaExhausted(t *testing.T) {
	l := newTestLink(t)
	defer l.Shutdown()
	ctx := context.Background()

	p := testParams()
	p.MaxUploads = 1
	link, _, err := l.Create(ctx, p)
	require.NoError(t, err)

	data, eph, iv, salt := testEnvelope(1)
	_, err = l.Upload(ctx, link.Slug, data, eph, iv, salt)
	require.NoError(t, err)

	// The accepted upload evicted the cached view, so the exhausted
	// quota is visible immediately.
	_, err = l.Lookup(ctx, link.Slug)
	assert.ErrorIs(t, err, domain.ErrLinkGone)
}

func TestUploadValidation(t *testing.T) {
	l := newTestLink(t)
	defer l.Shutdown()
	ctx := context.Background()

	link, _, err := l.Create(ctx, testParams())
	require.NoError(t, err)

	data, eph, iv, salt := testEnvelope(1)

	_, err = l.Upload(ctx, link.Slug, make([]byte, 2<<20), eph, iv, salt)
	assert.ErrorIs(t, err, domain.ErrUploadTooLarge)

	_, err = l.Upload(ctx, link.Slug, data, eph[:16], iv, salt)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = l.Upload(ctx, link.Slug, data, eph, iv[:4], salt)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = l.Upload(ctx, link.Slug, nil, eph, iv, salt)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestUploadQuotaRejectionRemovesBlob(t *testing.T) {
	l := newTestLink(t)
	defer l.Shutdown()
	ctx := context.Background()

	p := testParams()
	p.MaxUploads = 1
	link, _, err := l.Create(ctx, p)
	require.NoError(t, err)

	data1, eph, iv, salt := testEnvelope(1)
	up, err := l.Upload(ctx, link.Slug, data1, eph, iv, salt)
	require.NoError(t, err)

	data2, eph2, iv2, salt2 := testEnvelope(2)
	_, err = l.Upload(ctx, link.Slug, data2, eph2, iv2, salt2)
	assert.ErrorIs(t, err, domain.ErrQuotaExceeded)

	// The rejected ciphertext did not stick around.
	_, err = l.blobs.Get(ctx, blob.CID(data2))
	assert.ErrorIs(t, err, blob.ErrNotFound)

	// The accepted one did.
	got, err := l.blobs.Get(ctx, up.CID)
	require.NoError(t, err)
	assert.Equal(t, data1, got)
}

func TestDeactivateHidesLink(t *testing.T) {
	l := newTestLink(t)
	defer l.Shutdown()
	ctx := context.Background()

	link, _, err := l.Create(ctx, testParams())
	require.NoError(t, err)

	err = l.Deactivate(ctx, link.Slug, "hmac-sha256:1:intruder")
	assert.ErrorIs(t, err, domain.ErrNotOwner)

	require.NoError(t, l.Deactivate(ctx, link.Slug, "hmac-sha256:1:owner"))

	// Deactivation evicts the cached view; the link now looks unknown.
	_, err = l.Lookup(ctx, link.Slug)
	assert.ErrorIs(t, err, domain.ErrLinkNotFound)
}

func TestListAndFetchUploads(t *testing.T) {
	l := newTestLink(t)
	defer l.Shutdown()
	ctx := context.Background()

	link, _, err := l.Create(ctx, testParams())
	require.NoError(t, err)

	data, eph, iv, salt := testEnvelope(3)
	up, err := l.Upload(ctx, link.Slug, data, eph, iv, salt)
	require.NoError(t, err)

	ups, err := l.ListUploads(ctx, link.Slug, "hmac-sha256:1:owner")
	require.NoError(t, err)
	require.Len(t, ups, 1)
	assert.Equal(t, up.CID, ups[0].CID)
	assert.Equal(t, int64(len(data)), ups[0].Size)

	got, err := l.FetchUpload(ctx, link.Slug, "hmac-sha256:1:owner", up.CID)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = l.FetchUpload(ctx, link.Slug, "hmac-sha256:1:owner", blob.CID([]byte("other")))
	assert.ErrorIs(t, err, blob.ErrNotFound)

	_, err = l.FetchUpload(ctx, link.Slug, "hmac-sha256:1:intruder", up.CID)
	assert.ErrorIs(t, err, domain.ErrNotOwner)
}
