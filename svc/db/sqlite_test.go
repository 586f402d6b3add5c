package db

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veil/pkg/domain"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "veil_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testLink(slug string, maxUploads int, expiresAt *time.Time) *domain.BurnerLink {
	return &domain.BurnerLink{
		Slug:        slug,
		PublicKey:   []byte("0123456789abcdef0123456789abcdef"),
		Theme:       "recipes",
		ContentSlug: "chocolate-cake",
		CreatorHash: "hmac-sha256:1:owner",
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   expiresAt,
		MaxUploads:  maxUploads,
		IsActive:    true,
	}
}

func testMeta(n int) *domain.UploadMetadata {
	return &domain.UploadMetadata{
		CID:                fmt.Sprintf("cid-%03d", n),
		EphemeralPublicKey: []byte("ephemeral-public-key-32-bytes-xx"),
		IV:                 []byte("twelve-bytes"),
		Salt:               []byte("sixteen-byte-salt"),
		Size:               1024,
	}
}

func TestCreateAndGetLink(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	l := testLink("aZ3kQ9mPb2XwLt7R", 5, nil)
	require.NoError(t, s.CreateLink(ctx, l))
	assert.NotZero(t, l.ID)

	got, err := s.GetLink(ctx, l.Slug)
	require.NoError(t, err)
	assert.Equal(t, l.Slug, got.Slug)
	assert.Equal(t, l.PublicKey, got.PublicKey)
	assert.Equal(t, "recipes", got.Theme)
	assert.Equal(t, 5, got.MaxUploads)
	assert.Equal(t, 0, got.UploadCount)
	assert.True(t, got.IsActive)

	_, err = s.GetLink(ctx, "Bc4Lr8nQw1YxMu6S")
	assert.ErrorIs(t, err, domain.ErrLinkNotFound)
}

func TestSlugExists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateLink(ctx, testLink("aZ3kQ9mPb2XwLt7R", 0, nil)))

	ok, err := s.SlugExists(ctx, "aZ3kQ9mPb2XwLt7R")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SlugExists(ctx, "Bc4Lr8nQw1YxMu6S")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecordUploadIncrementsCounter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateLink(ctx, testLink("aZ3kQ9mPb2XwLt7R", 3, nil)))

	up, err := s.RecordUpload(ctx, "aZ3kQ9mPb2XwLt7R", testMeta(1))
	require.NoError(t, err)
	assert.NotZero(t, up.ID)
	assert.Equal(t, "cid-001", up.CID)

	got, err := s.GetLink(ctx, "aZ3kQ9mPb2XwLt7R")
	require.NoError(t, err)
	assert.Equal(t, 1, got.UploadCount)
}

func TestRecordUploadLastSlotRace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateLink(ctx, testLink("aZ3kQ9mPb2XwLt7R", 1, nil)))

	const workers = 10
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := s.RecordUpload(ctx, "aZ3kQ9mPb2XwLt7R", testMeta(n))
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	accepted, rejected := 0, 0
	for err := range results {
		if err == nil {
			accepted++
		} else {
			assert.ErrorIs(t, err, domain.ErrQuotaExceeded)
			rejected++
		}
	}
	assert.Equal(t, 1, accepted, "exactly one upload may win the last slot")
	assert.Equal(t, workers-1, rejected)

	got, err := s.GetLink(ctx, "aZ3kQ9mPb2XwLt7R")
	require.NoError(t, err)
	assert.Equal(t, 1, got.UploadCount, "counter must not overshoot the quota")
}

func TestRecordUploadRejectionClassification(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Unknown slug.
	_, err := s.RecordUpload(ctx, "Bc4Lr8nQw1YxMu6S", testMeta(1))
	assert.ErrorIs(t, err, domain.ErrLinkNotFound)

	// Deactivated link looks identical to an unknown one.
	require.NoError(t, s.CreateLink(ctx, testLink("cD5Ms7oRx0ZyNv5T", 5, nil)))
	require.NoError(t, s.Deactivate(ctx, "cD5Ms7oRx0ZyNv5T", "hmac-sha256:1:owner"))
	_, err = s.RecordUpload(ctx, "cD5Ms7oRx0ZyNv5T", testMeta(2))
	assert.ErrorIs(t, err, domain.ErrLinkNotFound)

	// Expired link too.
	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, s.CreateLink(ctx, testLink("eF6Nt6pSy9AzOw4U", 5, &past)))
	_, err = s.RecordUpload(ctx, "eF6Nt6pSy9AzOw4U", testMeta(3))
	assert.ErrorIs(t, err, domain.ErrLinkNotFound)

	// Quota exhaustion is the one distinguishable state.
	require.NoError(t, s.CreateLink(ctx, testLink("gH7Ou5qTz8ByPx3V", 1, nil)))
	_, err = s.RecordUpload(ctx, "gH7Ou5qTz8ByPx3V", testMeta(4))
	require.NoError(t, err)
	_, err = s.RecordUpload(ctx, "gH7Ou5qTz8ByPx3V", testMeta(5))
	assert.ErrorIs(t, err, domain.ErrQuotaExceeded)
}

func TestUnlimitedUploadsWhenMaxZero(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateLink(ctx, testLink("aZ3kQ9mPb2XwLt7R", 0, nil)))
	for i := 0; i < 5; i++ {
		_, err := s.RecordUpload(ctx, "aZ3kQ9mPb2XwLt7R", testMeta(i))
		require.NoError(t, err)
	}
	got, err := s.GetLink(ctx, "aZ3kQ9mPb2XwLt7R")
	require.NoError(t, err)
	assert.Equal(t, 5, got.UploadCount)
}

func TestDeactivate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateLink(ctx, testLink("aZ3kQ9mPb2XwLt7R", 5, nil)))

	err := s.Deactivate(ctx, "aZ3kQ9mPb2XwLt7R", "hmac-sha256:1:intruder")
	assert.ErrorIs(t, err, domain.ErrNotOwner)

	err = s.Deactivate(ctx, "Bc4Lr8nQw1YxMu6S", "hmac-sha256:1:owner")
	assert.ErrorIs(t, err, domain.ErrLinkNotFound)

	require.NoError(t, s.Deactivate(ctx, "aZ3kQ9mPb2XwLt7R", "hmac-sha256:1:owner"))

	// The row survives deactivation; only uploads stop.
	got, err := s.GetLink(ctx, "aZ3kQ9mPb2XwLt7R")
	require.NoError(t, err)
	assert.False(t, got.IsActive)
}

func TestListUploads(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateLink(ctx, testLink("aZ3kQ9mPb2XwLt7R", 0, nil)))
	for i := 0; i < 3; i++ {
		_, err := s.RecordUpload(ctx, "aZ3kQ9mPb2XwLt7R", testMeta(i))
		require.NoError(t, err)
	}

	ups, err := s.ListUploads(ctx, "aZ3kQ9mPb2XwLt7R", "hmac-sha256:1:owner")
	require.NoError(t, err)
	assert.Len(t, ups, 3)

	_, err = s.ListUploads(ctx, "aZ3kQ9mPb2XwLt7R", "hmac-sha256:1:intruder")
	assert.ErrorIs(t, err, domain.ErrNotOwner)
}

func TestDeactivateExpiredSweep(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)
	require.NoError(t, s.CreateLink(ctx, testLink("aZ3kQ9mPb2XwLt7R", 0, &past)))
	require.NoError(t, s.CreateLink(ctx, testLink("Bc4Lr8nQw1YxMu6S", 0, &future)))
	require.NoError(t, s.CreateLink(ctx, testLink("cD5Ms7oRx0ZyNv5T", 0, nil)))

	n, err := s.DeactivateExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetLink(ctx, "aZ3kQ9mPb2XwLt7R")
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	got, err = s.GetLink(ctx, "Bc4Lr8nQw1YxMu6S")
	require.NoError(t, err)
	assert.True(t, got.IsActive)
}

func TestAnchorKeyHashWriteOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hash, err := s.AnchoredKeyHash(ctx)
	require.NoError(t, err)
	assert.Empty(t, hash)

	require.NoError(t, s.AnchorKeyHash(ctx, "sha256:aaaa"))
	// Idempotent for the same hash.
	require.NoError(t, s.AnchorKeyHash(ctx, "sha256:aaaa"))
	// Hard conflict for a different one.
	err = s.AnchorKeyHash(ctx, "sha256:bbbb")
	assert.ErrorIs(t, err, domain.ErrAlreadyAnchored)

	hash, err = s.AnchoredKeyHash(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sha256:aaaa", hash)
}

func TestDevices(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := &domain.Device{
		ID:           "dev-1",
		Name:         "Pixel",
		Type:         "android",
		UserKeyHash:  "sha256:aaaa",
		RegisteredAt: time.Now().UTC(),
	}
	require.NoError(t, s.RegisterDevice(ctx, d))

	// Re-registering updates the display fields instead of erroring.
	d.Name = "Pixel 9"
	require.NoError(t, s.RegisterDevice(ctx, d))

	devs, err := s.ListDevices(ctx, "sha256:aaaa")
	require.NoError(t, err)
	require.Len(t, devs, 1)
	assert.Equal(t, "Pixel 9", devs[0].Name)

	devs, err = s.ListDevices(ctx, "sha256:bbbb")
	require.NoError(t, err)
	assert.Empty(t, devs)
}
