package svc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"veil/cfg"
	"veil/metrics"
	"veil/pkg/burner"
	"veil/pkg/domain"
	"veil/pkg/fragment"
	"veil/svc/blob"
	"veil/svc/cache"
	"veil/svc/db"
	"veil/svc/util"
)

const (
	maxLinkTTL    = 30 * 24 * time.Hour
	maxMaxUploads = 1000
	linkInfoTTL   = time.Minute
)

// Link implements the burner link lifecycle: issuance, anonymous
// lookup, upload admission and owner-side management.
type Link struct {
	db       *db.SQLite
	lru      *cache.LRU
	rdb      *db.Redis
	blobs    blob.Store
	cfg      *cfg.Cfg
	lookups  singleflight.Group
	shutdown atomic.Bool
	opWg     sync.WaitGroup
}

func NewLink(sqlDB *db.SQLite, lru *cache.LRU, rdb *db.Redis, blobs blob.Store, c *cfg.Cfg) *Link {
	if sqlDB == nil || lru == nil || blobs == nil || c == nil {
		panic("link service: nil dependency (sqlDB, lru, blobs, or cfg)")
	}
	return &Link{
		db:    sqlDB,
		lru:   lru,
		rdb:   rdb,
		blobs: blobs,
		cfg:   c,
	}
}

func (l *Link) Shutdown() {
	l.shutdown.Store(true)
	l.opWg.Wait()
	util.Debug().Msg("link service shutdown complete")
}

// Create validates owner input, issues a slug and returns the link
// together with the receive URL. The slug and public key travel only in
// the URL fragment, never in the path or query string.
func (l *Link) Create(ctx context.Context, params domain.CreateLinkParams) (*domain.BurnerLink, string, error) {
	if l.shutdown.Load() {
		return nil, "", errors.New("service shutting down")
	}
	l.opWg.Add(1)
	defer l.opWg.Done()

	if len(params.PublicKey) != burner.KeySize {
		return nil, "", domain.ErrInvalidPublicKey
	}
	if !domain.Themes[params.Theme] {
		return nil, "", domain.ErrInvalidTheme
	}
	contentSlug, err := util.NormalizeContentSlug(params.ContentSlug)
	if err != nil {
		return nil, "", domain.ErrInvalidRequest
	}
	if params.ExpiresIn < 0 || params.MaxUploads < 0 {
		return nil, "", domain.ErrInvalidRequest
	}
	expiresIn := params.ExpiresIn
	if expiresIn == 0 {
		expiresIn = l.cfg.DefaultLinkTTL
	}
	if expiresIn > maxLinkTTL {
		expiresIn = maxLinkTTL
	}
	maxUploads := params.MaxUploads
	if maxUploads > maxMaxUploads {
		maxUploads = maxMaxUploads
	}

	slug, err := util.GenSlug(func(s string) (bool, error) {
		return l.db.SlugExists(ctx, s)
	})
	if err != nil {
		if errors.Is(err, util.ErrSlugCollision) {
			return nil, "", domain.ErrSlugGeneration
		}
		return nil, "", errors.Wrap(err, "gen slug")
	}

	now := time.Now().UTC()
	expiresAt := now.Add(expiresIn)
	link := &domain.BurnerLink{
		Slug:        slug,
		PublicKey:   params.PublicKey,
		Theme:       params.Theme,
		ContentSlug: contentSlug,
		CreatorHash: params.CreatorHash,
		CreatedAt:   now,
		ExpiresAt:   &expiresAt,
		MaxUploads:  maxUploads,
		IsActive:    true,
	}
	if err := l.db.CreateLink(ctx, link); err != nil {
		return nil, "", errors.Wrap(err, "create link")
	}

	info := &domain.LinkInfo{
		PublicKey:   link.PublicKey,
		Theme:       link.Theme,
		ContentSlug: link.ContentSlug,
	}
	l.cacheInfo(ctx, slug, info)

	url := l.cfg.BaseURL + "/" + link.Theme + "/" + link.ContentSlug + fragment.Build(slug, link.PublicKey)
	metrics.LinksCreated.Inc()
	return link, url, nil
}

// Lookup resolves a slug to its anonymous view. Unknown, deactivated
// and expired links are indistinguishable; only quota exhaustion is
// reported as gone.
func (l *Link) Lookup(ctx context.Context, slug string) (*domain.LinkInfo, error) {
	if err := util.ValidateSlug(slug); err != nil {
		return nil, domain.ErrInvalidSlug
	}
	if info := l.lru.Get(ctx, slug); info != nil {
		metrics.CacheHits.Inc()
		metrics.LinkLookups.WithLabelValues("hit").Inc()
		return info, nil
	}
	metrics.CacheMisses.Inc()

	if l.rdb != nil {
		if info, err := l.rdb.GetLinkInfo(ctx, slug); err == nil && info != nil {
			l.lru.Set(ctx, slug, info, linkInfoTTL)
			metrics.LinkLookups.WithLabelValues("hit").Inc()
			return info, nil
		}
	}

	// Collapse a stampede of identical cold lookups into one DB read.
	v, err, _ := l.lookups.Do(slug, func() (interface{}, error) {
		link, err := l.db.GetLink(ctx, slug)
		if err != nil {
			return nil, err
		}
		now := time.Now()
		if !link.IsActive || link.Expired(now) {
			return nil, domain.ErrLinkNotFound
		}
		if link.MaxUploads > 0 && link.UploadCount >= link.MaxUploads {
			return nil, domain.ErrLinkGone
		}
		info := &domain.LinkInfo{
			PublicKey:   link.PublicKey,
			Theme:       link.Theme,
			ContentSlug: link.ContentSlug,
		}
		l.cacheInfo(ctx, slug, info)
		return info, nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrLinkNotFound) {
			metrics.LinkLookups.WithLabelValues("not_found").Inc()
		} else if errors.Is(err, domain.ErrLinkGone) {
			metrics.LinkLookups.WithLabelValues("gone").Inc()
		}
		return nil, err
	}
	metrics.LinkLookups.WithLabelValues("miss").Inc()
	return v.(*domain.LinkInfo), nil
}

// Upload admits one anonymous ciphertext: store the blob, then charge
// it against the link's quota atomically. A rejected charge removes the
// orphaned blob best-effort.
func (l *Link) Upload(ctx context.Context, slug string, data []byte, ephemeralPublicKey, iv, salt []byte) (*domain.StealthUpload, error) {
	if l.shutdown.Load() {
		return nil, errors.New("service shutting down")
	}
	l.opWg.Add(1)
	defer l.opWg.Done()

	if err := util.ValidateSlug(slug); err != nil {
		metrics.UploadsRejected.WithLabelValues("invalid_slug").Inc()
		return nil, domain.ErrInvalidSlug
	}
	if int64(len(data)) > l.cfg.MaxUploadSize {
		metrics.UploadsRejected.WithLabelValues("too_large").Inc()
		return nil, domain.ErrUploadTooLarge
	}
	if len(data) == 0 || len(ephemeralPublicKey) != burner.KeySize || len(iv) != burner.IVSize || len(salt) != burner.SaltSize {
		metrics.UploadsRejected.WithLabelValues("malformed").Inc()
		return nil, domain.ErrInvalidRequest
	}

	cid := blob.CID(data)
	if err := l.blobs.Put(ctx, cid, data); err != nil {
		return nil, errors.Wrap(err, "store blob")
	}

	meta := &domain.UploadMetadata{
		CID:                cid,
		EphemeralPublicKey: ephemeralPublicKey,
		IV:                 iv,
		Salt:               salt,
		Size:               int64(len(data)),
	}
	up, err := l.db.RecordUpload(ctx, slug, meta)
	if err != nil {
		if derr := l.blobs.Delete(ctx, cid); derr != nil {
			util.Warn().Err(derr).Msg("orphaned blob cleanup failed")
		}
		if errors.Is(err, domain.ErrQuotaExceeded) {
			// The cached lookup view is now stale; evict so the next
			// lookup reports gone.
			l.invalidate(ctx, slug)
			metrics.UploadsRejected.WithLabelValues("quota").Inc()
		} else if errors.Is(err, domain.ErrLinkNotFound) {
			metrics.UploadsRejected.WithLabelValues("not_found").Inc()
		}
		return nil, err
	}
	// An accepted upload may have consumed the last quota slot; evict
	// the cached view so lookups re-check against the counter.
	l.invalidate(ctx, slug)
	metrics.UploadsAccepted.Inc()
	return up, nil
}

// Deactivate permanently disables a link on behalf of its owner.
func (l *Link) Deactivate(ctx context.Context, slug, ownerHash string) error {
	if err := util.ValidateSlug(slug); err != nil {
		return domain.ErrInvalidSlug
	}
	if err := l.db.Deactivate(ctx, slug, ownerHash); err != nil {
		return err
	}
	l.invalidate(ctx, slug)
	metrics.LinksDeactivated.Inc()
	return nil
}

// ListUploads returns the owner's view of received envelopes.
func (l *Link) ListUploads(ctx context.Context, slug, ownerHash string) ([]domain.StealthUpload, error) {
	if err := util.ValidateSlug(slug); err != nil {
		return nil, domain.ErrInvalidSlug
	}
	return l.db.ListUploads(ctx, slug, ownerHash)
}

// FetchUpload hands the owner one stored ciphertext. Ownership is
// checked against the link before the blob store is touched.
func (l *Link) FetchUpload(ctx context.Context, slug, ownerHash, cid string) ([]byte, error) {
	ups, err := l.ListUploads(ctx, slug, ownerHash)
	if err != nil {
		return nil, err
	}
	for _, u := range ups {
		if u.CID == cid {
			return l.blobs.Get(ctx, cid)
		}
	}
	return nil, blob.ErrNotFound
}

func (l *Link) cacheInfo(ctx context.Context, slug string, info *domain.LinkInfo) {
	l.lru.Set(ctx, slug, info, linkInfoTTL)
	if l.rdb != nil {
		if err := l.rdb.CacheLinkInfo(ctx, slug, info, linkInfoTTL); err != nil {
			util.Warn().Err(err).Msg("failed to cache link info in redis")
		}
	}
}

func (l *Link) invalidate(ctx context.Context, slug string) {
	l.lru.Delete(slug)
	if l.rdb != nil {
		if err := l.rdb.InvalidateLink(ctx, slug); err != nil {
			util.Warn().Err(err).Msg("failed to invalidate link in redis")
		}
	}
}

var (
	cleanerOnce    sync.Once
	cleanerRunning atomic.Bool
)

// StartCleaner launches the periodic expiry sweep. Expired links are
// deactivated, never deleted.
func StartCleaner(ctx context.Context, sqlDB *db.SQLite, interval time.Duration) error {
	if cleanerRunning.Load() {
		return errors.New("cleaner already running")
	}
	cleanerOnce.Do(func() {
		cleanerRunning.Store(true)
		go runCleaner(ctx, sqlDB, interval)
	})
	return nil
}

func runCleaner(ctx context.Context, sqlDB *db.SQLite, interval time.Duration) {
	defer cleanerRunning.Store(false)
	cleanupRequestID := util.NewRequestID()
	ctx = util.SetRequestID(ctx, cleanupRequestID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	util.Info().
		Str("request_id", cleanupRequestID).
		Dur("interval", interval).
		Msg("expiry sweep worker started")
	for {
		select {
		case <-ctx.Done():
			util.Info().
				Str("request_id", cleanupRequestID).
				Msg("expiry sweep worker shutting down")
			return
		case <-ticker.C:
			swept, err := sqlDB.DeactivateExpired(ctx)
			metrics.PruneCycles.Inc()
			if err != nil {
				util.Error().
					Err(err).
					Str("request_id", util.GetRequestID(ctx)).
					Msg("expiry sweep failed")
			} else if swept > 0 {
				util.Info().
					Int("swept", swept).
					Str("request_id", util.GetRequestID(ctx)).
					Msg("expiry sweep completed")
			}
		}
	}
}
