package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"veil/pkg/domain"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed      = 0
	circuitOpen        = 1
	circuitHalfOpen    = 2
	maxFailures        = 5
	cooldownSeconds    = 30
	minResponseTime    = 50 * time.Millisecond
	responseTimeJitter = 20 * time.Millisecond
)

const (
	defaultMaxOpenConns = 100
	defaultMaxIdleConns = 10
	defaultQueryTimeout = 5 * time.Second
)

type SQLite struct {
	db            *sql.DB
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}

func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout)
}

func NewSQLiteWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &SQLite{
		db:           db,
		queryTimeout: queryTimeout,
	}
	if err := s.migrate(); err != nil {
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

func (s *SQLite) checkCircuit() error {
	state := atomic.LoadInt32(&s.circuitState)
	switch state {
	case circuitClosed:
		return nil
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	case circuitHalfOpen:
		return nil
	default:
		return nil
	}
}

func (s *SQLite) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}

func (s *SQLite) migrate() error {
	_, err := s.db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		return errors.Wrap(err, "enable WAL mode")
	}
	_, err = s.db.Exec("PRAGMA busy_timeout = 5000")
	if err != nil {
		return errors.Wrap(err, "set busy timeout")
	}
	_, err = s.db.Exec("PRAGMA synchronous=FULL")
	if err != nil {
		return errors.Wrap(err, "set synchronous mode")
	}
	query := `
	CREATE TABLE IF NOT EXISTS burner_links (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		slug TEXT NOT NULL UNIQUE,
		public_key BLOB NOT NULL,
		theme TEXT NOT NULL,
		content_slug TEXT NOT NULL,
		creator_hash TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME,
		max_uploads INTEGER NOT NULL DEFAULT 0,
		upload_count INTEGER NOT NULL DEFAULT 0,
		is_active INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_links_expires_at ON burner_links(expires_at);
	CREATE INDEX IF NOT EXISTS idx_links_creator ON burner_links(creator_hash);

	CREATE TABLE IF NOT EXISTS stealth_uploads (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		burner_link_id INTEGER NOT NULL REFERENCES burner_links(id),
		cid TEXT NOT NULL,
		ephemeral_public_key BLOB NOT NULL,
		iv BLOB NOT NULL,
		salt BLOB NOT NULL,
		size INTEGER NOT NULL,
		uploaded_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_uploads_link ON stealth_uploads(burner_link_id);

	CREATE TABLE IF NOT EXISTS key_anchors (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		key_hash TEXT NOT NULL,
		anchored_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		user_key_hash TEXT NOT NULL,
		registered_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_devices_key ON devices(user_key_hash);
	`
	_, err = s.db.Exec(query)
	return err
}

// normalizeResponseTime pads slug-keyed queries to a jittered floor so
// response timing does not reveal whether a row exists.
func normalizeResponseTime(start time.Time) {
	elapsed := time.Since(start)
	var jitterNanos int64
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		jitterNanos = int64(responseTimeJitter)
	} else {
		jitterNanos = int64(binary.BigEndian.Uint64(b[:]) % uint64(responseTimeJitter))
	}
	target := minResponseTime + time.Duration(jitterNanos)
	if elapsed < target {
		time.Sleep(target - elapsed)
	}
}

func (s *SQLite) CreateLink(ctx context.Context, l *domain.BurnerLink) error {
	start := time.Now()
	defer normalizeResponseTime(start)
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	INSERT INTO burner_links (slug, public_key, theme, content_slug, creator_hash, created_at, expires_at, max_uploads, upload_count, is_active)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 1)
	`
	res, err := s.db.ExecContext(queryCtx, q,
		l.Slug, l.PublicKey, l.Theme, l.ContentSlug, l.CreatorHash, l.CreatedAt, l.ExpiresAt, l.MaxUploads,
	)
	s.recordError(err)
	if err != nil {
		return errors.Wrap(err, "db create link")
	}
	l.ID, _ = res.LastInsertId()
	return nil
}

// GetLink returns the full link row regardless of lifecycle state; the
// service layer decides what a caller is allowed to learn from it.
func (s *SQLite) GetLink(ctx context.Context, slug string) (*domain.BurnerLink, error) {
	start := time.Now()
	defer normalizeResponseTime(start)
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	SELECT id, slug, public_key, theme, content_slug, creator_hash, created_at, expires_at, max_uploads, upload_count, is_active
	FROM burner_links WHERE slug = ?
	`
	var l domain.BurnerLink
	err := s.db.QueryRowContext(queryCtx, q, slug).Scan(
		&l.ID, &l.Slug, &l.PublicKey, &l.Theme, &l.ContentSlug, &l.CreatorHash, &l.CreatedAt, &l.ExpiresAt, &l.MaxUploads, &l.UploadCount, &l.IsActive,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrLinkNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db get link")
	}
	return &l, nil
}

func (s *SQLite) SlugExists(ctx context.Context, slug string) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var exists int
	q := `SELECT 1 FROM burner_links WHERE slug = ? LIMIT 1`
	err := s.db.QueryRowContext(queryCtx, q, slug).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "slug exists check failed")
	}
	return exists == 1, nil
}

// RecordUpload is the quota gate. The capacity check and the counter
// increment happen in one conditional UPDATE inside one transaction, so
// two concurrent uploads racing for the last slot cannot both pass.
func (s *SQLite) RecordUpload(ctx context.Context, slug string, meta *domain.UploadMetadata) (*domain.StealthUpload, error) {
	start := time.Now()
	defer normalizeResponseTime(start)
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(queryCtx, nil)
	if err != nil {
		s.recordError(err)
		return nil, errors.Wrap(err, "begin upload tx")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(queryCtx, `
		UPDATE burner_links
		SET upload_count = upload_count + 1
		WHERE slug = ?
		  AND is_active = 1
		  AND (expires_at IS NULL OR expires_at > ?)
		  AND (max_uploads <= 0 OR upload_count < max_uploads)
	`, slug, now)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "upload quota update")
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return nil, s.classifyRejection(queryCtx, tx, slug, now)
	}

	var linkID int64
	if err := tx.QueryRowContext(queryCtx, `SELECT id FROM burner_links WHERE slug = ?`, slug).Scan(&linkID); err != nil {
		s.recordError(err)
		return nil, errors.Wrap(err, "upload link id")
	}

	up := &domain.StealthUpload{
		BurnerLinkID:       linkID,
		CID:                meta.CID,
		EphemeralPublicKey: meta.EphemeralPublicKey,
		IV:                 meta.IV,
		Salt:               meta.Salt,
		Size:               meta.Size,
		UploadedAt:         now,
	}
	ins, err := tx.ExecContext(queryCtx, `
		INSERT INTO stealth_uploads (burner_link_id, cid, ephemeral_public_key, iv, salt, size, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, up.BurnerLinkID, up.CID, up.EphemeralPublicKey, up.IV, up.Salt, up.Size, up.UploadedAt)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "insert upload")
	}
	up.ID, _ = ins.LastInsertId()

	if err := tx.Commit(); err != nil {
		s.recordError(err)
		return nil, errors.Wrap(err, "commit upload tx")
	}
	return up, nil
}

// classifyRejection decides which error a failed quota update maps to.
// Quota exhaustion is the only state a prober may distinguish; unknown,
// inactive and expired all collapse into not-found.
func (s *SQLite) classifyRejection(ctx context.Context, tx *sql.Tx, slug string, now time.Time) error {
	var l domain.BurnerLink
	err := tx.QueryRowContext(ctx, `
		SELECT is_active, expires_at, max_uploads, upload_count
		FROM burner_links WHERE slug = ?
	`, slug).Scan(&l.IsActive, &l.ExpiresAt, &l.MaxUploads, &l.UploadCount)
	if err == sql.ErrNoRows {
		return domain.ErrLinkNotFound
	}
	s.recordError(err)
	if err != nil {
		return errors.Wrap(err, "classify upload rejection")
	}
	if !l.IsActive || l.Expired(now) {
		return domain.ErrLinkNotFound
	}
	return domain.ErrQuotaExceeded
}

// Deactivate flips is_active off. The row is never deleted: the owner
// keeps the audit trail while the slug becomes permanently unusable.
func (s *SQLite) Deactivate(ctx context.Context, slug, ownerHash string) error {
	start := time.Now()
	defer normalizeResponseTime(start)
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	res, err := s.db.ExecContext(queryCtx, `
		UPDATE burner_links SET is_active = 0 WHERE slug = ? AND creator_hash = ?
	`, slug, ownerHash)
	s.recordError(err)
	if err != nil {
		return errors.Wrap(err, "deactivate link")
	}
	affected, _ := res.RowsAffected()
	if affected > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(queryCtx, `SELECT 1 FROM burner_links WHERE slug = ? LIMIT 1`, slug).Scan(&exists)
	if err == sql.ErrNoRows {
		return domain.ErrLinkNotFound
	}
	s.recordError(err)
	if err != nil {
		return errors.Wrap(err, "deactivate ownership check")
	}
	return domain.ErrNotOwner
}

func (s *SQLite) ListUploads(ctx context.Context, slug, ownerHash string) ([]domain.StealthUpload, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	link, err := s.GetLink(ctx, slug)
	if err != nil {
		return nil, err
	}
	if link.CreatorHash != ownerHash {
		return nil, domain.ErrNotOwner
	}

	rows, err := s.db.QueryContext(queryCtx, `
		SELECT id, burner_link_id, cid, ephemeral_public_key, iv, salt, size, uploaded_at
		FROM stealth_uploads WHERE burner_link_id = ? ORDER BY uploaded_at
	`, link.ID)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "list uploads")
	}
	defer rows.Close()

	var out []domain.StealthUpload
	for rows.Next() {
		var u domain.StealthUpload
		if err := rows.Scan(&u.ID, &u.BurnerLinkID, &u.CID, &u.EphemeralPublicKey, &u.IV, &u.Salt, &u.Size, &u.UploadedAt); err != nil {
			return nil, errors.Wrap(err, "scan upload")
		}
		out = append(out, u)
	}
	return out, errors.Wrap(rows.Err(), "list uploads rows")
}

// DeactivateExpired sweeps time-expired links in batches. Rows are
// flipped inactive rather than deleted.
func (s *SQLite) DeactivateExpired(ctx context.Context) (int, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	total := 0
	maxIterations := 10000
	for i := 0; i < maxIterations; i++ {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}
		queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
		result, err := s.db.ExecContext(queryCtx, `
			UPDATE burner_links SET is_active = 0
			WHERE id IN (
				SELECT id FROM burner_links
				WHERE is_active = 1 AND expires_at IS NOT NULL AND expires_at < ?
				LIMIT 100
			)
		`, time.Now().UTC())
		cancel()
		s.recordError(err)
		if err != nil {
			return total, errors.Wrap(err, "expiry sweep batch failed")
		}
		swept, _ := result.RowsAffected()
		total += int(swept)
		if swept == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return total, nil
}

// AnchorKeyHash persists the vault key hash exactly once. Re-anchoring
// the same hash is a no-op; a different hash is a hard conflict, since
// it would mean the vault contents are about to become undecryptable.
func (s *SQLite) AnchorKeyHash(ctx context.Context, keyHash string) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(queryCtx, nil)
	if err != nil {
		s.recordError(err)
		return errors.Wrap(err, "begin anchor tx")
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(queryCtx, `SELECT key_hash FROM key_anchors WHERE id = 1`).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.ExecContext(queryCtx, `
			INSERT INTO key_anchors (id, key_hash, anchored_at) VALUES (1, ?, ?)
		`, keyHash, time.Now().UTC())
		s.recordError(err)
		if err != nil {
			return errors.Wrap(err, "insert key anchor")
		}
		return errors.Wrap(tx.Commit(), "commit anchor tx")
	case err != nil:
		s.recordError(err)
		return errors.Wrap(err, "read key anchor")
	case existing == keyHash:
		return nil
	default:
		return domain.ErrAlreadyAnchored
	}
}

func (s *SQLite) AnchoredKeyHash(ctx context.Context) (string, error) {
	if err := s.checkCircuit(); err != nil {
		return "", err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var hash string
	err := s.db.QueryRowContext(queryCtx, `SELECT key_hash FROM key_anchors WHERE id = 1`).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	s.recordError(err)
	if err != nil {
		return "", errors.Wrap(err, "read key anchor")
	}
	return hash, nil
}

func (s *SQLite) RegisterDevice(ctx context.Context, d *domain.Device) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	_, err := s.db.ExecContext(queryCtx, `
		INSERT INTO devices (id, name, type, user_key_hash, registered_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, type = excluded.type
	`, d.ID, d.Name, d.Type, d.UserKeyHash, d.RegisteredAt)
	s.recordError(err)
	return errors.Wrap(err, "register device")
}

func (s *SQLite) ListDevices(ctx context.Context, userKeyHash string) ([]domain.Device, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(queryCtx, `
		SELECT id, name, type, user_key_hash, registered_at
		FROM devices WHERE user_key_hash = ? ORDER BY registered_at
	`, userKeyHash)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "list devices")
	}
	defer rows.Close()
	var out []domain.Device
	for rows.Next() {
		var d domain.Device
		if err := rows.Scan(&d.ID, &d.Name, &d.Type, &d.UserKeyHash, &d.RegisteredAt); err != nil {
			return nil, errors.Wrap(err, "scan device")
		}
		out = append(out, d)
	}
	return out, errors.Wrap(rows.Err(), "list devices rows")
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
