// Package store is the persistent coordination layer shared by every
// process on the host. SQLite is the sole source of truth: unique
// constraints on claims and store bindings are the only cross-process
// mutation guard, and all record mutations are optimistic (guarded by the
// previous updated_at value).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/attache-ai/attache/internal/model"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrNameSessionExclusive is returned when a vector store record does
	// not have exactly one of name and session_id set. This is rejected at
	// the write boundary, before any SQL runs.
	ErrNameSessionExclusive = errors.New("store: exactly one of name and session_id must be set")
)

type SQLiteStore struct {
	path string

	mu sync.Mutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}

	// busy_timeout is what makes concurrent writers from separate
	// processes queue instead of failing with SQLITE_BUSY.
	pragmas := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`PRAGMA synchronous=NORMAL;`,
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return err
		}
	}

	schema := `
CREATE TABLE IF NOT EXISTS vector_stores (
  vector_store_id   TEXT PRIMARY KEY,
  name              TEXT UNIQUE,
  session_id        TEXT UNIQUE,
  provider          TEXT NOT NULL,
  provider_metadata TEXT,
  is_protected      INTEGER NOT NULL DEFAULT 0,
  is_active         INTEGER NOT NULL DEFAULT 1,
  created_at        INTEGER NOT NULL,
  expires_at        INTEGER,
  updated_at        INTEGER NOT NULL,
  document_count    INTEGER DEFAULT 0,
  rollover_from     TEXT REFERENCES vector_stores(vector_store_id),
  CHECK ((name IS NOT NULL AND session_id IS NULL)
      OR (name IS NULL AND session_id IS NOT NULL))
);

CREATE INDEX IF NOT EXISTS idx_vector_stores_expiry
  ON vector_stores(is_active, is_protected, expires_at);
CREATE INDEX IF NOT EXISTS idx_vector_stores_rollover
  ON vector_stores(rollover_from);

CREATE TABLE IF NOT EXISTS dedup_entries (
  fingerprint     TEXT PRIMARY KEY,
  remote_ref      TEXT NOT NULL,
  vector_store_id TEXT NOT NULL,
  size_bytes      INTEGER NOT NULL,
  checksum        TEXT NOT NULL DEFAULT '',
  uploaded_at     INTEGER NOT NULL,
  ref_count       INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_dedup_entries_store
  ON dedup_entries(vector_store_id);

CREATE TABLE IF NOT EXISTS upload_claims (
  fingerprint TEXT PRIMARY KEY,
  claimant    TEXT NOT NULL,
  created_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
  session_id   TEXT PRIMARY KEY,
  provider     TEXT NOT NULL DEFAULT '',
  continuation BLOB,
  inline_list  TEXT NOT NULL DEFAULT '',
  created_at   INTEGER NOT NULL,
  updated_at   INTEGER NOT NULL,
  expires_at   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_expiry ON sessions(expires_at);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) ensureDB(ctx context.Context) (*sql.DB, error) {
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, errors.New("sqlite db not initialized")
	}
	return s.db, nil
}

// --- vector stores ---

func validateBinding(rec model.VectorStoreRecord) error {
	hasName := strings.TrimSpace(rec.Name) != ""
	hasSession := strings.TrimSpace(rec.SessionID) != ""
	if hasName == hasSession {
		return fmt.Errorf("%w: name=%q session_id=%q", ErrNameSessionExclusive, rec.Name, rec.SessionID)
	}
	return nil
}

func (s *SQLiteStore) InsertVectorStore(ctx context.Context, rec model.VectorStoreRecord) error {
	if err := validateBinding(rec); err != nil {
		return err
	}
	db, err := s.ensureDB(ctx)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(
		ctx,
		`INSERT INTO vector_stores(
		   vector_store_id, name, session_id, provider, provider_metadata,
		   is_protected, is_active, created_at, expires_at, updated_at,
		   document_count, rollover_from)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		nullString(rec.Name),
		nullString(rec.SessionID),
		rec.Provider,
		rec.ProviderMetadata,
		boolToInt(rec.IsProtected),
		boolToInt(rec.IsActive),
		rec.CreatedAt,
		nullInt64(rec.ExpiresAt),
		rec.UpdatedAt,
		rec.DocumentCount,
		nullString(rec.RolloverFrom),
	)
	return err
}

func (s *SQLiteStore) GetVectorStore(ctx context.Context, id string) (model.VectorStoreRecord, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return model.VectorStoreRecord{}, err
	}
	row := db.QueryRowContext(ctx, selectVectorStore+` WHERE vector_store_id = ?`, id)
	return scanVectorStore(row)
}

func (s *SQLiteStore) GetVectorStoreBySession(ctx context.Context, sessionID string) (model.VectorStoreRecord, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return model.VectorStoreRecord{}, err
	}
	row := db.QueryRowContext(ctx, selectVectorStore+` WHERE session_id = ?`, sessionID)
	return scanVectorStore(row)
}

func (s *SQLiteStore) GetVectorStoreByName(ctx context.Context, name string) (model.VectorStoreRecord, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return model.VectorStoreRecord{}, err
	}
	row := db.QueryRowContext(ctx, selectVectorStore+` WHERE name = ?`, name)
	return scanVectorStore(row)
}

// GetVectorStoreSuccessor returns the record that rolled over from
// predecessorID, so a caller holding a stale store id can follow the
// chain forward to the live head.
func (s *SQLiteStore) GetVectorStoreSuccessor(ctx context.Context, predecessorID string) (model.VectorStoreRecord, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return model.VectorStoreRecord{}, err
	}
	row := db.QueryRowContext(ctx, selectVectorStore+` WHERE rollover_from = ?`, predecessorID)
	return scanVectorStore(row)
}

// RenewVectorStore touches updated_at and pushes the expiry forward,
// provided the record has not been mutated since prevUpdated. Returns
// false when the optimistic precondition failed.
func (s *SQLiteStore) RenewVectorStore(ctx context.Context, id string, prevUpdated, newUpdated, newExpires int64) (bool, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return false, err
	}
	res, err := db.ExecContext(
		ctx,
		`UPDATE vector_stores SET updated_at = ?, expires_at = ?
		 WHERE vector_store_id = ? AND updated_at = ?`,
		newUpdated, nullInt64(newExpires), id, prevUpdated,
	)
	if err != nil {
		return false, err
	}
	return oneRow(res)
}

// AddDocumentCount applies a document-count delta under the optimistic
// updated_at guard.
func (s *SQLiteStore) AddDocumentCount(ctx context.Context, id string, delta int64, prevUpdated, newUpdated int64) (bool, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return false, err
	}
	res, err := db.ExecContext(
		ctx,
		`UPDATE vector_stores SET document_count = document_count + ?, updated_at = ?
		 WHERE vector_store_id = ? AND updated_at = ?`,
		delta, newUpdated, id, prevUpdated,
	)
	if err != nil {
		return false, err
	}
	return oneRow(res)
}

// RolloverVectorStore demotes the predecessor and inserts its successor in
// one transaction, so the session (or name) binding moves atomically and
// the name/session CHECK holds at every commit point. The predecessor
// keeps its row under the synthetic demotedName, inactive but queryable
// through the chain. Returns false if the predecessor changed underneath
// the caller.
func (s *SQLiteStore) RolloverVectorStore(ctx context.Context, predecessorID, demotedName string, prevUpdated, newUpdated int64, successor model.VectorStoreRecord) (bool, error) {
	if err := validateBinding(successor); err != nil {
		return false, err
	}
	db, err := s.ensureDB(ctx)
	if err != nil {
		return false, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(
		ctx,
		`UPDATE vector_stores
		 SET name = ?, session_id = NULL, is_active = 0, updated_at = ?
		 WHERE vector_store_id = ? AND updated_at = ?`,
		demotedName, newUpdated, predecessorID, prevUpdated,
	)
	if err != nil {
		return false, err
	}
	changed, err := oneRow(res)
	if err != nil || !changed {
		return false, err
	}

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO vector_stores(
		   vector_store_id, name, session_id, provider, provider_metadata,
		   is_protected, is_active, created_at, expires_at, updated_at,
		   document_count, rollover_from)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		successor.ID,
		nullString(successor.Name),
		nullString(successor.SessionID),
		successor.Provider,
		successor.ProviderMetadata,
		boolToInt(successor.IsProtected),
		boolToInt(successor.IsActive),
		successor.CreatedAt,
		nullInt64(successor.ExpiresAt),
		successor.UpdatedAt,
		successor.DocumentCount,
		nullString(successor.RolloverFrom),
	)
	if err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *SQLiteStore) ListExpiredVectorStores(ctx context.Context, now int64, limit int) ([]model.VectorStoreRecord, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 64
	}
	rows, err := db.QueryContext(
		ctx,
		selectVectorStore+`
		 WHERE is_active = 1 AND is_protected = 0
		   AND expires_at IS NOT NULL AND expires_at < ?
		 ORDER BY expires_at LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanVectorStores(rows)
}

func (s *SQLiteStore) ListVectorStores(ctx context.Context, limit int) ([]model.VectorStoreRecord, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 200
	}
	rows, err := db.QueryContext(ctx, selectVectorStore+` ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanVectorStores(rows)
}

// DeleteVectorStore removes the record if it still matches prevUpdated.
func (s *SQLiteStore) DeleteVectorStore(ctx context.Context, id string, prevUpdated int64) (bool, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return false, err
	}
	res, err := db.ExecContext(
		ctx,
		`DELETE FROM vector_stores WHERE vector_store_id = ? AND updated_at = ?`,
		id, prevUpdated,
	)
	if err != nil {
		return false, err
	}
	return oneRow(res)
}

// --- dedup entries and upload claims ---

func (s *SQLiteStore) GetDedupEntry(ctx context.Context, print string) (model.DedupEntry, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return model.DedupEntry{}, err
	}
	var entry model.DedupEntry
	row := db.QueryRowContext(
		ctx,
		`SELECT fingerprint, remote_ref, vector_store_id, size_bytes, checksum, uploaded_at, ref_count
		 FROM dedup_entries WHERE fingerprint = ?`,
		print,
	)
	if err := row.Scan(
		&entry.Fingerprint,
		&entry.RemoteRef,
		&entry.StoreID,
		&entry.SizeBytes,
		&entry.Checksum,
		&entry.UploadedAt,
		&entry.RefCount,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.DedupEntry{}, ErrNotFound
		}
		return model.DedupEntry{}, err
	}
	return entry, nil
}

// PutDedupEntry writes an entry with last-writer-wins semantics: a
// concurrent duplicate upload (stale-claim reclaim) overwrites the content
// fields but the reuse counter survives.
func (s *SQLiteStore) PutDedupEntry(ctx context.Context, entry model.DedupEntry) error {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(
		ctx,
		`INSERT INTO dedup_entries(fingerprint, remote_ref, vector_store_id, size_bytes, checksum, uploaded_at, ref_count)
		 VALUES(?, ?, ?, ?, ?, ?, 1)
		 ON CONFLICT(fingerprint) DO UPDATE SET
		   remote_ref=excluded.remote_ref,
		   vector_store_id=excluded.vector_store_id,
		   size_bytes=excluded.size_bytes,
		   checksum=excluded.checksum,
		   uploaded_at=excluded.uploaded_at`,
		entry.Fingerprint,
		entry.RemoteRef,
		entry.StoreID,
		entry.SizeBytes,
		entry.Checksum,
		entry.UploadedAt,
	)
	return err
}

func (s *SQLiteStore) IncrementDedupRefCount(ctx context.Context, print string) error {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(
		ctx,
		`UPDATE dedup_entries SET ref_count = ref_count + 1 WHERE fingerprint = ?`,
		print,
	)
	return err
}

func (s *SQLiteStore) DeleteDedupEntriesForStore(ctx context.Context, storeID string) (int64, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, `DELETE FROM dedup_entries WHERE vector_store_id = ?`, storeID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// TryInsertClaim atomically claims a fingerprint for claimant. Exactly one
// concurrent caller wins; everyone else gets false. INSERT OR IGNORE keeps
// this race-free without parsing driver constraint errors.
func (s *SQLiteStore) TryInsertClaim(ctx context.Context, print, claimant string, now int64) (bool, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return false, err
	}
	res, err := db.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO upload_claims(fingerprint, claimant, created_at) VALUES(?, ?, ?)`,
		print, claimant, now,
	)
	if err != nil {
		return false, err
	}
	return oneRow(res)
}

func (s *SQLiteStore) GetClaim(ctx context.Context, print string) (model.ClaimMarker, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return model.ClaimMarker{}, err
	}
	var claim model.ClaimMarker
	row := db.QueryRowContext(
		ctx,
		`SELECT fingerprint, claimant, created_at FROM upload_claims WHERE fingerprint = ?`,
		print,
	)
	if err := row.Scan(&claim.Fingerprint, &claim.Claimant, &claim.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ClaimMarker{}, ErrNotFound
		}
		return model.ClaimMarker{}, err
	}
	return claim, nil
}

// DeleteClaim releases a claim owned by claimant. Deleting a claim that is
// already gone is not an error (release is idempotent).
func (s *SQLiteStore) DeleteClaim(ctx context.Context, print, claimant string) error {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(
		ctx,
		`DELETE FROM upload_claims WHERE fingerprint = ? AND claimant = ?`,
		print, claimant,
	)
	return err
}

// DeleteStaleClaim removes a claim only if it was created at or before
// staleBefore, so a reclaim never clobbers a fresh claim that a third
// process installed in the meantime.
func (s *SQLiteStore) DeleteStaleClaim(ctx context.Context, print string, staleBefore int64) (bool, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return false, err
	}
	res, err := db.ExecContext(
		ctx,
		`DELETE FROM upload_claims WHERE fingerprint = ? AND created_at <= ?`,
		print, staleBefore,
	)
	if err != nil {
		return false, err
	}
	return oneRow(res)
}

// --- sessions ---

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (model.SessionRecord, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return model.SessionRecord{}, err
	}
	var (
		rec     model.SessionRecord
		rawList string
	)
	row := db.QueryRowContext(
		ctx,
		`SELECT session_id, provider, continuation, inline_list, created_at, updated_at, expires_at
		 FROM sessions WHERE session_id = ?`,
		sessionID,
	)
	if err := row.Scan(
		&rec.SessionID,
		&rec.Provider,
		&rec.Continuation,
		&rawList,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.ExpiresAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.SessionRecord{}, ErrNotFound
		}
		return model.SessionRecord{}, err
	}
	if rawList != "" {
		if err := json.Unmarshal([]byte(rawList), &rec.InlineList); err != nil {
			return model.SessionRecord{}, fmt.Errorf("session %s: decode inline list: %w", sessionID, err)
		}
	}
	return rec, nil
}

func (s *SQLiteStore) PutSession(ctx context.Context, rec model.SessionRecord) error {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return err
	}
	rawList, err := json.Marshal(rec.InlineList)
	if err != nil {
		return fmt.Errorf("session %s: encode inline list: %w", rec.SessionID, err)
	}
	_, err = db.ExecContext(
		ctx,
		`INSERT INTO sessions(session_id, provider, continuation, inline_list, created_at, updated_at, expires_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   provider=excluded.provider,
		   continuation=excluded.continuation,
		   inline_list=excluded.inline_list,
		   updated_at=excluded.updated_at,
		   expires_at=excluded.expires_at`,
		rec.SessionID,
		rec.Provider,
		rec.Continuation,
		string(rawList),
		rec.CreatedAt,
		rec.UpdatedAt,
		rec.ExpiresAt,
	)
	return err
}

func (s *SQLiteStore) TouchSession(ctx context.Context, sessionID string, updatedAt, expiresAt int64) (bool, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return false, err
	}
	res, err := db.ExecContext(
		ctx,
		`UPDATE sessions SET updated_at = ?, expires_at = ? WHERE session_id = ?`,
		updatedAt, expiresAt, sessionID,
	)
	if err != nil {
		return false, err
	}
	return oneRow(res)
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	return err
}

// DeleteExpiredSessions purges at most limit sessions past their expiry.
// The bound keeps opportunistic cleanup from turning into a full-table
// scan on the caller's request path.
func (s *SQLiteStore) DeleteExpiredSessions(ctx context.Context, now int64, limit int) (int64, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return 0, err
	}
	if limit <= 0 {
		limit = 256
	}
	res, err := db.ExecContext(
		ctx,
		`DELETE FROM sessions WHERE session_id IN (
		   SELECT session_id FROM sessions WHERE expires_at < ? LIMIT ?)`,
		now, limit,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) CountSessions(ctx context.Context) (int64, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// --- scanning helpers ---

const selectVectorStore = `SELECT vector_store_id, name, session_id, provider, provider_metadata,
  is_protected, is_active, created_at, expires_at, updated_at, document_count, rollover_from
FROM vector_stores`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVectorStore(row rowScanner) (model.VectorStoreRecord, error) {
	var (
		rec       model.VectorStoreRecord
		name      sql.NullString
		sessionID sql.NullString
		meta      sql.NullString
		expires   sql.NullInt64
		rollover  sql.NullString
		protected int
		active    int
	)
	if err := row.Scan(
		&rec.ID,
		&name,
		&sessionID,
		&rec.Provider,
		&meta,
		&protected,
		&active,
		&rec.CreatedAt,
		&expires,
		&rec.UpdatedAt,
		&rec.DocumentCount,
		&rollover,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.VectorStoreRecord{}, ErrNotFound
		}
		return model.VectorStoreRecord{}, err
	}
	rec.Name = name.String
	rec.SessionID = sessionID.String
	rec.ProviderMetadata = meta.String
	rec.ExpiresAt = expires.Int64
	rec.RolloverFrom = rollover.String
	rec.IsProtected = protected == 1
	rec.IsActive = active == 1
	return rec, nil
}

func scanVectorStores(rows *sql.Rows) ([]model.VectorStoreRecord, error) {
	out := make([]model.VectorStoreRecord, 0, 16)
	for rows.Next() {
		rec, err := scanVectorStore(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func oneRow(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullString(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullInt64(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
