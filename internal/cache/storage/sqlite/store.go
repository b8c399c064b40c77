package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/sievecache/internal/cache/storage"
	sqlitemigrate "github.com/louisbranch/sievecache/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/sievecache/internal/cache/storage/sqlite/migrations"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// lockBusyTimeoutMillis caps how long eviction and visited-marking waits on a
// contended database before reporting storage.ErrBusy. SQLite has no native
// skip-locked rows, so a short lock timeout approximates them.
const lockBusyTimeoutMillis = 100

// Options tune store-level write policies.
type Options struct {
	// PreserveVisitedOnWrite keeps an existing row's visited flag when the
	// key is overwritten instead of resetting it to false.
	PreserveVisitedOnWrite bool
}

// Store provides SQLite-backed persistence for cache entries and the sieve
// hand cursor.
//
// Two handles share the file: sqlDB serves the read/write path with the
// regular busy timeout, lockDB serves eviction steps and visited marking
// with a short timeout and immediate transactions so lock contention fails
// fast instead of stalling.
type Store struct {
	sqlDB  *sql.DB
	lockDB *sql.DB
	opts   Options
}

// Open opens and migrates a cache SQLite store.
func Open(path string, opts Options) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	lockDSN := cleanPath + fmt.Sprintf("?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL&_txlock=immediate", lockBusyTimeoutMillis)
	lockDB, err := sql.Open("sqlite", lockDSN)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("open sqlite lock db: %w", err)
	}
	if err := lockDB.Ping(); err != nil {
		_ = sqlDB.Close()
		_ = lockDB.Close()
		return nil, fmt.Errorf("ping sqlite lock db: %w", err)
	}

	store := &Store{sqlDB: sqlDB, lockDB: lockDB, opts: opts}
	if err := store.runMigrations(); err != nil {
		_ = sqlDB.Close()
		_ = lockDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close releases both underlying SQLite connections.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	var firstErr error
	if s.lockDB != nil {
		if err := s.lockDB.Close(); err != nil {
			firstErr = err
		}
	}
	if s.sqlDB != nil {
		if err := s.sqlDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Get loads one entry by key.
func (s *Store) Get(ctx context.Context, key string) (storage.Entry, bool, error) {
	if s == nil || s.sqlDB == nil {
		return storage.Entry{}, false, fmt.Errorf("storage is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return storage.Entry{}, false, fmt.Errorf("cache key is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, cache_key, payload, visited, created_at
		 FROM cache_entries
		 WHERE cache_key = ?`,
		key,
	)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Entry{}, false, nil
		}
		return storage.Entry{}, false, fmt.Errorf("get cache entry: %w", err)
	}
	return entry, true, nil
}

// GetMany loads entries for the given keys. Missing keys are simply absent
// from the result.
func (s *Store) GetMany(ctx context.Context, keys []string) ([]storage.Entry, error) {
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	keys = normalizeKeys(keys)
	if len(keys) == 0 {
		return []storage.Entry{}, nil
	}

	query := `SELECT id, cache_key, payload, visited, created_at
	 FROM cache_entries
	 WHERE cache_key IN (` + placeholders(len(keys)) + `)
	 ORDER BY id ASC`
	rows, err := s.sqlDB.QueryContext(ctx, query, keyArgs(keys)...)
	if err != nil {
		return nil, fmt.Errorf("get cache entries: %w", err)
	}
	defer rows.Close()

	entries := make([]storage.Entry, 0, len(keys))
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cache entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cache entries: %w", err)
	}
	return entries, nil
}

// Upsert inserts or overwrites one entry and returns the stored row.
// Overwrites keep the original id; the visited flag resets to false unless
// the store was opened with PreserveVisitedOnWrite.
func (s *Store) Upsert(ctx context.Context, key string, payload []byte) (storage.Entry, error) {
	if s == nil || s.sqlDB == nil {
		return storage.Entry{}, fmt.Errorf("storage is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return storage.Entry{}, fmt.Errorf("cache key is required")
	}
	if len(payload) == 0 {
		return storage.Entry{}, fmt.Errorf("cache payload is required")
	}

	if _, err := s.sqlDB.ExecContext(ctx, s.upsertSQL(), key, payload, time.Now().UTC().UnixMilli()); err != nil {
		return storage.Entry{}, fmt.Errorf("upsert cache entry: %w", err)
	}

	entry, found, err := s.Get(ctx, key)
	if err != nil {
		return storage.Entry{}, err
	}
	if !found {
		// Only possible when a concurrent eviction removed the fresh row.
		return storage.Entry{}, fmt.Errorf("upserted cache entry %q not found", key)
	}
	return entry, nil
}

// UpsertMany writes all items inside one transaction.
func (s *Store) UpsertMany(ctx context.Context, items []storage.Item) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if len(items) == 0 {
		return nil
	}
	for _, item := range items {
		if strings.TrimSpace(item.Key) == "" {
			return fmt.Errorf("cache key is required")
		}
		if len(item.Payload) == 0 {
			return fmt.Errorf("cache payload is required for key %q", item.Key)
		}
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().UnixMilli()
	for _, item := range items {
		if _, err := tx.ExecContext(ctx, s.upsertSQL(), strings.TrimSpace(item.Key), item.Payload, now); err != nil {
			return fmt.Errorf("upsert cache entry %q: %w", item.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert tx: %w", err)
	}
	return nil
}

// DeleteKey removes one entry by key and reports whether a row was deleted.
func (s *Store) DeleteKey(ctx context.Context, key string) (bool, error) {
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return false, fmt.Errorf("cache key is required")
	}
	result, err := s.sqlDB.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("delete cache entry: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete cache entry rows affected: %w", err)
	}
	return affected == 1, nil
}

// DeleteKeys removes entries by key and returns how many rows were deleted.
func (s *Store) DeleteKeys(ctx context.Context, keys []string) (int, error) {
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	keys = normalizeKeys(keys)
	if len(keys) == 0 {
		return 0, nil
	}
	query := `DELETE FROM cache_entries WHERE cache_key IN (` + placeholders(len(keys)) + `)`
	result, err := s.sqlDB.ExecContext(ctx, query, keyArgs(keys)...)
	if err != nil {
		return 0, fmt.Errorf("delete cache entries: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete cache entries rows affected: %w", err)
	}
	return int(affected), nil
}

// DeleteIDs removes entries by id. Ids that no longer exist do not match and
// are counted as zero; concurrent eviction of the same id is therefore
// harmless.
func (s *Store) DeleteIDs(ctx context.Context, ids []int64) (int, error) {
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	query := `DELETE FROM cache_entries WHERE id IN (` + placeholders(len(ids)) + `)`
	result, err := s.sqlDB.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete cache entries by id: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete cache entries by id rows affected: %w", err)
	}
	return int(affected), nil
}

// Count returns the total number of entries.
func (s *Store) Count(ctx context.Context) (int64, error) {
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	var count int64
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count cache entries: %w", err)
	}
	return count, nil
}

// OldestCreatedBefore returns up to limit ids of entries created before
// cutoff, ordered by id ascending.
func (s *Store) OldestCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]int64, error) {
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return []int64{}, nil
	}
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id
		 FROM cache_entries
		 WHERE created_at < ?
		 ORDER BY id ASC
		 LIMIT ?`,
		cutoff.UTC().UnixMilli(),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list aged cache entries: %w", err)
	}
	defer rows.Close()

	ids := make([]int64, 0, limit)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan aged cache entry id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate aged cache entry ids: %w", err)
	}
	return ids, nil
}

func (s *Store) upsertSQL() string {
	if s.opts.PreserveVisitedOnWrite {
		return `INSERT INTO cache_entries (cache_key, payload, visited, created_at)
		 VALUES (?, ?, 0, ?)
		 ON CONFLICT(cache_key) DO UPDATE SET
		   payload = excluded.payload,
		   created_at = excluded.created_at`
	}
	return `INSERT INTO cache_entries (cache_key, payload, visited, created_at)
	 VALUES (?, ?, 0, ?)
	 ON CONFLICT(cache_key) DO UPDATE SET
	   payload = excluded.payload,
	   visited = 0,
	   created_at = excluded.created_at`
}

// runMigrations applies embedded SQL migrations in filename order.
func (s *Store) runMigrations() error {
	return sqlitemigrate.ApplyMigrations(s.sqlDB, migrations.FS)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (storage.Entry, error) {
	var entry storage.Entry
	var visited int64
	var createdAt int64
	if err := row.Scan(&entry.ID, &entry.Key, &entry.Payload, &visited, &createdAt); err != nil {
		return storage.Entry{}, err
	}
	entry.Visited = visited != 0
	entry.CreatedAt = fromMillis(createdAt)
	return entry, nil
}

func normalizeKeys(keys []string) []string {
	normalized := make([]string, 0, len(keys))
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		normalized = append(normalized, key)
	}
	return normalized
}

func keyArgs(keys []string) []any {
	args := make([]any, 0, len(keys))
	for _, key := range keys {
		args = append(args, key)
	}
	return args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func fromMillis(value int64) time.Time {
	if value <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(value).UTC()
}

func isSQLiteBusyError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}

var _ storage.Store = (*Store)(nil)
