package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/louisbranch/sievecache/internal/cache/storage"
)

// MarkVisited flips visited to true only when it is currently false. The
// dominant case for hot entries is that the flag is already set, which makes
// this a zero-row update. Contention maps to storage.ErrBusy; the caller is
// expected to drop the mark rather than wait.
func (s *Store) MarkVisited(ctx context.Context, id int64) error {
	if s == nil || s.lockDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if id <= 0 {
		return fmt.Errorf("entry id is required")
	}
	if _, err := s.lockDB.ExecContext(
		ctx,
		`UPDATE cache_entries SET visited = 1 WHERE id = ? AND visited = 0`,
		id,
	); err != nil {
		if isSQLiteBusyError(err) {
			return storage.ErrBusy
		}
		return fmt.Errorf("mark cache entry visited: %w", err)
	}
	return nil
}

// EvictionStep runs fn inside one immediate write transaction over the
// short-timeout handle. Either every mutation made by fn commits or none
// does, so a failed step leaves no dangling hand and no partially cleared
// visited range. A lock timeout anywhere in the step surfaces as
// storage.ErrBusy.
func (s *Store) EvictionStep(ctx context.Context, fn func(storage.EvictionTx) error) error {
	if s == nil || s.lockDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if fn == nil {
		return fmt.Errorf("eviction step callback is required")
	}

	tx, err := s.lockDB.BeginTx(ctx, nil)
	if err != nil {
		if isSQLiteBusyError(err) {
			return storage.ErrBusy
		}
		return fmt.Errorf("begin eviction step tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&evictionTx{ctx: ctx, tx: tx}); err != nil {
		if isSQLiteBusyError(err) {
			return storage.ErrBusy
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		if isSQLiteBusyError(err) {
			return storage.ErrBusy
		}
		return fmt.Errorf("commit eviction step tx: %w", err)
	}
	return nil
}

type evictionTx struct {
	ctx context.Context
	tx  *sql.Tx
}

// ClaimHand claims and clears the hand slot. The clear is a conditional
// update observed through RowsAffected, so two concurrent steps can never
// both resume from the same claimed hand.
func (t *evictionTx) ClaimHand() (storage.Entry, bool, error) {
	var entryID sql.NullInt64
	err := t.tx.QueryRowContext(t.ctx, `SELECT entry_id FROM sieve_hand WHERE slot = 1`).Scan(&entryID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Entry{}, false, nil
		}
		return storage.Entry{}, false, fmt.Errorf("read hand slot: %w", err)
	}
	if !entryID.Valid {
		return storage.Entry{}, false, nil
	}

	result, err := t.tx.ExecContext(
		t.ctx,
		`UPDATE sieve_hand SET entry_id = NULL WHERE slot = 1 AND entry_id = ?`,
		entryID.Int64,
	)
	if err != nil {
		return storage.Entry{}, false, fmt.Errorf("claim hand slot: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storage.Entry{}, false, fmt.Errorf("claim hand slot rows affected: %w", err)
	}
	if affected == 0 {
		return storage.Entry{}, false, nil
	}

	row := t.tx.QueryRowContext(
		t.ctx,
		`SELECT id, cache_key, payload, visited, created_at
		 FROM cache_entries
		 WHERE id = ?`,
		entryID.Int64,
	)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Stale hand at a since-deleted entry; treat as none held.
			return storage.Entry{}, false, nil
		}
		return storage.Entry{}, false, fmt.Errorf("load hand entry: %w", err)
	}
	return entry, true, nil
}

// SetHand points the single hand slot at id, replacing any prior hand.
func (t *evictionTx) SetHand(id int64) error {
	if id <= 0 {
		return fmt.Errorf("entry id is required")
	}
	if _, err := t.tx.ExecContext(
		t.ctx,
		`INSERT INTO sieve_hand (slot, entry_id) VALUES (1, ?)
		 ON CONFLICT(slot) DO UPDATE SET entry_id = excluded.entry_id`,
		id,
	); err != nil {
		return fmt.Errorf("set hand slot: %w", err)
	}
	return nil
}

// RangeScan returns up to limit entries with id >= fromID in ascending order.
func (t *evictionTx) RangeScan(fromID int64, limit int, unvisitedOnly bool) ([]storage.Entry, error) {
	if limit <= 0 {
		return []storage.Entry{}, nil
	}
	query := `SELECT id, cache_key, payload, visited, created_at
	 FROM cache_entries
	 WHERE id >= ?`
	if unvisitedOnly {
		query += ` AND visited = 0`
	}
	query += ` ORDER BY id ASC LIMIT ?`

	rows, err := t.tx.QueryContext(t.ctx, query, fromID, limit)
	if err != nil {
		return nil, fmt.Errorf("range scan cache entries: %w", err)
	}
	defer rows.Close()

	entries := make([]storage.Entry, 0, limit)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan range entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate range entries: %w", err)
	}
	return entries, nil
}

// LastID returns the highest entry id, or false when the store is empty.
func (t *evictionTx) LastID() (int64, bool, error) {
	var id int64
	err := t.tx.QueryRowContext(t.ctx, `SELECT id FROM cache_entries ORDER BY id DESC LIMIT 1`).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("read last entry id: %w", err)
	}
	return id, true, nil
}

// ClearVisitedRange flips visited from true to false over [fromID, toID].
func (t *evictionTx) ClearVisitedRange(fromID, toID int64) (int64, error) {
	result, err := t.tx.ExecContext(
		t.ctx,
		`UPDATE cache_entries SET visited = 0 WHERE id >= ? AND id <= ? AND visited = 1`,
		fromID,
		toID,
	)
	if err != nil {
		return 0, fmt.Errorf("clear visited range: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear visited range rows affected: %w", err)
	}
	return affected, nil
}

// DeleteEntry removes one entry by id. A row already removed by a winning
// concurrent step simply fails to match.
func (t *evictionTx) DeleteEntry(id int64) (bool, error) {
	result, err := t.tx.ExecContext(t.ctx, `DELETE FROM cache_entries WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete cache entry by id: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete cache entry rows affected: %w", err)
	}
	return affected == 1, nil
}

var _ storage.EvictionTx = (*evictionTx)(nil)
