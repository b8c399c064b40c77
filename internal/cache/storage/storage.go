package storage

import (
	"context"
	"errors"
	"time"
)

// ErrBusy reports that a lock attempt on the store timed out because another
// writer held the row or database. It is transient: callers either drop the
// operation (visited marking) or retry at their next trigger (eviction).
var ErrBusy = errors.New("storage busy")

// Entry is one cached row.
//
// ID is assigned by the store on first insert, is strictly increasing across
// inserts, and never changes afterwards; it defines the total scan order used
// by eviction. Recency is expressed only through Visited, never by moving
// rows.
type Entry struct {
	ID        int64
	Key       string
	Payload   []byte
	Visited   bool
	CreatedAt time.Time
}

// Item is a key/payload pair for batched writes.
type Item struct {
	Key     string
	Payload []byte
}

// Store is the ordered entry store consumed by the cache facade, the
// eviction coordinator, and the capacity monitor.
//
// Implementations must guarantee strictly increasing unique ids on insert,
// atomic conditional updates, and transactional grouping of the calls made
// inside EvictionStep.
type Store interface {
	Close() error

	Get(ctx context.Context, key string) (Entry, bool, error)
	GetMany(ctx context.Context, keys []string) ([]Entry, error)
	Upsert(ctx context.Context, key string, payload []byte) (Entry, error)
	UpsertMany(ctx context.Context, items []Item) error
	DeleteKey(ctx context.Context, key string) (bool, error)
	DeleteKeys(ctx context.Context, keys []string) (int, error)

	// DeleteIDs removes entries by id. Ids already removed by a concurrent
	// eviction simply do not match; that is a no-op, not an error.
	DeleteIDs(ctx context.Context, ids []int64) (int, error)

	// MarkVisited sets visited=true only if it is currently false. It uses a
	// short lock timeout and returns ErrBusy instead of waiting when the row
	// or database is contended.
	MarkVisited(ctx context.Context, id int64) error

	Count(ctx context.Context) (int64, error)

	// OldestCreatedBefore returns up to limit entry ids created before
	// cutoff, ordered by id ascending. It feeds age-based expiry sampling.
	OldestCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]int64, error)

	// EvictionStep runs fn inside a single write transaction so one
	// scan-and-evict step commits or rolls back as a unit. Contention is
	// reported as ErrBusy without queuing.
	EvictionStep(ctx context.Context, fn func(EvictionTx) error) error
}

// EvictionTx exposes the per-step operations available inside an
// EvictionStep transaction.
type EvictionTx interface {
	// ClaimHand atomically claims and clears the current hand entry. It
	// reports false when no hand is held, when another step claimed it
	// first, or when the hand points at a since-deleted entry.
	ClaimHand() (Entry, bool, error)

	// SetHand points the hand at id, replacing any prior hand.
	SetHand(id int64) error

	// RangeScan returns up to limit entries with id >= fromID in ascending
	// id order, optionally restricted to unvisited entries.
	RangeScan(fromID int64, limit int, unvisitedOnly bool) ([]Entry, error)

	// LastID returns the highest entry id, or false when the store is empty.
	LastID() (int64, bool, error)

	// ClearVisitedRange flips visited from true to false for every entry
	// with fromID <= id <= toID and returns how many rows changed.
	ClearVisitedRange(fromID, toID int64) (int64, error)

	// DeleteEntry removes the entry with id and reports whether a row was
	// actually deleted.
	DeleteEntry(id int64) (bool, error)
}
