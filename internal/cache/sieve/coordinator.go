// Package sieve implements the scan-and-evict step of the SIEVE eviction
// policy over a persistent ordered entry store.
//
// The hand is a persisted cursor over the monotonic id space, not a linked
// list node: wrap-around is an ordered index scan restarting at the smallest
// id, and hand hand-off between steps is an atomic claim-and-clear of a
// single slot. Any number of coordinators may run concurrently; a
// coordinator that loses the hand race falls back to the smallest id, and
// deletes are keyed by id so an overlap never double-removes a row.
package sieve

import (
	"context"
	"fmt"

	"github.com/louisbranch/sievecache/internal/cache/storage"
)

// Coordinator runs SIEVE eviction steps against the entry store.
type Coordinator struct {
	store storage.Store
}

// New creates a Coordinator over the given entry store.
func New(store storage.Store) *Coordinator {
	return &Coordinator{store: store}
}

// Evict removes up to n entries, one transactional step each. It returns how
// many entries were actually evicted; the count falls short of n when the
// store empties or a step fails. Step failures (including storage.ErrBusy
// contention) abort the batch and are reported transient so the caller
// retries at its next trigger rather than immediately.
func (c *Coordinator) Evict(ctx context.Context, n int) (int, error) {
	if c == nil || c.store == nil {
		return 0, fmt.Errorf("entry store is required")
	}
	evicted := 0
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return evicted, err
		}
		removed, err := c.evictOne(ctx)
		if err != nil {
			return evicted, fmt.Errorf("eviction step: %w", err)
		}
		if !removed {
			break
		}
		evicted++
	}
	return evicted, nil
}

// evictOne performs one scan-and-evict step. It reports false without error
// when the store is empty.
func (c *Coordinator) evictOne(ctx context.Context) (bool, error) {
	removed := false
	err := c.store.EvictionStep(ctx, func(tx storage.EvictionTx) error {
		hand, held, err := tx.ClaimHand()
		if err != nil {
			return err
		}
		if !held {
			// No hand, a lost race, or a stale pointer: resume from the
			// smallest id.
			first, ok, err := firstEntry(tx)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			hand = first
		}

		victim, ok, err := selectVictim(tx, hand)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		next, ok, err := nextID(tx, victim.ID)
		if err != nil {
			return err
		}
		if ok {
			if err := tx.SetHand(next); err != nil {
				return err
			}
		}
		if _, err := tx.DeleteEntry(victim.ID); err != nil {
			return err
		}
		removed = true
		return nil
	})
	return removed, err
}

// selectVictim finds the first unvisited entry at or after the hand,
// clearing visited flags over every range it skips so each entry gets
// exactly one second chance per pass. When the forward scan exhausts the id
// space it wraps to the smallest id; after the wrap clear an unvisited entry
// must exist unless the store emptied concurrently, which reports ok=false.
func selectVictim(tx storage.EvictionTx, hand storage.Entry) (storage.Entry, bool, error) {
	if !hand.Visited {
		return hand, true, nil
	}

	candidates, err := tx.RangeScan(hand.ID, 1, true)
	if err != nil {
		return storage.Entry{}, false, err
	}
	if len(candidates) > 0 {
		victim := candidates[0]
		if _, err := tx.ClearVisitedRange(hand.ID, victim.ID); err != nil {
			return storage.Entry{}, false, err
		}
		return victim, true, nil
	}

	last, ok, err := tx.LastID()
	if err != nil {
		return storage.Entry{}, false, err
	}
	if ok {
		if _, err := tx.ClearVisitedRange(hand.ID, last); err != nil {
			return storage.Entry{}, false, err
		}
	}

	candidates, err = tx.RangeScan(0, 1, true)
	if err != nil {
		return storage.Entry{}, false, err
	}
	if len(candidates) == 0 {
		return storage.Entry{}, false, nil
	}
	victim := candidates[0]
	if _, err := tx.ClearVisitedRange(0, victim.ID); err != nil {
		return storage.Entry{}, false, err
	}
	return victim, true, nil
}

func firstEntry(tx storage.EvictionTx) (storage.Entry, bool, error) {
	entries, err := tx.RangeScan(0, 1, false)
	if err != nil {
		return storage.Entry{}, false, err
	}
	if len(entries) == 0 {
		return storage.Entry{}, false, nil
	}
	return entries[0], true, nil
}

func nextID(tx storage.EvictionTx, afterID int64) (int64, bool, error) {
	entries, err := tx.RangeScan(afterID+1, 1, false)
	if err != nil {
		return 0, false, err
	}
	if len(entries) == 0 {
		return 0, false, nil
	}
	return entries[0].ID, true, nil
}
