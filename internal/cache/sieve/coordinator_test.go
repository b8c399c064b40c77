package sieve

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/louisbranch/sievecache/internal/cache/storage"
	cachesqlite "github.com/louisbranch/sievecache/internal/cache/storage/sqlite"
	_ "modernc.org/sqlite"
)

// fixture opens a store plus a raw handle for seeding and inspecting rows.
type fixture struct {
	store *cachesqlite.Store
	raw   *sql.DB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")
	store, err := cachesqlite.Open(path, cachesqlite.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})

	raw, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	t.Cleanup(func() {
		_ = raw.Close()
	})
	return &fixture{store: store, raw: raw}
}

// seed inserts count entries (ids 1..count) and applies the visited flags,
// true meaning the entry was accessed since the last sweep.
func (f *fixture) seed(t *testing.T, visited []bool) {
	t.Helper()
	ctx := context.Background()
	for i := range visited {
		if _, err := f.store.Upsert(ctx, fmt.Sprintf("key-%d", i+1), []byte("v")); err != nil {
			t.Fatalf("seed upsert: %v", err)
		}
	}
	for i, flag := range visited {
		if !flag {
			continue
		}
		if err := f.store.MarkVisited(ctx, int64(i+1)); err != nil {
			t.Fatalf("seed mark visited: %v", err)
		}
	}
}

func (f *fixture) setHand(t *testing.T, id int64) {
	t.Helper()
	if _, err := f.raw.Exec(
		`INSERT INTO sieve_hand (slot, entry_id) VALUES (1, ?)
		 ON CONFLICT(slot) DO UPDATE SET entry_id = excluded.entry_id`, id,
	); err != nil {
		t.Fatalf("set hand: %v", err)
	}
}

func (f *fixture) hand(t *testing.T) (int64, bool) {
	t.Helper()
	var entryID sql.NullInt64
	err := f.raw.QueryRow(`SELECT entry_id FROM sieve_hand WHERE slot = 1`).Scan(&entryID)
	if err == sql.ErrNoRows {
		return 0, false
	}
	if err != nil {
		t.Fatalf("read hand: %v", err)
	}
	if !entryID.Valid {
		return 0, false
	}
	return entryID.Int64, true
}

// state returns the remaining ids mapped to their visited flag.
func (f *fixture) state(t *testing.T) map[int64]bool {
	t.Helper()
	rows, err := f.raw.Query(`SELECT id, visited FROM cache_entries ORDER BY id`)
	if err != nil {
		t.Fatalf("read entries: %v", err)
	}
	defer rows.Close()

	state := make(map[int64]bool)
	for rows.Next() {
		var id, visited int64
		if err := rows.Scan(&id, &visited); err != nil {
			t.Fatalf("scan entry: %v", err)
		}
		state[id] = visited != 0
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("iterate entries: %v", err)
	}
	return state
}

func TestEvictAllUnvisitedNoHand(t *testing.T) {
	f := newFixture(t)
	f.seed(t, []bool{false, false, false, false, false})

	coordinator := New(f.store)
	evicted, err := coordinator.Evict(context.Background(), 1)
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if evicted != 1 {
		t.Fatalf("expected 1 eviction, got %d", evicted)
	}

	state := f.state(t)
	if _, alive := state[1]; alive {
		t.Fatal("expected id 1 to be evicted")
	}
	if len(state) != 4 {
		t.Fatalf("expected 4 surviving entries, got %d", len(state))
	}
	hand, set := f.hand(t)
	if !set || hand != 2 {
		t.Fatalf("expected hand at id 2, set=%v id=%d", set, hand)
	}
}

func TestEvictUnvisitedHandIsImmediateVictim(t *testing.T) {
	f := newFixture(t)
	f.seed(t, []bool{true, true, true, false, false})
	f.setHand(t, 4)

	coordinator := New(f.store)
	evicted, err := coordinator.Evict(context.Background(), 1)
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if evicted != 1 {
		t.Fatalf("expected 1 eviction, got %d", evicted)
	}

	state := f.state(t)
	if _, alive := state[4]; alive {
		t.Fatal("expected id 4 to be evicted")
	}
	// No range clear happens on an immediate victim.
	for _, id := range []int64{1, 2, 3} {
		if !state[id] {
			t.Fatalf("expected id %d to stay visited", id)
		}
	}
	hand, set := f.hand(t)
	if !set || hand != 5 {
		t.Fatalf("expected hand at id 5, set=%v id=%d", set, hand)
	}
}

func TestEvictAllVisitedWrapsAndClears(t *testing.T) {
	f := newFixture(t)
	f.seed(t, []bool{true, true, true, true, true})
	f.setHand(t, 3)

	coordinator := New(f.store)
	evicted, err := coordinator.Evict(context.Background(), 1)
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if evicted != 1 {
		t.Fatalf("expected 1 eviction, got %d", evicted)
	}

	// Forward scan 3..5 finds nothing, the wrap clears [3,5], the restart
	// finds id 3 first, and the final clear covers [1,3].
	state := f.state(t)
	if _, alive := state[3]; alive {
		t.Fatal("expected id 3 to be evicted")
	}
	for _, id := range []int64{1, 2, 4, 5} {
		if state[id] {
			t.Fatalf("expected id %d to be cleared by the pass", id)
		}
	}
	hand, set := f.hand(t)
	if !set || hand != 4 {
		t.Fatalf("expected hand at id 4, set=%v id=%d", set, hand)
	}
}

func TestEvictEmptyStoreIsNoop(t *testing.T) {
	f := newFixture(t)

	coordinator := New(f.store)
	evicted, err := coordinator.Evict(context.Background(), 3)
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if evicted != 0 {
		t.Fatalf("expected no evictions on empty store, got %d", evicted)
	}
}

func TestEvictSingleVisitedEntry(t *testing.T) {
	f := newFixture(t)
	f.seed(t, []bool{true})
	f.setHand(t, 1)

	coordinator := New(f.store)
	evicted, err := coordinator.Evict(context.Background(), 1)
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if evicted != 1 {
		t.Fatalf("expected the sole entry to be evicted, got %d", evicted)
	}
	if len(f.state(t)) != 0 {
		t.Fatal("expected empty store")
	}
	if _, set := f.hand(t); set {
		t.Fatal("expected hand to stay unset after the last entry")
	}
}

func TestEvictBatchDrainsInInsertionOrderWhenUnvisited(t *testing.T) {
	f := newFixture(t)
	f.seed(t, []bool{false, false, false, false, false})

	coordinator := New(f.store)
	evicted, err := coordinator.Evict(context.Background(), 3)
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if evicted != 3 {
		t.Fatalf("expected 3 evictions, got %d", evicted)
	}

	state := f.state(t)
	for _, id := range []int64{1, 2, 3} {
		if _, alive := state[id]; alive {
			t.Fatalf("expected id %d to be evicted", id)
		}
	}
	for _, id := range []int64{4, 5} {
		if _, alive := state[id]; !alive {
			t.Fatalf("expected id %d to survive", id)
		}
	}
}

func TestEvictBatchStopsWhenStoreEmpties(t *testing.T) {
	f := newFixture(t)
	f.seed(t, []bool{false, false})

	coordinator := New(f.store)
	evicted, err := coordinator.Evict(context.Background(), 10)
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if evicted != 2 {
		t.Fatalf("expected 2 evictions, got %d", evicted)
	}
}

func TestVisitedEntrySurvivesOnePassThenEvicts(t *testing.T) {
	f := newFixture(t)
	f.seed(t, []bool{true, false})

	coordinator := New(f.store)

	// First step: id 1 is visited, so id 2 is the victim and the skip over
	// id 1 consumes its second chance.
	evicted, err := coordinator.Evict(context.Background(), 1)
	if err != nil {
		t.Fatalf("first evict: %v", err)
	}
	if evicted != 1 {
		t.Fatalf("expected 1 eviction, got %d", evicted)
	}
	state := f.state(t)
	if _, alive := state[2]; alive {
		t.Fatal("expected id 2 to be evicted first")
	}
	if state[1] {
		t.Fatal("expected id 1 to lose its visited flag after being skipped")
	}

	// Second step: id 1 no longer has a second chance.
	evicted, err = coordinator.Evict(context.Background(), 1)
	if err != nil {
		t.Fatalf("second evict: %v", err)
	}
	if evicted != 1 {
		t.Fatalf("expected 1 eviction, got %d", evicted)
	}
	if len(f.state(t)) != 0 {
		t.Fatal("expected empty store")
	}
}

func TestSelfHealingAfterHandCorruption(t *testing.T) {
	f := newFixture(t)
	f.seed(t, []bool{false, false, false})

	// Point the hand at an id that was never inserted.
	f.setHand(t, 999)

	coordinator := New(f.store)
	evicted, err := coordinator.Evict(context.Background(), 1)
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if evicted != 1 {
		t.Fatalf("expected a stale hand to fall back to the smallest id, got %d evictions", evicted)
	}
	state := f.state(t)
	if _, alive := state[1]; alive {
		t.Fatal("expected id 1 to be evicted after fallback")
	}
}

func TestConcurrentCoordinatorsNeverDoubleEvict(t *testing.T) {
	f := newFixture(t)
	const total = 20
	visited := make([]bool, total)
	f.seed(t, visited)

	const perWorker = 5
	var wg sync.WaitGroup
	evictedCounts := make([]int, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			coordinator := New(f.store)
			remaining := perWorker
			for remaining > 0 {
				n, err := coordinator.Evict(context.Background(), remaining)
				evictedCounts[worker] += n
				remaining -= n
				if err != nil {
					if errors.Is(err, storage.ErrBusy) {
						continue
					}
					errs[worker] = err
					return
				}
			}
		}(i)
	}
	wg.Wait()

	for worker, err := range errs {
		if err != nil {
			t.Fatalf("worker %d: %v", worker, err)
		}
	}

	count, err := f.store.Count(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	wantRemaining := int64(total - evictedCounts[0] - evictedCounts[1])
	if count != wantRemaining {
		t.Fatalf("expected %d remaining entries for %d reported evictions, got %d",
			wantRemaining, evictedCounts[0]+evictedCounts[1], count)
	}
	if count != total-2*perWorker {
		t.Fatalf("expected both workers to finish their quota, %d entries remain", count)
	}
}
