// Package monitor decides when and how many cache entries to evict.
//
// Capacity checks run on a periodic ticker and, optionally, on a sampled
// fraction of writes so counting overhead stays bounded. An independent
// age-based expiry path oversamples the oldest entries and randomly
// subsamples the deletions; concurrent monitor processes drawing from the
// same oversized window diverge statistically, which keeps their work from
// overlapping. This path never touches the hand or visited state.
package monitor

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// EntryStore is the slice of the entry store the monitor consumes.
type EntryStore interface {
	Count(ctx context.Context) (int64, error)
	OldestCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]int64, error)
	DeleteIDs(ctx context.Context, ids []int64) (int, error)
}

// Evictor requests SIEVE evictions.
type Evictor interface {
	Evict(ctx context.Context, n int) (int, error)
}

// Config controls trigger cadence and eviction sizing.
type Config struct {
	// MaxEntries is the capacity ceiling; a check requests count-MaxEntries
	// evictions whenever the count exceeds it.
	MaxEntries int
	// MaxAge enables age-based expiry when positive.
	MaxAge time.Duration
	// MaxEvictionBatch caps evictions requested per trigger.
	MaxEvictionBatch int
	// TriggerSamplingRate is the fraction of observed writes that trigger a
	// check. Zero disables write-sampled triggers.
	TriggerSamplingRate float64
	// PollInterval is the periodic check cadence.
	PollInterval time.Duration
	// OversampleFactor sizes the age-expiry candidate window as a multiple
	// of MaxEvictionBatch.
	OversampleFactor int
	// Seed seeds the sampling RNG; zero uses the current time.
	Seed int64
}

const (
	defaultMaxEntries       = 10000
	defaultMaxEvictionBatch = 64
	defaultPollInterval     = 30 * time.Second
	defaultOversample       = 4
)

func (c Config) normalized() Config {
	if c.MaxEntries <= 0 {
		c.MaxEntries = defaultMaxEntries
	}
	if c.MaxEvictionBatch <= 0 {
		c.MaxEvictionBatch = defaultMaxEvictionBatch
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.OversampleFactor <= 0 {
		c.OversampleFactor = defaultOversample
	}
	if c.TriggerSamplingRate < 0 {
		c.TriggerSamplingRate = 0
	}
	if c.TriggerSamplingRate > 1 {
		c.TriggerSamplingRate = 1
	}
	return c
}

// Monitor samples the store size and drives the eviction coordinator.
type Monitor struct {
	store   EntryStore
	evictor Evictor
	cfg     Config
	logf    func(string, ...any)

	rngMu sync.Mutex
	rng   *rand.Rand

	inFlight atomic.Bool
}

// New creates a Monitor. A nil logf defaults to log.Printf.
func New(store EntryStore, evictor Evictor, cfg Config, logf func(string, ...any)) *Monitor {
	if logf == nil {
		logf = log.Printf
	}
	cfg = cfg.normalized()
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Monitor{
		store:   store,
		evictor: evictor,
		cfg:     cfg,
		logf:    logf,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Run checks once immediately and then on every poll tick until ctx is done.
// Check failures are logged and retried at the next tick; they never stop
// the loop.
func (m *Monitor) Run(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("monitor is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if err := m.CheckOnce(ctx); err != nil {
		m.logf("capacity check failed: %v", err)
	}

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.CheckOnce(ctx); err != nil {
				m.logf("capacity check failed: %v", err)
			}
		}
	}
}

// ObserveWrite triggers a background capacity check for a sampled fraction
// of writes. It never blocks the caller: the draw is a single RNG read, at
// most one sampled check runs at a time, and the check itself runs on its
// own goroutine.
func (m *Monitor) ObserveWrite() {
	if m == nil || m.cfg.TriggerSamplingRate <= 0 {
		return
	}
	m.rngMu.Lock()
	hit := m.rng.Float64() < m.cfg.TriggerSamplingRate
	m.rngMu.Unlock()
	if !hit {
		return
	}
	if !m.inFlight.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer m.inFlight.Store(false)
		// Detached from the write's context: the write already returned.
		if err := m.CheckOnce(context.Background()); err != nil {
			m.logf("sampled capacity check failed: %v", err)
		}
	}()
}

// CheckOnce reads the entry count and requests exactly count-MaxEntries
// evictions (capped at MaxEvictionBatch) when over capacity, then runs the
// age-expiry path when enabled.
func (m *Monitor) CheckOnce(ctx context.Context) error {
	if m == nil || m.store == nil {
		return fmt.Errorf("entry store is required")
	}

	count, err := m.store.Count(ctx)
	if err != nil {
		return fmt.Errorf("count cache entries: %w", err)
	}

	if count > int64(m.cfg.MaxEntries) && m.evictor != nil {
		needed := count - int64(m.cfg.MaxEntries)
		if needed > int64(m.cfg.MaxEvictionBatch) {
			needed = int64(m.cfg.MaxEvictionBatch)
		}
		if _, err := m.evictor.Evict(ctx, int(needed)); err != nil {
			return fmt.Errorf("evict %d entries: %w", needed, err)
		}
	}

	if m.cfg.MaxAge > 0 {
		if err := m.expireAged(ctx); err != nil {
			return err
		}
	}
	return nil
}

// expireAged deletes a random subsample of the oldest over-age entries.
func (m *Monitor) expireAged(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-m.cfg.MaxAge)
	window := m.cfg.OversampleFactor * m.cfg.MaxEvictionBatch
	ids, err := m.store.OldestCreatedBefore(ctx, cutoff, window)
	if err != nil {
		return fmt.Errorf("list aged entries: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}
	if len(ids) > m.cfg.MaxEvictionBatch {
		m.rngMu.Lock()
		m.rng.Shuffle(len(ids), func(i, j int) {
			ids[i], ids[j] = ids[j], ids[i]
		})
		m.rngMu.Unlock()
		ids = ids[:m.cfg.MaxEvictionBatch]
	}
	if _, err := m.store.DeleteIDs(ctx, ids); err != nil {
		return fmt.Errorf("delete aged entries: %w", err)
	}
	return nil
}
