// Package cache provides the key/value facade over the entry store.
//
// Reads and writes pass through to the store; a hit additionally hands the
// entry id to a background marker that sets the visited flag best-effort,
// off the read's critical path. The facade never reorders entries on
// access; recency is expressed only through the visited bit.
package cache

import (
	"context"
	"fmt"

	"github.com/louisbranch/sievecache/internal/cache/storage"
)

// WriteObserver is notified after successful writes so capacity checks can
// be sampled off the write path.
type WriteObserver interface {
	ObserveWrite()
}

// Config tunes facade behavior.
type Config struct {
	// MarkQueueSize bounds the visited-marker queue; marks beyond it are
	// dropped, which is always benign.
	MarkQueueSize int
}

const defaultMarkQueueSize = 1024

// Cache is the public key/value surface of the engine.
type Cache struct {
	store    storage.Store
	marker   *marker
	observer WriteObserver
}

// New creates a Cache over store. observer may be nil.
func New(store storage.Store, observer WriteObserver, cfg Config) *Cache {
	queueSize := cfg.MarkQueueSize
	if queueSize <= 0 {
		queueSize = defaultMarkQueueSize
	}
	return &Cache{
		store:    store,
		marker:   newMarker(store, queueSize),
		observer: observer,
	}
}

// Get returns the payload for key. A hit enqueues a visited mark and
// returns without waiting for it.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if c == nil || c.store == nil {
		return nil, false, fmt.Errorf("cache is not configured")
	}
	entry, found, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	c.marker.Enqueue(entry.ID)
	return entry.Payload, true, nil
}

// GetMany returns payloads keyed by cache key. Every hit enqueues a visited
// mark.
func (c *Cache) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	if c == nil || c.store == nil {
		return nil, fmt.Errorf("cache is not configured")
	}
	entries, err := c.store.GetMany(ctx, keys)
	if err != nil {
		return nil, err
	}
	payloads := make(map[string][]byte, len(entries))
	for _, entry := range entries {
		c.marker.Enqueue(entry.ID)
		payloads[entry.Key] = entry.Payload
	}
	return payloads, nil
}

// Put inserts or overwrites one entry. The store applies the configured
// overwrite policy to the visited flag.
func (c *Cache) Put(ctx context.Context, key string, payload []byte) error {
	if c == nil || c.store == nil {
		return fmt.Errorf("cache is not configured")
	}
	if _, err := c.store.Upsert(ctx, key, payload); err != nil {
		return err
	}
	if c.observer != nil {
		c.observer.ObserveWrite()
	}
	return nil
}

// PutMany writes all items in one transaction.
func (c *Cache) PutMany(ctx context.Context, items []storage.Item) error {
	if c == nil || c.store == nil {
		return fmt.Errorf("cache is not configured")
	}
	if len(items) == 0 {
		return nil
	}
	if err := c.store.UpsertMany(ctx, items); err != nil {
		return err
	}
	if c.observer != nil {
		c.observer.ObserveWrite()
	}
	return nil
}

// Delete removes one entry by key and reports whether it existed.
func (c *Cache) Delete(ctx context.Context, key string) (bool, error) {
	if c == nil || c.store == nil {
		return false, fmt.Errorf("cache is not configured")
	}
	return c.store.DeleteKey(ctx, key)
}

// DeleteMany removes entries by key and returns how many existed.
func (c *Cache) DeleteMany(ctx context.Context, keys []string) (int, error) {
	if c == nil || c.store == nil {
		return 0, fmt.Errorf("cache is not configured")
	}
	return c.store.DeleteKeys(ctx, keys)
}

// Len returns the current entry count.
func (c *Cache) Len(ctx context.Context) (int64, error) {
	if c == nil || c.store == nil {
		return 0, fmt.Errorf("cache is not configured")
	}
	return c.store.Count(ctx)
}

// Close stops the visited marker after draining queued marks. It does not
// close the underlying store.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	c.marker.Close()
	return nil
}
