// Package app wires the store, cache facade, eviction coordinator, and
// capacity monitor into a runnable engine.
package app

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/sievecache/internal/cache"
	"github.com/louisbranch/sievecache/internal/cache/monitor"
	"github.com/louisbranch/sievecache/internal/cache/sieve"
	"github.com/louisbranch/sievecache/internal/cache/storage"
	cachesqlite "github.com/louisbranch/sievecache/internal/cache/storage/sqlite"
)

// RuntimeConfig controls engine startup, capacity limits, and trigger
// cadence.
type RuntimeConfig struct {
	DBPath                 string
	MaxEntries             int
	MaxAge                 time.Duration
	EvictionBatchSize      int
	TriggerSamplingRate    float64
	PollInterval           time.Duration
	OversampleFactor       int
	PreserveVisitedOnWrite bool
	MarkQueueSize          int
}

const defaultDBPath = "data/sievecache.db"

// Engine bundles the running cache facade with its eviction machinery.
// Embedders call Cache for reads/writes and Run to drive eviction.
type Engine struct {
	Cache   *cache.Cache
	Monitor *monitor.Monitor

	store storage.Store
}

// Open opens the store and assembles an Engine.
func Open(cfg RuntimeConfig) (*Engine, error) {
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultDBPath
	}
	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	store, err := cachesqlite.Open(cfg.DBPath, cachesqlite.Options{
		PreserveVisitedOnWrite: cfg.PreserveVisitedOnWrite,
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}

	coordinator := sieve.New(store)
	mon := monitor.New(store, coordinator, monitor.Config{
		MaxEntries:          cfg.MaxEntries,
		MaxAge:              cfg.MaxAge,
		MaxEvictionBatch:    cfg.EvictionBatchSize,
		TriggerSamplingRate: cfg.TriggerSamplingRate,
		PollInterval:        cfg.PollInterval,
		OversampleFactor:    cfg.OversampleFactor,
	}, nil)

	engine := cache.New(store, mon, cache.Config{MarkQueueSize: cfg.MarkQueueSize})
	return &Engine{Cache: engine, Monitor: mon, store: store}, nil
}

// Run drives the capacity monitor loop until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	if e == nil || e.Monitor == nil {
		return fmt.Errorf("engine is not configured")
	}
	return e.Monitor.Run(ctx)
}

// Close stops the cache facade and releases the store.
func (e *Engine) Close() error {
	if e == nil {
		return nil
	}
	if e.Cache != nil {
		if err := e.Cache.Close(); err != nil {
			log.Printf("close cache facade: %v", err)
		}
	}
	if e.store != nil {
		return e.store.Close()
	}
	return nil
}

// Run opens an Engine, drives its monitor loop until ctx is done, and
// closes everything. It is the entry used by the eviction daemon command.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultDBPath
	}

	engine, err := Open(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := engine.Close(); closeErr != nil {
			log.Printf("close engine: %v", closeErr)
		}
	}()

	log.Printf("sievecache engine running (db=%s max_entries=%d batch=%d)",
		cfg.DBPath, cfg.MaxEntries, cfg.EvictionBatchSize)
	return engine.Run(ctx)
}
