// Package sievecache parses engine command flags and launches the eviction
// runtime.
package sievecache

import (
	"context"
	"flag"
	"time"

	"github.com/louisbranch/sievecache/internal/app"
	entrypoint "github.com/louisbranch/sievecache/internal/platform/cmd"
)

// Config holds engine command configuration.
type Config struct {
	DBPath                 string        `env:"SIEVECACHE_DB_PATH" envDefault:"data/sievecache.db"`
	MaxEntries             int           `env:"SIEVECACHE_MAX_ENTRIES" envDefault:"10000"`
	MaxAge                 time.Duration `env:"SIEVECACHE_MAX_AGE" envDefault:"0"`
	EvictionBatchSize      int           `env:"SIEVECACHE_EVICTION_BATCH" envDefault:"64"`
	TriggerSamplingRate    float64       `env:"SIEVECACHE_TRIGGER_SAMPLING_RATE" envDefault:"0.01"`
	PollInterval           time.Duration `env:"SIEVECACHE_POLL_INTERVAL" envDefault:"30s"`
	OversampleFactor       int           `env:"SIEVECACHE_OVERSAMPLE_FACTOR" envDefault:"4"`
	PreserveVisitedOnWrite bool          `env:"SIEVECACHE_PRESERVE_VISITED" envDefault:"false"`
	MarkQueueSize          int           `env:"SIEVECACHE_MARK_QUEUE_SIZE" envDefault:"1024"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The cache SQLite database path")
	fs.IntVar(&cfg.MaxEntries, "max-entries", cfg.MaxEntries, "Entry count ceiling before eviction")
	fs.DurationVar(&cfg.MaxAge, "max-age", cfg.MaxAge, "Age-based expiry threshold (0 disables)")
	fs.IntVar(&cfg.EvictionBatchSize, "eviction-batch", cfg.EvictionBatchSize, "Maximum evictions per trigger")
	fs.Float64Var(&cfg.TriggerSamplingRate, "trigger-sampling-rate", cfg.TriggerSamplingRate, "Fraction of writes that trigger a capacity check")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Periodic capacity check interval")
	fs.IntVar(&cfg.OversampleFactor, "oversample-factor", cfg.OversampleFactor, "Age expiry candidate window multiplier")
	fs.BoolVar(&cfg.PreserveVisitedOnWrite, "preserve-visited", cfg.PreserveVisitedOnWrite, "Keep the visited flag when overwriting a key")
	fs.IntVar(&cfg.MarkQueueSize, "mark-queue-size", cfg.MarkQueueSize, "Visited marker queue capacity")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the engine runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceEngine, func(context.Context) error {
		return app.Run(ctx, app.RuntimeConfig{
			DBPath:                 cfg.DBPath,
			MaxEntries:             cfg.MaxEntries,
			MaxAge:                 cfg.MaxAge,
			EvictionBatchSize:      cfg.EvictionBatchSize,
			TriggerSamplingRate:    cfg.TriggerSamplingRate,
			PollInterval:           cfg.PollInterval,
			OversampleFactor:       cfg.OversampleFactor,
			PreserveVisitedOnWrite: cfg.PreserveVisitedOnWrite,
			MarkQueueSize:          cfg.MarkQueueSize,
		})
	})
}
