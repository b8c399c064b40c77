package sievecache

import (
	"flag"
	"testing"
	"time"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("sievecache", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.DBPath != "data/sievecache.db" {
		t.Fatalf("unexpected default db path %q", cfg.DBPath)
	}
	if cfg.MaxEntries != 10000 {
		t.Fatalf("unexpected default max entries %d", cfg.MaxEntries)
	}
	if cfg.EvictionBatchSize != 64 {
		t.Fatalf("unexpected default eviction batch %d", cfg.EvictionBatchSize)
	}
	if cfg.PollInterval != 30*time.Second {
		t.Fatalf("unexpected default poll interval %s", cfg.PollInterval)
	}
	if cfg.MaxAge != 0 {
		t.Fatalf("expected age expiry disabled by default, got %s", cfg.MaxAge)
	}
	if cfg.PreserveVisitedOnWrite {
		t.Fatal("expected overwrite to reset visited by default")
	}
}

func TestParseConfigEnvOverrides(t *testing.T) {
	t.Setenv("SIEVECACHE_DB_PATH", "/tmp/cache.db")
	t.Setenv("SIEVECACHE_MAX_ENTRIES", "250")
	t.Setenv("SIEVECACHE_MAX_AGE", "12h")
	t.Setenv("SIEVECACHE_PRESERVE_VISITED", "true")

	fs := flag.NewFlagSet("sievecache", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.DBPath != "/tmp/cache.db" {
		t.Fatalf("unexpected db path %q", cfg.DBPath)
	}
	if cfg.MaxEntries != 250 {
		t.Fatalf("unexpected max entries %d", cfg.MaxEntries)
	}
	if cfg.MaxAge != 12*time.Hour {
		t.Fatalf("unexpected max age %s", cfg.MaxAge)
	}
	if !cfg.PreserveVisitedOnWrite {
		t.Fatal("expected preserve-visited enabled from env")
	}
}

func TestParseConfigFlagsBeatEnv(t *testing.T) {
	t.Setenv("SIEVECACHE_MAX_ENTRIES", "250")

	fs := flag.NewFlagSet("sievecache", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{
		"-max-entries=9",
		"-trigger-sampling-rate=0.5",
		"-poll-interval=5s",
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.MaxEntries != 9 {
		t.Fatalf("expected flag to override env, got %d", cfg.MaxEntries)
	}
	if cfg.TriggerSamplingRate != 0.5 {
		t.Fatalf("unexpected sampling rate %v", cfg.TriggerSamplingRate)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Fatalf("unexpected poll interval %s", cfg.PollInterval)
	}
}

func TestParseConfigRejectsUnknownFlag(t *testing.T) {
	fs := flag.NewFlagSet("sievecache", flag.ContinueOnError)
	if _, err := ParseConfig(fs, []string{"-bogus"}); err == nil {
		t.Fatal("expected unknown flag to fail parsing")
	}
}
