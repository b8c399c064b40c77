// Package sqlite implements the cache entry store on SQLite.
//
// Entries live in a single cache_entries table whose AUTOINCREMENT id column
// provides the strictly increasing, never-reused scan order the eviction
// step depends on. The hand cursor is a one-row sieve_hand table claimed by
// conditional update. Eviction steps and visited marking run over a second
// handle with a short busy timeout so contention fails fast instead of
// queuing behind unrelated writers.
package sqlite
