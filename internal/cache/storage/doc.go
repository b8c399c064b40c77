// Package storage defines the ordered entry store contract backing the
// cache engine.
//
// The contract is deliberately narrow: point reads and upserts by key, an
// ordered id scan, atomic hand-cursor claim/set, a bulk visited-flag clear,
// and idempotent deletes by id. Everything the SIEVE eviction step needs is
// expressed through these primitives so the engine never depends on the
// concrete store beyond them.
package storage
