// Package index implements the incremental secondary indexer (§4.H):
// one Index is bound to exactly one store.Source at construction and
// maintains a derived table of ordered_key(indexKey) ‖ 0x1E ‖
// ordered_key(sourceID) -> json(value) rows, kept current by diffing
// each source update's previous and new indexBy output rather than by
// rescanning the whole source on every write.
//
// Updates land on a per-id FIFO queue with a short "niceness" delay so
// bursts of updates to the same id collapse into one indexing pass.
// Processing runs with a bounded number of entries in flight and
// commits in batches, fanning out replaced events for every affected
// index key so further downstream consumers (another Index, a cache
// invalidation) stay current.
package index
