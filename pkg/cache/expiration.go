package cache

import (
	"math"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cuemby/portal/pkg/log"
	"github.com/cuemby/portal/pkg/metrics"
)

// Entry is anything the expiration strategy can evict. Eviction only
// calls ClearCache — it never touches the KV engine, so the entry's
// next access simply reloads from disk.
type Entry interface {
	ClearCache()
}

// Strategy is the process-wide, size-weighted LRU described in §4.B.
// It tracks recency with an unbounded hashicorp/golang-lru cache keyed
// by (class, id) and evicts the least-recently-used entries whenever
// cumulative weight exceeds capBytes.
type Strategy struct {
	mu       sync.Mutex
	capBytes int64
	weight   int64
	order    *lru.Cache[any, int64]
	entries  map[any]Entry
}

// NewStrategy creates a Strategy with the given capacity in bytes.
func NewStrategy(capBytes int64) *Strategy {
	s := &Strategy{capBytes: capBytes, entries: make(map[any]Entry)}
	// The wrapped cache never evicts on its own (size = MaxInt); we
	// drive eviction ourselves from cumulative weight in Use, and
	// reuse its recency ordering and eviction callback plumbing.
	order, err := lru.NewWithEvict[any, int64](math.MaxInt-1, s.onEvict)
	if err != nil {
		// math.MaxInt-1 is always a valid positive size.
		panic(err)
	}
	s.order = order
	return s
}

// Use inserts or refreshes key with the given entry and weight,
// evicting least-recently-used entries until total weight is back
// under capacity.
func (s *Strategy) Use(key any, entry Entry, weight int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.order.Peek(key); ok {
		s.weight -= old
	}
	s.entries[key] = entry
	s.order.Add(key, weight)
	s.weight += weight

	for s.weight > s.capBytes && s.order.Len() > 0 {
		s.order.RemoveOldest()
	}
	metrics.CacheEntries.Set(float64(s.order.Len()))
	metrics.CacheWeight.Set(float64(s.weight))
}

// Delete removes key without regard to capacity. Called when an entry
// is already leaving the identity map (e.g. explicit remove), so
// clearing its cache again is a harmless no-op if it already ran.
func (s *Strategy) Delete(key any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order.Remove(key)
}

// onEvict runs synchronously inside Use/Delete, under s.mu already held
// by the caller — it must not re-lock.
func (s *Strategy) onEvict(key any, weight int64) {
	s.weight -= weight
	if e, ok := s.entries[key]; ok {
		delete(s.entries, key)
		e.ClearCache()
	}
	metrics.CacheEvictionsTotal.Inc()
	log.WithComponent("cache").Debug().Interface("key", key).Msg("evicted cache entry")
}

// Len reports the number of tracked entries, mainly for tests.
func (s *Strategy) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// Weight reports cumulative tracked weight, mainly for tests.
func (s *Strategy) Weight() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.weight
}
