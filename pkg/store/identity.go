package store

import (
	"sync"
	"weak"
)

// IdentityMap guarantees at-most-one live object per id (§4.C). Under
// the weak policy, entries are held through the standard library's
// weak.Pointer so the garbage collector can reclaim an entity once no
// other holder references it; under the strong policy every live
// instance is pinned for the identity map's own lifetime.
type IdentityMap[T any] struct {
	mu       sync.Mutex
	weakMode bool
	strong   map[any]*T
	weakRefs map[any]weak.Pointer[T]
}

// NewIdentityMap creates an identity map. weakValues selects the weak
// (GC-eligible) policy; false pins every live instance.
func NewIdentityMap[T any](weakValues bool) *IdentityMap[T] {
	m := &IdentityMap[T]{weakMode: weakValues}
	if weakValues {
		m.weakRefs = make(map[any]weak.Pointer[T])
	} else {
		m.strong = make(map[any]*T)
	}
	return m
}

// GetOrInsert returns the existing live instance for id, or constructs
// and registers a new one via construct.
func (m *IdentityMap[T]) GetOrInsert(id any, construct func() *T) *T {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.weakMode {
		if ref, ok := m.weakRefs[id]; ok {
			if v := ref.Value(); v != nil {
				return v
			}
			delete(m.weakRefs, id)
		}
		v := construct()
		m.weakRefs[id] = weak.Make(v)
		return v
	}

	if v, ok := m.strong[id]; ok {
		return v
	}
	v := construct()
	m.strong[id] = v
	return v
}

// Peek returns the current live instance for id without constructing
// one, used to detect stale (non-canonical) instances before a write.
func (m *IdentityMap[T]) Peek(id any) (*T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.weakMode {
		ref, ok := m.weakRefs[id]
		if !ok {
			return nil, false
		}
		v := ref.Value()
		if v == nil {
			delete(m.weakRefs, id)
			return nil, false
		}
		return v, true
	}
	v, ok := m.strong[id]
	return v, ok
}

// Delete removes id from the map.
func (m *IdentityMap[T]) Delete(id any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.weakMode {
		delete(m.weakRefs, id)
		return
	}
	delete(m.strong, id)
}
