package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEntry struct{ cleared bool }

func (f *fakeEntry) ClearCache() { f.cleared = true }

func TestUseTracksWeightAndCount(t *testing.T) {
	s := NewStrategy(1000)
	a := &fakeEntry{}
	s.Use("a", a, 10)
	assert.Equal(t, int64(10), s.Weight())
	assert.Equal(t, 1, s.Len())
}

func TestEvictsLeastRecentlyUsedOverCapacity(t *testing.T) {
	s := NewStrategy(25)
	a, b, c := &fakeEntry{}, &fakeEntry{}, &fakeEntry{}

	s.Use("a", a, 10)
	s.Use("b", b, 10)
	s.Use("c", c, 10) // pushes total to 30 > 25, evicts "a"

	assert.True(t, a.cleared)
	assert.False(t, b.cleared)
	assert.False(t, c.cleared)
	assert.LessOrEqual(t, s.Weight(), int64(25))
}

func TestUseRefreshesRecency(t *testing.T) {
	s := NewStrategy(25)
	a, b, c := &fakeEntry{}, &fakeEntry{}, &fakeEntry{}

	s.Use("a", a, 10)
	s.Use("b", b, 10)
	s.Use("a", a, 10) // touch a again, making b the least recently used
	s.Use("c", c, 10) // should evict b, not a

	assert.False(t, a.cleared)
	assert.True(t, b.cleared)
	assert.False(t, c.cleared)
}

func TestDeleteRemovesWithoutOtherEntriesEvicted(t *testing.T) {
	s := NewStrategy(1000)
	a, b := &fakeEntry{}, &fakeEntry{}
	s.Use("a", a, 10)
	s.Use("b", b, 10)

	s.Delete("a")
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, int64(10), s.Weight())

	require.True(t, a.cleared)
	assert.False(t, b.cleared)
}
