package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/portal/pkg/cache"
	"github.com/cuemby/portal/pkg/kv"
)

type widget struct {
	Name string `json:"name"`
}

func newTestClass(t *testing.T) (*Class[widget], kv.Engine) {
	t.Helper()
	eng, err := kv.OpenEngine(t.TempDir(), "test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	c, err := NewClass[widget](Config[widget]{
		Name:     "widgets",
		Engine:   eng,
		Registry: NewRegistry(),
		Cache:    cache.NewStrategy(1 << 20),
	})
	require.NoError(t, err)
	return c, eng
}

func newTestClassNamed(t *testing.T, name string) (*Class[widget], kv.Engine) {
	t.Helper()
	eng, err := kv.OpenEngine(t.TempDir(), "test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	c, err := NewClass[widget](Config[widget]{
		Name:     name,
		Engine:   eng,
		Registry: NewRegistry(),
		Cache:    cache.NewStrategy(1 << 20),
	})
	require.NoError(t, err)
	return c, eng
}

func TestSetValueThenGetByID(t *testing.T) {
	c, _ := newTestClass(t)
	ctx := context.Background()

	e, err := c.ForID(int64(1))
	require.NoError(t, err)

	h, err := c.SetValue(ctx, e, widget{Name: "gizmo"})
	require.NoError(t, err)
	require.NoError(t, h.Wait())

	v, err := c.ValueOf(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, "gizmo", v.Name)
}

func TestForIDReturnsCanonicalInstance(t *testing.T) {
	c, _ := newTestClass(t)
	a, err := c.ForID(int64(7))
	require.NoError(t, err)
	b, err := c.ForID(int64(7))
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestRejectsStringIDThatParsesAsPositiveNumber(t *testing.T) {
	c, _ := newTestClass(t)
	_, err := c.ForID("42")
	assert.ErrorIs(t, err, ErrBadID)
}

func TestAcceptsNonNumericStringID(t *testing.T) {
	c, _ := newTestClass(t)
	_, err := c.ForID("abc")
	assert.NoError(t, err)
}

func TestRejectsNonPositiveIntID(t *testing.T) {
	c, _ := newTestClass(t)
	_, err := c.ForID(int64(0))
	assert.ErrorIs(t, err, ErrBadID)
	_, err = c.ForID(int64(-1))
	assert.ErrorIs(t, err, ErrBadID)
}

func TestRemoveDeletesRowAndIdentity(t *testing.T) {
	c, _ := newTestClass(t)
	ctx := context.Background()

	e, err := c.ForID(int64(3))
	require.NoError(t, err)
	h, err := c.SetValue(ctx, e, widget{Name: "a"})
	require.NoError(t, err)
	require.NoError(t, h.Wait())

	h2, err := c.Remove(ctx, int64(3))
	require.NoError(t, err)
	require.NoError(t, h2.Wait())

	e2, err := c.ForID(int64(3))
	require.NoError(t, err)
	assert.NotSame(t, e, e2)

	v, err := c.ValueOf(ctx, e2)
	require.NoError(t, err)
	assert.Equal(t, "", v.Name)
}

func TestSetValueOnNonCanonicalInstanceIsDropped(t *testing.T) {
	c, _ := newTestClass(t)
	ctx := context.Background()

	e, err := c.ForID(int64(9))
	require.NoError(t, err)
	c.identity.Delete(int64(9)) // e is no longer canonical

	h, err := c.SetValue(ctx, e, widget{Name: "stale"})
	require.NoError(t, err)
	require.NoError(t, h.Wait())

	fresh, err := c.ForID(int64(9))
	require.NoError(t, err)
	v, err := c.ValueOf(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, "", v.Name, "write through a superseded instance must not land")
}

func TestValueSurvivesCacheEviction(t *testing.T) {
	c, _ := newTestClass(t)
	ctx := context.Background()

	e, err := c.ForID(int64(5))
	require.NoError(t, err)
	h, err := c.SetValue(ctx, e, widget{Name: "durable"})
	require.NoError(t, err)
	require.NoError(t, h.Wait())

	e.ClearCache()
	v, err := c.ValueOf(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, "durable", v.Name)
}

func TestRegisterAdoptsStartVersionOnMatchingDBVersion(t *testing.T) {
	eng, err := kv.OpenEngine(t.TempDir(), "test.db")
	require.NoError(t, err)
	defer eng.Close()
	reg := NewRegistry()
	strategy := cache.NewStrategy(1 << 20)
	ctx := context.Background()

	c1, err := NewClass[widget](Config[widget]{Name: "widgets", Engine: eng, Registry: reg, Cache: strategy})
	require.NoError(t, err)
	ready, err := c1.Register(ctx, SourceInfo{Version: "v1"})
	require.NoError(t, err)
	require.NoError(t, ready.Wait())

	reg2 := NewRegistry()
	c2, err := NewClass[widget](Config[widget]{Name: "widgets", Engine: eng, Registry: reg2, Cache: strategy})
	require.NoError(t, err)
	ready2, err := c2.Register(ctx, SourceInfo{Version: "v1"})
	require.NoError(t, err)
	require.NoError(t, ready2.Wait())

	assert.Equal(t, c1.startVersion, c2.startVersion)
}

func TestRegisterResetsTableOnDBVersionMismatch(t *testing.T) {
	eng, err := kv.OpenEngine(t.TempDir(), "test.db")
	require.NoError(t, err)
	defer eng.Close()
	strategy := cache.NewStrategy(1 << 20)
	ctx := context.Background()

	reg := NewRegistry()
	c1, err := NewClass[widget](Config[widget]{Name: "widgets", Engine: eng, Registry: reg, Cache: strategy})
	require.NoError(t, err)
	ready, err := c1.Register(ctx, SourceInfo{Version: "A"})
	require.NoError(t, err)
	require.NoError(t, ready.Wait())

	e, err := c1.ForID(int64(1))
	require.NoError(t, err)
	h, err := c1.SetValue(ctx, e, widget{Name: "a"})
	require.NoError(t, err)
	require.NoError(t, h.Wait())

	reg2 := NewRegistry()
	c2, err := NewClass[widget](Config[widget]{Name: "widgets", Engine: eng, Registry: reg2, Cache: strategy})
	require.NoError(t, err)
	ready2, err := c2.Register(ctx, SourceInfo{Version: "B"})
	require.NoError(t, err)
	require.NoError(t, ready2.Wait())

	e2, err := c2.ForID(int64(1))
	require.NoError(t, err)
	v, err := c2.ValueOf(ctx, e2)
	require.NoError(t, err)
	assert.Equal(t, "", v.Name, "table should have been cleared on dbVersion mismatch")
}

func TestDuplicateRegisterIsRejected(t *testing.T) {
	eng, err := kv.OpenEngine(t.TempDir(), "test.db")
	require.NoError(t, err)
	defer eng.Close()
	reg := NewRegistry()
	strategy := cache.NewStrategy(1 << 20)
	ctx := context.Background()

	c1, err := NewClass[widget](Config[widget]{Name: "widgets", Engine: eng, Registry: reg, Cache: strategy})
	require.NoError(t, err)
	_, err = c1.Register(ctx, SourceInfo{Version: "v1"})
	require.NoError(t, err)

	c2, err := NewClass[widget](Config[widget]{Name: "other", Engine: eng, Registry: reg, Cache: strategy})
	require.NoError(t, err)
	c2.name = "widgets"
	_, err = c2.Register(ctx, SourceInfo{Version: "v1"})
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestForIDsPreservesInputOrder(t *testing.T) {
	c, _ := newTestClass(t)
	ctx := context.Background()
	ids := []any{int64(3), int64(1), int64(2)}

	for _, id := range ids {
		e, err := c.ForID(id)
		require.NoError(t, err)
		h, err := c.SetValue(ctx, e, widget{Name: "x"})
		require.NoError(t, err)
		require.NoError(t, h.Wait())
	}

	results, err := c.ForIDs(ctx, ids)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, e := range results {
		assert.Equal(t, ids[i], e.ID())
	}
}
