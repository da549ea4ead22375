package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/portal/pkg/cache"
	"github.com/cuemby/portal/pkg/kv"
)

type derived struct {
	Upper string `json:"upper"`
}

func newTestCached(t *testing.T, eng kv.Engine, reg *Registry, sources []Source, compute func(ctx context.Context, id any) (derived, error)) *Cached[derived] {
	t.Helper()
	cc, err := NewCached[derived](CachedConfig[derived]{
		Name:     "derived",
		Engine:   eng,
		Registry: reg,
		Cache:    cache.NewStrategy(1 << 20),
		Sources:  sources,
		Compute:  compute,
	})
	require.NoError(t, err)
	return cc
}

func TestCachedComputesLazilyOnFirstRead(t *testing.T) {
	ctx := context.Background()
	upstream, eng := newTestClass(t)
	reg := NewRegistry()

	calls := 0
	cc := newTestCached(t, eng, reg, []Source{upstream}, func(ctx context.Context, id any) (derived, error) {
		calls++
		e, err := upstream.ForID(id)
		require.NoError(t, err)
		v, err := upstream.ValueOf(ctx, e)
		require.NoError(t, err)
		return derived{Upper: v.Name + "!"}, nil
	})

	h, err := upstream.SetValue(ctx, mustForID(t, upstream, int64(1)), widget{Name: "a"})
	require.NoError(t, err)
	require.NoError(t, h.Wait())

	e, err := cc.ForID(int64(1))
	require.NoError(t, err)

	v, err := cc.ValueOf(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, "a!", v.Upper)
	assert.Equal(t, 1, calls)

	// Second read hits the now-persisted row; compute must not rerun.
	v2, err := cc.ValueOf(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, "a!", v2.Upper)
	assert.Equal(t, 1, calls)
}

func TestCachedRecomputesAfterSourceUpdate(t *testing.T) {
	ctx := context.Background()
	upstream, eng := newTestClass(t)
	reg := NewRegistry()

	calls := 0
	cc := newTestCached(t, eng, reg, []Source{upstream}, func(ctx context.Context, id any) (derived, error) {
		calls++
		e, err := upstream.ForID(id)
		require.NoError(t, err)
		v, err := upstream.ValueOf(ctx, e)
		require.NoError(t, err)
		return derived{Upper: v.Name + "!"}, nil
	})

	sub := upstream.Notifies(cc.onSourceUpdated)
	defer sub.Unsubscribe()

	h, err := upstream.SetValue(ctx, mustForID(t, upstream, int64(2)), widget{Name: "x"})
	require.NoError(t, err)
	require.NoError(t, h.Wait())

	e, err := cc.ForID(int64(2))
	require.NoError(t, err)
	v, err := cc.ValueOf(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, "x!", v.Upper)
	assert.Equal(t, 1, calls)

	h2, err := upstream.SetValue(ctx, mustForID(t, upstream, int64(2)), widget{Name: "y"})
	require.NoError(t, err)
	require.NoError(t, h2.Wait())

	v2, err := cc.ValueOf(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, "y!", v2.Upper)
	assert.Equal(t, 2, calls, "an upstream update must invalidate the cached row so compute reruns")
}

func TestEffectiveVersionTracksSourceVersion(t *testing.T) {
	ctx := context.Background()
	upstream, eng := newTestClass(t)
	reg := NewRegistry()

	cc := newTestCached(t, eng, reg, []Source{upstream}, func(ctx context.Context, id any) (derived, error) {
		return derived{Upper: "v"}, nil
	})

	e, err := cc.ForID(int64(1))
	require.NoError(t, err)
	before := cc.EffectiveVersion(e)

	h, err := upstream.SetValue(ctx, mustForID(t, upstream, int64(1)), widget{Name: "a"})
	require.NoError(t, err)
	require.NoError(t, h.Wait())

	after := cc.EffectiveVersion(e)
	assert.Greater(t, after, before)
}

func TestSeedFromSourcesInvalidatesEveryKnownID(t *testing.T) {
	ctx := context.Background()
	upstream, eng := newTestClass(t)
	reg := NewRegistry()

	for _, id := range []int64{1, 2, 3} {
		h, err := upstream.SetValue(ctx, mustForID(t, upstream, id), widget{Name: fmt.Sprint(id)})
		require.NoError(t, err)
		require.NoError(t, h.Wait())
	}

	cc := newTestCached(t, eng, reg, []Source{upstream}, func(ctx context.Context, id any) (derived, error) {
		return derived{Upper: "seeded"}, nil
	})

	require.NoError(t, cc.seedFromSources(ctx, false))

	for _, id := range []int64{1, 2, 3} {
		e, err := cc.ForID(id)
		require.NoError(t, err)
		v, err := cc.ValueOf(ctx, e)
		require.NoError(t, err)
		assert.Equal(t, "seeded", v.Upper)
	}
}

func mustForID(t *testing.T, c *Class[widget], id any) *Entity[widget] {
	t.Helper()
	e, err := c.ForID(id)
	require.NoError(t, err)
	return e
}
