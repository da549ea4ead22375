package future

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleResolveOnce(t *testing.T) {
	h := New()
	_, ok := h.TryErr()
	assert.False(t, ok)

	h.Resolve(errors.New("boom"))
	h.Resolve(nil) // second resolve must be ignored

	err, ok := h.TryErr()
	require.True(t, ok)
	assert.EqualError(t, err, "boom")
}

func TestResolved(t *testing.T) {
	h := Resolved(nil)
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("Resolved handle never completed")
	}
	assert.NoError(t, h.Wait())
}

func TestAllWaitsForEveryHandle(t *testing.T) {
	a, b, c := New(), New(), New()
	combined := All(a, b, c)

	go func() {
		time.Sleep(10 * time.Millisecond)
		a.Resolve(nil)
		b.Resolve(errors.New("b failed"))
		c.Resolve(nil)
	}()

	err := combined.Wait()
	assert.EqualError(t, err, "b failed")
}

func TestAllEmpty(t *testing.T) {
	assert.NoError(t, All().Wait())
}

func TestHandlesHaveDistinctIDs(t *testing.T) {
	a, b := New(), New()
	assert.NotEmpty(t, a.ID())
	assert.NotEmpty(t, b.ID())
	assert.NotEqual(t, a.ID(), b.ID())
}
