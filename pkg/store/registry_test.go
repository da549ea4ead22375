package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextVersionIsMonotonic(t *testing.T) {
	r := NewRegistry()
	a := r.NextVersion()
	b := r.NextVersion()
	assert.Greater(t, b, a)
}

func TestComputeDBVersionFromExplicitVersion(t *testing.T) {
	dbVersion, modTime, err := computeDBVersion(SourceInfo{Version: "v7"})
	require.NoError(t, err)
	assert.Equal(t, "v7", dbVersion)
	assert.True(t, modTime.IsZero())
}

func TestComputeDBVersionFromFileIsStableAndChangesWithContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "transform.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rule: a"), 0o644))

	v1, mt1, err := computeDBVersion(SourceInfo{FilePath: path})
	require.NoError(t, err)
	assert.NotEmpty(t, v1)
	assert.False(t, mt1.IsZero())

	v1b, _, err := computeDBVersion(SourceInfo{FilePath: path})
	require.NoError(t, err)
	assert.Equal(t, v1, v1b, "hashing the same contents twice must be stable")

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("rule: b"), 0o644))
	v2, _, err := computeDBVersion(SourceInfo{FilePath: path})
	require.NoError(t, err)
	assert.NotEqual(t, v1, v2)
}

func TestClaimRejectsDuplicateName(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.claim("widgets"))
	err := r.claim("widgets")
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestRegisterWithoutSourcesResolvesAndSetsStartVersion(t *testing.T) {
	c, _ := newTestClass(t)
	h, err := c.Register(context.Background(), SourceInfo{Version: "v1"})
	require.NoError(t, err)
	require.NoError(t, h.Wait())
	assert.NotZero(t, c.startVersion)
}

func TestRegisterSubscribesToSourcesAndStopAllUnsubscribes(t *testing.T) {
	ctx := context.Background()
	upstream, _ := newTestClass(t)
	_, err := upstream.Register(ctx, SourceInfo{Version: "up"})
	require.NoError(t, err)

	downstream, _ := newTestClassNamed(t, "downstream")
	h, err := downstream.Register(ctx, SourceInfo{Version: "down"}, upstream)
	require.NoError(t, err)
	require.NoError(t, h.Wait())

	assert.Equal(t, 1, upstream.bus.SubscriberCount())
	downstream.StopAllSourceSubscriptions()
	assert.Equal(t, 0, upstream.bus.SubscriberCount())
}
