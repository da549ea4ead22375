package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/portal/pkg/future"
	"github.com/cuemby/portal/pkg/kv"
)

func openBatcherTestTable(t *testing.T) kv.Table {
	t.Helper()
	eng, err := kv.OpenEngine(t.TempDir(), "test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	tbl, err := eng.Open("widgets")
	require.NoError(t, err)
	return tbl
}

func TestPutFlushesAfterTimerAndPersistsLastVersion(t *testing.T) {
	tbl := openBatcherTestTable(t)
	b := newWriteBatcher("widgets", tbl, nil)

	h := b.Put([]byte("a"), []byte("1"), 5)
	require.NoError(t, h.Wait())

	v, err := tbl.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	lv, err := tbl.Get(reservedLastVersionKey)
	require.NoError(t, err)
	assert.Equal(t, "5", string(lv))
}

func TestLastVersionIsTrueMaxAcrossBatch(t *testing.T) {
	tbl := openBatcherTestTable(t)
	b := newWriteBatcher("widgets", tbl, nil)

	b.Put([]byte("a"), []byte("1"), 3)
	b.Put([]byte("b"), []byte("2"), 9)
	h := b.Put([]byte("c"), []byte("3"), 1)
	require.NoError(t, h.Wait())

	lv, err := tbl.Get(reservedLastVersionKey)
	require.NoError(t, err)
	assert.Equal(t, "9", string(lv))
}

func TestSizeCapTriggersImmediateFlush(t *testing.T) {
	tbl := openBatcherTestTable(t)
	b := newWriteBatcher("widgets", tbl, nil)

	var h *future.Handle
	for i := 0; i < 101; i++ {
		h = b.Put([]byte{byte(i)}, []byte("v"), int64(i+1))
	}
	require.NoError(t, h.Wait())

	v, err := tbl.Get([]byte{100})
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestGetConsultsPendingBeforeEngine(t *testing.T) {
	tbl := openBatcherTestTable(t)
	b := newWriteBatcher("widgets", tbl, nil)

	b.Put([]byte("a"), []byte("1"), 1)
	v, hasPending, err := b.Get([]byte("a"))
	require.NoError(t, err)
	assert.True(t, hasPending)
	assert.Equal(t, []byte("1"), v)
}

func TestBatchesFlushInSubmissionOrder(t *testing.T) {
	tbl := openBatcherTestTable(t)
	b := newWriteBatcher("widgets", tbl, nil)

	h1 := b.Put([]byte("a"), []byte("1"), 1)
	time.Sleep(25 * time.Millisecond) // let the first batch's timer fire
	h2 := b.Put([]byte("a"), []byte("2"), 2)

	require.NoError(t, h1.Wait())
	require.NoError(t, h2.Wait())

	v, err := tbl.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), v)
}
