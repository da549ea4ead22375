package store

import (
	"sync"
	"time"

	"github.com/cuemby/portal/pkg/future"
	"github.com/cuemby/portal/pkg/kv"
	"github.com/cuemby/portal/pkg/log"
	"github.com/cuemby/portal/pkg/metrics"
)

const (
	defaultCommitDelay = 20 * time.Millisecond
	maxBatchOps        = 100
	maxBatchBytes      = 100_000
)

// writeBatcher coalesces a class's puts/deletes into atomic batches
// (§4.E). At most one batch is "open" (accepting new ops) at a time;
// closed batches flush in order, each chained on the previous one's
// completion so table writes stay durable in submission order.
type writeBatcher struct {
	className string
	table     kv.Table
	onFailure func(error)

	mu          sync.Mutex
	current     *pendingBatch
	inFlight    []*pendingBatch
	lastVersion int64
	prevDone    *future.Handle
}

type pendingBatch struct {
	ops        map[string]kv.Op
	byteCount  int64
	version    int64
	completion *future.Handle
	timer      *time.Timer
	flushed    bool
}

func newWriteBatcher(className string, table kv.Table, onFailure func(error)) *writeBatcher {
	return &writeBatcher{className: className, table: table, onFailure: onFailure}
}

// Put enqueues a put for key/value, tagged with version (either the
// version the caller already assigned to this write, or a freshly
// allocated one). It returns the batch's completion handle.
func (b *writeBatcher) Put(key, value []byte, version int64) *future.Handle {
	return b.enqueue(kv.Op{Type: kv.OpPut, Key: key, Value: value}, version)
}

// Delete enqueues a delete for key.
func (b *writeBatcher) Delete(key []byte, version int64) *future.Handle {
	return b.enqueue(kv.Op{Type: kv.OpDelete, Key: key}, version)
}

func (b *writeBatcher) enqueue(op kv.Op, version int64) *future.Handle {
	b.mu.Lock()

	if b.current == nil {
		cb := &pendingBatch{ops: make(map[string]kv.Op), completion: future.New()}
		b.current = cb
		cb.timer = time.AfterFunc(defaultCommitDelay, func() { b.closeAndFlush(cb) })
	}
	cb := b.current

	cb.ops[string(op.Key)] = op
	cb.byteCount += int64(len(op.Value))
	// True max across every op in the batch — not a per-call overwrite,
	// which would silently drop earlier, larger op versions.
	if version > cb.version {
		cb.version = version
	}
	if version > b.lastVersion {
		b.lastVersion = version
	}
	completion := cb.completion

	overCap := len(cb.ops) > maxBatchOps || cb.byteCount > maxBatchBytes
	b.mu.Unlock()

	if overCap {
		b.closeAndFlush(cb)
	}
	metrics.BatchOpsTotal.WithLabelValues(b.className, opName(op.Type)).Inc()
	return completion
}

func opName(t kv.OpType) string {
	if t == kv.OpDelete {
		return "delete"
	}
	return "put"
}

// closeAndFlush detaches cb as the open batch (if it still is one),
// chains its flush on the previous batch's completion, and resolves
// cb.completion once durable.
func (b *writeBatcher) closeAndFlush(cb *pendingBatch) {
	b.mu.Lock()
	if cb.flushed {
		b.mu.Unlock()
		return
	}
	cb.flushed = true
	cb.timer.Stop()
	if b.current == cb {
		b.current = nil
	}
	prev := b.prevDone
	b.prevDone = cb.completion
	b.inFlight = append(b.inFlight, cb)
	trigger := "timer"
	if len(cb.ops) > maxBatchOps || cb.byteCount > maxBatchBytes {
		trigger = "size"
	}
	b.mu.Unlock()

	metrics.BatchFlushesTotal.WithLabelValues(b.className, trigger).Inc()
	timer := metrics.NewTimer()

	if prev != nil {
		_ = prev.Wait()
	}

	ops := make([]kv.Op, 0, len(cb.ops)+1)
	for _, op := range cb.ops {
		ops = append(ops, op)
	}
	ops = append(ops, kv.Op{Type: kv.OpPut, Key: reservedLastVersionKey, Value: encodeInvalidationRow(cb.version)})

	h := b.table.Batch(ops)
	err := h.Wait()
	timer.ObserveDurationVec(metrics.BatchFlushDuration, b.className)
	if err != nil {
		log.WithClass(b.className).Error().Err(err).Int("ops", len(ops)).Msg("batch flush failed")
		if b.onFailure != nil {
			b.onFailure(err)
		}
	}

	b.removeInFlight(cb)
	cb.completion.Resolve(err)
}

// removeInFlight drops cb from the in-flight list now that it has resolved.
func (b *writeBatcher) removeInFlight(cb *pendingBatch) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, f := range b.inFlight {
		if f == cb {
			b.inFlight = append(b.inFlight[:i], b.inFlight[i+1:]...)
			break
		}
	}
}

// Get consults pending (not-yet-durable) batches newest to oldest
// before the caller falls back to the KV engine (§4.E "read with
// pending"). hasPending reports whether key was found in a batch; if
// so, value/err are authoritative and the engine must not be consulted.
func (b *writeBatcher) Get(key []byte) (value []byte, hasPending bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current != nil {
		if op, ok := b.current.ops[string(key)]; ok {
			return opValue(op), true, nil
		}
	}
	for i := len(b.inFlight) - 1; i >= 0; i-- {
		if op, ok := b.inFlight[i].ops[string(key)]; ok {
			return opValue(op), true, nil
		}
	}
	return nil, false, nil
}

func opValue(op kv.Op) []byte {
	if op.Type == kv.OpDelete {
		return nil
	}
	return op.Value
}

// LastVersion returns the highest version assigned to any op this
// batcher has accepted, flushed or not — the class's `lastVersion`.
func (b *writeBatcher) LastVersion() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastVersion
}
