package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/cuemby/portal/pkg/bus"
	"github.com/cuemby/portal/pkg/codec"
	"github.com/cuemby/portal/pkg/future"
	"github.com/cuemby/portal/pkg/kv"
	"github.com/cuemby/portal/pkg/log"
	"github.com/cuemby/portal/pkg/metrics"
	"github.com/cuemby/portal/pkg/store"
)

// keySeparator joins an index key to the source id it was derived from
// inside one composite row key. It differs from the codec's tag bytes
// (0x02/0x03), but it can also occur inside an encoded value (an int's
// big-endian bytes, a string's raw bytes), so readers decode the index
// key as a self-delimiting value rather than searching for this byte.
// deleteExistingRowsFor finds a source id's rows by matching the
// 0x1E‖encode(id) suffix, whatever index key they sort under.
const keySeparator = 0x1E

// keyUpperBound is one past keySeparator: the exclusive upper bound of
// a range scan over every row filed under one index key.
const keyUpperBound = 0x1F

var (
	reservedLastIndexedKey = []byte{0x01, 0x02}
)

// Entry is one {key, value} pair an IndexBy function produces for a
// source entity (§4.H). Value is whatever the caller wants stored and
// later read back for that key; it need not be the whole source value.
type Entry struct {
	Key   any
	Value any
}

// IndexBy derives zero or more Entry values from a source entity value.
// It must be pure and referentially transparent: it is called
// symmetrically against the previous and current value of an entity to
// compute which composite rows to add, keep, or remove.
type IndexBy[T any] func(value T) ([]Entry, error)

// State is an index's coarse processing lifecycle (§4.H).
type State int

const (
	Pending State = iota
	Processing
	Processed
	Ready
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Processing:
		return "processing"
	case Processed:
		return "processed"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

// Config configures a new Index.
type Config[T any] struct {
	Name   string
	Engine kv.Engine
	Source store.Source

	// ValueOf loads the current value of a source entity by id. Callers
	// typically close over the source Class's ForID/ValueOf.
	ValueOf func(ctx context.Context, id any) (T, error)

	// IndexBy derives this index's entries from a source value.
	IndexBy IndexBy[T]

	// MaxConcurrency bounds in-flight indexing work. Defaults to 15.
	MaxConcurrency int
	// Nice is the delay between enqueue and processing, and the pause
	// between passes while more work remains. Defaults to 150ms.
	Nice time.Duration
}

// request is the per-id queue entry (§4.H's IndexRequest).
type request struct {
	id           any
	previousJSON []byte
	hasPrevious  bool
	deleted      bool
	sources      map[string]bool
	version      int64
}

// Result pairs an index entry's originating source id with its decoded
// value, returned by ForWithIDs.
type Result[T any] struct {
	ID    any
	Value T
}

// Index is an incremental secondary index over exactly one store.Source
// (§4.H). It keeps its own table of composite rows and reacts to the
// source's events rather than rescanning it.
type Index[T any] struct {
	name           string
	table          kv.Table
	source         store.Source
	valueOf        func(ctx context.Context, id any) (T, error)
	indexBy        IndexBy[T]
	maxConcurrency int64
	nice           time.Duration

	bus *bus.Bus

	mu                  sync.Mutex
	order               []any
	queue               map[any]*request
	timer               *time.Timer
	processingNow       bool
	state               State
	lastIndexedVersion  int64
	queuedProgress      *int64
	whenProcessingReady *future.Handle

	runCtx    context.Context
	cancel    context.CancelFunc
	sourceSub bus.Subscription
}

// New opens idx's table and wires it up against cfg.Source. Call Start
// to subscribe and perform the resume-on-startup scan.
func New[T any](cfg Config[T]) (*Index[T], error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("index %s: source is required", cfg.Name)
	}
	if cfg.ValueOf == nil {
		return nil, fmt.Errorf("index %s: valueOf is required", cfg.Name)
	}
	if cfg.IndexBy == nil {
		return nil, fmt.Errorf("index %s: indexBy is required", cfg.Name)
	}
	table, err := cfg.Engine.Open(cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("open table for index %s: %w", cfg.Name, err)
	}
	maxConcurrency := cfg.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = 15
	}
	nice := cfg.Nice
	if nice <= 0 {
		nice = 150 * time.Millisecond
	}
	return &Index[T]{
		name:           cfg.Name,
		table:          table,
		source:         cfg.Source,
		valueOf:        cfg.ValueOf,
		indexBy:        cfg.IndexBy,
		maxConcurrency: int64(maxConcurrency),
		nice:           nice,
		queue:          make(map[any]*request),
		bus:            bus.New(),
		state:          Pending,
	}, nil
}

// Name returns the index's name.
func (ix *Index[T]) Name() string { return ix.name }

// State returns the index's current lifecycle state.
func (ix *Index[T]) State() State {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.state
}

// LastVersion returns the highest source version reflected in the
// index so far.
func (ix *Index[T]) LastVersion() int64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.lastIndexedVersion
}

// Notifies registers l to receive this index's fan-out events.
func (ix *Index[T]) Notifies(l bus.Listener) bus.Subscription {
	return ix.bus.Subscribe(l)
}

// StopNotifies delegates directly to the subscription, never recursing
// through the index itself.
func (ix *Index[T]) StopNotifies(sub bus.Subscription) {
	sub.Unsubscribe()
}

// WhenProcessingComplete returns a handle that resolves once the
// current indexing pass finishes, or nil once the index is caught up
// (the handle is "reset to absent" on entering Ready, per §4.H).
func (ix *Index[T]) WhenProcessingComplete() *future.Handle {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.state == Ready {
		return nil
	}
	return ix.whenProcessingReady
}

// Start performs the resume-on-startup scan and subscribes to the
// source's events. ctx is retained as the base context for all
// background indexing work triggered by later events.
func (ix *Index[T]) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	ix.runCtx = runCtx
	ix.cancel = cancel

	if err := ix.resume(runCtx); err != nil {
		cancel()
		return err
	}
	ix.sourceSub = ix.source.Notifies(ix.handleSourceEvent)
	return nil
}

// Stop unsubscribes from the source and cancels any in-flight indexing.
func (ix *Index[T]) Stop() {
	ix.source.StopNotifies(ix.sourceSub)
	if ix.cancel != nil {
		ix.cancel()
	}
}

// Rebuild clears the index table and the watermark, then resumes — which
// becomes a full build since the watermark is now zero (§4.H).
func (ix *Index[T]) Rebuild(ctx context.Context) error {
	if err := ix.table.Clear(); err != nil {
		return fmt.Errorf("rebuild index %s: clear table: %w", ix.name, err)
	}
	ix.mu.Lock()
	ix.lastIndexedVersion = 0
	ix.queuedProgress = nil
	ix.mu.Unlock()
	return ix.resume(ctx)
}

func (ix *Index[T]) handleSourceEvent(ctx context.Context, ev *bus.Event) {
	ix.enqueue(ev)
}

// enqueue implements §4.H's "Enqueue (from source update)": look up or
// create the request for ev's id, move it to the tail of the FIFO, fold
// in the event's version/sources/deleted flag, and capture previousState
// the first time the id is seen.
func (ix *Index[T]) enqueue(ev *bus.Event) {
	id := parseID(ev.ID)

	ix.mu.Lock()
	req, exists := ix.queue[id]
	if !exists {
		req = &request{id: id, sources: map[string]bool{}}
		if raw, ok := ev.PreviousValues[ev.ID]; ok {
			req.previousJSON = raw
			req.hasPrevious = true
		}
		ix.queue[id] = req
	} else {
		ix.removeFromOrder(id)
	}
	ix.order = append(ix.order, id)

	req.version = ev.Version
	req.sources[ev.Source] = true
	for s := range ev.Sources {
		req.sources[s] = true
	}
	if ev.Kind == bus.Deleted {
		req.deleted = true
	}

	metrics.IndexQueueDepth.WithLabelValues(ix.name).Set(float64(len(ix.order)))

	// A request is now queued, so the index is no longer caught up even
	// though the processing goroutine hasn't started yet — mark that
	// synchronously so a concurrent WhenProcessingComplete call can't
	// observe a stale "ready" state and return nil before this request
	// is actually indexed (§4.H's pending/processing/processed/ready
	// state machine).
	if ix.state == Ready {
		ix.state = Pending
	}
	if ix.whenProcessingReady == nil {
		ix.whenProcessingReady = future.New()
	}

	needsSchedule := ix.timer == nil
	if needsSchedule {
		ix.timer = time.AfterFunc(ix.nice, ix.onTimerFire)
	}
	ix.mu.Unlock()
}

func (ix *Index[T]) onTimerFire() {
	ix.mu.Lock()
	ix.timer = nil
	ix.mu.Unlock()
	ix.runQueue(ix.runCtx)
}

// removeFromOrder must be called with ix.mu held.
func (ix *Index[T]) removeFromOrder(id any) {
	for i, qid := range ix.order {
		if qid == id {
			ix.order = append(ix.order[:i], ix.order[i+1:]...)
			return
		}
	}
}

// runQueue drives §4.H's queue-processing loop until the queue drains or
// ctx is canceled ("cancelIndexing").
func (ix *Index[T]) runQueue(ctx context.Context) {
	if ctx == nil {
		return
	}
	ix.mu.Lock()
	if ix.processingNow {
		ix.mu.Unlock()
		return
	}
	ix.processingNow = true
	ix.state = Processing
	if ix.whenProcessingReady == nil {
		ix.whenProcessingReady = future.New()
	}
	ix.mu.Unlock()

	for {
		if ctx.Err() != nil {
			break
		}
		ix.mu.Lock()
		empty := len(ix.order) == 0
		ix.mu.Unlock()
		if empty {
			break
		}
		ix.processPass(ctx)
	}

	ix.flushProgress()

	ix.mu.Lock()
	ix.processingNow = false
	ix.state = Ready
	ready := ix.whenProcessingReady
	ix.whenProcessingReady = nil
	ix.mu.Unlock()
	ready.Resolve(nil)
}

// flushProgress lands the most recently computed watermark on disk once
// the queue has drained. Once a watermark is queued, commitOperations
// writes that earlier value in its batch and queues the pass's own
// progress for the next commit (a no-op pass writes nothing); once there
// is no next pass, that queued value
// has to be flushed here or [0x01,0x02] permanently lags the last
// commit (§4.H's "after the queue drains ... write the queued
// lastIndexedVersion").
func (ix *Index[T]) flushProgress() {
	ix.mu.Lock()
	progress := ix.queuedProgress
	ix.mu.Unlock()
	if progress == nil {
		return
	}

	h := ix.table.Batch([]kv.Op{{Type: kv.OpPut, Key: reservedLastIndexedKey, Value: encodeVersion(*progress)}})
	if err := h.Wait(); err != nil {
		log.WithIndexKey(ix.name).Error().Err(err).Msg("index watermark flush failed")
		return
	}

	ix.mu.Lock()
	ix.queuedProgress = nil
	ix.mu.Unlock()
}

// processPass indexes up to 2*MaxConcurrency entries with at most
// MaxConcurrency in flight, commits the results, and — if more work
// remains — sleeps `nice` to yield scheduling (§4.H).
func (ix *Index[T]) processPass(ctx context.Context) {
	sem := semaphore.NewWeighted(ix.maxConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var ops []kv.Op
	affected := make(map[string]map[string]bool)

	processed := 0
	target := int(2 * ix.maxConcurrency)

	for processed < target {
		ix.mu.Lock()
		if len(ix.order) == 0 {
			ix.mu.Unlock()
			break
		}
		id := ix.order[0]
		ix.order = ix.order[1:]
		req := ix.queue[id]
		delete(ix.queue, id)
		ix.mu.Unlock()

		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		processed++
		go func(req *request) {
			defer wg.Done()
			defer sem.Release(1)
			entryOps, keys, err := ix.indexOne(ctx, req)
			if err != nil {
				log.WithIndexKey(ix.name).Warn().Err(err).Msg("indexing entry failed, skipping")
				return
			}
			mu.Lock()
			ops = append(ops, entryOps...)
			for k, srcs := range keys {
				set := affected[k]
				if set == nil {
					set = make(map[string]bool)
					affected[k] = set
				}
				for s := range srcs {
					set[s] = true
				}
			}
			mu.Unlock()
		}(req)
	}
	wg.Wait()

	ix.mu.Lock()
	metrics.IndexQueueDepth.WithLabelValues(ix.name).Set(float64(len(ix.order)))
	ix.mu.Unlock()

	ix.commitOperations(ctx, ops, affected)

	ix.mu.Lock()
	remaining := len(ix.order)
	ix.mu.Unlock()
	if remaining > 0 {
		time.Sleep(ix.nice)
	}
}

// indexOne implements §4.H's "Index one entry": diff the entries derived
// from the previous and current value, emitting puts for added/changed
// keys and deletes for ones that disappeared.
func (ix *Index[T]) indexOne(ctx context.Context, req *request) ([]kv.Op, map[string]map[string]bool, error) {
	toRemove := make(map[string][]byte)
	keyBytes := make(map[string][]byte)

	if req.hasPrevious {
		var prev T
		if err := json.Unmarshal(req.previousJSON, &prev); err != nil {
			return nil, nil, fmt.Errorf("index %s: decode previous value for %v: %w", ix.name, req.id, err)
		}
		entries, err := ix.indexBy(prev)
		if err != nil {
			return nil, nil, fmt.Errorf("index %s: indexBy(previous) for %v: %w", ix.name, req.id, err)
		}
		for _, e := range entries {
			enc := codec.Encode(e.Key)
			vj, err := json.Marshal(e.Value)
			if err != nil {
				return nil, nil, fmt.Errorf("index %s: encode previous entry for %v: %w", ix.name, req.id, err)
			}
			ks := string(enc)
			toRemove[ks] = vj
			keyBytes[ks] = enc
		}
	}

	var ops []kv.Op
	affected := make(map[string]map[string]bool)

	if !req.deleted {
		val, err := ix.valueOf(ctx, req.id)
		if err != nil {
			return nil, nil, fmt.Errorf("index %s: load %v: %w", ix.name, req.id, err)
		}
		entries, err := ix.indexBy(val)
		if err != nil {
			return nil, nil, fmt.Errorf("index %s: indexBy(current) for %v: %w", ix.name, req.id, err)
		}
		for _, e := range entries {
			enc := codec.Encode(e.Key)
			vj, err := json.Marshal(e.Value)
			if err != nil {
				return nil, nil, fmt.Errorf("index %s: encode entry for %v: %w", ix.name, req.id, err)
			}
			ks := string(enc)
			if existing, ok := toRemove[ks]; ok && bytes.Equal(existing, vj) {
				delete(toRemove, ks)
				continue
			}
			delete(toRemove, ks)
			ops = append(ops, kv.Op{Type: kv.OpPut, Key: compositeKey(enc, req.id), Value: vj})
			affected[ks] = req.sources
			metrics.IndexEntriesTotal.WithLabelValues(ix.name, "put").Inc()
		}
	}

	for ks := range toRemove {
		ops = append(ops, kv.Op{Type: kv.OpDelete, Key: compositeKey(keyBytes[ks], req.id)})
		affected[ks] = req.sources
		metrics.IndexEntriesTotal.WithLabelValues(ix.name, "delete").Inc()
	}

	ix.mu.Lock()
	if req.version > ix.lastIndexedVersion {
		ix.lastIndexedVersion = req.version
	}
	ix.mu.Unlock()

	return ops, affected, nil
}

func compositeKey(encodedKey []byte, id any) []byte {
	out := make([]byte, 0, len(encodedKey)+1+9)
	out = append(out, encodedKey...)
	out = append(out, keySeparator)
	out = append(out, codec.Encode(id)...)
	return out
}

// commitOperations implements §4.H's commitOperations: it computes
// indexedProgress as the version up to which every request is fully
// indexed, batches this pass's ops (deferring the watermark write for a
// no-op pass), and fans out replaced events for every affected key.
func (ix *Index[T]) commitOperations(ctx context.Context, ops []kv.Op, affected map[string]map[string]bool) {
	ix.mu.Lock()
	var firstQueuedVersion int64
	if len(ix.order) > 0 {
		if req, ok := ix.queue[ix.order[0]]; ok {
			firstQueuedVersion = req.version
		}
	}
	lastIndexed := ix.lastIndexedVersion
	ix.mu.Unlock()

	progress := lastIndexed
	if firstQueuedVersion > 0 && firstQueuedVersion-1 < progress {
		progress = firstQueuedVersion - 1
	}

	if len(ops) == 0 {
		ix.mu.Lock()
		ix.queuedProgress = &progress
		ix.mu.Unlock()
		return
	}

	ix.mu.Lock()
	watermark := progress
	if ix.queuedProgress != nil {
		watermark = *ix.queuedProgress
	}
	ix.mu.Unlock()

	batchOps := append(ops, kv.Op{Type: kv.OpPut, Key: reservedLastIndexedKey, Value: encodeVersion(watermark)})
	h := ix.table.Batch(batchOps)
	if err := h.Wait(); err != nil {
		log.WithIndexKey(ix.name).Error().Err(err).Msg("index commit failed")
		return
	}

	ix.sendUpdates(ctx, affected)

	ix.mu.Lock()
	ix.queuedProgress = &progress
	ix.mu.Unlock()

	metrics.IndexLag.WithLabelValues(ix.name).Set(float64(ix.source.LastVersion() - progress))
}

func (ix *Index[T]) sendUpdates(ctx context.Context, affected map[string]map[string]bool) {
	for ks, srcs := range affected {
		ix.bus.Publish(ctx, &bus.Event{Kind: bus.Replaced, Source: ix.name, ID: ks, Sources: srcs})
	}
}

// resume implements §4.H's "Resume on startup".
func (ix *Index[T]) resume(ctx context.Context) error {
	raw, err := ix.table.GetSync(reservedLastIndexedKey)
	if err != nil {
		return fmt.Errorf("index %s: read watermark: %w", ix.name, err)
	}
	since := int64(0)
	if raw != nil {
		since, err = decodeVersion(raw)
		if err != nil {
			return fmt.Errorf("index %s: decode watermark: %w", ix.name, err)
		}
	}
	if since == 0 {
		if err := ix.table.Clear(); err != nil {
			return fmt.Errorf("index %s: clear table before full build: %w", ix.name, err)
		}
	}
	ix.mu.Lock()
	ix.lastIndexedVersion = since
	ix.mu.Unlock()

	ids, err := ix.source.GetInstanceIdsAndVersionsSince(ctx, since)
	if err != nil {
		return fmt.Errorf("index %s: scan source since %d: %w", ix.name, since, err)
	}
	if len(ids) == 0 {
		return nil
	}

	if err := ix.table.WaitForAllWrites(); err != nil {
		return fmt.Errorf("index %s: wait for writes: %w", ix.name, err)
	}
	for _, iv := range ids {
		if err := ix.deleteExistingRowsFor(iv.ID); err != nil {
			log.WithIndexKey(ix.name).Warn().Err(err).Interface("id", iv.ID).Msg("could not clear stale index rows before resume")
		}
	}

	ix.mu.Lock()
	for _, iv := range ids {
		req, ok := ix.queue[iv.ID]
		if !ok {
			req = &request{id: iv.ID, sources: map[string]bool{ix.source.Name(): true}}
			ix.queue[iv.ID] = req
			ix.order = append(ix.order, iv.ID)
		}
		req.version = iv.Version
	}
	metrics.IndexQueueDepth.WithLabelValues(ix.name).Set(float64(len(ix.order)))
	ix.mu.Unlock()

	ix.runQueue(ctx)
	return nil
}

// deleteExistingRowsFor removes every composite row filed under id,
// regardless of what index key it currently sorts under, by matching
// the 0x1E‖encode(id) suffix every such row's key carries.
func (ix *Index[T]) deleteExistingRowsFor(id any) error {
	suffix := append([]byte{keySeparator}, codec.Encode(id)...)

	it, err := ix.table.Iterable(kv.IterOptions{GTE: []byte{0x02}, Values: false})
	if err != nil {
		return err
	}
	defer it.Close()

	var stale [][]byte
	for it.Next() {
		key := it.Pair().Key
		if bytes.HasSuffix(key, suffix) {
			stale = append(stale, append([]byte{}, key...))
		}
	}
	if err := it.Err(); err != nil {
		return err
	}
	for _, key := range stale {
		if err := ix.table.RemoveSync(key); err != nil {
			return err
		}
	}
	return nil
}

// For performs a range scan over everything filed under key and returns
// the decoded values in ascending source-id order.
func (ix *Index[T]) For(ctx context.Context, key any) ([]T, error) {
	results, err := ix.ForWithIDs(ctx, key)
	if err != nil {
		return nil, err
	}
	out := make([]T, len(results))
	for i, r := range results {
		out[i] = r.Value
	}
	return out, nil
}

// ForWithIDs is For but also returns each entry's originating source id.
func (ix *Index[T]) ForWithIDs(ctx context.Context, key any) ([]Result[T], error) {
	if err := ix.table.WaitForAllWrites(); err != nil {
		return nil, err
	}
	enc := codec.Encode(key)
	lower := append(append([]byte{}, enc...), keySeparator)
	upper := append(append([]byte{}, enc...), keyUpperBound)

	it, err := ix.table.Iterable(kv.IterOptions{GTE: lower, LT: upper, Values: true})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []Result[T]
	for it.Next() {
		p := it.Pair()
		var val T
		if err := json.Unmarshal(p.Value, &val); err != nil {
			return nil, fmt.Errorf("index %s: decode value for key %v: %w", ix.name, key, err)
		}
		id, err := codec.Decode(p.Key[len(enc)+1:])
		if err != nil {
			return nil, fmt.Errorf("index %s: decode id suffix for key %v: %w", ix.name, key, err)
		}
		out = append(out, Result[T]{ID: id, Value: val})
	}
	return out, it.Err()
}

// GetInstanceIds returns every distinct index key currently populated,
// in ascending order, by scanning and deduplicating adjacent rows that
// share the same key prefix.
func (ix *Index[T]) GetInstanceIds(ctx context.Context) ([]any, error) {
	if err := ix.table.WaitForAllWrites(); err != nil {
		return nil, err
	}
	it, err := ix.table.Iterable(kv.IterOptions{GTE: []byte{0x02}, Values: false})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []any
	var lastKeyEnc []byte
	for it.Next() {
		key := it.Pair().Key
		// The composite key is encodedKey ‖ 0x1E ‖ encodedID: decode the
		// index key as a self-delimiting value rather than scanning for
		// the 0x1E separator, since that byte can also occur inside an
		// int's big-endian encoding or an escaped string.
		decoded, consumed, err := codec.DecodeFirst(key)
		if err != nil || consumed >= len(key) || key[consumed] != keySeparator {
			continue
		}
		keyEnc := key[:consumed]
		if lastKeyEnc != nil && bytes.Equal(keyEnc, lastKeyEnc) {
			continue
		}
		lastKeyEnc = append([]byte{}, keyEnc...)
		out = append(out, decoded)
	}
	return out, it.Err()
}

func encodeVersion(v int64) []byte {
	return []byte(strconv.FormatInt(v, 10))
}

func decodeVersion(raw []byte) (int64, error) {
	return strconv.ParseInt(string(raw), 10, 64)
}

// parseID recovers the id form carried by a bus.Event's string ID field.
func parseID(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
		return n
	}
	return s
}
