package store

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/cuemby/portal/pkg/bus"
	"github.com/cuemby/portal/pkg/cache"
	"github.com/cuemby/portal/pkg/codec"
	"github.com/cuemby/portal/pkg/future"
	"github.com/cuemby/portal/pkg/kv"
	"github.com/cuemby/portal/pkg/log"
	"github.com/cuemby/portal/pkg/metrics"
	"github.com/cuemby/portal/pkg/opctx"
)

// ReadyState is an entity's coarse in-memory lifecycle (§3, GLOSSARY).
type ReadyState int

const (
	Unloaded ReadyState = iota
	LoadingLocalData
	UpToDate
	Invalidated
	NoLocalData
)

func (s ReadyState) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case LoadingLocalData:
		return "loading-local-data"
	case UpToDate:
		return "up-to-date"
	case Invalidated:
		return "invalidated"
	case NoLocalData:
		return "no-local-data"
	default:
		return "unknown"
	}
}

// Entity is one addressable, versioned row (§3). It is always reached
// through the owning Class's identity map.
type Entity[T any] struct {
	class *Class[T]

	id          any
	version     int64
	asJSON      []byte
	cachedValue *T
	readyState  ReadyState
}

// ID returns the entity's validated id.
func (e *Entity[T]) ID() any { return e.id }

// Version returns the entity's current version.
func (e *Entity[T]) Version() int64 { return e.version }

// ReadyState returns the entity's current lifecycle state.
func (e *Entity[T]) ReadyState() ReadyState { return e.readyState }

// ClearCache implements cache.Entry: drop deserialized/serialized state
// and fall back to unloaded, without touching the KV engine.
func (e *Entity[T]) ClearCache() {
	e.asJSON = nil
	e.cachedValue = nil
	if e.readyState == UpToDate || e.readyState == Invalidated {
		e.readyState = Unloaded
	}
}

type cacheKey struct {
	class string
	id    any
}

// Source is the subset of Class[T]'s behavior that a Cached transform
// or an Index depends on from the classes it is derived from (§6's
// notifies/stopNotifies, and §4.H/§4.F's catch-up scan).
type Source interface {
	Name() string
	Notifies(l bus.Listener) bus.Subscription
	StopNotifies(sub bus.Subscription)
	GetInstanceIdsAndVersionsSince(ctx context.Context, since int64) ([]IDVersion, error)
	LastVersion() int64
}

// IDVersion pairs an entity id with its current version, as returned by
// GetInstanceIdsAndVersionsSince.
type IDVersion struct {
	ID      any
	Version int64
}

// Config configures a new Class.
type Config[T any] struct {
	Name                string
	Engine              kv.Engine
	Registry            *Registry
	Cache               *cache.Strategy
	WeakValues          bool
	TrackPreviousValues bool
	// OnDBFailure receives write failures the batcher absorbed (§7's
	// class-level onDbFailure signal).
	OnDBFailure func(error)
	// MaxConcurrentLoads bounds in-flight loads issued by ForIDs.
	// Defaults to 100 per §4.D.
	MaxConcurrentLoads int64
}

// Class is one named, tabled group of entities sharing a schema
// (§4.C-§4.F combined): identity map, write batcher, event bus, and
// class-registry bookkeeping.
type Class[T any] struct {
	name     string
	table    kv.Table
	registry *Registry
	cache    *cache.Strategy
	bus      *bus.Bus
	identity *IdentityMap[Entity[T]]
	batcher  *writeBatcher
	sem      *semaphore.Weighted

	trackPreviousValues bool
	onDBFailure         func(error)

	// Hooks a derived class (Cached) installs to extend the base
	// behavior without subclassing, which Go has no notion of.
	onResetCache func(ctx context.Context, e *Entity[T], version int64) *future.Handle
	onResetAll   func(ctx context.Context, clearDB bool) error
	onSourceEvent func(ctx context.Context, ev *bus.Event)

	dbVersion    string
	startVersion int64
	sourceSubs   []unsubscriber
}

type unsubscriber struct {
	source Source
	sub    bus.Subscription
}

// NewClass opens cfg.Name's table and wires up the batcher/identity
// map/bus. It does not register the class; call Register once any
// Sources it needs to subscribe to already exist.
func NewClass[T any](cfg Config[T]) (*Class[T], error) {
	table, err := cfg.Engine.Open(cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("open table for class %s: %w", cfg.Name, err)
	}
	maxLoads := cfg.MaxConcurrentLoads
	if maxLoads <= 0 {
		maxLoads = 100
	}
	c := &Class[T]{
		name:                cfg.Name,
		table:               table,
		registry:            cfg.Registry,
		cache:               cfg.Cache,
		bus:                 bus.New(),
		identity:            NewIdentityMap[Entity[T]](cfg.WeakValues),
		sem:                 semaphore.NewWeighted(maxLoads),
		trackPreviousValues: cfg.TrackPreviousValues,
		onDBFailure:         cfg.OnDBFailure,
	}
	c.batcher = newWriteBatcher(cfg.Name, table, c.handleWriteFailure)
	return c, nil
}

func (c *Class[T]) handleWriteFailure(err error) {
	if c.onDBFailure != nil {
		c.onDBFailure(err)
	}
}

// Name returns the class name.
func (c *Class[T]) Name() string { return c.name }

// LastVersion returns the highest version this Class value has enqueued
// a write with since it was created. It starts at zero and is not read
// back from the table's stored last-version key, so it does not reflect
// rows written by an earlier process.
func (c *Class[T]) LastVersion() int64 { return c.batcher.LastVersion() }

// Notifies registers l to receive this class's published events.
func (c *Class[T]) Notifies(l bus.Listener) bus.Subscription {
	return c.bus.Subscribe(l)
}

// StopNotifies removes a subscription created by Notifies. It delegates
// directly to the Subscription rather than recursing through this
// class, per §9's resolution of the permission proxy's equivalent bug.
func (c *Class[T]) StopNotifies(sub bus.Subscription) {
	sub.Unsubscribe()
}

// ForID returns the canonical live Entity for id, validating it first.
func (c *Class[T]) ForID(id any) (*Entity[T], error) {
	nid, err := ValidateID(id)
	if err != nil {
		return nil, err
	}
	e := c.identity.GetOrInsert(nid, func() *Entity[T] {
		return &Entity[T]{class: c, id: nid, readyState: Unloaded}
	})
	return e, nil
}

// ForIDs fetches entities for every id in ids with bounded concurrency
// (default cap 100 in-flight), returning results in input order.
func (c *Class[T]) ForIDs(ctx context.Context, ids []any) ([]*Entity[T], error) {
	results := make([]*Entity[T], len(ids))
	errs := make([]error, len(ids))

	done := make(chan int, len(ids))
	for i, id := range ids {
		i, id := i, id
		if err := c.sem.Acquire(ctx, 1); err != nil {
			errs[i] = err
			done <- i
			continue
		}
		go func() {
			defer c.sem.Release(1)
			e, err := c.ForID(id)
			if err == nil {
				err = c.ensureLoaded(ctx, e)
			}
			results[i] = e
			errs[i] = err
			done <- i
		}()
	}
	for range ids {
		<-done
	}
	for _, err := range errs {
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

func (c *Class[T]) ensureLoaded(ctx context.Context, e *Entity[T]) error {
	if e.readyState != Unloaded {
		return nil
	}
	return c.loadLatestLocalData(ctx, e)
}

// loadLatestLocalData reads id's row, resolving pending writes first
// (§4.E's dbGet), and updates readyState accordingly (§4.D).
func (c *Class[T]) loadLatestLocalData(ctx context.Context, e *Entity[T]) error {
	e.readyState = LoadingLocalData
	key := codec.Encode(e.id)

	raw, err := c.fetchRow(key)
	if err != nil {
		e.readyState = Invalidated
		metrics.EntityLoadsTotal.WithLabelValues(c.name, "error").Inc()
		return fmt.Errorf("load %v: %w", e.id, err)
	}

	if raw == nil {
		e.version = c.registry.NextVersion()
		e.readyState = NoLocalData
		c.cache.Use(cacheKey{c.name, e.id}, e, 0)
		metrics.EntityLoadsTotal.WithLabelValues(c.name, "absent").Inc()
		return nil
	}

	version, jsonBytes, hasJSON, err := decodeRow(raw)
	if err != nil {
		e.readyState = Invalidated
		metrics.EntityLoadsTotal.WithLabelValues(c.name, "error").Inc()
		return err
	}
	e.version = version
	if hasJSON {
		e.asJSON = jsonBytes
		e.cachedValue = nil
		e.readyState = UpToDate
		metrics.EntityLoadsTotal.WithLabelValues(c.name, "hit").Inc()
	} else {
		e.asJSON = nil
		e.readyState = Invalidated
		metrics.EntityLoadsTotal.WithLabelValues(c.name, "invalidated").Inc()
	}
	c.cache.Use(cacheKey{c.name, e.id}, e, int64(len(jsonBytes)))
	return nil
}

// fetchRow reads key, consulting pending batches first, then the
// engine with one retry on failure (§7's load-failure handling).
func (c *Class[T]) fetchRow(key []byte) ([]byte, error) {
	if v, hasPending, err := c.batcher.Get(key); hasPending {
		return v, err
	}
	return retryOnce(func() ([]byte, error) {
		return c.table.GetSync(key)
	})
}

// SetValue writes v through for e: serializes it, assigns a fresh
// version, enqueues the row via the write batcher, and publishes an
// added or replaced event (§4.D's set-value). If e is no longer the
// canonical instance for its id (superseded by eviction and reload),
// the write is dropped with a warning. Writes are last-writer-wins:
// SetValue does not re-read the stored row, so concurrent writers to
// the same id overwrite each other.
func (c *Class[T]) SetValue(ctx context.Context, e *Entity[T], v T) (*future.Handle, error) {
	if canonical, ok := c.identity.Peek(e.id); !ok || canonical != e {
		log.WithEntityID(c.name, e.id).Warn().Msg("set-value on non-canonical instance dropped")
		return future.Resolved(nil), nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("serialize %v: %w", e.id, err)
	}

	var previousJSON []byte
	if c.trackPreviousValues && e.readyState == UpToDate {
		previousJSON = e.asJSON
	}
	wasAbsent := e.readyState != UpToDate && e.readyState != Invalidated

	version := c.registry.NextVersion()
	e.version = version
	e.asJSON = data
	val := v
	e.cachedValue = &val
	e.readyState = UpToDate
	c.cache.Use(cacheKey{c.name, e.id}, e, int64(len(data)))

	kind := bus.Replaced
	if wasAbsent {
		kind = bus.Added
	}
	ev := &bus.Event{Kind: kind, Source: c.name, ID: fmt.Sprint(e.id), Version: version}
	if previousJSON != nil {
		ev.PreviousValues = map[string][]byte{fmt.Sprint(e.id): previousJSON}
	}

	h := c.batcher.Put(codec.Encode(e.id), encodeRow(version, data), version)
	ev.WhenWritten = h
	c.bus.Publish(ctx, ev)
	return h, nil
}

// Remove enqueues a delete for id, drops it from the identity map and
// expiration strategy, and fires a deleted event. When the class tracks
// previous values, the event carries the row's last stored JSON so a
// downstream Index can remove the entries derived from it.
func (c *Class[T]) Remove(ctx context.Context, id any) (*future.Handle, error) {
	nid, err := ValidateID(id)
	if err != nil {
		return nil, err
	}
	key := codec.Encode(nid)
	var previousJSON []byte
	if c.trackPreviousValues {
		if raw, ferr := c.fetchRow(key); ferr == nil && raw != nil {
			if _, js, hasJSON, derr := decodeRow(raw); derr == nil && hasJSON {
				previousJSON = js
			}
		}
	}
	version := c.registry.NextVersion()
	h := c.batcher.Delete(key, version)
	c.identity.Delete(nid)
	c.cache.Delete(cacheKey{c.name, nid})

	ev := &bus.Event{Kind: bus.Deleted, Source: c.name, ID: fmt.Sprint(nid), Version: version, WhenWritten: h}
	if previousJSON != nil {
		ev.PreviousValues = map[string][]byte{fmt.Sprint(nid): previousJSON}
	}
	c.bus.Publish(ctx, ev)
	return h, nil
}

// ValueOf resolves e's current value, loading it if necessary, and
// honors the ctx's ifModifiedSince hint (§4.D's value-of).
func (c *Class[T]) ValueOf(ctx context.Context, e *Entity[T]) (T, error) {
	var zero T
	if e.readyState == Unloaded {
		if err := c.loadLatestLocalData(ctx, e); err != nil {
			return zero, err
		}
	}

	if v, ok := opctx.IfModifiedSince(ctx); ok && v == e.version {
		return zero, ErrNotModified
	}

	if e.readyState == NoLocalData || e.readyState == Invalidated {
		return zero, nil
	}

	if e.cachedValue == nil {
		if e.asJSON == nil {
			return zero, nil
		}
		var val T
		if err := json.Unmarshal(e.asJSON, &val); err != nil {
			return zero, fmt.Errorf("deserialize %v: %w", e.id, err)
		}
		e.cachedValue = &val
	}
	return *e.cachedValue, nil
}

// resetCache drops e's in-memory state and, for a derived class that
// installed onResetCache (Cached), also persists a version-only
// invalidation row so staleness survives a restart (§4.D step 4,
// §4.G).
func (c *Class[T]) resetCache(ctx context.Context, e *Entity[T]) *future.Handle {
	e.ClearCache()
	if c.onResetCache != nil {
		return c.onResetCache(ctx, e, e.version)
	}
	return future.Resolved(nil)
}

// Updated runs the update protocol (§4.D) for e reacting to ev: bump
// version (or adopt the event's), publish to this class's own
// listeners, and — unless ev.NoReset — resetCache.
func (c *Class[T]) Updated(ctx context.Context, e *Entity[T], ev *bus.Event) *future.Handle {
	if c.trackPreviousValues {
		if ev.PreviousValues == nil {
			ev.PreviousValues = make(map[string][]byte)
		}
		ev.PreviousValues[fmt.Sprint(e.id)] = e.asJSON
	}

	if ev.Version != 0 {
		e.version = ev.Version
	} else {
		e.version = c.registry.NextVersion()
		ev.Version = e.version
	}

	c.bus.Publish(ctx, ev)

	var h *future.Handle
	if !ev.NoReset {
		h = c.resetCache(ctx, e)
	} else {
		h = future.Resolved(nil)
	}
	ev.WhenWritten = h
	return h
}

// GetInstanceIdsAndVersionsSince scans every entity row with a version
// greater than since, used by (4.F)'s resetAll seeding, (4.G)'s source
// catch-up, and (4.H)'s resume-on-startup.
func (c *Class[T]) GetInstanceIdsAndVersionsSince(ctx context.Context, since int64) ([]IDVersion, error) {
	if err := c.table.WaitForAllWrites(); err != nil {
		return nil, err
	}
	it, err := c.table.Iterable(kv.IterOptions{GTE: entityRangeStart, Values: true})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []IDVersion
	for it.Next() {
		p := it.Pair()
		version, _, _, derr := decodeRow(p.Value)
		if derr != nil {
			continue
		}
		if version <= since {
			continue
		}
		id, derr := codec.Decode(p.Key)
		if derr != nil {
			continue
		}
		out = append(out, IDVersion{ID: id, Version: version})
	}
	return out, it.Err()
}
