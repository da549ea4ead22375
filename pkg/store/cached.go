package store

import (
	"context"
	"fmt"

	"github.com/cuemby/portal/pkg/bus"
	"github.com/cuemby/portal/pkg/cache"
	"github.com/cuemby/portal/pkg/codec"
	"github.com/cuemby/portal/pkg/future"
	"github.com/cuemby/portal/pkg/kv"
)

// CachedConfig configures a Cached transform (§4.G).
type CachedConfig[T any] struct {
	Name               string
	Engine             kv.Engine
	Registry           *Registry
	Cache              *cache.Strategy
	WeakValues         bool
	MaxConcurrentLoads int64
	OnDBFailure        func(error)

	// Sources are the classes this class is derived from.
	Sources []Source

	// Compute produces the value for id from its current source state.
	// It is the Go-idiomatic stand-in for the source's arbitrary
	// `transform(source_value, ...)`: the caller already knows which
	// typed Sources it closes over, so there is no need for this
	// package to juggle heterogeneous source value types at runtime.
	Compute func(ctx context.Context, id any) (T, error)
}

// Cached is an entity class whose values are derived from one or more
// upstream Sources rather than written directly (§4.G). Reads are
// lazy: an upstream change only invalidates the cached row, and
// Compute runs again the next time ValueOf is called.
type Cached[T any] struct {
	*Class[T]
	sources []Source
	compute func(ctx context.Context, id any) (T, error)
}

// NewCached builds a Cached transform over cfg.Sources.
func NewCached[T any](cfg CachedConfig[T]) (*Cached[T], error) {
	base, err := NewClass[T](Config[T]{
		Name:               cfg.Name,
		Engine:             cfg.Engine,
		Registry:           cfg.Registry,
		Cache:              cfg.Cache,
		WeakValues:         cfg.WeakValues,
		MaxConcurrentLoads: cfg.MaxConcurrentLoads,
		OnDBFailure:        cfg.OnDBFailure,
		// A Cached class is itself a source for further Cached/Index
		// classes, so it must track previous values for its own
		// listeners the same way a raw class would.
		TrackPreviousValues: true,
	})
	if err != nil {
		return nil, err
	}

	cc := &Cached[T]{Class: base, sources: cfg.Sources, compute: cfg.Compute}

	base.onResetCache = func(ctx context.Context, e *Entity[T], version int64) *future.Handle {
		return base.batcher.Put(codec.Encode(e.ID()), encodeInvalidationRow(version), version)
	}
	base.onResetAll = cc.seedFromSources
	base.onSourceEvent = cc.onSourceUpdated

	return cc, nil
}

// EffectiveVersion returns max(ownVersion, max(Source.version)) for id,
// the version a Cached entity is considered current as of (§4.G).
func (cc *Cached[T]) EffectiveVersion(e *Entity[T]) int64 {
	v := e.Version()
	for _, src := range cc.sources {
		if sv := src.LastVersion(); sv > v {
			v = sv
		}
	}
	return v
}

// ValueOf resolves e's value, computing it via Compute if the entity is
// absent or invalidated (cache miss against a lazily-recomputed
// derived value, rather than a stored one).
func (cc *Cached[T]) ValueOf(ctx context.Context, e *Entity[T]) (T, error) {
	v, err := cc.Class.ValueOf(ctx, e)
	if err == ErrNotModified {
		return v, err
	}
	if err == nil && e.ReadyState() == UpToDate {
		return v, nil
	}
	if err != nil {
		return v, err
	}

	computed, cerr := cc.compute(ctx, e.ID())
	if cerr != nil {
		var zero T
		return zero, fmt.Errorf("compute %s(%v): %w", cc.Name(), e.ID(), cerr)
	}
	if _, werr := cc.Class.SetValue(ctx, e, computed); werr != nil {
		return computed, werr
	}
	return computed, nil
}

// seedFromSources implements the cached-transform specialization of
// resetAll (§4.F): fetch the full id list from every source and seed
// one version-only invalidation row per id, so downstream indexers
// will (re)build.
func (cc *Cached[T]) seedFromSources(ctx context.Context, clearDB bool) error {
	for _, src := range cc.sources {
		ids, err := src.GetInstanceIdsAndVersionsSince(ctx, 0)
		if err != nil {
			return fmt.Errorf("seed %s from source %s: %w", cc.Name(), src.Name(), err)
		}
		for _, iv := range ids {
			nid, verr := ValidateID(iv.ID)
			if verr != nil {
				continue
			}
			version := cc.registry.NextVersion()
			cc.batcher.Put(codec.Encode(nid), encodeInvalidationRow(version), version)
		}
	}
	return nil
}

// onSourceUpdated reacts to an upstream Source's event by invalidating
// the corresponding local entity (lazy recompute on next read), per
// the update protocol (§4.D), carrying provenance forward in Sources.
func (cc *Cached[T]) onSourceUpdated(ctx context.Context, ev *bus.Event) {
	id := parseEventID(ev.ID)
	nid, err := ValidateID(id)
	if err != nil {
		return
	}
	e, err := cc.ForID(nid)
	if err != nil {
		return
	}

	sources := map[string]bool{ev.Source: true}
	for k := range ev.Sources {
		sources[k] = true
	}

	myEv := &bus.Event{
		Kind:       bus.Replaced,
		Source:     cc.Name(),
		ID:         ev.ID,
		Sources:    sources,
		InitSource: ev.InitSource,
	}
	cc.Updated(ctx, e, myEv)
}

// CatchUpFromSources asks every source for ids changed since this
// class's lastVersion and replays them as synthetic, initialization-
// source-tagged events, so a downstream Index can catch up
// incrementally instead of via a full scan (§4.G).
func (cc *Cached[T]) CatchUpFromSources(ctx context.Context) error {
	since := cc.LastVersion()
	for _, src := range cc.sources {
		ids, err := src.GetInstanceIdsAndVersionsSince(ctx, since)
		if err != nil {
			return fmt.Errorf("catch up %s from source %s: %w", cc.Name(), src.Name(), err)
		}
		for _, iv := range ids {
			ev := &bus.Event{
				Kind:       bus.Replaced,
				Source:     cc.Name(),
				ID:         fmt.Sprint(iv.ID),
				Version:    iv.Version,
				InitSource: true,
			}
			cc.bus.Publish(ctx, ev)
		}
	}
	return nil
}
