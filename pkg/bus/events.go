package bus

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/cuemby/portal/pkg/future"
)

// Kind identifies the kind of change an Event carries (§6).
type Kind string

const (
	Added    Kind = "added"
	Replaced Kind = "replaced"
	Deleted  Kind = "deleted"
	Reset    Kind = "reset"
)

// Event is published by a class whenever one of its entities changes.
// Fields mirror §6: Source identifies the emitting class, Sources
// carries provenance through chains of Cached/Index classes,
// PreviousValues lets a downstream Index compute a before/after diff
// without re-reading the source, and WhenWritten/UpdatesInProgress are
// the completion handles consumers can wait on.
type Event struct {
	Kind   Kind
	Source string
	ID     string

	// EventID uniquely identifies this publication, independent of the
	// entity ID it concerns — useful for correlating one update across
	// a chain of Cached/Index fan-out in logs. Publish assigns one if
	// the caller left it blank.
	EventID string

	// Sources is the set of origin class names this event's entity was
	// touched through, carried across a Cached -> Index chain.
	Sources map[string]bool

	// PreviousValues maps entity id -> previously serialized JSON, set
	// only when the source class tracks previous values.
	PreviousValues map[string][]byte

	// Version overrides the entity's version on this event, if set.
	Version int64

	// NoReset suppresses the resetCache step of the update protocol.
	NoReset bool

	// InitSource marks this event as startup/resume replay rather than
	// a fresh user-caused update (the "initialization source" sentinel
	// used while a Cached class catches up with its registered sources).
	InitSource bool

	// WhenWritten resolves once the write this event describes is durable.
	WhenWritten *future.Handle

	// UpdatesInProgress collects completion handles of downstream work
	// still in flight as a result of this event (e.g. index commits).
	UpdatesInProgress []*future.Handle
}

// Listener receives published events. Per the design notes, a listener
// should do the minimum necessary to enqueue work locally (e.g. push
// onto its own index queue) rather than perform expensive work inline —
// Publish invokes listeners directly, in subscription order, on the
// publisher's own goroutine.
type Listener func(ctx context.Context, ev *Event)

// Bus fans out Events to listeners registered via Subscribe. One Bus is
// owned per source class; a dependent class registers itself as a
// listener on the classes it notifies on (pkg/store/registry.go) and
// drops the subscription again via stopNotifies.
type Bus struct {
	mu        sync.RWMutex
	listeners map[int]Listener
	nextID    int
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{listeners: make(map[int]Listener)}
}

// Subscription is a token returned by Subscribe; call Unsubscribe to
// stop receiving events. The zero value is a valid no-op.
type Subscription struct {
	bus *Bus
	id  int
}

// Unsubscribe removes the associated listener. Safe to call more than
// once, and safe on the zero value.
func (s Subscription) Unsubscribe() {
	if s.bus == nil {
		return
	}
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.listeners, s.id)
}

// Subscribe registers l to receive every future Publish call.
func (b *Bus) Subscribe(l Listener) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = l
	return Subscription{bus: b, id: id}
}

// Publish delivers ev to every current subscriber, synchronously and in
// subscription order. Synchronous delivery is what lets the entity
// store's update protocol (§4.D) rely on every downstream queue having
// enqueued before the publishing call returns — index freshness (§8)
// does not otherwise hold.
func (b *Bus) Publish(ctx context.Context, ev *Event) {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}

	b.mu.RLock()
	ids := make([]int, 0, len(b.listeners))
	for id := range b.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	ls := make([]Listener, 0, len(ids))
	for _, id := range ids {
		ls = append(ls, b.listeners[id])
	}
	b.mu.RUnlock()

	for _, l := range ls {
		l(ctx, ev)
	}
}

// SubscriberCount reports the number of active subscriptions, mainly for
// tests and diagnostics.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}
