package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublishDeliversToAllSubscribersInOrder(t *testing.T) {
	b := New()
	var order []int

	b.Subscribe(func(ctx context.Context, ev *Event) { order = append(order, 1) })
	b.Subscribe(func(ctx context.Context, ev *Event) { order = append(order, 2) })

	b.Publish(context.Background(), &Event{Kind: Added, Source: "users", ID: "7"})
	assert.Equal(t, []int{1, 2}, order)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	calls := 0
	sub := b.Subscribe(func(ctx context.Context, ev *Event) { calls++ })
	assert.Equal(t, 1, b.SubscriberCount())

	sub.Unsubscribe()
	assert.Equal(t, 0, b.SubscriberCount())

	b.Publish(context.Background(), &Event{Kind: Deleted, Source: "users", ID: "7"})
	assert.Equal(t, 0, calls)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := New()
	sub := b.Subscribe(func(ctx context.Context, ev *Event) {})
	sub.Unsubscribe()
	assert.NotPanics(t, func() { sub.Unsubscribe() })

	var zero Subscription
	assert.NotPanics(t, func() { zero.Unsubscribe() })
}

func TestEventCarriesProvenanceAndPreviousValues(t *testing.T) {
	b := New()
	var got *Event
	b.Subscribe(func(ctx context.Context, ev *Event) { got = ev })

	ev := &Event{
		Kind:           Replaced,
		Source:         "users_cache",
		ID:             "42",
		Sources:        map[string]bool{"users": true},
		PreviousValues: map[string][]byte{"42": []byte(`{"name":"old"}`)},
	}
	b.Publish(context.Background(), ev)

	assert.Same(t, ev, got)
	assert.True(t, got.Sources["users"])
	assert.Equal(t, []byte(`{"name":"old"}`), got.PreviousValues["42"])
}

func TestPublishAssignsEventIDWhenBlank(t *testing.T) {
	b := New()
	ev1 := &Event{Kind: Added, Source: "users", ID: "1"}
	ev2 := &Event{Kind: Added, Source: "users", ID: "2"}

	b.Publish(context.Background(), ev1)
	b.Publish(context.Background(), ev2)

	assert.NotEmpty(t, ev1.EventID)
	assert.NotEmpty(t, ev2.EventID)
	assert.NotEqual(t, ev1.EventID, ev2.EventID)
}

func TestPublishPreservesExplicitEventID(t *testing.T) {
	b := New()
	ev := &Event{Kind: Added, Source: "users", ID: "1", EventID: "fixed-id"}
	b.Publish(context.Background(), ev)
	assert.Equal(t, "fixed-id", ev.EventID)
}
