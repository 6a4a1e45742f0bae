package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe(1)

	b.Publish(&Event{AssetID: 1, Type: EventAssetQueued, Message: "queued"})

	select {
	case evt := <-sub:
		require.Equal(t, EventAssetQueued, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSubscribersAreIsolatedByAssetID(t *testing.T) {
	b := NewBroker()
	subA := b.Subscribe(1)
	subB := b.Subscribe(2)

	b.Publish(&Event{AssetID: 1, Type: EventAssetQueued})

	select {
	case <-subA:
	case <-time.After(time.Second):
		t.Fatal("subA should have received the event")
	}

	select {
	case evt, ok := <-subB:
		if ok {
			t.Fatalf("subB should not receive asset 1's event, got %v", evt)
		}
	case <-time.After(50 * time.Millisecond):
		// no event delivered to subB, as expected
	}
}

func TestTerminalEventClosesTopic(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe(1)

	b.Publish(&Event{AssetID: 1, Type: EventAssetPublished})

	select {
	case _, ok := <-sub:
		require.True(t, ok, "first receive should be the published event")
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	select {
	case _, ok := <-sub:
		require.False(t, ok, "channel should be closed after terminal event")
	case <-time.After(time.Second):
		t.Fatal("channel should have closed")
	}

	require.Equal(t, 0, b.SubscriberCount())
}

func TestUnsubscribeRemovesAndClosesChannel(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe(1)
	require.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(1, sub)
	require.Equal(t, 0, b.SubscriberCount())

	_, ok := <-sub
	require.False(t, ok)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe(1)

	b.Unsubscribe(1, sub)
	require.NotPanics(t, func() { b.Unsubscribe(1, sub) })
}
