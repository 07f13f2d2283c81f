package broker

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/replichat/replichat/internal/store"
)

func TestPublishPreservesOrder(t *testing.T) {
	b := New(zerolog.Nop())
	sub := b.Subscribe("bob")

	for i := int64(1); i <= 5; i++ {
		b.Publish(store.Message{ID: i, Recipient: "bob"})
	}

	for i := int64(1); i <= 5; i++ {
		msg := <-sub.Messages
		require.Equal(t, i, msg.ID)
	}
}

func TestPublishWithoutSubscriberIsNoOp(t *testing.T) {
	b := New(zerolog.Nop())
	b.Publish(store.Message{ID: 1, Recipient: "nobody"})
	require.False(t, b.Subscribed("nobody"))
}

func TestOverflowDropsSubscriber(t *testing.T) {
	b := New(zerolog.Nop())
	sub := b.Subscribe("bob")

	for i := int64(0); i <= queueSize; i++ {
		b.Publish(store.Message{ID: i + 1, Recipient: "bob"})
	}

	select {
	case <-sub.Dropped:
	default:
		t.Fatal("expected subscriber to be dropped on overflow")
	}
	require.False(t, b.Subscribed("bob"))
}

func TestResubscribeEvictsPrevious(t *testing.T) {
	b := New(zerolog.Nop())
	old := b.Subscribe("bob")
	fresh := b.Subscribe("bob")

	select {
	case <-old.Dropped:
	default:
		t.Fatal("expected old subscription to be dropped")
	}

	b.Publish(store.Message{ID: 1, Recipient: "bob"})
	msg := <-fresh.Messages
	require.Equal(t, int64(1), msg.ID)
}

func TestUnsubscribeOnlyRemovesOwnStream(t *testing.T) {
	b := New(zerolog.Nop())
	old := b.Subscribe("bob")
	fresh := b.Subscribe("bob")

	// Unsubscribing the evicted stream must not tear down the fresh one.
	b.Unsubscribe(old)
	require.True(t, b.Subscribed("bob"))

	b.Unsubscribe(fresh)
	require.False(t, b.Subscribed("bob"))
}
