package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New()
	sub := b.Subscribe(context.Background())
	defer sub.Unsubscribe()

	b.Publish(KindStateChanged, map[string]string{"x": "y"})

	select {
	case evt := <-sub.Events():
		assert.Equal(t, KindStateChanged, evt.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	b := NewWithCapacity(2)
	sub := b.Subscribe(context.Background())
	defer sub.Unsubscribe()

	b.Publish(KindStateChanged, 1)
	b.Publish(KindStateChanged, 2)
	b.Publish(KindStateChanged, 3)

	first := <-sub.Events()
	second := <-sub.Events()
	assert.Equal(t, 2, first.Data)
	assert.Equal(t, 3, second.Data)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe(context.Background())
	sub.Unsubscribe()

	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestContextCancellationRemovesSubscriber(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	b.Subscribe(ctx)
	assert.Equal(t, 1, b.SubscriberCount())

	cancel()
	assert.Eventually(t, func() bool {
		return b.SubscriberCount() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestPublishDoesNotBlockWithNoSubscribers(t *testing.T) {
	b := New()
	assert.NotPanics(t, func() {
		b.Publish(KindSnapshot, nil)
	})
}
