package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroker_PublishReachesSubscriber(t *testing.T) {
	b := New[string](10)
	b.Start()
	defer b.Stop()

	sub := b.Subscribe(1)
	b.Publish("connected")

	select {
	case v := <-sub:
		assert.Equal(t, "connected", v)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published value")
	}
}

func TestBroker_UnsubscribeClosesChannel(t *testing.T) {
	b := New[int](10)
	b.Start()
	defer b.Stop()

	sub := b.Subscribe(1)
	b.Unsubscribe(sub)

	_, ok := <-sub
	assert.False(t, ok)
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestBroker_SlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := New[int](10)
	b.Start()
	defer b.Stop()

	_ = b.Subscribe(1) // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			b.Publish(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
}

func TestBroker_StopIsIdempotent(t *testing.T) {
	b := New[int](1)
	b.Start()
	require.NotPanics(t, func() {
		b.Stop()
		b.Stop()
	})
}
