package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBusDelivers(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	bus.Publish(EventNetworkChange, "online")

	select {
	case event := <-ch:
		assert.Equal(t, EventNetworkChange, event.Type)
		assert.Equal(t, "online", event.Data)
		assert.False(t, event.At.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestEventBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch, unsubscribe := bus.Subscribe()
	unsubscribe()
	unsubscribe() // safe to call twice

	bus.Publish(EventError, "dropped")

	_, open := <-ch
	assert.False(t, open, "channel closed after unsubscribe")
}

func TestEventBusSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	// Overflow the buffer without draining; Publish must never stall.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < eventBufferSize*2; i++ {
			bus.Publish(EventSyncProgress, i)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	assert.Len(t, ch, eventBufferSize, "excess events dropped, buffer intact")
}

func TestEventBusClose(t *testing.T) {
	bus := NewEventBus()

	ch, _ := bus.Subscribe()
	bus.Close()
	bus.Close() // idempotent

	_, open := <-ch
	require.False(t, open)

	// Publishing and subscribing after close are no-ops.
	bus.Publish(EventError, "late")
	late, _ := bus.Subscribe()
	_, open = <-late
	assert.False(t, open)
}
