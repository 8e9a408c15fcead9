package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusPublishToSubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	_, ch := bus.Subscribe()
	bus.Publish(Event{Type: TypeSessionStarted, SessionID: "s1", IssueID: "i1"})

	select {
	case ev := <-ch:
		assert.Equal(t, TypeSessionStarted, ev.Type)
		assert.Equal(t, "s1", ev.SessionID)
		assert.False(t, ev.At.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	id, ch := bus.Subscribe()
	bus.Unsubscribe(id)

	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic.
	bus.Publish(Event{Type: TypeStarted})
}

func TestBusSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	_, ch := bus.Subscribe()

	done := make(chan struct{})
	go func() {
		// Overfill the subscriber buffer; Publish must never block.
		for i := 0; i < subscriberBuffer*2; i++ {
			bus.Publish(Event{Type: TypeError})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	// The buffer holds at most subscriberBuffer events.
	count := 0
	for {
		select {
		case <-ch:
			count++
			continue
		default:
		}
		break
	}
	require.LessOrEqual(t, count, subscriberBuffer)
	assert.Positive(t, count)
}

func TestBusCloseIsIdempotent(t *testing.T) {
	bus := NewBus()
	_, ch := bus.Subscribe()

	bus.Close()
	assert.NotPanics(t, bus.Close)

	_, open := <-ch
	assert.False(t, open)

	// Subscribe after close returns a closed channel.
	_, ch2 := bus.Subscribe()
	_, open = <-ch2
	assert.False(t, open)
}
