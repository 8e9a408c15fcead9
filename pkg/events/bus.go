package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// subscriberBuffer is the per-subscriber channel capacity. Publish never
// blocks: a subscriber that falls this far behind loses events.
const subscriberBuffer = 256

// Bus is an in-memory typed pub/sub. Safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan Event
	closed bool
	now    func() time.Time
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string]chan Event),
		now:  time.Now,
	}
}

// Subscribe registers a new subscriber and returns its id and channel.
// The channel closes on Unsubscribe or Close.
func (b *Bus) Subscribe() (string, <-chan Event) {
	id := uuid.New().String()
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return id, ch
	}
	b.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish delivers an event to every subscriber without blocking. The
// event timestamp is stamped here if unset.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = b.now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("Dropping observer event for slow subscriber",
				"subscriber_id", id, "event_type", ev.Type)
		}
	}
}

// Close closes every subscriber channel. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
