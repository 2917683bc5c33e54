package sync

import (
	stdsync "sync"
	"time"
)

const eventBufferSize = 16

// EventType identifies a pipeline notification.
type EventType string

const (
	EventNetworkChange    EventType = "network-change"
	EventSyncProgress     EventType = "sync-progress"
	EventConflictDetected EventType = "conflict-detected"
	EventSyncComplete     EventType = "sync-complete"
	EventError            EventType = "error"
)

// Event is a one-way notification; no acknowledgement is expected.
type Event struct {
	Type EventType
	At   time.Time
	Data any
}

// Unsubscribe removes a subscription. Safe to call more than once.
type Unsubscribe func()

// EventBus fans events out to subscribers. Delivery is non-blocking: a
// subscriber that falls behind loses events rather than stalling the
// pipeline.
type EventBus struct {
	mu     stdsync.Mutex
	subs   map[uint64]chan *Event
	nextID uint64
	closed bool
}

func NewEventBus() *EventBus {
	return &EventBus{
		subs: make(map[uint64]chan *Event),
	}
}

// Subscribe registers a handler channel and returns it with its
// unsubscribe handle. Removal is O(1) via the subscription token.
func (b *EventBus) Subscribe() (<-chan *Event, Unsubscribe) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, eventBufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once stdsync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// Publish sends an event to all subscribers without blocking.
func (b *EventBus) Publish(eventType EventType, data any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	event := &Event{Type: eventType, At: time.Now(), Data: data}
	for _, sub := range b.subs {
		select {
		case sub <- event:
		default:
			// subscriber buffer full, drop
		}
	}
}

// Close shuts down all subscriptions.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub)
	}
}
