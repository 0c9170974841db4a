package client

import "sync"

// Topic identifies an event stream on the bus.
type Topic string

const (
	// TopicConnectionState fires on every ConnState transition.
	TopicConnectionState Topic = "connection-state"

	// TopicEntityChanged fires when an authoritative change lands in the
	// local cache, whether it arrived live, by catch-up, or by polling.
	TopicEntityChanged Topic = "entity-changed"

	// TopicConflict fires when the server reports a rejected or disputed
	// field write.
	TopicConflict Topic = "conflict"

	// TopicQueueFlushed fires after a queue replay acknowledges every
	// pending mutation.
	TopicQueueFlushed Topic = "queue-flushed"
)

// Event is a single bus delivery.
type Event struct {
	Topic   Topic
	Payload any
}

// EventBus is a typed publish/subscribe fan-out for client callbacks.
// Subscribers receive on buffered channels; a subscriber that falls
// behind loses events rather than blocking the sync loop.
type EventBus struct {
	mu   sync.RWMutex
	subs map[Topic][]chan Event
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[Topic][]chan Event)}
}

// Subscribe returns a channel receiving events for one topic.
func (b *EventBus) Subscribe(topic Topic) <-chan Event {
	ch := make(chan Event, 32)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()
	return ch
}

// Publish delivers an event to every subscriber of its topic.
// Never blocks; full subscriber buffers drop the event.
func (b *EventBus) Publish(topic Topic, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[topic] {
		select {
		case ch <- Event{Topic: topic, Payload: payload}:
		default:
		}
	}
}
