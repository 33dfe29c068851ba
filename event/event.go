package event

import (
	"log/slog"
	"sync"
	"time"
)

const subscriberQueueSize = 20

type Type string

type SubscriberID int

type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Type      Type      `json:"type"`
	Data      any       `json:"data"`
}

func New(eventType Type, data any) Event {
	return Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// Bus is a small publish/subscribe hub carrying workflow state transitions
// to observers such as the WebSocket event stream. Delivery is best effort:
// a subscriber that falls behind loses events rather than blocking the
// workflow that published them.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type]map[SubscriberID]chan Event
	lastID      SubscriberID
	logger      *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[Type]map[SubscriberID]chan Event),
		logger:      logger.With("component", "eventbus"),
	}
}

// Subscribe registers for events of the given types on a shared channel.
func (b *Bus) Subscribe(types ...Type) (SubscriberID, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastID++
	id := b.lastID
	ch := make(chan Event, subscriberQueueSize)
	for _, t := range types {
		if b.subscribers[t] == nil {
			b.subscribers[t] = make(map[SubscriberID]chan Event)
		}
		b.subscribers[t][id] = ch
	}
	return id, ch
}

// Unsubscribe removes the subscriber and closes its channel.
func (b *Bus) Unsubscribe(id SubscriberID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ch chan Event
	for _, subs := range b.subscribers {
		if c, ok := subs[id]; ok {
			ch = c
			delete(subs, id)
		}
	}
	if ch != nil {
		close(ch)
	}
}

// Publish delivers an event to every subscriber of its type.
func (b *Bus) Publish(eventType Type, data any) {
	evt := New(eventType, data)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers[eventType] {
		select {
		case ch <- evt:
		default:
			b.logger.Warn("dropping event for slow subscriber",
				"type", string(eventType), "subscriber", int(id))
		}
	}
}

// SubscribeFunc runs fn in its own goroutine for every matching event until
// Unsubscribe is called with the returned id.
func (b *Bus) SubscribeFunc(fn func(Event), types ...Type) SubscriberID {
	id, ch := b.Subscribe(types...)
	go func() {
		for evt := range ch {
			fn(evt)
		}
	}()
	return id
}
