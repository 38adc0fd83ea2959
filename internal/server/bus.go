package server

import (
	"sync"
	"time"
)

// EventType classifies a bridge event for WebSocket clients.
type EventType string

const (
	EventFrame   EventType = "frame"
	EventCommand EventType = "command"
	EventStatus  EventType = "status"
	EventError   EventType = "error"
)

// Event is the JSON envelope sent to WebSocket clients.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

type subscriber struct {
	ch chan Event
}

// EventBus fans events out to all registered WebSocket clients.
type EventBus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewEventBus constructs a ready EventBus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a client. The returned function unregisters it and
// closes the channel; it must be called exactly once.
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, 64)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
		close(s.ch)
	}
	return s.ch, unsub
}

// Publish sends e to all current subscribers. A subscriber whose buffer is
// full misses the event; history is available from /api/history.
func (b *EventBus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Len returns the current subscriber count.
func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
