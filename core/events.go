package core

/*
	Pub/sub event broker for decoupled component communication.
	Injection lifecycle state changes are published here so the CLI
	can react without being wired directly into the transaction.
*/

import (
	"sync"
	"time"
)

const (
	// eventBufSize - Buffer size for event channels to avoid blocking
	eventBufSize = 100
)

// EventType represents the type of event
type EventType string

const (
	// Transaction events
	EventTransactionCommitted EventType = "transaction_committed"
	EventTransactionFailed    EventType = "transaction_failed"
	EventTransactionExecuted  EventType = "transaction_executed"

	// Memory events
	EventMemoryAllocated EventType = "memory_allocated"
	EventMemoryWritten   EventType = "memory_written"
)

// Event represents a system event
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]interface{}
}

// EventBroker fans events out to subscribers
type EventBroker struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
}

// NewEventBroker creates a new event broker
func NewEventBroker() *EventBroker {
	return &EventBroker{
		subscribers: make(map[EventType][]chan Event),
	}
}

// Subscribe returns a channel receiving events of the given type.
func (b *EventBroker) Subscribe(t EventType) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, eventBufSize)
	b.subscribers[t] = append(b.subscribers[t], ch)
	return ch
}

// Publish delivers the event to all subscribers of its type.
// Slow subscribers with full buffers are skipped rather than blocked on.
func (b *EventBroker) Publish(t EventType, data map[string]interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ev := Event{Type: t, Timestamp: time.Now(), Data: data}
	for _, ch := range b.subscribers[t] {
		select {
		case ch <- ev:
		default:
		}
	}
}
