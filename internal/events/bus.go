package events

import (
	"sync"
	"time"
)

// EventType represents the categories of events published on the bus
type EventType string

const (
	EventPositionOpened    EventType = "POSITION_OPENED"
	EventPositionClosed    EventType = "POSITION_CLOSED"
	EventProtectionChanged EventType = "PROTECTION_CHANGED"
	EventProtectionEvent   EventType = "PROTECTION_EVENT"
	EventRecoveryMode      EventType = "RECOVERY_MODE"
	EventBreakerTripped    EventType = "BREAKER_TRIPPED"
	EventAlert             EventType = "ALERT"
)

// Event is a message on the bus
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Bus manages event publishing and subscriptions
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
	}
}

// Subscribe registers a handler for a specific event type
func (b *Bus) Subscribe(t EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[t] = append(b.subscribers[t], sub)
}

// SubscribeAll registers a handler for every event
func (b *Bus) SubscribeAll(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, sub)
}

// Publish delivers an event to subscribers. Delivery is synchronous in
// registration order; handlers must not block.
func (b *Bus) Publish(t EventType, data map[string]interface{}) {
	event := Event{
		Type:      t,
		Timestamp: time.Now(),
		Data:      data,
	}

	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.subscribers[t])+len(b.allSubs))
	subs = append(subs, b.subscribers[t]...)
	subs = append(subs, b.allSubs...)
	b.mu.RUnlock()

	for _, sub := range subs {
		sub(event)
	}
}
