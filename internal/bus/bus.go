// Package bus provides an internal event bus for component communication
package bus

import (
	"sync"
)

// EventType identifies different event types
type EventType string

// Event types for talkinghead
const (
	// Avatar intent events (inbound, from remote or tts)
	EventTypeTalkingChanged      EventType = "avatar.talking_changed"
	EventTypeGestureRequested    EventType = "avatar.gesture_requested"
	EventTypeExpressionRequested EventType = "avatar.expression_requested"
	EventTypeSpeakRequested      EventType = "avatar.speak_requested"

	// Avatar scene events (outbound, from the scheduler)
	EventTypeModelAttached    EventType = "avatar.model_attached"
	EventTypePlaceholderShown EventType = "avatar.placeholder_shown"
	EventTypeStateChanged     EventType = "avatar.state_changed"
	EventTypeOverlayChanged   EventType = "avatar.overlay_changed"

	// TTS events
	EventTypeTTSStarted   EventType = "tts.started"
	EventTypeTTSCompleted EventType = "tts.completed"
	EventTypeTTSFailed    EventType = "tts.failed"
)

// Event represents a bus event
type Event struct {
	Type EventType
	Data map[string]any
}

// Bool reads a boolean payload field.
func (e Event) Bool(key string) (bool, bool) {
	v, ok := e.Data[key].(bool)
	return v, ok
}

// String reads a string payload field.
func (e Event) String(key string) string {
	v, _ := e.Data[key].(string)
	return v
}

// Float reads a numeric payload field, accepting the usual JSON and Go numeric types.
func (e Event) Float(key string) (float64, bool) {
	switch v := e.Data[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// Handler is a function that handles events
type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
}

// EventBus is a simple pub/sub event bus
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]subscription
	nextID   uint64
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]subscription),
	}
}

// Subscribe adds a handler for an event type. The returned func removes
// it again and is safe to call more than once.
func (b *EventBus) Subscribe(eventType EventType, handler Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[eventType] = append(b.handlers[eventType], subscription{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(eventType, id) })
	}
}

// SubscribeMultiple adds a handler for multiple event types
func (b *EventBus) SubscribeMultiple(eventTypes []EventType, handler Handler) func() {
	unsubs := make([]func(), 0, len(eventTypes))
	for _, et := range eventTypes {
		unsubs = append(unsubs, b.Subscribe(et, handler))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (b *EventBus) remove(eventType EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.handlers[eventType]
	for i, s := range subs {
		if s.id == id {
			b.handlers[eventType] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.handlers[eventType]) == 0 {
		delete(b.handlers, eventType)
	}
}

// Count returns the number of handlers subscribed to an event type
func (b *EventBus) Count(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}

func (b *EventBus) snapshot(eventType EventType) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs := b.handlers[eventType]
	handlers := make([]Handler, len(subs))
	for i, s := range subs {
		handlers[i] = s.handler
	}
	return handlers
}

// Publish sends an event to all subscribed handlers
func (b *EventBus) Publish(event Event) {
	for _, handler := range b.snapshot(event.Type) {
		// Call handlers in goroutines to avoid blocking
		go handler(event)
	}
}

// PublishSync sends an event and waits for all handlers to complete
func (b *EventBus) PublishSync(event Event) {
	var wg sync.WaitGroup
	for _, handler := range b.snapshot(event.Type) {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			h(event)
		}(handler)
	}
	wg.Wait()
}

// Clear removes all handlers
func (b *EventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[EventType][]subscription)
}
