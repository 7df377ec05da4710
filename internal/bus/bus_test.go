package bus

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus_PublishSyncDeliversToSubscribers(t *testing.T) {
	b := NewEventBus()
	var got atomic.Int32

	b.Subscribe(EventTypeTalkingChanged, func(e Event) {
		v, ok := e.Bool("talking")
		if ok && v {
			got.Add(1)
		}
	})
	b.Subscribe(EventTypeGestureRequested, func(Event) { got.Add(100) })

	b.PublishSync(Event{Type: EventTypeTalkingChanged, Data: map[string]any{"talking": true}})
	assert.Equal(t, int32(1), got.Load())
}

func TestEventBus_UnsubscribeIsIdempotent(t *testing.T) {
	b := NewEventBus()
	var calls atomic.Int32

	unsubA := b.Subscribe(EventTypeTalkingChanged, func(Event) { calls.Add(1) })
	b.Subscribe(EventTypeTalkingChanged, func(Event) { calls.Add(10) })
	require.Equal(t, 2, b.Count(EventTypeTalkingChanged))

	unsubA()
	unsubA()
	assert.Equal(t, 1, b.Count(EventTypeTalkingChanged))

	b.PublishSync(Event{Type: EventTypeTalkingChanged})
	assert.Equal(t, int32(10), calls.Load())
}

func TestEventBus_SubscribeMultiple(t *testing.T) {
	b := NewEventBus()
	var calls atomic.Int32

	unsub := b.SubscribeMultiple([]EventType{EventTypeTTSStarted, EventTypeTTSCompleted}, func(Event) { calls.Add(1) })
	b.PublishSync(Event{Type: EventTypeTTSStarted})
	b.PublishSync(Event{Type: EventTypeTTSCompleted})
	assert.Equal(t, int32(2), calls.Load())

	unsub()
	assert.Equal(t, 0, b.Count(EventTypeTTSStarted))
	assert.Equal(t, 0, b.Count(EventTypeTTSCompleted))
}

func TestEventBus_PublishIsAsync(t *testing.T) {
	b := NewEventBus()
	done := make(chan struct{})
	b.Subscribe(EventTypeStateChanged, func(Event) { close(done) })

	b.Publish(Event{Type: EventTypeStateChanged})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}
}

func TestEventBus_Clear(t *testing.T) {
	b := NewEventBus()
	b.Subscribe(EventTypeModelAttached, func(Event) {})
	b.Clear()
	assert.Equal(t, 0, b.Count(EventTypeModelAttached))
}

func TestEvent_Accessors(t *testing.T) {
	e := Event{Data: map[string]any{"i": 0.5, "n": 3, "s": "wave"}}

	f, ok := e.Float("i")
	assert.True(t, ok)
	assert.Equal(t, 0.5, f)

	f, ok = e.Float("n")
	assert.True(t, ok)
	assert.Equal(t, 3.0, f)

	_, ok = e.Float("missing")
	assert.False(t, ok)
	assert.Equal(t, "wave", e.String("s"))
	assert.Equal(t, "", e.String("missing"))
}
