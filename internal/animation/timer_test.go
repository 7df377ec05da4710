package animation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/normanking/talkinghead/internal/engine"
)

func TestSwapTimer_RescheduleKeepsOnlyLatest(t *testing.T) {
	clock := engine.NewManualClock(time.Unix(0, 0))
	q := &queue{}
	timer := NewSwapTimer(clock, q.post)

	var fired []uint64
	timer.Schedule(1, time.Second, func() { fired = append(fired, 1) })
	timer.Schedule(2, 2*time.Second, func() { fired = append(fired, 2) })

	assert.Equal(t, 1, clock.Pending())
	assert.Equal(t, uint64(2), timer.Token())

	clock.Advance(3 * time.Second)
	q.drain()

	assert.Equal(t, []uint64{2}, fired)
	assert.False(t, timer.Pending())
	assert.Equal(t, uint64(0), timer.Token())
}

func TestSwapTimer_CancelAfterFireBeforeDelivery(t *testing.T) {
	clock := engine.NewManualClock(time.Unix(0, 0))
	q := &queue{}
	timer := NewSwapTimer(clock, q.post)

	ran := false
	timer.Schedule(1, time.Second, func() { ran = true })
	clock.Advance(time.Second)
	assert.Equal(t, 1, q.len())

	timer.Cancel()
	q.drain()
	assert.False(t, ran)
}

func TestSwapTimer_RescheduleAfterFireBeforeDelivery(t *testing.T) {
	clock := engine.NewManualClock(time.Unix(0, 0))
	q := &queue{}
	timer := NewSwapTimer(clock, q.post)

	var fired []string
	timer.Schedule(1, time.Second, func() { fired = append(fired, "old") })
	clock.Advance(time.Second)
	timer.Schedule(2, time.Second, func() { fired = append(fired, "new") })
	q.drain()
	assert.Empty(t, fired)

	clock.Advance(time.Second)
	q.drain()
	assert.Equal(t, []string{"new"}, fired)
}
