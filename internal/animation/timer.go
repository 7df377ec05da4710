package animation

import (
	"time"

	"github.com/normanking/talkinghead/internal/engine"
)

// SwapTimer holds at most one pending callback, keyed by session token.
// Firing does not run the callback directly: it posts it to the owning
// goroutine, where it runs only if the timer was not cancelled or
// rescheduled in the meantime.
type SwapTimer struct {
	clock   engine.Clock
	post    func(func())
	pending engine.Timer
	token   uint64
	seq     uint64
}

// NewSwapTimer creates an idle timer slot
func NewSwapTimer(clock engine.Clock, post func(func())) *SwapTimer {
	return &SwapTimer{clock: clock, post: post}
}

// Schedule replaces any pending callback with fn, due after d
func (t *SwapTimer) Schedule(token uint64, d time.Duration, fn func()) {
	t.Cancel()

	t.seq++
	seq := t.seq
	t.token = token
	t.pending = t.clock.AfterFunc(d, func() {
		t.post(func() {
			if t.pending == nil || t.seq != seq {
				return
			}
			t.pending = nil
			fn()
		})
	})
}

// Cancel drops the pending callback, if any
func (t *SwapTimer) Cancel() {
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
	t.seq++
}

// Pending reports whether a callback is armed
func (t *SwapTimer) Pending() bool {
	return t.pending != nil
}

// Token returns the session the pending callback belongs to
func (t *SwapTimer) Token() uint64 {
	if t.pending == nil {
		return 0
	}
	return t.token
}
