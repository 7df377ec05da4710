// Package engine drives frames and keeps the viewport in sync with the
// window.
package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/talkinghead/internal/metrics"
)

var (
	// ErrLoopRunning is returned when Run is called on a loop that is already running
	ErrLoopRunning = errors.New("render loop already running")
	// ErrAlreadyAttached is returned when a viewport is attached twice
	ErrAlreadyAttached = errors.New("viewport already attached")
)

// Target is advanced and drawn once per frame
type Target interface {
	Advance(step float32)
	Render()
}

// Loop is a frame-rate paced driver. Every tick it advances the target by
// a fixed nominal step and then renders, whatever state the scene is in.
type Loop struct {
	interval time.Duration
	step     float32
	log      zerolog.Logger

	running  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	frames   atomic.Uint64
}

// NewLoop creates a loop ticking fps times per second
func NewLoop(fps int, step float32, log zerolog.Logger) *Loop {
	if fps <= 0 {
		fps = 60
	}
	if step <= 0 {
		step = 0.016
	}
	return &Loop{
		interval: time.Second / time.Duration(fps),
		step:     step,
		log:      log,
		stop:     make(chan struct{}),
	}
}

// Run blocks until Stop is called or ctx is done. It must be called from
// the goroutine that owns the render context.
func (l *Loop) Run(ctx context.Context, target Target) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer l.running.Store(false)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.log.Debug().Dur("interval", l.interval).Float32("step", l.step).Msg("Render loop started")
	defer func() {
		l.log.Debug().Uint64("frames", l.frames.Load()).Msg("Render loop stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stop:
			return nil
		case <-ticker.C:
			l.Frame(target)
		}
	}
}

// Frame runs a single advance+render pass
func (l *Loop) Frame(target Target) {
	target.Advance(l.step)
	target.Render()
	l.frames.Add(1)
	metrics.Frames.Inc()
}

// Stop ends Run. Only the first call has any effect.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Frames returns the number of frames rendered so far
func (l *Loop) Frames() uint64 {
	return l.frames.Load()
}
