// Package animation decides which avatar asset is shown and when the next
// swap happens.
package animation

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/talkinghead/internal/asset"
	"github.com/normanking/talkinghead/internal/bus"
	"github.com/normanking/talkinghead/internal/engine"
	"github.com/normanking/talkinghead/internal/metrics"
)

// State is the scheduler's position in the idle/talking cycle
type State int

const (
	StateIdle State = iota
	StateTalking
	StateTransitioningToIdle
	StateTransitioningToTalking
)

func (s State) String() string {
	switch s {
	case StateTalking:
		return "talking"
	case StateTransitioningToIdle:
		return "transitioning_to_idle"
	case StateTransitioningToTalking:
		return "transitioning_to_talking"
	default:
		return "idle"
	}
}

// LoadFailure reports an asset that could not be fetched, parsed or
// uploaded. It is handled inside the scheduler and never surfaced to
// callers of SetTalking.
type LoadFailure struct {
	Asset    string
	Category asset.Category
	Attempt  int
	Err      error
}

func (e *LoadFailure) Error() string {
	return fmt.Sprintf("load %s asset %s (attempt %d): %v", e.Category, e.Asset, e.Attempt+1, e.Err)
}

func (e *LoadFailure) Unwrap() error {
	return e.Err
}

// Scene is the part of the scene owner the scheduler drives
type Scene interface {
	Attach(model *asset.Model, loop bool) (asset.Clip, error)
	ShowPlaceholder() error
	Dispose()
}

// Options tunes switching behaviour
type Options struct {
	// SwapPause is added to a talking clip's duration before the next swap
	SwapPause time.Duration
	// RetryDelay is the wait before the fallback talking load
	RetryDelay time.Duration
	Rand       *rand.Rand
	// Spawn runs a load off the owning goroutine. Defaults to a new goroutine.
	Spawn func(func())
	Bus   *bus.EventBus
}

// DefaultOptions returns the stock pause and retry timings
func DefaultOptions() Options {
	return Options{
		SwapPause:  1500 * time.Millisecond,
		RetryDelay: time.Second,
	}
}

// Status is a point-in-time view of the scheduler
type Status struct {
	State       State
	Intent      bool
	Current     string
	Placeholder bool
	Token       uint64
	SwapPending bool
}

// Scheduler runs the idle/talking state machine. Every method, and every
// closure it hands to post, must run on one goroutine; loads are the only
// work done elsewhere and they report back through post.
type Scheduler struct {
	catalog *asset.Catalog
	loader  asset.Loader
	scene   Scene
	clock   engine.Clock
	post    func(func())
	timer   *SwapTimer
	opts    Options
	log     zerolog.Logger

	state       State
	intent      bool
	token       uint64
	cancel      context.CancelFunc
	current     string
	lastTalking string
	placeholder bool
	started     bool
	stopped     bool

	// loading maps an asset to the newest session loading it
	loading map[string]uint64
}

// NewScheduler wires a scheduler. post must enqueue its argument for
// execution on the goroutine that calls the scheduler's methods.
func NewScheduler(catalog *asset.Catalog, loader asset.Loader, scene Scene, clock engine.Clock, post func(func()), opts Options, log zerolog.Logger) *Scheduler {
	if opts.SwapPause <= 0 {
		opts.SwapPause = DefaultOptions().SwapPause
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(clock.Now().UnixNano()))
	}
	if opts.Spawn == nil {
		opts.Spawn = func(f func()) { go f() }
	}

	return &Scheduler{
		catalog: catalog,
		loader:  loader,
		scene:   scene,
		clock:   clock,
		post:    post,
		timer:   NewSwapTimer(clock, post),
		opts:    opts,
		log:     log,
		loading: make(map[string]uint64),
	}
}

// Start shows the asset for the initial intent
func (s *Scheduler) Start(talking bool) {
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.intent = talking
	s.request()
}

// SetTalking records the latest intent. Repeating the current value is a
// no-op; a change supersedes any pending load and swap.
func (s *Scheduler) SetTalking(talking bool) {
	if s.stopped {
		return
	}
	if !s.started {
		s.intent = talking
		return
	}
	if talking == s.intent {
		return
	}
	s.intent = talking
	s.log.Debug().Bool("talking", talking).Str("state", s.state.String()).Msg("Intent changed")
	s.request()
}

// Stop cancels the pending swap and in-flight load and disposes the scene.
// Safe to call more than once.
func (s *Scheduler) Stop() {
	if s.stopped {
		return
	}
	s.stopped = true
	s.invalidate()
	s.scene.Dispose()
	s.log.Debug().Uint64("token", s.token).Msg("Scheduler stopped")
}

// Status returns the current view
func (s *Scheduler) Status() Status {
	return Status{
		State:       s.state,
		Intent:      s.intent,
		Current:     s.current,
		Placeholder: s.placeholder,
		Token:       s.token,
		SwapPending: s.timer.Pending(),
	}
}

// invalidate starts a new session: outstanding loads and timers become stale
func (s *Scheduler) invalidate() uint64 {
	s.token++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if armed := s.timer.Token(); armed != 0 {
		s.log.Debug().Uint64("swap_token", armed).Uint64("token", s.token).Msg("Pending swap cancelled")
	}
	s.timer.Cancel()
	return s.token
}

// request starts a session that converges the scene on the current intent
func (s *Scheduler) request() {
	token := s.invalidate()
	if s.intent {
		s.setState(StateTransitioningToTalking)
		s.load(token, s.catalog.PickTalking(s.opts.Rand, s.lastTalking), 0)
		return
	}
	s.setState(StateTransitioningToIdle)
	s.load(token, s.catalog.Idle(), 0)
}

func (s *Scheduler) load(token uint64, name string, attempt int) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.catalog.MarkState(name, asset.StateLoading)
	s.loading[name] = token
	started := s.clock.Now()

	s.log.Debug().Str("asset", name).Uint64("token", token).Int("attempt", attempt).Msg("Loading asset")

	loader, post := s.loader, s.post
	s.opts.Spawn(func() {
		model, err := loader.Load(ctx, name)
		post(func() { s.complete(token, name, attempt, started, model, err) })
	})
}

func (s *Scheduler) complete(token uint64, name string, attempt int, started time.Time, model *asset.Model, err error) {
	entry, _ := s.catalog.Lookup(name)
	category := string(entry.Category)

	newest := s.loading[name] == token
	if newest {
		delete(s.loading, name)
	}

	if token != s.token || s.stopped {
		// a discarded result is not a failure; leave a newer load's state alone
		if newest {
			s.catalog.MarkState(name, asset.StateUnloaded)
		}
		metrics.StaleResults.Inc()
		metrics.AssetLoads.WithLabelValues(category, metrics.ResultStale).Inc()
		s.log.Debug().Str("asset", name).Uint64("token", token).Uint64("current", s.token).Msg("Dropping superseded load")
		return
	}

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	metrics.AssetLoadDuration.Observe(s.clock.Now().Sub(started).Seconds())

	if err != nil {
		s.catalog.MarkState(name, asset.StateFailed)
		metrics.AssetLoads.WithLabelValues(category, metrics.ResultFailed).Inc()
		s.fail(&LoadFailure{Asset: name, Category: entry.Category, Attempt: attempt, Err: err})
		return
	}

	talking := entry.Category == asset.CategoryTalking
	clip, err := s.scene.Attach(model, !talking)
	if err != nil {
		metrics.AssetLoads.WithLabelValues(category, metrics.ResultFailed).Inc()
		s.catalog.MarkState(name, asset.StateFailed)
		s.fail(&LoadFailure{Asset: name, Category: entry.Category, Attempt: attempt, Err: err})
		return
	}
	metrics.AssetLoads.WithLabelValues(category, metrics.ResultOK).Inc()
	s.catalog.MarkState(name, asset.StateReady)
	s.catalog.SetClip(name, clip.Length())

	s.current = name
	s.placeholder = false
	s.publish(bus.EventTypeModelAttached, map[string]any{
		"asset":    name,
		"category": category,
		"clip":     clip.Name,
		"duration": clip.Length().Seconds(),
	})

	if !talking {
		s.setState(StateIdle)
		return
	}

	s.lastTalking = name
	s.setState(StateTalking)
	delay := clip.Length() + s.opts.SwapPause
	s.timer.Schedule(token, delay, func() { s.swapDue(token) })
	s.log.Debug().Str("asset", name).Dur("next_swap", delay).Msg("Talking clip attached")
}

// swapDue runs when a talking clip plus the pause has elapsed
func (s *Scheduler) swapDue(token uint64) {
	if token != s.token || s.stopped {
		metrics.StaleResults.Inc()
		return
	}
	s.request()
}

// fail applies the fallback rule: one retry with a different talking asset,
// otherwise the placeholder
func (s *Scheduler) fail(failure *LoadFailure) {
	s.log.Warn().Err(failure.Err).
		Str("asset", failure.Asset).
		Str("category", string(failure.Category)).
		Int("attempt", failure.Attempt+1).
		Msg("Asset load failed")

	if failure.Category == asset.CategoryTalking && failure.Attempt == 0 && s.intent {
		token := s.invalidate()
		next := s.catalog.PickTalking(s.opts.Rand, failure.Asset, s.lastTalking)
		s.log.Info().Str("failed", failure.Asset).Str("fallback", next).Dur("delay", s.opts.RetryDelay).Msg("Retrying with another talking asset")
		s.timer.Schedule(token, s.opts.RetryDelay, func() {
			if token != s.token || s.stopped {
				metrics.StaleResults.Inc()
				return
			}
			s.load(token, next, failure.Attempt+1)
		})
		return
	}

	s.showPlaceholder()
}

func (s *Scheduler) showPlaceholder() {
	if err := s.scene.ShowPlaceholder(); err != nil {
		s.log.Error().Err(err).Msg("Placeholder could not be shown")
	}
	s.current = ""
	s.placeholder = true
	if s.intent {
		s.setState(StateTalking)
	} else {
		s.setState(StateIdle)
	}
	s.publish(bus.EventTypePlaceholderShown, map[string]any{"talking": s.intent})
}

func (s *Scheduler) setState(next State) {
	if next == s.state {
		return
	}
	prev := s.state
	s.state = next
	s.publish(bus.EventTypeStateChanged, map[string]any{
		"from": prev.String(),
		"to":   next.String(),
	})
}

func (s *Scheduler) publish(t bus.EventType, data map[string]any) {
	if s.opts.Bus != nil {
		s.opts.Bus.Publish(bus.Event{Type: t, Data: data})
	}
}
