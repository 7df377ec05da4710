// Package stage is the public surface of the talking head: mount it, feed
// it the talking intent and gestures, unmount it.
package stage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/rs/zerolog"

	"github.com/normanking/talkinghead/internal/animation"
	"github.com/normanking/talkinghead/internal/asset"
	"github.com/normanking/talkinghead/internal/avatar"
	"github.com/normanking/talkinghead/internal/bus"
	"github.com/normanking/talkinghead/internal/engine"
	"github.com/normanking/talkinghead/internal/scene"
)

var (
	// ErrMounted is returned by a second Mount
	ErrMounted = errors.New("stage already mounted")
	// ErrNotMounted is returned by Run before Mount or after Unmount
	ErrNotMounted = errors.New("stage not mounted")
)

const inboxSize = 256

// Drawer is the frame sink. All calls happen on the render goroutine.
type Drawer interface {
	Draw(snap scene.Snapshot, overlay mgl32.Mat4, tint mgl32.Vec3)
	DrawEmpty()
	Present()
	ShouldClose() bool
}

// Config wires a stage
type Config struct {
	Catalog  *asset.Catalog
	Loader   asset.Loader
	Uploader scene.Uploader
	Drawer   Drawer

	// Camera and Surface follow the viewport size; Resize feeds it
	Camera  engine.Camera
	Surface engine.Surface
	Resize  engine.ResizeSource
	Width   int
	Height  int

	Clock     engine.Clock
	Bus       *bus.EventBus
	Scene     scene.Options
	Scheduler animation.Options
	Avatar    avatar.Options
	FPS       int
	Step      float32
	Logger    zerolog.Logger
}

// Stage owns the scene, scheduler, overlay controller, viewport and render
// loop for one mounted avatar. The scheduler and scene are only touched on
// the goroutine running Run; everything else reaches them through the
// inbox.
type Stage struct {
	drawer   Drawer
	resize   engine.ResizeSource
	eventBus *bus.EventBus
	log      zerolog.Logger

	owner    *scene.Owner
	sched    *animation.Scheduler
	ctrl     *avatar.Controller
	viewport *engine.Viewport
	loop     *engine.Loop

	inbox chan func()
	done  chan struct{}
	torn  chan struct{}

	mu       sync.Mutex
	ctx      context.Context
	mounted  bool
	running  bool
	released bool
	unsubs   []func()

	releaseOnce sync.Once
	elapsed     float32
}

// New builds an unmounted stage
func New(cfg Config) *Stage {
	if cfg.Clock == nil {
		cfg.Clock = engine.RealClock()
	}
	if cfg.Bus == nil {
		cfg.Bus = bus.NewEventBus()
	}
	if cfg.Scene.Base == (mgl32.Mat4{}) {
		cfg.Scene = scene.DefaultOptions()
	}

	s := &Stage{
		drawer:   cfg.Drawer,
		resize:   cfg.Resize,
		eventBus: cfg.Bus,
		log:      cfg.Logger,
		inbox:    make(chan func(), inboxSize),
		done:     make(chan struct{}),
		torn:     make(chan struct{}),
	}

	s.owner = scene.NewOwner(cfg.Uploader, cfg.Scene, cfg.Logger.With().Str("component", "scene").Logger())

	opts := cfg.Scheduler
	opts.Bus = cfg.Bus
	s.sched = animation.NewScheduler(cfg.Catalog, cfg.Loader, s.owner, cfg.Clock, s.post, opts,
		cfg.Logger.With().Str("component", "scheduler").Logger())

	s.ctrl = avatar.NewController(cfg.Clock, cfg.Avatar)
	s.ctrl.SetStateHandler(func(st avatar.State) {
		s.eventBus.Publish(bus.Event{
			Type: bus.EventTypeOverlayChanged,
			Data: map[string]any{
				"expression": string(st.Expression),
				"pose":       string(st.Pose),
				"mood":       string(st.Mood),
				"gesture":    string(st.Gesture),
				"animating":  st.Animating,
			},
		})
	})

	s.viewport = engine.NewViewport(cfg.Camera, cfg.Surface, cfg.Width, cfg.Height, cfg.Logger)
	s.loop = engine.NewLoop(cfg.FPS, cfg.Step, cfg.Logger)
	return s
}

// Mount subscribes to the bus, attaches the resize listener and queues the
// first load for the given intent. The stage lives until ctx is done or
// Unmount is called.
func (s *Stage) Mount(ctx context.Context, talking bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return ErrNotMounted
	}
	if s.mounted {
		return ErrMounted
	}

	if s.resize != nil {
		if err := s.viewport.Attach(s.resize); err != nil {
			return err
		}
	}

	s.unsubs = append(s.unsubs,
		s.eventBus.Subscribe(bus.EventTypeTalkingChanged, s.onTalking),
		s.eventBus.Subscribe(bus.EventTypeGestureRequested, s.onGesture),
		s.eventBus.Subscribe(bus.EventTypeExpressionRequested, s.onExpression),
	)

	s.ctx = ctx
	s.mounted = true
	s.post(func() { s.sched.Start(talking) })

	s.log.Info().Bool("talking", talking).Msg("Stage mounted")
	return nil
}

// Run drives frames until the window closes, Unmount is called or the
// mount context is done, then tears the stage down. It must be called on
// the goroutine that owns the GL context.
func (s *Stage) Run() error {
	s.mu.Lock()
	if !s.mounted || s.released {
		s.mu.Unlock()
		return ErrNotMounted
	}
	s.running = true
	ctx := s.ctx
	s.mu.Unlock()

	err := s.loop.Run(ctx, s)

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.release()
	return err
}

// SetTalking records the latest talking intent. Safe from any goroutine.
func (s *Stage) SetTalking(talking bool) {
	s.post(func() { s.sched.SetTalking(talking) })
}

// Gesture performs a scripted gesture. Safe from any goroutine.
func (s *Stage) Gesture(g avatar.Gesture, intensity float32) error {
	return s.ctrl.Perform(g, intensity)
}

// Expression shows expr for d. Safe from any goroutine.
func (s *Stage) Expression(expr avatar.Expression, d time.Duration) {
	s.ctrl.ChangeExpression(expr, d)
}

// Mood sets the persistent mood. Safe from any goroutine.
func (s *Stage) Mood(m avatar.Mood) {
	s.ctrl.SetMood(m)
}

// Avatar returns the overlay state
func (s *Stage) Avatar() avatar.State {
	return s.ctrl.GetState()
}

// Viewport returns the current viewport size
func (s *Stage) Viewport() engine.ViewportState {
	return s.viewport.State()
}

// Frames returns the number of frames rendered
func (s *Stage) Frames() uint64 {
	return s.loop.Frames()
}

// Unmount stops the loop, cancels timers, discards in-flight loads and
// disposes the scene. Safe to call more than once and before Mount. When
// Run is active the teardown happens on its goroutine and Unmount waits
// for it, so it must not be called from inside a frame.
func (s *Stage) Unmount() {
	s.loop.Stop()

	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	if running {
		<-s.torn
		return
	}
	s.release()
}

// Advance drains the inbox and moves the clip forward. Implements
// engine.Target.
func (s *Stage) Advance(step float32) {
	s.drain()
	s.elapsed += step
	s.owner.Advance(step, s.ctrl.Speed())
}

// Render draws the attached model, or an empty frame. Implements
// engine.Target.
func (s *Stage) Render() {
	if s.drawer == nil {
		return
	}
	if s.drawer.ShouldClose() {
		s.loop.Stop()
		return
	}

	if snap, ok := s.owner.Active(); ok {
		s.drawer.Draw(snap, s.ctrl.Overlay(s.elapsed), s.ctrl.Tint())
	} else {
		s.drawer.DrawEmpty()
	}
	s.drawer.Present()
}

// post queues fn for the render goroutine. After teardown it drops fn.
func (s *Stage) post(fn func()) {
	select {
	case s.inbox <- fn:
	case <-s.done:
	}
}

func (s *Stage) drain() {
	for {
		select {
		case fn := <-s.inbox:
			fn()
		default:
			return
		}
	}
}

func (s *Stage) release() {
	s.releaseOnce.Do(func() {
		s.mu.Lock()
		s.released = true
		unsubs := s.unsubs
		s.unsubs = nil
		s.mu.Unlock()

		for _, unsub := range unsubs {
			unsub()
		}
		s.viewport.Detach()
		s.loop.Stop()

		close(s.done)
		last := s.sched.Status()
		s.sched.Stop()
		s.ctrl.Stop()
		close(s.torn)

		s.log.Info().
			Uint64("frames", s.loop.Frames()).
			Str("state", last.State.String()).
			Str("asset", last.Current).
			Uint64("token", last.Token).
			Msg("Stage unmounted")
	})
}

func (s *Stage) onTalking(e bus.Event) {
	if talking, ok := e.Bool("talking"); ok {
		s.SetTalking(talking)
	}
}

func (s *Stage) onGesture(e bus.Event) {
	g, err := avatar.ParseGesture(e.String("gesture"))
	if err != nil {
		s.log.Warn().Err(err).Msg("Ignoring gesture request")
		return
	}
	intensity, _ := e.Float("intensity")
	if err := s.Gesture(g, float32(intensity)); err != nil {
		s.log.Warn().Err(err).Msg("Gesture failed")
	}
}

func (s *Stage) onExpression(e bus.Event) {
	if name := e.String("expression"); name != "" {
		expr, err := avatar.ParseExpression(name)
		if err != nil {
			s.log.Warn().Err(err).Msg("Ignoring expression request")
			return
		}
		ms, _ := e.Float("duration_ms")
		s.Expression(expr, time.Duration(ms)*time.Millisecond)
	}
	if name := e.String("mood"); name != "" {
		mood, err := avatar.ParseMood(name)
		if err != nil {
			s.log.Warn().Err(err).Msg("Ignoring mood request")
			return
		}
		s.Mood(mood)
	}
}
