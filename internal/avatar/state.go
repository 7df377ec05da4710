// Package avatar manages short-lived expression, pose and mood overrides
// layered on top of the playing clip.
package avatar

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/normanking/talkinghead/internal/engine"
)

// Expression is the avatar's facial expression
type Expression string

const (
	ExpressionNeutral   Expression = "neutral"
	ExpressionHappy     Expression = "happy"
	ExpressionSurprised Expression = "surprised"
	ExpressionThinking  Expression = "thinking"
	ExpressionSpeaking  Expression = "speaking"
	ExpressionWinking   Expression = "winking"
	ExpressionSad       Expression = "sad"
)

// Pose is the head orientation
type Pose string

const (
	PoseCenter  Pose = "center"
	PoseLeft    Pose = "left"
	PoseRight   Pose = "right"
	PoseNodding Pose = "nodding"
	PoseShaking Pose = "shaking"
)

// Mood affects playback speed and idle motion
type Mood string

const (
	MoodCalm    Mood = "calm"
	MoodExcited Mood = "excited"
	MoodFocused Mood = "focused"
	MoodSleepy  Mood = "sleepy"
)

// ParseExpression validates an expression name
func ParseExpression(s string) (Expression, error) {
	switch e := Expression(s); e {
	case ExpressionNeutral, ExpressionHappy, ExpressionSurprised, ExpressionThinking,
		ExpressionSpeaking, ExpressionWinking, ExpressionSad:
		return e, nil
	}
	return "", fmt.Errorf("unknown expression %q", s)
}

// ParsePose validates a pose name
func ParsePose(s string) (Pose, error) {
	switch p := Pose(s); p {
	case PoseCenter, PoseLeft, PoseRight, PoseNodding, PoseShaking:
		return p, nil
	}
	return "", fmt.Errorf("unknown pose %q", s)
}

// ParseMood validates a mood name
func ParseMood(s string) (Mood, error) {
	switch m := Mood(s); m {
	case MoodCalm, MoodExcited, MoodFocused, MoodSleepy:
		return m, nil
	}
	return "", fmt.Errorf("unknown mood %q", s)
}

// State is the visible override state
type State struct {
	Expression Expression `json:"expression"`
	Pose       Pose       `json:"pose"`
	Mood       Mood       `json:"mood"`
	Gesture    Gesture    `json:"gesture,omitempty"`
	Intensity  float32    `json:"intensity"`
	Animating  bool       `json:"isAnimating"`
}

// Options holds default override durations
type Options struct {
	ExpressionDuration time.Duration
	PoseDuration       time.Duration
	DefaultIntensity   float32
}

// DefaultOptions returns the stock durations
func DefaultOptions() Options {
	return Options{
		ExpressionDuration: 500 * time.Millisecond,
		PoseDuration:       time.Second,
		DefaultIntensity:   0.7,
	}
}

type channel int

const (
	chanExpression channel = iota
	chanPose
	chanMood
	numChannels
)

// Controller manages override state transitions. Each channel carries a
// generation counter; a restore only applies if its channel has not been
// overridden again since it was scheduled. Restores return a channel to
// its resting value, the one it had before the first of any overlapping
// overrides began.
type Controller struct {
	clock engine.Clock
	opts  Options

	mu      sync.RWMutex
	state   State
	rest    State
	held    [numChannels]bool
	gen     [numChannels]uint64
	timers  map[uint64]engine.Timer
	nextID  uint64
	stopped bool

	onStateChange func(State)
}

// NewController creates a controller at neutral/center/calm
func NewController(clock engine.Clock, opts Options) *Controller {
	def := DefaultOptions()
	if opts.ExpressionDuration <= 0 {
		opts.ExpressionDuration = def.ExpressionDuration
	}
	if opts.PoseDuration <= 0 {
		opts.PoseDuration = def.PoseDuration
	}
	if opts.DefaultIntensity <= 0 || opts.DefaultIntensity > 1 {
		opts.DefaultIntensity = def.DefaultIntensity
	}

	return &Controller{
		clock: clock,
		opts:  opts,
		state: State{
			Expression: ExpressionNeutral,
			Pose:       PoseCenter,
			Mood:       MoodCalm,
			Intensity:  1,
		},
		timers: make(map[uint64]engine.Timer),
	}
}

// SetStateHandler sets the callback for state changes
func (c *Controller) SetStateHandler(handler func(State)) {
	c.mu.Lock()
	c.onStateChange = handler
	c.mu.Unlock()
}

// GetState returns the current state
func (c *Controller) GetState() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// ChangeExpression shows expr for d (default 500ms), then restores the
// expression that was showing before.
func (c *Controller) ChangeExpression(expr Expression, d time.Duration) {
	if d <= 0 {
		d = c.opts.ExpressionDuration
	}
	c.override(patch{expression: expr}, d, "")
}

// ChangePose holds pose for d (default 1s), then restores the prior pose
func (c *Controller) ChangePose(pose Pose, d time.Duration) {
	if d <= 0 {
		d = c.opts.PoseDuration
	}
	c.override(patch{pose: pose, intensity: 1}, d, "")
}

// SetMood changes the mood until told otherwise
func (c *Controller) SetMood(mood Mood) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.gen[chanMood]++
	c.held[chanMood] = false
	c.state.Mood = mood
	c.rest.Mood = mood
	notify := c.notifierLocked()
	c.mu.Unlock()
	notify()
}

// Stop cancels every pending restore. The state is left as it is.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}
	c.stopped = true
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
	for i := range c.gen {
		c.gen[i]++
	}
}

// Pending returns the number of restores that have not run yet
func (c *Controller) Pending() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.timers)
}

// patch is a partial state change; zero fields are left alone
type patch struct {
	expression Expression
	pose       Pose
	mood       Mood
	intensity  float32
}

func (p patch) channels() []channel {
	var out []channel
	if p.expression != "" {
		out = append(out, chanExpression)
	}
	if p.pose != "" {
		out = append(out, chanPose)
	}
	if p.mood != "" {
		out = append(out, chanMood)
	}
	return out
}

func (c *Controller) applyLocked(p patch) {
	if p.expression != "" {
		c.state.Expression = p.expression
	}
	if p.pose != "" {
		c.state.Pose = p.pose
	}
	if p.mood != "" {
		c.state.Mood = p.mood
	}
	if p.intensity > 0 {
		c.state.Intensity = p.intensity
	}
}

// override applies p now and restores the touched channels after d
func (c *Controller) override(p patch, d time.Duration, g Gesture) {
	c.run(script{name: g, steps: []step{{at: 0, patch: p}}, restoreAt: d, intensity: p.intensity})
}

// run starts a scripted override. Every channel the script touches is
// claimed at once; later steps and the final restore only apply to
// channels still claimed by this script.
func (c *Controller) run(s script) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}

	touched := s.channels()
	claimed := make(map[channel]uint64, len(touched))
	for _, ch := range touched {
		if !c.held[ch] {
			c.saveRestLocked(ch)
		}
		c.held[ch] = true
		c.gen[ch]++
		claimed[ch] = c.gen[ch]
	}

	if s.intensity > 0 {
		c.state.Intensity = s.intensity
	}
	c.state.Gesture = s.name
	c.state.Animating = true

	for _, st := range s.steps {
		if st.at <= 0 {
			c.applyLocked(st.patch)
			continue
		}
		p := st.patch
		c.afterLocked(st.at, func() {
			c.mu.Lock()
			c.applyLocked(c.ownedLocked(p, claimed))
			notify := c.notifierLocked()
			c.mu.Unlock()
			notify()
		})
	}

	c.afterLocked(s.restoreAt, func() {
		c.mu.Lock()
		for ch, gen := range claimed {
			if c.gen[ch] == gen {
				c.restoreLocked(ch)
			}
		}
		if !c.anyHeldLocked() {
			c.state.Gesture = ""
			c.state.Animating = false
			c.state.Intensity = 1
		}
		notify := c.notifierLocked()
		c.mu.Unlock()
		notify()
	})

	notify := c.notifierLocked()
	c.mu.Unlock()
	notify()
}

// ownedLocked drops the parts of p whose channel was claimed by someone else
func (c *Controller) ownedLocked(p patch, claimed map[channel]uint64) patch {
	if gen, ok := claimed[chanExpression]; !ok || gen != c.gen[chanExpression] {
		p.expression = ""
	}
	if gen, ok := claimed[chanPose]; !ok || gen != c.gen[chanPose] {
		p.pose = ""
	}
	if gen, ok := claimed[chanMood]; !ok || gen != c.gen[chanMood] {
		p.mood = ""
	}
	p.intensity = 0
	return p
}

// saveRestLocked remembers the value a channel returns to once its
// overrides end
func (c *Controller) saveRestLocked(ch channel) {
	switch ch {
	case chanExpression:
		c.rest.Expression = c.state.Expression
	case chanPose:
		c.rest.Pose = c.state.Pose
	case chanMood:
		c.rest.Mood = c.state.Mood
	}
}

func (c *Controller) restoreLocked(ch channel) {
	switch ch {
	case chanExpression:
		c.state.Expression = c.rest.Expression
	case chanPose:
		c.state.Pose = c.rest.Pose
	case chanMood:
		c.state.Mood = c.rest.Mood
	}
	c.held[ch] = false
}

func (c *Controller) anyHeldLocked() bool {
	for _, h := range c.held {
		if h {
			return true
		}
	}
	return false
}

// afterLocked schedules fn and tracks the timer so Stop can cancel it
func (c *Controller) afterLocked(d time.Duration, fn func()) {
	c.nextID++
	id := c.nextID
	c.timers[id] = c.clock.AfterFunc(d, func() {
		c.mu.Lock()
		_, live := c.timers[id]
		delete(c.timers, id)
		c.mu.Unlock()
		if live {
			fn()
		}
	})
}

// notifierLocked captures the handler call so it can run after the lock
// is released
func (c *Controller) notifierLocked() func() {
	handler, state := c.onStateChange, c.state
	return func() {
		if handler != nil {
			handler(state)
		}
	}
}

// Speed maps mood to clip playback speed
func (c *Controller) Speed() float32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return moodSpeed(c.state.Mood)
}

func moodSpeed(m Mood) float32 {
	switch m {
	case MoodExcited:
		return 1.25
	case MoodFocused:
		return 0.9
	case MoodSleepy:
		return 0.7
	default:
		return 1
	}
}

// Overlay returns the pose offset applied on top of the model transform at
// time t (seconds since mount).
func (c *Controller) Overlay(t float32) mgl32.Mat4 {
	c.mu.RLock()
	st := c.state
	c.mu.RUnlock()

	k := st.Intensity
	deg := func(d float32) float32 { return mgl32.DegToRad(d * k) }
	osc := float32(math.Sin(float64(t) * 4 * math.Pi))

	var m mgl32.Mat4
	switch st.Pose {
	case PoseLeft:
		m = mgl32.HomogRotate3DY(deg(-15)).Mul4(mgl32.HomogRotate3DZ(deg(3)))
	case PoseRight:
		m = mgl32.HomogRotate3DY(deg(15)).Mul4(mgl32.HomogRotate3DZ(deg(-3)))
	case PoseNodding:
		m = mgl32.HomogRotate3DX(deg(-10 * (1 - osc) / 2))
	case PoseShaking:
		m = mgl32.HomogRotate3DY(deg(-10)).Mul4(mgl32.HomogRotate3DZ(deg(5 * osc)))
	default:
		m = mgl32.Ident4()
	}

	if st.Mood == MoodExcited {
		s := 1 + 0.05*float32(math.Abs(math.Sin(float64(t)*math.Pi)))
		m = m.Mul4(mgl32.Scale3D(s, s, s))
	}
	return m
}

// Tint returns a colour multiplier for the current expression
func (c *Controller) Tint() mgl32.Vec3 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch c.state.Expression {
	case ExpressionHappy:
		return mgl32.Vec3{1.06, 1.0, 0.94}
	case ExpressionSad:
		return mgl32.Vec3{0.9, 0.92, 1.0}
	case ExpressionSurprised:
		return mgl32.Vec3{1.05, 1.05, 1.05}
	case ExpressionThinking:
		return mgl32.Vec3{0.95, 0.95, 1.02}
	case ExpressionWinking:
		return mgl32.Vec3{1.03, 1.0, 0.97}
	default:
		return mgl32.Vec3{1, 1, 1}
	}
}
