package animation

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/talkinghead/internal/asset"
	"github.com/normanking/talkinghead/internal/bus"
	"github.com/normanking/talkinghead/internal/engine"
	"github.com/normanking/talkinghead/internal/scene"
)

// queue stands in for the render goroutine's inbox
type queue struct {
	mu  sync.Mutex
	fns []func()
}

func (q *queue) post(f func()) {
	q.mu.Lock()
	q.fns = append(q.fns, f)
	q.mu.Unlock()
}

func (q *queue) drain() {
	for {
		q.mu.Lock()
		if len(q.fns) == 0 {
			q.mu.Unlock()
			return
		}
		f := q.fns[0]
		q.fns = q.fns[1:]
		q.mu.Unlock()
		f()
	}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fns)
}

type fakeLoader struct {
	mu          sync.Mutex
	calls       []string
	failTalking int             // fail this many talking loads, then succeed
	failNames   map[string]bool // always fail these
	durations   map[string]float32
	cat         *asset.Catalog
}

func (l *fakeLoader) Load(ctx context.Context, name string) (*asset.Model, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls = append(l.calls, name)
	if l.failNames[name] {
		return nil, errors.New("corrupt file")
	}
	if a, _ := l.cat.Lookup(name); a.Category == asset.CategoryTalking && l.failTalking > 0 {
		l.failTalking--
		return nil, errors.New("network error")
	}

	d, ok := l.durations[name]
	if !ok {
		d = 2
	}
	return &asset.Model{
		Name:  name,
		Mesh:  asset.BoxMesh(1, 1, 1),
		Rest:  asset.IdentityPose(),
		Clips: []asset.Clip{{Name: name, Duration: d}},
	}, nil
}

func (l *fakeLoader) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

func (l *fakeLoader) lastCall() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.calls) == 0 {
		return ""
	}
	return l.calls[len(l.calls)-1]
}

type countingUploader struct {
	live    int
	maxLive int
}

type countedResource struct{ up *countingUploader }

func (r countedResource) Release() error {
	r.up.live--
	return nil
}

func (u *countingUploader) Upload(*asset.MeshData) (scene.Resource, error) {
	u.live++
	if u.live > u.maxLive {
		u.maxLive = u.live
	}
	return countedResource{up: u}, nil
}

// recordingScene records attach order on top of a real scene owner
type recordingScene struct {
	*scene.Owner
	attached []string
}

func (r *recordingScene) Attach(m *asset.Model, loop bool) (asset.Clip, error) {
	r.attached = append(r.attached, m.Name)
	return r.Owner.Attach(m, loop)
}

type harness struct {
	t      *testing.T
	clock  *engine.ManualClock
	q      *queue
	loader *fakeLoader
	up     *countingUploader
	scene  *recordingScene
	cat    *asset.Catalog
	sched  *Scheduler
}

func newHarness(t *testing.T, talking ...string) *harness {
	t.Helper()
	if len(talking) == 0 {
		talking = []string{"Talking.glb", "Talking-2.glb", "Talking-3.glb", "Talking4.glb"}
	}
	cat, err := asset.NewCatalog("", "Idle.glb", talking)
	require.NoError(t, err)

	h := &harness{
		t:      t,
		clock:  engine.NewManualClock(time.Unix(1000, 0)),
		q:      &queue{},
		loader: &fakeLoader{cat: cat, failNames: map[string]bool{}, durations: map[string]float32{}},
		up:     &countingUploader{},
		cat:    cat,
	}
	h.scene = &recordingScene{Owner: scene.NewOwner(h.up, scene.DefaultOptions(), zerolog.Nop())}

	opts := DefaultOptions()
	opts.Rand = rand.New(rand.NewSource(42))
	opts.Spawn = func(f func()) { f() }
	h.sched = NewScheduler(cat, h.loader, h.scene, h.clock, h.q.post, opts, zerolog.Nop())
	return h
}

func (h *harness) settle() {
	h.q.drain()
	h.checkInvariants()
}

func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.settle()
}

func (h *harness) checkInvariants() {
	assert.LessOrEqual(h.t, h.scene.Attached(), 1)
	assert.LessOrEqual(h.t, h.up.maxLive, 1)
	assert.LessOrEqual(h.t, h.clock.Pending(), 1, "at most one swap timer")
}

func (h *harness) active() string {
	snap, ok := h.scene.Active()
	if !ok {
		return ""
	}
	return snap.Name
}

func isTalking(name string) bool {
	return name != "" && name != "Idle.glb" && name != "placeholder"
}

func TestScheduler_IdleLoopsWithoutSwap(t *testing.T) {
	h := newHarness(t)
	h.sched.Start(false)
	assert.Equal(t, StateTransitioningToIdle, h.sched.Status().State)

	h.settle()

	st := h.sched.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.Equal(t, "Idle.glb", st.Current)
	assert.False(t, st.SwapPending)
	assert.Equal(t, 0, h.clock.Pending())
	assert.Equal(t, "Idle.glb", h.active())

	h.scene.Advance(100, 1)
	snap, _ := h.scene.Active()
	assert.False(t, snap.Finished, "idle clip loops")

	h.advance(time.Minute)
	assert.Equal(t, 1, h.loader.callCount())
	assert.Equal(t, asset.StateReady, mustLookup(t, h.cat, "Idle.glb").State)
}

func TestScheduler_TalkingSwapsAfterClipPlusPause(t *testing.T) {
	h := newHarness(t)
	h.sched.Start(false)
	h.settle()

	h.sched.SetTalking(true)
	h.settle()

	first := h.active()
	require.True(t, isTalking(first))
	assert.Equal(t, StateTalking, h.sched.Status().State)
	assert.True(t, h.sched.Status().SwapPending)
	assert.Equal(t, 2*time.Second, mustLookup(t, h.cat, first).Clip.Duration)

	h.advance(3500*time.Millisecond - time.Millisecond)
	assert.Equal(t, first, h.active())

	h.advance(time.Millisecond)
	second := h.active()
	require.True(t, isTalking(second))
	assert.NotEqual(t, first, second)
	assert.Equal(t, StateTalking, h.sched.Status().State)
}

func TestScheduler_NoImmediateRepeatUnderAutomaticSwapping(t *testing.T) {
	h := newHarness(t)
	h.sched.Start(true)
	h.settle()

	prev := h.active()
	for i := 0; i < 50; i++ {
		h.advance(3500 * time.Millisecond)
		next := h.active()
		require.True(t, isTalking(next))
		assert.NotEqual(t, prev, next, "swap %d repeated %s", i, next)
		prev = next
	}
}

func TestScheduler_SingleTalkingAssetRepeats(t *testing.T) {
	h := newHarness(t, "Only.glb")
	h.sched.Start(true)
	h.settle()
	h.advance(3500 * time.Millisecond)

	assert.Equal(t, "Only.glb", h.active())
	assert.Equal(t, []string{"Only.glb", "Only.glb"}, h.scene.attached)
}

func TestScheduler_IdleWinsOverPendingSwap(t *testing.T) {
	h := newHarness(t)
	h.sched.Start(true)
	h.settle()
	require.True(t, h.sched.Status().SwapPending)

	h.advance(time.Second)
	h.sched.SetTalking(false)
	assert.Equal(t, 0, h.clock.Pending(), "swap timer cancelled")
	h.settle()

	assert.Equal(t, "Idle.glb", h.active())
	assert.Equal(t, StateIdle, h.sched.Status().State)

	calls := h.loader.callCount()
	h.advance(time.Minute)
	assert.Equal(t, "Idle.glb", h.active())
	assert.Equal(t, calls, h.loader.callCount())
}

func TestScheduler_RepeatedTalkingIntentKeepsOneTimer(t *testing.T) {
	h := newHarness(t)
	h.sched.Start(true)
	h.settle()
	token := h.sched.Status().Token

	h.sched.SetTalking(true)
	h.sched.SetTalking(true)
	h.settle()

	assert.Equal(t, token, h.sched.Status().Token)
	assert.Equal(t, 1, h.clock.Pending())
	assert.Equal(t, 1, h.loader.callCount())
}

func TestScheduler_ToggleMidTimerLeavesOnlyLatestTimer(t *testing.T) {
	h := newHarness(t)
	h.sched.Start(true)
	h.settle()

	h.advance(time.Second)
	h.sched.SetTalking(false)
	h.sched.SetTalking(true)
	h.settle()

	assert.Equal(t, 1, h.clock.Pending())
	before := h.active()

	// the superseded timer would have fired at 3.5s from the first attach
	h.advance(2600 * time.Millisecond)
	assert.Equal(t, before, h.active())

	h.advance(time.Second)
	assert.NotEqual(t, before, h.active())
}

func TestScheduler_StaleLoadIsNeverAttached(t *testing.T) {
	h := newHarness(t)
	h.sched.Start(false)
	h.settle()
	h.scene.attached = nil

	// both completions queue up before either is delivered
	h.sched.SetTalking(true)
	talkingAsset := h.loader.lastCall()
	h.sched.SetTalking(false)
	require.Equal(t, 2, h.q.len())

	h.settle()

	assert.Equal(t, []string{"Idle.glb"}, h.scene.attached)
	assert.NotContains(t, h.scene.attached, talkingAsset)
	assert.Equal(t, StateIdle, h.sched.Status().State)
}

func TestScheduler_SupersededLoadIsNotMarkedFailed(t *testing.T) {
	h := newHarness(t, "Talking.glb")

	var held []func()
	runHeld := func() {
		fns := held
		held = nil
		for _, f := range fns {
			f()
		}
	}
	opts := DefaultOptions()
	opts.Rand = rand.New(rand.NewSource(42))
	opts.Spawn = func(f func()) { held = append(held, f) }
	cancellable := asset.LoaderFunc(func(ctx context.Context, name string) (*asset.Model, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return h.loader.Load(ctx, name)
	})
	h.sched = NewScheduler(h.cat, cancellable, h.scene, h.clock, h.q.post, opts, zerolog.Nop())

	h.sched.Start(false)
	runHeld()
	h.settle()

	// the talking load is cancelled by the second intent change
	h.sched.SetTalking(true)
	h.sched.SetTalking(false)
	require.Len(t, held, 2)
	runHeld()
	h.settle()

	assert.Equal(t, asset.StateUnloaded, mustLookup(t, h.cat, "Talking.glb").State)
	assert.Equal(t, asset.StateReady, mustLookup(t, h.cat, "Idle.glb").State)
	assert.Equal(t, "Idle.glb", h.active())
	assert.False(t, h.sched.Status().Placeholder)
}

func TestScheduler_StaleLoadKeepsNewerLoadState(t *testing.T) {
	h := newHarness(t, "Talking.glb")

	var held []func()
	opts := DefaultOptions()
	opts.Rand = rand.New(rand.NewSource(42))
	opts.Spawn = func(f func()) { held = append(held, f) }
	h.sched = NewScheduler(h.cat, h.loader, h.scene, h.clock, h.q.post, opts, zerolog.Nop())

	// two idle loads in flight; only the second is current
	h.sched.Start(false)
	h.sched.SetTalking(true)
	h.sched.SetTalking(false)
	require.Len(t, held, 3)

	held[0]()
	h.settle()
	assert.Equal(t, asset.StateLoading, mustLookup(t, h.cat, "Idle.glb").State)

	held[1]()
	held[2]()
	h.settle()
	assert.Equal(t, asset.StateReady, mustLookup(t, h.cat, "Idle.glb").State)
	assert.Equal(t, asset.StateUnloaded, mustLookup(t, h.cat, "Talking.glb").State)
}

func TestScheduler_TimerFiredButSupersededDoesNothing(t *testing.T) {
	h := newHarness(t)
	h.sched.Start(true)
	h.settle()
	current := h.active()

	// the timer fires and posts, then intent changes before the post runs
	h.clock.Advance(3500 * time.Millisecond)
	require.Equal(t, 1, h.q.len())
	h.sched.SetTalking(false)
	h.settle()

	assert.Equal(t, "Idle.glb", h.active())
	assert.NotContains(t, h.scene.attached[1:], current)
	for _, name := range h.scene.attached[1:] {
		assert.Equal(t, "Idle.glb", name)
	}
}

func TestScheduler_TalkingFailureRetriesDifferentAsset(t *testing.T) {
	h := newHarness(t)
	h.loader.failTalking = 1
	h.sched.Start(false)
	h.settle()

	h.sched.SetTalking(true)
	h.settle()
	failed := h.loader.lastCall()

	assert.Equal(t, 2, h.loader.callCount())
	assert.Equal(t, asset.StateFailed, mustLookup(t, h.cat, failed).State)
	assert.Equal(t, "Idle.glb", h.active(), "current model stays until the retry lands")
	assert.True(t, h.sched.Status().SwapPending, "retry waits on the timer slot")

	h.advance(time.Second)

	require.Equal(t, 3, h.loader.callCount())
	retried := h.loader.lastCall()
	assert.NotEqual(t, failed, retried)
	assert.Equal(t, retried, h.active())
	assert.Equal(t, StateTalking, h.sched.Status().State)
	assert.False(t, h.sched.Status().Placeholder)
}

func TestScheduler_SecondFailureShowsPlaceholderAndStops(t *testing.T) {
	h := newHarness(t)
	h.loader.failTalking = 2
	h.sched.Start(false)
	h.settle()

	events := make(chan bus.Event, 8)
	b := bus.NewEventBus()
	b.Subscribe(bus.EventTypePlaceholderShown, func(e bus.Event) { events <- e })
	h.sched.opts.Bus = b

	h.sched.SetTalking(true)
	h.settle()
	first := h.loader.lastCall()
	h.advance(time.Second)
	second := h.loader.lastCall()

	assert.NotEqual(t, first, second)
	st := h.sched.Status()
	assert.True(t, st.Placeholder)
	assert.False(t, st.SwapPending)
	assert.Equal(t, 0, h.clock.Pending())
	assert.Equal(t, "placeholder", h.active())

	snap, ok := h.scene.Active()
	require.True(t, ok)
	assert.True(t, snap.Placeholder)

	select {
	case e := <-events:
		v, _ := e.Bool("talking")
		assert.True(t, v)
	case <-time.After(time.Second):
		t.Fatal("placeholder event not published")
	}

	calls := h.loader.callCount()
	h.advance(time.Minute)
	assert.Equal(t, calls, h.loader.callCount(), "no automatic swapping after the placeholder")

	// a new intent recovers
	h.sched.SetTalking(false)
	h.settle()
	assert.Equal(t, "Idle.glb", h.active())
	assert.False(t, h.sched.Status().Placeholder)
}

func TestScheduler_IdleFailureGoesStraightToPlaceholder(t *testing.T) {
	h := newHarness(t)
	h.loader.failNames["Idle.glb"] = true

	h.sched.Start(false)
	h.settle()

	assert.Equal(t, 1, h.loader.callCount())
	assert.True(t, h.sched.Status().Placeholder)
	assert.Equal(t, StateIdle, h.sched.Status().State)
	assert.Equal(t, 0, h.clock.Pending())
}

func TestScheduler_IntentChangeDuringRetryWait(t *testing.T) {
	h := newHarness(t)
	h.loader.failTalking = 1
	h.sched.Start(true)
	h.settle()
	require.True(t, h.sched.Status().SwapPending)

	h.sched.SetTalking(false)
	h.settle()
	h.advance(5 * time.Second)

	assert.Equal(t, "Idle.glb", h.active())
	assert.Equal(t, 2, h.loader.callCount(), "retry never ran")
}

func TestScheduler_ZeroLengthClipSwapsAfterPause(t *testing.T) {
	h := newHarness(t, "A.glb", "B.glb")
	h.loader.durations["A.glb"] = 0
	h.loader.durations["B.glb"] = 0

	h.sched.Start(true)
	h.settle()
	first := h.active()

	h.advance(1500 * time.Millisecond)
	assert.NotEqual(t, first, h.active())
}

func TestScheduler_StopAtAnyPointLeavesNothingBehind(t *testing.T) {
	cases := map[string]func(h *harness){
		"before first load completes": func(h *harness) {
			h.sched.Start(true)
		},
		"mid transition": func(h *harness) {
			h.sched.Start(false)
			h.settle()
			h.sched.SetTalking(true)
		},
		"during idle loop": func(h *harness) {
			h.sched.Start(false)
			h.settle()
		},
		"waiting for swap": func(h *harness) {
			h.sched.Start(true)
			h.settle()
		},
		"timer fired but not delivered": func(h *harness) {
			h.sched.Start(true)
			h.settle()
			h.clock.Advance(3500 * time.Millisecond)
		},
		"waiting for retry": func(h *harness) {
			h.loader.failTalking = 1
			h.sched.Start(true)
			h.settle()
		},
		"never started": func(h *harness) {},
	}

	for name, setup := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			setup(h)

			h.sched.Stop()
			h.sched.Stop()
			calls := h.loader.callCount()
			h.settle()
			h.advance(time.Minute)

			assert.Equal(t, 0, h.clock.Pending())
			assert.Equal(t, 0, h.scene.Attached())
			assert.Equal(t, 0, h.up.live)
			assert.Equal(t, calls, h.loader.callCount())
			assert.True(t, h.scene.Disposed())

			h.sched.SetTalking(true)
			h.sched.Start(true)
			h.settle()
			assert.Equal(t, 0, h.scene.Attached())
		})
	}
}

func TestScheduler_RandomTogglesKeepInvariants(t *testing.T) {
	h := newHarness(t)
	rng := rand.New(rand.NewSource(99))
	h.sched.Start(false)

	for i := 0; i < 500; i++ {
		switch rng.Intn(4) {
		case 0:
			h.sched.SetTalking(rng.Intn(2) == 0)
		case 1:
			h.settle()
		case 2:
			h.advance(time.Duration(rng.Intn(4000)) * time.Millisecond)
		case 3:
			h.loader.mu.Lock()
			h.loader.failTalking = rng.Intn(2)
			h.loader.mu.Unlock()
		}
		h.checkInvariants()
	}

	// once loading settles the visible state matches the last intent
	h.loader.mu.Lock()
	h.loader.failTalking = 0
	h.loader.mu.Unlock()
	h.settle()
	h.advance(2 * time.Second)

	st := h.sched.Status()
	if st.Intent {
		assert.True(t, isTalking(h.active()) || st.Placeholder)
	} else {
		assert.True(t, h.active() == "Idle.glb" || st.Placeholder)
	}
}

func TestLoadFailure_Error(t *testing.T) {
	cause := errors.New("boom")
	err := error(&LoadFailure{Asset: "Talking.glb", Category: asset.CategoryTalking, Attempt: 1, Err: cause})

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "load talking asset Talking.glb (attempt 2): boom", err.Error())

	var lf *LoadFailure
	assert.True(t, errors.As(err, &lf))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "talking", StateTalking.String())
	assert.Equal(t, "transitioning_to_idle", StateTransitioningToIdle.String())
	assert.Equal(t, "transitioning_to_talking", StateTransitioningToTalking.String())
}

func mustLookup(t *testing.T, c *asset.Catalog, name string) asset.AvatarAsset {
	t.Helper()
	a, ok := c.Lookup(name)
	require.True(t, ok)
	return a
}
