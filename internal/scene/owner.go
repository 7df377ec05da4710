// Package scene owns the single model attached to the render scene.
package scene

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/rs/zerolog"

	"github.com/normanking/talkinghead/internal/asset"
	"github.com/normanking/talkinghead/internal/metrics"
)

// ErrDisposed is returned by Attach after Dispose
var ErrDisposed = errors.New("scene disposed")

// Resource is a GPU-side allocation for one model
type Resource interface {
	Release() error
}

// Uploader turns CPU geometry into a drawable Resource
type Uploader interface {
	Upload(mesh *asset.MeshData) (Resource, error)
}

// Snapshot is a read-only view of the attached model for one frame
type Snapshot struct {
	Name        string
	Resource    Resource
	Model       mgl32.Mat4
	Color       mgl32.Vec3
	Placeholder bool
	Time        float32
	Finished    bool
}

// Options configures how attached models are placed and coloured
type Options struct {
	// Base is applied to every loaded model (scale and offset)
	Base  mgl32.Mat4
	Color mgl32.Vec3
}

// DefaultOptions places a Mixamo-scale model in view
func DefaultOptions() Options {
	return Options{
		Base:  mgl32.Translate3D(0, -2.2, 0).Mul4(mgl32.Scale3D(0.035, 0.035, 0.035)),
		Color: mgl32.Vec3{0.72, 0.72, 0.75},
	}
}

// Placement builds the base matrix from a uniform scale and an offset
func Placement(scale float32, offset [3]float32) mgl32.Mat4 {
	return mgl32.Translate3D(offset[0], offset[1], offset[2]).Mul4(mgl32.Scale3D(scale, scale, scale))
}

type attachment struct {
	name        string
	res         Resource
	mixer       *Mixer
	placeholder bool
}

// Owner is the exclusive mutator of the scene. At most one model is
// attached at any time.
type Owner struct {
	uploader Uploader
	opts     Options
	log      zerolog.Logger

	mu       sync.RWMutex
	active   *attachment
	disposed bool
}

// NewOwner creates an empty scene
func NewOwner(uploader Uploader, opts Options, log zerolog.Logger) *Owner {
	return &Owner{uploader: uploader, opts: opts, log: log}
}

// Attach replaces the current model. The previous mixer is stopped and its
// resource released before the new mesh is uploaded. The first clip starts
// at time zero and is returned so the caller can schedule around it.
func (o *Owner) Attach(model *asset.Model, loop bool) (asset.Clip, error) {
	if model == nil {
		return asset.Clip{}, fmt.Errorf("attach: nil model")
	}
	return o.attach(model, loop, false)
}

// ShowPlaceholder attaches the static fallback box
func (o *Owner) ShowPlaceholder() error {
	_, err := o.attach(asset.PlaceholderModel(), false, true)
	return err
}

func (o *Owner) attach(model *asset.Model, loop, placeholder bool) (asset.Clip, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.disposed {
		return asset.Clip{}, ErrDisposed
	}

	o.detachLocked()

	res, err := o.uploader.Upload(&model.Mesh)
	if err != nil {
		return asset.Clip{}, fmt.Errorf("upload %s: %w", model.Name, err)
	}

	clip := model.FirstClip()
	o.active = &attachment{
		name:        model.Name,
		res:         res,
		mixer:       NewMixer(clip, model.Rest, loop),
		placeholder: placeholder,
	}
	metrics.ModelSwaps.Inc()
	metrics.AttachedModels.Set(1)

	o.log.Debug().
		Str("asset", model.Name).
		Str("clip", clip.Name).
		Float32("duration", clip.Duration).
		Bool("loop", loop).
		Bool("placeholder", placeholder).
		Msg("Model attached")

	return clip, nil
}

// Detach stops and releases the current model, if any
func (o *Owner) Detach() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.detachLocked()
}

func (o *Owner) detachLocked() {
	a := o.active
	if a == nil {
		return
	}
	o.active = nil
	metrics.AttachedModels.Set(0)

	a.mixer.Stop()
	if a.res == nil {
		return
	}
	if err := a.res.Release(); err != nil {
		// teardown never propagates
		o.log.Warn().Err(err).Str("asset", a.name).Msg("Release failed")
	}
}

// Dispose detaches everything and refuses further attaches. Safe to call
// more than once and on a scene that never attached anything.
func (o *Owner) Dispose() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.disposed {
		return
	}
	o.detachLocked()
	o.disposed = true
	o.log.Debug().Msg("Scene disposed")
}

// Disposed reports whether Dispose has run
func (o *Owner) Disposed() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.disposed
}

// Advance moves the active clip forward by step*speed seconds
func (o *Owner) Advance(step, speed float32) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.active != nil {
		o.active.mixer.Advance(step * speed)
	}
}

// Active returns the attached model for drawing
func (o *Owner) Active() (Snapshot, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	a := o.active
	if a == nil {
		return Snapshot{}, false
	}

	snap := Snapshot{
		Name:        a.name,
		Resource:    a.res,
		Placeholder: a.placeholder,
		Time:        a.mixer.Time(),
		Finished:    a.mixer.Finished(),
	}
	if a.placeholder {
		snap.Model = mgl32.Ident4()
		snap.Color = hexColor(asset.PlaceholderColor)
	} else {
		snap.Model = o.opts.Base.Mul4(a.mixer.Transform())
		snap.Color = o.opts.Color
	}
	return snap, true
}

// Attached returns the number of attached models (0 or 1)
func (o *Owner) Attached() int {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.active == nil {
		return 0
	}
	return 1
}

func hexColor(c uint32) mgl32.Vec3 {
	return mgl32.Vec3{
		float32((c>>16)&0xff) / 255,
		float32((c>>8)&0xff) / 255,
		float32(c&0xff) / 255,
	}
}
