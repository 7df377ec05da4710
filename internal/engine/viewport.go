package engine

import (
	"sync"

	"github.com/rs/zerolog"
)

// ResizeSource delivers surface size changes. OnResize returns a func that
// removes the listener.
type ResizeSource interface {
	OnResize(fn func(width, height int)) (detach func())
}

// Camera is the part of the camera the viewport controls
type Camera interface {
	SetAspectRatio(aspect float32)
}

// Surface is a render target that can be resized
type Surface interface {
	Resize(width, height int)
}

// ViewportState is the current render surface size
type ViewportState struct {
	Width  int
	Height int
}

// Aspect returns width/height, or 1 for a degenerate size
func (s ViewportState) Aspect() float32 {
	if s.Width <= 0 || s.Height <= 0 {
		return 1
	}
	return float32(s.Width) / float32(s.Height)
}

// Viewport is the only writer of ViewportState
type Viewport struct {
	camera  Camera
	surface Surface
	log     zerolog.Logger

	mu     sync.RWMutex
	state  ViewportState
	detach func()
}

// NewViewport creates a controller with an initial size. The camera and
// surface are brought in line with it immediately.
func NewViewport(camera Camera, surface Surface, width, height int, log zerolog.Logger) *Viewport {
	v := &Viewport{camera: camera, surface: surface, log: log}
	v.Resize(width, height)
	return v
}

// Attach starts listening to src. A viewport listens to at most one source.
func (v *Viewport) Attach(src ResizeSource) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.detach != nil {
		return ErrAlreadyAttached
	}
	v.detach = src.OnResize(v.Resize)
	if v.detach == nil {
		v.detach = func() {}
	}
	return nil
}

// Detach removes the listener. Calls without a matching Attach are no-ops.
func (v *Viewport) Detach() {
	v.mu.Lock()
	detach := v.detach
	v.detach = nil
	v.mu.Unlock()

	if detach != nil {
		detach()
	}
}

// Attached reports whether a resize listener is registered
func (v *Viewport) Attached() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.detach != nil
}

// Resize records the new size and updates the camera aspect and surface.
// Zero-area sizes (minimised windows) are ignored.
func (v *Viewport) Resize(width, height int) {
	if width <= 0 || height <= 0 {
		return
	}

	v.mu.Lock()
	if v.state.Width == width && v.state.Height == height {
		v.mu.Unlock()
		return
	}
	v.state = ViewportState{Width: width, Height: height}
	state := v.state
	v.mu.Unlock()

	if v.camera != nil {
		v.camera.SetAspectRatio(state.Aspect())
	}
	if v.surface != nil {
		v.surface.Resize(width, height)
	}
	v.log.Debug().Int("width", width).Int("height", height).Msg("Viewport resized")
}

// State returns the current size
func (v *Viewport) State() ViewportState {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state
}
