package renderer

import (
	"github.com/go-gl/mathgl/mgl32"
)

// Camera is a look-at perspective camera. Matrices are rebuilt lazily
// after any change.
type Camera struct {
	Position mgl32.Vec3
	Target   mgl32.Vec3
	Up       mgl32.Vec3

	FOV         float32
	AspectRatio float32
	NearPlane   float32
	FarPlane    float32

	viewMatrix       mgl32.Mat4
	projectionMatrix mgl32.Mat4
	dirty            bool
}

// NewCamera creates a new camera
func NewCamera(position, target, up mgl32.Vec3, fov, aspect, near, far float32) *Camera {
	c := &Camera{
		Position:    position,
		Target:      target,
		Up:          up,
		FOV:         fov,
		AspectRatio: aspect,
		NearPlane:   near,
		FarPlane:    far,
		dirty:       true,
	}
	c.refresh()
	return c
}

// NewStageCamera frames a full-body model standing at the origin: 45°
// vertical FOV, raised and looking straight down -Z.
func NewStageCamera(aspect float32) *Camera {
	return NewCamera(
		mgl32.Vec3{0, 3.0, 2.8},
		mgl32.Vec3{0, 3.0, 0},
		mgl32.Vec3{0, 1, 0},
		45.0,
		aspect,
		0.1, 1000,
	)
}

func (c *Camera) ViewMatrix() mgl32.Mat4 {
	c.refresh()
	return c.viewMatrix
}

func (c *Camera) ProjectionMatrix() mgl32.Mat4 {
	c.refresh()
	return c.projectionMatrix
}

func (c *Camera) refresh() {
	if !c.dirty {
		return
	}
	c.viewMatrix = mgl32.LookAtV(c.Position, c.Target, c.Up)
	c.projectionMatrix = mgl32.Perspective(
		mgl32.DegToRad(c.FOV),
		c.AspectRatio,
		c.NearPlane,
		c.FarPlane,
	)
	c.dirty = false
}

// SetAspectRatio updates aspect ratio. Non-positive values are ignored.
func (c *Camera) SetAspectRatio(aspect float32) {
	if aspect <= 0 {
		return
	}
	c.AspectRatio = aspect
	c.dirty = true
}

// Forward returns the camera's forward direction
func (c *Camera) Forward() mgl32.Vec3 {
	return c.Target.Sub(c.Position).Normalize()
}
