package asset

import (
	"context"
	"errors"
	"time"

	"github.com/go-gl/mathgl/mgl32"
)

var (
	// ErrUnknownAsset is returned for names that are not in the catalog
	ErrUnknownAsset = errors.New("unknown asset")
	// ErrNoMesh is returned when a file carries no drawable geometry
	ErrNoMesh = errors.New("no mesh in asset")
)

// Loader fetches a named model. Implementations must not touch the scene;
// they only return the decoded asset or an error.
type Loader interface {
	Load(ctx context.Context, name string) (*Model, error)
}

// LoaderFunc adapts a function to the Loader interface
type LoaderFunc func(ctx context.Context, name string) (*Model, error)

// Load calls f
func (f LoaderFunc) Load(ctx context.Context, name string) (*Model, error) {
	return f(ctx, name)
}

// Model is a decoded asset: merged geometry plus its animation clips.
// Vertices are expressed relative to the animated root node, whose rest
// pose is Rest.
type Model struct {
	Name  string
	Mesh  MeshData
	Rest  Pose
	Clips []Clip
}

// FirstClip returns the clip the scheduler plays, or a zero clip
func (m *Model) FirstClip() Clip {
	if m == nil || len(m.Clips) == 0 {
		return Clip{}
	}
	return m.Clips[0]
}

// MeshData is CPU-side triangle geometry
type MeshData struct {
	Positions []mgl32.Vec3
	Normals   []mgl32.Vec3
	Indices   []uint32
}

// Empty reports whether there is nothing to draw
func (m *MeshData) Empty() bool {
	return m == nil || len(m.Positions) == 0
}

// Clip is one animation sequence. Duration is in seconds.
type Clip struct {
	Name     string
	Duration float32
	Loop     bool
	Tracks   []Track
}

// Length returns the clip duration as a time.Duration
func (c Clip) Length() time.Duration {
	return time.Duration(float64(c.Duration) * float64(time.Second))
}

// Property is the transform component a track animates
type Property int

const (
	PropertyTranslation Property = iota
	PropertyRotation
	PropertyScale
)

// Track is a keyframed channel on the model root. Translation and scale
// tracks fill Vectors; rotation tracks fill Rotations.
type Track struct {
	Property  Property
	Step      bool
	Times     []float32
	Vectors   []mgl32.Vec3
	Rotations []mgl32.Quat
}

// Pose is a decomposed local transform
type Pose struct {
	Translation mgl32.Vec3
	Rotation    mgl32.Quat
	Scale       mgl32.Vec3
}

// IdentityPose returns the no-op transform
func IdentityPose() Pose {
	return Pose{
		Rotation: mgl32.QuatIdent(),
		Scale:    mgl32.Vec3{1, 1, 1},
	}
}

// Matrix composes T * R * S
func (p Pose) Matrix() mgl32.Mat4 {
	t := mgl32.Translate3D(p.Translation[0], p.Translation[1], p.Translation[2])
	r := p.Rotation.Normalize().Mat4()
	s := mgl32.Scale3D(p.Scale[0], p.Scale[1], p.Scale[2])
	return t.Mul4(r).Mul4(s)
}
