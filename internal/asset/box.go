package asset

import "github.com/go-gl/mathgl/mgl32"

// Placeholder dimensions and colour shown when no asset could be loaded
const (
	PlaceholderWidth  float32 = 1
	PlaceholderHeight float32 = 2
	PlaceholderDepth  float32 = 0.5
	PlaceholderColor  uint32  = 0x00ff88
)

// BoxMesh builds an axis-aligned box centred on the origin with
// per-face normals.
func BoxMesh(w, h, d float32) MeshData {
	x, y, z := w/2, h/2, d/2

	faces := []struct {
		normal  mgl32.Vec3
		corners [4]mgl32.Vec3
	}{
		{mgl32.Vec3{0, 0, 1}, [4]mgl32.Vec3{{-x, -y, z}, {x, -y, z}, {x, y, z}, {-x, y, z}}},
		{mgl32.Vec3{0, 0, -1}, [4]mgl32.Vec3{{x, -y, -z}, {-x, -y, -z}, {-x, y, -z}, {x, y, -z}}},
		{mgl32.Vec3{1, 0, 0}, [4]mgl32.Vec3{{x, -y, z}, {x, -y, -z}, {x, y, -z}, {x, y, z}}},
		{mgl32.Vec3{-1, 0, 0}, [4]mgl32.Vec3{{-x, -y, -z}, {-x, -y, z}, {-x, y, z}, {-x, y, -z}}},
		{mgl32.Vec3{0, 1, 0}, [4]mgl32.Vec3{{-x, y, z}, {x, y, z}, {x, y, -z}, {-x, y, -z}}},
		{mgl32.Vec3{0, -1, 0}, [4]mgl32.Vec3{{-x, -y, -z}, {x, -y, -z}, {x, -y, z}, {-x, -y, z}}},
	}

	mesh := MeshData{
		Positions: make([]mgl32.Vec3, 0, 24),
		Normals:   make([]mgl32.Vec3, 0, 24),
		Indices:   make([]uint32, 0, 36),
	}
	for _, f := range faces {
		base := uint32(len(mesh.Positions))
		for _, c := range f.corners {
			mesh.Positions = append(mesh.Positions, c)
			mesh.Normals = append(mesh.Normals, f.normal)
		}
		mesh.Indices = append(mesh.Indices, base, base+1, base+2, base, base+2, base+3)
	}
	return mesh
}

// PlaceholderModel is the static green box used after load failures
func PlaceholderModel() *Model {
	return &Model{
		Name: "placeholder",
		Mesh: BoxMesh(PlaceholderWidth, PlaceholderHeight, PlaceholderDepth),
		Rest: IdentityPose(),
	}
}
