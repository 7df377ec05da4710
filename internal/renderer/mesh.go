package renderer

import (
	"errors"
	"fmt"

	"github.com/go-gl/gl/v4.1-core/gl"

	"github.com/normanking/talkinghead/internal/asset"
	"github.com/normanking/talkinghead/internal/scene"
)

// ErrReleased is returned when a mesh is released twice
var ErrReleased = errors.New("mesh already released")

// floats per vertex: position + normal
const vertexStride = 6

// Mesh is geometry resident on the GPU. It satisfies scene.Resource.
type Mesh struct {
	VAO        uint32
	VBO        uint32
	EBO        uint32
	IndexCount int32
	HasIndices bool

	VertexCount int32
	released    bool
}

var _ scene.Resource = (*Mesh)(nil)

// interleave packs positions and normals into one vertex buffer. Missing
// normals default to +Y.
func interleave(m *asset.MeshData) []float32 {
	data := make([]float32, 0, len(m.Positions)*vertexStride)
	for i, p := range m.Positions {
		n := [3]float32{0, 1, 0}
		if i < len(m.Normals) {
			n = m.Normals[i]
		}
		data = append(data, p[0], p[1], p[2], n[0], n[1], n[2])
	}
	return data
}

// validIndices reports whether every index addresses a vertex
func validIndices(m *asset.MeshData) error {
	count := uint32(len(m.Positions))
	for i, idx := range m.Indices {
		if idx >= count {
			return fmt.Errorf("index %d at %d out of range (%d vertices)", idx, i, count)
		}
	}
	return nil
}

// Upload copies mesh into GPU buffers. Must run on the thread that owns
// the GL context.
func (r *Renderer) Upload(mesh *asset.MeshData) (scene.Resource, error) {
	if mesh.Empty() {
		return nil, asset.ErrNoMesh
	}
	if err := validIndices(mesh); err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}

	m := &Mesh{
		VertexCount: int32(len(mesh.Positions)),
		IndexCount:  int32(len(mesh.Indices)),
		HasIndices:  len(mesh.Indices) > 0,
	}
	m.uploadToGPU(interleave(mesh), mesh.Indices)
	return m, nil
}

func (m *Mesh) uploadToGPU(vertexData []float32, indices []uint32) {
	gl.GenVertexArrays(1, &m.VAO)
	gl.GenBuffers(1, &m.VBO)

	gl.BindVertexArray(m.VAO)
	gl.BindBuffer(gl.ARRAY_BUFFER, m.VBO)
	gl.BufferData(gl.ARRAY_BUFFER, len(vertexData)*4, gl.Ptr(vertexData), gl.STATIC_DRAW)

	stride := int32(vertexStride * 4)
	gl.VertexAttribPointerWithOffset(0, 3, gl.FLOAT, false, stride, 0)
	gl.EnableVertexAttribArray(0)
	gl.VertexAttribPointerWithOffset(1, 3, gl.FLOAT, false, stride, 3*4)
	gl.EnableVertexAttribArray(1)

	if m.HasIndices {
		gl.GenBuffers(1, &m.EBO)
		gl.BindBuffer(gl.ELEMENT_ARRAY_BUFFER, m.EBO)
		gl.BufferData(gl.ELEMENT_ARRAY_BUFFER, len(indices)*4, gl.Ptr(indices), gl.STATIC_DRAW)
	}

	gl.BindVertexArray(0)
}

// Draw issues the draw call for the bound shader
func (m *Mesh) Draw() {
	gl.BindVertexArray(m.VAO)
	if m.HasIndices {
		gl.DrawElements(gl.TRIANGLES, m.IndexCount, gl.UNSIGNED_INT, nil)
	} else {
		gl.DrawArrays(gl.TRIANGLES, 0, m.VertexCount)
	}
	gl.BindVertexArray(0)
}

// Triangles returns the number of triangles drawn per call
func (m *Mesh) Triangles() int {
	if m.HasIndices {
		return int(m.IndexCount) / 3
	}
	return int(m.VertexCount) / 3
}

// Release frees the GPU buffers
func (m *Mesh) Release() error {
	if m.released {
		return ErrReleased
	}
	m.released = true

	gl.DeleteVertexArrays(1, &m.VAO)
	gl.DeleteBuffers(1, &m.VBO)
	if m.HasIndices {
		gl.DeleteBuffers(1, &m.EBO)
	}
	return nil
}
