package asset

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/qmuntal/gltf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestAsset writes a two-node glTF (root -> mesh child offset by +1 on X)
// with one triangle and two samplers: a root translation lasting 1.25s and a
// child translation lasting 2s.
func writeTestAsset(t *testing.T, dir, name string) {
	t.Helper()

	var bin bytes.Buffer
	put := func(vals ...any) {
		for _, v := range vals {
			require.NoError(t, binary.Write(&bin, binary.LittleEndian, v))
		}
	}
	put(float32(0), float32(0), float32(0), float32(1), float32(0), float32(0), float32(0), float32(1), float32(0)) // 0..36 positions
	put(uint16(0), uint16(1), uint16(2), uint16(0))                                                               // 36..44 indices + pad
	put(float32(0), float32(1.25))                                                                                // 44..52 times A
	put(float32(0), float32(0), float32(0), float32(0), float32(2), float32(0))                                   // 52..76 root translations
	put(float32(0), float32(2))                                                                                   // 76..84 times B
	put(float32(0), float32(0), float32(0), float32(5), float32(5), float32(5))                                   // 84..108 child translations
	require.Equal(t, 108, bin.Len())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mesh.bin"), bin.Bytes(), 0644))

	doc := map[string]any{
		"asset":   map[string]any{"version": "2.0"},
		"scene":   0,
		"scenes":  []any{map[string]any{"nodes": []int{0}}},
		"buffers": []any{map[string]any{"uri": "mesh.bin", "byteLength": 108}},
		"bufferViews": []any{
			map[string]any{"buffer": 0, "byteOffset": 0, "byteLength": 36},
			map[string]any{"buffer": 0, "byteOffset": 36, "byteLength": 6},
			map[string]any{"buffer": 0, "byteOffset": 44, "byteLength": 8},
			map[string]any{"buffer": 0, "byteOffset": 52, "byteLength": 24},
			map[string]any{"buffer": 0, "byteOffset": 76, "byteLength": 8},
			map[string]any{"buffer": 0, "byteOffset": 84, "byteLength": 24},
		},
		"accessors": []any{
			map[string]any{"bufferView": 0, "componentType": 5126, "count": 3, "type": "VEC3"},
			map[string]any{"bufferView": 1, "componentType": 5123, "count": 3, "type": "SCALAR"},
			map[string]any{"bufferView": 2, "componentType": 5126, "count": 2, "type": "SCALAR", "min": []float64{0}, "max": []float64{1.25}},
			map[string]any{"bufferView": 3, "componentType": 5126, "count": 2, "type": "VEC3"},
			map[string]any{"bufferView": 4, "componentType": 5126, "count": 2, "type": "SCALAR"},
			map[string]any{"bufferView": 5, "componentType": 5126, "count": 2, "type": "VEC3"},
		},
		"meshes": []any{map[string]any{"primitives": []any{
			map[string]any{"attributes": map[string]int{"POSITION": 0}, "indices": 1},
		}}},
		"nodes": []any{
			map[string]any{"name": "root", "children": []int{1}},
			map[string]any{"name": "body", "mesh": 0, "translation": []float64{1, 0, 0}},
		},
		"animations": []any{map[string]any{
			"name": "talk",
			"samplers": []any{
				map[string]any{"input": 2, "output": 3, "interpolation": "LINEAR"},
				map[string]any{"input": 4, "output": 5, "interpolation": "LINEAR"},
			},
			"channels": []any{
				map[string]any{"sampler": 0, "target": map[string]any{"node": 0, "path": "translation"}},
				map[string]any{"sampler": 1, "target": map[string]any{"node": 1, "path": "translation"}},
			},
		}},
	}
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), raw, 0644))
}

func testLoader(t *testing.T) *GLTFLoader {
	t.Helper()
	dir := t.TempDir()
	writeTestAsset(t, dir, "Idle.gltf")
	writeTestAsset(t, dir, "Talking.gltf")

	c, err := NewCatalog(dir, "Idle.gltf", []string{"Talking.gltf"})
	require.NoError(t, err)
	return NewGLTFLoader(c)
}

func TestGLTFLoader_DecodesMeshAndClip(t *testing.T) {
	l := testLoader(t)

	m, err := l.Load(context.Background(), "Talking.gltf")
	require.NoError(t, err)

	require.Len(t, m.Mesh.Positions, 3)
	assert.Equal(t, []uint32{0, 1, 2}, m.Mesh.Indices)
	// child translation is baked into the vertices
	assert.Equal(t, mgl32.Vec3{1, 0, 0}, m.Mesh.Positions[0])
	assert.Equal(t, mgl32.Vec3{2, 0, 0}, m.Mesh.Positions[1])
	// missing normals are generated from the face
	assert.InDelta(t, 1.0, m.Mesh.Normals[0].Z(), 1e-6)

	require.Len(t, m.Clips, 1)
	clip := m.Clips[0]
	assert.Equal(t, "talk", clip.Name)
	assert.InDelta(t, 2.0, clip.Duration, 1e-6, "duration is the longest sampler input")
	assert.False(t, clip.Loop)

	require.Len(t, clip.Tracks, 1, "only root channels become tracks")
	track := clip.Tracks[0]
	assert.Equal(t, PropertyTranslation, track.Property)
	assert.Equal(t, []float32{0, 1.25}, track.Times)
	assert.Equal(t, mgl32.Vec3{0, 2, 0}, track.Vectors[1])
}

func TestGLTFLoader_IdleClipsLoop(t *testing.T) {
	l := testLoader(t)

	m, err := l.Load(context.Background(), "Idle.gltf")
	require.NoError(t, err)
	require.NotEmpty(t, m.Clips)
	assert.True(t, m.FirstClip().Loop)
}

func TestGLTFLoader_UnknownAsset(t *testing.T) {
	l := testLoader(t)

	_, err := l.Load(context.Background(), "Dance.gltf")
	assert.ErrorIs(t, err, ErrUnknownAsset)
}

func TestGLTFLoader_MissingFile(t *testing.T) {
	c, err := NewCatalog(t.TempDir(), "Idle.glb", []string{"Talking.glb"})
	require.NoError(t, err)

	_, err = NewGLTFLoader(c).Load(context.Background(), "Idle.glb")
	assert.Error(t, err)
}

func TestGLTFLoader_HonoursCancellation(t *testing.T) {
	l := testLoader(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Load(ctx, "Talking.gltf")
	assert.ErrorIs(t, err, context.Canceled)

	// cancellation that lands during the parse is observed afterwards
	ctx, cancel = context.WithCancel(context.Background())
	open := l.open
	l.open = func(path string) (*gltf.Document, error) {
		cancel()
		return open(path)
	}
	_, err = l.Load(ctx, "Talking.gltf")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDecode_NoMesh(t *testing.T) {
	_, err := Decode("empty", &gltf.Document{})
	assert.True(t, errors.Is(err, ErrNoMesh))
}

func TestBoxMesh(t *testing.T) {
	box := BoxMesh(1, 2, 0.5)

	assert.Len(t, box.Positions, 24)
	assert.Len(t, box.Normals, 24)
	assert.Len(t, box.Indices, 36)

	var lo, hi mgl32.Vec3
	for _, p := range box.Positions {
		for i := 0; i < 3; i++ {
			lo[i] = min(lo[i], p[i])
			hi[i] = max(hi[i], p[i])
		}
	}
	assert.Equal(t, mgl32.Vec3{1, 2, 0.5}, hi.Sub(lo))

	ph := PlaceholderModel()
	assert.Empty(t, ph.Clips)
	assert.Equal(t, uint32(0x00ff88), PlaceholderColor)
}

func TestPose_Matrix(t *testing.T) {
	p := IdentityPose()
	p.Translation = mgl32.Vec3{1, 2, 3}
	p.Scale = mgl32.Vec3{2, 2, 2}

	got := p.Matrix().Mul4x1(mgl32.Vec4{1, 0, 0, 1})
	assert.Equal(t, mgl32.Vec4{3, 2, 3, 1}, got)
}
