package asset

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/qmuntal/gltf"
)

// GLTFLoader loads catalog assets from .glb/.gltf files
type GLTFLoader struct {
	catalog *Catalog
	open    func(path string) (*gltf.Document, error)
}

// NewGLTFLoader creates a loader that resolves names through catalog
func NewGLTFLoader(catalog *Catalog) *GLTFLoader {
	return &GLTFLoader{catalog: catalog, open: gltf.Open}
}

// Load opens and decodes the named asset. Cancellation is honoured before
// and after the parse; the parse itself is not interruptible.
func (l *GLTFLoader) Load(ctx context.Context, name string) (*Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entry, ok := l.catalog.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, name)
	}

	doc, err := l.open(l.catalog.Path(name))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	model, err := Decode(name, doc)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	for i := range model.Clips {
		model.Clips[i].Loop = entry.Category == CategoryIdle
	}
	return model, nil
}

// Decode converts a parsed document into a Model. Every mesh node is baked
// into one vertex set expressed relative to the root of the first mesh
// node; only channels targeting that root become tracks.
func Decode(name string, doc *gltf.Document) (*Model, error) {
	model := &Model{Name: name, Rest: IdentityPose()}
	parents := parentIndex(doc)

	var meshNodes []int
	for i, n := range doc.Nodes {
		if n.Mesh != nil {
			meshNodes = append(meshNodes, i)
		}
	}

	root := -1
	if len(meshNodes) > 0 {
		root = rootOf(meshNodes[0], parents)
		model.Rest = nodePose(doc.Nodes[root])
		for _, ni := range meshNodes {
			if err := appendMesh(doc, int(*doc.Nodes[ni].Mesh), bakedTransform(doc, ni, root, parents), &model.Mesh); err != nil {
				return nil, err
			}
		}
	} else {
		// meshes not referenced by any node are taken as-is
		for mi := range doc.Meshes {
			if err := appendMesh(doc, mi, mgl32.Ident4(), &model.Mesh); err != nil {
				return nil, err
			}
		}
	}

	if model.Mesh.Empty() {
		return nil, ErrNoMesh
	}

	for ai, anim := range doc.Animations {
		clip, err := decodeAnimation(doc, anim, root)
		if err != nil {
			return nil, fmt.Errorf("animation %d: %w", ai, err)
		}
		if clip.Name == "" {
			clip.Name = fmt.Sprintf("animation_%d", ai)
		}
		model.Clips = append(model.Clips, clip)
	}

	return model, nil
}

func decodeAnimation(doc *gltf.Document, anim *gltf.Animation, root int) (Clip, error) {
	clip := Clip{Name: anim.Name}

	for _, ch := range anim.Channels {
		si, ok := indexOf(ch.Sampler)
		if !ok || si >= len(anim.Samplers) {
			continue
		}
		sampler := anim.Samplers[si]

		input, ok := indexOf(sampler.Input)
		if !ok {
			continue
		}
		times, err := readFloats(doc, input, 1)
		if err != nil {
			return clip, fmt.Errorf("sampler %d input: %w", si, err)
		}
		if end := endTime(doc.Accessors[input], times); end > clip.Duration {
			clip.Duration = end
		}

		node, ok := indexOf(ch.Target.Node)
		if !ok || node != root {
			continue
		}

		output, ok := indexOf(sampler.Output)
		if !ok {
			continue
		}
		track, err := decodeTrack(doc, ch.Target.Path, sampler.Interpolation, times, output)
		if err != nil {
			return clip, fmt.Errorf("sampler %d output: %w", si, err)
		}
		if track != nil {
			clip.Tracks = append(clip.Tracks, *track)
		}
	}

	return clip, nil
}

func decodeTrack(doc *gltf.Document, path gltf.TRSProperty, interp gltf.Interpolation, times []float32, output int) (*Track, error) {
	var prop Property
	width := 3
	switch path {
	case gltf.TRSTranslation:
		prop = PropertyTranslation
	case gltf.TRSScale:
		prop = PropertyScale
	case gltf.TRSRotation:
		prop = PropertyRotation
		width = 4
	default:
		// morph weights are not rendered
		return nil, nil
	}

	values, err := readFloats(doc, output, width)
	if err != nil {
		return nil, err
	}

	// cubic spline outputs are (in-tangent, value, out-tangent) triplets;
	// only the values are kept and interpolated linearly
	stride := 1
	if interp == gltf.InterpolationCubicSpline {
		stride = 3
	}

	n := len(times)
	if len(values) < n*stride*width {
		return nil, fmt.Errorf("expected %d keyframes, got %d values", n, len(values)/width)
	}

	track := &Track{
		Property: prop,
		Step:     interp == gltf.InterpolationStep,
		Times:    times,
	}
	for i := 0; i < n; i++ {
		off := (i*stride + stride/2) * width
		v := values[off : off+width]
		if prop == PropertyRotation {
			track.Rotations = append(track.Rotations, mgl32.Quat{W: v[3], V: mgl32.Vec3{v[0], v[1], v[2]}})
		} else {
			track.Vectors = append(track.Vectors, mgl32.Vec3{v[0], v[1], v[2]})
		}
	}
	return track, nil
}

func endTime(acc *gltf.Accessor, times []float32) float32 {
	if len(acc.Max) > 0 {
		return float32(acc.Max[0])
	}
	var end float32
	for _, t := range times {
		if t > end {
			end = t
		}
	}
	return end
}

func appendMesh(doc *gltf.Document, meshIndex int, transform mgl32.Mat4, out *MeshData) error {
	if meshIndex < 0 || meshIndex >= len(doc.Meshes) {
		return fmt.Errorf("mesh %d out of range", meshIndex)
	}
	normalMat := transform.Mat3().Inv().Transpose()

	for pi, prim := range doc.Meshes[meshIndex].Primitives {
		posIdx, ok := prim.Attributes[gltf.POSITION]
		if !ok {
			continue
		}
		raw, err := readFloats(doc, int(posIdx), 3)
		if err != nil {
			return fmt.Errorf("mesh %d primitive %d positions: %w", meshIndex, pi, err)
		}
		positions := toVec3(raw)

		var indices []uint32
		if prim.Indices != nil {
			indices, err = readIndices(doc, int(*prim.Indices))
			if err != nil {
				return fmt.Errorf("mesh %d primitive %d indices: %w", meshIndex, pi, err)
			}
		} else {
			indices = make([]uint32, len(positions))
			for i := range indices {
				indices[i] = uint32(i)
			}
		}

		var normals []mgl32.Vec3
		if normIdx, ok := prim.Attributes[gltf.NORMAL]; ok {
			if raw, err := readFloats(doc, int(normIdx), 3); err == nil && len(raw)/3 == len(positions) {
				normals = toVec3(raw)
			}
		}
		if normals == nil {
			normals = faceNormals(positions, indices)
		}

		base := uint32(len(out.Positions))
		for i, p := range positions {
			out.Positions = append(out.Positions, transform.Mul4x1(p.Vec4(1)).Vec3())
			n := normalMat.Mul3x1(normals[i])
			if n.Len() > 0 {
				n = n.Normalize()
			}
			out.Normals = append(out.Normals, n)
		}
		for _, idx := range indices {
			if int(idx) >= len(positions) {
				return fmt.Errorf("mesh %d primitive %d: index %d out of range", meshIndex, pi, idx)
			}
			out.Indices = append(out.Indices, base+idx)
		}
	}
	return nil
}

func faceNormals(positions []mgl32.Vec3, indices []uint32) []mgl32.Vec3 {
	normals := make([]mgl32.Vec3, len(positions))
	for i := 0; i+2 < len(indices); i += 3 {
		a, b, c := indices[i], indices[i+1], indices[i+2]
		if int(a) >= len(positions) || int(b) >= len(positions) || int(c) >= len(positions) {
			continue
		}
		n := positions[b].Sub(positions[a]).Cross(positions[c].Sub(positions[a]))
		normals[a] = normals[a].Add(n)
		normals[b] = normals[b].Add(n)
		normals[c] = normals[c].Add(n)
	}
	for i, n := range normals {
		if n.Len() > 0 {
			normals[i] = n.Normalize()
		}
	}
	return normals
}

func toVec3(raw []float32) []mgl32.Vec3 {
	out := make([]mgl32.Vec3, len(raw)/3)
	for i := range out {
		out[i] = mgl32.Vec3{raw[i*3], raw[i*3+1], raw[i*3+2]}
	}
	return out
}

func parentIndex(doc *gltf.Document) []int {
	parents := make([]int, len(doc.Nodes))
	for i := range parents {
		parents[i] = -1
	}
	for i, n := range doc.Nodes {
		for _, c := range n.Children {
			if ci := int(c); ci >= 0 && ci < len(parents) {
				parents[ci] = i
			}
		}
	}
	return parents
}

func rootOf(node int, parents []int) int {
	for steps := 0; parents[node] >= 0 && steps < len(parents); steps++ {
		node = parents[node]
	}
	return node
}

// bakedTransform is the node's transform relative to root. A node outside
// root's tree gets its full world transform.
func bakedTransform(doc *gltf.Document, node, root int, parents []int) mgl32.Mat4 {
	m := mgl32.Ident4()
	for n, steps := node, 0; n >= 0 && n != root && steps <= len(parents); n, steps = parents[n], steps+1 {
		m = localMatrix(doc.Nodes[n]).Mul4(m)
	}
	return m
}

func localMatrix(n *gltf.Node) mgl32.Mat4 {
	var m mgl32.Mat4
	identity, zero := true, true
	ident := mgl32.Ident4()
	for i := range m {
		m[i] = float32(n.Matrix[i])
		if m[i] != ident[i] {
			identity = false
		}
		if m[i] != 0 {
			zero = false
		}
	}
	if !identity && !zero {
		return m
	}
	return nodePose(n).Matrix()
}

func nodePose(n *gltf.Node) Pose {
	p := Pose{
		Translation: mgl32.Vec3{float32(n.Translation[0]), float32(n.Translation[1]), float32(n.Translation[2])},
		Rotation: mgl32.Quat{
			W: float32(n.Rotation[3]),
			V: mgl32.Vec3{float32(n.Rotation[0]), float32(n.Rotation[1]), float32(n.Rotation[2])},
		},
		Scale: mgl32.Vec3{float32(n.Scale[0]), float32(n.Scale[1]), float32(n.Scale[2])},
	}
	if p.Rotation.Len() == 0 {
		p.Rotation = mgl32.QuatIdent()
	}
	if p.Scale == (mgl32.Vec3{}) {
		p.Scale = mgl32.Vec3{1, 1, 1}
	}
	return p
}

// indexOf reads a glTF index field whether the schema models it as a
// required value or as an optional pointer.
func indexOf(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, x >= 0
	case *int:
		if x == nil {
			return -1, false
		}
		return *x, *x >= 0
	case uint32:
		return int(x), true
	case *uint32:
		if x == nil {
			return -1, false
		}
		return int(*x), true
	}
	return -1, false
}

func bufferViewData(doc *gltf.Document, viewIndex int) (*gltf.BufferView, []byte, error) {
	if viewIndex < 0 || viewIndex >= len(doc.BufferViews) {
		return nil, nil, fmt.Errorf("buffer view %d out of range", viewIndex)
	}
	view := doc.BufferViews[viewIndex]
	bi := int(view.Buffer)
	if bi < 0 || bi >= len(doc.Buffers) {
		return nil, nil, fmt.Errorf("buffer %d out of range", bi)
	}
	data := doc.Buffers[bi].Data
	if len(data) == 0 {
		return nil, nil, fmt.Errorf("buffer %d has no data", bi)
	}
	return view, data, nil
}

// readFloats returns count*width float32 values from a FLOAT accessor
func readFloats(doc *gltf.Document, index, width int) ([]float32, error) {
	if index < 0 || index >= len(doc.Accessors) {
		return nil, fmt.Errorf("accessor %d out of range", index)
	}
	acc := doc.Accessors[index]
	count := int(acc.Count)
	if acc.BufferView == nil {
		// no view means all zeros
		return make([]float32, count*width), nil
	}
	if acc.ComponentType != gltf.ComponentFloat {
		return nil, fmt.Errorf("accessor %d: unsupported component type %v", index, acc.ComponentType)
	}

	view, data, err := bufferViewData(doc, int(*acc.BufferView))
	if err != nil {
		return nil, err
	}

	stride := int(view.ByteStride)
	if stride == 0 {
		stride = 4 * width
	}
	start := int(view.ByteOffset) + int(acc.ByteOffset)
	if count > 0 && start+(count-1)*stride+4*width > len(data) {
		return nil, fmt.Errorf("accessor %d overruns its buffer", index)
	}

	out := make([]float32, 0, count*width)
	for i := 0; i < count; i++ {
		base := start + i*stride
		for c := 0; c < width; c++ {
			bits := binary.LittleEndian.Uint32(data[base+4*c:])
			out = append(out, math.Float32frombits(bits))
		}
	}
	return out, nil
}

func readIndices(doc *gltf.Document, index int) ([]uint32, error) {
	if index < 0 || index >= len(doc.Accessors) {
		return nil, fmt.Errorf("accessor %d out of range", index)
	}
	acc := doc.Accessors[index]
	if acc.BufferView == nil {
		return nil, fmt.Errorf("accessor %d has no buffer view", index)
	}

	view, data, err := bufferViewData(doc, int(*acc.BufferView))
	if err != nil {
		return nil, err
	}

	var size int
	switch acc.ComponentType {
	case gltf.ComponentUbyte:
		size = 1
	case gltf.ComponentUshort:
		size = 2
	case gltf.ComponentUint:
		size = 4
	default:
		return nil, fmt.Errorf("accessor %d: unsupported index type %v", index, acc.ComponentType)
	}

	stride := int(view.ByteStride)
	if stride == 0 {
		stride = size
	}
	count := int(acc.Count)
	start := int(view.ByteOffset) + int(acc.ByteOffset)
	if count > 0 && start+(count-1)*stride+size > len(data) {
		return nil, fmt.Errorf("accessor %d overruns its buffer", index)
	}

	out := make([]uint32, count)
	for i := range out {
		at := start + i*stride
		switch size {
		case 1:
			out[i] = uint32(data[at])
		case 2:
			out[i] = uint32(binary.LittleEndian.Uint16(data[at:]))
		case 4:
			out[i] = binary.LittleEndian.Uint32(data[at:])
		}
	}
	return out, nil
}
