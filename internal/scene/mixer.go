package scene

import (
	"math"
	"sort"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/normanking/talkinghead/internal/asset"
)

// Mixer plays one clip against a model's rest pose
type Mixer struct {
	clip     asset.Clip
	rest     asset.Pose
	loop     bool
	time     float32
	finished bool
	stopped  bool
}

// NewMixer starts clip at time zero
func NewMixer(clip asset.Clip, rest asset.Pose, loop bool) *Mixer {
	return &Mixer{clip: clip, rest: rest, loop: loop}
}

// Advance moves clip time forward by dt seconds. A once-only clip clamps
// at its end and reports Finished.
func (m *Mixer) Advance(dt float32) {
	if m.stopped || m.finished || dt <= 0 {
		return
	}

	d := m.clip.Duration
	if d <= 0 {
		m.finished = !m.loop
		return
	}

	m.time += dt
	if m.time < d {
		return
	}
	if m.loop {
		m.time = float32(math.Mod(float64(m.time), float64(d)))
		return
	}
	m.time = d
	m.finished = true
}

// Stop freezes the mixer; later Advance calls do nothing
func (m *Mixer) Stop() {
	m.stopped = true
}

// Stopped reports whether Stop was called
func (m *Mixer) Stopped() bool { return m.stopped }

// Finished reports whether a once-only clip reached its end
func (m *Mixer) Finished() bool { return m.finished }

// Time returns the current clip time in seconds
func (m *Mixer) Time() float32 { return m.time }

// Loop reports whether the clip repeats
func (m *Mixer) Loop() bool { return m.loop }

// Clip returns the clip being played
func (m *Mixer) Clip() asset.Clip { return m.clip }

// Pose samples every track at the current time over the rest pose
func (m *Mixer) Pose() asset.Pose {
	p := m.rest
	for i := range m.clip.Tracks {
		tr := &m.clip.Tracks[i]
		if len(tr.Times) == 0 {
			continue
		}
		switch tr.Property {
		case asset.PropertyTranslation:
			if v, ok := sampleVec3(tr, m.time); ok {
				p.Translation = v
			}
		case asset.PropertyScale:
			if v, ok := sampleVec3(tr, m.time); ok {
				p.Scale = v
			}
		case asset.PropertyRotation:
			if q, ok := sampleQuat(tr, m.time); ok {
				p.Rotation = q
			}
		}
	}
	return p
}

// Transform returns the sampled pose as a matrix
func (m *Mixer) Transform() mgl32.Mat4 {
	return m.Pose().Matrix()
}

// keyframe returns the indices bracketing t and the blend factor between them
func keyframe(times []float32, t float32, step bool) (int, int, float32) {
	n := len(times)
	if t <= times[0] {
		return 0, 0, 0
	}
	if t >= times[n-1] {
		return n - 1, n - 1, 0
	}
	// first index with times[i] > t
	hi := sort.Search(n, func(i int) bool { return times[i] > t })
	lo := hi - 1
	if step {
		return lo, lo, 0
	}
	span := times[hi] - times[lo]
	if span <= 0 {
		return lo, lo, 0
	}
	return lo, hi, (t - times[lo]) / span
}

func sampleVec3(tr *asset.Track, t float32) (mgl32.Vec3, bool) {
	if len(tr.Vectors) < len(tr.Times) {
		return mgl32.Vec3{}, false
	}
	lo, hi, f := keyframe(tr.Times, t, tr.Step)
	a, b := tr.Vectors[lo], tr.Vectors[hi]
	return a.Add(b.Sub(a).Mul(f)), true
}

func sampleQuat(tr *asset.Track, t float32) (mgl32.Quat, bool) {
	if len(tr.Rotations) < len(tr.Times) {
		return mgl32.Quat{}, false
	}
	lo, hi, f := keyframe(tr.Times, t, tr.Step)
	if lo == hi {
		return tr.Rotations[lo], true
	}
	return mgl32.QuatSlerp(tr.Rotations[lo], tr.Rotations[hi], f), true
}
