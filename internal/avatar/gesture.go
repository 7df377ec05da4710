package avatar

import (
	"fmt"
	"time"
)

// Gesture is a named scripted override
type Gesture string

const (
	GestureWave       Gesture = "wave"
	GestureNodYes     Gesture = "nod_yes"
	GestureShakeNo    Gesture = "shake_no"
	GestureThink      Gesture = "think"
	GestureCelebrate  Gesture = "celebrate"
	GestureLookAround Gesture = "look_around"
)

// GestureInfo describes a gesture for menus and remote clients
type GestureInfo struct {
	Name        Gesture       `json:"name" yaml:"name"`
	Description string        `json:"description" yaml:"description"`
	Duration    time.Duration `json:"duration" yaml:"duration"`
}

type step struct {
	at    time.Duration
	patch patch
}

type script struct {
	name      Gesture
	steps     []step
	restoreAt time.Duration
	intensity float32
}

func (s script) channels() []channel {
	var merged patch
	for _, st := range s.steps {
		if st.patch.expression != "" {
			merged.expression = st.patch.expression
		}
		if st.patch.pose != "" {
			merged.pose = st.patch.pose
		}
		if st.patch.mood != "" {
			merged.mood = st.patch.mood
		}
	}
	return merged.channels()
}

var gestures = map[Gesture]struct {
	description string
	script      script
}{
	GestureWave: {"Friendly wave: happy face, head swings left, right, left", script{
		steps: []step{
			{0, patch{expression: ExpressionHappy, pose: PoseLeft}},
			{200 * time.Millisecond, patch{pose: PoseRight}},
			{400 * time.Millisecond, patch{pose: PoseLeft}},
		},
		restoreAt: 600 * time.Millisecond,
	}},
	GestureNodYes: {"Nod in agreement", script{
		steps:     []step{{0, patch{pose: PoseNodding}}},
		restoreAt: 800 * time.Millisecond,
	}},
	GestureShakeNo: {"Shake head in disagreement", script{
		steps:     []step{{0, patch{pose: PoseShaking}}},
		restoreAt: 800 * time.Millisecond,
	}},
	GestureThink: {"Look aside with a thinking face", script{
		steps:     []step{{0, patch{expression: ExpressionThinking, pose: PoseLeft, mood: MoodFocused}}},
		restoreAt: 2 * time.Second,
	}},
	GestureCelebrate: {"Happy and excited", script{
		steps:     []step{{0, patch{expression: ExpressionHappy, mood: MoodExcited}}},
		restoreAt: 1500 * time.Millisecond,
	}},
	GestureLookAround: {"Glance left then right", script{
		steps: []step{
			{0, patch{pose: PoseLeft}},
			{500 * time.Millisecond, patch{pose: PoseRight}},
		},
		restoreAt: time.Second,
	}},
}

// Gestures lists the gesture catalog in a stable order
func Gestures() []GestureInfo {
	order := []Gesture{GestureWave, GestureNodYes, GestureShakeNo, GestureThink, GestureCelebrate, GestureLookAround}
	out := make([]GestureInfo, 0, len(order))
	for _, g := range order {
		def := gestures[g]
		out = append(out, GestureInfo{Name: g, Description: def.description, Duration: def.script.restoreAt})
	}
	return out
}

// ParseGesture validates a gesture name
func ParseGesture(s string) (Gesture, error) {
	g := Gesture(s)
	if _, ok := gestures[g]; !ok {
		return "", fmt.Errorf("unknown gesture %q", s)
	}
	return g, nil
}

// Perform runs a gesture. Intensity outside (0,1] uses the configured
// default.
func (c *Controller) Perform(g Gesture, intensity float32) error {
	def, ok := gestures[g]
	if !ok {
		return fmt.Errorf("unknown gesture %q", g)
	}
	if intensity <= 0 || intensity > 1 {
		intensity = c.opts.DefaultIntensity
	}

	s := def.script
	s.name = g
	s.intensity = intensity
	c.run(s)
	return nil
}
