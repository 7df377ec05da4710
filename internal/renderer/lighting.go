// internal/renderer/lighting.go
//
// Light definitions and the stage lighting rig
package renderer

import (
	"fmt"
	"strconv"

	"github.com/go-gl/mathgl/mgl32"
)

// LightType defines the type of light source
type LightType int

const (
	LightTypePoint LightType = iota
	LightTypeDirectional
)

// maxLights must match MAX_LIGHTS in the fragment shader
const maxLights = 4

// Light represents a light source. Directional lights shine from Position
// towards the origin.
type Light struct {
	Type      LightType
	Position  mgl32.Vec3
	Color     mgl32.Vec3
	Intensity float32
}

// Direction returns the direction the light travels
func (l Light) Direction() mgl32.Vec3 {
	if l.Position.Len() == 0 {
		return mgl32.Vec3{0, -1, 0}
	}
	return l.Position.Mul(-1).Normalize()
}

// LightingRig represents a collection of lights for a scene
type LightingRig struct {
	Lights           []Light
	AmbientColor     mgl32.Vec3
	AmbientIntensity float32
}

// NewStageLighting is a soft ambient plus a key and a fill directional light
func NewStageLighting() *LightingRig {
	return &LightingRig{
		Lights: []Light{
			{
				Type:      LightTypeDirectional,
				Position:  mgl32.Vec3{2, 4, 3},
				Color:     mgl32.Vec3{1, 1, 1},
				Intensity: 0.8,
			},
			{
				Type:      LightTypeDirectional,
				Position:  mgl32.Vec3{-2, 2, 2},
				Color:     mgl32.Vec3{1, 1, 1},
				Intensity: 0.3,
			},
		},
		AmbientColor:     HexColor(0x404040),
		AmbientIntensity: 0.6,
	}
}

// Ambient returns the ambient term fed to the shader
func (rig *LightingRig) Ambient() mgl32.Vec3 {
	return rig.AmbientColor.Mul(rig.AmbientIntensity)
}

// SetLightUniforms sets light uniforms on a shader
func (rig *LightingRig) SetLightUniforms(s *Shader) {
	count := len(rig.Lights)
	if count > maxLights {
		count = maxLights
	}
	for i, light := range rig.Lights[:count] {
		prefix := fmt.Sprintf("uLights[%d].", i)
		s.SetVec3(prefix+"position", light.Position)
		s.SetVec3(prefix+"direction", light.Direction())
		s.SetVec3(prefix+"color", light.Color)
		s.SetFloat(prefix+"intensity", light.Intensity)
		s.SetInt(prefix+"type", int32(light.Type))
	}
	s.SetInt("uLightCount", int32(count))
	s.SetVec3("uAmbientColor", rig.Ambient())
}

// HexColor converts 0xRRGGBB to linear RGB in [0,1]
func HexColor(c uint32) mgl32.Vec3 {
	return mgl32.Vec3{
		float32((c>>16)&0xff) / 255,
		float32((c>>8)&0xff) / 255,
		float32(c&0xff) / 255,
	}
}

// ParseHexColor accepts "#rrggbb" or "rrggbb"
func ParseHexColor(s string) (mgl32.Vec3, error) {
	if len(s) > 0 && s[0] == '#' {
		s = s[1:]
	}
	if len(s) != 6 {
		return mgl32.Vec3{}, fmt.Errorf("invalid colour %q", s)
	}
	c, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return mgl32.Vec3{}, fmt.Errorf("invalid colour %q: %w", s, err)
	}
	return HexColor(uint32(c)), nil
}
