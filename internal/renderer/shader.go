package renderer

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-gl/gl/v4.1-core/gl"
	"github.com/go-gl/mathgl/mgl32"
)

// ErrNotFromFiles is returned when reloading a built-in shader
var ErrNotFromFiles = errors.New("shader was not loaded from files")

// CompileError carries the driver's info log for a failed stage
type CompileError struct {
	Stage string // vertex, fragment or link
	Log   string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("%s: %s", e.Stage, e.Log)
}

// Shader is a linked program. The uniform cache is only touched on the
// render thread.
type Shader struct {
	ID uint32

	vertPath string
	fragPath string

	uniforms map[string]int32
}

// NewShaderFromFiles compiles a program from two source files
func NewShaderFromFiles(vertPath, fragPath string) (*Shader, error) {
	vertSrc, err := os.ReadFile(vertPath)
	if err != nil {
		return nil, fmt.Errorf("read vertex shader: %w", err)
	}
	fragSrc, err := os.ReadFile(fragPath)
	if err != nil {
		return nil, fmt.Errorf("read fragment shader: %w", err)
	}

	shader, err := NewShaderFromSource(string(vertSrc), string(fragSrc))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", vertPath, err)
	}
	shader.vertPath = vertPath
	shader.fragPath = fragPath
	return shader, nil
}

// NewShaderFromSource compiles and links a vertex/fragment pair
func NewShaderFromSource(vertSrc, fragSrc string) (*Shader, error) {
	id, err := link(terminate(vertSrc), terminate(fragSrc))
	if err != nil {
		return nil, err
	}
	return &Shader{ID: id, uniforms: make(map[string]int32)}, nil
}

// terminate appends the NUL gl.Strs expects
func terminate(src string) string {
	if strings.HasSuffix(src, "\x00") {
		return src
	}
	return src + "\x00"
}

// trimLog drops the NUL padding and trailing whitespace of an info log
func trimLog(log string) string {
	return strings.TrimRight(log, "\x00 \r\n\t")
}

func link(vertSrc, fragSrc string) (uint32, error) {
	vert, err := compile(vertSrc, gl.VERTEX_SHADER)
	if err != nil {
		return 0, err
	}
	defer gl.DeleteShader(vert)

	frag, err := compile(fragSrc, gl.FRAGMENT_SHADER)
	if err != nil {
		return 0, err
	}
	defer gl.DeleteShader(frag)

	program := gl.CreateProgram()
	gl.AttachShader(program, vert)
	gl.AttachShader(program, frag)
	gl.LinkProgram(program)

	var status int32
	gl.GetProgramiv(program, gl.LINK_STATUS, &status)
	if status == gl.FALSE {
		var n int32
		gl.GetProgramiv(program, gl.INFO_LOG_LENGTH, &n)
		log := strings.Repeat("\x00", int(n+1))
		gl.GetProgramInfoLog(program, n, nil, gl.Str(log))
		gl.DeleteProgram(program)
		return 0, &CompileError{Stage: "link", Log: trimLog(log)}
	}
	return program, nil
}

func compile(source string, kind uint32) (uint32, error) {
	shader := gl.CreateShader(kind)

	csource, free := gl.Strs(source)
	gl.ShaderSource(shader, 1, csource, nil)
	free()
	gl.CompileShader(shader)

	var status int32
	gl.GetShaderiv(shader, gl.COMPILE_STATUS, &status)
	if status == gl.FALSE {
		var n int32
		gl.GetShaderiv(shader, gl.INFO_LOG_LENGTH, &n)
		log := strings.Repeat("\x00", int(n+1))
		gl.GetShaderInfoLog(shader, n, nil, gl.Str(log))
		gl.DeleteShader(shader)

		stage := "vertex"
		if kind == gl.FRAGMENT_SHADER {
			stage = "fragment"
		}
		return 0, &CompileError{Stage: stage, Log: trimLog(log)}
	}
	return shader, nil
}

// Paths returns the source files, empty for built-in shaders
func (s *Shader) Paths() (vert, frag string) {
	return s.vertPath, s.fragPath
}

// Reload recompiles from the source files. On failure the old program
// stays in use.
func (s *Shader) Reload() error {
	if s.vertPath == "" || s.fragPath == "" {
		return ErrNotFromFiles
	}

	next, err := NewShaderFromFiles(s.vertPath, s.fragPath)
	if err != nil {
		return err
	}

	gl.DeleteProgram(s.ID)
	s.ID = next.ID
	s.uniforms = make(map[string]int32)
	return nil
}

// Use activates this shader program
func (s *Shader) Use() {
	gl.UseProgram(s.ID)
}

// Delete releases the program
func (s *Shader) Delete() {
	gl.DeleteProgram(s.ID)
}

func (s *Shader) location(name string) int32 {
	if loc, ok := s.uniforms[name]; ok {
		return loc
	}
	loc := gl.GetUniformLocation(s.ID, gl.Str(name+"\x00"))
	s.uniforms[name] = loc
	return loc
}

func (s *Shader) SetInt(name string, value int32) {
	gl.Uniform1i(s.location(name), value)
}

func (s *Shader) SetFloat(name string, value float32) {
	gl.Uniform1f(s.location(name), value)
}

func (s *Shader) SetVec3(name string, v mgl32.Vec3) {
	gl.Uniform3fv(s.location(name), 1, &v[0])
}

func (s *Shader) SetMat4(name string, m mgl32.Mat4) {
	gl.UniformMatrix4fv(s.location(name), 1, false, &m[0])
}
