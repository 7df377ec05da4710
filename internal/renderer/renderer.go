// Package renderer draws the attached avatar model into a GLFW window with
// an OpenGL 4.1 core context. Every method must be called on the thread
// that created the renderer.
package renderer

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-gl/gl/v4.1-core/gl"
	"github.com/go-gl/glfw/v3.3/glfw"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/rs/zerolog"

	"github.com/normanking/talkinghead/internal/config"
	"github.com/normanking/talkinghead/internal/engine"
	"github.com/normanking/talkinghead/internal/scene"
)

// Shader source file names looked up in Config.ShaderDir
const (
	VertexShaderFile   = "stage.vert"
	FragmentShaderFile = "stage.frag"
)

type Config struct {
	Width         int
	Height        int
	Title         string
	VSync         bool
	MSAA          int
	TransparentBG bool
	Background    mgl32.Vec3
	ShaderDir     string
	HotReload     bool
}

func DefaultConfig() Config {
	return Config{
		Width:      800,
		Height:     500,
		Title:      "talkinghead",
		VSync:      true,
		MSAA:       4,
		Background: HexColor(0x1a1a1a),
	}
}

// ConfigFrom builds a renderer config from the application config
func ConfigFrom(render config.RenderConfig, window config.WindowConfig) (Config, error) {
	cfg := DefaultConfig()
	if window.Width > 0 {
		cfg.Width = window.Width
	}
	if window.Height > 0 {
		cfg.Height = window.Height
	}
	if window.Title != "" {
		cfg.Title = window.Title
	}
	cfg.TransparentBG = window.Transparent
	cfg.VSync = render.VSync
	cfg.MSAA = render.MSAA
	cfg.ShaderDir = render.ShaderDir
	cfg.HotReload = render.HotReload

	if render.Background != "" {
		bg, err := ParseHexColor(render.Background)
		if err != nil {
			return cfg, fmt.Errorf("render.background: %w", err)
		}
		cfg.Background = bg
	}
	return cfg, nil
}

type Renderer struct {
	window *glfw.Window
	config Config
	log    zerolog.Logger

	shader      *Shader
	watcher     *ShaderWatcher
	camera      *Camera
	lightingRig *LightingRig
	resize      *WindowResizeSource

	projectionMatrix mgl32.Mat4
	viewMatrix       mgl32.Mat4

	drawCalls int
	triangles int

	fbWidth  int
	fbHeight int
}

// New opens the window and compiles the stage shader. glfw.Init must
// have been called on the current (locked) OS thread.
func New(cfg Config, log zerolog.Logger) (*Renderer, error) {
	glfw.WindowHint(glfw.ContextVersionMajor, 4)
	glfw.WindowHint(glfw.ContextVersionMinor, 1)
	glfw.WindowHint(glfw.OpenGLProfile, glfw.OpenGLCoreProfile)
	glfw.WindowHint(glfw.OpenGLForwardCompatible, glfw.True)
	glfw.WindowHint(glfw.Resizable, glfw.True)

	if cfg.MSAA > 0 {
		glfw.WindowHint(glfw.Samples, cfg.MSAA)
	}

	if cfg.TransparentBG {
		glfw.WindowHint(glfw.TransparentFramebuffer, glfw.True)
	}

	window, err := glfw.CreateWindow(cfg.Width, cfg.Height, cfg.Title, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create window: %w", err)
	}
	window.MakeContextCurrent()

	if err := gl.Init(); err != nil {
		window.Destroy()
		return nil, fmt.Errorf("gl init: %w", err)
	}

	if cfg.VSync {
		glfw.SwapInterval(1)
	} else {
		glfw.SwapInterval(0)
	}

	r := &Renderer{
		window:      window,
		config:      cfg,
		log:         log,
		lightingRig: NewStageLighting(),
	}

	r.fbWidth, r.fbHeight = window.GetFramebufferSize()

	if err := r.initShader(); err != nil {
		window.Destroy()
		return nil, fmt.Errorf("init shaders: %w", err)
	}

	r.camera = NewStageCamera(aspect(r.fbWidth, r.fbHeight))
	r.resize = newWindowResizeSource(window)

	gl.Enable(gl.DEPTH_TEST)
	gl.DepthFunc(gl.LESS)
	gl.Viewport(0, 0, int32(r.fbWidth), int32(r.fbHeight))

	if cfg.MSAA > 0 {
		gl.Enable(gl.MULTISAMPLE)
	}

	log.Info().
		Int("width", r.fbWidth).
		Int("height", r.fbHeight).
		Str("gl", gl.GoStr(gl.GetString(gl.VERSION))).
		Msg("Renderer initialized")

	return r, nil
}

// initShader prefers sources in ShaderDir and falls back to the built-in
// program. Hot reload only applies to file-backed shaders.
func (r *Renderer) initShader() error {
	if dir := r.config.ShaderDir; dir != "" {
		vert := filepath.Join(dir, VertexShaderFile)
		frag := filepath.Join(dir, FragmentShaderFile)
		if fileExists(vert) && fileExists(frag) {
			shader, err := NewShaderFromFiles(vert, frag)
			if err != nil {
				return err
			}
			r.shader = shader
			r.log.Info().Str("dir", dir).Msg("Loaded shaders from disk")

			if r.config.HotReload {
				watcher, err := NewShaderWatcher(r.log)
				if err != nil {
					r.log.Warn().Err(err).Msg("Shader hot reload unavailable")
					return nil
				}
				if err := watcher.Watch(shader); err != nil {
					watcher.Close()
					r.log.Warn().Err(err).Msg("Shader hot reload unavailable")
					return nil
				}
				r.watcher = watcher
			}
			return nil
		}
	}

	shader, err := NewShaderFromSource(stageVertSrc, stageFragSrc)
	if err != nil {
		return err
	}
	r.shader = shader
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func aspect(width, height int) float32 {
	if width <= 0 || height <= 0 {
		return 1
	}
	return float32(width) / float32(height)
}

func (r *Renderer) beginFrame() {
	r.drawCalls = 0
	r.triangles = 0

	if r.watcher != nil {
		r.watcher.Apply()
	}

	if r.config.TransparentBG {
		gl.ClearColor(0, 0, 0, 0)
	} else {
		bg := r.config.Background
		gl.ClearColor(bg[0], bg[1], bg[2], 1.0)
	}
	gl.Clear(gl.COLOR_BUFFER_BIT | gl.DEPTH_BUFFER_BIT)

	r.projectionMatrix = r.camera.ProjectionMatrix()
	r.viewMatrix = r.camera.ViewMatrix()
}

// Draw clears the frame and draws the snapshot's mesh with the gesture
// overlay applied on top of its model matrix.
func (r *Renderer) Draw(snap scene.Snapshot, overlay mgl32.Mat4, tint mgl32.Vec3) {
	r.beginFrame()

	mesh, ok := snap.Resource.(*Mesh)
	if !ok || mesh == nil || mesh.released {
		return
	}

	r.shader.Use()
	r.shader.SetMat4("uModel", overlay.Mul4(snap.Model))
	r.shader.SetMat4("uView", r.viewMatrix)
	r.shader.SetMat4("uProjection", r.projectionMatrix)
	r.shader.SetVec3("uCameraPos", r.camera.Position)
	r.shader.SetVec3("uColor", snap.Color)
	r.shader.SetVec3("uTint", tint)
	r.lightingRig.SetLightUniforms(r.shader)

	mesh.Draw()

	r.drawCalls++
	r.triangles += mesh.Triangles()
}

// DrawEmpty clears the frame; the scene has nothing attached
func (r *Renderer) DrawEmpty() {
	r.beginFrame()
}

func (r *Renderer) Present() {
	r.window.SwapBuffers()
	glfw.PollEvents()
}

func (r *Renderer) ShouldClose() bool {
	return r.window.ShouldClose()
}

// Resize sets the GL viewport to the framebuffer size
func (r *Renderer) Resize(width, height int) {
	r.fbWidth, r.fbHeight = width, height
	gl.Viewport(0, 0, int32(width), int32(height))
}

// SetAspectRatio forwards to the camera
func (r *Renderer) SetAspectRatio(aspect float32) {
	r.camera.SetAspectRatio(aspect)
}

// FramebufferSize returns the current drawable size in pixels
func (r *Renderer) FramebufferSize() (int, int) {
	return r.fbWidth, r.fbHeight
}

// ResizeSource reports framebuffer size changes
func (r *Renderer) ResizeSource() *WindowResizeSource {
	return r.resize
}

func (r *Renderer) GetStats() (drawCalls, triangles int) {
	return r.drawCalls, r.triangles
}

func (r *Renderer) Camera() *Camera {
	return r.camera
}

// Shutdown releases the program and destroys the window. Meshes are owned
// by the scene and must be released before this.
func (r *Renderer) Shutdown() {
	if r.watcher != nil {
		r.watcher.Close()
	}
	r.shader.Delete()
	r.window.Destroy()
}

var stageVertSrc = `#version 410 core

layout(location = 0) in vec3 aPosition;
layout(location = 1) in vec3 aNormal;

out vec3 vPosition;
out vec3 vNormal;

uniform mat4 uModel;
uniform mat4 uView;
uniform mat4 uProjection;

void main() {
    vec4 worldPos = uModel * vec4(aPosition, 1.0);
    vPosition = worldPos.xyz;

    mat3 normalMatrix = transpose(inverse(mat3(uModel)));
    vNormal = normalize(normalMatrix * aNormal);

    gl_Position = uProjection * uView * worldPos;
}
` + "\x00"

var stageFragSrc = `#version 410 core

in vec3 vPosition;
in vec3 vNormal;

out vec4 FragColor;

uniform vec3 uCameraPos;
uniform vec3 uColor;
uniform vec3 uTint;

struct Light {
    vec3 position;
    vec3 direction;
    vec3 color;
    float intensity;
    int type;
};

#define MAX_LIGHTS 4
uniform Light uLights[MAX_LIGHTS];
uniform int uLightCount;
uniform vec3 uAmbientColor;

void main() {
    vec3 albedo = uColor * uTint;
    vec3 N = normalize(vNormal);
    vec3 V = normalize(uCameraPos - vPosition);

    vec3 Lo = vec3(0.0);

    for (int i = 0; i < uLightCount && i < MAX_LIGHTS; i++) {
        vec3 L;
        float attenuation = 1.0;
        if (uLights[i].type == 1) {
            L = normalize(-uLights[i].direction);
        } else {
            L = normalize(uLights[i].position - vPosition);
            float distance = length(uLights[i].position - vPosition);
            attenuation = 1.0 / (distance * distance);
        }

        float NdotL = max(dot(N, L), 0.0);
        vec3 diffuse = albedo * NdotL;

        vec3 H = normalize(V + L);
        float shine = pow(max(dot(N, H), 0.0), 32.0);
        vec3 specular = vec3(0.15) * shine * step(0.0, NdotL);

        vec3 radiance = uLights[i].color * uLights[i].intensity * attenuation;
        Lo += (diffuse + specular) * radiance;
    }

    vec3 ambient = uAmbientColor * albedo;
    FragColor = vec4(ambient + Lo, 1.0);
}
` + "\x00"

var (
	_ scene.Uploader = (*Renderer)(nil)
	_ engine.Camera  = (*Renderer)(nil)
	_ engine.Surface = (*Renderer)(nil)
)
