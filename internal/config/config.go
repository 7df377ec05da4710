// Package config provides configuration management for talkinghead
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Assets    AssetsConfig    `mapstructure:"assets"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Render    RenderConfig    `mapstructure:"render"`
	Window    WindowConfig    `mapstructure:"window"`
	Gestures  GesturesConfig  `mapstructure:"gestures"`
	TTS       TTSConfig       `mapstructure:"tts"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// LogConfig configures the structured logger
type LogConfig struct {
	Level   string `mapstructure:"level"`
	Dir     string `mapstructure:"dir"`
	Console bool   `mapstructure:"console"`
}

// AssetsConfig describes the model catalog
type AssetsConfig struct {
	Dir      string     `mapstructure:"dir"`
	Manifest string     `mapstructure:"manifest"` // optional YAML catalog, overrides Idle/Talking
	Idle     string     `mapstructure:"idle"`
	Talking  []string   `mapstructure:"talking"`
	Scale    float32    `mapstructure:"scale"`
	Offset   [3]float32 `mapstructure:"offset"`
}

// SchedulerConfig tunes idle/talking switching
type SchedulerConfig struct {
	SwapPause  time.Duration `mapstructure:"swap_pause"`  // pause after a talking clip before the next swap
	RetryDelay time.Duration `mapstructure:"retry_delay"` // delay before the fallback talking load
	Seed       int64         `mapstructure:"seed"`        // 0 seeds from the clock
}

// RenderConfig configures the frame loop and GL surface
type RenderConfig struct {
	FPS        int     `mapstructure:"fps"`
	FixedStep  float32 `mapstructure:"fixed_step"`
	VSync      bool    `mapstructure:"vsync"`
	MSAA       int     `mapstructure:"msaa"`
	Background string  `mapstructure:"background"`
	ShaderDir  string  `mapstructure:"shader_dir"`
	HotReload  bool    `mapstructure:"hot_reload"`
}

// WindowConfig configures the window
type WindowConfig struct {
	Title       string `mapstructure:"title"`
	Width       int    `mapstructure:"width"`
	Height      int    `mapstructure:"height"`
	Transparent bool   `mapstructure:"transparent"`
}

// GesturesConfig holds default override durations
type GesturesConfig struct {
	ExpressionDuration time.Duration `mapstructure:"expression_duration"`
	PoseDuration       time.Duration `mapstructure:"pose_duration"`
	DefaultIntensity   float32       `mapstructure:"default_intensity"`
}

// TTSConfig configures text-to-speech
type TTSConfig struct {
	Provider   string        `mapstructure:"provider"` // backend, elevenlabs
	BackendURL string        `mapstructure:"backend_url"`
	VoiceID    string        `mapstructure:"voice_id"`
	ModelID    string        `mapstructure:"model_id"`
	APIKey     string        `mapstructure:"api_key"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Playback   string        `mapstructure:"playback"` // oto, timed
}

// RemoteConfig configures the websocket intent feed
type RemoteConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:   "info",
			Console: true,
		},
		Assets: AssetsConfig{
			Dir:  "assets/models/actions",
			Idle: "Idle.glb",
			Talking: []string{
				"Talking.glb",
				"Talking-2.glb",
				"Talking-3.glb",
				"Talking4.glb",
			},
			Scale:  0.035,
			Offset: [3]float32{0, -2.2, 0},
		},
		Scheduler: SchedulerConfig{
			SwapPause:  1500 * time.Millisecond,
			RetryDelay: time.Second,
		},
		Render: RenderConfig{
			FPS:        60,
			FixedStep:  0.016,
			VSync:      true,
			MSAA:       4,
			Background: "#1a1a1a",
			ShaderDir:  "assets/shaders",
		},
		Window: WindowConfig{
			Title:  "talkinghead",
			Width:  800,
			Height: 500,
		},
		Gestures: GesturesConfig{
			ExpressionDuration: 500 * time.Millisecond,
			PoseDuration:       time.Second,
			DefaultIntensity:   0.7,
		},
		TTS: TTSConfig{
			Provider:   "backend",
			BackendURL: "http://localhost:5000/api/tts",
			VoiceID:    "OYTbf65OHHFELVut7v2H",
			ModelID:    "eleven_monolingual_v1",
			Timeout:    30 * time.Second,
			Playback:   "oto",
		},
		Remote: RemoteConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8765",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
		},
	}
}

// Dir returns the configuration directory path
func Dir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".talkinghead"), nil
}

// LoadEnv loads .env files into the process environment without
// overriding variables that are already set.
func LoadEnv() []string {
	candidates := []string{".env"}
	if dir, err := Dir(); err == nil {
		candidates = append(candidates, filepath.Join(dir, ".env"))
	}

	var loaded []string
	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err == nil {
			loaded = append(loaded, path)
		}
	}
	return loaded
}

// Load reads configuration from file and environment. An explicit path
// wins over the default search locations.
func Load(path string) (*Config, error) {
	return LoadWith(viper.GetViper(), path)
}

// LoadWith is Load against a caller-owned viper instance.
func LoadWith(v *viper.Viper, path string) (*Config, error) {
	cfg := DefaultConfig()
	setDefaults(v, cfg)

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		if dir, err := Dir(); err == nil {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("TALKINGHEAD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return cfg, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return cfg, err
	}

	if cfg.TTS.APIKey == "" {
		cfg.TTS.APIKey = os.Getenv("ELEVENLABS_API_KEY")
	}

	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override values
// that never appear in a config file. Durations are stored as strings so
// saved files stay readable.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.dir", cfg.Log.Dir)
	v.SetDefault("log.console", cfg.Log.Console)

	v.SetDefault("assets.dir", cfg.Assets.Dir)
	v.SetDefault("assets.manifest", cfg.Assets.Manifest)
	v.SetDefault("assets.idle", cfg.Assets.Idle)
	v.SetDefault("assets.talking", cfg.Assets.Talking)
	v.SetDefault("assets.scale", cfg.Assets.Scale)
	v.SetDefault("assets.offset", cfg.Assets.Offset)

	v.SetDefault("scheduler.swap_pause", cfg.Scheduler.SwapPause.String())
	v.SetDefault("scheduler.retry_delay", cfg.Scheduler.RetryDelay.String())
	v.SetDefault("scheduler.seed", cfg.Scheduler.Seed)

	v.SetDefault("render.fps", cfg.Render.FPS)
	v.SetDefault("render.fixed_step", cfg.Render.FixedStep)
	v.SetDefault("render.vsync", cfg.Render.VSync)
	v.SetDefault("render.msaa", cfg.Render.MSAA)
	v.SetDefault("render.background", cfg.Render.Background)
	v.SetDefault("render.shader_dir", cfg.Render.ShaderDir)
	v.SetDefault("render.hot_reload", cfg.Render.HotReload)

	v.SetDefault("window.title", cfg.Window.Title)
	v.SetDefault("window.width", cfg.Window.Width)
	v.SetDefault("window.height", cfg.Window.Height)
	v.SetDefault("window.transparent", cfg.Window.Transparent)

	v.SetDefault("gestures.expression_duration", cfg.Gestures.ExpressionDuration.String())
	v.SetDefault("gestures.pose_duration", cfg.Gestures.PoseDuration.String())
	v.SetDefault("gestures.default_intensity", cfg.Gestures.DefaultIntensity)

	v.SetDefault("tts.provider", cfg.TTS.Provider)
	v.SetDefault("tts.backend_url", cfg.TTS.BackendURL)
	v.SetDefault("tts.voice_id", cfg.TTS.VoiceID)
	v.SetDefault("tts.model_id", cfg.TTS.ModelID)
	v.SetDefault("tts.api_key", cfg.TTS.APIKey)
	v.SetDefault("tts.timeout", cfg.TTS.Timeout.String())
	v.SetDefault("tts.playback", cfg.TTS.Playback)

	v.SetDefault("remote.enabled", cfg.Remote.Enabled)
	v.SetDefault("remote.addr", cfg.Remote.Addr)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.addr", cfg.Metrics.Addr)
}

// Save writes the configuration to ~/.talkinghead/config.yaml
func Save(cfg *Config) error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return SaveTo(cfg, filepath.Join(dir, "config.yaml"))
}

// SaveTo writes the configuration to an explicit path
func SaveTo(cfg *Config, path string) error {
	v := viper.New()
	setDefaults(v, cfg)
	// never persist secrets
	v.Set("tts.api_key", "")
	return v.WriteConfigAs(path)
}
