// Package tts turns text into audio and keeps the avatar talking while it
// plays.
package tts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/talkinghead/internal/config"
)

// Common errors
var (
	ErrProviderUnavailable = errors.New("TTS provider unavailable")
	ErrEmptyText           = errors.New("text is empty")
	ErrUnsupportedFormat   = errors.New("unsupported audio format")
)

// Provider is the interface all TTS providers must implement
type Provider interface {
	// Name returns the provider identifier (e.g., "backend", "elevenlabs")
	Name() string

	// Synthesize converts text to audio
	Synthesize(ctx context.Context, req *SynthesizeRequest) (*SynthesizeResponse, error)

	// Health checks if the provider is available
	Health(ctx context.Context) error
}

// SynthesizeRequest represents a synthesis request
type SynthesizeRequest struct {
	Text    string `json:"text"`
	VoiceID string `json:"voice_id,omitempty"`
}

// SynthesizeResponse represents a synthesis result
type SynthesizeResponse struct {
	Audio          []byte        `json:"audio"`           // Raw audio data
	Format         string        `json:"format"`          // mp3, wav
	ProcessingTime time.Duration `json:"processing_time"` // How long synthesis took
	VoiceID        string        `json:"voice_id,omitempty"`
	Provider       string        `json:"provider"`
}

// New builds the provider named in cfg
func New(cfg config.TTSConfig, logger zerolog.Logger) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "backend":
		return NewBackendProvider(cfg.BackendURL, cfg.Timeout, logger), nil
	case "elevenlabs":
		ec := DefaultElevenLabsConfig()
		ec.APIKey = cfg.APIKey
		if cfg.VoiceID != "" {
			ec.DefaultVoice = cfg.VoiceID
		}
		if cfg.ModelID != "" {
			ec.ModelID = cfg.ModelID
		}
		if cfg.Timeout > 0 {
			ec.Timeout = cfg.Timeout
		}
		return NewElevenLabsProvider(logger, ec), nil
	default:
		return nil, fmt.Errorf("unknown TTS provider %q", cfg.Provider)
	}
}

// formatFromContentType maps a response content type to an audio format
func formatFromContentType(ct string) string {
	ct = strings.ToLower(ct)
	switch {
	case strings.Contains(ct, "wav"):
		return "wav"
	case strings.Contains(ct, "ogg"):
		return "ogg"
	default:
		return "mp3"
	}
}
