package tts

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	ElevenLabsAPIEndpoint  = "https://api.elevenlabs.io/v1"
	ElevenLabsDefaultVoice = "OYTbf65OHHFELVut7v2H"
	elevenLabsKeyEnv       = "ELEVENLABS_API_KEY"
)

// ElevenLabsConfig configures direct calls to the ElevenLabs API
type ElevenLabsConfig struct {
	APIKey       string        `json:"api_key"`
	Endpoint     string        `json:"endpoint"`
	DefaultVoice string        `json:"default_voice"`
	ModelID      string        `json:"model_id"`
	Stability    float64       `json:"stability"`
	Similarity   float64       `json:"similarity_boost"`
	Timeout      time.Duration `json:"timeout"`
}

func DefaultElevenLabsConfig() *ElevenLabsConfig {
	return &ElevenLabsConfig{
		Endpoint:     ElevenLabsAPIEndpoint,
		DefaultVoice: ElevenLabsDefaultVoice,
		ModelID:      "eleven_monolingual_v1",
		Stability:    0.5,
		Similarity:   0.75,
		Timeout:      30 * time.Second,
	}
}

// ElevenLabsProvider talks to ElevenLabs without going through the
// companion backend. The key comes from config or ELEVENLABS_API_KEY.
type ElevenLabsProvider struct {
	cfg    ElevenLabsConfig
	logger zerolog.Logger
	client *http.Client
}

// voiceAliases lets the short names used by other providers pick a
// comparable ElevenLabs voice.
var voiceAliases = map[string]string{
	"nova":    "21m00Tcm4TlvDq8ikWAM",
	"shimmer": "EXAVITQu4vr4xnSDxMaL",
	"alloy":   "MF3mGyEYCl7XYWbV9V6O",
	"echo":    "VR6AewLTigWG4xSOukaG",
	"onyx":    "ErXwobaYiN019PkySvjV",
	"fable":   "TxGEqnHWrfWFTfGW9XjX",
}

type voiceSettings struct {
	Stability  float64 `json:"stability"`
	Similarity float64 `json:"similarity_boost"`
}

type speechPayload struct {
	Text     string        `json:"text"`
	ModelID  string        `json:"model_id"`
	Settings voiceSettings `json:"voice_settings"`
}

func NewElevenLabsProvider(logger zerolog.Logger, cfg *ElevenLabsConfig) *ElevenLabsProvider {
	c := *DefaultElevenLabsConfig()
	if cfg != nil {
		c = *cfg
	}
	if c.Endpoint == "" {
		c.Endpoint = ElevenLabsAPIEndpoint
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.APIKey == "" {
		c.APIKey = os.Getenv(elevenLabsKeyEnv)
	}

	return &ElevenLabsProvider{
		cfg:    c,
		logger: logger.With().Str("provider", "elevenlabs-tts").Logger(),
		client: &http.Client{Timeout: c.Timeout},
	}
}

func (p *ElevenLabsProvider) Name() string {
	return "elevenlabs"
}

// resolveVoice picks the request voice, the configured default, or an
// alias target, in that order.
func (p *ElevenLabsProvider) resolveVoice(requested string) string {
	voice := requested
	if voice == "" {
		voice = p.cfg.DefaultVoice
	}
	if id, ok := voiceAliases[strings.ToLower(voice)]; ok {
		return id
	}
	return voice
}

func (p *ElevenLabsProvider) Synthesize(ctx context.Context, req *SynthesizeRequest) (*SynthesizeResponse, error) {
	if p.cfg.APIKey == "" {
		return nil, fmt.Errorf("elevenlabs: %w: %s not set", ErrProviderUnavailable, elevenLabsKeyEnv)
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyText
	}

	voice := p.resolveVoice(req.VoiceID)
	endpoint := strings.TrimSuffix(p.cfg.Endpoint, "/") + "/text-to-speech/" + url.PathEscape(voice)

	header := http.Header{}
	header.Set("xi-api-key", p.cfg.APIKey)
	header.Set("Accept", "audio/mpeg")

	started := time.Now()
	audio, _, err := postForAudio(ctx, p.client, endpoint, speechPayload{
		Text:    req.Text,
		ModelID: p.cfg.ModelID,
		Settings: voiceSettings{
			Stability:  p.cfg.Stability,
			Similarity: p.cfg.Similarity,
		},
	}, header)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: %w", err)
	}

	elapsed := time.Since(started)
	p.logger.Info().
		Str("voice", voice).
		Int("audioBytes", len(audio)).
		Dur("processingTime", elapsed).
		Msg("ElevenLabs TTS synthesis complete")

	return &SynthesizeResponse{
		Audio:          audio,
		Format:         "mp3",
		ProcessingTime: elapsed,
		VoiceID:        voice,
		Provider:       p.Name(),
	}, nil
}

// Health only checks that a key is present
func (p *ElevenLabsProvider) Health(ctx context.Context) error {
	if p.cfg.APIKey == "" {
		return ErrProviderUnavailable
	}
	return nil
}
