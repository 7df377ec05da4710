package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultBackendURL is the companion server's speech route
const DefaultBackendURL = "http://localhost:5000/api/tts"

// BackendProvider posts text to an HTTP endpoint that answers with audio.
// The endpoint owns the voice and the upstream API key.
type BackendProvider struct {
	url    string
	logger zerolog.Logger
	client *http.Client
}

// NewBackendProvider creates a provider for url
func NewBackendProvider(url string, timeout time.Duration, logger zerolog.Logger) *BackendProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &BackendProvider{
		url:    url,
		logger: logger.With().Str("provider", "backend-tts").Logger(),
		client: &http.Client{Timeout: timeout},
	}
}

func (p *BackendProvider) Name() string {
	return "backend"
}

func (p *BackendProvider) Synthesize(ctx context.Context, req *SynthesizeRequest) (*SynthesizeResponse, error) {
	if p.url == "" {
		return nil, fmt.Errorf("backend: %w: no URL configured", ErrProviderUnavailable)
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyText
	}

	started := time.Now()
	audio, contentType, err := postForAudio(ctx, p.client, p.url, map[string]string{"text": req.Text}, nil)
	if err != nil {
		return nil, err
	}

	elapsed := time.Since(started)
	p.logger.Debug().
		Int("audioBytes", len(audio)).
		Dur("processingTime", elapsed).
		Msg("Backend TTS synthesis complete")

	return &SynthesizeResponse{
		Audio:          audio,
		Format:         formatFromContentType(contentType),
		ProcessingTime: elapsed,
		Provider:       p.Name(),
	}, nil
}

// Health reports whether an endpoint is configured. The backend has no
// dedicated health route.
func (p *BackendProvider) Health(ctx context.Context) error {
	if p.url == "" {
		return ErrProviderUnavailable
	}
	return nil
}

// postForAudio sends payload as JSON and returns the audio body along with
// its content type. Non-200 answers become errors carrying the status and
// the start of the body.
func postForAudio(ctx context.Context, client *http.Client, url string, payload any, header http.Header) ([]byte, string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, "", fmt.Errorf("TTS request failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, "", fmt.Errorf("TTS request failed: empty audio")
	}
	return audio, resp.Header.Get("Content-Type"), nil
}
