package tts

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/talkinghead/internal/bus"
	"github.com/normanking/talkinghead/internal/metrics"
)

// Speaker synthesizes text, plays it and keeps the talking intent raised
// for as long as the audio runs. Utterances are spoken one at a time.
type Speaker struct {
	provider Provider
	player   Player
	eventBus *bus.EventBus
	logger   zerolog.Logger
	voiceID  string

	mu sync.Mutex
}

// NewSpeaker wires a provider to a player
func NewSpeaker(provider Provider, player Player, eventBus *bus.EventBus, logger zerolog.Logger) *Speaker {
	return &Speaker{
		provider: provider,
		player:   player,
		eventBus: eventBus,
		logger:   logger.With().Str("component", "speaker").Logger(),
	}
}

// SetVoice overrides the provider's default voice
func (s *Speaker) SetVoice(voiceID string) {
	s.mu.Lock()
	s.voiceID = voiceID
	s.mu.Unlock()
}

// Speak says text. The talking intent goes up before synthesis starts and
// comes down when playback ends, whether or not anything failed.
func (s *Speaker) Speak(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyText
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.setTalking(true)
	defer s.setTalking(false)

	s.publish(bus.EventTypeTTSStarted, map[string]any{"text": text, "provider": s.provider.Name()})

	started := time.Now()
	resp, err := s.provider.Synthesize(ctx, &SynthesizeRequest{Text: text, VoiceID: s.voiceID})
	metrics.SpeechSynthesisDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		return s.failed(fmt.Errorf("synthesize: %w", err))
	}

	if err := s.player.Play(ctx, resp.Audio, resp.Format); err != nil {
		return s.failed(fmt.Errorf("play: %w", err))
	}

	metrics.SpeechRequests.WithLabelValues(s.provider.Name(), metrics.ResultOK).Inc()
	s.publish(bus.EventTypeTTSCompleted, map[string]any{
		"provider":   s.provider.Name(),
		"audioBytes": len(resp.Audio),
		"elapsed":    time.Since(started).Seconds(),
	})
	s.logger.Debug().Int("chars", len(text)).Dur("elapsed", time.Since(started)).Msg("Utterance finished")
	return nil
}

// Listen speaks every speak request published on the bus until the
// returned func is called or ctx is done
func (s *Speaker) Listen(ctx context.Context) func() {
	if s.eventBus == nil {
		return func() {}
	}
	return s.eventBus.Subscribe(bus.EventTypeSpeakRequested, func(e bus.Event) {
		if ctx.Err() != nil {
			return
		}
		if err := s.Speak(ctx, e.String("text")); err != nil {
			s.logger.Warn().Err(err).Msg("Speak request failed")
		}
	})
}

func (s *Speaker) failed(err error) error {
	metrics.SpeechRequests.WithLabelValues(s.provider.Name(), metrics.ResultFailed).Inc()
	s.publish(bus.EventTypeTTSFailed, map[string]any{"provider": s.provider.Name(), "error": err.Error()})
	s.logger.Error().Err(err).Msg("Speech failed")
	return err
}

// setTalking is published synchronously so a quick true/false pair cannot
// arrive out of order
func (s *Speaker) setTalking(talking bool) {
	if s.eventBus != nil {
		s.eventBus.PublishSync(bus.Event{Type: bus.EventTypeTalkingChanged, Data: map[string]any{"talking": talking}})
	}
}

func (s *Speaker) publish(t bus.EventType, data map[string]any) {
	if s.eventBus != nil {
		s.eventBus.Publish(bus.Event{Type: t, Data: data})
	}
}
