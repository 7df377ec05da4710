package tts

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/hajimehoshi/go-mp3"
	"github.com/rs/zerolog"

	"github.com/normanking/talkinghead/internal/engine"
)

// Player plays synthesized audio and returns once playback has finished
type Player interface {
	Play(ctx context.Context, audio []byte, format string) error
}

// go-mp3 always decodes to 16-bit little endian stereo
const mp3BytesPerFrame = 4

// MP3Duration decodes the stream header and returns the playing time
func MP3Duration(audio []byte) (time.Duration, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(audio))
	if err != nil {
		return 0, fmt.Errorf("decode mp3: %w", err)
	}
	if dec.SampleRate() <= 0 {
		return 0, fmt.Errorf("decode mp3: invalid sample rate %d", dec.SampleRate())
	}
	frames := dec.Length() / mp3BytesPerFrame
	return time.Duration(frames) * time.Second / time.Duration(dec.SampleRate()), nil
}

// OtoPlayer plays MP3 audio on the default output device. The device is
// opened on first use with the first stream's sample rate; oto allows a
// single context per process.
type OtoPlayer struct {
	logger zerolog.Logger
	poll   time.Duration

	once sync.Once
	ctx  *oto.Context
	rate int
	err  error

	mu sync.Mutex
}

// NewOtoPlayer creates a player; the device is opened lazily
func NewOtoPlayer(logger zerolog.Logger) *OtoPlayer {
	return &OtoPlayer{
		logger: logger.With().Str("component", "audio").Logger(),
		poll:   10 * time.Millisecond,
	}
}

func (p *OtoPlayer) open(rate int) error {
	p.once.Do(func() {
		c, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   rate,
			ChannelCount: 2,
			Format:       oto.FormatSignedInt16LE,
		})
		if err != nil {
			p.err = fmt.Errorf("open audio device: %w", err)
			return
		}
		<-ready
		p.ctx = c
		p.rate = rate
		p.logger.Info().Int("sampleRate", rate).Msg("Audio device opened")
	})
	if p.err != nil {
		return p.err
	}
	if rate != p.rate {
		return fmt.Errorf("stream sample rate %d differs from device rate %d", rate, p.rate)
	}
	return nil
}

// Play decodes and plays audio, blocking until it ends or ctx is done
func (p *OtoPlayer) Play(ctx context.Context, audio []byte, format string) error {
	if format != "mp3" {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	dec, err := mp3.NewDecoder(bytes.NewReader(audio))
	if err != nil {
		return fmt.Errorf("decode mp3: %w", err)
	}
	if err := p.open(dec.SampleRate()); err != nil {
		return err
	}

	// one utterance at a time on the shared device
	p.mu.Lock()
	defer p.mu.Unlock()

	player := p.ctx.NewPlayer(dec)
	defer player.Close()
	player.Play()

	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()

	for player.IsPlaying() {
		select {
		case <-ctx.Done():
			player.Pause()
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return player.Err()
}

// TimedPlayer plays nothing and holds for the audio's duration. It keeps
// the talking state correct on machines without an output device.
type TimedPlayer struct {
	clock    engine.Clock
	duration func(audio []byte, format string) (time.Duration, error)
}

// NewTimedPlayer creates a silent player that measures MP3 streams
func NewTimedPlayer(clock engine.Clock) *TimedPlayer {
	if clock == nil {
		clock = engine.RealClock()
	}
	return &TimedPlayer{
		clock: clock,
		duration: func(audio []byte, format string) (time.Duration, error) {
			if format != "mp3" {
				return 0, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
			}
			return MP3Duration(audio)
		},
	}
}

// Play waits for the decoded duration or until ctx is done
func (p *TimedPlayer) Play(ctx context.Context, audio []byte, format string) error {
	d, err := p.duration(audio, format)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	t := p.clock.AfterFunc(d, func() { close(done) })
	defer t.Stop()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
