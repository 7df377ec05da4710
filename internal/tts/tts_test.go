package tts

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/talkinghead/internal/bus"
	"github.com/normanking/talkinghead/internal/config"
	"github.com/normanking/talkinghead/internal/engine"
)

func TestBackendProvider_PostsText(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte("ID3fake"))
	}))
	defer srv.Close()

	p := NewBackendProvider(srv.URL, time.Second, zerolog.Nop())
	resp, err := p.Synthesize(context.Background(), &SynthesizeRequest{Text: "hello there"})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"text": "hello there"}, got)
	assert.Equal(t, []byte("ID3fake"), resp.Audio)
	assert.Equal(t, "mp3", resp.Format)
	assert.Equal(t, "backend", resp.Provider)
}

func TestBackendProvider_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewBackendProvider(srv.URL, time.Second, zerolog.Nop())
	_, err := p.Synthesize(context.Background(), &SynthesizeRequest{Text: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")

	_, err = p.Synthesize(context.Background(), &SynthesizeRequest{Text: "  "})
	assert.ErrorIs(t, err, ErrEmptyText)

	empty := NewBackendProvider("", 0, zerolog.Nop())
	assert.ErrorIs(t, empty.Health(context.Background()), ErrProviderUnavailable)
	_, err = empty.Synthesize(context.Background(), &SynthesizeRequest{Text: "hi"})
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestElevenLabsProvider_Synthesize(t *testing.T) {
	var path, key string
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		key = r.Header.Get("xi-api-key")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.Write([]byte("mp3data"))
	}))
	defer srv.Close()

	cfg := DefaultElevenLabsConfig()
	cfg.APIKey = "secret"
	cfg.Endpoint = srv.URL
	p := NewElevenLabsProvider(zerolog.Nop(), cfg)

	resp, err := p.Synthesize(context.Background(), &SynthesizeRequest{Text: "hi", VoiceID: "nova"})
	require.NoError(t, err)
	assert.Equal(t, "/text-to-speech/21m00Tcm4TlvDq8ikWAM", path)
	assert.Equal(t, "secret", key)
	assert.Equal(t, "hi", payload["text"])
	assert.Equal(t, "eleven_monolingual_v1", payload["model_id"])
	assert.Equal(t, "mp3", resp.Format)
}

func TestElevenLabsProvider_NoKey(t *testing.T) {
	t.Setenv("ELEVENLABS_API_KEY", "")
	p := NewElevenLabsProvider(zerolog.Nop(), nil)
	assert.ErrorIs(t, p.Health(context.Background()), ErrProviderUnavailable)
	_, err := p.Synthesize(context.Background(), &SynthesizeRequest{Text: "hi"})
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestNew_SelectsProvider(t *testing.T) {
	p, err := New(config.TTSConfig{Provider: "backend", BackendURL: DefaultBackendURL}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "backend", p.Name())

	p, err = New(config.TTSConfig{Provider: "ElevenLabs", APIKey: "k"}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "elevenlabs", p.Name())

	_, err = New(config.TTSConfig{Provider: "espeak"}, zerolog.Nop())
	assert.Error(t, err)
}

func TestMP3Duration_RejectsGarbage(t *testing.T) {
	_, err := MP3Duration([]byte("not an mp3"))
	assert.Error(t, err)
}

func TestTimedPlayer_HoldsForDuration(t *testing.T) {
	clock := engine.NewManualClock(time.Unix(0, 0))
	p := NewTimedPlayer(clock)
	p.duration = func([]byte, string) (time.Duration, error) { return 2 * time.Second, nil }

	errc := make(chan error, 1)
	go func() { errc <- p.Play(context.Background(), nil, "mp3") }()

	require.Eventually(t, func() bool { return clock.Pending() == 1 }, time.Second, time.Millisecond)
	clock.Advance(time.Second)
	select {
	case <-errc:
		t.Fatal("returned before the audio ended")
	default:
	}

	clock.Advance(time.Second)
	assert.NoError(t, <-errc)
}

func TestTimedPlayer_Cancel(t *testing.T) {
	p := NewTimedPlayer(engine.NewManualClock(time.Unix(0, 0)))
	p.duration = func([]byte, string) (time.Duration, error) { return time.Hour, nil }

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Play(ctx, nil, "mp3"), context.Canceled)

	assert.ErrorIs(t, NewTimedPlayer(nil).Play(context.Background(), nil, "wav"), ErrUnsupportedFormat)
}

type stubProvider struct {
	err   error
	calls int
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Synthesize(ctx context.Context, req *SynthesizeRequest) (*SynthesizeResponse, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return &SynthesizeResponse{Audio: []byte(req.Text), Format: "mp3", Provider: "stub"}, nil
}

func (p *stubProvider) Health(context.Context) error { return nil }

type stubPlayer struct {
	mu     sync.Mutex
	played []string
	active int
	max    int
	err    error
	hold   time.Duration
}

func (p *stubPlayer) Play(ctx context.Context, audio []byte, format string) error {
	p.mu.Lock()
	p.active++
	if p.active > p.max {
		p.max = p.active
	}
	p.played = append(p.played, string(audio))
	p.mu.Unlock()

	time.Sleep(p.hold)

	p.mu.Lock()
	p.active--
	p.mu.Unlock()
	return p.err
}

// talkingRecorder collects talking_changed values in delivery order
type talkingRecorder struct {
	mu     sync.Mutex
	values []bool
}

func (r *talkingRecorder) handle(e bus.Event) {
	v, _ := e.Bool("talking")
	r.mu.Lock()
	r.values = append(r.values, v)
	r.mu.Unlock()
}

func (r *talkingRecorder) get() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.values...)
}

func TestSpeaker_RaisesAndLowersTalking(t *testing.T) {
	b := bus.NewEventBus()
	rec := &talkingRecorder{}
	b.Subscribe(bus.EventTypeTalkingChanged, rec.handle)

	player := &stubPlayer{}
	s := NewSpeaker(&stubProvider{}, player, b, zerolog.Nop())

	require.NoError(t, s.Speak(context.Background(), "  hello  "))
	assert.Equal(t, []bool{true, false}, rec.get())
	assert.Equal(t, []string{"hello"}, player.played)
}

func TestSpeaker_LowersTalkingOnError(t *testing.T) {
	b := bus.NewEventBus()
	rec := &talkingRecorder{}
	b.Subscribe(bus.EventTypeTalkingChanged, rec.handle)

	failed := make(chan bus.Event, 4)
	b.Subscribe(bus.EventTypeTTSFailed, func(e bus.Event) { failed <- e })

	s := NewSpeaker(&stubProvider{err: errors.New("backend down")}, &stubPlayer{}, b, zerolog.Nop())
	err := s.Speak(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend down")
	assert.Equal(t, []bool{true, false}, rec.get())

	select {
	case e := <-failed:
		assert.Contains(t, e.String("error"), "backend down")
	case <-time.After(time.Second):
		t.Fatal("no tts.failed event")
	}

	s = NewSpeaker(&stubProvider{}, &stubPlayer{err: errors.New("no device")}, b, zerolog.Nop())
	assert.Error(t, s.Speak(context.Background(), "again"))
	assert.Equal(t, []bool{true, false, true, false}, rec.get())
}

func TestSpeaker_EmptyText(t *testing.T) {
	provider := &stubProvider{}
	s := NewSpeaker(provider, &stubPlayer{}, nil, zerolog.Nop())
	assert.ErrorIs(t, s.Speak(context.Background(), " \n"), ErrEmptyText)
	assert.Zero(t, provider.calls)
}

func TestSpeaker_SerialisesUtterances(t *testing.T) {
	player := &stubPlayer{hold: 20 * time.Millisecond}
	s := NewSpeaker(&stubProvider{}, player, bus.NewEventBus(), zerolog.Nop())

	var wg sync.WaitGroup
	for _, text := range []string{"one", "two", "three"} {
		wg.Add(1)
		go func(text string) {
			defer wg.Done()
			assert.NoError(t, s.Speak(context.Background(), text))
		}(text)
	}
	wg.Wait()

	assert.Equal(t, 1, player.max)
	assert.Len(t, player.played, 3)
}

func TestSpeaker_ListensForRequests(t *testing.T) {
	b := bus.NewEventBus()
	player := &stubPlayer{}
	s := NewSpeaker(&stubProvider{}, player, b, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	unsub := s.Listen(ctx)

	b.PublishSync(bus.Event{Type: bus.EventTypeSpeakRequested, Data: map[string]any{"text": "from remote"}})
	assert.Equal(t, []string{"from remote"}, player.played)

	unsub()
	assert.Equal(t, 0, b.Count(bus.EventTypeSpeakRequested))
}
