package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/go-gl/glfw/v3.3/glfw"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/normanking/talkinghead/internal/animation"
	"github.com/normanking/talkinghead/internal/asset"
	"github.com/normanking/talkinghead/internal/avatar"
	"github.com/normanking/talkinghead/internal/bus"
	"github.com/normanking/talkinghead/internal/config"
	"github.com/normanking/talkinghead/internal/engine"
	"github.com/normanking/talkinghead/internal/logging"
	"github.com/normanking/talkinghead/internal/metrics"
	"github.com/normanking/talkinghead/internal/remote"
	"github.com/normanking/talkinghead/internal/renderer"
	"github.com/normanking/talkinghead/internal/scene"
	"github.com/normanking/talkinghead/internal/stage"
	"github.com/normanking/talkinghead/internal/tts"
)

// run opens the window and blocks on the main thread until it closes or
// ctx is done. Network services run in an errgroup beside it; if one of
// them fails the stage is unmounted too.
func run(ctx context.Context, cfg *config.Config, logger *logging.Logger, talking bool) error {
	catalog, err := buildCatalog(cfg.Assets)
	if err != nil {
		return err
	}

	if err := glfw.Init(); err != nil {
		return fmt.Errorf("init glfw: %w", err)
	}
	defer glfw.Terminate()

	rcfg, err := renderer.ConfigFrom(cfg.Render, cfg.Window)
	if err != nil {
		return err
	}
	rend, err := renderer.New(rcfg, logger.Component("renderer"))
	if err != nil {
		return err
	}
	defer rend.Shutdown()

	eventBus := bus.NewEventBus()
	defer eventBus.Clear()

	width, height := rend.FramebufferSize()
	st := stage.New(stage.Config{
		Catalog:   catalog,
		Loader:    asset.NewGLTFLoader(catalog),
		Uploader:  rend,
		Drawer:    rend,
		Camera:    rend,
		Surface:   rend,
		Resize:    rend.ResizeSource(),
		Width:     width,
		Height:    height,
		Clock:     engine.RealClock(),
		Bus:       eventBus,
		Scene:     sceneOptions(cfg.Assets),
		Scheduler: schedulerOptions(cfg.Scheduler),
		Avatar:    avatarOptions(cfg.Gestures),
		FPS:       cfg.Render.FPS,
		Step:      cfg.Render.FixedStep,
		Logger:    logger.Component("stage"),
	})

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Remote.Enabled {
		srv := remote.NewServer(cfg.Remote.Addr, eventBus, logger, logger.Zerolog())
		g.Go(func() error { return srv.Start(gctx) })
	}
	if cfg.Metrics.Enabled {
		g.Go(func() error { return serveMetrics(gctx, cfg.Metrics.Addr, logger.Component("metrics")) })
	}

	if speaker, err := newSpeaker(cfg.TTS, eventBus, logger.Zerolog()); err != nil {
		logger.Warn("tts", "Speech disabled", map[string]interface{}{"error": err.Error()})
	} else {
		stopListening := speaker.Listen(gctx)
		defer stopListening()
	}

	if err := st.Mount(gctx, talking); err != nil {
		return err
	}
	logger.Info("main", "Avatar mounted", map[string]interface{}{
		"idle":    catalog.Idle(),
		"talking": strings.Join(catalog.Talking(), ","),
	})

	// blocks on the main thread
	runErr := st.Run()

	// window closed: take the services down with it
	g.Go(func() error { return errStageClosed })
	groupErr := g.Wait()

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	if groupErr != nil && !errors.Is(groupErr, errStageClosed) && !errors.Is(groupErr, context.Canceled) {
		return groupErr
	}
	return nil
}

var errStageClosed = errors.New("stage closed")

func sceneOptions(cfg config.AssetsConfig) scene.Options {
	opts := scene.DefaultOptions()
	if cfg.Scale > 0 {
		opts.Base = scene.Placement(cfg.Scale, cfg.Offset)
	}
	return opts
}

func schedulerOptions(cfg config.SchedulerConfig) animation.Options {
	opts := animation.DefaultOptions()
	if cfg.SwapPause > 0 {
		opts.SwapPause = cfg.SwapPause
	}
	if cfg.RetryDelay > 0 {
		opts.RetryDelay = cfg.RetryDelay
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	opts.Rand = rand.New(rand.NewSource(seed))
	return opts
}

func avatarOptions(cfg config.GesturesConfig) avatar.Options {
	opts := avatar.DefaultOptions()
	if cfg.ExpressionDuration > 0 {
		opts.ExpressionDuration = cfg.ExpressionDuration
	}
	if cfg.PoseDuration > 0 {
		opts.PoseDuration = cfg.PoseDuration
	}
	if cfg.DefaultIntensity > 0 {
		opts.DefaultIntensity = cfg.DefaultIntensity
	}
	return opts
}

func newSpeaker(cfg config.TTSConfig, eventBus *bus.EventBus, log zerolog.Logger) (*tts.Speaker, error) {
	provider, err := tts.New(cfg, log)
	if err != nil {
		return nil, err
	}

	var player tts.Player
	switch strings.ToLower(cfg.Playback) {
	case "", "oto":
		player = tts.NewOtoPlayer(log)
	case "timed":
		player = tts.NewTimedPlayer(engine.RealClock())
	default:
		return nil, fmt.Errorf("unknown playback %q", cfg.Playback)
	}

	speaker := tts.NewSpeaker(provider, player, eventBus, log)
	if cfg.VoiceID != "" {
		speaker.SetVoice(cfg.VoiceID)
	}
	return speaker, nil
}

func serveMetrics(ctx context.Context, addr string, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errChan := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Metrics listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
