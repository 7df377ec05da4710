// Package main provides the CLI entry point for talkinghead.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/normanking/talkinghead/internal/asset"
	"github.com/normanking/talkinghead/internal/config"
	"github.com/normanking/talkinghead/internal/logging"
)

var (
	// Version information (set at build time)
	version   = "dev"
	buildTime = "unknown"
)

// GLFW and OpenGL calls must stay on the main thread
func init() {
	runtime.LockOSThread()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "talkinghead",
		Short: "Animated talking-head avatar renderer",
		Long: `talkinghead shows one animated glTF avatar in a window. It loops an idle
clip while quiet and rotates through talking clips while the talking
intent is raised. The intent, gestures and speech can be driven over a
local websocket.`,
		Version:       fmt.Sprintf("%s (built %s)", version, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default ~/.talkinghead/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))

	load := func() (*config.Config, error) {
		config.LoadEnv()
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		return cfg, nil
	}

	rootCmd.AddCommand(newRunCmd(load), newCatalogCmd(load), newVersionCmd())
	return rootCmd
}

func newRunCmd(load func() (*config.Config, error)) *cobra.Command {
	var talking bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Open the avatar window",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			logger, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer logger.Close()

			if err := run(cmd.Context(), cfg, logger, talking); err != nil {
				logger.Error("main", "Exited with error", err, nil)
				return err
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&talking, "talking", false, "start with the talking intent raised")
	flags.String("assets", "", "directory holding the model files")
	flags.String("manifest", "", "YAML catalog manifest")
	flags.Int("width", 0, "window width")
	flags.Int("height", 0, "window height")
	flags.Int("fps", 0, "frames per second")
	flags.String("remote-addr", "", "websocket listen address")
	flags.Bool("remote", true, "accept remote intent over websocket")
	flags.Bool("metrics", false, "serve Prometheus metrics")
	flags.String("metrics-addr", "", "metrics listen address")
	flags.String("tts", "", "speech provider: backend, elevenlabs")
	flags.String("playback", "", "audio playback: oto, timed")
	flags.Bool("hot-reload", false, "reload shaders when their files change")

	for key, flag := range map[string]string{
		"assets.dir":        "assets",
		"assets.manifest":   "manifest",
		"window.width":      "width",
		"window.height":     "height",
		"render.fps":        "fps",
		"remote.addr":       "remote-addr",
		"remote.enabled":    "remote",
		"metrics.enabled":   "metrics",
		"metrics.addr":      "metrics-addr",
		"tts.provider":      "tts",
		"tts.playback":      "playback",
		"render.hot_reload": "hot-reload",
	} {
		viper.BindPFlag(key, flags.Lookup(flag))
	}
	return cmd
}

func newCatalogCmd(load func() (*config.Config, error)) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "List the avatar assets and their clip lengths",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			catalog, err := buildCatalog(cfg.Assets)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			probeCatalog(ctx, catalog, asset.NewGLTFLoader(catalog))

			return printCatalog(cmd, catalog)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "give up loading after this long")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "talkinghead %s (built %s, %s)\n", version, buildTime, runtime.Version())
		},
	}
}

func newLogger(cfg config.LogConfig) (*logging.Logger, error) {
	lc := logging.DefaultConfig()
	lc.Level = logging.ParseLevel(cfg.Level)
	lc.Console = cfg.Console
	if cfg.Dir != "" {
		lc.LogDir = cfg.Dir
	}
	return logging.New(lc)
}

// buildCatalog prefers the manifest when one is configured
func buildCatalog(cfg config.AssetsConfig) (*asset.Catalog, error) {
	if cfg.Manifest != "" {
		m, err := asset.LoadManifest(cfg.Manifest)
		if err != nil {
			return nil, err
		}
		return m.Catalog()
	}
	return asset.NewCatalog(cfg.Dir, cfg.Idle, cfg.Talking)
}

// probeCatalog loads every asset once to record its state and clip length
func probeCatalog(ctx context.Context, catalog *asset.Catalog, loader asset.Loader) {
	for _, a := range catalog.Assets() {
		catalog.MarkState(a.Name, asset.StateLoading)
		model, err := loader.Load(ctx, a.Name)
		if err != nil {
			catalog.MarkState(a.Name, asset.StateFailed)
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return
			}
			continue
		}
		catalog.SetClip(a.Name, model.FirstClip().Length())
		catalog.MarkState(a.Name, asset.StateReady)
	}
}

func printCatalog(cmd *cobra.Command, catalog *asset.Catalog) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "NAME\tCATEGORY\tSTATE\tCLIP\n")
	for _, a := range catalog.Assets() {
		clip := "-"
		if a.Clip.Duration > 0 {
			clip = a.Clip.Duration.Round(time.Millisecond).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.Name, a.Category, a.State, clip)
	}
	fmt.Fprintf(w, "\ndir: %s\n", catalog.Dir())
	return w.Flush()
}
