package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	AssetLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talkinghead_asset_loads_total",
			Help: "Total number of asset loads by category and result",
		},
		[]string{"category", "result"},
	)

	AssetLoadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "talkinghead_asset_load_seconds",
			Help:    "Asset load latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		},
	)

	ModelSwaps = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "talkinghead_model_swaps_total",
			Help: "Total number of models attached to the scene",
		},
	)

	StaleResults = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "talkinghead_stale_results_total",
			Help: "Load completions and timer fires dropped because a newer session superseded them",
		},
	)

	Frames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "talkinghead_frames_total",
			Help: "Total number of rendered frames",
		},
	)

	AttachedModels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "talkinghead_attached_models",
			Help: "Number of models currently attached to the scene (0 or 1)",
		},
	)

	SpeechRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talkinghead_tts_requests_total",
			Help: "Total number of speak requests by provider and result",
		},
		[]string{"provider", "result"},
	)

	SpeechSynthesisDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "talkinghead_tts_synthesis_seconds",
			Help:    "Time spent waiting for the TTS provider",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 8),
		},
	)

	RemoteClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "talkinghead_remote_clients",
			Help: "Number of connected websocket clients",
		},
	)

	RemoteMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talkinghead_remote_messages_total",
			Help: "Total number of websocket messages by type and result",
		},
		[]string{"type", "result"},
	)
)

// Load results
const (
	ResultOK     = "ok"
	ResultFailed = "failed"
	ResultStale  = "stale"
)

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
