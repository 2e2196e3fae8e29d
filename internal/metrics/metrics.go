package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "animestream"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30, 120},
	}, []string{"method", "path"})

	ActiveSwarms = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_swarms",
		Help:      "Number of swarms held by the session registry.",
	})

	ActiveStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_streams",
		Help:      "Number of distinct streams with at least one viewer.",
	})

	SwarmAddsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "swarm_adds_total",
		Help:      "Engine adds by result.",
	}, []string{"result"})

	StreamsStartedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "streams_started_total",
		Help:      "Total stream responses started.",
	})

	StreamBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_bytes_total",
		Help:      "Total bytes written to stream responses.",
	})

	StreamAbortsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_aborts_total",
		Help:      "Stream responses that ended before the requested range was sent, by reason.",
	}, []string{"reason"})

	DownloadSpeedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "download_speed_bytes",
		Help:      "Current aggregate download speed in bytes per second.",
	})

	UploadSpeedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "upload_speed_bytes",
		Help:      "Current aggregate upload speed in bytes per second.",
	})

	PeersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "peers_connected",
		Help:      "Total number of peers connected across all swarms.",
	})

	PieceCacheBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "piece_cache_bytes",
		Help:      "Piece data resident in the in-memory storage provider.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActiveSwarms,
		ActiveStreams,
		SwarmAddsTotal,
		StreamsStartedTotal,
		StreamBytesTotal,
		StreamAbortsTotal,
		DownloadSpeedBytes,
		UploadSpeedBytes,
		PeersConnected,
		PieceCacheBytes,
	)
}
