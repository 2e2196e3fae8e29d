package apihttp

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"animestream/internal/domain"
	"animestream/internal/domain/ports"
	"animestream/internal/usecase"
)

const (
	defaultMaxUploadBytes = 50 << 20
	defaultReadahead      = 16 << 20
	defaultRateLimitRPS   = 100
	defaultRateLimitBurst = 200
)

type TorrentInfoUseCase interface {
	Execute(ctx context.Context, src domain.TorrentSource) (domain.TorrentInfo, error)
}

type RecentTorrentsUseCase interface {
	Execute(ctx context.Context, limit int) ([]domain.TorrentRecord, error)
}

type HealthUseCase interface {
	Execute() domain.HealthReport
}

// SwarmLookup resolves torrent ids to swarms that already exist.
type SwarmLookup interface {
	Get(id domain.TorrentID) (ports.Swarm, bool)
	State(id domain.TorrentID) domain.SwarmState
}

// StreamLifecycle tracks stream responses and tears torrents down.
type StreamLifecycle interface {
	BeginStream(info domain.StreamInfo, cancel context.CancelFunc) (domain.StreamKey, func())
	StopStream(id domain.TorrentID, fileIndex int) bool
	RemoveTorrent(ctx context.Context, id domain.TorrentID) (usecase.RemoveResult, error)
}

type StreamLister interface {
	List() []domain.StreamInfo
}

type Server struct {
	torrentInfo    TorrentInfoUseCase
	recent         RecentTorrentsUseCase
	health         HealthUseCase
	swarms         SwarmLookup
	lifecycle      StreamLifecycle
	streams        StreamLister
	allowedOrigins []string
	maxUploadBytes int64
	readahead      int64
	rateRPS        float64
	rateBurst      int
	logger         *slog.Logger
	handler        http.Handler
	wsHub          *wsHub
}

type ServerOption func(*Server)

func WithRecentTorrents(uc RecentTorrentsUseCase) ServerOption {
	return func(s *Server) {
		s.recent = uc
	}
}

func WithHealth(uc HealthUseCase) ServerOption {
	return func(s *Server) {
		s.health = uc
	}
}

// WithAllowedOrigins configures the CORS allowed origins whitelist.
// When empty (default), any origin is permitted (development mode).
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

func WithMaxUploadBytes(n int64) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxUploadBytes = n
		}
	}
}

// WithReadahead sets how far ahead of the read position the engine fetches
// pieces for a stream.
func WithReadahead(n int64) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.readahead = n
		}
	}
}

func WithRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) {
		if rps > 0 && burst > 0 {
			s.rateRPS = rps
			s.rateBurst = burst
		}
	}
}

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(info TorrentInfoUseCase, swarms SwarmLookup, lifecycle StreamLifecycle, streams StreamLister, opts ...ServerOption) *Server {
	s := &Server{
		torrentInfo:    info,
		swarms:         swarms,
		lifecycle:      lifecycle,
		streams:        streams,
		maxUploadBytes: defaultMaxUploadBytes,
		readahead:      defaultReadahead,
		rateRPS:        defaultRateLimitRPS,
		rateBurst:      defaultRateLimitBurst,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = slog.Default()
	}

	s.wsHub = newWSHub(s.logger)
	go s.wsHub.run()

	mux := http.NewServeMux()
	mux.HandleFunc("/torrent/info", s.handleTorrentInfo)
	mux.HandleFunc("/torrent", s.handleTorrent)
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/streams", s.handleStreams)
	mux.HandleFunc("/torrents/recent", s.handleRecentTorrents)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", s.handleWS)

	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "animestream",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/health"
		}),
	)
	s.handler = recoveryMiddleware(s.logger,
		requestIDMiddleware(
			rateLimitMiddleware(s.rateRPS, s.rateBurst,
				metricsMiddleware(
					corsMiddleware(s.allowedOrigins, traced)))))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.wsHub == nil {
		http.Error(w, "websocket not available", http.StatusServiceUnavailable)
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", slog.String("error", err.Error()))
		return
	}
	client := &wsClient{
		hub:  s.wsHub,
		conn: conn,
		send: make(chan []byte, 256),
	}
	if !s.wsHub.add(client) {
		_ = conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
	s.sendSnapshot(client)
}

// sendSnapshot gives a new websocket client the current state right away
// instead of making it wait for the next broadcast tick.
func (s *Server) sendSnapshot(client *wsClient) {
	if s.health != nil {
		s.wsHub.sendTo(client, "health", s.health.Execute())
	}
	if s.streams != nil {
		s.wsHub.sendTo(client, "streams", streamsPayload(s.streams.List()))
	}
}

// BroadcastHealth pushes the health report to every websocket client.
func (s *Server) BroadcastHealth() {
	if s.wsHub == nil || s.health == nil {
		return
	}
	s.wsHub.Broadcast("health", s.health.Execute())
}

// BroadcastStreams pushes the active stream list to every websocket client.
func (s *Server) BroadcastStreams() {
	if s.wsHub == nil || s.streams == nil {
		return
	}
	s.wsHub.Broadcast("streams", streamsPayload(s.streams.List()))
}

// Close disconnects all websocket clients.
func (s *Server) Close() {
	if s.wsHub != nil {
		s.wsHub.Close()
	}
}
