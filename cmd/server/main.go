package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"

	apihttp "animestream/internal/api/http"
	"animestream/internal/app"
	"animestream/internal/domain/ports"
	"animestream/internal/metrics"
	mongorepo "animestream/internal/repository/mongo"
	redisrepo "animestream/internal/repository/redis"
	"animestream/internal/services/torrent/engine/anacrolix"
	"animestream/internal/telemetry"
	"animestream/internal/usecase"
)

const serviceName = "animestream"

func main() {
	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Error("config load failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: serviceName,
		Endpoint:    cfg.OTelEndpoint,
		SampleRate:  cfg.OTelSampleRate,
	})
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", serviceName),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.String("storageMode", cfg.StorageMode),
		slog.Int64("memoryLimitBytes", cfg.MemoryLimitBytes),
		slog.Duration("metadataTimeout", cfg.MetadataTimeout),
		slog.String("cacheBackend", cfg.CacheBackend),
		slog.String("dataDir", cfg.TorrentDataDir),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cache, closeCache, err := openCache(rootCtx, cfg, logger)
	if err != nil {
		logger.Error("torrent cache init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer closeCache()

	engine, err := anacrolix.New(anacrolix.Config{
		DataDir:          cfg.TorrentDataDir,
		StorageMode:      cfg.StorageMode,
		MemoryLimitBytes: cfg.MemoryLimitBytes,
		MetadataTimeout:  cfg.MetadataTimeout,
		ListenPort:       cfg.ListenPort,
		NoDHT:            cfg.NoDHT,
		MaxConns:         cfg.MaxConns,
		Trackers:         cfg.Trackers,
		Logger:           logger,
	})
	if err != nil {
		logger.Error("torrent engine init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	tracker := usecase.NewStreamTracker()
	registry := usecase.NewRegistry(engine, tracker, logger)
	lifecycle := usecase.Lifecycle{
		Registry: registry,
		Tracker:  tracker,
		Engine:   engine,
		Cache:    cache,
		Logger:   logger,
		Grace:    cfg.ShutdownGrace,
	}
	healthUC := usecase.Health{Registry: registry, Tracker: tracker, PieceCacheBytes: engine.PieceCacheBytes}
	infoUC := usecase.GetTorrentInfo{Registry: registry, Cache: cache, Logger: logger, Now: time.Now}

	opts := []apihttp.ServerOption{
		apihttp.WithLogger(logger),
		apihttp.WithHealth(healthUC),
		apihttp.WithAllowedOrigins(cfg.CORSAllowedOrigins),
		apihttp.WithMaxUploadBytes(cfg.MaxUploadBytes),
		apihttp.WithReadahead(cfg.StreamReadaheadBytes),
		apihttp.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
	}
	if cache != nil {
		opts = append(opts, apihttp.WithRecentTorrents(usecase.ListRecentTorrents{Cache: cache}))
	}
	handler := apihttp.NewServer(infoUC, registry, lifecycle, tracker, opts...)

	go updateEngineMetrics(rootCtx, cfg.MetricsInterval, healthUC, handler)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("server started", slog.String("addr", cfg.HTTPAddr))

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	handler.Close()
	// Streams are long-lived; stop them first so Shutdown does not wait on
	// them for the whole grace period.
	if n := tracker.StopAll(); n > 0 {
		logger.Info("active streams stopped", slog.Int("count", n))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", slog.String("error", err.Error()))
	}
	if err := lifecycle.Shutdown(context.Background()); err != nil {
		logger.Warn("torrent shutdown error", slog.String("error", err.Error()))
	}

	logger.Info("server stopped")
}

// openCache connects the configured torrent cache backend. A nil cache with
// a noop closer is returned when caching is off.
func openCache(ctx context.Context, cfg app.Config, logger *slog.Logger) (ports.TorrentCache, func(), error) {
	noop := func() {}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	switch cfg.CacheBackend {
	case app.CacheMongo:
		client, err := mongorepo.Connect(connectCtx, cfg.MongoURI, options.Client().SetMonitor(otelmongo.NewMonitor()))
		if err != nil {
			return nil, noop, err
		}
		if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, noop, err
		}
		repo := mongorepo.NewRepository(client, cfg.MongoDatabase, cfg.MongoCollection, mongorepo.WithTTL(cfg.CacheTTL))
		if err := repo.EnsureIndexes(connectCtx); err != nil {
			logger.Warn("mongo ensure indexes failed", slog.String("error", err.Error()))
		}
		logger.Info("torrent cache ready", slog.String("backend", app.CacheMongo), slog.String("db", cfg.MongoDatabase))
		return repo, func() {
			if err := client.Disconnect(context.Background()); err != nil {
				logger.Warn("mongo disconnect error", slog.String("error", err.Error()))
			}
		}, nil
	case app.CacheRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		cache := redisrepo.NewCache(client, cfg.CacheTTL)
		if err := cache.Ping(connectCtx); err != nil {
			_ = client.Close()
			return nil, noop, err
		}
		logger.Info("torrent cache ready", slog.String("backend", app.CacheRedis), slog.String("addr", cfg.RedisAddr))
		return cache, func() {
			if err := client.Close(); err != nil {
				logger.Warn("redis close error", slog.String("error", err.Error()))
			}
		}, nil
	default:
		logger.Info("torrent cache disabled")
		return nil, noop, nil
	}
}

// updateEngineMetrics publishes swarm gauges and pushes health and stream
// snapshots to websocket clients on every tick.
func updateEngineMetrics(ctx context.Context, interval time.Duration, health usecase.Health, handler *apihttp.Server) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := health.Execute()
			metrics.ActiveSwarms.Set(float64(report.ActiveTorrents))
			metrics.ActiveStreams.Set(float64(report.ActiveStreams))
			metrics.DownloadSpeedBytes.Set(float64(report.DownloadSpeed))
			metrics.UploadSpeedBytes.Set(float64(report.UploadSpeed))
			metrics.PeersConnected.Set(float64(report.NumPeers))
			metrics.PieceCacheBytes.Set(float64(report.CachedPieceBytes))
			handler.BroadcastHealth()
			handler.BroadcastStreams()
		}
	}
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
