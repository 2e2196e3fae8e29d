package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"animestream/internal/domain"
	"animestream/internal/domain/ports"
	"animestream/internal/metrics"
)

const defaultShutdownGrace = 10 * time.Second

// Lifecycle owns teardown: per-request stream release, explicit removal and
// process shutdown.
type Lifecycle struct {
	Registry *Registry
	Tracker  *StreamTracker
	Engine   ports.Engine
	Cache    ports.TorrentCache
	Logger   *slog.Logger
	Grace    time.Duration
}

// BeginStream registers one in-flight stream response. The returned release
// must run when the response ends, however it ends.
func (l Lifecycle) BeginStream(info domain.StreamInfo, cancel context.CancelFunc) (domain.StreamKey, func()) {
	key := domain.NewStreamKey(info.TorrentID, info.FileIndex)
	release := l.Tracker.Register(key, info, cancel)
	metrics.StreamsStartedTotal.Inc()
	metrics.ActiveStreams.Set(float64(l.Tracker.Len()))
	return key, func() {
		release()
		metrics.ActiveStreams.Set(float64(l.Tracker.Len()))
	}
}

// StopStream aborts every response currently serving the file.
func (l Lifecycle) StopStream(id domain.TorrentID, fileIndex int) bool {
	stopped := l.Tracker.Unregister(domain.NewStreamKey(id, fileIndex))
	if stopped {
		l.logger().Info("stream stopped",
			slog.String("torrentId", logID(id)),
			slog.Int("fileIndex", fileIndex),
		)
	}
	return stopped
}

// RemoveTorrent stops the torrent's streams, drops its swarm and forgets the
// cached description.
func (l Lifecycle) RemoveTorrent(ctx context.Context, id domain.TorrentID) (RemoveResult, error) {
	res, err := l.Registry.Remove(ctx, id)
	if err != nil {
		return res, err
	}
	metrics.ActiveStreams.Set(float64(l.Tracker.Len()))
	if l.Cache != nil {
		if err := l.Cache.Delete(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
			l.logger().Warn("torrent cache delete failed",
				slog.String("torrentId", logID(id)),
				slog.String("error", err.Error()),
			)
		}
	}
	return res, nil
}

// Shutdown stops all streams, drops every swarm and closes the engine within
// the grace period.
func (l Lifecycle) Shutdown(ctx context.Context) error {
	grace := l.Grace
	if grace <= 0 {
		grace = defaultShutdownGrace
	}
	ctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	logger := l.logger()
	stopped := l.Tracker.StopAll()
	logger.Info("streams stopped", slog.Int("count", stopped))

	var errs []error
	if err := l.Registry.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if l.Engine != nil {
		done := make(chan error, 1)
		go func() { done <- l.Engine.Close() }()
		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, fmt.Errorf("engine close: %w", err))
			}
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("engine close: %w", ctx.Err()))
		}
	}
	return errors.Join(errs...)
}

func (l Lifecycle) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}
