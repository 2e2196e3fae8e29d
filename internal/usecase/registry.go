package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"animestream/internal/domain"
	"animestream/internal/domain/ports"
	"animestream/internal/metrics"
)

const (
	// failedRetention bounds how long a failed add stays visible through
	// State before it is forgotten.
	failedRetention  = 5 * time.Minute
	closeParallelism = 8
)

var errAddCancelled = errors.New("torrent removed before its metadata arrived, retry to add it again")

// StreamStopper stops the in-flight streams of one torrent.
type StreamStopper interface {
	StopTorrent(id domain.TorrentID) int
}

type RemoveResult struct {
	Removed        bool
	StoppedStreams int
}

// RegistryEntry is a read-only view of one registry slot.
type RegistryEntry struct {
	ID      domain.TorrentID
	State   domain.SwarmState
	Swarm   ports.Swarm
	AddedAt time.Time
	Err     error
}

// Registry maps torrent ids to live swarms. Concurrent requests for the same
// id share one engine add; the map lock is never held while the engine works.
type Registry struct {
	engine  ports.Engine
	streams StreamStopper
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time

	group singleflight.Group

	mu      sync.RWMutex
	entries map[domain.TorrentID]*registryEntry
	closed  bool
}

// registryEntry.hash is parsed from the source before the engine is asked, so
// an entry that is still adding already counts as a user of its swarm.
type registryEntry struct {
	state   domain.SwarmState
	hash    domain.InfoHash
	swarm   ports.Swarm
	err     error
	cancel  context.CancelFunc
	addedAt time.Time
}

// transition moves the entry along the swarm state machine. Callers hold the
// registry lock.
func (e *registryEntry) transition(to domain.SwarmState) error {
	if !domain.CanTransition(e.state, to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, e.state, to)
	}
	e.state = to
	return nil
}

func NewRegistry(engine ports.Engine, streams StreamStopper, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		engine:  engine,
		streams: streams,
		logger:  logger,
		tracer:  otel.Tracer("animestream/usecase"),
		now:     time.Now,
		entries: make(map[domain.TorrentID]*registryEntry),
	}
}

// GetOrCreate returns the ready swarm for id, adding src to the engine if
// needed. A caller whose ctx ends stops waiting; the shared add carries on
// for the other waiters and is bounded by the engine's metadata timeout.
func (r *Registry) GetOrCreate(ctx context.Context, id domain.TorrentID, src domain.TorrentSource) (ports.Swarm, error) {
	r.mu.RLock()
	closed := r.closed
	entry := r.entries[id]
	var ready ports.Swarm
	if entry != nil && entry.state == domain.SwarmReady {
		ready = entry.swarm
	}
	r.mu.RUnlock()
	if closed {
		return nil, domain.ErrShuttingDown
	}
	if ready != nil {
		return ready, nil
	}

	ch := r.group.DoChan(string(id), func() (any, error) {
		return r.add(id, src)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(ports.Swarm), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Registry) add(id domain.TorrentID, src domain.TorrentSource) (ports.Swarm, error) {
	// Unparseable sources are left for the engine to reject.
	hash, _ := r.engine.InfoHash(src)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, domain.ErrShuttingDown
	}
	r.pruneFailedLocked()
	from := domain.SwarmAbsent
	if existing, ok := r.entries[id]; ok {
		switch existing.state {
		case domain.SwarmReady:
			r.mu.Unlock()
			return existing.swarm, nil
		case domain.SwarmRemoving, domain.SwarmAdding:
			r.mu.Unlock()
			return nil, domain.ErrNotReady
		}
		from = existing.state
	}
	mine := &registryEntry{state: from, hash: hash, addedAt: r.now().UTC()}
	if err := mine.transition(domain.SwarmAdding); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	addCtx, cancel := context.WithCancel(context.Background())
	mine.cancel = cancel
	r.entries[id] = mine
	r.mu.Unlock()
	defer cancel()

	spanCtx, span := r.tracer.Start(addCtx, "registry.add",
		trace.WithAttributes(attribute.Bool("torrent.upload", id.IsUpload())))
	started := time.Now()
	swarm, err := r.engine.Add(spanCtx, src)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	r.mu.Lock()
	if r.entries[id] != mine {
		// Removed or shut down while the engine was working.
		closed := r.closed
		drop := err == nil && !r.infoHashInUseLocked(swarm.InfoHash(), id)
		r.mu.Unlock()
		if drop {
			swarm.Drop()
		}
		metrics.SwarmAddsTotal.WithLabelValues("cancelled").Inc()
		if closed {
			return nil, domain.ErrShuttingDown
		}
		return nil, domain.NewSwarmError("add", errAddCancelled)
	}
	if err != nil {
		if terr := mine.transition(domain.SwarmFailed); terr != nil {
			r.mu.Unlock()
			return nil, terr
		}
		mine.err = err
		mine.cancel = nil
		r.mu.Unlock()
		metrics.SwarmAddsTotal.WithLabelValues(addResult(err)).Inc()
		r.logger.Warn("swarm add failed",
			slog.String("torrentId", logID(id)),
			slog.Duration("elapsed", time.Since(started)),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	if terr := mine.transition(domain.SwarmReady); terr != nil {
		drop := !r.infoHashInUseLocked(swarm.InfoHash(), id)
		r.mu.Unlock()
		if drop {
			swarm.Drop()
		}
		return nil, terr
	}
	mine.swarm = swarm
	mine.hash = swarm.InfoHash()
	mine.cancel = nil
	r.mu.Unlock()

	metrics.SwarmAddsTotal.WithLabelValues("ok").Inc()
	r.logger.Info("swarm ready",
		slog.String("torrentId", logID(id)),
		slog.String("infoHash", string(swarm.InfoHash())),
		slog.String("name", swarm.Name()),
		slog.Int("files", len(swarm.Files())),
		slog.Duration("elapsed", time.Since(started)),
	)
	return swarm, nil
}

// Get returns the swarm for id only once it is ready.
func (r *Registry) Get(id domain.TorrentID) (ports.Swarm, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[id]
	if !ok || entry.state != domain.SwarmReady {
		return nil, false
	}
	return entry.swarm, true
}

func (r *Registry) State(id domain.TorrentID) domain.SwarmState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.entries[id]; ok {
		return entry.state
	}
	return domain.SwarmAbsent
}

// Remove stops the torrent's streams and drops its swarm. Removing an id that
// is not registered is not an error.
func (r *Registry) Remove(ctx context.Context, id domain.TorrentID) (RemoveResult, error) {
	_, span := r.tracer.Start(ctx, "registry.remove")
	defer span.End()

	r.mu.Lock()
	entry, ok := r.entries[id]
	if !ok || entry.state == domain.SwarmRemoving {
		r.mu.Unlock()
		return RemoveResult{}, nil
	}
	if entry.state == domain.SwarmFailed {
		_ = entry.transition(domain.SwarmAbsent)
		delete(r.entries, id)
		r.mu.Unlock()
		return RemoveResult{}, nil
	}
	adding := entry.state == domain.SwarmAdding
	if err := entry.transition(domain.SwarmRemoving); err != nil {
		r.mu.Unlock()
		return RemoveResult{}, err
	}
	if adding {
		_ = entry.transition(domain.SwarmAbsent)
		delete(r.entries, id)
		cancel := entry.cancel
		r.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		r.logger.Info("cancelled in-flight add", slog.String("torrentId", logID(id)))
		return RemoveResult{Removed: true}, nil
	}
	r.mu.Unlock()

	stopped := 0
	if r.streams != nil {
		stopped = r.streams.StopTorrent(id)
	}

	r.mu.Lock()
	_ = entry.transition(domain.SwarmAbsent)
	delete(r.entries, id)
	aliased := r.infoHashInUseLocked(entry.hash, id)
	r.mu.Unlock()
	if !aliased {
		entry.swarm.Drop()
	}

	span.SetAttributes(attribute.Int("streams.stopped", stopped), attribute.Bool("swarm.aliased", aliased))
	r.logger.Info("swarm removed",
		slog.String("torrentId", logID(id)),
		slog.String("infoHash", string(entry.swarm.InfoHash())),
		slog.Int("stoppedStreams", stopped),
		slog.Bool("aliased", aliased),
	)
	return RemoveResult{Removed: true, StoppedStreams: stopped}, nil
}

// Len counts registered ids in any state.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) Snapshot() []RegistryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RegistryEntry, 0, len(r.entries))
	for id, entry := range r.entries {
		out = append(out, RegistryEntry{
			ID:      id,
			State:   entry.state,
			Swarm:   entry.swarm,
			AddedAt: entry.addedAt,
			Err:     entry.err,
		})
	}
	return out
}

// Close cancels in-flight adds, stops streams and drops every swarm. Later
// GetOrCreate calls fail with ErrShuttingDown.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := r.entries
	r.entries = make(map[domain.TorrentID]*registryEntry)
	r.mu.Unlock()

	swarms := make(map[domain.InfoHash]ports.Swarm)
	for id, entry := range entries {
		switch entry.state {
		case domain.SwarmAdding:
			if entry.cancel != nil {
				entry.cancel()
			}
		case domain.SwarmReady, domain.SwarmRemoving:
			if r.streams != nil {
				r.streams.StopTorrent(id)
			}
			swarms[entry.swarm.InfoHash()] = entry.swarm
		}
	}

	var g errgroup.Group
	g.SetLimit(closeParallelism)
	for _, s := range swarms {
		g.Go(func() error {
			s.Drop()
			return nil
		})
	}
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("registry closed", slog.Int("droppedSwarms", len(swarms)))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("registry close: %w", ctx.Err())
	}
}

// infoHashInUseLocked reports whether another id is adding, serving or
// removing the same torrent. Failed entries hold no swarm.
func (r *Registry) infoHashInUseLocked(hash domain.InfoHash, except domain.TorrentID) bool {
	if hash == "" {
		return false
	}
	for id, entry := range r.entries {
		if id == except || entry.state == domain.SwarmFailed {
			continue
		}
		if entry.hash == hash {
			return true
		}
	}
	return false
}

func (r *Registry) pruneFailedLocked() {
	cutoff := r.now().UTC().Add(-failedRetention)
	for id, entry := range r.entries {
		if entry.state == domain.SwarmFailed && entry.addedAt.Before(cutoff) {
			delete(r.entries, id)
		}
	}
}

func addResult(err error) string {
	switch {
	case errors.Is(err, domain.ErrMetadataTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrInvalidInput):
		return "invalid"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}

// logID keeps magnet URIs with long tracker lists out of log lines.
func logID(id domain.TorrentID) string {
	const limit = 72
	if len(id) <= limit {
		return string(id)
	}
	return string(id[:limit]) + "..."
}
