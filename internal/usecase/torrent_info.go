package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"animestream/internal/domain"
	"animestream/internal/domain/ports"
)

const (
	cacheWriteTimeout  = 3 * time.Second
	defaultRecentLimit = 20
	maxRecentLimit     = 200
)

// GetTorrentInfo resolves a source to a ready swarm and describes it.
type GetTorrentInfo struct {
	Registry *Registry
	Cache    ports.TorrentCache
	Logger   *slog.Logger
	Now      func() time.Time
}

func (uc GetTorrentInfo) Execute(ctx context.Context, src domain.TorrentSource) (domain.TorrentInfo, error) {
	id, err := domain.ResolveID(src)
	if err != nil {
		return domain.TorrentInfo{}, err
	}
	swarm, err := uc.Registry.GetOrCreate(ctx, id, src)
	if err != nil {
		return domain.TorrentInfo{}, err
	}
	if !swarm.Ready() {
		return domain.TorrentInfo{}, domain.ErrNotReady
	}

	info := describeSwarm(id, swarm)
	uc.remember(ctx, id, swarm)
	return info, nil
}

func describeSwarm(id domain.TorrentID, swarm ports.Swarm) domain.TorrentInfo {
	files := swarm.Files()
	stats := swarm.Stats()
	total := stats.TotalBytes
	if total == 0 {
		total = sumLengths(files)
	}
	entries := domain.ClassifyFiles(files)
	defaultIndex, _ := domain.FirstPlayable(entries)
	return domain.TorrentInfo{
		Name:             swarm.Name(),
		InfoHash:         swarm.InfoHash(),
		MagnetURI:        swarm.MagnetURI(),
		TorrentID:        id,
		Files:            entries,
		TotalSize:        total,
		Progress:         stats.Progress(),
		DownloadSpeed:    stats.DownloadSpeed,
		UploadSpeed:      stats.UploadSpeed,
		DownloadRate:     formatRate(stats.DownloadSpeed),
		UploadRate:       formatRate(stats.UploadSpeed),
		NumPeers:         stats.Peers,
		Ready:            swarm.Ready(),
		DefaultFileIndex: defaultIndex,
	}
}

// remember writes the torrent description to the cache. Failures are logged
// and otherwise ignored.
func (uc GetTorrentInfo) remember(ctx context.Context, id domain.TorrentID, swarm ports.Swarm) {
	if uc.Cache == nil {
		return
	}
	now := time.Now
	if uc.Now != nil {
		now = uc.Now
	}
	files := swarm.Files()
	ts := now().UTC()
	record := domain.TorrentRecord{
		ID:         id,
		Name:       swarm.Name(),
		InfoHash:   swarm.InfoHash(),
		MagnetURI:  swarm.MagnetURI(),
		Files:      files,
		TotalBytes: sumLengths(files),
		Uploaded:   id.IsUpload(),
		CreatedAt:  ts,
		UpdatedAt:  ts,
	}
	if err := record.Validate(); err != nil {
		uc.logger().Debug("skipping cache write", slog.String("torrentId", logID(id)), slog.String("error", err.Error()))
		return
	}

	// The client may hang up right after the response; the write should not
	// be cancelled with it.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheWriteTimeout)
	defer cancel()
	if err := uc.Cache.Save(writeCtx, record); err != nil {
		uc.logger().Warn("torrent cache write failed",
			slog.String("torrentId", logID(id)),
			slog.String("error", err.Error()),
		)
	}
}

func (uc GetTorrentInfo) logger() *slog.Logger {
	if uc.Logger != nil {
		return uc.Logger
	}
	return slog.Default()
}

// ListRecentTorrents returns the most recently resolved torrents from the cache.
type ListRecentTorrents struct {
	Cache ports.TorrentCache
}

func (uc ListRecentTorrents) Execute(ctx context.Context, limit int) ([]domain.TorrentRecord, error) {
	if uc.Cache == nil {
		return nil, ErrCacheDisabled
	}
	switch {
	case limit <= 0:
		limit = defaultRecentLimit
	case limit > maxRecentLimit:
		limit = maxRecentLimit
	}
	records, err := uc.Cache.ListRecent(ctx, limit)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, wrapRepo(err)
	}
	if records == nil {
		records = []domain.TorrentRecord{}
	}
	return records, nil
}

func formatRate(bytesPerSecond int64) string {
	if bytesPerSecond <= 0 {
		return "0 B/s"
	}
	return humanize.Bytes(uint64(bytesPerSecond)) + "/s"
}

func sumLengths(files []domain.FileRef) int64 {
	var total int64
	for _, f := range files {
		total += f.Length
	}
	return total
}
