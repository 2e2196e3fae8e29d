package ports

import (
	"context"

	"animestream/internal/domain"
)

// TorrentCache stores descriptions of resolved torrents. Callers treat it as
// best-effort: failures are logged, never returned to clients.
type TorrentCache interface {
	Save(ctx context.Context, record domain.TorrentRecord) error
	Get(ctx context.Context, id domain.TorrentID) (domain.TorrentRecord, error)
	Delete(ctx context.Context, id domain.TorrentID) error
	ListRecent(ctx context.Context, limit int) ([]domain.TorrentRecord, error)
}
