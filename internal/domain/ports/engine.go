package ports

import (
	"context"

	"animestream/internal/domain"
)

// Engine adds torrents to the swarm engine. Add blocks until the torrent's
// metadata is known or the engine's metadata timeout elapses. InfoHash names
// the torrent a source refers to without adding it.
type Engine interface {
	Add(ctx context.Context, src domain.TorrentSource) (Swarm, error)
	InfoHash(src domain.TorrentSource) (domain.InfoHash, error)
	Close() error
}

// Swarm is one torrent the engine is actively serving.
type Swarm interface {
	InfoHash() domain.InfoHash
	Name() string
	MagnetURI() string
	Ready() bool
	Files() []domain.FileRef
	Stats() domain.SwarmStats
	NewReader(ctx context.Context, fileIndex int) (StreamReader, error)
	Drop()
}
