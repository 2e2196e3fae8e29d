package domain

import "math"

// SwarmStats is a point-in-time view of one swarm's transfer state.
type SwarmStats struct {
	BytesCompleted int64
	TotalBytes     int64
	DownloadSpeed  int64
	UploadSpeed    int64
	Peers          int
}

// Progress returns completion as a rounded percentage in [0,100].
func (s SwarmStats) Progress() int {
	if s.TotalBytes <= 0 {
		return 0
	}
	pct := math.Round(float64(s.BytesCompleted) / float64(s.TotalBytes) * 100)
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	}
	return int(pct)
}

// TorrentInfo is the client-facing description of a ready swarm.
// DefaultFileIndex names the largest playable file, 0 when none is playable.
type TorrentInfo struct {
	Name             string      `json:"name"`
	InfoHash         InfoHash    `json:"infoHash"`
	MagnetURI        string      `json:"magnetURI"`
	TorrentID        TorrentID   `json:"torrentId"`
	Files            []FileEntry `json:"files"`
	TotalSize        int64       `json:"totalSize"`
	Progress         int         `json:"progress"`
	DownloadSpeed    int64       `json:"downloadSpeed"`
	UploadSpeed      int64       `json:"uploadSpeed"`
	DownloadRate     string      `json:"downloadRate"`
	UploadRate       string      `json:"uploadRate"`
	NumPeers         int         `json:"numPeers"`
	Ready            bool        `json:"ready"`
	DefaultFileIndex int         `json:"defaultFileIndex"`
	UploadedFileName string      `json:"uploadedFileName,omitempty"`
}

// HealthReport aggregates registry and tracker state for /health and the
// websocket feed.
type HealthReport struct {
	Status           string `json:"status"`
	ActiveTorrents   int    `json:"activeTorrents"`
	AddingTorrents   int    `json:"addingTorrents"`
	ActiveStreams    int    `json:"activeStreams"`
	DownloadSpeed    int64  `json:"downloadSpeed"`
	UploadSpeed      int64  `json:"uploadSpeed"`
	DownloadRate     string `json:"downloadRate"`
	UploadRate       string `json:"uploadRate"`
	NumPeers         int    `json:"numPeers"`
	CachedPieceBytes int64  `json:"cachedPieceBytes"`
}
