package usecase

import (
	"animestream/internal/domain"
)

// Health summarizes registry, tracker and engine state.
type Health struct {
	Registry *Registry
	Tracker  *StreamTracker
	// PieceCacheBytes reports resident piece data; nil when not applicable.
	PieceCacheBytes func() int64
}

func (uc Health) Execute() domain.HealthReport {
	report := domain.HealthReport{Status: "ok"}
	if uc.Registry != nil {
		seen := make(map[domain.InfoHash]struct{})
		for _, entry := range uc.Registry.Snapshot() {
			switch entry.State {
			case domain.SwarmAdding:
				report.AddingTorrents++
				continue
			case domain.SwarmReady:
				report.ActiveTorrents++
			default:
				continue
			}
			// Aliased ids share one swarm; count its traffic once.
			hash := entry.Swarm.InfoHash()
			if _, dup := seen[hash]; dup {
				continue
			}
			seen[hash] = struct{}{}
			stats := entry.Swarm.Stats()
			report.DownloadSpeed += stats.DownloadSpeed
			report.UploadSpeed += stats.UploadSpeed
			report.NumPeers += stats.Peers
		}
	}
	if uc.Tracker != nil {
		report.ActiveStreams = uc.Tracker.Len()
	}
	if uc.PieceCacheBytes != nil {
		report.CachedPieceBytes = uc.PieceCacheBytes()
	}
	report.DownloadRate = formatRate(report.DownloadSpeed)
	report.UploadRate = formatRate(report.UploadSpeed)
	return report
}
