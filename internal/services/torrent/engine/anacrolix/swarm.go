package anacrolix

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"

	"animestream/internal/domain"
	"animestream/internal/domain/ports"
)

// minSampleInterval keeps concurrent Stats callers (metrics loop, health
// endpoint, websocket hub) from measuring rates over tiny windows.
const minSampleInterval = time.Second

type swarm struct {
	engine *Engine
	t      *torrent.Torrent

	speedMu sync.Mutex
	sample  speedSample

	dropOnce sync.Once
}

var _ ports.Swarm = (*swarm)(nil)

func newSwarm(e *Engine, t *torrent.Torrent) *swarm {
	return &swarm{engine: e, t: t}
}

func (s *swarm) InfoHash() domain.InfoHash {
	return domain.InfoHash(s.t.InfoHash().HexString())
}

func (s *swarm) Name() string {
	if !torrentInfoReady(s.t) {
		return ""
	}
	return s.t.Name()
}

func (s *swarm) MagnetURI() string {
	return metainfo.Magnet{InfoHash: s.t.InfoHash(), DisplayName: s.Name()}.String()
}

func (s *swarm) Ready() bool {
	return torrentInfoReady(s.t)
}

func (s *swarm) Files() []domain.FileRef {
	return mapFiles(s.t)
}

func (s *swarm) Stats() domain.SwarmStats {
	if s.t == nil {
		return domain.SwarmStats{}
	}
	stats := s.t.Stats()
	download, upload := s.sampleSpeed(stats, time.Now().UTC())
	out := domain.SwarmStats{
		DownloadSpeed: download,
		UploadSpeed:   upload,
		Peers:         stats.ActivePeers,
	}
	if torrentInfoReady(s.t) {
		out.TotalBytes = s.t.Length()
		out.BytesCompleted = s.t.BytesCompleted()
	}
	return out
}

func (s *swarm) NewReader(ctx context.Context, fileIndex int) (ports.StreamReader, error) {
	if !torrentInfoReady(s.t) {
		return nil, domain.ErrNotReady
	}
	files := s.t.Files()
	if fileIndex < 0 || fileIndex >= len(files) {
		return nil, fmt.Errorf("%w: index %d of %d", domain.ErrFileNotFound, fileIndex, len(files))
	}
	r := files[fileIndex].NewReader()
	if ctx != nil {
		r.SetContext(ctx)
	}
	return r, nil
}

// Drop removes the torrent from the client. Safe to call more than once.
func (s *swarm) Drop() {
	s.dropOnce.Do(func() {
		if s.t != nil {
			s.t.Drop()
		}
	})
}

func mapFiles(t *torrent.Torrent) (mapped []domain.FileRef) {
	if !torrentInfoReady(t) {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("mapFiles panic recovered",
				slog.Any("error", r),
				slog.String("stack", string(debug.Stack())),
			)
			mapped = nil
		}
	}()

	files := t.Files()
	mapped = make([]domain.FileRef, 0, len(files))
	for i, f := range files {
		mapped = append(mapped, domain.FileRef{
			Index:          i,
			Path:           f.DisplayPath(),
			Length:         f.Length(),
			BytesCompleted: f.BytesCompleted(),
		})
	}
	return mapped
}

func torrentInfoReady(t *torrent.Torrent) bool {
	if t == nil {
		return false
	}
	select {
	case <-t.GotInfo():
		return true
	default:
		return false
	}
}

type speedSample struct {
	at           time.Time
	bytesRead    int64
	bytesWritten int64
	download     int64
	upload       int64
}

func (s *swarm) sampleSpeed(stats torrent.TorrentStats, now time.Time) (int64, int64) {
	return s.sampleCounts(stats.BytesReadUsefulData.Int64(), stats.BytesWrittenData.Int64(), now)
}

func (s *swarm) sampleCounts(currentRead, currentWritten int64, now time.Time) (int64, int64) {
	s.speedMu.Lock()
	defer s.speedMu.Unlock()

	prev := s.sample
	if prev.at.IsZero() {
		s.sample = speedSample{at: now, bytesRead: currentRead, bytesWritten: currentWritten}
		return 0, 0
	}

	dt := now.Sub(prev.at)
	if dt < minSampleInterval {
		return prev.download, prev.upload
	}

	deltaRead := currentRead - prev.bytesRead
	deltaWritten := currentWritten - prev.bytesWritten
	if deltaRead < 0 {
		deltaRead = 0
	}
	if deltaWritten < 0 {
		deltaWritten = 0
	}

	download := int64(float64(deltaRead) / dt.Seconds())
	upload := int64(float64(deltaWritten) / dt.Seconds())
	s.sample = speedSample{
		at:           now,
		bytesRead:    currentRead,
		bytesWritten: currentWritten,
		download:     download,
		upload:       upload,
	}
	return download, upload
}
