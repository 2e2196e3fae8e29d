package anacrolix

import (
	"testing"
	"time"

	"github.com/anacrolix/torrent"
)

func TestSampleSpeedInitial(t *testing.T) {
	s := &swarm{}
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	download, upload := s.sampleSpeed(statsWithCounts(100, 50), now)
	if download != 0 || upload != 0 {
		t.Fatalf("expected 0 speeds, got %d/%d", download, upload)
	}
}

func TestSampleSpeedDelta(t *testing.T) {
	s := &swarm{}
	start := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	_, _ = s.sampleSpeed(statsWithCounts(100, 50), start)

	download, upload := s.sampleSpeed(statsWithCounts(1100, 450), start.Add(2*time.Second))
	if download != 500 {
		t.Fatalf("download = %d", download)
	}
	if upload != 200 {
		t.Fatalf("upload = %d", upload)
	}
}

func TestSampleSpeedKeepsRatesWithinInterval(t *testing.T) {
	s := &swarm{}
	start := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	_, _ = s.sampleCounts(0, 0, start)
	_, _ = s.sampleCounts(1000, 100, start.Add(time.Second))

	download, upload := s.sampleCounts(5000, 900, start.Add(1500*time.Millisecond))
	if download != 1000 || upload != 100 {
		t.Fatalf("got %d/%d, want previous 1000/100", download, upload)
	}
}

func TestSampleSpeedNegativeDeltaClamps(t *testing.T) {
	s := &swarm{}
	start := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	_, _ = s.sampleCounts(1000, 500, start)

	download, upload := s.sampleCounts(50, 20, start.Add(time.Second))
	if download != 0 || upload != 0 {
		t.Fatalf("expected clamped 0 speeds, got %d/%d", download, upload)
	}
}

func statsWithCounts(read, written int64) torrent.TorrentStats {
	var stats torrent.TorrentStats
	stats.BytesReadUsefulData.Add(read)
	stats.BytesWrittenData.Add(written)
	return stats
}
