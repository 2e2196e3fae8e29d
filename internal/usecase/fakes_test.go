package usecase

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"animestream/internal/domain"
	"animestream/internal/domain/ports"
)

type fakeSwarm struct {
	hash  domain.InfoHash
	name  string
	files []domain.FileRef
	stats domain.SwarmStats
	data  []byte

	dropped atomic.Int32
}

func (s *fakeSwarm) InfoHash() domain.InfoHash { return s.hash }
func (s *fakeSwarm) Name() string              { return s.name }
func (s *fakeSwarm) MagnetURI() string         { return "magnet:?xt=urn:btih:" + string(s.hash) }
func (s *fakeSwarm) Ready() bool               { return true }
func (s *fakeSwarm) Files() []domain.FileRef   { return s.files }
func (s *fakeSwarm) Stats() domain.SwarmStats  { return s.stats }
func (s *fakeSwarm) Drop()                     { s.dropped.Add(1) }
func (s *fakeSwarm) NewReader(ctx context.Context, fileIndex int) (ports.StreamReader, error) {
	return &fakeReader{Reader: bytes.NewReader(s.data)}, nil
}

type fakeReader struct {
	*bytes.Reader
}

func (r *fakeReader) Close() error                   { return nil }
func (r *fakeReader) SetContext(ctx context.Context) {}
func (r *fakeReader) SetReadahead(n int64)           {}

// fakeEngine hands out swarms per source. When gate is set, Add blocks until
// the gate is closed or the add context ends.
type fakeEngine struct {
	mu     sync.Mutex
	swarms map[string]*fakeSwarm
	err    error
	gate   chan struct{}
	calls  atomic.Int32
	closed atomic.Bool

	// started is signalled once per Add, before it blocks on gate.
	started chan struct{}
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{swarms: make(map[string]*fakeSwarm)}
}

func (e *fakeEngine) set(src domain.TorrentSource, s *fakeSwarm) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.swarms[sourceKey(src)] = s
}

func (e *fakeEngine) Add(ctx context.Context, src domain.TorrentSource) (ports.Swarm, error) {
	e.calls.Add(1)
	if e.started != nil {
		e.started <- struct{}{}
	}
	if e.gate != nil {
		select {
		case <-e.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	s, ok := e.swarms[sourceKey(src)]
	if !ok {
		return nil, domain.NewSwarmError("add", errors.New("unknown source"))
	}
	return s, nil
}

func (e *fakeEngine) InfoHash(src domain.TorrentSource) (domain.InfoHash, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.swarms[sourceKey(src)]
	if !ok {
		return "", domain.ErrInvalidInput
	}
	return s.hash, nil
}

func (e *fakeEngine) Close() error {
	e.closed.Store(true)
	return nil
}

func sourceKey(src domain.TorrentSource) string {
	if src.Magnet != "" {
		return src.Magnet
	}
	return string(src.Data)
}

type fakeCache struct {
	mu      sync.Mutex
	records map[domain.TorrentID]domain.TorrentRecord
	saveErr error
	deleted []domain.TorrentID
}

func newFakeCache() *fakeCache {
	return &fakeCache{records: make(map[domain.TorrentID]domain.TorrentRecord)}
}

func (c *fakeCache) Save(ctx context.Context, record domain.TorrentRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.saveErr != nil {
		return c.saveErr
	}
	c.records[record.ID] = record
	return nil
}

func (c *fakeCache) Get(ctx context.Context, id domain.TorrentID) (domain.TorrentRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.records[id]
	if !ok {
		return domain.TorrentRecord{}, domain.ErrNotFound
	}
	return r, nil
}

func (c *fakeCache) Delete(ctx context.Context, id domain.TorrentID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, id)
	if _, ok := c.records[id]; !ok {
		return domain.ErrNotFound
	}
	delete(c.records, id)
	return nil
}

func (c *fakeCache) ListRecent(ctx context.Context, limit int) ([]domain.TorrentRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.TorrentRecord, 0, len(c.records))
	for _, r := range c.records {
		out = append(out, r)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

const testMagnet = "magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567"

func episodeSwarm(hash domain.InfoHash) *fakeSwarm {
	return &fakeSwarm{
		hash: hash,
		name: "Show S01",
		files: []domain.FileRef{
			{Index: 0, Path: "Show S01/episode.srt", Length: 10},
			{Index: 1, Path: "Show S01/episode.mkv", Length: 990},
		},
		stats: domain.SwarmStats{BytesCompleted: 500, TotalBytes: 1000, DownloadSpeed: 2048, UploadSpeed: 0, Peers: 3},
		data:  bytes.Repeat([]byte("x"), 990),
	}
}
