package usecase

import (
	"context"
	"sort"
	"sync"
	"time"

	"animestream/internal/domain"
)

// StreamTracker records which streams are being served right now. Several
// requests may share a key (a player seeking opens a new range request while
// the previous one drains); the entry lives while any of them is in flight.
type StreamTracker struct {
	mu      sync.Mutex
	streams map[domain.StreamKey]*trackedStream
	nextID  uint64
	now     func() time.Time
}

type trackedStream struct {
	info    domain.StreamInfo
	viewers map[uint64]context.CancelFunc
}

func NewStreamTracker() *StreamTracker {
	return &StreamTracker{
		streams: make(map[domain.StreamKey]*trackedStream),
		now:     time.Now,
	}
}

// Register adds a viewer under key. cancel aborts that viewer's copy loop and
// is invoked when the stream is stopped from outside. The returned release
// must be called once the request finishes; it is safe to call twice.
func (t *StreamTracker) Register(key domain.StreamKey, info domain.StreamInfo, cancel context.CancelFunc) (release func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.streams[key]
	if !ok {
		info.Key = key
		if info.StartedAt.IsZero() {
			info.StartedAt = t.now().UTC()
		}
		entry = &trackedStream{info: info, viewers: make(map[uint64]context.CancelFunc)}
		t.streams[key] = entry
	}
	t.nextID++
	id := t.nextID
	if cancel == nil {
		cancel = func() {}
	}
	entry.viewers[id] = cancel

	var once sync.Once
	return func() {
		once.Do(func() { t.release(key, entry, id) })
	}
}

func (t *StreamTracker) release(key domain.StreamKey, entry *trackedStream, id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(entry.viewers, id)
	// The key may have been stopped and registered again by a newer request.
	if len(entry.viewers) == 0 && t.streams[key] == entry {
		delete(t.streams, key)
	}
}

// Unregister stops every viewer of key. It reports whether anything was
// registered.
func (t *StreamTracker) Unregister(key domain.StreamKey) bool {
	t.mu.Lock()
	entry, ok := t.streams[key]
	var cancels []context.CancelFunc
	if ok {
		delete(t.streams, key)
		cancels = viewerCancels(entry)
	}
	t.mu.Unlock()
	runCancels(cancels)
	return ok
}

// StopTorrent stops every stream of the torrent and returns how many distinct
// streams were stopped.
func (t *StreamTracker) StopTorrent(id domain.TorrentID) int {
	t.mu.Lock()
	var (
		stopped int
		cancels []context.CancelFunc
	)
	for key, entry := range t.streams {
		if entry.info.TorrentID == id {
			stopped++
			cancels = append(cancels, viewerCancels(entry)...)
			delete(t.streams, key)
		}
	}
	t.mu.Unlock()
	runCancels(cancels)
	return stopped
}

func (t *StreamTracker) StopAll() int {
	t.mu.Lock()
	stopped := len(t.streams)
	var cancels []context.CancelFunc
	for _, entry := range t.streams {
		cancels = append(cancels, viewerCancels(entry)...)
	}
	t.streams = make(map[domain.StreamKey]*trackedStream)
	t.mu.Unlock()
	runCancels(cancels)
	return stopped
}

// List returns the active streams, oldest first.
func (t *StreamTracker) List() []domain.StreamInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	out := make([]domain.StreamInfo, 0, len(t.streams))
	for _, entry := range t.streams {
		info := entry.info
		info.Viewers = len(entry.viewers)
		info.Duration = domain.Millis(now.Sub(info.StartedAt))
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (t *StreamTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.streams)
}

func viewerCancels(entry *trackedStream) []context.CancelFunc {
	out := make([]context.CancelFunc, 0, len(entry.viewers))
	for _, cancel := range entry.viewers {
		out = append(out, cancel)
	}
	return out
}

// runCancels is called without the tracker lock held; cancelled copy loops
// call their release funcs, which take it.
func runCancels(cancels []context.CancelFunc) {
	for _, cancel := range cancels {
		cancel()
	}
}
