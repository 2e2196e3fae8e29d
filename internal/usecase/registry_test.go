package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"animestream/internal/domain"
	"animestream/internal/domain/ports"
)

func newTestRegistry(engine ports.Engine) (*Registry, *StreamTracker) {
	tracker := NewStreamTracker()
	return NewRegistry(engine, tracker, nil), tracker
}

func TestGetOrCreateDeduplicatesConcurrentAdds(t *testing.T) {
	engine := newFakeEngine()
	engine.gate = make(chan struct{})
	engine.started = make(chan struct{}, 1)
	swarm := episodeSwarm("aaaa")
	engine.set(domain.TorrentSource{Magnet: testMagnet}, swarm)
	reg, _ := newTestRegistry(engine)

	const n = 16
	var wg sync.WaitGroup
	results := make([]ports.Swarm, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = reg.GetOrCreate(context.Background(), domain.TorrentID(testMagnet), domain.TorrentSource{Magnet: testMagnet})
		}(i)
	}

	<-engine.started
	if got := reg.State(domain.TorrentID(testMagnet)); got != domain.SwarmAdding {
		t.Fatalf("state while adding = %s", got)
	}
	close(engine.gate)
	wg.Wait()

	if got := engine.calls.Load(); got != 1 {
		t.Fatalf("engine adds = %d, want 1", got)
	}
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i] != ports.Swarm(swarm) {
			t.Fatalf("caller %d got a different swarm", i)
		}
	}
	if reg.Len() != 1 {
		t.Fatalf("registry len = %d, want 1", reg.Len())
	}
}

func TestWaiterCancellationDoesNotAbortSharedAdd(t *testing.T) {
	engine := newFakeEngine()
	engine.gate = make(chan struct{})
	engine.started = make(chan struct{}, 1)
	engine.set(domain.TorrentSource{Magnet: testMagnet}, episodeSwarm("aaaa"))
	reg, _ := newTestRegistry(engine)
	id := domain.TorrentID(testMagnet)
	src := domain.TorrentSource{Magnet: testMagnet}

	ctx, cancel := context.WithCancel(context.Background())
	impatient := make(chan error, 1)
	go func() {
		_, err := reg.GetOrCreate(ctx, id, src)
		impatient <- err
	}()
	<-engine.started

	patient := make(chan error, 1)
	go func() {
		_, err := reg.GetOrCreate(context.Background(), id, src)
		patient <- err
	}()

	cancel()
	if err := <-impatient; !errors.Is(err, context.Canceled) {
		t.Fatalf("impatient waiter err = %v", err)
	}
	close(engine.gate)
	if err := <-patient; err != nil {
		t.Fatalf("patient waiter err = %v", err)
	}
	if _, ok := reg.Get(id); !ok {
		t.Fatalf("swarm not ready after shared add")
	}
}

func TestFailedAddIsRetried(t *testing.T) {
	engine := newFakeEngine()
	engine.err = domain.ErrMetadataTimeout
	engine.set(domain.TorrentSource{Magnet: testMagnet}, episodeSwarm("aaaa"))
	reg, _ := newTestRegistry(engine)
	id := domain.TorrentID(testMagnet)
	src := domain.TorrentSource{Magnet: testMagnet}

	if _, err := reg.GetOrCreate(context.Background(), id, src); !errors.Is(err, domain.ErrMetadataTimeout) {
		t.Fatalf("first add err = %v", err)
	}
	if got := reg.State(id); got != domain.SwarmFailed {
		t.Fatalf("state = %s, want failed", got)
	}
	if _, ok := reg.Get(id); ok {
		t.Fatalf("Get returned a failed entry")
	}

	engine.mu.Lock()
	engine.err = nil
	engine.mu.Unlock()
	if _, err := reg.GetOrCreate(context.Background(), id, src); err != nil {
		t.Fatalf("retry err = %v", err)
	}
	if got := engine.calls.Load(); got != 2 {
		t.Fatalf("engine adds = %d, want 2", got)
	}
	if got := reg.State(id); got != domain.SwarmReady {
		t.Fatalf("state = %s, want ready", got)
	}
}

func TestRemoveCascadesAndIsIdempotent(t *testing.T) {
	engine := newFakeEngine()
	swarm := episodeSwarm("aaaa")
	engine.set(domain.TorrentSource{Magnet: testMagnet}, swarm)
	reg, tracker := newTestRegistry(engine)
	id := domain.TorrentID(testMagnet)
	if _, err := reg.GetOrCreate(context.Background(), id, domain.TorrentSource{Magnet: testMagnet}); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	ctx0, cancel0 := context.WithCancel(context.Background())
	ctx1, cancel1 := context.WithCancel(context.Background())
	defer cancel0()
	defer cancel1()
	tracker.Register(domain.NewStreamKey(id, 0), domain.StreamInfo{TorrentID: id, FileIndex: 0}, cancel0)
	tracker.Register(domain.NewStreamKey(id, 1), domain.StreamInfo{TorrentID: id, FileIndex: 1}, cancel1)

	res, err := reg.Remove(context.Background(), id)
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if !res.Removed || res.StoppedStreams != 2 {
		t.Fatalf("first remove = %+v", res)
	}
	if tracker.Len() != 0 {
		t.Fatalf("tracker still holds %d streams", tracker.Len())
	}
	if ctx0.Err() == nil || ctx1.Err() == nil {
		t.Fatalf("stream contexts not cancelled")
	}
	if got := swarm.dropped.Load(); got != 1 {
		t.Fatalf("swarm dropped %d times", got)
	}

	res, err = reg.Remove(context.Background(), id)
	if err != nil {
		t.Fatalf("second Remove: %v", err)
	}
	if res.Removed || res.StoppedStreams != 0 {
		t.Fatalf("second remove = %+v", res)
	}
	if got := reg.State(id); got != domain.SwarmAbsent {
		t.Fatalf("state = %s", got)
	}
}

func TestRemoveWhileAddingCancelsAdd(t *testing.T) {
	engine := newFakeEngine()
	engine.gate = make(chan struct{})
	engine.started = make(chan struct{}, 1)
	engine.set(domain.TorrentSource{Magnet: testMagnet}, episodeSwarm("aaaa"))
	reg, _ := newTestRegistry(engine)
	id := domain.TorrentID(testMagnet)

	done := make(chan error, 1)
	go func() {
		_, err := reg.GetOrCreate(context.Background(), id, domain.TorrentSource{Magnet: testMagnet})
		done <- err
	}()
	<-engine.started

	res, err := reg.Remove(context.Background(), id)
	if err != nil || !res.Removed {
		t.Fatalf("Remove = %+v, %v", res, err)
	}

	select {
	case err := <-done:
		// Retryable engine error, not a 404: the torrent did exist.
		if !errors.Is(err, domain.ErrSwarm) || errors.Is(err, domain.ErrTorrentNotFound) {
			t.Fatalf("add err = %v, want ErrSwarm", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("add did not observe cancellation")
	}
	if got := reg.State(id); got != domain.SwarmAbsent {
		t.Fatalf("state = %s", got)
	}
}

func TestRemoveKeepsSwarmSharedByAnotherID(t *testing.T) {
	engine := newFakeEngine()
	shared := episodeSwarm("aaaa")
	upload := domain.TorrentSource{Data: []byte("d8:announce0:e")}
	engine.set(domain.TorrentSource{Magnet: testMagnet}, shared)
	engine.set(upload, shared)
	reg, _ := newTestRegistry(engine)

	magnetID := domain.TorrentID(testMagnet)
	uploadID, err := domain.ResolveID(upload)
	if err != nil {
		t.Fatalf("ResolveID: %v", err)
	}
	if _, err := reg.GetOrCreate(context.Background(), magnetID, domain.TorrentSource{Magnet: testMagnet}); err != nil {
		t.Fatalf("magnet add: %v", err)
	}
	if _, err := reg.GetOrCreate(context.Background(), uploadID, upload); err != nil {
		t.Fatalf("upload add: %v", err)
	}

	if _, err := reg.Remove(context.Background(), magnetID); err != nil {
		t.Fatalf("Remove magnet: %v", err)
	}
	if got := shared.dropped.Load(); got != 0 {
		t.Fatalf("shared swarm dropped while still referenced")
	}
	if _, ok := reg.Get(uploadID); !ok {
		t.Fatalf("upload id lost")
	}

	if _, err := reg.Remove(context.Background(), uploadID); err != nil {
		t.Fatalf("Remove upload: %v", err)
	}
	if got := shared.dropped.Load(); got != 1 {
		t.Fatalf("shared swarm dropped %d times, want 1", got)
	}
}

func TestRemoveKeepsSwarmAnotherIDIsAdding(t *testing.T) {
	engine := newFakeEngine()
	shared := episodeSwarm("aaaa")
	upload := domain.TorrentSource{Data: []byte("d8:announce0:e")}
	engine.set(domain.TorrentSource{Magnet: testMagnet}, shared)
	engine.set(upload, shared)
	reg, _ := newTestRegistry(engine)

	magnetID := domain.TorrentID(testMagnet)
	uploadID, err := domain.ResolveID(upload)
	if err != nil {
		t.Fatalf("ResolveID: %v", err)
	}
	if _, err := reg.GetOrCreate(context.Background(), magnetID, domain.TorrentSource{Magnet: testMagnet}); err != nil {
		t.Fatalf("magnet add: %v", err)
	}

	engine.gate = make(chan struct{})
	engine.started = make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		_, err := reg.GetOrCreate(context.Background(), uploadID, upload)
		done <- err
	}()
	<-engine.started

	if _, err := reg.Remove(context.Background(), magnetID); err != nil {
		t.Fatalf("Remove magnet: %v", err)
	}
	if got := shared.dropped.Load(); got != 0 {
		t.Fatalf("swarm dropped while another id was attaching to it")
	}

	close(engine.gate)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("upload add: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("upload add did not finish")
	}
	if got := reg.State(uploadID); got != domain.SwarmReady {
		t.Fatalf("upload state = %s, want ready", got)
	}
}

func TestEntryTransitionFollowsStateMachine(t *testing.T) {
	entry := &registryEntry{state: domain.SwarmReady}
	if err := entry.transition(domain.SwarmAdding); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("ready -> adding err = %v, want ErrInvalidTransition", err)
	}
	if entry.state != domain.SwarmReady {
		t.Fatalf("state changed to %s after a refused move", entry.state)
	}
	for _, to := range []domain.SwarmState{domain.SwarmRemoving, domain.SwarmAbsent} {
		if err := entry.transition(to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
}

func TestRemoveForgetsFailedEntry(t *testing.T) {
	engine := newFakeEngine()
	engine.err = domain.ErrMetadataTimeout
	reg, _ := newTestRegistry(engine)
	id := domain.TorrentID(testMagnet)

	if _, err := reg.GetOrCreate(context.Background(), id, domain.TorrentSource{Magnet: testMagnet}); !errors.Is(err, domain.ErrMetadataTimeout) {
		t.Fatalf("err = %v", err)
	}
	if res, err := reg.Remove(context.Background(), id); err != nil || res.Removed {
		t.Fatalf("Remove failed entry = %+v, %v", res, err)
	}
	if got := reg.State(id); got != domain.SwarmAbsent {
		t.Fatalf("state after remove = %s", got)
	}
}

func TestCloseDropsEverythingAndRejectsNewAdds(t *testing.T) {
	engine := newFakeEngine()
	first := episodeSwarm("aaaa")
	second := episodeSwarm("bbbb")
	secondMagnet := "magnet:?xt=urn:btih:bbbb"
	engine.set(domain.TorrentSource{Magnet: testMagnet}, first)
	engine.set(domain.TorrentSource{Magnet: secondMagnet}, second)
	reg, tracker := newTestRegistry(engine)

	for _, m := range []string{testMagnet, secondMagnet} {
		if _, err := reg.GetOrCreate(context.Background(), domain.TorrentID(m), domain.TorrentSource{Magnet: m}); err != nil {
			t.Fatalf("add %s: %v", m, err)
		}
	}
	streamCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	id := domain.TorrentID(testMagnet)
	tracker.Register(domain.NewStreamKey(id, 1), domain.StreamInfo{TorrentID: id, FileIndex: 1}, cancel)

	if err := reg.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if first.dropped.Load() != 1 || second.dropped.Load() != 1 {
		t.Fatalf("drops = %d/%d", first.dropped.Load(), second.dropped.Load())
	}
	if streamCtx.Err() == nil {
		t.Fatalf("stream not stopped on close")
	}
	if reg.Len() != 0 {
		t.Fatalf("registry len = %d after close", reg.Len())
	}
	if _, err := reg.GetOrCreate(context.Background(), id, domain.TorrentSource{Magnet: testMagnet}); !errors.Is(err, domain.ErrShuttingDown) {
		t.Fatalf("GetOrCreate after close err = %v", err)
	}
	if err := reg.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestLogIDTruncatesLongMagnets(t *testing.T) {
	long := domain.TorrentID(testMagnet + "&tr=udp://tracker.example.org:1337/announce")
	got := logID(long)
	if len(got) != 75 || got[len(got)-3:] != "..." {
		t.Fatalf("logID = %q", got)
	}
	if logID("short") != "short" {
		t.Fatalf("short id altered")
	}
}
