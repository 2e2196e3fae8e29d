package anacrolix

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/storage"

	"animestream/internal/domain"
	"animestream/internal/domain/ports"
	"animestream/internal/storage/memory"
)

const (
	StorageMemory = "memory"
	StorageDisk   = "disk"

	defaultMaxConns        = 35
	defaultMetadataTimeout = 90 * time.Second

	// addSpecTimeout caps how long we wait for the client to accept a torrent.
	// AddTorrentSpec can block on the client mutex while it is busy.
	addSpecTimeout = 10 * time.Second
)

var (
	errClientNotConfigured = errors.New("torrent client not configured")
	errClientBusy          = errors.New("torrent client busy, try again later")
	errClosedBeforeInfo    = errors.New("torrent closed before metadata arrived")
)

type Config struct {
	DataDir          string
	StorageMode      string
	MemoryLimitBytes int64
	MetadataTimeout  time.Duration
	ListenPort       int
	NoDHT            bool
	MaxConns         int
	// Trackers are announced as an extra tier on every torrent.
	Trackers []string
	Logger   *slog.Logger
}

type Engine struct {
	client          *torrent.Client
	pieces          *memory.Provider
	logger          *slog.Logger
	metadataTimeout time.Duration
	trackers        []string
}

func New(cfg Config) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	clientConfig := torrent.NewDefaultClientConfig()
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		clientConfig.DataDir = cfg.DataDir
	}
	if cfg.ListenPort > 0 {
		clientConfig.ListenPort = cfg.ListenPort
	}
	clientConfig.NoDHT = cfg.NoDHT
	clientConfig.EstablishedConnsPerTorrent = defaultMaxConns
	if cfg.MaxConns > 0 {
		clientConfig.EstablishedConnsPerTorrent = cfg.MaxConns
	}
	clientConfig.Logger = newTorrentLogger(logger)

	var pieces *memory.Provider
	switch mode := strings.ToLower(strings.TrimSpace(cfg.StorageMode)); mode {
	case "", StorageMemory:
		pieces = memory.NewProvider(memory.WithMaxBytes(cfg.MemoryLimitBytes))
		clientConfig.DefaultStorage = storage.NewResourcePieces(pieces)
	case StorageDisk:
	default:
		return nil, fmt.Errorf("unknown storage mode %q", cfg.StorageMode)
	}

	client, err := torrent.NewClient(clientConfig)
	if err != nil {
		return nil, err
	}

	e := NewWithClient(client, logger)
	e.pieces = pieces
	if cfg.MetadataTimeout > 0 {
		e.metadataTimeout = cfg.MetadataTimeout
	}
	e.trackers = cleanTrackers(cfg.Trackers)
	return e, nil
}

func NewWithClient(client *torrent.Client, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		client:          client,
		logger:          logger,
		metadataTimeout: defaultMetadataTimeout,
	}
}

// Add attaches to the swarm for src, adding it to the client if no torrent
// with the same info-hash is already tracked, and waits for its metadata.
func (e *Engine) Add(ctx context.Context, src domain.TorrentSource) (ports.Swarm, error) {
	if e.client == nil {
		return nil, domain.NewSwarmError("add", errClientNotConfigured)
	}
	spec, err := buildSpec(src)
	if err != nil {
		return nil, err
	}
	if len(e.trackers) > 0 {
		spec.Trackers = append(spec.Trackers, e.trackers)
	}

	if t, ok := e.client.Torrent(spec.InfoHash); ok {
		e.logger.Debug("attaching to tracked torrent", slog.String("infoHash", spec.InfoHash.HexString()))
		return e.awaitInfo(ctx, t, false)
	}

	t, created, err := e.addSpec(ctx, spec)
	if err != nil {
		return nil, err
	}
	return e.awaitInfo(ctx, t, created)
}

// InfoHash parses src the same way Add does and reports its info-hash.
func (e *Engine) InfoHash(src domain.TorrentSource) (domain.InfoHash, error) {
	spec, err := buildSpec(src)
	if err != nil {
		return "", err
	}
	return domain.InfoHash(spec.InfoHash.HexString()), nil
}

func (e *Engine) addSpec(ctx context.Context, spec *torrent.TorrentSpec) (*torrent.Torrent, bool, error) {
	type addResult struct {
		t       *torrent.Torrent
		created bool
		err     error
	}
	ch := make(chan addResult, 1)
	go func() {
		t, created, err := e.client.AddTorrentSpec(spec)
		ch <- addResult{t, created, err}
	}()

	// The add may still complete after we give up; drop what it created.
	orphan := func() {
		go func() {
			if res := <-ch; res.err == nil && res.created && res.t != nil {
				res.t.Drop()
			}
		}()
	}

	timer := time.NewTimer(addSpecTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, false, domain.NewSwarmError("add torrent", res.err)
		}
		return res.t, res.created, nil
	case <-timer.C:
		orphan()
		return nil, false, domain.NewSwarmError("add torrent", errClientBusy)
	case <-ctx.Done():
		orphan()
		return nil, false, contextError(ctx)
	}
}

func (e *Engine) awaitInfo(ctx context.Context, t *torrent.Torrent, created bool) (ports.Swarm, error) {
	timer := time.NewTimer(e.metadataTimeout)
	defer timer.Stop()

	abandon := func() {
		if created {
			t.Drop()
		}
	}

	select {
	case <-t.GotInfo():
		return newSwarm(e, t), nil
	case <-t.Closed():
		return nil, domain.NewSwarmError("await metadata", errClosedBeforeInfo)
	case <-timer.C:
		abandon()
		return nil, fmt.Errorf("%w: no metadata after %s", domain.ErrMetadataTimeout, e.metadataTimeout)
	case <-ctx.Done():
		abandon()
		return nil, contextError(ctx)
	}
}

// PieceCacheBytes reports resident piece data in memory storage mode.
func (e *Engine) PieceCacheBytes() int64 {
	if e.pieces == nil {
		return 0
	}
	return e.pieces.UsedBytes()
}

func (e *Engine) Close() error {
	if e.client == nil {
		return nil
	}
	errList := e.client.Close()
	if len(errList) > 0 {
		return errors.Join(errList...)
	}
	return nil
}

// buildSpec parses the source up front so the info-hash is known before
// anything is added to the client.
func buildSpec(src domain.TorrentSource) (*torrent.TorrentSpec, error) {
	var (
		spec *torrent.TorrentSpec
		err  error
	)
	switch {
	case strings.TrimSpace(src.Magnet) != "":
		spec, err = torrent.TorrentSpecFromMagnetUri(strings.TrimSpace(src.Magnet))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
		}
	case len(src.Data) > 0:
		mi, loadErr := metainfo.Load(bytes.NewReader(src.Data))
		if loadErr != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, loadErr)
		}
		spec, err = torrent.TorrentSpecFromMetaInfoErr(mi)
		if err != nil {
			return nil, domain.NewSwarmError("read torrent", err)
		}
	default:
		return nil, domain.ErrInvalidInput
	}
	if spec.InfoHash == (metainfo.Hash{}) {
		return nil, fmt.Errorf("%w: missing info-hash", domain.ErrInvalidInput)
	}
	return spec, nil
}

func contextError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrMetadataTimeout, ctx.Err())
	}
	return ctx.Err()
}

func cleanTrackers(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, tr := range in {
		tr = strings.TrimSpace(tr)
		if tr == "" {
			continue
		}
		if _, ok := seen[tr]; ok {
			continue
		}
		seen[tr] = struct{}{}
		out = append(out, tr)
	}
	return out
}
