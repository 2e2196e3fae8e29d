// Package memory keeps torrent pieces in process memory. Nothing survives a
// restart; the least recently used pieces are evicted once the cap is hit and
// the engine re-fetches them from peers when a reader needs them again.
package memory

import (
	"bytes"
	"container/list"
	"errors"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/missinggo/v2/resource"
)

type Provider struct {
	mu    sync.Mutex
	files map[string]*fileEntry
	lru   *list.List

	maxBytes  int64
	curBytes  int64
	evictions int64
}

type fileEntry struct {
	data []byte
	mod  time.Time
	elem *list.Element
}

type ProviderOption func(*Provider)

// WithMaxBytes caps resident piece data. Zero or negative means unbounded.
func WithMaxBytes(max int64) ProviderOption {
	return func(p *Provider) {
		if max > 0 {
			p.maxBytes = max
		}
	}
}

func NewProvider(opts ...ProviderOption) *Provider {
	p := &Provider{
		files: make(map[string]*fileEntry),
		lru:   list.New(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type Stats struct {
	UsedBytes int64
	MaxBytes  int64
	Entries   int
	Evictions int64
}

func (p *Provider) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		UsedBytes: p.curBytes,
		MaxBytes:  p.maxBytes,
		Entries:   len(p.files),
		Evictions: p.evictions,
	}
}

func (p *Provider) UsedBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.curBytes
}

func (p *Provider) NewInstance(name string) (resource.Instance, error) {
	clean, err := cleanPath(name)
	if err != nil {
		return nil, err
	}
	return &instance{provider: p, path: clean}, nil
}

type instance struct {
	provider *Provider
	path     string
}

func (i *instance) Get() (io.ReadCloser, error) {
	data, ok := i.provider.get(i.path)
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (i *instance) Put(r io.Reader) error {
	if r == nil {
		return errors.New("nil reader")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	i.provider.set(i.path, data)
	return nil
}

func (i *instance) PutSized(r io.Reader, size int64) error {
	if r == nil {
		return errors.New("nil reader")
	}
	if size < 0 {
		return errors.New("invalid size")
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	i.provider.set(i.path, buf)
	return nil
}

func (i *instance) Stat() (os.FileInfo, error) {
	return i.provider.stat(i.path)
}

func (i *instance) ReadAt(b []byte, off int64) (int, error) {
	return i.provider.readAt(i.path, b, off)
}

func (i *instance) WriteAt(b []byte, off int64) (int, error) {
	return i.provider.writeAt(i.path, b, off)
}

func (i *instance) Delete() error {
	i.provider.delete(i.path)
	return nil
}

func (i *instance) Readdirnames() ([]string, error) {
	return i.provider.readdir(i.path)
}

func (p *Provider) get(name string) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	item, ok := p.files[name]
	if !ok {
		return nil, false
	}
	p.touchLocked(name, item)
	return bytes.Clone(item.data), true
}

func (p *Provider) set(name string, data []byte) {
	copied := bytes.Clone(data)
	if copied == nil {
		copied = []byte{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if item, ok := p.files[name]; ok {
		p.curBytes -= int64(len(item.data))
		item.data = copied
		item.mod = time.Now().UTC()
		p.curBytes += int64(len(copied))
		p.touchLocked(name, item)
		p.evictLocked(name)
		return
	}
	item := &fileEntry{data: copied, mod: time.Now().UTC()}
	item.elem = p.lru.PushFront(name)
	p.files[name] = item
	p.curBytes += int64(len(copied))
	p.evictLocked(name)
}

func (p *Provider) readAt(name string, b []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	item, ok := p.files[name]
	if !ok {
		return 0, os.ErrNotExist
	}
	if off >= int64(len(item.data)) {
		return 0, io.EOF
	}
	n := copy(b, item.data[off:])
	p.touchLocked(name, item)
	if n < len(b) {
		return n, io.EOF
	}
	return n, nil
}

func (p *Provider) writeAt(name string, b []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	maxInt := int64(^uint(0) >> 1)
	if off > maxInt-int64(len(b)) {
		return 0, errors.New("offset too large")
	}
	end := int(off) + len(b)

	p.mu.Lock()
	defer p.mu.Unlock()
	item := p.files[name]
	if item == nil {
		item = &fileEntry{}
		p.files[name] = item
	}
	p.touchLocked(name, item)
	p.curBytes -= int64(len(item.data))
	if end > len(item.data) {
		next := make([]byte, end)
		copy(next, item.data)
		item.data = next
	}
	copy(item.data[off:], b)
	item.mod = time.Now().UTC()
	p.curBytes += int64(len(item.data))
	p.evictLocked(name)
	return len(b), nil
}

func (p *Provider) delete(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(name)
}

func (p *Provider) removeLocked(name string) {
	item, ok := p.files[name]
	if !ok {
		return
	}
	p.curBytes -= int64(len(item.data))
	if item.elem != nil {
		p.lru.Remove(item.elem)
	}
	delete(p.files, name)
}

func (p *Provider) stat(name string) (os.FileInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if item, ok := p.files[name]; ok {
		return memFileInfo{
			name: path.Base(name),
			size: int64(len(item.data)),
			mod:  item.mod,
		}, nil
	}
	if p.hasChildrenLocked(name) {
		return memFileInfo{
			name: path.Base(name),
			dir:  true,
			mod:  time.Now().UTC(),
		}, nil
	}
	return nil, os.ErrNotExist
}

func (p *Provider) readdir(name string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.files[name]; ok {
		return nil, errors.New("not a directory")
	}

	prefix := name
	if prefix != "" {
		prefix += "/"
	}
	seen := map[string]struct{}{}
	for key := range p.files {
		rest, ok := strings.CutPrefix(key, prefix)
		if !ok || rest == "" {
			continue
		}
		part, _, _ := strings.Cut(rest, "/")
		seen[part] = struct{}{}
	}
	if len(seen) == 0 {
		return nil, os.ErrNotExist
	}

	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (p *Provider) hasChildrenLocked(name string) bool {
	prefix := name
	if prefix != "" {
		prefix += "/"
	}
	for key := range p.files {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

func (p *Provider) touchLocked(name string, item *fileEntry) {
	if item.elem == nil {
		item.elem = p.lru.PushFront(name)
		return
	}
	p.lru.MoveToFront(item.elem)
}

// evictLocked drops least recently used entries until the cap holds. The entry
// just written is never evicted, even when it alone exceeds the cap.
func (p *Provider) evictLocked(keep string) {
	if p.maxBytes <= 0 {
		return
	}
	for p.curBytes > p.maxBytes {
		back := p.lru.Back()
		if back == nil {
			return
		}
		key, _ := back.Value.(string)
		if key == keep {
			if p.lru.Len() == 1 {
				return
			}
			p.lru.MoveToFront(back)
			continue
		}
		p.removeLocked(key)
		p.evictions++
	}
}

type memFileInfo struct {
	name string
	size int64
	mod  time.Time
	dir  bool
}

func (m memFileInfo) Name() string { return m.name }
func (m memFileInfo) Size() int64  { return m.size }
func (m memFileInfo) Mode() os.FileMode {
	if m.dir {
		return os.ModeDir | 0o755
	}
	return 0o644
}
func (m memFileInfo) ModTime() time.Time { return m.mod }
func (m memFileInfo) IsDir() bool        { return m.dir }
func (m memFileInfo) Sys() interface{}   { return nil }

func cleanPath(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", errors.New("empty path")
	}
	trimmed = strings.ReplaceAll(trimmed, "\\", "/")
	if strings.HasPrefix(trimmed, "/") {
		return "", errors.New("absolute path not allowed")
	}
	if strings.Contains(trimmed, "\x00") {
		return "", errors.New("invalid path")
	}
	cleaned := path.Clean(trimmed)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errors.New("invalid path")
	}
	return cleaned, nil
}
