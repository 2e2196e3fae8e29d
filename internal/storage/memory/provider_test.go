package memory

import (
	"bytes"
	"errors"
	"io"
	"os"
	"testing"
)

func mustInstance(t *testing.T, p *Provider, name string) *instance {
	t.Helper()
	inst, err := p.NewInstance(name)
	if err != nil {
		t.Fatalf("NewInstance(%q): %v", name, err)
	}
	return inst.(*instance)
}

func TestPutGetRoundtrip(t *testing.T) {
	p := NewProvider()
	inst := mustInstance(t, p, "abc/piece-0")
	if err := inst.Put(bytes.NewReader([]byte("hello"))); err != nil {
		t.Fatalf("Put: %v", err)
	}
	rc, err := inst.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "hello" {
		t.Fatalf("data = %q", data)
	}
	if got := p.UsedBytes(); got != 5 {
		t.Fatalf("UsedBytes = %d, want 5", got)
	}
}

func TestWriteAtExtendsAndReadAt(t *testing.T) {
	p := NewProvider()
	inst := mustInstance(t, p, "abc/piece-1")
	if _, err := inst.WriteAt([]byte("world"), 5); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if _, err := inst.WriteAt([]byte("hello"), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	buf := make([]byte, 10)
	n, err := inst.ReadAt(buf, 0)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != 10 || string(buf) != "helloworld" {
		t.Fatalf("ReadAt = %d %q", n, buf)
	}

	n, err = inst.ReadAt(make([]byte, 4), 8)
	if n != 2 || !errors.Is(err, io.EOF) {
		t.Fatalf("short ReadAt = %d, %v; want 2, EOF", n, err)
	}
}

func TestMissingInstance(t *testing.T) {
	p := NewProvider()
	inst := mustInstance(t, p, "nope")
	if _, err := inst.Get(); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Get err = %v, want ErrNotExist", err)
	}
	if _, err := inst.Stat(); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Stat err = %v, want ErrNotExist", err)
	}
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	p := NewProvider(WithMaxBytes(10))
	a := mustInstance(t, p, "t/a")
	b := mustInstance(t, p, "t/b")
	c := mustInstance(t, p, "t/c")

	_ = a.Put(bytes.NewReader(make([]byte, 4)))
	_ = b.Put(bytes.NewReader(make([]byte, 4)))
	// Touch a so b becomes the eviction candidate.
	if _, err := a.Get(); err != nil {
		t.Fatalf("Get a: %v", err)
	}
	_ = c.Put(bytes.NewReader(make([]byte, 4)))

	if _, err := b.Stat(); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("b should be evicted, Stat err = %v", err)
	}
	if _, err := a.Stat(); err != nil {
		t.Fatalf("a should survive: %v", err)
	}
	stats := p.Stats()
	if stats.UsedBytes != 8 || stats.Entries != 2 || stats.Evictions != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestOversizedEntryIsKept(t *testing.T) {
	p := NewProvider(WithMaxBytes(4))
	inst := mustInstance(t, p, "t/big")
	if err := inst.Put(bytes.NewReader(make([]byte, 16))); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := inst.Stat(); err != nil {
		t.Fatalf("oversized entry evicted: %v", err)
	}
}

func TestDeleteReleasesBytes(t *testing.T) {
	p := NewProvider()
	inst := mustInstance(t, p, "t/x")
	_ = inst.Put(bytes.NewReader([]byte("abc")))
	if err := inst.Delete(); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got := p.UsedBytes(); got != 0 {
		t.Fatalf("UsedBytes = %d after delete", got)
	}
}

func TestReaddirnames(t *testing.T) {
	p := NewProvider()
	for _, name := range []string{"hash/completed/0", "hash/completed/1", "hash/incomplete/2"} {
		_ = mustInstance(t, p, name).Put(bytes.NewReader([]byte("x")))
	}
	dir := mustInstance(t, p, "hash")
	names, err := dir.Readdirnames()
	if err != nil {
		t.Fatalf("Readdirnames: %v", err)
	}
	if len(names) != 2 || names[0] != "completed" || names[1] != "incomplete" {
		t.Fatalf("names = %v", names)
	}
	fi, err := dir.Stat()
	if err != nil || !fi.IsDir() {
		t.Fatalf("Stat dir = %v, %v", fi, err)
	}
}

func TestCleanPathRejectsEscapes(t *testing.T) {
	for _, name := range []string{"", "/abs", "../up", "a/../../b", "bad\x00name"} {
		if _, err := cleanPath(name); err == nil {
			t.Errorf("cleanPath(%q) accepted", name)
		}
	}
	if got, err := cleanPath(`a\b//c`); err != nil || got != "a/b/c" {
		t.Fatalf("cleanPath = %q, %v", got, err)
	}
}
