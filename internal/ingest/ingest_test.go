package ingest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/loopcast/internal/demux"
)

var sampleStream = []byte{
	0, 0, 0, 1, 25, // leading non-terminal unit
	0, 0, 0, 1, 38, // IDR_W_RADL
	0, 0, 0, 1, 2, // TRAIL_R
}

func TestFromBytes(t *testing.T) {
	t.Parallel()

	src, err := FromBytes("clip", sampleStream)
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	if src.Key != "clip" {
		t.Errorf("Key = %q, want %q", src.Key, "clip")
	}
	frames := src.Frames()
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if len(frames[0]) != 10 || len(frames[1]) != 5 {
		t.Errorf("frame sizes = %d, %d, want 10, 5", len(frames[0]), len(frames[1]))
	}
	if &frames[1][0] != &src.Data[10] {
		t.Error("frame is not a view into Data")
	}
	if src.Size() != len(sampleStream) {
		t.Errorf("Size() = %d, want %d", src.Size(), len(sampleStream))
	}
	if src.Video.Codec != demux.DefaultCodec {
		t.Errorf("Codec = %q, want default %q", src.Video.Codec, demux.DefaultCodec)
	}
}

func TestFromBytesKeyStart(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
		want bool
	}{
		{"idr", []byte{0, 0, 0, 1, 0x26, 0x01, 0xAA, 0, 0, 0, 1, 0x02, 0x01, 0xBB}, true},
		{"parameter sets then cra", []byte{0, 0, 0, 1, 0x40, 0x01, 0x0C, 0, 0, 0, 1, 0x2A, 0x01, 0xAA}, true},
		{"trailing picture", []byte{0, 0, 0, 1, 0x02, 0x01, 0xBB, 0, 0, 0, 1, 0x26, 0x01, 0xAA}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			src, err := FromBytes("k", tt.data)
			if err != nil {
				t.Fatalf("FromBytes: %v", err)
			}
			if src.KeyStart != tt.want || src.Stats().KeyStart != tt.want {
				t.Errorf("KeyStart = %v, want %v", src.KeyStart, tt.want)
			}
		})
	}
}

func TestFromBytesErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrNoAccessUnits},
		{"no marker", []byte{1, 2, 3, 4, 5}, ErrNoAccessUnits},
		{"truncated marker", []byte{0, 0, 0, 1, 2, 0, 0, 0, 1}, demux.ErrTruncatedMarker},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			src, err := FromBytes("k", tt.data)
			if !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
			if src != nil {
				t.Error("expected nil source on error")
			}
		})
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "clip.265")
	if err := os.WriteFile(path, sampleStream, 0o644); err != nil {
		t.Fatal(err)
	}

	src, err := Load("clip", path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if src.Path != path {
		t.Errorf("Path = %q, want %q", src.Path, path)
	}
	stats := src.Stats()
	if stats.AccessUnits != 2 || stats.Bytes != len(sampleStream) {
		t.Errorf("stats = %+v", stats)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load("x", filepath.Join(t.TempDir(), "missing.265"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("error = %v, want wrapped os.ErrNotExist", err)
	}
}

func TestKeyFromPath(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"/media/video.265":   "video",
		"clip.hevc":          "clip",
		"dir/no-extension":   "no-extension",
		"/a/b/two.dots.h265": "two.dots",
	}
	for in, want := range tests {
		if got := KeyFromPath(in); got != want {
			t.Errorf("KeyFromPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func mustSource(t *testing.T, key string) *Source {
	t.Helper()
	src, err := FromBytes(key, append([]byte(nil), sampleStream...))
	if err != nil {
		t.Fatal(err)
	}
	return src
}

func TestRegistryAddAndGet(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	src := mustSource(t, "a")
	if !r.Add(src) {
		t.Fatal("Add returned false for new key")
	}
	if r.Add(mustSource(t, "a")) {
		t.Fatal("Add accepted a duplicate key")
	}

	got, ok := r.Get("a")
	if !ok || got != src {
		t.Fatal("Get did not return the registered source")
	}
	if _, ok := r.Get("missing"); ok {
		t.Fatal("Get returned true for missing key")
	}
}

func TestRegistryRemoveAndList(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	for _, k := range []string{"c", "a", "b"} {
		r.Add(mustSource(t, k))
	}
	r.Remove("b")
	r.Remove("nonexistent")

	list := r.List()
	if len(list) != 2 || list[0].Key != "a" || list[1].Key != "c" {
		keys := make([]string, len(list))
		for i, s := range list {
			keys[i] = s.Key
		}
		t.Fatalf("List() keys = %v, want [a c]", keys)
	}
}

func TestRegistryOnSourceCallback(t *testing.T) {
	t.Parallel()

	got := make(chan string, 1)
	r := NewRegistry(func(src *Source) { got <- src.Key })
	r.Add(mustSource(t, "cb"))

	select {
	case key := <-got:
		if key != "cb" {
			t.Fatalf("callback got key %q, want %q", key, "cb")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onSource callback not called within timeout")
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("stream-%d", n%10)
			src, err := FromBytes(key, append([]byte(nil), sampleStream...))
			if err != nil {
				t.Error(err)
				return
			}
			r.Add(src)
			r.Get(key)
			r.List()
			r.Remove(key)
		}(i)
	}
	wg.Wait()
}
