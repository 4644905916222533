package pipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/zsiec/loopcast/internal/distribution"
	"github.com/zsiec/loopcast/internal/ingest"
)

var testVideo = []byte{
	0, 0, 0, 1, 25, 0, 0, 0, 1, 38, 0xAA,
	0, 0, 0, 1, 2, 0xBB,
	0, 0, 0, 1, 2, 0xCC,
}

func newTestSource(t *testing.T) *ingest.Source {
	t.Helper()
	src, err := ingest.FromBytes("demo", append([]byte(nil), testVideo...))
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	return src
}

func TestNew(t *testing.T) {
	t.Parallel()

	relay := distribution.NewRelay(nil)
	p := New(newTestSource(t), relay, Options{Interval: 40 * time.Millisecond})
	if p.Key() != "demo" {
		t.Errorf("Key() = %q", p.Key())
	}

	vi := p.VideoInfo()
	if vi.Framerate != 25 {
		t.Errorf("Framerate = %v, want 25", vi.Framerate)
	}
	if vi.Codec == "" {
		t.Error("empty codec")
	}
	if d := p.Description(); !strings.Contains(d, "3 access units") {
		t.Errorf("Description() = %q", d)
	}
}

func TestStreamSnapshotBeforeRun(t *testing.T) {
	t.Parallel()

	relay := distribution.NewRelay(nil)
	p := New(newTestSource(t), relay, Options{})

	snap := p.StreamSnapshot()
	if snap.ViewerCount != 0 {
		t.Errorf("ViewerCount: got %d, want 0", snap.ViewerCount)
	}
	if snap.Playback.FramesPerLoop != 3 {
		t.Errorf("FramesPerLoop = %d, want 3", snap.Playback.FramesPerLoop)
	}
	if snap.Playback.IntervalMs != 50 {
		t.Errorf("IntervalMs = %v, want 50", snap.Playback.IntervalMs)
	}
	if snap.Source.Bytes != len(testVideo) || snap.Source.Size == "" {
		t.Errorf("Source = %+v", snap.Source)
	}

	info := p.Info()
	if info.Key != "demo" || info.AccessUnits != 3 {
		t.Errorf("Info() = %+v", info)
	}
}

func TestRunMaxLoops(t *testing.T) {
	t.Parallel()

	relay := distribution.NewRelay(nil)
	p := New(newTestSource(t), relay, Options{Interval: time.Millisecond, MaxLoops: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !relay.WaitVideoInfo(ctx) {
		t.Fatal("video info not published")
	}
	snap := p.StreamSnapshot()
	if snap.Playback.Delivered != 6 || snap.Playback.Loops != 2 {
		t.Errorf("Playback = %+v, want 6 delivered over 2 loops", snap.Playback)
	}
	if snap.Playback.CachedFrames != 3 {
		t.Errorf("CachedFrames = %d, want 3", snap.Playback.CachedFrames)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	relay := distribution.NewRelay(nil)
	p := New(newTestSource(t), relay, Options{Interval: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
