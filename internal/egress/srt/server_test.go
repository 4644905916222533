package srt

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/loopcast/internal/distribution"
	"github.com/zsiec/loopcast/internal/media"
)

func TestExtractStreamKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		streamID string
		want     string
	}{
		{"live/demo", "demo"},
		{"/live/demo", "demo"},
		{"demo", "demo"},
		{"/demo", "demo"},
		{"live/", "default"},
		{"", "default"},
		{"live/a/b", "a/b"},
	}
	for _, tt := range tests {
		t.Run(tt.streamID, func(t *testing.T) {
			t.Parallel()
			if got := extractStreamKey(tt.streamID); got != tt.want {
				t.Errorf("extractStreamKey(%q) = %q, want %q", tt.streamID, got, tt.want)
			}
		})
	}
}

func lookupOf(keys ...string) RelayLookup {
	relays := map[string]Hub{}
	for _, k := range keys {
		relays[k] = distribution.NewRelay(nil)
	}
	return func(key string) (Hub, bool) {
		h, ok := relays[key]
		return h, ok
	}
}

func TestServerAdmit(t *testing.T) {
	t.Parallel()

	s := NewServer("127.0.0.1:0", lookupOf("demo"), nil)
	tests := []struct {
		streamID string
		want     bool
	}{
		{"live/demo", true},
		{"demo", true},
		{"", false},
		{"live/other", false},
	}
	for _, tt := range tests {
		if got := s.admit(tt.streamID); got != tt.want {
			t.Errorf("admit(%q) = %v, want %v", tt.streamID, got, tt.want)
		}
	}
}

type recordingWriter struct {
	mu     sync.Mutex
	writes [][]byte
	fail   error
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return 0, w.fail
	}
	w.writes = append(w.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (w *recordingWriter) snapshot() [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([][]byte(nil), w.writes...)
}

func TestWriteChunked(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		size   int
		chunks []int
	}{
		{"empty", 0, nil},
		{"small", 100, []int{100}},
		{"exact", payloadSize, []int{payloadSize}},
		{"split", 3000, []int{payloadSize, payloadSize, 3000 - 2*payloadSize}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			data := make([]byte, tt.size)
			for i := range data {
				data[i] = byte(i)
			}
			w := &recordingWriter{}
			if err := writeChunked(w, data); err != nil {
				t.Fatalf("writeChunked: %v", err)
			}
			if len(w.writes) != len(tt.chunks) {
				t.Fatalf("got %d writes, want %d", len(w.writes), len(tt.chunks))
			}
			for i, n := range tt.chunks {
				if len(w.writes[i]) != n {
					t.Errorf("write %d: %d bytes, want %d", i, len(w.writes[i]), n)
				}
			}
			if got := bytes.Join(w.writes, nil); !bytes.Equal(got, data) {
				t.Error("reassembled data differs")
			}
		})
	}
}

func TestViewerStartsAtKeyframe(t *testing.T) {
	t.Parallel()

	w := &recordingWriter{}
	v := newViewer("10.0.0.1:9000", w)

	v.SendVideo(&media.VideoFrame{Loop: 0, Index: 2, Data: []byte{0xEE}})
	v.SendVideo(&media.VideoFrame{Loop: 1, Index: 0, IsKeyframe: true, Data: []byte{0x01}, PTS: 3000})
	v.SendVideo(&media.VideoFrame{Loop: 1, Index: 1, Data: []byte{0x02}, PTS: 4000})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- v.run(ctx, nil) }()

	deadline := time.After(5 * time.Second)
	for len(w.snapshot()) < 2 {
		select {
		case <-deadline:
			t.Fatal("frames not written")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := bytes.Join(w.snapshot(), nil); !bytes.Equal(got, []byte{0x01, 0x02}) {
		t.Errorf("written % X, want 01 02", got)
	}
	stats := v.Stats()
	if stats.Transport != "srt" || stats.RemoteAddr != "10.0.0.1:9000" {
		t.Errorf("stats = %+v", stats)
	}
	if stats.BytesSent != 2 || stats.GroupsOpened != 1 || stats.LastVideoTsMS != 4 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestViewerWriteError(t *testing.T) {
	t.Parallel()

	errClosed := errors.New("closed")
	v := newViewer("", &recordingWriter{fail: errClosed})
	v.SendVideo(&media.VideoFrame{IsKeyframe: true, Data: []byte{1}})

	if err := v.run(context.Background(), nil); !errors.Is(err, errClosed) {
		t.Fatalf("run = %v, want %v", err, errClosed)
	}
}

func TestViewerOnRelay(t *testing.T) {
	t.Parallel()

	relay := distribution.NewRelay(nil)
	w := &recordingWriter{}
	v := newViewer("", w)
	relay.AddViewer(v)
	defer relay.RemoveViewer(v.ID())

	relay.BroadcastVideo(&media.VideoFrame{IsKeyframe: true, Data: []byte{0xAA}})
	if relay.ViewerCount() != 1 {
		t.Fatalf("ViewerCount = %d", relay.ViewerCount())
	}
	stats := relay.ViewerStatsAll()
	if len(stats) != 1 || stats[0].VideoSent != 1 {
		t.Errorf("ViewerStatsAll = %+v", stats)
	}
}

func TestViewerStopsWhenStreamEnds(t *testing.T) {
	t.Parallel()

	relay := distribution.NewRelay(nil)
	w := &recordingWriter{}
	v := newViewer("10.0.0.1:9000", w)
	relay.AddViewer(v)

	done := make(chan error, 1)
	go func() {
		defer relay.RemoveViewer(v.ID())
		done <- v.run(context.Background(), relay.Done())
	}()

	relay.BroadcastVideo(&media.VideoFrame{IsKeyframe: true, Data: []byte{0x01}})
	relay.Close()

	select {
	case err := <-done:
		if !errors.Is(err, errStreamEnded) {
			t.Fatalf("run = %v, want %v", err, errStreamEnded)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("viewer still running after its relay closed")
	}

	deadline := time.Now().Add(5 * time.Second)
	for relay.ViewerCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("viewer still attached after its relay closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
