package distribution

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/zsiec/loopcast/internal/demux"
	"github.com/zsiec/loopcast/internal/media"
)

// Relay is the fan-out hub for one stream. It receives access units from
// the player and hands them to every viewer. It keeps the frames of the
// current loop iteration, starting at its key frame, so a late joiner can
// start decoding at once.
type Relay struct {
	log            *slog.Logger
	mu             sync.RWMutex
	viewers        map[string]Viewer
	videoInfo      VideoInfo
	videoInfoSet   bool
	videoInfoReady chan struct{}

	gopMu    sync.RWMutex
	gopCache []*media.VideoFrame

	delivered atomic.Int64
	lastLoop  atomic.Uint32

	done      chan struct{}
	closeOnce sync.Once
}

// NewRelay creates a Relay with no viewers. If log is nil, slog.Default()
// is used.
func NewRelay(log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		log:            log.With("component", "relay"),
		viewers:        make(map[string]Viewer),
		videoInfoReady: make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Close marks the stream as ended. Viewers watching Done disconnect.
func (r *Relay) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
		r.log.Info("relay closed", "viewers", r.ViewerCount())
	})
}

// Done is closed once the relay has been closed.
func (r *Relay) Done() <-chan struct{} { return r.done }

// SetVideoInfo stores the decoder parameters. Only the first call counts.
func (r *Relay) SetVideoInfo(info VideoInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.videoInfoSet {
		return
	}
	r.videoInfo = info
	r.videoInfoSet = true
	close(r.videoInfoReady)
	r.log.Debug("video info set",
		"codec", info.Codec,
		"width", info.Width,
		"height", info.Height)
}

// VideoInfo returns the decoder parameters, or the default codec if none
// were set.
func (r *Relay) VideoInfo() VideoInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.videoInfoSet {
		return r.videoInfo
	}
	return VideoInfo{Codec: demux.DefaultCodec}
}

// WaitVideoInfo blocks until SetVideoInfo has been called or ctx is done.
// It reports whether the info is ready.
func (r *Relay) WaitVideoInfo(ctx context.Context) bool {
	select {
	case <-r.videoInfoReady:
		return true
	case <-ctx.Done():
		return false
	}
}

// AddViewer replays the cached loop prefix to the viewer, then registers
// it for live delivery. Replay comes first so live frames cannot overtake
// it.
func (r *Relay) AddViewer(v Viewer) {
	r.gopMu.RLock()
	for _, frame := range r.gopCache {
		v.SendVideo(frame)
	}

	r.mu.Lock()
	r.viewers[v.ID()] = v
	n := len(r.viewers)
	r.mu.Unlock()
	r.gopMu.RUnlock()

	r.log.Info("viewer added", "session", v.ID(), "viewers", n)
}

// RemoveViewer unregisters a viewer by ID.
func (r *Relay) RemoveViewer(id string) {
	r.mu.Lock()
	_, ok := r.viewers[id]
	delete(r.viewers, id)
	n := len(r.viewers)
	r.mu.Unlock()

	if ok {
		r.log.Info("viewer removed", "session", id, "viewers", n)
	}
}

// Deliver implements playback.Sink.
func (r *Relay) Deliver(frame *media.VideoFrame) {
	r.BroadcastVideo(frame)
}

// BroadcastVideo sends frame to all viewers and updates the cache.
func (r *Relay) BroadcastVideo(frame *media.VideoFrame) {
	r.gopMu.Lock()
	if frame.IsKeyframe {
		clear(r.gopCache)
		r.gopCache = r.gopCache[:0]
	}
	r.gopCache = append(r.gopCache, frame)

	r.mu.RLock()
	for _, v := range r.viewers {
		v.SendVideo(frame)
	}
	r.mu.RUnlock()
	r.gopMu.Unlock()

	r.delivered.Add(1)
	r.lastLoop.Store(frame.Loop)
}

// ReplayGOPToChannel queues the cached frames on ch without blocking and
// returns how many fit. attach, if non-nil, runs before the cache lock is
// released, so a subscription registered there sees every later frame and
// none twice. attach receives the first cached frame that did not fit, or
// nil when the whole cache was queued.
func (r *Relay) ReplayGOPToChannel(ch chan<- *media.VideoFrame, attach func(skipped *media.VideoFrame)) int {
	r.gopMu.RLock()
	defer r.gopMu.RUnlock()

	var skipped *media.VideoFrame
	replayed := 0
replay:
	for _, frame := range r.gopCache {
		select {
		case ch <- frame:
			replayed++
		default:
			skipped = frame
			break replay
		}
	}
	if attach != nil {
		attach(skipped)
	}
	return replayed
}

// CachedFrames returns the number of frames held for late joiners.
func (r *Relay) CachedFrames() int {
	r.gopMu.RLock()
	defer r.gopMu.RUnlock()
	return len(r.gopCache)
}

// ViewerCount returns the number of connected viewers.
func (r *Relay) ViewerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.viewers)
}

// ViewerStatsAll returns delivery metrics for every viewer, sorted by ID.
func (r *Relay) ViewerStatsAll() []ViewerStats {
	r.mu.RLock()
	stats := make([]ViewerStats, 0, len(r.viewers))
	for _, v := range r.viewers {
		stats = append(stats, v.Stats())
	}
	r.mu.RUnlock()

	sort.Slice(stats, func(i, j int) bool { return stats[i].ID < stats[j].ID })
	return stats
}
