package distribution

import (
	"sync/atomic"

	"github.com/zsiec/loopcast/internal/media"
)

// trySendVideo queues frame on videoCh without blocking. After a delta is
// dropped, the remaining deltas of that loop iteration are dropped too
// until the next key frame, since they cannot be decoded. damagedLoop
// holds loop+1 of the damaged iteration, or 0.
func trySendVideo(
	frame *media.VideoFrame,
	videoCh chan *media.VideoFrame,
	damagedLoop *atomic.Uint32,
	videoSent *atomic.Int64,
	videoDropped *atomic.Int64,
) {
	tag := frame.Loop + 1
	if frame.IsKeyframe {
		damagedLoop.Store(0)
	} else if damagedLoop.Load() == tag {
		videoDropped.Add(1)
		return
	}

	select {
	case videoCh <- frame:
		videoSent.Add(1)
	default:
		videoDropped.Add(1)
		damagedLoop.Store(tag)
	}
}

// FrameQueue is a bounded per-viewer frame queue with the same drop policy
// as the MoQ session. Viewers on other transports use it to decouple the
// relay from their write loop.
type FrameQueue struct {
	ch          chan *media.VideoFrame
	damagedLoop atomic.Uint32
	sent        atomic.Int64
	dropped     atomic.Int64
}

// NewFrameQueue creates a queue holding up to size frames.
func NewFrameQueue(size int) *FrameQueue {
	return &FrameQueue{ch: make(chan *media.VideoFrame, size)}
}

// Offer queues frame without blocking.
func (q *FrameQueue) Offer(frame *media.VideoFrame) {
	trySendVideo(frame, q.ch, &q.damagedLoop, &q.sent, &q.dropped)
}

// C returns the receive side of the queue.
func (q *FrameQueue) C() <-chan *media.VideoFrame { return q.ch }

// Sent returns the number of frames queued.
func (q *FrameQueue) Sent() int64 { return q.sent.Load() }

// Dropped returns the number of frames dropped.
func (q *FrameQueue) Dropped() int64 { return q.dropped.Load() }
