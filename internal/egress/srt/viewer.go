package srt

import (
	"context"
	"errors"
	"io"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/zsiec/loopcast/internal/distribution"
	"github.com/zsiec/loopcast/internal/media"
)

// payloadSize is the standard SRT live payload size.
const payloadSize = 1316

// Hub is the subset of distribution.Relay a viewer attaches to.
type Hub interface {
	AddViewer(v distribution.Viewer)
	RemoveViewer(id string)
	Done() <-chan struct{}
}

// errStreamEnded is returned by run when the hub's stream has ended.
var errStreamEnded = errors.New("stream ended")

// RelayLookup resolves a stream key to its hub.
type RelayLookup func(streamKey string) (Hub, bool)

// viewer is a relay viewer that writes access units to an SRT connection.
type viewer struct {
	id     string
	remote string
	w      io.Writer
	queue  *distribution.FrameQueue

	bytesSent atomic.Int64
	loops     atomic.Int64
	lastPTS   atomic.Int64
}

func newViewer(remote string, w io.Writer) *viewer {
	return &viewer{
		id:     "srt-" + uuid.New().String(),
		remote: remote,
		w:      w,
		queue:  distribution.NewFrameQueue(media.VideoBufferSize),
	}
}

func (v *viewer) ID() string { return v.id }

func (v *viewer) SendVideo(frame *media.VideoFrame) { v.queue.Offer(frame) }

func (v *viewer) Stats() distribution.ViewerStats {
	return distribution.ViewerStats{
		ID:            v.id,
		Transport:     "srt",
		RemoteAddr:    v.remote,
		VideoSent:     v.queue.Sent(),
		VideoDropped:  v.queue.Dropped(),
		BytesSent:     v.bytesSent.Load(),
		GroupsOpened:  v.loops.Load(),
		LastVideoTsMS: v.lastPTS.Load() / 1000,
	}
}

// run writes queued frames until ctx is done, ended is closed or a write
// fails. Output starts at the first key frame so receivers never see a
// partial loop.
func (v *viewer) run(ctx context.Context, ended <-chan struct{}) error {
	started := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ended:
			return errStreamEnded
		case frame := <-v.queue.C():
			if frame.IsKeyframe {
				started = true
				v.loops.Add(1)
			}
			if !started {
				continue
			}
			if err := writeChunked(v.w, frame.Data); err != nil {
				return err
			}
			v.bytesSent.Add(int64(len(frame.Data)))
			v.lastPTS.Store(frame.PTS)
		}
	}
}

// writeChunked writes data in payloadSize pieces.
func writeChunked(w io.Writer, data []byte) error {
	for len(data) > 0 {
		n := min(len(data), payloadSize)
		if _, err := w.Write(data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}
