// Package playback drives a list of access units into a frame sink on a
// fixed interval, looping forever (or a bounded number of times).
package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/loopcast/internal/media"
)

// DefaultInterval is the delay between two delivered access units.
const DefaultInterval = 50 * time.Millisecond

// ErrNoFrames is returned by Run when there is nothing to play.
var ErrNoFrames = errors.New("playback: no frames")

// Sink receives access units in delivery order. The first access unit of
// every loop iteration is flagged as a keyframe; every other one is a delta.
type Sink interface {
	Deliver(frame *media.VideoFrame)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(frame *media.VideoFrame)

// Deliver calls f(frame).
func (f SinkFunc) Deliver(frame *media.VideoFrame) { f(frame) }

// Options configures a Player. Zero values select the defaults.
type Options struct {
	Interval time.Duration // DefaultInterval if zero
	WarmUp   time.Duration // delay before the first frame, lets decoders configure
	Codec    string        // copied into every frame
	MaxLoops int           // 0 loops forever
	Log      *slog.Logger
}

// Player owns the delivery counter for one frame list. Step and Run must
// not be called concurrently; the counters may be read from any goroutine.
type Player struct {
	log    *slog.Logger
	frames [][]byte
	sink   Sink
	opts   Options

	counter   uint64
	delivered atomic.Int64
	loops     atomic.Int64
}

// NewPlayer creates a Player that delivers frames to sink.
func NewPlayer(frames [][]byte, sink Sink, opts Options) *Player {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Player{
		log:    log.With("component", "player"),
		frames: frames,
		sink:   sink,
		opts:   opts,
	}
}

// Interval returns the configured frame interval.
func (p *Player) Interval() time.Duration { return p.opts.Interval }

// Step delivers the next access unit, frames[counter % len(frames)], and
// advances the counter. It returns false when there are no frames.
func (p *Player) Step() bool {
	n := uint64(len(p.frames))
	if n == 0 {
		return false
	}

	idx := p.counter % n
	frame := &media.VideoFrame{
		Data:       p.frames[idx],
		Index:      int(idx),
		Loop:       uint32(p.counter / n),
		IsKeyframe: idx == 0,
		PTS:        int64(p.counter) * p.opts.Interval.Microseconds(),
		Codec:      p.opts.Codec,
	}
	p.sink.Deliver(frame)

	p.counter++
	p.delivered.Add(1)
	if p.counter%n == 0 {
		p.loops.Add(1)
	}
	return true
}

// Run waits for the warm-up delay, then delivers one access unit per
// interval until ctx is cancelled or MaxLoops iterations have completed.
// Cancellation is not an error.
func (p *Player) Run(ctx context.Context) error {
	if len(p.frames) == 0 {
		return ErrNoFrames
	}

	if p.opts.WarmUp > 0 {
		timer := time.NewTimer(p.opts.WarmUp)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}

	p.log.Info("playback started",
		"frames", len(p.frames),
		"interval", p.opts.Interval,
		"max_loops", p.opts.MaxLoops)

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		p.Step()
		if p.opts.MaxLoops > 0 && p.loops.Load() >= int64(p.opts.MaxLoops) {
			p.log.Info("playback finished", "loops", p.loops.Load())
			return nil
		}

		select {
		case <-ctx.Done():
			p.log.Debug("playback stopped", "delivered", p.delivered.Load())
			return nil
		case <-ticker.C:
		}
	}
}

// Delivered returns the number of access units handed to the sink.
func (p *Player) Delivered() int64 { return p.delivered.Load() }

// Loops returns the number of completed loop iterations.
func (p *Player) Loops() int64 { return p.loops.Load() }

// FrameCount returns the number of access units per loop.
func (p *Player) FrameCount() int { return len(p.frames) }
