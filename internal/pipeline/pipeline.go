// Package pipeline plays one loaded source into its relay: it publishes the
// decoder parameters once, then drives a playback loop whose sink is the
// relay, and reports the stream's statistics.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/zsiec/loopcast/internal/distribution"
	"github.com/zsiec/loopcast/internal/ingest"
	"github.com/zsiec/loopcast/internal/media"
	"github.com/zsiec/loopcast/internal/playback"
)

// Broadcaster is the subset of distribution.Relay the pipeline uses.
type Broadcaster interface {
	BroadcastVideo(frame *media.VideoFrame)
	SetVideoInfo(info distribution.VideoInfo)
	ViewerCount() int
	ViewerStatsAll() []distribution.ViewerStats
	CachedFrames() int
}

// Options configures playback for one stream.
type Options struct {
	Interval time.Duration
	WarmUp   time.Duration
	MaxLoops int
	Log      *slog.Logger
}

// Pipeline bridges a Source and a Broadcaster.
type Pipeline struct {
	log       *slog.Logger
	source    *ingest.Source
	relay     Broadcaster
	player    *playback.Player
	startTime time.Time
}

// New creates a Pipeline for source. It does not start playback.
func New(source *ingest.Source, relay Broadcaster, opts Options) *Pipeline {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("stream_key", source.Key)

	p := &Pipeline{
		log:       log.With("component", "pipeline"),
		source:    source,
		relay:     relay,
		startTime: time.Now(),
	}
	p.player = playback.NewPlayer(source.Frames(), playback.SinkFunc(relay.BroadcastVideo), playback.Options{
		Interval: opts.Interval,
		WarmUp:   opts.WarmUp,
		Codec:    source.Video.Codec,
		MaxLoops: opts.MaxLoops,
		Log:      log,
	})
	return p
}

// Key returns the stream key.
func (p *Pipeline) Key() string { return p.source.Key }

// VideoInfo returns the decoder parameters advertised for the stream.
func (p *Pipeline) VideoInfo() distribution.VideoInfo {
	return distribution.VideoInfo{
		Codec:     p.source.Video.Codec,
		Width:     p.source.Video.Width,
		Height:    p.source.Video.Height,
		Framerate: float64(time.Second) / float64(p.player.Interval()),
	}
}

// Description is a one-line human summary of the source.
func (p *Pipeline) Description() string {
	return fmt.Sprintf("%d access units, %s, every %s",
		p.player.FrameCount(), humanize.Bytes(uint64(p.source.Size())), p.player.Interval())
}

// Info returns the stream list entry for the API.
func (p *Pipeline) Info() distribution.StreamInfo {
	vi := p.VideoInfo()
	return distribution.StreamInfo{
		Key:         p.source.Key,
		Viewers:     p.relay.ViewerCount(),
		Description: p.Description(),
		VideoCodec:  vi.Codec,
		Width:       vi.Width,
		Height:      vi.Height,
		AccessUnits: p.player.FrameCount(),
		UptimeMs:    time.Since(p.startTime).Milliseconds(),
	}
}

// StreamSnapshot implements distribution.StatsProvider.
func (p *Pipeline) StreamSnapshot() distribution.StreamSnapshot {
	vi := p.VideoInfo()
	return distribution.StreamSnapshot{
		Timestamp: time.Now().UnixMilli(),
		UptimeMs:  time.Since(p.startTime).Milliseconds(),
		Codec:     vi.Codec,
		Width:     vi.Width,
		Height:    vi.Height,
		Source: distribution.SourceInfo{
			Path:  p.source.Path,
			Bytes: p.source.Size(),
			Size:  humanize.Bytes(uint64(p.source.Size())),
		},
		Playback: distribution.PlaybackStats{
			FramesPerLoop: p.player.FrameCount(),
			IntervalMs:    float64(p.player.Interval()) / float64(time.Millisecond),
			Delivered:     p.player.Delivered(),
			Loops:         p.player.Loops(),
			CachedFrames:  p.relay.CachedFrames(),
		},
		ViewerCount: p.relay.ViewerCount(),
		Viewers:     p.relay.ViewerStatsAll(),
	}
}

// Run publishes the video info and plays the source until ctx is cancelled
// or the configured loops are done.
func (p *Pipeline) Run(ctx context.Context) error {
	p.relay.SetVideoInfo(p.VideoInfo())
	p.log.Info("pipeline started",
		"codec", p.source.Video.Codec,
		"width", p.source.Video.Width,
		"height", p.source.Video.Height,
		"size", humanize.Bytes(uint64(p.source.Size())))

	if err := p.player.Run(ctx); err != nil {
		return fmt.Errorf("pipeline %s: %w", p.source.Key, err)
	}
	p.log.Info("pipeline stopped",
		"delivered", p.player.Delivered(),
		"loops", p.player.Loops())
	return nil
}
