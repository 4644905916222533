package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	srtgo "github.com/zsiec/srtgo"
)

// dialTimeout bounds the SRT handshake with a remote listener.
const dialTimeout = 10 * time.Second

// PushRequest describes a remote SRT listener to push a stream to.
type PushRequest struct {
	Address   string `json:"address"`
	StreamKey string `json:"streamKey"`
	StreamID  string `json:"streamId,omitempty"`
}

type activePush struct {
	req    PushRequest
	cancel context.CancelFunc
}

// Caller manages outgoing SRT pushes, one per stream key.
type Caller struct {
	log    *slog.Logger
	lookup RelayLookup

	mu     sync.Mutex
	pushes map[string]*activePush
	wg     sync.WaitGroup
}

// NewCaller creates a Caller that resolves stream keys with lookup. If log
// is nil, slog.Default() is used.
func NewCaller(lookup RelayLookup, log *slog.Logger) *Caller {
	if log == nil {
		log = slog.Default()
	}
	return &Caller{
		log:    log.With("component", "srt-caller"),
		lookup: lookup,
		pushes: make(map[string]*activePush),
	}
}

// Push dials the remote SRT listener synchronously (with a timeout) and
// returns an error if the connection fails. On success the stream's loop
// is written in a background goroutine until ctx is cancelled, Stop is
// called, the stream ends or the remote side goes away.
func (c *Caller) Push(ctx context.Context, req PushRequest) error {
	if req.Address == "" {
		return errors.New("address is required")
	}
	if req.StreamKey == "" {
		return errors.New("streamKey is required")
	}
	if _, ok := c.lookup(req.StreamKey); !ok {
		return fmt.Errorf("unknown stream key %q", req.StreamKey)
	}
	if c.active(req.StreamKey) {
		return fmt.Errorf("push already active for stream key %q", req.StreamKey)
	}

	c.log.Info("dialing", "address", req.Address, "stream_key", req.StreamKey)

	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.StreamID = req.StreamID
	if cfg.StreamID == "" {
		cfg.StreamID = "live/" + req.StreamKey
	}

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(req.Address, cfg)
		ch <- dialResult{conn, err}
	}()

	drain := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}

	timer := time.NewTimer(dialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("SRT dial failed: %w", res.err)
		}
		return c.startStreaming(ctx, req, res.conn)
	case <-timer.C:
		drain()
		return fmt.Errorf("SRT dial timed out after %s", dialTimeout)
	case <-ctx.Done():
		drain()
		return ctx.Err()
	}
}

func (c *Caller) active(streamKey string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pushes[streamKey]
	return ok
}

func (c *Caller) startStreaming(ctx context.Context, req PushRequest, conn *srtgo.Conn) error {
	hub, ok := c.lookup(req.StreamKey)
	if !ok {
		conn.Close()
		return fmt.Errorf("unknown stream key %q", req.StreamKey)
	}

	pushCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if _, exists := c.pushes[req.StreamKey]; exists {
		c.mu.Unlock()
		cancel()
		conn.Close()
		return fmt.Errorf("push already active for stream key %q", req.StreamKey)
	}
	c.pushes[req.StreamKey] = &activePush{req: req, cancel: cancel}
	c.mu.Unlock()

	c.log.Info("connected", "address", req.Address, "stream_key", req.StreamKey)

	v := newViewer(req.Address, conn)
	hub.AddViewer(v)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		closeConn := context.AfterFunc(pushCtx, func() { conn.Close() })
		defer func() {
			closeConn()
			cancel()
			conn.Close()
			hub.RemoveViewer(v.ID())
			c.mu.Lock()
			delete(c.pushes, req.StreamKey)
			c.mu.Unlock()
			stats := v.Stats()
			c.log.Info("push ended", "stream_key", req.StreamKey,
				"frames", stats.VideoSent, "dropped", stats.VideoDropped,
				"bytes", stats.BytesSent)
		}()

		switch err := v.run(pushCtx, hub.Done()); {
		case errors.Is(err, errStreamEnded):
			c.log.Info("stream ended, stopping push", "stream_key", req.StreamKey)
		case err != nil && !errors.Is(err, io.EOF) && pushCtx.Err() == nil:
			c.log.Debug("write error", "stream_key", req.StreamKey, "error", err)
		}
	}()

	return nil
}

// Stop cancels the push for streamKey.
func (c *Caller) Stop(streamKey string) error {
	c.mu.Lock()
	ap, ok := c.pushes[streamKey]
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("no active push for stream key %q", streamKey)
	}

	ap.cancel()
	return nil
}

// ActivePushes lists the running pushes sorted by stream key.
func (c *Caller) ActivePushes() []PushRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]PushRequest, 0, len(c.pushes))
	for _, ap := range c.pushes {
		out = append(out, ap.req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamKey < out[j].StreamKey })
	return out
}

// Wait blocks until every push goroutine has exited.
func (c *Caller) Wait() { c.wg.Wait() }
