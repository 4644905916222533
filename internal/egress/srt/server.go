package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	srtgo "github.com/zsiec/srtgo"
)

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// Server accepts SRT receivers and attaches each one to the relay of the
// stream named by its stream id.
type Server struct {
	log    *slog.Logger
	addr   string
	lookup RelayLookup
}

// NewServer creates an SRT server that listens on addr. If log is nil,
// slog.Default() is used.
func NewServer(addr string, lookup RelayLookup, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:    log.With("component", "srt-server"),
		addr:   addr,
		lookup: lookup,
	}
}

// admit reports whether a connection with streamID may be accepted.
func (s *Server) admit(streamID string) bool {
	if streamID == "" {
		return false
	}
	_, ok := s.lookup(extractStreamKey(streamID))
	return ok
}

// Start accepts SRT receivers. It blocks until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if !s.admit(req.StreamID) {
			s.log.Debug("rejecting receiver", "stream_id", req.StreamID)
			return srtgo.RejPeer
		}
		return 0
	})

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}

		streamKey := extractStreamKey(conn.StreamID())
		s.log.Info("receiver connected", "stream_key", streamKey, "remote", conn.RemoteAddr())

		go s.handleConnection(ctx, conn, streamKey)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn *srtgo.Conn, streamKey string) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	hub, ok := s.lookup(streamKey)
	if !ok {
		s.log.Debug("stream gone before attach", "stream_key", streamKey)
		return
	}

	v := newViewer(conn.RemoteAddr().String(), conn)
	hub.AddViewer(v)
	defer hub.RemoveViewer(v.ID())

	switch err := v.run(ctx, hub.Done()); {
	case errors.Is(err, errStreamEnded):
		s.log.Info("stream ended, closing receiver", "stream_key", streamKey)
	case err != nil && !errors.Is(err, io.EOF) && ctx.Err() == nil:
		s.log.Debug("write error", "stream_key", streamKey, "error", err)
	}

	stats := v.Stats()
	s.log.Info("receiver disconnected", "stream_key", streamKey,
		"frames", stats.VideoSent, "dropped", stats.VideoDropped,
		"bytes", stats.BytesSent)
}

// extractStreamKey maps an SRT stream id such as "live/demo" to a stream key.
func extractStreamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}
