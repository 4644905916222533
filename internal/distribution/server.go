package distribution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"github.com/zsiec/loopcast/internal/certs"
	"github.com/zsiec/loopcast/internal/moq"
	"golang.org/x/sync/errgroup"
)

// Connection close codes sent to MoQ clients via CloseWithError.
const (
	closeNoError        quic.ApplicationErrorCode = 0
	closeStreamNotFound quic.ApplicationErrorCode = 1
	closeControlStream  quic.ApplicationErrorCode = 2
	closeBadRequest     quic.ApplicationErrorCode = 4
	closeSetupFailed    quic.ApplicationErrorCode = 5
)

// videoInfoTimeout bounds how long a new viewer waits for the stream's
// decoder parameters before proceeding with the default codec.
const videoInfoTimeout = 10 * time.Second

// ServerConfig holds the listen addresses, certificate and API hooks.
type ServerConfig struct {
	MoQAddr string
	APIAddr string
	WebDir  string
	Cert    *certs.CertInfo
	Streams StreamLister
	SRTPush SRTPushFunc
	SRTStop SRTStopFunc
	SRTList SRTListFunc
	Log     *slog.Logger
}

// streamResources bundles the relay and stats provider for one stream so
// they are registered and torn down together.
type streamResources struct {
	relay    *Relay
	pipeline StatsProvider
}

// Server accepts MoQ subscribers over native QUIC and serves the REST API.
type Server struct {
	config ServerConfig
	base   *slog.Logger
	log    *slog.Logger

	lnMu     sync.Mutex
	listener *quic.Listener

	mu      sync.RWMutex
	streams map[string]*streamResources
}

// NewServer validates config and creates a Server.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Cert == nil {
		return nil, errors.New("distribution: Cert is required")
	}
	if config.MoQAddr == "" {
		return nil, errors.New("distribution: MoQAddr is required")
	}
	log := config.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		config:  config,
		base:    log,
		log:     log.With("component", "distribution"),
		streams: make(map[string]*streamResources),
	}, nil
}

// RegisterStream creates the Relay for streamKey, or returns the existing
// one.
func (s *Server) RegisterStream(streamKey string) *Relay {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sr, ok := s.streams[streamKey]; ok {
		return sr.relay
	}
	r := NewRelay(s.base.With("stream_key", streamKey))
	s.streams[streamKey] = &streamResources{relay: r}
	return r
}

// UnregisterStream removes the relay and stats provider of streamKey and
// closes the relay, which disconnects its viewers.
func (s *Server) UnregisterStream(streamKey string) {
	s.mu.Lock()
	sr, ok := s.streams[streamKey]
	delete(s.streams, streamKey)
	s.mu.Unlock()

	if ok {
		sr.relay.Close()
	}
}

// SetPipeline attaches a StatsProvider to a registered stream.
func (s *Server) SetPipeline(streamKey string, p StatsProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sr, ok := s.streams[streamKey]; ok {
		sr.pipeline = p
	}
}

// GetPipeline returns the StatsProvider of streamKey, or nil.
func (s *Server) GetPipeline(streamKey string) StatsProvider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sr, ok := s.streams[streamKey]; ok {
		return sr.pipeline
	}
	return nil
}

// GetRelay returns the Relay of streamKey, or nil.
func (s *Server) GetRelay(streamKey string) *Relay {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sr, ok := s.streams[streamKey]; ok {
		return sr.relay
	}
	return nil
}

// StreamKeys returns the registered keys in sorted order.
func (s *Server) StreamKeys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.streams))
	for k := range s.streams {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Listen binds the QUIC listener. It is separate from Serve so callers can
// learn the bound address of ":0" before serving.
func (s *Server) Listen() error {
	ln, err := quic.ListenAddr(s.config.MoQAddr, s.config.Cert.ServerTLSConfig(moq.ALPN), &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("listen moq %s: %w", s.config.MoQAddr, err)
	}
	s.lnMu.Lock()
	s.listener = ln
	s.lnMu.Unlock()
	s.log.Info("MoQ server listening", "addr", ln.Addr().String())
	return nil
}

// MoQAddr returns the bound QUIC address, or nil before Listen.
func (s *Server) MoQAddr() net.Addr {
	s.lnMu.Lock()
	defer s.lnMu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts QUIC connections until ctx is cancelled. Listen must have
// been called.
func (s *Server) Serve(ctx context.Context) error {
	s.lnMu.Lock()
	ln := s.listener
	s.lnMu.Unlock()
	if ln == nil {
		return errors.New("distribution: Serve called before Listen")
	}

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept moq connection: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// handleConn runs one MoQ session: the client opens the bidirectional
// control stream, setup names the stream key, and the session is attached
// to that stream's relay until either side goes away.
func (s *Server) handleConn(ctx context.Context, conn quic.Connection) {
	remote := conn.RemoteAddr().String()
	log := s.log.With("remote", remote)
	log.Info("moq viewer connected")

	// Until the session runs, shutdown has to close the connection itself
	// to unblock the setup reads.
	abort := context.AfterFunc(ctx, func() { conn.CloseWithError(closeNoError, "server shutting down") })
	defer abort()

	acceptCtx, cancel := context.WithTimeout(ctx, videoInfoTimeout)
	control, err := conn.AcceptStream(acceptCtx)
	cancel()
	if err != nil {
		log.Warn("failed to accept moq control stream", "error", err)
		conn.CloseWithError(closeControlStream, "control stream error")
		return
	}

	session := NewMoQSession(MoQSessionConfig{
		ID:         "moq-" + uuid.NewString(),
		RemoteAddr: remote,
		Control:    control,
		OpenStream: func(ctx context.Context) (io.WriteCloser, error) {
			return conn.OpenUniStreamSync(ctx)
		},
		StatsProvider: s.GetPipeline,
		Log:           s.base,
	})

	streamKey, err := session.handleSetup()
	if err != nil {
		log.Warn("moq setup failed", "error", err)
		conn.CloseWithError(closeSetupFailed, "setup failed")
		return
	}
	if streamKey == "" {
		log.Warn("moq setup without stream key")
		conn.CloseWithError(closeBadRequest, "missing stream key")
		return
	}
	relay := s.GetRelay(streamKey)
	if relay == nil {
		log.Warn("moq stream not found", "stream_key", streamKey)
		conn.CloseWithError(closeStreamNotFound, "stream not found")
		return
	}
	session.attach(streamKey, relay)
	if !abort() {
		return
	}

	waitCtx, waitCancel := context.WithTimeout(conn.Context(), videoInfoTimeout)
	relay.WaitVideoInfo(waitCtx)
	waitCancel()

	relay.AddViewer(session)
	defer relay.RemoveViewer(session.ID())

	sessCtx, sessCancel := context.WithCancel(conn.Context())
	defer sessCancel()
	stop := context.AfterFunc(ctx, sessCancel)
	defer stop()
	go func() {
		select {
		case <-relay.Done():
			log.Info("stream ended, closing moq viewer", "session", session.ID())
			sessCancel()
		case <-sessCtx.Done():
		}
	}()

	if err := session.Run(sessCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Debug("moq session ended", "session", session.ID(), "error", err)
	}
	conn.CloseWithError(closeNoError, "")
	log.Info("moq viewer disconnected", "session", session.ID())
}

// Start binds the QUIC listener if needed and serves MoQ plus the REST API
// until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if s.MoQAddr() == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Serve(gctx) })
	if s.config.APIAddr != "" {
		g.Go(func() error { return s.ServeAPI(gctx) })
	}
	return g.Wait()
}
