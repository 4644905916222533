package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/quic-go/quic-go/http3"
	"github.com/zsiec/loopcast/internal/moq"
	"golang.org/x/sync/errgroup"
)

// StreamLister returns the current list of streams.
type StreamLister func() []StreamInfo

// SRTPushFunc starts pushing a stream to a remote SRT listener.
type SRTPushFunc func(address, streamKey, streamID string) error

// SRTStopFunc stops the push of a stream.
type SRTStopFunc func(streamKey string) error

// SRTListFunc returns all active pushes.
type SRTListFunc func() []SRTPushInfo

// SRTPushInfo describes an active SRT push, returned by GET /api/srt-push.
type SRTPushInfo struct {
	Address   string `json:"address"`
	StreamKey string `json:"streamKey"`
	StreamID  string `json:"streamId,omitempty"`
}

type certHashResponse struct {
	Hash string `json:"hash"`
	Addr string `json:"addr"`
	ALPN string `json:"alpn"`
}

// registerAPIRoutes registers the REST endpoints on mux.
func (s *Server) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/streams", s.handleListStreams)
	mux.HandleFunc("GET /api/streams/{key}", s.handleStream)
	mux.HandleFunc("GET /api/cert-hash", s.handleCertHash)
	mux.HandleFunc("GET /api/srt-push", s.handleSRTPushList)
	mux.HandleFunc("POST /api/srt-push", s.handleSRTPushCreate)
	mux.HandleFunc("DELETE /api/srt-push", s.handleSRTPushStop)
	mux.HandleFunc("OPTIONS /api/srt-push", s.handleSRTPushOptions)
}

// APIHandler returns the REST API handler, plus a static file server for
// WebDir when configured.
func (s *Server) APIHandler() http.Handler {
	mux := http.NewServeMux()
	s.registerAPIRoutes(mux)

	if s.config.WebDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.config.WebDir)))
	}

	return corsMiddleware(mux)
}

// ServeAPI serves the REST API on APIAddr over HTTPS and HTTP/3 until ctx
// is cancelled. HTTPS responses advertise the HTTP/3 endpoint via Alt-Svc.
func (s *Server) ServeAPI(ctx context.Context) error {
	tlsConf := s.config.Cert.ServerTLSConfig()
	h3 := &http3.Server{
		Addr:      s.config.APIAddr,
		Handler:   s.APIHandler(),
		TLSConfig: http3.ConfigureTLSConfig(tlsConf),
	}
	h1 := &http.Server{
		Addr: s.config.APIAddr,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = h3.SetQUICHeaders(w.Header())
			h3.Handler.ServeHTTP(w, r)
		}),
		TLSConfig:         tlsConf,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info("API server listening", "addr", s.config.APIAddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := h1.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("https api: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := h3.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && gctx.Err() == nil {
			return fmt.Errorf("http3 api: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h1.Shutdown(shutdownCtx)
		return h3.Close()
	})
	return g.Wait()
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) handleListStreams(w http.ResponseWriter, _ *http.Request) {
	var resp []StreamInfo
	if s.config.Streams != nil {
		resp = s.config.Streams()
	} else {
		for _, key := range s.StreamKeys() {
			info := StreamInfo{Key: key}
			if relay := s.GetRelay(key); relay != nil {
				info.Viewers = relay.ViewerCount()
			}
			resp = append(resp, info)
		}
	}
	if resp == nil {
		resp = make([]StreamInfo, 0)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	streamKey := r.PathValue("key")

	s.mu.RLock()
	sr := s.streams[streamKey]
	s.mu.RUnlock()

	if sr == nil || sr.pipeline == nil {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}
	writeJSON(w, http.StatusOK, sr.pipeline.StreamSnapshot())
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	addr := s.config.MoQAddr
	if a := s.MoQAddr(); a != nil {
		addr = a.String()
	}
	writeJSON(w, http.StatusOK, certHashResponse{
		Hash: s.config.Cert.FingerprintBase64(),
		Addr: addr,
		ALPN: moq.ALPN,
	})
}

func (s *Server) handleSRTPushOptions(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSRTPushList(w http.ResponseWriter, _ *http.Request) {
	if s.config.SRTList == nil {
		writeJSON(w, http.StatusOK, []SRTPushInfo{})
		return
	}
	writeJSON(w, http.StatusOK, s.config.SRTList())
}

// SECURITY: the push endpoint dials arbitrary addresses. Expose the API to
// operators only.
func (s *Server) handleSRTPushCreate(w http.ResponseWriter, r *http.Request) {
	if s.config.SRTPush == nil {
		writeError(w, http.StatusNotImplemented, "SRT push not configured")
		return
	}
	var req SRTPushInfo
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Address == "" || req.StreamKey == "" {
		writeError(w, http.StatusBadRequest, "address and streamKey are required")
		return
	}
	if s.GetRelay(req.StreamKey) == nil {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}
	if err := s.config.SRTPush(req.Address, req.StreamKey, req.StreamID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "pushing", "streamKey": req.StreamKey})
}

func (s *Server) handleSRTPushStop(w http.ResponseWriter, r *http.Request) {
	if s.config.SRTStop == nil {
		writeError(w, http.StatusNotImplemented, "SRT push not configured")
		return
	}
	streamKey := r.URL.Query().Get("streamKey")
	if streamKey == "" {
		writeError(w, http.StatusBadRequest, "streamKey query parameter required")
		return
	}
	if err := s.config.SRTStop(streamKey); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "streamKey": streamKey})
}
