// Package stream tracks the lifecycle of the looping streams being served.
// Each stream carries a context that is cancelled when it is removed, which
// stops its playback and SRT pushes.
package stream

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Stream represents one looping stream.
type Stream struct {
	Key       string
	StartedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// Context is cancelled when the stream is removed.
func (s *Stream) Context() context.Context { return s.ctx }

// Manager manages the lifecycle of active streams.
type Manager struct {
	log     *slog.Logger
	parent  context.Context
	mu      sync.RWMutex
	streams map[string]*Stream
}

// NewManager creates a stream manager whose stream contexts derive from
// ctx. If log is nil, slog.Default() is used.
func NewManager(ctx context.Context, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:     log.With("component", "stream-manager"),
		parent:  ctx,
		streams: make(map[string]*Stream),
	}
}

// Create registers a new stream. It returns nil and false if a stream with
// this key already exists.
func (m *Manager) Create(key string) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.streams[key]; ok {
		m.log.Warn("stream already exists, rejecting duplicate", "stream_key", key)
		return nil, false
	}

	ctx, cancel := context.WithCancel(m.parent)
	s := &Stream{
		Key:       key,
		StartedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	m.streams[key] = s
	m.log.Info("stream created", "stream_key", key)
	return s, true
}

// Remove cancels and forgets a stream.
func (m *Manager) Remove(key string) {
	m.mu.Lock()
	s, ok := m.streams[key]
	if ok {
		delete(m.streams, key)
	}
	m.mu.Unlock()

	if ok {
		s.cancel()
		m.log.Info("stream removed", "stream_key", key, "uptime", time.Since(s.StartedAt).Round(time.Second))
	}
}

// Get returns the stream for key.
func (m *Manager) Get(key string) (*Stream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[key]
	return s, ok
}

// List returns all active streams sorted by key.
func (m *Manager) List() []*Stream {
	m.mu.RLock()
	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.mu.RUnlock()

	sort.Slice(streams, func(i, j int) bool { return streams[i].Key < streams[j].Key })
	return streams
}
