// Package distribution delivers looping access units to remote viewers. It
// holds the per-stream fan-out relay, the MoQ session that writes one group
// per loop iteration over native QUIC, the catalog, the REST API, and a
// subscriber client used by tools and tests. The wire codec lives in the
// moq package.
package distribution

import (
	"github.com/zsiec/loopcast/internal/media"
)

// Namespace is the first element of every track namespace; the second is
// the stream key.
const Namespace = "loopcast"

// Track names advertised in the catalog.
const (
	TrackCatalog = "catalog"
	TrackVideo   = "video"
	TrackStats   = "stats"
)

// Publisher priorities; lower is more urgent.
const (
	priorityVideo   = 128
	priorityCatalog = 192
	priorityStats   = 220
)

// Viewer receives frames from a Relay. Implementations must not block in
// SendVideo.
type Viewer interface {
	ID() string
	SendVideo(frame *media.VideoFrame)
	Stats() ViewerStats
}

// ViewerStats captures per-viewer delivery metrics.
type ViewerStats struct {
	ID            string `json:"id"`
	Transport     string `json:"transport"`
	RemoteAddr    string `json:"remoteAddr,omitempty"`
	VideoSent     int64  `json:"videoSent"`
	VideoDropped  int64  `json:"videoDropped"`
	BytesSent     int64  `json:"bytesSent"`
	GroupsOpened  int64  `json:"groupsOpened"`
	LastVideoTsMS int64  `json:"lastVideoTsMs,omitempty"`
}

// VideoInfo holds what a decoder needs before the first access unit.
type VideoInfo struct {
	Codec     string
	Width     int
	Height    int
	Framerate float64
}
