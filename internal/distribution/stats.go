package distribution

// StatsProvider supplies a stream's statistics to the API and the stats
// track. The pipeline implements it.
type StatsProvider interface {
	StreamSnapshot() StreamSnapshot
}

// PlaybackStats describes the loop driving a stream.
type PlaybackStats struct {
	FramesPerLoop int     `json:"framesPerLoop"`
	IntervalMs    float64 `json:"intervalMs"`
	Delivered     int64   `json:"delivered"`
	Loops         int64   `json:"loops"`
	CachedFrames  int     `json:"cachedFrames"`
}

// SourceInfo describes the loaded elementary stream.
type SourceInfo struct {
	Path  string `json:"path,omitempty"`
	Bytes int    `json:"bytes"`
	Size  string `json:"size"`
}

// StreamSnapshot is a point-in-time view of one stream, served by the API
// and sent once per second on the stats track.
type StreamSnapshot struct {
	Timestamp   int64         `json:"ts"`
	UptimeMs    int64         `json:"uptimeMs"`
	Codec       string        `json:"codec"`
	Width       int           `json:"width,omitempty"`
	Height      int           `json:"height,omitempty"`
	Source      SourceInfo    `json:"source"`
	Playback    PlaybackStats `json:"playback"`
	ViewerCount int           `json:"viewerCount"`
	Viewers     []ViewerStats `json:"viewers,omitempty"`
}

// StreamInfo is the summary returned by the stream list endpoint.
type StreamInfo struct {
	Key         string `json:"key"`
	Viewers     int    `json:"viewers"`
	Description string `json:"description,omitempty"`
	VideoCodec  string `json:"videoCodec,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	AccessUnits int    `json:"accessUnits"`
	UptimeMs    int64  `json:"uptimeMs,omitempty"`
}

// statsMessage is the payload of one stats track object.
type statsMessage struct {
	Type        string         `json:"type"`
	Stats       StreamSnapshot `json:"stats"`
	ViewerStats *ViewerStats   `json:"viewerStats,omitempty"`
}
