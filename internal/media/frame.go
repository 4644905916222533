// Package media defines the frame type that flows from the playback loop
// through the relay to viewers.
package media

// VideoBufferSize is the per-viewer channel depth for video frames, about
// three seconds of playback at the default 50 ms frame interval.
const VideoBufferSize = 60

// VideoFrame is one access unit scheduled for delivery. Data is a view into
// the loaded elementary stream and is shared by every viewer; it must never
// be modified.
type VideoFrame struct {
	Data       []byte
	Index      int    // position of the access unit in the stream
	Loop       uint32 // loop iteration, used as the MoQ group ID
	IsKeyframe bool   // first access unit of a loop iteration
	PTS        int64  // microseconds since playback started
	Codec      string // RFC 6381 codec string, e.g. "hev1.1.2.L153.90"
}
