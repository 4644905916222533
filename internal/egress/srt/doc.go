// Package srt delivers looping streams to SRT receivers. The listener
// serves receivers that connect with a "live/<key>" stream id, and the
// caller pushes a stream to a remote SRT listener. Each access unit is
// written as raw Annex B bytes split into 1316-byte SRT payloads.
package srt
