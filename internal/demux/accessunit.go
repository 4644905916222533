package demux

import (
	"bytes"
	"errors"
	"fmt"
)

// StartCode is the 4-byte Annex B boundary marker that precedes every NAL
// unit in the elementary streams loopcast plays.
var StartCode = []byte{0x00, 0x00, 0x00, 0x01}

// Header byte values that close an access unit: the first HEVC NAL header
// byte of a TRAIL_R slice (type 1) and of an IDR_W_RADL slice (type 19).
const (
	terminalHeaderTrailR   byte = HEVCNALTrailR << 1
	terminalHeaderIDRWRadl byte = HEVCNALIDRWRadl << 1
)

const startCodeLen = 4

// ErrTruncatedMarker is returned (wrapped in a MalformedInputError) when a
// start code sits at the very end of the buffer with no NAL header byte
// after it.
var ErrTruncatedMarker = errors.New("demux: start code without NAL header byte")

// MalformedInputError reports the offset of the start code that made the
// buffer unsplittable.
type MalformedInputError struct {
	Offset int
	Err    error
}

func (e *MalformedInputError) Error() string {
	return fmt.Sprintf("malformed elementary stream at offset %d: %v", e.Offset, e.Err)
}

func (e *MalformedInputError) Unwrap() error {
	return e.Err
}

// AccessUnit is a half-open byte range [Start, End) of an elementary stream
// buffer holding one decodable frame. It owns no bytes; Bytes returns a view
// into the buffer it was split from.
type AccessUnit struct {
	Start int
	End   int
}

// Len returns the access unit size in bytes.
func (au AccessUnit) Len() int {
	return au.End - au.Start
}

// Bytes returns the access unit as a zero-copy view into buf. The capacity is
// clipped so appending to the view can never overwrite the next unit.
func (au AccessUnit) Bytes(buf []byte) []byte {
	return buf[au.Start:au.End:au.End]
}

// IsTerminalHeader reports whether a NAL header byte ends the access unit it
// belongs to.
func IsTerminalHeader(b byte) bool {
	return b == terminalHeaderTrailR || b == terminalHeaderIDRWRadl
}

// FindStartCodes returns the offset of every 4-byte start code in buf, in
// ascending order. The window advances one byte at a time, so a run of
// zeros followed by 0x01 yields exactly one offset.
func FindStartCodes(buf []byte) []int {
	var offsets []int
	for i := 0; i+startCodeLen <= len(buf); {
		j := bytes.Index(buf[i:], StartCode)
		if j < 0 {
			break
		}
		offsets = append(offsets, i+j)
		i += j + 1
	}
	return offsets
}

// SplitAccessUnits segments an Annex B elementary stream into access units.
//
// NAL units are grouped left to right; a group closes right after a unit
// whose header byte satisfies IsTerminalHeader, and the last group closes at
// the end of the stream. Each group becomes one access unit running from its
// first start code to the first start code of the next group (or to the end
// of buf). Bytes before the first start code are dropped.
//
// A buffer without start codes yields no units and no error. A start code
// with no header byte after it rejects the whole buffer.
func SplitAccessUnits(buf []byte) ([]AccessUnit, error) {
	offsets := FindStartCodes(buf)
	if len(offsets) == 0 {
		return nil, nil
	}

	starts := make([]int, 0, len(offsets))
	groupOpen := false
	for _, off := range offsets {
		hdr := off + startCodeLen
		if hdr >= len(buf) {
			return nil, &MalformedInputError{Offset: off, Err: ErrTruncatedMarker}
		}
		if !groupOpen {
			starts = append(starts, off)
			groupOpen = true
		}
		if IsTerminalHeader(buf[hdr]) {
			groupOpen = false
		}
	}

	units := make([]AccessUnit, len(starts))
	for i, start := range starts {
		end := len(buf)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		units[i] = AccessUnit{Start: start, End: end}
	}
	return units, nil
}

// Split is SplitAccessUnits returning the units as views into buf.
func Split(buf []byte) ([][]byte, error) {
	units, err := SplitAccessUnits(buf)
	if err != nil {
		return nil, err
	}
	return Views(buf, units), nil
}

// Views maps access units onto zero-copy slices of buf.
func Views(buf []byte, units []AccessUnit) [][]byte {
	if len(units) == 0 {
		return nil
	}
	frames := make([][]byte, len(units))
	for i, au := range units {
		frames[i] = au.Bytes(buf)
	}
	return frames
}
