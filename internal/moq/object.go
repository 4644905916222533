package moq

import (
	"bufio"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// StreamTypeSubgroup is a subgroup stream with an explicit subgroup ID in
// the header and extension headers on every object.
const StreamTypeSubgroup uint64 = 0x0d

// LOC header extension IDs (draft-ietf-moq-loc-01). Even IDs carry a
// varint value, odd IDs a length-prefixed byte string.
const (
	ExtCaptureTimestamp  uint64 = 2
	ExtVideoFrameMarking uint64 = 4
)

// RFC 9626 video frame marking flags for a non-scalable stream.
const (
	FrameMarkingKey   uint64 = 0xE0 // start, end, independent
	FrameMarkingDelta uint64 = 0xC0 // start, end
)

// maxObjectPayload bounds a single object read from the network.
const maxObjectPayload = 64 << 20

// SubgroupHeader opens every data stream.
type SubgroupHeader struct {
	TrackAlias uint64
	GroupID    uint64
	SubgroupID uint64
	Priority   byte
}

// AppendSubgroupHeader appends the encoded header to buf.
func AppendSubgroupHeader(buf []byte, h SubgroupHeader) []byte {
	buf = quicvarint.Append(buf, StreamTypeSubgroup)
	buf = quicvarint.Append(buf, h.TrackAlias)
	buf = quicvarint.Append(buf, h.GroupID)
	buf = quicvarint.Append(buf, h.SubgroupID)
	return append(buf, h.Priority)
}

// Object is one MoQ object with its LOC metadata.
type Object struct {
	ID               uint64
	CaptureTimestamp uint64 // microseconds
	FrameMarking     uint64 // 0 when absent
	Payload          []byte
}

// IsKeyframe reports whether the frame marking flags an independent frame.
func (o *Object) IsKeyframe() bool {
	return o.FrameMarking&0x20 != 0
}

// AppendLOCExtensions encodes the capture timestamp and, when marking is
// non-zero, the video frame marking extension.
func AppendLOCExtensions(buf []byte, captureUs, marking uint64) []byte {
	buf = quicvarint.Append(buf, ExtCaptureTimestamp)
	buf = quicvarint.Append(buf, captureUs)
	if marking != 0 {
		buf = quicvarint.Append(buf, ExtVideoFrameMarking)
		buf = quicvarint.Append(buf, marking)
	}
	return buf
}

// ObjectWriter writes one subgroup stream: a header followed by objects
// with sequential IDs starting at zero.
type ObjectWriter struct {
	w        io.Writer
	objectID uint64
	written  int64
}

// NewObjectWriter writes the subgroup header to w and returns a writer for
// the objects that follow.
func NewObjectWriter(w io.Writer, h SubgroupHeader) (*ObjectWriter, error) {
	hdr := AppendSubgroupHeader(nil, h)
	if _, err := w.Write(hdr); err != nil {
		return nil, err
	}
	return &ObjectWriter{w: w, written: int64(len(hdr))}, nil
}

// WriteObject writes an object with the given extension block and payload,
// returning the bytes written for this object.
func (ow *ObjectWriter) WriteObject(exts, payload []byte) (int64, error) {
	hdr := make([]byte, 0, 16+len(exts))
	hdr = quicvarint.Append(hdr, ow.objectID)
	hdr = quicvarint.Append(hdr, uint64(len(exts)))
	hdr = append(hdr, exts...)
	hdr = quicvarint.Append(hdr, uint64(len(payload)))

	if _, err := ow.w.Write(hdr); err != nil {
		return 0, err
	}
	if _, err := ow.w.Write(payload); err != nil {
		return 0, err
	}
	ow.objectID++
	n := int64(len(hdr) + len(payload))
	ow.written += n
	return n, nil
}

// WriteVideo writes one access unit with LOC timestamp and key/delta
// marking.
func (ow *ObjectWriter) WriteVideo(payload []byte, captureUs uint64, keyframe bool) (int64, error) {
	marking := FrameMarkingDelta
	if keyframe {
		marking = FrameMarkingKey
	}
	return ow.WriteObject(AppendLOCExtensions(nil, captureUs, marking), payload)
}

// Written returns the total bytes written, header included.
func (ow *ObjectWriter) Written() int64 { return ow.written }

// ObjectReader decodes a subgroup stream written by ObjectWriter.
type ObjectReader struct {
	r      *bufio.Reader
	Header SubgroupHeader
}

// NewObjectReader reads and validates the subgroup header from r.
func NewObjectReader(r io.Reader) (*ObjectReader, error) {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	or := &ObjectReader{r: br}

	typ, err := quicvarint.Read(br)
	if err != nil {
		return nil, &ParseError{Field: "stream_type", Err: err}
	}
	if typ != StreamTypeSubgroup {
		return nil, fmt.Errorf("%w: 0x%x", ErrUnknownStreamType, typ)
	}
	if or.Header.TrackAlias, err = quicvarint.Read(br); err != nil {
		return nil, &ParseError{Field: "track_alias", Err: err}
	}
	if or.Header.GroupID, err = quicvarint.Read(br); err != nil {
		return nil, &ParseError{Field: "group_id", Err: err}
	}
	if or.Header.SubgroupID, err = quicvarint.Read(br); err != nil {
		return nil, &ParseError{Field: "subgroup_id", Err: err}
	}
	if or.Header.Priority, err = br.ReadByte(); err != nil {
		return nil, &ParseError{Field: "priority", Err: err}
	}
	return or, nil
}

// ReadObject returns the next object, or io.EOF at a clean end of stream.
func (or *ObjectReader) ReadObject() (*Object, error) {
	id, err := quicvarint.Read(or.r)
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &ParseError{Field: "object_id", Err: err}
	}
	obj := &Object{ID: id}

	extLen, err := quicvarint.Read(or.r)
	if err != nil {
		return nil, &ParseError{Field: "extensions_length", Err: eofIsUnexpected(err)}
	}
	if extLen > maxObjectPayload {
		return nil, &ParseError{Field: "extensions_length", Err: fmt.Errorf("length %d too large", extLen)}
	}
	exts := make([]byte, extLen)
	if _, err := io.ReadFull(or.r, exts); err != nil {
		return nil, &ParseError{Field: "extensions", Err: eofIsUnexpected(err)}
	}
	if err := parseLOCExtensions(exts, obj); err != nil {
		return nil, err
	}

	n, err := quicvarint.Read(or.r)
	if err != nil {
		return nil, &ParseError{Field: "payload_length", Err: eofIsUnexpected(err)}
	}
	if n > maxObjectPayload {
		return nil, &ParseError{Field: "payload_length", Err: fmt.Errorf("length %d too large", n)}
	}
	obj.Payload = make([]byte, n)
	if _, err := io.ReadFull(or.r, obj.Payload); err != nil {
		return nil, &ParseError{Field: "payload", Err: eofIsUnexpected(err)}
	}
	return obj, nil
}

func parseLOCExtensions(data []byte, obj *Object) error {
	r := newBufReader(data)
	for r.remaining() > 0 {
		key, err := r.readVarint()
		if err != nil {
			return &ParseError{Field: "extension_key", Err: err}
		}
		if key%2 == 1 {
			if _, err := r.readVarIntBytes(); err != nil {
				return &ParseError{Field: "extension_value", Err: err}
			}
			continue
		}
		val, err := r.readVarint()
		if err != nil {
			return &ParseError{Field: "extension_value", Err: err}
		}
		switch key {
		case ExtCaptureTimestamp:
			obj.CaptureTimestamp = val
		case ExtVideoFrameMarking:
			obj.FrameMarking = val
		}
	}
	return nil
}

func eofIsUnexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
