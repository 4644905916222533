package moq

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/quic-go/quic-go/quicvarint"
)

// Control message type IDs (draft-15 §9).
const (
	MsgSubscribe      uint64 = 0x03
	MsgSubscribeOK    uint64 = 0x04
	MsgSubscribeError uint64 = 0x05
	MsgUnsubscribe    uint64 = 0x0a
	MsgGoAway         uint64 = 0x10
	MsgMaxRequestID   uint64 = 0x15
	MsgClientSetup    uint64 = 0x20
	MsgServerSetup    uint64 = 0x21
)

// Version is draft-15: 0xff000000 plus the draft number.
const Version uint64 = 0xff00000f

// ALPN is the TLS application protocol for MoQ over native QUIC.
const ALPN = "moq-00"

// Setup parameter keys. Odd keys carry byte strings, even keys varints.
const (
	ParamPath         uint64 = 0x01
	ParamMaxRequestID uint64 = 0x02
)

// Subscribe filter types.
const (
	FilterNextGroupStart uint64 = 0x01
	FilterLatestObject   uint64 = 0x02
	FilterAbsoluteStart  uint64 = 0x03
	FilterAbsoluteRange  uint64 = 0x04
)

// Group order values.
const (
	GroupOrderDefault    byte = 0x00
	GroupOrderAscending  byte = 0x01
	GroupOrderDescending byte = 0x02
)

// MsgName returns a printable name for a control message type.
func MsgName(msgType uint64) string {
	switch msgType {
	case MsgSubscribe:
		return "SUBSCRIBE"
	case MsgSubscribeOK:
		return "SUBSCRIBE_OK"
	case MsgSubscribeError:
		return "SUBSCRIBE_ERROR"
	case MsgUnsubscribe:
		return "UNSUBSCRIBE"
	case MsgGoAway:
		return "GOAWAY"
	case MsgMaxRequestID:
		return "MAX_REQUEST_ID"
	case MsgClientSetup:
		return "CLIENT_SETUP"
	case MsgServerSetup:
		return "SERVER_SETUP"
	}
	return fmt.Sprintf("0x%x", msgType)
}

// ReadControlMsg reads one framed control message:
// [type (varint)] [length (uint16 big-endian)] [payload].
//
// When r is not an io.ByteReader it is wrapped in a bufio.Reader, which may
// read ahead; callers reading several messages from one stream should wrap
// the stream once themselves.
func ReadControlMsg(r io.Reader) (uint64, []byte, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		b := bufio.NewReader(r)
		br, r = b, b
	}

	msgType, err := quicvarint.Read(br)
	if err != nil {
		return 0, nil, fmt.Errorf("read message type: %w", err)
	}

	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, fmt.Errorf("read message length: %w", err)
	}
	payload := make([]byte, binary.BigEndian.Uint16(lenBuf[:]))
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("read %s payload: %w", MsgName(msgType), err)
	}
	return msgType, payload, nil
}

// WriteControlMsg frames and writes a control message in a single Write.
func WriteControlMsg(w io.Writer, msgType uint64, payload []byte) error {
	if len(payload) > math.MaxUint16 {
		return ErrMessageTooLarge
	}
	buf := make([]byte, 0, quicvarint.Len(msgType)+2+len(payload))
	buf = quicvarint.Append(buf, msgType)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(payload)))
	buf = append(buf, payload...)

	_, err := w.Write(buf)
	return err
}

// ClientSetup opens a session. Path selects the stream on native QUIC.
type ClientSetup struct {
	Versions     []uint64
	Path         string
	HasPath      bool
	MaxRequestID uint64
}

// ServerSetup answers a ClientSetup.
type ServerSetup struct {
	SelectedVersion uint64
	MaxRequestID    uint64
}

// SerializeClientSetup encodes a CLIENT_SETUP payload.
func SerializeClientSetup(cs ClientSetup) []byte {
	var buf []byte
	buf = quicvarint.Append(buf, uint64(len(cs.Versions)))
	for _, v := range cs.Versions {
		buf = quicvarint.Append(buf, v)
	}

	var params []byte
	n := 0
	if cs.HasPath {
		params = quicvarint.Append(params, ParamPath)
		params = appendVarIntBytes(params, []byte(cs.Path))
		n++
	}
	if cs.MaxRequestID > 0 {
		params = quicvarint.Append(params, ParamMaxRequestID)
		params = quicvarint.Append(params, cs.MaxRequestID)
		n++
	}
	buf = quicvarint.Append(buf, uint64(n))
	return append(buf, params...)
}

// ParseClientSetup decodes a CLIENT_SETUP payload. Unknown parameters are
// skipped.
func ParseClientSetup(data []byte) (ClientSetup, error) {
	r := newBufReader(data)
	var cs ClientSetup

	n, err := r.readVarint()
	if err != nil {
		return cs, &ParseError{Field: "num_versions", Err: err}
	}
	if n > uint64(r.remaining()) {
		return cs, &ParseError{Field: "num_versions", Err: io.ErrUnexpectedEOF}
	}
	cs.Versions = make([]uint64, n)
	for i := range cs.Versions {
		if cs.Versions[i], err = r.readVarint(); err != nil {
			return cs, &ParseError{Field: "version", Err: err}
		}
	}

	err = r.readParams(func(key uint64, val []byte, num uint64) {
		switch key {
		case ParamPath:
			cs.Path, cs.HasPath = string(val), true
		case ParamMaxRequestID:
			cs.MaxRequestID = num
		}
	})
	return cs, err
}

// SerializeServerSetup encodes a SERVER_SETUP payload.
func SerializeServerSetup(ss ServerSetup) []byte {
	var buf []byte
	buf = quicvarint.Append(buf, ss.SelectedVersion)
	buf = quicvarint.Append(buf, 1)
	buf = quicvarint.Append(buf, ParamMaxRequestID)
	buf = quicvarint.Append(buf, ss.MaxRequestID)
	return buf
}

// ParseServerSetup decodes a SERVER_SETUP payload.
func ParseServerSetup(data []byte) (ServerSetup, error) {
	r := newBufReader(data)
	var ss ServerSetup

	var err error
	if ss.SelectedVersion, err = r.readVarint(); err != nil {
		return ss, &ParseError{Field: "selected_version", Err: err}
	}
	err = r.readParams(func(key uint64, _ []byte, num uint64) {
		if key == ParamMaxRequestID {
			ss.MaxRequestID = num
		}
	})
	return ss, err
}

// GoAway asks the peer to move to a new session.
type GoAway struct {
	NewSessionURI string
}

// SerializeGoAway encodes a GOAWAY payload.
func SerializeGoAway(ga GoAway) []byte {
	return appendVarIntBytes(nil, []byte(ga.NewSessionURI))
}

// ParseGoAway decodes a GOAWAY payload.
func ParseGoAway(data []byte) (GoAway, error) {
	uri, err := newBufReader(data).readVarIntBytes()
	if err != nil {
		return GoAway{}, &ParseError{Field: "new_session_uri", Err: err}
	}
	return GoAway{NewSessionURI: string(uri)}, nil
}

// SerializeMaxRequestID encodes a MAX_REQUEST_ID payload.
func SerializeMaxRequestID(reqID uint64) []byte {
	return quicvarint.Append(nil, reqID)
}

// ParseMaxRequestID decodes a MAX_REQUEST_ID payload.
func ParseMaxRequestID(data []byte) (uint64, error) {
	v, err := newBufReader(data).readVarint()
	if err != nil {
		return 0, &ParseError{Field: "request_id", Err: err}
	}
	return v, nil
}
