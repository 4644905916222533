package moq

import (
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// AppendNamespaceTuple appends [count] followed by each length-prefixed
// element.
func AppendNamespaceTuple(buf []byte, parts []string) []byte {
	buf = quicvarint.Append(buf, uint64(len(parts)))
	for _, p := range parts {
		buf = appendVarIntBytes(buf, []byte(p))
	}
	return buf
}

func parseNamespaceTuple(r *bufReader) ([]string, error) {
	count, err := r.readVarint()
	if err != nil {
		return nil, fmt.Errorf("read tuple count: %w", err)
	}
	if count > uint64(r.remaining()) {
		return nil, io.ErrUnexpectedEOF
	}
	parts := make([]string, count)
	for i := range parts {
		b, err := r.readVarIntBytes()
		if err != nil {
			return nil, fmt.Errorf("read tuple element %d: %w", i, err)
		}
		parts[i] = string(b)
	}
	return parts, nil
}

func appendVarIntBytes(buf, data []byte) []byte {
	buf = quicvarint.Append(buf, uint64(len(data)))
	return append(buf, data...)
}

// bufReader reads varints and byte strings sequentially from a payload.
type bufReader struct {
	data []byte
	pos  int
}

func newBufReader(data []byte) *bufReader {
	return &bufReader{data: data}
}

func (b *bufReader) remaining() int { return len(b.data) - b.pos }

func (b *bufReader) readVarint() (uint64, error) {
	if b.pos >= len(b.data) {
		return 0, io.ErrUnexpectedEOF
	}
	val, n, err := quicvarint.Parse(b.data[b.pos:])
	if err != nil {
		return 0, err
	}
	b.pos += n
	return val, nil
}

func (b *bufReader) readByte() (byte, error) {
	if b.pos >= len(b.data) {
		return 0, io.ErrUnexpectedEOF
	}
	v := b.data[b.pos]
	b.pos++
	return v, nil
}

func (b *bufReader) readVarIntBytes() ([]byte, error) {
	length, err := b.readVarint()
	if err != nil {
		return nil, err
	}
	if length > uint64(b.remaining()) {
		return nil, io.ErrUnexpectedEOF
	}
	end := b.pos + int(length)
	val := b.data[b.pos:end]
	b.pos = end
	return val, nil
}

// readParams walks a [count] key/value parameter list. Odd keys carry a
// byte string, even keys a varint; fn sees whichever applies.
func (b *bufReader) readParams(fn func(key uint64, val []byte, num uint64)) error {
	n, err := b.readVarint()
	if err != nil {
		return &ParseError{Field: "num_params", Err: err}
	}
	for i := uint64(0); i < n; i++ {
		key, err := b.readVarint()
		if err != nil {
			return &ParseError{Field: "param_key", Err: err}
		}
		if key%2 == 1 {
			val, err := b.readVarIntBytes()
			if err != nil {
				return &ParseError{Field: "param_value", Err: err}
			}
			fn(key, val, 0)
			continue
		}
		num, err := b.readVarint()
		if err != nil {
			return &ParseError{Field: "param_value", Err: err}
		}
		fn(key, nil, num)
	}
	return nil
}
