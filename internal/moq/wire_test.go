package moq

import (
	"bytes"
	"io"
	"testing"
)

func TestNamespaceTuple(t *testing.T) {
	t.Parallel()
	for _, parts := range [][]string{{}, {"loopcast"}, {"loopcast", "clip", "extra"}} {
		decoded, err := parseNamespaceTuple(newBufReader(AppendNamespaceTuple(nil, parts)))
		if err != nil {
			t.Fatal(err)
		}
		if len(decoded) != len(parts) {
			t.Fatalf("decoded %v, want %v", decoded, parts)
		}
		for i := range parts {
			if decoded[i] != parts[i] {
				t.Errorf("element %d = %q, want %q", i, decoded[i], parts[i])
			}
		}
	}
}

func TestNamespaceTupleHugeCount(t *testing.T) {
	t.Parallel()
	// A count larger than the remaining bytes must fail before allocating.
	if _, err := parseNamespaceTuple(newBufReader([]byte{0x80, 0x00, 0xff, 0xff})); err == nil {
		t.Fatal("expected error")
	}
}

func TestBufReaderEOF(t *testing.T) {
	t.Parallel()
	r := newBufReader(nil)
	if _, err := r.readVarint(); err != io.ErrUnexpectedEOF {
		t.Errorf("readVarint err = %v", err)
	}
	if _, err := r.readByte(); err != io.ErrUnexpectedEOF {
		t.Errorf("readByte err = %v", err)
	}
	if _, err := r.readVarIntBytes(); err != io.ErrUnexpectedEOF {
		t.Errorf("readVarIntBytes err = %v", err)
	}
}

func TestVarIntBytes(t *testing.T) {
	t.Parallel()
	data := []byte("access unit")
	r := newBufReader(appendVarIntBytes(nil, data))
	got, err := r.readVarIntBytes()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("got %q, want %q", got, data)
	}
	if r.remaining() != 0 {
		t.Fatalf("remaining = %d", r.remaining())
	}
}
