package moq

import (
	"github.com/quic-go/quic-go/quicvarint"
)

// Subscribe requests delivery of a track.
type Subscribe struct {
	RequestID  uint64
	Namespace  []string
	TrackName  string
	Priority   byte
	GroupOrder byte
	Forward    byte
	FilterType uint64
	StartGroup uint64 // AbsoluteStart, AbsoluteRange
	StartObj   uint64 // AbsoluteStart, AbsoluteRange
	EndGroup   uint64 // AbsoluteRange
}

// SubscribeOK accepts a subscription and assigns its track alias.
type SubscribeOK struct {
	RequestID     uint64
	TrackAlias    uint64
	Expires       uint64
	GroupOrder    byte
	ContentExists bool
	LargestGroup  uint64
	LargestObj    uint64
}

// SubscribeError rejects a subscription.
type SubscribeError struct {
	RequestID    uint64
	ErrorCode    uint64
	ReasonPhrase string
}

// Unsubscribe cancels a subscription.
type Unsubscribe struct {
	RequestID uint64
}

// SerializeSubscribe encodes a SUBSCRIBE payload with no parameters.
func SerializeSubscribe(s Subscribe) []byte {
	var buf []byte
	buf = quicvarint.Append(buf, s.RequestID)
	buf = AppendNamespaceTuple(buf, s.Namespace)
	buf = appendVarIntBytes(buf, []byte(s.TrackName))
	buf = append(buf, s.Priority, s.GroupOrder, s.Forward)
	buf = quicvarint.Append(buf, s.FilterType)
	switch s.FilterType {
	case FilterAbsoluteStart:
		buf = quicvarint.Append(buf, s.StartGroup)
		buf = quicvarint.Append(buf, s.StartObj)
	case FilterAbsoluteRange:
		buf = quicvarint.Append(buf, s.StartGroup)
		buf = quicvarint.Append(buf, s.StartObj)
		buf = quicvarint.Append(buf, s.EndGroup)
	}
	return quicvarint.Append(buf, 0)
}

// ParseSubscribe decodes a SUBSCRIBE payload. Trailing parameters are
// ignored.
func ParseSubscribe(data []byte) (Subscribe, error) {
	r := newBufReader(data)
	var s Subscribe
	var err error

	if s.RequestID, err = r.readVarint(); err != nil {
		return s, &ParseError{Field: "request_id", Err: err}
	}
	if s.Namespace, err = parseNamespaceTuple(r); err != nil {
		return s, &ParseError{Field: "namespace", Err: err}
	}
	name, err := r.readVarIntBytes()
	if err != nil {
		return s, &ParseError{Field: "track_name", Err: err}
	}
	s.TrackName = string(name)

	if s.Priority, err = r.readByte(); err != nil {
		return s, &ParseError{Field: "priority", Err: err}
	}
	if s.GroupOrder, err = r.readByte(); err != nil {
		return s, &ParseError{Field: "group_order", Err: err}
	}
	if s.Forward, err = r.readByte(); err != nil {
		return s, &ParseError{Field: "forward", Err: err}
	}
	if s.FilterType, err = r.readVarint(); err != nil {
		return s, &ParseError{Field: "filter_type", Err: err}
	}

	if s.FilterType == FilterAbsoluteStart || s.FilterType == FilterAbsoluteRange {
		if s.StartGroup, err = r.readVarint(); err != nil {
			return s, &ParseError{Field: "start_group", Err: err}
		}
		if s.StartObj, err = r.readVarint(); err != nil {
			return s, &ParseError{Field: "start_object", Err: err}
		}
	}
	if s.FilterType == FilterAbsoluteRange {
		if s.EndGroup, err = r.readVarint(); err != nil {
			return s, &ParseError{Field: "end_group", Err: err}
		}
	}
	return s, nil
}

// SerializeSubscribeOK encodes a SUBSCRIBE_OK payload.
func SerializeSubscribeOK(sok SubscribeOK) []byte {
	var buf []byte
	buf = quicvarint.Append(buf, sok.RequestID)
	buf = quicvarint.Append(buf, sok.TrackAlias)
	buf = quicvarint.Append(buf, sok.Expires)
	buf = append(buf, sok.GroupOrder)
	if sok.ContentExists {
		buf = append(buf, 1)
		buf = quicvarint.Append(buf, sok.LargestGroup)
		buf = quicvarint.Append(buf, sok.LargestObj)
	} else {
		buf = append(buf, 0)
	}
	return quicvarint.Append(buf, 0)
}

// ParseSubscribeOK decodes a SUBSCRIBE_OK payload.
func ParseSubscribeOK(data []byte) (SubscribeOK, error) {
	r := newBufReader(data)
	var sok SubscribeOK
	var err error

	if sok.RequestID, err = r.readVarint(); err != nil {
		return sok, &ParseError{Field: "request_id", Err: err}
	}
	if sok.TrackAlias, err = r.readVarint(); err != nil {
		return sok, &ParseError{Field: "track_alias", Err: err}
	}
	if sok.Expires, err = r.readVarint(); err != nil {
		return sok, &ParseError{Field: "expires", Err: err}
	}
	if sok.GroupOrder, err = r.readByte(); err != nil {
		return sok, &ParseError{Field: "group_order", Err: err}
	}
	exists, err := r.readByte()
	if err != nil {
		return sok, &ParseError{Field: "content_exists", Err: err}
	}
	if exists == 1 {
		sok.ContentExists = true
		if sok.LargestGroup, err = r.readVarint(); err != nil {
			return sok, &ParseError{Field: "largest_group", Err: err}
		}
		if sok.LargestObj, err = r.readVarint(); err != nil {
			return sok, &ParseError{Field: "largest_object", Err: err}
		}
	}
	return sok, nil
}

// SerializeSubscribeError encodes a SUBSCRIBE_ERROR payload.
func SerializeSubscribeError(se SubscribeError) []byte {
	var buf []byte
	buf = quicvarint.Append(buf, se.RequestID)
	buf = quicvarint.Append(buf, se.ErrorCode)
	return appendVarIntBytes(buf, []byte(se.ReasonPhrase))
}

// ParseSubscribeError decodes a SUBSCRIBE_ERROR payload.
func ParseSubscribeError(data []byte) (SubscribeError, error) {
	r := newBufReader(data)
	var se SubscribeError
	var err error

	if se.RequestID, err = r.readVarint(); err != nil {
		return se, &ParseError{Field: "request_id", Err: err}
	}
	if se.ErrorCode, err = r.readVarint(); err != nil {
		return se, &ParseError{Field: "error_code", Err: err}
	}
	reason, err := r.readVarIntBytes()
	if err != nil {
		return se, &ParseError{Field: "reason_phrase", Err: err}
	}
	se.ReasonPhrase = string(reason)
	return se, nil
}

// SerializeUnsubscribe encodes an UNSUBSCRIBE payload.
func SerializeUnsubscribe(u Unsubscribe) []byte {
	return quicvarint.Append(nil, u.RequestID)
}

// ParseUnsubscribe decodes an UNSUBSCRIBE payload.
func ParseUnsubscribe(data []byte) (Unsubscribe, error) {
	id, err := newBufReader(data).readVarint()
	if err != nil {
		return Unsubscribe{}, &ParseError{Field: "request_id", Err: err}
	}
	return Unsubscribe{RequestID: id}, nil
}
