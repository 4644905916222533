package moq

import (
	"errors"
	"fmt"
)

// Sentinel errors for session and stream handling, for use with errors.Is.
var (
	ErrVersionMismatch    = errors.New("moq: no compatible version")
	ErrUnknownTrack       = errors.New("moq: unknown track")
	ErrUnsupportedFilter  = errors.New("moq: unsupported filter type")
	ErrUnknownNamespace   = errors.New("moq: unknown namespace")
	ErrUnexpectedMessage  = errors.New("moq: unexpected control message")
	ErrUnknownStreamType  = errors.New("moq: unknown data stream type")
	ErrMessageTooLarge    = errors.New("moq: control message exceeds 65535 bytes")
	ErrSubscriptionFailed = errors.New("moq: subscription rejected")
)

// SubscribeError codes (draft-15 §9.8).
const (
	SubscribeErrInternal         uint64 = 0x00
	SubscribeErrUnauthorized     uint64 = 0x01
	SubscribeErrTimeout          uint64 = 0x02
	SubscribeErrNotSupported     uint64 = 0x03
	SubscribeErrTrackNotExist    uint64 = 0x04
	SubscribeErrInvalidRange     uint64 = 0x05
	SubscribeErrMalformedAuth    uint64 = 0x10
	SubscribeErrExpiredAuthToken uint64 = 0x12
)

// ParseError records which field of a message or data stream could not be
// decoded. It wraps the underlying I/O or format error.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("moq: parse %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// RejectedError is returned by the subscriber side when the publisher
// answers SUBSCRIBE with SUBSCRIBE_ERROR. It matches ErrSubscriptionFailed.
type RejectedError struct {
	Track  string
	Code   uint64
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("moq: subscribe %q rejected (code %d): %s", e.Track, e.Code, e.Reason)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrSubscriptionFailed
}
