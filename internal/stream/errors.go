package stream

import (
	"errors"
	"fmt"
)

// ErrSessionUsed is returned when Run is called on a Session that already ran.
var ErrSessionUsed = errors.New("stream session already used")

// StreamError reports a failure while reading a stream that the backend had already accepted.
type StreamError struct {
	Err error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream read failed: %v", e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// DecodeError reports a byte sequence that is not valid UTF-8 even with carry-over. Offset is the position
// in the whole stream where the bad sequence starts.
type DecodeError struct {
	Offset int64
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode failed at byte %d: %v", e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func errTruncatedSequence(n int) error {
	return fmt.Errorf("stream ended inside a multi-byte character (%d byte(s) pending)", n)
}
