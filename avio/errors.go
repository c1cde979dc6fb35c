// Package avio declares the interfaces of the external collaborators
// the pipeline core drives — container readers/writers, codecs,
// bitstream filters and filter graphs — together with the error kinds
// they are expected to speak. Concrete implementations live in
// package libav (FFmpeg via go-astiav) and in test fakes.
package avio

import (
	"errors"
	"fmt"
)

// ErrAgain is returned by non-blocking operations that transiently have
// nothing to give or no room to take (codec wants more input/output,
// filter graph has no frame ready). Callers retry after feeding or
// draining the other side. EOF is signalled with io.EOF.
var ErrAgain = errors.New("resource temporarily unavailable")

// ErrInvalidData marks a packet or frame violating invariants; the
// default policy is drop-and-count, escalated to fatal under
// exit-on-error.
var ErrInvalidData = errors.New("invalid data")

// ErrCancelled is returned by blocking operations interrupted by
// pipeline cancellation.
var ErrCancelled = errors.New("cancelled")

// StreamError attributes an error to one elementary stream.
type StreamError struct {
	StreamIndex int
	Err         error
}

func (e StreamError) Error() string {
	return fmt.Sprintf("stream #%d: %v", e.StreamIndex, e.Err)
}

func (e StreamError) Unwrap() error {
	return e.Err
}
