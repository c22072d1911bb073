package sse

import "errors"

var (
	// ErrBusClosed is returned by Receive after the subscription has
	// been closed or the underlying transport dropped it.
	ErrBusClosed = errors.New("sse: bus closed")

	// ErrStreamingUnsupported is returned when the response writer
	// cannot flush partial output.
	ErrStreamingUnsupported = errors.New("sse: response writer does not support streaming")
)
