// Package exception holds the sentinel errors shared across the bridge.
// Callers wrap them with fmt.Errorf("%w: ...") and match with errors.Is.
package exception

import "errors"

var (
	// ErrConfiguration is fatal at startup: empty symbol set, missing broker endpoint.
	ErrConfiguration = errors.New("configuration error")

	// ErrTransport is contained by the stream manager and triggers a reconnect.
	ErrTransport = errors.New("transport error")

	// ErrClosed is returned by the stream manager after Close.
	ErrClosed = errors.New("stream closed")
)

// Decoding errors
var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrNotTradeEvent  = errors.New("frame is not a trade event")
)

// Delivery and aggregation errors
var (
	ErrPublish         = errors.New("publish error")
	ErrBatchValidation = errors.New("batch validation error")
)
