package ingest

import (
	"errors"
	"fmt"
)

var (
	// ErrRetriesExhausted is reported once automatic reconnects have given up.
	ErrRetriesExhausted = errors.New("telemetry unavailable: reconnect attempts exhausted")
	// ErrLoopPanic is reported when the connection loop crashed.
	ErrLoopPanic       = errors.New("telemetry unavailable: connection loop panicked")
	ErrAlreadyOpen     = errors.New("channel is already open")
	ErrInvalidEndpoint = errors.New("invalid telemetry endpoint")
	ErrNoDialer        = errors.New("no dialer configured")
)

// TransportError is a recoverable failure of the telemetry link: a refused
// dial or a dropped connection.
type TransportError struct {
	Op       string // dial or read
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
