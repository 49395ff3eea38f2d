package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// FrameFormat selects how an inbound telemetry frame is unwrapped.
type FrameFormat string

const (
	// FrameFormatEnvelope frames carry the metric update as a JSON string in
	// the "message" field.
	FrameFormatEnvelope FrameFormat = "envelope"
	// FrameFormatFlat frames are the metric update itself.
	FrameFormatFlat FrameFormat = "flat"
)

// IsValid checks if the frame format is supported
func (f FrameFormat) IsValid() bool {
	switch f {
	case FrameFormatEnvelope, FrameFormatFlat:
		return true
	default:
		return false
	}
}

// Parse errors
var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrMissingPayload    = errors.New("envelope has no message payload")
	ErrInvalidPayload    = errors.New("payload is not a flat object of numeric metrics")
	ErrEmptyFrame        = errors.New("empty frame")
)

// ParseError describes why a single frame was dropped.
type ParseError struct {
	Stage string // envelope or payload
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Stage, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Envelope is the outer wire structure sent by the device. Message holds the
// string-encoded metric payload.
type Envelope struct {
	Message json.RawMessage `json:"message"`
}

// ParseFrame unwraps one inbound frame and returns the metric update it
// carries. The returned map is owned by the caller.
func ParseFrame(raw []byte, format FrameFormat) (map[string]float64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, &ParseError{Stage: "envelope", Err: ErrEmptyFrame}
	}

	payload := raw
	if format != FrameFormatFlat {
		inner, err := unwrapEnvelope(raw)
		if err != nil {
			return nil, err
		}
		payload = inner
	}

	update, err := decodePayload(payload)
	if err != nil {
		return nil, &ParseError{Stage: "payload", Err: err}
	}
	return update, nil
}

func unwrapEnvelope(raw []byte) ([]byte, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &ParseError{Stage: "envelope", Err: fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)}
	}

	if len(env.Message) == 0 || bytes.Equal(env.Message, []byte("null")) {
		return nil, &ParseError{Stage: "envelope", Err: ErrMissingPayload}
	}

	var message string
	if err := json.Unmarshal(env.Message, &message); err != nil {
		return nil, &ParseError{Stage: "envelope", Err: fmt.Errorf("%w: message must be a string", ErrMalformedEnvelope)}
	}
	if message == "" {
		return nil, &ParseError{Stage: "envelope", Err: ErrMissingPayload}
	}
	return []byte(message), nil
}

// decodePayload keeps the numeric fields of a flat payload. Fields that are
// not numbers (status strings, flags, nested objects) are skipped so they
// don't cost the frame its metric updates. A non-empty payload without a
// single numeric field is rejected.
func decodePayload(payload []byte) (map[string]float64, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if fields == nil {
		return nil, ErrInvalidPayload
	}

	update := make(map[string]float64, len(fields))
	for key, value := range fields {
		if bytes.Equal(value, []byte("null")) {
			continue
		}
		var v float64
		if err := json.Unmarshal(value, &v); err != nil {
			continue
		}
		update[key] = v
	}
	if len(fields) > 0 && len(update) == 0 {
		return nil, fmt.Errorf("%w: no numeric fields", ErrInvalidPayload)
	}
	return update, nil
}
