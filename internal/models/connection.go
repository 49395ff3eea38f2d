package models

import "time"

// ConnectionStatus is the lifecycle status of the telemetry link.
type ConnectionStatus string

const (
	StatusConnecting ConnectionStatus = "connecting"
	StatusOpen       ConnectionStatus = "open"
	StatusClosed     ConnectionStatus = "closed"
	// StatusUnavailable is reached when automatic reconnects are exhausted.
	// A manual Open restarts the channel from here.
	StatusUnavailable ConnectionStatus = "unavailable"
)

// ConnectionState is a point-in-time copy of the channel's connection state.
type ConnectionState struct {
	Status     ConnectionStatus `json:"status"`
	Endpoint   string           `json:"endpoint,omitempty"`
	RetryCount int              `json:"retry_count"`
	LastError  string           `json:"last_error,omitempty"`
	Since      time.Time        `json:"since"`

	// Err is the error behind LastError, kept for errors.Is checks.
	Err error `json:"-"`
}
