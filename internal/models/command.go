package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Well-known device commands
const (
	ActionAlarmOn    = "alarm_on"
	ActionCloseAlarm = "close_alarm"
)

var (
	ErrEmptyAction   = errors.New("action cannot be empty")
	ErrInvalidAction = errors.New("action must match [a-z][a-z0-9_]*")
)

// Command is the payload delivered to the device's control endpoint.
type Command struct {
	RequestID string    `json:"request_id"`
	DeviceID  string    `json:"device_id"`
	Action    string    `json:"action"`
	Reason    string    `json:"reason,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
}

// NewCommand builds a command with a fresh request ID.
func NewCommand(deviceID, action, reason string) Command {
	return Command{
		RequestID: uuid.New().String(),
		DeviceID:  deviceID,
		Action:    NormalizeAction(action),
		Reason:    reason,
		IssuedAt:  time.Now().UTC(),
	}
}

// Validate checks the command action
func (c Command) Validate() error {
	if c.Action == "" {
		return ErrEmptyAction
	}
	if !ValidAction(c.Action) {
		return ErrInvalidAction
	}
	return nil
}
