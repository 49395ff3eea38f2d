package dispatch

import (
	"context"
	"fmt"

	"plantwatch/internal/config"
	"plantwatch/internal/logger"
	"plantwatch/internal/models"
)

// Sender delivers one command to the device.
type Sender interface {
	Send(ctx context.Context, cmd models.Command) error
	Close() error
}

// NewSender builds the sender for the configured dispatch kind.
func NewSender(cfg config.DispatchConfig) (Sender, error) {
	switch cfg.Kind {
	case "http":
		return NewHTTPSender(HTTPConfig{
			BaseURL:   cfg.BaseURL,
			Timeout:   cfg.Timeout,
			Retries:   cfg.Retries,
			RetryWait: cfg.RetryWait,
		}), nil
	case "mqtt":
		return NewMQTTSender(MQTTConfig{
			Broker: cfg.Broker,
			Topic:  cfg.Topic,
			QoS:    cfg.QoS,
		})
	case "none", "":
		return LogSender{}, nil
	default:
		return nil, fmt.Errorf("unknown dispatch kind %q", cfg.Kind)
	}
}

// LogSender only logs commands. Used when no control surface is configured.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, cmd models.Command) error {
	logger.WithDevice("dispatch", cmd.DeviceID).Info().
		Str("action", cmd.Action).
		Str("request_id", cmd.RequestID).
		Msg("command not delivered: dispatch disabled")
	return nil
}

func (LogSender) Close() error { return nil }
