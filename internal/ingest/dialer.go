package ingest

import (
	"fmt"

	"plantwatch/internal/config"
)

// NewDialer builds the dialer for the configured transport.
func NewDialer(cfg config.TelemetryConfig) (Dialer, error) {
	switch cfg.Transport {
	case "websocket", "":
		return &WebSocketDialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadLimit:        cfg.ReadLimit,
		}, nil
	case "mqtt":
		return &MQTTDialer{
			ClientID:       cfg.ClientID,
			Topic:          cfg.Topic,
			ConnectTimeout: cfg.HandshakeTimeout,
		}, nil
	default:
		return nil, fmt.Errorf("unknown telemetry transport %q", cfg.Transport)
	}
}

// OptionsFromConfig maps telemetry config onto channel options.
func OptionsFromConfig(cfg config.TelemetryConfig, dialer Dialer) Options {
	return Options{
		DeviceID:          cfg.DeviceID,
		Dialer:            dialer,
		FrameFormat:       cfg.FrameFormat,
		ReconnectDelay:    cfg.ReconnectDelay,
		MaxRetries:        cfg.MaxRetries,
		BackoffMultiplier: cfg.BackoffMultiplier,
		MaxReconnectDelay: cfg.MaxReconnectDelay,
	}
}
