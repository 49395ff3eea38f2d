package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"plantwatch/internal/models"
)

// CommandPath is where the device accepts commands.
const CommandPath = "/command"

// HTTPConfig configures an HTTPSender
type HTTPConfig struct {
	BaseURL   string
	Timeout   time.Duration
	Retries   int
	RetryWait time.Duration
}

// HTTPSender posts commands as JSON to the device's control endpoint.
type HTTPSender struct {
	client *resty.Client
}

func NewHTTPSender(cfg HTTPConfig) *HTTPSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.Retries).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.RetryWait > 0 {
		client.SetRetryWaitTime(cfg.RetryWait)
	}

	return &HTTPSender{client: client}
}

func (s *HTTPSender) Send(ctx context.Context, cmd models.Command) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("X-Request-ID", cmd.RequestID).
		SetBody(cmd).
		Post(CommandPath)
	if err != nil {
		return fmt.Errorf("post %s: %w", cmd.Action, err)
	}
	if resp.IsError() {
		return fmt.Errorf("post %s: device returned %s", cmd.Action, resp.Status())
	}
	return nil
}

func (s *HTTPSender) Close() error { return nil }
