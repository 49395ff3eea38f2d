package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"plantwatch/internal/models"
)

// MQTTConfig configures an MQTTSender
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
}

// MQTTSender publishes commands on a topic the device subscribes to.
type MQTTSender struct {
	client mqtt.Client
	topic  string
	qos    byte
}

// NewMQTTSender starts a client that keeps reconnecting in the background,
// so it can be created before the broker is reachable.
func NewMQTTSender(cfg MQTTConfig) (*MQTTSender, error) {
	if cfg.Broker == "" || cfg.Topic == "" {
		return nil, errors.New("mqtt broker and topic are required")
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "plantwatch-cmd-" + uuid.New().String()[:8]
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetCleanSession(true)

	client := mqtt.NewClient(opts)
	client.Connect()

	return &MQTTSender{client: client, topic: cfg.Topic, qos: cfg.QoS}, nil
}

func (s *MQTTSender) Send(ctx context.Context, cmd models.Command) error {
	if !s.client.IsConnectionOpen() {
		return fmt.Errorf("publish %s: mqtt broker not connected", cmd.Action)
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode %s: %w", cmd.Action, err)
	}

	token := s.client.Publish(s.topic, s.qos, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish %s to %s: %w", cmd.Action, s.topic, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *MQTTSender) Close() error {
	s.client.Disconnect(250)
	return nil
}
