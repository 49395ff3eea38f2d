package ingest

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// MQTTDialer subscribes to a broker topic the device publishes frames on.
// The paho client's own reconnect logic is turned off; the channel decides
// when to reconnect.
type MQTTDialer struct {
	ClientID       string
	Topic          string
	QoS            byte
	Username       string
	Password       string
	ConnectTimeout time.Duration
	// Frames buffered between the paho callback and the reader
	Buffer int
}

func (d *MQTTDialer) Supports(scheme string) bool {
	switch scheme {
	case "tcp", "mqtt", "ssl", "tls", "mqtts", "ws", "wss":
		return true
	default:
		return false
	}
}

func (d *MQTTDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	if d.Topic == "" {
		return nil, errors.New("mqtt topic is required")
	}
	buffer := d.Buffer
	if buffer <= 0 {
		buffer = 64
	}

	conn := &mqttConn{
		frames: make(chan []byte, buffer),
		lost:   make(chan error, 1),
		closed: make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(endpoint)
	opts.SetClientID(clientID(d.ClientID))
	if d.Username != "" {
		opts.SetUsername(d.Username)
	}
	if d.Password != "" {
		opts.SetPassword(d.Password)
	}
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetCleanSession(true)
	if d.ConnectTimeout > 0 {
		opts.SetConnectTimeout(d.ConnectTimeout)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		conn.fail(err)
	})

	client := mqtt.NewClient(opts)
	connect := client.Connect()
	if err := waitToken(ctx, connect); err != nil {
		release(client, connect)
		return nil, err
	}
	conn.client = client

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		conn.push(msg.Payload())
	}
	if err := waitToken(ctx, client.Subscribe(d.Topic, d.QoS, handler)); err != nil {
		client.Disconnect(0)
		return nil, err
	}
	return conn, nil
}

// clientID makes broker client ids unique per dial so a stale session on
// the broker can't kick the new one.
func clientID(prefix string) string {
	if prefix == "" {
		prefix = "plantwatch"
	}
	return prefix + "-" + uuid.New().String()[:8]
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release disconnects client once its connect token has settled. A dial
// cancelled mid-connect would otherwise leave a session that comes up later.
// paho completes the token within its connect timeout.
func release(client mqtt.Client, connect mqtt.Token) {
	go func() {
		<-connect.Done()
		client.Disconnect(0)
	}()
}

type mqttConn struct {
	client    mqtt.Client
	frames    chan []byte
	lost      chan error
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *mqttConn) push(payload []byte) {
	select {
	case c.frames <- payload:
	case <-c.closed:
	}
}

func (c *mqttConn) fail(err error) {
	if err == nil {
		err = errors.New("mqtt connection lost")
	}
	select {
	case c.lost <- err:
	default:
	}
}

func (c *mqttConn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-c.frames:
		return frame, nil
	default:
	}

	select {
	case frame := <-c.frames:
		return frame, nil
	case err := <-c.lost:
		return nil, err
	case <-c.closed:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *mqttConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.client != nil {
			c.client.Disconnect(250)
		}
	})
	return nil
}
