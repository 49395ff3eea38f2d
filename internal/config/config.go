package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"plantwatch/internal/alerts"
	"plantwatch/internal/models"
)

// EnvPrefix is prepended to every environment override, e.g.
// PLANTWATCH_TELEMETRY_ENDPOINT overrides telemetry.endpoint.
const EnvPrefix = "PLANTWATCH"

var ErrInvalidConfig = errors.New("invalid config")

// Config holds runtime configuration for the monitor.
type Config struct {
	Telemetry  TelemetryConfig `mapstructure:"telemetry"`
	Thresholds []alerts.Rule   `mapstructure:"thresholds"`
	Engine     EngineConfig    `mapstructure:"engine"`
	Dispatch   DispatchConfig  `mapstructure:"dispatch"`
	Kafka      KafkaConfig     `mapstructure:"kafka"`
	Redis      RedisConfig     `mapstructure:"redis"`
	HTTP       HTTPConfig      `mapstructure:"http"`
	Log        LogConfig       `mapstructure:"log"`
}

// TelemetryConfig configures the ingestion channel.
type TelemetryConfig struct {
	DeviceID string `mapstructure:"device_id"`
	Endpoint string `mapstructure:"endpoint"`

	// websocket or mqtt
	Transport string `mapstructure:"transport"`

	// MQTT only
	Topic    string `mapstructure:"topic"`
	ClientID string `mapstructure:"client_id"`

	FrameFormat models.FrameFormat `mapstructure:"frame_format"`

	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	MaxRetries        int           `mapstructure:"max_retries"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	MaxReconnectDelay time.Duration `mapstructure:"max_reconnect_delay"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	ReadLimit         int64         `mapstructure:"read_limit"`

	// Open the channel on startup
	AutoOpen bool `mapstructure:"auto_open"`
}

// EngineConfig configures the alert engine.
type EngineConfig struct {
	AlarmRepeatInterval time.Duration `mapstructure:"alarm_repeat_interval"`
}

// DispatchConfig configures how commands reach the device.
type DispatchConfig struct {
	// http, mqtt or none
	Kind string `mapstructure:"kind"`

	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Retries   int           `mapstructure:"retries"`
	RetryWait time.Duration `mapstructure:"retry_wait"`

	// MQTT broker and topic; broker defaults to the telemetry endpoint
	Broker string `mapstructure:"broker"`
	Topic  string `mapstructure:"topic"`
	QoS    byte   `mapstructure:"qos"`

	QueueSize int `mapstructure:"queue_size"`
}

// KafkaConfig configures the evaluation record stream.
type KafkaConfig struct {
	Enabled   bool           `mapstructure:"enabled"`
	Brokers   []string       `mapstructure:"brokers"`
	Topic     string         `mapstructure:"topic"`
	QueueSize int            `mapstructure:"queue_size"`
	Producer  ProducerConfig `mapstructure:"producer"`
}

// ProducerConfig holds Kafka writer tuning.
type ProducerConfig struct {
	PoolSize     int           `mapstructure:"pool_size"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	RequiredAcks int           `mapstructure:"required_acks"`
	Compression  string        `mapstructure:"compression"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`

	// Let brokers create the topic on first write
	AutoCreateTopic bool `mapstructure:"auto_create_topic"`
}

// RedisConfig configures the current-state cache.
type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// HTTPConfig configures the presentation API server.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Default returns a sensible default config for local dev.
func Default() *Config {
	return &Config{
		Telemetry: TelemetryConfig{
			DeviceID:          "esp32-plant",
			Endpoint:          "ws://192.168.4.1:81",
			Transport:         "websocket",
			Topic:             "sensor/status",
			ClientID:          "plantwatch",
			FrameFormat:       models.FrameFormatEnvelope,
			ReconnectDelay:    3 * time.Second,
			MaxRetries:        5,
			BackoffMultiplier: 1,
			MaxReconnectDelay: 30 * time.Second,
			HandshakeTimeout:  10 * time.Second,
			ReadLimit:         64 * 1024,
			AutoOpen:          true,
		},
		Thresholds: alerts.DefaultRules(),
		Dispatch: DispatchConfig{
			Kind:      "http",
			BaseURL:   "http://192.168.4.1",
			Timeout:   5 * time.Second,
			RetryWait: 500 * time.Millisecond,
			Topic:     "sensor/command",
			QueueSize: 64,
		},
		Kafka: KafkaConfig{
			Brokers:   []string{"localhost:9092"},
			Topic:     "plantwatch.evaluations",
			QueueSize: 1000,
			Producer: ProducerConfig{
				PoolSize:     2,
				BatchSize:    100,
				BatchTimeout: 100 * time.Millisecond,
				WriteTimeout: 10 * time.Second,
				RequiredAcks: 1,
				Compression:  "snappy",
				MaxRetries:   3,
				RetryBackoff: 100 * time.Millisecond,
			},
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "plantwatch",
			TTL:       10 * time.Minute,
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads configuration from an optional YAML file and PLANTWATCH_*
// environment variables, on top of Default().
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if len(cfg.Thresholds) == 0 {
		cfg.Thresholds = alerts.DefaultRules()
	}
	if cfg.Dispatch.Broker == "" {
		cfg.Dispatch.Broker = cfg.Telemetry.Endpoint
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("telemetry.device_id", d.Telemetry.DeviceID)
	v.SetDefault("telemetry.endpoint", d.Telemetry.Endpoint)
	v.SetDefault("telemetry.transport", d.Telemetry.Transport)
	v.SetDefault("telemetry.topic", d.Telemetry.Topic)
	v.SetDefault("telemetry.client_id", d.Telemetry.ClientID)
	v.SetDefault("telemetry.frame_format", string(d.Telemetry.FrameFormat))
	v.SetDefault("telemetry.reconnect_delay", d.Telemetry.ReconnectDelay)
	v.SetDefault("telemetry.max_retries", d.Telemetry.MaxRetries)
	v.SetDefault("telemetry.backoff_multiplier", d.Telemetry.BackoffMultiplier)
	v.SetDefault("telemetry.max_reconnect_delay", d.Telemetry.MaxReconnectDelay)
	v.SetDefault("telemetry.handshake_timeout", d.Telemetry.HandshakeTimeout)
	v.SetDefault("telemetry.read_limit", d.Telemetry.ReadLimit)
	v.SetDefault("telemetry.auto_open", d.Telemetry.AutoOpen)

	v.SetDefault("engine.alarm_repeat_interval", d.Engine.AlarmRepeatInterval)

	v.SetDefault("dispatch.kind", d.Dispatch.Kind)
	v.SetDefault("dispatch.base_url", d.Dispatch.BaseURL)
	v.SetDefault("dispatch.timeout", d.Dispatch.Timeout)
	v.SetDefault("dispatch.retries", d.Dispatch.Retries)
	v.SetDefault("dispatch.retry_wait", d.Dispatch.RetryWait)
	v.SetDefault("dispatch.broker", d.Dispatch.Broker)
	v.SetDefault("dispatch.topic", d.Dispatch.Topic)
	v.SetDefault("dispatch.qos", d.Dispatch.QoS)
	v.SetDefault("dispatch.queue_size", d.Dispatch.QueueSize)

	v.SetDefault("kafka.enabled", d.Kafka.Enabled)
	v.SetDefault("kafka.brokers", d.Kafka.Brokers)
	v.SetDefault("kafka.topic", d.Kafka.Topic)
	v.SetDefault("kafka.queue_size", d.Kafka.QueueSize)
	v.SetDefault("kafka.producer.pool_size", d.Kafka.Producer.PoolSize)
	v.SetDefault("kafka.producer.batch_size", d.Kafka.Producer.BatchSize)
	v.SetDefault("kafka.producer.batch_timeout", d.Kafka.Producer.BatchTimeout)
	v.SetDefault("kafka.producer.write_timeout", d.Kafka.Producer.WriteTimeout)
	v.SetDefault("kafka.producer.required_acks", d.Kafka.Producer.RequiredAcks)
	v.SetDefault("kafka.producer.compression", d.Kafka.Producer.Compression)
	v.SetDefault("kafka.producer.max_retries", d.Kafka.Producer.MaxRetries)
	v.SetDefault("kafka.producer.retry_backoff", d.Kafka.Producer.RetryBackoff)
	v.SetDefault("kafka.producer.auto_create_topic", d.Kafka.Producer.AutoCreateTopic)

	v.SetDefault("redis.enabled", d.Redis.Enabled)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.key_prefix", d.Redis.KeyPrefix)
	v.SetDefault("redis.ttl", d.Redis.TTL)

	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)
	v.SetDefault("http.idle_timeout", d.HTTP.IdleTimeout)
	v.SetDefault("http.shutdown_timeout", d.HTTP.ShutdownTimeout)

	v.SetDefault("log.level", d.Log.Level)
}

// Validate checks the config for values the monitor can't run with.
func (c *Config) Validate() error {
	t := c.Telemetry
	if t.DeviceID == "" {
		return fmt.Errorf("%w: telemetry.device_id is required", ErrInvalidConfig)
	}
	if err := validateURL("telemetry.endpoint", t.Endpoint); err != nil {
		return err
	}
	switch t.Transport {
	case "websocket":
	case "mqtt":
		if t.Topic == "" {
			return fmt.Errorf("%w: telemetry.topic is required for mqtt", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown telemetry.transport %q", ErrInvalidConfig, t.Transport)
	}
	if !t.FrameFormat.IsValid() {
		return fmt.Errorf("%w: unknown telemetry.frame_format %q", ErrInvalidConfig, t.FrameFormat)
	}
	if t.ReconnectDelay <= 0 {
		return fmt.Errorf("%w: telemetry.reconnect_delay must be positive", ErrInvalidConfig)
	}
	if t.MaxRetries < 0 {
		return fmt.Errorf("%w: telemetry.max_retries must not be negative", ErrInvalidConfig)
	}
	if t.BackoffMultiplier < 1 {
		return fmt.Errorf("%w: telemetry.backoff_multiplier must be >= 1", ErrInvalidConfig)
	}

	if err := alerts.ValidateRules(c.Thresholds); err != nil {
		return fmt.Errorf("%w: thresholds: %v", ErrInvalidConfig, err)
	}
	if c.Engine.AlarmRepeatInterval < 0 {
		return fmt.Errorf("%w: engine.alarm_repeat_interval must not be negative", ErrInvalidConfig)
	}

	switch c.Dispatch.Kind {
	case "none":
	case "http":
		if err := validateURL("dispatch.base_url", c.Dispatch.BaseURL); err != nil {
			return err
		}
	case "mqtt":
		if c.Dispatch.Topic == "" {
			return fmt.Errorf("%w: dispatch.topic is required for mqtt", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown dispatch.kind %q", ErrInvalidConfig, c.Dispatch.Kind)
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "" {
			return fmt.Errorf("%w: kafka.brokers and kafka.topic are required", ErrInvalidConfig)
		}
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("%w: redis.addr is required", ErrInvalidConfig)
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("%w: http.addr is required", ErrInvalidConfig)
	}
	return nil
}

func validateURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: %s %q must be an absolute URL", ErrInvalidConfig, key, raw)
	}
	return nil
}
