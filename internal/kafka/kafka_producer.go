package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"plantwatch/internal/config"
	"plantwatch/internal/logger"
	"plantwatch/internal/metrics"
	"plantwatch/internal/models"
)

// Producer errors
var (
	ErrProducerClosed  = errors.New("producer is closed")
	ErrSerializeFailed = errors.New("failed to serialize message")
	ErrNoBrokers       = errors.New("no kafka broker reachable")
)

// Producer streams evaluation records to a topic. Writers are pooled so
// concurrent batches from the worker pool don't serialize on one connection.
type Producer struct {
	cfg     config.ProducerConfig
	brokers []string
	topic   string
	writers []*kafka.Writer
	pool    chan *kafka.Writer
	closed  atomic.Bool

	messagesSent   atomic.Uint64
	messagesFailed atomic.Uint64
	bytesWritten   atomic.Uint64
}

// NewProducer builds the writer pool. Nothing connects until the first write.
func NewProducer(brokers []string, topic string, cfg config.ProducerConfig) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}

	p := &Producer{
		cfg:     cfg,
		brokers: brokers,
		topic:   topic,
		writers: make([]*kafka.Writer, cfg.PoolSize),
		pool:    make(chan *kafka.Writer, cfg.PoolSize),
	}
	for i := range p.writers {
		w := p.newWriter()
		p.writers[i] = w
		p.pool <- w
	}
	return p, nil
}

// newWriter makes one synchronous writer. Retries are done by writeWithRetry,
// so the writer itself tries once.
func (p *Producer) newWriter() *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(p.brokers...),
		Topic:                  p.topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              p.cfg.BatchSize,
		BatchTimeout:           p.cfg.BatchTimeout,
		WriteTimeout:           p.cfg.WriteTimeout,
		RequiredAcks:           kafka.RequiredAcks(p.cfg.RequiredAcks),
		Compression:            getCompression(p.cfg.Compression),
		MaxAttempts:            1,
		AllowAutoTopicCreation: p.cfg.AutoCreateTopic,
	}
}

func getCompression(name string) compress.Compression {
	switch name {
	case "gzip":
		return compress.Gzip
	case "snappy":
		return compress.Snappy
	case "lz4":
		return compress.Lz4
	case "zstd":
		return compress.Zstd
	default:
		return compress.None
	}
}

// recordMessage encodes a record. Records are keyed by device so one
// device's history stays ordered within a partition.
func recordMessage(rec *models.EvaluationRecord) (kafka.Message, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("%w: %v", ErrSerializeFailed, err)
	}

	return kafka.Message{
		Key:   []byte(rec.DeviceID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "device_id", Value: []byte(rec.DeviceID)},
			{Key: "record_id", Value: []byte(rec.ID)},
			{Key: "overall_health", Value: []byte(rec.Health)},
		},
		Time: rec.EvaluatedAt,
	}, nil
}

// Publish sends one record.
func (p *Producer) Publish(ctx context.Context, rec *models.EvaluationRecord) error {
	return p.PublishBatch(ctx, []*models.EvaluationRecord{rec})
}

// PublishBatch sends records in a single write. A record that can't be
// encoded is counted as failed and skipped; the rest are still sent.
func (p *Producer) PublishBatch(ctx context.Context, records []*models.EvaluationRecord) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	if len(records) == 0 {
		return nil
	}

	log := logger.WithComponent("kafka_producer")

	messages := make([]kafka.Message, 0, len(records))
	var encodeErr error
	for _, rec := range records {
		msg, err := recordMessage(rec)
		if err != nil {
			log.Error().Err(err).Str("record_id", rec.ID).Msg("dropping record that can't be encoded")
			p.fail(1)
			encodeErr = err
			continue
		}
		messages = append(messages, msg)
	}
	if len(messages) == 0 {
		return encodeErr
	}

	writer, release, err := p.acquire(ctx)
	if err != nil {
		p.fail(len(messages))
		return err
	}
	defer release()

	start := time.Now()
	err = p.writeWithRetry(ctx, writer, messages)
	metrics.KafkaPublishDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		p.fail(len(messages))
		return err
	}

	var size uint64
	for _, msg := range messages {
		size += uint64(len(msg.Value))
	}
	p.messagesSent.Add(uint64(len(messages)))
	p.bytesWritten.Add(size)
	metrics.KafkaPublishTotal.WithLabelValues("success").Add(float64(len(messages)))
	metrics.KafkaBytesWritten.Add(float64(size))

	log.Debug().
		Str("topic", p.topic).
		Int("records", len(messages)).
		Uint64("bytes", size).
		Dur("duration", time.Since(start)).
		Msg("records published")
	return nil
}

func (p *Producer) fail(n int) {
	p.messagesFailed.Add(uint64(n))
	metrics.KafkaPublishTotal.WithLabelValues("failed").Add(float64(n))
}

// acquire borrows a writer from the pool until release is called.
func (p *Producer) acquire(ctx context.Context) (*kafka.Writer, func(), error) {
	select {
	case w := <-p.pool:
		return w, func() { p.pool <- w }, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// writeWithRetry retries failed writes with doubling backoff. Context
// errors end the attempt at once.
func (p *Producer) writeWithRetry(ctx context.Context, writer *kafka.Writer, messages []kafka.Message) error {
	log := logger.WithComponent("kafka_producer")
	attempts := p.cfg.MaxRetries + 1
	backoff := p.cfg.RetryBackoff

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = writer.WriteMessages(ctx, messages...); err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if attempt == attempts {
			break
		}

		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("kafka write failed, retrying")
		metrics.KafkaPublishRetries.Inc()

		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	log.Error().Err(err).Int("attempts", attempts).Msg("giving up on kafka write")
	return fmt.Errorf("failed after %d attempts: %w", attempts, err)
}

// Close closes every writer. It is safe to call more than once.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	var errs []error
	for _, w := range p.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ProducerStats holds producer counters.
type ProducerStats struct {
	MessagesSent   uint64
	MessagesFailed uint64
	BytesWritten   uint64
}

func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		MessagesSent:   p.messagesSent.Load(),
		MessagesFailed: p.messagesFailed.Load(),
		BytesWritten:   p.bytesWritten.Load(),
	}
}

// HealthCheck dials the brokers in order and succeeds on the first one
// that answers.
func (p *Producer) HealthCheck(ctx context.Context) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	var dialer kafka.Dialer
	var errs []error
	for _, broker := range p.brokers {
		conn, err := dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		return conn.Close()
	}
	return fmt.Errorf("%w: %w", ErrNoBrokers, errors.Join(errs...))
}
