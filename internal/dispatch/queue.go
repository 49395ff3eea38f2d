package dispatch

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"plantwatch/internal/logger"
	"plantwatch/internal/metrics"
	"plantwatch/internal/models"
)

var (
	ErrQueueFull   = errors.New("command queue is full")
	ErrQueueClosed = errors.New("command queue is closed")
)

// Reasons attached to queued commands
const (
	ReasonEvaluation = "evaluation"
	ReasonOperator   = "operator"
)

// Config holds queue configuration
type Config struct {
	DeviceID    string
	Sender      Sender
	QueueSize   int
	SendTimeout time.Duration
}

// Queue delivers commands on one background goroutine so callers never
// wait on the device. When the buffer is full new commands are dropped.
type Queue struct {
	deviceID    string
	sender      Sender
	sendTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan models.Command
	done   chan struct{}

	sent    atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

// NewQueue creates a queue. Call Start before enqueuing.
func NewQueue(cfg Config) *Queue {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.Sender == nil {
		cfg.Sender = LogSender{}
	}

	return &Queue{
		deviceID:    cfg.DeviceID,
		sender:      cfg.Sender,
		sendTimeout: cfg.SendTimeout,
		queue:       make(chan models.Command, cfg.QueueSize),
		done:        make(chan struct{}),
	}
}

// Start launches the sender goroutine.
func (q *Queue) Start() {
	go q.loop()
}

// Dispatch queues an action produced by evaluation. Failures are logged and
// counted here and never reported back.
func (q *Queue) Dispatch(ctx context.Context, action string) {
	if _, err := q.Enqueue(action, ReasonEvaluation); err != nil {
		logger.WithDevice("dispatch", q.deviceID).Warn().
			Err(err).
			Str("action", action).
			Msg("command not queued")
	}
}

// Enqueue validates and queues an action without blocking.
func (q *Queue) Enqueue(action, reason string) (models.Command, error) {
	cmd := models.NewCommand(q.deviceID, action, reason)
	if err := cmd.Validate(); err != nil {
		return cmd, err
	}

	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return cmd, ErrQueueClosed
	}

	select {
	case q.queue <- cmd:
		metrics.CommandQueueSize.Set(float64(len(q.queue)))
		return cmd, nil
	default:
		q.dropped.Add(1)
		metrics.CommandsTotal.WithLabelValues(cmd.Action, "dropped").Inc()
		return cmd, ErrQueueFull
	}
}

// Stop stops accepting commands, delivers what is already queued and closes
// the sender. It gives up on the backlog when ctx is done.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.queue)
	q.mu.Unlock()

	select {
	case <-q.done:
	case <-ctx.Done():
		logger.WithDevice("dispatch", q.deviceID).Warn().
			Int("pending", len(q.queue)).
			Msg("command queue stop timed out")
	}
	return q.sender.Close()
}

func (q *Queue) loop() {
	defer close(q.done)
	for cmd := range q.queue {
		metrics.CommandQueueSize.Set(float64(len(q.queue)))
		q.send(cmd)
	}
}

func (q *Queue) send(cmd models.Command) {
	log := logger.WithDevice("dispatch", q.deviceID).With().
		Str("action", cmd.Action).
		Str("request_id", cmd.RequestID).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("command sender panic recovered")
			metrics.PanicsRecovered.WithLabelValues("dispatch").Inc()
			q.failed.Add(1)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), q.sendTimeout)
	defer cancel()

	start := time.Now()
	if err := q.sender.Send(ctx, cmd); err != nil {
		q.failed.Add(1)
		metrics.CommandsTotal.WithLabelValues(cmd.Action, "failed").Inc()
		log.Error().Err(err).Dur("duration", time.Since(start)).Msg("command delivery failed")
		return
	}

	q.sent.Add(1)
	metrics.CommandsTotal.WithLabelValues(cmd.Action, "sent").Inc()
	log.Info().Str("reason", cmd.Reason).Dur("duration", time.Since(start)).Msg("command sent")
}

// Stats returns queue statistics
func (q *Queue) Stats() Stats {
	return Stats{
		Sent:    q.sent.Load(),
		Failed:  q.failed.Load(),
		Dropped: q.dropped.Load(),
		Pending: len(q.queue),
	}
}

// Stats holds command queue counters
type Stats struct {
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
	Pending int    `json:"pending"`
}
