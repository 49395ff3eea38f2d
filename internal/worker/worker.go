package worker

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
	ErrQueueFull = errors.New("record queue is full")
	ErrStopped   = errors.New("worker pool stopped")
)

// Publisher defines the interface for publishing evaluation records
type Publisher interface {
	Publish(ctx context.Context, rec *models.EvaluationRecord) error
	PublishBatch(ctx context.Context, records []*models.EvaluationRecord) error
}

// Pool batches evaluation records and hands them to a Publisher. It sits
// behind the alert engine as a listener, so enqueueing never blocks an
// evaluation pass.
type Pool struct {
	publisher    Publisher
	records      chan *models.EvaluationRecord
	workers      int
	batchSize    int
	batchTimeout time.Duration

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	// held for reading across the stopped check and the enqueue
	mu      sync.RWMutex
	stopped bool

	// Metrics
	processed atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// Config holds worker pool configuration
type Config struct {
	Publisher    Publisher
	QueueSize    int
	Workers      int
	BatchSize    int
	BatchTimeout time.Duration
}

// NewPool creates a new worker pool
func NewPool(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 100 * time.Millisecond
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		publisher:    cfg.Publisher,
		records:      make(chan *models.EvaluationRecord, cfg.QueueSize),
		workers:      cfg.Workers,
		batchSize:    cfg.BatchSize,
		batchTimeout: cfg.BatchTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start begins processing records
func (p *Pool) Start() {
	log := logger.WithComponent("worker_pool")
	log.Info().
		Int("workers", p.workers).
		Int("batch_size", p.batchSize).
		Dur("batch_timeout", p.batchTimeout).
		Msg("starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// OnEvaluation queues a record for publishing. A full queue drops the record.
func (p *Pool) OnEvaluation(ctx context.Context, rec *models.EvaluationRecord) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.records <- rec:
		metrics.WorkerQueueSize.Set(float64(len(p.records)))
		return nil
	default:
		p.dropped.Add(1)
		metrics.WorkerFailedTotal.Inc()
		return ErrQueueFull
	}
}

// Stop gracefully stops all workers. Records already queued are flushed
// before the workers exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	log := logger.WithComponent("worker_pool")
	log.Info().Msg("stopping worker pool")
	p.cancel()
	p.wg.Wait()
	metrics.WorkerQueueSize.Set(0)
	log.Info().Msg("worker pool stopped")
}

// worker processes records from the queue
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	log := logger.WithComponent("worker").With().Int("worker_id", id).Logger()

	// Panic recovery
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			log.Error().
				Interface("panic", r).
				Bytes("stack", stack).
				Msg("worker panic recovered")
			metrics.PanicsRecovered.WithLabelValues("worker").Inc()
		}
	}()

	log.Debug().Msg("worker started")
	defer log.Debug().Msg("worker stopped")

	batch := make([]*models.EvaluationRecord, 0, p.batchSize)
	timer := time.NewTimer(p.batchTimeout)
	defer timer.Stop()

	for {
		select {
		case <-p.ctx.Done():
			batch = p.drain(batch)
			if len(batch) > 0 {
				p.publishBatch(batch)
			}
			return

		case rec := <-p.records:
			metrics.WorkerQueueSize.Set(float64(len(p.records)))
			batch = append(batch, rec)

			// Publish when batch is full
			if len(batch) >= p.batchSize {
				p.publishBatch(batch)
				batch = batch[:0]
				timer.Reset(p.batchTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				p.publishBatch(batch)
				batch = batch[:0]
			}
			timer.Reset(p.batchTimeout)
		}
	}
}

// drain pulls whatever is still queued without blocking.
func (p *Pool) drain(batch []*models.EvaluationRecord) []*models.EvaluationRecord {
	for {
		select {
		case rec := <-p.records:
			batch = append(batch, rec)
		default:
			return batch
		}
	}
}

// publishBatch publishes a batch of records. It runs on its own context so
// the shutdown flush is not cut short by the pool's cancellation.
func (p *Pool) publishBatch(batch []*models.EvaluationRecord) {
	if len(batch) == 0 {
		return
	}

	log := logger.WithComponent("worker")
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := p.publisher.PublishBatch(ctx, batch)
	duration := time.Since(start)

	metrics.WorkerBatchPublishDuration.Observe(duration.Seconds())

	if err != nil {
		log.Error().
			Err(err).
			Int("batch_size", len(batch)).
			Dur("duration", duration).
			Msg("failed to publish batch")

		p.failed.Add(uint64(len(batch)))
		metrics.WorkerFailedTotal.Add(float64(len(batch)))

		// Fallback: try publishing individually
		p.publishIndividually(batch)
		return
	}

	log.Debug().
		Int("batch_size", len(batch)).
		Dur("duration", duration).
		Msg("batch published")

	p.processed.Add(uint64(len(batch)))
	metrics.WorkerProcessedTotal.Add(float64(len(batch)))
}

// publishIndividually tries to publish each record separately (fallback)
func (p *Pool) publishIndividually(batch []*models.EvaluationRecord) {
	log := logger.WithComponent("worker")
	log.Warn().Int("count", len(batch)).Msg("attempting individual publish for failed batch")

	for _, rec := range batch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := p.publisher.Publish(ctx, rec)
		cancel()

		if err != nil {
			log.Error().
				Err(err).
				Str("record_id", rec.ID).
				Str("device_id", rec.DeviceID).
				Msg("failed to publish record individually")
			continue
		}

		// Don't count twice - subtract from failed, add to processed
		p.failed.Add(^uint64(0))
		p.processed.Add(1)
		metrics.WorkerProcessedTotal.Inc()
	}
}

// Stats returns worker pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
		Queued:    len(p.records),
	}
}

// Stats holds worker pool metrics
type Stats struct {
	Processed uint64
	Failed    uint64
	Dropped   uint64
	Queued    int
}
