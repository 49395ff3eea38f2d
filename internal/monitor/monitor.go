package monitor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"plantwatch/internal/alerts"
	"plantwatch/internal/config"
	"plantwatch/internal/dispatch"
	"plantwatch/internal/handlers"
	"plantwatch/internal/hub"
	"plantwatch/internal/ingest"
	"plantwatch/internal/kafka"
	"plantwatch/internal/logger"
	"plantwatch/internal/models"
	"plantwatch/internal/state"
	"plantwatch/internal/worker"
)

// Monitor wires the telemetry channel, the alert engine and everything that
// consumes their output, and runs them until its context is cancelled.
type Monitor struct {
	cfg *config.Config

	channel *ingest.Channel
	engine  *alerts.Engine
	queue   *dispatch.Queue
	hub     *hub.Hub
	api     *handlers.API

	store    state.StateStore
	producer *kafka.Producer
	pool     *worker.Pool

	httpServer *http.Server
	statsEvery time.Duration

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// New builds the monitor from config. Nothing connects until Run.
func New(cfg *config.Config) (*Monitor, error) {
	log := logger.WithDevice("monitor", cfg.Telemetry.DeviceID)

	dialer, err := ingest.NewDialer(cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	sender, err := dispatch.NewSender(cfg.Dispatch)
	if err != nil {
		return nil, err
	}

	m := &Monitor{
		cfg:        cfg,
		channel:    ingest.NewChannel(ingest.OptionsFromConfig(cfg.Telemetry, dialer)),
		store:      state.NewNoopStore(),
		statsEvery: 30 * time.Second,
	}

	m.queue = dispatch.NewQueue(dispatch.Config{
		DeviceID:    cfg.Telemetry.DeviceID,
		Sender:      sender,
		QueueSize:   cfg.Dispatch.QueueSize,
		SendTimeout: cfg.Dispatch.Timeout,
	})

	m.engine = alerts.NewEngine(alerts.Config{
		DeviceID:            cfg.Telemetry.DeviceID,
		Rules:               cfg.Thresholds,
		Dispatcher:          m.queue,
		AlarmRepeatInterval: cfg.Engine.AlarmRepeatInterval,
	})

	m.hub = hub.New(m.greeting)

	checks := map[string]handlers.CheckFunc{}

	// Evaluation listeners run in registration order: push first, then the
	// cache and the record stream.
	m.engine.AddListener(m.hub)

	if cfg.Redis.Enabled {
		m.store = state.NewRedisStore(cfg.Redis)
		cache := state.NewCache(m.store, cfg.Redis.KeyPrefix, cfg.Telemetry.DeviceID, cfg.Redis.TTL)
		m.engine.AddListener(cache)
		checks["redis"] = cache.Ping
		log.Info().Str("addr", cfg.Redis.Addr).Msg("state cache enabled")
	}

	if cfg.Kafka.Enabled {
		producer, err := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.Producer)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize producer: %w", err)
		}
		m.producer = producer
		m.pool = worker.NewPool(worker.Config{
			Publisher:    producer,
			QueueSize:    cfg.Kafka.QueueSize,
			Workers:      cfg.Kafka.Producer.PoolSize,
			BatchSize:    cfg.Kafka.Producer.BatchSize,
			BatchTimeout: cfg.Kafka.Producer.BatchTimeout,
		})
		m.engine.AddListener(m.pool)
		checks["kafka"] = producer.HealthCheck
		log.Info().
			Strs("brokers", cfg.Kafka.Brokers).
			Str("topic", cfg.Kafka.Topic).
			Msg("evaluation record stream enabled")
	}

	// Snapshot subscribers run in order on the channel's goroutine.
	m.channel.OnSnapshot(m.engine.HandleSnapshot)
	m.channel.OnSnapshot(m.hub.OnSnapshot)
	m.channel.OnState(m.hub.OnState)

	m.api = handlers.New(handlers.Config{
		Telemetry: m.channel,
		Alerts:    m.engine,
		Commands:  m.queue,
		Push:      http.HandlerFunc(m.hub.ServeWS),
		Endpoint:  cfg.Telemetry.Endpoint,
		Checks:    checks,
	})

	m.httpServer = &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      m.api.Router(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	return m, nil
}

// Handler returns the HTTP handler served by Run.
func (m *Monitor) Handler() http.Handler {
	return m.httpServer.Handler
}

// Addr returns the address the HTTP server listens on once Run has started.
func (m *Monitor) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

// Run starts background goroutines and blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	log := logger.WithDevice("monitor", m.cfg.Telemetry.DeviceID)
	log.Info().Msg("monitor starting")

	ln, err := net.Listen("tcp", m.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.cfg.HTTP.Addr, err)
	}
	m.mu.Lock()
	m.listener = ln
	m.mu.Unlock()

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.hub.Run(hubCtx)
	}()

	m.queue.Start()
	if m.pool != nil {
		m.pool.Start()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		log.Info().Str("addr", ln.Addr().String()).Msg("starting HTTP server")
		if err := m.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	if m.cfg.Telemetry.AutoOpen {
		if err := m.channel.Open(m.cfg.Telemetry.Endpoint); err != nil {
			log.Error().Err(err).Msg("failed to open telemetry channel")
		}
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.reportStats(ctx)
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	return m.shutdown(stopHub)
}

// shutdown performs graceful shutdown
func (m *Monitor) shutdown(stopHub context.CancelFunc) error {
	log := logger.WithDevice("monitor", m.cfg.Telemetry.DeviceID)
	log.Info().Msg("initiating graceful shutdown")

	timeout := m.cfg.HTTP.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error

	// 1. Stop telemetry so no new evaluations start
	if err := m.channel.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close channel: %w", err))
	}

	// 2. Stop accepting HTTP requests and disconnect push clients
	if err := m.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	stopHub()

	// 3. Deliver queued commands
	if err := m.queue.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("stop command queue: %w", err))
	}

	// 4. Flush evaluation records
	if m.pool != nil {
		m.pool.Stop()
	}
	if m.producer != nil {
		if err := m.producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close producer: %w", err))
		}
	}

	if err := m.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close state store: %w", err))
	}

	m.wg.Wait()

	if err := errors.Join(errs...); err != nil {
		log.Error().Err(err).Msg("shutdown finished with errors")
		return err
	}
	log.Info().Msg("monitor stopped gracefully")
	return nil
}

// greeting is what a new push client receives before live updates.
func (m *Monitor) greeting() []hub.Message {
	msgs := []hub.Message{{Type: hub.TypeConnection, Payload: m.channel.State()}}
	if snap, ok := m.channel.Snapshot(); ok {
		msgs = append(msgs, hub.Message{Type: hub.TypeSnapshot, Payload: snap})
	}
	if report, ok := m.engine.Current(); ok {
		msgs = append(msgs, hub.Message{Type: hub.TypeAlerts, Payload: report})
	}
	return msgs
}

// reportStats periodically logs statistics
func (m *Monitor) reportStats(ctx context.Context) {
	log := logger.WithDevice("monitor", m.cfg.Telemetry.DeviceID)
	ticker := time.NewTicker(m.statsEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := m.channel.State()
			cmdStats := m.queue.Stats()

			ev := log.Info().
				Str("connection", string(st.Status)).
				Int("retry_count", st.RetryCount).
				Int("push_clients", m.hub.ClientCount()).
				Uint64("commands_sent", cmdStats.Sent).
				Uint64("commands_failed", cmdStats.Failed).
				Uint64("commands_dropped", cmdStats.Dropped)

			if snap, ok := m.channel.Snapshot(); ok {
				ev = ev.Uint64("frames", snap.Seq)
			}
			if report, ok := m.engine.Current(); ok {
				ev = ev.Str("overall_health", string(report.Health)).Int("active_alerts", len(report.Alerts))
			}
			if m.pool != nil {
				ws := m.pool.Stats()
				ps := m.producer.Stats()
				ev = ev.
					Uint64("records_processed", ws.Processed).
					Uint64("records_failed", ws.Failed).
					Uint64("records_dropped", ws.Dropped).
					Uint64("producer_bytes", ps.BytesWritten)
			}
			ev.Msg("stats")
		}
	}
}

// Status is a point-in-time summary used by the CLI on exit.
type Status struct {
	Connection models.ConnectionState
	Commands   dispatch.Stats
}

func (m *Monitor) Status() Status {
	return Status{
		Connection: m.channel.State(),
		Commands:   m.queue.Stats(),
	}
}
