package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"plantwatch/internal/logger"
	"plantwatch/internal/metrics"
	"plantwatch/internal/models"
)

// Conn is one live telemetry connection.
type Conn interface {
	// ReadFrame blocks until the next frame arrives or the connection fails.
	ReadFrame(ctx context.Context) ([]byte, error)
	// Close must unblock a pending ReadFrame.
	Close() error
}

// Dialer opens telemetry connections for the URI schemes it supports.
type Dialer interface {
	Supports(scheme string) bool
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// SnapshotFunc receives the merged snapshot after every parsed frame. The
// snapshot's map is shared and must not be modified.
type SnapshotFunc func(ctx context.Context, snap models.SensorSnapshot)

// StateFunc receives a copy of the connection state after every transition.
type StateFunc func(state models.ConnectionState)

// Options configures a Channel
type Options struct {
	DeviceID    string
	Dialer      Dialer
	FrameFormat models.FrameFormat

	// Wait before the first reconnect; later waits grow by BackoffMultiplier
	// up to MaxReconnectDelay.
	ReconnectDelay    time.Duration
	MaxRetries        int
	BackoffMultiplier float64
	MaxReconnectDelay time.Duration
}

// Channel owns the connection to the device's telemetry endpoint. It merges
// every parsed frame into the current snapshot and hands the result to its
// subscribers, reconnecting after drops until MaxRetries is exceeded.
//
// All frames of one channel are parsed, merged and delivered on a single
// goroutine, so subscribers see snapshots in merge order.
type Channel struct {
	opts Options

	// written only by the loop goroutine
	snapshot atomic.Pointer[models.SensorSnapshot]

	mu     sync.Mutex
	state  models.ConnectionState
	active bool
	cancel context.CancelFunc
	done   chan struct{}
	conn   Conn

	subMu       sync.RWMutex
	subscribers []SnapshotFunc
	observers   []StateFunc

	now func() time.Time
}

// NewChannel creates a closed channel.
func NewChannel(opts Options) *Channel {
	if opts.FrameFormat == "" {
		opts.FrameFormat = models.FrameFormatEnvelope
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 3 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BackoffMultiplier < 1 {
		opts.BackoffMultiplier = 1
	}
	if opts.MaxReconnectDelay < opts.ReconnectDelay {
		opts.MaxReconnectDelay = opts.ReconnectDelay
	}

	return &Channel{
		opts: opts,
		state: models.ConnectionState{
			Status: models.StatusClosed,
			Since:  time.Now().UTC(),
		},
		now: time.Now,
	}
}

// OnSnapshot registers a subscriber. Subscribers run in registration order.
func (c *Channel) OnSnapshot(fn SnapshotFunc) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subscribers = append(c.subscribers, fn)
}

// OnState registers a connection state observer.
func (c *Channel) OnState(fn StateFunc) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.observers = append(c.observers, fn)
}

// Open validates endpoint and starts connecting in the background. It never
// waits for the device: an unreachable endpoint shows up as retries in State.
// Open also restarts a channel that gave up after too many retries.
func (c *Channel) Open(endpoint string) error {
	if c.opts.Dialer == nil {
		return ErrNoDialer
	}
	if err := c.validateEndpoint(endpoint); err != nil {
		return err
	}

	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return ErrAlreadyOpen
	}
	if c.cancel != nil {
		// release the context of a loop that gave up
		c.cancel()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.active = true
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	c.transition(func(s *models.ConnectionState) {
		s.Status = models.StatusConnecting
		s.Endpoint = endpoint
		s.RetryCount = 0
		s.LastError = ""
		s.Err = nil
	})

	logger.WithDevice("ingest", c.opts.DeviceID).Info().
		Str("endpoint", endpoint).
		Msg("opening telemetry channel")

	go c.run(ctx, done, endpoint)
	return nil
}

func (c *Channel) validateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: %q is not an absolute URI", ErrInvalidEndpoint, endpoint)
	}
	if !c.opts.Dialer.Supports(u.Scheme) {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidEndpoint, u.Scheme)
	}
	return nil
}

// Close cancels any pending reconnect, closes the live connection and waits
// for the connection loop to exit. After Close returns nothing dials again
// until the next Open. Close is idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	cancel, done, conn := c.cancel, c.done, c.conn
	c.active = false
	c.cancel = nil
	c.done = nil
	c.conn = nil
	c.mu.Unlock()

	var err error
	if cancel != nil {
		cancel()
		if conn != nil {
			if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
				err = cerr
			}
		}
		<-done
	}

	if c.State().Status != models.StatusClosed {
		c.transition(func(s *models.ConnectionState) {
			s.Status = models.StatusClosed
		})
		logger.WithDevice("ingest", c.opts.DeviceID).Info().Msg("telemetry channel closed")
	}
	return err
}

// Snapshot returns a copy of the current snapshot; ok is false until the
// first frame has been merged.
func (c *Channel) Snapshot() (models.SensorSnapshot, bool) {
	snap := c.snapshot.Load()
	if snap == nil {
		return models.SensorSnapshot{}, false
	}
	return snap.Clone(), true
}

// State returns a copy of the connection state.
func (c *Channel) State() models.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) run(ctx context.Context, done chan struct{}, endpoint string) {
	defer close(done)

	log := logger.WithDevice("ingest", c.opts.DeviceID).With().Str("endpoint", endpoint).Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("connection loop panic recovered")
			metrics.PanicsRecovered.WithLabelValues("ingest").Inc()
			c.giveUp(fmt.Errorf("%w: %v", ErrLoopPanic, r))
		}
	}()

	delay := c.opts.ReconnectDelay
	for {
		conn, err := c.opts.Dialer.Dial(ctx, endpoint)
		if ctx.Err() != nil {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}

		var terr *TransportError
		if err != nil {
			metrics.ConnectionAttemptsTotal.WithLabelValues("failed").Inc()
			terr = &TransportError{Op: "dial", Endpoint: endpoint, Err: err}
		} else {
			metrics.ConnectionAttemptsTotal.WithLabelValues("success").Inc()
			if !c.attach(ctx, conn) {
				_ = conn.Close()
				return
			}
			delay = c.opts.ReconnectDelay

			err = c.readLoop(ctx, conn)
			c.detach(conn)
			_ = conn.Close()
			if ctx.Err() != nil {
				return
			}
			terr = &TransportError{Op: "read", Endpoint: endpoint, Err: err}
		}

		if !c.scheduleRetry(terr) {
			return
		}

		retry := c.State().RetryCount
		log.Warn().
			Err(terr).
			Int("retry", retry).
			Int("max_retries", c.opts.MaxRetries).
			Dur("delay", delay).
			Msg("telemetry connection failed, reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		delay = c.nextDelay(delay)
	}
}

// attach publishes the live connection so Close can interrupt it. It fails
// when Close already ran.
func (c *Channel) attach(ctx context.Context, conn Conn) bool {
	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		return false
	}
	c.conn = conn
	c.mu.Unlock()

	c.transition(func(s *models.ConnectionState) {
		s.Status = models.StatusOpen
		s.RetryCount = 0
		s.LastError = ""
		s.Err = nil
	})

	logger.WithDevice("ingest", c.opts.DeviceID).Info().
		Str("endpoint", c.State().Endpoint).
		Msg("telemetry connection open")
	return true
}

func (c *Channel) detach(conn Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
}

// scheduleRetry records a transport failure. It returns false once the
// retry budget is spent, leaving the channel unavailable with RetryCount
// at MaxRetries.
func (c *Channel) scheduleRetry(terr *TransportError) bool {
	exhausted := false
	c.transition(func(s *models.ConnectionState) {
		if s.RetryCount >= c.opts.MaxRetries {
			exhausted = true
			return
		}
		s.RetryCount++
		s.Status = models.StatusConnecting
		s.LastError = terr.Error()
		s.Err = terr
	})

	if exhausted {
		c.giveUp(fmt.Errorf("%w: %w", ErrRetriesExhausted, terr))
		return false
	}
	return true
}

// giveUp leaves the channel unavailable with err as the reason.
func (c *Channel) giveUp(err error) {

	// runs under c.mu, so a concurrent Open can't be overwritten
	c.transition(func(s *models.ConnectionState) {
		c.active = false
		s.Status = models.StatusUnavailable
		s.LastError = err.Error()
		s.Err = err
	})

	logger.WithDevice("ingest", c.opts.DeviceID).Error().
		Err(err).
		Int("max_retries", c.opts.MaxRetries).
		Msg("giving up on telemetry connection")
}

func (c *Channel) nextDelay(d time.Duration) time.Duration {
	next := time.Duration(float64(d) * c.opts.BackoffMultiplier)
	if next > c.opts.MaxReconnectDelay {
		next = c.opts.MaxReconnectDelay
	}
	return next
}

func (c *Channel) readLoop(ctx context.Context, conn Conn) error {
	for {
		raw, err := conn.ReadFrame(ctx)
		if err != nil {
			return err
		}
		c.handleFrame(ctx, raw)
	}
}

// handleFrame parses one frame and merges it. A bad frame is dropped and
// recorded as the last error; the snapshot and status stay as they were.
func (c *Channel) handleFrame(ctx context.Context, raw []byte) {
	update, err := models.ParseFrame(raw, c.opts.FrameFormat)
	if err != nil {
		stage := "frame"
		var perr *models.ParseError
		if errors.As(err, &perr) {
			stage = perr.Stage
		}
		metrics.FramesTotal.WithLabelValues("dropped").Inc()
		metrics.ParseErrorsTotal.WithLabelValues(stage).Inc()

		c.transition(func(s *models.ConnectionState) {
			s.LastError = err.Error()
			s.Err = err
		})

		logger.WithDevice("ingest", c.opts.DeviceID).Warn().
			Err(err).
			Int("frame_size", len(raw)).
			Msg("dropping malformed frame")
		return
	}

	var prev models.SensorSnapshot
	if p := c.snapshot.Load(); p != nil {
		prev = *p
	}
	next := prev.Merge(update, c.now())
	c.snapshot.Store(&next)

	metrics.FramesTotal.WithLabelValues("merged").Inc()
	metrics.SnapshotMetrics.Set(float64(len(next.Metrics)))

	c.subMu.RLock()
	subs := append([]SnapshotFunc(nil), c.subscribers...)
	c.subMu.RUnlock()

	for _, fn := range subs {
		c.deliver(ctx, fn, next)
	}
}

func (c *Channel) deliver(ctx context.Context, fn SnapshotFunc, snap models.SensorSnapshot) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithDevice("ingest", c.opts.DeviceID).Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Uint64("seq", snap.Seq).
				Msg("snapshot subscriber panic recovered")
			metrics.PanicsRecovered.WithLabelValues("subscriber").Inc()
		}
	}()
	fn(ctx, snap)
}

// transition applies a state change under the lock and then informs metrics
// and observers with a copy.
func (c *Channel) transition(apply func(s *models.ConnectionState)) {
	c.mu.Lock()
	prev := c.state.Status
	apply(&c.state)
	if c.state.Status != prev {
		c.state.Since = c.now().UTC()
	}
	state := c.state
	c.mu.Unlock()

	metrics.SetConnectionStatus(string(state.Status))
	metrics.ConnectionRetries.Set(float64(state.RetryCount))

	c.subMu.RLock()
	observers := append([]StateFunc(nil), c.observers...)
	c.subMu.RUnlock()

	for _, fn := range observers {
		fn(state)
	}
}
