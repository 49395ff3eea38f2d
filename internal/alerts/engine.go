package alerts

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"plantwatch/internal/logger"
	"plantwatch/internal/metrics"
	"plantwatch/internal/models"
)

// Dispatcher delivers an action to the device. Delivery is fire-and-forget:
// the engine never learns whether it worked.
type Dispatcher interface {
	Dispatch(ctx context.Context, action string)
}

// Listener receives every evaluation record, after commands are dispatched.
type Listener interface {
	OnEvaluation(ctx context.Context, rec *models.EvaluationRecord) error
}

// Report is the presentation view of the latest evaluation.
type Report struct {
	Alerts      []models.Alert `json:"alerts"`
	Health      models.Health  `json:"overall_health"`
	Actions     []string       `json:"actions"`
	Seq         uint64         `json:"seq"`
	EvaluatedAt time.Time      `json:"evaluated_at"`
}

// Config holds engine configuration
type Config struct {
	DeviceID   string
	Rules      []Rule
	Dispatcher Dispatcher

	// Minimum time between two alarm_on commands while alerts stay active.
	// Zero fires alarm_on on every pass that has alerts.
	AlarmRepeatInterval time.Duration
}

// Engine evaluates each delivered snapshot and acts on the result.
type Engine struct {
	deviceID       string
	rules          []Rule
	dispatcher     Dispatcher
	repeatInterval time.Duration
	now            func() time.Time

	mu        sync.RWMutex
	current   *Report
	lastSnap  models.SensorSnapshot
	lastAlarm time.Time

	// listeners are registered before the channel opens
	listeners []Listener
}

// NewEngine creates an engine. A nil dispatcher drops every command.
func NewEngine(cfg Config) *Engine {
	rules := cfg.Rules
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = noopDispatcher{}
	}

	return &Engine{
		deviceID:       cfg.DeviceID,
		rules:          CloneRules(rules),
		dispatcher:     dispatcher,
		repeatInterval: cfg.AlarmRepeatInterval,
		now:            time.Now,
	}
}

// AddListener registers a listener. Not safe to call once snapshots flow.
func (e *Engine) AddListener(l Listener) {
	e.listeners = append(e.listeners, l)
}

// Rules returns a copy of the threshold table.
func (e *Engine) Rules() []Rule {
	return CloneRules(e.rules)
}

// HandleSnapshot runs one evaluation pass. It is meant to be subscribed to
// the ingestion channel and is called on its delivery goroutine.
func (e *Engine) HandleSnapshot(ctx context.Context, snap models.SensorSnapshot) {
	log := logger.WithDevice("alert_engine", e.deviceID)

	res := Evaluate(snap, e.rules)
	report := &Report{
		Alerts:      res.Alerts,
		Health:      res.Health,
		Actions:     res.Actions,
		Seq:         snap.Seq,
		EvaluatedAt: e.now().UTC(),
	}

	fireAlarm := e.store(report, snap, res.HasAlerts())
	e.record(res)

	for _, issue := range res.Unmapped {
		log.Warn().
			Str("metric", issue.Rule.Metric).
			Str("direction", string(issue.Direction)).
			Float64("value", issue.Value).
			Msg("critical issue has no corrective action")
	}

	for _, action := range res.Actions {
		e.dispatcher.Dispatch(ctx, action)
	}

	actions := res.Actions
	if res.HasAlerts() {
		if fireAlarm {
			e.dispatcher.Dispatch(ctx, models.ActionAlarmOn)
			actions = append(append([]string(nil), actions...), models.ActionAlarmOn)
		} else {
			metrics.CommandsTotal.WithLabelValues(models.ActionAlarmOn, "suppressed").Inc()
		}
	}

	log.Debug().
		Uint64("seq", snap.Seq).
		Int("alerts", len(res.Alerts)).
		Str("health", string(res.Health)).
		Strs("actions", actions).
		Msg("snapshot evaluated")

	e.notify(ctx, models.NewEvaluationRecord(e.deviceID, snap, res.Alerts, res.Health, actions))
}

// store replaces the current report and decides whether alarm_on fires.
func (e *Engine) store(report *Report, snap models.SensorSnapshot, hasAlerts bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.current = report
	e.lastSnap = snap

	if !hasAlerts {
		e.lastAlarm = time.Time{}
		return false
	}
	if e.repeatInterval > 0 && !e.lastAlarm.IsZero() &&
		report.EvaluatedAt.Sub(e.lastAlarm) < e.repeatInterval {
		return false
	}
	e.lastAlarm = report.EvaluatedAt
	return true
}

func (e *Engine) record(res Result) {
	metrics.EvaluationsTotal.Inc()
	metrics.OverallHealth.Set(res.Health.Score())

	var critical, warning int
	for _, a := range res.Alerts {
		if a.IsCritical() {
			critical++
		} else {
			warning++
		}
	}
	metrics.ActiveAlerts.WithLabelValues(string(models.SeverityError)).Set(float64(critical))
	metrics.ActiveAlerts.WithLabelValues(string(models.SeverityWarning)).Set(float64(warning))
}

// Current returns the latest report. ok is false until the first pass.
func (e *Engine) Current() (Report, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.current == nil {
		return Report{}, false
	}
	r := *e.current
	r.Alerts = append([]models.Alert(nil), e.current.Alerts...)
	r.Actions = append([]string(nil), e.current.Actions...)
	return r, true
}

// ClearAlerts empties the active alert list and tells the device to stop
// alarming. The next pass repopulates the list if problems persist. The
// record sent to listeners carries the last evaluated metrics.
func (e *Engine) ClearAlerts(ctx context.Context) {
	log := logger.WithDevice("alert_engine", e.deviceID)

	e.mu.Lock()
	var rec *models.EvaluationRecord
	if e.current != nil {
		cleared := *e.current
		cleared.Alerts = []models.Alert{}
		cleared.Actions = []string{}
		e.current = &cleared
		rec = models.NewEvaluationRecord(e.deviceID, e.lastSnap,
			cleared.Alerts, cleared.Health, []string{models.ActionCloseAlarm})
	}
	e.lastAlarm = time.Time{}
	e.mu.Unlock()

	metrics.ActiveAlerts.WithLabelValues(string(models.SeverityError)).Set(0)
	metrics.ActiveAlerts.WithLabelValues(string(models.SeverityWarning)).Set(0)

	e.dispatcher.Dispatch(ctx, models.ActionCloseAlarm)
	log.Info().Msg("active alerts cleared by operator")

	if rec != nil {
		e.notify(ctx, rec)
	}
}

// notify hands a record to every listener; a failing or panicking listener
// does not stop the others.
func (e *Engine) notify(ctx context.Context, rec *models.EvaluationRecord) {
	for _, l := range e.listeners {
		e.notifyOne(ctx, l, rec)
	}
}

func (e *Engine) notifyOne(ctx context.Context, l Listener, rec *models.EvaluationRecord) {
	log := logger.WithDevice("alert_engine", e.deviceID)

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("listener panic recovered")
			metrics.PanicsRecovered.WithLabelValues("listener").Inc()
		}
	}()

	if err := l.OnEvaluation(ctx, rec); err != nil {
		log.Warn().Err(err).Uint64("seq", rec.Seq).Msg("listener failed")
	}
}

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(ctx context.Context, action string) {
	logger.WithComponent("alert_engine").Debug().Str("action", action).Msg("no dispatcher configured, dropping command")
}
