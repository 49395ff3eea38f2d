package alerts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plantwatch/internal/metrics"
	"plantwatch/internal/models"
)

type recordingDispatcher struct {
	mu      sync.Mutex
	actions []string
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, action string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.actions = append(d.actions, action)
}

func (d *recordingDispatcher) take() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.actions
	d.actions = nil
	return out
}

type recordingListener struct {
	records []*models.EvaluationRecord
	err     error
}

func (l *recordingListener) OnEvaluation(ctx context.Context, rec *models.EvaluationRecord) error {
	l.records = append(l.records, rec)
	return l.err
}

type panickingListener struct{}

func (panickingListener) OnEvaluation(ctx context.Context, rec *models.EvaluationRecord) error {
	panic("boom")
}

func snap(values map[string]float64) models.SensorSnapshot {
	return models.SensorSnapshot{}.Merge(values, time.Now())
}

func TestEngineDispatchesCorrectiveActionAndAlarm(t *testing.T) {
	d := &recordingDispatcher{}
	e := NewEngine(Config{DeviceID: "esp32", Dispatcher: d})

	_, ok := e.Current()
	assert.False(t, ok, "no report before first pass")

	before := testutil.ToFloat64(metrics.EvaluationsTotal)
	e.HandleSnapshot(context.Background(), snap(map[string]float64{"Humidity": 20}))

	assert.Equal(t, []string{"increase_humidity", "alarm_on"}, d.take())
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.EvaluationsTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.OverallHealth))

	report, ok := e.Current()
	require.True(t, ok)
	assert.Equal(t, models.HealthPoor, report.Health)
	require.Len(t, report.Alerts, 1)
	assert.Equal(t, "Critical: Low Humidity", report.Alerts[0].Title)
}

func TestEngineAlarmOncePerPass(t *testing.T) {
	d := &recordingDispatcher{}
	e := NewEngine(Config{Dispatcher: d})

	e.HandleSnapshot(context.Background(), snap(map[string]float64{
		"Humidity":      10,
		"Temperature":   40,
		"soilNutrients": 5,
		"lightLevel":    50,
	}))

	actions := d.take()
	alarms := 0
	for _, a := range actions {
		if a == models.ActionAlarmOn {
			alarms++
		}
	}
	assert.Equal(t, 1, alarms)
	assert.Equal(t, []string{"increase_humidity", "decrease_temperature", "feed_plants", "alarm_on"}, actions)
}

func TestEngineWarningOnlyFiresAlarmWithoutCorrectiveAction(t *testing.T) {
	d := &recordingDispatcher{}
	e := NewEngine(Config{Dispatcher: d})

	e.HandleSnapshot(context.Background(), snap(map[string]float64{"Humidity": 85, "Temperature": 23}))

	assert.Equal(t, []string{"alarm_on"}, d.take())
}

func TestEngineNoAlarmWhenHealthy(t *testing.T) {
	d := &recordingDispatcher{}
	e := NewEngine(Config{Dispatcher: d})

	e.HandleSnapshot(context.Background(), snap(map[string]float64{"Humidity": 60, "Temperature": 23}))

	assert.Empty(t, d.take())
	report, ok := e.Current()
	require.True(t, ok)
	assert.Equal(t, models.HealthGood, report.Health)
	assert.Empty(t, report.Alerts)
}

func TestEngineRefiresAlarmEveryPassByDefault(t *testing.T) {
	d := &recordingDispatcher{}
	e := NewEngine(Config{Dispatcher: d})

	s := snap(map[string]float64{"Humidity": 85})
	e.HandleSnapshot(context.Background(), s)
	e.HandleSnapshot(context.Background(), s)

	assert.Equal(t, []string{"alarm_on", "alarm_on"}, d.take())
}

func TestEngineAlarmRepeatInterval(t *testing.T) {
	d := &recordingDispatcher{}
	e := NewEngine(Config{Dispatcher: d, AlarmRepeatInterval: time.Minute})

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }

	bad := snap(map[string]float64{"Humidity": 20})
	good := snap(map[string]float64{"Humidity": 50})

	e.HandleSnapshot(context.Background(), bad)
	assert.Equal(t, []string{"increase_humidity", "alarm_on"}, d.take())

	now = now.Add(10 * time.Second)
	e.HandleSnapshot(context.Background(), bad)
	assert.Equal(t, []string{"increase_humidity"}, d.take(), "alarm suppressed inside the interval")

	now = now.Add(time.Minute)
	e.HandleSnapshot(context.Background(), bad)
	assert.Equal(t, []string{"increase_humidity", "alarm_on"}, d.take())

	// recovering resets the interval
	now = now.Add(time.Second)
	e.HandleSnapshot(context.Background(), good)
	now = now.Add(time.Second)
	e.HandleSnapshot(context.Background(), bad)
	assert.Equal(t, []string{"increase_humidity", "alarm_on"}, d.take())
}

func TestEngineClearAlerts(t *testing.T) {
	d := &recordingDispatcher{}
	l := &recordingListener{}
	e := NewEngine(Config{DeviceID: "esp32", Dispatcher: d})
	e.AddListener(l)

	e.HandleSnapshot(context.Background(), snap(map[string]float64{"Humidity": 20, "Temperature": 23}))
	d.take()

	e.ClearAlerts(context.Background())

	assert.Equal(t, []string{"close_alarm"}, d.take())
	report, ok := e.Current()
	require.True(t, ok)
	assert.Empty(t, report.Alerts)
	assert.Equal(t, models.HealthPoor, report.Health)

	require.Len(t, l.records, 2)
	assert.Empty(t, l.records[1].Alerts)
	assert.Equal(t, []string{"close_alarm"}, l.records[1].Actions)
	assert.Equal(t, l.records[0].Seq, l.records[1].Seq)
	assert.Equal(t, map[string]float64{"Humidity": 20, "Temperature": 23}, l.records[1].Metrics)
}

func TestEngineClearAlertsBeforeFirstPass(t *testing.T) {
	d := &recordingDispatcher{}
	e := NewEngine(Config{Dispatcher: d})

	e.ClearAlerts(context.Background())

	assert.Equal(t, []string{"close_alarm"}, d.take())
	_, ok := e.Current()
	assert.False(t, ok)
}

func TestEngineNotifiesListenersDespiteFailures(t *testing.T) {
	failing := &recordingListener{err: errors.New("cache down")}
	after := &recordingListener{}

	e := NewEngine(Config{DeviceID: "esp32"})
	e.AddListener(failing)
	e.AddListener(panickingListener{})
	e.AddListener(after)

	before := testutil.ToFloat64(metrics.PanicsRecovered.WithLabelValues("listener"))
	e.HandleSnapshot(context.Background(), snap(map[string]float64{"Temperature": 35}))

	require.Len(t, failing.records, 1)
	require.Len(t, after.records, 1)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.PanicsRecovered.WithLabelValues("listener")))

	rec := after.records[0]
	assert.Equal(t, "esp32", rec.DeviceID)
	assert.Equal(t, models.HealthPoor, rec.Health)
	assert.Equal(t, []string{"decrease_temperature", "alarm_on"}, rec.Actions)
	assert.Equal(t, 35.0, rec.Metrics["Temperature"])
	assert.NotEmpty(t, rec.ID)
}

func TestEngineCurrentReturnsCopy(t *testing.T) {
	e := NewEngine(Config{})
	e.HandleSnapshot(context.Background(), snap(map[string]float64{"Humidity": 20}))

	r1, _ := e.Current()
	r1.Alerts[0].Title = "mutated"

	r2, _ := e.Current()
	assert.Equal(t, "Critical: Low Humidity", r2.Alerts[0].Title)
}
