package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plantwatch/internal/alerts"
	"plantwatch/internal/dispatch"
	"plantwatch/internal/handlers"
	"plantwatch/internal/ingest"
	"plantwatch/internal/models"
)

type fakeTelemetry struct {
	mu      sync.Mutex
	snap    models.SensorSnapshot
	hasData bool
	state   models.ConnectionState
	opened  []string
	openErr error
}

func (f *fakeTelemetry) Snapshot() (models.SensorSnapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap.Clone(), f.hasData
}

func (f *fakeTelemetry) State() models.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTelemetry) Open(endpoint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.opened = append(f.opened, endpoint)
	f.state = models.ConnectionState{Status: models.StatusConnecting, Endpoint: endpoint}
	return nil
}

type fakeQueue struct {
	queued []models.Command
	err    error
}

func (q *fakeQueue) Enqueue(action, reason string) (models.Command, error) {
	cmd := models.NewCommand("esp32", action, reason)
	if err := cmd.Validate(); err != nil {
		return cmd, err
	}
	if q.err != nil {
		return cmd, q.err
	}
	q.queued = append(q.queued, cmd)
	return cmd, nil
}

type recordingDispatcher struct {
	mu      sync.Mutex
	actions []string
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, action string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.actions = append(d.actions, action)
}

type fixture struct {
	telemetry  *fakeTelemetry
	engine     *alerts.Engine
	dispatcher *recordingDispatcher
	queue      *fakeQueue
	handler    http.Handler
}

func newFixture(t *testing.T, checks map[string]handlers.CheckFunc) *fixture {
	t.Helper()
	f := &fixture{
		telemetry:  &fakeTelemetry{state: models.ConnectionState{Status: models.StatusOpen, Endpoint: "ws://device.local:81"}},
		dispatcher: &recordingDispatcher{},
		queue:      &fakeQueue{},
	}
	f.engine = alerts.NewEngine(alerts.Config{DeviceID: "esp32", Dispatcher: f.dispatcher})
	f.handler = handlers.New(handlers.Config{
		Telemetry: f.telemetry,
		Alerts:    f.engine,
		Commands:  f.queue,
		Endpoint:  "ws://device.local:81",
		Checks:    checks,
	}).Router()
	return f
}

func (f *fixture) feed(metrics map[string]float64) {
	f.telemetry.mu.Lock()
	f.telemetry.snap = f.telemetry.snap.Merge(metrics, time.Now())
	f.telemetry.hasData = true
	snap := f.telemetry.snap
	f.telemetry.mu.Unlock()
	f.engine.HandleSnapshot(context.Background(), snap)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestGetState_NoData(t *testing.T) {
	f := newFixture(t, nil)

	w := do(t, f.handler, http.MethodGet, "/api/v1/state", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw))
	assert.Equal(t, "null", string(raw["snapshot"]))
	assert.Equal(t, "false", string(raw["has_data"]))
	assert.Equal(t, "[]", string(raw["alerts"]))
	assert.Equal(t, `""`, string(raw["overall_health"]))
}

func TestGetAlerts_NoData(t *testing.T) {
	f := newFixture(t, nil)

	w := do(t, f.handler, http.MethodGet, "/api/v1/alerts", "")
	require.Equal(t, http.StatusOK, w.Code)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw))
	assert.Equal(t, "false", string(raw["has_data"]))
	assert.Equal(t, `""`, string(raw["overall_health"]))
	assert.Equal(t, "[]", string(raw["alerts"]))
	_, ok := raw["evaluated_at"]
	assert.False(t, ok)
}

func TestGetState_WithAlerts(t *testing.T) {
	f := newFixture(t, nil)
	f.feed(map[string]float64{"Humidity": 20, "Temperature": 23})

	w := do(t, f.handler, http.MethodGet, "/api/v1/state", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp handlers.StateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.HasData)
	require.NotNil(t, resp.Snapshot)
	assert.Equal(t, 20.0, resp.Snapshot.Metrics["Humidity"])
	assert.Equal(t, models.StatusOpen, resp.Connection.Status)
	assert.Equal(t, models.HealthPoor, resp.Health)
	require.Len(t, resp.Alerts, 1)
	assert.Equal(t, "Critical: Low Humidity", resp.Alerts[0].Title)
}

func TestGetAlerts(t *testing.T) {
	f := newFixture(t, nil)
	f.feed(map[string]float64{"LightLevel": 1500})

	w := do(t, f.handler, http.MethodGet, "/api/v1/alerts", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp handlers.AlertsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.HasData)
	assert.Equal(t, models.HealthFair, resp.Health)
	require.Len(t, resp.Alerts, 1)
	assert.Equal(t, models.SeverityWarning, resp.Alerts[0].Severity)
	assert.NotNil(t, resp.EvaluatedAt)
}

func TestClearAlerts(t *testing.T) {
	f := newFixture(t, nil)
	f.feed(map[string]float64{"Humidity": 20})

	w := do(t, f.handler, http.MethodPost, "/api/v1/alerts/clear", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp handlers.AlertsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Alerts)

	f.dispatcher.mu.Lock()
	defer f.dispatcher.mu.Unlock()
	assert.Equal(t, models.ActionCloseAlarm, f.dispatcher.actions[len(f.dispatcher.actions)-1])
}

func TestPostCommand(t *testing.T) {
	f := newFixture(t, nil)

	w := do(t, f.handler, http.MethodPost, "/api/v1/commands", `{"action":"Add_Water"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var cmd models.Command
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cmd))
	assert.Equal(t, "add_water", cmd.Action)
	assert.Equal(t, dispatch.ReasonOperator, cmd.Reason)
	require.Len(t, f.queue.queued, 1)
	assert.Equal(t, cmd.RequestID, f.queue.queued[0].RequestID)
}

func TestPostCommand_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		queueErr error
		want     int
	}{
		{"malformed json", `{"action":`, nil, http.StatusBadRequest},
		{"empty action", `{"action":""}`, nil, http.StatusBadRequest},
		{"invalid action", `{"action":"add water!"}`, nil, http.StatusBadRequest},
		{"queue full", `{"action":"add_water"}`, dispatch.ErrQueueFull, http.StatusServiceUnavailable},
		{"queue closed", `{"action":"add_water"}`, dispatch.ErrQueueClosed, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.queue.err = tt.queueErr

			w := do(t, f.handler, http.MethodPost, "/api/v1/commands", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestOpenConnection(t *testing.T) {
	f := newFixture(t, nil)

	w := do(t, f.handler, http.MethodPost, "/api/v1/connection/open", "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = do(t, f.handler, http.MethodPost, "/api/v1/connection/open", `{"endpoint":"ws://10.0.0.7:81"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	assert.Equal(t, []string{"ws://device.local:81", "ws://10.0.0.7:81"}, f.telemetry.opened)
}

func TestOpenConnection_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"already open", ingest.ErrAlreadyOpen, http.StatusConflict},
		{"bad endpoint", ingest.ErrInvalidEndpoint, http.StatusBadRequest},
		{"no dialer", ingest.ErrNoDialer, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.telemetry.openErr = tt.err

			w := do(t, f.handler, http.MethodPost, "/api/v1/connection/open", "")
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, map[string]handlers.CheckFunc{
		"redis": func(ctx context.Context) error { return nil },
	})
	w := do(t, f.handler, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"redis":"ok"`)

	f = newFixture(t, map[string]handlers.CheckFunc{
		"redis": func(ctx context.Context) error { return errors.New("connection refused") },
	})
	w = do(t, f.handler, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "degraded")
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	do(t, f.handler, http.MethodGet, "/api/v1/state", "")

	w := do(t, f.handler, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "plantwatch_http_requests_total")
}
