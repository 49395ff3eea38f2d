package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"plantwatch/internal/alerts"
	"plantwatch/internal/dispatch"
	"plantwatch/internal/ingest"
	"plantwatch/internal/logger"
	"plantwatch/internal/middleware"
	"plantwatch/internal/models"
)

// Telemetry is the part of the ingestion channel the API reads and controls.
type Telemetry interface {
	Snapshot() (models.SensorSnapshot, bool)
	State() models.ConnectionState
	Open(endpoint string) error
}

// AlertSource exposes the engine's latest report.
type AlertSource interface {
	Current() (alerts.Report, bool)
	ClearAlerts(ctx context.Context)
}

// CommandQueue accepts operator commands.
type CommandQueue interface {
	Enqueue(action, reason string) (models.Command, error)
}

// CheckFunc reports whether a dependency is usable.
type CheckFunc func(ctx context.Context) error

// Config holds what the API needs.
type Config struct {
	Telemetry Telemetry
	Alerts    AlertSource
	Commands  CommandQueue

	// WebSocket push endpoint, mounted on /ws when set
	Push http.Handler

	// Endpoint reopened by POST /api/v1/connection/open without a body
	Endpoint string

	// Extra dependency checks reported by /health
	Checks map[string]CheckFunc

	MaxBodySize int64
}

// API serves the presentation boundary.
type API struct {
	telemetry   Telemetry
	alerts      AlertSource
	commands    CommandQueue
	push        http.Handler
	endpoint    string
	checks      map[string]CheckFunc
	maxBodySize int64
}

func New(cfg Config) *API {
	maxBodySize := cfg.MaxBodySize
	if maxBodySize == 0 {
		maxBodySize = 64 * 1024
	}
	return &API{
		telemetry:   cfg.Telemetry,
		alerts:      cfg.Alerts,
		commands:    cfg.Commands,
		push:        cfg.Push,
		endpoint:    cfg.Endpoint,
		checks:      cfg.Checks,
		maxBodySize: maxBodySize,
	}
}

// Router builds the chi router with middleware applied.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logging)

	r.Get("/health", a.health)
	r.Handle("/metrics", promhttp.Handler())
	if a.push != nil {
		r.Handle("/ws", a.push)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/state", a.getState)
		r.Get("/alerts", a.getAlerts)
		r.Post("/alerts/clear", a.clearAlerts)
		r.Post("/commands", a.postCommand)
		r.Post("/connection/open", a.openConnection)
	})

	return r
}

// StateResponse is the full presentation view.
type StateResponse struct {
	Snapshot   *models.SensorSnapshot `json:"snapshot"`
	Connection models.ConnectionState `json:"connection"`
	Alerts     []models.Alert         `json:"alerts"`
	Health     models.Health          `json:"overall_health"`
	HasData    bool                   `json:"has_data"`
}

// AlertsResponse is the alert list with overall health. Health is empty and
// HasData false until the first evaluation.
type AlertsResponse struct {
	Alerts      []models.Alert `json:"alerts"`
	Health      models.Health  `json:"overall_health"`
	Actions     []string       `json:"actions"`
	EvaluatedAt *time.Time     `json:"evaluated_at,omitempty"`
	HasData     bool           `json:"has_data"`
}

// CommandRequest is the body of POST /api/v1/commands.
type CommandRequest struct {
	Action string `json:"action"`
}

// OpenRequest is the optional body of POST /api/v1/connection/open.
type OpenRequest struct {
	Endpoint string `json:"endpoint"`
}

func (a *API) report() AlertsResponse {
	report, ok := a.alerts.Current()
	if !ok {
		return AlertsResponse{Alerts: []models.Alert{}, Actions: []string{}}
	}
	resp := AlertsResponse{
		Alerts:      report.Alerts,
		Health:      report.Health,
		Actions:     report.Actions,
		EvaluatedAt: &report.EvaluatedAt,
		HasData:     true,
	}
	if resp.Alerts == nil {
		resp.Alerts = []models.Alert{}
	}
	if resp.Actions == nil {
		resp.Actions = []string{}
	}
	return resp
}

// State returns the combined presentation view. The hub greets new clients
// with the same data.
func (a *API) State() StateResponse {
	resp := StateResponse{Connection: a.telemetry.State()}
	if snap, ok := a.telemetry.Snapshot(); ok {
		resp.Snapshot = &snap
		resp.HasData = true
	}
	rep := a.report()
	resp.Alerts = rep.Alerts
	resp.Health = rep.Health
	return resp
}

func (a *API) getState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.State())
}

func (a *API) getAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.report())
}

func (a *API) clearAlerts(w http.ResponseWriter, r *http.Request) {
	a.alerts.ClearAlerts(r.Context())
	logger.WithRequestID(r.Header.Get(middleware.RequestIDHeader)).Info().Msg("alerts cleared by operator")
	writeJSON(w, http.StatusOK, a.report())
}

func (a *API) postCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if err := a.decode(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cmd, err := a.commands.Enqueue(req.Action, dispatch.ReasonOperator)
	switch {
	case errors.Is(err, models.ErrEmptyAction), errors.Is(err, models.ErrInvalidAction):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, dispatch.ErrQueueFull), errors.Is(err, dispatch.ErrQueueClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	logger.WithRequestID(r.Header.Get(middleware.RequestIDHeader)).Info().
		Str("action", cmd.Action).
		Str("command_id", cmd.RequestID).
		Msg("operator command queued")
	writeJSON(w, http.StatusAccepted, cmd)
}

func (a *API) openConnection(w http.ResponseWriter, r *http.Request) {
	var req OpenRequest
	if err := a.decode(w, r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	endpoint := req.Endpoint
	if endpoint == "" {
		endpoint = a.endpoint
	}

	err := a.telemetry.Open(endpoint)
	switch {
	case errors.Is(err, ingest.ErrAlreadyOpen):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, ingest.ErrInvalidEndpoint):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, a.telemetry.State())
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(a.checks))
	status := http.StatusOK
	for name, check := range a.checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":     overall,
		"connection": a.telemetry.State().Status,
		"checks":     checks,
	})
}

// decode reads a JSON body. An empty body is accepted when optional is set.
func (a *API) decode(w http.ResponseWriter, r *http.Request, v any, optional bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, a.maxBodySize)
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) && optional {
		return nil
	}
	if err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   message,
	})
}
