package models

import (
	"time"

	"github.com/google/uuid"
)

// EvaluationRecord captures one evaluation pass for downstream consumers
// (record stream, state cache, presentation push).
type EvaluationRecord struct {
	ID          string             `json:"id"`
	DeviceID    string             `json:"device_id"`
	EvaluatedAt time.Time          `json:"evaluated_at"`
	Seq         uint64             `json:"seq"`
	Metrics     map[string]float64 `json:"metrics"`
	Alerts      []Alert            `json:"alerts"`
	Health      Health             `json:"overall_health"`
	Actions     []string           `json:"actions,omitempty"`
}

// NewEvaluationRecord stamps a record for the given snapshot and result.
func NewEvaluationRecord(deviceID string, snap SensorSnapshot, alerts []Alert, health Health, actions []string) *EvaluationRecord {
	if alerts == nil {
		alerts = []Alert{}
	}
	return &EvaluationRecord{
		ID:          uuid.New().String(),
		DeviceID:    deviceID,
		EvaluatedAt: time.Now().UTC(),
		Seq:         snap.Seq,
		Metrics:     snap.Clone().Metrics,
		Alerts:      alerts,
		Health:      health,
		Actions:     actions,
	}
}
