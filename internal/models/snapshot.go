package models

import (
	"sort"
	"time"
)

// SensorSnapshot is the latest known set of sensor metric values. A snapshot
// is never modified after it is built; Merge returns a new one.
type SensorSnapshot struct {
	// Metric name as sent by the device -> latest value
	Metrics map[string]float64 `json:"metrics"`

	// Number of frames merged into this snapshot
	Seq uint64 `json:"seq"`

	// Time the last frame was merged
	UpdatedAt time.Time `json:"updated_at"`
}

// HasData reports whether at least one frame has been merged.
func (s SensorSnapshot) HasData() bool {
	return s.Seq > 0
}

// Merge overlays update on the snapshot. Keys present in update overwrite,
// absent keys keep their previous values.
func (s SensorSnapshot) Merge(update map[string]float64, at time.Time) SensorSnapshot {
	merged := make(map[string]float64, len(s.Metrics)+len(update))
	for k, v := range s.Metrics {
		merged[k] = v
	}
	for k, v := range update {
		merged[k] = v
	}
	return SensorSnapshot{
		Metrics:   merged,
		Seq:       s.Seq + 1,
		UpdatedAt: at.UTC(),
	}
}

// Value returns the value stored under the exact wire key.
func (s SensorSnapshot) Value(key string) (float64, bool) {
	v, ok := s.Metrics[key]
	return v, ok
}

// Lookup finds a metric by canonical name. A key already spelled canonically
// wins; otherwise keys are compared after normalization in sorted order so the
// result is deterministic when a device sends one metric under two spellings.
func (s SensorSnapshot) Lookup(metric string) (float64, bool) {
	canonical := NormalizeMetric(metric)
	if v, ok := s.Metrics[canonical]; ok {
		return v, true
	}
	for _, key := range s.Keys() {
		if NormalizeMetric(key) == canonical {
			return s.Metrics[key], true
		}
	}
	return 0, false
}

// Keys returns the metric keys in sorted order.
func (s SensorSnapshot) Keys() []string {
	keys := make([]string, 0, len(s.Metrics))
	for k := range s.Metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy safe to hand to code that may mutate it.
func (s SensorSnapshot) Clone() SensorSnapshot {
	out := s
	if s.Metrics != nil {
		out.Metrics = make(map[string]float64, len(s.Metrics))
		for k, v := range s.Metrics {
			out.Metrics[k] = v
		}
	}
	return out
}
