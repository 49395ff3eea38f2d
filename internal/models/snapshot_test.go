package models_test

import (
	"testing"
	"time"

	"plantwatch/internal/models"
)

func TestSnapshotMergeLastWriteWins(t *testing.T) {
	frames := []map[string]float64{
		{"Humidity": 40, "Temperature": 21},
		{"Humidity": 42},
		{"lightLevel": 600},
		{"Temperature": 23.5, "soilMoisture": 30},
	}

	var snap models.SensorSnapshot
	if snap.HasData() {
		t.Fatal("zero snapshot should have no data")
	}

	expected := map[string]float64{}
	for _, f := range frames {
		snap = snap.Merge(f, time.Now())
		for k, v := range f {
			expected[k] = v
		}

		if len(snap.Metrics) != len(expected) {
			t.Fatalf("expected %d metrics, got %d", len(expected), len(snap.Metrics))
		}
		for k, v := range expected {
			if snap.Metrics[k] != v {
				t.Errorf("metric %s: expected %v, got %v", k, v, snap.Metrics[k])
			}
		}
	}

	if snap.Seq != uint64(len(frames)) {
		t.Errorf("expected seq %d, got %d", len(frames), snap.Seq)
	}
	if !snap.HasData() {
		t.Error("merged snapshot should have data")
	}
}

func TestSnapshotMergeDoesNotMutatePrevious(t *testing.T) {
	first := models.SensorSnapshot{}.Merge(map[string]float64{"Humidity": 40}, time.Now())
	second := first.Merge(map[string]float64{"Humidity": 80, "Temperature": 20}, time.Now())

	if first.Metrics["Humidity"] != 40 {
		t.Errorf("previous snapshot changed: Humidity=%v", first.Metrics["Humidity"])
	}
	if _, ok := first.Metrics["Temperature"]; ok {
		t.Error("previous snapshot gained a key")
	}
	if second.Metrics["Humidity"] != 80 {
		t.Errorf("expected Humidity 80, got %v", second.Metrics["Humidity"])
	}
}

func TestSnapshotLookup(t *testing.T) {
	snap := models.SensorSnapshot{}.Merge(map[string]float64{
		"Humidity":        55,
		"Signal_Strength": 70,
		"lightLevel":      300,
	}, time.Now())

	tests := []struct {
		metric string
		want   float64
		found  bool
	}{
		{"humidity", 55, true},
		{"Humidity", 55, true},
		{"signalstrength", 70, true},
		{"light_level", 300, true},
		{"temperature", 0, false},
	}

	for _, tt := range tests {
		got, ok := snap.Lookup(tt.metric)
		if ok != tt.found || got != tt.want {
			t.Errorf("Lookup(%q) = (%v, %v), want (%v, %v)", tt.metric, got, ok, tt.want, tt.found)
		}
	}
}

func TestNormalizeMetric(t *testing.T) {
	tests := map[string]string{
		"Humidity":        "humidity",
		"Signal_Strength": "signalstrength",
		"soilNutrients":   "soilnutrients",
		" water-level ":   "waterlevel",
	}
	for in, want := range tests {
		if got := models.NormalizeMetric(in); got != want {
			t.Errorf("NormalizeMetric(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCommandValidate(t *testing.T) {
	tests := []struct {
		name    string
		action  string
		wantErr error
	}{
		{"valid", "add_water", nil},
		{"normalized", "  ALARM_ON ", nil},
		{"empty", "   ", models.ErrEmptyAction},
		{"spaces", "add water", models.ErrInvalidAction},
		{"leading digit", "1alarm", models.ErrInvalidAction},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := models.NewCommand("esp32", tt.action, "test")
			if err := cmd.Validate(); err != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if cmd.RequestID == "" {
				t.Error("expected request id")
			}
		})
	}
}
