package alerts_test

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"plantwatch/internal/alerts"
	"plantwatch/internal/models"
)

func snapshot(values map[string]float64) models.SensorSnapshot {
	return models.SensorSnapshot{}.Merge(values, time.Now())
}

func TestEvaluateCriticalLowHumidity(t *testing.T) {
	res := alerts.Evaluate(snapshot(map[string]float64{"Humidity": 20}), alerts.DefaultRules())

	if len(res.Alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d: %+v", len(res.Alerts), res.Alerts)
	}
	alert := res.Alerts[0]
	if alert.Title != "Critical: Low Humidity" {
		t.Errorf("unexpected title %q", alert.Title)
	}
	if alert.Severity != models.SeverityError {
		t.Errorf("expected severity error, got %s", alert.Severity)
	}
	if alert.Description != "Humidity is 20.0% (safe range 30-80%)" {
		t.Errorf("unexpected description %q", alert.Description)
	}
	if alert.Action != "increase_humidity" || alert.ActionLabel != "Increase Humidity" {
		t.Errorf("unexpected action %q (%q)", alert.Action, alert.ActionLabel)
	}
	if !reflect.DeepEqual(res.Actions, []string{"increase_humidity"}) {
		t.Errorf("expected actions [increase_humidity], got %v", res.Actions)
	}
	if res.Health != models.HealthPoor {
		t.Errorf("expected Poor health, got %s", res.Health)
	}
}

func TestEvaluateHighHumidityWarning(t *testing.T) {
	res := alerts.Evaluate(snapshot(map[string]float64{"Humidity": 85, "Temperature": 23}), alerts.DefaultRules())

	if len(res.Alerts) != 1 {
		t.Fatalf("expected exactly 1 alert, got %d: %+v", len(res.Alerts), res.Alerts)
	}
	if res.Alerts[0].Title != "High Humidity" {
		t.Errorf("unexpected title %q", res.Alerts[0].Title)
	}
	if res.Alerts[0].Severity != models.SeverityWarning {
		t.Errorf("expected warning, got %s", res.Alerts[0].Severity)
	}
	if len(res.Actions) != 0 {
		t.Errorf("warnings must not produce dispatched actions, got %v", res.Actions)
	}
	if res.Alerts[0].Action != "decrease_humidity" {
		t.Errorf("expected suggested action decrease_humidity, got %q", res.Alerts[0].Action)
	}
	if res.Health != models.HealthFair {
		t.Errorf("expected Fair health, got %s", res.Health)
	}
}

func TestEvaluateAllInBounds(t *testing.T) {
	snap := snapshot(map[string]float64{
		"Humidity":        60,
		"Temperature":     23,
		"lightLevel":      600,
		"soilMoisture":    45,
		"soilNutrients":   55,
		"waterLevel":      60,
		"Signal_Strength": 75,
	})

	res := alerts.Evaluate(snap, alerts.DefaultRules())

	if res.HasAlerts() {
		t.Errorf("expected no alerts, got %+v", res.Alerts)
	}
	if res.Health != models.HealthGood {
		t.Errorf("expected Good health, got %s", res.Health)
	}
	if len(res.Actions) != 0 {
		t.Errorf("expected no actions, got %v", res.Actions)
	}
}

func TestEvaluateBoundsAreInclusive(t *testing.T) {
	res := alerts.Evaluate(snapshot(map[string]float64{"Humidity": 30, "Temperature": 28}), alerts.DefaultRules())
	if res.HasAlerts() {
		t.Errorf("values on the bounds should not alert, got %+v", res.Alerts)
	}
}

func TestEvaluateMissingMetricsAreNoData(t *testing.T) {
	res := alerts.Evaluate(models.SensorSnapshot{}, alerts.DefaultRules())
	if res.HasAlerts() || res.Health != models.HealthGood {
		t.Errorf("empty snapshot should be Good with no alerts, got %s %+v", res.Health, res.Alerts)
	}

	// unknown keys are carried but never evaluated
	res = alerts.Evaluate(snapshot(map[string]float64{"co2": 5000}), alerts.DefaultRules())
	if res.HasAlerts() {
		t.Errorf("metric without a rule should be ignored, got %+v", res.Alerts)
	}
}

func TestEvaluateOrdering(t *testing.T) {
	snap := snapshot(map[string]float64{
		"Humidity":      85,  // warning
		"Temperature":   35,  // critical
		"lightLevel":    100, // warning
		"soilNutrients": 10,  // critical
	})

	res := alerts.Evaluate(snap, alerts.DefaultRules())

	wantTitles := []string{
		"Critical: High Temperature",
		"Critical: Low Soil Nutrients",
		"High Humidity",
		"Low Light Level",
	}
	var gotTitles []string
	for _, a := range res.Alerts {
		gotTitles = append(gotTitles, a.Title)
	}
	if !reflect.DeepEqual(gotTitles, wantTitles) {
		t.Errorf("alert order = %v, want %v", gotTitles, wantTitles)
	}

	wantActions := []string{"decrease_temperature", "feed_plants"}
	if !reflect.DeepEqual(res.Actions, wantActions) {
		t.Errorf("actions = %v, want %v", res.Actions, wantActions)
	}
	if res.Health != models.HealthPoor {
		t.Errorf("expected Poor health, got %s", res.Health)
	}
}

func TestEvaluateDescriptions(t *testing.T) {
	res := alerts.Evaluate(snapshot(map[string]float64{"Temperature": 35, "lightLevel": 150}), alerts.DefaultRules())
	if len(res.Alerts) != 2 {
		t.Fatalf("expected 2 alerts, got %d", len(res.Alerts))
	}
	if got := res.Alerts[0].Description; got != "Temperature is 35.0°C (safe range 18-28°C)" {
		t.Errorf("unexpected temperature description %q", got)
	}
	if got := res.Alerts[1].Description; got != "Light Level is 150.0 lx (safe range 200-1000 lx)" {
		t.Errorf("unexpected light description %q", got)
	}
}

func TestEvaluateIsIdempotent(t *testing.T) {
	snap := snapshot(map[string]float64{"Humidity": 10, "Temperature": 40, "waterLevel": 5, "soilMoisture": 90})
	rules := alerts.DefaultRules()

	first := alerts.Evaluate(snap, rules)
	second := alerts.Evaluate(snap, rules)

	if !reflect.DeepEqual(first, second) {
		t.Errorf("evaluation not idempotent:\nfirst:  %+v\nsecond: %+v", first, second)
	}
}

func TestEvaluateDeduplicatesActions(t *testing.T) {
	rules := []alerts.Rule{
		{Metric: "humidity", Label: "Humidity", Low: 30, High: 80, CriticalLow: true},
		{Metric: "Humidity", Label: "Air Humidity", Low: 40, High: 90, CriticalLow: true},
	}

	res := alerts.Evaluate(snapshot(map[string]float64{"Humidity": 10}), rules)

	if len(res.Alerts) != 2 {
		t.Fatalf("expected 2 alerts, got %d", len(res.Alerts))
	}
	if !reflect.DeepEqual(res.Actions, []string{"increase_humidity"}) {
		t.Errorf("expected one deduplicated action, got %v", res.Actions)
	}
}

func TestEvaluateUnmappedCriticalIssue(t *testing.T) {
	rules := []alerts.Rule{
		{Metric: "lightlevel", Label: "Light Level", Unit: "lx", Low: 200, High: 1000, CriticalLow: true},
	}

	res := alerts.Evaluate(snapshot(map[string]float64{"lightLevel": 50}), rules)

	if len(res.Alerts) != 1 || !res.Alerts[0].IsCritical() {
		t.Fatalf("expected one critical alert, got %+v", res.Alerts)
	}
	if res.Alerts[0].Action != "" {
		t.Errorf("expected no action, got %q", res.Alerts[0].Action)
	}
	if len(res.Actions) != 0 {
		t.Errorf("expected no dispatched actions, got %v", res.Actions)
	}
	if len(res.Unmapped) != 1 || res.Unmapped[0].Direction != alerts.DirectionLow {
		t.Errorf("expected one unmapped low issue, got %+v", res.Unmapped)
	}
}

func TestEvaluateCanonicalMetricNames(t *testing.T) {
	res := alerts.Evaluate(snapshot(map[string]float64{"Signal_Strength": 5}), alerts.DefaultRules())
	if len(res.Alerts) != 1 || res.Alerts[0].Title != "Low Signal Strength" {
		t.Errorf("expected Low Signal Strength warning, got %+v", res.Alerts)
	}
}

func TestValidateRules(t *testing.T) {
	if err := alerts.ValidateRules(alerts.DefaultRules()); err != nil {
		t.Fatalf("default rules should be valid: %v", err)
	}

	tests := []struct {
		name    string
		rules   []alerts.Rule
		wantErr error
	}{
		{"empty", nil, alerts.ErrEmptyTable},
		{"no metric", []alerts.Rule{{Low: 1, High: 2}}, alerts.ErrInvalidRule},
		{"inverted", []alerts.Rule{{Metric: "humidity", Low: 80, High: 30}}, alerts.ErrInvertedBounds},
		{"duplicate", []alerts.Rule{{Metric: "humidity", High: 1}, {Metric: "Humidity", High: 1}}, alerts.ErrDuplicateRule},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := alerts.ValidateRules(tt.rules); !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateRules() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestActionFor(t *testing.T) {
	tests := []struct {
		metric string
		dir    alerts.Direction
		want   string
		ok     bool
	}{
		{"humidity", alerts.DirectionLow, "increase_humidity", true},
		{"Temperature", alerts.DirectionHigh, "decrease_temperature", true},
		{"soilNutrients", alerts.DirectionLow, "feed_plants", true},
		{"soil_moisture", alerts.DirectionLow, "add_water", true},
		{"waterLevel", alerts.DirectionLow, "refill_water", true},
		{"waterLevel", alerts.DirectionHigh, "", false},
		{"lightlevel", alerts.DirectionLow, "", false},
	}

	for _, tt := range tests {
		got, ok := alerts.ActionFor(tt.metric, tt.dir)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ActionFor(%q, %s) = (%q, %v), want (%q, %v)", tt.metric, tt.dir, got, ok, tt.want, tt.ok)
		}
	}
}
