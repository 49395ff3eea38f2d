package alerts

import (
	"errors"
	"fmt"

	"plantwatch/internal/models"
)

var (
	ErrEmptyTable     = errors.New("threshold table is empty")
	ErrInvalidRule    = errors.New("invalid threshold rule")
	ErrDuplicateRule  = errors.New("duplicate threshold rule")
	ErrInvertedBounds = errors.New("low bound is above high bound")
)

// Rule is the safe range for one metric. Optimal is shown to operators and
// never used in evaluation.
type Rule struct {
	Metric  string  `mapstructure:"metric" json:"metric"`
	Label   string  `mapstructure:"label" json:"label"`
	Unit    string  `mapstructure:"unit" json:"unit"`
	Low     float64 `mapstructure:"low" json:"low"`
	Optimal float64 `mapstructure:"optimal" json:"optimal"`
	High    float64 `mapstructure:"high" json:"high"`

	// Directions that are safety-critical for this metric
	CriticalLow  bool `mapstructure:"critical_low" json:"critical_low"`
	CriticalHigh bool `mapstructure:"critical_high" json:"critical_high"`
}

// DisplayName returns the label, falling back to the metric name.
func (r Rule) DisplayName() string {
	if r.Label != "" {
		return r.Label
	}
	return r.Metric
}

// DefaultRules returns the built-in threshold table in evaluation order.
func DefaultRules() []Rule {
	return []Rule{
		{Metric: "humidity", Label: "Humidity", Unit: "%", Low: 30, Optimal: 60, High: 80, CriticalLow: true},
		{Metric: "temperature", Label: "Temperature", Unit: "°C", Low: 18, Optimal: 23, High: 28, CriticalHigh: true},
		{Metric: "lightlevel", Label: "Light Level", Unit: "lx", Low: 200, Optimal: 600, High: 1000},
		{Metric: "soilmoisture", Label: "Soil Moisture", Unit: "%", Low: 20, Optimal: 45, High: 70},
		{Metric: "soilnutrients", Label: "Soil Nutrients", Unit: "%", Low: 30, Optimal: 55, High: 80, CriticalLow: true},
		{Metric: "waterlevel", Label: "Water Level", Unit: "%", Low: 15, Optimal: 60, High: 100},
		{Metric: "signalstrength", Label: "Signal Strength", Unit: "%", Low: 20, Optimal: 75, High: 100},
	}
}

// ValidateRules checks a threshold table before it is handed to the engine.
// Metric names are compared in canonical form.
func ValidateRules(rules []Rule) error {
	if len(rules) == 0 {
		return ErrEmptyTable
	}

	seen := make(map[string]int, len(rules))
	for i, r := range rules {
		metric := models.NormalizeMetric(r.Metric)
		if metric == "" {
			return fmt.Errorf("%w: rule %d has no metric", ErrInvalidRule, i)
		}
		if r.Low > r.High {
			return fmt.Errorf("%w: %s (low=%g high=%g)", ErrInvertedBounds, r.Metric, r.Low, r.High)
		}
		if j, ok := seen[metric]; ok {
			return fmt.Errorf("%w: %s at positions %d and %d", ErrDuplicateRule, r.Metric, j, i)
		}
		seen[metric] = i
	}
	return nil
}

// CloneRules copies a table so the caller's slice can't change it later.
func CloneRules(rules []Rule) []Rule {
	out := make([]Rule, len(rules))
	copy(out, rules)
	return out
}
