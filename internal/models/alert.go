package models

// Severity is the presentation severity of an alert
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	// SeverityError marks critical, safety-relevant issues.
	SeverityError Severity = "error"
)

// IsValid checks if the severity level is valid
func (s Severity) IsValid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError:
		return true
	default:
		return false
	}
}

// Health is the overall plant health derived from an evaluation pass.
type Health string

const (
	HealthGood Health = "Good"
	HealthFair Health = "Fair"
	HealthPoor Health = "Poor"
)

// Score maps health to a gauge value: 2 good, 1 fair, 0 poor.
func (h Health) Score() float64 {
	switch h {
	case HealthGood:
		return 2
	case HealthFair:
		return 1
	default:
		return 0
	}
}

// Alert is one operator-facing finding of an evaluation pass.
type Alert struct {
	Severity    Severity `json:"severity"`
	Title       string   `json:"title"`
	Description string   `json:"description"`

	// Metric and value that triggered the alert
	Metric string  `json:"metric"`
	Value  float64 `json:"value"`

	// Optional corrective action and its human label
	Action      string `json:"action,omitempty"`
	ActionLabel string `json:"action_label,omitempty"`
}

// IsCritical reports whether the alert came from a safety-critical issue.
func (a Alert) IsCritical() bool {
	return a.Severity == SeverityError
}
