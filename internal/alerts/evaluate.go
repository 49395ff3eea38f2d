package alerts

import (
	"fmt"
	"strconv"
	"unicode"

	"plantwatch/internal/models"
)

// Issue is one metric outside its safe range.
type Issue struct {
	Rule      Rule
	Direction Direction
	Value     float64
	Critical  bool
}

// Result is the outcome of one evaluation pass.
type Result struct {
	Alerts []models.Alert `json:"alerts"`
	Health models.Health  `json:"overall_health"`

	// Corrective actions for critical issues, deduplicated, in alert order
	Actions []string `json:"actions"`

	// Critical issues with no corrective action mapped
	Unmapped []Issue `json:"-"`
}

// HasAlerts reports whether the pass produced any alert.
func (r Result) HasAlerts() bool {
	return len(r.Alerts) > 0
}

// Evaluate checks a snapshot against the threshold table. It reads nothing
// but its arguments, so the same inputs always give the same result.
//
// Metrics missing from the snapshot are skipped. Critical alerts come first,
// then warnings, each tier in table order.
func Evaluate(snap models.SensorSnapshot, rules []Rule) Result {
	var critical, warnings []Issue
	for _, rule := range rules {
		issue, ok := check(snap, rule)
		if !ok {
			continue
		}
		if issue.Critical {
			critical = append(critical, issue)
		} else {
			warnings = append(warnings, issue)
		}
	}

	res := Result{
		Alerts:  make([]models.Alert, 0, len(critical)+len(warnings)),
		Actions: make([]string, 0, len(critical)),
		Health:  models.HealthGood,
	}

	seen := make(map[string]struct{}, len(critical))
	for _, issue := range critical {
		alert := newAlert(issue)
		res.Alerts = append(res.Alerts, alert)

		if alert.Action == "" {
			res.Unmapped = append(res.Unmapped, issue)
			continue
		}
		if _, dup := seen[alert.Action]; dup {
			continue
		}
		seen[alert.Action] = struct{}{}
		res.Actions = append(res.Actions, alert.Action)
	}
	for _, issue := range warnings {
		res.Alerts = append(res.Alerts, newAlert(issue))
	}

	switch {
	case len(critical) > 0:
		res.Health = models.HealthPoor
	case len(warnings) > 0:
		res.Health = models.HealthFair
	}

	return res
}

func check(snap models.SensorSnapshot, rule Rule) (Issue, bool) {
	value, ok := snap.Lookup(rule.Metric)
	if !ok {
		return Issue{}, false
	}

	issue := Issue{Rule: rule, Value: value}
	switch {
	case value < rule.Low:
		issue.Direction = DirectionLow
		issue.Critical = rule.CriticalLow
	case value > rule.High:
		issue.Direction = DirectionHigh
		issue.Critical = rule.CriticalHigh
	default:
		return Issue{}, false
	}
	return issue, true
}

func newAlert(issue Issue) models.Alert {
	alert := models.Alert{
		Severity:    models.SeverityWarning,
		Title:       issueTitle(issue),
		Description: issueDescription(issue),
		Metric:      issue.Rule.Metric,
		Value:       issue.Value,
	}
	if issue.Critical {
		alert.Severity = models.SeverityError
	}
	if action, ok := ActionFor(issue.Rule.Metric, issue.Direction); ok {
		alert.Action = action
		alert.ActionLabel = ActionLabel(action)
	}
	return alert
}

// "Critical: Low Humidity" / "High Humidity"
func issueTitle(issue Issue) string {
	side := "Low"
	if issue.Direction == DirectionHigh {
		side = "High"
	}
	title := side + " " + issue.Rule.DisplayName()
	if issue.Critical {
		return "Critical: " + title
	}
	return title
}

// "Humidity is 20.0% (safe range 30-80%)"
func issueDescription(issue Issue) string {
	r := issue.Rule
	return fmt.Sprintf("%s is %s (safe range %s-%s)",
		r.DisplayName(),
		withUnit(strconv.FormatFloat(issue.Value, 'f', 1, 64), r.Unit),
		strconv.FormatFloat(r.Low, 'f', -1, 64),
		withUnit(strconv.FormatFloat(r.High, 'f', -1, 64), r.Unit),
	)
}

func withUnit(value, unit string) string {
	if unit == "" {
		return value
	}
	if unicode.IsLetter([]rune(unit)[0]) {
		return value + " " + unit
	}
	return value + unit
}
