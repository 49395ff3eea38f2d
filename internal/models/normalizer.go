package models

import (
	"regexp"
	"strings"
)

// NormalizeMetric maps a wire metric key to its canonical name:
// lower-cased with underscores, dashes and spaces removed.
// "Signal_Strength" and "signalStrength" both become "signalstrength".
func NormalizeMetric(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.TrimSpace(name) {
		switch r {
		case '_', '-', ' ':
			continue
		}
		b.WriteRune(r)
	}
	return strings.ToLower(b.String())
}

var actionPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// NormalizeAction lower-cases and trims an action identifier.
func NormalizeAction(action string) string {
	return strings.ToLower(strings.TrimSpace(action))
}

// ValidAction reports whether action is a well-formed command identifier.
func ValidAction(action string) bool {
	return actionPattern.MatchString(action)
}
