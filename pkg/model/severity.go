package model

import (
	"strings"

	"github.com/m-mizutani/goerr/v2"
)

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// ParseSeverity accepts a severity name in any letter case
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToUpper(strings.TrimSpace(s)))
	if err := sev.Validate(); err != nil {
		return "", err
	}
	return sev, nil
}

// Validate checks if the severity is one of the known levels
func (s Severity) Validate() error {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return nil
	default:
		return goerr.Wrap(ErrInvalidSeverity, "unknown severity", goerr.V("severity", s))
	}
}

// Weight returns the scoring weight of the severity. Unknown levels weigh zero.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityLow:
		return 0.25
	case SeverityMedium:
		return 0.5
	case SeverityHigh:
		return 0.75
	case SeverityCritical:
		return 1.0
	default:
		return 0
	}
}

// Rank orders severities from LOW (1) to CRITICAL (4).
func (s Severity) Rank() int {
	return int(s.Weight() * 4)
}
