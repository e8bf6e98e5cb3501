package sentinel

import "fmt"

// SeverityLadder holds the minimum score for each severity band.
type SeverityLadder struct {
	Low      float64 `json:"low"`
	Medium   float64 `json:"medium"`
	High     float64 `json:"high"`
	Critical float64 `json:"critical"`
}

// DefaultLadder returns the 0.3 / 0.5 / 0.7 / 0.9 ladder.
func DefaultLadder() SeverityLadder {
	return SeverityLadder{Low: 0.3, Medium: 0.5, High: 0.7, Critical: 0.9}
}

// Validate enforces Critical >= High >= Medium >= Low with every bound in [0,1].
func (l SeverityLadder) Validate() error {
	bounds := []struct {
		name  string
		value float64
	}{
		{"low", l.Low}, {"medium", l.Medium}, {"high", l.High}, {"critical", l.Critical},
	}
	for i, b := range bounds {
		if b.value < 0 || b.value > 1 {
			return &ConfigurationError{Field: "severity." + b.name, Reason: fmt.Sprintf("%.3f is outside [0,1]", b.value)}
		}
		if i > 0 && b.value < bounds[i-1].value {
			return &ConfigurationError{
				Field:  "severity." + b.name,
				Reason: fmt.Sprintf("%.3f is below %s threshold %.3f", b.value, bounds[i-1].name, bounds[i-1].value),
			}
		}
	}
	return nil
}

// Map returns the first band whose threshold the score reaches, evaluated
// from Critical down. Scores below every threshold map to Low.
func (l SeverityLadder) Map(score float64) Severity {
	switch {
	case score >= l.Critical:
		return SeverityCritical
	case score >= l.High:
		return SeverityHigh
	case score >= l.Medium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
