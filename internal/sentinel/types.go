// Package sentinel combines base anomaly detectors into a single ensemble
// score, classifies anomalous samples by threat type and severity, and keeps
// a bounded detection history for statistics.
package sentinel

import (
	"fmt"
	"time"
)

// ThreatType is the category assigned to an anomalous sample.
type ThreatType string

const (
	ThreatNone              ThreatType = "none"
	ThreatHashrateAnomaly   ThreatType = "hashrate_anomaly"
	ThreatEarningsAnomaly   ThreatType = "earnings_anomaly"
	ThreatWorkerBehavior    ThreatType = "worker_behavior"
	ThreatNetworkAttack     ThreatType = "network_attack"
	ThreatPoolHopping       ThreatType = "pool_hopping"
	ThreatShareManipulation ThreatType = "share_manipulation"
	ThreatDDoSAttempt       ThreatType = "ddos_attempt"
	ThreatUnknown           ThreatType = "unknown"
)

// ThreatTypes lists every threat type in declaration order.
var ThreatTypes = []ThreatType{
	ThreatNone,
	ThreatHashrateAnomaly,
	ThreatEarningsAnomaly,
	ThreatWorkerBehavior,
	ThreatNetworkAttack,
	ThreatPoolHopping,
	ThreatShareManipulation,
	ThreatDDoSAttempt,
	ThreatUnknown,
}

// Severity is an ordered severity band. Higher values are more severe.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// Severities lists every severity from least to most severe.
var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a severity name.
func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSeverity parses a severity name.
func ParseSeverity(name string) (Severity, error) {
	for _, s := range Severities {
		if s.String() == name {
			return s, nil
		}
	}
	return SeverityLow, fmt.Errorf("unknown severity %q", name)
}

// DetectorScore is one detector's contribution to an ensemble score.
type DetectorScore struct {
	Raw        float64 `json:"raw"`
	Normalized float64 `json:"normalized"`
}

// Result is the outcome of a single detection. It is a value type and is
// never modified after it is produced.
type Result struct {
	ID                  string         `json:"id"`
	IsAnomaly           bool           `json:"is_anomaly"`
	ThreatType          ThreatType     `json:"threat_type"`
	Severity            Severity       `json:"severity"`
	Confidence          float64        `json:"confidence"`
	AnomalyScore        float64        `json:"anomaly_score"`
	ContributingFactors []string       `json:"contributing_factors"`
	Timestamp           time.Time      `json:"timestamp"`
	Metadata            map[string]any `json:"metadata,omitempty"`
}

// Statistics aggregates the results currently held in the history ring.
type Statistics struct {
	TotalDetections      int                `json:"total_detections"`
	TotalAnomalies       int                `json:"total_anomalies"`
	AnomalyRate          float64            `json:"anomaly_rate"`
	ThreatDistribution   map[ThreatType]int `json:"threat_distribution"`
	SeverityDistribution map[Severity]int   `json:"severity_distribution"`
	AverageScore         float64            `json:"avg_anomaly_score"`
}
