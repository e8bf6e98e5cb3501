package sentinel

import (
	"fmt"
	"math"
)

const (
	deviationThreshold  = 3.0
	rejectRateThreshold = 2.0
	unknownScoreFloor   = 0.8
	stdEpsilon          = 1e-8
)

// FeatureSlots maps well-known mining metrics to feature vector positions.
// A negative slot disables that metric.
//
// Classify reads only Hashrate, Earnings and RejectRate. ShareRate and
// Latency are reserved: they still feed the ensemble as ordinary features,
// and naming them lets slot validation reject layouts that map two metrics
// onto one column.
type FeatureSlots struct {
	Hashrate   int `json:"hashrate"`
	Earnings   int `json:"earnings"`
	ShareRate  int `json:"share_rate"`
	RejectRate int `json:"reject_rate"`
	Latency    int `json:"latency"`
}

// DefaultSlots returns the standard feature layout
// [hashrate, earnings, share_rate, reject_rate, latency].
func DefaultSlots() FeatureSlots {
	return FeatureSlots{Hashrate: 0, Earnings: 1, ShareRate: 2, RejectRate: 3, Latency: 4}
}

// FeatureStatistics holds the per-feature mean and population standard
// deviation captured at fit time.
type FeatureStatistics struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

// Width returns the number of features.
func (fs FeatureStatistics) Width() int { return len(fs.Mean) }

// ZScore returns |x - mean| / (std + 1e-8) for feature i.
func (fs FeatureStatistics) ZScore(i int, x float64) float64 {
	return math.Abs(x-fs.Mean[i]) / (fs.Std[i] + stdEpsilon)
}

func (fs FeatureStatistics) normalize(rows [][]float64) [][]float64 {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		out[i] = make([]float64, len(row))
		for j, v := range row {
			out[i][j] = (v - fs.Mean[j]) / (fs.Std[j] + stdEpsilon)
		}
	}
	return out
}

// Classify assigns a threat type to an anomalous sample from the deviation of
// its well-known features. The first matching rule wins:
// hashrate and earnings, hashrate, earnings, reject rate, then a high score
// with no specific factor.
func Classify(features []float64, stats FeatureStatistics, score float64, slots FeatureSlots) (ThreatType, []string) {
	factors := []string{}

	deviates := func(slot int, limit float64, label string) bool {
		if slot < 0 || slot >= len(features) || slot >= stats.Width() {
			return false
		}
		z := stats.ZScore(slot, features[slot])
		if z <= limit {
			return false
		}
		factors = append(factors, fmt.Sprintf("%s: %.2fσ", label, z))
		return true
	}

	hashrate := deviates(slots.Hashrate, deviationThreshold, "hashrate_deviation")
	earnings := deviates(slots.Earnings, deviationThreshold, "earnings_deviation")
	rejects := deviates(slots.RejectRate, rejectRateThreshold, "high_reject_rate")

	switch {
	case hashrate && earnings:
		return ThreatShareManipulation, factors
	case hashrate:
		return ThreatHashrateAnomaly, factors
	case earnings:
		return ThreatEarningsAnomaly, factors
	case rejects:
		return ThreatNetworkAttack, factors
	case score > unknownScoreFloor:
		return ThreatUnknown, factors
	default:
		return ThreatNone, factors
	}
}

func (s FeatureSlots) validate() error {
	slots := map[string]int{
		"hashrate":    s.Hashrate,
		"earnings":    s.Earnings,
		"share_rate":  s.ShareRate,
		"reject_rate": s.RejectRate,
		"latency":     s.Latency,
	}
	seen := make(map[int]string, len(slots))
	for name, idx := range slots {
		if idx < 0 {
			continue
		}
		if other, dup := seen[idx]; dup {
			return &ConfigurationError{Field: "slots", Reason: fmt.Sprintf("%s and %s share position %d", name, other, idx)}
		}
		seen[idx] = name
	}
	return nil
}
