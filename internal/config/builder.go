package config

import (
	"github.com/shizukutanaka/otedama-sentinel/internal/detector"
	"github.com/shizukutanaka/otedama-sentinel/internal/sentinel"
)

// Ladder converts the severity section.
func (c SentinelConfig) Ladder() sentinel.SeverityLadder {
	return sentinel.SeverityLadder{
		Low:      c.Severity.Low,
		Medium:   c.Severity.Medium,
		High:     c.Severity.High,
		Critical: c.Severity.Critical,
	}
}

// EnsembleConfig converts the section into scorer settings. Weights follow
// the order of Detectors.
func (c SentinelConfig) EnsembleConfig() sentinel.EnsembleConfig {
	weights := make([]float64, len(c.Detectors))
	for i, d := range c.Detectors {
		weights[i] = d.Weight
	}
	return sentinel.EnsembleConfig{
		Weights:       weights,
		Contamination: c.Contamination,
		HistorySize:   c.HistorySize,
		Scaling:       sentinel.ScalingMode(c.Scaling),
		Slots: sentinel.FeatureSlots{
			Hashrate:   c.Slots.Hashrate,
			Earnings:   c.Slots.Earnings,
			ShareRate:  c.Slots.ShareRate,
			RejectRate: c.Slots.RejectRate,
			Latency:    c.Slots.Latency,
		},
		Ladder: c.Ladder(),
	}
}

// BuildDetectors instantiates the configured detectors in order.
func (c SentinelConfig) BuildDetectors() ([]detector.Detector, error) {
	out := make([]detector.Detector, 0, len(c.Detectors))
	for _, d := range c.Detectors {
		neighbors := c.KNNNeighbors
		if d.Name == detector.NameLOF {
			neighbors = c.LOFNeighbors
		}
		det, err := detector.New(d.Name, detector.Params{
			Trees:      c.IForestTrees,
			SampleSize: c.IForestSample,
			Neighbors:  neighbors,
			Seed:       c.Seed,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, det)
	}
	return out, nil
}
