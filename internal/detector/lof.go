package detector

import (
	"context"
	"math"
)

const lofEpsilon = 1e-10

// LOF is the local outlier factor: the ratio between the local reachability
// density of a sample's neighbors and its own. Values near 1 are inliers.
type LOF struct {
	k int
}

// NewLOF creates a local outlier factor detector. k defaults to 20.
func NewLOF(k int) *LOF {
	if k <= 0 {
		k = 20
	}
	return &LOF{k: k}
}

// Name implements Detector.
func (d *LOF) Name() string { return NameLOF }

type lofModel struct {
	k        int
	train    [][]float64
	kdist    []float64
	lrd      []float64
	training []float64
}

// Fit implements Detector.
func (d *LOF) Fit(ctx context.Context, data [][]float64) (Model, error) {
	if len(data) == 0 {
		return nil, ErrEmptyData
	}
	if err := checkWidth(data, len(data[0])); err != nil {
		return nil, err
	}

	n := len(data)
	m := &lofModel{
		k:        min(d.k, n),
		train:    copyMatrix(data),
		kdist:    make([]float64, n),
		lrd:      make([]float64, n),
		training: make([]float64, n),
	}

	neighbors := make([][]neighbor, n)
	for i, row := range m.train {
		if i%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		neighbors[i] = nearest(m.train, row, min(d.k, n-1), i)
		if len(neighbors[i]) > 0 {
			m.kdist[i] = neighbors[i][len(neighbors[i])-1].distance
		}
	}
	for i := range m.train {
		m.lrd[i] = m.density(neighbors[i])
	}
	for i := range m.train {
		m.training[i] = m.factor(neighbors[i], m.lrd[i])
	}
	return m, nil
}

// Score implements Model.
func (m *lofModel) Score(data [][]float64) ([]float64, error) {
	if err := checkWidth(data, len(m.train[0])); err != nil {
		return nil, err
	}
	scores := make([]float64, len(data))
	for i, x := range data {
		ns := nearest(m.train, x, m.k, -1)
		scores[i] = m.factor(ns, m.density(ns))
	}
	return scores, nil
}

// TrainingScores implements TrainingScorer.
func (m *lofModel) TrainingScores() []float64 {
	return append([]float64(nil), m.training...)
}

// density is the local reachability density given a sample's neighbors.
func (m *lofModel) density(ns []neighbor) float64 {
	if len(ns) == 0 {
		return 1 / lofEpsilon
	}
	var reach float64
	for _, nb := range ns {
		reach += math.Max(m.kdist[nb.index], nb.distance)
	}
	return 1 / (reach/float64(len(ns)) + lofEpsilon)
}

func (m *lofModel) factor(ns []neighbor, lrd float64) float64 {
	if len(ns) == 0 {
		return 1
	}
	var sum float64
	for _, nb := range ns {
		sum += m.lrd[nb.index]
	}
	return (sum / float64(len(ns))) / lrd
}
