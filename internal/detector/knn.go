package detector

import "context"

// KNN scores a sample by its mean distance to the k nearest training rows.
type KNN struct {
	k int
}

// NewKNN creates a k-nearest-neighbor distance detector. k defaults to 5.
func NewKNN(k int) *KNN {
	if k <= 0 {
		k = 5
	}
	return &KNN{k: k}
}

// Name implements Detector.
func (d *KNN) Name() string { return NameKNN }

type knnModel struct {
	k        int
	train    [][]float64
	training []float64
}

// Fit implements Detector.
func (d *KNN) Fit(ctx context.Context, data [][]float64) (Model, error) {
	if len(data) == 0 {
		return nil, ErrEmptyData
	}
	if err := checkWidth(data, len(data[0])); err != nil {
		return nil, err
	}

	m := &knnModel{k: d.k, train: copyMatrix(data)}
	m.training = make([]float64, len(data))
	for i, row := range m.train {
		if i%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		m.training[i] = meanDistance(nearest(m.train, row, m.k, i))
	}
	return m, nil
}

// Score implements Model.
func (m *knnModel) Score(data [][]float64) ([]float64, error) {
	if err := checkWidth(data, len(m.train[0])); err != nil {
		return nil, err
	}
	scores := make([]float64, len(data))
	for i, x := range data {
		scores[i] = meanDistance(nearest(m.train, x, m.k, -1))
	}
	return scores, nil
}

// TrainingScores implements TrainingScorer.
func (m *knnModel) TrainingScores() []float64 {
	return append([]float64(nil), m.training...)
}

func meanDistance(ns []neighbor) float64 {
	if len(ns) == 0 {
		return 0
	}
	var sum float64
	for _, n := range ns {
		sum += n.distance
	}
	return sum / float64(len(ns))
}
