package detector

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func normalData(n, width int, seed int64) [][]float64 {
	rng := rand.New(rand.NewSource(seed))
	data := make([][]float64, n)
	for i := range data {
		data[i] = make([]float64, width)
		for j := range data[i] {
			data[i][j] = rng.NormFloat64()
		}
	}
	return data
}

func allDetectors() []Detector {
	return []Detector{
		NewIsolationForest(WithTrees(50), WithSeed(7)),
		NewKNN(5),
		NewLOF(10),
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{name: NameIsolationForest, want: NameIsolationForest},
		{name: NameKNN, want: NameKNN},
		{name: NameLOF, want: NameLOF},
		{name: "svm", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := New(tt.name, Params{Trees: 10, Neighbors: 3, Seed: 1})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Name())
		})
	}
}

func TestFit_EmptyData(t *testing.T) {
	for _, d := range allDetectors() {
		t.Run(d.Name(), func(t *testing.T) {
			_, err := d.Fit(context.Background(), nil)
			assert.ErrorIs(t, err, ErrEmptyData)
		})
	}
}

func TestFit_RaggedData(t *testing.T) {
	data := [][]float64{{1, 2}, {3}}
	for _, d := range allDetectors() {
		t.Run(d.Name(), func(t *testing.T) {
			_, err := d.Fit(context.Background(), data)
			assert.ErrorIs(t, err, ErrWidthMismatch)
		})
	}
}

func TestFit_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, d := range allDetectors() {
		t.Run(d.Name(), func(t *testing.T) {
			_, err := d.Fit(ctx, normalData(50, 3, 1))
			assert.ErrorIs(t, err, context.Canceled)
		})
	}
}

func TestScore_OutlierRanksAboveInliers(t *testing.T) {
	train := normalData(200, 4, 42)
	for _, d := range allDetectors() {
		t.Run(d.Name(), func(t *testing.T) {
			m, err := d.Fit(context.Background(), train)
			require.NoError(t, err)

			scores, err := m.Score([][]float64{
				{0, 0, 0, 0},
				{8, 8, 8, 8},
			})
			require.NoError(t, err)
			require.Len(t, scores, 2)
			assert.Greater(t, scores[1], scores[0])

			ts, ok := m.(TrainingScorer)
			require.True(t, ok)
			training := ts.TrainingScores()
			require.Len(t, training, len(train))
			for _, s := range training {
				assert.LessOrEqual(t, s, scores[1])
			}
		})
	}
}

func TestScore_WidthMismatch(t *testing.T) {
	train := normalData(30, 3, 1)
	for _, d := range allDetectors() {
		t.Run(d.Name(), func(t *testing.T) {
			m, err := d.Fit(context.Background(), train)
			require.NoError(t, err)

			_, err = m.Score([][]float64{{1, 2}})
			assert.ErrorIs(t, err, ErrWidthMismatch)
		})
	}
}

func TestIsolationForest_Deterministic(t *testing.T) {
	train := normalData(100, 3, 3)
	f := NewIsolationForest(WithTrees(20), WithSeed(11))

	m1, err := f.Fit(context.Background(), train)
	require.NoError(t, err)
	m2, err := f.Fit(context.Background(), train)
	require.NoError(t, err)

	probe := [][]float64{{0.5, -1, 2}}
	s1, err := m1.Score(probe)
	require.NoError(t, err)
	s2, err := m2.Score(probe)
	require.NoError(t, err)
	assert.Equal(t, s1, s2)
}

func TestIsolationForest_ScoreBounds(t *testing.T) {
	train := normalData(100, 2, 5)
	m, err := NewIsolationForest().Fit(context.Background(), train)
	require.NoError(t, err)

	scores, err := m.Score(normalData(20, 2, 6))
	require.NoError(t, err)
	for _, s := range scores {
		assert.Greater(t, s, 0.0)
		assert.LessOrEqual(t, s, 1.0)
	}
}

func TestPathLength_OutOfRangeIsolatesAtNextDepth(t *testing.T) {
	root := &iNode{
		feature: 0, split: 5, lo: 0, hi: 10,
		left:  &iNode{size: 4},
		right: &iNode{size: 1},
	}

	assert.Equal(t, 1.0, pathLength([]float64{20}, root, 0))
	assert.Equal(t, 3.0, pathLength([]float64{-1}, root, 2))
	assert.InDelta(t, 1+averagePathLength(4), pathLength([]float64{2}, root, 0), 1e-12)
}

func TestKNN_SingleTrainingRow(t *testing.T) {
	m, err := NewKNN(5).Fit(context.Background(), [][]float64{{1, 1}})
	require.NoError(t, err)

	scores, err := m.Score([][]float64{{4, 5}})
	require.NoError(t, err)
	assert.InDelta(t, 5.0, scores[0], 1e-9)
	assert.Equal(t, []float64{0}, m.(TrainingScorer).TrainingScores())
}

func TestLOF_InlierNearOne(t *testing.T) {
	train := normalData(300, 2, 9)
	m, err := NewLOF(20).Fit(context.Background(), train)
	require.NoError(t, err)

	scores, err := m.Score([][]float64{{0, 0}})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, scores[0], 0.5)
}
