// Package detector provides the base anomaly detectors combined by the
// sentinel ensemble. Each detector is fitted on a normalized training matrix
// and returns an immutable Model that produces raw, unbounded anomaly scores
// (higher means more anomalous).
package detector

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
)

var (
	// ErrEmptyData is returned by Fit when the training matrix has no rows.
	ErrEmptyData = errors.New("detector: empty training data")
	// ErrWidthMismatch is returned by Score when a row does not match the fitted width.
	ErrWidthMismatch = errors.New("detector: feature width mismatch")
)

// Detector is a pluggable scoring algorithm.
type Detector interface {
	// Name identifies the detector inside an ensemble.
	Name() string
	// Fit trains on data (one row per sample) and returns a fitted handle.
	// Fit never mutates the receiver, so refitting yields an independent Model.
	Fit(ctx context.Context, data [][]float64) (Model, error)
}

// Model is a fitted detector handle. It is immutable and safe for concurrent use.
type Model interface {
	// Score returns one raw anomaly score per row.
	Score(data [][]float64) ([]float64, error)
}

// TrainingScorer is implemented by models that can report scores for their
// own training rows without self-matching (leave-one-out).
type TrainingScorer interface {
	TrainingScores() []float64
}

// Params holds hyper-parameters shared by the built-in detectors.
type Params struct {
	Trees      int
	SampleSize int
	Neighbors  int
	Seed       int64
}

// Built-in detector names.
const (
	NameIsolationForest = "iforest"
	NameKNN             = "knn"
	NameLOF             = "lof"
)

// New constructs a built-in detector by name.
func New(name string, p Params) (Detector, error) {
	switch name {
	case NameIsolationForest:
		opts := []Option{WithSeed(p.Seed)}
		if p.Trees > 0 {
			opts = append(opts, WithTrees(p.Trees))
		}
		if p.SampleSize > 0 {
			opts = append(opts, WithSampleSize(p.SampleSize))
		}
		return NewIsolationForest(opts...), nil
	case NameKNN:
		return NewKNN(p.Neighbors), nil
	case NameLOF:
		return NewLOF(p.Neighbors), nil
	default:
		return nil, fmt.Errorf("unknown detector %q", name)
	}
}

func checkWidth(data [][]float64, width int) error {
	for i, row := range data {
		if len(row) != width {
			return fmt.Errorf("%w: row %d has %d features, want %d", ErrWidthMismatch, i, len(row), width)
		}
	}
	return nil
}

func copyMatrix(data [][]float64) [][]float64 {
	out := make([][]float64, len(data))
	for i, row := range data {
		out[i] = append([]float64(nil), row...)
	}
	return out
}

type neighbor struct {
	index    int
	distance float64
}

// nearest returns the k nearest training rows to x, closest first.
// skip excludes one training index (leave-one-out); pass -1 to keep all rows.
func nearest(train [][]float64, x []float64, k, skip int) []neighbor {
	all := make([]neighbor, 0, len(train))
	for i, row := range train {
		if i == skip {
			continue
		}
		all = append(all, neighbor{index: i, distance: floats.Distance(x, row, 2)})
	}
	sort.Slice(all, func(a, b int) bool {
		if all[a].distance == all[b].distance {
			return all[a].index < all[b].index
		}
		return all[a].distance < all[b].distance
	})
	if k < len(all) {
		all = all[:k]
	}
	return all
}
