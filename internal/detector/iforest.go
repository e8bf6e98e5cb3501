package detector

import (
	"context"
	"math"
	"math/rand"
)

// IsolationForest isolates samples with random axis-aligned splits. Samples
// that are isolated in few splits receive high scores.
type IsolationForest struct {
	trees      int
	sampleSize int
	seed       int64
}

// Option configures an IsolationForest.
type Option func(*IsolationForest)

// WithTrees sets the number of isolation trees.
func WithTrees(n int) Option {
	return func(f *IsolationForest) {
		f.trees = n
	}
}

// WithSampleSize sets the subsample size for each tree.
func WithSampleSize(n int) Option {
	return func(f *IsolationForest) {
		f.sampleSize = n
	}
}

// WithSeed sets the random seed used when fitting.
func WithSeed(seed int64) Option {
	return func(f *IsolationForest) {
		f.seed = seed
	}
}

// NewIsolationForest creates an isolation forest with 100 trees, 256-row
// subsamples and seed 42 unless overridden.
func NewIsolationForest(opts ...Option) *IsolationForest {
	f := &IsolationForest{
		trees:      100,
		sampleSize: 256,
		seed:       42,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Name implements Detector.
func (f *IsolationForest) Name() string { return NameIsolationForest }

type iNode struct {
	feature int
	split   float64
	lo, hi  float64
	left    *iNode
	right   *iNode
	size    int
}

func (n *iNode) leaf() bool { return n.left == nil && n.right == nil }

type forestModel struct {
	width    int
	roots    []*iNode
	avgPath  float64
	training []float64
}

// Fit implements Detector. The same seed and data always produce the same forest.
func (f *IsolationForest) Fit(ctx context.Context, data [][]float64) (Model, error) {
	if len(data) == 0 {
		return nil, ErrEmptyData
	}
	width := len(data[0])
	if err := checkWidth(data, width); err != nil {
		return nil, err
	}

	sampleSize := f.sampleSize
	if sampleSize > len(data) {
		sampleSize = len(data)
	}
	maxDepth := int(math.Ceil(math.Log2(float64(max(sampleSize, 2)))))
	rng := rand.New(rand.NewSource(f.seed))

	m := &forestModel{
		width:   width,
		roots:   make([]*iNode, f.trees),
		avgPath: averagePathLength(float64(sampleSize)),
	}
	for i := range m.roots {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		indices := rng.Perm(len(data))[:sampleSize]
		sample := make([][]float64, sampleSize)
		for j, idx := range indices {
			sample[j] = data[idx]
		}
		m.roots[i] = buildINode(rng, sample, width, 0, maxDepth)
	}
	m.training = m.score(data)
	return m, nil
}

func buildINode(rng *rand.Rand, data [][]float64, width, depth, maxDepth int) *iNode {
	n := len(data)
	if depth >= maxDepth || n <= 1 {
		return &iNode{size: n}
	}

	feature := rng.Intn(width)
	lo, hi := data[0][feature], data[0][feature]
	for _, row := range data[1:] {
		lo = math.Min(lo, row[feature])
		hi = math.Max(hi, row[feature])
	}
	if lo == hi {
		return &iNode{size: n}
	}

	split := lo + rng.Float64()*(hi-lo)
	var left, right [][]float64
	for _, row := range data {
		if row[feature] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}

	return &iNode{
		feature: feature,
		split:   split,
		lo:      lo,
		hi:      hi,
		left:    buildINode(rng, left, width, depth+1, maxDepth),
		right:   buildINode(rng, right, width, depth+1, maxDepth),
		size:    n,
	}
}

// Score implements Model. Scores are 2^(-E[h(x)]/c(n)).
func (m *forestModel) Score(data [][]float64) ([]float64, error) {
	if err := checkWidth(data, m.width); err != nil {
		return nil, err
	}
	return m.score(data), nil
}

// TrainingScores implements TrainingScorer.
func (m *forestModel) TrainingScores() []float64 {
	return append([]float64(nil), m.training...)
}

func (m *forestModel) score(data [][]float64) []float64 {
	scores := make([]float64, len(data))
	for i, x := range data {
		var total float64
		for _, root := range m.roots {
			total += pathLength(x, root, 0)
		}
		avg := total / float64(len(m.roots))
		if m.avgPath == 0 {
			scores[i] = 0.5
			continue
		}
		scores[i] = math.Pow(2, -avg/m.avgPath)
	}
	return scores
}

// pathLength walks x down the tree. A value outside the range the node was
// split on is isolated at that node.
func pathLength(x []float64, n *iNode, depth int) float64 {
	if n.leaf() {
		return float64(depth) + averagePathLength(float64(n.size))
	}
	v := x[n.feature]
	if v < n.lo || v > n.hi {
		return float64(depth + 1)
	}
	if v < n.split {
		return pathLength(x, n.left, depth+1)
	}
	return pathLength(x, n.right, depth+1)
}

// averagePathLength is c(n), the mean unsuccessful-search depth of a BST with n nodes.
func averagePathLength(n float64) float64 {
	if n <= 1 {
		return 0
	}
	return 2*(math.Log(n-1)+0.5772156649) - 2*(n-1)/n
}
