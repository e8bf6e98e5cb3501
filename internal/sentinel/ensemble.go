package sentinel

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shizukutanaka/otedama-sentinel/internal/detector"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	weightTolerance = 0.001
	rangeEpsilon    = 1e-8
)

// ScalingMode selects how raw detector scores are rescaled to [0,1].
type ScalingMode string

const (
	// ScalingBatch min-max rescales across the scored batch only. A single
	// row always rescales to 0.
	ScalingBatch ScalingMode = "batch"
	// ScalingReference widens the batch range with the score range observed
	// on the training set, so single rows are rescaled against known bounds.
	ScalingReference ScalingMode = "reference"
)

// EnsembleConfig configures a Scorer.
type EnsembleConfig struct {
	// Weights align positionally with the detectors and must sum to 1.
	Weights []float64
	// Contamination is the expected anomaly fraction; the default detection
	// threshold is 1 - Contamination.
	Contamination float64
	HistorySize   int
	Scaling       ScalingMode
	Slots         FeatureSlots
	Ladder        SeverityLadder
}

// DefaultEnsembleConfig returns weights [0.4, 0.3, 0.3] for
// [iforest, lof, knn] and contamination 0.1.
//
// Scaling defaults to ScalingReference rather than the plain batch rescale.
// With ScalingBatch a single Detect call scores every row 0 and never flags
// anything; set Scaling to ScalingBatch to get that behavior back. Batch and
// single-row scores still differ in either mode.
func DefaultEnsembleConfig() EnsembleConfig {
	return EnsembleConfig{
		Weights:       []float64{0.4, 0.3, 0.3},
		Contamination: 0.1,
		HistorySize:   DefaultHistorySize,
		Scaling:       ScalingReference,
		Slots:         DefaultSlots(),
		Ladder:        DefaultLadder(),
	}
}

// Validate checks the configuration against the number of detectors it will drive.
func (c EnsembleConfig) Validate(detectors int) error {
	if len(c.Weights) == 0 {
		return &ConfigurationError{Field: "weights", Reason: "at least one weight is required"}
	}
	if len(c.Weights) != detectors {
		return &ConfigurationError{Field: "weights", Reason: fmt.Sprintf("%d weights for %d detectors", len(c.Weights), detectors)}
	}
	for i, w := range c.Weights {
		if w < 0 || math.IsNaN(w) {
			return &ConfigurationError{Field: "weights", Reason: fmt.Sprintf("weight %d is %v", i, w)}
		}
	}
	if sum := floats.Sum(c.Weights); math.Abs(sum-1) > weightTolerance {
		return &ConfigurationError{Field: "weights", Reason: fmt.Sprintf("weights sum to %.4f, must sum to 1.0", sum)}
	}
	if c.Contamination <= 0 || c.Contamination >= 1 {
		return &ConfigurationError{Field: "contamination", Reason: fmt.Sprintf("%v is outside (0,1)", c.Contamination)}
	}
	switch c.Scaling {
	case ScalingBatch, ScalingReference:
	default:
		return &ConfigurationError{Field: "scaling", Reason: fmt.Sprintf("unknown mode %q", c.Scaling)}
	}
	if err := c.Ladder.Validate(); err != nil {
		return err
	}
	return c.Slots.validate()
}

type scoreRange struct {
	min, max float64
}

// fittedState is replaced wholesale on every Fit.
type fittedState struct {
	stats  FeatureStatistics
	models []detector.Model
	ranges []scoreRange
}

// Scorer is the ensemble anomaly scorer. All methods are safe for concurrent
// use. Fit calls are serialized; Detect and DetectBatch never block on a
// refit and observe either the previous or the new fit, never a mix.
type Scorer struct {
	logger    *zap.Logger
	config    EnsembleConfig
	detectors []detector.Detector
	names     []string
	fitMu     sync.Mutex
	state     atomic.Pointer[fittedState]
	ladder    atomic.Pointer[SeverityLadder]
	history   *History
	now       func() time.Time
}

// NewScorer builds a scorer over detectors. Zero-valued HistorySize, Scaling,
// Slots and Ladder take their defaults. An invalid configuration returns a
// *ConfigurationError.
func NewScorer(config EnsembleConfig, detectors []detector.Detector, logger *zap.Logger) (*Scorer, error) {
	if config.HistorySize <= 0 {
		config.HistorySize = DefaultHistorySize
	}
	if config.Scaling == "" {
		config.Scaling = ScalingReference
	}
	if config.Slots == (FeatureSlots{}) {
		config.Slots = DefaultSlots()
	}
	if config.Ladder == (SeverityLadder{}) {
		config.Ladder = DefaultLadder()
	}
	if err := config.Validate(len(detectors)); err != nil {
		return nil, err
	}

	names := make([]string, len(detectors))
	seen := make(map[string]bool, len(detectors))
	for i, d := range detectors {
		names[i] = d.Name()
		if seen[names[i]] {
			return nil, &ConfigurationError{Field: "detectors", Reason: fmt.Sprintf("duplicate detector %q", names[i])}
		}
		seen[names[i]] = true
	}

	s := &Scorer{
		logger:    logger,
		config:    config,
		detectors: detectors,
		names:     names,
		history:   NewHistory(config.HistorySize),
		now:       time.Now,
	}
	ladder := config.Ladder
	s.ladder.Store(&ladder)
	return s, nil
}

// Fit captures feature statistics, normalizes the training data and fits
// every detector. A successful fit replaces any previous one atomically.
// Concurrent calls run one at a time.
func (s *Scorer) Fit(ctx context.Context, training [][]float64) error {
	if len(training) == 0 || len(training[0]) == 0 {
		return ErrInsufficientData
	}
	width := len(training[0])
	for i, row := range training {
		if len(row) != width {
			return &FeatureShapeError{Row: i, Expected: width, Got: len(row)}
		}
	}

	s.fitMu.Lock()
	defer s.fitMu.Unlock()

	stats := computeStatistics(training, width)
	normalized := stats.normalize(training)

	next := &fittedState{
		stats:  stats,
		models: make([]detector.Model, len(s.detectors)),
		ranges: make([]scoreRange, len(s.detectors)),
	}
	for i, d := range s.detectors {
		model, err := d.Fit(ctx, normalized)
		if err != nil {
			return fmt.Errorf("fit %s detector: %w", d.Name(), err)
		}
		scores, err := trainingScores(model, normalized)
		if err != nil {
			return fmt.Errorf("score %s training data: %w", d.Name(), err)
		}
		next.models[i] = model
		next.ranges[i] = scoreRange{min: floats.Min(scores), max: floats.Max(scores)}
	}

	s.state.Store(next)
	s.logger.Info("Ensemble fitted",
		zap.Int("samples", len(training)),
		zap.Int("features", width),
		zap.Strings("detectors", s.names),
	)
	return nil
}

func computeStatistics(training [][]float64, width int) FeatureStatistics {
	stats := FeatureStatistics{Mean: make([]float64, width), Std: make([]float64, width)}
	column := make([]float64, len(training))
	for j := 0; j < width; j++ {
		for i, row := range training {
			column[i] = row[j]
		}
		stats.Mean[j], stats.Std[j] = stat.PopMeanStdDev(column, nil)
	}
	return stats
}

func trainingScores(m detector.Model, normalized [][]float64) ([]float64, error) {
	if ts, ok := m.(detector.TrainingScorer); ok {
		return ts.TrainingScores(), nil
	}
	return m.Score(normalized)
}

// Fitted reports whether Fit has succeeded at least once.
func (s *Scorer) Fitted() bool {
	return s.state.Load() != nil
}

// FeatureStatistics returns a copy of the fitted statistics.
func (s *Scorer) FeatureStatistics() (FeatureStatistics, error) {
	st := s.state.Load()
	if st == nil {
		return FeatureStatistics{}, ErrUnfittedModel
	}
	return FeatureStatistics{
		Mean: append([]float64(nil), st.stats.Mean...),
		Std:  append([]float64(nil), st.stats.Std...),
	}, nil
}

// Threshold returns the default detection threshold, 1 - contamination.
func (s *Scorer) Threshold() float64 {
	return 1 - s.config.Contamination
}

// Ladder returns the severity ladder in use.
func (s *Scorer) Ladder() SeverityLadder {
	return *s.ladder.Load()
}

// SetLadder swaps the severity ladder after validating it.
func (s *Scorer) SetLadder(l SeverityLadder) error {
	if err := l.Validate(); err != nil {
		return err
	}
	s.ladder.Store(&l)
	s.logger.Info("Severity ladder updated",
		zap.Float64("low", l.Low),
		zap.Float64("medium", l.Medium),
		zap.Float64("high", l.High),
		zap.Float64("critical", l.Critical),
	)
	return nil
}

// History returns the detection history ring.
func (s *Scorer) History() *History {
	return s.history
}

// Statistics aggregates the current history contents.
func (s *Scorer) Statistics() Statistics {
	return s.history.Statistics()
}

// Score scores a single feature vector. The returned map holds each
// detector's raw and rescaled score.
func (s *Scorer) Score(features []float64) (float64, map[string]DetectorScore, error) {
	scores, breakdown, err := s.ScoreBatch([][]float64{features})
	if err != nil {
		return 0, nil, err
	}
	return scores[0], breakdown[0], nil
}

// ScoreBatch scores rows jointly: each detector's raw scores are min-max
// rescaled across the batch before the weighted sum.
func (s *Scorer) ScoreBatch(rows [][]float64) ([]float64, []map[string]DetectorScore, error) {
	st := s.state.Load()
	if st == nil {
		return nil, nil, ErrUnfittedModel
	}
	return s.scoreBatch(st, rows)
}

func (s *Scorer) scoreBatch(st *fittedState, rows [][]float64) ([]float64, []map[string]DetectorScore, error) {
	width := st.stats.Width()
	for i, row := range rows {
		if len(row) != width {
			return nil, nil, &FeatureShapeError{Row: i, Expected: width, Got: len(row)}
		}
	}
	if len(rows) == 0 {
		return nil, nil, nil
	}

	normalized := st.stats.normalize(rows)
	scores := make([]float64, len(rows))
	breakdown := make([]map[string]DetectorScore, len(rows))
	for j := range breakdown {
		breakdown[j] = make(map[string]DetectorScore, len(st.models))
	}

	for i, model := range st.models {
		raw, err := model.Score(normalized)
		if err != nil {
			return nil, nil, fmt.Errorf("score %s detector: %w", s.names[i], err)
		}
		rescaled := s.rescale(raw, st.ranges[i])
		for j := range rows {
			breakdown[j][s.names[i]] = DetectorScore{Raw: raw[j], Normalized: rescaled[j]}
			scores[j] += s.config.Weights[i] * rescaled[j]
		}
	}
	for j := range scores {
		scores[j] = math.Min(1, math.Max(0, scores[j]))
	}
	return scores, breakdown, nil
}

func (s *Scorer) rescale(raw []float64, ref scoreRange) []float64 {
	lo, hi := floats.Min(raw), floats.Max(raw)
	if s.config.Scaling == ScalingReference {
		lo = math.Min(lo, ref.min)
		hi = math.Max(hi, ref.max)
	}
	out := make([]float64, len(raw))
	if hi-lo < rangeEpsilon {
		return out
	}
	for i, v := range raw {
		out[i] = (v - lo) / (hi - lo)
	}
	return out
}

// DetectOption customizes a Detect or DetectBatch call.
type DetectOption func(*detectOptions)

type detectOptions struct {
	threshold *float64
}

// WithThreshold overrides the default 1 - contamination threshold.
func WithThreshold(t float64) DetectOption {
	return func(o *detectOptions) {
		o.threshold = &t
	}
}

func (s *Scorer) threshold(opts []DetectOption) float64 {
	var o detectOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.threshold != nil {
		return *o.threshold
	}
	return s.Threshold()
}

// Detect scores one feature vector, classifies it when anomalous and records
// the result in the history.
func (s *Scorer) Detect(features []float64, opts ...DetectOption) (Result, error) {
	results, err := s.detect([][]float64{features}, opts)
	if err != nil {
		return Result{}, err
	}
	return results[0], nil
}

// DetectBatch scores rows jointly and returns one result per row, in order.
// Because rescaling spans the whole batch, results generally differ from
// calling Detect once per row.
func (s *Scorer) DetectBatch(rows [][]float64, opts ...DetectOption) ([]Result, error) {
	return s.detect(rows, opts)
}

func (s *Scorer) detect(rows [][]float64, opts []DetectOption) ([]Result, error) {
	st := s.state.Load()
	if st == nil {
		return nil, ErrUnfittedModel
	}
	scores, breakdown, err := s.scoreBatch(st, rows)
	if err != nil {
		return nil, err
	}

	threshold := s.threshold(opts)
	ladder := s.Ladder()
	results := make([]Result, len(rows))
	for i, row := range rows {
		results[i] = s.buildResult(st, ladder, row, scores[i], breakdown[i], threshold, len(rows))
		s.history.Append(results[i])
	}
	return results, nil
}

func (s *Scorer) buildResult(st *fittedState, ladder SeverityLadder, features []float64, score float64,
	breakdown map[string]DetectorScore, threshold float64, batchSize int) Result {
	result := Result{
		ID:                  uuid.NewString(),
		IsAnomaly:           score > threshold,
		ThreatType:          ThreatNone,
		Severity:            SeverityLow,
		Confidence:          math.Min(1, 0.5+math.Abs(score-threshold)),
		AnomalyScore:        score,
		ContributingFactors: []string{},
		Timestamp:           s.now(),
		Metadata: map[string]any{
			"threshold":  threshold,
			"detectors":  breakdown,
			"batch_size": batchSize,
		},
	}

	if result.IsAnomaly {
		result.ThreatType, result.ContributingFactors = Classify(features, st.stats, score, s.config.Slots)
		result.Severity = ladder.Map(score)
		s.logger.Info("Anomaly detected",
			zap.String("id", result.ID),
			zap.String("threat", string(result.ThreatType)),
			zap.Stringer("severity", result.Severity),
			zap.Float64("score", score),
			zap.Strings("factors", result.ContributingFactors),
		)
	} else {
		s.logger.Debug("Sample within bounds", zap.Float64("score", score), zap.Float64("threshold", threshold))
	}
	return result
}
