package guard

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shizukutanaka/otedama-sentinel/internal/breaker"
	"github.com/shizukutanaka/otedama-sentinel/internal/detector"
	"github.com/shizukutanaka/otedama-sentinel/internal/sentinel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func trainingRows(n int) [][]float64 {
	rng := rand.New(rand.NewSource(42))
	rows := make([][]float64, n)
	for i := range rows {
		rows[i] = make([]float64, 5)
		for j := range rows[i] {
			rows[i][j] = rng.NormFloat64()
		}
	}
	return rows
}

func newTestGuard(t *testing.T, cfg breaker.Config, opts ...Option) *Guard {
	t.Helper()
	logger := zaptest.NewLogger(t)

	var detectors []detector.Detector
	for _, name := range []string{detector.NameIsolationForest, detector.NameLOF, detector.NameKNN} {
		d, err := detector.New(name, detector.Params{Trees: 50, Neighbors: 10, Seed: 42})
		require.NoError(t, err)
		detectors = append(detectors, d)
	}
	scorer, err := sentinel.NewScorer(sentinel.DefaultEnsembleConfig(), detectors, logger)
	require.NoError(t, err)

	require.NoError(t, scorer.Fit(context.Background(), trainingRows(100)))
	return New("pool", scorer, breaker.New("pool", cfg, logger), logger, opts...)
}

type recordingSink struct {
	mu      sync.Mutex
	results []sentinel.Result
	err     error
}

func (s *recordingSink) RecordDetection(_ context.Context, resource string, r sentinel.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if resource != "pool" {
		return errors.New("unexpected resource " + resource)
	}
	s.results = append(s.results, r)
	return s.err
}

func outlier() []float64 { return []float64{10, 10, 10, 10, 10} }

func TestGuard_DetectFeedsBreaker(t *testing.T) {
	g := newTestGuard(t, breaker.Config{FailureThreshold: 5, RecoveryTimeout: time.Minute, HalfOpenMaxCalls: 1})

	r, err := g.Detect(context.Background(), outlier())
	require.NoError(t, err)
	require.True(t, r.IsAnomaly)
	require.Equal(t, sentinel.SeverityCritical, r.Severity)
	assert.Equal(t, 3, g.Breaker().Snapshot().Failures)

	_, err = g.Detect(context.Background(), outlier())
	require.NoError(t, err)
	assert.True(t, g.Breaker().IsOpen())
}

func TestGuard_FeedbackDisabled(t *testing.T) {
	g := newTestGuard(t, breaker.Config{FailureThreshold: 1}, WithFeedback(false))

	_, err := g.Detect(context.Background(), outlier())
	require.NoError(t, err)
	assert.False(t, g.Breaker().IsOpen())
}

func TestGuard_DetectErrorsSkipFeedback(t *testing.T) {
	sink := &recordingSink{}
	g := newTestGuard(t, breaker.Config{FailureThreshold: 1}, WithSink(sink))

	_, err := g.Detect(context.Background(), []float64{1, 2})
	var shapeErr *sentinel.FeatureShapeError
	require.True(t, errors.As(err, &shapeErr))

	assert.Zero(t, g.Breaker().Snapshot().Failures)
	assert.Empty(t, sink.results)
	assert.Zero(t, g.Scorer().History().Len())
}

func TestGuard_Sinks(t *testing.T) {
	ok := &recordingSink{}
	failing := &recordingSink{err: errors.New("disk full")}
	g := newTestGuard(t, breaker.DefaultConfig(), WithSink(ok), WithSink(failing))

	results, err := g.DetectBatch(context.Background(), [][]float64{{0, 0, 0, 0, 0}, outlier()})
	require.NoError(t, err)
	require.Len(t, results, 2)

	require.Len(t, ok.results, 2)
	assert.Equal(t, results[0].ID, ok.results[0].ID)
	assert.Equal(t, results[1].ID, ok.results[1].ID)
	assert.Len(t, failing.results, 2)
}

type batchSink struct {
	recordingSink
	batches [][]sentinel.Result
}

func (s *batchSink) RecordDetections(_ context.Context, _ string, results []sentinel.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, results)
	return nil
}

func TestGuard_BatchSink(t *testing.T) {
	sink := &batchSink{}
	g := newTestGuard(t, breaker.DefaultConfig(), WithSink(sink))
	ctx := context.Background()

	results, err := g.DetectBatch(ctx, [][]float64{{0, 0, 0, 0, 0}, {0.1, 0, 0, 0, 0}, outlier()})
	require.NoError(t, err)
	require.Len(t, sink.batches, 1)
	assert.Equal(t, results, sink.batches[0])
	assert.Empty(t, sink.results)

	_, err = g.Detect(ctx, outlier())
	require.NoError(t, err)
	assert.Len(t, sink.batches, 1)
	assert.Len(t, sink.results, 1)
}

func TestGuard_FailingSinkDoesNotCancelOthers(t *testing.T) {
	failing := SinkFunc(func(context.Context, string, sentinel.Result) error {
		return errors.New("metrics push rejected")
	})

	var (
		mu      sync.Mutex
		ctxErrs []error
	)
	slow := SinkFunc(func(ctx context.Context, _ string, _ sentinel.Result) error {
		var err error
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
		mu.Lock()
		defer mu.Unlock()
		ctxErrs = append(ctxErrs, err)
		return nil
	})
	g := newTestGuard(t, breaker.DefaultConfig(), WithSink(failing), WithSink(slow))

	_, err := g.Detect(context.Background(), outlier())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []error{nil}, ctxErrs)
}

func TestGuard_SinkFunc(t *testing.T) {
	var seen []string
	sink := SinkFunc(func(_ context.Context, resource string, r sentinel.Result) error {
		seen = append(seen, resource+":"+string(r.ThreatType))
		return nil
	})
	g := newTestGuard(t, breaker.DefaultConfig(), WithSink(sink))

	_, err := g.Detect(context.Background(), outlier())
	require.NoError(t, err)
	assert.Equal(t, []string{"pool:share_manipulation"}, seen)
}

func TestGuard_Execute(t *testing.T) {
	g := newTestGuard(t, breaker.Config{FailureThreshold: 2, RecoveryTimeout: time.Minute, HalfOpenMaxCalls: 1})
	ctx := context.Background()

	calls := 0
	require.NoError(t, g.Execute(ctx, func(context.Context) error {
		calls++
		return nil
	}))

	boom := errors.New("upstream timeout")
	for i := 0; i < 2; i++ {
		err := g.Execute(ctx, func(context.Context) error {
			calls++
			return boom
		})
		assert.ErrorIs(t, err, boom)
	}
	assert.True(t, g.Breaker().IsOpen())
	assert.Equal(t, "upstream timeout", g.Breaker().Snapshot().Reason)

	err := g.Execute(ctx, func(context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 3, calls)
}

func TestGuard_ConcurrentDetectAndFit(t *testing.T) {
	pool := newTestGuard(t, breaker.Config{FailureThreshold: 100000})
	logger := zaptest.NewLogger(t)
	stratum := New("stratum", pool.Scorer(), breaker.New("stratum", breaker.Config{FailureThreshold: 100000}, logger), logger)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i, g := range []*Guard{pool, stratum, pool, stratum} {
		g := g
		seed := int64(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, row := range trainingRows(20) {
				row[0] += float64(seed)
				_, err := g.Detect(ctx, row)
				assert.NoError(t, err)
			}
		}()
	}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, pool.Scorer().Fit(ctx, trainingRows(80)))
		}()
	}
	wg.Wait()

	assert.Equal(t, 80, pool.Scorer().History().Len())
	assert.True(t, pool.Scorer().Fitted())
}
