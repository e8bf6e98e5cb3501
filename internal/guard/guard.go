// Package guard binds a shared ensemble scorer and one circuit breaker to a
// protected resource. Every detection is fed back into the breaker and
// fanned out to the registered sinks.
//
// Guards do not lock around the scorer. Scorer.Fit serializes writers and
// publishes the fitted state atomically, so detections on any guard run
// concurrently with a refit and see either the old or the new model.
package guard

import (
	"context"
	"errors"
	"fmt"

	"github.com/shizukutanaka/otedama-sentinel/internal/breaker"
	"github.com/shizukutanaka/otedama-sentinel/internal/logging"
	"github.com/shizukutanaka/otedama-sentinel/internal/sentinel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrCircuitOpen is returned by Execute when the breaker refuses admission.
var ErrCircuitOpen = errors.New("guard: circuit breaker is open")

// Sink receives every detection result produced by a guard.
type Sink interface {
	RecordDetection(ctx context.Context, resource string, result sentinel.Result) error
}

// BatchSink is implemented by sinks that can store a whole batch at once.
// DetectBatch hands them every result in one call instead of one per row.
type BatchSink interface {
	Sink
	RecordDetections(ctx context.Context, resource string, results []sentinel.Result) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, resource string, result sentinel.Result) error

// RecordDetection implements Sink.
func (f SinkFunc) RecordDetection(ctx context.Context, resource string, result sentinel.Result) error {
	return f(ctx, resource, result)
}

// Option configures a Guard.
type Option func(*Guard)

// WithSink adds a detection sink.
func WithSink(s Sink) Option {
	return func(g *Guard) {
		g.sinks = append(g.sinks, s)
	}
}

// WithFeedback controls whether detections drive the breaker. Enabled by default.
func WithFeedback(enabled bool) Option {
	return func(g *Guard) {
		g.feedback = enabled
	}
}

// Guard protects one resource.
type Guard struct {
	name     string
	logger   *zap.Logger
	scorer   *sentinel.Scorer
	breaker  *breaker.Breaker
	sinks    []Sink
	feedback bool
}

// New creates a guard for the named resource.
func New(name string, scorer *sentinel.Scorer, br *breaker.Breaker, logger *zap.Logger, opts ...Option) *Guard {
	g := &Guard{
		name:     name,
		logger:   logger,
		scorer:   scorer,
		breaker:  br,
		feedback: true,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Name returns the protected resource name.
func (g *Guard) Name() string { return g.name }

// Scorer returns the underlying scorer.
func (g *Guard) Scorer() *sentinel.Scorer { return g.scorer }

// Breaker returns the underlying breaker.
func (g *Guard) Breaker() *breaker.Breaker { return g.breaker }

// Detect scores one feature vector and feeds the result to the breaker and sinks.
func (g *Guard) Detect(ctx context.Context, features []float64, opts ...sentinel.DetectOption) (sentinel.Result, error) {
	result, err := g.scorer.Detect(features, opts...)
	if err != nil {
		return sentinel.Result{}, err
	}

	g.observe(ctx, result)
	return result, nil
}

// DetectBatch scores rows jointly and feeds every result, in order, to the
// breaker and sinks.
func (g *Guard) DetectBatch(ctx context.Context, rows [][]float64, opts ...sentinel.DetectOption) ([]sentinel.Result, error) {
	results, err := g.scorer.DetectBatch(rows, opts...)
	if err != nil {
		return nil, err
	}

	if g.feedback {
		for _, r := range results {
			g.breaker.ProcessDetection(r)
		}
	}
	g.record(ctx, results)
	return results, nil
}

func (g *Guard) observe(ctx context.Context, result sentinel.Result) {
	if g.feedback {
		g.breaker.ProcessDetection(result)
	}
	g.record(ctx, []sentinel.Result{result})
}

// record fans results out to every sink. Sinks share the caller's context;
// one failing sink must not cancel the others.
func (g *Guard) record(ctx context.Context, results []sentinel.Result) {
	if len(g.sinks) == 0 || len(results) == 0 {
		return
	}

	var eg errgroup.Group
	for _, s := range g.sinks {
		s := s
		eg.Go(func() error {
			if bs, ok := s.(BatchSink); ok && len(results) > 1 {
				return bs.RecordDetections(ctx, g.name, results)
			}
			var errs []error
			for _, r := range results {
				if err := s.RecordDetection(ctx, g.name, r); err != nil {
					errs = append(errs, fmt.Errorf("detection %s: %w", r.ID, err))
				}
			}
			return errors.Join(errs...)
		})
	}
	if err := eg.Wait(); err != nil {
		logging.FromContext(ctx, g.logger).Warn("Failed to record detections",
			zap.String("resource", g.name),
			zap.Int("results", len(results)),
			zap.Error(err),
		)
	}
}

// Execute runs fn if the breaker admits it and reports the outcome back to
// the breaker. It returns ErrCircuitOpen without calling fn when blocked.
func (g *Guard) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !g.breaker.CanExecute() {
		return ErrCircuitOpen
	}
	if err := fn(ctx); err != nil {
		g.breaker.RecordFailure(err.Error())
		return fmt.Errorf("%s: %w", g.name, err)
	}
	g.breaker.RecordSuccess()
	return nil
}
