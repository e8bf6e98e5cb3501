// Package monitoring exports detection and circuit breaker metrics to Prometheus.
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shizukutanaka/otedama-sentinel/internal/breaker"
	"github.com/shizukutanaka/otedama-sentinel/internal/sentinel"
	"go.uber.org/zap"
)

// Config defines the metrics exporter configuration.
type Config struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
	Path       string `mapstructure:"path" yaml:"path"`
	Namespace  string `mapstructure:"namespace" yaml:"namespace"`
}

// Metrics holds the sentinel collectors on a private registry.
type Metrics struct {
	logger   *zap.Logger
	config   Config
	registry *prometheus.Registry
	server   *http.Server

	detections   *prometheus.CounterVec
	anomalyScore *prometheus.HistogramVec
	breakerState *prometheus.GaugeVec
	transitions  *prometheus.CounterVec
}

// New creates the collectors and registers them with a fresh registry.
func New(logger *zap.Logger, config Config) *Metrics {
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if config.Namespace == "" {
		config.Namespace = "sentinel"
	}

	m := &Metrics{
		logger:   logger,
		config:   config,
		registry: prometheus.NewRegistry(),
	}

	m.detections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "detections_total",
		Help:      "Detections by threat type and severity",
	}, []string{"resource", "threat", "severity", "anomaly"})

	m.anomalyScore = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: config.Namespace,
		Name:      "anomaly_score",
		Help:      "Distribution of ensemble anomaly scores",
		Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
	}, []string{"resource"})

	m.breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: config.Namespace,
		Name:      "breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half_open)",
	}, []string{"resource"})

	m.transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "breaker_transitions_total",
		Help:      "Circuit breaker state transitions",
	}, []string{"resource", "to"})

	m.registry.MustRegister(
		m.detections,
		m.anomalyScore,
		m.breakerState,
		m.transitions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordDetection implements guard.Sink.
func (m *Metrics) RecordDetection(_ context.Context, resource string, r sentinel.Result) error {
	m.detections.WithLabelValues(resource, string(r.ThreatType), r.Severity.String(), fmt.Sprint(r.IsAnomaly)).Inc()
	m.anomalyScore.WithLabelValues(resource).Observe(r.AnomalyScore)
	return nil
}

// TrackBreaker exports the state, transitions and failure count of b.
func (m *Metrics) TrackBreaker(b *breaker.Breaker) error {
	resource := b.Name()
	failures := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   m.config.Namespace,
		Name:        "breaker_failures",
		Help:        "Current circuit breaker failure count",
		ConstLabels: prometheus.Labels{"resource": resource},
	}, func() float64 {
		return float64(b.Snapshot().Failures)
	})
	if err := m.registry.Register(failures); err != nil {
		return fmt.Errorf("register breaker %s: %w", resource, err)
	}

	set := func(s breaker.State) {
		m.breakerState.WithLabelValues(resource).Set(float64(s))
		m.transitions.WithLabelValues(resource, s.String()).Inc()
	}
	b.OnOpen(func(string) error {
		set(breaker.StateOpen)
		return nil
	})
	b.OnHalfOpen(func() error {
		set(breaker.StateHalfOpen)
		return nil
	})
	b.OnClose(func() error {
		set(breaker.StateClosed)
		return nil
	})

	m.breakerState.WithLabelValues(resource).Set(float64(b.State()))
	return nil
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// Start serves metrics on the configured address until ctx is cancelled.
// It returns immediately when the exporter is disabled or has no address.
func (m *Metrics) Start(ctx context.Context) error {
	if !m.config.Enabled || m.config.ListenAddr == "" {
		m.logger.Info("Standalone metrics exporter disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())
	m.server = &http.Server{
		Addr:              m.config.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		m.logger.Info("Starting metrics exporter",
			zap.String("address", m.config.ListenAddr),
			zap.String("path", m.config.Path),
		)
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	case <-ctx.Done():
		return m.Stop()
	}
}

// Stop shuts the standalone exporter down.
func (m *Metrics) Stop() error {
	if m.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown metrics server: %w", err)
	}
	m.logger.Info("Metrics exporter stopped")
	return nil
}
