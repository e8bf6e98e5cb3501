// Package api exposes detection, fitting, statistics and breaker control
// over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"github.com/shizukutanaka/otedama-sentinel/internal/database"
	"github.com/shizukutanaka/otedama-sentinel/internal/guard"
	"github.com/shizukutanaka/otedama-sentinel/internal/sentinel"
	"go.uber.org/zap"
)

// Config defines API server configuration.
type Config struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	ListenAddr      string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	MaxBatchRows    int           `mapstructure:"max_batch_rows" yaml:"max_batch_rows"`
	// RateLimit is requests per second per client; zero disables limiting.
	RateLimit    int      `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst    int      `mapstructure:"rate_burst" yaml:"rate_burst"`
	AllowOrigins []string `mapstructure:"allow_origins" yaml:"allow_origins"`
}

// Response is the envelope of every API response.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Time    time.Time   `json:"time"`
}

// DetectionStore serves persisted detections.
type DetectionStore interface {
	RecentDetections(ctx context.Context, resource string, limit int, anomaliesOnly bool) ([]database.DetectionRecord, error)
	Ping(ctx context.Context) error
}

// Option configures a Server.
type Option func(*Server)

// WithMetricsHandler mounts h at path on the API router.
func WithMetricsHandler(path string, h http.Handler) Option {
	return func(s *Server) {
		s.metricsPath = path
		s.metrics = h
	}
}

// WithStore enables the persisted detections endpoint.
func WithStore(store DetectionStore) Option {
	return func(s *Server) {
		s.store = store
	}
}

// Server provides the HTTP API.
type Server struct {
	logger      *zap.Logger
	config      Config
	router      *mux.Router
	server      *http.Server
	scorer      *sentinel.Scorer
	guards      map[string]*guard.Guard
	store       DetectionStore
	metrics     http.Handler
	metricsPath string
	started     time.Time
}

// NewServer creates a server over guards. All guards must share scorer.
func NewServer(config Config, logger *zap.Logger, scorer *sentinel.Scorer, guards []*guard.Guard, opts ...Option) (*Server, error) {
	if scorer == nil {
		return nil, errors.New("api: scorer is required")
	}
	if config.MaxBatchRows <= 0 {
		config.MaxBatchRows = 10000
	}

	s := &Server{
		logger:  logger,
		config:  config,
		scorer:  scorer,
		guards:  make(map[string]*guard.Guard, len(guards)),
		started: time.Now(),
	}
	for _, g := range guards {
		if _, dup := s.guards[g.Name()]; dup {
			return nil, fmt.Errorf("api: duplicate resource %q", g.Name())
		}
		s.guards[g.Name()] = g
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.router,
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("Starting API server", zap.String("listen_addr", s.config.ListenAddr))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info("Shutting down API server")
	return s.server.Shutdown(shutdownCtx)
}

func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()
	s.router.Use(s.recoveryMiddleware)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.corsMiddleware)
	api.Use(s.loggingMiddleware)
	if s.config.RateLimit > 0 {
		api.Use(newRateLimiter(s.config.RateLimit, s.config.RateBurst).middleware)
	}

	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/fit", s.handleFit).Methods(http.MethodPost)
	api.HandleFunc("/statistics", s.handleStatistics).Methods(http.MethodGet)
	api.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/detections", s.handleDetections).Methods(http.MethodGet)
	api.HandleFunc("/severity", s.handleGetLadder).Methods(http.MethodGet)
	api.HandleFunc("/severity", s.handleSetLadder).Methods(http.MethodPut)
	api.HandleFunc("/breakers", s.handleBreakers).Methods(http.MethodGet)

	res := api.PathPrefix("/resources/{resource}").Subrouter()
	res.HandleFunc("/detect", s.handleDetect).Methods(http.MethodPost)
	res.HandleFunc("/detect/batch", s.handleDetectBatch).Methods(http.MethodPost)
	res.HandleFunc("/breaker", s.handleBreaker).Methods(http.MethodGet)
	res.HandleFunc("/breaker/reset", s.handleBreakerReset).Methods(http.MethodPost)

	if s.metrics != nil {
		path := s.metricsPath
		if path == "" {
			path = "/metrics"
		}
		s.router.Handle(path, s.metrics).Methods(http.MethodGet)
	}
}

func (s *Server) resourceNames() []string {
	names := make([]string, 0, len(s.guards))
	for name := range s.guards {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
