package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/shizukutanaka/otedama-sentinel/internal/api"
	"go.uber.org/zap/zapcore"
)

// Validator checks that a loaded Config is logical and consistent.
type Validator struct{}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks each section and prefixes the failing section's name.
func (v *Validator) Validate(cfg *Config) error {
	if err := v.validateLogging(cfg); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	if err := v.validateSentinel(&cfg.Sentinel); err != nil {
		return fmt.Errorf("sentinel config: %w", err)
	}
	if err := v.validateBreaker(cfg); err != nil {
		return fmt.Errorf("breaker config: %w", err)
	}
	if err := v.validateAPI(&cfg.API); err != nil {
		return fmt.Errorf("api config: %w", err)
	}
	if err := v.validateMetrics(cfg); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}
	if err := v.validateDatabase(cfg); err != nil {
		return fmt.Errorf("database config: %w", err)
	}
	if err := v.validateResources(cfg.Resources); err != nil {
		return fmt.Errorf("resources: %w", err)
	}
	return nil
}

func (v *Validator) validateLogging(cfg *Config) error {
	if _, err := zapcore.ParseLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("invalid log level %q", cfg.Logging.Level)
	}
	if !contains([]string{"json", "console"}, cfg.Logging.Format) {
		return fmt.Errorf("invalid log format %q", cfg.Logging.Format)
	}
	return nil
}

func (v *Validator) validateSentinel(cfg *SentinelConfig) error {
	if len(cfg.Detectors) == 0 {
		return errors.New("at least one detector is required")
	}
	if _, err := cfg.BuildDetectors(); err != nil {
		return err
	}
	if cfg.HistorySize < 0 {
		return errors.New("history_size must not be negative")
	}
	if cfg.LOFNeighbors < 0 || cfg.KNNNeighbors < 0 || cfg.IForestTrees < 0 || cfg.IForestSample < 0 {
		return errors.New("detector parameters must not be negative")
	}
	return cfg.EnsembleConfig().Validate(len(cfg.Detectors))
}

func (v *Validator) validateBreaker(cfg *Config) error {
	b := cfg.Breaker
	if b.FailureThreshold < 1 {
		return errors.New("failure_threshold must be at least 1")
	}
	if b.RecoveryTimeout <= 0 {
		return errors.New("recovery_timeout must be positive")
	}
	if b.HalfOpenMaxCalls < 1 {
		return errors.New("half_open_max_calls must be at least 1")
	}
	if b.MinAnomalyFailures < 0 {
		return errors.New("min_anomaly_failures must not be negative")
	}
	return nil
}

func (v *Validator) validateAPI(cfg *api.Config) error {
	if !cfg.Enabled {
		return nil
	}
	if err := v.validateListenAddress(cfg.ListenAddr); err != nil {
		return err
	}
	if cfg.ReadTimeout < 0 || cfg.WriteTimeout < 0 || cfg.ShutdownTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	if cfg.MaxBatchRows < 1 {
		return errors.New("max_batch_rows must be at least 1")
	}
	if cfg.RateLimit < 0 || cfg.RateBurst < 0 {
		return errors.New("rate limits must not be negative")
	}
	return nil
}

func (v *Validator) validateMetrics(cfg *Config) error {
	m := cfg.Metrics
	if !m.Enabled {
		return nil
	}
	if m.ListenAddr != "" {
		if err := v.validateListenAddress(m.ListenAddr); err != nil {
			return err
		}
	}
	if m.Path != "" && !strings.HasPrefix(m.Path, "/") {
		return fmt.Errorf("path %q must start with /", m.Path)
	}
	return nil
}

func (v *Validator) validateDatabase(cfg *Config) error {
	db := cfg.Database
	if !db.Enabled {
		return nil
	}
	if !contains([]string{"sqlite", "sqlite3", "postgres", "postgresql"}, db.Driver) {
		return fmt.Errorf("unsupported driver %q", db.Driver)
	}
	if db.DSN == "" {
		return errors.New("dsn is required")
	}
	if db.MaxOpenConns < 0 || db.MaxIdleConns < 0 {
		return errors.New("connection limits must not be negative")
	}
	return nil
}

func (v *Validator) validateResources(resources []string) error {
	if len(resources) == 0 {
		return errors.New("at least one protected resource is required")
	}
	seen := make(map[string]bool, len(resources))
	for _, r := range resources {
		if strings.TrimSpace(r) == "" {
			return errors.New("resource names must not be empty")
		}
		if seen[r] {
			return fmt.Errorf("duplicate resource %q", r)
		}
		seen[r] = true
	}
	return nil
}

func (v *Validator) validateListenAddress(addr string) error {
	if addr == "" {
		return errors.New("listen_addr is required")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	return nil
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
