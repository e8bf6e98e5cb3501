// Package config loads the service configuration from YAML and the
// environment, validates it and watches it for changes.
package config

import (
	"fmt"
	"strings"

	"github.com/shizukutanaka/otedama-sentinel/internal/api"
	"github.com/shizukutanaka/otedama-sentinel/internal/breaker"
	"github.com/shizukutanaka/otedama-sentinel/internal/database"
	"github.com/shizukutanaka/otedama-sentinel/internal/logging"
	"github.com/shizukutanaka/otedama-sentinel/internal/monitoring"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. SENTINEL_API_LISTEN_ADDR.
const EnvPrefix = "SENTINEL"

// Config is the complete service configuration.
type Config struct {
	Logging   logging.Config    `mapstructure:"logging" yaml:"logging"`
	Sentinel  SentinelConfig    `mapstructure:"sentinel" yaml:"sentinel"`
	Breaker   breaker.Config    `mapstructure:"breaker" yaml:"breaker"`
	API       api.Config        `mapstructure:"api" yaml:"api"`
	Metrics   monitoring.Config `mapstructure:"metrics" yaml:"metrics"`
	Database  database.Config   `mapstructure:"database" yaml:"database"`
	Training  TrainingConfig    `mapstructure:"training" yaml:"training"`
	Resources []string          `mapstructure:"resources" yaml:"resources"`
}

// SentinelConfig configures the ensemble scorer.
type SentinelConfig struct {
	Contamination float64          `mapstructure:"contamination" yaml:"contamination"`
	HistorySize   int              `mapstructure:"history_size" yaml:"history_size"`
	Scaling       string           `mapstructure:"scaling" yaml:"scaling"`
	Seed          int64            `mapstructure:"seed" yaml:"seed"`
	Detectors     []DetectorConfig `mapstructure:"detectors" yaml:"detectors"`
	IForestTrees  int              `mapstructure:"iforest_n_estimators" yaml:"iforest_n_estimators"`
	IForestSample int              `mapstructure:"iforest_max_samples" yaml:"iforest_max_samples"`
	LOFNeighbors  int              `mapstructure:"lof_n_neighbors" yaml:"lof_n_neighbors"`
	KNNNeighbors  int              `mapstructure:"knn_n_neighbors" yaml:"knn_n_neighbors"`
	Severity      SeverityConfig   `mapstructure:"severity" yaml:"severity"`
	Slots         SlotsConfig      `mapstructure:"slots" yaml:"slots"`
}

// DetectorConfig names one ensemble member and its weight.
type DetectorConfig struct {
	Name   string  `mapstructure:"name" yaml:"name"`
	Weight float64 `mapstructure:"weight" yaml:"weight"`
}

// SeverityConfig holds the severity ladder thresholds.
type SeverityConfig struct {
	Low      float64 `mapstructure:"low" yaml:"low"`
	Medium   float64 `mapstructure:"medium" yaml:"medium"`
	High     float64 `mapstructure:"high" yaml:"high"`
	Critical float64 `mapstructure:"critical" yaml:"critical"`
}

// SlotsConfig maps well-known metrics to feature positions; -1 disables one.
type SlotsConfig struct {
	Hashrate   int `mapstructure:"hashrate" yaml:"hashrate"`
	Earnings   int `mapstructure:"earnings" yaml:"earnings"`
	ShareRate  int `mapstructure:"share_rate" yaml:"share_rate"`
	RejectRate int `mapstructure:"reject_rate" yaml:"reject_rate"`
	Latency    int `mapstructure:"latency" yaml:"latency"`
}

// TrainingConfig points at the CSV used to fit the scorer at startup.
type TrainingConfig struct {
	File    string `mapstructure:"file" yaml:"file"`
	Header  bool   `mapstructure:"header" yaml:"header"`
	Lenient bool   `mapstructure:"lenient" yaml:"lenient"`
}

// Load reads configuration from configPath (optional) and the environment,
// then validates it.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := NewValidator().Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_path", "stdout")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.sampling", false)
	v.SetDefault("logging.rotation.max_size_mb", 100)
	v.SetDefault("logging.rotation.max_age_days", 30)
	v.SetDefault("logging.rotation.max_backups", 7)
	v.SetDefault("logging.rotation.compress", true)
	v.SetDefault("logging.initial_fields", map[string]string{"service": "otedama-sentinel"})

	v.SetDefault("sentinel.contamination", 0.1)
	v.SetDefault("sentinel.history_size", 1000)
	v.SetDefault("sentinel.scaling", "reference")
	v.SetDefault("sentinel.seed", 42)
	v.SetDefault("sentinel.detectors", []map[string]any{
		{"name": "iforest", "weight": 0.4},
		{"name": "lof", "weight": 0.3},
		{"name": "knn", "weight": 0.3},
	})
	v.SetDefault("sentinel.iforest_n_estimators", 100)
	v.SetDefault("sentinel.iforest_max_samples", 256)
	v.SetDefault("sentinel.lof_n_neighbors", 20)
	v.SetDefault("sentinel.knn_n_neighbors", 5)
	v.SetDefault("sentinel.severity.low", 0.3)
	v.SetDefault("sentinel.severity.medium", 0.5)
	v.SetDefault("sentinel.severity.high", 0.7)
	v.SetDefault("sentinel.severity.critical", 0.9)
	v.SetDefault("sentinel.slots.hashrate", 0)
	v.SetDefault("sentinel.slots.earnings", 1)
	v.SetDefault("sentinel.slots.share_rate", 2)
	v.SetDefault("sentinel.slots.reject_rate", 3)
	v.SetDefault("sentinel.slots.latency", 4)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.recovery_timeout", "60s")
	v.SetDefault("breaker.half_open_max_calls", 3)
	v.SetDefault("breaker.min_anomaly_failures", 0)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen_addr", ":8080")
	v.SetDefault("api.read_timeout", "15s")
	v.SetDefault("api.write_timeout", "30s")
	v.SetDefault("api.shutdown_timeout", "10s")
	v.SetDefault("api.max_batch_rows", 10000)
	v.SetDefault("api.rate_limit", 100)
	v.SetDefault("api.rate_burst", 200)
	v.SetDefault("api.allow_origins", []string{})

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", "")
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.namespace", "sentinel")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "file:sentinel.db?_busy_timeout=5000")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.slow_query_threshold", "100ms")

	v.SetDefault("training.file", "")
	v.SetDefault("training.header", true)
	v.SetDefault("training.lenient", false)

	v.SetDefault("resources", []string{"pool"})
}
