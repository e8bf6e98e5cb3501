package logging

import (
	"go.uber.org/zap/zapcore"
)

// Config defines all settings for logging.
type Config struct {
	// Level is the minimum log level that will be captured.
	Level string `mapstructure:"level" yaml:"level"`

	// Format specifies the log output format. Can be "json" or "console".
	Format string `mapstructure:"format" yaml:"format"`

	// OutputPath is "stdout", "stderr", or a file path rotated by lumberjack.
	OutputPath string `mapstructure:"output_path" yaml:"output_path"`

	// Rotation defines the configuration for log file rotation.
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`

	// Development enables colored console output and full caller paths.
	Development bool `mapstructure:"development" yaml:"development"`

	// Sampling caps repeated messages per second.
	Sampling bool `mapstructure:"sampling" yaml:"sampling"`

	// InitialFields are added to every entry.
	InitialFields map[string]string `mapstructure:"initial_fields" yaml:"initial_fields"`
}

// RotationConfig defines the settings for log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// DefaultConfig returns a new Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "json",
		OutputPath: "stdout",
		Rotation: RotationConfig{
			MaxSizeMB:  100,
			MaxAgeDays: 30,
			MaxBackups: 7,
			Compress:   true,
		},
		InitialFields: map[string]string{
			"service": "otedama-sentinel",
		},
	}
}

func (c Config) buildEncoderConfig() zapcore.EncoderConfig {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	if c.Development {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeCaller = zapcore.FullCallerEncoder
	}
	return encoderConfig
}
