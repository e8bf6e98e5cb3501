// Package logging builds the zap loggers used across the service.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is a root zap logger whose level can be changed at runtime.
type Logger struct {
	*zap.Logger
	level  zap.AtomicLevel
	closer io.Closer
}

// New builds a logger from config.
func New(config Config) (*Logger, error) {
	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	atomic := zap.NewAtomicLevelAt(level)

	var encoder zapcore.Encoder
	if config.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(config.buildEncoderConfig())
	} else {
		encoder = zapcore.NewJSONEncoder(config.buildEncoderConfig())
	}

	var (
		writer zapcore.WriteSyncer
		closer io.Closer
	)
	switch config.OutputPath {
	case "", "stdout":
		writer = zapcore.Lock(os.Stdout)
	case "stderr":
		writer = zapcore.Lock(os.Stderr)
	default:
		if err := os.MkdirAll(filepath.Dir(config.OutputPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   config.OutputPath,
			MaxSize:    config.Rotation.MaxSizeMB,
			MaxBackups: config.Rotation.MaxBackups,
			MaxAge:     config.Rotation.MaxAgeDays,
			Compress:   config.Rotation.Compress,
			LocalTime:  true,
		}
		writer = zapcore.AddSync(rotator)
		closer = rotator
		if config.Development {
			writer = zapcore.NewMultiWriteSyncer(writer, zapcore.Lock(os.Stdout))
		}
	}

	core := zapcore.NewCore(encoder, writer, atomic)
	if config.Sampling {
		core = zapcore.NewSamplerWithOptions(core, time.Second, 100, 10)
	}

	options := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)}
	if config.Development {
		options = append(options, zap.Development())
	}
	if len(config.InitialFields) > 0 {
		fields := make([]zap.Field, 0, len(config.InitialFields))
		for k, v := range config.InitialFields {
			fields = append(fields, zap.String(k, v))
		}
		options = append(options, zap.Fields(fields...))
	}

	return &Logger{
		Logger: zap.New(core, options...),
		level:  atomic,
		closer: closer,
	}, nil
}

// SetLevel changes the minimum level of this logger and all derived loggers.
func (l *Logger) SetLevel(level string) error {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	if parsed != l.level.Level() {
		l.level.SetLevel(parsed)
		l.Info("Log level changed", zap.Stringer("level", parsed))
	}
	return nil
}

// Level returns the current minimum level.
func (l *Logger) Level() zapcore.Level {
	return l.level.Level()
}

// Close flushes buffered entries and releases the rotated file, if any.
func (l *Logger) Close() error {
	_ = l.Sync()
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// WithComponent adds component context.
func WithComponent(logger *zap.Logger, component string) *zap.Logger {
	return logger.Named(component).With(zap.String("component", component))
}

// LogIf logs only if err is not nil.
func LogIf(logger *zap.Logger, err error, msg string, fields ...zap.Field) {
	if err != nil {
		logger.Error(msg, append(fields, zap.Error(err))...)
	}
}
