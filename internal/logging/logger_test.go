package logging

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_InvalidLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Level = "loud"
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "sentinel.log")
	cfg := DefaultConfig()
	cfg.OutputPath = path

	logger, err := New(cfg)
	require.NoError(t, err)

	logger.Info("Anomaly detected", zap.String("threat", "hashrate_anomaly"))
	logger.Debug("hidden")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "Anomaly detected", entry["msg"])
	assert.Equal(t, "hashrate_anomaly", entry["threat"])
	assert.Equal(t, "otedama-sentinel", entry["service"])
}

func TestLogger_SetLevel(t *testing.T) {
	logger, err := New(DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, zapcore.InfoLevel, logger.Level())
	require.NoError(t, logger.SetLevel("debug"))
	assert.Equal(t, zapcore.DebugLevel, logger.Level())
	assert.True(t, logger.Named("child").Core().Enabled(zapcore.DebugLevel))

	assert.Error(t, logger.SetLevel("verbose"))
	assert.Equal(t, zapcore.DebugLevel, logger.Level())
}

func TestLogIf(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	LogIf(logger, nil, "nothing")
	LogIf(logger, errors.New("boom"), "failed", zap.String("op", "fit"))

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "failed", entry.Message)
	assert.Equal(t, "fit", entry.ContextMap()["op"])
	assert.Equal(t, "boom", entry.ContextMap()["error"])
}

func TestContextLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	fallback := zap.New(core)

	assert.Same(t, fallback, FromContext(context.Background(), fallback))

	scoped := fallback.With(zap.String("request_id", "r-1"))
	ctx := ToContext(context.Background(), scoped)
	FromContext(ctx, fallback).Info("scored")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "r-1", logs.All()[0].ContextMap()["request_id"])
}

func TestWithComponent(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	WithComponent(zap.New(core), "breaker").Info("opened")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "breaker", logs.All()[0].LoggerName)
	assert.Equal(t, "breaker", logs.All()[0].ContextMap()["component"])
}
