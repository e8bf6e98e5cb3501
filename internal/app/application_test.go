package app

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shizukutanaka/otedama-sentinel/internal/config"
	"github.com/shizukutanaka/otedama-sentinel/internal/sentinel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.API.ListenAddr = "127.0.0.1:0"
	cfg.Sentinel.IForestTrees = 50
	return cfg
}

func writeTrainingCSV(t *testing.T, n int) string {
	t.Helper()
	rng := rand.New(rand.NewSource(3))
	var b strings.Builder
	b.WriteString("hashrate,earnings,share_rate,reject_rate,latency\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "%.4f,%.4f,%.4f,%.5f,%.3f\n",
			100+rng.NormFloat64(), 50+rng.NormFloat64(), 10+rng.NormFloat64(),
			0.02+0.005*rng.NormFloat64(), 40+rng.NormFloat64())
	}
	path := filepath.Join(t.TempDir(), "train.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o600))
	return path
}

func TestNew_Defaults(t *testing.T) {
	app, err := New(zaptest.NewLogger(t), testConfig(t))
	require.NoError(t, err)
	defer app.Close()

	require.Len(t, app.Guards(), 1)
	g, ok := app.Guard("pool")
	require.True(t, ok)
	assert.Same(t, app.Scorer(), g.Scorer())
	assert.NotNil(t, app.Server())
	assert.Nil(t, app.DB())

	_, ok = app.Guard("payouts")
	assert.False(t, ok)
}

func TestNew_APIDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.API.Enabled = false
	cfg.Resources = []string{"stratum", "payouts"}

	app, err := New(zaptest.NewLogger(t), cfg)
	require.NoError(t, err)
	assert.Nil(t, app.Server())
	assert.Len(t, app.Guards(), 2)
}

func TestNew_DatabaseError(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Enabled = true
	cfg.Database.Driver = "mysql"

	_, err := New(zaptest.NewLogger(t), cfg)
	assert.Error(t, err)
}

func TestTrain_NoFile(t *testing.T) {
	app, err := New(zaptest.NewLogger(t), testConfig(t))
	require.NoError(t, err)

	require.NoError(t, app.Train(context.Background()))
	assert.False(t, app.Scorer().Fitted())
}

func TestTrain_MissingFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Training.File = filepath.Join(t.TempDir(), "absent.csv")
	app, err := New(zaptest.NewLogger(t), cfg)
	require.NoError(t, err)

	assert.Error(t, app.Train(context.Background()))
}

func TestTrainAndDetect_Persisted(t *testing.T) {
	cfg := testConfig(t)
	cfg.Training.File = writeTrainingCSV(t, 120)
	cfg.Database.Enabled = true
	cfg.Database.Driver = "sqlite3"
	cfg.Database.DSN = ":memory:"
	cfg.Metrics.Enabled = true

	app, err := New(zaptest.NewLogger(t), cfg)
	require.NoError(t, err)
	defer app.Close()
	require.NotNil(t, app.DB())

	ctx := context.Background()
	require.NoError(t, app.Train(ctx))
	require.True(t, app.Scorer().Fitted())

	g, _ := app.Guard("pool")
	result, err := g.Detect(ctx, []float64{10, 10, 10, 10, 10})
	require.NoError(t, err)
	assert.True(t, result.IsAnomaly)

	records, err := app.DB().RecentDetections(ctx, "pool", 10, false)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, result.ID, records[0].ID)
	assert.Equal(t, "pool", records[0].Resource)
}

func TestReload(t *testing.T) {
	cfg := testConfig(t)
	app, err := New(zaptest.NewLogger(t), cfg)
	require.NoError(t, err)

	next := *cfg
	next.Sentinel.Severity = config.SeverityConfig{Low: 0.2, Medium: 0.4, High: 0.6, Critical: 0.8}
	require.NoError(t, app.Reload(&next))
	assert.Equal(t, sentinel.SeverityLadder{Low: 0.2, Medium: 0.4, High: 0.6, Critical: 0.8}, app.Scorer().Ladder())

	next.Sentinel.Severity = config.SeverityConfig{Low: 0.5, Medium: 0.4, High: 0.6, Critical: 0.8}
	assert.Error(t, app.Reload(&next))
	assert.Equal(t, 0.2, app.Scorer().Ladder().Low)
}

func TestRun_StopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = true
	app, err := New(zaptest.NewLogger(t), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("application did not stop")
	}
}
