package database

import (
	"context"
	"testing"
	"time"

	"github.com/shizukutanaka/otedama-sentinel/internal/breaker"
	"github.com/shizukutanaka/otedama-sentinel/internal/sentinel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(zaptest.NewLogger(t), Config{Driver: "sqlite3", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNew(t *testing.T) {
	t.Run("SQLite", func(t *testing.T) {
		db, err := New(zaptest.NewLogger(t), Config{Driver: "sqlite", DSN: ":memory:"})
		require.NoError(t, err)
		assert.Equal(t, "sqlite3", db.Driver())
		assert.NoError(t, db.Ping(context.Background()))
		assert.NoError(t, db.Close())
	})

	t.Run("Unsupported", func(t *testing.T) {
		db, err := New(zaptest.NewLogger(t), Config{Driver: "oracle", DSN: "dummy"})
		assert.Error(t, err)
		assert.Nil(t, db)
	})
}

func TestDB_Schema(t *testing.T) {
	db := setupTestDB(t)
	for _, table := range []string{"detections", "breaker_events"} {
		assert.True(t, db.tableExists(context.Background(), table), table)
	}
	assert.False(t, db.tableExists(context.Background(), "shares"))
}

func TestDB_Rebind(t *testing.T) {
	db := &DB{driver: "postgres"}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", db.rebind("SELECT * FROM t WHERE a = ? AND b = ?"))

	db.driver = "sqlite3"
	assert.Equal(t, "SELECT ?", db.rebind("SELECT ?"))
}

func result(id string, anomalous bool, at time.Time) sentinel.Result {
	r := sentinel.Result{
		ID:                  id,
		IsAnomaly:           anomalous,
		ThreatType:          sentinel.ThreatNone,
		Severity:            sentinel.SeverityLow,
		Confidence:          0.6,
		AnomalyScore:        0.2,
		ContributingFactors: []string{},
		Timestamp:           at,
	}
	if anomalous {
		r.ThreatType = sentinel.ThreatHashrateAnomaly
		r.Severity = sentinel.SeverityCritical
		r.AnomalyScore = 0.97
		r.ContributingFactors = []string{"hashrate_deviation: 9.50σ"}
	}
	return r
}

func TestDB_Detections(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, db.RecordDetection(ctx, "pool", result("a", false, base)))
	require.NoError(t, db.RecordDetections(ctx, "pool", []sentinel.Result{
		result("b", true, base.Add(time.Minute)),
		result("c", false, base.Add(2*time.Minute)),
	}))
	require.NoError(t, db.SaveDetection(ctx, "stratum", result("d", true, base)))

	recs, err := db.RecentDetections(ctx, "pool", 10, false)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "c", recs[0].ID)
	assert.Equal(t, "a", recs[2].ID)

	anomalies, err := db.RecentDetections(ctx, "pool", 10, true)
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	got := anomalies[0]
	assert.Equal(t, "b", got.ID)
	assert.Equal(t, "pool", got.Resource)
	assert.True(t, got.IsAnomaly)
	assert.Equal(t, sentinel.ThreatHashrateAnomaly, got.ThreatType)
	assert.Equal(t, sentinel.SeverityCritical, got.Severity)
	assert.InDelta(t, 0.97, got.AnomalyScore, 1e-12)
	assert.Equal(t, []string{"hashrate_deviation: 9.50σ"}, got.ContributingFactors)
	assert.WithinDuration(t, base.Add(time.Minute), got.Timestamp, time.Millisecond)

	limited, err := db.RecentDetections(ctx, "pool", 1, false)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	all, err := db.RecentDetections(ctx, "", 10, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestDB_DuplicateDetectionRollsBack(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()

	err := db.SaveDetections(ctx, "pool", []sentinel.Result{result("x", false, now), result("x", false, now)})
	assert.Error(t, err)

	recs, err := db.RecentDetections(ctx, "pool", 10, false)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestDB_TrackBreaker(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	b := breaker.New("pool", breaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Minute, HalfOpenMaxCalls: 1}, zaptest.NewLogger(t))
	db.TrackBreaker(b, time.Second)

	b.RecordFailure("hashrate spike")
	b.Reset()

	events, err := db.BreakerEvents(ctx, "pool", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, breaker.StateClosed, events[0].State)
	assert.Equal(t, breaker.StateOpen, events[1].State)
	assert.Equal(t, "hashrate spike", events[1].Reason)
}
