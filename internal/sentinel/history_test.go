package sentinel

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistory_EvictsOldestFirst(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 5; i++ {
		h.Append(Result{ID: fmt.Sprint(i)})
	}

	require.Equal(t, 3, h.Len())
	ids := func(rs []Result) []string {
		out := make([]string, len(rs))
		for i, r := range rs {
			out[i] = r.ID
		}
		return out
	}
	assert.Equal(t, []string{"2", "3", "4"}, ids(h.Snapshot()))
	assert.Equal(t, []string{"3", "4"}, ids(h.Recent(2)))
	assert.Equal(t, []string{"2", "3", "4"}, ids(h.Recent(0)))
	assert.Equal(t, []string{"2", "3", "4"}, ids(h.Recent(10)))
}

func TestHistory_DefaultCapacity(t *testing.T) {
	h := NewHistory(0)
	for i := 0; i < DefaultHistorySize+10; i++ {
		h.Append(Result{})
	}
	assert.Equal(t, DefaultHistorySize, h.Cap())
	assert.Equal(t, DefaultHistorySize, h.Len())
}

func TestHistory_ConcurrentAppend(t *testing.T) {
	h := NewHistory(50)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				h.Append(Result{AnomalyScore: 0.5})
				_ = h.Statistics()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, h.Len())
	assert.Equal(t, 50, h.Statistics().TotalDetections)
}

func TestHistory_Statistics(t *testing.T) {
	h := NewHistory(10)

	empty := h.Statistics()
	assert.Zero(t, empty.TotalDetections)
	assert.Zero(t, empty.AnomalyRate)
	assert.NotNil(t, empty.ThreatDistribution)

	h.Append(Result{AnomalyScore: 0.2, ThreatType: ThreatNone, Severity: SeverityLow})
	h.Append(Result{AnomalyScore: 0.95, IsAnomaly: true, ThreatType: ThreatHashrateAnomaly, Severity: SeverityCritical})
	h.Append(Result{AnomalyScore: 0.92, IsAnomaly: true, ThreatType: ThreatHashrateAnomaly, Severity: SeverityCritical})
	h.Append(Result{AnomalyScore: 0.93, IsAnomaly: true, ThreatType: ThreatNetworkAttack, Severity: SeverityCritical})

	stats := h.Statistics()
	assert.Equal(t, 4, stats.TotalDetections)
	assert.Equal(t, 3, stats.TotalAnomalies)
	assert.InDelta(t, 0.75, stats.AnomalyRate, 1e-12)
	assert.InDelta(t, 0.75, stats.AverageScore, 1e-12)
	assert.Equal(t, map[ThreatType]int{ThreatHashrateAnomaly: 2, ThreatNetworkAttack: 1}, stats.ThreatDistribution)
	assert.Equal(t, map[Severity]int{SeverityCritical: 3}, stats.SeverityDistribution)
}

func TestHistory_StatisticsWindowOnly(t *testing.T) {
	h := NewHistory(2)
	h.Append(Result{AnomalyScore: 1, IsAnomaly: true, ThreatType: ThreatUnknown, Severity: SeverityCritical})
	h.Append(Result{AnomalyScore: 0})
	h.Append(Result{AnomalyScore: 0})

	stats := h.Statistics()
	assert.Equal(t, 2, stats.TotalDetections)
	assert.Zero(t, stats.TotalAnomalies)
	assert.Empty(t, stats.ThreatDistribution)
}
