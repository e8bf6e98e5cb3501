package sentinel

import "sync"

// DefaultHistorySize is the default detection history capacity.
const DefaultHistorySize = 1000

// History is a bounded FIFO of detection results. When full, appending
// evicts the oldest result. Safe for concurrent use.
type History struct {
	mu    sync.Mutex
	buf   []Result
	start int
	size  int
}

// NewHistory creates a history ring with the given capacity.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &History{buf: make([]Result, capacity)}
}

// Append records a result, evicting the oldest one when full.
func (h *History) Append(r Result) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.size < len(h.buf) {
		h.buf[(h.start+h.size)%len(h.buf)] = r
		h.size++
		return
	}
	h.buf[h.start] = r
	h.start = (h.start + 1) % len(h.buf)
}

// Len returns the number of results held.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size
}

// Cap returns the ring capacity.
func (h *History) Cap() int {
	return len(h.buf)
}

// Snapshot returns the held results, oldest first.
func (h *History) Snapshot() []Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

// Recent returns up to n of the newest results, oldest first.
func (h *History) Recent(n int) []Result {
	all := h.Snapshot()
	if n <= 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

func (h *History) snapshotLocked() []Result {
	out := make([]Result, h.size)
	for i := 0; i < h.size; i++ {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}

// Statistics aggregates the results currently in the ring. Threat and
// severity distributions count anomalous results only.
func (h *History) Statistics() Statistics {
	h.mu.Lock()
	results := h.snapshotLocked()
	h.mu.Unlock()

	stats := Statistics{
		ThreatDistribution:   make(map[ThreatType]int),
		SeverityDistribution: make(map[Severity]int),
	}
	if len(results) == 0 {
		return stats
	}

	var scoreSum float64
	for _, r := range results {
		scoreSum += r.AnomalyScore
		if !r.IsAnomaly {
			continue
		}
		stats.TotalAnomalies++
		stats.ThreatDistribution[r.ThreatType]++
		stats.SeverityDistribution[r.Severity]++
	}
	stats.TotalDetections = len(results)
	stats.AnomalyRate = float64(stats.TotalAnomalies) / float64(len(results))
	stats.AverageScore = scoreSum / float64(len(results))
	return stats
}
