package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shizukutanaka/otedama-sentinel/internal/breaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func sampleReport() detectReport {
	return detectReport{
		Samples:   2,
		Anomalies: 1,
		Threshold: 0.9,
		MeanScore: 0.55,
		Rows: []detectionRow{
			{Row: 1, ID: "a", Score: 0.1, Threat: "unknown", Severity: "LOW", Factors: []string{}},
			{Row: 2, ID: "b", IsAnomaly: true, Score: 1, Threat: "share_manipulation", Severity: "CRITICAL",
				Factors: []string{"share_rate_deviation: 9.00σ"}},
		},
	}
}

func TestWriteReport(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeReport(&buf, "table", sampleReport()))
	out := buf.String()
	assert.Contains(t, out, "Scored 2 samples at threshold 0.900: 1 anomalies (50.0%)")
	assert.Contains(t, out, "share_manipulation")
	assert.Contains(t, out, "share_rate_deviation: 9.00σ")

	buf.Reset()
	require.NoError(t, writeReport(&buf, "json", sampleReport()))
	var decoded detectReport
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, sampleReport(), decoded)

	buf.Reset()
	require.NoError(t, writeReport(&buf, "yaml", sampleReport()))
	var fromYAML detectReport
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &fromYAML))
	assert.Equal(t, "share_manipulation", fromYAML.Rows[1].Threat)

	assert.Error(t, writeReport(&buf, "xml", sampleReport()))
}

func TestClientCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v1/resources/pool/breaker/reset":
			assert.Equal(t, http.MethodPost, r.Method)
			_, _ = w.Write([]byte(`{"success":true,"data":{"name":"pool","state":"closed","is_open":false,"failures":0,"half_open_successes":0}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"success":false,"error":"unknown resource \"x\""}`))
		}
	}))
	defer srv.Close()

	c := &client{baseURL: srv.URL, http: &http.Client{Timeout: time.Second}}

	var snap breaker.Snapshot
	require.NoError(t, c.call(context.Background(), http.MethodPost, "/resources/pool/breaker/reset", &snap))
	assert.Equal(t, "pool", snap.Name)
	assert.Equal(t, breaker.StateClosed, snap.State)

	err := c.call(context.Background(), http.MethodPost, "/resources/x/breaker/reset", &snap)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown resource")
}

func TestDisplayTable(t *testing.T) {
	last := time.Now().Add(-time.Minute)
	var buf bytes.Buffer
	require.NoError(t, displayTable(&buf, statusReport{
		Fitted:    true,
		Threshold: 0.9,
		Breakers: []breaker.Snapshot{
			{Name: "pool", State: breaker.StateOpen, IsOpen: true, Failures: 5, LastFailure: &last, Reason: "share_manipulation - CRITICAL (score: 0.990)"},
		},
	}))
	out := buf.String()
	assert.Contains(t, out, "pool")
	assert.Contains(t, out, "open")
	assert.Contains(t, out, "1 minute ago")
}
