package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shizukutanaka/otedama-sentinel/internal/breaker"
	"github.com/shizukutanaka/otedama-sentinel/internal/sentinel"
	"go.uber.org/zap"
)

// DetectionRecord is a stored detection result.
type DetectionRecord struct {
	Resource string `json:"resource"`
	sentinel.Result
}

// BreakerEvent is a stored breaker transition.
type BreakerEvent struct {
	ID         int64         `json:"id"`
	Resource   string        `json:"resource"`
	State      breaker.State `json:"state"`
	Reason     string        `json:"reason,omitempty"`
	OccurredAt time.Time     `json:"occurred_at"`
}

const insertDetection = `INSERT INTO detections
	(id, resource, is_anomaly, threat_type, severity, confidence, anomaly_score, factors, detected_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

func detectionArgs(resource string, r sentinel.Result) ([]any, error) {
	factors, err := json.Marshal(r.ContributingFactors)
	if err != nil {
		return nil, err
	}
	return []any{
		r.ID, resource, r.IsAnomaly, string(r.ThreatType), r.Severity.String(),
		r.Confidence, r.AnomalyScore, string(factors), r.Timestamp.UTC(),
	}, nil
}

// RecordDetection implements guard.Sink.
func (d *DB) RecordDetection(ctx context.Context, resource string, r sentinel.Result) error {
	return d.SaveDetection(ctx, resource, r)
}

// RecordDetections implements guard.BatchSink.
func (d *DB) RecordDetections(ctx context.Context, resource string, results []sentinel.Result) error {
	return d.SaveDetections(ctx, resource, results)
}

// SaveDetection stores one detection result.
func (d *DB) SaveDetection(ctx context.Context, resource string, r sentinel.Result) error {
	args, err := detectionArgs(resource, r)
	if err != nil {
		return fmt.Errorf("encode detection %s: %w", r.ID, err)
	}
	if _, err := d.Execute(ctx, insertDetection, args...); err != nil {
		return fmt.Errorf("save detection %s: %w", r.ID, err)
	}
	return nil
}

// SaveDetections stores results in a single transaction.
func (d *DB) SaveDetections(ctx context.Context, resource string, results []sentinel.Result) error {
	tx, err := d.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, r := range results {
		args, err := detectionArgs(resource, r)
		if err != nil {
			return fmt.Errorf("encode detection %s: %w", r.ID, err)
		}
		if _, err := tx.Execute(ctx, insertDetection, args...); err != nil {
			return fmt.Errorf("save detection %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// RecentDetections returns up to limit detections, newest first. An empty
// resource matches every resource. When anomaliesOnly is set, normal results
// are skipped.
func (d *DB) RecentDetections(ctx context.Context, resource string, limit int, anomaliesOnly bool) ([]DetectionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		where []string
		args  []any
	)
	if resource != "" {
		where = append(where, "resource = ?")
		args = append(args, resource)
	}
	if anomaliesOnly {
		where = append(where, "is_anomaly = ?")
		args = append(args, true)
	}

	query := `SELECT id, resource, is_anomaly, threat_type, severity, confidence, anomaly_score, factors, detected_at
		FROM detections`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY detected_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := d.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query detections: %w", err)
	}
	defer rows.Close()

	var out []DetectionRecord
	for rows.Next() {
		var (
			rec      DetectionRecord
			threat   string
			severity string
			factors  string
		)
		if err := rows.Scan(&rec.ID, &rec.Resource, &rec.IsAnomaly, &threat, &severity,
			&rec.Confidence, &rec.AnomalyScore, &factors, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scan detection: %w", err)
		}
		rec.ThreatType = sentinel.ThreatType(threat)
		if rec.Severity, err = sentinel.ParseSeverity(severity); err != nil {
			return nil, fmt.Errorf("detection %s: %w", rec.ID, err)
		}
		if err := json.Unmarshal([]byte(factors), &rec.ContributingFactors); err != nil {
			return nil, fmt.Errorf("detection %s factors: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveBreakerEvent stores a breaker transition.
func (d *DB) SaveBreakerEvent(ctx context.Context, ev BreakerEvent) error {
	_, err := d.Execute(ctx,
		`INSERT INTO breaker_events (resource, state, reason, occurred_at) VALUES (?, ?, ?, ?)`,
		ev.Resource, ev.State.String(), ev.Reason, ev.OccurredAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save breaker event: %w", err)
	}
	return nil
}

// BreakerEvents returns up to limit transitions for resource, newest first.
func (d *DB) BreakerEvents(ctx context.Context, resource string, limit int) ([]BreakerEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.Query(ctx,
		`SELECT id, resource, state, reason, occurred_at FROM breaker_events
		WHERE resource = ? ORDER BY occurred_at DESC, id DESC LIMIT ?`,
		resource, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query breaker events: %w", err)
	}
	defer rows.Close()

	var out []BreakerEvent
	for rows.Next() {
		var (
			ev    BreakerEvent
			state string
		)
		if err := rows.Scan(&ev.ID, &ev.Resource, &state, &ev.Reason, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan breaker event: %w", err)
		}
		if err := ev.State.UnmarshalText([]byte(state)); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// TrackBreaker persists every transition of b. Writes are bounded by timeout
// so a slow database cannot stall the breaker's callers for long.
func (d *DB) TrackBreaker(b *breaker.Breaker, timeout time.Duration) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	save := func(state breaker.State, reason string) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return d.SaveBreakerEvent(ctx, BreakerEvent{
			Resource:   b.Name(),
			State:      state,
			Reason:     reason,
			OccurredAt: time.Now(),
		})
	}

	b.OnOpen(func(reason string) error { return save(breaker.StateOpen, reason) })
	b.OnHalfOpen(func() error { return save(breaker.StateHalfOpen, "") })
	b.OnClose(func() error { return save(breaker.StateClosed, "") })
	d.logger.Debug("Tracking breaker transitions", zap.String("resource", b.Name()))
}
