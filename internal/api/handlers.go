package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shizukutanaka/otedama-sentinel/internal/breaker"
	"github.com/shizukutanaka/otedama-sentinel/internal/guard"
	"github.com/shizukutanaka/otedama-sentinel/internal/logging"
	"github.com/shizukutanaka/otedama-sentinel/internal/sentinel"
	"go.uber.org/zap"
)

const (
	defaultHistoryLimit = 100
	maxBodyBytes        = 32 << 20
	storePingTimeout    = 2 * time.Second
)

type detectRequest struct {
	Features  []float64 `json:"features"`
	Threshold *float64  `json:"threshold,omitempty"`
}

type detectBatchRequest struct {
	Rows      [][]float64 `json:"rows"`
	Threshold *float64    `json:"threshold,omitempty"`
}

type fitRequest struct {
	Rows [][]float64 `json:"rows"`
}

type detectResponse struct {
	Result  sentinel.Result  `json:"result"`
	Breaker breaker.Snapshot `json:"breaker"`
}

type detectBatchResponse struct {
	Results []sentinel.Result `json:"results"`
	Breaker breaker.Snapshot  `json:"breaker"`
}

type statisticsResponse struct {
	Fitted            bool                        `json:"fitted"`
	Threshold         float64                     `json:"threshold"`
	Ladder            sentinel.SeverityLadder     `json:"severity_ladder"`
	Statistics        sentinel.Statistics         `json:"statistics"`
	FeatureStatistics *sentinel.FeatureStatistics `json:"feature_statistics,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	open := make([]string, 0)
	for _, name := range s.resourceNames() {
		if s.guards[name].Breaker().IsOpen() {
			open = append(open, name)
		}
	}

	status := "healthy"
	if !s.scorer.Fitted() || len(open) > 0 {
		status = "degraded"
	}
	health := map[string]interface{}{
		"status":         status,
		"fitted":         s.scorer.Fitted(),
		"resources":      s.resourceNames(),
		"open_breakers":  open,
		"uptime_seconds": time.Since(s.started).Seconds(),
	}

	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), storePingTimeout)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			logging.FromContext(r.Context(), s.logger).Warn("Detection store unreachable", zap.Error(err))
			health["database"] = "unreachable"
			health["status"] = "degraded"
		} else {
			health["database"] = "ok"
		}
	}
	s.sendSuccess(w, http.StatusOK, health)
}

func (s *Server) handleFit(w http.ResponseWriter, r *http.Request) {
	var req fitRequest
	if !s.decode(w, r, &req) {
		return
	}

	start := time.Now()
	if err := s.scorer.Fit(r.Context(), req.Rows); err != nil {
		s.sendScorerError(w, r, err)
		return
	}
	stats, _ := s.scorer.FeatureStatistics()

	logging.FromContext(r.Context(), s.logger).Info("Scorer fitted via API",
		zap.Int("samples", len(req.Rows)),
		zap.Int("features", stats.Width()),
		zap.Duration("elapsed", time.Since(start)),
	)
	s.sendSuccess(w, http.StatusOK, map[string]interface{}{
		"fitted":   true,
		"samples":  len(req.Rows),
		"features": stats.Width(),
	})
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	g, ok := s.guardFor(w, r)
	if !ok {
		return
	}
	var req detectRequest
	if !s.decode(w, r, &req) {
		return
	}

	result, err := g.Detect(r.Context(), req.Features, thresholdOption(req.Threshold)...)
	if err != nil {
		s.sendScorerError(w, r, err)
		return
	}
	s.sendSuccess(w, http.StatusOK, detectResponse{Result: result, Breaker: g.Breaker().Snapshot()})
}

func (s *Server) handleDetectBatch(w http.ResponseWriter, r *http.Request) {
	g, ok := s.guardFor(w, r)
	if !ok {
		return
	}
	var req detectBatchRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Rows) > s.config.MaxBatchRows {
		s.sendError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("batch of %d rows exceeds limit of %d", len(req.Rows), s.config.MaxBatchRows))
		return
	}

	results, err := g.DetectBatch(r.Context(), req.Rows, thresholdOption(req.Threshold)...)
	if err != nil {
		s.sendScorerError(w, r, err)
		return
	}
	s.sendSuccess(w, http.StatusOK, detectBatchResponse{Results: results, Breaker: g.Breaker().Snapshot()})
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	resp := statisticsResponse{
		Fitted:     s.scorer.Fitted(),
		Threshold:  s.scorer.Threshold(),
		Ladder:     s.scorer.Ladder(),
		Statistics: s.scorer.Statistics(),
	}
	if stats, err := s.scorer.FeatureStatistics(); err == nil {
		resp.FeatureStatistics = &stats
	}
	s.sendSuccess(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultHistoryLimit)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.sendSuccess(w, http.StatusOK, s.scorer.History().Recent(limit))
}

func (s *Server) handleDetections(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.sendError(w, http.StatusNotFound, "detection persistence is disabled")
		return
	}
	limit, err := queryInt(r, "limit", defaultHistoryLimit)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	anomalies := r.URL.Query().Get("anomalies") == "true"

	records, err := s.store.RecentDetections(r.Context(), r.URL.Query().Get("resource"), limit, anomalies)
	if err != nil {
		logging.FromContext(r.Context(), s.logger).Error("Failed to query detections", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to query detections")
		return
	}
	s.sendSuccess(w, http.StatusOK, records)
}

func (s *Server) handleGetLadder(w http.ResponseWriter, r *http.Request) {
	s.sendSuccess(w, http.StatusOK, s.scorer.Ladder())
}

func (s *Server) handleSetLadder(w http.ResponseWriter, r *http.Request) {
	var ladder sentinel.SeverityLadder
	if !s.decode(w, r, &ladder) {
		return
	}
	if err := s.scorer.SetLadder(ladder); err != nil {
		s.sendScorerError(w, r, err)
		return
	}
	s.sendSuccess(w, http.StatusOK, s.scorer.Ladder())
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	names := s.resourceNames()
	snapshots := make([]breaker.Snapshot, 0, len(names))
	for _, name := range names {
		snapshots = append(snapshots, s.guards[name].Breaker().Snapshot())
	}
	s.sendSuccess(w, http.StatusOK, snapshots)
}

func (s *Server) handleBreaker(w http.ResponseWriter, r *http.Request) {
	g, ok := s.guardFor(w, r)
	if !ok {
		return
	}
	s.sendSuccess(w, http.StatusOK, g.Breaker().Snapshot())
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	g, ok := s.guardFor(w, r)
	if !ok {
		return
	}
	g.Breaker().Reset()
	logging.FromContext(r.Context(), s.logger).Info("Circuit breaker reset via API", zap.String("resource", g.Name()))
	s.sendSuccess(w, http.StatusOK, g.Breaker().Snapshot())
}

func (s *Server) guardFor(w http.ResponseWriter, r *http.Request) (*guard.Guard, bool) {
	name := mux.Vars(r)["resource"]
	g, ok := s.guards[name]
	if !ok {
		s.sendError(w, http.StatusNotFound, fmt.Sprintf("unknown resource %q", name))
		return nil, false
	}
	return g, true
}

func thresholdOption(t *float64) []sentinel.DetectOption {
	if t == nil {
		return nil
	}
	return []sentinel.DetectOption{sentinel.WithThreshold(*t)}
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", key, raw)
	}
	return n, nil
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.sendError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

// sendScorerError maps scorer errors onto HTTP status codes.
func (s *Server) sendScorerError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		shapeErr  *sentinel.FeatureShapeError
		configErr *sentinel.ConfigurationError
	)
	switch {
	case errors.As(err, &shapeErr), errors.As(err, &configErr), errors.Is(err, sentinel.ErrInsufficientData):
		s.sendError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, sentinel.ErrUnfittedModel):
		s.sendError(w, http.StatusConflict, err.Error())
	default:
		logging.FromContext(r.Context(), s.logger).Error("Scorer request failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) sendSuccess(w http.ResponseWriter, status int, data interface{}) {
	s.sendJSON(w, status, Response{Success: true, Data: data, Time: time.Now()})
}

func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, Response{Success: false, Error: message, Time: time.Now()})
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}
