// Package performance keeps a bounded rolling window of latency/success
// samples per model and detects sustained degradation.
package performance

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/upb/llm-model-router/models"
	"github.com/upb/llm-model-router/store"
)

// Metrics summarizes one model's rolling window.
type Metrics struct {
	ModelID             string        `json:"model_id"`
	TotalRequests       int           `json:"total_requests"`
	SuccessRate         float64       `json:"success_rate"`
	AverageLatency      time.Duration `json:"average_latency"`
	P50Latency          time.Duration `json:"p50_latency"`
	P95Latency          time.Duration `json:"p95_latency"`
	AverageQualityScore float64       `json:"average_quality_score"`
	QualitySamples      int           `json:"quality_samples"`
}

// rollingWindow is one model's partition. FIFO: oldest entries drop first
// once the window is full.
type rollingWindow struct {
	mu      sync.Mutex
	records []models.PerformanceRecord
}

// Service is the performance monitor.
type Service struct {
	windowSize            int
	successRateFloor      float64
	latencyCeiling        time.Duration
	minConsecutiveSamples int

	mu      sync.Mutex
	windows map[string]*rollingWindow

	store    *store.Store
	buffered []models.PerformanceRecord

	logger *zap.Logger
}

// New creates a performance monitor. store may be nil; persistence is
// best effort with in-memory buffering while the store is down.
func New(st *store.Store, windowSize int, successRateFloor float64, latencyCeiling time.Duration, minConsecutiveSamples int, logger *zap.Logger) *Service {
	if windowSize <= 0 {
		windowSize = 100
	}
	if minConsecutiveSamples <= 0 {
		minConsecutiveSamples = 3
	}
	return &Service{
		windowSize:            windowSize,
		successRateFloor:      successRateFloor,
		latencyCeiling:        latencyCeiling,
		minConsecutiveSamples: minConsecutiveSamples,
		windows:               make(map[string]*rollingWindow),
		store:                 st,
		logger:                logger,
	}
}

func (s *Service) window(modelID string) *rollingWindow {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[modelID]
	if !ok {
		w = &rollingWindow{}
		s.windows[modelID] = w
	}
	return w
}

// RecordPerformance appends one sample to the model's rolling window and
// persists it. quality may be nil when no evaluation ran.
func (s *Service) RecordPerformance(ctx context.Context, modelID, agentType, taskID string, latency time.Duration, success bool, quality *float64) {
	record := models.PerformanceRecord{
		Timestamp:    time.Now(),
		ModelID:      modelID,
		AgentType:    agentType,
		TaskID:       taskID,
		Latency:      latency,
		Success:      success,
		QualityScore: quality,
	}

	w := s.window(modelID)
	w.mu.Lock()
	w.records = append(w.records, record)
	if len(w.records) > s.windowSize {
		// FIFO: drop oldest
		w.records = w.records[len(w.records)-s.windowSize:]
	}
	w.mu.Unlock()

	s.persist(ctx, record)
}

func (s *Service) persist(ctx context.Context, record models.PerformanceRecord) {
	if s.store == nil {
		return
	}

	s.mu.Lock()
	pending := append(s.buffered, record)
	s.buffered = nil
	s.mu.Unlock()

	var failed []models.PerformanceRecord
	for _, r := range pending {
		if err := s.store.InsertPerformanceRecord(ctx, r); err != nil {
			failed = append(failed, r)
		}
	}

	if len(failed) > 0 {
		s.mu.Lock()
		s.buffered = append(failed, s.buffered...)
		buffered := len(s.buffered)
		s.mu.Unlock()
		s.logger.Warn("performance store unavailable, buffering records",
			zap.Int("buffered", buffered))
	}
}

// GetModelPerformance computes rolling averages over the model's window.
func (s *Service) GetModelPerformance(modelID string) Metrics {
	w := s.window(modelID)
	w.mu.Lock()
	defer w.mu.Unlock()

	m := Metrics{ModelID: modelID, TotalRequests: len(w.records)}
	if len(w.records) == 0 {
		return m
	}

	var successes int
	var latencySum time.Duration
	var qualitySum float64
	latencies := make([]time.Duration, 0, len(w.records))

	for _, r := range w.records {
		if r.Success {
			successes++
		}
		latencySum += r.Latency
		latencies = append(latencies, r.Latency)
		if r.QualityScore != nil {
			qualitySum += *r.QualityScore
			m.QualitySamples++
		}
	}

	m.SuccessRate = float64(successes) / float64(len(w.records))
	m.AverageLatency = latencySum / time.Duration(len(w.records))
	if m.QualitySamples > 0 {
		m.AverageQualityScore = qualitySum / float64(m.QualitySamples)
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	m.P50Latency = percentile(latencies, 50)
	m.P95Latency = percentile(latencies, 95)

	return m
}

// percentile picks from a sorted slice using nearest-rank.
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := (len(sorted)*p + 99) / 100
	if idx < 1 {
		idx = 1
	}
	if idx > len(sorted) {
		idx = len(sorted)
	}
	return sorted[idx-1]
}

// DetectDegradation flags a model whose recent consecutive samples all
// breach the latency ceiling, or whose rolling success rate has fallen
// below the floor with enough recent consecutive failures to rule out a
// single outlier.
func (s *Service) DetectDegradation(modelID string) bool {
	w := s.window(modelID)
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.records) < s.minConsecutiveSamples {
		return false
	}

	recent := w.records[len(w.records)-s.minConsecutiveSamples:]

	slowRun := true
	failRun := true
	for _, r := range recent {
		if s.latencyCeiling <= 0 || r.Latency <= s.latencyCeiling {
			slowRun = false
		}
		if r.Success {
			failRun = false
		}
	}
	if slowRun {
		return true
	}

	if failRun {
		var successes int
		for _, r := range w.records {
			if r.Success {
				successes++
			}
		}
		rate := float64(successes) / float64(len(w.records))
		if rate < s.successRateFloor {
			return true
		}
	}

	return false
}

// CleanupOldRecords trims persisted history older than the retention.
func (s *Service) CleanupOldRecords(ctx context.Context, retention time.Duration) (int64, error) {
	if s.store == nil {
		return 0, nil
	}
	deleted, err := s.store.DeletePerformanceBefore(ctx, time.Now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.logger.Info("cleaned up old performance records", zap.Int64("deleted", deleted))
	}
	return deleted, nil
}

// RunCleanup trims persisted history on a fixed period until ctx ends.
func (s *Service) RunCleanup(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.CleanupOldRecords(ctx, retention); err != nil {
				s.logger.Error("failed to clean up performance records", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}
