// Package ratelimit tracks per-model request volume in a trailing window
// and flags models approaching or at their configured ceiling.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/upb/llm-model-router/models"
	"github.com/upb/llm-model-router/store"
)

// Registry is the catalog view the limiter needs.
type Registry interface {
	GetModel(id string) (models.ModelMetadata, error)
}

// Result is the outcome of one rate-limit check.
type Result struct {
	ModelID           string
	Status            models.RateLimitStatus
	RequestsRemaining int
	Utilization       float64
}

// window is one model's partition. Each partition has its own lock so
// concurrent requests against different models never contend.
type window struct {
	mu         sync.Mutex
	timestamps []time.Time
	lastStatus models.RateLimitStatus
}

// Service implements the sliding-window limiter.
type Service struct {
	registry             Registry
	store                *store.Store
	approachingThreshold float64

	mu      sync.Mutex
	windows map[string]*window

	logger *zap.Logger
}

// New creates a rate limiter. store may be nil in tests; event persistence
// is best effort and never blocks the request path.
func New(registry Registry, st *store.Store, approachingThreshold float64, logger *zap.Logger) *Service {
	if approachingThreshold <= 0 || approachingThreshold > 1 {
		approachingThreshold = 0.90
	}
	return &Service{
		registry:             registry,
		store:                st,
		approachingThreshold: approachingThreshold,
		windows:              make(map[string]*window),
		logger:               logger,
	}
}

func (s *Service) window(modelID string) *window {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[modelID]
	if !ok {
		w = &window{lastStatus: models.RateLimitOK}
		s.windows[modelID] = w
	}
	return w
}

// CheckRateLimit prunes expired entries and classifies current window
// utilization. APPROACHING and LIMITED transitions are recorded as events
// exactly once per crossing; returning to OK re-arms the event.
func (s *Service) CheckRateLimit(ctx context.Context, modelID string) (Result, error) {
	model, err := s.registry.GetModel(modelID)
	if err != nil {
		return Result{}, err
	}

	ceiling := model.RateLimits.RequestsPerWindow
	now := time.Now()

	w := s.window(modelID)
	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(now, model.RateLimits.Window)
	count := len(w.timestamps)
	utilization := float64(count) / float64(ceiling)

	status := models.RateLimitOK
	switch {
	case utilization >= 1.0:
		status = models.RateLimitLimited
	case utilization >= s.approachingThreshold:
		status = models.RateLimitApproaching
	}

	if status != w.lastStatus {
		if status != models.RateLimitOK {
			s.recordEvent(ctx, models.RateLimitEvent{
				ModelID:   modelID,
				Status:    status,
				Timestamp: now,
			})
		}
		w.lastStatus = status
	}

	remaining := ceiling - count
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		ModelID:           modelID,
		Status:            status,
		RequestsRemaining: remaining,
		Utilization:       utilization,
	}, nil
}

// IsLimited reports whether the model is at or over its ceiling.
func (s *Service) IsLimited(ctx context.Context, modelID string) bool {
	res, err := s.CheckRateLimit(ctx, modelID)
	if err != nil {
		return false
	}
	return res.Status == models.RateLimitLimited
}

// Headroom returns remaining window capacity as a fraction in [0, 1];
// feeds the selector's availability score.
func (s *Service) Headroom(ctx context.Context, modelID string) float64 {
	res, err := s.CheckRateLimit(ctx, modelID)
	if err != nil {
		return 0
	}
	h := 1.0 - res.Utilization
	if h < 0 {
		return 0
	}
	return h
}

// RecordRequest commits one dispatch attempt to the window. Called only
// after a dispatch is actually attempted, so speculative ranking never
// consumes quota.
func (s *Service) RecordRequest(modelID string) {
	model, err := s.registry.GetModel(modelID)
	if err != nil {
		s.logger.Warn("cannot record request for unknown model",
			zap.String("model_id", modelID))
		return
	}

	now := time.Now()
	w := s.window(modelID)
	w.mu.Lock()
	defer w.mu.Unlock()

	w.timestamps = append(w.timestamps, now)
	w.prune(now, model.RateLimits.Window)
}

// TimeUntilReset returns how long until the oldest in-window entry expires
// and the window count drops. Zero when the window is empty.
func (s *Service) TimeUntilReset(modelID string) time.Duration {
	model, err := s.registry.GetModel(modelID)
	if err != nil {
		return 0
	}

	now := time.Now()
	w := s.window(modelID)
	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(now, model.RateLimits.Window)
	if len(w.timestamps) == 0 {
		return 0
	}

	reset := w.timestamps[0].Add(model.RateLimits.Window).Sub(now)
	if reset < 0 {
		return 0
	}
	return reset
}

// prune drops timestamps older than the trailing window. Caller holds w.mu.
func (w *window) prune(now time.Time, windowSize time.Duration) {
	cutoff := now.Add(-windowSize)
	i := 0
	for i < len(w.timestamps) && !w.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.timestamps = append(w.timestamps[:0], w.timestamps[i:]...)
	}
}

func (s *Service) recordEvent(ctx context.Context, e models.RateLimitEvent) {
	s.logger.Warn("rate limit status change",
		zap.String("model_id", e.ModelID),
		zap.String("status", string(e.Status)))

	if s.store == nil {
		return
	}
	if err := s.store.InsertRateLimitEvent(ctx, e); err != nil {
		s.logger.Error("failed to persist rate limit event", zap.Error(err))
	}
}
