// Package health runs liveness probes against catalog models and keeps a
// per-model availability state machine.
//
// State transitions: any probe failure moves HEALTHY to DEGRADED; reaching
// the consecutive-failure threshold moves to UNAVAILABLE; a single
// successful probe returns the model to HEALTHY from either state. Failing
// models are probed less often, backing off exponentially up to a cap.
package health

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/upb/llm-model-router/models"
	"github.com/upb/llm-model-router/store"
)

// Prober performs one liveness check against a model and returns the
// observed response time. The API client manager implements this.
type Prober interface {
	Probe(ctx context.Context, model models.ModelMetadata) (time.Duration, error)
}

// Registry is the catalog view the checker needs.
type Registry interface {
	ListModels() []models.ModelMetadata
	GetModel(id string) (models.ModelMetadata, error)
}

// modelHealth is one model's state machine position.
type modelHealth struct {
	state               models.HealthState
	consecutiveFailures int
	lastChecked         time.Time
	lastResponseTime    time.Duration
	lastError           string
	nextDue             time.Time
}

// Service is the health checker.
type Service struct {
	registry         Registry
	prober           Prober
	store            *store.Store
	checkInterval    time.Duration
	probeTimeout     time.Duration
	failureThreshold int
	maxBackoff       time.Duration

	mu     sync.RWMutex
	states map[string]*modelHealth

	logger *zap.Logger
}

// Options are the probe-loop tunables.
type Options struct {
	CheckInterval    time.Duration
	Timeout          time.Duration
	FailureThreshold int
	MaxBackoff       time.Duration
}

// New creates a health checker. Unknown models are treated as HEALTHY
// until a probe says otherwise.
func New(registry Registry, prober Prober, st *store.Store, cfg Options, logger *zap.Logger) *Service {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Minute
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	return &Service{
		registry:         registry,
		prober:           prober,
		store:            st,
		checkInterval:    cfg.CheckInterval,
		probeTimeout:     cfg.Timeout,
		failureThreshold: cfg.FailureThreshold,
		maxBackoff:       cfg.MaxBackoff,
		states:           make(map[string]*modelHealth),
		logger:           logger,
	}
}

// IsModelAvailable reports whether the model is usable for selection.
// DEGRADED still counts as available; only UNAVAILABLE excludes. Pure
// read, never probes.
func (s *Service) IsModelAvailable(modelID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.states[modelID]
	if !ok {
		return true
	}
	return h.state != models.HealthUnavailable
}

// GetModelStatus returns the model's current state-machine position.
func (s *Service) GetModelStatus(modelID string) models.HealthCheckResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.states[modelID]
	if !ok {
		return models.HealthCheckResult{
			ModelID: modelID,
			State:   models.HealthHealthy,
		}
	}
	return models.HealthCheckResult{
		ModelID:             modelID,
		Timestamp:           h.lastChecked,
		State:               h.state,
		ResponseTime:        h.lastResponseTime,
		ConsecutiveFailures: h.consecutiveFailures,
		NextCheckDue:        h.nextDue,
		Error:               h.lastError,
	}
}

// AllStatuses returns every tracked model's status, keyed by model id.
func (s *Service) AllStatuses() map[string]models.HealthCheckResult {
	s.mu.RLock()
	ids := make([]string, 0, len(s.states))
	for id := range s.states {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	out := make(map[string]models.HealthCheckResult, len(ids))
	for _, id := range ids {
		out[id] = s.GetModelStatus(id)
	}
	return out
}

// CheckModel probes one model now and applies the state transition.
func (s *Service) CheckModel(ctx context.Context, modelID string) (models.HealthCheckResult, error) {
	model, err := s.registry.GetModel(modelID)
	if err != nil {
		return models.HealthCheckResult{}, err
	}
	return s.probe(ctx, model), nil
}

// RecordFailure feeds an observed dispatch failure into the state machine
// without waiting for the next probe cycle.
func (s *Service) RecordFailure(ctx context.Context, modelID string, cause error) {
	now := time.Now()

	s.mu.Lock()
	h := s.stateLocked(modelID)
	h.consecutiveFailures++
	h.lastChecked = now
	if cause != nil {
		h.lastError = cause.Error()
	}
	s.transitionLocked(modelID, h, now)
	result := s.resultLocked(modelID, h)
	s.mu.Unlock()

	s.persist(ctx, result)
}

// RecordSuccess feeds an observed dispatch success into the state machine.
// A single success restores HEALTHY.
func (s *Service) RecordSuccess(ctx context.Context, modelID string, responseTime time.Duration) {
	now := time.Now()

	s.mu.Lock()
	h := s.stateLocked(modelID)
	h.consecutiveFailures = 0
	h.lastChecked = now
	h.lastResponseTime = responseTime
	h.lastError = ""
	s.transitionLocked(modelID, h, now)
	result := s.resultLocked(modelID, h)
	s.mu.Unlock()

	s.persist(ctx, result)
}

// Run probes models on the configured interval until ctx is cancelled.
// Models in backoff are skipped until their next-due time passes.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	now := time.Now()
	for _, model := range s.registry.ListModels() {
		s.mu.RLock()
		h, tracked := s.states[model.ID]
		due := !tracked || !now.Before(h.nextDue)
		s.mu.RUnlock()

		if !due {
			continue
		}
		s.probe(ctx, model)
	}
}

func (s *Service) probe(ctx context.Context, model models.ModelMetadata) models.HealthCheckResult {
	probeCtx := ctx
	if s.probeTimeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, s.probeTimeout)
		defer cancel()
	}

	responseTime, err := s.prober.Probe(probeCtx, model)
	now := time.Now()

	s.mu.Lock()
	h := s.stateLocked(model.ID)
	h.lastChecked = now
	if err != nil {
		h.consecutiveFailures++
		h.lastError = err.Error()
	} else {
		h.consecutiveFailures = 0
		h.lastResponseTime = responseTime
		h.lastError = ""
	}
	s.transitionLocked(model.ID, h, now)
	result := s.resultLocked(model.ID, h)
	s.mu.Unlock()

	s.persist(ctx, result)
	return result
}

// stateLocked returns the model's state, creating a HEALTHY one on first
// sight. Caller holds s.mu.
func (s *Service) stateLocked(modelID string) *modelHealth {
	h, ok := s.states[modelID]
	if !ok {
		h = &modelHealth{state: models.HealthHealthy}
		s.states[modelID] = h
	}
	return h
}

// transitionLocked applies the state machine and schedules the next probe.
// Caller holds s.mu.
func (s *Service) transitionLocked(modelID string, h *modelHealth, now time.Time) {
	previous := h.state

	switch {
	case h.consecutiveFailures == 0:
		h.state = models.HealthHealthy
	case h.consecutiveFailures >= s.failureThreshold:
		h.state = models.HealthUnavailable
	default:
		h.state = models.HealthDegraded
	}

	h.nextDue = now.Add(s.backoffInterval(h.consecutiveFailures))

	if h.state != previous {
		s.logger.Info("model health state changed",
			zap.String("model_id", modelID),
			zap.String("from", string(previous)),
			zap.String("to", string(h.state)),
			zap.Int("consecutive_failures", h.consecutiveFailures))
	}
}

// backoffInterval doubles the probe interval per consecutive failure,
// capped at the configured maximum.
func (s *Service) backoffInterval(failures int) time.Duration {
	if failures <= 0 {
		return s.checkInterval
	}
	backoff := time.Duration(float64(s.checkInterval) * math.Pow(2, float64(failures)))
	if backoff > s.maxBackoff || backoff <= 0 {
		return s.maxBackoff
	}
	return backoff
}

// resultLocked snapshots the current state. Caller holds s.mu.
func (s *Service) resultLocked(modelID string, h *modelHealth) models.HealthCheckResult {
	return models.HealthCheckResult{
		ModelID:             modelID,
		Timestamp:           h.lastChecked,
		State:               h.state,
		ResponseTime:        h.lastResponseTime,
		ConsecutiveFailures: h.consecutiveFailures,
		NextCheckDue:        h.nextDue,
		Error:               h.lastError,
	}
}

func (s *Service) persist(ctx context.Context, r models.HealthCheckResult) {
	if s.store == nil {
		return
	}
	if err := s.store.InsertHealthCheck(ctx, r); err != nil {
		s.logger.Error("failed to persist health check", zap.Error(err))
	}
}
