// Package failover executes requests against ranked candidate models,
// retrying transient failures on the same model with exponential backoff
// and switching to the next candidate when a model is exhausted,
// rate-limited, or permanently failing.
package failover

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/upb/llm-model-router/models"
	"github.com/upb/llm-model-router/services"
	"github.com/upb/llm-model-router/services/cache"
	"github.com/upb/llm-model-router/services/evaluator"
	"github.com/upb/llm-model-router/services/selector"
	"github.com/upb/llm-model-router/store"
)

// Selector ranks candidate models for a request.
type Selector interface {
	RankModels(ctx context.Context, req *models.ModelRequest) ([]selector.Candidate, error)
}

// Dispatcher sends one request to one model's provider.
type Dispatcher interface {
	Dispatch(ctx context.Context, model models.ModelMetadata, req *models.ModelRequest) (*models.ModelResponse, error)
}

// RateLimiter exposes window state and dispatch accounting.
type RateLimiter interface {
	IsLimited(ctx context.Context, modelID string) bool
	RecordRequest(modelID string)
}

// Cache is the response cache.
type Cache interface {
	Get(ctx context.Context, key string) (*models.CachedResponse, bool)
	Set(ctx context.Context, key string, resp models.ModelResponse, ttl time.Duration)
}

// CostTracker records per-request spend.
type CostTracker interface {
	RecordCost(ctx context.Context, modelID, provider, agentType, taskID string, tokensIn, tokensOut int) (models.CostRecord, error)
}

// PerformanceMonitor records dispatch outcomes.
type PerformanceMonitor interface {
	RecordPerformance(ctx context.Context, modelID, agentType, taskID string, latency time.Duration, success bool, quality *float64)
}

// Health receives observed outcomes outside the probe cycle.
type Health interface {
	RecordSuccess(ctx context.Context, modelID string, responseTime time.Duration)
	RecordFailure(ctx context.Context, modelID string, cause error)
}

// Evaluator scores response quality. Optional.
type Evaluator interface {
	EvaluateResponse(resp *models.ModelResponse, req *models.ModelRequest) evaluator.Evaluation
	ShouldSwitchModel(modelID string) bool
}

// AlertFunc receives excessive-failover notifications.
type AlertFunc func(modelID string, count int, window time.Duration)

// Options are the retry and alerting tunables.
type Options struct {
	MaxRetriesPerModel int
	MaxAttempts        int // distinct models tried per request
	BaseBackoff        time.Duration
	MaxBackoff         time.Duration
	AlertThreshold     int
	AlertWindow        time.Duration
}

// Service is the failover manager.
type Service struct {
	selector   Selector
	dispatcher Dispatcher
	rateLimit  RateLimiter
	cache      Cache
	cost       CostTracker
	perf       PerformanceMonitor
	health     Health
	evaluator  Evaluator
	store      *store.Store
	opts       Options
	onAlert    AlertFunc
	logger     *zap.Logger
}

// New creates a failover manager. cache, cost, perf, health, evaluator,
// and store may each be nil to disable that concern.
func New(sel Selector, dispatcher Dispatcher, rateLimit RateLimiter, c Cache, cost CostTracker, perf PerformanceMonitor, health Health, eval Evaluator, st *store.Store, opts Options, onAlert AlertFunc, logger *zap.Logger) *Service {
	if opts.MaxRetriesPerModel < 0 {
		opts.MaxRetriesPerModel = 0
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 2 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	return &Service{
		selector:   sel,
		dispatcher: dispatcher,
		rateLimit:  rateLimit,
		cache:      c,
		cost:       cost,
		perf:       perf,
		health:     health,
		evaluator:  eval,
		store:      st,
		opts:       opts,
		onAlert:    onAlert,
		logger:     logger,
	}
}

// Execute runs one request end to end: rank candidates, check the cache
// for the chosen model, dispatch with same-model retries, and fail over
// down the ranking until a model succeeds or the candidates are
// exhausted. A request deadline abandons the whole chain.
func (s *Service) Execute(ctx context.Context, req *models.ModelRequest) (*models.ModelResponse, error) {
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	ranked, err := s.selector.RankModels(ctx, req)
	if err != nil {
		return nil, err
	}

	var attemptErrs error
	var attemptedModels []string
	attempts := 0

	for i, candidate := range ranked {
		if attempts >= s.opts.MaxAttempts {
			break
		}
		model := candidate.Model

		if s.cache != nil {
			key := cache.GenerateCacheKey(model.ID, req)
			if cached, ok := s.cache.Get(ctx, key); ok {
				s.logger.Debug("cache hit",
					zap.String("task_id", req.TaskID.String()),
					zap.String("model_id", model.ID))
				resp := cached.Response
				return &resp, nil
			}
		}

		// The window may have filled between ranking and now
		if s.rateLimit.IsLimited(ctx, model.ID) {
			attemptErrs = multierr.Append(attemptErrs,
				fmt.Errorf("%s: %w", model.ID, services.ErrRateLimited))
			attemptedModels = append(attemptedModels, model.ID)
			s.recordFailover(ctx, model.ID, nextModelID(ranked, i), models.FailoverRateLimited, req, attempts)
			continue
		}

		attempts++
		resp, err := s.tryModel(ctx, model, req)
		if err == nil {
			s.recordSuccess(ctx, model, req, resp)
			return resp, nil
		}

		attemptErrs = multierr.Append(attemptErrs, fmt.Errorf("%s: %w", model.ID, err))
		attemptedModels = append(attemptedModels, model.ID)

		if services.IsDeadlineError(err) || ctx.Err() != nil {
			return nil, services.NewDomainError(services.ErrorTypeDeadline,
				"request deadline exceeded during failover", attemptErrs).
				WithDetail("task_id", req.TaskID.String()).
				WithDetail("attempted_models", attemptedModels)
		}

		s.recordFailover(ctx, model.ID, nextModelID(ranked, i), reasonFor(err), req, attempts)
	}

	return nil, services.NewDomainError(services.ErrorTypeExhausted,
		"all candidate models failed", attemptErrs).
		WithDetail("task_id", req.TaskID.String()).
		WithDetail("attempted_models", attemptedModels)
}

// tryModel dispatches to one model, retrying transient failures with
// exponential backoff. Rate-limit and permanent errors return
// immediately so the caller can switch models.
func (s *Service) tryModel(ctx context.Context, model models.ModelMetadata, req *models.ModelRequest) (*models.ModelResponse, error) {
	var lastErr error

	for attempt := 0; attempt <= s.opts.MaxRetriesPerModel; attempt++ {
		if attempt > 0 {
			if err := s.sleep(ctx, s.backoff(attempt-1)); err != nil {
				return nil, services.WrapError(services.ErrorTypeDeadline,
					"request deadline exceeded while backing off", lastErr)
			}
		}

		s.rateLimit.RecordRequest(model.ID)
		start := time.Now()
		resp, err := s.dispatcher.Dispatch(ctx, model, req)
		elapsed := time.Since(start)

		if err == nil {
			return resp, nil
		}
		lastErr = err

		s.recordFailure(ctx, model, req, elapsed, err)

		if !services.IsTransientError(err) {
			return nil, err
		}

		s.logger.Warn("transient dispatch failure, retrying",
			zap.String("model_id", model.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	return nil, lastErr
}

// backoff is base * 2^attempt capped at the configured maximum.
func (s *Service) backoff(attempt int) time.Duration {
	backoff := s.opts.BaseBackoff << uint(attempt)
	if backoff > s.opts.MaxBackoff || backoff <= 0 {
		return s.opts.MaxBackoff
	}
	return backoff
}

func (s *Service) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) recordSuccess(ctx context.Context, model models.ModelMetadata, req *models.ModelRequest, resp *models.ModelResponse) {
	var quality *float64
	if s.evaluator != nil {
		eval := s.evaluator.EvaluateResponse(resp, req)
		quality = &eval.OverallScore

		if s.evaluator.ShouldSwitchModel(model.ID) {
			s.logger.Warn("quality trend suggests switching models",
				zap.String("model_id", model.ID))
		}
	}

	if s.perf != nil {
		s.perf.RecordPerformance(ctx, model.ID, req.AgentType, req.TaskID.String(),
			resp.Latency, true, quality)
	}
	if s.health != nil {
		s.health.RecordSuccess(ctx, model.ID, resp.Latency)
	}
	if s.cost != nil {
		if _, err := s.cost.RecordCost(ctx, model.ID, model.Provider, req.AgentType,
			req.TaskID.String(), resp.TokenUsage.InputTokens, resp.TokenUsage.OutputTokens); err != nil {
			s.logger.Error("failed to record cost", zap.Error(err))
		}
	}
	if s.cache != nil {
		key := cache.GenerateCacheKey(model.ID, req)
		s.cache.Set(ctx, key, *resp, 0)
	}
}

func (s *Service) recordFailure(ctx context.Context, model models.ModelMetadata, req *models.ModelRequest, elapsed time.Duration, cause error) {
	if s.perf != nil {
		s.perf.RecordPerformance(ctx, model.ID, req.AgentType, req.TaskID.String(),
			elapsed, false, nil)
	}
	if s.health != nil && !services.IsRateLimitError(cause) {
		s.health.RecordFailure(ctx, model.ID, cause)
	}
}

// recordFailover persists one substitution event and checks the
// excessive-failover alert threshold for the original model.
func (s *Service) recordFailover(ctx context.Context, original, alternative string, reason models.FailoverReason, req *models.ModelRequest, attempt int) {
	event := models.FailoverEvent{
		OriginalModel:    original,
		AlternativeModel: alternative,
		Reason:           reason,
		TaskID:           req.TaskID.String(),
		Attempt:          attempt,
		Timestamp:        time.Now(),
	}

	s.logger.Warn("failing over",
		zap.String("from", original),
		zap.String("to", alternative),
		zap.String("reason", string(reason)),
		zap.String("task_id", event.TaskID))

	if s.store == nil {
		return
	}
	if err := s.store.InsertFailoverEvent(ctx, event); err != nil {
		s.logger.Error("failed to persist failover event", zap.Error(err))
		return
	}

	if s.opts.AlertThreshold <= 0 || s.opts.AlertWindow <= 0 {
		return
	}
	count, err := s.store.CountFailoverEvents(ctx, original, time.Now().Add(-s.opts.AlertWindow))
	if err != nil {
		return
	}
	if count >= s.opts.AlertThreshold {
		s.logger.Error("excessive failovers detected",
			zap.String("model_id", original),
			zap.Int("count", count),
			zap.Duration("window", s.opts.AlertWindow))
		if s.onAlert != nil {
			s.onAlert(original, count, s.opts.AlertWindow)
		}
	}
}

func reasonFor(err error) models.FailoverReason {
	switch {
	case services.IsRateLimitError(err):
		return models.FailoverRateLimited
	case services.IsUnavailableError(err):
		return models.FailoverUnavailable
	default:
		return models.FailoverError
	}
}

func nextModelID(ranked []selector.Candidate, current int) string {
	if current+1 < len(ranked) {
		return ranked[current+1].Model.ID
	}
	return ""
}
