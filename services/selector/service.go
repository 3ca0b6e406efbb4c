// Package selector ranks catalog models for a request by weighted
// suitability: capability match, cost efficiency, historical performance,
// and current availability.
package selector

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/upb/llm-model-router/models"
	"github.com/upb/llm-model-router/services"
	"github.com/upb/llm-model-router/services/performance"
)

// Base scoring weights. Priority shifts them: CRITICAL and HIGH trade
// cost weight for performance weight, LOW trades the other way.
const (
	capabilityWeight   = 0.30
	costWeight         = 0.25
	performanceWeight  = 0.25
	availabilityWeight = 0.20

	highPriorityPerformanceWeight = 0.40
	highPriorityCostWeight        = 0.10
	lowPriorityCostWeight         = 0.35
	lowPriorityPerformanceWeight  = 0.15

	// Cost normalization ceiling: $0.10 per 1k tokens scores zero
	maxCostPer1K = 0.10

	// Neutral performance score for models with no history
	neutralPerformanceScore = 0.7
)

// Registry is the catalog view the selector needs.
type Registry interface {
	ListModels() []models.ModelMetadata
}

// Health exposes the availability state machine.
type Health interface {
	IsModelAvailable(modelID string) bool
	GetModelStatus(modelID string) models.HealthCheckResult
}

// RateLimit exposes window utilization.
type RateLimit interface {
	IsLimited(ctx context.Context, modelID string) bool
	Headroom(ctx context.Context, modelID string) float64
}

// Performance exposes rolling metrics.
type Performance interface {
	GetModelPerformance(modelID string) performance.Metrics
}

// Selection is a ranked pick with runner-up alternatives for failover.
type Selection struct {
	ModelID      string               `json:"model_id"`
	Model        models.ModelMetadata `json:"model"`
	Score        float64              `json:"score"`
	Alternatives []string             `json:"alternatives,omitempty"`
	Reason       string               `json:"reason"`
}

// Candidate is one scored model in ranking order.
type Candidate struct {
	Model models.ModelMetadata
	Score float64
}

// Service is the weighted model selector.
type Service struct {
	registry  Registry
	health    Health
	rateLimit RateLimit
	perf      Performance
	logger    *zap.Logger
}

// New creates a model selector.
func New(registry Registry, health Health, rateLimit RateLimit, perf Performance, logger *zap.Logger) *Service {
	return &Service{
		registry:  registry,
		health:    health,
		rateLimit: rateLimit,
		perf:      perf,
		logger:    logger,
	}
}

// SelectModel picks the best model for the request. Disabled models,
// models missing a required capability, UNAVAILABLE models, and models at
// their rate limit never appear in the result.
func (s *Service) SelectModel(ctx context.Context, req *models.ModelRequest) (Selection, error) {
	ranked, err := s.RankModels(ctx, req)
	if err != nil {
		return Selection{}, err
	}

	best := ranked[0]
	alternatives := make([]string, 0, len(ranked)-1)
	for _, c := range ranked[1:] {
		alternatives = append(alternatives, c.Model.ID)
	}

	sel := Selection{
		ModelID:      best.Model.ID,
		Model:        best.Model,
		Score:        best.Score,
		Alternatives: alternatives,
		Reason:       s.selectionReason(best, req),
	}

	s.logger.Info("model selected",
		zap.String("task_id", req.TaskID.String()),
		zap.String("model_id", sel.ModelID),
		zap.Float64("score", sel.Score),
		zap.String("priority", string(req.Priority)))

	return sel, nil
}

// RankModels returns all eligible models in descending score order. Ties
// break toward the cheaper model.
func (s *Service) RankModels(ctx context.Context, req *models.ModelRequest) ([]Candidate, error) {
	eligible := s.eligibleModels(ctx, req)
	if len(eligible) == 0 {
		return nil, services.NewDomainError(services.ErrorTypeUnavailable,
			"no model satisfies the request constraints", nil).
			WithDetail("required_capabilities", req.RequiredCapabilities)
	}

	candidates := make([]Candidate, 0, len(eligible))
	for _, model := range eligible {
		candidates = append(candidates, Candidate{
			Model: model,
			Score: s.score(ctx, model, req.Priority),
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Model.AverageCostPer1K() < candidates[j].Model.AverageCostPer1K()
	})

	return candidates, nil
}

func (s *Service) eligibleModels(ctx context.Context, req *models.ModelRequest) []models.ModelMetadata {
	var out []models.ModelMetadata
	for _, model := range s.registry.ListModels() {
		if !model.Enabled {
			continue
		}
		if !hasAllCapabilities(&model, req.RequiredCapabilities) {
			continue
		}
		if !s.health.IsModelAvailable(model.ID) {
			s.logger.Debug("model excluded: unavailable", zap.String("model_id", model.ID))
			continue
		}
		if s.rateLimit.IsLimited(ctx, model.ID) {
			s.logger.Debug("model excluded: rate limited", zap.String("model_id", model.ID))
			continue
		}
		out = append(out, model)
	}
	return out
}

func hasAllCapabilities(m *models.ModelMetadata, required []string) bool {
	for _, cap := range required {
		if !m.HasCapability(cap) {
			return false
		}
	}
	return true
}

// score computes the weighted suitability total for one model.
func (s *Service) score(ctx context.Context, model models.ModelMetadata, priority models.TaskPriority) float64 {
	capWeight, costW, perfW, availW := weightsFor(priority)

	// Capability score is 1.0 for every model that passed the filter
	capabilityScore := 1.0

	costScore := 1.0 - model.AverageCostPer1K()/maxCostPer1K
	if costScore < 0 {
		costScore = 0
	}

	perfScore := neutralPerformanceScore
	metrics := s.perf.GetModelPerformance(model.ID)
	if metrics.TotalRequests > 0 {
		if metrics.QualitySamples > 0 {
			perfScore = (metrics.SuccessRate + metrics.AverageQualityScore) / 2
		} else {
			perfScore = metrics.SuccessRate
		}
	}

	availabilityScore := s.availabilityScore(ctx, model.ID)

	return capabilityScore*capWeight +
		costScore*costW +
		perfScore*perfW +
		availabilityScore*availW
}

// availabilityScore grades usable models: full headroom and HEALTHY is
// 1.0, nearing the rate ceiling pulls the score toward 0.7, DEGRADED
// caps it at 0.3.
func (s *Service) availabilityScore(ctx context.Context, modelID string) float64 {
	if s.health.GetModelStatus(modelID).State == models.HealthDegraded {
		return 0.3
	}
	headroom := s.rateLimit.Headroom(ctx, modelID)
	return 0.7 + 0.3*headroom
}

func weightsFor(priority models.TaskPriority) (capability, cost, perf, availability float64) {
	capability = capabilityWeight
	cost = costWeight
	perf = performanceWeight
	availability = availabilityWeight

	switch priority {
	case models.PriorityCritical, models.PriorityHigh:
		perf = highPriorityPerformanceWeight
		cost = highPriorityCostWeight
	case models.PriorityLow:
		cost = lowPriorityCostWeight
		perf = lowPriorityPerformanceWeight
	}
	return
}

func (s *Service) selectionReason(best Candidate, req *models.ModelRequest) string {
	parts := []string{}
	if len(req.RequiredCapabilities) > 0 {
		parts = append(parts, fmt.Sprintf("matches capabilities %v", req.RequiredCapabilities))
	}
	switch req.Priority {
	case models.PriorityCritical, models.PriorityHigh:
		parts = append(parts, "prioritizes performance for high-priority task")
	case models.PriorityLow:
		parts = append(parts, "optimizes cost for low-priority task")
	}
	parts = append(parts, fmt.Sprintf("suitability score %.3f", best.Score))
	return strings.Join(parts, ", ")
}
