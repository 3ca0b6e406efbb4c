// Package optimizer bridges the model router to the legacy workflow
// optimizer: it translates selections into the optimizer's assignment
// shape, caches assignments per agent type, and pushes performance and
// failover feedback back to the optimizer.
package optimizer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/upb/llm-model-router/models"
	"github.com/upb/llm-model-router/services/performance"
	"github.com/upb/llm-model-router/services/selector"
)

// Selector picks models for requests.
type Selector interface {
	SelectModel(ctx context.Context, req *models.ModelRequest) (selector.Selection, error)
}

// PerformanceMonitor supplies rolling metrics for feedback reports.
type PerformanceMonitor interface {
	GetModelPerformance(modelID string) performance.Metrics
}

// Feedback is the sink on the legacy optimizer side. Implementations
// forward to the optimizer's own transport.
type Feedback interface {
	ReportPerformance(ctx context.Context, agentType, modelID string, metrics performance.Metrics) error
	ReportFailover(ctx context.Context, agentType, fromModel, toModel string, reason models.FailoverReason) error
}

// Service is the optimizer bridge.
type Service struct {
	selector Selector
	perf     PerformanceMonitor
	feedback Feedback

	mu          sync.Mutex
	assignments map[string]models.ModelAssignment // keyed by agent type

	logger *zap.Logger
}

// New creates an optimizer bridge. feedback may be nil when no optimizer
// is attached; assignments still work locally.
func New(sel Selector, perf PerformanceMonitor, feedback Feedback, logger *zap.Logger) *Service {
	return &Service{
		selector:    sel,
		perf:        perf,
		feedback:    feedback,
		assignments: make(map[string]models.ModelAssignment),
		logger:      logger,
	}
}

// AssignModelForAgent selects a model for the agent type and returns it
// in the legacy assignment shape, with the best alternative recorded as
// the fallback. The assignment is cached per agent type until cleared.
func (s *Service) AssignModelForAgent(ctx context.Context, req *models.ModelRequest) (models.ModelAssignment, error) {
	sel, err := s.selector.SelectModel(ctx, req)
	if err != nil {
		return models.ModelAssignment{}, err
	}

	assignment := models.ModelAssignment{
		AgentType:    req.AgentType,
		PrimaryModel: sel.ModelID,
		AssignedAt:   time.Now(),
		Reason:       sel.Reason,
	}
	if len(sel.Alternatives) > 0 {
		assignment.FallbackModel = sel.Alternatives[0]
	}

	s.mu.Lock()
	s.assignments[req.AgentType] = assignment
	s.mu.Unlock()

	s.logger.Info("assigned model for agent",
		zap.String("agent_type", req.AgentType),
		zap.String("primary_model", assignment.PrimaryModel),
		zap.String("fallback_model", assignment.FallbackModel))

	return assignment, nil
}

// CachedAssignment returns the last assignment made for an agent type.
func (s *Service) CachedAssignment(agentType string) (models.ModelAssignment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[agentType]
	return a, ok
}

// ClearAssignments drops the cached assignment for one agent type, or
// every assignment when agentType is empty.
func (s *Service) ClearAssignments(agentType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if agentType == "" {
		s.assignments = make(map[string]models.ModelAssignment)
		return
	}
	delete(s.assignments, agentType)
}

// PushPerformance forwards the model's current rolling metrics to the
// optimizer.
func (s *Service) PushPerformance(ctx context.Context, agentType, modelID string) error {
	if s.feedback == nil {
		return nil
	}

	metrics := s.perf.GetModelPerformance(modelID)
	if err := s.feedback.ReportPerformance(ctx, agentType, modelID, metrics); err != nil {
		s.logger.Error("failed to push performance feedback",
			zap.String("model_id", modelID), zap.Error(err))
		return err
	}
	return nil
}

// NotifyFailover tells the optimizer a substitution happened so it can
// adjust future assignments. The local assignment cache switches to the
// alternative immediately.
func (s *Service) NotifyFailover(ctx context.Context, agentType, fromModel, toModel string, reason models.FailoverReason) error {
	s.mu.Lock()
	if a, ok := s.assignments[agentType]; ok && a.PrimaryModel == fromModel && toModel != "" {
		a.PrimaryModel = toModel
		a.Reason = "failover from " + fromModel
		a.AssignedAt = time.Now()
		s.assignments[agentType] = a
	}
	s.mu.Unlock()

	if s.feedback == nil {
		return nil
	}
	if err := s.feedback.ReportFailover(ctx, agentType, fromModel, toModel, reason); err != nil {
		s.logger.Error("failed to push failover notification",
			zap.String("from", fromModel), zap.String("to", toModel), zap.Error(err))
		return err
	}
	return nil
}
