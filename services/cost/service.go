// Package cost records per-request spend, aggregates it by day, model,
// provider, and agent type, and raises budget alerts.
package cost

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/upb/llm-model-router/models"
	"github.com/upb/llm-model-router/store"
)

// Registry is the catalog view the tracker needs for per-1k rates.
type Registry interface {
	GetModel(id string) (models.ModelMetadata, error)
}

// AlertFunc receives budget threshold-crossing notifications.
type AlertFunc func(status models.BudgetStatus, spend, ceiling float64)

// Service tracks cost records and the daily budget.
type Service struct {
	registry      Registry
	store         *store.Store
	dailyCeiling  float64
	nearThreshold float64
	onAlert       AlertFunc

	mu         sync.Mutex
	lastStatus models.BudgetStatus
	// Records that could not reach the store are buffered and flushed on
	// the next successful write, so a store outage loses nothing
	buffered []models.CostRecord

	logger *zap.Logger
}

// New creates a cost tracker. dailyCeiling of zero disables budget checks.
func New(registry Registry, st *store.Store, dailyCeiling, nearThreshold float64, onAlert AlertFunc, logger *zap.Logger) *Service {
	if nearThreshold <= 0 || nearThreshold > 1 {
		nearThreshold = 0.90
	}
	return &Service{
		registry:      registry,
		store:         st,
		dailyCeiling:  dailyCeiling,
		nearThreshold: nearThreshold,
		onAlert:       onAlert,
		lastStatus:    models.BudgetUnder,
		logger:        logger,
	}
}

// ComputeCost derives the cost of a request from the model's per-1k rates.
func (s *Service) ComputeCost(modelID string, tokensIn, tokensOut int) (float64, error) {
	model, err := s.registry.GetModel(modelID)
	if err != nil {
		return 0, err
	}
	cost := float64(tokensIn)/1000*model.CostPer1KInputTokens +
		float64(tokensOut)/1000*model.CostPer1KOutputTokens
	return cost, nil
}

// RecordCost computes and appends one cost record, then re-evaluates the
// budget. Store failures buffer the record in memory rather than failing
// the request.
func (s *Service) RecordCost(ctx context.Context, modelID, provider, agentType, taskID string, tokensIn, tokensOut int) (models.CostRecord, error) {
	cost, err := s.ComputeCost(modelID, tokensIn, tokensOut)
	if err != nil {
		return models.CostRecord{}, err
	}

	record := models.CostRecord{
		Timestamp:    time.Now(),
		ModelID:      modelID,
		Provider:     provider,
		AgentType:    agentType,
		TaskID:       taskID,
		InputTokens:  tokensIn,
		OutputTokens: tokensOut,
		Cost:         cost,
	}

	s.append(ctx, record)
	s.checkBudgetTransition(ctx)
	return record, nil
}

func (s *Service) append(ctx context.Context, record models.CostRecord) {
	if s.store == nil {
		s.mu.Lock()
		s.buffered = append(s.buffered, record)
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	pending := append(s.buffered, record)
	s.buffered = nil
	s.mu.Unlock()

	var failed []models.CostRecord
	for _, r := range pending {
		if err := s.store.InsertCostRecord(ctx, r); err != nil {
			failed = append(failed, r)
		}
	}

	if len(failed) > 0 {
		s.mu.Lock()
		s.buffered = append(failed, s.buffered...)
		buffered := len(s.buffered)
		s.mu.Unlock()
		s.logger.Warn("cost store unavailable, buffering records in memory",
			zap.Int("buffered", buffered))
	}
}

// GetDailyCost sums recorded cost for the calendar day containing date,
// including records still buffered in memory.
func (s *Service) GetDailyCost(ctx context.Context, date time.Time) (float64, error) {
	dayStart := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	dayEnd := dayStart.Add(24 * time.Hour)

	var total float64
	if s.store != nil {
		stored, err := s.store.SumCostBetween(ctx, dayStart, dayEnd)
		if err != nil {
			return 0, fmt.Errorf("failed to aggregate daily cost: %w", err)
		}
		total = stored
	}

	s.mu.Lock()
	for _, r := range s.buffered {
		if !r.Timestamp.Before(dayStart) && r.Timestamp.Before(dayEnd) {
			total += r.Cost
		}
	}
	s.mu.Unlock()

	return total, nil
}

// GetCostByModel sums recorded cost for one model since the given time
// (zero time means all history).
func (s *Service) GetCostByModel(ctx context.Context, modelID string, since time.Time) (float64, error) {
	var total float64
	if s.store != nil {
		stored, err := s.store.SumCostByModel(ctx, modelID, since)
		if err != nil {
			return 0, fmt.Errorf("failed to aggregate cost for model %s: %w", modelID, err)
		}
		total = stored
	}

	s.mu.Lock()
	for _, r := range s.buffered {
		if r.ModelID == modelID && !r.Timestamp.Before(since) {
			total += r.Cost
		}
	}
	s.mu.Unlock()

	return total, nil
}

// GetCostByProvider sums recorded cost per provider since the given time.
func (s *Service) GetCostByProvider(ctx context.Context, since time.Time) (map[string]float64, error) {
	out := make(map[string]float64)
	if s.store != nil {
		rows, err := s.store.DB().QueryContext(ctx, `
			SELECT provider, SUM(cost) FROM cost_records
			WHERE timestamp >= ?
			GROUP BY provider`, since.UnixMilli())
		if err != nil {
			return nil, fmt.Errorf("failed to aggregate cost by provider: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var provider string
			var total float64
			if err := rows.Scan(&provider, &total); err != nil {
				return nil, err
			}
			out[provider] = total
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	for _, r := range s.buffered {
		if !r.Timestamp.Before(since) {
			out[r.Provider] += r.Cost
		}
	}
	s.mu.Unlock()

	return out, nil
}

// GetCostByAgentType sums recorded cost per agent type since the given time.
func (s *Service) GetCostByAgentType(ctx context.Context, since time.Time) (map[string]float64, error) {
	out := make(map[string]float64)
	if s.store != nil {
		rows, err := s.store.DB().QueryContext(ctx, `
			SELECT agent_type, SUM(cost) FROM cost_records
			WHERE timestamp >= ?
			GROUP BY agent_type`, since.UnixMilli())
		if err != nil {
			return nil, fmt.Errorf("failed to aggregate cost by agent type: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var agentType string
			var total float64
			if err := rows.Scan(&agentType, &total); err != nil {
				return nil, err
			}
			out[agentType] = total
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	for _, r := range s.buffered {
		if !r.Timestamp.Before(since) {
			out[r.AgentType] += r.Cost
		}
	}
	s.mu.Unlock()

	return out, nil
}

// ExpensiveTask is one task's aggregate spend.
type ExpensiveTask struct {
	TaskID string  `json:"task_id"`
	Cost   float64 `json:"cost"`
}

// GetTopExpensiveTasks returns the costliest tasks since the given time.
func (s *Service) GetTopExpensiveTasks(ctx context.Context, since time.Time, limit int) ([]ExpensiveTask, error) {
	if s.store == nil {
		return nil, nil
	}

	rows, err := s.store.DB().QueryContext(ctx, `
		SELECT task_id, SUM(cost) AS total FROM cost_records
		WHERE timestamp >= ?
		GROUP BY task_id
		ORDER BY total DESC
		LIMIT ?`, since.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query top expensive tasks: %w", err)
	}
	defer rows.Close()

	var out []ExpensiveTask
	for rows.Next() {
		var t ExpensiveTask
		if err := rows.Scan(&t.TaskID, &t.Cost); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CheckBudget classifies today's spend against the configured ceiling.
func (s *Service) CheckBudget(ctx context.Context) (models.BudgetStatus, error) {
	if s.dailyCeiling <= 0 {
		return models.BudgetUnder, nil
	}

	spend, err := s.GetDailyCost(ctx, time.Now())
	if err != nil {
		return models.BudgetUnder, err
	}

	switch {
	case spend >= s.dailyCeiling:
		return models.BudgetOver, nil
	case spend >= s.dailyCeiling*s.nearThreshold:
		return models.BudgetNear, nil
	default:
		return models.BudgetUnder, nil
	}
}

// checkBudgetTransition emits an alert exactly once per threshold
// crossing, not on every request while the budget stays exceeded.
func (s *Service) checkBudgetTransition(ctx context.Context) {
	if s.dailyCeiling <= 0 {
		return
	}

	status, err := s.CheckBudget(ctx)
	if err != nil {
		return
	}

	s.mu.Lock()
	crossed := status != s.lastStatus
	s.lastStatus = status
	s.mu.Unlock()

	if !crossed || status == models.BudgetUnder {
		return
	}

	spend, _ := s.GetDailyCost(ctx, time.Now())
	s.logger.Warn("budget threshold crossed",
		zap.String("status", string(status)),
		zap.Float64("spend", spend),
		zap.Float64("ceiling", s.dailyCeiling))

	if s.onAlert != nil {
		s.onAlert(status, spend, s.dailyCeiling)
	}
}
