// Package metrics derives JSON-serializable usage reports from the
// persisted cost and performance history.
package metrics

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/upb/llm-model-router/store"
)

// Filter narrows a report. Zero values leave the dimension unfiltered.
type Filter struct {
	From      time.Time `json:"from,omitempty"`
	To        time.Time `json:"to,omitempty"`
	ModelID   string    `json:"model_id,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	AgentType string    `json:"agent_type,omitempty"`
}

// Report is an aggregate view over the filtered history.
type Report struct {
	Filter           Filter                 `json:"filter"`
	TotalRequests    int                    `json:"total_requests"`
	SuccessRate      float64                `json:"success_rate"`
	AverageLatencyMs float64                `json:"average_latency_ms"`
	TotalCost        float64                `json:"total_cost"`
	TotalTokens      int                    `json:"total_tokens"`
	CostPerRequest   float64                `json:"cost_per_request"`
	ByModel          map[string]ModelReport `json:"by_model,omitempty"`
	GeneratedAt      time.Time              `json:"generated_at"`
}

// ModelReport is one model's slice of the aggregate.
type ModelReport struct {
	Requests         int     `json:"requests"`
	SuccessRate      float64 `json:"success_rate"`
	AverageLatencyMs float64 `json:"average_latency_ms"`
	Cost             float64 `json:"cost"`
}

// Service produces reports from the embedded store.
type Service struct {
	store  *store.Store
	logger *zap.Logger
}

// New creates a metrics reporter.
func New(st *store.Store, logger *zap.Logger) *Service {
	return &Service{store: st, logger: logger}
}

// Report aggregates the filtered history. The performance side supplies
// request counts, success rate, and latency; the cost side supplies
// spend and token totals.
func (s *Service) Report(ctx context.Context, f Filter) (*Report, error) {
	report := &Report{
		Filter:      f,
		ByModel:     make(map[string]ModelReport),
		GeneratedAt: time.Now(),
	}

	if err := s.fillPerformance(ctx, f, report); err != nil {
		return nil, err
	}
	if err := s.fillCost(ctx, f, report); err != nil {
		return nil, err
	}

	if report.TotalRequests > 0 {
		report.CostPerRequest = report.TotalCost / float64(report.TotalRequests)
	}
	return report, nil
}

func (s *Service) fillPerformance(ctx context.Context, f Filter, report *Report) error {
	where, args := buildWhere(f, false)
	query := fmt.Sprintf(`
		SELECT model_id, COUNT(*), AVG(success), AVG(latency_ms)
		FROM performance_records
		%s
		GROUP BY model_id`, where)

	rows, err := s.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to aggregate performance records: %w", err)
	}
	defer rows.Close()

	var totalWeighted float64
	var totalLatency float64
	for rows.Next() {
		var modelID string
		var count int
		var successRate, avgLatency sql.NullFloat64
		if err := rows.Scan(&modelID, &count, &successRate, &avgLatency); err != nil {
			return err
		}

		mr := report.ByModel[modelID]
		mr.Requests = count
		mr.SuccessRate = successRate.Float64
		mr.AverageLatencyMs = avgLatency.Float64
		report.ByModel[modelID] = mr

		report.TotalRequests += count
		totalWeighted += successRate.Float64 * float64(count)
		totalLatency += avgLatency.Float64 * float64(count)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if report.TotalRequests > 0 {
		report.SuccessRate = totalWeighted / float64(report.TotalRequests)
		report.AverageLatencyMs = totalLatency / float64(report.TotalRequests)
	}
	return nil
}

func (s *Service) fillCost(ctx context.Context, f Filter, report *Report) error {
	where, args := buildWhere(f, true)
	query := fmt.Sprintf(`
		SELECT model_id, SUM(cost), SUM(input_tokens + output_tokens)
		FROM cost_records
		%s
		GROUP BY model_id`, where)

	rows, err := s.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to aggregate cost records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var modelID string
		var cost sql.NullFloat64
		var tokens sql.NullInt64
		if err := rows.Scan(&modelID, &cost, &tokens); err != nil {
			return err
		}

		mr := report.ByModel[modelID]
		mr.Cost = cost.Float64
		report.ByModel[modelID] = mr

		report.TotalCost += cost.Float64
		report.TotalTokens += int(tokens.Int64)
	}
	return rows.Err()
}

// buildWhere assembles the shared filter clause. The provider column only
// exists on cost_records.
func buildWhere(f Filter, hasProvider bool) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if !f.From.IsZero() {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, f.From.UnixMilli())
	}
	if !f.To.IsZero() {
		clauses = append(clauses, "timestamp < ?")
		args = append(args, f.To.UnixMilli())
	}
	if f.ModelID != "" {
		clauses = append(clauses, "model_id = ?")
		args = append(args, f.ModelID)
	}
	if f.AgentType != "" {
		clauses = append(clauses, "agent_type = ?")
		args = append(args, f.AgentType)
	}
	if f.Provider != "" && hasProvider {
		clauses = append(clauses, "provider = ?")
		args = append(args, f.Provider)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}
