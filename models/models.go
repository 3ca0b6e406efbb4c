package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// TaskPriority orders requests by urgency. Selection weights shift toward
// performance for CRITICAL/HIGH and toward cost for LOW.
type TaskPriority string

const (
	PriorityCritical TaskPriority = "critical"
	PriorityHigh     TaskPriority = "high"
	PriorityNormal   TaskPriority = "normal"
	PriorityLow      TaskPriority = "low"
)

// RateLimits holds the per-model rate-limit ceiling for the trailing window.
type RateLimits struct {
	RequestsPerWindow int           `json:"requests_per_window" yaml:"requests_per_window" validate:"gt=0"`
	Window            time.Duration `json:"window" yaml:"window" validate:"gte=0"`
}

// UnmarshalYAML parses the window from duration strings like "1m".
func (r *RateLimits) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		RequestsPerWindow int    `yaml:"requests_per_window"`
		Window            string `yaml:"window"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	r.RequestsPerWindow = raw.RequestsPerWindow
	if raw.Window == "" {
		r.Window = 0
		return nil
	}
	window, err := time.ParseDuration(raw.Window)
	if err != nil {
		return fmt.Errorf("invalid rate-limit window %q: %w", raw.Window, err)
	}
	r.Window = window
	return nil
}

// ModelMetadata describes one addressable model in the catalog.
// Immutable after load except through Registry.UpdateModel.
type ModelMetadata struct {
	ID                    string     `json:"id" yaml:"id" validate:"required"`
	Provider              string     `json:"provider" yaml:"provider" validate:"required"`
	Capabilities          []string   `json:"capabilities" yaml:"capabilities" validate:"min=1"`
	CostPer1KInputTokens  float64    `json:"cost_per_1k_input_tokens" yaml:"cost_per_1k_input_tokens" validate:"gte=0"`
	CostPer1KOutputTokens float64    `json:"cost_per_1k_output_tokens" yaml:"cost_per_1k_output_tokens" validate:"gte=0"`
	RateLimits            RateLimits `json:"rate_limits" yaml:"rate_limits"`
	ContextWindow         int        `json:"context_window" yaml:"context_window" validate:"gte=0"`
	Enabled               bool       `json:"enabled" yaml:"enabled"`
}

// HasCapability reports whether the model declares the given capability tag.
func (m *ModelMetadata) HasCapability(cap string) bool {
	for _, c := range m.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// AverageCostPer1K is the mean of input and output per-1k rates, used for
// cost scoring and tie-breaking.
func (m *ModelMetadata) AverageCostPer1K() float64 {
	return (m.CostPer1KInputTokens + m.CostPer1KOutputTokens) / 2
}

// ModelRequest is a single generation request. Created per call and
// read-only downstream.
type ModelRequest struct {
	TaskID               uuid.UUID         `json:"task_id"`
	Prompt               string            `json:"prompt"`
	RequiredCapabilities []string          `json:"required_capabilities"`
	Priority             TaskPriority      `json:"priority"`
	Deadline             time.Time         `json:"deadline,omitempty"`
	AgentType            string            `json:"agent_type"`
	MaxTokens            int               `json:"max_tokens,omitempty"`
	Temperature          float64           `json:"temperature,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
}

// TokenUsage counts tokens consumed by one request.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ModelResponse is the canonical response produced by a provider adapter.
type ModelResponse struct {
	RequestID  uuid.UUID     `json:"request_id"`
	ModelID    string        `json:"model_id"`
	Provider   string        `json:"provider"`
	Content    string        `json:"content"`
	TokenUsage TokenUsage    `json:"token_usage"`
	Latency    time.Duration `json:"latency"`
	Success    bool          `json:"success"`
	FromCache  bool          `json:"from_cache,omitempty"`
	Created    time.Time     `json:"created"`
}

// RateLimitStatus classifies window utilization at check time.
type RateLimitStatus string

const (
	RateLimitOK          RateLimitStatus = "ok"
	RateLimitApproaching RateLimitStatus = "approaching" // >= 90% of ceiling
	RateLimitLimited     RateLimitStatus = "limited"     // >= 100% of ceiling
)

// RateLimitEvent records an APPROACHING or LIMITED transition for audit.
type RateLimitEvent struct {
	ModelID   string          `json:"model_id"`
	Status    RateLimitStatus `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
}

// CostRecord is one append-only cost entry, aggregated by day and model.
type CostRecord struct {
	Timestamp    time.Time `json:"timestamp"`
	ModelID      string    `json:"model_id"`
	Provider     string    `json:"provider"`
	AgentType    string    `json:"agent_type"`
	TaskID       string    `json:"task_id"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Cost         float64   `json:"cost"`
}

// BudgetStatus classifies current-period spend against the ceiling.
type BudgetStatus string

const (
	BudgetUnder BudgetStatus = "under"
	BudgetNear  BudgetStatus = "near" // >= 90% of ceiling
	BudgetOver  BudgetStatus = "over"
)

// PerformanceRecord feeds the bounded per-model rolling window.
type PerformanceRecord struct {
	Timestamp    time.Time     `json:"timestamp"`
	ModelID      string        `json:"model_id"`
	AgentType    string        `json:"agent_type"`
	TaskID       string        `json:"task_id"`
	Latency      time.Duration `json:"latency"`
	Success      bool          `json:"success"`
	QualityScore *float64      `json:"quality_score,omitempty"`
}

// HealthState is the per-model availability state machine position.
type HealthState string

const (
	HealthHealthy     HealthState = "healthy"
	HealthDegraded    HealthState = "degraded"
	HealthUnavailable HealthState = "unavailable"
)

// HealthCheckResult is the outcome of one liveness probe.
type HealthCheckResult struct {
	ModelID             string        `json:"model_id"`
	Timestamp           time.Time     `json:"timestamp"`
	State               HealthState   `json:"state"`
	ResponseTime        time.Duration `json:"response_time"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	NextCheckDue        time.Time     `json:"next_check_due"`
	Error               string        `json:"error,omitempty"`
}

// FailoverReason explains why a request switched models.
type FailoverReason string

const (
	FailoverUnavailable FailoverReason = "unavailable"
	FailoverRateLimited FailoverReason = "rate_limited"
	FailoverError       FailoverReason = "error"
	FailoverQuality     FailoverReason = "quality"
)

// FailoverEvent is an append-only record of one model substitution,
// used for excessive-failover alerting.
type FailoverEvent struct {
	OriginalModel    string         `json:"original_model"`
	AlternativeModel string         `json:"alternative_model"`
	Reason           FailoverReason `json:"reason"`
	TaskID           string         `json:"task_id"`
	Attempt          int            `json:"attempt"`
	Timestamp        time.Time      `json:"timestamp"`
}

// CachedResponse wraps a cache hit with its bookkeeping fields.
type CachedResponse struct {
	CacheKey   string        `json:"cache_key"`
	Response   ModelResponse `json:"response"`
	CachedAt   time.Time     `json:"cached_at"`
	ExpiresAt  time.Time     `json:"expires_at"`
	LastAccess time.Time     `json:"last_access"`
	HitCount   int           `json:"hit_count"`
}

// ModelAssignment mirrors the legacy workflow optimizer's assignment shape
// so existing callers keep working unchanged.
type ModelAssignment struct {
	AgentType     string    `json:"agent_type"`
	PrimaryModel  string    `json:"primary_model"`
	FallbackModel string    `json:"fallback_model,omitempty"`
	AssignedAt    time.Time `json:"assigned_at"`
	Reason        string    `json:"reason,omitempty"`
}

// EffectiveModel returns the fallback when asked to prefer it and one is
// configured, otherwise the primary.
func (a *ModelAssignment) EffectiveModel(preferFallback bool) string {
	if preferFallback && a.FallbackModel != "" {
		return a.FallbackModel
	}
	return a.PrimaryModel
}
