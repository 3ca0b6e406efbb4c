package failover

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/llm-model-router/models"
	"github.com/upb/llm-model-router/services"
	"github.com/upb/llm-model-router/services/cache"
	"github.com/upb/llm-model-router/services/evaluator"
	"github.com/upb/llm-model-router/services/selector"
)

type fakeSelector struct {
	candidates []selector.Candidate
	err        error
}

func (f *fakeSelector) RankModels(_ context.Context, _ *models.ModelRequest) ([]selector.Candidate, error) {
	return f.candidates, f.err
}

// fakeDispatcher replays a scripted sequence of outcomes, one per
// Dispatch call, and records which model each call went to.
type fakeDispatcher struct {
	mu       sync.Mutex
	script   []error
	calls    []string
	response *models.ModelResponse
}

func (f *fakeDispatcher) Dispatch(_ context.Context, model models.ModelMetadata, req *models.ModelRequest) (*models.ModelResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, model.ID)
	var err error
	if len(f.script) > 0 {
		err = f.script[0]
		f.script = f.script[1:]
	}
	if err != nil {
		return nil, err
	}
	resp := *f.response
	resp.ModelID = model.ID
	resp.Provider = model.Provider
	return &resp, nil
}

type fakeRateLimiter struct {
	limited  map[string]bool
	recorded []string
}

func (f *fakeRateLimiter) IsLimited(_ context.Context, modelID string) bool {
	return f.limited[modelID]
}

func (f *fakeRateLimiter) RecordRequest(modelID string) {
	f.recorded = append(f.recorded, modelID)
}

type fakeCache struct {
	entries map[string]models.CachedResponse
	sets    []string
}

func (f *fakeCache) Get(_ context.Context, key string) (*models.CachedResponse, bool) {
	entry, ok := f.entries[key]
	if !ok {
		return nil, false
	}
	entry.Response.FromCache = true
	return &entry, true
}

func (f *fakeCache) Set(_ context.Context, key string, resp models.ModelResponse, _ time.Duration) {
	f.sets = append(f.sets, key)
	f.entries[key] = models.CachedResponse{CacheKey: key, Response: resp}
}

type fakeCost struct {
	records []string
}

func (f *fakeCost) RecordCost(_ context.Context, modelID, _, _, _ string, _, _ int) (models.CostRecord, error) {
	f.records = append(f.records, modelID)
	return models.CostRecord{ModelID: modelID}, nil
}

type perfSample struct {
	modelID string
	success bool
	quality *float64
}

type fakePerf struct {
	samples []perfSample
}

func (f *fakePerf) RecordPerformance(_ context.Context, modelID, _, _ string, _ time.Duration, success bool, quality *float64) {
	f.samples = append(f.samples, perfSample{modelID: modelID, success: success, quality: quality})
}

type fakeHealth struct {
	successes []string
	failures  []string
}

func (f *fakeHealth) RecordSuccess(_ context.Context, modelID string, _ time.Duration) {
	f.successes = append(f.successes, modelID)
}

func (f *fakeHealth) RecordFailure(_ context.Context, modelID string, _ error) {
	f.failures = append(f.failures, modelID)
}

type fakeEvaluator struct {
	score        float64
	shouldSwitch bool
}

func (f *fakeEvaluator) EvaluateResponse(resp *models.ModelResponse, _ *models.ModelRequest) evaluator.Evaluation {
	return evaluator.Evaluation{ModelID: resp.ModelID, OverallScore: f.score}
}

func (f *fakeEvaluator) ShouldSwitchModel(_ string) bool { return f.shouldSwitch }

type harness struct {
	svc       *Service
	selector  *fakeSelector
	dispatch  *fakeDispatcher
	rateLimit *fakeRateLimiter
	cache     *fakeCache
	cost      *fakeCost
	perf      *fakePerf
	health    *fakeHealth
}

func candidate(id string) selector.Candidate {
	return selector.Candidate{
		Model: models.ModelMetadata{ID: id, Provider: "openai", Enabled: true},
		Score: 0.5,
	}
}

func okResponse() *models.ModelResponse {
	return &models.ModelResponse{
		RequestID:  uuid.New(),
		Content:    "fine",
		Success:    true,
		Latency:    25 * time.Millisecond,
		TokenUsage: models.TokenUsage{InputTokens: 100, OutputTokens: 50},
		Created:    time.Now(),
	}
}

func newHarness(candidates []selector.Candidate, script []error, opts Options) *harness {
	h := &harness{
		selector:  &fakeSelector{candidates: candidates},
		dispatch:  &fakeDispatcher{script: script, response: okResponse()},
		rateLimit: &fakeRateLimiter{limited: map[string]bool{}},
		cache:     &fakeCache{entries: map[string]models.CachedResponse{}},
		cost:      &fakeCost{},
		perf:      &fakePerf{},
		health:    &fakeHealth{},
	}
	h.svc = New(h.selector, h.dispatch, h.rateLimit, h.cache, h.cost, h.perf, h.health,
		&fakeEvaluator{score: 0.85}, nil, opts, nil, zap.NewNop())
	return h
}

func testRequest() *models.ModelRequest {
	return &models.ModelRequest{
		TaskID:    uuid.New(),
		Prompt:    "summarize this",
		AgentType: "coder",
	}
}

func fastOpts() Options {
	return Options{
		MaxRetriesPerModel: 2,
		MaxAttempts:        3,
		BaseBackoff:        time.Millisecond,
		MaxBackoff:         5 * time.Millisecond,
	}
}

func TestExecuteSuccess(t *testing.T) {
	ctx := context.Background()
	h := newHarness([]selector.Candidate{candidate("gpt-4o"), candidate("claude-sonnet")}, nil, fastOpts())

	resp, err := h.svc.Execute(ctx, testRequest())
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", resp.ModelID)

	// One dispatch, fully accounted for
	assert.Equal(t, []string{"gpt-4o"}, h.dispatch.calls)
	assert.Equal(t, []string{"gpt-4o"}, h.rateLimit.recorded)
	assert.Equal(t, []string{"gpt-4o"}, h.cost.records)
	assert.Equal(t, []string{"gpt-4o"}, h.health.successes)
	assert.Len(t, h.cache.sets, 1)

	require.Len(t, h.perf.samples, 1)
	assert.True(t, h.perf.samples[0].success)
	require.NotNil(t, h.perf.samples[0].quality)
	assert.InDelta(t, 0.85, *h.perf.samples[0].quality, 0.001)
}

func TestExecuteRetriesTransientThenSucceeds(t *testing.T) {
	ctx := context.Background()
	script := []error{
		services.WrapTransient("connection reset", nil),
		nil,
	}
	h := newHarness([]selector.Candidate{candidate("gpt-4o")}, script, fastOpts())

	resp, err := h.svc.Execute(ctx, testRequest())
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", resp.ModelID)

	// Retried on the same model, not failed over
	assert.Equal(t, []string{"gpt-4o", "gpt-4o"}, h.dispatch.calls)
	assert.Equal(t, []string{"gpt-4o"}, h.health.failures)
	assert.Equal(t, []string{"gpt-4o"}, h.health.successes)
}

func TestExecuteSwitchesOnPermanentError(t *testing.T) {
	ctx := context.Background()
	script := []error{
		services.WrapError(services.ErrorTypePermanent, "invalid request", nil),
		nil,
	}
	h := newHarness([]selector.Candidate{candidate("gpt-4o"), candidate("claude-sonnet")}, script, fastOpts())

	resp, err := h.svc.Execute(ctx, testRequest())
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet", resp.ModelID)

	// No same-model retry on a permanent failure
	assert.Equal(t, []string{"gpt-4o", "claude-sonnet"}, h.dispatch.calls)
}

func TestExecuteRateLimitSwitchesWithoutRetry(t *testing.T) {
	ctx := context.Background()
	script := []error{
		services.WrapError(services.ErrorTypeRateLimit, "429 from provider", nil),
		nil,
	}
	h := newHarness([]selector.Candidate{candidate("gpt-4o"), candidate("claude-sonnet")}, script, fastOpts())

	resp, err := h.svc.Execute(ctx, testRequest())
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet", resp.ModelID)
	assert.Equal(t, []string{"gpt-4o", "claude-sonnet"}, h.dispatch.calls)

	// Being rate-limited is not a health problem
	assert.Empty(t, h.health.failures)
}

func TestExecuteSkipsLimitedCandidate(t *testing.T) {
	ctx := context.Background()
	h := newHarness([]selector.Candidate{candidate("gpt-4o"), candidate("claude-sonnet")}, nil, fastOpts())
	h.rateLimit.limited["gpt-4o"] = true

	resp, err := h.svc.Execute(ctx, testRequest())
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet", resp.ModelID)
	assert.Equal(t, []string{"claude-sonnet"}, h.dispatch.calls)
}

func TestExecuteCacheShortCircuit(t *testing.T) {
	ctx := context.Background()
	h := newHarness([]selector.Candidate{candidate("gpt-4o")}, nil, fastOpts())

	req := testRequest()
	key := cache.GenerateCacheKey("gpt-4o", req)
	h.cache.entries[key] = models.CachedResponse{
		CacheKey: key,
		Response: models.ModelResponse{ModelID: "gpt-4o", Content: "cached answer", Success: true},
	}

	resp, err := h.svc.Execute(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "cached answer", resp.Content)
	assert.True(t, resp.FromCache)
	assert.Empty(t, h.dispatch.calls, "cache hit must not dispatch")
	assert.Empty(t, h.rateLimit.recorded)
}

func TestExecuteExhaustion(t *testing.T) {
	ctx := context.Background()
	// Every attempt fails permanently on both models
	script := []error{
		services.WrapError(services.ErrorTypePermanent, "bad key", nil),
		services.WrapError(services.ErrorTypePermanent, "bad key", nil),
	}
	h := newHarness([]selector.Candidate{candidate("gpt-4o"), candidate("claude-sonnet")}, script, fastOpts())

	req := testRequest()
	_, err := h.svc.Execute(ctx, req)
	require.Error(t, err)
	assert.Equal(t, services.ErrorTypeExhausted, services.GetErrorType(err))
	assert.Contains(t, err.Error(), "gpt-4o")
	assert.Contains(t, err.Error(), "claude-sonnet")

	// Terminal errors identify the request and every model tried
	details := services.GetErrorDetails(err)
	assert.Equal(t, req.TaskID.String(), details["task_id"])
	assert.Equal(t, []string{"gpt-4o", "claude-sonnet"}, details["attempted_models"])
}

func TestExecuteMaxAttemptsBound(t *testing.T) {
	ctx := context.Background()
	opts := fastOpts()
	opts.MaxAttempts = 2
	opts.MaxRetriesPerModel = 0
	script := []error{
		services.WrapError(services.ErrorTypePermanent, "no", nil),
		services.WrapError(services.ErrorTypePermanent, "no", nil),
	}
	h := newHarness([]selector.Candidate{
		candidate("a"), candidate("b"), candidate("c"),
	}, script, opts)

	_, err := h.svc.Execute(ctx, testRequest())
	require.Error(t, err)
	// Third candidate never dispatched
	assert.Equal(t, []string{"a", "b"}, h.dispatch.calls)
}

func TestExecuteDeadline(t *testing.T) {
	h := newHarness([]selector.Candidate{candidate("gpt-4o"), candidate("claude-sonnet")},
		[]error{services.WrapTransient("slow", nil)}, Options{
			MaxRetriesPerModel: 5,
			MaxAttempts:        3,
			BaseBackoff:        time.Second,
			MaxBackoff:         time.Second,
		})

	req := testRequest()
	req.Deadline = time.Now().Add(20 * time.Millisecond)

	_, err := h.svc.Execute(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, services.ErrorTypeDeadline, services.GetErrorType(err))
	// Deadline hit during backoff: no second model tried
	assert.Equal(t, []string{"gpt-4o"}, h.dispatch.calls)

	details := services.GetErrorDetails(err)
	assert.Equal(t, req.TaskID.String(), details["task_id"])
	assert.Equal(t, []string{"gpt-4o"}, details["attempted_models"])
}

func TestExecuteSelectorErrorPropagates(t *testing.T) {
	h := newHarness(nil, nil, fastOpts())
	h.selector.err = services.ErrNoAvailableModel

	_, err := h.svc.Execute(context.Background(), testRequest())
	require.Error(t, err)
	assert.Equal(t, services.ErrorTypeUnavailable, services.GetErrorType(err))
}

func TestBackoffCap(t *testing.T) {
	svc := New(&fakeSelector{}, &fakeDispatcher{}, &fakeRateLimiter{limited: map[string]bool{}},
		nil, nil, nil, nil, nil, nil, Options{
			BaseBackoff: time.Second,
			MaxBackoff:  4 * time.Second,
		}, nil, zap.NewNop())

	assert.Equal(t, time.Second, svc.backoff(0))
	assert.Equal(t, 2*time.Second, svc.backoff(1))
	assert.Equal(t, 4*time.Second, svc.backoff(2))
	assert.Equal(t, 4*time.Second, svc.backoff(3))
}
