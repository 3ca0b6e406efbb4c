package optimizer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/llm-model-router/models"
	"github.com/upb/llm-model-router/services"
	"github.com/upb/llm-model-router/services/performance"
	"github.com/upb/llm-model-router/services/selector"
)

type fakeSelector struct {
	selection selector.Selection
	err       error
}

func (f *fakeSelector) SelectModel(_ context.Context, _ *models.ModelRequest) (selector.Selection, error) {
	return f.selection, f.err
}

type fakePerf struct {
	metrics map[string]performance.Metrics
}

func (f *fakePerf) GetModelPerformance(modelID string) performance.Metrics {
	return f.metrics[modelID]
}

type feedbackCall struct {
	kind      string
	agentType string
	modelID   string
	toModel   string
	reason    models.FailoverReason
}

type fakeFeedback struct {
	calls []feedbackCall
	err   error
}

func (f *fakeFeedback) ReportPerformance(_ context.Context, agentType, modelID string, _ performance.Metrics) error {
	f.calls = append(f.calls, feedbackCall{kind: "performance", agentType: agentType, modelID: modelID})
	return f.err
}

func (f *fakeFeedback) ReportFailover(_ context.Context, agentType, fromModel, toModel string, reason models.FailoverReason) error {
	f.calls = append(f.calls, feedbackCall{kind: "failover", agentType: agentType, modelID: fromModel, toModel: toModel, reason: reason})
	return f.err
}

func coderRequest() *models.ModelRequest {
	return &models.ModelRequest{Prompt: "implement the parser", AgentType: "coder"}
}

func goodSelection() selector.Selection {
	return selector.Selection{
		ModelID:      "gpt-4o",
		Score:        0.82,
		Alternatives: []string{"claude-sonnet", "llama3"},
		Reason:       "best weighted score",
	}
}

func TestAssignModelForAgent(t *testing.T) {
	ctx := context.Background()

	t.Run("maps the selection onto the assignment shape", func(t *testing.T) {
		svc := New(&fakeSelector{selection: goodSelection()}, &fakePerf{}, nil, zap.NewNop())

		assignment, err := svc.AssignModelForAgent(ctx, coderRequest())
		require.NoError(t, err)
		assert.Equal(t, "coder", assignment.AgentType)
		assert.Equal(t, "gpt-4o", assignment.PrimaryModel)
		assert.Equal(t, "claude-sonnet", assignment.FallbackModel)
		assert.Equal(t, "best weighted score", assignment.Reason)
		assert.False(t, assignment.AssignedAt.IsZero())
	})

	t.Run("no alternatives leaves the fallback empty", func(t *testing.T) {
		sel := goodSelection()
		sel.Alternatives = nil
		svc := New(&fakeSelector{selection: sel}, &fakePerf{}, nil, zap.NewNop())

		assignment, err := svc.AssignModelForAgent(ctx, coderRequest())
		require.NoError(t, err)
		assert.Empty(t, assignment.FallbackModel)
	})

	t.Run("selection errors propagate", func(t *testing.T) {
		svc := New(&fakeSelector{err: services.ErrNoAvailableModel}, &fakePerf{}, nil, zap.NewNop())
		_, err := svc.AssignModelForAgent(ctx, coderRequest())
		require.Error(t, err)
		assert.Equal(t, services.ErrorTypeUnavailable, services.GetErrorType(err))
	})

	t.Run("assignment is cached per agent type", func(t *testing.T) {
		svc := New(&fakeSelector{selection: goodSelection()}, &fakePerf{}, nil, zap.NewNop())

		_, err := svc.AssignModelForAgent(ctx, coderRequest())
		require.NoError(t, err)

		cached, ok := svc.CachedAssignment("coder")
		require.True(t, ok)
		assert.Equal(t, "gpt-4o", cached.PrimaryModel)

		_, ok = svc.CachedAssignment("reviewer")
		assert.False(t, ok)
	})
}

func TestClearAssignments(t *testing.T) {
	ctx := context.Background()
	svc := New(&fakeSelector{selection: goodSelection()}, &fakePerf{}, nil, zap.NewNop())

	_, err := svc.AssignModelForAgent(ctx, coderRequest())
	require.NoError(t, err)
	reviewerReq := coderRequest()
	reviewerReq.AgentType = "reviewer"
	_, err = svc.AssignModelForAgent(ctx, reviewerReq)
	require.NoError(t, err)

	t.Run("clears one agent type", func(t *testing.T) {
		svc.ClearAssignments("coder")
		_, ok := svc.CachedAssignment("coder")
		assert.False(t, ok)
		_, ok = svc.CachedAssignment("reviewer")
		assert.True(t, ok)
	})

	t.Run("clears everything", func(t *testing.T) {
		svc.ClearAssignments("")
		_, ok := svc.CachedAssignment("reviewer")
		assert.False(t, ok)
	})
}

func TestPushPerformance(t *testing.T) {
	ctx := context.Background()
	perf := &fakePerf{metrics: map[string]performance.Metrics{
		"gpt-4o": {ModelID: "gpt-4o", TotalRequests: 10, SuccessRate: 0.9},
	}}

	t.Run("forwards metrics to the optimizer", func(t *testing.T) {
		feedback := &fakeFeedback{}
		svc := New(&fakeSelector{}, perf, feedback, zap.NewNop())

		require.NoError(t, svc.PushPerformance(ctx, "coder", "gpt-4o"))
		require.Len(t, feedback.calls, 1)
		assert.Equal(t, "performance", feedback.calls[0].kind)
		assert.Equal(t, "gpt-4o", feedback.calls[0].modelID)
	})

	t.Run("nil feedback is a no-op", func(t *testing.T) {
		svc := New(&fakeSelector{}, perf, nil, zap.NewNop())
		assert.NoError(t, svc.PushPerformance(ctx, "coder", "gpt-4o"))
	})

	t.Run("feedback errors surface", func(t *testing.T) {
		feedback := &fakeFeedback{err: errors.New("optimizer offline")}
		svc := New(&fakeSelector{}, perf, feedback, zap.NewNop())
		assert.Error(t, svc.PushPerformance(ctx, "coder", "gpt-4o"))
	})
}

func TestNotifyFailover(t *testing.T) {
	ctx := context.Background()

	t.Run("switches the cached primary to the alternative", func(t *testing.T) {
		svc := New(&fakeSelector{selection: goodSelection()}, &fakePerf{}, nil, zap.NewNop())
		_, err := svc.AssignModelForAgent(ctx, coderRequest())
		require.NoError(t, err)

		require.NoError(t, svc.NotifyFailover(ctx, "coder", "gpt-4o", "claude-sonnet", models.FailoverError))

		cached, ok := svc.CachedAssignment("coder")
		require.True(t, ok)
		assert.Equal(t, "claude-sonnet", cached.PrimaryModel)
		assert.Contains(t, cached.Reason, "gpt-4o")
	})

	t.Run("ignores a failover for a different primary", func(t *testing.T) {
		svc := New(&fakeSelector{selection: goodSelection()}, &fakePerf{}, nil, zap.NewNop())
		_, err := svc.AssignModelForAgent(ctx, coderRequest())
		require.NoError(t, err)

		require.NoError(t, svc.NotifyFailover(ctx, "coder", "llama3", "claude-sonnet", models.FailoverError))

		cached, _ := svc.CachedAssignment("coder")
		assert.Equal(t, "gpt-4o", cached.PrimaryModel)
	})

	t.Run("forwards the event to the optimizer", func(t *testing.T) {
		feedback := &fakeFeedback{}
		svc := New(&fakeSelector{selection: goodSelection()}, &fakePerf{}, feedback, zap.NewNop())

		require.NoError(t, svc.NotifyFailover(ctx, "coder", "gpt-4o", "claude-sonnet", models.FailoverRateLimited))
		require.Len(t, feedback.calls, 1)
		assert.Equal(t, "failover", feedback.calls[0].kind)
		assert.Equal(t, models.FailoverRateLimited, feedback.calls[0].reason)
	})
}
