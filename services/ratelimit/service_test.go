package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/llm-model-router/models"
	"github.com/upb/llm-model-router/services"
)

type fakeRegistry struct {
	models map[string]models.ModelMetadata
}

func (f *fakeRegistry) GetModel(id string) (models.ModelMetadata, error) {
	m, ok := f.models[id]
	if !ok {
		return models.ModelMetadata{}, services.ErrModelNotFound
	}
	return m, nil
}

func newTestService(t *testing.T, requestsPerWindow int, window time.Duration) *Service {
	t.Helper()
	reg := &fakeRegistry{models: map[string]models.ModelMetadata{
		"test-model": {
			ID:         "test-model",
			Provider:   "openai",
			RateLimits: models.RateLimits{RequestsPerWindow: requestsPerWindow, Window: window},
		},
	}}
	return New(reg, nil, 0.90, zap.NewNop())
}

func TestCheckRateLimit(t *testing.T) {
	ctx := context.Background()

	t.Run("empty window is OK with full headroom", func(t *testing.T) {
		svc := newTestService(t, 10, time.Minute)

		res, err := svc.CheckRateLimit(ctx, "test-model")
		require.NoError(t, err)
		assert.Equal(t, models.RateLimitOK, res.Status)
		assert.Equal(t, 10, res.RequestsRemaining)
		assert.Zero(t, res.Utilization)
	})

	t.Run("status becomes APPROACHING at 90 percent", func(t *testing.T) {
		svc := newTestService(t, 10, time.Minute)
		for i := 0; i < 9; i++ {
			svc.RecordRequest("test-model")
		}

		res, err := svc.CheckRateLimit(ctx, "test-model")
		require.NoError(t, err)
		assert.Equal(t, models.RateLimitApproaching, res.Status)
		assert.Equal(t, 1, res.RequestsRemaining)
	})

	t.Run("status becomes LIMITED at the ceiling", func(t *testing.T) {
		svc := newTestService(t, 10, time.Minute)
		for i := 0; i < 10; i++ {
			svc.RecordRequest("test-model")
		}

		res, err := svc.CheckRateLimit(ctx, "test-model")
		require.NoError(t, err)
		assert.Equal(t, models.RateLimitLimited, res.Status)
		assert.Zero(t, res.RequestsRemaining)
		assert.True(t, svc.IsLimited(ctx, "test-model"))
	})

	t.Run("below the threshold stays OK", func(t *testing.T) {
		svc := newTestService(t, 10, time.Minute)
		for i := 0; i < 8; i++ {
			svc.RecordRequest("test-model")
		}

		res, err := svc.CheckRateLimit(ctx, "test-model")
		require.NoError(t, err)
		assert.Equal(t, models.RateLimitOK, res.Status)
		assert.False(t, svc.IsLimited(ctx, "test-model"))
	})

	t.Run("unknown model propagates the registry error", func(t *testing.T) {
		svc := newTestService(t, 10, time.Minute)

		_, err := svc.CheckRateLimit(ctx, "nope")
		require.Error(t, err)
		assert.Equal(t, services.ErrorTypeNotFound, services.GetErrorType(err))
	})
}

func TestWindowExpiry(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, 2, 50*time.Millisecond)

	svc.RecordRequest("test-model")
	svc.RecordRequest("test-model")
	assert.True(t, svc.IsLimited(ctx, "test-model"))

	// Entries fall out once they age past the trailing window
	time.Sleep(70 * time.Millisecond)
	res, err := svc.CheckRateLimit(ctx, "test-model")
	require.NoError(t, err)
	assert.Equal(t, models.RateLimitOK, res.Status)
	assert.Equal(t, 2, res.RequestsRemaining)
}

func TestHeadroom(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, 10, time.Minute)

	assert.InDelta(t, 1.0, svc.Headroom(ctx, "test-model"), 0.001)

	for i := 0; i < 5; i++ {
		svc.RecordRequest("test-model")
	}
	assert.InDelta(t, 0.5, svc.Headroom(ctx, "test-model"), 0.001)

	for i := 0; i < 10; i++ {
		svc.RecordRequest("test-model")
	}
	assert.Zero(t, svc.Headroom(ctx, "test-model"))
}

func TestTimeUntilReset(t *testing.T) {
	svc := newTestService(t, 5, time.Minute)

	assert.Zero(t, svc.TimeUntilReset("test-model"))

	svc.RecordRequest("test-model")
	reset := svc.TimeUntilReset("test-model")
	assert.Greater(t, reset, 50*time.Second)
	assert.LessOrEqual(t, reset, time.Minute)
}

func TestStatusTransitionRearming(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, 2, 60*time.Millisecond)

	svc.RecordRequest("test-model")
	svc.RecordRequest("test-model")

	res, err := svc.CheckRateLimit(ctx, "test-model")
	require.NoError(t, err)
	require.Equal(t, models.RateLimitLimited, res.Status)

	// Window drains, status returns to OK and re-arms
	time.Sleep(80 * time.Millisecond)
	res, err = svc.CheckRateLimit(ctx, "test-model")
	require.NoError(t, err)
	require.Equal(t, models.RateLimitOK, res.Status)

	svc.RecordRequest("test-model")
	svc.RecordRequest("test-model")
	res, err = svc.CheckRateLimit(ctx, "test-model")
	require.NoError(t, err)
	assert.Equal(t, models.RateLimitLimited, res.Status)
}
