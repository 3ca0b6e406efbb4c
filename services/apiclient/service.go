// Package apiclient dispatches canonical requests through the provider
// adapters, attaching rotated credentials and bounding per-provider
// concurrency with a fixed-size wait queue.
package apiclient

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/upb/llm-model-router/config"
	"github.com/upb/llm-model-router/models"
	"github.com/upb/llm-model-router/services"
	"github.com/upb/llm-model-router/services/providers"
)

const (
	defaultConcurrencyLimit = 8
	defaultQueueSize        = 32
	defaultCallTimeout      = 60 * time.Second
)

// KeyStore supplies rotated provider credentials.
type KeyStore interface {
	GetKey(provider string) (string, error)
	HasCredentials(provider string) bool
}

// ProviderStats counts one provider's dispatch outcomes.
type ProviderStats struct {
	Provider     string        `json:"provider"`
	Requests     uint64        `json:"requests"`
	Failures     uint64        `json:"failures"`
	Rejected     uint64        `json:"rejected"` // queue-full rejections
	TotalLatency time.Duration `json:"total_latency"`
}

// gate bounds in-flight calls to one provider. slots holds active calls;
// queue holds callers waiting for a slot. A full queue rejects instead of
// blocking the caller indefinitely.
type gate struct {
	slots chan struct{}
	queue chan struct{}
}

// Service is the API client manager.
type Service struct {
	adapters    *providers.Registry
	keys        KeyStore
	callTimeout time.Duration

	mu    sync.Mutex
	gates map[string]*gate
	stats map[string]*ProviderStats

	providerCfg map[string]config.ProviderConfig

	logger *zap.Logger
}

// New creates an API client manager.
func New(adapters *providers.Registry, keys KeyStore, providerCfg map[string]config.ProviderConfig, logger *zap.Logger) *Service {
	return &Service{
		adapters:    adapters,
		keys:        keys,
		callTimeout: defaultCallTimeout,
		gates:       make(map[string]*gate),
		stats:       make(map[string]*ProviderStats),
		providerCfg: providerCfg,
		logger:      logger,
	}
}

// Dispatch sends one request to the model's provider. Errors come back
// classified: rate-limit, transient, or permanent.
func (s *Service) Dispatch(ctx context.Context, model models.ModelMetadata, req *models.ModelRequest) (*models.ModelResponse, error) {
	adapter, err := s.adapters.Get(model.Provider)
	if err != nil {
		return nil, err
	}

	var apiKey string
	if adapter.RequiresAuth() {
		apiKey, err = s.keys.GetKey(model.Provider)
		if err != nil {
			return nil, err
		}
	}

	release, err := s.acquire(ctx, model.Provider)
	if err != nil {
		s.count(model.Provider, func(st *ProviderStats) { st.Rejected++ })
		return nil, err
	}
	defer release()

	timeout := s.callTimeout
	if cfg, ok := s.providerCfg[model.Provider]; ok && cfg.Timeout > 0 {
		timeout = cfg.Timeout.Std()
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := adapter.Complete(callCtx, model, req, apiKey)
	elapsed := time.Since(start)

	s.count(model.Provider, func(st *ProviderStats) {
		st.Requests++
		st.TotalLatency += elapsed
		if err != nil {
			st.Failures++
		}
	})

	if err != nil {
		classified := providers.Classify(err)
		s.logger.Warn("provider dispatch failed",
			zap.String("provider", model.Provider),
			zap.String("model_id", model.ID),
			zap.Duration("latency", elapsed),
			zap.Error(classified))
		return nil, classified
	}

	return resp, nil
}

// Probe performs one liveness check against the model's provider. Feeds
// the health checker.
func (s *Service) Probe(ctx context.Context, model models.ModelMetadata) (time.Duration, error) {
	adapter, err := s.adapters.Get(model.Provider)
	if err != nil {
		return 0, err
	}

	var apiKey string
	if adapter.RequiresAuth() {
		apiKey, err = s.keys.GetKey(model.Provider)
		if err != nil {
			return 0, err
		}
	}

	start := time.Now()
	if err := adapter.Probe(ctx, model, apiKey); err != nil {
		return 0, providers.Classify(err)
	}
	return time.Since(start), nil
}

// Stats returns a snapshot of per-provider dispatch counters.
func (s *Service) Stats() map[string]ProviderStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]ProviderStats, len(s.stats))
	for name, st := range s.stats {
		out[name] = *st
	}
	return out
}

// acquire takes a concurrency slot for the provider, waiting in the
// bounded queue when all slots are busy. A full queue fails immediately.
func (s *Service) acquire(ctx context.Context, provider string) (func(), error) {
	g := s.gate(provider)

	select {
	case g.queue <- struct{}{}:
	default:
		return nil, services.NewDomainError(services.ErrorTypeQueueFull,
			"provider concurrency queue is full", nil).WithDetail("provider", provider)
	}
	defer func() { <-g.queue }()

	select {
	case g.slots <- struct{}{}:
		return func() { <-g.slots }, nil
	case <-ctx.Done():
		return nil, services.WrapError(services.ErrorTypeDeadline,
			"cancelled while waiting for a provider slot", ctx.Err())
	}
}

func (s *Service) gate(provider string) *gate {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.gates[provider]
	if !ok {
		limit := defaultConcurrencyLimit
		queueSize := defaultQueueSize
		if cfg, exists := s.providerCfg[provider]; exists {
			if cfg.ConcurrencyLimit > 0 {
				limit = cfg.ConcurrencyLimit
			}
			if cfg.QueueSize > 0 {
				queueSize = cfg.QueueSize
			}
		}
		g = &gate{
			slots: make(chan struct{}, limit),
			queue: make(chan struct{}, queueSize),
		}
		s.gates[provider] = g
	}
	return g
}

func (s *Service) count(provider string, update func(*ProviderStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stats[provider]
	if !ok {
		st = &ProviderStats{Provider: provider}
		s.stats[provider] = st
	}
	update(st)
}
