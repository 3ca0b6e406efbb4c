// Package app is the central wiring point: it builds every service from
// configuration and runs the background workers.
package app

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/upb/llm-model-router/config"
	"github.com/upb/llm-model-router/models"
	"github.com/upb/llm-model-router/services/apiclient"
	"github.com/upb/llm-model-router/services/cache"
	"github.com/upb/llm-model-router/services/cost"
	"github.com/upb/llm-model-router/services/evaluator"
	"github.com/upb/llm-model-router/services/failover"
	"github.com/upb/llm-model-router/services/health"
	"github.com/upb/llm-model-router/services/keys"
	"github.com/upb/llm-model-router/services/metrics"
	"github.com/upb/llm-model-router/services/optimizer"
	"github.com/upb/llm-model-router/services/performance"
	"github.com/upb/llm-model-router/services/providers"
	"github.com/upb/llm-model-router/services/providers/anthropic"
	"github.com/upb/llm-model-router/services/providers/ollama"
	"github.com/upb/llm-model-router/services/providers/openai"
	"github.com/upb/llm-model-router/services/ratelimit"
	"github.com/upb/llm-model-router/services/registry"
	"github.com/upb/llm-model-router/services/selector"
	"github.com/upb/llm-model-router/store"
)

// Dependencies holds all application services. This is the central wiring
// point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	Store  *store.Store
	Logger *zap.Logger

	// Services
	Registry    *registry.Service
	Keys        *keys.Service
	Adapters    *providers.Registry
	APIClient   *apiclient.Service
	RateLimit   *ratelimit.Service
	Cache       *cache.Service
	Cost        *cost.Service
	Performance *performance.Service
	Health      *health.Service
	Selector    *selector.Service
	Evaluator   *evaluator.Service
	Failover    *failover.Service
	Metrics     *metrics.Service
	Optimizer   *optimizer.Service

	workers sync.WaitGroup
}

// NewDependencies creates and wires up all application services.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	deps.Store = st

	deps.Registry, err = registry.New(cfg.Models, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to build model registry: %w", err)
	}

	deps.Keys = keys.New(deps.Registry.Providers(), logger)
	deps.initAdapters(cfg)

	deps.APIClient = apiclient.New(deps.Adapters, deps.Keys, cfg.Providers, logger)
	deps.RateLimit = ratelimit.New(deps.Registry, st, cfg.RateLimit.ApproachingThreshold, logger)

	if cfg.Cache.Enabled {
		deps.Cache = cache.New(st, cfg.Cache.MaxEntries, cfg.Cache.DefaultTTL.Std(), logger)
		if err := deps.Cache.WarmStart(ctx); err != nil {
			logger.Warn("cache warm start failed, starting cold", zap.Error(err))
		}
	}

	deps.Cost = cost.New(deps.Registry, st, cfg.Budget.DailyCeiling, cfg.Budget.NearThreshold, nil, logger)
	deps.Performance = performance.New(st, cfg.Performance.WindowSize,
		cfg.Performance.SuccessRateFloor, cfg.Performance.LatencyCeiling.Std(),
		cfg.Performance.MinConsecutiveSamples, logger)

	deps.Health = health.New(deps.Registry, deps.APIClient, st, health.Options{
		CheckInterval:    cfg.Health.CheckInterval.Std(),
		Timeout:          cfg.Health.Timeout.Std(),
		FailureThreshold: cfg.Health.FailureThreshold,
		MaxBackoff:       cfg.Health.MaxBackoff.Std(),
	}, logger)

	deps.Selector = selector.New(deps.Registry, deps.Health, deps.RateLimit, deps.Performance, logger)

	if cfg.Quality.Enabled {
		deps.Evaluator = evaluator.New(cfg.Quality.MinQualityScore, cfg.Quality.ConsecutiveLowLimit, logger)
	}

	deps.Failover = failover.New(
		deps.Selector, deps.APIClient, deps.RateLimit,
		cacheOrNil(deps.Cache), deps.Cost, deps.Performance, deps.Health,
		evaluatorOrNil(deps.Evaluator), st,
		failover.Options{
			MaxRetriesPerModel: cfg.Failover.MaxRetriesPerModel,
			MaxAttempts:        cfg.Failover.MaxAttempts,
			BaseBackoff:        cfg.Failover.BaseBackoff.Std(),
			MaxBackoff:         cfg.Failover.MaxBackoff.Std(),
			AlertThreshold:     cfg.Failover.AlertThreshold,
			AlertWindow:        cfg.Failover.AlertWindow.Std(),
		}, nil, logger)

	deps.Metrics = metrics.New(st, logger)
	deps.Optimizer = optimizer.New(deps.Selector, deps.Performance, nil, logger)

	logger.Info("all dependencies initialized",
		zap.Int("models", len(cfg.Models)),
		zap.Strings("providers", deps.Registry.Providers()))
	return deps, nil
}

// initAdapters registers one adapter per provider the catalog references.
func (d *Dependencies) initAdapters(cfg *config.Config) {
	d.Adapters = providers.NewRegistry()

	for _, name := range d.Registry.Providers() {
		baseURL := ""
		if pc, ok := cfg.Providers[name]; ok {
			baseURL = pc.BaseURL
		}

		switch name {
		case "openai":
			d.Adapters.Register(openai.New(baseURL, nil))
		case "anthropic":
			d.Adapters.Register(anthropic.New(baseURL, nil))
		case "ollama":
			d.Adapters.Register(ollama.New(baseURL, nil))
		default:
			d.Logger.Warn("no adapter available for provider",
				zap.String("provider", name))
		}
	}
}

// Execute routes one request through selection, caching, dispatch, and
// failover. This is the main entry point for callers.
func (d *Dependencies) Execute(ctx context.Context, req *models.ModelRequest) (*models.ModelResponse, error) {
	return d.Failover.Execute(ctx, req)
}

// StartWorkers launches the background loops: health probing, cache
// sweeping, and performance-history retention. They stop when ctx ends.
func (d *Dependencies) StartWorkers(ctx context.Context) {
	d.workers.Add(1)
	go func() {
		defer d.workers.Done()
		d.Health.Run(ctx)
	}()

	if d.Cache != nil {
		d.workers.Add(1)
		go func() {
			defer d.workers.Done()
			d.Cache.Run(ctx, d.Config.Cache.SweepPeriod.Std())
		}()
	}

	d.workers.Add(1)
	go func() {
		defer d.workers.Done()
		d.Performance.RunCleanup(ctx, d.Config.Health.CheckInterval.Std()*10, d.Config.Performance.Retention.Std())
	}()

	d.Logger.Info("background workers started")
}

// ReloadModels swaps the model catalog in place; used by the config
// watcher on file change.
func (d *Dependencies) ReloadModels(cfg *config.Config) {
	d.Registry.ReplaceAll(cfg.Models)
}

// Close waits for workers and shuts down all dependencies.
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	done := make(chan struct{})
	go func() {
		d.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.Logger.Warn("timed out waiting for workers to stop")
	}

	var errs error
	if d.Store != nil {
		if err := d.Store.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to close store: %w", err))
		}
	}
	return errs
}

// cacheOrNil converts a typed nil into an untyped nil interface so the
// failover manager's nil checks work.
func cacheOrNil(c *cache.Service) failover.Cache {
	if c == nil {
		return nil
	}
	return c
}

func evaluatorOrNil(e *evaluator.Service) failover.Evaluator {
	if e == nil {
		return nil
	}
	return e
}
