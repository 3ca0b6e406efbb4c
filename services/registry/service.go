// Package registry maintains the catalog of known models: static metadata
// loaded from configuration plus runtime additions and updates.
package registry

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/upb/llm-model-router/config"
	"github.com/upb/llm-model-router/models"
	"github.com/upb/llm-model-router/services"
)

// Service is the model catalog. Reads are concurrent; mutation locks only
// long enough to swap the affected entry.
type Service struct {
	mu     sync.RWMutex
	models map[string]models.ModelMetadata
	logger *zap.Logger
}

// New creates a registry populated from the given catalog entries.
// Invalid entries are rejected with a field-level error rather than
// silently dropped.
func New(catalog []models.ModelMetadata, logger *zap.Logger) (*Service, error) {
	s := &Service{
		models: make(map[string]models.ModelMetadata, len(catalog)),
		logger: logger,
	}

	for i := range catalog {
		m := catalog[i]
		if err := config.ValidateModel(&m); err != nil {
			return nil, services.NewDomainError(services.ErrorTypeValidation,
				"invalid model catalog entry", err).WithDetail("model_id", m.ID)
		}
		s.models[m.ID] = m
	}

	logger.Info("model registry loaded", zap.Int("models", len(s.models)))
	return s, nil
}

// GetModel returns the metadata for one model id.
func (s *Service) GetModel(id string) (models.ModelMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.models[id]
	if !ok {
		return models.ModelMetadata{}, services.NewDomainError(services.ErrorTypeNotFound,
			"model not found in registry", nil).WithDetail("model_id", id)
	}
	return m, nil
}

// ListModels returns every catalog entry ordered by id. Deterministic
// ordering keeps selection reproducible.
func (s *Service) ListModels() []models.ModelMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLocked(func(models.ModelMetadata) bool { return true })
}

// GetModelsByCapability returns enabled models declaring the capability,
// ordered by id.
func (s *Service) GetModelsByCapability(capability string) []models.ModelMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLocked(func(m models.ModelMetadata) bool {
		return m.HasCapability(capability)
	})
}

// GetModelsByCostRange returns models whose average per-1k cost falls in
// [min, max], ordered by id.
func (s *Service) GetModelsByCostRange(min, max float64) []models.ModelMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLocked(func(m models.ModelMetadata) bool {
		avg := m.AverageCostPer1K()
		return avg >= min && avg <= max
	})
}

// AddModel registers a new model at runtime.
func (s *Service) AddModel(m models.ModelMetadata) error {
	if err := config.ValidateModel(&m); err != nil {
		return services.NewDomainError(services.ErrorTypeValidation,
			"invalid model metadata", err).WithDetail("model_id", m.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.models[m.ID]; exists {
		return services.NewDomainError(services.ErrorTypeValidation,
			"model already registered", nil).WithDetail("model_id", m.ID)
	}

	s.models[m.ID] = m
	s.logger.Info("model added to registry",
		zap.String("model_id", m.ID),
		zap.String("provider", m.Provider))
	return nil
}

// UpdateModel replaces the metadata for an existing model.
func (s *Service) UpdateModel(id string, m models.ModelMetadata) error {
	if err := config.ValidateModel(&m); err != nil {
		return services.NewDomainError(services.ErrorTypeValidation,
			"invalid model metadata", err).WithDetail("model_id", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.models[id]; !exists {
		return services.NewDomainError(services.ErrorTypeNotFound,
			"model not found in registry", nil).WithDetail("model_id", id)
	}

	m.ID = id
	s.models[id] = m
	s.logger.Info("model updated in registry", zap.String("model_id", id))
	return nil
}

// ReplaceAll swaps the full catalog in one step; used by config hot reload.
// The incoming catalog has already been validated by config.Load.
func (s *Service) ReplaceAll(catalog []models.ModelMetadata) {
	next := make(map[string]models.ModelMetadata, len(catalog))
	for i := range catalog {
		next[catalog[i].ID] = catalog[i]
	}

	s.mu.Lock()
	s.models = next
	s.mu.Unlock()

	s.logger.Info("model registry replaced", zap.Int("models", len(catalog)))
}

// Providers returns the distinct provider ids referenced by the catalog,
// sorted for determinism.
func (s *Service) Providers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := make(map[string]bool)
	for _, m := range s.models {
		set[m.Provider] = true
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (s *Service) sortedLocked(keep func(models.ModelMetadata) bool) []models.ModelMetadata {
	out := make([]models.ModelMetadata, 0, len(s.models))
	for _, m := range s.models {
		if keep(m) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
