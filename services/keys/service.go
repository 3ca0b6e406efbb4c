// Package keys holds provider credentials and rotates between multiple
// keys per provider to spread load.
package keys

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/upb/llm-model-router/services"
)

// Service manages API keys per provider. Keys come from the environment as
// PROVIDER_API_KEY plus optional PROVIDER_API_KEY_2..N for rotation.
type Service struct {
	mu     sync.Mutex
	keys   map[string][]string
	cursor map[string]int
	logger *zap.Logger
}

// New loads credentials from the environment (and a .env file when
// present). Known providers with zero keys get a startup warning, not an
// error; dispatch for such a provider fails with ErrNoCredentials.
func New(providers []string, logger *zap.Logger) *Service {
	// Best effort; real environment takes precedence per godotenv semantics
	_ = godotenv.Load()

	s := &Service{
		keys:   make(map[string][]string),
		cursor: make(map[string]int),
		logger: logger,
	}

	for _, provider := range providers {
		loaded := loadProviderKeys(provider)
		if len(loaded) == 0 {
			logger.Warn("no API keys configured for provider",
				zap.String("provider", provider))
			continue
		}
		s.keys[provider] = loaded
		logger.Info("loaded provider credentials",
			zap.String("provider", provider),
			zap.Int("keys", len(loaded)))
	}

	return s
}

// loadProviderKeys reads PROVIDER_API_KEY and numbered variants.
func loadProviderKeys(provider string) []string {
	prefix := strings.ToUpper(strings.ReplaceAll(provider, "-", "_"))

	var out []string
	if k := os.Getenv(prefix + "_API_KEY"); k != "" {
		out = append(out, k)
	}
	for i := 2; ; i++ {
		k := os.Getenv(fmt.Sprintf("%s_API_KEY_%d", prefix, i))
		if k == "" {
			break
		}
		out = append(out, k)
	}
	return out
}

// GetKey returns the next key for a provider, rotating round-robin across
// configured keys on each call.
func (s *Service) GetKey(provider string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ks := s.keys[provider]
	if len(ks) == 0 {
		return "", services.NewDomainError(services.ErrorTypeCredentials,
			"no API key configured for provider", nil).WithDetail("provider", provider)
	}

	idx := s.cursor[provider]
	s.cursor[provider] = (idx + 1) % len(ks)
	return ks[idx], nil
}

// AddKey registers an additional key for a provider at runtime.
func (s *Service) AddKey(provider, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[provider] = append(s.keys[provider], key)
}

// KeyCount returns how many keys a provider has.
func (s *Service) KeyCount(provider string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys[provider])
}

// HasCredentials reports whether a provider has at least one key.
func (s *Service) HasCredentials(provider string) bool {
	return s.KeyCount(provider) > 0
}

// Validate returns, per required provider, whether credentials exist.
func (s *Service) Validate(required []string) map[string]bool {
	out := make(map[string]bool, len(required))
	for _, p := range required {
		out[p] = s.HasCredentials(p)
	}
	return out
}
