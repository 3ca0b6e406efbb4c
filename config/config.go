package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/upb/llm-model-router/models"
	"github.com/upb/llm-model-router/services"
)

// Duration wraps time.Duration so YAML values like "30s" or "5m" parse.
// Plain integers are read as nanoseconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value: %s", value.Value)
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config represents the complete model-management configuration
type Config struct {
	Store       StoreConfig               `yaml:"store"`
	Cache       CacheConfig               `yaml:"cache"`
	RateLimit   RateLimitConfig           `yaml:"rate_limiting"`
	Performance PerformanceConfig         `yaml:"performance"`
	Health      HealthConfig              `yaml:"health_checks"`
	Failover    FailoverConfig            `yaml:"failover"`
	Budget      BudgetConfig              `yaml:"budget"`
	Quality     QualityConfig             `yaml:"quality"`
	Providers   map[string]ProviderConfig `yaml:"providers" validate:"dive"`
	Models      []models.ModelMetadata    `yaml:"models" validate:"min=1,dive"`
}

// StoreConfig holds embedded store configuration
type StoreConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// CacheConfig holds response cache tunables
type CacheConfig struct {
	Enabled     bool     `yaml:"enabled"`
	MaxEntries  int      `yaml:"max_entries" validate:"gt=0"`
	DefaultTTL  Duration `yaml:"default_ttl" validate:"gt=0"`
	SweepPeriod Duration `yaml:"sweep_period"`
}

// RateLimitConfig holds sliding-window tunables. Per-model ceilings live in
// the model catalog; these settings apply to every window.
type RateLimitConfig struct {
	ApproachingThreshold float64  `yaml:"approaching_threshold" validate:"gt=0,lte=1"` // fraction of ceiling, default 0.90
	DefaultWindow        Duration `yaml:"default_window"`
}

// PerformanceConfig holds rolling-window and degradation tunables
type PerformanceConfig struct {
	WindowSize            int      `yaml:"window_size" validate:"gt=0"`
	SuccessRateFloor      float64  `yaml:"success_rate_floor"`
	LatencyCeiling        Duration `yaml:"latency_ceiling"`
	MinConsecutiveSamples int      `yaml:"min_consecutive_samples"`
	Retention             Duration `yaml:"retention"`
}

// HealthConfig holds liveness probe tunables
type HealthConfig struct {
	CheckInterval    Duration `yaml:"check_interval"`
	Timeout          Duration `yaml:"timeout"`
	FailureThreshold int      `yaml:"failure_threshold" validate:"gt=0"`
	MaxBackoff       Duration `yaml:"max_backoff"`
}

// FailoverConfig holds retry/failover tunables
type FailoverConfig struct {
	MaxRetriesPerModel int      `yaml:"max_retries_per_model"`
	MaxAttempts        int      `yaml:"max_attempts" validate:"gt=0"`
	BaseBackoff        Duration `yaml:"base_backoff"`
	MaxBackoff         Duration `yaml:"max_backoff"`
	AlertThreshold     int      `yaml:"alert_threshold"`
	AlertWindow        Duration `yaml:"alert_window"`
}

// BudgetConfig holds the spend ceiling for the current period
type BudgetConfig struct {
	DailyCeiling  float64 `yaml:"daily_ceiling"`
	NearThreshold float64 `yaml:"near_threshold"` // fraction of ceiling, default 0.90
}

// QualityConfig holds response-evaluation tunables
type QualityConfig struct {
	Enabled             bool    `yaml:"enabled"`
	MinQualityScore     float64 `yaml:"min_quality_score"`
	ConsecutiveLowLimit int     `yaml:"consecutive_low_limit"`
}

// ProviderConfig holds per-provider transport settings
type ProviderConfig struct {
	BaseURL          string   `yaml:"base_url"`
	Timeout          Duration `yaml:"timeout" validate:"gte=0"`
	ConcurrencyLimit int      `yaml:"concurrency_limit" validate:"gte=0"`
	QueueSize        int      `yaml:"queue_size" validate:"gte=0"`
}

// Load reads configuration from a YAML file, applying defaults and
// validating the result. A .env file alongside the process is loaded first
// so provider credentials resolve from the environment.
func Load(path string) (*Config, error) {
	// Best effort; credentials may come from the real environment instead
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaults returns a Config populated with default tunables
func defaults() *Config {
	return &Config{
		Store: StoreConfig{
			Path: "model_management.db",
		},
		Cache: CacheConfig{
			Enabled:     true,
			MaxEntries:  10000,
			DefaultTTL:  Duration(time.Hour),
			SweepPeriod: Duration(5 * time.Minute),
		},
		RateLimit: RateLimitConfig{
			ApproachingThreshold: 0.90,
			DefaultWindow:        Duration(time.Minute),
		},
		Performance: PerformanceConfig{
			WindowSize:            100,
			SuccessRateFloor:      0.80,
			LatencyCeiling:        Duration(30 * time.Second),
			MinConsecutiveSamples: 3,
			Retention:             Duration(90 * 24 * time.Hour),
		},
		Health: HealthConfig{
			CheckInterval:    Duration(time.Minute),
			Timeout:          Duration(10 * time.Second),
			FailureThreshold: 3,
			MaxBackoff:       Duration(5 * time.Minute),
		},
		Failover: FailoverConfig{
			MaxRetriesPerModel: 2,
			MaxAttempts:        3,
			BaseBackoff:        Duration(2 * time.Second),
			MaxBackoff:         Duration(30 * time.Second),
			AlertThreshold:     3,
			AlertWindow:        Duration(time.Hour),
		},
		Budget: BudgetConfig{
			DailyCeiling:  0, // disabled unless configured
			NearThreshold: 0.90,
		},
		Quality: QualityConfig{
			Enabled:             false,
			MinQualityScore:     0.6,
			ConsecutiveLowLimit: 3,
		},
		Providers: make(map[string]ProviderConfig),
	}
}

// applyEnvOverrides lets deployment environments override file settings
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MODEL_ROUTER_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("MODEL_ROUTER_DAILY_BUDGET"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Budget.DailyCeiling = f
		}
	}
}

// Validate checks the configuration against the schema tags, reporting
// every offending field, then applies the cross-entry rules the tags
// cannot express: unique model ids and the shared rate-limit window
// default for entries that omit their own.
func (c *Config) Validate() error {
	if err := ValidateStruct(c); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Models))
	for i := range c.Models {
		m := &c.Models[i]
		if seen[m.ID] {
			return services.NewDomainError(services.ErrorTypeValidation,
				fmt.Sprintf("models[%d].id: duplicate model id %q", i, m.ID), nil).
				WithDetail("model_id", m.ID)
		}
		seen[m.ID] = true
		if m.RateLimits.Window == 0 {
			m.RateLimits.Window = c.RateLimit.DefaultWindow.Std()
		}
	}

	return nil
}

// ValidateModel checks one catalog entry against the schema, naming the
// offending fields in the returned error.
func ValidateModel(m *models.ModelMetadata) error {
	return ValidateStruct(m)
}
