package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pario-ai/relay/pkg/models"
)

// Config holds all relay configuration.
type Config struct {
	Listen     string           `yaml:"listen"`
	DBPath     string           `yaml:"db_path"`
	Log        LogConfig        `yaml:"log"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Providers  []ProviderConfig `yaml:"providers"`
	Primary    string           `yaml:"primary"`
	Cache      CacheConfig      `yaml:"cache"`
	Health     HealthConfig     `yaml:"health"`
	Admission  AdmissionConfig  `yaml:"admission"`
	Router     RouterConfig     `yaml:"router"`
	Accounting AccountingConfig `yaml:"accounting"`
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // "json" (default) or "console"
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// EmbeddingConfig selects the embedding gateway.
// Type is "openai" (default) or "gemini".
type EmbeddingConfig struct {
	Type      string        `yaml:"type"`
	URL       string        `yaml:"url"`
	APIKey    string        `yaml:"api_key"`
	Model     string        `yaml:"model"`
	CacheSize int           `yaml:"cache_size"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

// ProviderConfig defines an upstream AI completion provider.
// Type is "openai" (default) or "anthropic".
type ProviderConfig struct {
	Name           string              `yaml:"name"`
	URL            string              `yaml:"url"`
	APIKey         string              `yaml:"api_key"`
	Type           string              `yaml:"type"`
	Model          string              `yaml:"model"`
	MaxTokens      int                 `yaml:"max_tokens"`
	Pricing        models.ModelPricing `yaml:"pricing"`
	CostPerRequest float64             `yaml:"cost_per_request"`
	MaxRPS         float64             `yaml:"max_rps"`
}

// CacheConfig controls the similarity cache.
type CacheConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Threshold     float64       `yaml:"threshold"`
	Capacity      int           `yaml:"capacity"`
	MaxAge        time.Duration `yaml:"max_age"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Persist       bool          `yaml:"persist"`
}

// HealthConfig controls circuit breaking and provider ranking.
type HealthConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	CoolDown         time.Duration `yaml:"cool_down"`
	MaxCoolDown      time.Duration `yaml:"max_cool_down"`
	ProbeQuery       string        `yaml:"probe_query"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
	Weights          RankWeights   `yaml:"weights"`
}

// RankWeights weight the composite provider rank.
type RankWeights struct {
	Success float64 `yaml:"success"`
	Latency float64 `yaml:"latency"`
	Cost    float64 `yaml:"cost"`
}

// AdmissionConfig defines per-tier request quotas.
type AdmissionConfig struct {
	DefaultTier string       `yaml:"default_tier"`
	Tiers       []TierConfig `yaml:"tiers"`
}

// TierConfig is the fixed-window quota of one tier.
type TierConfig struct {
	Name   string        `yaml:"name"`
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// RouterConfig controls dispatch retries and timeouts.
type RouterConfig struct {
	MaxFailovers    int           `yaml:"max_failovers"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
	EmbedTimeout    time.Duration `yaml:"embed_timeout"`
}

// AccountingConfig controls the accounting reporter and its ledger.
type AccountingConfig struct {
	BufferSize    int    `yaml:"buffer_size"`
	Persist       bool   `yaml:"persist"`
	RetentionDays int    `yaml:"retention_days"`
	RetentionSpec string `yaml:"retention_schedule"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		DBPath: "relay.db",
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Embedding: EmbeddingConfig{
			Type:      "openai",
			Model:     "text-embedding-3-small",
			CacheSize: 1024,
			CacheTTL:  10 * time.Minute,
		},
		Cache: CacheConfig{
			Enabled:       true,
			Threshold:     0.92,
			Capacity:      10000,
			SweepInterval: time.Minute,
		},
		Health: HealthConfig{
			FailureThreshold: 3,
			CoolDown:         30 * time.Second,
			MaxCoolDown:      5 * time.Minute,
			ProbeQuery:       "ping",
			ProbeTimeout:     10 * time.Second,
			Weights:          RankWeights{Success: 0.5, Latency: 0.25, Cost: 0.25},
		},
		Router: RouterConfig{
			MaxFailovers:    2,
			DispatchTimeout: 30 * time.Second,
			EmbedTimeout:    5 * time.Second,
		},
		Accounting: AccountingConfig{
			BufferSize:    1024,
			RetentionDays: 30,
			RetentionSpec: "@daily",
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every configuration problem found in one error.
func (c *Config) Validate() error {
	var errs []error

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("providers[%d]: name is required", i))
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("providers[%d]: duplicate name %q", i, p.Name))
		}
		seen[p.Name] = true
		switch strings.ToLower(p.Type) {
		case "", "openai", "anthropic":
		default:
			errs = append(errs, fmt.Errorf("provider %q: unsupported type %q", p.Name, p.Type))
		}
	}
	if c.Primary != "" && !seen[c.Primary] {
		errs = append(errs, fmt.Errorf("primary %q is not a configured provider", c.Primary))
	}

	if c.Cache.Threshold <= 0 || c.Cache.Threshold > 1 {
		errs = append(errs, fmt.Errorf("cache.threshold must be in (0,1], got %v", c.Cache.Threshold))
	}
	if c.Cache.Capacity <= 0 {
		errs = append(errs, errors.New("cache.capacity must be positive"))
	}

	if c.Health.FailureThreshold <= 0 {
		errs = append(errs, errors.New("health.failure_threshold must be positive"))
	}
	if c.Health.CoolDown <= 0 {
		errs = append(errs, errors.New("health.cool_down must be positive"))
	}
	if c.Health.MaxCoolDown < c.Health.CoolDown {
		errs = append(errs, errors.New("health.max_cool_down must be >= health.cool_down"))
	}

	tiers := make(map[string]bool, len(c.Admission.Tiers))
	for i, t := range c.Admission.Tiers {
		if t.Name == "" {
			errs = append(errs, fmt.Errorf("admission.tiers[%d]: name is required", i))
			continue
		}
		if t.Limit < 0 {
			errs = append(errs, fmt.Errorf("tier %q: limit must not be negative", t.Name))
		}
		if t.Window <= 0 {
			errs = append(errs, fmt.Errorf("tier %q: window must be positive", t.Name))
		}
		tiers[t.Name] = true
	}
	if c.Admission.DefaultTier != "" && !tiers[c.Admission.DefaultTier] {
		errs = append(errs, fmt.Errorf("admission.default_tier %q is not a configured tier", c.Admission.DefaultTier))
	}

	if c.Router.MaxFailovers < 0 {
		errs = append(errs, errors.New("router.max_failovers must not be negative"))
	}
	if c.Router.DispatchTimeout <= 0 {
		errs = append(errs, errors.New("router.dispatch_timeout must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ProviderByName returns the named provider configuration.
func (c *Config) ProviderByName(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}
