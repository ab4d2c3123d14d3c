// Package config loads and validates the pipeline configuration from YAML.
// Validation runs in full at load time; a stage never starts against an
// invalid configuration.
package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quantfold/factorpipe/internal/domain"
)

// Config is the complete pipeline configuration.
type Config struct {
	Database  DatabaseConfig            `yaml:"database"`
	Redis     RedisConfig               `yaml:"redis"`
	Universe  UniverseConfig            `yaml:"universe"`
	Weights   map[string]float64        `yaml:"weights"`
	Composite CompositeConfig           `yaml:"composite"`
	Stages    map[string]StageConfig    `yaml:"stages"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Artifacts ArtifactsConfig           `yaml:"artifacts"`
	Ops       OpsConfig                 `yaml:"ops"`
}

// DatabaseConfig configures the PostgreSQL connection pool.
type DatabaseConfig struct {
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	QueryTimeoutSec int    `yaml:"query_timeout_secs"`
}

// RedisConfig configures the optional provider response cache.
type RedisConfig struct {
	Addr    string `yaml:"addr"` // empty disables the cache
	DB      int    `yaml:"db"`
	Enabled bool   `yaml:"enabled"`
}

// UniverseConfig bounds the registry sync.
type UniverseConfig struct {
	MinSymbols int `yaml:"min_symbols"` // below this, a sync result is rejected as implausible
}

// CompositeConfig controls composite score assembly and ranking.
type CompositeConfig struct {
	MinCoverage    float64 `yaml:"min_coverage"`     // weighted coverage below this stores a NULL composite
	SectorRelative bool    `yaml:"sector_relative"`  // compute within-sector percentile alongside universe rank
	SectorMinPeers int     `yaml:"sector_min_peers"` // sector rank requires at least this many scored peers
}

// StageConfig carries per-stage orchestration settings. Zero values fall
// back to the stage defaults declared at registration.
type StageConfig struct {
	MaxStalenessHours int     `yaml:"max_staleness_hours"`
	SuccessThreshold  float64 `yaml:"success_threshold"`
	BudgetMinutes     int     `yaml:"budget_minutes"`
	BatchSize         int     `yaml:"batch_size"`
}

// BackoffConfig is exponential backoff for retryable provider failures.
type BackoffConfig struct {
	BaseMS int  `yaml:"base_ms"`
	MaxMS  int  `yaml:"max_ms"`
	Jitter bool `yaml:"jitter"`
}

// CircuitConfig is the per-provider circuit breaker.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold"` // consecutive failures before the circuit opens
	CooldownSecs     int `yaml:"cooldown_secs"`     // open duration before a half-open probe
}

// ProviderConfig bounds access to one external data provider.
type ProviderConfig struct {
	RPS         float64       `yaml:"rps"`
	Burst       int           `yaml:"burst"`
	TimeoutSecs int           `yaml:"timeout_secs"`
	MaxRetries  int           `yaml:"max_retries"`
	TTLSecs     int           `yaml:"ttl_secs"` // cache TTL for fetched records
	Backoff     BackoffConfig `yaml:"backoff"`
	Circuit     CircuitConfig `yaml:"circuit"`
	BaseURL     string        `yaml:"base_url"`
}

// ArtifactsConfig controls run report persistence.
type ArtifactsConfig struct {
	Dir string `yaml:"dir"` // empty disables artifact files
}

// OpsConfig configures the health/metrics HTTP listener.
type OpsConfig struct {
	Addr string `yaml:"addr"` // empty disables the ops server
}

const weightEpsilon = 1e-4

// Load reads, defaults and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with all defaults applied and the
// canonical seven-category weight profile.
func Default() *Config {
	cfg := &Config{
		Weights: map[string]float64{
			string(domain.CategoryMomentum):    0.20,
			string(domain.CategoryValue):       0.20,
			string(domain.CategoryQuality):     0.15,
			string(domain.CategoryGrowth):      0.15,
			string(domain.CategoryPositioning): 0.10,
			string(domain.CategoryRisk):        0.10,
			string(domain.CategorySentiment):   0.10,
		},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 8
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 4
	}
	if c.Database.QueryTimeoutSec == 0 {
		c.Database.QueryTimeoutSec = 30
	}
	if c.Universe.MinSymbols == 0 {
		c.Universe.MinSymbols = 50
	}
	if c.Composite.MinCoverage == 0 {
		c.Composite.MinCoverage = 0.40
	}
	if c.Composite.SectorMinPeers == 0 {
		c.Composite.SectorMinPeers = 5
	}
	if c.Stages == nil {
		c.Stages = map[string]StageConfig{}
	}
	if c.Providers == nil {
		c.Providers = map[string]ProviderConfig{}
	}
	for name, p := range c.Providers {
		if p.RPS == 0 {
			p.RPS = 2
		}
		if p.Burst == 0 {
			p.Burst = 4
		}
		if p.TimeoutSecs == 0 {
			p.TimeoutSecs = 20
		}
		if p.MaxRetries == 0 {
			p.MaxRetries = 3
		}
		if p.Backoff.BaseMS == 0 {
			p.Backoff.BaseMS = 250
		}
		if p.Backoff.MaxMS == 0 {
			p.Backoff.MaxMS = 10_000
		}
		if p.Circuit.FailureThreshold == 0 {
			p.Circuit.FailureThreshold = 5
		}
		if p.Circuit.CooldownSecs == 0 {
			p.Circuit.CooldownSecs = 60
		}
		c.Providers[name] = p
	}
}

// Validate checks the whole configuration; the first violation is returned
// as a ConfigError.
func (c *Config) Validate() error {
	if err := validateWeights(c.Weights); err != nil {
		return err
	}
	if c.Composite.MinCoverage < 0 || c.Composite.MinCoverage > 1 {
		return &domain.ConfigError{Field: "composite.min_coverage", Reason: fmt.Sprintf("must be in [0,1], got %v", c.Composite.MinCoverage)}
	}
	if c.Composite.SectorMinPeers < 2 {
		return &domain.ConfigError{Field: "composite.sector_min_peers", Reason: fmt.Sprintf("must be >= 2, got %d", c.Composite.SectorMinPeers)}
	}
	for name, s := range c.Stages {
		if s.SuccessThreshold < 0 || s.SuccessThreshold > 1 {
			return &domain.ConfigError{Field: "stages." + name + ".success_threshold", Reason: "must be in [0,1]"}
		}
		if s.MaxStalenessHours < 0 {
			return &domain.ConfigError{Field: "stages." + name + ".max_staleness_hours", Reason: "must be >= 0"}
		}
		if s.BatchSize < 0 {
			return &domain.ConfigError{Field: "stages." + name + ".batch_size", Reason: "must be >= 0"}
		}
	}
	for name, p := range c.Providers {
		if p.RPS <= 0 {
			return &domain.ConfigError{Field: "providers." + name + ".rps", Reason: "must be positive"}
		}
		if p.Burst < 1 {
			return &domain.ConfigError{Field: "providers." + name + ".burst", Reason: "must be >= 1"}
		}
		if p.Backoff.MaxMS < p.Backoff.BaseMS {
			return &domain.ConfigError{Field: "providers." + name + ".backoff", Reason: "max_ms must be >= base_ms"}
		}
		if p.Circuit.FailureThreshold < 1 {
			return &domain.ConfigError{Field: "providers." + name + ".circuit.failure_threshold", Reason: "must be >= 1"}
		}
	}
	return nil
}

func validateWeights(weights map[string]float64) error {
	if len(weights) == 0 {
		return &domain.ConfigError{Field: "weights", Reason: "no category weights configured"}
	}
	known := map[string]bool{}
	for _, c := range domain.Categories() {
		known[string(c)] = true
	}
	sum := 0.0
	for name, w := range weights {
		if !known[name] {
			return &domain.ConfigError{Field: "weights." + name, Reason: "unknown category"}
		}
		if w < 0 {
			return &domain.ConfigError{Field: "weights." + name, Reason: fmt.Sprintf("must be >= 0, got %v", w)}
		}
		sum += w
	}
	if math.Abs(sum-1.0) > weightEpsilon {
		return &domain.ConfigError{Field: "weights", Reason: fmt.Sprintf("must sum to 1.0 (±%v), got %v", weightEpsilon, sum)}
	}
	return nil
}

// CategoryWeights converts the validated weight map to typed categories.
func (c *Config) CategoryWeights() map[domain.Category]float64 {
	out := make(map[domain.Category]float64, len(c.Weights))
	for name, w := range c.Weights {
		out[domain.Category(name)] = w
	}
	return out
}

// StageOr returns the stage config merged over the given defaults.
func (c *Config) StageOr(name string, def StageConfig) StageConfig {
	s, ok := c.Stages[name]
	if !ok {
		return def
	}
	if s.MaxStalenessHours == 0 {
		s.MaxStalenessHours = def.MaxStalenessHours
	}
	if s.SuccessThreshold == 0 {
		s.SuccessThreshold = def.SuccessThreshold
	}
	if s.BudgetMinutes == 0 {
		s.BudgetMinutes = def.BudgetMinutes
	}
	if s.BatchSize == 0 {
		s.BatchSize = def.BatchSize
	}
	return s
}

// QueryTimeout returns the database per-query timeout.
func (c *Config) QueryTimeout() time.Duration {
	return time.Duration(c.Database.QueryTimeoutSec) * time.Second
}
