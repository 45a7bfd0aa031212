package config

import (
	"bytes"
	"os"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/threatmem/pkg/model"
	"gopkg.in/yaml.v3"
)

// Config holds the tunables of the threat memory cache. Thresholds are defaults, not
// contracts; deployments override them from a YAML file.
type Config struct {
	Working    WorkingConfig    `yaml:"working"`
	ShortTerm  ShortTermConfig  `yaml:"short_term"`
	Promotion  PromotionConfig  `yaml:"promotion"`
	Formation  FormationConfig  `yaml:"formation"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Sweep      SweepConfig      `yaml:"sweep"`
}

type WorkingConfig struct {
	// TTL is how long a threat stays in working memory without new activity
	TTL time.Duration `yaml:"ttl"`
	// MaxActions bounds the per-threat analyst action log
	MaxActions int `yaml:"max_actions"`
}

type ShortTermConfig struct {
	// TTL of short-term memories; zero keeps them forever
	TTL time.Duration `yaml:"ttl"`
}

type PromotionConfig struct {
	MinEscalations  int `yaml:"min_escalations"`
	MinInteractions int `yaml:"min_interactions"`
	MinAnalysts     int `yaml:"min_analysts"`
}

type FormationConfig struct {
	RequiredSeverity      model.Severity `yaml:"required_severity"`
	MinEvidenceConfidence float64        `yaml:"min_evidence_confidence"`
	MinSources            int            `yaml:"min_sources"`
	MinQualifyingAnalysts int            `yaml:"min_qualifying_analysts"`
	MinTimeSpentSeconds   int            `yaml:"min_time_spent_seconds"`

	// memory type signals
	CampaignMinSpan      time.Duration `yaml:"campaign_min_span"`
	SessionGap           time.Duration `yaml:"session_gap"`
	MinEvolutionSessions int           `yaml:"min_evolution_sessions"`
	MinPatternMatches    int           `yaml:"min_pattern_matches"`
}

type ResilienceConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	BaseBackoff    time.Duration `yaml:"base_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	Window         time.Duration `yaml:"window"`
	Buckets        int           `yaml:"buckets"`
	MinSamples     int           `yaml:"min_samples"`
	FailureRate    float64       `yaml:"failure_rate"`
	CoolDown       time.Duration `yaml:"cool_down"`
	HalfOpenProbes int           `yaml:"half_open_probes"`
}

type SweepConfig struct {
	// Schedule is a robfig/cron spec, e.g. "@every 5m"
	Schedule    string `yaml:"schedule"`
	Concurrency int    `yaml:"concurrency"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Working: WorkingConfig{
			TTL:        24 * time.Hour,
			MaxActions: 256,
		},
		ShortTerm: ShortTermConfig{
			TTL: 30 * 24 * time.Hour,
		},
		Promotion: PromotionConfig{
			MinEscalations:  3,
			MinInteractions: 5,
			MinAnalysts:     2,
		},
		Formation: FormationConfig{
			RequiredSeverity:      model.SeverityCritical,
			MinEvidenceConfidence: 1.0,
			MinSources:            6,
			MinQualifyingAnalysts: 5,
			MinTimeSpentSeconds:   300,
			CampaignMinSpan:       24 * time.Hour,
			SessionGap:            30 * time.Minute,
			MinEvolutionSessions:  2,
			MinPatternMatches:     2,
		},
		Resilience: ResilienceConfig{
			MaxAttempts:    3,
			BaseBackoff:    50 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			CallTimeout:    2 * time.Second,
			Window:         30 * time.Second,
			Buckets:        10,
			MinSamples:     10,
			FailureRate:    0.5,
			CoolDown:       10 * time.Second,
			HalfOpenProbes: 1,
		},
		Sweep: SweepConfig{
			Schedule:    "@every 5m",
			Concurrency: 8,
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read config file", goerr.V("path", path))
	}

	if err := Parse(data, cfg); err != nil {
		return nil, goerr.Wrap(err, "failed to load config file", goerr.V("path", path))
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, keeping values of fields absent from data, and validates the
// result.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return goerr.Wrap(err, "failed to decode config")
	}
	return cfg.Validate()
}

// Validate rejects configurations the tiers cannot run with
func (c *Config) Validate() error {
	if c.Working.TTL <= 0 {
		return goerr.New("working.ttl must be positive", goerr.V("ttl", c.Working.TTL))
	}
	if c.Working.MaxActions < 0 {
		return goerr.New("working.max_actions must not be negative", goerr.V("max_actions", c.Working.MaxActions))
	}
	if c.ShortTerm.TTL < 0 {
		return goerr.New("short_term.ttl must not be negative", goerr.V("ttl", c.ShortTerm.TTL))
	}
	if c.Promotion.MinEscalations <= 0 || c.Promotion.MinInteractions <= 0 || c.Promotion.MinAnalysts <= 0 {
		return goerr.New("promotion thresholds must be positive", goerr.V("promotion", c.Promotion))
	}
	if err := c.Formation.RequiredSeverity.Validate(); err != nil {
		return goerr.Wrap(err, "invalid formation.required_severity")
	}
	if c.Formation.MinEvidenceConfidence < 0 || c.Formation.MinEvidenceConfidence > 1 {
		return goerr.New("formation.min_evidence_confidence must be within [0, 1]",
			goerr.V("min_evidence_confidence", c.Formation.MinEvidenceConfidence))
	}
	if c.Formation.MinSources <= 0 || c.Formation.MinQualifyingAnalysts <= 0 {
		return goerr.New("formation thresholds must be positive", goerr.V("formation", c.Formation))
	}
	if c.Resilience.MaxAttempts <= 0 {
		return goerr.New("resilience.max_attempts must be positive", goerr.V("max_attempts", c.Resilience.MaxAttempts))
	}
	if c.Resilience.FailureRate <= 0 || c.Resilience.FailureRate > 1 {
		return goerr.New("resilience.failure_rate must be within (0, 1]", goerr.V("failure_rate", c.Resilience.FailureRate))
	}
	if c.Resilience.Window <= 0 || c.Resilience.Buckets <= 0 {
		return goerr.New("resilience window and buckets must be positive")
	}
	if c.Resilience.HalfOpenProbes <= 0 {
		return goerr.New("resilience.half_open_probes must be positive")
	}
	if c.Sweep.Schedule == "" {
		return goerr.New("sweep.schedule is required")
	}
	if c.Sweep.Concurrency <= 0 {
		return goerr.New("sweep.concurrency must be positive", goerr.V("concurrency", c.Sweep.Concurrency))
	}
	return nil
}
