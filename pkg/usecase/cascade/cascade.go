package cascade

import (
	"log/slog"
	"time"

	"github.com/m-mizutani/threatmem/pkg/config"
	"github.com/m-mizutani/threatmem/pkg/model"
	"github.com/m-mizutani/threatmem/pkg/repository"
	"github.com/m-mizutani/threatmem/pkg/resilience"
	"github.com/m-mizutani/threatmem/pkg/tier/longterm"
	"github.com/m-mizutani/threatmem/pkg/tier/shortterm"
	"github.com/m-mizutani/threatmem/pkg/tier/working"
	"github.com/m-mizutani/threatmem/pkg/utils/logging"
)

// Orchestrator routes reads and writes across the three memory tiers. Every store call of every
// tier goes through one resilience guard owned by the orchestrator.
type Orchestrator struct {
	cfg       *config.Config
	logger    *slog.Logger
	now       func() time.Time
	guardOpts []resilience.Option

	guard     *resilience.Guard
	working   *working.Tier
	shortTerm *shortterm.Tier
	longTerm  *longterm.Tier
}

// Option is a functional option for Orchestrator
type Option func(*Orchestrator)

// WithConfig sets the tunables. config.Default() is used otherwise.
func WithConfig(cfg *config.Config) Option {
	return func(o *Orchestrator) {
		o.cfg = cfg
	}
}

// WithLogger sets the logger used for background work and breaker transitions
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithClock replaces the time source of every tier
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithName labels the instance in metrics, so several orchestrators in one process stay apart
func WithName(name string) Option {
	return func(o *Orchestrator) {
		o.guardOpts = append(o.guardOpts, resilience.WithName(name))
	}
}

// WithResilienceOptions passes options through to the resilience guard
func WithResilienceOptions(opts ...resilience.Option) Option {
	return func(o *Orchestrator) {
		o.guardOpts = append(o.guardOpts, opts...)
	}
}

// New creates an Orchestrator on top of the shared store
func New(store repository.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:    config.Default(),
		logger: logging.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	guardOpts := append([]resilience.Option{
		resilience.WithLogger(o.logger),
		resilience.WithClock(o.now),
	}, o.guardOpts...)
	o.guard = resilience.New(store, o.cfg.Resilience, guardOpts...)

	o.working = working.New(o.guard, o.cfg.Working, working.WithClock(o.now))
	o.shortTerm = shortterm.New(o.guard, o.cfg.ShortTerm, o.cfg.Promotion, shortterm.WithClock(o.now))
	o.longTerm = longterm.New(o.guard, o.cfg.Formation, longterm.WithClock(o.now))
	return o
}

// Config returns the tunables in effect
func (x *Orchestrator) Config() *config.Config {
	return x.cfg
}

// GetHealth reports the store connection state as seen by the resilience guard
func (x *Orchestrator) GetHealth() model.Health {
	return x.guard.Health()
}
