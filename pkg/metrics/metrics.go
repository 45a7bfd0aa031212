package metrics

import (
	"sync/atomic"

	"github.com/m-mizutani/threatmem/pkg/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TierOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatmem_tier_operations_total",
			Help: "Tier operations by outcome (hit, miss, set, promotion)",
		},
		[]string{"tier", "outcome"},
	)

	StoreCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatmem_store_calls_total",
			Help: "Backing store calls by operation and result",
		},
		[]string{"op", "result"},
	)

	StoreRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threatmem_store_retries_total",
			Help: "Backing store call retries",
		},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "threatmem_breaker_state",
			Help: "Circuit breaker state per store guard (0 closed, 1 half-open, 2 open)",
		},
		[]string{"instance"},
	)

	SweepRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatmem_promotion_sweep_threats_total",
			Help: "Threats handled by promotion sweeps by outcome",
		},
		[]string{"outcome"},
	)
)

// TierCounter keeps per-instance counters of one tier and mirrors every increment to the
// process-wide Prometheus collectors.
type TierCounter struct {
	tier       string
	hits       atomic.Int64
	misses     atomic.Int64
	promotions atomic.Int64
	sets       atomic.Int64
}

// NewTierCounter creates a counter for the named tier
func NewTierCounter(tier string) *TierCounter {
	return &TierCounter{tier: tier}
}

func (c *TierCounter) Hit() {
	c.hits.Add(1)
	TierOperations.WithLabelValues(c.tier, "hit").Inc()
}

func (c *TierCounter) Miss() {
	c.misses.Add(1)
	TierOperations.WithLabelValues(c.tier, "miss").Inc()
}

func (c *TierCounter) Promotion() {
	c.promotions.Add(1)
	TierOperations.WithLabelValues(c.tier, "promotion").Inc()
}

func (c *TierCounter) Set() {
	c.sets.Add(1)
	TierOperations.WithLabelValues(c.tier, "set").Inc()
}

// Snapshot returns the current counter values
func (c *TierCounter) Snapshot() model.TierStats {
	return model.TierStats{
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Promotions: c.promotions.Load(),
		Sets:       c.sets.Load(),
	}
}

// SetBreakerState publishes the breaker state gauge of one guard instance
func SetBreakerState(instance string, state model.BreakerState) {
	gauge := BreakerState.WithLabelValues(instance)
	switch state {
	case model.BreakerClosed:
		gauge.Set(0)
	case model.BreakerHalfOpen:
		gauge.Set(1)
	case model.BreakerOpen:
		gauge.Set(2)
	}
}
