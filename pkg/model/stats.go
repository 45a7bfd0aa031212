package model

import "time"

// TierStats is a snapshot of per-tier operation counters
type TierStats struct {
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	Promotions int64 `json:"promotions"`
	Sets       int64 `json:"sets"`
}

// Stats aggregates record counts and counters across all tiers
type Stats struct {
	TotalActive    int                  `json:"total_active"`
	TotalShortTerm int                  `json:"total_short_term"`
	TotalLongTerm  int                  `json:"total_long_term"`
	PerTier        map[string]TierStats `json:"per_tier"`
}

// PromotionResult summarizes one promotion sweep
type PromotionResult struct {
	Promoted int `json:"promoted"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
}

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// Health reports the state of the store connection as seen by the resilience layer
type Health struct {
	State               BreakerState `json:"state"`
	TotalCalls          int64        `json:"total_calls"`
	TotalFailures       int64        `json:"total_failures"`
	TotalRetries        int64        `json:"total_retries"`
	Rejected            int64        `json:"rejected"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastError           string       `json:"last_error,omitempty"`
	LastFailureAt       *time.Time   `json:"last_failure_at,omitempty"`
}

// Healthy reports whether store calls are currently being attempted
func (h *Health) Healthy() bool {
	return h.State != BreakerOpen
}
