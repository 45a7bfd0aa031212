package repository

import (
	"context"
	"errors"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

// UpdateFunc receives the current fields of a hash (empty when the key does not exist) and
// returns the fields to write. Returning a nil map writes nothing; returning an error aborts the
// update without side effects.
type UpdateFunc func(current map[string]string) (map[string]string, error)

// UpdateOption links more writes to an Update. They commit in the same transaction as the hash
// and only when the update writes it.
type UpdateOption func(*UpdatePlan)

// UpdatePlan is the set of writes linked to one Update
type UpdatePlan struct {
	Members []SetMember
	Indexes []Index
	Ranks   []Rank
}

// SetMember adds Member to the set at Key
type SetMember struct {
	Key    string
	Member string
}

// Index sets the string at Key to Value with the TTL of the updated hash
type Index struct {
	Key   string
	Value string
}

// Rank adds Member to the sorted set at Key. Score is called after the update function returned.
type Rank struct {
	Key    string
	Member string
	Score  func() float64
}

// WithSetMember keeps member in the set at key whenever the hash is written
func WithSetMember(key, member string) UpdateOption {
	return func(p *UpdatePlan) {
		p.Members = append(p.Members, SetMember{Key: key, Member: member})
	}
}

// WithIndex points key at value, sharing the lifetime of the hash
func WithIndex(key, value string) UpdateOption {
	return func(p *UpdatePlan) {
		p.Indexes = append(p.Indexes, Index{Key: key, Value: value})
	}
}

// WithRank keeps member in the sorted set at key with the score known once the hash is built
func WithRank(key, member string, score func() float64) UpdateOption {
	return func(p *UpdatePlan) {
		p.Ranks = append(p.Ranks, Rank{Key: key, Member: member, Score: score})
	}
}

// NewUpdatePlan collects the linked writes of opts
func NewUpdatePlan(opts ...UpdateOption) *UpdatePlan {
	p := &UpdatePlan{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ScoredMember is a sorted set entry
type ScoredMember struct {
	Member string
	Score  float64
}

// Store is the keyed store shared by all memory tiers. It offers the subset of hash, set and
// sorted set operations the tiers need, plus an atomic read-modify-write on a hash.
type Store interface {
	// HGetAll returns all fields of a hash, or an empty map when the key does not exist
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// HSet writes fields to a hash. ttl > 0 (re)sets the key expiry.
	HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error

	// Update runs fn against the current hash and writes its result atomically, together with
	// the linked writes of opts. Concurrent updates of the same key never lose writes.
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc, opts ...UpdateOption) error

	// Delete removes keys and returns how many existed
	Delete(ctx context.Context, keys ...string) (int64, error)

	// Get returns a string value and whether it exists
	Get(ctx context.Context, key string) (string, bool, error)

	// SetNX sets a string value only if the key does not exist yet
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	ZAdd(ctx context.Context, key, member string, score float64) error
	ZRem(ctx context.Context, key string, members ...string) error
	// ZRevRange returns members ordered by score descending, stop is inclusive; -1 means last
	ZRevRange(ctx context.Context, key string, start, stop int64) ([]ScoredMember, error)
	// ZRangeByScore returns members with min <= score <= max ordered by score ascending
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]ScoredMember, error)
	ZCard(ctx context.Context, key string) (int64, error)

	Ping(ctx context.Context) error
}

// ErrNotApplied marks a store failure that happened before any write could reach the store, so
// the operation is safe to retry even when it is not idempotent.
var ErrNotApplied = goerr.New("store operation not applied")

// IsNotApplied reports whether err is known to have left the store untouched
func IsNotApplied(err error) bool {
	return errors.Is(err, ErrNotApplied)
}
