package shortterm

import (
	"cmp"
	"context"
	"errors"
	"math"
	"slices"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/threatmem/pkg/config"
	"github.com/m-mizutani/threatmem/pkg/metrics"
	"github.com/m-mizutani/threatmem/pkg/model"
	"github.com/m-mizutani/threatmem/pkg/repository"
	"github.com/m-mizutani/threatmem/pkg/utils/logging"
)

const topKey = "l2:top"

func memoryKey(id model.MemoryID) string {
	return "l2:memory:" + string(id)
}

func byThreatKey(id model.ThreatID) string {
	return "l2:by_threat:" + string(id)
}

// Tier is the short-term memory (L2): threats that gathered enough analyst corroboration to be
// kept beyond the working memory TTL. Records are indexed by threat id and ranked by score.
type Tier struct {
	kv        repository.Store
	ttl       time.Duration
	promotion config.PromotionConfig
	now       func() time.Time
	counter   *metrics.TierCounter
}

// Option is a functional option for Tier
type Option func(*Tier)

// WithClock replaces the time source
func WithClock(now func() time.Time) Option {
	return func(t *Tier) {
		t.now = now
	}
}

// New creates a short-term memory tier on top of kv
func New(kv repository.Store, cfg config.ShortTermConfig, promotion config.PromotionConfig, opts ...Option) *Tier {
	t := &Tier{
		kv:        kv,
		ttl:       cfg.TTL,
		promotion: promotion,
		now:       time.Now,
		counter:   metrics.NewTierCounter(model.TierL2),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Counter returns the operation counters of the tier
func (x *Tier) Counter() *metrics.TierCounter {
	return x.counter
}

func wrap(err error, op string, kv ...goerr.Option) error {
	opts := append([]goerr.Option{
		goerr.V("tier", model.TierL2),
		goerr.V("op", op),
	}, kv...)
	return goerr.Wrap(err, "short-term memory operation failed", opts...)
}

// Eligible reports whether a threat qualifies for promotion: enough escalations on their own,
// or enough interactions spread over several analysts.
func (x *Tier) Eligible(t *model.Threat) bool {
	if t.EscalationCount >= x.promotion.MinEscalations {
		return true
	}
	return t.InteractionCount >= x.promotion.MinInteractions &&
		len(t.DistinctAnalysts) >= x.promotion.MinAnalysts
}

// Confidence is the provisional confidence of a short-term memory
func Confidence(escalations, analysts int) float64 {
	return min(max(0.5+0.1*float64(escalations)+0.05*float64(analysts), 0), 1)
}

func (x *Tier) snapshot(id model.MemoryID, t *model.Threat, promotedAt time.Time) *model.ShortTermMemory {
	return &model.ShortTermMemory{
		ID:               id,
		ThreatID:         t.ID,
		Confidence:       Confidence(t.EscalationCount, len(t.DistinctAnalysts)),
		Validated:        t.EscalationCount >= x.promotion.MinEscalations,
		Score:            t.ThreatScore,
		Industry:         t.Metadata.Industry,
		Metadata:         t.Metadata,
		Content:          t.Content,
		Severity:         t.Severity,
		InteractionCount: t.InteractionCount,
		EscalationCount:  t.EscalationCount,
		DistinctAnalysts: slices.Clone(t.DistinctAnalysts),
		Actions:          slices.Clone(t.Actions),
		PromotedAt:       promotedAt,
	}
}

// Promote stores an eligible threat as a short-term memory. An ineligible threat is rejected
// with a nil memory and no error. Promotion is idempotent per threat id: promoting an already
// promoted threat refreshes confidence, validation and the lifetime of the existing record and
// reports created as false. Score and snapshot keep their values from the first promotion.
func (x *Tier) Promote(ctx context.Context, t *model.Threat) (mem *model.ShortTermMemory, created bool, err error) {
	if !x.Eligible(t) {
		return nil, false, nil
	}

	id, err := x.claim(ctx, t.ID)
	if err != nil {
		return nil, false, wrap(err, "Promote", goerr.V("threat_id", t.ID))
	}

	now := x.now()
	// the index and the rank share the transaction and the lifetime of the record, so the index
	// never outlives or expires before the record it points to
	err = x.kv.Update(ctx, memoryKey(id), x.ttl, func(current map[string]string) (map[string]string, error) {
		if len(current) == 0 {
			mem = x.snapshot(id, t, now)
			created = true
			return encode(mem)
		}

		prev, err := decode(id, current)
		if err != nil {
			return nil, err
		}
		prev.Confidence = Confidence(t.EscalationCount, len(t.DistinctAnalysts))
		prev.Validated = t.EscalationCount >= x.promotion.MinEscalations
		mem = prev
		created = false
		return encode(mem)
	},
		repository.WithIndex(byThreatKey(t.ID), string(id)),
		repository.WithRank(topKey, string(id), func() float64 { return mem.Score }),
	)
	if err != nil {
		return nil, false, wrap(err, "Promote", goerr.V("threat_id", t.ID), goerr.V("memory_id", id))
	}

	if created {
		x.counter.Promotion()
		logging.From(ctx).Info("threat promoted to short-term memory",
			"threat_id", t.ID,
			"memory_id", id,
			"confidence", mem.Confidence,
			"validated", mem.Validated)
	}
	x.counter.Set()
	return mem, created, nil
}

// claim returns the memory id reserved for the threat, reserving a new one when the threat was
// never promoted. Concurrent promotions of one threat all end up with the same id.
func (x *Tier) claim(ctx context.Context, threatID model.ThreatID) (model.MemoryID, error) {
	for range 2 {
		id := model.NewMemoryID()
		claimed, err := x.kv.SetNX(ctx, byThreatKey(threatID), string(id), x.ttl)
		if err != nil {
			return "", err
		}
		if claimed {
			return id, nil
		}

		existing, found, err := x.kv.Get(ctx, byThreatKey(threatID))
		if err != nil {
			return "", err
		}
		if found {
			return model.MemoryID(existing), nil
		}
		// the index expired between the two calls
	}
	return "", goerr.Wrap(model.ErrStoreUnavailable, "promotion index is unstable", goerr.V("threat_id", threatID))
}

// load reads one record. A missing record yields nil without error.
func (x *Tier) load(ctx context.Context, id model.MemoryID) (*model.ShortTermMemory, error) {
	fields, err := x.kv.HGetAll(ctx, memoryKey(id))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return decode(id, fields)
}

// Get returns a short-term memory by its id
func (x *Tier) Get(ctx context.Context, id model.MemoryID) (*model.ShortTermMemory, error) {
	mem, err := x.load(ctx, id)
	if err != nil {
		return nil, wrap(err, "Get", goerr.V("memory_id", id))
	}
	if mem == nil {
		x.counter.Miss()
		return nil, wrap(model.ErrNotFound, "Get", goerr.V("memory_id", id))
	}
	x.counter.Hit()
	return mem, nil
}

// GetByThreatID returns the short-term memory promoted from the given threat
func (x *Tier) GetByThreatID(ctx context.Context, threatID model.ThreatID) (*model.ShortTermMemory, error) {
	id, found, err := x.kv.Get(ctx, byThreatKey(threatID))
	if err != nil {
		return nil, wrap(err, "GetByThreatID", goerr.V("threat_id", threatID))
	}
	if !found {
		x.counter.Miss()
		return nil, wrap(model.ErrNotFound, "GetByThreatID", goerr.V("threat_id", threatID))
	}

	mem, err := x.load(ctx, model.MemoryID(id))
	if err != nil {
		return nil, wrap(err, "GetByThreatID", goerr.V("threat_id", threatID))
	}
	if mem == nil {
		x.counter.Miss()
		return nil, wrap(model.ErrNotFound, "GetByThreatID", goerr.V("threat_id", threatID))
	}
	x.counter.Hit()
	return mem, nil
}

// loadMembers resolves ranked ids into records, dropping and pruning ids whose record expired.
func (x *Tier) loadMembers(ctx context.Context, members []repository.ScoredMember) ([]*model.ShortTermMemory, error) {
	memories := make([]*model.ShortTermMemory, 0, len(members))
	var stale []string
	for _, m := range members {
		mem, err := x.load(ctx, model.MemoryID(m.Member))
		if err != nil {
			if errors.Is(err, model.ErrInvariantViolation) {
				logging.From(ctx).Error("short-term memory violates invariants", "error", err, "memory_id", m.Member)
				continue
			}
			return nil, err
		}
		if mem == nil {
			stale = append(stale, m.Member)
			continue
		}
		memories = append(memories, mem)
	}

	if len(stale) > 0 {
		if err := x.kv.ZRem(ctx, topKey, stale...); err != nil {
			logging.From(ctx).Warn("failed to prune expired short-term memories", "error", err, "count", len(stale))
		}
	}

	sortByRank(memories)
	return memories, nil
}

// sortByRank orders by score descending, newest promotion first on ties
func sortByRank(memories []*model.ShortTermMemory) {
	slices.SortStableFunc(memories, func(a, b *model.ShortTermMemory) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		if c := b.PromotedAt.Compare(a.PromotedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// GetTopThreats returns up to limit memories ordered by score descending, most recently
// promoted first among equal scores.
func (x *Tier) GetTopThreats(ctx context.Context, limit int) ([]*model.ShortTermMemory, error) {
	if limit <= 0 {
		return []*model.ShortTermMemory{}, nil
	}

	memories, pruned, err := x.topThreats(ctx, limit)
	if err != nil {
		return nil, wrap(err, "GetTopThreats")
	}
	if pruned && len(memories) < limit {
		// expired entries were dropped from the head; rank once more on the cleaned index
		if memories, _, err = x.topThreats(ctx, limit); err != nil {
			return nil, wrap(err, "GetTopThreats")
		}
	}
	return memories, nil
}

func (x *Tier) topThreats(ctx context.Context, limit int) ([]*model.ShortTermMemory, bool, error) {
	head, err := x.kv.ZRevRange(ctx, topKey, 0, int64(limit-1))
	if err != nil {
		return nil, false, err
	}
	if len(head) == 0 {
		return []*model.ShortTermMemory{}, false, nil
	}

	// the store orders equal scores by member, not by promotion time, so every member tied
	// with the lowest score of the head has to be considered
	floor := head[len(head)-1].Score
	members, err := x.kv.ZRangeByScore(ctx, topKey, floor, math.Inf(1))
	if err != nil {
		return nil, false, err
	}

	memories, err := x.loadMembers(ctx, members)
	if err != nil {
		return nil, false, err
	}
	pruned := len(memories) < len(members)
	if len(memories) > limit {
		memories = memories[:limit]
	}
	return memories, pruned, nil
}

// GetByScoreRange returns memories scoring at least minScore, best first
func (x *Tier) GetByScoreRange(ctx context.Context, minScore float64) ([]*model.ShortTermMemory, error) {
	members, err := x.kv.ZRangeByScore(ctx, topKey, minScore, math.Inf(1))
	if err != nil {
		return nil, wrap(err, "GetByScoreRange")
	}
	memories, err := x.loadMembers(ctx, members)
	if err != nil {
		return nil, wrap(err, "GetByScoreRange")
	}
	return memories, nil
}

// GetBySeverityRange returns memories whose severity lies within [lo, hi], best first
func (x *Tier) GetBySeverityRange(ctx context.Context, lo, hi model.Severity) ([]*model.ShortTermMemory, error) {
	if err := lo.Validate(); err != nil {
		return nil, err
	}
	if err := hi.Validate(); err != nil {
		return nil, err
	}

	all, err := x.List(ctx)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(all, func(m *model.ShortTermMemory) bool {
		return m.Severity.Rank() < lo.Rank() || m.Severity.Rank() > hi.Rank()
	}), nil
}

// List returns every live short-term memory, best first
func (x *Tier) List(ctx context.Context) ([]*model.ShortTermMemory, error) {
	members, err := x.kv.ZRevRange(ctx, topKey, 0, -1)
	if err != nil {
		return nil, wrap(err, "List")
	}
	memories, err := x.loadMembers(ctx, members)
	if err != nil {
		return nil, wrap(err, "List")
	}
	return memories, nil
}

// ListQualified returns memories meeting both the score and the confidence floor
func (x *Tier) ListQualified(ctx context.Context, minScore, minConfidence float64) ([]*model.ShortTermMemory, error) {
	candidates, err := x.GetByScoreRange(ctx, minScore)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(candidates, func(m *model.ShortTermMemory) bool {
		return m.Confidence < minConfidence
	}), nil
}

// Count returns the number of live short-term memories
func (x *Tier) Count(ctx context.Context) (int, error) {
	all, err := x.List(ctx)
	if err != nil {
		return 0, err
	}
	return len(all), nil
}
