package working

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/threatmem/pkg/config"
	"github.com/m-mizutani/threatmem/pkg/metrics"
	"github.com/m-mizutani/threatmem/pkg/model"
	"github.com/m-mizutani/threatmem/pkg/repository"
	"github.com/m-mizutani/threatmem/pkg/utils/logging"
)

const activeKey = "l1:active"

func threatKey(id model.ThreatID) string {
	return "l1:threat:" + string(id)
}

// Tier is the working memory (L1): threats currently under active analysis, expiring after a
// period without activity.
type Tier struct {
	kv         repository.Store
	ttl        time.Duration
	maxActions int
	now        func() time.Time
	counter    *metrics.TierCounter
}

// Option is a functional option for Tier
type Option func(*Tier)

// WithClock replaces the time source
func WithClock(now func() time.Time) Option {
	return func(t *Tier) {
		t.now = now
	}
}

// New creates a working memory tier on top of kv
func New(kv repository.Store, cfg config.WorkingConfig, opts ...Option) *Tier {
	t := &Tier{
		kv:         kv,
		ttl:        cfg.TTL,
		maxActions: cfg.MaxActions,
		now:        time.Now,
		counter:    metrics.NewTierCounter(model.TierL1),
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

func wrap(err error, op string, id model.ThreatID) error {
	return goerr.Wrap(err, "working memory operation failed",
		goerr.V("tier", model.TierL1),
		goerr.V("op", op),
		goerr.V("threat_id", id))
}

// AddThreat inserts a threat or refreshes an existing one. Re-adding merges metadata, keeps the
// counters and only ever raises the severity. The TTL is restarted either way.
func (x *Tier) AddThreat(ctx context.Context, input model.ThreatInput) (*model.Threat, error) {
	if err := input.Normalize(); err != nil {
		return nil, err
	}

	now := x.now()
	var result *model.Threat
	err := x.kv.Update(ctx, threatKey(input.ThreatID), x.ttl, func(current map[string]string) (map[string]string, error) {
		var t *model.Threat
		if len(current) == 0 {
			t = &model.Threat{
				ID:                input.ThreatID,
				Content:           input.Content,
				Severity:          input.Severity,
				Metadata:          model.NewMetadata(input.Metadata),
				DistinctAnalysts:  []string{},
				CreatedAt:         now,
				LastInteractionAt: now,
			}
		} else {
			existing, err := decode(input.ThreatID, current)
			if err != nil {
				return nil, err
			}
			t = existing
			t.Content = input.Content
			t.Metadata = t.Metadata.Merge(model.NewMetadata(input.Metadata))
			if input.Severity.Rank() > t.Severity.Rank() {
				t.Severity = input.Severity
			}
		}

		t.Rescore()
		if err := t.Validate(); err != nil {
			return nil, err
		}
		result = t
		return encode(t)
	}, repository.WithSetMember(activeKey, string(input.ThreatID)))
	if err != nil {
		x.logViolation(ctx, err, input.ThreatID)
		return nil, wrap(err, "AddThreat", input.ThreatID)
	}

	x.counter.Set()
	return result, nil
}

// GetThreat returns the active threat or ErrNotFound
func (x *Tier) GetThreat(ctx context.Context, id model.ThreatID) (*model.Threat, error) {
	fields, err := x.kv.HGetAll(ctx, threatKey(id))
	if err != nil {
		return nil, wrap(err, "GetThreat", id)
	}
	if len(fields) == 0 {
		x.counter.Miss()
		return nil, wrap(model.ErrNotFound, "GetThreat", id)
	}

	t, err := decode(id, fields)
	if err != nil {
		x.logViolation(ctx, err, id)
		return nil, wrap(err, "GetThreat", id)
	}
	x.counter.Hit()
	return t, nil
}

// RecordInteraction records an analyst action without time tracking
func (x *Tier) RecordInteraction(ctx context.Context, id model.ThreatID, analystID string, actionType model.ActionType) (*model.Threat, error) {
	return x.RecordAction(ctx, id, model.AnalystAction{
		AnalystID:  analystID,
		ActionType: actionType,
	})
}

// RecordAction folds an analyst action into the threat counters as a single atomic update. The
// threat must already exist.
func (x *Tier) RecordAction(ctx context.Context, id model.ThreatID, action model.AnalystAction) (*model.Threat, error) {
	if err := action.Validate(); err != nil {
		return nil, err
	}
	if action.Timestamp.IsZero() {
		action.Timestamp = x.now()
	}

	var result *model.Threat
	err := x.kv.Update(ctx, threatKey(id), x.ttl, func(current map[string]string) (map[string]string, error) {
		if len(current) == 0 {
			return nil, model.ErrNotFound
		}
		t, err := decode(id, current)
		if err != nil {
			return nil, err
		}
		if err := t.Validate(); err != nil {
			return nil, err
		}

		t.InteractionCount++
		if action.ActionType == model.ActionEscalate {
			t.EscalationCount++
		}
		t.AddAnalyst(action.AnalystID)
		if action.Timestamp.After(t.LastInteractionAt) {
			t.LastInteractionAt = action.Timestamp
		}
		t.Actions = append(t.Actions, action)
		if x.maxActions > 0 && len(t.Actions) > x.maxActions {
			t.Actions = slices.Clone(t.Actions[len(t.Actions)-x.maxActions:])
		}
		t.Rescore()

		if err := t.Validate(); err != nil {
			return nil, err
		}
		result = t
		return encode(t)
	}, repository.WithSetMember(activeKey, string(id)))
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			x.counter.Miss()
		}
		x.logViolation(ctx, err, id)
		return nil, wrap(err, "RecordInteraction", id)
	}

	x.counter.Hit()
	x.counter.Set()
	return result, nil
}

// RemoveThreat deletes the threat and reports whether it existed
func (x *Tier) RemoveThreat(ctx context.Context, id model.ThreatID) (bool, error) {
	n, err := x.kv.Delete(ctx, threatKey(id))
	if err != nil {
		return false, wrap(err, "RemoveThreat", id)
	}
	if err := x.kv.SRem(ctx, activeKey, string(id)); err != nil {
		return false, wrap(err, "RemoveThreat", id)
	}
	return n > 0, nil
}

// Warm recreates an L1 entry from a short-term memory snapshot. An existing entry is left as is
// and returned.
func (x *Tier) Warm(ctx context.Context, mem *model.ShortTermMemory) (*model.Threat, error) {
	now := x.now()
	var result *model.Threat
	var created bool
	err := x.kv.Update(ctx, threatKey(mem.ThreatID), x.ttl, func(current map[string]string) (map[string]string, error) {
		if len(current) > 0 {
			existing, err := decode(mem.ThreatID, current)
			if err != nil {
				return nil, err
			}
			result = existing
			return nil, nil
		}

		t := &model.Threat{
			ID:                mem.ThreatID,
			Content:           mem.Content,
			Severity:          mem.Severity,
			Metadata:          mem.Metadata,
			InteractionCount:  mem.InteractionCount,
			EscalationCount:   mem.EscalationCount,
			DistinctAnalysts:  slices.Clone(mem.DistinctAnalysts),
			Actions:           slices.Clone(mem.Actions),
			CreatedAt:         now,
			LastInteractionAt: now,
		}
		if t.DistinctAnalysts == nil {
			t.DistinctAnalysts = []string{}
		}
		slices.Sort(t.DistinctAnalysts)
		if x.maxActions > 0 && len(t.Actions) > x.maxActions {
			t.Actions = t.Actions[len(t.Actions)-x.maxActions:]
		}
		t.Rescore()
		if err := t.Validate(); err != nil {
			return nil, err
		}
		result = t
		created = true
		return encode(t)
	}, repository.WithSetMember(activeKey, string(mem.ThreatID)))
	if err != nil {
		x.logViolation(ctx, err, mem.ThreatID)
		return nil, wrap(err, "Warm", mem.ThreatID)
	}

	if created {
		x.counter.Promotion()
	}
	return result, nil
}

// GetAllActive returns every non-expired threat ordered by id. Ids of expired threats are
// pruned from the active set on the way.
func (x *Tier) GetAllActive(ctx context.Context) ([]*model.Threat, error) {
	ids, err := x.kv.SMembers(ctx, activeKey)
	if err != nil {
		return nil, wrap(err, "GetAllActive", "")
	}
	slices.Sort(ids)

	threats := make([]*model.Threat, 0, len(ids))
	var stale []string
	for _, raw := range ids {
		id := model.ThreatID(raw)
		fields, err := x.kv.HGetAll(ctx, threatKey(id))
		if err != nil {
			return nil, wrap(err, "GetAllActive", id)
		}
		if len(fields) == 0 {
			stale = append(stale, raw)
			continue
		}
		t, err := decode(id, fields)
		if err != nil {
			// one broken record must not hide the rest
			x.logViolation(ctx, err, id)
			continue
		}
		threats = append(threats, t)
	}

	if len(stale) > 0 {
		if err := x.kv.SRem(ctx, activeKey, stale...); err != nil {
			logging.From(ctx).Warn("failed to prune expired threats", "error", err, "count", len(stale))
		}
	}
	return threats, nil
}

// GetHotThreats returns threats with at least minInteractions interactions, highest score first
func (x *Tier) GetHotThreats(ctx context.Context, minInteractions int) ([]*model.Threat, error) {
	all, err := x.GetAllActive(ctx)
	if err != nil {
		return nil, err
	}

	hot := make([]*model.Threat, 0, len(all))
	for _, t := range all {
		if t.InteractionCount >= minInteractions {
			hot = append(hot, t)
		}
	}
	slices.SortStableFunc(hot, func(a, b *model.Threat) int {
		switch {
		case a.ThreatScore > b.ThreatScore:
			return -1
		case a.ThreatScore < b.ThreatScore:
			return 1
		default:
			return strings.Compare(string(a.ID), string(b.ID))
		}
	})
	return hot, nil
}

// CountActive returns the number of non-expired threats
func (x *Tier) CountActive(ctx context.Context) (int, error) {
	all, err := x.GetAllActive(ctx)
	if err != nil {
		return 0, err
	}
	return len(all), nil
}

func (x *Tier) logViolation(ctx context.Context, err error, id model.ThreatID) {
	if errors.Is(err, model.ErrInvariantViolation) {
		logging.From(ctx).Error("threat record violates invariants",
			"error", err,
			"tier", model.TierL1,
			"threat_id", id)
	}
}
