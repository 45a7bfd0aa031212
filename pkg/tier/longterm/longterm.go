package longterm

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strconv"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/threatmem/pkg/config"
	"github.com/m-mizutani/threatmem/pkg/metrics"
	"github.com/m-mizutani/threatmem/pkg/model"
	"github.com/m-mizutani/threatmem/pkg/repository"
	"github.com/m-mizutani/threatmem/pkg/utils/logging"
)

func memoryKey(id model.MemoryID) string {
	return "l3:memory:" + string(id)
}

func byTypeKey(t model.MemoryType) string {
	return "l3:by_type:" + string(t)
}

// Tier is the long-term memory (L3). Records are append-only and never expire.
type Tier struct {
	kv      repository.Store
	cfg     config.FormationConfig
	now     func() time.Time
	counter *metrics.TierCounter
}

// Option is a functional option for Tier
type Option func(*Tier)

// WithClock replaces the time source
func WithClock(now func() time.Time) Option {
	return func(t *Tier) {
		t.now = now
	}
}

// New creates a long-term memory tier on top of kv
func New(kv repository.Store, cfg config.FormationConfig, opts ...Option) *Tier {
	t := &Tier{
		kv:      kv,
		cfg:     cfg,
		now:     time.Now,
		counter: metrics.NewTierCounter(model.TierL3),
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
		goerr.V("tier", model.TierL3),
		goerr.V("op", op),
	}, kv...)
	return goerr.Wrap(err, "long-term memory operation failed", opts...)
}

// EvaluateFormation applies the configured formation criteria to the evidence
func (x *Tier) EvaluateFormation(ev *model.Evidence) *model.FormationDecision {
	return Evaluate(x.cfg, ev)
}

// FormLongTermMemory persists a positive decision. A negative decision fails with
// ErrInvalidFormation and writes nothing.
func (x *Tier) FormLongTermMemory(ctx context.Context, decision *model.FormationDecision, ev *model.Evidence) (*model.LongTermMemory, error) {
	if ev == nil {
		return nil, wrap(model.ErrInvalidInput, "FormLongTermMemory", goerr.V("reason", "no evidence"))
	}
	if decision == nil || !decision.ShouldForm {
		reason := "no decision"
		if decision != nil {
			reason = decision.Reason
		}
		return nil, wrap(model.ErrInvalidFormation, "FormLongTermMemory",
			goerr.V("threat_id", ev.ThreatID),
			goerr.V("reason", reason))
	}
	if err := decision.MemoryType.Validate(); err != nil {
		return nil, wrap(err, "FormLongTermMemory", goerr.V("threat_id", ev.ThreatID))
	}

	mem := &model.LongTermMemory{
		ID:                  model.NewMemoryID(),
		MemoryType:          decision.MemoryType,
		Confidence:          decision.Confidence,
		SupportingThreatIDs: supportingThreats(ev),
		Industry:            ev.Industry,
		Reason:              decision.Reason,
		FormedAt:            x.now(),
	}
	fields, err := encode(mem)
	if err != nil {
		return nil, wrap(err, "FormLongTermMemory", goerr.V("threat_id", ev.ThreatID))
	}

	err = x.kv.Update(ctx, memoryKey(mem.ID), 0, func(current map[string]string) (map[string]string, error) {
		if len(current) > 0 {
			return nil, goerr.Wrap(model.ErrInvariantViolation, "long-term memory id already taken")
		}
		return fields, nil
	}, repository.WithSetMember(byTypeKey(mem.MemoryType), string(mem.ID)))
	if err != nil {
		return nil, wrap(err, "FormLongTermMemory", goerr.V("memory_id", mem.ID))
	}

	x.counter.Promotion()
	x.counter.Set()
	logging.From(ctx).Info("long-term memory formed",
		"memory_id", mem.ID,
		"memory_type", mem.MemoryType,
		"threat_id", ev.ThreatID,
		"confidence", mem.Confidence)
	return mem, nil
}

// Get returns a long-term memory by id
func (x *Tier) Get(ctx context.Context, id model.MemoryID) (*model.LongTermMemory, error) {
	fields, err := x.kv.HGetAll(ctx, memoryKey(id))
	if err != nil {
		return nil, wrap(err, "Get", goerr.V("memory_id", id))
	}
	if len(fields) == 0 {
		x.counter.Miss()
		return nil, wrap(model.ErrNotFound, "Get", goerr.V("memory_id", id))
	}
	mem, err := decode(id, fields)
	if err != nil {
		return nil, wrap(err, "Get", goerr.V("memory_id", id))
	}
	x.counter.Hit()
	return mem, nil
}

// ListByType returns the memories of one type, newest first
func (x *Tier) ListByType(ctx context.Context, memoryType model.MemoryType) ([]*model.LongTermMemory, error) {
	if err := memoryType.Validate(); err != nil {
		return nil, err
	}
	memories, err := x.listType(ctx, memoryType)
	if err != nil {
		return nil, wrap(err, "ListByType", goerr.V("memory_type", memoryType))
	}
	sortNewest(memories)
	return memories, nil
}

// List returns every long-term memory, newest first
func (x *Tier) List(ctx context.Context) ([]*model.LongTermMemory, error) {
	var all []*model.LongTermMemory
	for _, mt := range model.MemoryTypes {
		memories, err := x.listType(ctx, mt)
		if err != nil {
			return nil, wrap(err, "List", goerr.V("memory_type", mt))
		}
		all = append(all, memories...)
	}
	sortNewest(all)
	return all, nil
}

// Count returns the number of long-term memories
func (x *Tier) Count(ctx context.Context) (int, error) {
	total := 0
	for _, mt := range model.MemoryTypes {
		ids, err := x.kv.SMembers(ctx, byTypeKey(mt))
		if err != nil {
			return 0, wrap(err, "Count", goerr.V("memory_type", mt))
		}
		total += len(ids)
	}
	return total, nil
}

func (x *Tier) listType(ctx context.Context, mt model.MemoryType) ([]*model.LongTermMemory, error) {
	ids, err := x.kv.SMembers(ctx, byTypeKey(mt))
	if err != nil {
		return nil, err
	}

	memories := make([]*model.LongTermMemory, 0, len(ids))
	for _, raw := range ids {
		id := model.MemoryID(raw)
		fields, err := x.kv.HGetAll(ctx, memoryKey(id))
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			continue
		}
		mem, err := decode(id, fields)
		if err != nil {
			if errors.Is(err, model.ErrInvariantViolation) {
				logging.From(ctx).Error("long-term memory violates invariants", "error", err, "memory_id", id)
				continue
			}
			return nil, err
		}
		memories = append(memories, mem)
	}
	return memories, nil
}

func sortNewest(memories []*model.LongTermMemory) {
	slices.SortStableFunc(memories, func(a, b *model.LongTermMemory) int {
		if c := b.FormedAt.Compare(a.FormedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

func encode(m *model.LongTermMemory) (map[string]string, error) {
	supporting, err := json.Marshal(m.SupportingThreatIDs)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal supporting threats", goerr.V("memory_id", m.ID))
	}
	return map[string]string{
		"memory_type":           string(m.MemoryType),
		"confidence":            strconv.FormatFloat(m.Confidence, 'f', -1, 64),
		"supporting_threat_ids": string(supporting),
		"industry":              m.Industry,
		"reason":                m.Reason,
		"formed_at":             m.FormedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

func decode(id model.MemoryID, fields map[string]string) (*model.LongTermMemory, error) {
	bad := func(field string, err error) error {
		return goerr.Wrap(model.ErrInvariantViolation, "malformed long-term memory field",
			goerr.V("memory_id", id),
			goerr.V("field", field),
			goerr.V("cause", err.Error()))
	}

	m := &model.LongTermMemory{
		ID:         id,
		MemoryType: model.MemoryType(fields["memory_type"]),
		Industry:   fields["industry"],
		Reason:     fields["reason"],
	}
	if err := m.MemoryType.Validate(); err != nil {
		return nil, bad("memory_type", err)
	}

	var err error
	if m.Confidence, err = strconv.ParseFloat(fields["confidence"], 64); err != nil {
		return nil, bad("confidence", err)
	}
	if m.FormedAt, err = time.Parse(time.RFC3339Nano, fields["formed_at"]); err != nil {
		return nil, bad("formed_at", err)
	}
	if err := json.Unmarshal([]byte(fields["supporting_threat_ids"]), &m.SupportingThreatIDs); err != nil {
		return nil, bad("supporting_threat_ids", err)
	}
	return m, nil
}
