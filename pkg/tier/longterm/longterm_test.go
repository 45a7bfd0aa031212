package longterm_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/threatmem/pkg/config"
	"github.com/m-mizutani/threatmem/pkg/model"
	"github.com/m-mizutani/threatmem/pkg/repository"
	"github.com/m-mizutani/threatmem/pkg/tier/longterm"
)

func TestFormLongTermMemory(t *testing.T) {
	ctx := context.Background()
	now := base
	tier := longterm.New(repository.NewMemory(), config.Default().Formation,
		longterm.WithClock(func() time.Time { return now }))

	ev := strongEvidence()
	ev.RelatedThreats = []model.RelatedThreat{
		{ThreatID: "T3", ObservedAt: base.Add(-30 * time.Hour)},
		{ThreatID: "T2", ObservedAt: base.Add(-40 * time.Hour)},
	}
	decision := tier.EvaluateFormation(ev)
	gt.True(t, decision.ShouldForm)

	mem, err := tier.FormLongTermMemory(ctx, decision, ev)
	gt.NoError(t, err)
	gt.Equal(t, mem.MemoryType, model.MemoryTypeCampaign)
	gt.Equal(t, mem.SupportingThreatIDs, []model.ThreatID{"T1", "T2", "T3"})
	gt.Equal(t, mem.Industry, "finance")
	gt.Equal(t, mem.Reason, decision.Reason)

	got, err := tier.Get(ctx, mem.ID)
	gt.NoError(t, err)
	gt.Equal(t, got, mem)

	now = now.Add(time.Hour)
	second, err := tier.FormLongTermMemory(ctx, tier.EvaluateFormation(strongEvidence()), strongEvidence())
	gt.NoError(t, err)
	gt.NotEqual(t, second.ID, mem.ID)

	all, err := tier.List(ctx)
	gt.NoError(t, err)
	gt.A(t, all).Length(2)
	gt.Equal(t, all[0].ID, second.ID)

	campaigns, err := tier.ListByType(ctx, model.MemoryTypeCampaign)
	gt.NoError(t, err)
	gt.A(t, campaigns).Length(1)

	_, err = tier.ListByType(ctx, "rumor")
	gt.True(t, errors.Is(err, model.ErrInvalidInput))

	n, err := tier.Count(ctx)
	gt.NoError(t, err)
	gt.Equal(t, n, 2)
	gt.Equal(t, tier.Counter().Snapshot().Promotions, int64(2))
}

func TestFormLongTermMemoryRejectsNegativeDecision(t *testing.T) {
	ctx := context.Background()
	tier := longterm.New(repository.NewMemory(), config.Default().Formation)

	ev := strongEvidence()
	ev.Severity = model.SeverityHigh
	decision := tier.EvaluateFormation(ev)
	gt.False(t, decision.ShouldForm)

	_, err := tier.FormLongTermMemory(ctx, decision, ev)
	gt.True(t, errors.Is(err, model.ErrInvalidFormation))

	_, err = tier.FormLongTermMemory(ctx, nil, ev)
	gt.True(t, errors.Is(err, model.ErrInvalidFormation))

	n, err := tier.Count(ctx)
	gt.NoError(t, err)
	gt.Equal(t, n, 0)

	_, err = tier.Get(ctx, "missing")
	gt.True(t, errors.Is(err, model.ErrNotFound))
}
