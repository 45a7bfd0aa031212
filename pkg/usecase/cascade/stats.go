package cascade

import (
	"context"

	"github.com/m-mizutani/threatmem/pkg/model"
)

// GetStats returns record counts of every tier together with the operation counters kept since
// the orchestrator was created.
func (x *Orchestrator) GetStats(ctx context.Context) (*model.Stats, error) {
	active, err := x.working.CountActive(ctx)
	if err != nil {
		return nil, err
	}
	shortTerm, err := x.shortTerm.Count(ctx)
	if err != nil {
		return nil, err
	}
	longTerm, err := x.longTerm.Count(ctx)
	if err != nil {
		return nil, err
	}

	return &model.Stats{
		TotalActive:    active,
		TotalShortTerm: shortTerm,
		TotalLongTerm:  longTerm,
		PerTier: map[string]model.TierStats{
			model.TierL1: x.working.Counter().Snapshot(),
			model.TierL2: x.shortTerm.Counter().Snapshot(),
			model.TierL3: x.longTerm.Counter().Snapshot(),
		},
	}, nil
}
