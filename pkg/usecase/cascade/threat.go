package cascade

import (
	"context"
	"errors"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/threatmem/pkg/model"
)

func (x *Orchestrator) AddThreat(ctx context.Context, input model.ThreatInput) (*model.Threat, error) {
	return x.working.AddThreat(ctx, input)
}

func (x *Orchestrator) GetThreat(ctx context.Context, id model.ThreatID) (*model.Threat, error) {
	return x.working.GetThreat(ctx, id)
}

func (x *Orchestrator) RecordInteraction(ctx context.Context, id model.ThreatID, analystID string, actionType model.ActionType) (*model.Threat, error) {
	return x.working.RecordInteraction(ctx, id, analystID, actionType)
}

func (x *Orchestrator) RecordAction(ctx context.Context, id model.ThreatID, action model.AnalystAction) (*model.Threat, error) {
	return x.working.RecordAction(ctx, id, action)
}

func (x *Orchestrator) RemoveThreat(ctx context.Context, id model.ThreatID) (bool, error) {
	return x.working.RemoveThreat(ctx, id)
}

func (x *Orchestrator) GetAllActive(ctx context.Context) ([]*model.Threat, error) {
	return x.working.GetAllActive(ctx)
}

func (x *Orchestrator) GetHotThreats(ctx context.Context, minInteractions int) ([]*model.Threat, error) {
	return x.working.GetHotThreats(ctx, minInteractions)
}

func (x *Orchestrator) CountActive(ctx context.Context) (int, error) {
	return x.working.CountActive(ctx)
}

// LookupResult is the outcome of IntelligentGet. Tier names where the record was found; when it
// is L2, Threat is the L1 entry that was recreated from Memory.
type LookupResult struct {
	Tier   string                 `json:"tier"`
	Threat *model.Threat          `json:"threat"`
	Memory *model.ShortTermMemory `json:"short_term_memory,omitempty"`
}

// IntelligentGet looks a threat up in L1, then in L2. A hit in L2 warms L1 back up so the next
// lookup is served from L1.
func (x *Orchestrator) IntelligentGet(ctx context.Context, id model.ThreatID) (*LookupResult, error) {
	threat, err := x.working.GetThreat(ctx, id)
	if err == nil {
		return &LookupResult{Tier: model.TierL1, Threat: threat}, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}

	mem, err := x.shortTerm.GetByThreatID(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, goerr.Wrap(model.ErrNotFound, "threat not found in any tier", goerr.V("threat_id", id))
		}
		return nil, err
	}

	warmed, err := x.working.Warm(ctx, mem)
	if err != nil {
		return nil, err
	}
	x.logger.Debug("threat warmed up from short-term memory", "threat_id", id, "memory_id", mem.ID)
	return &LookupResult{Tier: model.TierL2, Threat: warmed, Memory: mem}, nil
}
