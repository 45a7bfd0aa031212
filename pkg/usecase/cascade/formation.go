package cascade

import (
	"context"
	"slices"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/threatmem/pkg/model"
)

// FormationResult is the decision taken for a piece of evidence and, when it was positive, the
// memory that was persisted.
type FormationResult struct {
	Decision *model.FormationDecision `json:"decision"`
	Memory   *model.LongTermMemory    `json:"memory,omitempty"`
}

func (x *Orchestrator) EvaluateFormation(ev *model.Evidence) *model.FormationDecision {
	return x.longTerm.EvaluateFormation(ev)
}

func (x *Orchestrator) FormLongTermMemory(ctx context.Context, decision *model.FormationDecision, ev *model.Evidence) (*model.LongTermMemory, error) {
	return x.longTerm.FormLongTermMemory(ctx, decision, ev)
}

// Form evaluates a raw evidence bundle and persists a long-term memory when the decision is
// positive. A negative decision is returned without error.
func (x *Orchestrator) Form(ctx context.Context, ev *model.Evidence) (*FormationResult, error) {
	if ev == nil {
		return nil, goerr.Wrap(model.ErrInvalidInput, "evidence is required")
	}
	if ev.Severity != "" {
		sev, err := model.ParseSeverity(string(ev.Severity))
		if err != nil {
			return nil, err
		}
		ev.Severity = sev
	}

	decision := x.longTerm.EvaluateFormation(ev)
	result := &FormationResult{Decision: decision}
	if !decision.ShouldForm {
		x.logger.Debug("formation declined", "threat_id", ev.ThreatID, "reason", decision.Reason)
		return result, nil
	}

	mem, err := x.longTerm.FormLongTermMemory(ctx, decision, ev)
	if err != nil {
		return nil, err
	}
	result.Memory = mem
	return result, nil
}

// FormFromThreat is the last step of the ladder: the threat must have been promoted to short-term
// memory, and its cached action log plus the caller's corroboration make up the evidence.
func (x *Orchestrator) FormFromThreat(ctx context.Context, id model.ThreatID, input model.EvidenceInput) (*FormationResult, error) {
	if _, err := x.shortTerm.GetByThreatID(ctx, id); err != nil {
		return nil, goerr.Wrap(err, "threat has not been promoted to short-term memory", goerr.V("threat_id", id))
	}

	found, err := x.IntelligentGet(ctx, id)
	if err != nil {
		return nil, err
	}
	threat := found.Threat

	sources := slices.Clone(input.Sources)
	if threat.Metadata.Source != "" {
		sources = append(sources, threat.Metadata.Source)
	}

	return x.Form(ctx, &model.Evidence{
		ThreatID:           threat.ID,
		Severity:           threat.Severity,
		Industry:           threat.Metadata.Industry,
		EvidenceConfidence: input.EvidenceConfidence,
		Sources:            sources,
		RelatedThreats:     input.RelatedThreats,
		SignatureMatches:   input.SignatureMatches,
		Actions:            threat.Actions,
	})
}

func (x *Orchestrator) GetLongTerm(ctx context.Context, id model.MemoryID) (*model.LongTermMemory, error) {
	return x.longTerm.Get(ctx, id)
}

// ListLongTerm lists long-term memories of one type, or of every type when memoryType is empty
func (x *Orchestrator) ListLongTerm(ctx context.Context, memoryType model.MemoryType) ([]*model.LongTermMemory, error) {
	if memoryType == "" {
		return x.longTerm.List(ctx)
	}
	return x.longTerm.ListByType(ctx, memoryType)
}

func (x *Orchestrator) CountLongTerm(ctx context.Context) (int, error) {
	return x.longTerm.Count(ctx)
}
