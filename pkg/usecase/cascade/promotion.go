package cascade

import (
	"context"
	"sync/atomic"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/threatmem/pkg/metrics"
	"github.com/m-mizutani/threatmem/pkg/model"
	"github.com/m-mizutani/threatmem/pkg/utils/logging"
	"golang.org/x/sync/errgroup"
)

// PromoteEligible scans the working memory and promotes every eligible threat. Threats that are
// already in short-term memory are refreshed and counted as skipped, so repeated sweeps never
// duplicate records. A failed promotion is counted and logged; it does not stop the sweep.
func (x *Orchestrator) PromoteEligible(ctx context.Context) (*model.PromotionResult, error) {
	active, err := x.working.GetAllActive(ctx)
	if err != nil {
		return nil, err
	}

	var promoted, failed, skipped atomic.Int64
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(max(x.cfg.Sweep.Concurrency, 1))

	for _, threat := range active {
		if !x.shortTerm.Eligible(threat) {
			continue
		}
		g.Go(func() error {
			_, created, err := x.shortTerm.Promote(gCtx, threat)
			switch {
			case err != nil:
				failed.Add(1)
				metrics.SweepRuns.WithLabelValues("failed").Inc()
				logging.From(ctx).Warn("failed to promote threat", "error", err, "threat_id", threat.ID)
			case created:
				promoted.Add(1)
				metrics.SweepRuns.WithLabelValues("promoted").Inc()
			default:
				skipped.Add(1)
				metrics.SweepRuns.WithLabelValues("skipped").Inc()
			}
			return nil
		})
	}
	_ = g.Wait()

	result := &model.PromotionResult{
		Promoted: int(promoted.Load()),
		Failed:   int(failed.Load()),
		Skipped:  int(skipped.Load()),
	}
	if err := ctx.Err(); err != nil {
		return result, goerr.Wrap(err, "promotion sweep interrupted",
			goerr.V("promoted", result.Promoted),
			goerr.V("failed", result.Failed))
	}
	return result, nil
}

// Promote promotes one threat by id. A threat that does not qualify yields a nil memory.
func (x *Orchestrator) Promote(ctx context.Context, id model.ThreatID) (*model.ShortTermMemory, bool, error) {
	threat, err := x.working.GetThreat(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return x.shortTerm.Promote(ctx, threat)
}

func (x *Orchestrator) GetTopThreats(ctx context.Context, limit int) ([]*model.ShortTermMemory, error) {
	return x.shortTerm.GetTopThreats(ctx, limit)
}

func (x *Orchestrator) GetShortTerm(ctx context.Context, id model.MemoryID) (*model.ShortTermMemory, error) {
	return x.shortTerm.Get(ctx, id)
}

func (x *Orchestrator) GetShortTermByThreatID(ctx context.Context, id model.ThreatID) (*model.ShortTermMemory, error) {
	return x.shortTerm.GetByThreatID(ctx, id)
}

func (x *Orchestrator) GetBySeverityRange(ctx context.Context, lo, hi model.Severity) ([]*model.ShortTermMemory, error) {
	return x.shortTerm.GetBySeverityRange(ctx, lo, hi)
}

func (x *Orchestrator) GetByScoreRange(ctx context.Context, minScore float64) ([]*model.ShortTermMemory, error) {
	return x.shortTerm.GetByScoreRange(ctx, minScore)
}

func (x *Orchestrator) ListShortTerm(ctx context.Context) ([]*model.ShortTermMemory, error) {
	return x.shortTerm.List(ctx)
}

func (x *Orchestrator) ListQualified(ctx context.Context, minScore, minConfidence float64) ([]*model.ShortTermMemory, error) {
	return x.shortTerm.ListQualified(ctx, minScore, minConfidence)
}
