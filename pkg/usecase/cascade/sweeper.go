package cascade

import (
	"context"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/threatmem/pkg/utils/logging"
	"github.com/robfig/cron/v3"
)

// cronParser accepts both five-field specs and specs with a leading seconds field, plus
// descriptors such as "@every 5m".
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Sweeper runs PromoteEligible on a cron schedule. A run that is still going when the next one is
// due makes the next one skip.
type Sweeper struct {
	orch     *Orchestrator
	schedule string
	cron     *cron.Cron

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewSweeper validates the schedule and prepares a sweeper. Nothing runs until Start.
func NewSweeper(orch *Orchestrator, schedule string) (*Sweeper, error) {
	if _, err := cronParser.Parse(schedule); err != nil {
		return nil, goerr.Wrap(err, "invalid sweep schedule", goerr.V("schedule", schedule))
	}

	return &Sweeper{
		orch:     orch,
		schedule: schedule,
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
	}, nil
}

// Start schedules the sweep. Runs use a context derived from ctx, so canceling ctx interrupts
// an in-flight sweep.
func (x *Sweeper) Start(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.cancel != nil {
		return goerr.New("sweeper already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if _, err := x.cron.AddFunc(x.schedule, func() { x.RunOnce(runCtx) }); err != nil {
		cancel()
		return goerr.Wrap(err, "failed to schedule sweep", goerr.V("schedule", x.schedule))
	}

	x.cancel = cancel
	x.cron.Start()
	logging.From(ctx).Info("promotion sweeper started", "schedule", x.schedule)
	return nil
}

// Stop cancels an in-flight sweep and waits for it to return or for ctx to expire
func (x *Sweeper) Stop(ctx context.Context) error {
	x.mu.Lock()
	cancel := x.cancel
	x.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	done := x.cron.Stop()
	select {
	case <-done.Done():
		logging.From(ctx).Info("promotion sweeper stopped")
		return nil
	case <-ctx.Done():
		return goerr.Wrap(ctx.Err(), "timed out waiting for the promotion sweep")
	}
}

// RunOnce performs a single sweep and logs its outcome
func (x *Sweeper) RunOnce(ctx context.Context) {
	result, err := x.orch.PromoteEligible(ctx)
	if err != nil {
		logging.From(ctx).Warn("promotion sweep failed", "error", err)
		return
	}
	logging.From(ctx).Info("promotion sweep finished",
		"promoted", result.Promoted,
		"skipped", result.Skipped,
		"failed", result.Failed)
}
