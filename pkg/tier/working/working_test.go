package working_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/threatmem/pkg/config"
	"github.com/m-mizutani/threatmem/pkg/model"
	"github.com/m-mizutani/threatmem/pkg/repository"
	"github.com/m-mizutani/threatmem/pkg/tier/working"
	"github.com/redis/go-redis/v9"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setup(t *testing.T, opts ...func(*config.WorkingConfig)) (*working.Tier, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	cfg := config.Default().Working
	for _, opt := range opts {
		opt(&cfg)
	}
	store := repository.NewMemory(repository.WithClock(clk.Now))
	return working.New(store, cfg, working.WithClock(clk.Now)), clk
}

func addThreat(t *testing.T, tier *working.Tier, id string, sev model.Severity) *model.Threat {
	t.Helper()
	threat, err := tier.AddThreat(context.Background(), model.ThreatInput{
		ThreatID: model.ThreatID(id),
		Content:  "suspicious beacon from " + id,
		Severity: sev,
		Metadata: map[string]string{"source": "edr", "industry": "finance", "campaign": "c-1"},
	})
	gt.NoError(t, err)
	return threat
}

func TestAddAndGetThreat(t *testing.T) {
	ctx := context.Background()
	tier, _ := setup(t)

	added := addThreat(t, tier, "T1", model.SeverityHigh)
	gt.Equal(t, added.ThreatScore, model.ComputeThreatScore(model.SeverityHigh, 0, 0))
	gt.Equal(t, added.Metadata.Source, "edr")
	gt.Equal(t, added.Metadata.Extra["campaign"], "c-1")

	got, err := tier.GetThreat(ctx, "T1")
	gt.NoError(t, err)
	gt.Equal(t, got.ID, model.ThreatID("T1"))
	gt.Equal(t, got.Severity, model.SeverityHigh)
	gt.Equal(t, got.Metadata.Industry, "finance")
	gt.Equal(t, got.InteractionCount, 0)
	gt.A(t, got.DistinctAnalysts).Length(0)

	_, err = tier.GetThreat(ctx, "missing")
	gt.True(t, errors.Is(err, model.ErrNotFound))

	stats := tier.Counter().Snapshot()
	gt.Equal(t, stats.Hits, int64(1))
	gt.Equal(t, stats.Misses, int64(1))
	gt.Equal(t, stats.Sets, int64(1))
}

func TestAddThreatDerivesID(t *testing.T) {
	tier, _ := setup(t)
	input := model.ThreatInput{
		Content:  "dns tunnel to evil.example",
		Severity: "medium",
		Metadata: map[string]string{"source": "ndr"},
	}

	threat, err := tier.AddThreat(context.Background(), input)
	gt.NoError(t, err)
	gt.Equal(t, threat.ID, model.DeriveThreatID("ndr", "dns tunnel to evil.example"))
	gt.Equal(t, threat.Severity, model.SeverityMedium)

	_, err = tier.AddThreat(context.Background(), model.ThreatInput{Content: "x", Severity: "urgent"})
	gt.True(t, errors.Is(err, model.ErrInvalidSeverity))
}

func TestReAddKeepsCounters(t *testing.T) {
	ctx := context.Background()
	tier, _ := setup(t)
	addThreat(t, tier, "T1", model.SeverityHigh)

	_, err := tier.RecordInteraction(ctx, "T1", "alice", model.ActionEscalate)
	gt.NoError(t, err)

	t.Run("severity is raised", func(t *testing.T) {
		threat, err := tier.AddThreat(ctx, model.ThreatInput{
			ThreatID: "T1",
			Content:  "suspicious beacon from T1",
			Severity: model.SeverityCritical,
			Metadata: map[string]string{"host": "web-01"},
		})
		gt.NoError(t, err)
		gt.Equal(t, threat.Severity, model.SeverityCritical)
		gt.Equal(t, threat.EscalationCount, 1)
		gt.Equal(t, threat.Metadata.Source, "edr")
		gt.Equal(t, threat.Metadata.Host, "web-01")
		gt.Equal(t, threat.ThreatScore, model.ComputeThreatScore(model.SeverityCritical, 1, 1))
	})

	t.Run("severity is never lowered", func(t *testing.T) {
		threat, err := tier.AddThreat(ctx, model.ThreatInput{
			ThreatID: "T1",
			Content:  "suspicious beacon from T1",
			Severity: model.SeverityLow,
		})
		gt.NoError(t, err)
		gt.Equal(t, threat.Severity, model.SeverityCritical)
		gt.Equal(t, threat.InteractionCount, 1)
	})

	n, err := tier.CountActive(ctx)
	gt.NoError(t, err)
	gt.Equal(t, n, 1)
}

func TestRecordInteraction(t *testing.T) {
	ctx := context.Background()
	tier, clk := setup(t)
	addThreat(t, tier, "T1", model.SeverityMedium)

	_, err := tier.RecordInteraction(ctx, "T1", "alice", model.ActionView)
	gt.NoError(t, err)
	clk.Advance(time.Minute)
	_, err = tier.RecordInteraction(ctx, "T1", "bob", model.ActionEscalate)
	gt.NoError(t, err)
	threat, err := tier.RecordInteraction(ctx, "T1", "alice", model.ActionEscalate)
	gt.NoError(t, err)

	gt.Equal(t, threat.InteractionCount, 3)
	gt.Equal(t, threat.EscalationCount, 2)
	gt.Equal(t, threat.DistinctAnalysts, []string{"alice", "bob"})
	gt.Equal(t, threat.ThreatScore, model.ComputeThreatScore(model.SeverityMedium, 2, 3))
	gt.Equal(t, threat.LastInteractionAt, clk.Now())
	gt.A(t, threat.Actions).Length(3)

	t.Run("missing threat", func(t *testing.T) {
		_, err := tier.RecordInteraction(ctx, "nope", "alice", model.ActionView)
		gt.True(t, errors.Is(err, model.ErrNotFound))
	})

	t.Run("unknown action", func(t *testing.T) {
		_, err := tier.RecordInteraction(ctx, "T1", "alice", "approve")
		gt.True(t, errors.Is(err, model.ErrInvalidAction))
	})

	t.Run("empty analyst", func(t *testing.T) {
		_, err := tier.RecordInteraction(ctx, "T1", "", model.ActionView)
		gt.True(t, errors.Is(err, model.ErrInvalidInput))
	})
}

func TestActionLogIsBounded(t *testing.T) {
	ctx := context.Background()
	tier, _ := setup(t, func(c *config.WorkingConfig) { c.MaxActions = 3 })
	addThreat(t, tier, "T1", model.SeverityLow)

	var threat *model.Threat
	for i := range 5 {
		var err error
		threat, err = tier.RecordAction(ctx, "T1", model.AnalystAction{
			AnalystID:        fmt.Sprintf("analyst-%d", i),
			ActionType:       model.ActionView,
			TimeSpentSeconds: i * 10,
		})
		gt.NoError(t, err)
	}

	gt.Equal(t, threat.InteractionCount, 5)
	gt.A(t, threat.Actions).Length(3)
	gt.Equal(t, threat.Actions[0].AnalystID, "analyst-2")
	gt.Equal(t, threat.Actions[2].TimeSpentSeconds, 40)
}

func TestExpiry(t *testing.T) {
	ctx := context.Background()
	tier, clk := setup(t)
	addThreat(t, tier, "T1", model.SeverityHigh)
	addThreat(t, tier, "T2", model.SeverityHigh)

	clk.Advance(20 * time.Hour)
	_, err := tier.RecordInteraction(ctx, "T2", "alice", model.ActionView)
	gt.NoError(t, err)

	// T1 idles past its TTL, T2 was kept alive by the interaction
	clk.Advance(5 * time.Hour)
	_, err = tier.GetThreat(ctx, "T1")
	gt.True(t, errors.Is(err, model.ErrNotFound))

	active, err := tier.GetAllActive(ctx)
	gt.NoError(t, err)
	gt.A(t, active).Length(1)
	gt.Equal(t, active[0].ID, model.ThreatID("T2"))
}

func TestRemoveThreat(t *testing.T) {
	ctx := context.Background()
	tier, _ := setup(t)
	addThreat(t, tier, "T1", model.SeverityHigh)

	removed, err := tier.RemoveThreat(ctx, "T1")
	gt.NoError(t, err)
	gt.True(t, removed)

	removed, err = tier.RemoveThreat(ctx, "T1")
	gt.NoError(t, err)
	gt.False(t, removed)

	n, err := tier.CountActive(ctx)
	gt.NoError(t, err)
	gt.Equal(t, n, 0)
}

func TestGetHotThreats(t *testing.T) {
	ctx := context.Background()
	tier, _ := setup(t)
	addThreat(t, tier, "quiet", model.SeverityCritical)
	addThreat(t, tier, "busy-low", model.SeverityLow)
	addThreat(t, tier, "busy-high", model.SeverityHigh)

	for range 3 {
		_, err := tier.RecordInteraction(ctx, "busy-low", "alice", model.ActionView)
		gt.NoError(t, err)
		_, err = tier.RecordInteraction(ctx, "busy-high", "bob", model.ActionView)
		gt.NoError(t, err)
	}

	hot, err := tier.GetHotThreats(ctx, 2)
	gt.NoError(t, err)
	gt.A(t, hot).Length(2)
	gt.Equal(t, hot[0].ID, model.ThreatID("busy-high"))
	gt.Equal(t, hot[1].ID, model.ThreatID("busy-low"))

	all, err := tier.GetHotThreats(ctx, 0)
	gt.NoError(t, err)
	gt.A(t, all).Length(3)
	gt.Equal(t, all[0].ID, model.ThreatID("quiet"))
}

func TestWarm(t *testing.T) {
	ctx := context.Background()
	tier, _ := setup(t)

	mem := &model.ShortTermMemory{
		ID:               "m-1",
		ThreatID:         "T9",
		Content:          "lateral movement",
		Severity:         model.SeverityHigh,
		Metadata:         model.Metadata{Source: "edr"},
		InteractionCount: 6,
		EscalationCount:  3,
		DistinctAnalysts: []string{"bob", "alice"},
		Actions: []model.AnalystAction{
			{AnalystID: "alice", ActionType: model.ActionEscalate, TimeSpentSeconds: 400},
			{AnalystID: "bob", ActionType: model.ActionEscalate, TimeSpentSeconds: 350},
		},
	}
	threat, err := tier.Warm(ctx, mem)
	gt.NoError(t, err)
	gt.Equal(t, threat.EscalationCount, 3)
	gt.Equal(t, threat.DistinctAnalysts, []string{"alice", "bob"})
	gt.Equal(t, threat.ThreatScore, model.ComputeThreatScore(model.SeverityHigh, 3, 6))
	gt.A(t, threat.Actions).Length(2)
	gt.Equal(t, threat.Actions[1].TimeSpentSeconds, 350)

	stored, err := tier.GetThreat(ctx, "T9")
	gt.NoError(t, err)
	gt.A(t, stored.Actions).Length(2)

	_, err = tier.RecordInteraction(ctx, "T9", "carol", model.ActionView)
	gt.NoError(t, err)

	// warming again never overwrites live counters
	again, err := tier.Warm(ctx, mem)
	gt.NoError(t, err)
	gt.Equal(t, again.InteractionCount, 7)
	gt.A(t, again.Actions).Length(3)
	gt.Equal(t, tier.Counter().Snapshot().Promotions, int64(1))
}

func TestWarmTrimsActionLog(t *testing.T) {
	ctx := context.Background()
	tier, _ := setup(t, func(cfg *config.WorkingConfig) { cfg.MaxActions = 2 })

	mem := &model.ShortTermMemory{
		ID:               "m-2",
		ThreatID:         "T10",
		Severity:         model.SeverityLow,
		InteractionCount: 3,
		DistinctAnalysts: []string{"alice"},
		Actions: []model.AnalystAction{
			{AnalystID: "alice", ActionType: model.ActionView},
			{AnalystID: "alice", ActionType: model.ActionDismiss},
			{AnalystID: "alice", ActionType: model.ActionEscalate},
		},
	}
	threat, err := tier.Warm(ctx, mem)
	gt.NoError(t, err)
	gt.A(t, threat.Actions).Length(2)
	gt.Equal(t, threat.Actions[0].ActionType, model.ActionDismiss)
	gt.Equal(t, threat.Actions[1].ActionType, model.ActionEscalate)
}

// setOnlyLinked rejects standalone set writes, so membership can only come from the
// transaction that writes the threat itself
type setOnlyLinked struct {
	*repository.Memory
}

func (s *setOnlyLinked) SAdd(ctx context.Context, key string, members ...string) error {
	return errors.New("standalone SADD is not allowed")
}

func TestActiveMembershipCommitsWithThreat(t *testing.T) {
	ctx := context.Background()
	tier := working.New(&setOnlyLinked{Memory: repository.NewMemory()}, config.Default().Working)

	_, err := tier.AddThreat(ctx, model.ThreatInput{
		ThreatID: "T-add",
		Content:  "beacon",
		Severity: model.SeverityHigh,
	})
	gt.NoError(t, err)

	_, err = tier.Warm(ctx, &model.ShortTermMemory{
		ID:               "m-3",
		ThreatID:         "T-warm",
		Severity:         model.SeverityMedium,
		InteractionCount: 5,
		DistinctAnalysts: []string{"alice", "bob"},
	})
	gt.NoError(t, err)

	active, err := tier.GetAllActive(ctx)
	gt.NoError(t, err)
	gt.A(t, active).Length(2)
	gt.Equal(t, active[0].ID, model.ThreatID("T-add"))
	gt.Equal(t, active[1].ID, model.ThreatID("T-warm"))

	t.Run("canceled add leaves no partial state", func(t *testing.T) {
		canceled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := tier.AddThreat(canceled, model.ThreatInput{
			ThreatID: "T-canceled",
			Content:  "beacon",
			Severity: model.SeverityLow,
		})
		gt.Error(t, err)

		_, err = tier.GetThreat(ctx, "T-canceled")
		gt.True(t, errors.Is(err, model.ErrNotFound))
		n, err := tier.CountActive(ctx)
		gt.NoError(t, err)
		gt.Equal(t, n, 2)
	})
}

func TestConcurrentEscalations(t *testing.T) {
	run := func(t *testing.T, store repository.Store) {
		ctx := context.Background()
		tier := working.New(store, config.Default().Working)
		addThreat(t, tier, "T1", model.SeverityHigh)

		var wg sync.WaitGroup
		errs := make(chan error, 100)
		for i := range 100 {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := tier.RecordInteraction(ctx, "T1", fmt.Sprintf("analyst-%d", i%7), model.ActionEscalate)
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			gt.NoError(t, err)
		}

		threat, err := tier.GetThreat(ctx, "T1")
		gt.NoError(t, err)
		gt.Equal(t, threat.EscalationCount, 100)
		gt.Equal(t, threat.InteractionCount, 100)
		gt.A(t, threat.DistinctAnalysts).Length(7)
		gt.Equal(t, threat.ThreatScore, model.ComputeThreatScore(model.SeverityHigh, 100, 100))
	}

	t.Run("memory", func(t *testing.T) {
		run(t, repository.NewMemory())
	})
	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		run(t, repository.NewRedis(client))
	})
}
