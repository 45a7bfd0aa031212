package shortterm_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/threatmem/pkg/config"
	"github.com/m-mizutani/threatmem/pkg/model"
	"github.com/m-mizutani/threatmem/pkg/repository"
	"github.com/m-mizutani/threatmem/pkg/tier/shortterm"
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

func setup(t *testing.T) (*shortterm.Tier, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	cfg := config.Default()
	store := repository.NewMemory(repository.WithClock(clk.Now))
	return shortterm.New(store, cfg.ShortTerm, cfg.Promotion, shortterm.WithClock(clk.Now)), clk
}

func newThreat(id string, sev model.Severity, inter, esc int, analysts ...string) *model.Threat {
	t := &model.Threat{
		ID:               model.ThreatID(id),
		Content:          "content of " + id,
		Severity:         sev,
		Metadata:         model.Metadata{Source: "edr", Industry: "energy"},
		InteractionCount: inter,
		EscalationCount:  esc,
		DistinctAnalysts: analysts,
	}
	t.Rescore()
	return t
}

func TestEligible(t *testing.T) {
	tier, _ := setup(t)

	testCases := []struct {
		name   string
		threat *model.Threat
		expect bool
	}{
		{"three escalations", newThreat("a", model.SeverityLow, 3, 3, "alice"), true},
		{"two escalations", newThreat("b", model.SeverityLow, 2, 2, "alice"), false},
		{"five views from two analysts", newThreat("c", model.SeverityLow, 5, 0, "alice", "bob"), true},
		{"five views from one analyst", newThreat("d", model.SeverityLow, 5, 0, "alice"), false},
		{"four views from two analysts", newThreat("e", model.SeverityLow, 4, 0, "alice", "bob"), false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			gt.Equal(t, tier.Eligible(tc.threat), tc.expect)
		})
	}
}

func TestConfidence(t *testing.T) {
	gt.Equal(t, shortterm.Confidence(0, 2), 0.6)
	gt.Equal(t, shortterm.Confidence(3, 0), 0.8)
	gt.Equal(t, shortterm.Confidence(10, 10), 1.0)
}

func TestPromote(t *testing.T) {
	ctx := context.Background()
	tier, clk := setup(t)

	t.Run("rejects ineligible threat", func(t *testing.T) {
		mem, created, err := tier.Promote(ctx, newThreat("T0", model.SeverityHigh, 1, 1, "alice"))
		gt.NoError(t, err)
		gt.True(t, mem == nil)
		gt.False(t, created)
	})

	threat := newThreat("T1", model.SeverityHigh, 5, 0, "alice", "bob")
	mem, created, err := tier.Promote(ctx, threat)
	gt.NoError(t, err)
	gt.True(t, created)
	gt.Equal(t, mem.ThreatID, model.ThreatID("T1"))
	gt.False(t, mem.Validated)
	gt.Equal(t, mem.Confidence, shortterm.Confidence(0, 2))
	gt.Equal(t, mem.Score, threat.ThreatScore)
	gt.Equal(t, mem.Industry, "energy")
	gt.Equal(t, mem.PromotedAt, clk.Now())

	t.Run("second promotion refreshes the same record", func(t *testing.T) {
		clk.Advance(time.Minute)
		updated := newThreat("T1", model.SeverityCritical, 8, 3, "alice", "bob", "carol")
		again, created, err := tier.Promote(ctx, updated)
		gt.NoError(t, err)
		gt.False(t, created)
		gt.Equal(t, again.ID, mem.ID)
		gt.True(t, again.Validated)
		gt.Equal(t, again.Confidence, shortterm.Confidence(3, 3))
		gt.Equal(t, again.PromotedAt, mem.PromotedAt)

		// score and snapshot stay as first promoted
		gt.Equal(t, again.Score, mem.Score)
		gt.Equal(t, again.Severity, model.SeverityHigh)
		gt.Equal(t, again.EscalationCount, 0)
		gt.Equal(t, again.InteractionCount, 5)

		n, err := tier.Count(ctx)
		gt.NoError(t, err)
		gt.Equal(t, n, 1)
	})

	got, err := tier.GetByThreatID(ctx, "T1")
	gt.NoError(t, err)
	gt.Equal(t, got.ID, mem.ID)
	gt.True(t, got.Validated)
	gt.Equal(t, got.Score, mem.Score)
	gt.Equal(t, got.DistinctAnalysts, []string{"alice", "bob"})

	top, err := tier.GetTopThreats(ctx, 1)
	gt.NoError(t, err)
	gt.A(t, top).Length(1)
	gt.Equal(t, top[0].Score, mem.Score)

	byID, err := tier.Get(ctx, mem.ID)
	gt.NoError(t, err)
	gt.Equal(t, byID.ThreatID, model.ThreatID("T1"))

	_, err = tier.GetByThreatID(ctx, "T0")
	gt.True(t, errors.Is(err, model.ErrNotFound))
	_, err = tier.Get(ctx, "no-such-memory")
	gt.True(t, errors.Is(err, model.ErrNotFound))

	gt.Equal(t, tier.Counter().Snapshot().Promotions, int64(1))
}

func TestConcurrentPromotion(t *testing.T) {
	ctx := context.Background()
	tier, _ := setup(t)
	threat := newThreat("T1", model.SeverityCritical, 4, 4, "alice")

	type outcome struct {
		created bool
		err     error
	}
	var wg sync.WaitGroup
	results := make(chan outcome, 20)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := tier.Promote(ctx, threat)
			results <- outcome{created: created, err: err}
		}()
	}
	wg.Wait()
	close(results)

	created := 0
	for r := range results {
		gt.NoError(t, r.err)
		if r.created {
			created++
		}
	}
	gt.Equal(t, created, 1)
	n, err := tier.Count(ctx)
	gt.NoError(t, err)
	gt.Equal(t, n, 1)
}

func TestGetTopThreats(t *testing.T) {
	ctx := context.Background()
	tier, clk := setup(t)

	promote := func(th *model.Threat) *model.ShortTermMemory {
		mem, created, err := tier.Promote(ctx, th)
		gt.NoError(t, err)
		gt.True(t, created)
		clk.Advance(time.Second)
		return mem
	}

	low := promote(newThreat("low", model.SeverityLow, 3, 3, "alice"))
	older := promote(newThreat("tie-older", model.SeverityHigh, 3, 3, "alice"))
	newer := promote(newThreat("tie-newer", model.SeverityHigh, 3, 3, "bob"))
	top := promote(newThreat("critical", model.SeverityCritical, 3, 3, "carol"))

	result, err := tier.GetTopThreats(ctx, 2)
	gt.NoError(t, err)
	gt.A(t, result).Length(2)
	gt.Equal(t, result[0].ID, top.ID)
	gt.Equal(t, result[1].ID, newer.ID)

	result, err = tier.GetTopThreats(ctx, 10)
	gt.NoError(t, err)
	gt.A(t, result).Length(4)
	gt.Equal(t, result[2].ID, older.ID)
	gt.Equal(t, result[3].ID, low.ID)

	result, err = tier.GetTopThreats(ctx, 0)
	gt.NoError(t, err)
	gt.A(t, result).Length(0)
}

func TestRangeQueries(t *testing.T) {
	ctx := context.Background()
	tier, _ := setup(t)

	for _, th := range []*model.Threat{
		newThreat("low", model.SeverityLow, 3, 3, "alice"),
		newThreat("medium", model.SeverityMedium, 5, 0, "alice", "bob"),
		newThreat("high", model.SeverityHigh, 3, 3, "alice"),
		newThreat("critical", model.SeverityCritical, 6, 5, "alice", "bob"),
	} {
		_, _, err := tier.Promote(ctx, th)
		gt.NoError(t, err)
	}

	t.Run("by severity", func(t *testing.T) {
		result, err := tier.GetBySeverityRange(ctx, model.SeverityMedium, model.SeverityHigh)
		gt.NoError(t, err)
		gt.A(t, result).Length(2)
		gt.Equal(t, result[0].ThreatID, model.ThreatID("high"))
		gt.Equal(t, result[1].ThreatID, model.ThreatID("medium"))

		_, err = tier.GetBySeverityRange(ctx, "bogus", model.SeverityHigh)
		gt.True(t, errors.Is(err, model.ErrInvalidSeverity))
	})

	t.Run("by score", func(t *testing.T) {
		floor := model.ComputeThreatScore(model.SeverityHigh, 3, 3)
		result, err := tier.GetByScoreRange(ctx, floor)
		gt.NoError(t, err)
		gt.A(t, result).Length(2)
		gt.Equal(t, result[0].ThreatID, model.ThreatID("critical"))
	})

	t.Run("qualified", func(t *testing.T) {
		result, err := tier.ListQualified(ctx, 0, 0.9)
		gt.NoError(t, err)
		gt.A(t, result).Length(1)
		gt.Equal(t, result[0].ThreatID, model.ThreatID("critical"))
	})
}

func TestExpiredMemoriesArePruned(t *testing.T) {
	ctx := context.Background()
	tier, clk := setup(t)

	_, _, err := tier.Promote(ctx, newThreat("old", model.SeverityCritical, 3, 3, "alice"))
	gt.NoError(t, err)
	clk.Advance(20 * 24 * time.Hour)
	_, _, err = tier.Promote(ctx, newThreat("new", model.SeverityLow, 3, 3, "alice"))
	gt.NoError(t, err)

	clk.Advance(11 * 24 * time.Hour)
	result, err := tier.GetTopThreats(ctx, 1)
	gt.NoError(t, err)
	gt.A(t, result).Length(1)
	gt.Equal(t, result[0].ThreatID, model.ThreatID("new"))

	_, err = tier.GetByThreatID(ctx, "old")
	gt.True(t, errors.Is(err, model.ErrNotFound))
}

func TestPromoteKeepsOneRecordBeyondTTL(t *testing.T) {
	ctx := context.Background()
	tier, clk := setup(t)
	ttl := config.Default().ShortTerm.TTL

	threat := newThreat("T-long", model.SeverityHigh, 3, 3, "alice")
	first, created, err := tier.Promote(ctx, threat)
	gt.NoError(t, err)
	gt.True(t, created)

	// keep the threat active for twice the short-term lifetime
	for elapsed := time.Duration(0); elapsed < 2*ttl; elapsed += 12 * time.Hour {
		clk.Advance(12 * time.Hour)
		threat.InteractionCount++
		threat.Rescore()

		mem, created, err := tier.Promote(ctx, threat)
		gt.NoError(t, err)
		gt.False(t, created)
		gt.Equal(t, mem.ID, first.ID)
	}

	n, err := tier.Count(ctx)
	gt.NoError(t, err)
	gt.Equal(t, n, 1)

	got, err := tier.GetByThreatID(ctx, "T-long")
	gt.NoError(t, err)
	gt.Equal(t, got.ID, first.ID)
	gt.Equal(t, tier.Counter().Snapshot().Promotions, int64(1))

	t.Run("record and index expire together", func(t *testing.T) {
		clk.Advance(ttl + time.Second)
		_, err := tier.GetByThreatID(ctx, "T-long")
		gt.True(t, errors.Is(err, model.ErrNotFound))

		mem, created, err := tier.Promote(ctx, threat)
		gt.NoError(t, err)
		gt.True(t, created)
		gt.NotEqual(t, mem.ID, first.ID)

		n, err := tier.Count(ctx)
		gt.NoError(t, err)
		gt.Equal(t, n, 1)
	})
}

func TestPromoteKeepsActionLog(t *testing.T) {
	ctx := context.Background()
	tier, clk := setup(t)

	threat := newThreat("T-log", model.SeverityCritical, 3, 3, "alice", "bob", "carol")
	for _, analyst := range threat.DistinctAnalysts {
		threat.Actions = append(threat.Actions, model.AnalystAction{
			AnalystID:        analyst,
			ActionType:       model.ActionEscalate,
			TimeSpentSeconds: 300,
			Timestamp:        clk.Now(),
		})
	}

	_, _, err := tier.Promote(ctx, threat)
	gt.NoError(t, err)

	got, err := tier.GetByThreatID(ctx, "T-log")
	gt.NoError(t, err)
	gt.A(t, got.Actions).Length(3)
	gt.Equal(t, got.Actions[0].AnalystID, "alice")
	gt.Equal(t, got.Actions[2].ActionType, model.ActionEscalate)
	gt.Equal(t, got.Actions[1].TimeSpentSeconds, 300)
	gt.True(t, got.Actions[0].Timestamp.Equal(clk.Now()))
}
