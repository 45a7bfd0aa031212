package resilience_test

import (
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/threatmem/pkg/model"
	"github.com/m-mizutani/threatmem/pkg/resilience"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestBreakerOpensOnFailureRate(t *testing.T) {
	clock := newClock()
	b := resilience.NewBreaker(10*time.Second, 10, 4, 0.5, time.Second, 1,
		resilience.WithBreakerClock(clock.Now))

	// below min samples nothing happens
	for i := 0; i < 3; i++ {
		gt.True(t, b.Allow())
		b.Record(false)
	}
	gt.Equal(t, b.State(), model.BreakerClosed)

	gt.True(t, b.Allow())
	b.Record(false)
	gt.Equal(t, b.State(), model.BreakerOpen)
	gt.False(t, b.Allow())
}

func TestBreakerStaysClosedBelowThreshold(t *testing.T) {
	clock := newClock()
	b := resilience.NewBreaker(10*time.Second, 10, 4, 0.5, time.Second, 1,
		resilience.WithBreakerClock(clock.Now))

	for i := 0; i < 10; i++ {
		gt.True(t, b.Allow())
		b.Record(i%3 != 0)
	}
	gt.Equal(t, b.State(), model.BreakerClosed)
}

func TestBreakerHalfOpenTrial(t *testing.T) {
	clock := newClock()
	var transitions []model.BreakerState
	b := resilience.NewBreaker(10*time.Second, 10, 2, 0.5, time.Second, 1,
		resilience.WithBreakerClock(clock.Now),
		resilience.WithTransitionHook(func(from, to model.BreakerState) {
			transitions = append(transitions, to)
		}))

	for i := 0; i < 2; i++ {
		b.Allow()
		b.Record(false)
	}
	gt.Equal(t, b.State(), model.BreakerOpen)

	t.Run("failed trial reopens", func(t *testing.T) {
		clock.Advance(1100 * time.Millisecond)
		gt.True(t, b.Allow())
		gt.Equal(t, b.State(), model.BreakerHalfOpen)
		// only one trial call at a time
		gt.False(t, b.Allow())
		b.Record(false)
		gt.Equal(t, b.State(), model.BreakerOpen)
		gt.False(t, b.Allow())
	})

	t.Run("successful trial closes", func(t *testing.T) {
		clock.Advance(1100 * time.Millisecond)
		gt.True(t, b.Allow())
		b.Record(true)
		gt.Equal(t, b.State(), model.BreakerClosed)
		gt.True(t, b.Allow())
	})

	gt.Equal(t, transitions, []model.BreakerState{
		model.BreakerOpen,
		model.BreakerHalfOpen,
		model.BreakerOpen,
		model.BreakerHalfOpen,
		model.BreakerClosed,
	})
}

func TestBreakerWindowForgetsOldFailures(t *testing.T) {
	clock := newClock()
	b := resilience.NewBreaker(10*time.Second, 10, 4, 0.5, time.Second, 1,
		resilience.WithBreakerClock(clock.Now))

	for i := 0; i < 3; i++ {
		b.Allow()
		b.Record(false)
	}
	clock.Advance(11 * time.Second)

	// the earlier failures fell out of the window
	b.Allow()
	b.Record(false)
	gt.Equal(t, b.State(), model.BreakerClosed)
}

func TestBreakerReleaseReturnsTrialSlot(t *testing.T) {
	clock := newClock()
	b := resilience.NewBreaker(10*time.Second, 10, 2, 0.5, time.Second, 1,
		resilience.WithBreakerClock(clock.Now))

	for i := 0; i < 2; i++ {
		b.Allow()
		b.Record(false)
	}
	clock.Advance(1100 * time.Millisecond)

	gt.True(t, b.Allow())
	gt.False(t, b.Allow())
	b.Release()
	gt.Equal(t, b.State(), model.BreakerHalfOpen)

	gt.True(t, b.Allow())
	b.Record(true)
	gt.Equal(t, b.State(), model.BreakerClosed)

	// releasing outside half-open changes nothing
	b.Release()
	gt.Equal(t, b.State(), model.BreakerClosed)
	gt.True(t, b.Allow())
}
