package resilience

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/threatmem/pkg/config"
	"github.com/m-mizutani/threatmem/pkg/metrics"
	"github.com/m-mizutani/threatmem/pkg/model"
	"github.com/m-mizutani/threatmem/pkg/repository"
	"github.com/m-mizutani/threatmem/pkg/utils/logging"
)

// Guard decorates a repository.Store with per-call timeouts, bounded retries with exponential
// backoff and a circuit breaker. Transient failures are retried locally; callers only see
// model.ErrStoreUnavailable once retries are exhausted or while the circuit is open.
//
// Update is only retried when the failed attempt is known not to have reached the store, so a
// counter increment is never applied twice.
type Guard struct {
	name    string
	store   repository.Store
	cfg     config.ResilienceConfig
	breaker *Breaker
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time

	calls       atomic.Int64
	failures    atomic.Int64
	retries     atomic.Int64
	rejected    atomic.Int64
	consecutive atomic.Int64

	lastMu        sync.Mutex
	lastError     string
	lastFailureAt time.Time
}

var _ repository.Store = (*Guard)(nil)

// Option is a functional option for Guard
type Option func(*Guard)

// WithLogger sets the logger used for breaker transitions
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) {
		g.logger = logger
	}
}

// WithClock replaces the clock of the guard and its breaker
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		g.now = now
	}
}

// WithName labels the metrics of this guard. A unique name is generated otherwise.
func WithName(name string) Option {
	return func(g *Guard) {
		g.name = name
	}
}

// WithSleep replaces the backoff sleeper
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(g *Guard) {
		g.sleep = sleep
	}
}

// New wraps store with the given resilience settings
func New(store repository.Store, cfg config.ResilienceConfig, opts ...Option) *Guard {
	g := &Guard{
		name:   uuid.NewString(),
		store:  store,
		cfg:    cfg,
		logger: logging.Default(),
		sleep:  sleepCtx,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}

	g.breaker = NewBreaker(cfg.Window, cfg.Buckets, cfg.MinSamples, cfg.FailureRate, cfg.CoolDown, cfg.HalfOpenProbes,
		WithBreakerClock(g.now),
		WithTransitionHook(func(from, to model.BreakerState) {
			metrics.SetBreakerState(g.name, to)
			g.logger.Warn("circuit breaker state changed", "guard", g.name, "from", from, "to", to)
		}),
	)
	metrics.SetBreakerState(g.name, model.BreakerClosed)
	return g
}

// Name returns the label of the guard in metrics
func (g *Guard) Name() string {
	return g.name
}

// Health reports breaker state and error counters
func (g *Guard) Health() model.Health {
	h := model.Health{
		State:               g.breaker.State(),
		TotalCalls:          g.calls.Load(),
		TotalFailures:       g.failures.Load(),
		TotalRetries:        g.retries.Load(),
		Rejected:            g.rejected.Load(),
		ConsecutiveFailures: int(g.consecutive.Load()),
	}

	g.lastMu.Lock()
	defer g.lastMu.Unlock()
	h.LastError = g.lastError
	if !g.lastFailureAt.IsZero() {
		at := g.lastFailureAt
		h.LastFailureAt = &at
	}
	return h
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// backoff returns the delay before retry number attempt (0-based): exponential growth capped at
// MaxBackoff, with jitter in [delay/2, delay].
func (g *Guard) backoff(attempt int) time.Duration {
	delay := g.cfg.BaseBackoff << min(attempt, 30)
	if delay <= 0 || (g.cfg.MaxBackoff > 0 && delay > g.cfg.MaxBackoff) {
		delay = g.cfg.MaxBackoff
	}
	if delay <= 0 {
		return 0
	}
	half := delay / 2
	return half + time.Duration(rand.Int64N(int64(half)+1))
}

func (g *Guard) recordFailure(op string, err error) {
	g.failures.Add(1)
	g.consecutive.Add(1)
	metrics.StoreCalls.WithLabelValues(op, "failure").Inc()

	g.lastMu.Lock()
	g.lastError = op + ": " + err.Error()
	g.lastFailureAt = g.now()
	g.lastMu.Unlock()
}

// do runs fn under the resilience policy. fn reports whether its error is an outcome decided by
// the caller's own logic (not a store failure) through the domain flag.
func (g *Guard) do(ctx context.Context, op string, retryable bool, fn func(ctx context.Context) (domain bool, err error)) error {
	var lastErr error
	for attempt := 0; attempt < max(g.cfg.MaxAttempts, 1); attempt++ {
		if attempt > 0 {
			g.retries.Add(1)
			metrics.StoreRetries.Inc()
			if err := g.sleep(ctx, g.backoff(attempt-1)); err != nil {
				return goerr.Wrap(err, "store call canceled during backoff", goerr.V("op", op))
			}
		}

		if !g.breaker.Allow() {
			g.rejected.Add(1)
			metrics.StoreCalls.WithLabelValues(op, "rejected").Inc()
			return goerr.Wrap(model.ErrStoreUnavailable, "circuit breaker is open", goerr.V("op", op))
		}

		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if g.cfg.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, g.cfg.CallTimeout)
		}
		domain, err := fn(callCtx)
		cancel()
		g.calls.Add(1)

		if err == nil || domain {
			g.breaker.Record(true)
			g.consecutive.Store(0)
			metrics.StoreCalls.WithLabelValues(op, "success").Inc()
			return err
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			// canceled by the caller, which says nothing about the store's health
			g.breaker.Release()
			return goerr.Wrap(err, "store call canceled", goerr.V("op", op), goerr.V("cause", ctxErr.Error()))
		}

		g.breaker.Record(false)
		g.recordFailure(op, err)
		lastErr = err

		if !retryable && !repository.IsNotApplied(err) {
			break
		}
	}

	return goerr.Wrap(model.ErrStoreUnavailable, "store call failed",
		goerr.V("op", op),
		goerr.V("cause", lastErr.Error()))
}

func plain(fn func(ctx context.Context) error) func(ctx context.Context) (bool, error) {
	return func(ctx context.Context) (bool, error) {
		return false, fn(ctx)
	}
}

func (g *Guard) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var out map[string]string
	err := g.do(ctx, "HGetAll", true, plain(func(ctx context.Context) error {
		var err error
		out, err = g.store.HGetAll(ctx, key)
		return err
	}))
	return out, err
}

func (g *Guard) HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	return g.do(ctx, "HSet", true, plain(func(ctx context.Context) error {
		return g.store.HSet(ctx, key, fields, ttl)
	}))
}

func (g *Guard) Update(ctx context.Context, key string, ttl time.Duration, fn repository.UpdateFunc, opts ...repository.UpdateOption) error {
	return g.do(ctx, "Update", false, func(ctx context.Context) (bool, error) {
		var fnErr error
		err := g.store.Update(ctx, key, ttl, func(current map[string]string) (map[string]string, error) {
			next, err := fn(current)
			fnErr = err
			return next, err
		}, opts...)
		return fnErr != nil, err
	})
}

func (g *Guard) Delete(ctx context.Context, keys ...string) (int64, error) {
	var n int64
	err := g.do(ctx, "Delete", true, plain(func(ctx context.Context) error {
		var err error
		n, err = g.store.Delete(ctx, keys...)
		return err
	}))
	return n, err
}

func (g *Guard) Get(ctx context.Context, key string) (string, bool, error) {
	var (
		v     string
		found bool
	)
	err := g.do(ctx, "Get", true, plain(func(ctx context.Context) error {
		var err error
		v, found, err = g.store.Get(ctx, key)
		return err
	}))
	return v, found, err
}

func (g *Guard) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var ok bool
	err := g.do(ctx, "SetNX", true, plain(func(ctx context.Context) error {
		var err error
		ok, err = g.store.SetNX(ctx, key, value, ttl)
		return err
	}))
	return ok, err
}

func (g *Guard) SAdd(ctx context.Context, key string, members ...string) error {
	return g.do(ctx, "SAdd", true, plain(func(ctx context.Context) error {
		return g.store.SAdd(ctx, key, members...)
	}))
}

func (g *Guard) SRem(ctx context.Context, key string, members ...string) error {
	return g.do(ctx, "SRem", true, plain(func(ctx context.Context) error {
		return g.store.SRem(ctx, key, members...)
	}))
}

func (g *Guard) SMembers(ctx context.Context, key string) ([]string, error) {
	var out []string
	err := g.do(ctx, "SMembers", true, plain(func(ctx context.Context) error {
		var err error
		out, err = g.store.SMembers(ctx, key)
		return err
	}))
	return out, err
}

func (g *Guard) ZAdd(ctx context.Context, key, member string, score float64) error {
	return g.do(ctx, "ZAdd", true, plain(func(ctx context.Context) error {
		return g.store.ZAdd(ctx, key, member, score)
	}))
}

func (g *Guard) ZRem(ctx context.Context, key string, members ...string) error {
	return g.do(ctx, "ZRem", true, plain(func(ctx context.Context) error {
		return g.store.ZRem(ctx, key, members...)
	}))
}

func (g *Guard) ZRevRange(ctx context.Context, key string, start, stop int64) ([]repository.ScoredMember, error) {
	var out []repository.ScoredMember
	err := g.do(ctx, "ZRevRange", true, plain(func(ctx context.Context) error {
		var err error
		out, err = g.store.ZRevRange(ctx, key, start, stop)
		return err
	}))
	return out, err
}

func (g *Guard) ZRangeByScore(ctx context.Context, key string, lo, hi float64) ([]repository.ScoredMember, error) {
	var out []repository.ScoredMember
	err := g.do(ctx, "ZRangeByScore", true, plain(func(ctx context.Context) error {
		var err error
		out, err = g.store.ZRangeByScore(ctx, key, lo, hi)
		return err
	}))
	return out, err
}

func (g *Guard) ZCard(ctx context.Context, key string) (int64, error) {
	var n int64
	err := g.do(ctx, "ZCard", true, plain(func(ctx context.Context) error {
		var err error
		n, err = g.store.ZCard(ctx, key)
		return err
	}))
	return n, err
}

func (g *Guard) Ping(ctx context.Context) error {
	return g.do(ctx, "Ping", true, plain(g.store.Ping))
}
