package resilience

import (
	"sync"
	"time"

	"github.com/m-mizutani/threatmem/pkg/model"
)

// Breaker is a three-state circuit breaker. While closed it tracks outcomes in a rolling window
// and opens once the failure rate crosses the threshold with enough samples. After the cool-down
// a limited number of trial calls are let through (half-open); a successful trial closes the
// circuit, a failed one reopens it.
type Breaker struct {
	mu sync.Mutex

	minSamples  int
	failureRate float64
	coolDown    time.Duration
	maxProbes   int

	state    model.BreakerState
	window   *slidingWindow
	openedAt time.Time
	probes   int

	now          func() time.Time
	onTransition func(from, to model.BreakerState)
}

// BreakerOption is a functional option for Breaker
type BreakerOption func(*Breaker)

// WithBreakerClock replaces the breaker clock
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) {
		b.now = now
		b.window.now = now
	}
}

// WithTransitionHook is called, under the breaker lock, on every state change
func WithTransitionHook(fn func(from, to model.BreakerState)) BreakerOption {
	return func(b *Breaker) {
		b.onTransition = fn
	}
}

// NewBreaker creates a closed breaker
func NewBreaker(window time.Duration, buckets, minSamples int, failureRate float64, coolDown time.Duration, maxProbes int, opts ...BreakerOption) *Breaker {
	b := &Breaker{
		minSamples:  max(minSamples, 1),
		failureRate: failureRate,
		coolDown:    coolDown,
		maxProbes:   max(maxProbes, 1),
		state:       model.BreakerClosed,
		window:      newSlidingWindow(window, buckets),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a call may be attempted now
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case model.BreakerOpen:
		if b.now().Sub(b.openedAt) < b.coolDown {
			return false
		}
		b.transition(model.BreakerHalfOpen)
		b.probes = 1
		return true
	case model.BreakerHalfOpen:
		if b.probes >= b.maxProbes {
			return false
		}
		b.probes++
		return true
	default:
		return true
	}
}

// Record reports the outcome of an allowed call
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case model.BreakerClosed:
		b.window.add(success)
		total, failures := b.window.stats()
		if total >= b.minSamples && float64(failures)/float64(total) >= b.failureRate {
			b.open()
		}
	case model.BreakerHalfOpen:
		if !success {
			b.open()
			return
		}
		b.window.reset()
		b.probes = 0
		b.transition(model.BreakerClosed)
	case model.BreakerOpen:
		// outcome of a call started before the circuit opened
	}
}

// Release gives back the slot of an allowed call whose outcome is unknown, such as a call the
// caller canceled. In half-open the trial slot is returned so a later call can probe the store.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == model.BreakerHalfOpen && b.probes > 0 {
		b.probes--
	}
}

// State returns the current state
func (b *Breaker) State() model.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) open() {
	b.openedAt = b.now()
	b.probes = 0
	b.transition(model.BreakerOpen)
}

func (b *Breaker) transition(to model.BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onTransition != nil {
		b.onTransition(from, to)
	}
}

// slidingWindow counts outcomes in fixed time buckets covering the window size
type slidingWindow struct {
	interval time.Duration
	data     []bucket
	now      func() time.Time
}

type bucket struct {
	epoch   int64
	success int
	fail    int
}

func newSlidingWindow(size time.Duration, buckets int) *slidingWindow {
	buckets = max(buckets, 1)
	interval := size / time.Duration(buckets)
	if interval <= 0 {
		interval = time.Millisecond
	}
	return &slidingWindow{
		interval: interval,
		data:     make([]bucket, buckets),
		now:      time.Now,
	}
}

func (w *slidingWindow) epoch() int64 {
	return w.now().UnixNano() / int64(w.interval)
}

func (w *slidingWindow) add(success bool) {
	epoch := w.epoch()
	idx := int(epoch % int64(len(w.data)))
	if w.data[idx].epoch != epoch {
		w.data[idx] = bucket{epoch: epoch}
	}
	if success {
		w.data[idx].success++
	} else {
		w.data[idx].fail++
	}
}

func (w *slidingWindow) stats() (total, failures int) {
	current := w.epoch()
	oldest := current - int64(len(w.data)) + 1
	for _, b := range w.data {
		if b.epoch < oldest || b.epoch > current {
			continue
		}
		total += b.success + b.fail
		failures += b.fail
	}
	return total, failures
}

func (w *slidingWindow) reset() {
	for i := range w.data {
		w.data[i] = bucket{}
	}
}
