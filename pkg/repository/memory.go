package repository

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

// Memory is an in-process Store. It is used by tests and single-node deployments without Redis.
// Every operation holds one lock, so Update is trivially atomic.
type Memory struct {
	mu      sync.Mutex
	hashes  map[string]map[string]string
	strings map[string]string
	sets    map[string]map[string]struct{}
	zsets   map[string]map[string]float64
	expiry  map[string]time.Time
	now     func() time.Time
}

// MemoryOption is a functional option for Memory
type MemoryOption func(*Memory)

// WithClock replaces the clock used for key expiry
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// NewMemory creates an empty in-process store
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		hashes:  make(map[string]map[string]string),
		strings: make(map[string]string),
		sets:    make(map[string]map[string]struct{}),
		zsets:   make(map[string]map[string]float64),
		expiry:  make(map[string]time.Time),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// expire drops key if its deadline passed. Caller must hold mu.
func (m *Memory) expire(key string) {
	deadline, ok := m.expiry[key]
	if !ok || m.now().Before(deadline) {
		return
	}
	m.drop(key)
}

func (m *Memory) drop(key string) bool {
	_, h := m.hashes[key]
	_, s := m.strings[key]
	_, st := m.sets[key]
	_, z := m.zsets[key]
	delete(m.hashes, key)
	delete(m.strings, key)
	delete(m.sets, key)
	delete(m.zsets, key)
	delete(m.expiry, key)
	return h || s || st || z
}

func (m *Memory) setTTL(key string, ttl time.Duration) {
	if ttl > 0 {
		m.expiry[key] = m.now().Add(ttl)
	}
}

func (m *Memory) checkCtx(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return goerr.Wrap(ErrNotApplied, "context done", goerr.V("cause", err.Error()))
	}
	return nil
}

func (m *Memory) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if err := m.checkCtx(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expire(key)

	return maps.Clone(m.hashes[key]), nil
}

func (m *Memory) HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	if err := m.checkCtx(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expire(key)

	m.hset(key, fields, ttl)
	return nil
}

func (m *Memory) hset(key string, fields map[string]string, ttl time.Duration) {
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string, len(fields))
		m.hashes[key] = h
	}
	maps.Copy(h, fields)
	m.setTTL(key, ttl)
}

func (m *Memory) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc, opts ...UpdateOption) error {
	if err := m.checkCtx(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expire(key)

	current := maps.Clone(m.hashes[key])
	if current == nil {
		current = map[string]string{}
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}
	m.hset(key, next, ttl)

	plan := NewUpdatePlan(opts...)
	for _, sm := range plan.Members {
		m.sadd(sm.Key, sm.Member)
	}
	for _, idx := range plan.Indexes {
		m.expire(idx.Key)
		m.strings[idx.Key] = idx.Value
		delete(m.expiry, idx.Key)
		m.setTTL(idx.Key, ttl)
	}
	for _, r := range plan.Ranks {
		m.zadd(r.Key, r.Member, r.Score())
	}
	return nil
}

func (m *Memory) Delete(ctx context.Context, keys ...string) (int64, error) {
	if err := m.checkCtx(ctx); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, key := range keys {
		m.expire(key)
		if m.drop(key) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	if err := m.checkCtx(ctx); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expire(key)

	v, ok := m.strings[key]
	return v, ok, nil
}

func (m *Memory) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := m.checkCtx(ctx); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expire(key)

	if _, ok := m.strings[key]; ok {
		return false, nil
	}
	m.strings[key] = value
	m.setTTL(key, ttl)
	return true, nil
}

func (m *Memory) SAdd(ctx context.Context, key string, members ...string) error {
	if err := m.checkCtx(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sadd(key, members...)
	return nil
}

// sadd adds members to a set. Caller must hold mu.
func (m *Memory) sadd(key string, members ...string) {
	m.expire(key)
	s, ok := m.sets[key]
	if !ok {
		s = make(map[string]struct{})
		m.sets[key] = s
	}
	for _, member := range members {
		s[member] = struct{}{}
	}
}

func (m *Memory) SRem(ctx context.Context, key string, members ...string) error {
	if err := m.checkCtx(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expire(key)

	s := m.sets[key]
	for _, member := range members {
		delete(s, member)
	}
	if len(s) == 0 {
		delete(m.sets, key)
	}
	return nil
}

func (m *Memory) SMembers(ctx context.Context, key string) ([]string, error) {
	if err := m.checkCtx(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expire(key)

	members := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		members = append(members, member)
	}
	sort.Strings(members)
	return members, nil
}

func (m *Memory) ZAdd(ctx context.Context, key, member string, score float64) error {
	if err := m.checkCtx(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.zadd(key, member, score)
	return nil
}

// zadd sets the score of a sorted set member. Caller must hold mu.
func (m *Memory) zadd(key, member string, score float64) {
	m.expire(key)
	z, ok := m.zsets[key]
	if !ok {
		z = make(map[string]float64)
		m.zsets[key] = z
	}
	z[member] = score
}

func (m *Memory) ZRem(ctx context.Context, key string, members ...string) error {
	if err := m.checkCtx(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expire(key)

	z := m.zsets[key]
	for _, member := range members {
		delete(z, member)
	}
	if len(z) == 0 {
		delete(m.zsets, key)
	}
	return nil
}

// sortedLocked returns the zset ordered like Redis: score ascending, then member
func (m *Memory) sortedLocked(key string) []ScoredMember {
	z := m.zsets[key]
	out := make([]ScoredMember, 0, len(z))
	for member, score := range z {
		out = append(out, ScoredMember{Member: member, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Member < out[j].Member
	})
	return out
}

func (m *Memory) ZRevRange(ctx context.Context, key string, start, stop int64) ([]ScoredMember, error) {
	if err := m.checkCtx(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expire(key)

	asc := m.sortedLocked(key)
	n := int64(len(asc))
	desc := make([]ScoredMember, n)
	for i := range asc {
		desc[n-1-int64(i)] = asc[i]
	}

	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	start = max(start, 0)
	stop = min(stop, n-1)
	if n == 0 || start > stop {
		return []ScoredMember{}, nil
	}
	return desc[start : stop+1], nil
}

func (m *Memory) ZRangeByScore(ctx context.Context, key string, lo, hi float64) ([]ScoredMember, error) {
	if err := m.checkCtx(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expire(key)

	var out []ScoredMember
	for _, sm := range m.sortedLocked(key) {
		if sm.Score >= lo && sm.Score <= hi {
			out = append(out, sm)
		}
	}
	return out, nil
}

func (m *Memory) ZCard(ctx context.Context, key string) (int64, error) {
	if err := m.checkCtx(ctx); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expire(key)

	return int64(len(m.zsets[key])), nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return m.checkCtx(ctx)
}
