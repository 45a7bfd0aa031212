package repository

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/redis/go-redis/v9"
)

// Redis implements Store on top of go-redis. Update uses WATCH/MULTI/EXEC and retries on
// optimistic lock conflicts until it succeeds or ctx is done.
type Redis struct {
	client redis.UniversalClient
}

// NewRedis wraps an existing client
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

// RedisOptions configures a single-node or cluster connection
type RedisOptions struct {
	Addrs    []string
	Password string
	DB       int
}

// DialRedis creates a client from options and checks connectivity
func DialRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	if len(opts.Addrs) == 0 {
		return nil, goerr.New("redis address is required")
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    opts.Addrs,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, goerr.Wrap(err, "failed to connect redis", goerr.V("addrs", opts.Addrs))
	}
	return NewRedis(client), nil
}

// Close releases the underlying connection pool
func (r *Redis) Close() error {
	return r.client.Close()
}

func toArgs(fields map[string]string) map[string]any {
	args := make(map[string]any, len(fields))
	for k, v := range fields {
		args[k] = v
	}
	return args
}

func toMembers(members []string) []any {
	out := make([]any, len(members))
	for i, m := range members {
		out[i] = m
	}
	return out
}

func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, goerr.Wrap(err, "failed HGETALL", goerr.V("key", key))
	}
	return fields, nil
}

func (r *Redis) HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	if len(fields) == 0 {
		return nil
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, toArgs(fields))
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return goerr.Wrap(err, "failed HSET", goerr.V("key", key))
	}
	return nil
}

func (r *Redis) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc, opts ...UpdateOption) error {
	plan := NewUpdatePlan(opts...)
	for {
		var executed bool
		txf := func(tx *redis.Tx) error {
			current, err := tx.HGetAll(ctx, key).Result()
			if err != nil {
				return goerr.Wrap(ErrNotApplied, "failed to read hash", goerr.V("key", key), goerr.V("cause", err.Error()))
			}

			next, err := fn(current)
			if err != nil {
				return err
			}
			if next == nil {
				return nil
			}

			executed = true
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, toArgs(next))
				if ttl > 0 {
					pipe.Expire(ctx, key, ttl)
				}
				for _, sm := range plan.Members {
					pipe.SAdd(ctx, sm.Key, sm.Member)
				}
				for _, idx := range plan.Indexes {
					pipe.Set(ctx, idx.Key, idx.Value, ttl)
				}
				for _, rk := range plan.Ranks {
					pipe.ZAdd(ctx, rk.Key, redis.Z{Score: rk.Score(), Member: rk.Member})
				}
				return nil
			})
			return err
		}

		err := r.client.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.TxFailedErr):
			// another writer touched the key between WATCH and EXEC; nothing was applied
			if ctxErr := ctx.Err(); ctxErr != nil {
				return goerr.Wrap(ErrNotApplied, "update abandoned", goerr.V("key", key), goerr.V("cause", ctxErr.Error()))
			}
			continue
		case !executed && !isTyped(err):
			return goerr.Wrap(ErrNotApplied, "failed to watch key", goerr.V("key", key), goerr.V("cause", err.Error()))
		default:
			return err
		}
	}
}

// isTyped reports whether err was produced by our own code (goerr) rather than the client
func isTyped(err error) bool {
	var ge *goerr.Error
	return errors.As(err, &ge)
}

func (r *Redis) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := r.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, goerr.Wrap(err, "failed DEL", goerr.V("keys", keys))
	}
	return n, nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, goerr.Wrap(err, "failed GET", goerr.V("key", key))
	}
	return v, true, nil
}

func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, goerr.Wrap(err, "failed SETNX", goerr.V("key", key))
	}
	return ok, nil
}

func (r *Redis) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if err := r.client.SAdd(ctx, key, toMembers(members)...).Err(); err != nil {
		return goerr.Wrap(err, "failed SADD", goerr.V("key", key))
	}
	return nil
}

func (r *Redis) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if err := r.client.SRem(ctx, key, toMembers(members)...).Err(); err != nil {
		return goerr.Wrap(err, "failed SREM", goerr.V("key", key))
	}
	return nil
}

func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, goerr.Wrap(err, "failed SMEMBERS", goerr.V("key", key))
	}
	return members, nil
}

func (r *Redis) ZAdd(ctx context.Context, key, member string, score float64) error {
	if err := r.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return goerr.Wrap(err, "failed ZADD", goerr.V("key", key))
	}
	return nil
}

func (r *Redis) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if err := r.client.ZRem(ctx, key, toMembers(members)...).Err(); err != nil {
		return goerr.Wrap(err, "failed ZREM", goerr.V("key", key))
	}
	return nil
}

func fromZ(zs []redis.Z) []ScoredMember {
	out := make([]ScoredMember, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		out = append(out, ScoredMember{Member: member, Score: z.Score})
	}
	return out
}

func (r *Redis) ZRevRange(ctx context.Context, key string, start, stop int64) ([]ScoredMember, error) {
	zs, err := r.client.ZRevRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, goerr.Wrap(err, "failed ZREVRANGE", goerr.V("key", key))
	}
	return fromZ(zs), nil
}

func formatScore(v float64) string {
	switch {
	case math.IsInf(v, 1):
		return "+inf"
	case math.IsInf(v, -1):
		return "-inf"
	default:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
}

func (r *Redis) ZRangeByScore(ctx context.Context, key string, lo, hi float64) ([]ScoredMember, error) {
	zs, err := r.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: formatScore(lo),
		Max: formatScore(hi),
	}).Result()
	if err != nil {
		return nil, goerr.Wrap(err, "failed ZRANGEBYSCORE", goerr.V("key", key))
	}
	return fromZ(zs), nil
}

func (r *Redis) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := r.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, goerr.Wrap(err, "failed ZCARD", goerr.V("key", key))
	}
	return n, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return goerr.Wrap(err, "failed PING")
	}
	return nil
}
