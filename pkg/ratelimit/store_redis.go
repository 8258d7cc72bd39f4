package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one sorted set per key and category, scored by the
// request timestamp in microseconds. Each write pushes the set's expiry to
// the newest entry's expiry, so idle sets disappear without a sweep.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	owned  bool
}

var _ Store = &RedisStore{}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// DialRedisStore opens a client for addr and closes it with the store.
func DialRedisStore(ctx context.Context, opts *redis.Options, prefix string) (*RedisStore, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "redis ping %s", opts.Addr)
	}
	s := NewRedisStore(client, prefix)
	s.owned = true
	return s, nil
}

func (r *RedisStore) setKey(key string, cat Category) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, cat, key)
}

func score(t time.Time) int64 {
	return t.UnixMicro()
}

func scoreString(t time.Time) string {
	return strconv.FormatInt(score(t), 10)
}

func (r *RedisStore) Prune(ctx context.Context, key string, cat Category, cutoff time.Time) error {
	err := r.client.ZRemRangeByScore(ctx, r.setKey(key, cat), "-inf", "("+scoreString(cutoff)).Err()
	return errors.Wrap(err, "redis zremrangebyscore")
}

func (r *RedisStore) Count(ctx context.Context, key string, cat Category, since time.Time) (int, error) {
	n, err := r.client.ZCount(ctx, r.setKey(key, cat), scoreString(since), "+inf").Result()
	if err != nil {
		return 0, errors.Wrap(err, "redis zcount")
	}
	return int(n), nil
}

func (r *RedisStore) Oldest(ctx context.Context, key string, cat Category, since time.Time) (time.Time, bool, error) {
	zs, err := r.client.ZRangeByScoreWithScores(ctx, r.setKey(key, cat), &redis.ZRangeBy{
		Min:    scoreString(since),
		Max:    "+inf",
		Offset: 0,
		Count:  1,
	}).Result()
	if err != nil {
		return time.Time{}, false, errors.Wrap(err, "redis zrangebyscore")
	}
	if len(zs) == 0 {
		return time.Time{}, false, nil
	}
	return time.UnixMicro(int64(zs[0].Score)), true, nil
}

func (r *RedisStore) Record(ctx context.Context, e Entry) error {
	k := r.setKey(e.Key, e.Category)
	member := fmt.Sprintf("%d-%s", score(e.Timestamp), uuid.NewString())
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, k, redis.Z{Score: float64(score(e.Timestamp)), Member: member})
		p.PExpireAt(ctx, k, e.ExpiresAt)
		return nil
	})
	return errors.Wrap(err, "redis record")
}

// Sweep is a no-op: sets expire through PEXPIREAT and stale members are
// pruned on every admission.
func (r *RedisStore) Sweep(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (r *RedisStore) Close() error {
	if r.owned {
		return r.client.Close()
	}
	return nil
}
