package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"geofuse/internal/cache"
	"geofuse/pkg/platform/sentinel"
)

const defaultRedisPrefix = "geofuse:cache:"

// putIfNewer stores the envelope as a hash and indexes it by update time in a
// sorted set, refusing to overwrite a newer record.
//
// KEYS[1] entry hash, KEYS[2] index zset; ARGV[1] data, ARGV[2] updated_at (unix ms)
var putIfNewer = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'updated_at')
if cur and tonumber(cur) > tonumber(ARGV[2]) then
  return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'updated_at', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[2], KEYS[1])
return 1
`)

// deleteIfStale removes one entry and its index member when the entry is still
// older than the cutoff. An index member whose hash is gone is dropped too.
//
// KEYS[1] entry hash, KEYS[2] index zset; ARGV[1] cutoff (unix ms)
var deleteIfStale = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'updated_at')
if not cur then
  redis.call('ZREM', KEYS[2], KEYS[1])
  return 0
end
if tonumber(cur) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], KEYS[1])
return 1
`)

// Redis is a durable cache tier backed by Redis. Timestamps are kept at
// millisecond precision.
type Redis struct {
	client *redis.Client
	prefix string
}

// RedisOption configures a Redis store.
type RedisOption func(*Redis)

// WithKeyPrefix namespaces every key written by the store.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

// NewRedis constructs a Redis-backed durable tier. The client lifecycle is
// managed by the caller.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{client: client, prefix: defaultRedisPrefix}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *Redis) entryKey(key string) string {
	return r.prefix + "entry:" + key
}

func (r *Redis) indexKey() string {
	return r.prefix + "index"
}

func (r *Redis) Get(ctx context.Context, key string) (cache.Record, error) {
	vals, err := r.client.HMGet(ctx, r.entryKey(key), "data", "updated_at").Result()
	if err != nil {
		return cache.Record{}, fmt.Errorf("redis get %s: %w", key, err)
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return cache.Record{}, sentinel.ErrNotFound
	}

	data, ok := vals[0].(string)
	if !ok {
		return cache.Record{}, fmt.Errorf("redis get %s: unexpected data type %T", key, vals[0])
	}
	raw, ok := vals[1].(string)
	if !ok {
		return cache.Record{}, fmt.Errorf("redis get %s: unexpected timestamp type %T", key, vals[1])
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return cache.Record{}, fmt.Errorf("redis get %s: parse timestamp: %w", key, err)
	}

	return cache.Record{Data: []byte(data), UpdatedAt: time.UnixMilli(ms)}, nil
}

func (r *Redis) Put(ctx context.Context, key string, rec cache.Record) error {
	err := putIfNewer.Run(ctx, r.client,
		[]string{r.entryKey(key), r.indexKey()},
		string(rec.Data), rec.UpdatedAt.UnixMilli(),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis put %s: %w", key, err)
	}
	return nil
}

// Sweep removes entries updated strictly before cutoff. Candidates come from
// the index; each is re-checked and deleted by a script that declares both the
// entry and the index key, so a record refreshed after the scan survives.
func (r *Redis) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	ms := cutoff.UnixMilli()
	candidates, err := r.client.ZRangeByScore(ctx, r.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(ms, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis sweep scan: %w", err)
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	if err := deleteIfStale.Load(ctx, r.client).Err(); err != nil {
		return 0, fmt.Errorf("redis sweep load script: %w", err)
	}
	cmds := make([]*redis.Cmd, len(candidates))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, entry := range candidates {
			cmds[i] = deleteIfStale.EvalSha(ctx, pipe, []string{entry, r.indexKey()}, ms)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis sweep delete: %w", err)
	}

	removed := 0
	for _, cmd := range cmds {
		n, err := cmd.Int()
		if err != nil {
			return removed, fmt.Errorf("redis sweep delete: %w", err)
		}
		removed += n
	}
	return removed, nil
}
