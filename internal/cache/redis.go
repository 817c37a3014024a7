package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"todo-pipeline/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// minGenerationTTL keeps generation counters well past the lifetime of any
// entry written under them.
const minGenerationTTL = 24 * time.Hour

// Dial parses a redis:// URL and returns a client with the given pool size.
// A failed ping is logged, not returned: the cache is advisory.
func Dial(ctx context.Context, url string, poolSize int) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	opts.PoolSize = poolSize
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn(ctx, "Redis ping failed, reads will fall through to the store", "error", err)
		return client, nil
	}
	logger.Info(ctx, "Redis client initialized", "pool_size", poolSize)
	return client, nil
}

// Open returns a Redis cache for url, or Noop when url is empty.
func Open(ctx context.Context, url string, poolSize int, ttl, timeout time.Duration) (Cache, error) {
	if url == "" {
		logger.Info(ctx, "REDIS_URL not set, caching disabled")
		return Noop{}, nil
	}
	client, err := Dial(ctx, url, poolSize)
	if err != nil {
		return nil, err
	}
	return NewRedis(client, ttl, timeout), nil
}

// Redis is a Cache backed by a Redis server.
type Redis struct {
	client  *redis.Client
	ttl     time.Duration
	genTTL  time.Duration
	timeout time.Duration
}

// NewRedis returns a cache storing entries for ttl, with each call bounded by timeout.
func NewRedis(client *redis.Client, ttl, timeout time.Duration) *Redis {
	return &Redis{
		client:  client,
		ttl:     ttl,
		genTTL:  max(minGenerationTTL, 2*ttl),
		timeout: timeout,
	}
}

func (r *Redis) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

func (r *Redis) Get(ctx context.Context, key Key) ([]byte, Version, error) {
	ctx, cancel := r.bounded(ctx)
	defer cancel()

	gen, err := r.client.Get(ctx, key.genKey()).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, 0, fmt.Errorf("reading generation of %s: %w", key.Scope, err)
	}
	v := Version(gen)

	b, err := r.client.Get(ctx, key.dataKey(v)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, v, ErrMiss
	}
	if err != nil {
		return nil, v, fmt.Errorf("reading %s: %w", key.dataKey(v), err)
	}
	return b, v, nil
}

func (r *Redis) Set(ctx context.Context, key Key, v Version, val []byte) error {
	ctx, cancel := r.bounded(ctx)
	defer cancel()

	if err := r.client.Set(ctx, key.dataKey(v), val, r.ttl).Err(); err != nil {
		return fmt.Errorf("writing %s: %w", key.dataKey(v), err)
	}
	return nil
}

func (r *Redis) Invalidate(ctx context.Context, keys ...Key) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := r.bounded(ctx)
	defer cancel()

	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		seen := make(map[string]struct{}, len(keys))
		for _, k := range keys {
			if _, ok := seen[k.Scope]; ok {
				continue
			}
			seen[k.Scope] = struct{}{}
			p.Incr(ctx, k.genKey())
			p.Expire(ctx, k.genKey(), r.genTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("invalidating cache: %w", err)
	}
	return nil
}

func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := r.bounded(ctx)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
