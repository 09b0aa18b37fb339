package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"portal-relay/src/logger"

	"github.com/redis/go-redis/v9"
)

// redisScanBatch is the COUNT hint for prefix invalidation scans.
const redisScanBatch = 500

// -----------------------------------------------------------------------------

// RedisCache shares cached responses between relay processes.
type RedisCache struct {
	Client *redis.Client
	Logger *logger.Logger
}

// -----------------------------------------------------------------------------

func NewRedisCache(addr, password string, log *logger.Logger) *RedisCache {
	return &RedisCache{
		Client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		Logger: log,
	}
}

// -----------------------------------------------------------------------------

// Initialize verifies the server is reachable.
func (r *RedisCache) Initialize(ctx context.Context) error {
	if err := r.Client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	r.Logger.Info("Redis cache connected (%s)", r.Client.Options().Addr)
	return nil
}

// -----------------------------------------------------------------------------

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.Client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// -----------------------------------------------------------------------------

func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.Client.Set(ctx, key, value, ttl).Err()
}

// -----------------------------------------------------------------------------

func (r *RedisCache) Invalidate(ctx context.Context, prefix string) error {
	iter := r.Client.Scan(ctx, 0, escapeGlob(prefix)+"*", redisScanBatch).Iterator()

	batch := make([]string, 0, redisScanBatch)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == redisScanBatch {
			if err := r.Client.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return r.Client.Del(ctx, batch...).Err()
	}
	return nil
}

// -----------------------------------------------------------------------------

func (r *RedisCache) Close() error {
	return r.Client.Close()
}

// -----------------------------------------------------------------------------

// escapeGlob quotes the redis MATCH metacharacters in s.
func escapeGlob(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', ']', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
