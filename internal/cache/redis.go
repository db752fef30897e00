// internal/cache/redis.go
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned when a key is absent or expired.
var ErrMiss = redis.Nil

type RedisCache struct {
	client redis.UniversalClient
	rs     *redsync.Redsync
	logger *slog.Logger
}

// NewRedisCache connects to redisURL, which may be a comma-separated list
// of addresses or redis:// URLs for a cluster.
func NewRedisCache(ctx context.Context, redisURL string, logger *slog.Logger) (*RedisCache, error) {
	if redisURL == "" {
		return nil, errors.New("redis URL must be provided")
	}

	opts, err := buildUniversalOptions(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	if len(opts.Addrs) > 1 && opts.DB != 0 {
		logger.Warn("ignoring non-zero DB when using redis cluster configuration")
		opts.DB = 0
	}

	client := redis.NewUniversalClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("connected to redis", "addrs", opts.Addrs)
	return NewFromClient(client, logger), nil
}

// NewFromClient wraps an existing client.
func NewFromClient(client redis.UniversalClient, logger *slog.Logger) *RedisCache {
	return &RedisCache{
		client: client,
		rs:     redsync.New(goredis.NewPool(client)),
		logger: logger,
	}
}

func buildUniversalOptions(raw string) (*redis.UniversalOptions, error) {
	parts := strings.Split(raw, ",")
	opts := &redis.UniversalOptions{}

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if !strings.Contains(part, "://") {
			opts.Addrs = append(opts.Addrs, part)
			continue
		}

		parsed, err := redis.ParseURL(part)
		if err != nil {
			return nil, err
		}

		opts.Addrs = append(opts.Addrs, parsed.Addr)

		if opts.Username == "" {
			opts.Username = parsed.Username
		}
		if opts.Password == "" {
			opts.Password = parsed.Password
		}
		if opts.DB == 0 {
			opts.DB = parsed.DB
		}
		if opts.TLSConfig == nil {
			opts.TLSConfig = parsed.TLSConfig
		}
		if opts.DialTimeout == 0 {
			opts.DialTimeout = parsed.DialTimeout
		}
		if opts.PoolSize == 0 {
			opts.PoolSize = parsed.PoolSize
		}
	}

	if len(opts.Addrs) == 0 {
		return nil, errors.New("no redis addresses provided")
	}

	return opts, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	return r.client.Set(ctx, key, value, expiration).Err()
}

// Get returns ErrMiss if the key does not exist.
func (r *RedisCache) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrMiss
		}
		return "", fmt.Errorf("failed to get value from cache: %w", err)
	}
	return val, nil
}

// GetJSON decodes the JSON value stored at key. It returns ErrMiss if the
// key does not exist.
func GetJSON[T any](ctx context.Context, r *RedisCache, key string) (*T, error) {
	val, err := r.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	var obj T
	if err := json.Unmarshal([]byte(val), &obj); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON from cache: %w", err)
	}
	return &obj, nil
}

func (r *RedisCache) SetJSON(ctx context.Context, key string, value any, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON for cache: %w", err)
	}
	return r.Set(ctx, key, string(data), expiration)
}

// SetNX sets key only if it does not exist, reporting whether it was set.
func (r *RedisCache) SetNX(ctx context.Context, key string, value string, expiration time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, expiration).Result()
}

// TTL returns the remaining time to live of key. It is negative if the key
// has no expiry or does not exist.
func (r *RedisCache) TTL(ctx context.Context, key string) (time.Duration, error) {
	return r.client.PTTL(ctx, key).Result()
}

func (r *RedisCache) Delete(ctx context.Context, keys ...string) error {
	return r.client.Del(ctx, keys...).Err()
}

// Count returns the number of keys matching pattern.
func (r *RedisCache) Count(ctx context.Context, pattern string) (int, error) {
	var (
		cursor uint64
		total  int
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 1000).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to scan keys: %w", err)
		}
		total += len(keys)
		if next == 0 {
			return total, nil
		}
		cursor = next
	}
}

// Watch runs fn in an optimistic transaction over keys. If any key changes
// before fn's MULTI/EXEC commits, redis.TxFailedErr is returned.
func (r *RedisCache) Watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	return r.client.Watch(ctx, fn, keys...)
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}

func (r *RedisCache) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// WithLock runs fn while holding the distributed mutex lockName.
func (r *RedisCache) WithLock(ctx context.Context, lockName string, ttl time.Duration, fn func() error) error {
	mutex := r.rs.NewMutex(
		lockName,
		redsync.WithExpiry(ttl),
		redsync.WithTries(64),
		redsync.WithRetryDelay(25*time.Millisecond),
	)

	if err := mutex.LockContext(ctx); err != nil {
		return fmt.Errorf("failed to acquire lock %s: %w", lockName, err)
	}

	defer func() {
		if _, err := mutex.UnlockContext(context.WithoutCancel(ctx)); err != nil {
			r.logger.Error("failed to unlock mutex", "lock", lockName, tint.Err(err))
		}
	}()

	return fn()
}
