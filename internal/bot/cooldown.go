// internal/bot/cooldown.go
package bot

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"discord-ai-bot/internal/cache"
)

// CooldownStore tracks per-user, per-command cooldowns.
type CooldownStore interface {
	// Acquire starts a cooldown of length d for the user and command if none
	// is running. If one is running it returns false and the time left.
	Acquire(ctx context.Context, userID, command string, d time.Duration) (ok bool, remaining time.Duration, err error)

	// Active is the number of running cooldowns.
	Active(ctx context.Context) (int, error)
}

func cooldownKey(userID, command string) string {
	return "cooldown:" + userID + ":" + command
}

// MemoryCooldowns keeps cooldowns in process memory.
type MemoryCooldowns struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

func NewMemoryCooldowns() *MemoryCooldowns {
	return &MemoryCooldowns{
		expires: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (m *MemoryCooldowns) Acquire(_ context.Context, userID, command string, d time.Duration) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	key := cooldownKey(userID, command)
	if until, ok := m.expires[key]; ok && now.Before(until) {
		return false, until.Sub(now), nil
	}
	m.expires[key] = now.Add(d)
	return true, 0, nil
}

// Active also drops expired entries.
func (m *MemoryCooldowns) Active(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for key, until := range m.expires {
		if !now.Before(until) {
			delete(m.expires, key)
		}
	}
	return len(m.expires), nil
}

// RedisCooldowns shares cooldowns between bot instances.
type RedisCooldowns struct {
	cache *cache.RedisCache
}

func NewRedisCooldowns(c *cache.RedisCache) *RedisCooldowns {
	return &RedisCooldowns{cache: c}
}

func (r *RedisCooldowns) Acquire(ctx context.Context, userID, command string, d time.Duration) (bool, time.Duration, error) {
	key := cooldownKey(userID, command)
	ok, err := r.cache.SetNX(ctx, key, strconv.FormatInt(time.Now().UnixMilli(), 10), d)
	if err != nil {
		return false, 0, fmt.Errorf("failed to acquire cooldown: %w", err)
	}
	if ok {
		return true, 0, nil
	}
	ttl, err := r.cache.TTL(ctx, key)
	if err != nil {
		return false, 0, fmt.Errorf("failed to read cooldown: %w", err)
	}
	if ttl < 0 {
		// the key expired between the two calls
		ttl = 0
	}
	return false, ttl, nil
}

func (r *RedisCooldowns) Active(ctx context.Context) (int, error) {
	return r.cache.Count(ctx, "cooldown:*")
}
