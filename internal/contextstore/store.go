// internal/contextstore/store.go

// Package contextstore owns the lifecycle of per-(user, channel) conversation
// contexts shared by slash commands, plain messages and voice.
//
// Contexts live in redis with a fixed TTL and are mirrored to the database in
// the background. The mirror exists for recovery and analytics; a failed
// mirror write is logged and never surfaces to callers.
//
// Every cache write bumps ConversationContext.Version, and UpdateContext
// refuses a context whose version no longer matches the cached one
// (ErrStaleContext). ModifyContext wraps the read-modify-write cycle in a
// per-key distributed lock and retries stale writes, so concurrent turns for
// the same user and channel never overwrite each other.
package contextstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"discord-ai-bot/internal/cache"
	"discord-ai-bot/internal/models"

	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"
)

var ErrStaleContext = errors.New("conversation context was modified concurrently")

// Durable is the database mirror of cached contexts.
type Durable interface {
	UpsertContext(ctx context.Context, rec *models.ConversationContextRecord) error
	GetContext(ctx context.Context, userID, channelID string) (*models.ConversationContextRecord, error)
	DeleteContext(ctx context.Context, userID, channelID string) error
	PurgeContexts(ctx context.Context, cutoff time.Time) (int64, error)
}

// PreferenceSource seeds new contexts with the user's current preferences.
type PreferenceSource interface {
	GetUserPreferences(ctx context.Context, userID string) models.UserPreferences
}

type Options struct {
	// TTL of cache entries
	TTL time.Duration

	// LockExpiry bounds how long ModifyContext may hold a key's lock
	LockExpiry time.Duration

	// PersistTimeout bounds each background mirror write
	PersistTimeout time.Duration

	// ModifyRetries is the number of times ModifyContext retries a stale write
	ModifyRetries int

	// RecoverFromDurable loads cache misses from the database mirror
	RecoverFromDurable bool
}

func DefaultOptions() Options {
	return Options{
		TTL:            time.Hour,
		LockExpiry:     10 * time.Second,
		PersistTimeout: 10 * time.Second,
		ModifyRetries:  3,
	}
}

type Store struct {
	cache   *cache.RedisCache
	durable Durable
	prefs   PreferenceSource
	opts    Options
	logger  *slog.Logger

	// persistMu orders mirror writes against Flush and Close. Flush holds
	// it exclusively while waiting, so no write starts mid-wait.
	persistMu  sync.RWMutex
	closed     bool
	persisting sync.WaitGroup
	now        func() time.Time
}

// New returns a Store. durable may be nil, in which case contexts are
// cache-only.
func New(c *cache.RedisCache, durable Durable, prefs PreferenceSource, opts Options, logger *slog.Logger) *Store {
	defaults := DefaultOptions()
	if opts.TTL <= 0 {
		opts.TTL = defaults.TTL
	}
	if opts.LockExpiry <= 0 {
		opts.LockExpiry = defaults.LockExpiry
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = defaults.PersistTimeout
	}
	if opts.ModifyRetries < 0 {
		opts.ModifyRetries = 0
	}
	return &Store{
		cache:   c,
		durable: durable,
		prefs:   prefs,
		opts:    opts,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func contextKey(userID, channelID string) string {
	return "context:" + userID + ":" + channelID
}

func lockKey(userID, channelID string) string {
	return "lock:context:" + userID + ":" + channelID
}

// GetContext returns the cached context for the pair, or creates, caches
// and returns a fresh one seeded with the user's preferences. It only fails
// when the cache is unavailable.
func (s *Store) GetContext(ctx context.Context, userID, channelID string) (*models.ConversationContext, error) {
	key := contextKey(userID, channelID)
	cc, err := cache.GetJSON[models.ConversationContext](ctx, s.cache, key)
	if err == nil {
		return cc, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		return nil, fmt.Errorf("failed to read context from cache: %w", err)
	}

	cc = s.fromDurable(ctx, userID, channelID)

	data, err := json.Marshal(cc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode context: %w", err)
	}
	created, err := s.cache.SetNX(ctx, key, string(data), s.opts.TTL)
	if err != nil {
		return nil, fmt.Errorf("failed to write context to cache: %w", err)
	}
	if created {
		return cc, nil
	}

	// another handler populated the key between our miss and our write
	cc, err = cache.GetJSON[models.ConversationContext](ctx, s.cache, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read context from cache: %w", err)
	}
	return cc, nil
}

// UpdateContext stamps cc, replaces the cache entry and mirrors it to the
// database in the background. It returns ErrStaleContext if the cached
// entry has moved past cc.Version. On success cc carries the new version
// and timestamp.
func (s *Store) UpdateContext(ctx context.Context, cc *models.ConversationContext) error {
	if cc == nil || cc.UserID == "" || cc.ChannelID == "" {
		return models.NewValidationError("context", "user and channel IDs are required")
	}

	key := contextKey(cc.UserID, cc.ChannelID)
	next := cc.Clone()
	next.Timestamp = s.now()
	next.Version = cc.Version + 1

	err := s.cache.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			// expired or cleared; nothing to conflict with
		case err != nil:
			return err
		default:
			var cached models.ConversationContext
			if err := json.Unmarshal(current, &cached); err != nil {
				return fmt.Errorf("failed to decode cached context: %w", err)
			}
			if cached.Version != cc.Version {
				return ErrStaleContext
			}
		}

		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to encode context: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, s.opts.TTL)
			return nil
		})
		return err
	}, key)

	switch {
	case errors.Is(err, ErrStaleContext), errors.Is(err, redis.TxFailedErr):
		return ErrStaleContext
	case err != nil:
		return fmt.Errorf("failed to write context to cache: %w", err)
	}

	cc.Version = next.Version
	cc.Timestamp = next.Timestamp
	s.persist(next)
	return nil
}

// ModifyContext applies fn to the latest context for the pair and writes
// the result, holding the pair's lock for the whole cycle. An error from fn
// aborts the update and is returned as is.
func (s *Store) ModifyContext(
	ctx context.Context,
	userID, channelID string,
	fn func(cc *models.ConversationContext) error,
) (*models.ConversationContext, error) {
	var result *models.ConversationContext
	err := s.cache.WithLock(ctx, lockKey(userID, channelID), s.opts.LockExpiry, func() error {
		for attempt := 0; ; attempt++ {
			cc, err := s.GetContext(ctx, userID, channelID)
			if err != nil {
				return err
			}
			if err := fn(cc); err != nil {
				return err
			}
			err = s.UpdateContext(ctx, cc)
			if errors.Is(err, ErrStaleContext) && attempt < s.opts.ModifyRetries {
				s.logger.DebugContext(
					ctx, "retrying stale context write",
					"user_id", userID,
					"channel_id", channelID,
					"attempt", attempt+1,
				)
				continue
			}
			if err != nil {
				return err
			}
			result = cc
			return nil
		}
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ClearContext removes the pair's cache entry and database row. Clearing a
// pair that does not exist is not an error.
func (s *Store) ClearContext(ctx context.Context, userID, channelID string) error {
	err := s.cache.WithLock(ctx, lockKey(userID, channelID), s.opts.LockExpiry, func() error {
		return s.cache.Delete(ctx, contextKey(userID, channelID))
	})
	if err != nil {
		return fmt.Errorf("failed to clear cached context: %w", err)
	}

	if s.durable == nil {
		return nil
	}
	if err := s.durable.DeleteContext(ctx, userID, channelID); err != nil {
		s.logger.WarnContext(
			ctx, "persistence warning: failed to delete context",
			"user_id", userID,
			"channel_id", channelID,
			tint.Err(err),
		)
	}
	return nil
}

// PurgeStale deletes database rows untouched for longer than olderThan.
func (s *Store) PurgeStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s.durable == nil {
		return 0, nil
	}
	n, err := s.durable.PurgeContexts(ctx, s.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to purge contexts: %w", err)
	}
	return n, nil
}

// Flush waits for in-flight mirror writes to finish, or for ctx to end.
// Writes started while Flush waits are held back until it returns.
func (s *Store) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.persistMu.Lock()
		s.persisting.Wait()
		s.persistMu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops mirroring new writes and flushes the pending ones. The cache
// side of the store keeps working.
func (s *Store) Close(ctx context.Context) error {
	s.persistMu.Lock()
	s.closed = true
	s.persistMu.Unlock()
	return s.Flush(ctx)
}

func (s *Store) persist(cc *models.ConversationContext) {
	if s.durable == nil {
		return
	}
	rec := models.NewConversationContextRecord(cc)

	s.persistMu.RLock()
	if s.closed {
		s.persistMu.RUnlock()
		s.logger.Warn(
			"persistence warning: store closed, context not mirrored",
			"user_id", rec.UserID,
			"channel_id", rec.ChannelID,
			"version", rec.Version,
		)
		return
	}
	s.persisting.Add(1)
	s.persistMu.RUnlock()

	go func() {
		defer s.persisting.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.PersistTimeout)
		defer cancel()
		if err := s.durable.UpsertContext(ctx, rec); err != nil {
			s.logger.Warn(
				"persistence warning: failed to mirror context",
				"user_id", rec.UserID,
				"channel_id", rec.ChannelID,
				"version", rec.Version,
				tint.Err(err),
			)
		}
	}()
}

// fromDurable builds the context for a cache miss. With RecoverFromDurable
// the mirrored row is restored as is; otherwise a fresh context is created
// whose version continues from the row, so the mirror keeps accepting its
// upserts after the cache entry expires.
func (s *Store) fromDurable(ctx context.Context, userID, channelID string) *models.ConversationContext {
	var rec *models.ConversationContextRecord
	if s.durable != nil {
		var err error
		rec, err = s.durable.GetContext(ctx, userID, channelID)
		if err != nil {
			s.logger.WarnContext(
				ctx, "persistence warning: failed to read mirrored context",
				"user_id", userID,
				"channel_id", channelID,
				tint.Err(err),
			)
			rec = nil
		}
	}
	if rec != nil && s.opts.RecoverFromDurable {
		return rec.Context()
	}

	cc := models.NewConversationContext(userID, channelID, s.preferences(ctx, userID))
	cc.Timestamp = s.now()
	if rec != nil {
		cc.Version = rec.Version
	}
	return cc
}

func (s *Store) preferences(ctx context.Context, userID string) models.UserPreferences {
	if s.prefs == nil {
		return models.DefaultPreferences()
	}
	return s.prefs.GetUserPreferences(ctx, userID)
}
