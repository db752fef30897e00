// internal/preferences/store.go
package preferences

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"discord-ai-bot/internal/cache"
	"discord-ai-bot/internal/models"

	"github.com/lmittmann/tint"
)

const DefaultTTL = 24 * time.Hour

// Durable is the database side of the preference store.
type Durable interface {
	GetUserPreferences(ctx context.Context, userID string) (*models.UserPreferences, error)
	SaveUserPreferences(ctx context.Context, userID string, prefs models.UserPreferences) error
}

type Store struct {
	cache   *cache.RedisCache
	durable Durable
	ttl     time.Duration
	logger  *slog.Logger
}

func New(c *cache.RedisCache, durable Durable, ttl time.Duration, logger *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{cache: c, durable: durable, ttl: ttl, logger: logger}
}

func prefsKey(userID string) string {
	return "prefs:" + userID
}

// GetUserPreferences returns the user's preferences from the cache, then
// the database, then the defaults. It never fails: any storage error
// degrades to the defaults.
func (s *Store) GetUserPreferences(ctx context.Context, userID string) models.UserPreferences {
	prefs, err := s.load(ctx, userID)
	if err != nil {
		s.logger.WarnContext(
			ctx, "persistence warning: using default preferences",
			"user_id", userID,
			tint.Err(err),
		)
		return models.DefaultPreferences()
	}
	return prefs
}

// UpdateUserPreferences merges update onto the user's current preferences
// and persists the result.
func (s *Store) UpdateUserPreferences(
	ctx context.Context,
	userID string,
	update models.PreferencesUpdate,
) (models.UserPreferences, error) {
	if err := validate(update); err != nil {
		return models.UserPreferences{}, err
	}

	current, err := s.load(ctx, userID)
	if err != nil {
		return models.UserPreferences{}, fmt.Errorf("failed to load preferences: %w", err)
	}
	merged := update.Apply(current)

	if err := s.durable.SaveUserPreferences(ctx, userID, merged); err != nil {
		return models.UserPreferences{}, fmt.Errorf("failed to save preferences: %w", err)
	}

	if err := s.cache.SetJSON(ctx, prefsKey(userID), merged, s.ttl); err != nil {
		s.logger.WarnContext(ctx, "failed to refresh cached preferences", "user_id", userID, tint.Err(err))
		// a stale entry would shadow the update until it expires
		_ = s.cache.Delete(ctx, prefsKey(userID))
	}
	return merged, nil
}

func (s *Store) load(ctx context.Context, userID string) (models.UserPreferences, error) {
	cached, err := cache.GetJSON[models.UserPreferences](ctx, s.cache, prefsKey(userID))
	if err == nil {
		return *cached, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		s.logger.WarnContext(ctx, "preference cache unavailable", "user_id", userID, tint.Err(err))
	}

	stored, err := s.durable.GetUserPreferences(ctx, userID)
	if err != nil {
		return models.UserPreferences{}, err
	}
	prefs := models.DefaultPreferences()
	if stored != nil {
		prefs = *stored
	}

	if err := s.cache.SetJSON(ctx, prefsKey(userID), prefs, s.ttl); err != nil {
		s.logger.WarnContext(ctx, "failed to cache preferences", "user_id", userID, tint.Err(err))
	}
	return prefs, nil
}

func validate(update models.PreferencesUpdate) error {
	if update.Empty() {
		return models.NewValidationError("preferences", "at least one setting must be provided")
	}
	if update.Language != nil {
		lang := strings.TrimSpace(*update.Language)
		if len(lang) < 2 || len(lang) > 5 {
			return models.NewValidationError("language", "must be a language code like 'en' or 'pt-BR'")
		}
		*update.Language = lang
	}
	if update.TextModel != nil && strings.TrimSpace(*update.TextModel) == "" {
		return models.NewValidationError("model", "must not be empty")
	}
	return nil
}
