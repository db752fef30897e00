// internal/database/db.go
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"discord-ai-bot/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type DB struct {
	*gorm.DB
}

// NewDB opens a postgres or sqlite database and migrates the schema.
// dsn is a postgres connection string, or a sqlite file path.
func NewDB(dbType, dsn string, log logger.Interface) (*DB, error) {
	var dialector gorm.Dialector
	switch dbType {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database type: %q", dbType)
	}

	cfg := &gorm.Config{}
	if log != nil {
		cfg.Logger = log
	}
	gormDB, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dbType == "sqlite" {
		// a single connection serializes writers and keeps :memory: databases alive
		sqlDB, err := gormDB.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := gormDB.AutoMigrate(models.All()...); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &DB{gormDB}, nil
}

func (db *DB) Ping(ctx context.Context) error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// UpsertContext writes the durable mirror of a context. An existing row is
// only replaced by a record with the same or a newer version, so mirror
// writes that complete out of order never roll a context back.
func (db *DB) UpsertContext(ctx context.Context, rec *models.ConversationContextRecord) error {
	return db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "channel_id"}},
			DoUpdates: clause.AssignmentColumns(
				[]string{
					"guild_id",
					"interaction_type",
					"history",
					"tools",
					"preferences",
					"version",
					"updated_at",
				},
			),
			Where: clause.Where{
				Exprs: []clause.Expression{
					clause.Expr{SQL: "conversation_contexts.version <= excluded.version"},
				},
			},
		},
	).Create(rec).Error
}

// GetContext returns the durable context row, or nil if none exists.
func (db *DB) GetContext(ctx context.Context, userID, channelID string) (*models.ConversationContextRecord, error) {
	var rec models.ConversationContextRecord
	err := db.WithContext(ctx).
		Where("user_id = ? AND channel_id = ?", userID, channelID).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (db *DB) DeleteContext(ctx context.Context, userID, channelID string) error {
	return db.WithContext(ctx).
		Where("user_id = ? AND channel_id = ?", userID, channelID).
		Delete(&models.ConversationContextRecord{}).Error
}

// PurgeContexts deletes context rows untouched since cutoff.
func (db *DB) PurgeContexts(ctx context.Context, cutoff time.Time) (int64, error) {
	result := db.WithContext(ctx).
		Where("updated_at < ?", cutoff).
		Delete(&models.ConversationContextRecord{})
	return result.RowsAffected, result.Error
}

// GetUserPreferences returns the stored preferences for userID, or nil if
// the user has never been seen.
func (db *DB) GetUserPreferences(ctx context.Context, userID string) (*models.UserPreferences, error) {
	var user models.User
	err := db.WithContext(ctx).Select("id", "preferences").Where("id = ?", userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user.Preferences, nil
}

func (db *DB) SaveUserPreferences(ctx context.Context, userID string, prefs models.UserPreferences) error {
	user := &models.User{ID: userID, Preferences: prefs}
	return db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"preferences", "updated_at"}),
		},
	).Create(user).Error
}

// UpsertUser refreshes a user's profile fields without touching preferences.
// New users are created with default preferences.
func (db *DB) UpsertUser(ctx context.Context, user *models.User) error {
	if user.Preferences.Language == "" {
		user.Preferences = models.DefaultPreferences()
	}
	return db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"username", "discriminator", "avatar", "updated_at"}),
		},
	).Create(user).Error
}

func (db *DB) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&models.User{}).Count(&n).Error
	return n, err
}

func (db *DB) UpsertGuild(ctx context.Context, guild *models.Guild) error {
	return db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "owner_id", "updated_at"}),
		},
	).Create(guild).Error
}

func (db *DB) CreateReminder(ctx context.Context, r *models.Reminder) error {
	return db.WithContext(ctx).Create(r).Error
}

// PendingReminders lists a user's reminders that are not completed, soonest first.
func (db *DB) PendingReminders(ctx context.Context, userID string) ([]models.Reminder, error) {
	var reminders []models.Reminder
	err := db.WithContext(ctx).
		Where("user_id = ? AND is_completed = ?", userID, false).
		Order("scheduled_for ASC").
		Find(&reminders).Error
	return reminders, err
}

func (db *DB) StartVoiceSession(ctx context.Context, rec *models.VoiceSessionRecord) error {
	return db.WithContext(ctx).Create(rec).Error
}

// EndVoiceSessions closes every active session row for the guild.
func (db *DB) EndVoiceSessions(ctx context.Context, guildID string, endedAt time.Time) error {
	return db.WithContext(ctx).
		Model(&models.VoiceSessionRecord{}).
		Where("guild_id = ? AND is_active = ?", guildID, true).
		Updates(map[string]any{"is_active": false, "ended_at": endedAt, "last_activity": endedAt}).Error
}

func (db *DB) TouchVoiceSession(ctx context.Context, guildID string, at time.Time) error {
	return db.WithContext(ctx).
		Model(&models.VoiceSessionRecord{}).
		Where("guild_id = ? AND is_active = ?", guildID, true).
		Update("last_activity", at).Error
}

func (db *DB) RecordAnalytics(ctx context.Context, event *models.BotAnalytics) error {
	return db.WithContext(ctx).Create(event).Error
}
