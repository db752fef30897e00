// internal/database/db_test.go
package database

import (
	"context"
	"testing"
	"time"

	"discord-ai-bot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB("sqlite", ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestUpsertContextKeepsNewestVersion(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	cc := models.NewConversationContext("u1", "c1", models.DefaultPreferences())
	cc.Version = 2
	cc.AppendTurn(models.Turn{Role: models.RoleUser, Content: "second"})
	require.NoError(t, db.UpsertContext(ctx, models.NewConversationContextRecord(cc)))

	older := models.NewConversationContext("u1", "c1", models.DefaultPreferences())
	older.Version = 1
	older.AppendTurn(models.Turn{Role: models.RoleUser, Content: "first"})
	require.NoError(t, db.UpsertContext(ctx, models.NewConversationContextRecord(older)))

	rec, err := db.GetContext(ctx, "u1", "c1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, uint64(2), rec.Version)
	require.Len(t, rec.History, 1)
	assert.Equal(t, "second", rec.History[0].Content)
}

func TestDeleteAndPurgeContexts(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	stale := models.NewConversationContext("u1", "old", models.DefaultPreferences())
	stale.Timestamp = time.Now().Add(-40 * 24 * time.Hour)
	fresh := models.NewConversationContext("u1", "new", models.DefaultPreferences())
	require.NoError(t, db.UpsertContext(ctx, models.NewConversationContextRecord(stale)))
	require.NoError(t, db.UpsertContext(ctx, models.NewConversationContextRecord(fresh)))

	n, err := db.PurgeContexts(ctx, time.Now().Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rec, err := db.GetContext(ctx, "u1", "old")
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, db.DeleteContext(ctx, "u1", "new"))
	require.NoError(t, db.DeleteContext(ctx, "u1", "new"))
	rec, err = db.GetContext(ctx, "u1", "new")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestUserPreferences(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	prefs, err := db.GetUserPreferences(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, prefs)

	require.NoError(t, db.UpsertUser(ctx, &models.User{ID: "u1", Username: "alice"}))
	prefs, err = db.GetUserPreferences(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, prefs)
	assert.Equal(t, models.DefaultPreferences(), *prefs)

	updated := models.DefaultPreferences()
	updated.Language = "fr"
	require.NoError(t, db.SaveUserPreferences(ctx, "u1", updated))

	// profile refresh must not reset preferences
	require.NoError(t, db.UpsertUser(ctx, &models.User{ID: "u1", Username: "alice2"}))
	prefs, err = db.GetUserPreferences(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "fr", prefs.Language)

	count, err := db.CountUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestVoiceSessionsAndReminders(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	now := time.Now()
	require.NoError(t, db.StartVoiceSession(ctx, &models.VoiceSessionRecord{
		GuildID:   "g1",
		ChannelID: "vc1",
		UserID:    "u1",
		IsActive:  true,
		StartedAt: now,
	}))
	require.NoError(t, db.EndVoiceSessions(ctx, "g1", now.Add(time.Minute)))

	var active int64
	require.NoError(t, db.Model(&models.VoiceSessionRecord{}).Where("is_active = ?", true).Count(&active).Error)
	assert.Equal(t, int64(0), active)

	when := now.Add(time.Hour)
	require.NoError(t, db.CreateReminder(ctx, &models.Reminder{
		UserID:       "u1",
		ChannelID:    "c1",
		Message:      "call mom",
		ScheduledFor: &when,
	}))
	reminders, err := db.PendingReminders(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, reminders, 1)
	assert.Equal(t, "call mom", reminders[0].Message)
}
