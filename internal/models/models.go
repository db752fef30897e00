// internal/models/models.go
package models

import (
	"time"
)

// User is a Discord user the bot has interacted with. Preferences are owned
// by the preference store; profile fields are refreshed on every interaction.
type User struct {
	ID            string          `gorm:"primaryKey"`
	Username      string          `gorm:"not null"`
	Discriminator string
	Avatar        string
	Preferences   UserPreferences `gorm:"serializer:json"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Guild struct {
	ID        string         `gorm:"primaryKey"`
	Name      string         `gorm:"not null"`
	OwnerID   string
	Settings  map[string]any `gorm:"serializer:json"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ConversationContextRecord is the durable mirror of a ConversationContext.
type ConversationContextRecord struct {
	UserID          string          `gorm:"primaryKey"`
	ChannelID       string          `gorm:"primaryKey"`
	GuildID         string          `gorm:"index"`
	InteractionType InteractionType `gorm:"type:varchar(32)"`
	History         []Turn          `gorm:"serializer:json"`
	Tools           []string        `gorm:"serializer:json"`
	Preferences     UserPreferences `gorm:"serializer:json"`
	Version         uint64
	CreatedAt       time.Time
	UpdatedAt       time.Time `gorm:"index"`
}

func (ConversationContextRecord) TableName() string {
	return "conversation_contexts"
}

// Context converts the durable row back into a ConversationContext.
func (r ConversationContextRecord) Context() *ConversationContext {
	return &ConversationContext{
		UserID:          r.UserID,
		ChannelID:       r.ChannelID,
		GuildID:         r.GuildID,
		InteractionType: r.InteractionType,
		History:         r.History,
		Tools:           r.Tools,
		Preferences:     r.Preferences,
		Timestamp:       r.UpdatedAt,
		Version:         r.Version,
	}
}

// NewConversationContextRecord builds the durable row for cc.
func NewConversationContextRecord(cc *ConversationContext) *ConversationContextRecord {
	return &ConversationContextRecord{
		UserID:          cc.UserID,
		ChannelID:       cc.ChannelID,
		GuildID:         cc.GuildID,
		InteractionType: cc.InteractionType,
		History:         cc.History,
		Tools:           cc.Tools,
		Preferences:     cc.Preferences,
		Version:         cc.Version,
		UpdatedAt:       cc.Timestamp,
	}
}

type Reminder struct {
	ID           uint   `gorm:"primaryKey"`
	UserID       string `gorm:"not null;index"`
	GuildID      string
	ChannelID    string     `gorm:"not null"`
	Message      string     `gorm:"type:text;not null"`
	ScheduledFor *time.Time `gorm:"index"`
	IsCompleted  bool       `gorm:"default:false"`
	CreatedAt    time.Time
}

type VoiceSessionRecord struct {
	ID              uint   `gorm:"primaryKey"`
	GuildID         string `gorm:"not null;index"`
	ChannelID       string `gorm:"not null"`
	UserID          string `gorm:"not null"`
	RemoteSessionID string
	IsActive        bool      `gorm:"default:true"`
	StartedAt       time.Time `gorm:"not null"`
	LastActivity    time.Time
	EndedAt         *time.Time
}

func (VoiceSessionRecord) TableName() string {
	return "voice_sessions"
}

// BotAnalytics is one row per handled interaction.
type BotAnalytics struct {
	ID              uint            `gorm:"primaryKey"`
	EventType       string          `gorm:"not null;index"`
	InteractionType InteractionType `gorm:"type:varchar(32)"`
	Command         string
	UserID          string `gorm:"index"`
	GuildID         string
	ChannelID       string
	LatencyMS       int64
	Success         bool
	Error           string `gorm:"type:text"`
	CreatedAt       time.Time
}

func (BotAnalytics) TableName() string {
	return "bot_analytics"
}

// All lists every model managed by AutoMigrate.
func All() []any {
	return []any{
		&User{},
		&Guild{},
		&ConversationContextRecord{},
		&Reminder{},
		&VoiceSessionRecord{},
		&BotAnalytics{},
	}
}
