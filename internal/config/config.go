// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	DefaultLogLevel              = slog.LevelInfo
	DefaultDatabaseType          = "sqlite"
	DefaultDatabase              = "discord-ai-bot.sqlite3"
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultRedisURL              = "redis://127.0.0.1:6379/0"
	DefaultShutdownTimeout       = 30 * time.Second

	DefaultContextTTL         = time.Hour
	DefaultContextMaxAge      = 30 * 24 * time.Hour
	DefaultPurgeSchedule      = "@hourly"
	DefaultVoiceReapSchedule  = "@every 30s"
	DefaultContextLockExpiry  = 10 * time.Second
	DefaultPersistTimeout     = 10 * time.Second
	DefaultPreferencesTTL     = 24 * time.Hour
	DefaultHistoryWindow      = 10
	DefaultModifyRetries      = 3
	DefaultTextServiceURL     = "http://127.0.0.1:8000"
	DefaultTextServiceTimeout = 30 * time.Second
	DefaultVoiceServiceURL    = "http://127.0.0.1:8001"
	DefaultVoiceTimeout       = 60 * time.Second
	DefaultAudioFormat        = "pcm16"
	DefaultSampleRate         = 48000
	DefaultAudioChannels      = 2
	DefaultVoiceIdleTimeout   = 5 * time.Minute
	DefaultCommandCooldown    = 3 * time.Second
	DefaultCommandPrefix      = "!"
	DefaultServerListen       = "127.0.0.1:8080"
	DefaultDiscordIntents     = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent |
		discordgo.IntentsGuildVoiceStates
)

type Config struct {
	// LogLevel is the base log level for the default logger
	LogLevel *slog.LevelVar `mapstructure:"log_level"`

	// DatabaseType is either 'sqlite' or 'postgres'
	DatabaseType string `mapstructure:"database_type"`

	// Database is a DSN for postgres, or a file path for sqlite
	Database string `mapstructure:"database"`

	DatabaseLogLevel      *slog.LevelVar `mapstructure:"database_log_level"`
	DatabaseSlowThreshold time.Duration  `mapstructure:"database_slow_threshold"`

	// RedisURL may contain several comma-separated addresses for a cluster
	RedisURL string `mapstructure:"redis_url"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	Context      ContextConfig      `mapstructure:"context"`
	TextService  TextServiceConfig  `mapstructure:"text_service"`
	VoiceService VoiceServiceConfig `mapstructure:"voice_service"`
	Discord      DiscordConfig      `mapstructure:"discord"`
	Server       ServerConfig       `mapstructure:"server"`
}

// ContextConfig configures the conversation context and preference stores.
type ContextConfig struct {
	// TTL of cached contexts. Durable rows have no TTL.
	TTL time.Duration `mapstructure:"ttl"`

	// MaxAge of durable rows before they are purged
	MaxAge time.Duration `mapstructure:"max_age"`

	// PurgeSchedule is a cron schedule for the durable row purge
	PurgeSchedule string `mapstructure:"purge_schedule"`

	LockExpiry     time.Duration `mapstructure:"lock_expiry"`
	PersistTimeout time.Duration `mapstructure:"persist_timeout"`
	ModifyRetries  int           `mapstructure:"modify_retries"`

	// RecoverFromDurable seeds cache misses from the durable mirror
	RecoverFromDurable bool `mapstructure:"recover_from_durable"`

	PreferencesTTL time.Duration `mapstructure:"preferences_ttl"`
}

type TextServiceConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`

	// HistoryWindow is the number of recent turns sent with each request
	HistoryWindow int `mapstructure:"history_window"`

	// MaxRequestsPerSecond limits outbound calls. 0=unlimited
	MaxRequestsPerSecond float64 `mapstructure:"max_requests_per_second"`
}

type VoiceServiceConfig struct {
	URL                    string        `mapstructure:"url"`
	Timeout                time.Duration `mapstructure:"timeout"`
	VoiceActivityDetection bool          `mapstructure:"voice_activity_detection"`
	InterruptionHandling   bool          `mapstructure:"interruption_handling"`
	AudioFormat            string        `mapstructure:"audio_format"`
	SampleRate             int           `mapstructure:"sample_rate"`
	Channels               int           `mapstructure:"channels"`

	// IdleTimeout after which an inactive voice session is left
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// ReapSchedule is a cron schedule for the idle session check
	ReapSchedule string `mapstructure:"reap_schedule"`
}

type DiscordConfig struct {
	// Discord bot token
	Token string `mapstructure:"token" log:"[redacted]"`

	ApplicationID string `mapstructure:"application_id"`

	// GuildID scopes slash command registration. Empty registers globally.
	GuildID string `mapstructure:"guild_id"`

	CommandPrefix  string           `mapstructure:"command_prefix"`
	GatewayIntents discordgo.Intent `mapstructure:"gateway_intents"`

	// DefaultCooldown applies to slash commands without their own cooldown
	DefaultCooldown time.Duration `mapstructure:"default_cooldown"`

	// Cooldowns overrides the cooldown per slash command name
	Cooldowns map[string]time.Duration `mapstructure:"cooldowns"`

	// SharedCooldowns stores cooldowns in redis instead of process memory
	SharedCooldowns bool `mapstructure:"shared_cooldowns"`

	// RegisterCommands overwrites the slash command set on startup
	RegisterCommands bool `mapstructure:"register_commands"`

	LogLevel          *slog.LevelVar `mapstructure:"log_level"`
	DiscordGoLogLevel *slog.LevelVar `mapstructure:"discordgo_log_level"`
}

type ServerConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Listen            string        `mapstructure:"listen"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
}

func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("log_level", c.LogLevel.Level().String()),
		slog.String("database_type", c.DatabaseType),
		slog.String("text_service", c.TextService.URL),
		slog.String("voice_service", c.VoiceService.URL),
		slog.String("discord_token", "[redacted]"),
		slog.String("server_listen", c.Server.Listen),
	)
}

// Validate reports configuration that would prevent the bot from starting.
func (c *Config) Validate() error {
	var errs []error
	if c.Discord.Token == "" {
		errs = append(errs, errors.New("discord.token is required"))
	}
	switch c.DatabaseType {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database_type must be sqlite or postgres, got %q", c.DatabaseType))
	}
	if c.Database == "" {
		errs = append(errs, errors.New("database is required"))
	}
	if c.RedisURL == "" {
		errs = append(errs, errors.New("redis_url is required"))
	}
	if c.TextService.URL == "" {
		errs = append(errs, errors.New("text_service.url is required"))
	}
	if c.VoiceService.URL == "" {
		errs = append(errs, errors.New("voice_service.url is required"))
	}
	if c.Context.TTL <= 0 {
		errs = append(errs, errors.New("context.ttl must be > 0"))
	}
	if c.TextService.HistoryWindow < 0 {
		errs = append(errs, errors.New("text_service.history_window must be >= 0"))
	}
	if c.TextService.MaxRequestsPerSecond < 0 {
		errs = append(errs, errors.New("text_service.max_requests_per_second must be >= 0"))
	}
	return errors.Join(errs...)
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	dbLogLevel.Set(slog.LevelWarn)
	discordLogLevel.Set(slog.LevelInfo)
	discordgoLogLevel.Set(slog.LevelWarn)

	return &Config{
		LogLevel:              mainLogLevel,
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		RedisURL:              DefaultRedisURL,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Context: ContextConfig{
			TTL:            DefaultContextTTL,
			MaxAge:         DefaultContextMaxAge,
			PurgeSchedule:  DefaultPurgeSchedule,
			LockExpiry:     DefaultContextLockExpiry,
			PersistTimeout: DefaultPersistTimeout,
			ModifyRetries:  DefaultModifyRetries,
			PreferencesTTL: DefaultPreferencesTTL,
		},
		TextService: TextServiceConfig{
			URL:           DefaultTextServiceURL,
			Timeout:       DefaultTextServiceTimeout,
			HistoryWindow: DefaultHistoryWindow,
		},
		VoiceService: VoiceServiceConfig{
			URL:                    DefaultVoiceServiceURL,
			Timeout:                DefaultVoiceTimeout,
			VoiceActivityDetection: true,
			InterruptionHandling:   true,
			AudioFormat:            DefaultAudioFormat,
			SampleRate:             DefaultSampleRate,
			Channels:               DefaultAudioChannels,
			IdleTimeout:            DefaultVoiceIdleTimeout,
			ReapSchedule:           DefaultVoiceReapSchedule,
		},
		Discord: DiscordConfig{
			CommandPrefix:     DefaultCommandPrefix,
			GatewayIntents:    DefaultDiscordIntents,
			DefaultCooldown:   DefaultCommandCooldown,
			Cooldowns:         map[string]time.Duration{},
			RegisterCommands:  true,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
		},
		Server: ServerConfig{
			Enabled:           true,
			Listen:            DefaultServerListen,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      10 * time.Second,
		},
	}
}
