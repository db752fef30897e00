// cmd/bot/app.go
package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"discord-ai-bot/internal/bot"
	"discord-ai-bot/internal/cache"
	"discord-ai-bot/internal/config"
	"discord-ai-bot/internal/contextstore"
	"discord-ai-bot/internal/database"
	"discord-ai-bot/internal/gateway"
	"discord-ai-bot/internal/logging"
	"discord-ai-bot/internal/observability"
	"discord-ai-bot/internal/preferences"
	"discord-ai-bot/internal/server"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const metricsNamespace = "discord_ai_bot"

// app holds the long-lived dependencies shared by the subcommands.
type app struct {
	cfg     *config.Config
	handler slog.Handler
	logger  *slog.Logger

	db       *database.DB
	cache    *cache.RedisCache
	metrics  *observability.Metrics
	prefs    *preferences.Store
	contexts *contextstore.Store
	text     *gateway.TextGateway
	voice    *gateway.VoiceGateway
}

func openDB(cfg *config.Config) (*database.DB, error) {
	dbLogger := logging.New(newLogHandler(cfg.DatabaseLogLevel), "database")
	db, err := database.NewDB(
		cfg.DatabaseType,
		cfg.Database,
		database.NewLogger(dbLogger, cfg.DatabaseSlowThreshold),
	)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	handler := newLogHandler(cfg.LogLevel)
	logger := logging.New(handler, "main")
	logger.InfoContext(ctx, "starting", "config", cfg)

	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}

	redisCache, err := cache.NewRedisCache(ctx, cfg.RedisURL, logging.New(handler, "cache"))
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	metrics := observability.NewMetrics(metricsNamespace)
	prefs := preferences.New(redisCache, db, cfg.Context.PreferencesTTL, logging.New(handler, "preferences"))
	contexts := contextstore.New(
		redisCache,
		db,
		prefs,
		contextstore.Options{
			TTL:                cfg.Context.TTL,
			LockExpiry:         cfg.Context.LockExpiry,
			PersistTimeout:     cfg.Context.PersistTimeout,
			ModifyRetries:      cfg.Context.ModifyRetries,
			RecoverFromDurable: cfg.Context.RecoverFromDurable,
		},
		logging.New(handler, "contextstore"),
	)

	text := gateway.NewTextGateway(
		gateway.TextOptions{
			BaseURL:              cfg.TextService.URL,
			Timeout:              cfg.TextService.Timeout,
			HistoryWindow:        cfg.TextService.HistoryWindow,
			MaxRequestsPerSecond: cfg.TextService.MaxRequestsPerSecond,
		},
		metrics,
		logging.New(handler, "text_gateway"),
	)
	voice := gateway.NewVoiceGateway(
		gateway.VoiceOptions{
			BaseURL: cfg.VoiceService.URL,
			Timeout: cfg.VoiceService.Timeout,
			Settings: gateway.VoiceSettings{
				VoiceActivityDetection: cfg.VoiceService.VoiceActivityDetection,
				InterruptionHandling:   cfg.VoiceService.InterruptionHandling,
				AudioFormat:            cfg.VoiceService.AudioFormat,
				SampleRate:             cfg.VoiceService.SampleRate,
				Channels:               cfg.VoiceService.Channels,
			},
		},
		metrics,
		logging.New(handler, "voice_gateway"),
	)

	return &app{
		cfg:      cfg,
		handler:  handler,
		logger:   logger,
		db:       db,
		cache:    redisCache,
		metrics:  metrics,
		prefs:    prefs,
		contexts: contexts,
		text:     text,
		voice:    voice,
	}, nil
}

// newSession creates a discordgo session with its logging redirected to slog.
func (a *app) newSession(ctx context.Context) (*discordgo.Session, error) {
	s, err := discordgo.New("Bot " + a.cfg.Discord.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	s.Identify.Intents = a.cfg.Discord.GatewayIntents
	s.StateEnabled = true
	s.LogLevel = logging.DiscordGoLevel(a.cfg.Discord.DiscordGoLogLevel.Level())
	discordgo.Logger = logging.DiscordGoLogger(
		ctx,
		newLogHandler(a.cfg.Discord.DiscordGoLogLevel),
	)
	return s, nil
}

func (a *app) newBot(s *discordgo.Session) *bot.Bot {
	var cooldowns bot.CooldownStore
	if a.cfg.Discord.SharedCooldowns {
		cooldowns = bot.NewRedisCooldowns(a.cache)
	} else {
		cooldowns = bot.NewMemoryCooldowns()
	}

	botHandler := newLogHandler(a.cfg.Discord.LogLevel)
	return bot.New(
		bot.Deps{
			Discord:   bot.NewSession(s, logging.New(botHandler, "voice")),
			Contexts:  a.contexts,
			Prefs:     a.prefs,
			Text:      a.text,
			Voice:     a.voice,
			Repo:      a.db,
			Cooldowns: cooldowns,
			Metrics:   a.metrics,
		},
		bot.Options{
			ApplicationID:    a.cfg.Discord.ApplicationID,
			GuildID:          a.cfg.Discord.GuildID,
			CommandPrefix:    a.cfg.Discord.CommandPrefix,
			DefaultCooldown:  a.cfg.Discord.DefaultCooldown,
			Cooldowns:        a.cfg.Discord.Cooldowns,
			VoiceIdleTimeout: a.cfg.VoiceService.IdleTimeout,
		},
		logging.New(botHandler, "bot"),
	)
}

func (a *app) healthChecks() map[string]server.Check {
	return map[string]server.Check{
		"cache":    a.cache.HealthCheck,
		"database": a.db.Ping,
		"textService": func(ctx context.Context) error {
			return serviceHealth(a.text.Health(ctx))
		},
		"voiceService": func(ctx context.Context) error {
			return serviceHealth(a.voice.Health(ctx))
		},
	}
}

func serviceHealth(h *gateway.HealthStatus, err error) error {
	if err != nil {
		return err
	}
	if !h.Healthy() {
		return fmt.Errorf("status %q", h.Status)
	}
	return nil
}

// close drains background context writes and releases connections.
func (a *app) close(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := a.contexts.Close(ctx); err != nil {
		a.logger.Warn("context mirror writes still pending at shutdown", tint.Err(err))
	}
	if err := a.cache.Close(); err != nil {
		a.logger.Warn("error closing redis", tint.Err(err))
	}
	if err := a.db.Close(); err != nil {
		a.logger.Warn("error closing database", tint.Err(err))
	}
}
