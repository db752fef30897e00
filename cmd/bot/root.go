// cmd/bot/root.go
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"discord-ai-bot/internal/config"
	"discord-ai-bot/internal/logging"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "BOT"

var (
	cfg        = config.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:           "discord-ai-bot",
	Short:         "Discord front-end for the text and voice AI services",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		loaded, err := loadConfig(viper.New(), configFile)
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use (.env, .yaml, .json or .toml)",
	)
	rootCmd.AddCommand(runCmd, registerCmd, purgeCmd)
}

// loadConfig reads defaults, then the config file, then BOT_* environment
// variables, and decodes the result into a Config.
func loadConfig(v *viper.Viper, file string) (*config.Config, error) {
	switch {
	case file == "":
		_ = godotenv.Load()
	case filepath.Ext(file) == ".env":
		if err := godotenv.Load(file); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", file, err)
		}
	default:
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	c := config.DefaultConfig()
	err := v.Unmarshal(
		c,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				levelVarHookFunc(),
				durationMapHookFunc(),
			),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return c, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	d := config.DefaultConfig()

	v.SetDefault("log_level", d.LogLevel.Level().String())
	v.SetDefault("database_type", d.DatabaseType)
	v.SetDefault("database", d.Database)
	v.SetDefault("database_log_level", d.DatabaseLogLevel.Level().String())
	v.SetDefault("database_slow_threshold", d.DatabaseSlowThreshold)
	v.SetDefault("redis_url", d.RedisURL)
	v.SetDefault("shutdown_timeout", d.ShutdownTimeout)

	v.SetDefault("context.ttl", d.Context.TTL)
	v.SetDefault("context.max_age", d.Context.MaxAge)
	v.SetDefault("context.purge_schedule", d.Context.PurgeSchedule)
	v.SetDefault("context.lock_expiry", d.Context.LockExpiry)
	v.SetDefault("context.persist_timeout", d.Context.PersistTimeout)
	v.SetDefault("context.modify_retries", d.Context.ModifyRetries)
	v.SetDefault("context.recover_from_durable", d.Context.RecoverFromDurable)
	v.SetDefault("context.preferences_ttl", d.Context.PreferencesTTL)

	v.SetDefault("text_service.url", d.TextService.URL)
	v.SetDefault("text_service.timeout", d.TextService.Timeout)
	v.SetDefault("text_service.history_window", d.TextService.HistoryWindow)
	v.SetDefault("text_service.max_requests_per_second", d.TextService.MaxRequestsPerSecond)

	v.SetDefault("voice_service.url", d.VoiceService.URL)
	v.SetDefault("voice_service.timeout", d.VoiceService.Timeout)
	v.SetDefault("voice_service.voice_activity_detection", d.VoiceService.VoiceActivityDetection)
	v.SetDefault("voice_service.interruption_handling", d.VoiceService.InterruptionHandling)
	v.SetDefault("voice_service.audio_format", d.VoiceService.AudioFormat)
	v.SetDefault("voice_service.sample_rate", d.VoiceService.SampleRate)
	v.SetDefault("voice_service.channels", d.VoiceService.Channels)
	v.SetDefault("voice_service.idle_timeout", d.VoiceService.IdleTimeout)
	v.SetDefault("voice_service.reap_schedule", d.VoiceService.ReapSchedule)

	v.SetDefault("discord.token", "")
	v.SetDefault("discord.application_id", "")
	v.SetDefault("discord.guild_id", "")
	v.SetDefault("discord.command_prefix", d.Discord.CommandPrefix)
	v.SetDefault("discord.gateway_intents", int(d.Discord.GatewayIntents))
	v.SetDefault("discord.default_cooldown", d.Discord.DefaultCooldown)
	v.SetDefault("discord.cooldowns", "")
	v.SetDefault("discord.shared_cooldowns", d.Discord.SharedCooldowns)
	v.SetDefault("discord.register_commands", d.Discord.RegisterCommands)
	v.SetDefault("discord.log_level", d.Discord.LogLevel.Level().String())
	v.SetDefault("discord.discordgo_log_level", d.Discord.DiscordGoLogLevel.Level().String())

	v.SetDefault("server.enabled", d.Server.Enabled)
	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.read_header_timeout", d.Server.ReadHeaderTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
}

// levelVarHookFunc decodes "DEBUG", "info", ... into a *slog.LevelVar.
func levelVarHookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(&slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := logging.ParseLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lv := &slog.LevelVar{}
		lv.Set(lvl)
		return lv, nil
	}
}

// durationMapHookFunc decodes "chat=5s,remind=30s" into a
// map[string]time.Duration.
func durationMapHookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(map[string]time.Duration{}) {
			return data, nil
		}
		out := map[string]time.Duration{}
		for _, pair := range strings.Split(data.(string), ",") {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}
			name, raw, ok := strings.Cut(pair, "=")
			if !ok {
				return nil, fmt.Errorf("invalid cooldown %q, expected name=duration", pair)
			}
			d, err := time.ParseDuration(strings.TrimSpace(raw))
			if err != nil {
				return nil, fmt.Errorf("invalid cooldown %q: %w", pair, err)
			}
			out[strings.TrimSpace(name)] = d
		}
		return out, nil
	}
}

func newLogHandler(level slog.Leveler) slog.Handler {
	return logging.NewHandler(os.Stdout, level)
}
