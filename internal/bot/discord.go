// internal/bot/discord.go
package bot

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Discord is the subset of the discordgo session used by the routers.
type Discord interface {
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageSend(
		channelID string,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelTyping(channelID string, options ...discordgo.RequestOption) error

	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// JoinVoice connects the bot to a voice channel and waits until the
	// connection is ready.
	JoinVoice(guildID, channelID string) (VoiceConn, error)

	// VoiceStates returns the cached voice states of a guild.
	VoiceStates(guildID string) []*discordgo.VoiceState

	// GuildCount is the number of guilds the bot is in.
	GuildCount() int

	// BotUserID is the bot's own user ID, empty until the session is ready.
	BotUserID() string
}

type VoiceConn interface {
	Disconnect() error
}

var voiceReadyTimeout = 10 * time.Second

// Session implements Discord over a live discordgo session.
type Session struct {
	*discordgo.Session
	logger *slog.Logger
}

func NewSession(s *discordgo.Session, logger *slog.Logger) *Session {
	return &Session{Session: s, logger: logger}
}

func (s *Session) JoinVoice(guildID, channelID string) (VoiceConn, error) {
	vc, err := s.ChannelVoiceJoin(guildID, channelID, false, true)
	if err != nil {
		return nil, fmt.Errorf("failed to join voice channel: %w", err)
	}

	timeout := time.After(voiceReadyTimeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		vc.RLock()
		ready := vc.Ready
		vc.RUnlock()
		if ready {
			s.logger.Info("voice connection ready", "guild_id", guildID, "channel_id", channelID)
			return vc, nil
		}

		select {
		case <-timeout:
			if derr := vc.Disconnect(); derr != nil {
				s.logger.Warn("error disconnecting from voice", "guild_id", guildID, tint.Err(derr))
			}
			return nil, errors.New("voice connection timeout")
		case <-ticker.C:
		}
	}
}

func (s *Session) VoiceStates(guildID string) []*discordgo.VoiceState {
	guild, err := s.State.Guild(guildID)
	if err != nil {
		return nil
	}
	s.State.RLock()
	defer s.State.RUnlock()
	states := make([]*discordgo.VoiceState, len(guild.VoiceStates))
	copy(states, guild.VoiceStates)
	return states
}

func (s *Session) GuildCount() int {
	s.State.RLock()
	defer s.State.RUnlock()
	return len(s.State.Guilds)
}

func (s *Session) BotUserID() string {
	s.State.RLock()
	defer s.State.RUnlock()
	if s.State.User == nil {
		return ""
	}
	return s.State.User.ID
}
