// internal/bot/voice.go
package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"discord-ai-bot/internal/models"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

type voiceSession struct {
	conn          VoiceConn
	guildID       string
	channelID     string
	userID        string
	textChannelID string
	sessionID     string
	startTime     time.Time

	mu           sync.RWMutex
	lastActivity time.Time
}

func (s *voiceSession) touch(at time.Time) {
	s.mu.Lock()
	s.lastActivity = at
	s.mu.Unlock()
}

func (s *voiceSession) idleSince() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// VoiceRouter owns the bot's voice connections, at most one per guild.
type VoiceRouter struct {
	bot *Bot

	mu       sync.RWMutex
	sessions map[string]*voiceSession
	joining  map[string]struct{}
	now      func() time.Time
}

func newVoiceRouter(b *Bot) *VoiceRouter {
	return &VoiceRouter{
		bot:      b,
		sessions: make(map[string]*voiceSession),
		joining:  make(map[string]struct{}),
		now:      time.Now,
	}
}

// ActiveSessions is the number of guilds with a live voice session.
func (vr *VoiceRouter) ActiveSessions() int {
	vr.mu.RLock()
	defer vr.mu.RUnlock()
	return len(vr.sessions)
}

// ChannelID returns the voice channel the bot is connected to in guildID.
func (vr *VoiceRouter) ChannelID(guildID string) string {
	vr.mu.RLock()
	defer vr.mu.RUnlock()
	if s, ok := vr.sessions[guildID]; ok {
		return s.channelID
	}
	return ""
}

func (vr *VoiceRouter) session(guildID string) *voiceSession {
	vr.mu.RLock()
	defer vr.mu.RUnlock()
	return vr.sessions[guildID]
}

// userChannel returns the voice channel userID is in, or "".
func (vr *VoiceRouter) userChannel(guildID, userID string) string {
	for _, vs := range vr.bot.discord.VoiceStates(guildID) {
		if vs != nil && vs.UserID == userID {
			return vs.ChannelID
		}
	}
	return ""
}

// occupants counts the non-bot users in a voice channel.
func (vr *VoiceRouter) occupants(guildID, channelID string) int {
	botID := vr.bot.discord.BotUserID()
	n := 0
	for _, vs := range vr.bot.discord.VoiceStates(guildID) {
		if vs == nil || vs.ChannelID != channelID || vs.UserID == botID {
			continue
		}
		if vs.Member != nil && vs.Member.User != nil && vs.Member.User.Bot {
			continue
		}
		n++
	}
	return n
}

// Join connects to channelID and opens a session with the voice service.
// Replies to voice turns go to textChannelID, or to the voice channel's own
// chat when it is empty. Joining another channel in the same guild moves the
// session there.
func (vr *VoiceRouter) Join(ctx context.Context, guildID, channelID, userID, textChannelID string) error {
	vr.mu.Lock()
	if _, busy := vr.joining[guildID]; busy {
		vr.mu.Unlock()
		return models.NewValidationError("voice", "Already joining a voice channel, please wait.")
	}
	existing := vr.sessions[guildID]
	if existing != nil && existing.channelID == channelID {
		vr.mu.Unlock()
		return nil
	}
	vr.joining[guildID] = struct{}{}
	vr.mu.Unlock()

	defer func() {
		vr.mu.Lock()
		delete(vr.joining, guildID)
		vr.mu.Unlock()
	}()

	if existing != nil {
		vr.Leave(ctx, guildID)
	}

	logger := vr.bot.logger.With("guild_id", guildID, "channel_id", channelID)

	conn, err := vr.bot.discord.JoinVoice(guildID, channelID)
	if err != nil {
		return err
	}
	sessionID, err := vr.bot.voice.StartSession(ctx, guildID, channelID, userID)
	if err != nil {
		if derr := conn.Disconnect(); derr != nil {
			logger.WarnContext(ctx, "error disconnecting from voice", tint.Err(derr))
		}
		return fmt.Errorf("failed to start voice session: %w", err)
	}

	if textChannelID == "" {
		textChannelID = channelID
	}
	now := vr.now()
	s := &voiceSession{
		conn:          conn,
		guildID:       guildID,
		channelID:     channelID,
		userID:        userID,
		textChannelID: textChannelID,
		sessionID:     sessionID,
		startTime:     now,
		lastActivity:  now,
	}

	vr.mu.Lock()
	vr.sessions[guildID] = s
	active := len(vr.sessions)
	vr.mu.Unlock()
	vr.bot.metrics.SetVoiceSessions(active)

	err = vr.bot.repo.StartVoiceSession(ctx, &models.VoiceSessionRecord{
		GuildID:         guildID,
		ChannelID:       channelID,
		UserID:          userID,
		RemoteSessionID: sessionID,
		IsActive:        true,
		StartedAt:       now.UTC(),
		LastActivity:    now.UTC(),
	})
	if err != nil {
		logger.WarnContext(ctx, "persistence warning: failed to save voice session", tint.Err(err))
	}

	logger.InfoContext(ctx, "joined voice channel", "user_id", userID, "session_id", sessionID)
	return nil
}

// Leave disconnects from the guild's voice channel and stops the remote
// session. It reports false when the bot was not in a voice channel.
func (vr *VoiceRouter) Leave(ctx context.Context, guildID string) bool {
	vr.mu.Lock()
	s, ok := vr.sessions[guildID]
	if ok {
		delete(vr.sessions, guildID)
	}
	active := len(vr.sessions)
	vr.mu.Unlock()
	if !ok {
		return false
	}
	vr.bot.metrics.SetVoiceSessions(active)
	vr.teardown(ctx, s, true)
	return true
}

func (vr *VoiceRouter) teardown(ctx context.Context, s *voiceSession, disconnect bool) {
	logger := vr.bot.logger.With("guild_id", s.guildID, "channel_id", s.channelID)
	if disconnect && s.conn != nil {
		if err := s.conn.Disconnect(); err != nil {
			logger.WarnContext(ctx, "error disconnecting from voice", tint.Err(err))
		}
	}
	if err := vr.bot.voice.StopSession(ctx, s.guildID); err != nil {
		logger.WarnContext(ctx, "failed to stop voice session", tint.Err(err))
	}
	if err := vr.bot.repo.EndVoiceSessions(ctx, s.guildID, vr.now().UTC()); err != nil {
		logger.WarnContext(ctx, "persistence warning: failed to end voice session", tint.Err(err))
	}
	logger.InfoContext(ctx, "left voice channel")
}

// ReapIdle leaves every session without activity for longer than idle.
func (vr *VoiceRouter) ReapIdle(ctx context.Context, idle time.Duration) int {
	cutoff := vr.now().Add(-idle)
	vr.mu.RLock()
	var stale []string
	for guildID, s := range vr.sessions {
		if s.idleSince().Before(cutoff) {
			stale = append(stale, guildID)
		}
	}
	vr.mu.RUnlock()

	n := 0
	for _, guildID := range stale {
		vr.bot.logger.InfoContext(ctx, "voice connection inactive, disconnecting", "guild_id", guildID)
		if vr.Leave(ctx, guildID) {
			n++
		}
	}
	return n
}

// LeaveAll leaves every voice channel, e.g. on shutdown.
func (vr *VoiceRouter) LeaveAll(ctx context.Context) int {
	vr.mu.RLock()
	guilds := make([]string, 0, len(vr.sessions))
	for guildID := range vr.sessions {
		guilds = append(guilds, guildID)
	}
	vr.mu.RUnlock()

	n := 0
	for _, guildID := range guilds {
		if vr.Leave(ctx, guildID) {
			n++
		}
	}
	return n
}

// HandleUtterance sends one captured utterance to the voice service,
// records the exchange in the speaker's context and posts the reply.
func (vr *VoiceRouter) HandleUtterance(ctx context.Context, guildID, userID string, audio []byte) error {
	s := vr.session(guildID)
	if s == nil {
		return models.NewValidationError("voice", "I'm not in a voice channel.")
	}
	turn := turnInfo{
		userID:      userID,
		guildID:     guildID,
		channelID:   s.channelID,
		interaction: models.InteractionVoice,
		command:     "voice",
	}

	started := vr.now()
	s.touch(started)
	resp, err := vr.bot.voice.ProcessAudio(ctx, audio)
	if err == nil {
		err = vr.bot.appendTurns(ctx, turn, "[voice message]", resp)
	}
	vr.bot.record(ctx, turn, started, err)
	if err != nil {
		vr.bot.send(ctx, s.textChannelID, genericErrorReply)
		return err
	}

	if err := vr.bot.repo.TouchVoiceSession(ctx, guildID, vr.now().UTC()); err != nil {
		vr.bot.logger.WarnContext(ctx, "persistence warning: failed to touch voice session", "guild_id", guildID, tint.Err(err))
	}
	if resp.Content != "" {
		vr.bot.send(ctx, s.textChannelID, "🎤 "+resp.Content)
	}
	return nil
}

func (b *Bot) OnVoiceStateUpdate(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu.VoiceState == nil {
		return
	}
	b.handle("voice_state", func(ctx context.Context) {
		b.HandleVoiceState(ctx, vsu.VoiceState)
	})
}

// HandleVoiceState follows a user moving between voice channels. The bot
// joins a user who enters a channel when the guild has no session and the
// user allows auto-join, and leaves once its channel has no users left.
func (b *Bot) HandleVoiceState(ctx context.Context, vs *discordgo.VoiceState) {
	vr := b.voiceRouter
	if vs.GuildID == "" {
		return
	}

	if vs.UserID == b.discord.BotUserID() {
		// Disconnected from outside, e.g. kicked by a moderator.
		if vs.ChannelID == "" {
			vr.mu.Lock()
			s, ok := vr.sessions[vs.GuildID]
			if ok {
				delete(vr.sessions, vs.GuildID)
			}
			active := len(vr.sessions)
			vr.mu.Unlock()
			if ok {
				b.metrics.SetVoiceSessions(active)
				vr.teardown(ctx, s, false)
			}
		}
		return
	}
	if vs.Member != nil && vs.Member.User != nil && vs.Member.User.Bot {
		return
	}

	if s := vr.session(vs.GuildID); s != nil {
		if vr.occupants(vs.GuildID, s.channelID) == 0 {
			b.logger.InfoContext(ctx, "voice channel empty, leaving", "guild_id", vs.GuildID, "channel_id", s.channelID)
			vr.Leave(ctx, vs.GuildID)
		}
		return
	}

	if vs.ChannelID == "" {
		return
	}
	if !b.prefs.GetUserPreferences(ctx, vs.UserID).AutoJoinVoice {
		return
	}
	if err := vr.Join(ctx, vs.GuildID, vs.ChannelID, vs.UserID, ""); err != nil {
		b.logger.WarnContext(
			ctx, "failed to auto-join voice channel",
			"guild_id", vs.GuildID,
			"channel_id", vs.ChannelID,
			"user_id", vs.UserID,
			tint.Err(err),
		)
	}
}
