// internal/bot/bot.go
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"discord-ai-bot/internal/contextstore"
	"discord-ai-bot/internal/gateway"
	"discord-ai-bot/internal/models"
	"discord-ai-bot/internal/observability"
	"discord-ai-bot/internal/preferences"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	genericErrorReply = "❌ I encountered an error, please try again."
	maxMessageLength  = 2000
)

// ValidationError is returned for malformed user input.
type ValidationError = models.ValidationError

// TextService is the part of the text gateway used by the routers.
type TextService interface {
	ProcessMessage(ctx context.Context, text string, cc *models.ConversationContext) (*models.AIResponse, error)
	Health(ctx context.Context) (*gateway.HealthStatus, error)
}

// VoiceService is the part of the voice gateway used by the routers.
type VoiceService interface {
	StartSession(ctx context.Context, guildID, channelID, userID string) (string, error)
	StopSession(ctx context.Context, guildID string) error
	ProcessAudio(ctx context.Context, audio []byte) (*models.AIResponse, error)
	Health(ctx context.Context) (*gateway.HealthStatus, error)
}

// Repository is the database side of the routers. *database.DB implements it.
type Repository interface {
	UpsertUser(ctx context.Context, user *models.User) error
	UpsertGuild(ctx context.Context, guild *models.Guild) error
	CreateReminder(ctx context.Context, r *models.Reminder) error
	StartVoiceSession(ctx context.Context, rec *models.VoiceSessionRecord) error
	EndVoiceSessions(ctx context.Context, guildID string, endedAt time.Time) error
	TouchVoiceSession(ctx context.Context, guildID string, at time.Time) error
	RecordAnalytics(ctx context.Context, event *models.BotAnalytics) error
	CountUsers(ctx context.Context) (int64, error)
}

type Options struct {
	ApplicationID    string
	GuildID          string
	CommandPrefix    string
	DefaultCooldown  time.Duration
	Cooldowns        map[string]time.Duration
	VoiceIdleTimeout time.Duration
	HandlerTimeout   time.Duration
}

// Bot routes Discord events into the shared conversation context and the
// external AI services.
type Bot struct {
	opts      Options
	discord   Discord
	contexts  *contextstore.Store
	prefs     *preferences.Store
	text      TextService
	voice     VoiceService
	repo      Repository
	cooldowns CooldownStore
	metrics   *observability.Metrics
	logger    *slog.Logger

	commands       map[string]*Command
	prefixCommands map[string]*PrefixCommand
	voiceRouter    *VoiceRouter
	stats          *Stats
	startedAt      time.Time

	// handlers tracks in-flight event handlers so shutdown can drain them.
	// Once draining is set no new handler is started.
	handlersMu sync.RWMutex
	draining   bool
	handlers   sync.WaitGroup
}

type Deps struct {
	Discord   Discord
	Contexts  *contextstore.Store
	Prefs     *preferences.Store
	Text      TextService
	Voice     VoiceService
	Repo      Repository
	Cooldowns CooldownStore
	Metrics   *observability.Metrics
}

func New(deps Deps, opts Options, logger *slog.Logger) *Bot {
	if opts.CommandPrefix == "" {
		opts.CommandPrefix = "!"
	}
	if opts.DefaultCooldown <= 0 {
		opts.DefaultCooldown = 3 * time.Second
	}
	if opts.VoiceIdleTimeout <= 0 {
		opts.VoiceIdleTimeout = 5 * time.Minute
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = 2 * time.Minute
	}
	if deps.Cooldowns == nil {
		deps.Cooldowns = NewMemoryCooldowns()
	}

	b := &Bot{
		opts:      opts,
		discord:   deps.Discord,
		contexts:  deps.Contexts,
		prefs:     deps.Prefs,
		text:      deps.Text,
		voice:     deps.Voice,
		repo:      deps.Repo,
		cooldowns: deps.Cooldowns,
		metrics:   deps.Metrics,
		logger:    logger,
		stats:     newStats(),
		startedAt: time.Now(),
	}
	b.commands = b.slashCommands()
	b.prefixCommands = b.messageCommands()
	b.voiceRouter = newVoiceRouter(b)
	return b
}

// Attach registers the bot's event handlers on a live session.
func (b *Bot) Attach(s *discordgo.Session) {
	s.AddHandler(b.OnReady)
	s.AddHandler(b.OnGuildCreate)
	s.AddHandler(b.OnInteractionCreate)
	s.AddHandler(b.OnMessageCreate)
	s.AddHandler(b.OnVoiceStateUpdate)
}

func (b *Bot) Voice() *VoiceRouter {
	return b.voiceRouter
}

// Drain stops accepting events and waits for in-flight handlers to finish,
// or for ctx to end.
func (b *Bot) Drain(ctx context.Context) error {
	b.handlersMu.Lock()
	b.draining = true
	b.handlersMu.Unlock()

	done := make(chan struct{})
	go func() {
		b.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bot) OnReady(_ *discordgo.Session, r *discordgo.Ready) {
	b.logger.Info(
		"connected to discord",
		"user", r.User.Username,
		"guilds", len(r.Guilds),
		"session_id", r.SessionID,
	)
}

func (b *Bot) OnGuildCreate(_ *discordgo.Session, g *discordgo.GuildCreate) {
	if g.Guild == nil || g.Unavailable {
		return
	}
	b.handle("guild_create", func(ctx context.Context) {
		err := b.repo.UpsertGuild(ctx, &models.Guild{ID: g.ID, Name: g.Name, OwnerID: g.OwnerID})
		if err != nil {
			b.logger.WarnContext(ctx, "persistence warning: failed to save guild", "guild_id", g.ID, tint.Err(err))
		}
	})
}

// handle runs fn with a bounded context, recovering and logging any panic
// so one failing handler never affects the others.
func (b *Bot) handle(name string, fn func(ctx context.Context)) {
	b.handlersMu.RLock()
	if b.draining {
		b.handlersMu.RUnlock()
		b.logger.Debug("dropping event during shutdown", "handler", name)
		return
	}
	b.handlers.Add(1)
	b.handlersMu.RUnlock()
	defer b.handlers.Done()

	ctx, cancel := context.WithTimeout(context.Background(), b.opts.HandlerTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			b.logger.ErrorContext(
				ctx, "panic in handler",
				"handler", name,
				"stack", string(debug.Stack()),
				tint.Err(fmt.Errorf("%v", r)),
			)
		}
	}()
	fn(ctx)
}

// respond runs one turn: it reads the pair's context, sends text with the
// context snapshot, then appends the user and assistant turns in a single
// serialized update. The AI call happens outside any lock.
func (b *Bot) respond(
	ctx context.Context,
	turn turnInfo,
	text string,
) (*models.AIResponse, error) {
	cc, err := b.contexts.GetContext(ctx, turn.userID, turn.channelID)
	if err != nil {
		return nil, err
	}
	snapshot := cc.Clone()
	snapshot.GuildID = turn.guildID
	snapshot.InteractionType = turn.interaction

	resp, err := b.text.ProcessMessage(ctx, text, snapshot)
	if err != nil {
		return nil, err
	}

	if err := b.appendTurns(ctx, turn, text, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// appendTurns records the user and assistant turns. A failed write is
// returned so the caller replies with an error instead of the answer.
func (b *Bot) appendTurns(ctx context.Context, turn turnInfo, text string, resp *models.AIResponse) error {
	now := time.Now().UTC()
	_, err := b.contexts.ModifyContext(ctx, turn.userID, turn.channelID, func(cc *models.ConversationContext) error {
		if turn.guildID != "" {
			cc.GuildID = turn.guildID
		}
		cc.InteractionType = turn.interaction
		cc.AppendTurn(models.Turn{
			Role:      models.RoleUser,
			Content:   text,
			Timestamp: now,
			Metadata:  map[string]any{"interactionType": string(turn.interaction)},
		})
		assistant := models.Turn{Role: models.RoleAssistant, Content: resp.Content, Timestamp: time.Now().UTC()}
		if len(resp.Tools) > 0 {
			assistant.Metadata = map[string]any{"tools": resp.Tools}
		}
		cc.AppendTurn(assistant)
		cc.AddTools(resp.ToolNames()...)
		return nil
	})
	if err != nil {
		b.metrics.ObserveContextWrite("error")
		b.logger.ErrorContext(
			ctx, "failed to append turns to context",
			"user_id", turn.userID,
			"channel_id", turn.channelID,
			tint.Err(err),
		)
		return fmt.Errorf("failed to update conversation context: %w", err)
	}
	b.metrics.ObserveContextWrite("ok")
	return nil
}

type turnInfo struct {
	userID      string
	guildID     string
	channelID   string
	interaction models.InteractionType
	command     string
}

// record logs the outcome of one interaction to metrics, the in-process
// stats and the analytics table.
func (b *Bot) record(ctx context.Context, turn turnInfo, started time.Time, err error) {
	outcome := "ok"
	errMsg := ""
	if err != nil {
		outcome = "error"
		errMsg = err.Error()
	}
	command := turn.command
	if command == "" {
		command = "chat"
	}
	b.metrics.ObserveInteraction(string(turn.interaction), command, outcome)
	b.stats.recordCommand(turn.interaction, command, turn.userID)

	event := &models.BotAnalytics{
		EventType:       "interaction",
		InteractionType: turn.interaction,
		Command:         command,
		UserID:          turn.userID,
		GuildID:         turn.guildID,
		ChannelID:       turn.channelID,
		LatencyMS:       time.Since(started).Milliseconds(),
		Success:         err == nil,
		Error:           errMsg,
	}
	if rerr := b.repo.RecordAnalytics(ctx, event); rerr != nil {
		b.logger.WarnContext(ctx, "persistence warning: failed to record analytics", tint.Err(rerr))
	}
}

func (b *Bot) touchUser(ctx context.Context, u *discordgo.User) {
	if u == nil {
		return
	}
	err := b.repo.UpsertUser(ctx, &models.User{
		ID:            u.ID,
		Username:      u.Username,
		Discriminator: u.Discriminator,
		Avatar:        u.Avatar,
	})
	if err != nil {
		b.logger.WarnContext(ctx, "persistence warning: failed to save user", "user_id", u.ID, tint.Err(err))
	}
}

// userReply turns an error into the text shown to the user.
func userReply(err error) string {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return "⚠️ " + verr.Message
	}
	return genericErrorReply
}

// splitMessage breaks content into chunks Discord accepts, preferring line
// breaks, then spaces, as split points.
func splitMessage(content string, limit int) []string {
	if content == "" {
		return nil
	}
	var chunks []string
	for len(content) > limit {
		cut := strings.LastIndex(content[:limit], "\n")
		if cut <= 0 {
			cut = strings.LastIndex(content[:limit], " ")
		}
		if cut <= 0 {
			cut = limit
			// avoid splitting a multi-byte rune
			for cut > 0 && !utf8.RuneStart(content[cut]) {
				cut--
			}
			if cut == 0 {
				cut = limit
			}
		}
		chunks = append(chunks, strings.TrimRight(content[:cut], " \n"))
		content = strings.TrimLeft(content[cut:], " \n")
	}
	if content != "" {
		chunks = append(chunks, content)
	}
	return chunks
}
