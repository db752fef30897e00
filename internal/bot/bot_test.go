// internal/bot/bot_test.go
package bot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"discord-ai-bot/internal/cache"
	"discord-ai-bot/internal/contextstore"
	"discord-ai-bot/internal/database"
	"discord-ai-bot/internal/gateway"
	"discord-ai-bot/internal/logging"
	"discord-ai-bot/internal/models"
	"discord-ai-bot/internal/observability"
	"discord-ai-bot/internal/preferences"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const botID = "bot-1"

type fakeConn struct {
	mu           sync.Mutex
	disconnected int
}

func (c *fakeConn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected++
	return nil
}

type fakeDiscord struct {
	mu          sync.Mutex
	responses   []*discordgo.InteractionResponse
	edits       []string
	messages    map[string][]string
	typing      int
	overwritten []*discordgo.ApplicationCommand
	overwriteTo [2]string
	voiceStates map[string][]*discordgo.VoiceState
	joins       []string
	conns       []*fakeConn
	joinErr     error
}

func newFakeDiscord() *fakeDiscord {
	return &fakeDiscord{
		messages:    make(map[string][]string),
		voiceStates: make(map[string][]*discordgo.VoiceState),
	}
}

func (d *fakeDiscord) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.responses = append(d.responses, resp)
	return nil
}

func (d *fakeDiscord) InteractionResponseEdit(
	_ *discordgo.Interaction,
	edit *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.edits = append(d.edits, *edit.Content)
	return &discordgo.Message{Content: *edit.Content}, nil
}

func (d *fakeDiscord) ChannelMessageSend(
	channelID, content string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages[channelID] = append(d.messages[channelID], content)
	return &discordgo.Message{ChannelID: channelID, Content: content}, nil
}

func (d *fakeDiscord) ChannelTyping(string, ...discordgo.RequestOption) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.typing++
	return nil
}

func (d *fakeDiscord) ApplicationCommandBulkOverwrite(
	appID, guildID string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.overwritten = commands
	d.overwriteTo = [2]string{appID, guildID}
	return commands, nil
}

func (d *fakeDiscord) JoinVoice(guildID, channelID string) (VoiceConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.joinErr != nil {
		return nil, d.joinErr
	}
	d.joins = append(d.joins, guildID+"/"+channelID)
	conn := &fakeConn{}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDiscord) VoiceStates(guildID string) []*discordgo.VoiceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*discordgo.VoiceState(nil), d.voiceStates[guildID]...)
}

func (d *fakeDiscord) setVoiceStates(guildID string, states ...*discordgo.VoiceState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.voiceStates[guildID] = states
}

func (d *fakeDiscord) GuildCount() int { return 3 }

func (d *fakeDiscord) BotUserID() string { return botID }

func (d *fakeDiscord) sent(channelID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.messages[channelID]...)
}

type fakeText struct {
	mu      sync.Mutex
	prompts []string
	seen    []*models.ConversationContext
	reply   string
	err     error

	// during runs inside ProcessMessage, between the context read and write
	during func()
}

func (f *fakeText) ProcessMessage(_ context.Context, text string, cc *models.ConversationContext) (*models.AIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, text)
	f.seen = append(f.seen, cc)
	if f.during != nil {
		f.during()
	}
	if f.err != nil {
		return nil, f.err
	}
	return &models.AIResponse{
		Content: f.reply,
		Tools:   []models.ToolCall{{Name: "weather", Success: true}},
	}, nil
}

func (f *fakeText) Health(context.Context) (*gateway.HealthStatus, error) {
	return &gateway.HealthStatus{Status: "healthy"}, nil
}

func (f *fakeText) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

type fakeVoice struct {
	mu      sync.Mutex
	started []string
	stopped []string
	audio   [][]byte
	reply   string
	during  func()
}

func (f *fakeVoice) StartSession(_ context.Context, guildID, channelID, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, guildID+"/"+channelID+"/"+userID)
	return "sess-" + guildID, nil
}

func (f *fakeVoice) StopSession(_ context.Context, guildID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, guildID)
	return nil
}

func (f *fakeVoice) ProcessAudio(_ context.Context, audio []byte) (*models.AIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, audio)
	if f.during != nil {
		f.during()
	}
	return &models.AIResponse{Content: f.reply}, nil
}

func (f *fakeVoice) Health(context.Context) (*gateway.HealthStatus, error) {
	return nil, errors.New("connection refused")
}

type harness struct {
	bot       *Bot
	discord   *fakeDiscord
	text      *fakeText
	voice     *fakeVoice
	db        *database.DB
	contexts  *contextstore.Store
	prefs     *preferences.Store
	cooldowns *MemoryCooldowns
	metrics   *observability.Metrics
	mr        *miniredis.Miniredis
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.NewRedisCache(context.Background(), mr.Addr(), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	db, err := database.NewDB("sqlite", ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	prefs := preferences.New(c, db, preferences.DefaultTTL, logging.Discard())
	contexts := contextstore.New(c, db, prefs, contextstore.DefaultOptions(), logging.Discard())
	t.Cleanup(func() { _ = contexts.Flush(context.Background()) })

	h := &harness{
		discord:   newFakeDiscord(),
		text:      &fakeText{reply: "It's sunny."},
		voice:     &fakeVoice{reply: "Hello from voice."},
		db:        db,
		contexts:  contexts,
		prefs:     prefs,
		cooldowns: NewMemoryCooldowns(),
		metrics:   observability.NewMetrics("test"),
		mr:        mr,
	}
	h.bot = New(Deps{
		Discord:   h.discord,
		Contexts:  contexts,
		Prefs:     prefs,
		Text:      h.text,
		Voice:     h.voice,
		Repo:      db,
		Cooldowns: h.cooldowns,
		Metrics:   h.metrics,
	}, Options{ApplicationID: "app-1"}, logging.Discard())
	return h
}

func stringOpt(name, value string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionString,
		Value: value,
	}
}

func boolOpt(name string, value bool) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionBoolean,
		Value: value,
	}
}

func slash(userID, name string, opts ...*discordgo.ApplicationCommandInteractionDataOption) *discordgo.Interaction {
	return &discordgo.Interaction{
		ID:        "interaction-" + name,
		Type:      discordgo.InteractionApplicationCommand,
		GuildID:   "g1",
		ChannelID: "c1",
		Member:    &discordgo.Member{User: &discordgo.User{ID: userID, Username: "alice"}},
		Data: discordgo.ApplicationCommandInteractionData{
			Name:    name,
			Options: opts,
		},
	}
}

func message(userID, guildID, content string) *discordgo.Message {
	return &discordgo.Message{
		ID:        "m1",
		ChannelID: "c1",
		GuildID:   guildID,
		Content:   content,
		Author:    &discordgo.User{ID: userID, Username: "alice"},
	}
}

func TestSlashWeather(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.bot.HandleInteraction(ctx, slash("u1", "weather", stringOpt("location", "Paris")))

	require.Len(t, h.discord.responses, 1)
	assert.Equal(t, discordgo.InteractionResponseDeferredChannelMessageWithSource, h.discord.responses[0].Type)
	assert.Equal(t, []string{"It's sunny."}, h.discord.edits)
	assert.Equal(t, []string{"What's the weather like in Paris?"}, h.text.prompts)
	assert.Equal(t, "g1", h.text.seen[0].GuildID)
	assert.Equal(t, models.InteractionSlash, h.text.seen[0].InteractionType)

	cc, err := h.contexts.GetContext(ctx, "u1", "c1")
	require.NoError(t, err)
	require.Len(t, cc.History, 2)
	assert.Equal(t, models.RoleUser, cc.History[0].Role)
	assert.Equal(t, "What's the weather like in Paris?", cc.History[0].Content)
	assert.Equal(t, models.RoleAssistant, cc.History[1].Role)
	assert.Equal(t, "It's sunny.", cc.History[1].Content)
	assert.Contains(t, cc.Tools, "weather")

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Interactions.WithLabelValues("slash", "weather", "ok")))
	snap := h.bot.Snapshot(ctx)
	assert.Equal(t, int64(1), snap.Commands)
	assert.Equal(t, int64(1), snap.CommandUsage["weather"])
	assert.Equal(t, int64(1), snap.Users)
	assert.Equal(t, 3, snap.Guilds)
}

func TestSlashCooldown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	h.cooldowns.now = func() time.Time { return now }

	h.bot.HandleInteraction(ctx, slash("u1", "chat", stringOpt("message", "hi")))
	h.bot.HandleInteraction(ctx, slash("u1", "chat", stringOpt("message", "hi again")))

	require.Len(t, h.discord.responses, 2)
	rejected := h.discord.responses[1]
	assert.Equal(t, discordgo.InteractionResponseChannelMessageWithSource, rejected.Type)
	assert.Equal(t, "⏳ Please wait 5s before using /chat again.", rejected.Data.Content)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, rejected.Data.Flags)
	assert.Equal(t, 1, h.text.calls())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.CommandCooldown.WithLabelValues("chat")))

	// another user is not affected
	h.bot.HandleInteraction(ctx, slash("u2", "chat", stringOpt("message", "hi")))
	assert.Equal(t, 2, h.text.calls())

	now = now.Add(5 * time.Second)
	h.bot.HandleInteraction(ctx, slash("u1", "chat", stringOpt("message", "hi again")))
	assert.Equal(t, 3, h.text.calls())
}

func TestCooldownOverride(t *testing.T) {
	h := newHarness(t)
	h.bot.opts.Cooldowns = map[string]time.Duration{"chat": time.Minute}
	assert.Equal(t, time.Minute, h.bot.cooldownFor(h.bot.commands["chat"]))
	assert.Equal(t, 10*time.Second, h.bot.cooldownFor(h.bot.commands["remind"]))
	assert.Equal(t, 3*time.Second, h.bot.cooldownFor(h.bot.commands["weather"]))
}

func TestCooldownMessageRoundsUp(t *testing.T) {
	assert.Equal(t, "⏳ Please wait 3s before using /ask again.", cooldownMessage("ask", 2100*time.Millisecond))
	assert.Equal(t, "⏳ Please wait 1s before using /ask again.", cooldownMessage("ask", 0))
}

func TestSlashRemind(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.text.reply = "Done! I'll remind you at 2030-01-02T15:04:05Z."

	h.bot.HandleInteraction(ctx, slash("u1", "remind",
		stringOpt("message", "stretch"),
		stringOpt("time", "in 30 minutes"),
	))

	require.Len(t, h.discord.edits, 1)
	assert.Equal(t, `✅ Reminder set: "stretch" - Done! I'll remind you at 2030-01-02T15:04:05Z.`, h.discord.edits[0])
	assert.Equal(t,
		`Create a reminder: "stretch" at in 30 minutes. Include the reminder time as an RFC3339 timestamp.`,
		h.text.prompts[0],
	)

	reminders, err := h.db.PendingReminders(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, reminders, 1)
	assert.Equal(t, "stretch", reminders[0].Message)
	assert.Equal(t, "c1", reminders[0].ChannelID)
	require.NotNil(t, reminders[0].ScheduledFor)
	assert.True(t, reminders[0].ScheduledFor.Equal(time.Date(2030, 1, 2, 15, 4, 5, 0, time.UTC)))
}

func TestParseScheduledFor(t *testing.T) {
	assert.Nil(t, parseScheduledFor("tomorrow at noon"))
	got := parseScheduledFor("at 2024-06-01T09:30:00+02:00 sharp")
	require.NotNil(t, got)
	assert.Equal(t, time.Date(2024, 6, 1, 7, 30, 0, 0, time.UTC), *got)
}

func TestSlashValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.bot.HandleInteraction(ctx, slash("u1", "weather", stringOpt("location", strings.Repeat("a", 101))))

	require.Len(t, h.discord.responses, 1)
	resp := h.discord.responses[0]
	assert.Equal(t, "⚠️ The location must be at most 100 characters (got 101).", resp.Data.Content)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, resp.Data.Flags)
	assert.Zero(t, h.text.calls())
}

func TestSlashUnknownCommand(t *testing.T) {
	h := newHarness(t)
	h.bot.HandleInteraction(context.Background(), slash("u1", "dance"))

	require.Len(t, h.discord.responses, 1)
	assert.Equal(t, "❓ Unknown command.", h.discord.responses[0].Data.Content)
}

func TestSlashServiceFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.text.err = &gateway.TransportError{Service: "text", Op: "process", Err: context.DeadlineExceeded}

	h.bot.HandleInteraction(ctx, slash("u1", "ask", stringOpt("question", "why?")))

	assert.Equal(t, []string{genericErrorReply}, h.discord.edits)
	cc, err := h.contexts.GetContext(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Empty(t, cc.History)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Interactions.WithLabelValues("slash", "ask", "error")))
}

func TestSlashSettings(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	update := &discordgo.ApplicationCommandInteractionDataOption{
		Name: "update",
		Type: discordgo.ApplicationCommandOptionSubCommand,
		Options: []*discordgo.ApplicationCommandInteractionDataOption{
			stringOpt("language", "fr"),
			boolOpt("auto_join_voice", false),
		},
	}
	h.bot.HandleInteraction(ctx, slash("u1", "settings", update))

	require.Len(t, h.discord.responses, 1)
	assert.Contains(t, h.discord.responses[0].Data.Content, "Language: `fr`")
	assert.Contains(t, h.discord.responses[0].Data.Content, "Auto-join voice: off")

	prefs := h.prefs.GetUserPreferences(ctx, "u1")
	assert.Equal(t, "fr", prefs.Language)
	assert.False(t, prefs.AutoJoinVoice)
	assert.True(t, prefs.NotificationSettings.Reminders)
}

func TestRegisterCommands(t *testing.T) {
	h := newHarness(t)
	h.bot.opts.GuildID = "g1"

	created, err := h.bot.RegisterCommands()
	require.NoError(t, err)
	assert.Len(t, created, 10)
	assert.Equal(t, [2]string{"app-1", "g1"}, h.discord.overwriteTo)
	assert.Equal(t, "chat", h.discord.overwritten[0].Name)
	assert.Equal(t, "leave", h.discord.overwritten[9].Name)
}

func TestPrefixWeather(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.bot.HandleMessage(ctx, message("u1", "g1", "!weather San Francisco"))

	assert.Equal(t, []string{"What's the weather like in San Francisco?"}, h.text.prompts)
	assert.Equal(t, []string{"It's sunny."}, h.discord.sent("c1"))
	assert.Equal(t, 1, h.discord.typing)

	cc, err := h.contexts.GetContext(ctx, "u1", "c1")
	require.NoError(t, err)
	require.Len(t, cc.History, 2)
	assert.Equal(t, models.InteractionMessage, cc.InteractionType)
	assert.Equal(t, "message", cc.History[0].Metadata["interactionType"])
}

func TestContextWriteFailureRepliesWithError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.text.during = func() { h.mr.SetError("LOADING redis is loading") }

	h.bot.HandleMessage(ctx, message("u1", "g1", "!weather Paris"))

	assert.Equal(t, []string{genericErrorReply}, h.discord.sent("c1"))

	h.mr.SetError("")
	cc, err := h.contexts.GetContext(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Empty(t, cc.History)
}

func TestPrefixUsage(t *testing.T) {
	h := newHarness(t)
	h.bot.HandleMessage(context.Background(), message("u1", "g1", "!weather"))

	sent := h.discord.sent("c1")
	require.Len(t, sent, 1)
	assert.Equal(t, "⚠️ Please provide a location.\nUsage: `!weather <location>`", sent[0])
	assert.Zero(t, h.text.calls())
}

func TestPrefixClear(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.bot.HandleMessage(ctx, message("u1", "g1", "!search golang generics"))
	h.bot.HandleMessage(ctx, message("u1", "g1", "!RESET"))

	sent := h.discord.sent("c1")
	require.Len(t, sent, 2)
	assert.Equal(t, "🧹 Conversation context cleared.", sent[1])
	require.NoError(t, h.contexts.Flush(ctx))

	cc, err := h.contexts.GetContext(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Empty(t, cc.History)
}

func TestPrefixLocalCommands(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.bot.HandleMessage(ctx, message("u1", "g1", "!ping"))
	h.bot.HandleMessage(ctx, message("u1", "g1", "!status"))
	h.bot.HandleMessage(ctx, message("u1", "g1", "!help"))

	sent := h.discord.sent("c1")
	require.Len(t, sent, 3)
	assert.Equal(t, "🏓 Pong!", sent[0])
	assert.Contains(t, sent[1], "Text service: ✅ healthy")
	assert.Contains(t, sent[1], "Voice service: ❌ unavailable")
	assert.Contains(t, sent[2], "`/chat`")
	assert.Zero(t, h.text.calls())
}

func TestFreeformMessages(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	// guild chatter without a mention is ignored
	h.bot.HandleMessage(ctx, message("u1", "g1", "hello everyone"))
	assert.Zero(t, h.text.calls())
	assert.Empty(t, h.discord.sent("c1"))

	m := message("u1", "g1", "<@"+botID+"> what is Go?")
	m.Mentions = []*discordgo.User{{ID: botID}}
	h.bot.HandleMessage(ctx, m)

	dm := message("u2", "", "tell me a joke")
	h.bot.HandleMessage(ctx, dm)

	assert.Equal(t, []string{"what is Go?", "tell me a joke"}, h.text.prompts)
	assert.Len(t, h.discord.sent("c1"), 2)

	h.bot.HandleMessage(ctx, message("u1", "g1", "<@!"+botID+">"))
	assert.Equal(t, "Hi! How can I help you?", h.discord.sent("c1")[2])

	bot := message("other-bot", "", "beep")
	bot.Author.Bot = true
	h.bot.HandleMessage(ctx, bot)
	assert.Equal(t, 2, h.text.calls())
}

func TestLongRepliesAreSplit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.text.reply = strings.Repeat("word ", 900)

	h.bot.HandleMessage(ctx, message("u1", "", "write an essay"))

	sent := h.discord.sent("c1")
	require.Len(t, sent, 3)
	for _, chunk := range sent {
		assert.LessOrEqual(t, len(chunk), maxMessageLength)
	}
	assert.Equal(t, strings.TrimSpace(h.text.reply), strings.TrimSpace(strings.Join(sent, " ")))
}

func TestSplitMessage(t *testing.T) {
	assert.Nil(t, splitMessage("", 10))
	assert.Equal(t, []string{"short"}, splitMessage("short", 10))
	assert.Equal(t, []string{"line one", "line two"}, splitMessage("line one\nline two", 12))
	assert.Equal(t, []string{"abcde", "fghij", "k"}, splitMessage("abcdefghijk", 5))

	for _, chunk := range splitMessage(strings.Repeat("é", 10), 5) {
		assert.True(t, strings.ToValidUTF8(chunk, "?") == chunk)
	}
}

func TestTruncateMessage(t *testing.T) {
	assert.Equal(t, "🤔 I don't have a response for that.", truncateMessage(""))
	long := truncateMessage(strings.Repeat("x", 2500))
	assert.LessOrEqual(t, len(long), maxMessageLength+len("…"))
	assert.True(t, strings.HasSuffix(long, "…"))
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	h := newHarness(t)
	assert.NotPanics(t, func() {
		h.bot.handle("test", func(context.Context) { panic("boom") })
	})
	require.NoError(t, h.bot.Drain(context.Background()))
}

func TestDrainRefusesNewHandlers(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.bot.Drain(context.Background()))

	ran := false
	h.bot.handle("late", func(context.Context) { ran = true })
	assert.False(t, ran)
	require.NoError(t, h.bot.Drain(context.Background()))
}

func TestRemindWithoutTimestamp(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.text.reply = "I'll remind you tomorrow."

	h.bot.HandleInteraction(ctx, slash("u1", "remind",
		stringOpt("message", "call mom"),
		stringOpt("time", "tomorrow"),
	))

	reminders, err := h.db.PendingReminders(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, reminders, 1)
	assert.Nil(t, reminders[0].ScheduledFor)
}
