// internal/bot/message.go
package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"discord-ai-bot/internal/gateway"
	"discord-ai-bot/internal/models"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// PrefixCommand is one message command, e.g. "!weather Paris".
type PrefixCommand struct {
	Usage    string
	Validate func(args string) error
	Execute  func(ctx context.Context, m *MessageInvocation) (string, error)
}

// MessageInvocation is a message routed to a prefix command or to the
// text service.
type MessageInvocation struct {
	Message *discordgo.Message
	Command string
	Args    string
}

func (m *MessageInvocation) turn() turnInfo {
	return turnInfo{
		userID:      m.Message.Author.ID,
		guildID:     m.Message.GuildID,
		channelID:   m.Message.ChannelID,
		interaction: models.InteractionMessage,
		command:     m.Command,
	}
}

func requireArgs(what string) func(args string) error {
	return func(args string) error {
		if args == "" {
			return models.NewValidationError("args", "Please provide %s.", what)
		}
		return nil
	}
}

// messageCommands builds the prefix command registry.
func (b *Bot) messageCommands() map[string]*PrefixCommand {
	forward := func(prompt func(args string) string) func(ctx context.Context, m *MessageInvocation) (string, error) {
		return func(ctx context.Context, m *MessageInvocation) (string, error) {
			return b.ask(ctx, m.turn(), prompt(m.Args))
		}
	}

	clearContext := &PrefixCommand{
		Usage: "clear",
		Execute: func(ctx context.Context, m *MessageInvocation) (string, error) {
			if err := b.contexts.ClearContext(ctx, m.Message.Author.ID, m.Message.ChannelID); err != nil {
				return "", err
			}
			return "🧹 Conversation context cleared.", nil
		},
	}

	return map[string]*PrefixCommand{
		"help": {
			Usage: "help",
			Execute: func(context.Context, *MessageInvocation) (string, error) {
				return b.helpText(), nil
			},
		},
		"ping": {
			Usage: "ping",
			Execute: func(_ context.Context, m *MessageInvocation) (string, error) {
				latency := time.Since(m.Message.Timestamp)
				if m.Message.Timestamp.IsZero() || latency < 0 {
					return "🏓 Pong!", nil
				}
				return fmt.Sprintf("🏓 Pong! (%dms)", latency.Milliseconds()), nil
			},
		},
		"info": {
			Usage: "info",
			Execute: func(ctx context.Context, _ *MessageInvocation) (string, error) {
				snap := b.Snapshot(ctx)
				return fmt.Sprintf(
					"🤖 **Discord AI bot**\nUptime: %s\nServers: %d\nVoice sessions: %d\nCommands handled: %d",
					time.Since(b.startedAt).Truncate(time.Second),
					snap.Guilds,
					snap.VoiceSessions,
					snap.Commands,
				), nil
			},
		},
		"status": {
			Usage: "status",
			Execute: func(ctx context.Context, _ *MessageInvocation) (string, error) {
				return b.statusText(ctx), nil
			},
		},
		"clear": clearContext,
		"reset": clearContext,
		"weather": {
			Usage:    "weather <location>",
			Validate: requireArgs("a location"),
			Execute:  forward(weatherPrompt),
		},
		"time": {
			Usage:   "time [location]",
			Execute: forward(timePrompt),
		},
		"search": {
			Usage:    "search <query>",
			Validate: requireArgs("something to search for"),
			Execute:  forward(searchPrompt),
		},
		"translate": {
			Usage:    "translate <text>",
			Validate: requireArgs("the text to translate"),
			Execute:  forward(translatePrompt),
		},
		"remind": {
			Usage:    "remind <what and when>",
			Validate: requireArgs("what to remind you about and when"),
			Execute: forward(func(args string) string {
				return "Create a reminder: " + args
			}),
		},
	}
}

func (b *Bot) OnMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if botID := b.discord.BotUserID(); botID != "" && m.Author.ID == botID {
		return
	}
	b.handle("message", func(ctx context.Context) {
		b.HandleMessage(ctx, m.Message)
	})
}

// HandleMessage routes a message to a prefix command, or to the text
// service when the bot is mentioned or messaged directly.
func (b *Bot) HandleMessage(ctx context.Context, m *discordgo.Message) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	content := strings.TrimSpace(m.Content)
	if content == "" {
		return
	}

	if name, args, ok := b.parsePrefix(content); ok {
		if cmd, found := b.prefixCommands[name]; found {
			b.runPrefixCommand(ctx, cmd, &MessageInvocation{Message: m, Command: name, Args: args})
			return
		}
	}

	botID := b.discord.BotUserID()
	if m.GuildID != "" && !mentions(m, botID) {
		return
	}

	text := stripMention(content, botID)
	inv := &MessageInvocation{Message: m, Args: text}
	if text == "" {
		b.send(ctx, m.ChannelID, "Hi! How can I help you?")
		return
	}

	b.touchUser(ctx, m.Author)
	if err := b.discord.ChannelTyping(m.ChannelID); err != nil {
		b.logger.DebugContext(ctx, "failed to send typing indicator", tint.Err(err))
	}

	started := time.Now()
	reply, err := b.ask(ctx, inv.turn(), text)
	b.record(ctx, inv.turn(), started, err)
	if err != nil {
		b.logger.ErrorContext(
			ctx, "failed to answer message",
			"user_id", m.Author.ID,
			"channel_id", m.ChannelID,
			tint.Err(err),
		)
		reply = userReply(err)
	}
	b.send(ctx, m.ChannelID, reply)
}

func (b *Bot) runPrefixCommand(ctx context.Context, cmd *PrefixCommand, inv *MessageInvocation) {
	if cmd.Validate != nil {
		if err := cmd.Validate(inv.Args); err != nil {
			b.send(ctx, inv.Message.ChannelID, fmt.Sprintf(
				"%s\nUsage: `%s%s`", userReply(err), b.opts.CommandPrefix, cmd.Usage,
			))
			return
		}
	}

	b.touchUser(ctx, inv.Message.Author)
	if err := b.discord.ChannelTyping(inv.Message.ChannelID); err != nil {
		b.logger.DebugContext(ctx, "failed to send typing indicator", tint.Err(err))
	}

	started := time.Now()
	reply, err := cmd.Execute(ctx, inv)
	b.record(ctx, inv.turn(), started, err)
	if err != nil {
		b.logger.ErrorContext(
			ctx, "message command failed",
			"command", inv.Command,
			"user_id", inv.Message.Author.ID,
			tint.Err(err),
		)
		reply = userReply(err)
	}
	b.send(ctx, inv.Message.ChannelID, reply)
}

// parsePrefix splits "!name rest of line" into its lowercased name and
// trimmed arguments.
func (b *Bot) parsePrefix(content string) (name, args string, ok bool) {
	rest, found := strings.CutPrefix(content, b.opts.CommandPrefix)
	if !found || rest == "" {
		return "", "", false
	}
	name, args, _ = strings.Cut(rest, " ")
	return strings.ToLower(name), strings.TrimSpace(args), name != ""
}

func mentions(m *discordgo.Message, botID string) bool {
	if botID == "" {
		return false
	}
	for _, u := range m.Mentions {
		if u != nil && u.ID == botID {
			return true
		}
	}
	return strings.Contains(m.Content, "<@"+botID+">") || strings.Contains(m.Content, "<@!"+botID+">")
}

func stripMention(content, botID string) string {
	if botID != "" {
		content = strings.ReplaceAll(content, "<@"+botID+">", "")
		content = strings.ReplaceAll(content, "<@!"+botID+">", "")
	}
	return strings.TrimSpace(content)
}

// send posts content to a channel, split to fit Discord's message limit.
func (b *Bot) send(ctx context.Context, channelID, content string) {
	for _, chunk := range splitMessage(content, maxMessageLength) {
		if _, err := b.discord.ChannelMessageSend(channelID, chunk); err != nil {
			b.logger.ErrorContext(ctx, "failed to send message", "channel_id", channelID, tint.Err(err))
			return
		}
	}
}

func (b *Bot) statusText(ctx context.Context) string {
	line := func(name string, check func(context.Context) (*gateway.HealthStatus, error)) string {
		h, err := check(ctx)
		switch {
		case err != nil:
			return fmt.Sprintf("%s: ❌ unavailable", name)
		case !h.Healthy():
			return fmt.Sprintf("%s: ⚠️ %s", name, h.Status)
		default:
			return fmt.Sprintf("%s: ✅ healthy", name)
		}
	}
	return strings.Join([]string{
		"📊 **Status**",
		line("Text service", b.text.Health),
		line("Voice service", b.voice.Health),
		fmt.Sprintf("Voice sessions: %d", b.voiceRouter.ActiveSessions()),
	}, "\n")
}
