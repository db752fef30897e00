// internal/bot/slash.go
package bot

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

func (b *Bot) OnInteractionCreate(_ *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	b.handle("interaction", func(ctx context.Context) {
		b.HandleInteraction(ctx, i.Interaction)
	})
}

// HandleInteraction dispatches one slash command: cooldown, validation,
// acknowledgement, execution and reply.
func (b *Bot) HandleInteraction(ctx context.Context, i *discordgo.Interaction) {
	inv := parseInvocation(i)
	if inv.User == nil {
		b.logger.WarnContext(ctx, "interaction without user", "interaction_id", i.ID)
		return
	}
	logger := b.logger.With(
		"command", inv.Name,
		"user_id", inv.User.ID,
		"guild_id", inv.GuildID,
		"channel_id", inv.ChannelID,
	)

	cmd, ok := b.commands[inv.Name]
	if !ok {
		logger.WarnContext(ctx, "unknown slash command")
		b.reply(ctx, i, "❓ Unknown command.", true)
		return
	}

	allowed, remaining, err := b.cooldowns.Acquire(ctx, inv.User.ID, inv.Name, b.cooldownFor(cmd))
	if err != nil {
		// fail open
		logger.WarnContext(ctx, "cooldown check failed", tint.Err(err))
		allowed = true
	}
	if !allowed {
		b.metrics.ObserveCooldown(inv.Name)
		b.reply(ctx, i, cooldownMessage(inv.Name, remaining), true)
		return
	}

	b.touchUser(ctx, inv.User)

	started := time.Now()
	if cmd.Validate != nil {
		if err := cmd.Validate(inv); err != nil {
			b.reply(ctx, i, userReply(err), true)
			b.record(ctx, inv.turn(), started, err)
			return
		}
	}

	if cmd.Deferred {
		err := b.discord.InteractionRespond(i, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
			Data: responseData("", cmd.Ephemeral),
		})
		if err != nil {
			logger.ErrorContext(ctx, "failed to acknowledge interaction", tint.Err(err))
			return
		}
	}

	content, err := cmd.Execute(ctx, inv)
	if err != nil {
		logger.ErrorContext(ctx, "slash command failed", tint.Err(err))
		content = userReply(err)
	}
	b.record(ctx, inv.turn(), started, err)

	if cmd.Deferred {
		b.editReply(ctx, i, content)
		return
	}
	b.reply(ctx, i, content, cmd.Ephemeral)
}

func parseInvocation(i *discordgo.Interaction) *Invocation {
	data := i.ApplicationCommandData()
	inv := &Invocation{
		Interaction: i,
		GuildID:     i.GuildID,
		ChannelID:   i.ChannelID,
		Name:        data.Name,
		Options:     map[string]*discordgo.ApplicationCommandInteractionDataOption{},
	}
	switch {
	case i.Member != nil && i.Member.User != nil:
		inv.User = i.Member.User
	case i.User != nil:
		inv.User = i.User
	}

	opts := data.Options
	if len(opts) == 1 && opts[0].Type == discordgo.ApplicationCommandOptionSubCommand {
		inv.Subcommand = opts[0].Name
		opts = opts[0].Options
	}
	for _, opt := range opts {
		inv.Options[opt.Name] = opt
	}
	return inv
}

func cooldownMessage(command string, remaining time.Duration) string {
	secs := int(math.Ceil(remaining.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("⏳ Please wait %ds before using /%s again.", secs, command)
}

func responseData(content string, ephemeral bool) *discordgo.InteractionResponseData {
	data := &discordgo.InteractionResponseData{Content: content}
	if ephemeral {
		data.Flags = discordgo.MessageFlagsEphemeral
	}
	return data
}

func (b *Bot) reply(ctx context.Context, i *discordgo.Interaction, content string, ephemeral bool) {
	err := b.discord.InteractionRespond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: responseData(truncateMessage(content), ephemeral),
	})
	if err != nil {
		b.logger.ErrorContext(ctx, "failed to respond to interaction", "interaction_id", i.ID, tint.Err(err))
	}
}

func (b *Bot) editReply(ctx context.Context, i *discordgo.Interaction, content string) {
	content = truncateMessage(content)
	_, err := b.discord.InteractionResponseEdit(i, &discordgo.WebhookEdit{Content: &content})
	if err != nil {
		b.logger.ErrorContext(ctx, "failed to edit interaction response", "interaction_id", i.ID, tint.Err(err))
	}
}

// truncateMessage fits content into a single Discord message.
func truncateMessage(content string) string {
	if content == "" {
		return "🤔 I don't have a response for that."
	}
	if len(content) <= maxMessageLength {
		return content
	}
	return splitMessage(content, maxMessageLength-3)[0] + "…"
}
