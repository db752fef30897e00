// internal/bot/commands.go
package bot

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"discord-ai-bot/internal/models"

	"github.com/bwmarrin/discordgo"
)

// Command is one slash command: its Discord definition, cooldown, input
// validation and handler.
type Command struct {
	Definition *discordgo.ApplicationCommand

	// Cooldown per user. Zero uses the bot's default cooldown.
	Cooldown time.Duration

	// Deferred commands acknowledge immediately and edit the reply once
	// Execute returns.
	Deferred bool

	// Ephemeral replies are only visible to the invoking user.
	Ephemeral bool

	Validate func(inv *Invocation) error
	Execute  func(ctx context.Context, inv *Invocation) (string, error)
}

// Invocation is a parsed slash command interaction.
type Invocation struct {
	Interaction *discordgo.Interaction
	User        *discordgo.User
	GuildID     string
	ChannelID   string
	Name        string
	Subcommand  string
	Options     map[string]*discordgo.ApplicationCommandInteractionDataOption
}

func (inv *Invocation) String(name string) string {
	if opt, ok := inv.Options[name]; ok && opt.Type == discordgo.ApplicationCommandOptionString {
		return strings.TrimSpace(opt.StringValue())
	}
	return ""
}

func (inv *Invocation) Bool(name string) (bool, bool) {
	if opt, ok := inv.Options[name]; ok && opt.Type == discordgo.ApplicationCommandOptionBoolean {
		return opt.BoolValue(), true
	}
	return false, false
}

func (inv *Invocation) turn() turnInfo {
	return turnInfo{
		userID:      inv.User.ID,
		guildID:     inv.GuildID,
		channelID:   inv.ChannelID,
		interaction: models.InteractionSlash,
		command:     inv.Name,
	}
}

func stringOption(name, description string, required bool, maxLength int) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        name,
		Description: description,
		Required:    required,
		MaxLength:   maxLength,
	}
}

func boolOption(name, description string) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionBoolean,
		Name:        name,
		Description: description,
	}
}

// requireText returns a validator for a required string option with a
// maximum length in characters.
func requireText(name string, maxLength int) func(inv *Invocation) error {
	return func(inv *Invocation) error {
		v := inv.String(name)
		if v == "" {
			return models.NewValidationError(name, "Please provide a %s.", name)
		}
		return checkLength(name, v, maxLength)
	}
}

func checkLength(name, v string, maxLength int) error {
	if n := utf8.RuneCountInString(v); n > maxLength {
		return models.NewValidationError(name, "The %s must be at most %d characters (got %d).", name, maxLength, n)
	}
	return nil
}

// slashCommands builds the slash command registry.
func (b *Bot) slashCommands() map[string]*Command {
	cmds := []*Command{
		{
			Definition: &discordgo.ApplicationCommand{
				Name:        "chat",
				Description: "Chat with the AI assistant",
				Options: []*discordgo.ApplicationCommandOption{
					stringOption("message", "Your message", true, 1000),
				},
			},
			Cooldown: 5 * time.Second,
			Deferred: true,
			Validate: requireText("message", 1000),
			Execute: func(ctx context.Context, inv *Invocation) (string, error) {
				return b.ask(ctx, inv.turn(), inv.String("message"))
			},
		},
		{
			Definition: &discordgo.ApplicationCommand{
				Name:        "ask",
				Description: "Ask the AI a question",
				Options: []*discordgo.ApplicationCommandOption{
					stringOption("question", "Your question", true, 1000),
				},
			},
			Deferred: true,
			Validate: requireText("question", 1000),
			Execute: func(ctx context.Context, inv *Invocation) (string, error) {
				return b.ask(ctx, inv.turn(), inv.String("question"))
			},
		},
		{
			Definition: &discordgo.ApplicationCommand{
				Name:        "search",
				Description: "Search the web",
				Options: []*discordgo.ApplicationCommandOption{
					stringOption("query", "What to search for", true, 200),
				},
			},
			Deferred: true,
			Validate: requireText("query", 200),
			Execute: func(ctx context.Context, inv *Invocation) (string, error) {
				return b.ask(ctx, inv.turn(), searchPrompt(inv.String("query")))
			},
		},
		{
			Definition: &discordgo.ApplicationCommand{
				Name:        "remind",
				Description: "Set a reminder",
				Options: []*discordgo.ApplicationCommandOption{
					stringOption("message", "What to remind you about", true, 200),
					stringOption("time", "When, e.g. 'tomorrow at 2pm' or 'in 30 minutes'", true, 100),
				},
			},
			Cooldown: 10 * time.Second,
			Deferred: true,
			Validate: func(inv *Invocation) error {
				if err := requireText("message", 200)(inv); err != nil {
					return err
				}
				return requireText("time", 100)(inv)
			},
			Execute: b.executeRemind,
		},
		{
			Definition: &discordgo.ApplicationCommand{
				Name:        "time",
				Description: "Get the current time",
				Options: []*discordgo.ApplicationCommandOption{
					stringOption("timezone", "Timezone or city, e.g. 'Europe/Paris'", false, 100),
				},
			},
			Deferred: true,
			Validate: func(inv *Invocation) error {
				return checkLength("timezone", inv.String("timezone"), 100)
			},
			Execute: func(ctx context.Context, inv *Invocation) (string, error) {
				return b.ask(ctx, inv.turn(), timePrompt(inv.String("timezone")))
			},
		},
		{
			Definition: &discordgo.ApplicationCommand{
				Name:        "weather",
				Description: "Get the weather for a location",
				Options: []*discordgo.ApplicationCommandOption{
					stringOption("location", "City or place", true, 100),
				},
			},
			Deferred: true,
			Validate: requireText("location", 100),
			Execute: func(ctx context.Context, inv *Invocation) (string, error) {
				return b.ask(ctx, inv.turn(), weatherPrompt(inv.String("location")))
			},
		},
		{
			Definition: &discordgo.ApplicationCommand{
				Name:        "help",
				Description: "Show what I can do",
			},
			Cooldown:  2 * time.Second,
			Ephemeral: true,
			Execute: func(context.Context, *Invocation) (string, error) {
				return b.helpText(), nil
			},
		},
		{
			Definition: &discordgo.ApplicationCommand{
				Name:        "settings",
				Description: "View or change your preferences",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionSubCommand,
						Name:        "view",
						Description: "Show your current preferences",
					},
					{
						Type:        discordgo.ApplicationCommandOptionSubCommand,
						Name:        "update",
						Description: "Change your preferences",
						Options: []*discordgo.ApplicationCommandOption{
							stringOption("language", "Language code, e.g. 'en'", false, 5),
							stringOption("model", "Text model", false, 100),
							boolOption("auto_join_voice", "Join your voice channel automatically"),
							boolOption("reminders", "Reminder notifications"),
							boolOption("mentions", "Mention notifications"),
							boolOption("dms", "Direct message notifications"),
						},
					},
				},
			},
			Cooldown:  5 * time.Second,
			Ephemeral: true,
			Validate: func(inv *Invocation) error {
				switch inv.Subcommand {
				case "view", "update":
					return nil
				}
				return models.NewValidationError("settings", "Use /settings view or /settings update.")
			},
			Execute: b.executeSettings,
		},
		{
			Definition: &discordgo.ApplicationCommand{
				Name:        "join",
				Description: "Join your current voice channel",
			},
			Deferred: true,
			Execute:  b.executeJoin,
		},
		{
			Definition: &discordgo.ApplicationCommand{
				Name:        "leave",
				Description: "Leave the current voice channel",
			},
			Deferred: true,
			Execute:  b.executeLeave,
		},
	}

	registry := make(map[string]*Command, len(cmds))
	for _, cmd := range cmds {
		registry[cmd.Definition.Name] = cmd
	}
	return registry
}

// Definitions returns the slash command set in a stable order.
func (b *Bot) Definitions() []*discordgo.ApplicationCommand {
	order := []string{"chat", "ask", "search", "remind", "time", "weather", "help", "settings", "join", "leave"}
	defs := make([]*discordgo.ApplicationCommand, 0, len(order))
	for _, name := range order {
		if cmd, ok := b.commands[name]; ok {
			defs = append(defs, cmd.Definition)
		}
	}
	return defs
}

// RegisterCommands replaces the application's slash commands with the
// bot's command set.
func (b *Bot) RegisterCommands() ([]*discordgo.ApplicationCommand, error) {
	appID := b.opts.ApplicationID
	if appID == "" {
		appID = b.discord.BotUserID()
	}
	if appID == "" {
		return nil, fmt.Errorf("application ID is unknown")
	}
	created, err := b.discord.ApplicationCommandBulkOverwrite(appID, b.opts.GuildID, b.Definitions())
	if err != nil {
		return nil, fmt.Errorf("failed to register slash commands: %w", err)
	}
	b.logger.Info("registered slash commands", "count", len(created), "guild_id", b.opts.GuildID)
	return created, nil
}

func (b *Bot) cooldownFor(cmd *Command) time.Duration {
	if d, ok := b.opts.Cooldowns[cmd.Definition.Name]; ok && d > 0 {
		return d
	}
	if cmd.Cooldown > 0 {
		return cmd.Cooldown
	}
	return b.opts.DefaultCooldown
}

// ask runs a turn through the text service and returns the reply content.
func (b *Bot) ask(ctx context.Context, turn turnInfo, prompt string) (string, error) {
	resp, err := b.respond(ctx, turn, prompt)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func weatherPrompt(location string) string {
	return fmt.Sprintf("What's the weather like in %s?", location)
}

func timePrompt(where string) string {
	if where == "" {
		return "What time is it?"
	}
	return fmt.Sprintf("What time is it in %s?", where)
}

func searchPrompt(query string) string {
	return "Search for information about: " + query
}

func translatePrompt(text string) string {
	return "Translate the following text: " + text
}

func reminderPrompt(message, when string) string {
	return fmt.Sprintf(
		"Create a reminder: \"%s\" at %s. Include the reminder time as an RFC3339 timestamp.",
		message, when,
	)
}

var rfc3339Pattern = regexp.MustCompile(
	`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:\d{2})`,
)

// parseScheduledFor returns the first RFC3339 timestamp in s, if any.
func parseScheduledFor(s string) *time.Time {
	for _, m := range rfc3339Pattern.FindAllString(s, -1) {
		if t, err := time.Parse(time.RFC3339, m); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func (b *Bot) executeRemind(ctx context.Context, inv *Invocation) (string, error) {
	message := inv.String("message")
	when := inv.String("time")

	content, err := b.ask(ctx, inv.turn(), reminderPrompt(message, when))
	if err != nil {
		return "", err
	}

	reminder := &models.Reminder{
		UserID:       inv.User.ID,
		GuildID:      inv.GuildID,
		ChannelID:    inv.ChannelID,
		Message:      message,
		ScheduledFor: parseScheduledFor(content),
	}
	if err := b.repo.CreateReminder(ctx, reminder); err != nil {
		return "", fmt.Errorf("failed to save reminder: %w", err)
	}
	return fmt.Sprintf("✅ Reminder set: \"%s\" - %s", message, content), nil
}

func (b *Bot) executeSettings(ctx context.Context, inv *Invocation) (string, error) {
	userID := inv.User.ID
	if inv.Subcommand == "view" {
		return formatPreferences(b.prefs.GetUserPreferences(ctx, userID)), nil
	}

	var update models.PreferencesUpdate
	if v := inv.String("language"); v != "" {
		update.Language = &v
	}
	if v := inv.String("model"); v != "" {
		update.TextModel = &v
	}
	if v, ok := inv.Bool("auto_join_voice"); ok {
		update.AutoJoinVoice = &v
	}
	if v, ok := inv.Bool("reminders"); ok {
		update.Reminders = &v
	}
	if v, ok := inv.Bool("mentions"); ok {
		update.Mentions = &v
	}
	if v, ok := inv.Bool("dms"); ok {
		update.DMs = &v
	}

	prefs, err := b.prefs.UpdateUserPreferences(ctx, userID, update)
	if err != nil {
		return "", err
	}
	return "✅ Settings updated.\n" + formatPreferences(prefs), nil
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func formatPreferences(p models.UserPreferences) string {
	var sb strings.Builder
	sb.WriteString("⚙️ **Your settings**\n")
	fmt.Fprintf(&sb, "Language: `%s`\n", p.Language)
	fmt.Fprintf(&sb, "Model: `%s`\n", p.TextModel)
	fmt.Fprintf(&sb, "Auto-join voice: %s\n", onOff(p.AutoJoinVoice))
	fmt.Fprintf(&sb, "Reminders: %s\n", onOff(p.NotificationSettings.Reminders))
	fmt.Fprintf(&sb, "Mentions: %s\n", onOff(p.NotificationSettings.Mentions))
	fmt.Fprintf(&sb, "DMs: %s", onOff(p.NotificationSettings.DMs))
	return sb.String()
}

func (b *Bot) executeJoin(ctx context.Context, inv *Invocation) (string, error) {
	if inv.GuildID == "" {
		return "", models.NewValidationError("guild", "Voice only works in a server.")
	}
	channelID := b.voiceRouter.userChannel(inv.GuildID, inv.User.ID)
	if channelID == "" {
		return "", models.NewValidationError("voice", "You need to be in a voice channel first!")
	}
	if err := b.voiceRouter.Join(ctx, inv.GuildID, channelID, inv.User.ID, inv.ChannelID); err != nil {
		return "", err
	}
	return "🎤 Joined voice channel! You can now talk to me. I'm listening...", nil
}

func (b *Bot) executeLeave(ctx context.Context, inv *Invocation) (string, error) {
	if !b.voiceRouter.Leave(ctx, inv.GuildID) {
		return "", models.NewValidationError("voice", "I'm not in a voice channel.")
	}
	return "👋 Left voice channel!", nil
}

func (b *Bot) helpText() string {
	p := b.opts.CommandPrefix
	return strings.Join([]string{
		"🤖 **Here's what I can do**",
		"",
		"**Slash commands**",
		"`/chat` talk with me",
		"`/ask` ask a question",
		"`/search` search the web",
		"`/remind` set a reminder",
		"`/time` current time, optionally for a timezone",
		"`/weather` weather for a location",
		"`/settings view|update` your preferences",
		"`/join` and `/leave` voice chat",
		"",
		"**Message commands**",
		fmt.Sprintf("`%shelp` `%sping` `%sinfo` `%sstatus` `%sclear`", p, p, p, p, p),
		fmt.Sprintf("`%sweather <place>` `%stime [place]` `%ssearch <query>`", p, p, p),
		fmt.Sprintf("`%stranslate <text>` `%sremind <what and when>`", p, p),
		"",
		"You can also mention me or send me a DM.",
	}, "\n")
}
