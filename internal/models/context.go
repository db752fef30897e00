// internal/models/context.go
package models

import (
	"slices"
	"time"

	"github.com/sashabaranov/go-openai"
)

type InteractionType string

const (
	InteractionSlash        InteractionType = "slash"
	InteractionMessage      InteractionType = "message"
	InteractionVoice        InteractionType = "voice"
	InteractionAutocomplete InteractionType = "autocomplete"
)

func (t InteractionType) Valid() bool {
	switch t {
	case InteractionSlash, InteractionMessage, InteractionVoice, InteractionAutocomplete:
		return true
	}
	return false
}

// Turn roles share the chat-completion vocabulary used by the text service.
const (
	RoleUser      = openai.ChatMessageRoleUser
	RoleAssistant = openai.ChatMessageRoleAssistant
	RoleSystem    = openai.ChatMessageRoleSystem
)

// Turn is one entry in a conversation history.
type Turn struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ConversationContext is the per-(user, channel) dialogue state shared by
// slash commands, plain messages and voice.
type ConversationContext struct {
	UserID          string          `json:"userId"`
	GuildID         string          `json:"guildId,omitempty"`
	ChannelID       string          `json:"channelId"`
	InteractionType InteractionType `json:"interactionType"`
	History         []Turn          `json:"history"`
	Tools           []string        `json:"tools"`
	Preferences     UserPreferences `json:"preferences"`
	Timestamp       time.Time       `json:"timestamp"`

	// Version is bumped by every cache write and compared on update.
	Version uint64 `json:"version"`
}

// NewConversationContext returns an empty context for the given key.
func NewConversationContext(userID, channelID string, prefs UserPreferences) *ConversationContext {
	return &ConversationContext{
		UserID:          userID,
		ChannelID:       channelID,
		InteractionType: InteractionMessage,
		History:         []Turn{},
		Tools:           []string{},
		Preferences:     prefs,
		Timestamp:       time.Now().UTC(),
	}
}

// AppendTurn adds a turn, stamping it if no timestamp was set.
func (c *ConversationContext) AppendTurn(t Turn) {
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}
	c.History = append(c.History, t)
}

// RecentHistory returns at most the last n turns.
func (c *ConversationContext) RecentHistory(n int) []Turn {
	if n <= 0 || len(c.History) <= n {
		return c.History
	}
	return c.History[len(c.History)-n:]
}

// AddTools merges names into the tool set, keeping insertion order.
func (c *ConversationContext) AddTools(names ...string) {
	for _, name := range names {
		if name == "" || slices.Contains(c.Tools, name) {
			continue
		}
		c.Tools = append(c.Tools, name)
	}
}

// Clone returns a deep copy safe to mutate independently.
func (c *ConversationContext) Clone() *ConversationContext {
	cp := *c
	cp.History = make([]Turn, len(c.History))
	for i, t := range c.History {
		if t.Metadata != nil {
			md := make(map[string]any, len(t.Metadata))
			for k, v := range t.Metadata {
				md[k] = v
			}
			t.Metadata = md
		}
		cp.History[i] = t
	}
	cp.Tools = slices.Clone(c.Tools)
	if cp.Tools == nil {
		cp.Tools = []string{}
	}
	return &cp
}

// ToolCall describes a tool invocation reported by the text service.
type ToolCall struct {
	Name    string         `json:"name"`
	Input   map[string]any `json:"input,omitempty"`
	Output  any            `json:"output,omitempty"`
	Success bool           `json:"success"`
	Error   string         `json:"error,omitempty"`
}

type ResponseMetadata struct {
	Model   string  `json:"model,omitempty"`
	Tokens  int     `json:"tokens,omitempty"`
	Latency float64 `json:"latency,omitempty"`
}

// AIResponse is the reply shape shared by the text and voice services.
type AIResponse struct {
	Content  string           `json:"content"`
	Tools    []ToolCall       `json:"tools,omitempty"`
	Metadata ResponseMetadata `json:"metadata"`
}

// ToolNames returns the names of the tools used in the response.
func (r *AIResponse) ToolNames() []string {
	names := make([]string, 0, len(r.Tools))
	for _, t := range r.Tools {
		names = append(names, t.Name)
	}
	return names
}
