// internal/gateway/text.go
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"discord-ai-bot/internal/models"
	"discord-ai-bot/internal/observability"

	"github.com/go-resty/resty/v2"
)

const (
	TextServiceName      = "text"
	DefaultHistoryWindow = 10
)

type TextOptions struct {
	BaseURL              string
	Timeout              time.Duration
	HistoryWindow        int
	MaxRequestsPerSecond float64
}

// TextGateway talks to the text AI service.
type TextGateway struct {
	*client
	historyWindow int
}

func NewTextGateway(opts TextOptions, metrics *observability.Metrics, logger *slog.Logger) *TextGateway {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = DefaultHistoryWindow
	}
	return &TextGateway{
		client:        newClient(TextServiceName, opts.BaseURL, opts.Timeout, opts.MaxRequestsPerSecond, metrics, logger),
		historyWindow: opts.HistoryWindow,
	}
}

// RequestContext is the conversation snapshot sent along with a message.
type RequestContext struct {
	UserID          string                 `json:"userId"`
	GuildID         string                 `json:"guildId,omitempty"`
	ChannelID       string                 `json:"channelId"`
	InteractionType models.InteractionType `json:"interactionType"`
	History         []models.Turn          `json:"history"`
	Tools           []string               `json:"tools"`
	Preferences     models.UserPreferences `json:"preferences"`
}

// BatchItem is one message of a batch request.
type BatchItem struct {
	Message string         `json:"message"`
	Context RequestContext `json:"context"`
}

type ToolParameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
}

type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters,omitempty"`
}

// NewBatchItem builds the request for text with the last turns of cc.
func (g *TextGateway) NewBatchItem(text string, cc *models.ConversationContext) BatchItem {
	return BatchItem{Message: text, Context: g.requestContext(cc)}
}

func (g *TextGateway) requestContext(cc *models.ConversationContext) RequestContext {
	rc := RequestContext{
		UserID:          cc.UserID,
		GuildID:         cc.GuildID,
		ChannelID:       cc.ChannelID,
		InteractionType: cc.InteractionType,
		History:         cc.RecentHistory(g.historyWindow),
		Tools:           cc.Tools,
		Preferences:     cc.Preferences,
	}
	if rc.History == nil {
		rc.History = []models.Turn{}
	}
	if rc.Tools == nil {
		rc.Tools = []string{}
	}
	return rc
}

// ProcessMessage sends text with the context snapshot and returns the
// service's reply.
func (g *TextGateway) ProcessMessage(
	ctx context.Context,
	text string,
	cc *models.ConversationContext,
) (*models.AIResponse, error) {
	var out models.AIResponse
	_, err := g.do(ctx, "process", http.MethodPost, "/process", func(r *resty.Request) {
		r.SetBody(g.NewBatchItem(text, cc)).SetResult(&out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ProcessStream is ProcessMessage over server-sent events. onChunk, if not
// nil, receives each content delta as it arrives; an error from onChunk
// stops the stream. The returned response carries the concatenated content.
func (g *TextGateway) ProcessStream(
	ctx context.Context,
	text string,
	cc *models.ConversationContext,
	onChunk func(delta string) error,
) (*models.AIResponse, error) {
	resp, err := g.do(ctx, "process_stream", http.MethodPost, "/process/stream", func(r *resty.Request) {
		r.SetBody(g.NewBatchItem(text, cc)).
			SetHeader("Accept", "text/event-stream").
			SetDoNotParseResponse(true)
	})
	if resp != nil && resp.RawBody() != nil {
		defer resp.RawBody().Close()
	}
	if err != nil {
		return nil, err
	}

	out, err := readStream(resp.RawBody(), onChunk)
	if err != nil {
		return nil, &TransportError{Service: g.name, Op: "process_stream", Err: err}
	}
	return out, nil
}

// readStream consumes "data: " lines until "[DONE]" or EOF. Malformed
// chunks are skipped.
func readStream(body io.Reader, onChunk func(string) error) (*models.AIResponse, error) {
	out := &models.AIResponse{}
	var content strings.Builder
	reader := bufio.NewReader(body)

	for {
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("read stream: %w", err)
		}
		eof := err == io.EOF

		line = strings.TrimSpace(line)
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			if data == "[DONE]" {
				break
			}
			var chunk models.AIResponse
			if jerr := json.Unmarshal([]byte(data), &chunk); jerr == nil {
				content.WriteString(chunk.Content)
				out.Tools = append(out.Tools, chunk.Tools...)
				if chunk.Metadata != (models.ResponseMetadata{}) {
					out.Metadata = chunk.Metadata
				}
				if onChunk != nil && chunk.Content != "" {
					if cerr := onChunk(chunk.Content); cerr != nil {
						return nil, cerr
					}
				}
			}
		}
		if eof {
			break
		}
	}

	out.Content = content.String()
	return out, nil
}

// ProcessBatch sends several messages in one request. Replies are returned
// in request order.
func (g *TextGateway) ProcessBatch(ctx context.Context, items []BatchItem) ([]models.AIResponse, error) {
	if len(items) == 0 {
		return nil, nil
	}
	var out []models.AIResponse
	_, err := g.do(ctx, "process_batch", http.MethodPost, "/process/batch", func(r *resty.Request) {
		r.SetBody(items).SetResult(&out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ExecuteTool invokes a single tool directly. A tool that ran but failed is
// reported through the result's Success and Error fields, not as an error.
func (g *TextGateway) ExecuteTool(ctx context.Context, tool string, params map[string]any) (*models.ToolCall, error) {
	if params == nil {
		params = map[string]any{}
	}
	var out models.ToolCall
	_, err := g.do(ctx, "execute_tool", http.MethodPost, "/tools/execute", func(r *resty.Request) {
		r.SetBody(map[string]any{"tool": tool, "parameters": params}).SetResult(&out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (g *TextGateway) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	var out []ToolDefinition
	_, err := g.do(ctx, "list_tools", http.MethodGet, "/tools", func(r *resty.Request) {
		r.SetResult(&out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (g *TextGateway) Health(ctx context.Context) (*HealthStatus, error) {
	return g.health(ctx)
}

func contextPath(r *resty.Request, userID, channelID string) {
	r.SetPathParams(map[string]string{"userId": userID, "channelId": channelID})
}

// GetRemoteContext returns the service's copy of the pair's context, or
// nil if it has none.
func (g *TextGateway) GetRemoteContext(ctx context.Context, userID, channelID string) (*models.ConversationContext, error) {
	var out models.ConversationContext
	resp, err := g.do(ctx, "get_context", http.MethodGet, "/context/{userId}/{channelId}", func(r *resty.Request) {
		contextPath(r, userID, channelID)
		r.SetResult(&out)
	})
	if err != nil {
		if resp != nil && resp.StatusCode() == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

func (g *TextGateway) PutRemoteContext(ctx context.Context, cc *models.ConversationContext) error {
	_, err := g.do(ctx, "put_context", http.MethodPut, "/context/{userId}/{channelId}", func(r *resty.Request) {
		contextPath(r, cc.UserID, cc.ChannelID)
		r.SetBody(cc)
	})
	return err
}

func (g *TextGateway) DeleteRemoteContext(ctx context.Context, userID, channelID string) error {
	_, err := g.do(ctx, "delete_context", http.MethodDelete, "/context/{userId}/{channelId}", func(r *resty.Request) {
		contextPath(r, userID, channelID)
	})
	return err
}

func (g *TextGateway) SaveMemory(ctx context.Context, key string, value any) error {
	_, err := g.do(ctx, "save_memory", http.MethodPost, "/memory", func(r *resty.Request) {
		r.SetBody(map[string]any{"key": key, "value": value})
	})
	return err
}

// GetMemory returns the stored value and whether the key exists.
func (g *TextGateway) GetMemory(ctx context.Context, key string) (any, bool, error) {
	var out struct {
		Key   string `json:"key"`
		Value any    `json:"value"`
	}
	resp, err := g.do(ctx, "get_memory", http.MethodGet, "/memory/{key}", func(r *resty.Request) {
		r.SetPathParam("key", key).SetResult(&out)
	})
	if err != nil {
		if resp != nil && resp.StatusCode() == http.StatusNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	return out.Value, true, nil
}

func (g *TextGateway) DeleteMemory(ctx context.Context, key string) error {
	_, err := g.do(ctx, "delete_memory", http.MethodDelete, "/memory/{key}", func(r *resty.Request) {
		r.SetPathParam("key", key)
	})
	return err
}

// UpdateSettings changes runtime settings of the text service.
func (g *TextGateway) UpdateSettings(ctx context.Context, settings map[string]any) error {
	_, err := g.do(ctx, "update_settings", http.MethodPost, "/settings", func(r *resty.Request) {
		r.SetBody(settings)
	})
	return err
}
