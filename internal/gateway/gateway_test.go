// internal/gateway/gateway_test.go
package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"discord-ai-bot/internal/logging"
	"discord-ai-bot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newText(t *testing.T, h http.Handler) *TextGateway {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewTextGateway(TextOptions{BaseURL: srv.URL, Timeout: 5 * time.Second}, nil, logging.Discard())
}

func newVoice(t *testing.T, h http.Handler) *VoiceGateway {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewVoiceGateway(VoiceOptions{
		BaseURL: srv.URL,
		Timeout: 5 * time.Second,
		Settings: VoiceSettings{
			VoiceActivityDetection: true,
			AudioFormat:            "pcm16",
			SampleRate:             48000,
			Channels:               2,
		},
	}, nil, logging.Discard())
}

func contextWithHistory(n int) *models.ConversationContext {
	cc := models.NewConversationContext("u1", "c1", models.DefaultPreferences())
	cc.GuildID = "g1"
	for i := 0; i < n; i++ {
		cc.AppendTurn(models.Turn{Role: models.RoleUser, Content: fmt.Sprintf("turn %d", i)})
	}
	return cc
}

func TestProcessMessageSendsRecentHistory(t *testing.T) {
	var got BatchItem
	var requestID string
	g := newText(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/process", r.URL.Path)
		requestID = r.Header.Get(RequestIDHeader)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusOK, map[string]any{
			"content":  "It's sunny",
			"tools":    []map[string]any{{"name": "weather", "success": true}},
			"metadata": map[string]any{"model": "gpt-4", "tokens": 12, "latency": 0.4},
		})
	}))

	resp, err := g.ProcessMessage(context.Background(), "weather?", contextWithHistory(15))
	require.NoError(t, err)

	assert.Equal(t, "It's sunny", resp.Content)
	assert.Equal(t, []string{"weather"}, resp.ToolNames())
	assert.Equal(t, "gpt-4", resp.Metadata.Model)
	assert.NotEmpty(t, requestID)

	assert.Equal(t, "weather?", got.Message)
	assert.Equal(t, "u1", got.Context.UserID)
	assert.Equal(t, "g1", got.Context.GuildID)
	require.Len(t, got.Context.History, DefaultHistoryWindow)
	assert.Equal(t, "turn 5", got.Context.History[0].Content)
	assert.Equal(t, "turn 14", got.Context.History[9].Content)
}

func TestServiceErrorMapping(t *testing.T) {
	g := newText(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "model exploded"})
	}))

	_, err := g.ProcessMessage(context.Background(), "hi", contextWithHistory(0))
	var se *ServiceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusInternalServerError, se.StatusCode)
	assert.Contains(t, se.Body, "model exploded")
	assert.True(t, IsGatewayError(err))
}

func TestTransportErrorMapping(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	g := NewTextGateway(TextOptions{BaseURL: url, Timeout: time.Second}, nil, logging.Discard())
	_, err := g.ProcessMessage(context.Background(), "hi", contextWithHistory(0))

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, TextServiceName, te.Service)
	assert.Equal(t, "process", te.Op)
}

func TestTimeoutIsTransportError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	g := NewTextGateway(TextOptions{BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, nil, logging.Discard())
	_, err := g.ProcessMessage(context.Background(), "hi", contextWithHistory(0))

	var te *TransportError
	assert.ErrorAs(t, err, &te)
}

func TestProcessStream(t *testing.T) {
	g := newText(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/process/stream", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "data: {\"content\":\"Hel\"}\n\n")
		fmt.Fprint(w, "data: not json\n\n")
		fmt.Fprint(w, "data: {\"content\":\"lo\",\"metadata\":{\"model\":\"gpt-4\"}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
		fmt.Fprint(w, "data: {\"content\":\"ignored\"}\n\n")
	}))

	var chunks []string
	resp, err := g.ProcessStream(context.Background(), "hi", contextWithHistory(1), func(delta string) error {
		chunks = append(chunks, delta)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello", resp.Content)
	assert.Equal(t, []string{"Hel", "lo"}, chunks)
	assert.Equal(t, "gpt-4", resp.Metadata.Model)
}

func TestReadStreamWithoutTerminator(t *testing.T) {
	resp, err := readStream(strings.NewReader("data: {\"content\":\"a\"}\ndata: {\"content\":\"b\"}"), nil)
	require.NoError(t, err)
	assert.Equal(t, "ab", resp.Content)
}

func TestReadStreamCallbackStops(t *testing.T) {
	stop := errors.New("stop")
	_, err := readStream(strings.NewReader("data: {\"content\":\"a\"}\n"), func(string) error { return stop })
	assert.ErrorIs(t, err, stop)
}

func TestProcessBatch(t *testing.T) {
	g := newText(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var items []BatchItem
		require.NoError(t, json.NewDecoder(r.Body).Decode(&items))
		out := make([]map[string]any, 0, len(items))
		for _, it := range items {
			out = append(out, map[string]any{"content": "re: " + it.Message})
		}
		writeJSON(w, http.StatusOK, out)
	}))

	cc := contextWithHistory(0)
	resp, err := g.ProcessBatch(context.Background(), []BatchItem{
		g.NewBatchItem("one", cc),
		g.NewBatchItem("two", cc),
	})
	require.NoError(t, err)
	require.Len(t, resp, 2)
	assert.Equal(t, "re: one", resp[0].Content)
	assert.Equal(t, "re: two", resp[1].Content)
}

func TestToolsAndSettings(t *testing.T) {
	var settings map[string]any
	g := newText(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/tools/execute":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "time", body["tool"])
			writeJSON(w, http.StatusOK, map[string]any{
				"name":    "time",
				"input":   body["parameters"],
				"output":  "12:00",
				"success": true,
			})
		case r.Method == http.MethodGet && r.URL.Path == "/tools":
			writeJSON(w, http.StatusOK, []map[string]any{
				{
					"name":        "weather",
					"description": "Get weather information for a location",
					"parameters": []map[string]any{
						{"name": "location", "type": "string", "required": true},
					},
				},
				{"name": "time", "description": "Get time"},
			})
		case r.Method == http.MethodPost && r.URL.Path == "/settings":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&settings))
			writeJSON(w, http.StatusOK, map[string]any{"success": true})
		default:
			http.NotFound(w, r)
		}
	}))
	ctx := context.Background()

	res, err := g.ExecuteTool(ctx, "time", map[string]any{"timezone": "UTC"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "time", res.Name)
	assert.Equal(t, map[string]any{"timezone": "UTC"}, res.Input)
	assert.Equal(t, "12:00", res.Output)
	assert.Empty(t, res.Error)

	tools, err := g.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "weather", tools[0].Name)
	require.Len(t, tools[0].Parameters, 1)
	assert.True(t, tools[0].Parameters[0].Required)

	require.NoError(t, g.UpdateSettings(ctx, map[string]any{"temperature": 0.2}))
	assert.Equal(t, 0.2, settings["temperature"])
}

func TestRemoteContextAndMemory(t *testing.T) {
	var mu sync.Mutex
	contexts := map[string]json.RawMessage{}
	memory := map[string]any{}

	mux := http.NewServeMux()
	mux.HandleFunc("/context/", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		key := strings.TrimPrefix(r.URL.Path, "/context/")
		switch r.Method {
		case http.MethodPut:
			var raw json.RawMessage
			require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
			contexts[key] = raw
			writeJSON(w, http.StatusOK, map[string]any{"success": true})
		case http.MethodGet:
			raw, ok := contexts[key]
			if !ok {
				writeJSON(w, http.StatusNotFound, map[string]any{"detail": "Context not found"})
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(raw)
		case http.MethodDelete:
			delete(contexts, key)
			writeJSON(w, http.StatusOK, map[string]any{"success": true})
		}
	})
	mux.HandleFunc("/memory", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		var body struct {
			Key   string `json:"key"`
			Value any    `json:"value"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		memory[body.Key] = body.Value
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	})
	mux.HandleFunc("/memory/", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		key := strings.TrimPrefix(r.URL.Path, "/memory/")
		switch r.Method {
		case http.MethodGet:
			v, ok := memory[key]
			if !ok {
				writeJSON(w, http.StatusNotFound, map[string]any{"detail": "Memory not found"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": v})
		case http.MethodDelete:
			delete(memory, key)
			writeJSON(w, http.StatusOK, map[string]any{"success": true})
		}
	})
	g := newText(t, mux)
	ctx := context.Background()

	cc, err := g.GetRemoteContext(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Nil(t, cc)

	require.NoError(t, g.PutRemoteContext(ctx, contextWithHistory(2)))
	cc, err = g.GetRemoteContext(ctx, "u1", "c1")
	require.NoError(t, err)
	require.NotNil(t, cc)
	assert.Len(t, cc.History, 2)

	require.NoError(t, g.DeleteRemoteContext(ctx, "u1", "c1"))
	cc, err = g.GetRemoteContext(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Nil(t, cc)

	require.NoError(t, g.SaveMemory(ctx, "fav_color", "green"))
	v, ok, err := g.GetMemory(ctx, "fav_color")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "green", v)

	require.NoError(t, g.DeleteMemory(ctx, "fav_color"))
	_, ok, err = g.GetMemory(ctx, "fav_color")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTextHealth(t *testing.T) {
	g := newText(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "uptime": 12.5, "lastCheck": 1700000000.0})
	}))
	h, err := g.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, h.Healthy())
	assert.Equal(t, 12.5, h.Uptime)
}

func TestVoiceSessionLifecycle(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	var startBody map[string]any
	g := newVoice(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, r.Method+" "+r.URL.Path)
		mu.Unlock()
		switch r.URL.Path {
		case "/sessions/start":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&startBody))
			writeJSON(w, http.StatusOK, map[string]any{"sessionId": "s-123"})
		case "/sessions/s-123":
			writeJSON(w, http.StatusOK, map[string]any{"sessionId": "s-123", "status": "active"})
		case "/sessions/s-123/metrics":
			writeJSON(w, http.StatusOK, map[string]any{"latency": 0.3})
		default:
			writeJSON(w, http.StatusOK, map[string]any{"success": true})
		}
	}))
	ctx := context.Background()

	id, err := g.StartSession(ctx, "g1", "vc1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "s-123", id)
	assert.Equal(t, "vc1", startBody["channelId"])
	settings, ok := startBody["settings"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "pcm16", settings["audioFormat"])

	got, ok := g.SessionID("g1")
	assert.True(t, ok)
	assert.Equal(t, "s-123", got)
	assert.Equal(t, 1, g.ActiveSessions())

	require.NoError(t, g.PauseSession(ctx, "g1"))
	require.NoError(t, g.ResumeSession(ctx, "g1"))
	require.NoError(t, g.RecoverSession(ctx, "g1"))

	info, err := g.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "active", info.Status)

	m, err := g.SessionMetrics(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0.3, m["latency"])

	require.NoError(t, g.StopSession(ctx, "g1"))
	require.NoError(t, g.StopSession(ctx, "g1"))
	assert.Equal(t, 0, g.ActiveSessions())

	var verr *models.ValidationError
	assert.ErrorAs(t, g.PauseSession(ctx, "g1"), &verr)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"POST /sessions/start",
		"POST /sessions/s-123/pause",
		"POST /sessions/s-123/resume",
		"POST /sessions/s-123/recover",
		"GET /sessions/s-123",
		"GET /sessions/s-123/metrics",
		"POST /sessions/s-123/stop",
	}, calls)
}

func TestStopSessionUntracksOnFailure(t *testing.T) {
	g := newVoice(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/sessions/start" {
			writeJSON(w, http.StatusOK, map[string]any{"sessionId": "s-1"})
			return
		}
		writeJSON(w, http.StatusBadGateway, map[string]any{"detail": "down"})
	}))
	ctx := context.Background()

	_, err := g.StartSession(ctx, "g1", "vc1", "u1")
	require.NoError(t, err)

	var se *ServiceError
	assert.ErrorAs(t, g.StopSession(ctx, "g1"), &se)
	_, ok := g.SessionID("g1")
	assert.False(t, ok)
}

func TestProcessAudio(t *testing.T) {
	var body map[string]any
	g := newVoice(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/audio/process", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		writeJSON(w, http.StatusOK, map[string]any{"content": "I heard you"})
	}))

	audio := []byte{0x01, 0x02, 0x03, 0x04}
	resp, err := g.ProcessAudio(context.Background(), audio)
	require.NoError(t, err)
	assert.Equal(t, "I heard you", resp.Content)
	assert.Equal(t, base64.StdEncoding.EncodeToString(audio), body["audio"])
	assert.Equal(t, float64(48000), body["sampleRate"])

	var verr *models.ValidationError
	_, err = g.ProcessAudio(context.Background(), nil)
	assert.ErrorAs(t, err, &verr)
}

func TestListSessions(t *testing.T) {
	g := newVoice(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []map[string]any{
			{"sessionId": "a", "status": "active"},
			{"sessionId": "b", "status": "paused"},
		})
	}))
	sessions, err := g.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "paused", sessions[1].Status)
}

func TestListSessionsEmpty(t *testing.T) {
	g := newVoice(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []any{})
	}))
	sessions, err := g.ListSessions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sessions)
}
