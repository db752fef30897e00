// internal/gateway/voice.go
package gateway

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"discord-ai-bot/internal/models"
	"discord-ai-bot/internal/observability"

	"github.com/go-resty/resty/v2"
)

const VoiceServiceName = "voice"

// VoiceSettings are sent with every session start and audio request.
type VoiceSettings struct {
	VoiceActivityDetection bool   `json:"voiceActivityDetection"`
	InterruptionHandling   bool   `json:"interruptionHandling"`
	AudioFormat            string `json:"audioFormat"`
	SampleRate             int    `json:"sampleRate"`
	Channels               int    `json:"channels"`
}

type VoiceOptions struct {
	BaseURL  string
	Timeout  time.Duration
	Settings VoiceSettings
}

// SessionInfo describes a session as reported by the voice service.
type SessionInfo struct {
	SessionID string  `json:"sessionId"`
	Status    string  `json:"status"`
	GuildID   string  `json:"guildId,omitempty"`
	ChannelID string  `json:"channelId,omitempty"`
	UserID    string  `json:"userId,omitempty"`
	StartTime float64 `json:"startTime,omitempty"`
}

// VoiceGateway talks to the voice AI service and tracks the remote session
// of each guild.
type VoiceGateway struct {
	*client
	settings VoiceSettings

	mu       sync.RWMutex
	sessions map[string]string
}

func NewVoiceGateway(opts VoiceOptions, metrics *observability.Metrics, logger *slog.Logger) *VoiceGateway {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	return &VoiceGateway{
		client:   newClient(VoiceServiceName, opts.BaseURL, opts.Timeout, 0, metrics, logger),
		settings: opts.Settings,
		sessions: make(map[string]string),
	}
}

// StartSession opens a remote session for the guild and tracks it.
func (g *VoiceGateway) StartSession(ctx context.Context, guildID, channelID, userID string) (string, error) {
	var out struct {
		SessionID string `json:"sessionId"`
	}
	_, err := g.do(ctx, "start_session", http.MethodPost, "/sessions/start", func(r *resty.Request) {
		r.SetBody(map[string]any{
			"guildId":   guildID,
			"channelId": channelID,
			"userId":    userID,
			"settings":  g.settings,
		}).SetResult(&out)
	})
	if err != nil {
		return "", err
	}
	if out.SessionID == "" {
		return "", &ServiceError{Service: g.name, Op: "start_session", StatusCode: http.StatusOK, Body: "missing sessionId"}
	}

	g.mu.Lock()
	g.sessions[guildID] = out.SessionID
	g.mu.Unlock()
	g.metrics.SetVoiceSessions(g.ActiveSessions())
	return out.SessionID, nil
}

// StopSession stops and untracks the guild's session. Stopping a guild with
// no tracked session is a no-op. The session is untracked even if the
// remote call fails.
func (g *VoiceGateway) StopSession(ctx context.Context, guildID string) error {
	g.mu.Lock()
	id, ok := g.sessions[guildID]
	delete(g.sessions, guildID)
	g.mu.Unlock()
	if !ok {
		return nil
	}
	g.metrics.SetVoiceSessions(g.ActiveSessions())

	return g.sessionAction(ctx, "stop_session", id, "stop")
}

func (g *VoiceGateway) PauseSession(ctx context.Context, guildID string) error {
	return g.guildAction(ctx, "pause_session", guildID, "pause")
}

func (g *VoiceGateway) ResumeSession(ctx context.Context, guildID string) error {
	return g.guildAction(ctx, "resume_session", guildID, "resume")
}

// RecoverSession asks the service to restore a session after an error.
func (g *VoiceGateway) RecoverSession(ctx context.Context, guildID string) error {
	return g.guildAction(ctx, "recover_session", guildID, "recover")
}

func (g *VoiceGateway) guildAction(ctx context.Context, op, guildID, action string) error {
	id, ok := g.SessionID(guildID)
	if !ok {
		return models.NewValidationError("guild", "no active voice session in guild %s", guildID)
	}
	return g.sessionAction(ctx, op, id, action)
}

func (g *VoiceGateway) sessionAction(ctx context.Context, op, sessionID, action string) error {
	_, err := g.do(ctx, op, http.MethodPost, "/sessions/{sessionId}/"+action, func(r *resty.Request) {
		r.SetPathParam("sessionId", sessionID)
	})
	return err
}

// ProcessAudio sends one utterance of raw audio and returns the reply.
func (g *VoiceGateway) ProcessAudio(ctx context.Context, audio []byte) (*models.AIResponse, error) {
	if len(audio) == 0 {
		return nil, models.NewValidationError("audio", "must not be empty")
	}
	var out models.AIResponse
	_, err := g.do(ctx, "process_audio", http.MethodPost, "/audio/process", func(r *resty.Request) {
		r.SetBody(map[string]any{
			"audio":      base64.StdEncoding.EncodeToString(audio),
			"format":     g.settings.AudioFormat,
			"sampleRate": g.settings.SampleRate,
			"channels":   g.settings.Channels,
		}).SetResult(&out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (g *VoiceGateway) Health(ctx context.Context) (*HealthStatus, error) {
	return g.health(ctx)
}

func (g *VoiceGateway) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	var out []SessionInfo
	_, err := g.do(ctx, "list_sessions", http.MethodGet, "/sessions", func(r *resty.Request) {
		r.SetResult(&out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (g *VoiceGateway) GetSession(ctx context.Context, sessionID string) (*SessionInfo, error) {
	var out SessionInfo
	_, err := g.do(ctx, "get_session", http.MethodGet, "/sessions/{sessionId}", func(r *resty.Request) {
		r.SetPathParam("sessionId", sessionID).SetResult(&out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (g *VoiceGateway) SessionMetrics(ctx context.Context, sessionID string) (map[string]any, error) {
	out := map[string]any{}
	_, err := g.do(ctx, "session_metrics", http.MethodGet, "/sessions/{sessionId}/metrics", func(r *resty.Request) {
		r.SetPathParam("sessionId", sessionID).SetResult(&out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SessionID returns the tracked remote session of the guild.
func (g *VoiceGateway) SessionID(guildID string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, ok := g.sessions[guildID]
	return id, ok
}

func (g *VoiceGateway) ActiveSessions() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}
