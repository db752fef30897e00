// internal/bot/stats.go
package bot

import (
	"context"
	"sync"

	"discord-ai-bot/internal/models"

	"github.com/lmittmann/tint"
)

// Stats counts handled interactions since startup.
type Stats struct {
	mu     sync.Mutex
	total  int64
	byName map[string]int64
	byType map[models.InteractionType]int64
	users  map[string]struct{}
}

func newStats() *Stats {
	return &Stats{
		byName: make(map[string]int64),
		byType: make(map[models.InteractionType]int64),
		users:  make(map[string]struct{}),
	}
}

func (s *Stats) recordCommand(typ models.InteractionType, command, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.byName[command]++
	s.byType[typ]++
	if userID != "" {
		s.users[userID] = struct{}{}
	}
}

// Snapshot is the payload of the /metrics endpoint.
type Snapshot struct {
	Commands         int64            `json:"commands"`
	CommandUsage     map[string]int64 `json:"commandUsage"`
	InteractionTypes map[string]int64 `json:"interactionTypes"`
	Cooldowns        int              `json:"cooldowns"`
	Guilds           int              `json:"guilds"`
	Users            int64            `json:"users"`
	VoiceSessions    int              `json:"voiceSessions"`
}

// Snapshot reports usage counters alongside live cooldown, guild, user and
// voice session counts.
func (b *Bot) Snapshot(ctx context.Context) Snapshot {
	b.stats.mu.Lock()
	snap := Snapshot{
		Commands:         b.stats.total,
		CommandUsage:     make(map[string]int64, len(b.stats.byName)),
		InteractionTypes: make(map[string]int64, len(b.stats.byType)),
		Users:            int64(len(b.stats.users)),
	}
	for name, n := range b.stats.byName {
		snap.CommandUsage[name] = n
	}
	for typ, n := range b.stats.byType {
		snap.InteractionTypes[string(typ)] = n
	}
	b.stats.mu.Unlock()

	if n, err := b.cooldowns.Active(ctx); err == nil {
		snap.Cooldowns = n
	} else {
		b.logger.WarnContext(ctx, "failed to count cooldowns", tint.Err(err))
	}
	if n, err := b.repo.CountUsers(ctx); err == nil && n > snap.Users {
		snap.Users = n
	}
	if b.discord != nil {
		snap.Guilds = b.discord.GuildCount()
	}
	snap.VoiceSessions = b.voiceRouter.ActiveSessions()
	return snap
}
