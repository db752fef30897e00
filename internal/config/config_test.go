// internal/config/config_test.go
package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigRequiresToken(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discord.token")

	cfg.Discord.Token = "token"
	assert.NoError(t, cfg.Validate())
}

func TestValidateDatabaseType(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Discord.Token = "token"
	cfg.DatabaseType = "mysql"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database_type")
}

func TestDefaultConfigTimeouts(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, DefaultContextTTL, cfg.Context.TTL)
	assert.Equal(t, DefaultTextServiceTimeout, cfg.TextService.Timeout)
	assert.Equal(t, DefaultVoiceTimeout, cfg.VoiceService.Timeout)
	assert.Equal(t, 10, cfg.TextService.HistoryWindow)
}
