package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServer_Defaults(t *testing.T) {
	t.Setenv("SERVER_NAME", "ws-test")

	cfg, err := LoadServer()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 256, cfg.WorkerPoolSize)
	assert.Equal(t, 5*time.Second, cfg.TypingTimeout)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, "ws-test", cfg.ServerName)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.RedisAddr)
}

func TestLoadServer_Overrides(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":9000")
	t.Setenv("TYPING_TIMEOUT", "250ms")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("LOG_FORMAT", "json")

	cfg, err := LoadServer()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, 250*time.Millisecond, cfg.TypingTimeout)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadServer_Invalid(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"zero workers", "WORKER_POOL_SIZE", "0"},
		{"bad duration", "READ_TIMEOUT", "soon"},
		{"zero typing timeout", "TYPING_TIMEOUT", "0s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := LoadServer()
			assert.Error(t, err)
		})
	}
}

func TestLoadAgent(t *testing.T) {
	t.Setenv("AGENT_USER_ID", "bot-1")
	t.Setenv("STUN_URLS", "stun:a:3478,stun:b:3478")

	cfg, err := LoadAgent()
	require.NoError(t, err)
	assert.Equal(t, "bot-1", cfg.UserID)
	assert.True(t, cfg.AutoAnswer)
	assert.Equal(t, "audio", cfg.CallType)
	assert.Equal(t, []string{"stun:a:3478", "stun:b:3478"}, cfg.STUNURLs)
}

func TestLoadAgent_RequiresUser(t *testing.T) {
	t.Setenv("AGENT_USER_ID", "")
	_, err := LoadAgent()
	assert.Error(t, err)
}

func TestLoadAgent_RejectsCallType(t *testing.T) {
	t.Setenv("AGENT_USER_ID", "bot-1")
	t.Setenv("AGENT_CALL_TYPE", "screen")
	_, err := LoadAgent()
	assert.Error(t, err)
}
