package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "127.0.0.1", cfg.Proxy.Host)
	assert.Equal(t, 8741, cfg.Proxy.Port)
	assert.Equal(t, "info", cfg.Proxy.LogLevel)
	assert.True(t, cfg.Auth.Enabled)
	assert.True(t, cfg.Repair.Enabled)
	assert.Equal(t, DefaultHaikuModel, cfg.Models.Haiku)
	assert.Equal(t, DefaultSonnetModel, cfg.Models.Sonnet)
	assert.Equal(t, DefaultOpusModel, cfg.Models.Opus)
	assert.Equal(t, 90*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 12, cfg.MaxStreamingRetries)
	assert.Equal(t, 1<<20, cfg.ChunkBufferLimit)
	assert.Equal(t, "gpt-4o", cfg.TokenCounterModel)
	assert.False(t, cfg.ForceNonStreaming)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, 8741, cfg.Proxy.Port)
}

func TestLoadFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	doc := `{
		"proxy": {"host": "0.0.0.0", "port": 9900, "log_level": "debug"},
		"auth": {"enabled": true, "account_email": "dev@example.com"},
		"models": {"haiku": "antigravity-gemini-3-flash", "sonnet": "antigravity-custom", "opus": "antigravity-claude-opus-4-5-thinking"},
		"repair": {"enabled": false},
		"thinking_budget": 4096
	}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Proxy.Host)
	assert.Equal(t, 9900, cfg.Proxy.Port)
	assert.Equal(t, "dev@example.com", cfg.Auth.AccountEmail)
	assert.Equal(t, "antigravity-custom", cfg.Models.Sonnet)
	assert.False(t, cfg.Repair.Enabled)
	assert.Equal(t, 4096, cfg.ThinkingBudget)
}

func TestLoadBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{nope"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HOST", "10.0.0.1")
	t.Setenv("PORT", "8900")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("REQUEST_TIMEOUT", "120")
	t.Setenv("MAX_STREAMING_RETRIES", "5")
	t.Setenv("EMERGENCY_DISABLE_STREAMING", "true")
	t.Setenv("SONNET_MODEL", "antigravity-claude-sonnet-next")
	t.Setenv("TOKEN_COUNTER_MODEL", "gpt-4")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", cfg.Proxy.Host)
	assert.Equal(t, 8900, cfg.Proxy.Port)
	assert.Equal(t, "warn", cfg.Proxy.LogLevel)
	assert.Equal(t, 120*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 5, cfg.MaxStreamingRetries)
	assert.True(t, cfg.ForceNonStreaming)
	assert.Equal(t, "antigravity-claude-sonnet-next", cfg.Models.Sonnet)
	assert.Equal(t, "gpt-4", cfg.TokenCounterModel)
}

func TestEnvIgnoresInvalidPort(t *testing.T) {
	t.Setenv("PORT", "notaport")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8741, cfg.Proxy.Port)
}

func TestValidateRejectsEmptyAlias(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"models":{"haiku":"","sonnet":"x","opus":"y"}}`), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestIsTruthy(t *testing.T) {
	for _, v := range []string{"1", "true", "TRUE", "yes", " on "} {
		assert.True(t, isTruthy(v), v)
	}
	for _, v := range []string{"", "0", "false", "off"} {
		assert.False(t, isTruthy(v), v)
	}
}
