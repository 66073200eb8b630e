package utils

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFileConfigFrom(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
network:
  max_retries: 0
  timeout: 10s
  request_budget: 20
  enable_dedupe: false
llm:
  default_model: llama3-70b-8192
  fallback_models: [gemma-7b-it]
  temperature: 0.2
  max_delay: 5s
server:
  listen_addr: ":9090"
  rate_limit_per_minute: 30
  trust_proxy: true
`), 0o600))

	cfg, err := LoadFileConfigFrom(path)
	require.NoError(t, err)

	require.NotNil(t, cfg.Network.MaxRetries)
	assert.Equal(t, 0, *cfg.Network.MaxRetries)
	assert.Equal(t, 10*time.Second, cfg.Network.Timeout)
	assert.Equal(t, 20, cfg.Network.RequestBudget)
	require.NotNil(t, cfg.Network.EnableDedupe)
	assert.False(t, *cfg.Network.EnableDedupe)

	assert.Equal(t, "llama3-70b-8192", cfg.LLM.DefaultModel)
	assert.Equal(t, []string{"gemma-7b-it"}, cfg.LLM.FallbackModels)
	require.NotNil(t, cfg.LLM.Temperature)
	assert.InDelta(t, 0.2, *cfg.LLM.Temperature, 1e-9)
	assert.Equal(t, 5*time.Second, cfg.LLM.MaxDelay)

	assert.Equal(t, ":9090", cfg.Server.ListenAddr)
	assert.Equal(t, 30, cfg.Server.RateLimitPerMinute)
	assert.True(t, cfg.Server.TrustProxy)
}

func TestLoadFileConfigMissing(t *testing.T) {
	t.Setenv(ConfigFileEnv, filepath.Join(t.TempDir(), "nope.yaml"))
	cfg, err := LoadFileConfig()
	require.NoError(t, err)
	assert.Nil(t, cfg.Network.MaxRetries)
	assert.Empty(t, cfg.LLM.DefaultModel)
}

func TestLoadFileConfigInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("network: [unclosed"), 0o600))
	_, err := LoadFileConfigFrom(path)
	assert.Error(t, err)
}
