package spiegami_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simplifai/spiegami"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_Full(t *testing.T) {
	path := writeConfig(t, `
listen_addr: ":9090"
upstream:
  base_url: "https://example.invalid/v1beta"
  api_key: "test-key"
  model: "gemini-1.5-pro"
  temperature: 0.3
  timeout_seconds: 40
quota:
  backend: redis
  redis_url: "redis://localhost:6379/0"
  daily_limit: 10
  key_prefix: "custom:"
`)

	cfg, err := spiegami.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "https://example.invalid/v1beta", cfg.Upstream.BaseURL)
	assert.Equal(t, "test-key", cfg.Upstream.APIKey)
	assert.Equal(t, "gemini-1.5-pro", cfg.Upstream.Model)
	assert.Equal(t, 0.3, cfg.Upstream.Temperature)
	assert.Equal(t, 40*time.Second, cfg.Upstream.Timeout())
	assert.Equal(t, "redis", cfg.Quota.Backend)
	assert.Equal(t, int64(10), cfg.Quota.DailyLimit)
	assert.Equal(t, "custom:", cfg.Quota.KeyPrefix)
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfig(t, `
upstream:
  api_key: "test-key"
`)

	cfg, err := spiegami.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "gemini-1.5-flash", cfg.Upstream.Model)
	assert.Equal(t, spiegami.DefaultTemperature, cfg.Upstream.Temperature)
	assert.Equal(t, spiegami.DefaultUpstreamTimeout, cfg.Upstream.Timeout())
	assert.Equal(t, "off", cfg.Quota.Backend)
	assert.Equal(t, int64(spiegami.DefaultDailyLimit), cfg.Quota.DailyLimit)
	assert.Equal(t, "spiegami:quota:", cfg.Quota.KeyPrefix)
}

func TestLoadConfig_ExpandsEnv(t *testing.T) {
	t.Setenv("SPIEGAMI_TEST_KEY", "from-env")
	path := writeConfig(t, `
upstream:
  api_key: "${SPIEGAMI_TEST_KEY}"
`)

	cfg, err := spiegami.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Upstream.APIKey)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing api key",
			content: "listen_addr: ':8080'\n",
			wantErr: "api_key",
		},
		{
			name: "unknown backend",
			content: `
upstream:
  api_key: "k"
quota:
  backend: memcached
`,
			wantErr: "unknown quota backend",
		},
		{
			name: "redis backend without url",
			content: `
upstream:
  api_key: "k"
quota:
  backend: redis
`,
			wantErr: "redis_url",
		},
		{
			name: "postgres backend without url",
			content: `
upstream:
  api_key: "k"
quota:
  backend: postgres
`,
			wantErr: "postgres_url",
		},
		{
			name: "negative daily limit",
			content: `
upstream:
  api_key: "k"
quota:
  backend: memory
  daily_limit: -1
`,
			wantErr: "daily_limit",
		},
		{
			name:    "not yaml",
			content: "{{{",
			wantErr: "parse config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := spiegami.LoadConfig(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := spiegami.LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}
