package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const fullConfig = `
server:
  addr: "0.0.0.0:9000"
  instance_id: "node-a"
  allowed_origins:
    - "https://chat.example.com"
  stream_timeout: "2m"
  trusted_proxies:
    - "10.0.0.0/8"

auth:
  jwt_secret: "${SWITCHBOARD_TEST_SECRET}"

providers:
  openai:
    api_key: "sk-test"
  anthropic:
    api_key: "ant-test"
    version: "2023-06-01"

generation:
  default_model: "gpt-4"
  temperature: 0.2
  max_output_tokens: 500

retry:
  max_attempts: 5
  initial_interval: "1s"
  max_interval: "8s"

ratelimit:
  store: "redis"
  per_minute: 120
  sweep_interval: "30s"

redis:
  addr: "redis:6379"

relay:
  enabled: true
  backend: "redis"

database:
  path: "/var/lib/switchboard/chat.db"

logging:
  level: "debug"
  format: "json"
`

func TestLoadFullConfig(t *testing.T) {
	t.Setenv("SWITCHBOARD_TEST_SECRET", "from-env")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fullConfig), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
	require.Equal(t, "node-a", cfg.Server.InstanceID)
	require.Equal(t, []string{"https://chat.example.com"}, cfg.Server.AllowedOrigins)
	require.Equal(t, 2*time.Minute, cfg.Server.StreamTimeout)
	require.Equal(t, []string{"10.0.0.0/8"}, cfg.Server.TrustedProxies)
	require.Equal(t, "from-env", cfg.Auth.JWTSecret)
	require.Equal(t, "sk-test", cfg.Providers.OpenAI.APIKey)
	require.Equal(t, "2023-06-01", cfg.Providers.Anthropic.Version)
	require.Equal(t, "gpt-4", cfg.Generation.DefaultModel)
	require.InDelta(t, 0.2, cfg.Generation.Temperature, 1e-6)
	require.Equal(t, 500, cfg.Generation.MaxOutputTokens)
	require.Equal(t, 5, cfg.Retry.MaxAttempts)
	require.Equal(t, time.Second, cfg.Retry.InitialInterval)
	require.Equal(t, 8*time.Second, cfg.Retry.MaxInterval)
	require.Equal(t, RateLimitRedis, cfg.RateLimit.Store)
	require.Equal(t, 120, cfg.RateLimit.PerMinute)
	require.Equal(t, 30*time.Second, cfg.RateLimit.SweepInterval)
	require.Equal(t, "redis:6379", cfg.Redis.Addr)
	require.True(t, cfg.Relay.Enabled)
	require.Equal(t, "/var/lib/switchboard/chat.db", cfg.Database.Path)
	require.Equal(t, "json", cfg.Logging.Format)
}

func TestParseKeepsDefaults(t *testing.T) {
	cfg, err := Parse([]byte("auth:\n  jwt_secret: s3cret\n"))
	require.NoError(t, err)

	def := Default()
	require.Equal(t, def.Server.Addr, cfg.Server.Addr)
	require.Equal(t, def.Retry, cfg.Retry)
	require.Equal(t, RateLimitMemory, cfg.RateLimit.Store)
	require.Equal(t, 2000, cfg.Generation.MaxOutputTokens)
	require.InDelta(t, 0.7, cfg.Generation.Temperature, 1e-6)
}

func TestUnsetEnvVarExpandsToEmpty(t *testing.T) {
	require.Equal(t, "secret: ", expandEnvVars("secret: ${SWITCHBOARD_SURELY_UNSET_VAR}"))
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"missing secret", func(c *Config) { c.Auth.JWTSecret = "" }, "auth.jwt_secret is required"},
		{"missing addr", func(c *Config) { c.Server.Addr = "" }, "server.addr is required"},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "retry.max_attempts"},
		{"inverted intervals", func(c *Config) { c.Retry.InitialInterval = time.Minute }, "exceeds"},
		{"bad store", func(c *Config) { c.RateLimit.Store = "etcd" }, "unknown ratelimit.store"},
		{"sqlite without path", func(c *Config) { c.RateLimit.Store = RateLimitSQLite }, "sqlite_path"},
		{"bad relay backend", func(c *Config) { c.Relay.Enabled = true; c.Relay.Backend = "kafka" }, "unknown relay.backend"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "unknown logging.format"},
		{"temperature", func(c *Config) { c.Generation.Temperature = 3 }, "out of range"},
		{"bad trusted proxy", func(c *Config) { c.Server.TrustedProxies = []string{"proxy.local"} }, "server.trusted_proxies"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.Auth.JWTSecret = "s"
			tc.mutate(cfg)
			require.ErrorContains(t, cfg.Validate(), tc.errMsg)
		})
	}

	cfg := Default()
	cfg.Auth.JWTSecret = "s"
	require.NoError(t, cfg.Validate())
}

func TestParseRejectsBadDuration(t *testing.T) {
	_, err := Parse([]byte("auth:\n  jwt_secret: s\nretry:\n  max_interval: soon\n"))
	require.Error(t, err)
}
