package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-gateway/pkg/domain"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":19090", cfg.Server.AdminAddress)
	assert.Equal(t, "routes.yaml", cfg.Routes.File)
	assert.Equal(t, 1000, cfg.Manager.MaxPipelines)
	assert.Equal(t, 60*time.Second, cfg.Manager.HealthCheckInterval)
	assert.Equal(t, 300*time.Second, cfg.Manager.CleanupInterval)
	assert.Equal(t, 30*time.Minute, cfg.Manager.MaintenanceMaxDuration)
	assert.False(t, cfg.Manager.Breaker.Enabled)
	assert.True(t, cfg.Events.Log)
	assert.Equal(t, "polis-gateway", cfg.Telemetry.ServiceName)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", `
server:
  admin_address: "127.0.0.1:9999"
routes:
  file: /etc/polis/routes.yaml
  watch: true
manager:
  max_pipelines: 5
  health_check_interval: 5s
  breaker:
    enabled: true
    failure_rate_threshold: 25
events:
  redis:
    enabled: true
    address: localhost:6379
    channel: gateway-events
logging:
  level: DEBUG
  format: text
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9999", cfg.Server.AdminAddress)
	assert.Equal(t, "/etc/polis/routes.yaml", cfg.Routes.File)
	assert.True(t, cfg.Routes.Watch)
	assert.Equal(t, 5, cfg.Manager.MaxPipelines)
	assert.Equal(t, 5*time.Second, cfg.Manager.HealthCheckInterval)
	assert.Equal(t, 300*time.Second, cfg.Manager.CleanupInterval, "unset fields keep defaults")
	assert.True(t, cfg.Manager.Breaker.Enabled)
	assert.InDelta(t, 25, cfg.Manager.Breaker.FailureRateThreshold, 0.001)
	assert.Equal(t, "gateway-events", cfg.Events.Redis.Channel)
	assert.Equal(t, "debug", cfg.Logging.Level, "level is normalised")
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvPrefix+"ADMIN_ADDR", ":7000")
	t.Setenv(EnvPrefix+"ROUTES_FILE", "/tmp/r.yaml")
	t.Setenv(EnvPrefix+"MAX_PIPELINES", "42")
	t.Setenv(EnvPrefix+"IDLE_THRESHOLD", "90s")
	t.Setenv(EnvPrefix+"BREAKER_ENABLED", "true")
	t.Setenv(EnvPrefix+"LOG_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Server.AdminAddress)
	assert.Equal(t, "/tmp/r.yaml", cfg.Routes.File)
	assert.Equal(t, 42, cfg.Manager.MaxPipelines)
	assert.Equal(t, 90*time.Second, cfg.Manager.IdleThreshold)
	assert.True(t, cfg.Manager.Breaker.Enabled)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestEnvOverrideParseErrors(t *testing.T) {
	cases := map[string]string{
		"MAX_PIPELINES":         "many",
		"HEALTH_CHECK_INTERVAL": "soon",
		"REDIS_ENABLED":         "perhaps",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(EnvPrefix+key, val)
			_, err := Load("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), EnvPrefix+key)
		})
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty route file", func(c *Config) { c.Routes.File = " " }, "file is required"},
		{"negative interval", func(c *Config) { c.Manager.CleanupInterval = -time.Second }, "cleanup_interval"},
		{"breaker threshold", func(c *Config) { c.Manager.Breaker.FailureRateThreshold = 101 }, "failure_rate_threshold"},
		{"redis without address", func(c *Config) { c.Events.Redis.Enabled = true }, "redis address"},
		{"sample ratio", func(c *Config) { c.Telemetry.SampleRatio = 1.5 }, "sample_ratio"},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "invalid log level"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "invalid log format"},
		{"negative timeout", func(c *Config) { c.Server.ReadTimeout = -1 }, "timeouts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := writeFile(t, dir, ".env", EnvPrefix+"ADMIN_ADDR=:6060\n")

	// Registered so the variable set by godotenv is restored after the test.
	t.Setenv(EnvPrefix+"ADMIN_ADDR", "")
	require.NoError(t, os.Unsetenv(EnvPrefix+"ADMIN_ADDR"))

	require.NoError(t, LoadDotEnv(envFile, filepath.Join(dir, "missing.env")))
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":6060", cfg.Server.AdminAddress)
}

const validRoutes = `
routes:
  - id: chat-openai
    route: chat
    provider: openai
    model: gpt-4o
    endpoint: https://api.openai.com/v1
    timeout: 30s
    layers:
      - kind: transport
      - kind: provider
      - kind: context
      - kind: protocol
  - route: chat
    provider: anthropic
    model: claude
    layers:
      - name: anthropic-transport
`

func TestParseRoutes(t *testing.T) {
	routes, err := ParseRoutes([]byte(validRoutes))
	require.NoError(t, err)
	require.Len(t, routes, 2)

	assert.Equal(t, "chat-openai", routes[0].ID)
	assert.Equal(t, 30*time.Second, routes[0].Timeout)
	assert.Len(t, routes[0].Layers, 4)
	assert.Equal(t, "chat-anthropic-1", routes[1].ID, "missing id is derived from route and provider")
}

func TestParseRoutesEmptyDocument(t *testing.T) {
	routes, err := ParseRoutes(nil)
	require.NoError(t, err)
	assert.Empty(t, routes)
}

func TestParseRoutesRejects(t *testing.T) {
	tests := map[string]string{
		"unknown field": `
routes:
  - id: a
    route: chat
    provider: openai
    model: m
    colour: blue
`,
		"duplicate id": `
routes:
  - {id: a, route: chat, provider: openai, model: m}
  - {id: a, route: chat, provider: openai, model: m}
`,
		"missing model": `
routes:
  - {id: a, route: chat, provider: openai}
`,
		"layer without kind or name": `
routes:
  - id: a
    route: chat
    provider: openai
    model: m
    layers:
      - module: custom
`,
		"bad endpoint": `
routes:
  - {id: a, route: chat, provider: openai, model: m, endpoint: "not a url"}
`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRoutes([]byte(doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrInvalidRoute)
		})
	}
}

func TestParseRoutesReportsEveryInvalidRoute(t *testing.T) {
	_, err := ParseRoutes([]byte(`
routes:
  - {id: a, route: chat, provider: openai}
  - {id: b, route: chat, model: m}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "routes[0]")
	assert.Contains(t, err.Error(), "routes[1]")
}

func TestRouteFileProviderReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "routes.yaml", validRoutes)

	p, err := NewRouteFileProvider(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	assert.Len(t, p.Routes(), 2)
	assert.Equal(t, int64(1), p.Generation())
	updates := p.Subscribe()

	writeFile(t, dir, "routes.yaml", `
routes:
  - {id: only, route: chat, provider: openai, model: m}
`)

	select {
	case routes := <-updates:
		require.Len(t, routes, 1)
		assert.Equal(t, "only", routes[0].ID)
	case <-time.After(5 * time.Second):
		t.Fatal("route file change was not published")
	}
	assert.Len(t, p.Routes(), 1)
}

func TestRouteFileProviderKeepsLastGoodRoutes(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "routes.yaml", validRoutes)

	p, err := NewRouteFileProvider(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	writeFile(t, dir, "routes.yaml", "routes: [ {id: broken")
	writeFile(t, dir, "other.yaml", "ignored: true")

	assert.Never(t, func() bool { return p.Generation() != 1 }, 500*time.Millisecond, 50*time.Millisecond)
	assert.Len(t, p.Routes(), 2)
}

func TestRouteFileProviderInitialLoadMustSucceed(t *testing.T) {
	path := writeFile(t, t.TempDir(), "routes.yaml", "routes: [ {id: a} ]")
	_, err := NewRouteFileProvider(path, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidRoute)
}
