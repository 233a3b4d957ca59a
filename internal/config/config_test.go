package config

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, Validate(cfg))

	assert.Equal(t, 30*time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, PolicyOr, cfg.Filter.Policy)
	assert.Equal(t, 25, cfg.Render.PerPage)
	assert.Len(t, cfg.Regions(), 8)
	assert.Equal(t, "east:kanto", cfg.Regions()[0].Key)
}

func TestDefaultListenersAreLoopback(t *testing.T) {
	cfg := Default()
	for _, addr := range []string{cfg.HTTP.Addr, cfg.GRPC.Addr} {
		host, _, err := net.SplitHostPort(addr)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1", host, "%s must not listen on every interface", addr)
	}
}

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Scheduler.Interval, cfg.Scheduler.Interval)
}

func TestLoadValidYAML(t *testing.T) {
	path := writeConfig(t, `
scheduler:
  interval: 5m
workers: 9
filter:
  policy: and
state:
  backend: sqlite
  path: /tmp/embedbot.db
sources:
  - name: bcn
    kind: gtfsrt
    url: https://example.test/alerts.pb
    regions:
      - key: bcn:r1
        name: Rodalies R1
        route_pattern: "^R1"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, 4, cfg.Workers, "workers are clamped to 1..4")
	assert.Equal(t, PolicyAnd, cfg.Filter.Policy)
	assert.NotEmpty(t, cfg.Filter.NormalPatterns, "unset keys keep their defaults")
	require.Len(t, cfg.Sources, 1)
	assert.Equal(t, "bcn:r1", cfg.Regions()[0].Key)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "scheduler: [oops")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("EMBEDBOT_INTERVAL", "90s")
	t.Setenv("EMBEDBOT_STATE_PATH", "/var/lib/embedbot/state.json")
	t.Setenv("DISCORD_TOKEN", "secret")

	cfg := Default()
	require.NoError(t, LoadEnv(cfg, ""))

	assert.Equal(t, 90*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, "/var/lib/embedbot/state.json", cfg.State.Path)
	assert.Equal(t, "secret", cfg.Discord.Token)
}

func TestLoadEnvFile(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("EMBEDBOT_TEST_TOKEN=from-dotenv\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("EMBEDBOT_TEST_TOKEN") })

	cfg := Default()
	cfg.Discord.TokenEnv = "EMBEDBOT_TEST_TOKEN"
	require.NoError(t, LoadEnv(cfg, envPath))
	assert.Equal(t, "from-dotenv", cfg.Discord.Token)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(c *Config){
		"zero interval":        func(c *Config) { c.Scheduler.Interval = 0 },
		"unknown policy":       func(c *Config) { c.Filter.Policy = "xor" },
		"bad pattern":          func(c *Config) { c.Filter.NormalPatterns = []string{"("} },
		"unknown backend":      func(c *Config) { c.State.Backend = "redis" },
		"postgres without dsn": func(c *Config) { c.State.Backend = "postgres"; c.State.DSN = "" },
		"unknown driver":       func(c *Config) { c.Output.Driver = "slack" },
		"duplicate region":     func(c *Config) { c.Sources[1].Regions[0].Key = "east:kanto" },
		"pipe in region key":   func(c *Config) { c.Sources[0].Regions[0].Key = "a|b" },
		"unknown kind":         func(c *Config) { c.Sources[0].Kind = "ftp" },
		"missing area":         func(c *Config) { c.Sources[0].Regions[0].Area = "" },
		"no sources":           func(c *Config) { c.Sources = nil },
		"browser w/o selects":  func(c *Config) { c.Sources[0].Kind = KindBrowser },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestValidateDoesNotMutate(t *testing.T) {
	cfg := Default()
	cfg.Workers = 99
	require.NoError(t, Validate(cfg))
	assert.Equal(t, 99, cfg.Workers)
}

func TestRegionPrefix(t *testing.T) {
	assert.Equal(t, "関東", Region{Name: "JR東日本（関東）", Label: "関東"}.Prefix())
	assert.Equal(t, "Rodalies", Region{Name: "Rodalies"}.Prefix())
}

func TestShippedConfigMatchesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "default.yaml"))
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, def.Sources, cfg.Sources)
	assert.Equal(t, def.Scheduler, cfg.Scheduler)
	assert.Equal(t, def.Filter, cfg.Filter)
	assert.Equal(t, def.Render, cfg.Render)
	assert.Equal(t, def.HTTP.Addr, cfg.HTTP.Addr)
	assert.Equal(t, def.HTTP.TriggerTimeout, cfg.HTTP.TriggerTimeout)
	assert.Equal(t, def.GRPC, cfg.GRPC)
}
