package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.Negotiation.MaxRestartAttempts)
	assert.Equal(t, "video-only", cfg.Media.Profiles[len(cfg.Media.Profiles)-1])
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name:   "relay address must not be empty",
			mutate: func(c *Config) { c.Relay.Address = "" },
		},
		{
			name:   "pong timeout must exceed ping interval",
			mutate: func(c *Config) { c.Relay.PongTimeout = c.Relay.PingInterval },
		},
		{
			name:   "stun url scheme",
			mutate: func(c *Config) { c.ICE.STUNURLs = []string{"turn:example.org"} },
		},
		{
			name:   "turn url scheme",
			mutate: func(c *Config) { c.ICE.TURNURLs = []string{"stun:example.org"} },
		},
		{
			name: "port range order",
			mutate: func(c *Config) {
				c.ICE.PortRange.Min = 50000
				c.ICE.PortRange.Max = 40000
			},
		},
		{
			name:   "port range half set",
			mutate: func(c *Config) { c.ICE.PortRange.Min = 50000 },
		},
		{
			name:   "restart attempts must be positive",
			mutate: func(c *Config) { c.Negotiation.MaxRestartAttempts = 0 },
		},
		{
			name: "redis address when enabled",
			mutate: func(c *Config) {
				c.Redis.Enabled = true
				c.Redis.Address = ""
			},
		},
		{
			name: "rate limit burst when enabled",
			mutate: func(c *Config) {
				c.RateLimiting.Enabled = true
				c.RateLimiting.Burst = 0
			},
		},
		{
			name: "tracing sample rate",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.SampleRate = 2
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_YAMLAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlData := `
relay:
  address: ":9000"
ice:
  turn_urls: ["turn:turn.example.org:3478"]
  turn_username: "clinic"
  turn_credential: "secret"
negotiation:
  max_restart_attempts: 5
`
	require.NoError(t, os.WriteFile(path, []byte(yamlData), 0o600))

	t.Setenv("CARELINK_FORCE_RELAY", "true")
	t.Setenv("CARELINK_STUN_URLS", "stun:a.example.org:3478, stun:b.example.org:3478")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Relay.Address)
	assert.Equal(t, 5, cfg.Negotiation.MaxRestartAttempts)
	assert.Equal(t, []string{"turn:turn.example.org:3478"}, cfg.ICE.TURNURLs)
	assert.Equal(t, "clinic", cfg.ICE.TURNUsername)
	assert.True(t, cfg.ICE.ForceRelay)
	assert.Equal(t, []string{"stun:a.example.org:3478", "stun:b.example.org:3478"}, cfg.ICE.STUNURLs)
	// untouched defaults survive partial yaml
	assert.Equal(t, 20*time.Second, cfg.Relay.PingInterval)
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Relay.Address, cfg.Relay.Address)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("relay: [unterminated"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadFirst_SkipsMissingPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "second.yaml")
	require.NoError(t, os.WriteFile(path, []byte("relay:\n  address: \":7000\"\n"), 0o600))

	cfg, used, err := LoadFirst(filepath.Join(dir, "first.yaml"), path)
	require.NoError(t, err)
	assert.Equal(t, path, used)
	assert.Equal(t, ":7000", cfg.Relay.Address)
}
