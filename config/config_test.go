package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	cfg.Normalize()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 10*1024, cfg.MaxMessageBytes)
	assert.Equal(t, 20, cfg.MaxPayloadDepth)
	assert.Equal(t, 1000, cfg.EventLogCapacity)
	assert.Equal(t, 3, cfg.ViolationThreshold)
	assert.Equal(t, 60*time.Second, cfg.BlockDuration)
	assert.Contains(t, cfg.RateLimits, "transcription")
}

func TestNormalizeProductionForcesStrictness(t *testing.T) {
	cfg := Default()
	cfg.Environment = "production"
	cfg.AllowLoopback = true
	cfg.StrictOrigin = false

	cfg.Normalize()

	assert.True(t, cfg.StrictOrigin)
	assert.False(t, cfg.AllowLoopback)
}

func TestNormalizeLeavesDevelopmentAlone(t *testing.T) {
	cfg := Default()
	cfg.Normalize()

	assert.False(t, cfg.StrictOrigin)
	assert.True(t, cfg.AllowLoopback)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero size cap", func(c *Config) { c.MaxMessageBytes = 0 }},
		{"negative depth cap", func(c *Config) { c.MaxPayloadDepth = -1 }},
		{"zero log capacity", func(c *Config) { c.EventLogCapacity = 0 }},
		{"zero block duration", func(c *Config) { c.BlockDuration = 0 }},
		{"zero-rate limit", func(c *Config) {
			c.RateLimits["ping"] = RateLimit{Burst: 2, PerSecond: 0}
		}},
		{"production without secret", func(c *Config) {
			c.Environment = "production"
			c.AuthSecret = ""
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoaderDefaultsWithoutFile(t *testing.T) {
	cfg, err := NewLoader("").Load()
	require.NoError(t, err)
	assert.Equal(t, Default().MaxMessageBytes, cfg.MaxMessageBytes)
	assert.Equal(t, Default().RateLimits["auth"], cfg.RateLimits["auth"])
}

func TestLoaderEnvironmentOverrides(t *testing.T) {
	t.Setenv("WSGUARD_MAX_MESSAGE_BYTES", "2048")
	t.Setenv("WSGUARD_ENVIRONMENT", "production")
	t.Setenv("WSGUARD_AUTH_SECRET", "env-secret")

	cfg, err := NewLoader("").Load()
	require.NoError(t, err)

	assert.Equal(t, 2048, cfg.MaxMessageBytes)
	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, "env-secret", cfg.AuthSecret)
	assert.True(t, cfg.StrictOrigin, "production normalization applies to env-loaded config")
}

func TestLoaderReadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wsguard.yaml")
	yaml := `
environment: development
allowed_origins:
  - https://pinglearn.ai
  - https://staging.pinglearn.ai
max_message_bytes: 4096
rate_limits:
  transcription:
    burst: 20
    per_second: 10
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"https://pinglearn.ai", "https://staging.pinglearn.ai"}, cfg.AllowedOrigins)
	assert.Equal(t, 4096, cfg.MaxMessageBytes)
	assert.Equal(t, RateLimit{Burst: 20, PerSecond: 10}, cfg.RateLimits["transcription"])
	// Unset keys keep their defaults.
	assert.Equal(t, 20, cfg.MaxPayloadDepth)
}

func TestLoaderRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wsguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_message_bytes: -5\n"), 0o644))

	_, err := NewLoader(path).Load()
	assert.Error(t, err)
}
