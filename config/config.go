// Package config loads security-layer configuration using Viper from an
// optional YAML file and WSGUARD_-prefixed environment variables.
//
// The layer is a library, not a program: there is no CLI surface. Consumers
// either build a Config directly or use a Loader, which also supports hot
// reload of the mutable pieces (origin allow-list, rate limits).
package config

import (
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/pinglearn/wsguard/internal/secerr"
)

// RateLimit configures one message type's token bucket.
type RateLimit struct {
	Burst     float64 `mapstructure:"burst"`
	PerSecond float64 `mapstructure:"per_second"`
}

// Config is the full configuration surface of the security layer.
type Config struct {
	// Environment is "development" or "production". Production forces
	// strict origin checks and disables the loopback allowance.
	Environment string `mapstructure:"environment"`

	AllowedOrigins    []string `mapstructure:"allowed_origins"`
	AllowLoopback     bool     `mapstructure:"allow_loopback"`
	StrictOrigin      bool     `mapstructure:"strict_origin"`
	BlockedUserAgents []string `mapstructure:"blocked_user_agents"`

	MaxMessageBytes  int `mapstructure:"max_message_bytes"`
	MaxPayloadDepth  int `mapstructure:"max_payload_depth"`
	EventLogCapacity int `mapstructure:"event_log_capacity"`

	AuthSecret   string        `mapstructure:"auth_secret"`
	AuthIssuer   string        `mapstructure:"auth_issuer"`
	AuthAudience string        `mapstructure:"auth_audience"`
	AuthLeeway   time.Duration `mapstructure:"auth_leeway"`

	RateLimits         map[string]RateLimit `mapstructure:"rate_limits"`
	ViolationThreshold int                  `mapstructure:"violation_threshold"`
	BlockDuration      time.Duration        `mapstructure:"block_duration"`
	BucketRetention    time.Duration        `mapstructure:"bucket_retention"`

	FingerprintThreshold int           `mapstructure:"fingerprint_threshold"`
	FingerprintWindow    time.Duration `mapstructure:"fingerprint_window"`

	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// Default returns the development-oriented default configuration.
func Default() *Config {
	return &Config{
		Environment:      "development",
		AllowedOrigins:   []string{"https://pinglearn.ai"},
		AllowLoopback:    true,
		StrictOrigin:     false,
		MaxMessageBytes:  10 * 1024,
		MaxPayloadDepth:  20,
		EventLogCapacity: 1000,
		AuthLeeway:       5 * time.Minute,
		RateLimits: map[string]RateLimit{
			"auth":          {Burst: 3, PerSecond: 0.1},
			"transcription": {Burst: 10, PerSecond: 5},
			"voice_control": {Burst: 5, PerSecond: 2},
			"session_event": {Burst: 5, PerSecond: 2},
			"math_render":   {Burst: 5, PerSecond: 2},
			"ping":          {Burst: 2, PerSecond: 1},
			"pong":          {Burst: 2, PerSecond: 1},
		},
		ViolationThreshold:   3,
		BlockDuration:        60 * time.Second,
		BucketRetention:      5 * time.Minute,
		FingerprintThreshold: 5,
		FingerprintWindow:    time.Second,
		CleanupInterval:      5 * time.Minute,
	}
}

// Normalize applies environment-derived overrides. In production the origin
// check is always strict and loopback origins are never exempt.
func (c *Config) Normalize() {
	if strings.EqualFold(c.Environment, "production") {
		c.StrictOrigin = true
		c.AllowLoopback = false
	}
}

// Validate checks invariants the rest of the layer relies on.
func (c *Config) Validate() error {
	if c.MaxMessageBytes <= 0 {
		return secerr.NewConfig("INVALID_SIZE_CAP", "max_message_bytes must be positive")
	}
	if c.MaxPayloadDepth <= 0 {
		return secerr.NewConfig("INVALID_DEPTH_CAP", "max_payload_depth must be positive")
	}
	if c.EventLogCapacity <= 0 {
		return secerr.NewConfig("INVALID_LOG_CAPACITY", "event_log_capacity must be positive")
	}
	if c.BlockDuration <= 0 {
		return secerr.NewConfig("INVALID_BLOCK_DURATION", "block_duration must be positive")
	}
	for name, rl := range c.RateLimits {
		if rl.Burst <= 0 || rl.PerSecond <= 0 {
			return secerr.NewConfig("INVALID_RATE_LIMIT",
				"rate limit for "+name+" must have positive burst and per_second")
		}
	}
	if strings.EqualFold(c.Environment, "production") && c.AuthSecret == "" {
		return secerr.NewConfig("AUTH_SECRET_MISSING", "auth_secret is required in production")
	}
	return nil
}

// Loader loads configuration and supports watching the backing file.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a loader bound to an optional config file path. An
// empty path means environment variables and defaults only.
func NewLoader(path string) *Loader {
	v := viper.New()
	v.SetEnvPrefix("WSGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
	}
	setDefaults(v)
	return &Loader{v: v}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("environment", d.Environment)
	v.SetDefault("allowed_origins", d.AllowedOrigins)
	v.SetDefault("allow_loopback", d.AllowLoopback)
	v.SetDefault("strict_origin", d.StrictOrigin)
	v.SetDefault("blocked_user_agents", d.BlockedUserAgents)
	v.SetDefault("max_message_bytes", d.MaxMessageBytes)
	v.SetDefault("max_payload_depth", d.MaxPayloadDepth)
	v.SetDefault("event_log_capacity", d.EventLogCapacity)
	// Registered so environment overrides bind even without a config file.
	v.SetDefault("auth_secret", "")
	v.SetDefault("auth_issuer", "")
	v.SetDefault("auth_audience", "")
	v.SetDefault("auth_leeway", d.AuthLeeway)
	v.SetDefault("violation_threshold", d.ViolationThreshold)
	v.SetDefault("block_duration", d.BlockDuration)
	v.SetDefault("bucket_retention", d.BucketRetention)
	v.SetDefault("fingerprint_threshold", d.FingerprintThreshold)
	v.SetDefault("fingerprint_window", d.FingerprintWindow)
	v.SetDefault("cleanup_interval", d.CleanupInterval)
	for name, rl := range d.RateLimits {
		v.SetDefault("rate_limits."+name+".burst", rl.Burst)
		v.SetDefault("rate_limits."+name+".per_second", rl.PerSecond)
	}
}

// Load reads, normalizes, and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	if l.v.ConfigFileUsed() != "" {
		if err := l.v.ReadInConfig(); err != nil {
			return nil, secerr.NewConfig("CONFIG_READ_FAILED", "failed to read config file").WithCause(err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, secerr.NewConfig("CONFIG_DECODE_FAILED", "failed to decode configuration").WithCause(err)
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch re-loads the configuration whenever the backing file changes and
// hands the result to onChange. Reloads that fail validation are dropped;
// the previous configuration stays in effect. No-op without a config file.
func (l *Loader) Watch(onChange func(*Config)) {
	if l.v.ConfigFileUsed() == "" || onChange == nil {
		return
	}
	l.v.OnConfigChange(func(fsnotify.Event) {
		cfg, err := l.Load()
		if err != nil {
			return
		}
		onChange(cfg)
	})
	l.v.WatchConfig()
}
