// Package config loads client settings from a config file, a .env file and
// KONDUIT_* environment variables, and turns them into client options.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/ambiyansyah-risyal/konduit"
)

// EnvPrefix prefixes every environment variable the loader reads.
const EnvPrefix = "KONDUIT"

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
	SuccessThreshold uint32        `mapstructure:"success_threshold"`
}

type CredentialConfig struct {
	Token     string        `mapstructure:"token"`
	APIKey    string        `mapstructure:"api_key"`
	APISecret string        `mapstructure:"api_secret"`
	ExpiresIn time.Duration `mapstructure:"expires_in"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Config is the file/env representation of a client.
type Config struct {
	BaseURL        string                  `mapstructure:"base_url"`
	FallbackURLs   []string                `mapstructure:"fallback_urls"`
	HealthPath     string                  `mapstructure:"health_path"`
	Timeout        time.Duration           `mapstructure:"timeout"`
	Headers        map[string]string       `mapstructure:"headers"`
	Retry          konduit.RetryPolicy     `mapstructure:"retry"`
	RateLimit      konduit.RateLimitConfig `mapstructure:"rate_limit"`
	AdmissionKey   string                  `mapstructure:"admission_key"`
	CircuitBreaker CircuitBreakerConfig    `mapstructure:"circuit_breaker"`
	Deduplicate    bool                    `mapstructure:"deduplicate"`
	Metrics        bool                    `mapstructure:"metrics"`
	Credential     CredentialConfig        `mapstructure:"credential"`
	Redis          RedisConfig             `mapstructure:"redis"`
	Log            LogConfig               `mapstructure:"log"`
}

// LoadOptions selects the sources Load reads. Empty fields are skipped.
type LoadOptions struct {
	// File is a YAML, JSON or TOML config file.
	File string
	// EnvFile is a dotenv file; variables already set in the environment win.
	EnvFile string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("base_url", "")
	v.SetDefault("fallback_urls", []string{})
	v.SetDefault("health_path", konduit.DefaultHealthPath)
	v.SetDefault("timeout", konduit.DefaultTimeout)
	v.SetDefault("headers", map[string]string{})
	v.SetDefault("retry.max_retries", konduit.DefaultRetryPolicy.MaxRetries)
	v.SetDefault("retry.delay", konduit.DefaultRetryPolicy.Delay)
	v.SetDefault("retry.backoff", string(konduit.DefaultRetryPolicy.Backoff))
	v.SetDefault("retry.max_delay", konduit.DefaultRetryPolicy.MaxDelay)
	v.SetDefault("rate_limit.enabled", konduit.DefaultRateLimitConfig.Enabled)
	v.SetDefault("rate_limit.requests_per_minute", konduit.DefaultRateLimitConfig.RequestsPerMinute)
	v.SetDefault("rate_limit.burst", konduit.DefaultRateLimitConfig.Burst)
	v.SetDefault("admission_key", "shared")
	v.SetDefault("circuit_breaker.enabled", false)
	v.SetDefault("circuit_breaker.failure_threshold", 5)
	v.SetDefault("circuit_breaker.recovery_timeout", 60*time.Second)
	v.SetDefault("circuit_breaker.success_threshold", 2)
	v.SetDefault("deduplicate", false)
	v.SetDefault("metrics", false)
	v.SetDefault("credential.token", "")
	v.SetDefault("credential.api_key", "")
	v.SetDefault("credential.api_secret", "")
	v.SetDefault("credential.expires_in", time.Duration(0))
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key", konduit.DefaultCredentialKey)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

// Load reads configuration. Precedence, highest first: environment
// (including the dotenv file), config file, defaults.
func Load(opts LoadOptions) (*Config, *viper.Viper, error) {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("load env file: %w", err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.File != "" {
		v.SetConfigFile(opts.File)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("read config %s: %w", opts.File, err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.FallbackURLs = compact(cfg.FallbackURLs)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func compact(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks values the client itself does not.
func (c *Config) Validate() error {
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	switch c.AdmissionKey {
	case "", "shared", "host", "route":
	default:
		return fmt.Errorf("admission_key %q: want shared, host or route", c.AdmissionKey)
	}
	if c.Credential.Token != "" && c.Credential.APIKey != "" {
		return errors.New("credential: set either token or api_key, not both")
	}
	return nil
}

// SlogLevel parses Log.Level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if c.Log.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level %q: %w", c.Log.Level, err)
	}
	return level, nil
}

// RedisClient returns a client for the configured Redis, or nil when no
// address is set.
func (c *Config) RedisClient() redis.UniversalClient {
	if c.Redis.Addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	})
}

// ClientOptions converts the configuration into client options. A non-nil
// rdb backs the credential store; pass c.RedisClient() or nil.
func (c *Config) ClientOptions(rdb redis.UniversalClient) []konduit.Option {
	opts := []konduit.Option{
		konduit.WithTimeout(c.Timeout),
		konduit.WithRetryPolicy(c.Retry),
		konduit.WithRateLimit(c.RateLimit),
	}
	if c.BaseURL != "" {
		opts = append(opts, konduit.WithBaseURL(c.BaseURL))
	}
	if len(c.FallbackURLs) > 0 {
		opts = append(opts, konduit.WithFallbackBaseURLs(c.FallbackURLs...))
	}
	if c.HealthPath != "" {
		opts = append(opts, konduit.WithHealthPath(c.HealthPath))
	}
	if len(c.Headers) > 0 {
		opts = append(opts, konduit.WithDefaultHeaders(c.Headers))
	}
	switch c.AdmissionKey {
	case "host":
		opts = append(opts, konduit.WithAdmissionKeyFunc(konduit.HostAdmissionKey))
	case "route":
		opts = append(opts, konduit.WithAdmissionKeyFunc(konduit.RouteAdmissionKey))
	}
	if c.CircuitBreaker.Enabled {
		opts = append(opts, konduit.WithCircuitBreaker(konduit.CircuitBreakerConfig{
			FailureThreshold: c.CircuitBreaker.FailureThreshold,
			RecoveryTimeout:  c.CircuitBreaker.RecoveryTimeout,
			SuccessThreshold: c.CircuitBreaker.SuccessThreshold,
		}))
	}
	if c.Deduplicate {
		opts = append(opts, konduit.WithDeduplication())
	}
	if c.Metrics {
		opts = append(opts, konduit.WithMetrics())
	}
	if rdb != nil {
		opts = append(opts, konduit.WithCredentialStore(konduit.NewRedisCredentialStore(rdb, c.Redis.Key)))
	}
	return opts
}

// ApplyCredential stores the configured token or API key set, if any.
func (c *Config) ApplyCredential(ctx context.Context, m *konduit.CredentialManager) error {
	switch {
	case c.Credential.Token != "":
		return m.SetCredential(ctx, konduit.BearerToken{AccessToken: c.Credential.Token}, c.Credential.ExpiresIn)
	case c.Credential.APIKey != "":
		return m.SetCredential(ctx, konduit.APIKeySet{Key: c.Credential.APIKey, Secret: c.Credential.APISecret}, c.Credential.ExpiresIn)
	}
	return nil
}

// Watch calls fn with the re-decoded configuration every time the config
// file read by Load changes. It is a no-op when Load read no file.
func Watch(v *viper.Viper, fn func(*Config, error)) {
	if v == nil || v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(fsnotify.Event) {
		fn(decode(v))
	})
	v.WatchConfig()
}
