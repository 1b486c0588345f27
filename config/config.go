// Package config loads the pageclone service configuration from an optional
// YAML file, then applies environment overrides and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration.
type Config struct {
	Listen        string `yaml:"listen"`
	DataDir       string `yaml:"data_dir"`
	AllowedOrigin string `yaml:"allowed_origin"`
	LogLevel      string `yaml:"log_level"`
	MCP           bool   `yaml:"mcp"`

	Captcha   CaptchaConfig   `yaml:"captcha"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Preview   PreviewConfig   `yaml:"preview"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// CaptchaConfig controls the captcha gate.
type CaptchaConfig struct {
	TTL time.Duration `yaml:"ttl"`
	// RequireForFetch gates POST /api/fetch/start. Pointer so that an
	// explicit false in YAML survives defaults().
	RequireForFetch *bool `yaml:"require_for_fetch"`
	ExposeAnswer    *bool `yaml:"expose_answer"`
}

// FetchConfig controls page retrieval.
type FetchConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	MaxStylesheets int           `yaml:"max_stylesheets"`
	Concurrency    int           `yaml:"concurrency"`
	RatePerSecond  float64       `yaml:"rate_per_second"`
	UserAgent      string        `yaml:"user_agent"`
	BlockPrivate   bool          `yaml:"block_private"`
	Render         RenderConfig  `yaml:"render"`
}

// RenderConfig controls headless re-acquisition of SPA shells.
type RenderConfig struct {
	Enabled bool          `yaml:"enabled"`
	Remote  string        `yaml:"remote"` // ws:// URL of an existing browser; empty launches one
	Timeout time.Duration `yaml:"timeout"`
}

// PreviewConfig controls preview retention.
type PreviewConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// RateLimitConfig controls per-client API rate limiting.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
}

func boolPtr(b bool) *bool { return &b }

func (c *Config) defaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Captcha.TTL <= 0 {
		c.Captcha.TTL = 5 * time.Minute
	}
	if c.Captcha.RequireForFetch == nil {
		c.Captcha.RequireForFetch = boolPtr(true)
	}
	if c.Captcha.ExposeAnswer == nil {
		c.Captcha.ExposeAnswer = boolPtr(true)
	}
	if c.Fetch.Timeout <= 0 {
		c.Fetch.Timeout = 30 * time.Second
	}
	if c.Fetch.MaxBodyBytes <= 0 {
		c.Fetch.MaxBodyBytes = 10 << 20
	}
	if c.Fetch.MaxStylesheets <= 0 {
		c.Fetch.MaxStylesheets = 32
	}
	if c.Fetch.Concurrency <= 0 {
		c.Fetch.Concurrency = 4
	}
	if c.Fetch.RatePerSecond <= 0 {
		c.Fetch.RatePerSecond = 8
	}
	if c.Fetch.UserAgent == "" {
		c.Fetch.UserAgent = "pageclone/1.0"
	}
	if c.Fetch.Render.Timeout <= 0 {
		c.Fetch.Render.Timeout = 20 * time.Second
	}
	if c.Preview.TTL <= 0 {
		c.Preview.TTL = 24 * time.Hour
	}
	if c.RateLimit.PerSecond <= 0 {
		c.RateLimit.PerSecond = 5
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 20
	}
}

// Load reads path (when non-empty), applies environment overrides, fills
// defaults and validates. A missing file at an explicit path is an error.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from the environment. lookup is injected so
// tests do not have to mutate the process environment.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("PAGECLONE_ALLOWED_ORIGIN", &c.AllowedOrigin)
	str("DATA_DIR", &c.DataDir)
	str("LOG_LEVEL", &c.LogLevel)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	if v, ok := lookup("PORT"); ok && v != "" {
		if _, err := strconv.Atoi(v); err != nil {
			return fmt.Errorf("config: PORT %q: %w", v, err)
		}
		c.Listen = ":" + v
	}

	boolean := func(key string, dst **bool) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: %s %q: %w", key, v, err)
		}
		*dst = boolPtr(b)
		return nil
	}
	if err := boolean("PAGECLONE_CAPTCHA_REQUIRED", &c.Captcha.RequireForFetch); err != nil {
		return err
	}
	if err := boolean("PAGECLONE_CAPTCHA_EXPOSE_ANSWER", &c.Captcha.ExposeAnswer); err != nil {
		return err
	}
	if v, ok := lookup("PAGECLONE_BLOCK_PRIVATE"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: PAGECLONE_BLOCK_PRIVATE %q: %w", v, err)
		}
		c.Fetch.BlockPrivate = b
	}
	if v, ok := lookup("PAGECLONE_RENDER"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: PAGECLONE_RENDER %q: %w", v, err)
		}
		c.Fetch.Render.Enabled = b
	}
	return nil
}

// Validate reports configuration errors that defaults cannot fix.
func (c *Config) Validate() error {
	if c.AllowedOrigin == "" {
		return errors.New("config: allowed_origin is required (or set PAGECLONE_ALLOWED_ORIGIN)")
	}
	return nil
}

// DBPath returns the path of the named SQLite database under DataDir.
func (c *Config) DBPath(name string) string {
	return filepath.Join(c.DataDir, name+".db")
}
