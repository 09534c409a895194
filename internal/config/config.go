// Package config loads the gateway's static startup configuration.
// All of it is fixed at process start; nothing here is runtime-mutable.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/workmesh/aigate/internal/store/redis"
	"github.com/workmesh/aigate/pkg/pricing"
	"github.com/workmesh/aigate/pkg/provider"
)

// Config is the complete gateway configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Providers   []ProviderConfig  `yaml:"providers"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Context     ContextConfig     `yaml:"context"`
	Attachments AttachmentsConfig `yaml:"attachments"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Store       StoreConfig       `yaml:"store"`
	Logging     LoggingConfig     `yaml:"logging"`
	// Pricing overrides layered on top of the adapter-owned tables.
	Pricing []pricing.ModelPricing `yaml:"pricing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// SystemPrompt is sent with every stored-conversation chat turn.
	SystemPrompt string `yaml:"system_prompt"`
	// CallTimeout bounds each upstream provider call.
	CallTimeout time.Duration `yaml:"call_timeout"`
	// MetricsEnabled exposes Prometheus metrics on /metrics.
	MetricsEnabled bool `yaml:"metrics_enabled"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Type is "memory" or "redis".
	Type  string       `yaml:"type"`
	Redis redis.Config `yaml:"redis"`
}

// ProviderConfig defines one upstream provider family.
type ProviderConfig struct {
	Name    string               `yaml:"name"`
	Type    string               `yaml:"type"`
	APIKeys []string             `yaml:"api_keys"`
	BaseURL string               `yaml:"base_url"`
	Models  []provider.ModelInfo `yaml:"models"`
	Timeout time.Duration        `yaml:"timeout"`
	Headers map[string]string    `yaml:"headers"`
}

// CredentialsConfig tunes the credential pool.
type CredentialsConfig struct {
	// Cooldown is how long a rate-limited credential stays out of rotation.
	Cooldown time.Duration `yaml:"cooldown"`
}

// ContextConfig tunes the conversation context window.
type ContextConfig struct {
	MaxTurns int `yaml:"max_turns"`
}

// AttachmentsConfig sets the per-kind attachment budgets.
type AttachmentsConfig struct {
	TextBudgetChars    int   `yaml:"text_budget_chars"`
	PDFTextBudgetChars int   `yaml:"pdf_text_budget_chars"`
	MaxFetchBytes      int64 `yaml:"max_fetch_bytes"`
}

// RateLimitConfig defines the optional per-tenant inbound limiter.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			CallTimeout:     60 * time.Second,
			MetricsEnabled:  true,
		},
		Store:       StoreConfig{Type: "memory", Redis: redis.DefaultConfig()},
		Credentials: CredentialsConfig{Cooldown: 60 * time.Second},
		Context:     ContextConfig{MaxTurns: 12},
		Attachments: AttachmentsConfig{
			TextBudgetChars:    8_000,
			PDFTextBudgetChars: 20_000,
			MaxFetchBytes:      20 << 20,
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerMinute: 60,
			BurstSize:         10,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the form ${VAR_NAME} are expanded, so API keys
// can stay out of the file itself.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}

	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider[%d]: name is required", i)
		}
		if p.Type == "" {
			return fmt.Errorf("provider[%d] %q: type is required", i, p.Name)
		}
		if len(p.APIKeys) == 0 {
			return fmt.Errorf("provider[%d] %q: at least one api_key is required", i, p.Name)
		}
		for j, key := range p.APIKeys {
			if key == "" {
				return fmt.Errorf("provider[%d] %q: api_keys[%d] is empty", i, p.Name, j)
			}
		}
		if p.Timeout < 0 {
			return fmt.Errorf("provider[%d] %q: timeout cannot be negative", i, p.Name)
		}
	}

	if c.Credentials.Cooldown < 0 {
		return fmt.Errorf("credentials.cooldown cannot be negative")
	}
	if c.Context.MaxTurns < 0 {
		return fmt.Errorf("context.max_turns cannot be negative")
	}
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("rate_limit.requests_per_minute must be positive when enabled")
	}
	switch c.Store.Type {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("store.type must be memory or redis, got %q", c.Store.Type)
	}
	return nil
}
