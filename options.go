package aigate

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/workmesh/aigate/internal/store"
	"github.com/workmesh/aigate/pkg/pricing"
	"github.com/workmesh/aigate/pkg/provider"
)

// ProviderConfig defines one upstream provider family and its credentials.
type ProviderConfig struct {
	Name    string
	Type    string
	APIKeys []string
	BaseURL string
	Models  []provider.ModelInfo
	Headers map[string]string
}

// RateLimitConfig defines the optional per-tenant inbound limiter.
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerMinute int
	BurstSize         int
}

// AttachmentConfig sets the per-kind attachment budgets.
type AttachmentConfig struct {
	TextBudgetChars    int
	PDFTextBudgetChars int
	MaxFetchBytes      int64
}

// gatewayConfig holds all configuration for the gateway client.
type gatewayConfig struct {
	Providers        []ProviderConfig
	AdapterInstances []adapterInstance

	Store store.Store

	Cooldown       time.Duration
	MaxTurns       int
	CallTimeout    time.Duration
	SystemPrompt   string
	Attachments    AttachmentConfig
	RateLimit      RateLimitConfig
	PricingOverlay []pricing.ModelPricing

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// adapterInstance holds a pre-constructed adapter with its credentials.
type adapterInstance struct {
	Name    string
	Adapter provider.Adapter
	APIKeys []string
}

// Option configures the gateway client.
type Option func(*gatewayConfig)

func defaultGatewayConfig() *gatewayConfig {
	return &gatewayConfig{
		Cooldown:    60 * time.Second,
		MaxTurns:    12,
		CallTimeout: 60 * time.Second,
		Logger:      slog.Default(),
	}
}

// WithProvider adds a provider family from configuration.
func WithProvider(cfg ProviderConfig) Option {
	return func(c *gatewayConfig) {
		c.Providers = append(c.Providers, cfg)
	}
}

// WithAdapterInstance registers a pre-constructed adapter. Useful for custom
// families and for tests.
func WithAdapterInstance(name string, adapter provider.Adapter, apiKeys []string) Option {
	return func(c *gatewayConfig) {
		c.AdapterInstances = append(c.AdapterInstances, adapterInstance{
			Name:    name,
			Adapter: adapter,
			APIKeys: apiKeys,
		})
	}
}

// WithStore sets the persistent collaborator store for conversation turns
// and usage records.
func WithStore(st store.Store) Option {
	return func(c *gatewayConfig) { c.Store = st }
}

// WithCooldown sets the credential cooldown window.
func WithCooldown(d time.Duration) Option {
	return func(c *gatewayConfig) {
		if d > 0 {
			c.Cooldown = d
		}
	}
}

// WithMaxTurns sets the context window bound.
func WithMaxTurns(n int) Option {
	return func(c *gatewayConfig) {
		if n > 0 {
			c.MaxTurns = n
		}
	}
}

// WithCallTimeout bounds each upstream provider call.
func WithCallTimeout(d time.Duration) Option {
	return func(c *gatewayConfig) {
		if d > 0 {
			c.CallTimeout = d
		}
	}
}

// WithSystemPrompt sets the system instruction sent with every chat turn.
func WithSystemPrompt(prompt string) Option {
	return func(c *gatewayConfig) { c.SystemPrompt = prompt }
}

// WithAttachmentBudgets overrides the attachment normalization budgets.
func WithAttachmentBudgets(cfg AttachmentConfig) Option {
	return func(c *gatewayConfig) { c.Attachments = cfg }
}

// WithRateLimit enables the per-tenant inbound request limiter.
func WithRateLimit(cfg RateLimitConfig) Option {
	return func(c *gatewayConfig) { c.RateLimit = cfg }
}

// WithPricingOverlay layers pricing entries over the adapter defaults.
func WithPricingOverlay(table []pricing.ModelPricing) Option {
	return func(c *gatewayConfig) {
		c.PricingOverlay = append(c.PricingOverlay, table...)
	}
}

// WithHTTPClient overrides the upstream HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *gatewayConfig) {
		if client != nil {
			c.HTTPClient = client
		}
	}
}

// WithLogger sets the gateway logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *gatewayConfig) {
		if l != nil {
			c.Logger = l
		}
	}
}
