// Package provider defines the interface every upstream family adapter
// implements. Adapters own their model-name mapping and pricing table, so
// adding a provider never touches shared code.
package provider

import (
	"context"
	"net/http"
	"time"

	"github.com/workmesh/aigate/pkg/pricing"
	"github.com/workmesh/aigate/pkg/types"
)

// ModelInfo describes one logical model exposed to callers and its concrete
// upstream mapping and capabilities.
type ModelInfo struct {
	// ID is the logical identifier callers use.
	ID string `yaml:"id" json:"id"`
	// Upstream is the concrete model name sent to the provider.
	Upstream string `yaml:"upstream" json:"upstream"`
	// Vision is true when the upstream model accepts inline images.
	Vision bool `yaml:"vision" json:"vision"`
	// Documents is true when the upstream model accepts inline documents
	// (native PDF input).
	Documents bool `yaml:"documents" json:"documents"`
}

// Adapter translates canonical chat requests into one provider family's wire
// shape and back. Implementations must be safe for concurrent use.
type Adapter interface {
	// Name returns the provider identifier (e.g. "openai", "anthropic").
	Name() string

	// Models returns the logical models this adapter exposes.
	Models() []ModelInfo

	// ResolveModel maps a logical model to its upstream name. When the
	// request carries image or document attachments and the selected model
	// lacks multimodal support, the adapter substitutes the nearest model in
	// the same family that has it; attachments are never silently dropped.
	ResolveModel(logical string, multimodal bool) (ModelInfo, error)

	// SupportsDocuments reports whether the family accepts inline documents
	// at all. The normalizer uses this to pick the PDF policy row.
	SupportsDocuments() bool

	// BuildRequest transforms a canonical request into a provider-specific
	// HTTP request authenticated with the given secret.
	BuildRequest(ctx context.Context, req *types.CanonicalRequest, secret string) (*http.Request, error)

	// ParseResponse transforms a provider response body into canonical form.
	ParseResponse(resp *http.Response) (*types.CanonicalResponse, error)

	// ParseStreamChunk parses a single SSE chunk from a streaming response.
	// Returns nil, nil for keep-alive or non-content events.
	ParseStreamChunk(data []byte) (*types.StreamDelta, error)

	// MapError converts a provider error response into a *errors.GatewayError,
	// distinguishing rate-limit errors from everything else.
	MapError(statusCode int, body []byte) error

	// Pricing returns the adapter-owned pricing table.
	Pricing() []pricing.ModelPricing
}

// Config contains provider-family configuration supplied at startup.
type Config struct {
	Name    string
	Type    string
	BaseURL string
	// Models overrides the adapter's default logical model table.
	Models  []ModelInfo
	Timeout time.Duration
	Headers map[string]string
}

// Factory creates adapter instances from configuration.
type Factory func(cfg Config) (Adapter, error)
