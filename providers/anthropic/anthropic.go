// Package anthropic provides the Anthropic Claude provider adapter. Unlike
// the OpenAI family, this family takes the system instruction as a distinct
// top-level field and accepts inline PDF documents natively.
package anthropic

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	gwerrors "github.com/workmesh/aigate/pkg/errors"
	"github.com/workmesh/aigate/pkg/pricing"
	"github.com/workmesh/aigate/pkg/provider"
	"github.com/workmesh/aigate/pkg/types"
)

const (
	// ProviderName is the identifier for this provider.
	ProviderName = "anthropic"

	// DefaultBaseURL is the default Anthropic API endpoint.
	DefaultBaseURL = "https://api.anthropic.com"

	// DefaultAPIVersion is the default Anthropic API version.
	DefaultAPIVersion = "2023-06-01"

	// DefaultMaxTokens is required by the Messages API.
	DefaultMaxTokens = 4096
)

// DefaultModels maps logical identifiers to concrete upstream names.
var DefaultModels = []provider.ModelInfo{
	{ID: "claude-3-5-sonnet", Upstream: "claude-3-5-sonnet-20241022", Vision: true, Documents: true},
	{ID: "claude-3-5-haiku", Upstream: "claude-3-5-haiku-20241022"},
	{ID: "claude-3-opus", Upstream: "claude-3-opus-20240229", Vision: true, Documents: true},
}

// defaultPricing is USD per 1000 tokens, keyed by logical model.
var defaultPricing = []pricing.ModelPricing{
	{Provider: ProviderName, Model: "claude-3-5-sonnet", InputCostPer1K: 0.003, OutputCostPer1K: 0.015},
	{Provider: ProviderName, Model: "claude-3-5-haiku", InputCostPer1K: 0.0008, OutputCostPer1K: 0.004},
	{Provider: ProviderName, Model: "claude-3-opus", InputCostPer1K: 0.015, OutputCostPer1K: 0.075},
}

// Adapter implements the Anthropic Messages API.
type Adapter struct {
	baseURL    string
	apiVersion string
	models     []provider.ModelInfo
	headers    map[string]string
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API endpoint.
func WithBaseURL(u string) Option {
	return func(a *Adapter) {
		if u != "" {
			a.baseURL = u
		}
	}
}

// WithAPIVersion overrides the anthropic-version header value.
func WithAPIVersion(v string) Option {
	return func(a *Adapter) {
		if v != "" {
			a.apiVersion = v
		}
	}
}

// WithModels replaces the default logical model table.
func WithModels(models ...provider.ModelInfo) Option {
	return func(a *Adapter) {
		if len(models) > 0 {
			a.models = models
		}
	}
}

// New creates an Anthropic adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		baseURL:    DefaultBaseURL,
		apiVersion: DefaultAPIVersion,
		models:     DefaultModels,
		headers:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewFromConfig creates an adapter from a provider.Config.
func NewFromConfig(cfg provider.Config) (provider.Adapter, error) {
	opts := []Option{WithBaseURL(cfg.BaseURL)}
	if len(cfg.Models) > 0 {
		opts = append(opts, WithModels(cfg.Models...))
	}
	a := New(opts...)
	for k, v := range cfg.Headers {
		a.headers[k] = v
	}
	return a, nil
}

// Name returns the provider identifier.
func (a *Adapter) Name() string { return ProviderName }

// Models returns the logical models this adapter exposes.
func (a *Adapter) Models() []provider.ModelInfo { return a.models }

// SupportsDocuments reports native PDF support.
func (a *Adapter) SupportsDocuments() bool { return true }

// ResolveModel maps a logical model to its upstream name, substituting the
// nearest multimodal model when needed so attachments are never dropped.
func (a *Adapter) ResolveModel(logical string, multimodal bool) (provider.ModelInfo, error) {
	info, ok := a.lookup(logical)
	if !ok {
		return provider.ModelInfo{}, gwerrors.NewInvalidRequestError(
			fmt.Sprintf("unknown model %q for provider %s", logical, ProviderName))
	}
	if multimodal && !info.Vision {
		for _, m := range a.models {
			if m.Vision {
				return m, nil
			}
		}
		return provider.ModelInfo{}, gwerrors.NewInvalidRequestError(
			fmt.Sprintf("no vision-capable model available for provider %s", ProviderName))
	}
	return info, nil
}

func (a *Adapter) lookup(logical string) (provider.ModelInfo, bool) {
	for _, m := range a.models {
		if m.ID == logical || m.Upstream == logical {
			return m, true
		}
	}
	return provider.ModelInfo{}, false
}

// Pricing returns the adapter-owned pricing table.
func (a *Adapter) Pricing() []pricing.ModelPricing { return defaultPricing }

// Wire types for the Messages API.

type messagesRequest struct {
	Model     string        `json:"model"`
	Messages  []wireMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
	// System is a top-level field here, never a message-list entry.
	System      string   `json:"system,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []contentBlock
}

type contentBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *blockSource `json:"source,omitempty"`
}

type blockSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type messagesResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// BuildRequest creates an HTTP request for the Messages API.
func (a *Adapter) BuildRequest(ctx context.Context, req *types.CanonicalRequest, secret string) (*http.Request, error) {
	wireReq := a.transformRequest(req)

	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimSuffix(a.baseURL, "/") + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", secret)
	httpReq.Header.Set("anthropic-version", a.apiVersion)
	for k, v := range a.headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

func (a *Adapter) transformRequest(req *types.CanonicalRequest) *messagesRequest {
	wireReq := &messagesRequest{
		Model:       req.Model,
		MaxTokens:   DefaultMaxTokens,
		System:      req.SystemPrompt,
		Temperature: req.Temperature,
		Stream:      req.Streaming,
	}
	if req.MaxTokens > 0 {
		wireReq.MaxTokens = req.MaxTokens
	}

	for _, turn := range req.History {
		wireReq.Messages = append(wireReq.Messages, wireMessage{
			Role:    turn.Role,
			Content: turn.Content,
		})
	}

	wireReq.Messages = append(wireReq.Messages, a.userMessage(req))
	return wireReq
}

func (a *Adapter) userMessage(req *types.CanonicalRequest) wireMessage {
	if len(req.Attachments) == 0 {
		return wireMessage{Role: types.RoleUser, Content: req.NewMessage}
	}

	blocks := []contentBlock{{Type: "text", Text: req.NewMessage}}
	for _, att := range req.Attachments {
		switch att.Kind {
		case types.PartInlineImage:
			blocks = append(blocks, contentBlock{
				Type:   "image",
				Source: &blockSource{Type: "base64", MediaType: att.MimeType, Data: att.Data},
			})
		case types.PartInlineDocument:
			blocks = append(blocks, contentBlock{
				Type:   "document",
				Source: &blockSource{Type: "base64", MediaType: att.MimeType, Data: att.Data},
			})
		case types.PartExtractedText:
			blocks = append(blocks, contentBlock{Type: "text", Text: att.Text})
		}
	}
	return wireMessage{Role: types.RoleUser, Content: blocks}
}

// ParseResponse transforms an Anthropic response into canonical form.
func (a *Adapter) ParseResponse(resp *http.Response) (*types.CanonicalResponse, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var wireResp messagesResponse
	if err := json.Unmarshal(body, &wireResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	var text strings.Builder
	for _, block := range wireResp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &types.CanonicalResponse{
		Text:          text.String(),
		Provider:      ProviderName,
		Model:         wireResp.Model,
		InputTokens:   wireResp.Usage.InputTokens,
		OutputTokens:  wireResp.Usage.OutputTokens,
		UsageReported: wireResp.Usage.InputTokens > 0 || wireResp.Usage.OutputTokens > 0,
	}, nil
}

// ParseStreamChunk parses a single SSE chunk from the Messages API.
// Returns nil, nil for keep-alive and bookkeeping events.
func (a *Adapter) ParseStreamChunk(data []byte) (*types.StreamDelta, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.HasPrefix(trimmed, []byte("event:")) {
		return nil, nil
	}
	trimmed = bytes.TrimPrefix(trimmed, []byte("data: "))

	var event struct {
		Type  string `json:"type"`
		Delta struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"delta"`
		Usage *struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(trimmed, &event); err != nil {
		return nil, nil
	}

	switch event.Type {
	case "content_block_delta":
		if event.Delta.Type == "text_delta" && event.Delta.Text != "" {
			return &types.StreamDelta{Text: event.Delta.Text}, nil
		}
	case "message_delta":
		if event.Usage != nil {
			return &types.StreamDelta{
				InputTokens:  event.Usage.InputTokens,
				OutputTokens: event.Usage.OutputTokens,
			}, nil
		}
	case "message_stop":
		return &types.StreamDelta{Done: true}, nil
	}
	return nil, nil
}

// MapError converts an Anthropic error response into a GatewayError.
func (a *Adapter) MapError(statusCode int, body []byte) error {
	message := strings.TrimSpace(string(body))
	var wireErr errorResponse
	if err := json.Unmarshal(body, &wireErr); err == nil && wireErr.Error.Message != "" {
		message = wireErr.Error.Message
	}

	switch {
	case statusCode == http.StatusTooManyRequests || wireErr.Error.Type == "rate_limit_error":
		return gwerrors.NewRateLimitError(ProviderName, "", message)
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		return gwerrors.NewTimeoutError(ProviderName, "", message)
	default:
		return gwerrors.NewUpstreamError(ProviderName, "", statusCode, message)
	}
}
