// Package openai provides the OpenAI provider adapter. The OpenAI family
// takes the system instruction as the first element of the message list and
// carries images as data-URL content parts.
package openai

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
	ProviderName = "openai"

	// DefaultBaseURL is the default OpenAI API endpoint.
	DefaultBaseURL = "https://api.openai.com"

	// DefaultMaxTokens caps completion length when the caller sets none.
	DefaultMaxTokens = 4096
)

// DefaultModels maps the logical model identifiers this adapter exposes to
// concrete upstream names. The mapping is adapter-owned data: adding or
// repointing a model never touches shared code.
var DefaultModels = []provider.ModelInfo{
	{ID: "gpt-4o", Upstream: "gpt-4o-2024-08-06", Vision: true},
	{ID: "gpt-4o-mini", Upstream: "gpt-4o-mini-2024-07-18", Vision: true},
	{ID: "gpt-4-turbo", Upstream: "gpt-4-turbo-2024-04-09", Vision: true},
	{ID: "gpt-3.5-turbo", Upstream: "gpt-3.5-turbo-0125"},
}

// defaultPricing is USD per 1000 tokens, keyed by logical model.
var defaultPricing = []pricing.ModelPricing{
	{Provider: ProviderName, Model: "gpt-4o", InputCostPer1K: 0.0025, OutputCostPer1K: 0.01},
	{Provider: ProviderName, Model: "gpt-4o-mini", InputCostPer1K: 0.00015, OutputCostPer1K: 0.0006},
	{Provider: ProviderName, Model: "gpt-4-turbo", InputCostPer1K: 0.01, OutputCostPer1K: 0.03},
	{Provider: ProviderName, Model: "gpt-3.5-turbo", InputCostPer1K: 0.0005, OutputCostPer1K: 0.0015},
}

// Adapter implements the OpenAI Chat Completions API.
type Adapter struct {
	baseURL string
	models  []provider.ModelInfo
	headers map[string]string
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

// WithModels replaces the default logical model table.
func WithModels(models ...provider.ModelInfo) Option {
	return func(a *Adapter) {
		if len(models) > 0 {
			a.models = models
		}
	}
}

// WithHeader adds a header to every upstream request.
func WithHeader(key, value string) Option {
	return func(a *Adapter) { a.headers[key] = value }
}

// New creates an OpenAI adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		baseURL: DefaultBaseURL,
		models:  DefaultModels,
		headers: make(map[string]string),
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

// SupportsDocuments reports native PDF support; OpenAI chat completions do
// not take inline documents, so PDFs arrive as extracted text.
func (a *Adapter) SupportsDocuments() bool { return false }

// ResolveModel maps a logical model to its upstream name, substituting the
// nearest vision-capable model when the request is multimodal.
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

// Wire types for the Chat Completions API.

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []contentPart
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage,omitempty"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage,omitempty"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// BuildRequest creates an HTTP request for the Chat Completions API.
func (a *Adapter) BuildRequest(ctx context.Context, req *types.CanonicalRequest, secret string) (*http.Request, error) {
	wireReq := a.transformRequest(req)

	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimSuffix(a.baseURL, "/") + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+secret)
	for k, v := range a.headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

func (a *Adapter) transformRequest(req *types.CanonicalRequest) *chatRequest {
	wireReq := &chatRequest{
		Model:       req.Model,
		MaxTokens:   DefaultMaxTokens,
		Temperature: req.Temperature,
		Stream:      req.Streaming,
	}
	if req.MaxTokens > 0 {
		wireReq.MaxTokens = req.MaxTokens
	}
	if req.Streaming {
		wireReq.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	// System instruction goes first in the message list for this family.
	if req.SystemPrompt != "" {
		wireReq.Messages = append(wireReq.Messages, chatMessage{
			Role:    types.RoleSystem,
			Content: req.SystemPrompt,
		})
	}

	for _, turn := range req.History {
		wireReq.Messages = append(wireReq.Messages, chatMessage{
			Role:    turn.Role,
			Content: turn.Content,
		})
	}

	wireReq.Messages = append(wireReq.Messages, a.userMessage(req))
	return wireReq
}

func (a *Adapter) userMessage(req *types.CanonicalRequest) chatMessage {
	if len(req.Attachments) == 0 {
		return chatMessage{Role: types.RoleUser, Content: req.NewMessage}
	}

	parts := []contentPart{{Type: "text", Text: req.NewMessage}}
	for _, att := range req.Attachments {
		switch att.Kind {
		case types.PartInlineImage:
			parts = append(parts, contentPart{
				Type:     "image_url",
				ImageURL: &imageURL{URL: "data:" + att.MimeType + ";base64," + att.Data},
			})
		case types.PartExtractedText:
			parts = append(parts, contentPart{
				Type: "text",
				Text: attachmentPreamble(att.Name) + att.Text,
			})
		}
	}
	return chatMessage{Role: types.RoleUser, Content: parts}
}

func attachmentPreamble(name string) string {
	if name == "" {
		return "\n\n[attached file]\n"
	}
	return "\n\n[attached file: " + name + "]\n"
}

// ParseResponse transforms an OpenAI response into canonical form.
func (a *Adapter) ParseResponse(resp *http.Response) (*types.CanonicalResponse, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var wireResp chatResponse
	if err := json.Unmarshal(body, &wireResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(wireResp.Choices) == 0 {
		return nil, fmt.Errorf("response contains no choices")
	}

	out := &types.CanonicalResponse{
		Text:     wireResp.Choices[0].Message.Content,
		Provider: ProviderName,
		Model:    wireResp.Model,
	}
	if wireResp.Usage != nil {
		out.InputTokens = wireResp.Usage.PromptTokens
		out.OutputTokens = wireResp.Usage.CompletionTokens
		out.UsageReported = true
	}
	return out, nil
}

// ParseStreamChunk parses a single SSE chunk.
// Returns nil, nil for keep-alive or non-content events.
func (a *Adapter) ParseStreamChunk(data []byte) (*types.StreamDelta, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.HasPrefix(trimmed, []byte(":")) {
		return nil, nil
	}
	trimmed = bytes.TrimPrefix(trimmed, []byte("data: "))

	if bytes.Equal(trimmed, []byte("[DONE]")) {
		return &types.StreamDelta{Done: true}, nil
	}

	var chunk streamChunk
	if err := json.Unmarshal(trimmed, &chunk); err != nil {
		return nil, nil
	}

	delta := &types.StreamDelta{}
	if chunk.Usage != nil {
		delta.InputTokens = chunk.Usage.PromptTokens
		delta.OutputTokens = chunk.Usage.CompletionTokens
	}
	if len(chunk.Choices) > 0 {
		delta.Text = chunk.Choices[0].Delta.Content
	}
	if delta.Text == "" && delta.InputTokens == 0 && delta.OutputTokens == 0 {
		return nil, nil
	}
	return delta, nil
}

// MapError converts an OpenAI error response into a GatewayError.
func (a *Adapter) MapError(statusCode int, body []byte) error {
	message := strings.TrimSpace(string(body))
	var wireErr errorResponse
	if err := json.Unmarshal(body, &wireErr); err == nil && wireErr.Error.Message != "" {
		message = wireErr.Error.Message
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		return gwerrors.NewRateLimitError(ProviderName, "", message)
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		return gwerrors.NewTimeoutError(ProviderName, "", message)
	default:
		return gwerrors.NewUpstreamError(ProviderName, "", statusCode, message)
	}
}
