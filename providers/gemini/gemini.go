// Package gemini provides the Google Gemini provider adapter. Like Anthropic,
// this family carries the system instruction as a distinct top-level field;
// images and documents travel as inlineData parts.
package gemini

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/goccy/go-json"

	gwerrors "github.com/workmesh/aigate/pkg/errors"
	"github.com/workmesh/aigate/pkg/pricing"
	"github.com/workmesh/aigate/pkg/provider"
	"github.com/workmesh/aigate/pkg/types"
)

const (
	// ProviderName is the identifier for this provider.
	ProviderName = "gemini"

	// DefaultBaseURL is the default Gemini API endpoint.
	DefaultBaseURL = "https://generativelanguage.googleapis.com"

	// DefaultAPIVersion selects the API surface.
	DefaultAPIVersion = "v1beta"
)

// DefaultModels maps logical identifiers to concrete upstream names.
var DefaultModels = []provider.ModelInfo{
	{ID: "gemini-1.5-pro", Upstream: "gemini-1.5-pro-002", Vision: true, Documents: true},
	{ID: "gemini-1.5-flash", Upstream: "gemini-1.5-flash-002", Vision: true, Documents: true},
}

// defaultPricing is USD per 1000 tokens, keyed by logical model.
var defaultPricing = []pricing.ModelPricing{
	{Provider: ProviderName, Model: "gemini-1.5-pro", InputCostPer1K: 0.00125, OutputCostPer1K: 0.005},
	{Provider: ProviderName, Model: "gemini-1.5-flash", InputCostPer1K: 0.000075, OutputCostPer1K: 0.0003},
}

// Adapter implements the Gemini generateContent API.
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

// WithModels replaces the default logical model table.
func WithModels(models ...provider.ModelInfo) Option {
	return func(a *Adapter) {
		if len(models) > 0 {
			a.models = models
		}
	}
}

// New creates a Gemini adapter.
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

// ResolveModel maps a logical model to its upstream name. Every default
// Gemini model is multimodal, so substitution is rarely needed.
func (a *Adapter) ResolveModel(logical string, multimodal bool) (provider.ModelInfo, error) {
	for _, m := range a.models {
		if m.ID == logical || m.Upstream == logical {
			if multimodal && !m.Vision {
				continue
			}
			return m, nil
		}
	}
	if multimodal {
		for _, m := range a.models {
			if m.Vision {
				return m, nil
			}
		}
	}
	return provider.ModelInfo{}, gwerrors.NewInvalidRequestError(
		fmt.Sprintf("unknown model %q for provider %s", logical, ProviderName))
}

// Pricing returns the adapter-owned pricing table.
func (a *Adapter) Pricing() []pricing.ModelPricing { return defaultPricing }

// Wire types for the generateContent API.

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
	Tools             []tool            `json:"tools,omitempty"`
}

type tool struct {
	GoogleSearch *struct{} `json:"google_search,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// BuildRequest creates an HTTP request for the generateContent API.
// Streaming requests use streamGenerateContent with SSE output.
func (a *Adapter) BuildRequest(ctx context.Context, req *types.CanonicalRequest, secret string) (*http.Request, error) {
	wireReq := a.transformRequest(req)

	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	action := "generateContent"
	if req.Streaming {
		action = "streamGenerateContent"
	}

	base, err := url.Parse(strings.TrimSuffix(a.baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base_url: %w", err)
	}
	base.Path = base.Path + "/" + a.apiVersion + "/models/" + url.PathEscape(req.Model) + ":" + action
	q := base.Query()
	q.Set("key", secret)
	if req.Streaming {
		q.Set("alt", "sse")
	}
	base.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range a.headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

func (a *Adapter) transformRequest(req *types.CanonicalRequest) *generateRequest {
	wireReq := &generateRequest{}

	if req.SystemPrompt != "" {
		wireReq.SystemInstruction = &content{Parts: []part{{Text: req.SystemPrompt}}}
	}
	if req.EnableSearch {
		wireReq.Tools = append(wireReq.Tools, tool{GoogleSearch: &struct{}{}})
	}
	if req.Temperature != nil || req.MaxTokens > 0 {
		wireReq.GenerationConfig = &generationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		}
	}

	for _, turn := range req.History {
		wireReq.Contents = append(wireReq.Contents, content{
			Role:  mapRole(turn.Role),
			Parts: []part{{Text: turn.Content}},
		})
	}

	parts := []part{{Text: req.NewMessage}}
	for _, att := range req.Attachments {
		switch att.Kind {
		case types.PartInlineImage, types.PartInlineDocument:
			parts = append(parts, part{
				InlineData: &inlineData{MimeType: att.MimeType, Data: att.Data},
			})
		case types.PartExtractedText:
			parts = append(parts, part{Text: att.Text})
		}
	}
	wireReq.Contents = append(wireReq.Contents, content{Role: "user", Parts: parts})

	return wireReq
}

// mapRole translates canonical roles to Gemini's user/model vocabulary.
func mapRole(role string) string {
	if role == types.RoleAssistant {
		return "model"
	}
	return "user"
}

// ParseResponse transforms a Gemini response into canonical form.
func (a *Adapter) ParseResponse(resp *http.Response) (*types.CanonicalResponse, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var wireResp generateResponse
	if err := json.Unmarshal(body, &wireResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(wireResp.Candidates) == 0 {
		return nil, fmt.Errorf("response contains no candidates")
	}

	var text strings.Builder
	for _, p := range wireResp.Candidates[0].Content.Parts {
		text.WriteString(p.Text)
	}

	out := &types.CanonicalResponse{
		Text:     text.String(),
		Provider: ProviderName,
	}
	if wireResp.UsageMetadata != nil {
		out.InputTokens = wireResp.UsageMetadata.PromptTokenCount
		out.OutputTokens = wireResp.UsageMetadata.CandidatesTokenCount
		out.UsageReported = true
	}
	return out, nil
}

// ParseStreamChunk parses a single SSE chunk from streamGenerateContent.
func (a *Adapter) ParseStreamChunk(data []byte) (*types.StreamDelta, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	trimmed = bytes.TrimPrefix(trimmed, []byte("data: "))

	var chunk generateResponse
	if err := json.Unmarshal(trimmed, &chunk); err != nil {
		return nil, nil
	}
	if len(chunk.Candidates) == 0 {
		return nil, nil
	}

	delta := &types.StreamDelta{}
	for _, p := range chunk.Candidates[0].Content.Parts {
		delta.Text += p.Text
	}
	if chunk.UsageMetadata != nil {
		delta.InputTokens = chunk.UsageMetadata.PromptTokenCount
		delta.OutputTokens = chunk.UsageMetadata.CandidatesTokenCount
	}
	if chunk.Candidates[0].FinishReason != "" {
		delta.Done = true
	}
	if delta.Text == "" && !delta.Done && delta.InputTokens == 0 {
		return nil, nil
	}
	return delta, nil
}

// MapError converts a Gemini error response into a GatewayError.
// Gemini reports quota exhaustion as 429 RESOURCE_EXHAUSTED.
func (a *Adapter) MapError(statusCode int, body []byte) error {
	message := strings.TrimSpace(string(body))
	var wireErr errorResponse
	if err := json.Unmarshal(body, &wireErr); err == nil && wireErr.Error.Message != "" {
		message = wireErr.Error.Message
	}

	switch {
	case statusCode == http.StatusTooManyRequests || wireErr.Error.Status == "RESOURCE_EXHAUSTED":
		return gwerrors.NewRateLimitError(ProviderName, "", message)
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		return gwerrors.NewTimeoutError(ProviderName, "", message)
	default:
		return gwerrors.NewUpstreamError(ProviderName, "", statusCode, message)
	}
}
