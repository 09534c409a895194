package aigate

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/workmesh/aigate/internal/attachment"
	"github.com/workmesh/aigate/internal/convo"
	"github.com/workmesh/aigate/internal/credpool"
	"github.com/workmesh/aigate/internal/httputil"
	"github.com/workmesh/aigate/internal/ledger"
	"github.com/workmesh/aigate/internal/metrics"
	"github.com/workmesh/aigate/internal/store"
	"github.com/workmesh/aigate/internal/store/inmem"
	"github.com/workmesh/aigate/internal/tokenizer"
	gwerrors "github.com/workmesh/aigate/pkg/errors"
	"github.com/workmesh/aigate/pkg/pricing"
	"github.com/workmesh/aigate/pkg/provider"
	"github.com/workmesh/aigate/pkg/types"
	"github.com/workmesh/aigate/providers"
)

// Client is the chat orchestrator: the single entry point collaborators call
// to serve a chat turn. It composes the credential pool, the context window,
// the attachment normalizer, the provider adapters, and the usage ledger.
//
// Client is safe for concurrent use by multiple goroutines; no global lock
// serializes requests.
type Client struct {
	adapters   map[string]provider.Adapter
	pool       *credpool.Pool
	window     *convo.Window
	normalizer *attachment.Normalizer
	ledger     *ledger.Ledger
	calc       *pricing.Calculator
	store      store.Store
	httpClient *http.Client
	cfg        *gatewayConfig

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// MessageRequest is one inbound chat turn against a stored conversation.
type MessageRequest struct {
	TenantID       string
	UserID         string
	ConversationID string
	Content        string
	Attachments    []types.Attachment
	Provider       string
	Model          string
	MaxTokens      int
	Temperature    *float64
	// EnableSearch asks the adapter to enable provider-side web search where
	// the family supports it; ignored otherwise.
	EnableSearch bool
}

// DirectRequest is a stateless chat call: no stored conversation, no context
// window. The last message must be the user's.
type DirectRequest struct {
	TenantID     string
	UserID       string
	Messages     []types.ConversationTurn
	SystemPrompt string
	Provider     string
	Model        string
	MaxTokens    int
	Temperature  *float64
}

// New creates a gateway client with the given options.
func New(opts ...Option) (*Client, error) {
	cfg := defaultGatewayConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	c := &Client{
		adapters: make(map[string]provider.Adapter),
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
	}

	c.httpClient = cfg.HTTPClient
	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	secrets := make(map[string][]string)

	for _, pcfg := range cfg.Providers {
		adapter, err := providers.Create(provider.Config{
			Name:    pcfg.Name,
			Type:    pcfg.Type,
			BaseURL: pcfg.BaseURL,
			Models:  pcfg.Models,
			Headers: pcfg.Headers,
		})
		if err != nil {
			return nil, fmt.Errorf("create provider %s: %w", pcfg.Name, err)
		}
		name := pcfg.Name
		if name == "" {
			name = adapter.Name()
		}
		if err := c.addAdapter(name, adapter); err != nil {
			return nil, err
		}
		secrets[name] = pcfg.APIKeys
	}

	for _, inst := range cfg.AdapterInstances {
		if err := c.addAdapter(inst.Name, inst.Adapter); err != nil {
			return nil, err
		}
		secrets[inst.Name] = inst.APIKeys
	}

	if len(c.adapters) == 0 {
		return nil, fmt.Errorf("at least one provider is required")
	}

	c.pool = credpool.New(secrets,
		credpool.WithCooldown(cfg.Cooldown),
		credpool.WithLogger(cfg.Logger),
	)

	c.store = cfg.Store
	if c.store == nil {
		// No persistence configured; conversations and usage live in
		// process memory only.
		cfg.Logger.Warn("no store configured, using in-memory store")
		c.store = inmem.New()
	}

	c.window = convo.New(c.store,
		convo.WithMaxTurns(cfg.MaxTurns),
		convo.WithLogger(cfg.Logger),
	)

	normOpts := []attachment.Option{attachment.WithLogger(cfg.Logger)}
	if cfg.Attachments.TextBudgetChars > 0 {
		normOpts = append(normOpts, attachment.WithTextBudget(cfg.Attachments.TextBudgetChars))
	}
	if cfg.Attachments.PDFTextBudgetChars > 0 {
		normOpts = append(normOpts, attachment.WithPDFTextBudget(cfg.Attachments.PDFTextBudgetChars))
	}
	if cfg.Attachments.MaxFetchBytes > 0 {
		normOpts = append(normOpts, attachment.WithMaxFetchBytes(cfg.Attachments.MaxFetchBytes))
	}
	c.normalizer = attachment.New(normOpts...)

	tables := make([][]pricing.ModelPricing, 0, len(c.adapters)+1)
	for _, a := range c.adapters {
		tables = append(tables, a.Pricing())
	}
	tables = append(tables, cfg.PricingOverlay)
	c.calc = pricing.NewCalculator(tables...)

	c.ledger = ledger.New(c.store, c.calc, cfg.Logger)

	cfg.Logger.Info("gateway initialized",
		"providers", len(c.adapters),
		"cooldown", cfg.Cooldown,
		"max_turns", cfg.MaxTurns,
	)
	return c, nil
}

func (c *Client) addAdapter(name string, a provider.Adapter) error {
	if a == nil {
		return fmt.Errorf("adapter %s is nil", name)
	}
	if _, exists := c.adapters[name]; exists {
		return fmt.Errorf("provider %s already registered", name)
	}
	c.adapters[name] = a
	c.cfg.Logger.Info("provider registered", "name", name, "models", len(a.Models()))
	return nil
}

// SendMessage serves one chat turn against a stored conversation: read the
// context window, normalize attachments, dispatch with rate-limit failover,
// then persist the turn and its usage record.
func (c *Client) SendMessage(ctx context.Context, req MessageRequest) (*types.CanonicalResponse, error) {
	adapter, creq, err := c.buildConversationRequest(ctx, &req, false)
	if err != nil {
		return nil, err
	}

	resp, handle, err := c.dispatch(ctx, adapter, creq)
	if err != nil {
		c.recordFailure(ctx, &req, creq, err)
		return nil, err
	}

	c.persistSuccess(ctx, &req, creq, resp, handle)
	return resp, nil
}

// Aggregate sums the tenant's recorded usage. Cost reflects the pricing
// table in effect now, not at call time.
func (c *Client) Aggregate(ctx context.Context, tenantID string, f ledger.Filters) (*ledger.Summary, error) {
	return c.ledger.Aggregate(ctx, tenantID, f)
}

// History returns the conversation's current context window.
func (c *Client) History(ctx context.Context, tenantID, conversationID string) ([]types.ConversationTurn, error) {
	return c.window.Get(ctx, tenantID, conversationID)
}

// SendDirect serves a stateless chat call from caller-supplied messages.
// Nothing is written to the conversation store; usage is still recorded.
func (c *Client) SendDirect(ctx context.Context, req DirectRequest) (*types.CanonicalResponse, error) {
	if req.TenantID == "" {
		return nil, gwerrors.NewInvalidRequestError("tenant_id is required")
	}
	if len(req.Messages) == 0 {
		return nil, gwerrors.NewInvalidRequestError("messages is required")
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != types.RoleUser {
		return nil, gwerrors.NewInvalidRequestError("last message must have role user")
	}
	if err := c.allow(req.TenantID); err != nil {
		return nil, err
	}

	adapter, ok := c.adapters[req.Provider]
	if !ok {
		return nil, gwerrors.NewUnsupportedProviderError(req.Provider)
	}

	info, err := adapter.ResolveModel(req.Model, false)
	if err != nil {
		return nil, err
	}

	creq := &types.CanonicalRequest{
		TenantID:     req.TenantID,
		UserID:       req.UserID,
		SystemPrompt: req.SystemPrompt,
		History:      req.Messages[:len(req.Messages)-1],
		NewMessage:   last.Content,
		Provider:     req.Provider,
		Model:        info.Upstream,
		MaxTokens:    req.MaxTokens,
		Temperature:  req.Temperature,
	}

	resp, handle, err := c.dispatch(ctx, adapter, creq)
	if err != nil {
		c.recordOutcome(ctx, req.TenantID, req.UserID, req.Provider, info.ID, nil, err)
		return nil, err
	}

	c.pool.BindTenant(req.TenantID, handle)
	resp.Model = info.ID
	c.recordOutcome(ctx, req.TenantID, req.UserID, req.Provider, info.ID, resp, nil)
	return resp, nil
}

// ListModels returns the logical models of every registered provider.
func (c *Client) ListModels() map[string][]provider.ModelInfo {
	out := make(map[string][]provider.ModelInfo, len(c.adapters))
	for name, a := range c.adapters {
		out[name] = a.Models()
	}
	return out
}

// Close releases resources held by the client. The store is closed too when
// one was configured.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	err := c.store.Close()
	c.cfg.Logger.Info("gateway closed")
	return err
}

// buildConversationRequest assembles the canonical request for a stored
// conversation: context window, normalized attachments, resolved model.
func (c *Client) buildConversationRequest(ctx context.Context, req *MessageRequest, streaming bool) (provider.Adapter, *types.CanonicalRequest, error) {
	if req.TenantID == "" {
		return nil, nil, gwerrors.NewInvalidRequestError("tenant_id is required")
	}
	if req.ConversationID == "" {
		return nil, nil, gwerrors.NewInvalidRequestError("conversation_id is required")
	}
	if strings.TrimSpace(req.Content) == "" && len(req.Attachments) == 0 {
		return nil, nil, gwerrors.NewInvalidRequestError("content is required")
	}
	if err := c.allow(req.TenantID); err != nil {
		return nil, nil, err
	}

	adapter, ok := c.adapters[req.Provider]
	if !ok {
		return nil, nil, gwerrors.NewUnsupportedProviderError(req.Provider)
	}

	parts := c.normalizer.Normalize(ctx, req.Attachments, adapter.SupportsDocuments())
	if skipped := len(req.Attachments) - len(parts); skipped > 0 {
		metrics.AttachmentsSkippedTotal.WithLabelValues("normalize").Add(float64(skipped))
	}

	multimodal := false
	for _, p := range parts {
		if p.IsImage() || p.IsDocument() {
			multimodal = true
			break
		}
	}

	info, err := adapter.ResolveModel(req.Model, multimodal)
	if err != nil {
		return nil, nil, err
	}
	if info.ID != req.Model && info.Upstream != req.Model {
		c.cfg.Logger.Info("model substituted for multimodal request",
			"tenant", req.TenantID, "requested", req.Model, "using", info.ID)
	}

	history, err := c.window.Get(ctx, req.TenantID, req.ConversationID)
	if err != nil {
		return nil, nil, fmt.Errorf("read context window: %w", err)
	}

	return adapter, &types.CanonicalRequest{
		TenantID:       req.TenantID,
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		SystemPrompt:   c.cfg.SystemPrompt,
		History:        history,
		NewMessage:     req.Content,
		Attachments:    parts,
		Provider:       req.Provider,
		Model:          info.Upstream,
		Streaming:      streaming,
		MaxTokens:      req.MaxTokens,
		Temperature:    req.Temperature,
		EnableSearch:   req.EnableSearch,
	}, nil
}

// dispatch acquires a credential and executes the call. Exactly one
// rotation-and-retry is permitted, and only after a rate-limit signal; a
// second rate limit is terminal.
func (c *Client) dispatch(ctx context.Context, adapter provider.Adapter, creq *types.CanonicalRequest) (*types.CanonicalResponse, credpool.Handle, error) {
	handle, err := c.pool.Acquire(creq.TenantID, creq.Provider)
	if err != nil {
		if gwerrors.IsCredentialsExhausted(err) {
			metrics.CredentialsExhaustedTotal.WithLabelValues(creq.Provider).Inc()
		}
		return nil, credpool.Handle{}, err
	}

	resp, err := c.executeOnce(ctx, adapter, creq, handle)
	if err == nil {
		return resp, handle, nil
	}
	if !gwerrors.IsRateLimit(err) {
		return nil, handle, err
	}

	// Rate limited: rotate the credential and retry once.
	c.pool.ReportFailure(handle, err)
	metrics.CredentialRotationsTotal.WithLabelValues(creq.Provider).Inc()
	c.cfg.Logger.Warn("rate limited, rotating credential",
		"tenant", creq.TenantID, "provider", creq.Provider, "index", handle.Index)

	retryHandle, acqErr := c.pool.Acquire(creq.TenantID, creq.Provider)
	if acqErr != nil {
		if gwerrors.IsCredentialsExhausted(acqErr) {
			metrics.CredentialsExhaustedTotal.WithLabelValues(creq.Provider).Inc()
		}
		return nil, handle, acqErr
	}

	resp, err = c.executeOnce(ctx, adapter, creq, retryHandle)
	if err == nil {
		return resp, retryHandle, nil
	}
	if gwerrors.IsRateLimit(err) {
		// Second rate limit in a row: terminal, surfaced retryable-later.
		c.pool.ReportFailure(retryHandle, err)
	}
	return nil, retryHandle, err
}

// executeOnce performs a single upstream call under the configured deadline.
func (c *Client) executeOnce(ctx context.Context, adapter provider.Adapter, creq *types.CanonicalRequest, handle credpool.Handle) (*types.CanonicalResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	httpReq, err := adapter.BuildRequest(callCtx, creq, handle.Secret)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if isTimeoutErr(err) {
			return nil, gwerrors.NewTimeoutError(creq.Provider, creq.Model, "provider call timed out")
		}
		return nil, gwerrors.NewUpstreamError(creq.Provider, creq.Model, 0, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := httputil.ReadLimited(resp.Body, httputil.MaxErrorBodyBytes)
		return nil, adapter.MapError(resp.StatusCode, body)
	}

	out, err := adapter.ParseResponse(resp)
	if err != nil {
		return nil, gwerrors.NewUpstreamError(creq.Provider, creq.Model, 0,
			fmt.Sprintf("parse response: %v", err))
	}

	if !out.UsageReported {
		out.InputTokens = tokenizer.EstimatePrompt(creq)
		out.OutputTokens = tokenizer.EstimateText(out.Text)
	}
	out.CostEstimate = c.calc.Calculate(creq.Provider, logicalModel(adapter, creq.Model), out.InputTokens, out.OutputTokens)
	return out, nil
}

// persistSuccess appends the user and assistant turns, updates the tenant
// binding, and writes the success usage record.
func (c *Client) persistSuccess(ctx context.Context, req *MessageRequest, creq *types.CanonicalRequest, resp *types.CanonicalResponse, handle credpool.Handle) {
	c.pool.BindTenant(req.TenantID, handle)

	now := time.Now()
	userTurn := types.ConversationTurn{
		Role:        types.RoleUser,
		Content:     req.Content,
		Attachments: req.Attachments,
		Timestamp:   now,
	}
	assistantTurn := types.ConversationTurn{
		Role:      types.RoleAssistant,
		Content:   resp.Text,
		Timestamp: now,
	}
	if err := c.window.Append(ctx, req.TenantID, req.ConversationID, userTurn); err != nil {
		c.cfg.Logger.Error("persist user turn failed", "tenant", req.TenantID, "error", err)
	}
	if err := c.window.Append(ctx, req.TenantID, req.ConversationID, assistantTurn); err != nil {
		c.cfg.Logger.Error("persist assistant turn failed", "tenant", req.TenantID, "error", err)
	}

	model := logicalModel(c.adapters[req.Provider], creq.Model)
	resp.Model = model
	c.recordOutcome(ctx, req.TenantID, req.UserID, req.Provider, model, resp, nil)
}

// recordFailure writes the failed usage record and a system-authored error
// artifact so the failure stays visible in history without polluting the
// model context of future turns.
func (c *Client) recordFailure(ctx context.Context, req *MessageRequest, creq *types.CanonicalRequest, cause error) {
	model := req.Model
	if creq != nil {
		if a, ok := c.adapters[req.Provider]; ok {
			model = logicalModel(a, creq.Model)
		}
	}
	c.recordOutcome(ctx, req.TenantID, req.UserID, req.Provider, model, nil, cause)

	artifact := types.ConversationTurn{
		Role:          types.RoleSystem,
		Content:       "The AI request failed: " + userMessage(cause),
		ErrorArtifact: true,
		Timestamp:     time.Now(),
	}
	if err := c.window.Append(ctx, req.TenantID, req.ConversationID, artifact); err != nil {
		c.cfg.Logger.Error("persist error artifact failed", "tenant", req.TenantID, "error", err)
	}
}

// recordOutcome writes one usage record and bumps the metrics.
func (c *Client) recordOutcome(ctx context.Context, tenantID, userID, providerName, model string, resp *types.CanonicalResponse, cause error) {
	rec := types.UsageRecord{
		TenantID: tenantID,
		UserID:   userID,
		Provider: providerName,
		Model:    model,
		Status:   types.UsageStatusSuccess,
	}
	if cause != nil {
		rec.Status = types.UsageStatusFailed
	}
	if resp != nil {
		rec.InputTokens = resp.InputTokens
		rec.OutputTokens = resp.OutputTokens
		rec.CostEstimate = resp.CostEstimate
	}
	if err := c.ledger.Record(ctx, rec); err == nil {
		metrics.RequestsTotal.WithLabelValues(providerName, model, rec.Status).Inc()
		metrics.TokensTotal.WithLabelValues(providerName, model, "input").Add(float64(rec.InputTokens))
		metrics.TokensTotal.WithLabelValues(providerName, model, "output").Add(float64(rec.OutputTokens))
	}
}

// allow applies the optional per-tenant inbound limiter.
func (c *Client) allow(tenantID string) error {
	if !c.cfg.RateLimit.Enabled {
		return nil
	}

	c.limiterMu.Lock()
	lim, ok := c.limiters[tenantID]
	if !ok {
		burst := c.cfg.RateLimit.BurstSize
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(float64(c.cfg.RateLimit.RequestsPerMinute)/60.0), burst)
		c.limiters[tenantID] = lim
	}
	c.limiterMu.Unlock()

	if !lim.Allow() {
		return gwerrors.NewRateLimitError("", "", "tenant request rate exceeded, retry later")
	}
	return nil
}

// logicalModel maps an upstream model name back to the logical identifier
// callers and the pricing table use.
func logicalModel(a provider.Adapter, upstream string) string {
	if a == nil {
		return upstream
	}
	for _, m := range a.Models() {
		if m.Upstream == upstream || m.ID == upstream {
			return m.ID
		}
	}
	return upstream
}

// userMessage extracts the human-readable message from a gateway error.
func userMessage(err error) string {
	var ge *gwerrors.GatewayError
	if stderrors.As(err, &ge) {
		return ge.Message
	}
	return err.Error()
}

func isTimeoutErr(err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr interface{ Timeout() bool }
	return stderrors.As(err, &nerr) && nerr.Timeout()
}
