package aigate

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workmesh/aigate/internal/ledger"
	"github.com/workmesh/aigate/internal/store/inmem"
	gwerrors "github.com/workmesh/aigate/pkg/errors"
	"github.com/workmesh/aigate/pkg/pricing"
	"github.com/workmesh/aigate/pkg/provider"
	"github.com/workmesh/aigate/pkg/types"
)

// fakeAdapter talks a trivial JSON protocol to an httptest server so the
// orchestrator's dispatch, rotation, and persistence logic can be exercised
// without any real provider on the wire.
type fakeAdapter struct {
	baseURL string
	docs    bool
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) Models() []provider.ModelInfo {
	return []provider.ModelInfo{
		{ID: "fake-1", Upstream: "fake-1-latest", Vision: true, Documents: f.docs},
		{ID: "fake-lite", Upstream: "fake-lite-latest"},
	}
}

func (f *fakeAdapter) ResolveModel(logical string, multimodal bool) (provider.ModelInfo, error) {
	for _, m := range f.Models() {
		if m.ID == logical || m.Upstream == logical {
			if multimodal && !m.Vision {
				return f.Models()[0], nil
			}
			return m, nil
		}
	}
	return provider.ModelInfo{}, gwerrors.NewInvalidRequestError("unknown model " + logical)
}

func (f *fakeAdapter) SupportsDocuments() bool { return f.docs }

type fakeWireRequest struct {
	Model   string `json:"model"`
	System  string `json:"system,omitempty"`
	Message string `json:"message"`
	Turns   int    `json:"turns"`
	Stream  bool   `json:"stream,omitempty"`
}

type fakeWireResponse struct {
	Text         string `json:"text"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

func (f *fakeAdapter) BuildRequest(ctx context.Context, req *types.CanonicalRequest, secret string) (*http.Request, error) {
	body, err := json.Marshal(fakeWireRequest{
		Model:   req.Model,
		System:  req.SystemPrompt,
		Message: req.NewMessage,
		Turns:   len(req.History),
		Stream:  req.Streaming,
	})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("X-Secret", secret)
	return httpReq, nil
}

func (f *fakeAdapter) ParseResponse(resp *http.Response) (*types.CanonicalResponse, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var wire fakeWireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, err
	}
	return &types.CanonicalResponse{
		Text:          wire.Text,
		Provider:      "fake",
		InputTokens:   wire.InputTokens,
		OutputTokens:  wire.OutputTokens,
		UsageReported: wire.InputTokens > 0 || wire.OutputTokens > 0,
	}, nil
}

func (f *fakeAdapter) ParseStreamChunk(data []byte) (*types.StreamDelta, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	trimmed = bytes.TrimPrefix(trimmed, []byte("data: "))
	if bytes.Equal(trimmed, []byte("[DONE]")) {
		return &types.StreamDelta{Done: true}, nil
	}
	return &types.StreamDelta{Text: string(trimmed)}, nil
}

func (f *fakeAdapter) MapError(statusCode int, body []byte) error {
	switch statusCode {
	case http.StatusTooManyRequests:
		return gwerrors.NewRateLimitError("fake", "", string(body))
	default:
		return gwerrors.NewUpstreamError("fake", "", statusCode, string(body))
	}
}

func (f *fakeAdapter) Pricing() []pricing.ModelPricing {
	return []pricing.ModelPricing{
		{Provider: "fake", Model: "fake-1", InputCostPer1K: 0.001, OutputCostPer1K: 0.002},
		{Provider: "fake", Model: "fake-lite", InputCostPer1K: 0.0001, OutputCostPer1K: 0.0002},
	}
}

// upstream records each call's secret and serves scripted responses.
type upstream struct {
	mu        sync.Mutex
	secrets   []string
	responses []func(w http.ResponseWriter)
	srv       *httptest.Server
}

func newUpstream(t *testing.T, responses ...func(w http.ResponseWriter)) *upstream {
	t.Helper()
	u := &upstream{responses: responses}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		u.secrets = append(u.secrets, r.Header.Get("X-Secret"))
		n := len(u.secrets) - 1
		u.mu.Unlock()

		if n < len(u.responses) {
			u.responses[n](w)
			return
		}
		u.responses[len(u.responses)-1](w)
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstream) calls() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.secrets...)
}

func respondOK(text string, in, out int) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		json.NewEncoder(w).Encode(fakeWireResponse{Text: text, InputTokens: in, OutputTokens: out})
	}
}

func respondStatus(code int, msg string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.WriteHeader(code)
		io.WriteString(w, msg)
	}
}

func newTestClient(t *testing.T, u *upstream, keys []string, opts ...Option) (*Client, *inmem.Store) {
	t.Helper()
	st := inmem.New()
	opts = append([]Option{
		WithAdapterInstance("fake", &fakeAdapter{baseURL: u.srv.URL}, keys),
		WithStore(st),
	}, opts...)
	c, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, st
}

func TestSendMessageSuccess(t *testing.T) {
	u := newUpstream(t, respondOK("Hi there!", 100, 20))
	c, st := newTestClient(t, u, []string{"key-0", "key-1"})
	ctx := context.Background()

	resp, err := c.SendMessage(ctx, MessageRequest{
		TenantID: "t1", UserID: "u1", ConversationID: "c1",
		Content: "hello", Provider: "fake", Model: "fake-1",
	})
	require.NoError(t, err)

	assert.Equal(t, "Hi there!", resp.Text)
	assert.Equal(t, "fake-1", resp.Model)
	assert.Equal(t, 100, resp.InputTokens)
	assert.Equal(t, 20, resp.OutputTokens)
	assert.InDelta(t, 0.1*0.001+0.02*0.002, resp.CostEstimate, 1e-9)

	// Both turns persisted in order.
	history, err := c.History(ctx, "t1", "c1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, types.RoleUser, history[0].Role)
	assert.Equal(t, "hello", history[0].Content)
	assert.Equal(t, types.RoleAssistant, history[1].Role)
	assert.Equal(t, "Hi there!", history[1].Content)

	// A success usage record was written.
	recs, err := st.UsageRecords(ctx, "t1", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, types.UsageStatusSuccess, recs[0].Status)
	assert.Equal(t, 120, recs[0].TotalTokens())
}

func TestSendMessageCarriesContextWindow(t *testing.T) {
	u := newUpstream(t, respondOK("a", 1, 1))
	c, _ := newTestClient(t, u, []string{"key-0"})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.SendMessage(ctx, MessageRequest{
			TenantID: "t1", ConversationID: "c1",
			Content: "msg", Provider: "fake", Model: "fake-1",
		})
		require.NoError(t, err)
	}

	history, err := c.History(ctx, "t1", "c1")
	require.NoError(t, err)
	assert.Len(t, history, 6)
}

func TestSendMessageRotatesOnceOnRateLimit(t *testing.T) {
	u := newUpstream(t,
		respondStatus(429, "rate limited"),
		respondOK("recovered", 10, 5),
	)
	c, st := newTestClient(t, u, []string{"key-0", "key-1"})
	ctx := context.Background()

	resp, err := c.SendMessage(ctx, MessageRequest{
		TenantID: "t1", ConversationID: "c1",
		Content: "hello", Provider: "fake", Model: "fake-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Text)

	// Two upstream calls on two distinct credentials.
	calls := u.calls()
	require.Len(t, calls, 2)
	assert.NotEqual(t, calls[0], calls[1])

	recs, err := st.UsageRecords(ctx, "t1", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, types.UsageStatusSuccess, recs[0].Status)
}

func TestSendMessageSecondRateLimitIsTerminal(t *testing.T) {
	u := newUpstream(t, respondStatus(429, "rate limited"))
	c, st := newTestClient(t, u, []string{"key-0", "key-1", "key-2"})
	ctx := context.Background()

	_, err := c.SendMessage(ctx, MessageRequest{
		TenantID: "t1", ConversationID: "c1",
		Content: "hello", Provider: "fake", Model: "fake-1",
	})
	require.Error(t, err)
	assert.True(t, gwerrors.IsRateLimit(err))

	// Exactly two attempts despite a third credential being available.
	assert.Len(t, u.calls(), 2)

	// Failure recorded; error artifact stored but kept out of the window.
	recs, err := st.UsageRecords(ctx, "t1", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, types.UsageStatusFailed, recs[0].Status)

	raw, err := st.RecentTurns(ctx, "t1", "c1", 10)
	require.NoError(t, err)
	require.Len(t, raw, 1)
	assert.True(t, raw[0].ErrorArtifact)

	history, err := c.History(ctx, "t1", "c1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestSendMessageCredentialsExhausted(t *testing.T) {
	u := newUpstream(t, respondStatus(429, "rate limited"))
	c, _ := newTestClient(t, u, []string{"key-0"})
	ctx := context.Background()

	_, err := c.SendMessage(ctx, MessageRequest{
		TenantID: "t1", ConversationID: "c1",
		Content: "hello", Provider: "fake", Model: "fake-1",
	})
	require.Error(t, err)
	assert.True(t, gwerrors.IsCredentialsExhausted(err))
	assert.Len(t, u.calls(), 1)
}

func TestSendMessageUpstreamErrorNotRetried(t *testing.T) {
	u := newUpstream(t, respondStatus(500, "boom"))
	c, st := newTestClient(t, u, []string{"key-0", "key-1"})
	ctx := context.Background()

	_, err := c.SendMessage(ctx, MessageRequest{
		TenantID: "t1", ConversationID: "c1",
		Content: "hello", Provider: "fake", Model: "fake-1",
	})
	require.Error(t, err)
	assert.Len(t, u.calls(), 1)

	recs, err := st.UsageRecords(ctx, "t1", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, types.UsageStatusFailed, recs[0].Status)
}

func TestSendMessageStickyCredential(t *testing.T) {
	u := newUpstream(t, respondOK("ok", 1, 1))
	c, _ := newTestClient(t, u, []string{"key-0", "key-1", "key-2"})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.SendMessage(ctx, MessageRequest{
			TenantID: "t1", ConversationID: "c1",
			Content: "hello", Provider: "fake", Model: "fake-1",
		})
		require.NoError(t, err)
	}

	calls := u.calls()
	require.Len(t, calls, 3)
	assert.Equal(t, calls[0], calls[1])
	assert.Equal(t, calls[1], calls[2])
}

func TestSendMessageEstimatesUsageWhenNotReported(t *testing.T) {
	u := newUpstream(t, respondOK("some answer text here", 0, 0))
	c, st := newTestClient(t, u, []string{"key-0"})
	ctx := context.Background()

	resp, err := c.SendMessage(ctx, MessageRequest{
		TenantID: "t1", ConversationID: "c1",
		Content: "a reasonably sized question", Provider: "fake", Model: "fake-1",
	})
	require.NoError(t, err)
	assert.Positive(t, resp.InputTokens)
	assert.Positive(t, resp.OutputTokens)

	recs, err := st.UsageRecords(ctx, "t1", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Positive(t, recs[0].InputTokens)
}

func TestSendMessageValidation(t *testing.T) {
	u := newUpstream(t, respondOK("ok", 1, 1))
	c, _ := newTestClient(t, u, []string{"key-0"})
	ctx := context.Background()

	_, err := c.SendMessage(ctx, MessageRequest{
		ConversationID: "c1", Content: "x", Provider: "fake", Model: "fake-1",
	})
	require.Error(t, err)

	_, err = c.SendMessage(ctx, MessageRequest{
		TenantID: "t1", Content: "x", Provider: "fake", Model: "fake-1",
	})
	require.Error(t, err)

	_, err = c.SendMessage(ctx, MessageRequest{
		TenantID: "t1", ConversationID: "c1", Content: "x",
		Provider: "unknown", Model: "fake-1",
	})
	require.Error(t, err)
	var ge *gwerrors.GatewayError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, gwerrors.TypeUnsupportedProvider, ge.Type)

	assert.Empty(t, u.calls())
}

func TestSendDirectStateless(t *testing.T) {
	u := newUpstream(t, respondOK("direct answer", 10, 5))
	c, st := newTestClient(t, u, []string{"key-0"})
	ctx := context.Background()

	resp, err := c.SendDirect(ctx, DirectRequest{
		TenantID: "t1", UserID: "u1",
		Messages: []types.ConversationTurn{
			{Role: types.RoleUser, Content: "one-shot question"},
		},
		SystemPrompt: "be brief",
		Provider:     "fake", Model: "fake-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "direct answer", resp.Text)

	// Usage recorded, but no conversation turns written anywhere.
	recs, err := st.UsageRecords(ctx, "t1", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestSendDirectLastMessageMustBeUser(t *testing.T) {
	u := newUpstream(t, respondOK("x", 1, 1))
	c, _ := newTestClient(t, u, []string{"key-0"})

	_, err := c.SendDirect(context.Background(), DirectRequest{
		TenantID: "t1",
		Messages: []types.ConversationTurn{
			{Role: types.RoleAssistant, Content: "hi"},
		},
		Provider: "fake", Model: "fake-1",
	})
	require.Error(t, err)
}

func TestAggregateUsesReadTimePricing(t *testing.T) {
	u := newUpstream(t, respondOK("ok", 1000, 1000))
	c, _ := newTestClient(t, u, []string{"key-0"}, WithPricingOverlay([]pricing.ModelPricing{
		{Provider: "fake", Model: "fake-1", InputCostPer1K: 0.01, OutputCostPer1K: 0.01},
	}))
	ctx := context.Background()

	_, err := c.SendMessage(ctx, MessageRequest{
		TenantID: "t1", ConversationID: "c1",
		Content: "hello", Provider: "fake", Model: "fake-1",
	})
	require.NoError(t, err)

	sum, err := c.Aggregate(ctx, "t1", ledger.Filters{})
	require.NoError(t, err)
	assert.Equal(t, 2000, sum.TotalTokens)
	// Overlay price, not the adapter default.
	assert.InDelta(t, 0.02, sum.TotalCost, 1e-9)
}

func TestPerTenantRateLimit(t *testing.T) {
	u := newUpstream(t, respondOK("ok", 1, 1))
	c, _ := newTestClient(t, u, []string{"key-0"}, WithRateLimit(RateLimitConfig{
		Enabled: true, RequestsPerMinute: 1, BurstSize: 1,
	}))
	ctx := context.Background()

	_, err := c.SendMessage(ctx, MessageRequest{
		TenantID: "t1", ConversationID: "c1",
		Content: "hello", Provider: "fake", Model: "fake-1",
	})
	require.NoError(t, err)

	_, err = c.SendMessage(ctx, MessageRequest{
		TenantID: "t1", ConversationID: "c1",
		Content: "hello again", Provider: "fake", Model: "fake-1",
	})
	require.Error(t, err)
	assert.True(t, gwerrors.IsRateLimit(err))

	// A different tenant has its own bucket.
	_, err = c.SendMessage(ctx, MessageRequest{
		TenantID: "t2", ConversationID: "c1",
		Content: "hello", Provider: "fake", Model: "fake-1",
	})
	require.NoError(t, err)
}

func TestListModels(t *testing.T) {
	u := newUpstream(t, respondOK("ok", 1, 1))
	c, _ := newTestClient(t, u, []string{"key-0"})

	models := c.ListModels()
	require.Contains(t, models, "fake")
	assert.Len(t, models["fake"], 2)
}

func TestNewRequiresProvider(t *testing.T) {
	_, err := New(WithStore(inmem.New()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider")
}

func TestSystemPromptForwarded(t *testing.T) {
	var got fakeWireRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		json.NewEncoder(w).Encode(fakeWireResponse{Text: "ok", InputTokens: 1, OutputTokens: 1})
	}))
	t.Cleanup(srv.Close)

	c, err := New(
		WithAdapterInstance("fake", &fakeAdapter{baseURL: srv.URL}, []string{"key-0"}),
		WithStore(inmem.New()),
		WithSystemPrompt("You are the workmesh assistant."),
	)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	_, err = c.SendMessage(context.Background(), MessageRequest{
		TenantID: "t1", ConversationID: "c1",
		Content: "hello", Provider: "fake", Model: "fake-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "You are the workmesh assistant.", got.System)
	assert.Equal(t, "fake-1-latest", got.Model)
}
