package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workmesh/aigate"
	"github.com/workmesh/aigate/internal/store/inmem"
	"github.com/workmesh/aigate/pkg/provider"
	"github.com/workmesh/aigate/providers/openai"
)

func newTestHandler(t *testing.T, upstreamURL string) *Handler {
	t.Helper()
	adapter := openai.New(openai.WithBaseURL(upstreamURL))
	client, err := aigate.New(
		aigate.WithAdapterInstance("openai", adapter, []string{"key-0"}),
		aigate.WithStore(inmem.New()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return NewHandler(client, nil)
}

func newTestServer(t *testing.T, h *Handler) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	h.Routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func openAIUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"model": "gpt-4o-2024-08-06",
			"choices": [{"message": {"content": "Hello!"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 2, "total_tokens": 12}
		}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestChatEndpoint(t *testing.T) {
	h := newTestHandler(t, openAIUpstream(t).URL)
	srv := newTestServer(t, h)

	body := `{"tenant_id":"t1","conversation_id":"c1","content":"hi","provider":"openai","model":"gpt-4o"}`
	resp, err := http.Post(srv.URL+"/v1/chat", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Text  string `json:"text"`
		Model string `json:"model"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "Hello!", out.Text)
	assert.Equal(t, "gpt-4o", out.Model)
}

func TestChatEndpointMalformedBody(t *testing.T) {
	h := newTestHandler(t, openAIUpstream(t).URL)
	srv := newTestServer(t, h)

	resp, err := http.Post(srv.URL+"/v1/chat", "application/json", strings.NewReader("{nope"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChatEndpointUnknownProvider(t *testing.T) {
	h := newTestHandler(t, openAIUpstream(t).URL)
	srv := newTestServer(t, h)

	body := `{"tenant_id":"t1","conversation_id":"c1","content":"hi","provider":"nope","model":"x"}`
	resp, err := http.Post(srv.URL+"/v1/chat", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHistoryEndpoint(t *testing.T) {
	h := newTestHandler(t, openAIUpstream(t).URL)
	srv := newTestServer(t, h)

	body := `{"tenant_id":"t1","conversation_id":"c1","content":"hi","provider":"openai","model":"gpt-4o"}`
	resp, err := http.Post(srv.URL+"/v1/chat", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/v1/conversations/t1/c1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Turns []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"turns"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Turns, 2)
	assert.Equal(t, "hi", out.Turns[0].Content)
	assert.Equal(t, "Hello!", out.Turns[1].Content)
}

func TestUsageEndpoint(t *testing.T) {
	h := newTestHandler(t, openAIUpstream(t).URL)
	srv := newTestServer(t, h)

	body := `{"tenant_id":"t1","conversation_id":"c1","content":"hi","provider":"openai","model":"gpt-4o"}`
	resp, err := http.Post(srv.URL+"/v1/chat", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/v1/usage/t1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sum struct {
		TotalTokens int `json:"total_tokens"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sum))
	assert.Equal(t, 12, sum.TotalTokens)
}

func TestUsageEndpointBadTimestamp(t *testing.T) {
	h := newTestHandler(t, openAIUpstream(t).URL)
	srv := newTestServer(t, h)

	resp, err := http.Get(srv.URL + "/v1/usage/t1?since=yesterday")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestModelsEndpoint(t *testing.T) {
	h := newTestHandler(t, openAIUpstream(t).URL)
	srv := newTestServer(t, h)

	resp, err := http.Get(srv.URL + "/v1/models")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var models map[string][]provider.ModelInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&models))
	assert.NotEmpty(t, models["openai"])
}

func TestHealthEndpoint(t *testing.T) {
	h := newTestHandler(t, openAIUpstream(t).URL)
	srv := newTestServer(t, h)

	resp, err := http.Get(srv.URL + "/health/live")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestChatStreamEndpoint(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range []string{
			`{"choices":[{"delta":{"content":"Hel"}}]}`,
			`{"choices":[{"delta":{"content":"lo"}}]}`,
			`[DONE]`,
		} {
			w.Write([]byte("data: " + chunk + "\n\n"))
			flusher.Flush()
		}
	}))
	t.Cleanup(upstream.Close)

	h := newTestHandler(t, upstream.URL)
	srv := newTestServer(t, h)

	body := `{"tenant_id":"t1","conversation_id":"c1","content":"hi","provider":"openai","model":"gpt-4o","stream":true}`
	resp, err := http.Post(srv.URL+"/v1/chat", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	buf := new(strings.Builder)
	_, err = io.Copy(buf, resp.Body)
	require.NoError(t, err)
	out := buf.String()
	assert.Contains(t, out, `"delta":"Hel"`)
	assert.Contains(t, out, `"delta":"lo"`)
	assert.Contains(t, out, "data: [DONE]")
}
