package anthropic

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwerrors "github.com/workmesh/aigate/pkg/errors"
	"github.com/workmesh/aigate/pkg/types"
)

func buildAndDecode(t *testing.T, req *types.CanonicalRequest) (*http.Request, messagesRequest) {
	t.Helper()
	a := New()
	httpReq, err := a.BuildRequest(context.Background(), req, "sk-ant-test")
	require.NoError(t, err)

	body, err := io.ReadAll(httpReq.Body)
	require.NoError(t, err)
	var wire messagesRequest
	require.NoError(t, json.Unmarshal(body, &wire))
	return httpReq, wire
}

func TestBuildRequestSystemPromptIsTopLevelField(t *testing.T) {
	_, wire := buildAndDecode(t, &types.CanonicalRequest{
		SystemPrompt: "You are helpful.",
		History: []types.ConversationTurn{
			{Role: types.RoleUser, Content: "hi"},
			{Role: types.RoleAssistant, Content: "hello"},
		},
		NewMessage: "how are you?",
		Model:      "claude-3-5-sonnet-20241022",
	})

	assert.Equal(t, "You are helpful.", wire.System)
	// Never injected into the message list.
	require.Len(t, wire.Messages, 3)
	for _, msg := range wire.Messages {
		assert.NotEqual(t, types.RoleSystem, msg.Role)
	}
}

func TestBuildRequestHeaders(t *testing.T) {
	httpReq, _ := buildAndDecode(t, &types.CanonicalRequest{
		NewMessage: "hi", Model: "claude-3-5-sonnet-20241022",
	})
	assert.Equal(t, "sk-ant-test", httpReq.Header.Get("x-api-key"))
	assert.Equal(t, DefaultAPIVersion, httpReq.Header.Get("anthropic-version"))
	assert.Empty(t, httpReq.Header.Get("Authorization"))
	assert.True(t, strings.HasSuffix(httpReq.URL.Path, "/v1/messages"))
}

func TestBuildRequestMaxTokensAlwaysPresent(t *testing.T) {
	_, wire := buildAndDecode(t, &types.CanonicalRequest{
		NewMessage: "hi", Model: "claude-3-5-sonnet-20241022",
	})
	assert.Equal(t, DefaultMaxTokens, wire.MaxTokens)

	_, wire = buildAndDecode(t, &types.CanonicalRequest{
		NewMessage: "hi", Model: "claude-3-5-sonnet-20241022", MaxTokens: 100,
	})
	assert.Equal(t, 100, wire.MaxTokens)
}

func TestBuildRequestImageAndDocumentBlocks(t *testing.T) {
	_, wire := buildAndDecode(t, &types.CanonicalRequest{
		NewMessage: "summarize these",
		Model:      "claude-3-5-sonnet-20241022",
		Attachments: []types.NormalizedPart{
			{Kind: types.PartInlineImage, MimeType: "image/jpeg", Data: "aW1n"},
			{Kind: types.PartInlineDocument, MimeType: "application/pdf", Data: "cGRm"},
		},
	})

	require.Len(t, wire.Messages, 1)
	blocks, ok := wire.Messages[0].Content.([]any)
	require.True(t, ok)
	require.Len(t, blocks, 3)

	img := blocks[1].(map[string]any)
	assert.Equal(t, "image", img["type"])
	assert.Equal(t, "base64", img["source"].(map[string]any)["type"])
	assert.Equal(t, "image/jpeg", img["source"].(map[string]any)["media_type"])

	doc := blocks[2].(map[string]any)
	assert.Equal(t, "document", doc["type"])
	assert.Equal(t, "application/pdf", doc["source"].(map[string]any)["media_type"])
}

func TestResolveModelVisionSubstitution(t *testing.T) {
	a := New()

	// Haiku has neither vision nor documents in the default table; a
	// multimodal request slides to a vision-capable sibling.
	info, err := a.ResolveModel("claude-3-5-haiku", true)
	require.NoError(t, err)
	assert.True(t, info.Vision)
	assert.NotEqual(t, "claude-3-5-haiku", info.ID)

	info, err = a.ResolveModel("claude-3-5-haiku", false)
	require.NoError(t, err)
	assert.Equal(t, "claude-3-5-haiku", info.ID)
}

func TestParseResponse(t *testing.T) {
	body := `{
		"id": "msg_1",
		"model": "claude-3-5-sonnet-20241022",
		"content": [{"type": "text", "text": "Hello "},{"type": "text", "text": "there"}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 20, "output_tokens": 5}
	}`
	a := New()
	resp, err := a.ParseResponse(&http.Response{Body: io.NopCloser(strings.NewReader(body))})
	require.NoError(t, err)

	assert.Equal(t, "Hello there", resp.Text)
	assert.Equal(t, 20, resp.InputTokens)
	assert.Equal(t, 5, resp.OutputTokens)
	assert.True(t, resp.UsageReported)
}

func TestParseStreamChunk(t *testing.T) {
	a := New()

	delta, err := a.ParseStreamChunk([]byte(`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"Hi"}}`))
	require.NoError(t, err)
	require.NotNil(t, delta)
	assert.Equal(t, "Hi", delta.Text)

	delta, err = a.ParseStreamChunk([]byte(`data: {"type":"message_delta","usage":{"input_tokens":15,"output_tokens":6}}`))
	require.NoError(t, err)
	require.NotNil(t, delta)
	assert.Equal(t, 15, delta.InputTokens)
	assert.Equal(t, 6, delta.OutputTokens)

	delta, err = a.ParseStreamChunk([]byte(`data: {"type":"message_stop"}`))
	require.NoError(t, err)
	require.NotNil(t, delta)
	assert.True(t, delta.Done)

	delta, err = a.ParseStreamChunk([]byte(`event: content_block_delta`))
	require.NoError(t, err)
	assert.Nil(t, delta)

	delta, err = a.ParseStreamChunk([]byte(`data: {"type":"ping"}`))
	require.NoError(t, err)
	assert.Nil(t, delta)
}

func TestMapError(t *testing.T) {
	a := New()

	// Classified by status code.
	err := a.MapError(429, []byte(`{"error":{"type":"rate_limit_error","message":"slow down"}}`))
	assert.True(t, gwerrors.IsRateLimit(err))

	// Classified by wire error type even without a 429.
	err = a.MapError(400, []byte(`{"error":{"type":"rate_limit_error","message":"quota"}}`))
	assert.True(t, gwerrors.IsRateLimit(err))

	err = a.MapError(529, []byte(`{"error":{"type":"overloaded_error","message":"overloaded"}}`))
	var ge *gwerrors.GatewayError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, gwerrors.TypeUpstream, ge.Type)
}

func TestSupportsDocuments(t *testing.T) {
	assert.True(t, New().SupportsDocuments())
}
