// Package api exposes the gateway over HTTP: chat (blocking and SSE),
// conversation history, usage aggregation, and model listing.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/workmesh/aigate"
	"github.com/workmesh/aigate/internal/httputil"
	"github.com/workmesh/aigate/internal/ledger"
	"github.com/workmesh/aigate/internal/streaming"
	gwerrors "github.com/workmesh/aigate/pkg/errors"
	"github.com/workmesh/aigate/pkg/types"
)

// maxRequestBodyBytes bounds inbound chat request bodies.
const maxRequestBodyBytes int64 = 1 << 20

// Handler serves the gateway HTTP API.
type Handler struct {
	client *aigate.Client
	logger *slog.Logger
}

// NewHandler creates an API handler around the gateway client.
func NewHandler(client *aigate.Client, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{client: client, logger: logger}
}

// Routes registers the handler's endpoints on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/chat", h.Chat)
	mux.HandleFunc("POST /v1/chat/direct", h.ChatDirect)
	mux.HandleFunc("GET /v1/conversations/{tenant}/{conversation}", h.History)
	mux.HandleFunc("GET /v1/usage/{tenant}", h.Usage)
	mux.HandleFunc("GET /v1/models", h.Models)
	mux.HandleFunc("GET /health/live", h.Health)
	mux.HandleFunc("GET /health/ready", h.Health)
}

// chatRequest is the inbound chat payload.
type chatRequest struct {
	TenantID       string             `json:"tenant_id"`
	UserID         string             `json:"user_id"`
	ConversationID string             `json:"conversation_id"`
	Content        string             `json:"content"`
	Attachments    []types.Attachment `json:"attachments,omitempty"`
	Provider       string             `json:"provider"`
	Model          string             `json:"model"`
	MaxTokens      int                `json:"max_tokens,omitempty"`
	Temperature    *float64           `json:"temperature,omitempty"`
	Stream         bool               `json:"stream,omitempty"`
	EnableSearch   bool               `json:"enable_search,omitempty"`
}

// Chat serves one stored-conversation turn, blocking or SSE.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := h.decode(w, r, &req); err != nil {
		return
	}

	msg := aigate.MessageRequest{
		TenantID:       req.TenantID,
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		Content:        req.Content,
		Attachments:    req.Attachments,
		Provider:       req.Provider,
		Model:          req.Model,
		MaxTokens:      req.MaxTokens,
		Temperature:    req.Temperature,
		EnableSearch:   req.EnableSearch,
	}

	if req.Stream {
		h.chatStream(w, r, msg)
		return
	}

	resp, err := h.client.SendMessage(r.Context(), msg)
	if err != nil {
		h.logger.Warn("chat failed",
			"tenant", req.TenantID, "provider", req.Provider, "error", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) chatStream(w http.ResponseWriter, r *http.Request, msg aigate.MessageRequest) {
	sr, err := h.client.SendMessageStream(r.Context(), msg)
	if err != nil {
		h.logger.Warn("stream open failed",
			"tenant", msg.TenantID, "provider", msg.Provider, "error", err)
		httputil.WriteError(w, err)
		return
	}
	defer sr.Close()

	if err := streaming.Forward(w, sr.Events(r.Context())); err != nil {
		h.logger.Warn("stream failed", "tenant", msg.TenantID, "error", err)
	}
}

// directRequest is the inbound stateless chat payload.
type directRequest struct {
	TenantID     string                   `json:"tenant_id"`
	UserID       string                   `json:"user_id"`
	Messages     []types.ConversationTurn `json:"messages"`
	SystemPrompt string                   `json:"system_prompt,omitempty"`
	Provider     string                   `json:"provider"`
	Model        string                   `json:"model"`
	MaxTokens    int                      `json:"max_tokens,omitempty"`
	Temperature  *float64                 `json:"temperature,omitempty"`
}

// ChatDirect serves a stateless chat call.
func (h *Handler) ChatDirect(w http.ResponseWriter, r *http.Request) {
	var req directRequest
	if err := h.decode(w, r, &req); err != nil {
		return
	}

	resp, err := h.client.SendDirect(r.Context(), aigate.DirectRequest{
		TenantID:     req.TenantID,
		UserID:       req.UserID,
		Messages:     req.Messages,
		SystemPrompt: req.SystemPrompt,
		Provider:     req.Provider,
		Model:        req.Model,
		MaxTokens:    req.MaxTokens,
		Temperature:  req.Temperature,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// History returns the conversation's current context window.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	conversation := r.PathValue("conversation")

	turns, err := h.client.History(r.Context(), tenant, conversation)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"tenant_id":       tenant,
		"conversation_id": conversation,
		"turns":           turns,
	})
}

// Usage aggregates the tenant's usage. Optional query parameters: user,
// provider, model, since, until (RFC 3339).
func (h *Handler) Usage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.Filters{
		UserID:   q.Get("user"),
		Provider: q.Get("provider"),
		Model:    q.Get("model"),
	}
	if v := q.Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httputil.WriteError(w, gwerrors.NewInvalidRequestError("invalid since timestamp"))
			return
		}
		f.Since = ts
	}
	if v := q.Get("until"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httputil.WriteError(w, gwerrors.NewInvalidRequestError("invalid until timestamp"))
			return
		}
		f.Until = ts
	}

	sum, err := h.client.Aggregate(r.Context(), r.PathValue("tenant"), f)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sum)
}

// Models lists every provider's logical models.
func (h *Handler) Models(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.client.ListModels())
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := httputil.ReadLimited(r.Body, maxRequestBodyBytes)
	if err != nil {
		httputil.WriteError(w, gwerrors.NewInvalidRequestError("request body too large"))
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		httputil.WriteError(w, gwerrors.NewInvalidRequestError("malformed JSON body"))
		return err
	}
	return nil
}
