// Package types defines the canonical, provider-agnostic data structures for
// chat calls. Every provider adapter translates to and from these shapes.
package types

import "time"

// Message roles used in conversation turns.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ConversationTurn is a single message in a conversation's history.
// Turns are ordered and append-only per conversation key.
type ConversationTurn struct {
	Role        string       `json:"role"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	// ErrorArtifact marks a system-authored error message. Such turns are
	// persisted so failures stay auditable in history, but they are never
	// included in the context window sent to a model.
	ErrorArtifact bool      `json:"error_artifact,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// CanonicalRequest is the unified input for a single chat turn.
// The system prompt is always carried separately; each adapter is responsible
// for placing it where its provider family expects it.
type CanonicalRequest struct {
	TenantID       string
	UserID         string
	ConversationID string
	SystemPrompt   string
	History        []ConversationTurn
	NewMessage     string
	Attachments    []NormalizedPart
	Provider       string
	Model          string
	Streaming      bool
	MaxTokens      int
	Temperature    *float64
	// EnableSearch requests provider-side web search grounding where the
	// family supports it; adapters without search ignore it.
	EnableSearch bool
}

// CanonicalResponse is the unified result of a chat call.
type CanonicalResponse struct {
	Text         string  `json:"text"`
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostEstimate float64 `json:"cost_estimate"`
	// UsageReported is true when token counts came from the provider's own
	// usage block rather than the local estimator.
	UsageReported bool `json:"-"`
}
