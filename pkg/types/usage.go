package types

import "time"

// Usage outcome statuses.
const (
	UsageStatusSuccess = "success"
	UsageStatusFailed  = "failed"
)

// UsageRecord captures the accountable outcome of one upstream call.
// Records are append-only and never mutated after being written.
type UsageRecord struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	UserID       string    `json:"user_id,omitempty"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	// CostEstimate is the cost computed at call time. Aggregation recomputes
	// cost from the pricing table in effect at read time; this field is kept
	// for per-call visibility only.
	CostEstimate float64   `json:"cost_estimate"`
	Status       string    `json:"status"`
	Timestamp    time.Time `json:"timestamp"`
}

// TotalTokens returns the combined input and output token count.
func (r UsageRecord) TotalTokens() int { return r.InputTokens + r.OutputTokens }
