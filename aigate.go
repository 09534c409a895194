// Package aigate is the platform's AI-orchestration gateway. It accepts a
// chat request, selects and manages upstream provider credentials, maintains
// the bounded conversation context window, normalizes multimodal attachments
// per provider, executes the call with rate-limit-aware failover, and records
// accountable usage.
//
// Basic usage:
//
//	gw, err := aigate.New(
//	    aigate.WithProvider(aigate.ProviderConfig{
//	        Name:    "openai",
//	        Type:    "openai",
//	        APIKeys: []string{os.Getenv("OPENAI_API_KEY")},
//	    }),
//	    aigate.WithStore(inmem.New()),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer gw.Close()
//
//	resp, err := gw.SendMessage(ctx, aigate.MessageRequest{
//	    TenantID:       "t1",
//	    UserID:         "u1",
//	    ConversationID: "c1",
//	    Content:        "Hello!",
//	    Provider:       "openai",
//	    Model:          "gpt-4o",
//	})
package aigate

import (
	"github.com/workmesh/aigate/pkg/errors"
	"github.com/workmesh/aigate/pkg/provider"
	"github.com/workmesh/aigate/pkg/types"
)

// Version is the current gateway version.
const Version = "1.0.0"

// Re-export core types for convenience, so callers can use
// aigate.CanonicalResponse instead of types.CanonicalResponse.
type (
	// CanonicalResponse is the unified result of a chat call.
	CanonicalResponse = types.CanonicalResponse

	// ConversationTurn is a single message in a conversation's history.
	ConversationTurn = types.ConversationTurn

	// Attachment references a file attached to a message.
	Attachment = types.Attachment

	// NormalizedPart is an attachment in provider-ready inline form.
	NormalizedPart = types.NormalizedPart

	// UsageRecord captures the accountable outcome of one upstream call.
	UsageRecord = types.UsageRecord

	// StreamEvent is one event of a streaming response.
	StreamEvent = types.StreamEvent

	// GatewayError is the unified error type for gateway operations.
	GatewayError = errors.GatewayError

	// Adapter is the provider adapter interface.
	Adapter = provider.Adapter

	// ModelInfo describes one logical model and its upstream mapping.
	ModelInfo = provider.ModelInfo
)

// Message roles.
const (
	RoleUser      = types.RoleUser
	RoleAssistant = types.RoleAssistant
	RoleSystem    = types.RoleSystem
)

// Re-exported error predicates.
var (
	// IsRateLimit reports whether err is a rate-limit/quota error.
	IsRateLimit = errors.IsRateLimit

	// IsCredentialsExhausted reports whether err signals an exhausted pool.
	IsCredentialsExhausted = errors.IsCredentialsExhausted

	// IsTimeout reports whether err is a timeout error.
	IsTimeout = errors.IsTimeout
)
