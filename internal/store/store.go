// Package store defines the persistent collaborator contract used by the
// context window and the usage ledger: an append-only document store keyed by
// tenant/conversation/time.
package store

import (
	"context"
	"time"

	"github.com/workmesh/aigate/pkg/types"
)

// Store is the persistence boundary. Implementations must be safe for
// concurrent use.
type Store interface {
	// AppendTurn persists one conversation turn. Turns are append-only.
	AppendTurn(ctx context.Context, tenantID, conversationID string, turn types.ConversationTurn) error

	// RecentTurns returns up to limit turns for the conversation, newest
	// first. Error-artifact turns are included; filtering is the caller's
	// concern.
	RecentTurns(ctx context.Context, tenantID, conversationID string, limit int) ([]types.ConversationTurn, error)

	// AppendUsage persists one usage record. Records are never mutated.
	AppendUsage(ctx context.Context, rec types.UsageRecord) error

	// UsageRecords returns the tenant's usage records within [since, until).
	// Zero times mean unbounded.
	UsageRecords(ctx context.Context, tenantID string, since, until time.Time) ([]types.UsageRecord, error)

	// Close releases any underlying connections.
	Close() error
}
