// Package inmem provides a thread-safe in-memory Store implementation for
// tests and embedded use.
package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/workmesh/aigate/pkg/types"
)

// Store keeps turns and usage records in process memory.
type Store struct {
	mu    sync.RWMutex
	turns map[string][]types.ConversationTurn // key: tenant\x00conversation
	usage map[string][]types.UsageRecord      // key: tenant
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		turns: make(map[string][]types.ConversationTurn),
		usage: make(map[string][]types.UsageRecord),
	}
}

func (s *Store) AppendTurn(_ context.Context, tenantID, conversationID string, turn types.ConversationTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tenantID + "\x00" + conversationID
	s.turns[key] = append(s.turns[key], turn)
	return nil
}

func (s *Store) RecentTurns(_ context.Context, tenantID, conversationID string, limit int) ([]types.ConversationTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.turns[tenantID+"\x00"+conversationID]

	// Newest first.
	n := len(all)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]types.ConversationTurn, 0, n)
	for i := len(all) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (s *Store) AppendUsage(_ context.Context, rec types.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[rec.TenantID] = append(s.usage[rec.TenantID], rec)
	return nil
}

func (s *Store) UsageRecords(_ context.Context, tenantID string, since, until time.Time) ([]types.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.UsageRecord
	for _, rec := range s.usage[tenantID] {
		if !since.IsZero() && rec.Timestamp.Before(since) {
			continue
		}
		if !until.IsZero() && !rec.Timestamp.Before(until) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) Close() error { return nil }
