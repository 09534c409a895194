// Package convo maintains the bounded per-conversation context window: an
// in-process cache in front of the persistent store, evicting oldest turns
// first once the window is full.
package convo

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"

	gocache "github.com/patrickmn/go-cache"

	"github.com/workmesh/aigate/internal/store"
	"github.com/workmesh/aigate/pkg/types"
)

// DefaultMaxTurns is the context window bound. The window is a FIFO, not an
// LRU: conversation recency is the relevance signal, not access recency.
const DefaultMaxTurns = 12

// stripes is the number of per-key append locks. Unrelated conversations
// never contend on the same lock.
const stripes = 64

// Window is the two-tier context window store. Reads hit the in-process
// cache first and fall back to the persistent store, which stays the source
// of truth.
type Window struct {
	cache    *gocache.Cache
	store    store.Store
	maxTurns int
	locks    [stripes]sync.Mutex
	logger   *slog.Logger
}

// Option configures a Window.
type Option func(*Window)

// WithMaxTurns overrides the window bound.
func WithMaxTurns(n int) Option {
	return func(w *Window) {
		if n > 0 {
			w.maxTurns = n
		}
	}
}

// WithLogger sets the window logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Window) {
		if l != nil {
			w.logger = l
		}
	}
}

// New creates a Window backed by the given persistent store.
func New(st store.Store, opts ...Option) *Window {
	w := &Window{
		// No wall-clock expiry: the persistent store is always the fallback
		// source of truth, so entries only leave via process restart.
		cache:    gocache.New(gocache.NoExpiration, 0),
		store:    st,
		maxTurns: DefaultMaxTurns,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// MaxTurns returns the configured window bound.
func (w *Window) MaxTurns() int { return w.maxTurns }

// Get returns the conversation's context window in chronological order.
// On a cache miss it seeds the cache from the persistent store, dropping
// error-artifact turns along the way.
func (w *Window) Get(ctx context.Context, tenantID, conversationID string) ([]types.ConversationTurn, error) {
	key := cacheKey(tenantID, conversationID)

	lock := w.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	if cached, ok := w.cache.Get(key); ok {
		return copyTurns(cached.([]types.ConversationTurn)), nil
	}

	// Fetch extra turns so error artifacts don't shrink the usable window.
	recent, err := w.store.RecentTurns(ctx, tenantID, conversationID, w.maxTurns*2)
	if err != nil {
		return nil, err
	}

	// recent is newest first; keep the newest maxTurns usable turns and
	// reverse into chronological order.
	turns := make([]types.ConversationTurn, 0, w.maxTurns)
	for _, turn := range recent {
		if turn.ErrorArtifact {
			continue
		}
		turns = append(turns, turn)
		if len(turns) == w.maxTurns {
			break
		}
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}

	w.cache.Set(key, turns, gocache.NoExpiration)
	w.logger.Debug("context window seeded from store",
		"tenant", tenantID, "conversation", conversationID, "turns", len(turns))
	return copyTurns(turns), nil
}

// Append persists the turn and, unless it is an error artifact, pushes it
// onto the cached window, evicting from the front once the bound is hit.
func (w *Window) Append(ctx context.Context, tenantID, conversationID string, turn types.ConversationTurn) error {
	if err := w.store.AppendTurn(ctx, tenantID, conversationID, turn); err != nil {
		return err
	}
	if turn.ErrorArtifact {
		// Visible in history, excluded from future context windows.
		return nil
	}

	key := cacheKey(tenantID, conversationID)
	lock := w.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	var turns []types.ConversationTurn
	if cached, ok := w.cache.Get(key); ok {
		turns = cached.([]types.ConversationTurn)
	}
	turns = append(copyTurns(turns), turn)
	if len(turns) > w.maxTurns {
		turns = turns[len(turns)-w.maxTurns:]
	}
	w.cache.Set(key, turns, gocache.NoExpiration)
	return nil
}

func (w *Window) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &w.locks[h.Sum32()%stripes]
}

func cacheKey(tenantID, conversationID string) string {
	return tenantID + "\x00" + conversationID
}

func copyTurns(turns []types.ConversationTurn) []types.ConversationTurn {
	out := make([]types.ConversationTurn, len(turns))
	copy(out, turns)
	return out
}
