// Package redis provides a Redis-backed Store implementation. Conversations
// and usage records are kept as lists, newest element first.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	goredis "github.com/redis/go-redis/v9"

	"github.com/workmesh/aigate/pkg/types"
)

// Config holds Redis connection settings.
type Config struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Namespace    string        `yaml:"namespace"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
	// MaxTurns caps each conversation list; older turns are trimmed away.
	// Zero keeps the full history.
	MaxTurns int `yaml:"max_turns"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		Namespace:    "aigate",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	}
}

// Store implements store.Store on Redis.
type Store struct {
	client    goredis.UniversalClient
	namespace string
	maxTurns  int
}

// New creates a Redis store and verifies connectivity.
func New(cfg Config) (*Store, error) {
	if cfg.Namespace == "" {
		cfg.Namespace = "aigate"
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &Store{client: client, namespace: cfg.Namespace, maxTurns: cfg.MaxTurns}, nil
}

// NewWithClient wraps an existing Redis client (used by tests).
func NewWithClient(client goredis.UniversalClient, namespace string, maxTurns int) *Store {
	if namespace == "" {
		namespace = "aigate"
	}
	return &Store{client: client, namespace: namespace, maxTurns: maxTurns}
}

func (s *Store) AppendTurn(ctx context.Context, tenantID, conversationID string, turn types.ConversationTurn) error {
	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}

	key := s.convKey(tenantID, conversationID)
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	if s.maxTurns > 0 {
		pipe.LTrim(ctx, key, 0, int64(s.maxTurns)-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

func (s *Store) RecentTurns(ctx context.Context, tenantID, conversationID string, limit int) ([]types.ConversationTurn, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raw, err := s.client.LRange(ctx, s.convKey(tenantID, conversationID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("read turns: %w", err)
	}

	turns := make([]types.ConversationTurn, 0, len(raw))
	for _, item := range raw {
		var turn types.ConversationTurn
		if err := json.Unmarshal([]byte(item), &turn); err != nil {
			continue // Skip corrupt entries rather than failing the read.
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

func (s *Store) AppendUsage(ctx context.Context, rec types.UsageRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal usage record: %w", err)
	}
	if err := s.client.LPush(ctx, s.usageKey(rec.TenantID), data).Err(); err != nil {
		return fmt.Errorf("append usage record: %w", err)
	}
	return nil
}

func (s *Store) UsageRecords(ctx context.Context, tenantID string, since, until time.Time) ([]types.UsageRecord, error) {
	raw, err := s.client.LRange(ctx, s.usageKey(tenantID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read usage records: %w", err)
	}

	var out []types.UsageRecord
	for _, item := range raw {
		var rec types.UsageRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			continue
		}
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

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) convKey(tenantID, conversationID string) string {
	return fmt.Sprintf("%s:conv:%s:%s", s.namespace, tenantID, conversationID)
}

func (s *Store) usageKey(tenantID string) string {
	return fmt.Sprintf("%s:usage:%s", s.namespace, tenantID)
}
