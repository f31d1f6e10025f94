package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

const counterKeyPrefix = "hunts:"

// RedisStore keeps counters in Redis so they survive restarts and are shared
// across replicas. Keys are scoped by notebook id, not session token.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func totalKey(notebookID string) string { return counterKeyPrefix + notebookID + ":total" }
func turnKey(notebookID string) string  { return counterKeyPrefix + notebookID + ":turn" }

// Counters reads both counters; missing keys read as zero.
func (s *RedisStore) Counters(ctx context.Context, notebookID string) (Counters, error) {
	vals, err := s.client.MGet(ctx, totalKey(notebookID), turnKey(notebookID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Counters{}, fmt.Errorf("read counters: %w", err)
	}
	var c Counters
	if len(vals) == 2 {
		c.Total = parseCounter(vals[0])
		c.Turn = parseCounter(vals[1])
	}
	return c, nil
}

// Add increments both counters atomically within a pipeline.
func (s *RedisStore) Add(ctx context.Context, notebookID string, n int) (Counters, error) {
	pipe := s.client.TxPipeline()
	total := pipe.IncrBy(ctx, totalKey(notebookID), int64(n))
	turn := pipe.IncrBy(ctx, turnKey(notebookID), int64(n))
	if _, err := pipe.Exec(ctx); err != nil {
		return Counters{}, fmt.Errorf("increment counters: %w", err)
	}
	return Counters{Total: int(total.Val()), Turn: int(turn.Val())}, nil
}

// ResetTurn zeroes the per-turn counter.
func (s *RedisStore) ResetTurn(ctx context.Context, notebookID string) error {
	if err := s.client.Set(ctx, turnKey(notebookID), 0, 0).Err(); err != nil {
		return fmt.Errorf("reset turn counter: %w", err)
	}
	return nil
}

func parseCounter(v interface{}) int {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	var n int
	fmt.Sscanf(s, "%d", &n)
	return n
}

// InMemoryStore is a process-local store used in tests and single-node runs.
type InMemoryStore struct {
	mu       sync.Mutex
	counters map[string]Counters
}

// NewInMemoryStore builds an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{counters: make(map[string]Counters)}
}

func (s *InMemoryStore) Counters(ctx context.Context, notebookID string) (Counters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[notebookID], nil
}

func (s *InMemoryStore) Add(ctx context.Context, notebookID string, n int) (Counters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.counters[notebookID]
	c.Total += n
	c.Turn += n
	s.counters[notebookID] = c
	return c, nil
}

func (s *InMemoryStore) ResetTurn(ctx context.Context, notebookID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.counters[notebookID]
	c.Turn = 0
	s.counters[notebookID] = c
	return nil
}

var (
	_ Store = (*RedisStore)(nil)
	_ Store = (*InMemoryStore)(nil)
)
