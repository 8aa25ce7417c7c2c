package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyStore records processed delivery and event IDs in Redis with a
// TTL. It implements kafka.IdempotencyStore and backs both webhook delivery
// dedup and the retry consumer.
type IdempotencyStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewIdempotencyStore creates a store whose keys are namespaced by prefix.
func NewIdempotencyStore(client *redis.Client, prefix string, ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

// Contains reports whether id has been recorded.
func (s *IdempotencyStore) Contains(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+id).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", id, err)
	}
	return n > 0, nil
}

// Add records id. Recording an id twice keeps the first TTL.
func (s *IdempotencyStore) Add(ctx context.Context, id string) error {
	if err := s.client.SetNX(ctx, s.prefix+id, time.Now().UTC().Format(time.RFC3339), s.ttl).Err(); err != nil {
		return fmt.Errorf("redis setnx %s: %w", id, err)
	}
	return nil
}
