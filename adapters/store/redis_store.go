package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/layer-3/credkeeper/ports"
	"github.com/redis/go-redis/v9"
)

// RedisStore is a Redis implementation of the SecureStorage interface.
// Values are sealed with AES-256-GCM before they leave the process.
type RedisStore struct {
	client *redis.Client
	sealer *Sealer
	prefix string
}

// NewRedisStore creates a new Redis store
func NewRedisStore(client *redis.Client, sealer *Sealer) *RedisStore {
	return &RedisStore{
		client: client,
		sealer: sealer,
		prefix: "credkeeper:secure:",
	}
}

var _ ports.SecureStorage = (*RedisStore)(nil)

// Set seals value and stores it in Redis
func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	sealed, err := s.sealer.Seal(key, value)
	if err != nil {
		return fmt.Errorf("failed to seal %q: %w", key, err)
	}

	if err := s.client.Set(ctx, s.prefix+key, sealed, 0).Err(); err != nil {
		return fmt.Errorf("failed to store %q: %w", key, err)
	}

	return nil
}

// Get reads and opens the value stored under key
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	sealed, err := s.client.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ports.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %q: %w", key, err)
	}

	value, err := s.sealer.Open(key, sealed)
	if err != nil {
		return "", fmt.Errorf("failed to open %q: %w", key, err)
	}

	return value, nil
}

// Delete removes key from Redis
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}

	return nil
}
