// Package redis provides a Redis-backed state provider.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/imagine-orchestrator/internal/storage"
)

// Config selects the Redis server and key namespace.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// commands is the subset of goredis.Cmdable the store uses.
type commands interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
}

// StateStore keeps state documents as plain Redis strings.
type StateStore struct {
	client commands
	closer func() error
	prefix string
}

// NewStateStore dials Redis and verifies the connection.
func NewStateStore(ctx context.Context, cfg Config) (*StateStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("state.redis.addr is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	store := newStateStore(client, cfg.Prefix)
	store.closer = client.Close
	return store, nil
}

func newStateStore(client commands, prefix string) *StateStore {
	return &StateStore{client: client, prefix: strings.TrimSuffix(prefix, ":")}
}

func (s *StateStore) key(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + ":" + key
}

// Load returns the document stored under key.
func (s *StateStore) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %q: %w", key, err)
	}
	return data, nil
}

// Save stores the document under key without expiry.
func (s *StateStore) Save(ctx context.Context, key string, data []byte) error {
	if err := s.client.Set(ctx, s.key(key), data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *StateStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

// Close releases the client connection.
func (s *StateStore) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
