package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisClient is the subset of the go-redis client the store uses.
// *redis.Client, *redis.ClusterClient and redis.UniversalClient satisfy it.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisStore stores documents as Redis strings.
type RedisStore struct {
	client RedisClient
	prefix string
	ttl    time.Duration
	closed atomic.Bool
}

// RedisStoreOption configures RedisStore behavior.
type RedisStoreOption func(*redisStoreConfig)

type redisStoreConfig struct {
	prefix string
	ttl    time.Duration
}

// WithRedisPrefix sets the key prefix.
// Default: "hocuspocus:document:".
func WithRedisPrefix(prefix string) RedisStoreOption {
	return func(c *redisStoreConfig) {
		c.prefix = prefix
	}
}

// WithRedisTTL expires documents that have not been stored for d.
// Default: no expiry.
func WithRedisTTL(d time.Duration) RedisStoreOption {
	return func(c *redisStoreConfig) {
		c.ttl = d
	}
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client RedisClient, opts ...RedisStoreOption) *RedisStore {
	cfg := &redisStoreConfig{
		prefix: "hocuspocus:document:",
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return &RedisStore{
		client: client,
		prefix: cfg.prefix,
		ttl:    cfg.ttl,
	}
}

func (r *RedisStore) key(name string) string {
	return r.prefix + name
}

// Fetch returns the stored state of a document.
func (r *RedisStore) Fetch(ctx context.Context, name string) ([]byte, error) {
	if r.closed.Load() {
		return nil, ErrStoreClosed
	}

	data, err := r.client.Get(ctx, r.key(name)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("persistence: fetch %q: %w", name, err)
	}
	return data, nil
}

// Store saves the state of a document.
func (r *RedisStore) Store(ctx context.Context, name string, state []byte) error {
	if r.closed.Load() {
		return ErrStoreClosed
	}
	if err := r.client.Set(ctx, r.key(name), state, r.ttl).Err(); err != nil {
		return fmt.Errorf("persistence: store %q: %w", name, err)
	}
	return nil
}

// Delete removes a document.
func (r *RedisStore) Delete(ctx context.Context, name string) error {
	if r.closed.Load() {
		return ErrStoreClosed
	}
	if err := r.client.Del(ctx, r.key(name)).Err(); err != nil {
		return fmt.Errorf("persistence: delete %q: %w", name, err)
	}
	return nil
}

// Close marks the store closed. The Redis client stays open, as it may
// be shared with other components.
func (r *RedisStore) Close() error {
	r.closed.Store(true)
	return nil
}

// Prefix returns the key prefix.
func (r *RedisStore) Prefix() string {
	return r.prefix
}
