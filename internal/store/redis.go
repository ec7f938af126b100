package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// NonceCache tracks single-use auth nonces for the connection handshake.
type NonceCache interface {
	// MarkNonce records a nonce with a TTL. Returns false when the nonce
	// was already present (replay).
	MarkNonce(ctx context.Context, identity, nonce string, ttl time.Duration) bool
}

// RedisStore handles Redis operations: auth nonce replay tracking and the
// sliding-window rate limiter's backing counters.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// Client exposes the underlying client for the rate limiter.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// nonceKey returns the key for nonce tracking.
func nonceKey(identity, nonce string) string {
	return fmt.Sprintf("nonce:%s:%s", identity, nonce)
}

// MarkNonce records a nonce, returning false on replay.
func (s *RedisStore) MarkNonce(ctx context.Context, identity, nonce string, ttl time.Duration) bool {
	ok, err := s.client.SetNX(ctx, nonceKey(identity, nonce), "1", ttl).Result()
	if err != nil {
		// Fail closed: an unreachable cache must not admit replays.
		return false
	}
	return ok
}

// MemoryNonceCache is the in-process fallback used when Redis is not
// configured (single-node deployments).
type MemoryNonceCache struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	now   func() time.Time
	sweep time.Time
}

// NewMemoryNonceCache creates an empty in-memory nonce cache.
func NewMemoryNonceCache() *MemoryNonceCache {
	return &MemoryNonceCache{
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

// MarkNonce records a nonce, returning false on replay. Expired entries
// are swept lazily at most once a minute.
func (c *MemoryNonceCache) MarkNonce(_ context.Context, identity, nonce string, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if now.Sub(c.sweep) > time.Minute {
		for k, exp := range c.seen {
			if exp.Before(now) {
				delete(c.seen, k)
			}
		}
		c.sweep = now
	}

	key := nonceKey(identity, nonce)
	if exp, ok := c.seen[key]; ok && exp.After(now) {
		return false
	}
	c.seen[key] = now.Add(ttl)
	return true
}
