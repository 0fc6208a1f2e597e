package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CounterStore increments fixed-window counters shared by every server process.
type CounterStore interface {
	// Incr adds one to key and returns the new count. The key expires after ttl.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// RedisStore keeps counters in Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(addr string, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client without pinging it.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Incr runs INCR and EXPIRE in one transaction pipeline.
func (r *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}
	return incr.Val(), nil
}

// Close closes the Redis client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// MemoryStore keeps counters in process memory. Counts are not shared between
// processes, so it is meant for development and tests.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]counterEntry
	now  func() time.Time
}

type counterEntry struct {
	count     int64
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]counterEntry),
		now:  time.Now,
	}
}

// Incr increments key, resetting it once expired.
func (m *MemoryStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	entry, exists := m.data[key]
	if !exists || now.After(entry.expiresAt) {
		entry = counterEntry{}
	}
	entry.count++
	entry.expiresAt = now.Add(ttl)
	m.data[key] = entry

	if len(m.data) > 10000 {
		m.sweep(now)
	}
	return entry.count, nil
}

func (m *MemoryStore) sweep(now time.Time) {
	for key, entry := range m.data {
		if now.After(entry.expiresAt) {
			delete(m.data, key)
		}
	}
}
