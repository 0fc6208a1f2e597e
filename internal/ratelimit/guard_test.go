package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loyalty-ledger/internal/logging"
)

type failingStore struct{}

func (failingStore) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("connection refused")
}

func fixedGuard(store CounterStore, now time.Time) *Guard {
	g := NewGuard(store, logging.Discard())
	g.now = func() time.Time { return now }
	return g
}

func TestGuardAllowsUpToLimit(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	g := fixedGuard(NewMemoryStore(), now)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		d := g.CheckAndIncrement(ctx, Key("payout", "acct-1"), 3, time.Minute)
		require.True(t, d.Allowed, "attempt %d", i)
		assert.Equal(t, i, d.Count)
		assert.Equal(t, 3-i, d.Remaining)
		assert.Equal(t, 30*time.Second, d.ResetIn)
	}

	d := g.CheckAndIncrement(ctx, Key("payout", "acct-1"), 3, time.Minute)
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(0), d.Remaining)
}

func TestGuardKeysAreIndependent(t *testing.T) {
	g := fixedGuard(NewMemoryStore(), time.Now())
	ctx := context.Background()

	require.True(t, g.CheckAndIncrement(ctx, Key("payout", "a"), 1, time.Minute).Allowed)
	require.False(t, g.CheckAndIncrement(ctx, Key("payout", "a"), 1, time.Minute).Allowed)
	assert.True(t, g.CheckAndIncrement(ctx, Key("payout", "b"), 1, time.Minute).Allowed)
	assert.True(t, g.CheckAndIncrement(ctx, Key("scan", "a"), 1, time.Minute).Allowed)
}

func TestGuardNewWindowResets(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 59, 0, time.UTC)
	g := fixedGuard(store, now)
	ctx := context.Background()

	require.True(t, g.CheckAndIncrement(ctx, "payout:a", 1, time.Minute).Allowed)
	require.False(t, g.CheckAndIncrement(ctx, "payout:a", 1, time.Minute).Allowed)

	g.now = func() time.Time { return now.Add(2 * time.Second) }
	assert.True(t, g.CheckAndIncrement(ctx, "payout:a", 1, time.Minute).Allowed)
}

func TestGuardFailsOpen(t *testing.T) {
	g := fixedGuard(failingStore{}, time.Now())

	d := g.CheckAndIncrement(context.Background(), "payout:a", 1, time.Minute)
	assert.True(t, d.Allowed)
	assert.True(t, d.Degraded)
}

func TestGuardFailsOpenWhenRedisUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	g := fixedGuard(NewRedisStoreFromClient(client), time.Now())

	d := g.CheckAndIncrement(context.Background(), "payout:a", 1, time.Minute)
	assert.True(t, d.Allowed)
	assert.True(t, d.Degraded)
}

func TestGuardConcurrentCountsAreExact(t *testing.T) {
	g := fixedGuard(NewMemoryStore(), time.Now())
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.CheckAndIncrement(ctx, "scan:m:x", 10, time.Minute).Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, allowed)
}

func TestGuardZeroLimitDisables(t *testing.T) {
	g := fixedGuard(failingStore{}, time.Now())
	d := g.CheckAndIncrement(context.Background(), "payout:a", 0, time.Minute)
	assert.True(t, d.Allowed)
	assert.False(t, d.Degraded)
}
