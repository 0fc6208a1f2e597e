// Package ratelimit bounds how often an identity may attempt an action in a
// fixed time window. Counters live in a shared store so limits hold across
// server processes.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"loyalty-ledger/internal/metrics"
)

// Decision is the outcome of CheckAndIncrement.
type Decision struct {
	Allowed   bool
	Count     int64
	Limit     int64
	Remaining int64
	ResetIn   time.Duration
	// Degraded is true when the store failed and the request was let through.
	Degraded bool
}

// Guard is a fixed-window rate guard.
type Guard struct {
	store   CounterStore
	logger  *slog.Logger
	metrics *metrics.RateLimitMetrics
	now     func() time.Time
}

// NewGuard constructs a Guard over store.
func NewGuard(store CounterStore, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		store:   store,
		logger:  logger,
		metrics: metrics.RateLimit(),
		now:     time.Now,
	}
}

// Key joins an action and identity parts into a counter key, e.g.
// Key("payout", accountID) = "payout:<accountID>".
func Key(action string, parts ...string) string {
	return action + ":" + strings.Join(parts, ":")
}

// CheckAndIncrement counts one attempt against key and reports whether it is
// within limit for the current window. If the store is unavailable the attempt
// is allowed and the degradation is logged and counted.
func (g *Guard) CheckAndIncrement(ctx context.Context, key string, limit int64, window time.Duration) Decision {
	action := key
	if i := strings.IndexByte(key, ':'); i > 0 {
		action = key[:i]
	}
	if limit <= 0 || window <= 0 {
		return Decision{Allowed: true, Limit: limit}
	}

	now := g.now()
	windowStart := now.Truncate(window)
	resetIn := windowStart.Add(window).Sub(now)
	storeKey := fmt.Sprintf("ratelimit:%s:%d", key, windowStart.Unix())

	count, err := g.store.Incr(ctx, storeKey, window)
	if err != nil {
		g.logger.Warn("rate guard store unavailable, failing open",
			"key", key,
			"error", err,
		)
		g.metrics.RecordDegraded()
		g.metrics.RecordDecision(action, "degraded")
		return Decision{Allowed: true, Limit: limit, Remaining: limit, ResetIn: resetIn, Degraded: true}
	}

	d := Decision{
		Allowed:   count <= limit,
		Count:     count,
		Limit:     limit,
		Remaining: max(limit-count, 0),
		ResetIn:   resetIn,
	}
	if d.Allowed {
		g.metrics.RecordDecision(action, "allowed")
	} else {
		g.metrics.RecordDecision(action, "denied")
	}
	return d
}
