package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"loyalty-ledger/internal/models"
)

// EventType represents the type of event.
type EventType string

const (
	// EventPointsAwarded is emitted when a settlement event credits points.
	EventPointsAwarded EventType = "points.awarded"
	// EventPointsReversed is emitted when a refund deducts points.
	EventPointsReversed EventType = "points.reversed"
	// EventPayoutSettled is emitted when a transfer succeeds.
	EventPayoutSettled EventType = "payout.settled"
	// EventPayoutFailed is emitted when a transfer fails and points are refunded.
	EventPayoutFailed EventType = "payout.failed"
	// EventMerchantUnderfunded is emitted when the treasury cannot cover a payout.
	// Members are never told; the merchant is notified out of band.
	EventMerchantUnderfunded EventType = "merchant.underfunded"
	// EventReconciliationRequired is emitted when a claim is stuck with its
	// points debited and no persisted outcome.
	EventReconciliationRequired EventType = "payout.reconciliation_required"
)

// Event represents an event in the system.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// PointsData carries a ledger movement caused by a settlement event.
type PointsData struct {
	MerchantID  string
	AccountID   string
	EventID     string
	Points      int64
	Balance     int64
	ExternalRef string
}

// PayoutData carries a payout claim outcome.
type PayoutData struct {
	MerchantID string
	Claim      models.PayoutClaim
	Reason     string
}

// UnderfundedData tells a merchant its treasury could not cover a payout.
type UnderfundedData struct {
	MerchantID     string
	TreasuryWallet string
	Amount         decimal.Decimal
	Currency       string
	ClaimID        string
}

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Manager manages event handlers and event publishing.
type Manager struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	enabled  bool
	logger   *slog.Logger
	inflight sync.WaitGroup
}

// NewManager creates a new event manager.
func NewManager(enabled bool, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		handlers: make(map[EventType][]Handler),
		enabled:  enabled,
		logger:   logger,
	}
}

// Subscribe subscribes a handler to a specific event type.
func (m *Manager) Subscribe(eventType EventType, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		return
	}
	m.handlers[eventType] = append(m.handlers[eventType], handler)
}

// Publish publishes an event to all subscribed handlers. Handlers run
// asynchronously and outlive the caller's request context.
func (m *Manager) Publish(ctx context.Context, eventType EventType, data interface{}) {
	if m == nil {
		return
	}
	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	ctx = context.WithoutCancel(ctx)

	// Handlers are counted under the read lock so Shutdown, which flips
	// enabled under the write lock, waits for every one that was started.
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.enabled {
		return
	}
	for _, handler := range m.handlers[eventType] {
		m.inflight.Add(1)
		go func(h Handler) {
			defer m.inflight.Done()
			if err := h(ctx, event); err != nil {
				m.logger.Warn("event handler failed", "event", eventType, "error", err)
			}
		}(handler)
	}
}

// PublishPoints publishes a points movement.
func (m *Manager) PublishPoints(ctx context.Context, eventType EventType, data PointsData) {
	m.Publish(ctx, eventType, data)
}

// PublishPayout publishes a payout outcome.
func (m *Manager) PublishPayout(ctx context.Context, eventType EventType, merchantID string, claim models.PayoutClaim, reason string) {
	m.Publish(ctx, eventType, PayoutData{MerchantID: merchantID, Claim: claim, Reason: reason})
}

// Wait blocks until every handler started so far has returned.
func (m *Manager) Wait() {
	m.inflight.Wait()
}

// Shutdown shuts down the event manager.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.enabled = false
	m.handlers = make(map[EventType][]Handler)
	m.mu.Unlock()
	m.inflight.Wait()
}
