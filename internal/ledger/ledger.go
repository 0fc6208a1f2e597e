// Package ledger is the authoritative balance engine. Every mutation goes through
// a conditional update on a single membership account and appends exactly one
// ledger transaction.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"

	"loyalty-ledger/internal/database"
	"loyalty-ledger/internal/metrics"
	"loyalty-ledger/internal/models"
	"loyalty-ledger/internal/tracing"
)

var (
	// ErrInsufficientBalance is returned when a debit exceeds the balance.
	ErrInsufficientBalance = database.ErrInsufficientBalance
	// ErrAccountNotFound is returned for unknown membership accounts.
	ErrAccountNotFound = errors.New("ledger: membership account not found")
	// ErrConflict is returned when the account kept changing under us for every
	// retry. The caller should retry later.
	ErrConflict = errors.New("ledger: account busy, retry later")
	// ErrInvalidAmount is returned for zero or wrongly-signed amounts.
	ErrInvalidAmount = errors.New("ledger: invalid amount")
	// ErrBonusAlreadyClaimed is returned when the annual bonus was already taken.
	ErrBonusAlreadyClaimed = database.ErrBonusAlreadyClaimed
	// ErrBonusNotOffered is returned when the merchant has no annual bonus.
	ErrBonusNotOffered = errors.New("ledger: merchant offers no annual bonus")
	// ErrRefundExhausted is returned when the refunded charge has nothing left
	// to reverse.
	ErrRefundExhausted = database.ErrRefundExhausted
)

const defaultMaxRetries = 5

// Store is the persistence the ledger needs.
type Store interface {
	ApplyDelta(ctx context.Context, d database.Delta) (database.Applied, error)
	ClaimAnnualBonus(ctx context.Context, accountID string, year int, points int64) (database.Applied, error)
	ListTransactions(ctx context.Context, accountID string, limit int) ([]models.LedgerTransaction, error)
	GetAccount(ctx context.Context, id string) (models.MembershipAccount, error)
}

// Ledger applies signed point deltas to membership accounts.
type Ledger struct {
	store      Store
	logger     *slog.Logger
	metrics    *metrics.LedgerMetrics
	maxRetries uint64
	retryBase  time.Duration
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithMaxRetries bounds compare-and-swap retries.
func WithMaxRetries(n uint64) Option {
	return func(l *Ledger) { l.maxRetries = n }
}

// WithMetrics overrides the metrics registry.
func WithMetrics(m *metrics.LedgerMetrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// New constructs a Ledger.
func New(store Store, logger *slog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:      store,
		logger:     logger,
		metrics:    metrics.Ledger(),
		maxRetries: defaultMaxRetries,
		retryBase:  5 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

// PointsForAmount converts a monetary amount to points, rounding half-up to the
// nearest whole point.
func PointsForAmount(amount, rate decimal.Decimal) int64 {
	if amount.Sign() <= 0 || rate.Sign() <= 0 {
		return 0
	}
	return amount.Mul(rate).Round(0).IntPart()
}

// ApplyDelta applies d, retrying lost compare-and-swap races a bounded number of
// times.
func (l *Ledger) ApplyDelta(ctx context.Context, d database.Delta) (database.Applied, error) {
	ctx, span := tracing.Start(ctx, "ledger.apply_delta",
		tracing.AccountKey.String(d.AccountID),
		tracing.TxnTypeKey.String(string(d.Type)),
		tracing.PointsKey.Int64(d.Amount),
	)

	var applied database.Applied
	op := func() error {
		var err error
		applied, err = l.store.ApplyDelta(ctx, d)
		if errors.Is(err, database.ErrVersionConflict) {
			l.metrics.RecordConflict()
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = l.retryBase
	policy.MaxInterval = 20 * l.retryBase
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, l.maxRetries), ctx))

	switch {
	case err == nil:
		l.metrics.RecordDelta(string(d.Type), "applied")
		l.metrics.RecordShortfall(applied.Shortfall)
	case errors.Is(err, database.ErrVersionConflict):
		l.metrics.RecordDelta(string(d.Type), "conflict")
		err = fmt.Errorf("%w: %w", ErrConflict, err)
	case errors.Is(err, database.ErrNotFound):
		l.metrics.RecordDelta(string(d.Type), "not_found")
		err = ErrAccountNotFound
	case errors.Is(err, ErrInsufficientBalance):
		l.metrics.RecordDelta(string(d.Type), "insufficient")
	case errors.Is(err, ErrRefundExhausted):
		l.metrics.RecordDelta(string(d.Type), "exhausted")
	default:
		l.metrics.RecordDelta(string(d.Type), "error")
	}
	tracing.End(span, err)
	if err != nil {
		return database.Applied{}, err
	}

	l.logger.Debug("ledger delta applied",
		"account_id", d.AccountID,
		"type", d.Type,
		"amount", applied.Transaction.Amount,
		"balance", applied.Transaction.ResultingBalance,
	)
	return applied, nil
}

// Earn credits points.
func (l *Ledger) Earn(ctx context.Context, accountID string, points int64, reason, ref, eventID string) (database.Applied, error) {
	if points <= 0 {
		return database.Applied{}, ErrInvalidAmount
	}
	return l.ApplyDelta(ctx, database.Delta{
		AccountID:   accountID,
		Amount:      points,
		Type:        models.TxnEarn,
		Reason:      reason,
		ExternalRef: ref,
		EventID:     eventID,
	})
}

// Redeem debits points for a store reward. It never drives the balance negative.
func (l *Ledger) Redeem(ctx context.Context, accountID string, points int64, reason, ref string) (database.Applied, error) {
	if points <= 0 {
		return database.Applied{}, ErrInvalidAmount
	}
	return l.ApplyDelta(ctx, database.Delta{
		AccountID:   accountID,
		Amount:      -points,
		Type:        models.TxnRedeem,
		Reason:      reason,
		ExternalRef: ref,
	})
}

// Adjust applies an operator correction of either sign.
func (l *Ledger) Adjust(ctx context.Context, accountID string, amount int64, reason string) (database.Applied, error) {
	if amount == 0 {
		return database.Applied{}, ErrInvalidAmount
	}
	if strings.TrimSpace(reason) == "" {
		reason = "manual adjustment"
	}
	return l.ApplyDelta(ctx, database.Delta{
		AccountID: accountID,
		Amount:    amount,
		Type:      models.TxnAdjust,
		Reason:    reason,
	})
}

// ReverseForRefund deducts points for a refunded charge. When originalEventID is
// set the deduction is capped at what that charge awarded minus its earlier
// refunds, and ErrRefundExhausted means nothing is left. The deduction is then
// clamped at the current balance: points already redeemed elsewhere are not
// clawed back.
// Under the "track" policy the unrecovered part accumulates on the account as
// refund_shortfall; under "forgive" it is dropped. Either way the merchant may
// lose part of the refunded deduction, which is accepted.
func (l *Ledger) ReverseForRefund(ctx context.Context, accountID string, points int64, policy, ref, eventID, originalEventID string) (database.Applied, error) {
	if points <= 0 {
		return database.Applied{}, ErrInvalidAmount
	}
	applied, err := l.ApplyDelta(ctx, database.Delta{
		AccountID:      accountID,
		Amount:         -points,
		Type:           models.TxnAdjust,
		Reason:         "refund reversal",
		ExternalRef:    ref,
		Clamp:          true,
		TrackShortfall: policy == models.ShortfallTrack,
		EventID:        eventID,
		Reverses:       originalEventID,
	})
	if err != nil {
		return database.Applied{}, err
	}
	if applied.Shortfall > 0 {
		l.logger.Warn("refund deduction clamped at zero balance",
			"account_id", accountID,
			"requested", points,
			"shortfall", applied.Shortfall,
			"policy", policy,
		)
	}
	return applied, nil
}

// ClaimAnnualBonus credits the merchant's annual bonus once per calendar year.
func (l *Ledger) ClaimAnnualBonus(ctx context.Context, merchant models.Merchant, accountID string, now time.Time) (database.Applied, error) {
	if merchant.AnnualBonusPoints <= 0 {
		return database.Applied{}, ErrBonusNotOffered
	}
	applied, err := l.store.ClaimAnnualBonus(ctx, accountID, now.UTC().Year(), merchant.AnnualBonusPoints)
	if errors.Is(err, database.ErrNotFound) {
		return database.Applied{}, ErrAccountNotFound
	}
	if err != nil {
		return database.Applied{}, err
	}
	l.metrics.RecordDelta(string(models.TxnEarn), "applied")
	return applied, nil
}

// Balance returns the current account.
func (l *Ledger) Balance(ctx context.Context, accountID string) (models.MembershipAccount, error) {
	account, err := l.store.GetAccount(ctx, accountID)
	if errors.Is(err, database.ErrNotFound) {
		return models.MembershipAccount{}, ErrAccountNotFound
	}
	return account, err
}

// History returns the most recent transactions for an account.
func (l *Ledger) History(ctx context.Context, accountID string, limit int) ([]models.LedgerTransaction, error) {
	return l.store.ListTransactions(ctx, accountID, limit)
}
