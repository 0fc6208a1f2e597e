package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loyalty-ledger/internal/database"
	"loyalty-ledger/internal/logging"
	"loyalty-ledger/internal/models"
)

// conflictStore loses the compare-and-swap a fixed number of times before
// delegating to the real store.
type conflictStore struct {
	*database.DB
	mu        sync.Mutex
	conflicts int
	calls     int
}

func (s *conflictStore) ApplyDelta(ctx context.Context, d database.Delta) (database.Applied, error) {
	s.mu.Lock()
	s.calls++
	lose := s.conflicts > 0
	if lose {
		s.conflicts--
	}
	s.mu.Unlock()
	if lose {
		return database.Applied{}, database.ErrVersionConflict
	}
	return s.DB.ApplyDelta(ctx, d)
}

func newTestLedger(t *testing.T) (*Ledger, *database.DB, models.MembershipAccount) {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	merchant := models.Merchant{
		ID:                    uuid.NewString(),
		Slug:                  "cafe",
		Name:                  "Cafe",
		Enabled:               true,
		PointsPerCurrencyUnit: decimal.NewFromInt(1),
		WelcomeBonusScope:     models.BonusScopeNewMember,
		RefundShortfallPolicy: models.ShortfallForgive,
		PayoutCurrency:        "USDC",
		PayoutNetwork:         "base",
		AnnualBonusPoints:     15,
	}
	require.NoError(t, db.UpsertMerchant(ctx, merchant))
	res, err := db.ResolveMembership(ctx, database.ResolveParams{MerchantID: merchant.ID, Email: "ana@example.com"})
	require.NoError(t, err)

	return New(db, logging.Discard()), db, res.Account
}

func TestPointsForAmount(t *testing.T) {
	tests := []struct {
		amount string
		rate   string
		want   int64
	}{
		{"19.99", "1.5", 30},
		{"10.00", "1", 10},
		{"0.33", "1.5", 0},
		{"0.34", "1.5", 1},
		{"12.345", "2", 25},
		{"0", "10", 0},
		{"-5", "1", 0},
		{"5", "0", 0},
	}
	for _, tt := range tests {
		got := PointsForAmount(decimal.RequireFromString(tt.amount), decimal.RequireFromString(tt.rate))
		assert.Equal(t, tt.want, got, "amount %s at rate %s", tt.amount, tt.rate)
	}
}

func TestEarnRedeemAdjust(t *testing.T) {
	l, db, account := newTestLedger(t)
	ctx := context.Background()

	applied, err := l.Earn(ctx, account.ID, 50, "order", "pos:1", "")
	require.NoError(t, err)
	assert.Equal(t, int64(50), applied.Transaction.ResultingBalance)
	assert.Equal(t, models.TxnEarn, applied.Transaction.Type)

	_, err = l.Redeem(ctx, account.ID, 80, "reward", "r1")
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	applied, err = l.Redeem(ctx, account.ID, 30, "reward", "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(-30), applied.Transaction.Amount)

	applied, err = l.Adjust(ctx, account.ID, -5, "")
	require.NoError(t, err)
	assert.Equal(t, "manual adjustment", applied.Transaction.Reason)
	assert.Equal(t, int64(15), applied.Transaction.ResultingBalance)

	for _, err := range []error{
		func() error { _, err := l.Earn(ctx, account.ID, 0, "", "", ""); return err }(),
		func() error { _, err := l.Redeem(ctx, account.ID, -1, "", ""); return err }(),
		func() error { _, err := l.Adjust(ctx, account.ID, 0, "x"); return err }(),
		func() error { _, err := l.ReverseForRefund(ctx, account.ID, 0, "", "", "", ""); return err }(),
	} {
		assert.ErrorIs(t, err, ErrInvalidAmount)
	}

	_, err = l.Earn(ctx, "missing", 1, "", "", "")
	assert.ErrorIs(t, err, ErrAccountNotFound)

	history, err := l.History(ctx, account.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, models.TxnAdjust, history[0].Type, "newest first")

	sum, _, err := db.SumTransactions(ctx, account.ID)
	require.NoError(t, err)
	bal, err := l.Balance(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, sum, bal.Points)
}

func TestReverseForRefundClamps(t *testing.T) {
	l, _, account := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Earn(ctx, account.ID, 10, "order", "", "")
	require.NoError(t, err)

	applied, err := l.ReverseForRefund(ctx, account.ID, 25, models.ShortfallTrack, "refund-1", "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(-10), applied.Transaction.Amount)
	assert.Equal(t, int64(15), applied.Shortfall)

	bal, err := l.Balance(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.Points)
	assert.Equal(t, int64(15), bal.RefundShortfall)

	_, err = l.Earn(ctx, account.ID, 10, "order", "", "")
	require.NoError(t, err)
	_, err = l.ReverseForRefund(ctx, account.ID, 25, models.ShortfallForgive, "refund-2", "", "")
	require.NoError(t, err)
	bal, err = l.Balance(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(15), bal.RefundShortfall, "forgive leaves the tracked shortfall untouched")
}

func TestApplyDeltaRetriesConflicts(t *testing.T) {
	_, db, account := newTestLedger(t)
	store := &conflictStore{DB: db, conflicts: 2}
	l := New(store, logging.Discard(), WithMaxRetries(5))
	l.retryBase = time.Millisecond

	applied, err := l.Earn(context.Background(), account.ID, 7, "order", "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(7), applied.Transaction.ResultingBalance)
	assert.Equal(t, 3, store.calls)
}

func TestApplyDeltaGivesUpAfterRetries(t *testing.T) {
	_, db, account := newTestLedger(t)
	store := &conflictStore{DB: db, conflicts: 100}
	l := New(store, logging.Discard(), WithMaxRetries(2))
	l.retryBase = time.Millisecond

	_, err := l.Earn(context.Background(), account.ID, 7, "order", "", "")
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 3, store.calls)

	bal, err := l.Balance(context.Background(), account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.Points)
}

func TestConcurrentRedeemsNeverOverdraw(t *testing.T) {
	l, _, account := newTestLedger(t)
	ctx := context.Background()
	_, err := l.Earn(ctx, account.ID, 100, "order", "", "")
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Redeem(ctx, account.ID, 30, "reward", "")
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrInsufficientBalance) && !errors.Is(err, ErrConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	bal, err := l.Balance(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100-30*success), bal.Points)
	assert.GreaterOrEqual(t, bal.Points, int64(0))
	assert.LessOrEqual(t, success, 3)
}

func TestClaimAnnualBonus(t *testing.T) {
	l, _, account := newTestLedger(t)
	ctx := context.Background()
	merchant := models.Merchant{AnnualBonusPoints: 15}
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	applied, err := l.ClaimAnnualBonus(ctx, merchant, account.ID, now)
	require.NoError(t, err)
	assert.Equal(t, int64(15), applied.Transaction.Amount)

	_, err = l.ClaimAnnualBonus(ctx, merchant, account.ID, now.Add(24*time.Hour))
	assert.ErrorIs(t, err, ErrBonusAlreadyClaimed)

	_, err = l.ClaimAnnualBonus(ctx, models.Merchant{}, account.ID, now)
	assert.ErrorIs(t, err, ErrBonusNotOffered)

	_, err = l.ClaimAnnualBonus(ctx, merchant, "missing", now)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}
