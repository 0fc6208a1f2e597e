package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"loyalty-ledger/internal/database"
	"loyalty-ledger/internal/features"
	"loyalty-ledger/internal/ledger"
	"loyalty-ledger/internal/logging"
	"loyalty-ledger/internal/models"
	"loyalty-ledger/internal/providers"
	"loyalty-ledger/internal/validation"
)

const shopifySecret = "shpss_test_secret"

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "service.db"))
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func setupTestService(t *testing.T, opts ...Option) (*Service, *database.DB) {
	t.Helper()
	db := setupTestDB(t)
	return NewService(db, logging.Discard(), opts...), db
}

func testMerchant(slug string) models.Merchant {
	return models.Merchant{
		Slug:                  slug,
		Name:                  "Test " + slug,
		Enabled:               true,
		PointsPerCurrencyUnit: decimal.NewFromFloat(1.5),
		WelcomeBonusScope:     models.BonusScopeNewMember,
		RefundShortfallPolicy: models.ShortfallForgive,
		PointsPerVisit:        10,
		AnnualBonusPoints:     25,
		Rewards:               []models.Reward{{ID: "coffee", Name: "Free coffee", PointsCost: 30}},
		WebhookSecrets:        map[string]string{"shopify": shopifySecret},
	}
}

func registerMerchant(t *testing.T, svc *Service, m models.Merchant) (models.Merchant, models.APICredential) {
	t.Helper()
	ctx := context.Background()
	stored, err := svc.RegisterMerchant(ctx, m)
	if err != nil {
		t.Fatalf("Failed to register merchant: %v", err)
	}
	cred, err := svc.RegisterAPIKey(ctx, stored.ID, "key-"+stored.Slug,
		[]string{models.ScopeWriteOrders, models.ScopeReadOrders, models.ScopeWriteScans}, 0)
	if err != nil {
		t.Fatalf("Failed to register API key: %v", err)
	}
	return stored, cred
}

func order(id, email, amount string) models.SubmitOrderRequest {
	return models.SubmitOrderRequest{
		ExternalID:    id,
		Source:        "pos",
		CustomerEmail: email,
		Amount:        decimal.RequireFromString(amount),
		Currency:      "USD",
	}
}

func balanceOf(t *testing.T, svc *Service, slug, email string) models.MembershipAccount {
	t.Helper()
	summary, err := svc.MemberSummary(context.Background(), slug, email)
	if err != nil {
		t.Fatalf("Failed to load member summary: %v", err)
	}
	return summary.Account
}

func assertConserved(t *testing.T, db *database.DB, account models.MembershipAccount) {
	t.Helper()
	sum, _, err := db.SumTransactions(context.Background(), account.ID)
	if err != nil {
		t.Fatalf("Failed to sum transactions: %v", err)
	}
	if sum != account.Points {
		t.Errorf("Expected transaction sum %d to equal balance %d", sum, account.Points)
	}
}

func TestSubmitOrder_RoundsHalfUp(t *testing.T) {
	svc, _ := setupTestService(t)
	_, cred := registerMerchant(t, svc, testMerchant("cafe"))

	resp, err := svc.SubmitOrder(context.Background(), cred, order("ord-1", "ana@example.com", "19.99"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if resp.PointsAwarded != 30 {
		t.Errorf("Expected 30 points for 19.99 at 1.5x, got %d", resp.PointsAwarded)
	}
	if resp.Balance == nil || *resp.Balance != 30 {
		t.Errorf("Expected balance 30, got %v", resp.Balance)
	}
	if resp.Duplicate {
		t.Error("First submission should not be a duplicate")
	}
}

func TestSubmitOrder_Idempotent(t *testing.T) {
	svc, db := setupTestService(t)
	_, cred := registerMerchant(t, svc, testMerchant("cafe"))
	ctx := context.Background()

	req := order("ord-1", "Ana@Example.com", "20.00")
	for i := 0; i < 3; i++ {
		resp, err := svc.SubmitOrder(ctx, cred, req)
		if err != nil {
			t.Fatalf("Submission %d failed: %v", i, err)
		}
		if resp.PointsAwarded != 30 {
			t.Errorf("Submission %d: expected original award 30, got %d", i, resp.PointsAwarded)
		}
		if got, want := resp.Duplicate, i > 0; got != want {
			t.Errorf("Submission %d: expected duplicate=%v, got %v", i, want, got)
		}
	}

	account := balanceOf(t, svc, "cafe", "ana@example.com")
	if account.Points != 30 {
		t.Errorf("Expected balance 30, got %d", account.Points)
	}
	_, count, err := db.SumTransactions(ctx, account.ID)
	if err != nil {
		t.Fatalf("Failed to count transactions: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected exactly 1 ledger transaction, got %d", count)
	}
}

func TestSubmitOrder_IdempotencyKeyDeduplicates(t *testing.T) {
	svc, _ := setupTestService(t)
	_, cred := registerMerchant(t, svc, testMerchant("cafe"))
	ctx := context.Background()

	first := order("ord-1", "ana@example.com", "10.00")
	first.IdempotencyKey = "retry-abc"
	second := order("ord-1-retry", "ana@example.com", "10.00")
	second.IdempotencyKey = "retry-abc"

	if _, err := svc.SubmitOrder(ctx, cred, first); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	resp, err := svc.SubmitOrder(ctx, cred, second)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !resp.Duplicate || resp.PointsAwarded != 15 {
		t.Errorf("Expected duplicate with original award 15, got %+v", resp)
	}
}

func TestSubmitOrder_ResumesPendingEvent(t *testing.T) {
	svc, db := setupTestService(t)
	merchant, cred := registerMerchant(t, svc, testMerchant("cafe"))
	ctx := context.Background()

	// An earlier attempt recorded the event and failed before the ledger write.
	req := order("ord-crash", "ana@example.com", "10.00")
	ev := providers.FromOrderSubmission(merchant.ID, req)
	ev.ID = "evt-crash"
	ev.OccurredAt = time.Now().UTC()
	if _, err := db.InsertEvent(ctx, ev); err != nil {
		t.Fatalf("Failed to insert pending event: %v", err)
	}

	resp, err := svc.SubmitOrder(ctx, cred, req)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if resp.Duplicate || resp.PointsAwarded != 15 {
		t.Errorf("Expected the pending event to be applied, got %+v", resp)
	}

	resp, err = svc.SubmitOrder(ctx, cred, req)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !resp.Duplicate || resp.PointsAwarded != 15 {
		t.Errorf("Expected duplicate after apply, got %+v", resp)
	}
	if got := balanceOf(t, svc, "cafe", "ana@example.com").Points; got != 15 {
		t.Errorf("Expected balance 15, got %d", got)
	}
}

func TestSubmitOrder_Validation(t *testing.T) {
	svc, _ := setupTestService(t)
	_, cred := registerMerchant(t, svc, testMerchant("cafe"))
	ctx := context.Background()

	tests := []struct {
		name string
		req  models.SubmitOrderRequest
	}{
		{"missing email", order("ord-1", "", "10.00")},
		{"bad email", order("ord-1", "not-an-email", "10.00")},
		{"zero amount", order("ord-1", "ana@example.com", "0")},
		{"negative amount", order("ord-1", "ana@example.com", "-5")},
		{"missing external id", order("", "ana@example.com", "10.00")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.SubmitOrder(ctx, cred, tt.req)
			var verr *validation.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Expected validation error, got %v", err)
			}
		})
	}
}

func TestSubmitOrder_RequiresScope(t *testing.T) {
	svc, _ := setupTestService(t)
	_, cred := registerMerchant(t, svc, testMerchant("cafe"))
	cred.Scopes = []string{models.ScopeReadOrders}

	_, err := svc.SubmitOrder(context.Background(), cred, order("ord-1", "ana@example.com", "10.00"))
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("Expected ErrForbidden, got %v", err)
	}
}

func TestSubmitOrder_DisabledMerchant(t *testing.T) {
	svc, _ := setupTestService(t)
	m := testMerchant("closed")
	m.Enabled = false
	_, cred := registerMerchant(t, svc, m)

	_, err := svc.SubmitOrder(context.Background(), cred, order("ord-1", "ana@example.com", "10.00"))
	if !errors.Is(err, ErrMerchantDisabled) {
		t.Errorf("Expected ErrMerchantDisabled, got %v", err)
	}
}

func TestWelcomeBonus_NewMemberScope(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	a := testMerchant("bakery")
	a.WelcomeBonusPoints = 50
	b := testMerchant("florist")
	b.WelcomeBonusPoints = 50
	_, credA := registerMerchant(t, svc, a)
	_, credB := registerMerchant(t, svc, b)

	if _, err := svc.SubmitOrder(ctx, credA, order("a-1", "ana@example.com", "10.00")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, err := svc.SubmitOrder(ctx, credA, order("a-2", "ana@example.com", "10.00")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, err := svc.SubmitOrder(ctx, credB, order("b-1", "ana@example.com", "10.00")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if got := balanceOf(t, svc, "bakery", "ana@example.com").Points; got != 50+15+15 {
		t.Errorf("Expected bonus once at the first merchant, balance %d", got)
	}
	if got := balanceOf(t, svc, "florist", "ana@example.com").Points; got != 15 {
		t.Errorf("Expected no bonus for an existing member, balance %d", got)
	}
}

func TestWelcomeBonus_NewAccountScope(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	a := testMerchant("bakery")
	a.WelcomeBonusPoints = 50
	b := testMerchant("florist")
	b.WelcomeBonusPoints = 40
	b.WelcomeBonusScope = models.BonusScopeNewAccount
	_, credA := registerMerchant(t, svc, a)
	_, credB := registerMerchant(t, svc, b)

	if _, err := svc.SubmitOrder(ctx, credA, order("a-1", "ana@example.com", "10.00")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, err := svc.SubmitOrder(ctx, credB, order("b-1", "ana@example.com", "10.00")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got := balanceOf(t, svc, "florist", "ana@example.com").Points; got != 40+15 {
		t.Errorf("Expected a new-account bonus at the second merchant, balance %d", got)
	}
}

func TestWelcomeBonus_ConcurrentFirstOrders(t *testing.T) {
	svc, db := setupTestService(t)
	m := testMerchant("cafe")
	m.WelcomeBonusPoints = 50
	_, cred := registerMerchant(t, svc, m)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := svc.SubmitOrder(ctx, cred, order(fmt.Sprintf("ord-%d", i), "ana@example.com", "2.00")); err != nil {
				t.Errorf("Order %d failed: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	account := balanceOf(t, svc, "cafe", "ana@example.com")
	if account.Points != 50+8*3 {
		t.Errorf("Expected one bonus plus 8 awards, got %d", account.Points)
	}
	assertConserved(t, db, account)
}

func TestRefund_ClampedUnderForgivePolicy(t *testing.T) {
	svc, db := setupTestService(t)
	m := testMerchant("cafe")
	m.PointsPerCurrencyUnit = decimal.NewFromInt(1)
	_, cred := registerMerchant(t, svc, m)
	ctx := context.Background()

	if _, err := svc.SubmitOrder(ctx, cred, order("ord-1", "ana@example.com", "100.00")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := svc.RedeemReward(ctx, "cafe", "coffee", models.MemberRequest{Email: "ana@example.com"}); err != nil {
			t.Fatalf("Redeem failed: %v", err)
		}
	}

	refund := order("ref-1", "ana@example.com", "100.00")
	refund.Kind = "REFUND"
	refund.RefundOf = "ord-1"
	resp, err := svc.SubmitOrder(ctx, cred, refund)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if resp.PointsAwarded != -40 {
		t.Errorf("Expected deduction clamped to -40, got %d", resp.PointsAwarded)
	}

	account := balanceOf(t, svc, "cafe", "ana@example.com")
	if account.Points != 0 {
		t.Errorf("Expected balance 0, got %d", account.Points)
	}
	if account.RefundShortfall != 0 {
		t.Errorf("Expected no tracked shortfall under forgive, got %d", account.RefundShortfall)
	}
	assertConserved(t, db, account)
}

func TestRefund_TracksShortfall(t *testing.T) {
	svc, _ := setupTestService(t)
	m := testMerchant("cafe")
	m.PointsPerCurrencyUnit = decimal.NewFromInt(1)
	m.RefundShortfallPolicy = models.ShortfallTrack
	_, cred := registerMerchant(t, svc, m)
	ctx := context.Background()

	if _, err := svc.SubmitOrder(ctx, cred, order("ord-1", "ana@example.com", "50.00")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, err := svc.RedeemReward(ctx, "cafe", "coffee", models.MemberRequest{Email: "ana@example.com"}); err != nil {
		t.Fatalf("Redeem failed: %v", err)
	}

	refund := order("ref-1", "ana@example.com", "50.00")
	refund.Kind = "REFUND"
	refund.RefundOf = "ord-1"
	if _, err := svc.SubmitOrder(ctx, cred, refund); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	account := balanceOf(t, svc, "cafe", "ana@example.com")
	if account.Points != 0 || account.RefundShortfall != 30 {
		t.Errorf("Expected balance 0 and shortfall 30, got %d and %d", account.Points, account.RefundShortfall)
	}
}

func TestRefund_CappedAtOriginalAward(t *testing.T) {
	svc, _ := setupTestService(t)
	m := testMerchant("cafe")
	m.PointsPerCurrencyUnit = decimal.NewFromInt(1)
	_, cred := registerMerchant(t, svc, m)
	ctx := context.Background()

	if _, err := svc.SubmitOrder(ctx, cred, order("ord-1", "ana@example.com", "10.00")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, err := svc.SubmitOrder(ctx, cred, order("ord-2", "ana@example.com", "90.00")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	refund := order("ref-1", "ana@example.com", "75.00")
	refund.Kind = "REFUND"
	refund.RefundOf = "ord-1"
	resp, err := svc.SubmitOrder(ctx, cred, refund)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if resp.PointsAwarded != -10 {
		t.Errorf("Expected deduction capped at the original 10 points, got %d", resp.PointsAwarded)
	}
}

func TestRefund_UnknownOriginal(t *testing.T) {
	svc, _ := setupTestService(t)
	_, cred := registerMerchant(t, svc, testMerchant("cafe"))

	refund := order("ref-1", "ana@example.com", "10.00")
	refund.Kind = "REFUND"
	refund.RefundOf = "never-seen"
	resp, err := svc.SubmitOrder(context.Background(), cred, refund)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !resp.Unmatched || resp.PointsAwarded != 0 {
		t.Errorf("Expected unmatched refund with no points, got %+v", resp)
	}
}

func TestRefund_RepeatedRefundsShareOriginalCap(t *testing.T) {
	svc, db := setupTestService(t)
	m := testMerchant("cafe")
	m.PointsPerCurrencyUnit = decimal.NewFromInt(1)
	_, cred := registerMerchant(t, svc, m)
	ctx := context.Background()

	if _, err := svc.SubmitOrder(ctx, cred, order("ord-1", "ana@example.com", "10.00")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, err := svc.SubmitOrder(ctx, cred, order("ord-2", "ana@example.com", "90.00")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	want := []int64{-4, -4, -2, 0}
	for i, points := range want {
		refund := order(fmt.Sprintf("ref-%d", i+1), "ana@example.com", "4.00")
		refund.Kind = "REFUND"
		refund.RefundOf = "ord-1"
		resp, err := svc.SubmitOrder(ctx, cred, refund)
		if err != nil {
			t.Fatalf("Refund %d failed: %v", i+1, err)
		}
		if resp.PointsAwarded != points {
			t.Errorf("Refund %d: expected %d points, got %d", i+1, points, resp.PointsAwarded)
		}
	}

	account := balanceOf(t, svc, "cafe", "ana@example.com")
	if account.Points != 90 {
		t.Errorf("Expected refunds of ord-1 to deduct at most its 10 points, balance %d", account.Points)
	}
	assertConserved(t, db, account)

	original, err := svc.GetOrder(ctx, cred, "pos", "ord-1")
	if err != nil {
		t.Fatalf("Failed to load original order: %v", err)
	}
	if original.RefundedPoints != 10 {
		t.Errorf("Expected 10 refunded points on the original, got %d", original.RefundedPoints)
	}
}

func TestRefund_PendingOriginalIsRetryable(t *testing.T) {
	svc, db := setupTestService(t)
	m := testMerchant("cafe")
	m.PointsPerCurrencyUnit = decimal.NewFromInt(1)
	merchant, cred := registerMerchant(t, svc, m)
	ctx := context.Background()

	charge := order("ord-1", "ana@example.com", "10.00")
	ev := providers.FromOrderSubmission(merchant.ID, charge)
	ev.ID = "evt-pending"
	ev.OccurredAt = time.Now().UTC()
	if _, err := db.InsertEvent(ctx, ev); err != nil {
		t.Fatalf("Failed to insert pending event: %v", err)
	}

	refund := order("ref-1", "ana@example.com", "10.00")
	refund.Kind = "REFUND"
	refund.RefundOf = "ord-1"
	if _, err := svc.SubmitOrder(ctx, cred, refund); !errors.Is(err, ErrRefundPending) {
		t.Fatalf("Expected ErrRefundPending, got %v", err)
	}

	if _, err := svc.SubmitOrder(ctx, cred, charge); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	resp, err := svc.SubmitOrder(ctx, cred, refund)
	if err != nil {
		t.Fatalf("Unexpected error on retry: %v", err)
	}
	if resp.Duplicate || resp.PointsAwarded != -10 {
		t.Errorf("Expected the retried refund to deduct 10 points, got %+v", resp)
	}
	if got := balanceOf(t, svc, "cafe", "ana@example.com").Points; got != 0 {
		t.Errorf("Expected balance 0, got %d", got)
	}
}

func TestIngest_RejectsForeignCurrency(t *testing.T) {
	svc, _ := setupTestService(t)
	m := testMerchant("cafe")
	m.Currency = "USD"
	_, cred := registerMerchant(t, svc, m)
	ctx := context.Background()

	yen := order("ord-jpy", "ana@example.com", "10000")
	yen.Currency = "JPY"
	_, err := svc.SubmitOrder(ctx, cred, yen)
	var verr *validation.ValidationError
	if !errors.As(err, &verr) || verr.Field != "currency" {
		t.Fatalf("Expected currency validation error, got %v", err)
	}
	if _, err := svc.GetOrder(ctx, cred, "pos", "ord-jpy"); !errors.Is(err, ErrEventNotFound) {
		t.Errorf("Expected the rejected order not to be recorded, got %v", err)
	}

	resp, err := svc.SubmitOrder(ctx, cred, order("ord-usd", "ana@example.com", "10.00"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if resp.PointsAwarded != 15 {
		t.Errorf("Expected 15 points, got %d", resp.PointsAwarded)
	}
}

func TestHandleWebhook_RejectsOrdersWithoutID(t *testing.T) {
	svc, _ := setupTestService(t)
	registerMerchant(t, svc, testMerchant("cafe"))
	ctx := context.Background()

	bob := []byte(`{"email":"bob@example.com","total_price":"20.00","currency":"USD"}`)
	if _, err := svc.HandleWebhook(ctx, "shopify", "cafe", shopifyRequest(bob, "wh-bob")); !errors.Is(err, providers.ErrMalformedPayload) {
		t.Fatalf("Expected ErrMalformedPayload, got %v", err)
	}

	carol := []byte(`{"id":2002,"email":"carol@example.com","total_price":"40.00","currency":"USD"}`)
	resp, err := svc.HandleWebhook(ctx, "shopify", "cafe", shopifyRequest(carol, "wh-carol"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].Duplicate || resp.Results[0].PointsAwarded != 60 {
		t.Errorf("Expected carol's order to earn 60 points, got %+v", resp.Results)
	}
}

func shopifyRequest(body []byte, webhookID string) providers.Request {
	mac := hmac.New(sha256.New, []byte(shopifySecret))
	mac.Write(body)
	h := http.Header{}
	h.Set(providers.ShopifyHmacHeader, base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	h.Set(providers.ShopifyTopicHeader, "orders/paid")
	h.Set(providers.ShopifyWebhookIDHeader, webhookID)
	return providers.Request{Headers: h, Body: body}
}

func TestHandleWebhook_DuplicateStorm(t *testing.T) {
	svc, db := setupTestService(t)
	registerMerchant(t, svc, testMerchant("cafe"))
	ctx := context.Background()

	body := []byte(`{"id":820982911946154508,"email":"bob@example.com","total_price":"20.00","currency":"USD","created_at":"2026-03-01T10:00:00Z","customer":{"id":115310627314723954,"first_name":"Bob","last_name":"Norman"}}`)

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		duplicates int
		applied    int
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := svc.HandleWebhook(ctx, "shopify", "cafe", shopifyRequest(body, "wh-1"))
			if err != nil {
				t.Errorf("Delivery failed: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, r := range resp.Results {
				if r.Duplicate {
					duplicates++
				} else {
					applied++
				}
			}
		}()
	}
	wg.Wait()

	if applied != 1 || duplicates != 2 {
		t.Errorf("Expected 1 applied and 2 duplicates, got %d and %d", applied, duplicates)
	}
	account := balanceOf(t, svc, "cafe", "bob@example.com")
	if account.Points != 30 {
		t.Errorf("Expected balance 30, got %d", account.Points)
	}
	_, count, err := db.SumTransactions(ctx, account.ID)
	if err != nil {
		t.Fatalf("Failed to count transactions: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected exactly 1 EARN, got %d transactions", count)
	}
}

func TestHandleWebhook_Rejections(t *testing.T) {
	flags := features.NewDefaultManager(true, true, true)
	svc, _ := setupTestService(t, WithFeatures(flags))
	registerMerchant(t, svc, testMerchant("cafe"))
	ctx := context.Background()
	body := []byte(`{"id":1,"email":"bob@example.com","total_price":"20.00","currency":"USD"}`)

	req := shopifyRequest(body, "wh-1")
	req.Body = []byte(`{"id":1,"email":"bob@example.com","total_price":"2000.00","currency":"USD"}`)
	if _, err := svc.HandleWebhook(ctx, "shopify", "cafe", req); !errors.Is(err, providers.ErrInvalidSignature) {
		t.Errorf("Expected ErrInvalidSignature, got %v", err)
	}
	if _, err := svc.HandleWebhook(ctx, "square", "cafe", shopifyRequest(body, "wh-1")); !errors.Is(err, providers.ErrMissingSecret) {
		t.Errorf("Expected ErrMissingSecret for an unconfigured channel, got %v", err)
	}
	if _, err := svc.HandleWebhook(ctx, "shopify", "nowhere", shopifyRequest(body, "wh-1")); !errors.Is(err, ErrMerchantNotFound) {
		t.Errorf("Expected ErrMerchantNotFound, got %v", err)
	}

	flags.Disable(features.FeatureProviderWebhooks)
	if _, err := svc.HandleWebhook(ctx, "shopify", "cafe", shopifyRequest(body, "wh-1")); !errors.Is(err, ErrFeatureDisabled) {
		t.Errorf("Expected ErrFeatureDisabled, got %v", err)
	}
}

func TestIngest_UnmatchedIdentity(t *testing.T) {
	svc, db := setupTestService(t)
	merchant, _ := registerMerchant(t, svc, testMerchant("cafe"))
	ctx := context.Background()

	resp, err := svc.Ingest(ctx, merchant, models.SettlementEvent{
		MerchantID:     merchant.ID,
		SourceChannel:  providers.ChannelCardProcessor,
		ExternalSource: "square",
		ExternalID:     "pay-anon",
		Amount:         decimal.NewFromInt(12),
		Currency:       "USD",
		OccurredAt:     time.Now().UTC(),
		Kind:           models.KindCharge,
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !resp.Unmatched || resp.PointsAwarded != 0 {
		t.Errorf("Expected unmatched event, got %+v", resp)
	}
	ev, err := db.GetEvent(ctx, merchant.ID, "square", "pay-anon")
	if err != nil {
		t.Fatalf("Failed to load event: %v", err)
	}
	if ev.Status != models.EventApplied {
		t.Errorf("Expected event closed as applied, got %s", ev.Status)
	}
}

func TestSubmitScan_AwardsVisitPointsAndLimits(t *testing.T) {
	svc, _ := setupTestService(t, WithScanLimit(1, time.Hour))
	_, cred := registerMerchant(t, svc, testMerchant("cafe"))
	ctx := context.Background()

	resp, err := svc.SubmitScan(ctx, cred, models.SubmitScanRequest{VisitID: "visit-1", CustomerEmail: "ana@example.com"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if resp.PointsAwarded != 10 {
		t.Errorf("Expected 10 visit points, got %d", resp.PointsAwarded)
	}

	_, err = svc.SubmitScan(ctx, cred, models.SubmitScanRequest{VisitID: "visit-2", CustomerEmail: "ANA@example.com"})
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("Expected ErrRateLimited for a second scan, got %v", err)
	}
}

func TestRedeemReward_NeverOverdraws(t *testing.T) {
	svc, db := setupTestService(t)
	m := testMerchant("cafe")
	m.PointsPerCurrencyUnit = decimal.NewFromInt(1)
	_, cred := registerMerchant(t, svc, m)
	ctx := context.Background()

	if _, err := svc.SubmitOrder(ctx, cred, order("ord-1", "ana@example.com", "100.00")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.RedeemReward(ctx, "cafe", "coffee", models.MemberRequest{Email: "ana@example.com"})
			switch {
			case err == nil:
				mu.Lock()
				succeeded++
				mu.Unlock()
			case errors.Is(err, ledger.ErrInsufficientBalance), errors.Is(err, ledger.ErrConflict):
			default:
				t.Errorf("Unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	account := balanceOf(t, svc, "cafe", "ana@example.com")
	if account.Points < 0 {
		t.Fatalf("Balance went negative: %d", account.Points)
	}
	if account.Points != 100-int64(succeeded)*30 {
		t.Errorf("Expected balance to reflect %d redemptions, got %d", succeeded, account.Points)
	}
	if succeeded > 3 {
		t.Errorf("Expected at most 3 redemptions, got %d", succeeded)
	}
	assertConserved(t, db, account)
}

func TestRedeemReward_UnknownReward(t *testing.T) {
	svc, _ := setupTestService(t)
	_, cred := registerMerchant(t, svc, testMerchant("cafe"))
	ctx := context.Background()
	if _, err := svc.SubmitOrder(ctx, cred, order("ord-1", "ana@example.com", "10.00")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	_, err := svc.RedeemReward(ctx, "cafe", "yacht", models.MemberRequest{Email: "ana@example.com"})
	if !errors.Is(err, ErrRewardNotFound) {
		t.Errorf("Expected ErrRewardNotFound, got %v", err)
	}
	_, err = svc.RedeemReward(ctx, "cafe", "coffee", models.MemberRequest{Email: "ghost@example.com"})
	if !errors.Is(err, ErrMemberNotFound) {
		t.Errorf("Expected ErrMemberNotFound, got %v", err)
	}
}

func TestClaimAnnualBonus_OncePerYear(t *testing.T) {
	svc, _ := setupTestService(t)
	_, cred := registerMerchant(t, svc, testMerchant("cafe"))
	ctx := context.Background()
	if _, err := svc.SubmitOrder(ctx, cred, order("ord-1", "ana@example.com", "10.00")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	resp, err := svc.ClaimAnnualBonus(ctx, "cafe", models.MemberRequest{Email: "ana@example.com"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if resp.Balance != 15+25 {
		t.Errorf("Expected balance 40, got %d", resp.Balance)
	}
	_, err = svc.ClaimAnnualBonus(ctx, "cafe", models.MemberRequest{Email: "ana@example.com"})
	if !errors.Is(err, ledger.ErrBonusAlreadyClaimed) {
		t.Errorf("Expected ErrBonusAlreadyClaimed, got %v", err)
	}
}

func TestAuthenticate(t *testing.T) {
	svc, _ := setupTestService(t)
	merchant, _ := registerMerchant(t, svc, testMerchant("cafe"))
	ctx := context.Background()

	cred, err := svc.Authenticate(ctx, "key-cafe")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if cred.MerchantID != merchant.ID {
		t.Errorf("Expected credential for %s, got %s", merchant.ID, cred.MerchantID)
	}
	for _, key := range []string{"", "  ", "wrong-key"} {
		if _, err := svc.Authenticate(ctx, key); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("Key %q: expected ErrUnauthorized, got %v", key, err)
		}
	}
}

func TestAdjustAccount(t *testing.T) {
	svc, _ := setupTestService(t)
	_, cred := registerMerchant(t, svc, testMerchant("cafe"))
	ctx := context.Background()
	if _, err := svc.SubmitOrder(ctx, cred, order("ord-1", "ana@example.com", "10.00")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	account := balanceOf(t, svc, "cafe", "ana@example.com")

	resp, err := svc.AdjustAccount(ctx, account.ID, models.AdjustRequest{Amount: -5, Reason: "goodwill correction"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if resp.Balance != 10 || resp.Transaction.Type != models.TxnAdjust {
		t.Errorf("Expected ADJUST to balance 10, got %+v", resp)
	}
	if _, err := svc.AdjustAccount(ctx, account.ID, models.AdjustRequest{Amount: -50, Reason: "too much"}); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Errorf("Expected ErrInsufficientBalance, got %v", err)
	}
	if _, err := svc.AdjustAccount(ctx, uuid.NewString(), models.AdjustRequest{Amount: 5, Reason: "x"}); !errors.Is(err, ledger.ErrAccountNotFound) {
		t.Errorf("Expected ErrAccountNotFound, got %v", err)
	}
	var verr *validation.ValidationError
	if _, err := svc.AdjustAccount(ctx, "missing", models.AdjustRequest{Amount: 5, Reason: "x"}); !errors.As(err, &verr) || verr.Field != "account_id" {
		t.Errorf("Expected account_id validation error, got %v", err)
	}
}

func TestSetFeature(t *testing.T) {
	svc, _ := setupTestService(t)
	if err := svc.SetFeature(features.FeaturePayouts, false); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	for _, f := range svc.Features() {
		if f.Name == features.FeaturePayouts && f.Enabled {
			t.Error("Expected payouts to be disabled")
		}
	}
	if err := svc.SetFeature("teleport", true); !errors.Is(err, ErrFeatureNotFound) {
		t.Errorf("Expected ErrFeatureNotFound, got %v", err)
	}
}
