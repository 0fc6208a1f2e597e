package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"loyalty-ledger/internal/database"
	"loyalty-ledger/internal/events"
	"loyalty-ledger/internal/features"
	"loyalty-ledger/internal/ledger"
	"loyalty-ledger/internal/membership"
	"loyalty-ledger/internal/metrics"
	"loyalty-ledger/internal/models"
	"loyalty-ledger/internal/payout"
	"loyalty-ledger/internal/providers"
	"loyalty-ledger/internal/ratelimit"
	"loyalty-ledger/internal/recorder"
	"loyalty-ledger/internal/tracing"
	"loyalty-ledger/internal/validation"
)

var (
	ErrMerchantNotFound = errors.New("merchant not found")
	ErrMerchantDisabled = errors.New("merchant is disabled")
	ErrUnauthorized     = errors.New("invalid or missing API key")
	ErrForbidden        = errors.New("API key lacks the required scope")
	ErrRateLimited      = errors.New("too many requests")
	ErrFeatureDisabled  = errors.New("feature is disabled")
	ErrFeatureNotFound  = errors.New("feature flag not found")
	ErrMemberNotFound   = errors.New("member not found")
	ErrRewardNotFound   = errors.New("reward not found")
	ErrEventNotFound    = errors.New("event not found")
	ErrRefundPending    = errors.New("refunded charge is still being applied, retry later")
)

const historyLimit = 50

// Service provides business logic for the loyalty ledger API.
type Service struct {
	db        *database.DB
	recorder  *recorder.Recorder
	resolver  *membership.Resolver
	ledger    *ledger.Ledger
	payouts   *payout.Engine
	providers *providers.Registry
	guard     *ratelimit.Guard
	bus       *events.Manager
	flags     *features.Manager
	logger    *slog.Logger
	metrics   *metrics.IngestMetrics

	scanLimit    int64
	scanWindow   time.Duration
	replayLimit  int64
	replayWindow time.Duration
	now          func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithPayoutEngine supplies a configured payout engine.
func WithPayoutEngine(e *payout.Engine) Option {
	return func(s *Service) { s.payouts = e }
}

// WithProviders overrides the webhook adapter registry.
func WithProviders(r *providers.Registry) Option {
	return func(s *Service) { s.providers = r }
}

// WithGuard sets the rate guard shared by scans and replay protection.
func WithGuard(g *ratelimit.Guard) Option {
	return func(s *Service) { s.guard = g }
}

// WithEvents sets the event bus.
func WithEvents(bus *events.Manager) Option {
	return func(s *Service) { s.bus = bus }
}

// WithFeatures sets the feature flag manager.
func WithFeatures(f *features.Manager) Option {
	return func(s *Service) { s.flags = f }
}

// WithScanLimit bounds in-store scans per member and merchant.
func WithScanLimit(limit int64, window time.Duration) Option {
	return func(s *Service) {
		s.scanLimit = limit
		s.scanWindow = window
	}
}

// WithReplayLimit bounds how often the same external event may be submitted.
func WithReplayLimit(limit int64, window time.Duration) Option {
	return func(s *Service) {
		s.replayLimit = limit
		s.replayWindow = window
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new service instance.
func NewService(db *database.DB, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		db:           db,
		recorder:     recorder.New(db),
		resolver:     membership.NewResolver(db),
		ledger:       ledger.New(db, logger),
		providers:    providers.DefaultRegistry(),
		logger:       logger,
		metrics:      metrics.Ingest(),
		scanLimit:    3,
		scanWindow:   time.Hour,
		replayLimit:  10,
		replayWindow: time.Minute,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.guard == nil {
		s.guard = ratelimit.NewGuard(ratelimit.NewMemoryStore(), logger)
	}
	if s.flags == nil {
		s.flags = features.NewDefaultManager(true, true, true)
	}
	if s.payouts == nil {
		s.payouts = payout.NewEngine(db,
			payout.WithFeatures(s.flags),
			payout.WithEvents(s.bus),
			payout.WithLogger(logger),
		)
	}
	return s
}

// Ping checks the database.
func (s *Service) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// HashAPIKey returns the stored form of a raw API key.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Authenticate resolves a raw API key to an active credential.
func (s *Service) Authenticate(ctx context.Context, rawKey string) (models.APICredential, error) {
	rawKey = strings.TrimSpace(rawKey)
	if rawKey == "" {
		return models.APICredential{}, ErrUnauthorized
	}
	cred, err := s.db.GetAPICredentialByHash(ctx, HashAPIKey(rawKey))
	if errors.Is(err, database.ErrNotFound) {
		return models.APICredential{}, ErrUnauthorized
	}
	if err != nil {
		return models.APICredential{}, fmt.Errorf("failed to load API credential: %w", err)
	}
	if !cred.Active {
		return models.APICredential{}, ErrUnauthorized
	}
	return cred, nil
}

// RegisterMerchant validates and stores a merchant configuration.
func (s *Service) RegisterMerchant(ctx context.Context, m models.Merchant) (models.Merchant, error) {
	if m.WelcomeBonusScope == "" {
		m.WelcomeBonusScope = models.BonusScopeNewMember
	}
	if m.RefundShortfallPolicy == "" {
		m.RefundShortfallPolicy = models.ShortfallForgive
	}
	m.PayoutCurrency = strings.ToUpper(m.PayoutCurrency)
	m.Currency = strings.ToUpper(strings.TrimSpace(m.Currency))
	if err := validation.ValidateMerchant(m); err != nil {
		return models.Merchant{}, err
	}
	if m.TreasuryWallet != "" {
		addr, err := payout.NormalizeAddress(m.TreasuryWallet)
		if err != nil {
			return models.Merchant{}, &validation.ValidationError{Field: "treasury_wallet", Message: "must be a valid address"}
		}
		m.TreasuryWallet = addr
	}
	if m.ID == "" {
		existing, err := s.db.GetMerchantBySlug(ctx, m.Slug)
		switch {
		case err == nil:
			m.ID = existing.ID
		case errors.Is(err, database.ErrNotFound):
			m.ID = uuid.NewString()
		default:
			return models.Merchant{}, fmt.Errorf("failed to load merchant: %w", err)
		}
	}
	if err := s.db.UpsertMerchant(ctx, m); err != nil {
		return models.Merchant{}, fmt.Errorf("failed to store merchant: %w", err)
	}
	return m, nil
}

// RegisterAPIKey stores the hash of rawKey as a credential for merchantID.
func (s *Service) RegisterAPIKey(ctx context.Context, merchantID, rawKey string, scopes []string, perMinute int) (models.APICredential, error) {
	if strings.TrimSpace(rawKey) == "" {
		return models.APICredential{}, &validation.ValidationError{Field: "key", Message: "is required"}
	}
	hash := HashAPIKey(rawKey)
	cred := models.APICredential{
		ID:                 uuid.NewString(),
		MerchantID:         merchantID,
		KeyHash:            hash,
		Scopes:             scopes,
		RateLimitPerMinute: perMinute,
		Active:             true,
	}
	if existing, err := s.db.GetAPICredentialByHash(ctx, hash); err == nil {
		cred.ID = existing.ID
	}
	if err := s.db.UpsertAPICredential(ctx, cred); err != nil {
		return models.APICredential{}, fmt.Errorf("failed to store API credential: %w", err)
	}
	return cred, nil
}

// SubmitOrder ingests a programmatic order or refund.
func (s *Service) SubmitOrder(ctx context.Context, cred models.APICredential, req models.SubmitOrderRequest) (models.IngestResponse, error) {
	if !cred.HasScope(models.ScopeWriteOrders) {
		return models.IngestResponse{}, ErrForbidden
	}
	merchant, err := s.activeMerchant(ctx, cred.MerchantID)
	if err != nil {
		return models.IngestResponse{}, err
	}
	now := s.now()
	if err := validation.ValidateOrder(req, now); err != nil {
		return models.IngestResponse{}, err
	}

	ev := providers.FromOrderSubmission(merchant.ID, req)
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = now
	}
	return s.Ingest(ctx, merchant, ev)
}

// GetOrder returns a recorded event by its external key.
func (s *Service) GetOrder(ctx context.Context, cred models.APICredential, source, externalID string) (models.SettlementEvent, error) {
	if !cred.HasScope(models.ScopeReadOrders) {
		return models.SettlementEvent{}, ErrForbidden
	}
	ev, err := s.db.GetEvent(ctx, cred.MerchantID, strings.ToLower(source), externalID)
	if errors.Is(err, database.ErrNotFound) {
		return models.SettlementEvent{}, ErrEventNotFound
	}
	if err != nil {
		return models.SettlementEvent{}, fmt.Errorf("failed to load event: %w", err)
	}
	return ev, nil
}

// SubmitScan awards visit points for an in-store scan.
func (s *Service) SubmitScan(ctx context.Context, cred models.APICredential, req models.SubmitScanRequest) (models.IngestResponse, error) {
	if !cred.HasScope(models.ScopeWriteScans) {
		return models.IngestResponse{}, ErrForbidden
	}
	merchant, err := s.activeMerchant(ctx, cred.MerchantID)
	if err != nil {
		return models.IngestResponse{}, err
	}
	if err := validation.ValidateScan(req); err != nil {
		return models.IngestResponse{}, err
	}

	key := ratelimit.Key("scan", merchant.ID, membership.NormalizeEmail(req.CustomerEmail))
	if d := s.guard.CheckAndIncrement(ctx, key, s.scanLimit, s.scanWindow); !d.Allowed {
		return models.IngestResponse{}, ErrRateLimited
	}

	ev := providers.FromScan(merchant.ID, req)
	ev.OccurredAt = s.now()
	return s.Ingest(ctx, merchant, ev)
}

// HandleWebhook verifies and ingests a provider delivery for the merchant
// identified by slug. A delivery may carry zero or more settlement events.
func (s *Service) HandleWebhook(ctx context.Context, channel, slug string, req providers.Request) (models.WebhookResponse, error) {
	if !s.flags.IsEnabled(features.FeatureProviderWebhooks) {
		return models.WebhookResponse{}, ErrFeatureDisabled
	}
	merchant, err := s.merchantBySlug(ctx, slug)
	if err != nil {
		return models.WebhookResponse{}, err
	}

	evs, err := s.providers.Parse(channel, req, merchant.WebhookSecrets[channel])
	if err != nil {
		s.metrics.RecordEvent(channel, "rejected")
		s.logger.Warn("webhook rejected",
			"channel", channel,
			"merchant", merchant.Slug,
			"error", err,
		)
		return models.WebhookResponse{}, err
	}

	resp := models.WebhookResponse{Received: len(evs), Results: make([]models.IngestResponse, 0, len(evs))}
	for _, ev := range evs {
		ev.MerchantID = merchant.ID
		if ev.OccurredAt.IsZero() {
			ev.OccurredAt = s.now()
		}
		result, err := s.Ingest(ctx, merchant, ev)
		if err != nil {
			return models.WebhookResponse{}, err
		}
		resp.Results = append(resp.Results, result)
	}
	return resp, nil
}

// Ingest records ev and, exactly once per external event, applies its points.
// Duplicate deliveries succeed with the original award.
func (s *Service) Ingest(ctx context.Context, merchant models.Merchant, ev models.SettlementEvent) (resp models.IngestResponse, err error) {
	ctx, span := tracing.Start(ctx, "service.ingest",
		tracing.MerchantKey.String(merchant.ID),
		tracing.ChannelKey.String(ev.SourceChannel),
		tracing.SourceKey.String(ev.ExternalSource),
		tracing.ExternalIDKey.String(ev.ExternalID),
		tracing.EventKindKey.String(string(ev.Kind)),
	)
	defer func() { tracing.End(span, err) }()

	channel := ev.SourceChannel
	if ev.Kind != models.KindVisit && merchant.Currency != "" && !strings.EqualFold(ev.Currency, merchant.Currency) {
		s.metrics.RecordEvent(channel, "rejected")
		return models.IngestResponse{}, &validation.ValidationError{
			Field:   "currency",
			Message: fmt.Sprintf("must be %s for this merchant", merchant.Currency),
		}
	}

	key := ratelimit.Key("replay", merchant.ID, ev.ExternalSource, ev.ExternalID)
	if d := s.guard.CheckAndIncrement(ctx, key, s.replayLimit, s.replayWindow); !d.Allowed {
		s.metrics.RecordEvent(channel, "rate_limited")
		return models.IngestResponse{}, ErrRateLimited
	}

	recorded, err := s.recorder.Record(ctx, ev)
	if err != nil {
		s.metrics.RecordEvent(channel, "error")
		return models.IngestResponse{}, err
	}
	if !recorded.Accepted && !recorded.Resumable {
		s.metrics.RecordEvent(channel, "duplicate")
		span.SetAttributes(tracing.OutcomeKey.String("duplicate"))
		return s.duplicate(ctx, recorded.Event), nil
	}
	ev = recorded.Event

	logger := s.logger.With(
		"merchant_id", merchant.ID,
		"event_id", ev.ID,
		"external_source", ev.ExternalSource,
		"external_id", ev.ExternalID,
	)
	if recorded.Resumable {
		logger.Info("resuming pending settlement event")
	}

	switch ev.Kind {
	case models.KindRefund:
		resp, err = s.applyRefund(ctx, merchant, ev)
	default:
		resp, err = s.applyEarn(ctx, merchant, ev)
	}
	switch {
	case errors.Is(err, database.ErrEventAlreadyApplied):
		// A concurrent delivery of the same event won the race.
		s.metrics.RecordEvent(channel, "duplicate")
		span.SetAttributes(tracing.OutcomeKey.String("duplicate"))
		latest, lerr := s.db.GetEventByID(ctx, ev.ID)
		if lerr != nil {
			return models.IngestResponse{}, fmt.Errorf("failed to load applied event: %w", lerr)
		}
		return s.duplicate(ctx, latest), nil
	case err != nil:
		s.metrics.RecordEvent(channel, "error")
		logger.Error("failed to apply settlement event", "error", err)
		return models.IngestResponse{}, err
	}

	switch {
	case resp.Unmatched:
		s.metrics.RecordEvent(channel, "unmatched")
		span.SetAttributes(tracing.OutcomeKey.String("unmatched"))
		logger.Info("settlement event matched no member")
	default:
		s.metrics.RecordEvent(channel, "applied")
		span.SetAttributes(tracing.OutcomeKey.String("applied"), tracing.PointsKey.Int64(resp.PointsAwarded))
		logger.Info("settlement event applied", "points", resp.PointsAwarded)
	}
	resp.EventID = ev.ID
	return resp, nil
}

func (s *Service) applyEarn(ctx context.Context, merchant models.Merchant, ev models.SettlementEvent) (models.IngestResponse, error) {
	res, err := s.resolver.Resolve(ctx, merchant, ev.ExternalSource, ev.Customer)
	if errors.Is(err, membership.ErrUnknownIdentity) {
		if err := s.db.MarkEventApplied(ctx, ev.ID, "", 0); err != nil {
			return models.IngestResponse{}, err
		}
		return models.IngestResponse{Success: true, Unmatched: true}, nil
	}
	if err != nil {
		return models.IngestResponse{}, err
	}
	account := res.Account
	if res.WelcomeBonus != nil {
		s.bus.PublishPoints(ctx, events.EventPointsAwarded, events.PointsData{
			MerchantID: merchant.ID,
			AccountID:  account.ID,
			Points:     res.WelcomeBonus.Amount,
			Balance:    res.WelcomeBonus.ResultingBalance,
		})
	}

	var points int64
	reason := "purchase"
	switch ev.Kind {
	case models.KindVisit:
		points = merchant.PointsPerVisit
		reason = "visit"
	default:
		points = ledger.PointsForAmount(ev.Amount, merchant.PointsPerCurrencyUnit)
	}

	if points <= 0 {
		if err := s.db.MarkEventApplied(ctx, ev.ID, account.ID, 0); err != nil {
			return models.IngestResponse{}, err
		}
		balance := account.Points
		return models.IngestResponse{Success: true, Balance: &balance}, nil
	}

	applied, err := s.ledger.Earn(ctx, account.ID, points, reason, ev.ExternalID, ev.ID)
	if err != nil {
		return models.IngestResponse{}, err
	}
	balance := applied.Transaction.ResultingBalance
	s.bus.PublishPoints(ctx, events.EventPointsAwarded, events.PointsData{
		MerchantID:  merchant.ID,
		AccountID:   account.ID,
		EventID:     ev.ID,
		Points:      applied.Transaction.Amount,
		Balance:     balance,
		ExternalRef: ev.ExternalID,
	})
	return models.IngestResponse{Success: true, PointsAwarded: applied.Transaction.Amount, Balance: &balance}, nil
}

// applyRefund reverses points for a refund of a previously recorded charge.
// All refunds of one charge together never deduct more than it awarded. A
// refund whose charge is still PENDING stays PENDING and is applied when the
// delivery is retried.
func (s *Service) applyRefund(ctx context.Context, merchant models.Merchant, ev models.SettlementEvent) (models.IngestResponse, error) {
	original, err := s.db.GetEvent(ctx, merchant.ID, ev.ExternalSource, ev.RefundOf)
	if errors.Is(err, database.ErrNotFound) {
		if err := s.db.MarkEventApplied(ctx, ev.ID, "", 0); err != nil {
			return models.IngestResponse{}, err
		}
		return models.IngestResponse{Success: true, Unmatched: true}, nil
	}
	if err != nil {
		return models.IngestResponse{}, fmt.Errorf("failed to load refunded event: %w", err)
	}
	if original.Status == models.EventPending {
		return models.IngestResponse{}, ErrRefundPending
	}

	points := ledger.PointsForAmount(ev.Amount, merchant.PointsPerCurrencyUnit)
	if remaining := original.PointsAwarded - original.RefundedPoints; points > remaining {
		points = remaining
	}
	if original.MembershipAccountID == "" || points <= 0 {
		return s.closeRefund(ctx, ev, original.MembershipAccountID)
	}

	applied, err := s.ledger.ReverseForRefund(ctx, original.MembershipAccountID, points,
		merchant.RefundShortfallPolicy, ev.ExternalID, ev.ID, original.ID)
	if errors.Is(err, ledger.ErrRefundExhausted) {
		// A concurrent refund of the same charge took the rest.
		return s.closeRefund(ctx, ev, original.MembershipAccountID)
	}
	if err != nil {
		return models.IngestResponse{}, err
	}
	balance := applied.Transaction.ResultingBalance
	s.bus.PublishPoints(ctx, events.EventPointsReversed, events.PointsData{
		MerchantID:  merchant.ID,
		AccountID:   original.MembershipAccountID,
		EventID:     ev.ID,
		Points:      applied.Transaction.Amount,
		Balance:     balance,
		ExternalRef: ev.RefundOf,
	})
	return models.IngestResponse{Success: true, PointsAwarded: applied.Transaction.Amount, Balance: &balance}, nil
}

// closeRefund marks a refund that moves no points as applied.
func (s *Service) closeRefund(ctx context.Context, ev models.SettlementEvent, accountID string) (models.IngestResponse, error) {
	if err := s.db.MarkEventApplied(ctx, ev.ID, accountID, 0); err != nil {
		return models.IngestResponse{}, err
	}
	resp := models.IngestResponse{Success: true, Unmatched: accountID == ""}
	if accountID != "" {
		if account, err := s.db.GetAccount(ctx, accountID); err == nil {
			resp.Balance = &account.Points
		}
	}
	return resp, nil
}

func (s *Service) duplicate(ctx context.Context, ev models.SettlementEvent) models.IngestResponse {
	resp := models.IngestResponse{
		Success:       true,
		Duplicate:     true,
		PointsAwarded: ev.PointsAwarded,
		EventID:       ev.ID,
	}
	if ev.MembershipAccountID != "" {
		if account, err := s.db.GetAccount(ctx, ev.MembershipAccountID); err == nil {
			resp.Balance = &account.Points
		}
	}
	return resp
}

// MemberSummary returns a member's balance and recent history at a merchant.
func (s *Service) MemberSummary(ctx context.Context, slug, email string) (models.AccountSummary, error) {
	merchant, member, account, err := s.lookupMember(ctx, slug, email)
	if err != nil {
		return models.AccountSummary{}, err
	}
	history, err := s.ledger.History(ctx, account.ID, historyLimit)
	if err != nil {
		return models.AccountSummary{}, fmt.Errorf("failed to load history: %w", err)
	}
	s.logger.Debug("member summary", "merchant", merchant.Slug, "account_id", account.ID)
	return models.AccountSummary{Member: member, Account: account, Transactions: history}, nil
}

// RedeemReward spends points on a store reward.
func (s *Service) RedeemReward(ctx context.Context, slug, rewardID string, req models.MemberRequest) (models.LedgerResponse, error) {
	if err := validation.ValidateEmail(req.Email, "email"); err != nil {
		return models.LedgerResponse{}, err
	}
	merchant, _, account, err := s.lookupMember(ctx, slug, req.Email)
	if err != nil {
		return models.LedgerResponse{}, err
	}

	var reward *models.Reward
	for i := range merchant.Rewards {
		if merchant.Rewards[i].ID == rewardID {
			reward = &merchant.Rewards[i]
			break
		}
	}
	if reward == nil {
		return models.LedgerResponse{}, ErrRewardNotFound
	}

	applied, err := s.ledger.Redeem(ctx, account.ID, reward.PointsCost, "reward: "+reward.Name, reward.ID)
	if err != nil {
		return models.LedgerResponse{}, err
	}
	return models.LedgerResponse{Transaction: applied.Transaction, Balance: applied.Transaction.ResultingBalance}, nil
}

// ClaimAnnualBonus credits the merchant's annual bonus once per calendar year.
func (s *Service) ClaimAnnualBonus(ctx context.Context, slug string, req models.MemberRequest) (models.LedgerResponse, error) {
	if err := validation.ValidateEmail(req.Email, "email"); err != nil {
		return models.LedgerResponse{}, err
	}
	merchant, _, account, err := s.lookupMember(ctx, slug, req.Email)
	if err != nil {
		return models.LedgerResponse{}, err
	}
	applied, err := s.ledger.ClaimAnnualBonus(ctx, merchant, account.ID, s.now())
	if err != nil {
		return models.LedgerResponse{}, err
	}
	return models.LedgerResponse{Transaction: applied.Transaction, Balance: applied.Transaction.ResultingBalance}, nil
}

// PayoutEligibility reports the member's progress toward a payout milestone.
func (s *Service) PayoutEligibility(ctx context.Context, slug, email string, milestone int64) (models.PayoutEligibility, error) {
	if err := validation.ValidateEmail(email, "email"); err != nil {
		return models.PayoutEligibility{}, err
	}
	merchant, member, account, err := s.lookupMember(ctx, slug, email)
	if err != nil {
		return models.PayoutEligibility{}, err
	}
	return s.payouts.Eligibility(merchant, member, account, milestone)
}

// ClaimPayout converts points into a stablecoin transfer and returns the
// terminal outcome.
func (s *Service) ClaimPayout(ctx context.Context, slug string, req models.ClaimPayoutRequest) (models.ClaimPayoutResponse, error) {
	if err := validation.ValidateClaim(req); err != nil {
		return models.ClaimPayoutResponse{}, err
	}
	merchant, member, account, err := s.lookupMember(ctx, slug, req.Email)
	if err != nil {
		return models.ClaimPayoutResponse{}, err
	}
	return s.payouts.Claim(ctx, payout.ClaimRequest{
		Merchant:           merchant,
		Member:             member,
		Account:            account,
		MilestonePoints:    req.MilestonePoints,
		DestinationAddress: req.DestinationAddress,
	})
}

// AdjustAccount applies an operator correction.
func (s *Service) AdjustAccount(ctx context.Context, accountID string, req models.AdjustRequest) (models.LedgerResponse, error) {
	if err := validation.ValidateUUID(accountID, "account_id"); err != nil {
		return models.LedgerResponse{}, err
	}
	if err := validation.ValidateAdjust(req); err != nil {
		return models.LedgerResponse{}, err
	}
	applied, err := s.ledger.Adjust(ctx, accountID, req.Amount, validation.SanitizeString(req.Reason))
	if err != nil {
		return models.LedgerResponse{}, err
	}
	s.logger.Info("account adjusted",
		"account_id", accountID,
		"amount", req.Amount,
		"balance", applied.Transaction.ResultingBalance,
	)
	return models.LedgerResponse{Transaction: applied.Transaction, Balance: applied.Transaction.ResultingBalance}, nil
}

// PendingPayouts lists claims stuck before a terminal status.
func (s *Service) PendingPayouts(ctx context.Context) ([]models.PayoutClaim, error) {
	return s.payouts.PendingClaims(ctx)
}

// ResolvePayout closes a stuck claim after manual reconciliation.
func (s *Service) ResolvePayout(ctx context.Context, claimID string, req models.ResolvePayoutRequest) (models.PayoutClaim, error) {
	return s.payouts.Resolve(ctx, claimID, req.Outcome, req.TransferRef, req.Reason)
}

// Features lists the global feature flags.
func (s *Service) Features() []features.FeatureFlag {
	return s.flags.List()
}

// SetFeature toggles a global feature flag.
func (s *Service) SetFeature(name string, enabled bool) error {
	if !s.flags.Set(name, enabled) {
		return ErrFeatureNotFound
	}
	s.logger.Info("feature flag changed", "feature", name, "enabled", enabled)
	return nil
}

func (s *Service) activeMerchant(ctx context.Context, id string) (models.Merchant, error) {
	merchant, err := s.db.GetMerchant(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return models.Merchant{}, ErrMerchantNotFound
	}
	if err != nil {
		return models.Merchant{}, fmt.Errorf("failed to load merchant: %w", err)
	}
	if !merchant.Enabled {
		return models.Merchant{}, ErrMerchantDisabled
	}
	return merchant, nil
}

func (s *Service) merchantBySlug(ctx context.Context, slug string) (models.Merchant, error) {
	if err := validation.ValidateSlug(slug, "merchant"); err != nil {
		return models.Merchant{}, ErrMerchantNotFound
	}
	merchant, err := s.db.GetMerchantBySlug(ctx, slug)
	if errors.Is(err, database.ErrNotFound) {
		return models.Merchant{}, ErrMerchantNotFound
	}
	if err != nil {
		return models.Merchant{}, fmt.Errorf("failed to load merchant: %w", err)
	}
	if !merchant.Enabled {
		return models.Merchant{}, ErrMerchantDisabled
	}
	return merchant, nil
}

func (s *Service) lookupMember(ctx context.Context, slug, email string) (models.Merchant, models.Member, models.MembershipAccount, error) {
	merchant, err := s.merchantBySlug(ctx, slug)
	if err != nil {
		return models.Merchant{}, models.Member{}, models.MembershipAccount{}, err
	}
	member, account, err := s.resolver.Lookup(ctx, merchant.ID, email)
	if errors.Is(err, database.ErrNotFound) {
		return models.Merchant{}, models.Member{}, models.MembershipAccount{}, ErrMemberNotFound
	}
	if err != nil {
		return models.Merchant{}, models.Member{}, models.MembershipAccount{}, fmt.Errorf("failed to load member: %w", err)
	}
	return merchant, member, account, nil
}
