// Package payout converts points into stablecoin transfers. A claim debits the
// points before the transfer gateway is called, and every failed transfer is
// compensated by a refund written in the same transaction that marks the claim
// FAILED.
package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"loyalty-ledger/internal/database"
	"loyalty-ledger/internal/events"
	"loyalty-ledger/internal/features"
	"loyalty-ledger/internal/metrics"
	"loyalty-ledger/internal/models"
	"loyalty-ledger/internal/ratelimit"
	"loyalty-ledger/internal/tracing"
)

var (
	// ErrNotEligible is the parent of every business-rule rejection.
	ErrNotEligible = errors.New("payout: not eligible")
	// ErrNotEnabled is returned when payouts are off for the merchant.
	ErrNotEnabled = fmt.Errorf("%w: payouts are not enabled", ErrNotEligible)
	// ErrNoWalletConfigured is returned when the member has no destination.
	ErrNoWalletConfigured = fmt.Errorf("%w: no wallet configured", ErrNotEligible)
	// ErrInsufficientPoints is returned when the balance is below the milestone.
	ErrInsufficientPoints = fmt.Errorf("%w: insufficient points", ErrNotEligible)
	// ErrTooSoon is returned inside the cool-down window or while a claim is in flight.
	ErrTooSoon = fmt.Errorf("%w: payout claimed too recently", ErrNotEligible)
	// ErrUnknownMilestone is returned for a milestone the merchant does not offer.
	ErrUnknownMilestone = fmt.Errorf("%w: unknown milestone", ErrNotEligible)
	// ErrWalletLocked is returned when a claim names a destination other than
	// the wallet already on file.
	ErrWalletLocked = fmt.Errorf("%w: a different wallet is already registered", ErrNotEligible)
	// ErrInvalidAddress is returned for a malformed destination address.
	ErrInvalidAddress = errors.New("payout: invalid destination address")
	// ErrRateLimited is returned when the account exceeded its claim attempts.
	ErrRateLimited = errors.New("payout: too many claim attempts")
	// ErrTransferFailed wraps gateway failures.
	ErrTransferFailed = errors.New("payout: transfer failed")
	// ErrReconciliationRequired is returned when the outcome of a reserved claim
	// could not be persisted. The claim stays TRANSFER_PENDING for an operator.
	ErrReconciliationRequired = errors.New("payout: claim requires manual reconciliation")
	// ErrClaimNotFound is returned for unknown claim ids.
	ErrClaimNotFound = errors.New("payout: claim not found")
	// ErrClaimResolved is returned when resolving a claim that is already terminal.
	ErrClaimResolved = errors.New("payout: claim already resolved")
	// ErrClaimInFlight is returned when resolving a claim that may still be settling.
	ErrClaimInFlight = errors.New("payout: claim is still in flight")
	// ErrInvalidResolution is returned for a malformed operator resolution.
	ErrInvalidResolution = errors.New("payout: invalid resolution")
)

// Member-facing messages. Merchant-side funding problems are never exposed.
const (
	MessageSettled      = "payout sent"
	MessageFailed       = "payout could not be completed; your points have been returned"
	MessageVerification = "payout is under additional verification; your points have been returned"
)

// Store is the persistence the engine needs.
type Store interface {
	GetAccount(ctx context.Context, id string) (models.MembershipAccount, error)
	SetMemberWallet(ctx context.Context, memberID, address string) error
	ReservePayout(ctx context.Context, claim models.PayoutClaim, cooldown time.Duration) (models.PayoutClaim, models.LedgerTransaction, error)
	MarkTransferPending(ctx context.Context, claimID string) error
	CompletePayout(ctx context.Context, claimID, transferRef string) (models.PayoutClaim, error)
	FailPayout(ctx context.Context, claimID, reason string) (models.PayoutClaim, models.LedgerTransaction, error)
	GetClaim(ctx context.Context, id string) (models.PayoutClaim, error)
	ListPendingClaims(ctx context.Context, cutoff time.Time) ([]models.PayoutClaim, error)
}

// ClaimRequest is a member's request to cash out a milestone.
type ClaimRequest struct {
	Merchant           models.Merchant
	Member             models.Member
	Account            models.MembershipAccount
	MilestonePoints    int64
	DestinationAddress string
}

// Engine drives the payout state machine.
type Engine struct {
	store           Store
	gateway         TransferGateway
	guard           *ratelimit.Guard
	flags           *features.Manager
	bus             *events.Manager
	logger          *slog.Logger
	metrics         *metrics.PayoutMetrics
	transferTimeout time.Duration
	refundBase      time.Duration
	refundMaxWait   time.Duration
	claimLimit      int64
	claimWindow     time.Duration
	stuckAfter      time.Duration
	now             func() time.Time
}

// Option customises the engine.
type Option func(*Engine)

// WithGateway supplies the transfer gateway.
func WithGateway(g TransferGateway) Option {
	return func(e *Engine) { e.gateway = g }
}

// WithRateGuard enables claim attempt limiting.
func WithRateGuard(g *ratelimit.Guard, limit int64, window time.Duration) Option {
	return func(e *Engine) {
		e.guard = g
		e.claimLimit = limit
		e.claimWindow = window
	}
}

// WithFeatures supplies the global feature flags.
func WithFeatures(f *features.Manager) Option {
	return func(e *Engine) { e.flags = f }
}

// WithEvents supplies the event bus for merchant notifications.
func WithEvents(bus *events.Manager) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithTransferTimeout bounds a single gateway call.
func WithTransferTimeout(d time.Duration) Option {
	return func(e *Engine) { e.transferTimeout = d }
}

// WithRefundRetry configures the compensating refund backoff.
func WithRefundRetry(initial, maxWait time.Duration) Option {
	return func(e *Engine) {
		e.refundBase = initial
		e.refundMaxWait = maxWait
	}
}

// WithStuckAfter sets how old a pending claim must be before it is listed
// for reconciliation or may be resolved by an operator.
func WithStuckAfter(d time.Duration) Option {
	return func(e *Engine) { e.stuckAfter = d }
}

// WithClock sets the time source.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.now = clock }
}

// NewEngine constructs a payout engine.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:           store,
		logger:          slog.Default(),
		metrics:         metrics.Payout(),
		transferTimeout: 30 * time.Second,
		refundBase:      200 * time.Millisecond,
		refundMaxWait:   30 * time.Second,
		stuckAfter:      5 * time.Minute,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NormalizeAddress validates an EVM address and returns its checksummed form.
func NormalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) {
		return "", ErrInvalidAddress
	}
	a := common.HexToAddress(addr)
	if a == (common.Address{}) {
		return "", ErrInvalidAddress
	}
	return a.Hex(), nil
}

// SelectMilestone picks the milestone to pay. A requested milestone must be
// configured. Otherwise the highest milestone the balance reaches is chosen, or
// the lowest one when none is reachable yet.
func SelectMilestone(milestones []models.Milestone, balance, requested int64) (models.Milestone, error) {
	if len(milestones) == 0 {
		return models.Milestone{}, ErrNotEnabled
	}
	sorted := append([]models.Milestone(nil), milestones...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Points < sorted[j].Points })

	if requested > 0 {
		for _, m := range sorted {
			if m.Points == requested {
				return m, nil
			}
		}
		return models.Milestone{}, ErrUnknownMilestone
	}

	target := sorted[0]
	for _, m := range sorted {
		if m.Points <= balance {
			target = m
		}
	}
	return target, nil
}

func (e *Engine) payoutsEnabled(merchant models.Merchant) bool {
	return merchant.Enabled &&
		merchant.PayoutsEnabled &&
		strings.TrimSpace(merchant.TreasuryWallet) != "" &&
		len(merchant.Milestones) > 0 &&
		e.flags.IsEnabled(features.FeaturePayouts)
}

// Eligibility reports how close the member is to a payout without changing
// anything.
func (e *Engine) Eligibility(merchant models.Merchant, member models.Member, account models.MembershipAccount, requested int64) (models.PayoutEligibility, error) {
	out := models.PayoutEligibility{
		CurrentPoints:  account.Points,
		Currency:       merchant.PayoutCurrency,
		HasWallet:      strings.TrimSpace(member.WalletAddress) != "",
		PayoutsEnabled: e.payoutsEnabled(merchant),
	}
	if len(merchant.Milestones) == 0 {
		return out, nil
	}
	milestone, err := SelectMilestone(merchant.Milestones, account.Points, requested)
	if err != nil {
		return models.PayoutEligibility{}, err
	}
	out.MilestonePoints = milestone.Points
	out.PayoutAmount = milestone.Amount
	out.PointsNeeded = max(milestone.Points-account.Points, 0)
	out.Eligible = out.PayoutsEnabled && out.HasWallet && out.PointsNeeded == 0
	return out, nil
}

// Claim runs the state machine to a terminal outcome. Business rejections are
// returned as errors; a failed transfer is a terminal FAILED outcome with the
// points refunded, not an error. The settlement runs on a context detached from
// the caller so a disconnecting client cannot leave the claim half-done.
func (e *Engine) Claim(ctx context.Context, req ClaimRequest) (models.ClaimPayoutResponse, error) {
	ctx, span := tracing.Start(ctx, "payout.claim",
		tracing.MerchantKey.String(req.Merchant.ID),
		tracing.AccountKey.String(req.Account.ID),
	)
	resp, err := e.claim(ctx, req)
	tracing.End(span, err)
	return resp, err
}

func (e *Engine) claim(ctx context.Context, req ClaimRequest) (models.ClaimPayoutResponse, error) {
	merchant, account := req.Merchant, req.Account

	// RATE_CHECKED
	if e.guard != nil {
		d := e.guard.CheckAndIncrement(ctx, ratelimit.Key("payout", account.ID), e.claimLimit, e.claimWindow)
		if !d.Allowed {
			e.metrics.RecordClaim("rate_limited")
			return models.ClaimPayoutResponse{}, fmt.Errorf("%w: retry in %s", ErrRateLimited, d.ResetIn.Round(time.Second))
		}
	}

	// ELIGIBLE
	if !e.payoutsEnabled(merchant) {
		e.metrics.RecordClaim("not_enabled")
		return models.ClaimPayoutResponse{}, ErrNotEnabled
	}
	destination := req.Member.WalletAddress
	if strings.TrimSpace(req.DestinationAddress) != "" {
		addr, err := NormalizeAddress(req.DestinationAddress)
		if err != nil {
			return models.ClaimPayoutResponse{}, err
		}
		// Claims are addressed by email alone, so a supplied address may only
		// register the first wallet.
		if destination != "" && !strings.EqualFold(addr, destination) {
			e.metrics.RecordClaim("wallet_locked")
			return models.ClaimPayoutResponse{}, ErrWalletLocked
		}
		if destination == "" {
			err := e.store.SetMemberWallet(ctx, req.Member.ID, addr)
			if errors.Is(err, database.ErrWalletAlreadySet) {
				e.metrics.RecordClaim("wallet_locked")
				return models.ClaimPayoutResponse{}, ErrWalletLocked
			}
			if err != nil {
				return models.ClaimPayoutResponse{}, fmt.Errorf("failed to save wallet address: %w", err)
			}
			destination = addr
		}
	}
	if strings.TrimSpace(destination) == "" {
		e.metrics.RecordClaim("no_wallet")
		return models.ClaimPayoutResponse{}, ErrNoWalletConfigured
	}
	milestone, err := SelectMilestone(merchant.Milestones, account.Points, req.MilestonePoints)
	if err != nil {
		e.metrics.RecordClaim("not_eligible")
		return models.ClaimPayoutResponse{}, err
	}
	if account.Points < milestone.Points {
		e.metrics.RecordClaim("insufficient_points")
		return models.ClaimPayoutResponse{}, ErrInsufficientPoints
	}

	// RESERVED
	claim, err := e.reserve(ctx, models.PayoutClaim{
		ID:                  uuid.NewString(),
		MembershipAccountID: account.ID,
		PointsRequested:     milestone.Points,
		PayoutAmount:        milestone.Amount,
		Currency:            merchant.PayoutCurrency,
		Network:             merchant.PayoutNetwork,
		DestinationAddress:  destination,
	}, merchant.PayoutCooldown)
	if err != nil {
		return models.ClaimPayoutResponse{}, err
	}

	// From here on the points are debited; nothing may abandon the claim.
	ctx = context.WithoutCancel(ctx)
	logger := e.logger.With("claim_id", claim.ID, "account_id", account.ID, "merchant_id", merchant.ID)

	// TRANSFER_PENDING
	if err := e.store.MarkTransferPending(ctx, claim.ID); err != nil {
		logger.Warn("failed to mark transfer pending, refunding reservation", "error", err)
		return e.fail(ctx, logger, merchant, claim, fmt.Errorf("mark transfer pending: %w", err))
	}

	result, err := e.transfer(ctx, TransferRequest{
		ClaimID:     claim.ID,
		MerchantID:  merchant.ID,
		Source:      merchant.TreasuryWallet,
		Destination: destination,
		Amount:      claim.PayoutAmount,
		Currency:    claim.Currency,
		Network:     claim.Network,
	})
	if err != nil {
		logger.Warn("transfer failed, refunding reservation", "error", err)
		return e.fail(ctx, logger, merchant, claim, err)
	}
	return e.succeed(ctx, logger, merchant, claim, result.Ref)
}

func (e *Engine) reserve(ctx context.Context, claim models.PayoutClaim, cooldown time.Duration) (models.PayoutClaim, error) {
	var reserved models.PayoutClaim
	op := func() error {
		var err error
		reserved, _, err = e.store.ReservePayout(ctx, claim, cooldown)
		if errors.Is(err, database.ErrVersionConflict) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 5 * time.Millisecond
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, 5), ctx))

	switch {
	case err == nil:
		return reserved, nil
	case errors.Is(err, database.ErrPayoutTooSoon):
		e.metrics.RecordClaim("too_soon")
		return models.PayoutClaim{}, ErrTooSoon
	case errors.Is(err, database.ErrInsufficientBalance):
		e.metrics.RecordClaim("insufficient_points")
		return models.PayoutClaim{}, ErrInsufficientPoints
	default:
		e.metrics.RecordClaim("error")
		return models.PayoutClaim{}, fmt.Errorf("failed to reserve payout: %w", err)
	}
}

type transferOutcome struct {
	result TransferResult
	err    error
}

// transfer calls the gateway with a hard timeout. A panic or a gateway that
// ignores its context still yields an error.
func (e *Engine) transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	if e.gateway == nil {
		return TransferResult{}, fmt.Errorf("%w: gateway not configured", ErrTransferFailed)
	}
	ctx, span := tracing.Start(ctx, "payout.transfer", tracing.ClaimKey.String(req.ClaimID))
	ctx, cancel := context.WithTimeout(ctx, e.transferTimeout)
	defer cancel()

	start := e.now()
	done := make(chan transferOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- transferOutcome{err: fmt.Errorf("gateway panic: %v", r)}
			}
		}()
		res, err := e.gateway.Transfer(ctx, req)
		done <- transferOutcome{result: res, err: err}
	}()

	var out transferOutcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out = transferOutcome{err: fmt.Errorf("gateway timed out after %s: %w", e.transferTimeout, ctx.Err())}
	}
	e.metrics.ObserveTransfer(e.now().Sub(start))

	if out.err == nil && strings.TrimSpace(out.result.Ref) == "" {
		out.err = errors.New("gateway returned no transfer reference")
	}
	if out.err != nil {
		out.err = fmt.Errorf("%w: %w", ErrTransferFailed, out.err)
	}
	tracing.End(span, out.err)
	return out.result, out.err
}

func (e *Engine) persistWithRetry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.refundBase
	policy.MaxElapsedTime = e.refundMaxWait
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !errors.Is(err, database.ErrStorageTransient) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
}

func (e *Engine) succeed(ctx context.Context, logger *slog.Logger, merchant models.Merchant, claim models.PayoutClaim, ref string) (models.ClaimPayoutResponse, error) {
	var settled models.PayoutClaim
	err := e.persistWithRetry(ctx, func() error {
		var err error
		settled, err = e.store.CompletePayout(ctx, claim.ID, ref)
		return err
	})
	if err != nil {
		return models.ClaimPayoutResponse{}, e.reconciliationRequired(ctx, logger, merchant, claim, ref, err)
	}

	e.metrics.RecordClaim("success")
	logger.Info("payout settled", "transfer_ref", ref, "points", claim.PointsRequested, "amount", claim.PayoutAmount.String())
	e.bus.PublishPayout(ctx, events.EventPayoutSettled, merchant.ID, settled, "")
	return models.ClaimPayoutResponse{
		ClaimID:     settled.ID,
		Status:      models.StatusSuccess,
		TransferRef: ref,
		Points:      settled.PointsRequested,
		Amount:      settled.PayoutAmount,
		Currency:    settled.Currency,
		Message:     MessageSettled,
	}, nil
}

func (e *Engine) fail(ctx context.Context, logger *slog.Logger, merchant models.Merchant, claim models.PayoutClaim, cause error) (models.ClaimPayoutResponse, error) {
	underfunded := errors.Is(cause, ErrMerchantUnderfunded)
	reason := "transfer failed"
	if underfunded {
		reason = "merchant treasury underfunded"
	}

	var failed models.PayoutClaim
	err := e.persistWithRetry(ctx, func() error {
		var err error
		failed, _, err = e.store.FailPayout(ctx, claim.ID, reason)
		return err
	})
	if err != nil {
		return models.ClaimPayoutResponse{}, e.reconciliationRequired(ctx, logger, merchant, claim, "", err)
	}

	e.metrics.RecordClaim("failed")
	logger.Info("payout failed and refunded", "reason", reason, "points", claim.PointsRequested)
	e.bus.PublishPayout(ctx, events.EventPayoutFailed, merchant.ID, failed, reason)

	message := MessageFailed
	if underfunded {
		message = MessageVerification
		e.bus.Publish(ctx, events.EventMerchantUnderfunded, events.UnderfundedData{
			MerchantID:     merchant.ID,
			TreasuryWallet: merchant.TreasuryWallet,
			Amount:         claim.PayoutAmount,
			Currency:       claim.Currency,
			ClaimID:        claim.ID,
		})
	}
	return models.ClaimPayoutResponse{
		ClaimID:  failed.ID,
		Status:   models.StatusFailed,
		Refunded: true,
		Points:   failed.PointsRequested,
		Amount:   failed.PayoutAmount,
		Currency: failed.Currency,
		Message:  message,
	}, nil
}

func (e *Engine) reconciliationRequired(ctx context.Context, logger *slog.Logger, merchant models.Merchant, claim models.PayoutClaim, ref string, cause error) error {
	e.metrics.RecordReconciliationRequired()
	e.metrics.RecordClaim("reconciliation_required")
	logger.Error("payout outcome could not be persisted",
		"reconciliation_required", true,
		"transfer_ref", ref,
		"points", claim.PointsRequested,
		"destination", claim.DestinationAddress,
		"error", cause,
	)
	e.bus.PublishPayout(ctx, events.EventReconciliationRequired, merchant.ID, claim, cause.Error())
	return fmt.Errorf("%w: claim %s: %w", ErrReconciliationRequired, claim.ID, cause)
}

// PendingClaims lists claims still pending after the stuck threshold.
func (e *Engine) PendingClaims(ctx context.Context) ([]models.PayoutClaim, error) {
	return e.store.ListPendingClaims(ctx, e.now().Add(-e.stuckAfter))
}

// Resolve closes a stuck claim after an operator checked the payment rail.
// "success" keeps the debit and needs the transfer reference; "failed" refunds.
func (e *Engine) Resolve(ctx context.Context, claimID string, outcome, transferRef, reason string) (models.PayoutClaim, error) {
	claim, err := e.store.GetClaim(ctx, claimID)
	if errors.Is(err, database.ErrNotFound) {
		return models.PayoutClaim{}, ErrClaimNotFound
	}
	if err != nil {
		return models.PayoutClaim{}, err
	}
	if claim.Status != models.StatusPending {
		return models.PayoutClaim{}, ErrClaimResolved
	}
	if e.now().Sub(claim.CreatedAt) < e.stuckAfter {
		return models.PayoutClaim{}, ErrClaimInFlight
	}

	merchantID := ""
	if account, err := e.store.GetAccount(ctx, claim.MembershipAccountID); err == nil {
		merchantID = account.MerchantID
	}
	if reason == "" {
		reason = "resolved by operator"
	}

	var resolved models.PayoutClaim
	switch strings.ToLower(outcome) {
	case "success":
		if strings.TrimSpace(transferRef) == "" {
			return models.PayoutClaim{}, fmt.Errorf("%w: transfer_ref required", ErrInvalidResolution)
		}
		resolved, err = e.store.CompletePayout(ctx, claimID, transferRef)
	case "failed":
		resolved, _, err = e.store.FailPayout(ctx, claimID, reason)
	default:
		return models.PayoutClaim{}, fmt.Errorf("%w: outcome must be success or failed", ErrInvalidResolution)
	}
	if errors.Is(err, database.ErrClaimNotPending) {
		return models.PayoutClaim{}, ErrClaimResolved
	}
	if err != nil {
		return models.PayoutClaim{}, fmt.Errorf("failed to resolve claim: %w", err)
	}

	e.logger.Warn("payout claim resolved manually",
		"claim_id", claimID,
		"outcome", resolved.Status,
		"transfer_ref", transferRef,
		"reason", reason,
	)
	if resolved.Status == models.StatusSuccess {
		e.bus.PublishPayout(ctx, events.EventPayoutSettled, merchantID, resolved, reason)
	} else {
		e.bus.PublishPayout(ctx, events.EventPayoutFailed, merchantID, resolved, reason)
	}
	return resolved, nil
}
