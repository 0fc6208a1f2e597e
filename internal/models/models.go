package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventKind is the tagged variant of a SettlementEvent.
type EventKind string

const (
	KindCharge EventKind = "CHARGE"
	KindRefund EventKind = "REFUND"
	KindVisit  EventKind = "VISIT"
)

// EventStatus tracks whether a recorded event has reached the ledger.
type EventStatus string

const (
	EventPending EventStatus = "PENDING"
	EventApplied EventStatus = "APPLIED"
)

// TransactionType classifies a ledger mutation.
type TransactionType string

const (
	TxnEarn   TransactionType = "EARN"
	TxnRedeem TransactionType = "REDEEM"
	TxnAdjust TransactionType = "ADJUST"
	TxnPayout TransactionType = "PAYOUT"
)

// TransactionStatus is the settlement status of a ledger row.
type TransactionStatus string

const (
	StatusSuccess TransactionStatus = "SUCCESS"
	StatusFailed  TransactionStatus = "FAILED"
	StatusPending TransactionStatus = "PENDING"
)

// ClaimStage is the position of a payout claim in the settlement state machine.
type ClaimStage string

const (
	StageReserved        ClaimStage = "RESERVED"
	StageTransferPending ClaimStage = "TRANSFER_PENDING"
	StageSuccess         ClaimStage = "SUCCESS"
	StageFailed          ClaimStage = "FAILED"
)

// Welcome bonus scopes.
const (
	BonusScopeNewMember  = "new_member"
	BonusScopeNewAccount = "new_account"
)

// Refund shortfall policies.
const (
	ShortfallForgive = "forgive"
	ShortfallTrack   = "track"
)

// API credential scopes.
const (
	ScopeWriteOrders = "write:orders"
	ScopeReadOrders  = "read:orders"
	ScopeWriteScans  = "write:scans"
)

// Member is a person, globally unique by lower-cased email.
type Member struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	FirstName     string    `json:"first_name,omitempty"`
	LastName      string    `json:"last_name,omitempty"`
	WalletAddress string    `json:"wallet_address,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Milestone unlocks a stablecoin payout once the balance reaches Points.
type Milestone struct {
	Points int64           `json:"points"`
	Amount decimal.Decimal `json:"amount"`
}

// Reward is a store reward redeemable for points.
type Reward struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	PointsCost int64  `json:"points_cost"`
}

// Merchant is a tenant and its reward configuration.
type Merchant struct {
	ID                    string            `json:"id"`
	Slug                  string            `json:"slug"`
	Name                  string            `json:"name"`
	Enabled               bool              `json:"enabled"`
	PointsPerCurrencyUnit decimal.Decimal   `json:"points_per_currency_unit"`
	Currency              string            `json:"currency,omitempty"`
	WelcomeBonusPoints    int64             `json:"welcome_bonus_points"`
	WelcomeBonusScope     string            `json:"welcome_bonus_scope"`
	PointsPerVisit        int64             `json:"points_per_visit"`
	AnnualBonusPoints     int64             `json:"annual_bonus_points"`
	RefundShortfallPolicy string            `json:"refund_shortfall_policy"`
	PayoutsEnabled        bool              `json:"payouts_enabled"`
	PayoutCurrency        string            `json:"payout_currency"`
	PayoutNetwork         string            `json:"payout_network"`
	TreasuryWallet        string            `json:"treasury_wallet,omitempty"`
	PayoutCooldown        time.Duration     `json:"payout_cooldown"`
	Milestones            []Milestone       `json:"milestones"`
	Rewards               []Reward          `json:"rewards"`
	WebhookSecrets        map[string]string `json:"-"`
}

// MembershipAccount is the (merchant, member) balance holder.
type MembershipAccount struct {
	ID              string     `json:"id"`
	MerchantID      string     `json:"merchant_id"`
	MemberID        string     `json:"member_id"`
	Points          int64      `json:"points"`
	Version         int64      `json:"-"`
	RefundShortfall int64      `json:"refund_shortfall"`
	LastPayoutAt    *time.Time `json:"last_payout_at,omitempty"`
	LastBonusYear   int        `json:"last_bonus_year,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// CustomerIdentity is whatever an external channel knows about the customer.
type CustomerIdentity struct {
	Email              string `json:"email,omitempty"`
	Phone              string `json:"phone,omitempty"`
	ProviderCustomerID string `json:"provider_customer_id,omitempty"`
	FirstName          string `json:"first_name,omitempty"`
	LastName           string `json:"last_name,omitempty"`
}

// SettlementEvent is the provider-agnostic form of something that moves points.
// (MerchantID, ExternalSource, ExternalID) is unique across all time.
type SettlementEvent struct {
	ID                  string           `json:"id"`
	MerchantID          string           `json:"merchant_id"`
	SourceChannel       string           `json:"source_channel"`
	ExternalSource      string           `json:"external_source"`
	ExternalID          string           `json:"external_id"`
	IdempotencyKey      string           `json:"idempotency_key,omitempty"`
	Customer            CustomerIdentity `json:"customer"`
	Amount              decimal.Decimal  `json:"amount"`
	Currency            string           `json:"currency"`
	OccurredAt          time.Time        `json:"occurred_at"`
	Kind                EventKind        `json:"kind"`
	RefundOf            string           `json:"refund_of,omitempty"`
	Status              EventStatus      `json:"status"`
	PointsAwarded       int64            `json:"points_awarded"`
	RefundedPoints      int64            `json:"refunded_points,omitempty"`
	MembershipAccountID string           `json:"membership_account_id,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
}

// LedgerTransaction is one immutable balance mutation.
type LedgerTransaction struct {
	ID                  string            `json:"id"`
	MembershipAccountID string            `json:"membership_account_id"`
	Type                TransactionType   `json:"type"`
	Amount              int64             `json:"amount"`
	ResultingBalance    int64             `json:"resulting_balance"`
	Reason              string            `json:"reason"`
	Status              TransactionStatus `json:"status"`
	LinkedExternalRef   string            `json:"linked_external_ref,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
}

// PayoutClaim converts points into an external stablecoin transfer.
type PayoutClaim struct {
	ID                  string            `json:"id"`
	MembershipAccountID string            `json:"membership_account_id"`
	PointsRequested     int64             `json:"points_requested"`
	PayoutAmount        decimal.Decimal   `json:"payout_amount"`
	Currency            string            `json:"currency"`
	Network             string            `json:"network"`
	DestinationAddress  string            `json:"destination_address"`
	Status              TransactionStatus `json:"status"`
	Stage               ClaimStage        `json:"stage"`
	TransferRef         string            `json:"transfer_ref,omitempty"`
	FailureReason       string            `json:"failure_reason,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	CompletedAt         *time.Time        `json:"completed_at,omitempty"`
}

// APICredential is a per-merchant API key with scoped permissions.
type APICredential struct {
	ID                 string   `json:"id"`
	MerchantID         string   `json:"merchant_id"`
	KeyHash            string   `json:"-"`
	Scopes             []string `json:"scopes"`
	RateLimitPerMinute int      `json:"rate_limit_per_minute"`
	Active             bool     `json:"active"`
}

// HasScope reports whether the credential carries scope.
func (c APICredential) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// SubmitOrderRequest is the body of POST /v1/orders.
type SubmitOrderRequest struct {
	ExternalID     string          `json:"external_id"`
	Source         string          `json:"source"`
	CustomerEmail  string          `json:"customer_email"`
	CustomerName   string          `json:"customer_name,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	OccurredAt     *time.Time      `json:"occurred_at,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Kind           string          `json:"kind,omitempty"`
	RefundOf       string          `json:"refund_of,omitempty"`
}

// SubmitScanRequest is the body of POST /v1/scans.
type SubmitScanRequest struct {
	VisitID       string `json:"visit_id"`
	CustomerEmail string `json:"customer_email"`
	LocationID    string `json:"location_id,omitempty"`
}

// IngestResponse is returned for every accepted or duplicate event.
type IngestResponse struct {
	Success       bool   `json:"success"`
	PointsAwarded int64  `json:"points_awarded"`
	Duplicate     bool   `json:"duplicate,omitempty"`
	Unmatched     bool   `json:"unmatched,omitempty"`
	Balance       *int64 `json:"balance,omitempty"`
	EventID       string `json:"event_id,omitempty"`
}

// WebhookResponse summarises a provider delivery, which may carry several events.
type WebhookResponse struct {
	Received int              `json:"received"`
	Results  []IngestResponse `json:"results"`
}

// PayoutEligibility is returned by GET /v1/merchants/{slug}/payouts.
type PayoutEligibility struct {
	CurrentPoints   int64           `json:"current_points"`
	PointsNeeded    int64           `json:"points_needed"`
	MilestonePoints int64           `json:"milestone_points"`
	PayoutAmount    decimal.Decimal `json:"payout_amount"`
	Currency        string          `json:"currency"`
	HasWallet       bool            `json:"has_wallet"`
	PayoutsEnabled  bool            `json:"payouts_enabled"`
	Eligible        bool            `json:"eligible"`
}

// ClaimPayoutRequest is the body of POST /v1/merchants/{slug}/payouts.
type ClaimPayoutRequest struct {
	Email              string `json:"email"`
	MilestonePoints    int64  `json:"milestone_points,omitempty"`
	DestinationAddress string `json:"destination_address,omitempty"`
}

// ClaimPayoutResponse is the terminal outcome of a payout claim.
type ClaimPayoutResponse struct {
	ClaimID     string            `json:"claim_id"`
	Status      TransactionStatus `json:"status"`
	TransferRef string            `json:"transfer_ref,omitempty"`
	Refunded    bool              `json:"refunded,omitempty"`
	Points      int64             `json:"points"`
	Amount      decimal.Decimal   `json:"amount"`
	Currency    string            `json:"currency"`
	Message     string            `json:"message"`
}

// MemberRequest identifies the member acting on a merchant endpoint.
type MemberRequest struct {
	Email string `json:"email"`
}

// LedgerResponse is returned by member and admin balance mutations.
type LedgerResponse struct {
	Transaction LedgerTransaction `json:"transaction"`
	Balance     int64             `json:"balance"`
}

// AccountSummary is returned by the member lookup endpoint.
type AccountSummary struct {
	Member       Member              `json:"member"`
	Account      MembershipAccount   `json:"account"`
	Transactions []LedgerTransaction `json:"transactions"`
}

// AdjustRequest is the body of the admin adjust endpoint.
type AdjustRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

// ResolvePayoutRequest closes a stuck claim after manual reconciliation.
type ResolvePayoutRequest struct {
	Outcome     string `json:"outcome"` // "success" or "failed"
	TransferRef string `json:"transfer_ref,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
}
