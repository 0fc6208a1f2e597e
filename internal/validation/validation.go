package validation

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"loyalty-ledger/internal/models"
)

var (
	uuidRegex       = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
	slugRegex       = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)
	currencyRegex   = regexp.MustCompile(`^[A-Z]{3,5}$`)
	externalIDRegex = regexp.MustCompile(`^[A-Za-z0-9._:\-/#]{1,128}$`)
	sourceRegex     = regexp.MustCompile(`^[a-z0-9_\-]{1,32}$`)
)

// maxOrderAmount bounds a single submitted order.
var maxOrderAmount = decimal.NewFromInt(1_000_000)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// ValidateOrder checks a programmatic order submission.
func ValidateOrder(req models.SubmitOrderRequest, now time.Time) error {
	if err := validateExternalID(req.ExternalID, "external_id"); err != nil {
		return err
	}

	source := strings.ToLower(SanitizeString(req.Source))
	if source == "" {
		return &ValidationError{Field: "source", Message: "is required"}
	}
	if !sourceRegex.MatchString(source) {
		return &ValidationError{Field: "source", Message: "must be lowercase letters, digits, '-' or '_' (max 32)"}
	}

	if err := ValidateEmail(req.CustomerEmail, "customer_email"); err != nil {
		return err
	}

	if req.Amount.Sign() <= 0 {
		return &ValidationError{Field: "amount", Message: "must be positive"}
	}
	if req.Amount.GreaterThan(maxOrderAmount) {
		return &ValidationError{Field: "amount", Message: "exceeds maximum allowed amount"}
	}

	if err := ValidateCurrency(req.Currency, "currency"); err != nil {
		return err
	}

	if req.OccurredAt != nil {
		if req.OccurredAt.After(now.Add(time.Hour)) {
			return &ValidationError{Field: "occurred_at", Message: "cannot be more than 1 hour in the future"}
		}
		if req.OccurredAt.Before(now.AddDate(-10, 0, 0)) {
			return &ValidationError{Field: "occurred_at", Message: "cannot be more than 10 years in the past"}
		}
	}

	if req.IdempotencyKey != "" && len(req.IdempotencyKey) > 255 {
		return &ValidationError{Field: "idempotency_key", Message: "cannot exceed 255 characters"}
	}

	switch strings.ToUpper(strings.TrimSpace(req.Kind)) {
	case "", string(models.KindCharge):
		if req.RefundOf != "" {
			return &ValidationError{Field: "refund_of", Message: "only allowed for refunds"}
		}
	case string(models.KindRefund):
		if err := validateExternalID(req.RefundOf, "refund_of"); err != nil {
			return err
		}
	default:
		return &ValidationError{Field: "kind", Message: "must be CHARGE or REFUND"}
	}

	return nil
}

// ValidateScan checks an in-store scan.
func ValidateScan(req models.SubmitScanRequest) error {
	if err := validateExternalID(req.VisitID, "visit_id"); err != nil {
		return err
	}
	return ValidateEmail(req.CustomerEmail, "customer_email")
}

// ValidateClaim checks a payout claim request. The destination address, when
// present, is validated by the payout engine.
func ValidateClaim(req models.ClaimPayoutRequest) error {
	if err := ValidateEmail(req.Email, "email"); err != nil {
		return err
	}
	if req.MilestonePoints < 0 {
		return &ValidationError{Field: "milestone_points", Message: "must be non-negative"}
	}
	return nil
}

// ValidateAdjust checks an operator adjustment.
func ValidateAdjust(req models.AdjustRequest) error {
	if req.Amount == 0 {
		return &ValidationError{Field: "amount", Message: "must be non-zero"}
	}
	if SanitizeString(req.Reason) == "" {
		return &ValidationError{Field: "reason", Message: "is required"}
	}
	if len(req.Reason) > 500 {
		return &ValidationError{Field: "reason", Message: "cannot exceed 500 characters"}
	}
	return nil
}

// ValidateMerchant checks a merchant's reward configuration.
func ValidateMerchant(m models.Merchant) error {
	if err := ValidateSlug(m.Slug, "slug"); err != nil {
		return err
	}
	if SanitizeString(m.Name) == "" {
		return &ValidationError{Field: "name", Message: "is required"}
	}
	if m.PointsPerCurrencyUnit.Sign() < 0 {
		return &ValidationError{Field: "points_per_currency_unit", Message: "must be non-negative"}
	}
	if m.Currency != "" {
		if err := ValidateCurrency(m.Currency, "currency"); err != nil {
			return err
		}
	}
	for field, v := range map[string]int64{
		"welcome_bonus_points": m.WelcomeBonusPoints,
		"points_per_visit":     m.PointsPerVisit,
		"annual_bonus_points":  m.AnnualBonusPoints,
	} {
		if v < 0 {
			return &ValidationError{Field: field, Message: "must be non-negative"}
		}
	}
	switch m.WelcomeBonusScope {
	case models.BonusScopeNewMember, models.BonusScopeNewAccount:
	default:
		return &ValidationError{Field: "welcome_bonus_scope", Message: "must be new_member or new_account"}
	}
	switch m.RefundShortfallPolicy {
	case models.ShortfallForgive, models.ShortfallTrack:
	default:
		return &ValidationError{Field: "refund_shortfall_policy", Message: "must be forgive or track"}
	}
	if m.PayoutCooldown < 0 {
		return &ValidationError{Field: "payout_cooldown", Message: "must be non-negative"}
	}

	seen := make(map[int64]bool)
	for i, ms := range m.Milestones {
		field := fmt.Sprintf("milestones[%d]", i)
		if ms.Points <= 0 {
			return &ValidationError{Field: field + ".points", Message: "must be positive"}
		}
		if ms.Amount.Sign() <= 0 {
			return &ValidationError{Field: field + ".amount", Message: "must be positive"}
		}
		if seen[ms.Points] {
			return &ValidationError{Field: field + ".points", Message: fmt.Sprintf("duplicate milestone: %d", ms.Points)}
		}
		seen[ms.Points] = true
	}
	if m.PayoutsEnabled && len(m.Milestones) > 0 {
		if err := ValidateCurrency(m.PayoutCurrency, "payout_currency"); err != nil {
			return err
		}
	}

	ids := make(map[string]bool)
	for i, r := range m.Rewards {
		field := fmt.Sprintf("rewards[%d]", i)
		if SanitizeString(r.ID) == "" {
			return &ValidationError{Field: field + ".id", Message: "is required"}
		}
		if ids[r.ID] {
			return &ValidationError{Field: field + ".id", Message: fmt.Sprintf("duplicate reward: %s", r.ID)}
		}
		ids[r.ID] = true
		if r.PointsCost <= 0 {
			return &ValidationError{Field: field + ".points_cost", Message: "must be positive"}
		}
	}
	return nil
}

func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	return strings.TrimSpace(s)
}

// ValidateEmail checks for a single bare address.
func ValidateEmail(email, fieldName string) error {
	email = SanitizeString(email)
	if email == "" {
		return &ValidationError{Field: fieldName, Message: "is required"}
	}
	if len(email) > 254 {
		return &ValidationError{Field: fieldName, Message: "cannot exceed 254 characters"}
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email[strings.LastIndex(email, "@")+1:], ".") {
		return &ValidationError{Field: fieldName, Message: "must be a valid email address"}
	}
	return nil
}

// ValidateCurrency checks an ISO 4217 or stablecoin ticker code.
func ValidateCurrency(code, fieldName string) error {
	code = strings.ToUpper(SanitizeString(code))
	if code == "" {
		return &ValidationError{Field: fieldName, Message: "is required"}
	}
	if !currencyRegex.MatchString(code) {
		return &ValidationError{Field: fieldName, Message: "must be a 3-5 letter currency code"}
	}
	return nil
}

// ValidateSlug checks a merchant slug.
func ValidateSlug(slug, fieldName string) error {
	if slug == "" {
		return &ValidationError{Field: fieldName, Message: "is required"}
	}
	if !slugRegex.MatchString(slug) {
		return &ValidationError{Field: fieldName, Message: "must be lowercase letters, digits and '-'"}
	}
	return nil
}

func ValidateUUID(id, fieldName string) error {
	if id == "" {
		return &ValidationError{
			Field:   fieldName,
			Message: "is required",
		}
	}

	id = SanitizeString(id)

	if !uuidRegex.MatchString(strings.ToLower(id)) {
		return &ValidationError{
			Field:   fieldName,
			Message: "must be a valid UUID v4",
		}
	}

	return nil
}

func validateExternalID(id, fieldName string) error {
	id = SanitizeString(id)
	if id == "" {
		return &ValidationError{Field: fieldName, Message: "is required"}
	}
	if !externalIDRegex.MatchString(id) {
		return &ValidationError{Field: fieldName, Message: "must be 1-128 characters of letters, digits or ._:-/#"}
	}
	return nil
}
