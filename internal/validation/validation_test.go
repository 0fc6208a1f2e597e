package validation

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"loyalty-ledger/internal/models"
)

func fieldOf(err error) string {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Field
	}
	return ""
}

func TestValidateOrder(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(2 * time.Hour)
	valid := models.SubmitOrderRequest{
		ExternalID:    "ord-1",
		Source:        "pos",
		CustomerEmail: "ana@example.com",
		Amount:        decimal.RequireFromString("12.50"),
		Currency:      "USD",
	}

	tests := []struct {
		name   string
		mutate func(r *models.SubmitOrderRequest)
		field  string
	}{
		{"valid", func(r *models.SubmitOrderRequest) {}, ""},
		{"missing external id", func(r *models.SubmitOrderRequest) { r.ExternalID = "" }, "external_id"},
		{"bad external id", func(r *models.SubmitOrderRequest) { r.ExternalID = "has space" }, "external_id"},
		{"bad source", func(r *models.SubmitOrderRequest) { r.Source = "P O S" }, "source"},
		{"bad email", func(r *models.SubmitOrderRequest) { r.CustomerEmail = "Ana <ana@example.com>" }, "customer_email"},
		{"zero amount", func(r *models.SubmitOrderRequest) { r.Amount = decimal.Zero }, "amount"},
		{"huge amount", func(r *models.SubmitOrderRequest) { r.Amount = decimal.NewFromInt(2_000_000) }, "amount"},
		{"bad currency", func(r *models.SubmitOrderRequest) { r.Currency = "dollars" }, "currency"},
		{"future", func(r *models.SubmitOrderRequest) { r.OccurredAt = &future }, "occurred_at"},
		{"refund_of on charge", func(r *models.SubmitOrderRequest) { r.RefundOf = "ord-0" }, "refund_of"},
		{"refund without original", func(r *models.SubmitOrderRequest) { r.Kind = "refund" }, "refund_of"},
		{"refund", func(r *models.SubmitOrderRequest) { r.Kind = "REFUND"; r.RefundOf = "ord-0" }, ""},
		{"unknown kind", func(r *models.SubmitOrderRequest) { r.Kind = "VOID" }, "kind"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			err := ValidateOrder(req, now)
			if tt.field == "" {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				return
			}
			if got := fieldOf(err); got != tt.field {
				t.Errorf("Expected error on %q, got %v", tt.field, err)
			}
		})
	}
}

func TestValidateMerchant(t *testing.T) {
	valid := models.Merchant{
		Slug:                  "corner-cafe",
		Name:                  "Corner Cafe",
		WelcomeBonusScope:     models.BonusScopeNewMember,
		RefundShortfallPolicy: models.ShortfallForgive,
		PayoutsEnabled:        true,
		PayoutCurrency:        "USDC",
		Milestones:            []models.Milestone{{Points: 100, Amount: decimal.NewFromInt(5)}},
		Rewards:               []models.Reward{{ID: "coffee", PointsCost: 30}},
	}
	if err := ValidateMerchant(valid); err != nil {
		t.Fatalf("Expected valid merchant, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(m *models.Merchant)
		field  string
	}{
		{"slug", func(m *models.Merchant) { m.Slug = "Corner Cafe" }, "slug"},
		{"scope", func(m *models.Merchant) { m.WelcomeBonusScope = "everyone" }, "welcome_bonus_scope"},
		{"policy", func(m *models.Merchant) { m.RefundShortfallPolicy = "claw" }, "refund_shortfall_policy"},
		{"negative visit", func(m *models.Merchant) { m.PointsPerVisit = -1 }, "points_per_visit"},
		{"duplicate milestone", func(m *models.Merchant) {
			m.Milestones = append(m.Milestones, models.Milestone{Points: 100, Amount: decimal.NewFromInt(6)})
		}, "milestones[1].points"},
		{"free reward", func(m *models.Merchant) { m.Rewards[0].PointsCost = 0 }, "rewards[0].points_cost"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := valid
			m.Milestones = append([]models.Milestone(nil), valid.Milestones...)
			m.Rewards = append([]models.Reward(nil), valid.Rewards...)
			tt.mutate(&m)
			if got := fieldOf(ValidateMerchant(m)); got != tt.field {
				t.Errorf("Expected error on %q, got %q", tt.field, got)
			}
		})
	}
}

func TestValidateEmail(t *testing.T) {
	for _, email := range []string{"ana@example.com", "a.b+tag@sub.example.org"} {
		if err := ValidateEmail(email, "email"); err != nil {
			t.Errorf("Expected %q to be valid, got %v", email, err)
		}
	}
	for _, email := range []string{"", "ana", "ana@localhost", "ana@example.com, bob@example.com"} {
		if err := ValidateEmail(email, "email"); err == nil {
			t.Errorf("Expected %q to be rejected", email)
		}
	}
}

func TestValidateUUID(t *testing.T) {
	if err := ValidateUUID("3f2504e0-4f89-41d3-9a0c-0305e82c3301", "id"); err != nil {
		t.Errorf("Expected valid UUID, got %v", err)
	}
	if fieldOf(ValidateUUID("not-a-uuid", "id")) != "id" {
		t.Error("Expected invalid UUID to be rejected")
	}
}

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("  ord\x00-1\x07 "); got != "ord-1" {
		t.Errorf("SanitizeString = %q", got)
	}
}
