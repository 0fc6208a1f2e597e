package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"loyalty-ledger/internal/models"
)

// Catalog is the merchant catalog loaded at start and upserted into the
// database. Values of the form ${NAME} are expanded from the environment so
// secrets can stay out of the file.
type Catalog struct {
	Merchants []CatalogMerchant `yaml:"merchants"`
}

// CatalogMerchant mirrors the YAML representation of a merchant. Amounts are
// strings so they keep their exact decimal value.
type CatalogMerchant struct {
	Slug                  string             `yaml:"slug"`
	Name                  string             `yaml:"name"`
	Enabled               *bool              `yaml:"enabled"`
	PointsPerCurrencyUnit string             `yaml:"points_per_currency_unit"`
	Currency              string             `yaml:"currency"`
	WelcomeBonusPoints    int64              `yaml:"welcome_bonus_points"`
	WelcomeBonusScope     string             `yaml:"welcome_bonus_scope"`
	PointsPerVisit        int64              `yaml:"points_per_visit"`
	AnnualBonusPoints     int64              `yaml:"annual_bonus_points"`
	RefundShortfallPolicy string             `yaml:"refund_shortfall_policy"`
	PayoutsEnabled        bool               `yaml:"payouts_enabled"`
	PayoutCurrency        string             `yaml:"payout_currency"`
	PayoutNetwork         string             `yaml:"payout_network"`
	TreasuryWallet        string             `yaml:"treasury_wallet"`
	PayoutCooldown        string             `yaml:"payout_cooldown"`
	Milestones            []CatalogMilestone `yaml:"milestones"`
	Rewards               []CatalogReward    `yaml:"rewards"`
	WebhookSecrets        map[string]string  `yaml:"webhook_secrets"`
	APIKeys               []CatalogAPIKey    `yaml:"api_keys"`
}

// CatalogMilestone is a payout milestone entry.
type CatalogMilestone struct {
	Points int64  `yaml:"points"`
	Amount string `yaml:"amount"`
}

// CatalogReward is a store reward entry.
type CatalogReward struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	PointsCost int64  `yaml:"points_cost"`
}

// CatalogAPIKey is a raw API key; only its hash is stored.
type CatalogAPIKey struct {
	Key                string   `yaml:"key"`
	Scopes             []string `yaml:"scopes"`
	RateLimitPerMinute int      `yaml:"rate_limit_per_minute"`
}

// LoadCatalog reads the merchant catalog from a YAML file on disk.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and checks a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &c); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	seen := make(map[string]struct{}, len(c.Merchants))
	for _, m := range c.Merchants {
		slug := strings.TrimSpace(m.Slug)
		if slug == "" {
			return nil, fmt.Errorf("merchant slug required")
		}
		if _, exists := seen[slug]; exists {
			return nil, fmt.Errorf("duplicate merchant %s", slug)
		}
		seen[slug] = struct{}{}
		for i, k := range m.APIKeys {
			if strings.TrimSpace(k.Key) == "" {
				return nil, fmt.Errorf("merchant %s api_keys[%d]: key required", slug, i)
			}
		}
	}
	return &c, nil
}

// Merchant converts the entry into a merchant model. Business rules are checked
// when the merchant is registered.
func (m CatalogMerchant) Merchant() (models.Merchant, error) {
	out := models.Merchant{
		Slug:                  strings.TrimSpace(m.Slug),
		Name:                  strings.TrimSpace(m.Name),
		Enabled:               m.Enabled == nil || *m.Enabled,
		Currency:              strings.ToUpper(strings.TrimSpace(m.Currency)),
		WelcomeBonusPoints:    m.WelcomeBonusPoints,
		WelcomeBonusScope:     strings.TrimSpace(m.WelcomeBonusScope),
		PointsPerVisit:        m.PointsPerVisit,
		AnnualBonusPoints:     m.AnnualBonusPoints,
		RefundShortfallPolicy: strings.TrimSpace(m.RefundShortfallPolicy),
		PayoutsEnabled:        m.PayoutsEnabled,
		PayoutCurrency:        strings.ToUpper(strings.TrimSpace(m.PayoutCurrency)),
		PayoutNetwork:         strings.TrimSpace(m.PayoutNetwork),
		TreasuryWallet:        strings.TrimSpace(m.TreasuryWallet),
		WebhookSecrets:        m.WebhookSecrets,
	}

	rate, err := parseAmount(m.PointsPerCurrencyUnit)
	if err != nil {
		return models.Merchant{}, fmt.Errorf("merchant %s points_per_currency_unit: %w", out.Slug, err)
	}
	out.PointsPerCurrencyUnit = rate

	if m.PayoutCooldown != "" {
		d, err := time.ParseDuration(m.PayoutCooldown)
		if err != nil {
			return models.Merchant{}, fmt.Errorf("merchant %s payout_cooldown: %w", out.Slug, err)
		}
		out.PayoutCooldown = d
	}

	for i, ms := range m.Milestones {
		amount, err := parseAmount(ms.Amount)
		if err != nil {
			return models.Merchant{}, fmt.Errorf("merchant %s milestones[%d].amount: %w", out.Slug, i, err)
		}
		out.Milestones = append(out.Milestones, models.Milestone{Points: ms.Points, Amount: amount})
	}
	for _, r := range m.Rewards {
		out.Rewards = append(out.Rewards, models.Reward{
			ID:         strings.TrimSpace(r.ID),
			Name:       strings.TrimSpace(r.Name),
			PointsCost: r.PointsCost,
		})
	}
	return out, nil
}

func parseAmount(raw string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, nil
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", raw)
	}
	if value.Sign() < 0 {
		return decimal.Zero, fmt.Errorf("amount must be non-negative")
	}
	return value, nil
}
