package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"server": {"port": "9000"},
		"database": {"path": "/tmp/file.db"},
		"payout": {"transfer_timeout": 10, "refund_max_wait": 20, "stuck_after": 120}
	}`), 0o600))
	t.Setenv("DATABASE_PATH", "/tmp/env.db")
	t.Setenv("FEATURE_PAYOUTS", "false")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, "/tmp/env.db", cfg.Database.Path)
	assert.Equal(t, 10, cfg.Payout.TransferTimeout)
	assert.False(t, cfg.Features.Payouts)
	assert.True(t, cfg.Features.ProviderWebhooks)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	cfg.Payout.StuckAfter = cfg.Payout.TransferTimeout
	assert.Error(t, cfg.Validate())

	cfg, _ = LoadConfig("")
	cfg.Server.EnableTLS = true
	assert.Error(t, cfg.Validate())
}

func TestParseCatalog(t *testing.T) {
	t.Setenv("CAFE_SHOPIFY_SECRET", "shh")
	catalog, err := ParseCatalog([]byte(`
merchants:
  - slug: cafe
    name: Corner Cafe
    points_per_currency_unit: "1.5"
    welcome_bonus_points: 50
    payouts_enabled: true
    payout_currency: usdc
    payout_cooldown: 24h
    milestones:
      - points: 500
        amount: "5.00"
    rewards:
      - id: coffee
        name: Free coffee
        points_cost: 100
    webhook_secrets:
      shopify: ${CAFE_SHOPIFY_SECRET}
    api_keys:
      - key: cafe-live-key
        scopes: [write:orders, read:orders]
        rate_limit_per_minute: 120
`))
	require.NoError(t, err)
	require.Len(t, catalog.Merchants, 1)

	m, err := catalog.Merchants[0].Merchant()
	require.NoError(t, err)
	assert.True(t, m.Enabled)
	assert.True(t, decimal.RequireFromString("1.5").Equal(m.PointsPerCurrencyUnit))
	assert.Equal(t, "USDC", m.PayoutCurrency)
	assert.Equal(t, 24*time.Hour, m.PayoutCooldown)
	assert.Equal(t, "shh", m.WebhookSecrets["shopify"])
	require.Len(t, m.Milestones, 1)
	assert.True(t, decimal.NewFromInt(5).Equal(m.Milestones[0].Amount))
	assert.Equal(t, "cafe-live-key", catalog.Merchants[0].APIKeys[0].Key)
}

func TestParseCatalog_Rejections(t *testing.T) {
	_, err := ParseCatalog([]byte("merchants:\n  - slug: a\n  - slug: a\n"))
	assert.ErrorContains(t, err, "duplicate merchant")

	_, err = ParseCatalog([]byte("merchants:\n  - name: nameless\n"))
	assert.ErrorContains(t, err, "slug required")

	catalog, err := ParseCatalog([]byte("merchants:\n  - slug: a\n    points_per_currency_unit: lots\n"))
	require.NoError(t, err)
	_, err = catalog.Merchants[0].Merchant()
	assert.ErrorContains(t, err, "points_per_currency_unit")
}
