package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"loyalty-ledger/internal/models"
)

const merchantColumns = `id, slug, name, enabled, points_per_currency_unit, welcome_bonus_points,
	welcome_bonus_scope, points_per_visit, annual_bonus_points, refund_shortfall_policy,
	payouts_enabled, payout_currency, payout_network, treasury_wallet, payout_cooldown_seconds,
	milestones, rewards, webhook_secrets, currency`

// UpsertMerchant creates or updates a merchant and its reward configuration.
func (db *DB) UpsertMerchant(ctx context.Context, m models.Merchant) error {
	milestones, err := marshalJSON(m.Milestones)
	if err != nil {
		return err
	}
	rewards, err := marshalJSON(m.Rewards)
	if err != nil {
		return err
	}
	secrets := m.WebhookSecrets
	if secrets == nil {
		secrets = map[string]string{}
	}
	secretsJSON, err := marshalJSON(secrets)
	if err != nil {
		return err
	}

	query := `INSERT INTO merchants (` + merchantColumns + `, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		slug = excluded.slug,
		name = excluded.name,
		enabled = excluded.enabled,
		points_per_currency_unit = excluded.points_per_currency_unit,
		welcome_bonus_points = excluded.welcome_bonus_points,
		welcome_bonus_scope = excluded.welcome_bonus_scope,
		points_per_visit = excluded.points_per_visit,
		annual_bonus_points = excluded.annual_bonus_points,
		refund_shortfall_policy = excluded.refund_shortfall_policy,
		payouts_enabled = excluded.payouts_enabled,
		payout_currency = excluded.payout_currency,
		payout_network = excluded.payout_network,
		treasury_wallet = excluded.treasury_wallet,
		payout_cooldown_seconds = excluded.payout_cooldown_seconds,
		milestones = excluded.milestones,
		rewards = excluded.rewards,
		webhook_secrets = excluded.webhook_secrets,
		currency = excluded.currency,
		updated_at = excluded.updated_at`

	now := formatTime(db.now())
	_, err = db.conn.ExecContext(ctx, query,
		m.ID,
		m.Slug,
		m.Name,
		boolToInt(m.Enabled),
		m.PointsPerCurrencyUnit.String(),
		m.WelcomeBonusPoints,
		m.WelcomeBonusScope,
		m.PointsPerVisit,
		m.AnnualBonusPoints,
		m.RefundShortfallPolicy,
		boolToInt(m.PayoutsEnabled),
		m.PayoutCurrency,
		m.PayoutNetwork,
		m.TreasuryWallet,
		int64(m.PayoutCooldown/time.Second),
		milestones,
		rewards,
		secretsJSON,
		m.Currency,
		now,
		now,
	)
	if err != nil {
		return storageErr("upsert merchant", err)
	}
	return nil
}

// GetMerchant returns a merchant by id.
func (db *DB) GetMerchant(ctx context.Context, id string) (models.Merchant, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+merchantColumns+` FROM merchants WHERE id = ?`, id)
	return scanMerchant(row)
}

// GetMerchantBySlug returns a merchant by its public slug.
func (db *DB) GetMerchantBySlug(ctx context.Context, slug string) (models.Merchant, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+merchantColumns+` FROM merchants WHERE slug = ?`, slug)
	return scanMerchant(row)
}

func scanMerchant(row *sql.Row) (models.Merchant, error) {
	var (
		m                                   models.Merchant
		rate                                string
		enabled, payoutsEnabled             int
		cooldownSeconds                     int64
		milestonesJSON, rewardsJSON, secret string
	)
	err := row.Scan(
		&m.ID,
		&m.Slug,
		&m.Name,
		&enabled,
		&rate,
		&m.WelcomeBonusPoints,
		&m.WelcomeBonusScope,
		&m.PointsPerVisit,
		&m.AnnualBonusPoints,
		&m.RefundShortfallPolicy,
		&payoutsEnabled,
		&m.PayoutCurrency,
		&m.PayoutNetwork,
		&m.TreasuryWallet,
		&cooldownSeconds,
		&milestonesJSON,
		&rewardsJSON,
		&secret,
		&m.Currency,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Merchant{}, ErrNotFound
	}
	if err != nil {
		return models.Merchant{}, storageErr("scan merchant", err)
	}

	m.Enabled = enabled == 1
	m.PayoutsEnabled = payoutsEnabled == 1
	m.PayoutCooldown = time.Duration(cooldownSeconds) * time.Second
	m.PointsPerCurrencyUnit, err = decimal.NewFromString(rate)
	if err != nil {
		return models.Merchant{}, fmt.Errorf("failed to parse points rate: %w", err)
	}
	if err := json.Unmarshal([]byte(milestonesJSON), &m.Milestones); err != nil {
		return models.Merchant{}, fmt.Errorf("failed to parse milestones: %w", err)
	}
	if err := json.Unmarshal([]byte(rewardsJSON), &m.Rewards); err != nil {
		return models.Merchant{}, fmt.Errorf("failed to parse rewards: %w", err)
	}
	if err := json.Unmarshal([]byte(secret), &m.WebhookSecrets); err != nil {
		return models.Merchant{}, fmt.Errorf("failed to parse webhook secrets: %w", err)
	}
	return m, nil
}

// UpsertAPICredential stores a hashed API key for a merchant.
func (db *DB) UpsertAPICredential(ctx context.Context, c models.APICredential) error {
	scopes, err := marshalJSON(c.Scopes)
	if err != nil {
		return err
	}
	query := `INSERT INTO api_credentials (
		id, merchant_id, key_hash, scopes, rate_limit_per_minute, active, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		merchant_id = excluded.merchant_id,
		key_hash = excluded.key_hash,
		scopes = excluded.scopes,
		rate_limit_per_minute = excluded.rate_limit_per_minute,
		active = excluded.active`

	_, err = db.conn.ExecContext(ctx, query,
		c.ID,
		c.MerchantID,
		c.KeyHash,
		scopes,
		c.RateLimitPerMinute,
		boolToInt(c.Active),
		formatTime(db.now()),
	)
	if err != nil {
		return storageErr("upsert api credential", err)
	}
	return nil
}

// GetAPICredentialByHash returns the credential whose key hashes to keyHash.
func (db *DB) GetAPICredentialByHash(ctx context.Context, keyHash string) (models.APICredential, error) {
	var (
		c          models.APICredential
		scopesJSON string
		active     int
	)
	err := db.conn.QueryRowContext(ctx,
		`SELECT id, merchant_id, key_hash, scopes, rate_limit_per_minute, active
		FROM api_credentials WHERE key_hash = ?`, keyHash,
	).Scan(&c.ID, &c.MerchantID, &c.KeyHash, &scopesJSON, &c.RateLimitPerMinute, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return models.APICredential{}, ErrNotFound
	}
	if err != nil {
		return models.APICredential{}, storageErr("query api credential", err)
	}
	c.Active = active == 1
	if err := json.Unmarshal([]byte(scopesJSON), &c.Scopes); err != nil {
		return models.APICredential{}, fmt.Errorf("failed to parse scopes: %w", err)
	}
	return c, nil
}
