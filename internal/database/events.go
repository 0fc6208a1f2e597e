package database

import (
	"context"
	"database/sql"
	"errors"

	"github.com/shopspring/decimal"

	"loyalty-ledger/internal/models"
)

const eventColumns = `id, merchant_id, source_channel, external_source, external_id, idempotency_key,
	customer_email, customer_phone, provider_customer_id, amount, currency, occurred_at, kind,
	refund_of, status, points_awarded, refunded_points, membership_account_id, created_at`

// InsertEvent records ev unless its uniqueness key already exists. It reports
// whether the row was inserted.
func (db *DB) InsertEvent(ctx context.Context, ev models.SettlementEvent) (bool, error) {
	result, err := db.conn.ExecContext(ctx, `INSERT INTO settlement_events (
		id, merchant_id, source_channel, external_source, external_id, idempotency_key,
		customer_email, customer_phone, provider_customer_id, amount, currency, occurred_at,
		kind, refund_of, status, points_awarded, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
	ON CONFLICT DO NOTHING`,
		ev.ID,
		ev.MerchantID,
		ev.SourceChannel,
		ev.ExternalSource,
		ev.ExternalID,
		nullString(ev.IdempotencyKey),
		ev.Customer.Email,
		ev.Customer.Phone,
		ev.Customer.ProviderCustomerID,
		ev.Amount.String(),
		ev.Currency,
		formatTime(ev.OccurredAt),
		ev.Kind,
		ev.RefundOf,
		models.EventPending,
		formatTime(db.now()),
	)
	if err != nil {
		return false, storageErr("insert settlement event", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, storageErr("read rows affected", err)
	}
	return n == 1, nil
}

// FindEvent returns the event that owns either uniqueness key of ev.
func (db *DB) FindEvent(ctx context.Context, merchantID, externalSource, externalID, idempotencyKey string) (models.SettlementEvent, error) {
	ev, err := db.GetEvent(ctx, merchantID, externalSource, externalID)
	if err == nil || !errors.Is(err, ErrNotFound) || idempotencyKey == "" {
		return ev, err
	}
	row := db.conn.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM settlement_events
		WHERE merchant_id = ? AND idempotency_key = ?`, merchantID, idempotencyKey)
	return scanEvent(row)
}

// GetEvent returns an event by its natural key.
func (db *DB) GetEvent(ctx context.Context, merchantID, externalSource, externalID string) (models.SettlementEvent, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM settlement_events
		WHERE merchant_id = ? AND external_source = ? AND external_id = ?`,
		merchantID, externalSource, externalID)
	return scanEvent(row)
}

// GetEventByID returns an event by its id.
func (db *DB) GetEventByID(ctx context.Context, id string) (models.SettlementEvent, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM settlement_events WHERE id = ?`, id)
	return scanEvent(row)
}

// MarkEventApplied closes an event that needed no balance change.
func (db *DB) MarkEventApplied(ctx context.Context, eventID, accountID string, points int64) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		return db.markEventAppliedTx(ctx, tx, eventID, accountID, points)
	})
}

func (db *DB) markEventAppliedTx(ctx context.Context, tx *sql.Tx, eventID, accountID string, points int64) error {
	result, err := tx.ExecContext(ctx, `UPDATE settlement_events
		SET status = ?, points_awarded = ?, membership_account_id = ?, applied_at = ?
		WHERE id = ? AND status = ?`,
		models.EventApplied, points, nullString(accountID), formatTime(db.now()), eventID, models.EventPending)
	if err != nil {
		return storageErr("mark event applied", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return storageErr("read rows affected", err)
	}
	if n == 0 {
		return ErrEventAlreadyApplied
	}
	return nil
}

func scanEvent(row *sql.Row) (models.SettlementEvent, error) {
	var (
		ev                    models.SettlementEvent
		idemKey, accountID    sql.NullString
		amount                string
		occurredAt, createdAt string
	)
	err := row.Scan(
		&ev.ID,
		&ev.MerchantID,
		&ev.SourceChannel,
		&ev.ExternalSource,
		&ev.ExternalID,
		&idemKey,
		&ev.Customer.Email,
		&ev.Customer.Phone,
		&ev.Customer.ProviderCustomerID,
		&amount,
		&ev.Currency,
		&occurredAt,
		&ev.Kind,
		&ev.RefundOf,
		&ev.Status,
		&ev.PointsAwarded,
		&ev.RefundedPoints,
		&accountID,
		&createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.SettlementEvent{}, ErrNotFound
	}
	if err != nil {
		return models.SettlementEvent{}, storageErr("scan settlement event", err)
	}
	ev.IdempotencyKey = idemKey.String
	ev.MembershipAccountID = accountID.String
	if ev.Amount, err = decimal.NewFromString(amount); err != nil {
		return models.SettlementEvent{}, err
	}
	if ev.OccurredAt, err = parseTime(occurredAt); err != nil {
		return models.SettlementEvent{}, err
	}
	if ev.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.SettlementEvent{}, err
	}
	return ev, nil
}
