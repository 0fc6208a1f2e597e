package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"loyalty-ledger/internal/models"
)

// Delta is a single signed balance mutation.
type Delta struct {
	AccountID   string
	Amount      int64
	Type        models.TransactionType
	Status      models.TransactionStatus
	Reason      string
	ExternalRef string
	// Clamp caps a negative delta at the current balance instead of failing.
	Clamp bool
	// TrackShortfall records the clamped remainder on the account.
	TrackShortfall bool
	// EventID, when set, moves that settlement event from PENDING to APPLIED in
	// the same transaction as the balance change.
	EventID string
	// Reverses names the charge event a refund deduction is taken against. The
	// deduction is capped at what that charge awarded minus earlier refunds.
	Reverses string
}

// Applied is the outcome of a delta.
type Applied struct {
	Transaction models.LedgerTransaction
	// Shortfall is the part of a clamped negative delta that was not applied.
	Shortfall int64
}

// ApplyDelta atomically applies d and appends its ledger row.
func (db *DB) ApplyDelta(ctx context.Context, d Delta) (Applied, error) {
	var applied Applied
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if d.Reverses != "" {
			if d, err = capReversalTx(ctx, tx, d); err != nil {
				return err
			}
		}
		applied, err = db.applyDeltaTx(ctx, tx, d)
		if err != nil {
			return err
		}
		if d.Reverses != "" {
			if _, err := tx.ExecContext(ctx, `UPDATE settlement_events
				SET refunded_points = refunded_points + ? WHERE id = ?`, -d.Amount, d.Reverses); err != nil {
				return storageErr("record refunded points", err)
			}
		}
		if d.EventID != "" {
			return db.markEventAppliedTx(ctx, tx, d.EventID, d.AccountID, applied.Transaction.Amount)
		}
		return nil
	})
	if err != nil {
		return Applied{}, err
	}
	return applied, nil
}

// capReversalTx limits a refund deduction to the part of the original award
// not yet reversed by earlier refunds.
func capReversalTx(ctx context.Context, tx *sql.Tx, d Delta) (Delta, error) {
	var awarded, refunded int64
	err := tx.QueryRowContext(ctx,
		`SELECT points_awarded, refunded_points FROM settlement_events WHERE id = ?`, d.Reverses,
	).Scan(&awarded, &refunded)
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	if err != nil {
		return d, storageErr("read refunded points", err)
	}
	remaining := awarded - refunded
	if remaining <= 0 {
		return d, ErrRefundExhausted
	}
	if -d.Amount > remaining {
		d.Amount = -remaining
	}
	return d, nil
}

// applyDeltaTx is the compare-and-swap core shared by every balance mutation.
// The update only lands if the account version is unchanged and the resulting
// balance is non-negative.
func (db *DB) applyDeltaTx(ctx context.Context, tx *sql.Tx, d Delta) (Applied, error) {
	var points, version int64
	err := tx.QueryRowContext(ctx,
		`SELECT points, version FROM membership_accounts WHERE id = ?`, d.AccountID,
	).Scan(&points, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return Applied{}, ErrNotFound
	}
	if err != nil {
		return Applied{}, storageErr("read account balance", err)
	}

	amount := d.Amount
	var shortfall int64
	if points+amount < 0 {
		if !d.Clamp {
			return Applied{}, ErrInsufficientBalance
		}
		shortfall = -(points + amount)
		amount = -points
	}
	var tracked int64
	if d.TrackShortfall {
		tracked = shortfall
	}

	now := formatTime(db.now())
	result, err := tx.ExecContext(ctx, `UPDATE membership_accounts
		SET points = points + ?, version = version + 1,
			refund_shortfall = refund_shortfall + ?, updated_at = ?
		WHERE id = ? AND version = ? AND points + ? >= 0`,
		amount, tracked, now, d.AccountID, version, amount)
	if err != nil {
		return Applied{}, storageErr("update account balance", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return Applied{}, storageErr("read rows affected", err)
	}
	if n == 0 {
		return Applied{}, ErrVersionConflict
	}

	status := d.Status
	if status == "" {
		status = models.StatusSuccess
	}
	reason := d.Reason
	if shortfall > 0 {
		reason = fmt.Sprintf("%s (clamped, shortfall %d)", reason, shortfall)
	}
	txn := models.LedgerTransaction{
		ID:                  uuid.NewString(),
		MembershipAccountID: d.AccountID,
		Type:                d.Type,
		Amount:              amount,
		ResultingBalance:    points + amount,
		Reason:              reason,
		Status:              status,
		LinkedExternalRef:   d.ExternalRef,
	}
	txn.CreatedAt, _ = parseTime(now)

	_, err = tx.ExecContext(ctx, `INSERT INTO ledger_transactions (
		id, membership_account_id, type, amount, resulting_balance, reason, status,
		linked_external_ref, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID, txn.MembershipAccountID, txn.Type, txn.Amount, txn.ResultingBalance,
		txn.Reason, txn.Status, txn.LinkedExternalRef, now)
	if err != nil {
		return Applied{}, storageErr("insert ledger transaction", err)
	}

	return Applied{Transaction: txn, Shortfall: shortfall}, nil
}

// ClaimAnnualBonus credits points once per calendar year.
func (db *DB) ClaimAnnualBonus(ctx context.Context, accountID string, year int, points int64) (Applied, error) {
	var applied Applied
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `UPDATE membership_accounts SET last_bonus_year = ?
			WHERE id = ? AND (last_bonus_year IS NULL OR last_bonus_year < ?)`, year, accountID, year)
		if err != nil {
			return storageErr("mark annual bonus", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return storageErr("read rows affected", err)
		}
		if n == 0 {
			if _, err := getAccount(ctx, tx, accountID); err != nil {
				return err
			}
			return ErrBonusAlreadyClaimed
		}
		applied, err = db.applyDeltaTx(ctx, tx, Delta{
			AccountID: accountID,
			Amount:    points,
			Type:      models.TxnEarn,
			Status:    models.StatusSuccess,
			Reason:    fmt.Sprintf("annual bonus %d", year),
		})
		return err
	})
	if err != nil {
		return Applied{}, err
	}
	return applied, nil
}

// ListTransactions returns the newest ledger rows for an account, newest first.
func (db *DB) ListTransactions(ctx context.Context, accountID string, limit int) ([]models.LedgerTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.conn.QueryContext(ctx, `SELECT id, membership_account_id, type, amount,
		resulting_balance, reason, status, linked_external_ref, created_at
		FROM ledger_transactions WHERE membership_account_id = ?
		ORDER BY seq DESC LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, storageErr("query ledger transactions", err)
	}
	defer rows.Close()

	var txns []models.LedgerTransaction
	for rows.Next() {
		var (
			t         models.LedgerTransaction
			createdAt string
		)
		err := rows.Scan(&t.ID, &t.MembershipAccountID, &t.Type, &t.Amount, &t.ResultingBalance,
			&t.Reason, &t.Status, &t.LinkedExternalRef, &createdAt)
		if err != nil {
			return nil, storageErr("scan ledger transaction", err)
		}
		if t.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		txns = append(txns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate ledger transactions", err)
	}
	return txns, nil
}

// SumTransactions returns the sum of all ledger amounts and the row count for an
// account. The sum always equals the account balance.
func (db *DB) SumTransactions(ctx context.Context, accountID string) (int64, int, error) {
	var (
		sum   sql.NullInt64
		count int
	)
	err := db.conn.QueryRowContext(ctx, `SELECT SUM(amount), COUNT(*) FROM ledger_transactions
		WHERE membership_account_id = ?`, accountID).Scan(&sum, &count)
	if err != nil {
		return 0, 0, storageErr("sum ledger transactions", err)
	}
	return sum.Int64, count, nil
}
