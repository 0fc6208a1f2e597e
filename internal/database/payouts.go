package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"loyalty-ledger/internal/models"
)

const claimColumns = `id, membership_account_id, points_requested, payout_amount, currency, network,
	destination_address, status, stage, transfer_ref, failure_reason, created_at, completed_at`

// ReservePayout inserts claim and debits its points in one transaction. It fails
// with ErrPayoutTooSoon when the account already has a pending claim or a
// successful one newer than cooldown.
func (db *DB) ReservePayout(ctx context.Context, claim models.PayoutClaim, cooldown time.Duration) (models.PayoutClaim, models.LedgerTransaction, error) {
	var debit models.LedgerTransaction
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		now := db.now()

		var blocking int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM payout_claims
			WHERE membership_account_id = ?
			AND (status = ? OR (status = ? AND completed_at >= ?))`,
			claim.MembershipAccountID, models.StatusPending, models.StatusSuccess,
			formatTime(now.Add(-cooldown)),
		).Scan(&blocking)
		if err != nil {
			return storageErr("query recent payout claims", err)
		}
		if blocking > 0 {
			return ErrPayoutTooSoon
		}

		applied, err := db.applyDeltaTx(ctx, tx, Delta{
			AccountID:   claim.MembershipAccountID,
			Amount:      -claim.PointsRequested,
			Type:        models.TxnPayout,
			Status:      models.StatusPending,
			Reason:      "payout reserve",
			ExternalRef: claim.ID,
		})
		if err != nil {
			return err
		}
		debit = applied.Transaction

		claim.Status = models.StatusPending
		claim.Stage = models.StageReserved
		claim.CreatedAt = now
		_, err = tx.ExecContext(ctx, `INSERT INTO payout_claims (
			id, membership_account_id, points_requested, payout_amount, currency, network,
			destination_address, status, stage, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			claim.ID,
			claim.MembershipAccountID,
			claim.PointsRequested,
			claim.PayoutAmount.String(),
			claim.Currency,
			claim.Network,
			claim.DestinationAddress,
			claim.Status,
			claim.Stage,
			formatTime(now),
			formatTime(now),
		)
		if err != nil {
			return storageErr("insert payout claim", err)
		}
		return nil
	})
	if err != nil {
		return models.PayoutClaim{}, models.LedgerTransaction{}, err
	}
	return claim, debit, nil
}

// MarkTransferPending records that the transfer gateway is about to be called.
func (db *DB) MarkTransferPending(ctx context.Context, claimID string) error {
	result, err := db.conn.ExecContext(ctx, `UPDATE payout_claims SET stage = ?, updated_at = ?
		WHERE id = ? AND stage = ?`,
		models.StageTransferPending, formatTime(db.now()), claimID, models.StageReserved)
	if err != nil {
		return storageErr("mark transfer pending", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return storageErr("read rows affected", err)
	}
	if n == 0 {
		return ErrClaimNotPending
	}
	return nil
}

// CompletePayout marks a claim SUCCESS, keeps its debit and records the transfer
// reference.
func (db *DB) CompletePayout(ctx context.Context, claimID, transferRef string) (models.PayoutClaim, error) {
	var claim models.PayoutClaim
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		now := formatTime(db.now())
		if err := finishClaimTx(ctx, tx, claimID, models.StatusSuccess, models.StageSuccess, transferRef, "", now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE ledger_transactions SET status = ?
			WHERE linked_external_ref = ? AND type = ? AND status = ?`,
			models.StatusSuccess, claimID, models.TxnPayout, models.StatusPending); err != nil {
			return storageErr("settle payout debit", err)
		}
		var err error
		claim, err = getClaim(ctx, tx, claimID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE membership_accounts SET last_payout_at = ?
			WHERE id = ?`, now, claim.MembershipAccountID); err != nil {
			return storageErr("mark last payout", err)
		}
		return nil
	})
	if err != nil {
		return models.PayoutClaim{}, err
	}
	return claim, nil
}

// FailPayout marks a claim FAILED and writes the compensating refund in the same
// transaction, so a FAILED claim always has its points back.
func (db *DB) FailPayout(ctx context.Context, claimID, reason string) (models.PayoutClaim, models.LedgerTransaction, error) {
	var (
		claim  models.PayoutClaim
		refund models.LedgerTransaction
	)
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		now := formatTime(db.now())
		if err := finishClaimTx(ctx, tx, claimID, models.StatusFailed, models.StageFailed, "", reason, now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE ledger_transactions SET status = ?
			WHERE linked_external_ref = ? AND type = ? AND status = ?`,
			models.StatusFailed, claimID, models.TxnPayout, models.StatusPending); err != nil {
			return storageErr("fail payout debit", err)
		}
		var err error
		claim, err = getClaim(ctx, tx, claimID)
		if err != nil {
			return err
		}
		applied, err := db.applyDeltaTx(ctx, tx, Delta{
			AccountID:   claim.MembershipAccountID,
			Amount:      claim.PointsRequested,
			Type:        models.TxnAdjust,
			Status:      models.StatusSuccess,
			Reason:      "payout refund",
			ExternalRef: claimID,
		})
		if err != nil {
			return err
		}
		refund = applied.Transaction
		return nil
	})
	if err != nil {
		return models.PayoutClaim{}, models.LedgerTransaction{}, err
	}
	return claim, refund, nil
}

func finishClaimTx(ctx context.Context, tx *sql.Tx, claimID string, status models.TransactionStatus, stage models.ClaimStage, transferRef, reason, now string) error {
	result, err := tx.ExecContext(ctx, `UPDATE payout_claims
		SET status = ?, stage = ?, transfer_ref = ?, failure_reason = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		status, stage, transferRef, reason, now, now, claimID, models.StatusPending)
	if err != nil {
		return storageErr("finish payout claim", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return storageErr("read rows affected", err)
	}
	if n == 0 {
		if _, err := getClaim(ctx, tx, claimID); err != nil {
			return err
		}
		return ErrClaimNotPending
	}
	return nil
}

// GetClaim returns a payout claim by id.
func (db *DB) GetClaim(ctx context.Context, id string) (models.PayoutClaim, error) {
	return getClaim(ctx, db.conn, id)
}

// ListPendingClaims returns claims still PENDING that were created before cutoff,
// oldest first. These are candidates for manual reconciliation.
func (db *DB) ListPendingClaims(ctx context.Context, cutoff time.Time) ([]models.PayoutClaim, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+claimColumns+` FROM payout_claims
		WHERE status = ? AND created_at <= ? ORDER BY created_at ASC`,
		models.StatusPending, formatTime(cutoff))
	if err != nil {
		return nil, storageErr("query pending claims", err)
	}
	defer rows.Close()

	var claims []models.PayoutClaim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		claims = append(claims, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate pending claims", err)
	}
	return claims, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func getClaim(ctx context.Context, q queryer, id string) (models.PayoutClaim, error) {
	row := q.QueryRowContext(ctx, `SELECT `+claimColumns+` FROM payout_claims WHERE id = ?`, id)
	return scanClaim(row)
}

func scanClaim(s scanner) (models.PayoutClaim, error) {
	var (
		c                 models.PayoutClaim
		amount, createdAt string
		completedAt       sql.NullString
	)
	err := s.Scan(&c.ID, &c.MembershipAccountID, &c.PointsRequested, &amount, &c.Currency, &c.Network,
		&c.DestinationAddress, &c.Status, &c.Stage, &c.TransferRef, &c.FailureReason, &createdAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.PayoutClaim{}, ErrNotFound
	}
	if err != nil {
		return models.PayoutClaim{}, storageErr("scan payout claim", err)
	}
	if c.PayoutAmount, err = decimal.NewFromString(amount); err != nil {
		return models.PayoutClaim{}, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.PayoutClaim{}, err
	}
	if c.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return models.PayoutClaim{}, err
	}
	return c, nil
}
