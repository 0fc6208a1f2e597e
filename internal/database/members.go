package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"loyalty-ledger/internal/models"
)

// Identity kinds stored in member_identities.
const (
	IdentityPhone    = "phone"
	identityProvider = "provider:"
)

// ProviderIdentityKind namespaces a provider customer id by its source.
func ProviderIdentityKind(source string) string {
	return identityProvider + source
}

// ResolveParams describes the member and account to find or create.
type ResolveParams struct {
	MerchantID         string
	Email              string
	FirstName          string
	LastName           string
	Phone              string
	ProviderSource     string
	ProviderCustomerID string
	WelcomeBonus       int64
	BonusScope         string
}

// Resolution is the outcome of ResolveMembership.
type Resolution struct {
	Member         models.Member
	Account        models.MembershipAccount
	MemberCreated  bool
	AccountCreated bool
	WelcomeBonus   *models.LedgerTransaction
}

// ResolveMembership finds or creates the member and its account for a merchant in
// one transaction. The welcome bonus EARN is written in that same transaction, so
// it exists if and only if this call created the account.
func (db *DB) ResolveMembership(ctx context.Context, p ResolveParams) (Resolution, error) {
	var res Resolution
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		now := formatTime(db.now())

		memberID, created, err := db.findOrCreateMember(ctx, tx, p, now)
		if err != nil {
			return err
		}
		res.MemberCreated = created

		if err := db.linkIdentities(ctx, tx, memberID, p, now); err != nil {
			return err
		}

		result, err := tx.ExecContext(ctx, `INSERT INTO membership_accounts (
			id, merchant_id, member_id, points, version, refund_shortfall, created_at, updated_at
		) VALUES (?, ?, ?, 0, 0, 0, ?, ?)
		ON CONFLICT(merchant_id, member_id) DO NOTHING`,
			uuid.NewString(), p.MerchantID, memberID, now, now)
		if err != nil {
			return storageErr("insert membership account", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return storageErr("read rows affected", err)
		}
		res.AccountCreated = n == 1

		account, err := getAccountByMember(ctx, tx, p.MerchantID, memberID)
		if err != nil {
			return err
		}

		bonusDue := res.AccountCreated && p.WelcomeBonus > 0 &&
			(res.MemberCreated || p.BonusScope == models.BonusScopeNewAccount)
		if bonusDue {
			applied, err := db.applyDeltaTx(ctx, tx, Delta{
				AccountID: account.ID,
				Amount:    p.WelcomeBonus,
				Type:      models.TxnEarn,
				Status:    models.StatusSuccess,
				Reason:    "welcome bonus",
			})
			if err != nil {
				return err
			}
			res.WelcomeBonus = &applied.Transaction
			account, err = getAccount(ctx, tx, account.ID)
			if err != nil {
				return err
			}
		}
		res.Account = account

		member, err := getMember(ctx, tx, memberID)
		if err != nil {
			return err
		}
		res.Member = member
		return nil
	})
	if err != nil {
		return Resolution{}, err
	}
	return res, nil
}

func (db *DB) findOrCreateMember(ctx context.Context, tx *sql.Tx, p ResolveParams, now string) (string, bool, error) {
	if p.Email != "" {
		result, err := tx.ExecContext(ctx, `INSERT INTO members (
			id, email, first_name, last_name, created_at
		) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(email) DO NOTHING`,
			uuid.NewString(), p.Email, p.FirstName, p.LastName, now)
		if err != nil {
			return "", false, storageErr("insert member", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return "", false, storageErr("read rows affected", err)
		}
		var id string
		err = tx.QueryRowContext(ctx, `SELECT id FROM members WHERE email = ?`, p.Email).Scan(&id)
		if err != nil {
			return "", false, storageErr("query member by email", err)
		}
		return id, n == 1, nil
	}

	lookups := [][2]string{}
	if p.ProviderCustomerID != "" {
		lookups = append(lookups, [2]string{ProviderIdentityKind(p.ProviderSource), p.ProviderCustomerID})
	}
	if p.Phone != "" {
		lookups = append(lookups, [2]string{IdentityPhone, p.Phone})
	}
	for _, l := range lookups {
		var id string
		err := tx.QueryRowContext(ctx,
			`SELECT member_id FROM member_identities WHERE kind = ? AND value = ?`, l[0], l[1],
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return "", false, storageErr("query member identity", err)
		}
		return id, false, nil
	}
	return "", false, ErrNotFound
}

func (db *DB) linkIdentities(ctx context.Context, tx *sql.Tx, memberID string, p ResolveParams, now string) error {
	links := [][2]string{}
	if p.ProviderCustomerID != "" {
		links = append(links, [2]string{ProviderIdentityKind(p.ProviderSource), p.ProviderCustomerID})
	}
	if p.Phone != "" {
		links = append(links, [2]string{IdentityPhone, p.Phone})
	}
	for _, l := range links {
		_, err := tx.ExecContext(ctx, `INSERT INTO member_identities (kind, value, member_id, created_at)
			VALUES (?, ?, ?, ?) ON CONFLICT(kind, value) DO NOTHING`, l[0], l[1], memberID, now)
		if err != nil {
			return storageErr("link member identity", err)
		}
	}
	return nil
}

// GetMemberByEmail returns a member by normalized email.
func (db *DB) GetMemberByEmail(ctx context.Context, email string) (models.Member, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT id, email, first_name, last_name, wallet_address, created_at
		FROM members WHERE email = ?`, email)
	return scanMember(row)
}

// GetMember returns a member by id.
func (db *DB) GetMember(ctx context.Context, id string) (models.Member, error) {
	return getMember(ctx, db.conn, id)
}

// SetMemberWallet records the member's first payout wallet. A stored wallet is
// never replaced; setting the same address again is a no-op.
func (db *DB) SetMemberWallet(ctx context.Context, memberID, address string) error {
	result, err := db.conn.ExecContext(ctx, `UPDATE members SET wallet_address = ?
		WHERE id = ? AND (wallet_address = '' OR wallet_address = ?)`, address, memberID, address)
	if err != nil {
		return storageErr("update member wallet", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return storageErr("read rows affected", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := db.GetMember(ctx, memberID); err != nil {
		return err
	}
	return ErrWalletAlreadySet
}

// GetAccount returns a membership account by id.
func (db *DB) GetAccount(ctx context.Context, id string) (models.MembershipAccount, error) {
	return getAccount(ctx, db.conn, id)
}

// GetAccountByMember returns the account a member holds with a merchant.
func (db *DB) GetAccountByMember(ctx context.Context, merchantID, memberID string) (models.MembershipAccount, error) {
	return getAccountByMember(ctx, db.conn, merchantID, memberID)
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func getMember(ctx context.Context, q queryer, id string) (models.Member, error) {
	row := q.QueryRowContext(ctx, `SELECT id, email, first_name, last_name, wallet_address, created_at
		FROM members WHERE id = ?`, id)
	return scanMember(row)
}

func scanMember(row *sql.Row) (models.Member, error) {
	var (
		m         models.Member
		createdAt string
	)
	err := row.Scan(&m.ID, &m.Email, &m.FirstName, &m.LastName, &m.WalletAddress, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Member{}, ErrNotFound
	}
	if err != nil {
		return models.Member{}, storageErr("scan member", err)
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.Member{}, err
	}
	return m, nil
}

const accountColumns = `id, merchant_id, member_id, points, version, refund_shortfall,
	last_payout_at, last_bonus_year, created_at, updated_at`

func getAccount(ctx context.Context, q queryer, id string) (models.MembershipAccount, error) {
	row := q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM membership_accounts WHERE id = ?`, id)
	return scanAccount(row)
}

func getAccountByMember(ctx context.Context, q queryer, merchantID, memberID string) (models.MembershipAccount, error) {
	row := q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM membership_accounts
		WHERE merchant_id = ? AND member_id = ?`, merchantID, memberID)
	return scanAccount(row)
}

func scanAccount(row *sql.Row) (models.MembershipAccount, error) {
	var (
		a                    models.MembershipAccount
		lastPayout           sql.NullString
		lastBonus            sql.NullInt64
		createdAt, updatedAt string
	)
	err := row.Scan(&a.ID, &a.MerchantID, &a.MemberID, &a.Points, &a.Version, &a.RefundShortfall,
		&lastPayout, &lastBonus, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.MembershipAccount{}, ErrNotFound
	}
	if err != nil {
		return models.MembershipAccount{}, storageErr("scan membership account", err)
	}
	if a.LastPayoutAt, err = parseNullTime(lastPayout); err != nil {
		return models.MembershipAccount{}, err
	}
	if lastBonus.Valid {
		a.LastBonusYear = int(lastBonus.Int64)
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.MembershipAccount{}, err
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.MembershipAccount{}, fmt.Errorf("failed to parse account updated_at: %w", err)
	}
	return a, nil
}
