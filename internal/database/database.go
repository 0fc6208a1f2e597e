package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("database: record not found")
	// ErrStorageTransient marks a failed storage round trip. Callers may retry the
	// whole operation.
	ErrStorageTransient = errors.New("database: storage unavailable")
	// ErrInsufficientBalance is returned when a negative delta would drive an
	// account below zero.
	ErrInsufficientBalance = errors.New("database: insufficient balance")
	// ErrVersionConflict is returned when the account row changed between read
	// and conditional update.
	ErrVersionConflict = errors.New("database: concurrent account update")
	// ErrEventAlreadyApplied is returned when a settlement event has already
	// reached the ledger.
	ErrEventAlreadyApplied = errors.New("database: event already applied")
	// ErrPayoutTooSoon is returned when the account has an in-flight claim or a
	// successful claim inside the cool-down window.
	ErrPayoutTooSoon = errors.New("database: payout claimed too recently")
	// ErrClaimNotPending is returned when a terminal status is set twice.
	ErrClaimNotPending = errors.New("database: payout claim is not pending")
	// ErrBonusAlreadyClaimed is returned when the annual bonus was already taken.
	ErrBonusAlreadyClaimed = errors.New("database: bonus already claimed this year")
	// ErrWalletAlreadySet is returned when a member already has a different
	// wallet on file.
	ErrWalletAlreadySet = errors.New("database: member wallet already set")
	// ErrRefundExhausted is returned when earlier refunds already reversed
	// everything the original charge awarded.
	ErrRefundExhausted = errors.New("database: original charge fully refunded")
)

// DB wraps the database connection and provides methods for data access.
type DB struct {
	conn *sql.DB
	now  func() time.Time
}

// NewDB creates a new database connection and initializes the schema.
func NewDB(dbPath string) (*DB, error) {
	dsn := dbPath + "?_foreign_keys=1&_busy_timeout=5000&_txlock=immediate&_journal_mode=WAL"
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite has a single writer; one connection keeps immediate transactions
	// from contending on the file lock.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn, now: func() time.Time { return time.Now().UTC() }}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks that the store is reachable.
func (db *DB) Ping(ctx context.Context) error {
	if err := db.conn.PingContext(ctx); err != nil {
		return storageErr("ping database", err)
	}
	return nil
}

// SetClock overrides the time source. Used by tests.
func (db *DB) SetClock(now func() time.Time) {
	db.now = now
}

// initSchema creates the necessary tables if they don't exist.
func (db *DB) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS merchants (
			id TEXT PRIMARY KEY,
			slug TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			enabled INTEGER NOT NULL,
			points_per_currency_unit TEXT NOT NULL,
			welcome_bonus_points INTEGER NOT NULL DEFAULT 0,
			welcome_bonus_scope TEXT NOT NULL,
			points_per_visit INTEGER NOT NULL DEFAULT 0,
			annual_bonus_points INTEGER NOT NULL DEFAULT 0,
			refund_shortfall_policy TEXT NOT NULL,
			payouts_enabled INTEGER NOT NULL,
			payout_currency TEXT NOT NULL,
			payout_network TEXT NOT NULL,
			treasury_wallet TEXT NOT NULL DEFAULT '',
			payout_cooldown_seconds INTEGER NOT NULL DEFAULT 0,
			milestones TEXT NOT NULL,
			rewards TEXT NOT NULL,
			webhook_secrets TEXT NOT NULL,
			currency TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS api_credentials (
			id TEXT PRIMARY KEY,
			merchant_id TEXT NOT NULL REFERENCES merchants(id),
			key_hash TEXT NOT NULL UNIQUE,
			scopes TEXT NOT NULL,
			rate_limit_per_minute INTEGER NOT NULL,
			active INTEGER NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS members (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			first_name TEXT NOT NULL DEFAULT '',
			last_name TEXT NOT NULL DEFAULT '',
			wallet_address TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS member_identities (
			kind TEXT NOT NULL,
			value TEXT NOT NULL,
			member_id TEXT NOT NULL REFERENCES members(id),
			created_at TEXT NOT NULL,
			PRIMARY KEY (kind, value)
		)`,
		`CREATE TABLE IF NOT EXISTS membership_accounts (
			id TEXT PRIMARY KEY,
			merchant_id TEXT NOT NULL REFERENCES merchants(id),
			member_id TEXT NOT NULL REFERENCES members(id),
			points INTEGER NOT NULL DEFAULT 0 CHECK (points >= 0),
			version INTEGER NOT NULL DEFAULT 0,
			refund_shortfall INTEGER NOT NULL DEFAULT 0,
			last_payout_at TEXT,
			last_bonus_year INTEGER,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (merchant_id, member_id)
		)`,
		`CREATE TABLE IF NOT EXISTS settlement_events (
			id TEXT PRIMARY KEY,
			merchant_id TEXT NOT NULL REFERENCES merchants(id),
			source_channel TEXT NOT NULL,
			external_source TEXT NOT NULL,
			external_id TEXT NOT NULL,
			idempotency_key TEXT,
			customer_email TEXT NOT NULL DEFAULT '',
			customer_phone TEXT NOT NULL DEFAULT '',
			provider_customer_id TEXT NOT NULL DEFAULT '',
			amount TEXT NOT NULL,
			currency TEXT NOT NULL,
			occurred_at TEXT NOT NULL,
			kind TEXT NOT NULL,
			refund_of TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			points_awarded INTEGER NOT NULL DEFAULT 0,
			refunded_points INTEGER NOT NULL DEFAULT 0,
			membership_account_id TEXT,
			created_at TEXT NOT NULL,
			applied_at TEXT,
			UNIQUE (merchant_id, external_source, external_id)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_idempotency
			ON settlement_events(merchant_id, idempotency_key)
			WHERE idempotency_key IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS ledger_transactions (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			membership_account_id TEXT NOT NULL REFERENCES membership_accounts(id),
			type TEXT NOT NULL,
			amount INTEGER NOT NULL,
			resulting_balance INTEGER NOT NULL,
			reason TEXT NOT NULL,
			status TEXT NOT NULL,
			linked_external_ref TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_account ON ledger_transactions(membership_account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_ref ON ledger_transactions(linked_external_ref)`,
		`CREATE TABLE IF NOT EXISTS payout_claims (
			id TEXT PRIMARY KEY,
			membership_account_id TEXT NOT NULL REFERENCES membership_accounts(id),
			points_requested INTEGER NOT NULL,
			payout_amount TEXT NOT NULL,
			currency TEXT NOT NULL,
			network TEXT NOT NULL,
			destination_address TEXT NOT NULL,
			status TEXT NOT NULL,
			stage TEXT NOT NULL,
			transfer_ref TEXT NOT NULL DEFAULT '',
			failure_reason TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			completed_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_claims_account_status ON payout_claims(membership_account_id, status)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}

	return nil
}

// withTx runs fn inside a single storage transaction.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit transaction", err)
	}
	return nil
}

// storageErr tags a driver failure as transient so callers can retry.
func storageErr(op string, err error) error {
	return fmt.Errorf("failed to %s: %w: %w", op, ErrStorageTransient, err)
}

// timeLayout is fixed-width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	if strings.TrimSpace(s) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// marshalJSON serializes a slice or map column.
func marshalJSON(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to serialize column: %w", err)
	}
	return string(data), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
