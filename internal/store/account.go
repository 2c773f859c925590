package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/fleetctl/fleetctl/internal/apperr"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const accountColumns = `id, external_id, tier, max_bots, created_at, updated_at`

// AccountRepo implements the Account repo of spec.md §4.1. Methods run
// against the pool; those that write more than one row (create, which
// also seeds the Counter row, and UpdateSubscription) open their own
// transaction.
type AccountRepo struct {
	db *sql.DB
}

func NewAccountRepo(db *sql.DB) *AccountRepo { return &AccountRepo{db: db} }

func scanAccount(row rowScanner) (Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.ExternalID, &a.Tier, &a.MaxBots, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// Create inserts the Account and its Counter row in one transaction —
// spec.md §3 requires the Counter to exist "automatically whenever an
// Account is created".
func (r *AccountRepo) Create(ctx context.Context, externalID string, tier Tier) (Account, error) {
	maxBots, ok := MaxBotsForTier(tier)
	if !ok {
		return Account{}, apperr.New(apperr.Validation, "unknown tier %q", tier)
	}

	id := uuid.NewString()
	var account Account

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Account{}, apperr.Wrap(apperr.Transient, err, "begin transaction")
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		INSERT INTO accounts (id, external_id, tier, max_bots)
		VALUES ($1, $2, $3, $4)
		RETURNING `+accountColumns,
		id, externalID, tier, maxBots)
	account, err = scanAccount(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Account{}, apperr.Wrap(apperr.Conflict, err, "external_id %q already in use", externalID)
		}
		return Account{}, apperr.Wrap(apperr.Transient, err, "insert account")
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO account_bot_counters (account_id, current_count, max_count)
		VALUES ($1, 0, $2)`,
		id, maxBots); err != nil {
		return Account{}, apperr.Wrap(apperr.Transient, err, "insert counter")
	}

	if err := tx.Commit(); err != nil {
		return Account{}, apperr.Wrap(apperr.Transient, err, "commit account creation")
	}

	return account, nil
}

func (r *AccountRepo) GetByID(ctx context.Context, id string) (Account, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	account, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, apperr.New(apperr.NotFound, "account %s not found", id)
	}
	if err != nil {
		return Account{}, apperr.Wrap(apperr.Transient, err, "get account")
	}
	return account, nil
}

func (r *AccountRepo) GetByExternalID(ctx context.Context, externalID string) (Account, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE external_id = $1`, externalID)
	account, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, apperr.New(apperr.NotFound, "account with external_id %q not found", externalID)
	}
	if err != nil {
		return Account{}, apperr.Wrap(apperr.Transient, err, "get account by external id")
	}
	return account, nil
}

// UpdateSubscription changes Tier and cascades the new MaxBots to both
// the account row and its counter's max_count, per spec.md §3.
func (r *AccountRepo) UpdateSubscription(ctx context.Context, id string, tier Tier) (Account, error) {
	maxBots, ok := MaxBotsForTier(tier)
	if !ok {
		return Account{}, apperr.New(apperr.Validation, "unknown tier %q", tier)
	}

	var account Account
	err := withTxDB(ctx, r.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			UPDATE accounts SET tier = $1, max_bots = $2, updated_at = now()
			WHERE id = $3
			RETURNING `+accountColumns,
			tier, maxBots, id)
		var err error
		account, err = scanAccount(row)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.New(apperr.NotFound, "account %s not found", id)
		}
		if err != nil {
			return apperr.Wrap(apperr.Transient, err, "update account tier")
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE account_bot_counters SET max_count = $1, updated_at = now()
			WHERE account_id = $2`,
			maxBots, id)
		if err != nil {
			return apperr.Wrap(apperr.Transient, err, "update counter max_count")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.New(apperr.Fatal, "counter row missing for account %s", id)
		}
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

func withTxDB(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.Transient, err, "begin transaction")
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.Transient, err, "commit transaction")
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505), the code lib/pq surfaces for a duplicate key.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
