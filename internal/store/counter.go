package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/fleetctl/fleetctl/internal/apperr"
)

// CounterRepo implements the atomic quota counter (spec.md §4.1). Every
// operation is a single statement; there is no read-then-write race
// window for callers to fall into.
type CounterRepo struct {
	db *sql.DB
}

func NewCounterRepo(db *sql.DB) *CounterRepo { return &CounterRepo{db: db} }

// TryIncrement atomically increments current_count iff it is still
// below max_count, in one "UPDATE ... WHERE current < max RETURNING"
// statement — the single-row conditional update is what makes quota
// integrity hold under arbitrary concurrency (spec.md §8, scenario 1).
func (r *CounterRepo) TryIncrement(ctx context.Context, accountID string) (current, max int, err error) {
	return tryIncrement(ctx, r.db, accountID)
}

// executor is satisfied by *sql.DB and *sql.Tx, letting callers that
// need the increment and the bot insert in the same transaction (the
// Provisioning Coordinator) reuse this logic instead of duplicating it.
type executor interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func tryIncrement(ctx context.Context, ex executor, accountID string) (int, int, error) {
	row := ex.QueryRowContext(ctx, `
		UPDATE account_bot_counters
		SET current_count = current_count + 1, updated_at = now()
		WHERE account_id = $1 AND current_count < max_count
		RETURNING current_count, max_count`,
		accountID)

	var current, max int
	err := row.Scan(&current, &max)
	if err == nil {
		return current, max, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, 0, apperr.Wrap(apperr.Transient, err, "try_increment counter")
	}

	// The conditional update matched no row — read the row back to tell
	// "no such counter" apart from "already at the limit".
	row = ex.QueryRowContext(ctx, `
		SELECT current_count, max_count FROM account_bot_counters WHERE account_id = $1`,
		accountID)
	if err := row.Scan(&current, &max); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, apperr.New(apperr.NotFound, "no counter for account %s", accountID)
		}
		return 0, 0, apperr.Wrap(apperr.Transient, err, "read counter after limit")
	}
	return current, max, apperr.New(apperr.QuotaExceeded, "account %s at limit %d/%d", accountID, current, max)
}

// TryIncrementTx is TryIncrement run against an existing transaction so
// the Provisioning Coordinator can reserve quota and insert the bot row
// in the same atomic unit.
func TryIncrementTx(ctx context.Context, tx *sql.Tx, accountID string) (current, max int, err error) {
	return tryIncrement(ctx, tx, accountID)
}

// Decrement clamps current_count at zero; used only by compensation
// paths and destroy, never by the happy-path create.
func (r *CounterRepo) Decrement(ctx context.Context, accountID string) error {
	return decrement(ctx, r.db, accountID)
}

// DecrementTx is Decrement scoped to an existing transaction.
func DecrementTx(ctx context.Context, tx *sql.Tx, accountID string) error {
	return decrement(ctx, tx, accountID)
}

func decrement(ctx context.Context, ex executor, accountID string) error {
	res, err := ex.ExecContext(ctx, `
		UPDATE account_bot_counters
		SET current_count = GREATEST(current_count - 1, 0), updated_at = now()
		WHERE account_id = $1`,
		accountID)
	if err != nil {
		return apperr.Wrap(apperr.Transient, err, "decrement counter")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Wrap(apperr.Transient, err, "decrement counter rows affected")
	}
	if n == 0 {
		return apperr.New(apperr.NotFound, "no counter for account %s", accountID)
	}
	return nil
}

// Get returns the raw counter row, used by admin read endpoints and tests.
func (r *CounterRepo) Get(ctx context.Context, accountID string) (Counter, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT account_id, current_count, max_count, updated_at
		FROM account_bot_counters WHERE account_id = $1`,
		accountID)
	var c Counter
	if err := row.Scan(&c.AccountID, &c.CurrentCount, &c.MaxCount, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Counter{}, apperr.New(apperr.NotFound, "no counter for account %s", accountID)
		}
		return Counter{}, apperr.Wrap(apperr.Transient, err, "get counter")
	}
	return c, nil
}
