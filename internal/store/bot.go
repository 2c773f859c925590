package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/fleetctl/fleetctl/internal/apperr"
	"github.com/google/uuid"
)

const botColumns = `id, account_id, name, persona, status, vm_handle,
	desired_config_version, applied_config_version, registration_token_digest,
	last_heartbeat_at, created_at, updated_at`

// BotRepo implements the Bot repo of spec.md §4.1.
type BotRepo struct {
	db *sql.DB
}

func NewBotRepo(db *sql.DB) *BotRepo { return &BotRepo{db: db} }

func scanBot(row rowScanner) (Bot, error) {
	var b Bot
	err := row.Scan(&b.ID, &b.AccountID, &b.Name, &b.Persona, &b.Status, &b.VMHandle,
		&b.DesiredConfigVersion, &b.AppliedConfigVersion, &b.RegistrationTokenDigest,
		&b.LastHeartbeatAt, &b.CreatedAt, &b.UpdatedAt)
	return b, err
}

// CreateParams carries what the Provisioning Coordinator has decided
// before any row exists: name is already sanitized, the token digest is
// already hashed, status is always "pending" at insert.
type CreateParams struct {
	AccountID               string
	Name                    string
	Persona                 string
	RegistrationTokenDigest string
}

// CreateTx inserts a pending bot inside an existing transaction, so the
// coordinator can roll the insert back atomically with the quota
// reservation if a later orchestration step fails before commit.
func CreateTx(ctx context.Context, tx *sql.Tx, p CreateParams) (Bot, error) {
	row := tx.QueryRowContext(ctx, `
		INSERT INTO bots (id, account_id, name, persona, status, registration_token_digest)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+botColumns,
		uuid.NewString(), p.AccountID, p.Name, p.Persona, BotPending, p.RegistrationTokenDigest)
	bot, err := scanBot(row)
	if err != nil {
		return Bot{}, apperr.Wrap(apperr.Transient, err, "insert bot")
	}
	return bot, nil
}

func (r *BotRepo) GetByID(ctx context.Context, id string) (Bot, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+botColumns+` FROM bots WHERE id = $1`, id)
	bot, err := scanBot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Bot{}, apperr.New(apperr.NotFound, "bot %s not found", id)
	}
	if err != nil {
		return Bot{}, apperr.Wrap(apperr.Transient, err, "get bot")
	}
	return bot, nil
}

// GetByIDWithTokenDigest is the same lookup used on the hot path of
// bot-agent authentication; kept distinct per spec.md §4.1 naming even
// though it shares the scan, in case the digest later moves to a
// narrower column set than the admin-facing read.
func (r *BotRepo) GetByIDWithTokenDigest(ctx context.Context, id string) (Bot, error) {
	return r.GetByID(ctx, id)
}

func (r *BotRepo) ListByAccount(ctx context.Context, accountID string, p Pagination) ([]Bot, error) {
	p = p.Normalize()
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+botColumns+` FROM bots
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`,
		accountID, p.Limit, p.Offset)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "list bots by account")
	}
	defer rows.Close()

	var bots []Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.Transient, err, "scan bot row")
		}
		bots = append(bots, b)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "iterate bot rows")
	}
	return bots, nil
}

func (r *BotRepo) CountByAccount(ctx context.Context, accountID string) (int, error) {
	var n int
	row := r.db.QueryRowContext(ctx, `SELECT count(*) FROM bots WHERE account_id = $1 AND status != $2`,
		accountID, BotDestroyed)
	if err := row.Scan(&n); err != nil {
		return 0, apperr.Wrap(apperr.Transient, err, "count bots by account")
	}
	return n, nil
}

func (r *BotRepo) UpdateStatus(ctx context.Context, id string, status BotStatus) error {
	return execAffectingOne(ctx, r.db, "bot", id, `
		UPDATE bots SET status = $1, updated_at = now() WHERE id = $2`,
		status, id)
}

// UpdateStatusTx is UpdateStatus scoped to an existing transaction, used
// by compensation paths that must roll the status change back together
// with other effects.
func UpdateStatusTx(ctx context.Context, tx *sql.Tx, id string, status BotStatus) error {
	return execAffectingOne(ctx, tx, "bot", id, `
		UPDATE bots SET status = $1, updated_at = now() WHERE id = $2`,
		status, id)
}

func (r *BotRepo) UpdateVMHandle(ctx context.Context, id string, vmHandle string) error {
	return execAffectingOne(ctx, r.db, "bot", id, `
		UPDATE bots SET vm_handle = $1, updated_at = now() WHERE id = $2`,
		vmHandle, id)
}

// UpdateVMHandleTx is UpdateVMHandle scoped to an existing transaction.
func UpdateVMHandleTx(ctx context.Context, tx *sql.Tx, id string, vmHandle string) error {
	return execAffectingOne(ctx, tx, "bot", id, `
		UPDATE bots SET vm_handle = $1, updated_at = now() WHERE id = $2`,
		vmHandle, id)
}

func (r *BotRepo) UpdateDesiredConfig(ctx context.Context, id string, version int) error {
	return updateDesiredConfig(ctx, r.db, id, version)
}

// UpdateDesiredConfigTx points bot.desired_config_version at version
// inside an existing transaction — used by both the coordinator's
// initial-version insert and the Reconciler's create-new-config path.
func UpdateDesiredConfigTx(ctx context.Context, tx *sql.Tx, id string, version int) error {
	return updateDesiredConfig(ctx, tx, id, version)
}

func updateDesiredConfig(ctx context.Context, ex executor, id string, version int) error {
	return execAffectingOne(ctx, ex, "bot", id, `
		UPDATE bots SET desired_config_version = $1, updated_at = now() WHERE id = $2`,
		version, id)
}

// UpdateAppliedConfig sets bot.applied_config_version, called from
// AcknowledgeConfig once the caller has verified config_id == desired.
func (r *BotRepo) UpdateAppliedConfig(ctx context.Context, id string, version int) error {
	return execAffectingOne(ctx, r.db, "bot", id, `
		UPDATE bots SET applied_config_version = $1, updated_at = now() WHERE id = $2`,
		version, id)
}

// RecordHeartbeat sets last_heartbeat_at = now() but refuses to touch a
// destroyed bot, per spec.md §4.5 ("Rejects for bots in destroyed").
func (r *BotRepo) RecordHeartbeat(ctx context.Context, id string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE bots SET last_heartbeat_at = $1, updated_at = now()
		WHERE id = $2 AND status != $3`,
		now, id, BotDestroyed)
	if err != nil {
		return apperr.Wrap(apperr.Transient, err, "record heartbeat")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Wrap(apperr.Transient, err, "record heartbeat rows affected")
	}
	if n == 0 {
		// Either the bot doesn't exist or it's destroyed; disambiguate
		// for a clearer error to the caller.
		bot, getErr := r.GetByID(ctx, id)
		if getErr != nil {
			return getErr
		}
		if bot.Status == BotDestroyed {
			return apperr.New(apperr.Conflict, "bot %s is destroyed, heartbeat rejected", id)
		}
		return apperr.New(apperr.NotFound, "bot %s not found", id)
	}
	return nil
}

// ListStale returns online bots whose heartbeat is missing or older
// than threshold, the set the stale sweep (spec.md §4.5) transitions to
// error. pageSize bounds a single sweep pass per the design-note
// recommendation to throttle after long outages.
func (r *BotRepo) ListStale(ctx context.Context, threshold time.Duration, now time.Time, pageSize int) ([]Bot, error) {
	if pageSize <= 0 {
		pageSize = 500
	}
	cutoff := now.Add(-threshold)
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+botColumns+` FROM bots
		WHERE status = $1 AND (last_heartbeat_at IS NULL OR last_heartbeat_at < $2)
		ORDER BY id
		LIMIT $3`,
		BotOnline, cutoff, pageSize)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "list stale bots")
	}
	defer rows.Close()

	var bots []Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.Transient, err, "scan stale bot row")
		}
		bots = append(bots, b)
	}
	return bots, rows.Err()
}

// TransitionOnlineToError atomically moves a single bot from online to
// error, guarded by "WHERE status = online" so concurrent sweep workers
// never double-transition or race with a concurrent admin action.
func (r *BotRepo) TransitionOnlineToError(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE bots SET status = $1, updated_at = now() WHERE id = $2 AND status = $3`,
		BotError, id, BotOnline)
	if err != nil {
		return false, apperr.Wrap(apperr.Transient, err, "transition bot to error")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.Wrap(apperr.Transient, err, "transition bot to error rows affected")
	}
	return n > 0, nil
}

// UpdateRegistrationTokenDigestTx rotates a bot's stored token digest —
// used by redeploy, which mints a fresh registration token for the
// replacement VM rather than trusting a copy baked into a destroyed one.
func UpdateRegistrationTokenDigestTx(ctx context.Context, tx *sql.Tx, id string, digest string) error {
	return execAffectingOne(ctx, tx, "bot", id, `
		UPDATE bots SET registration_token_digest = $1, updated_at = now() WHERE id = $2`,
		digest, id)
}

// HardDelete removes a bot row outright; spec.md §4.3 restricts this to
// the rollback path of a failed provisioning attempt.
func HardDeleteTx(ctx context.Context, tx *sql.Tx, id string) error {
	return execAffectingOne(ctx, tx, "bot", id, `DELETE FROM bots WHERE id = $1`, id)
}

func (r *BotRepo) HardDelete(ctx context.Context, id string) error {
	return execAffectingOne(ctx, r.db, "bot", id, `DELETE FROM bots WHERE id = $1`, id)
}

// execAffectingOne runs a single-row write and fails with NotFound if
// no row matched, per spec.md §4.1's blanket rule for writes.
func execAffectingOne(ctx context.Context, ex executor, entity, id, query string, args ...any) error {
	res, err := ex.ExecContext(ctx, query, args...)
	if err != nil {
		return apperr.Wrap(apperr.Transient, err, "update %s %s", entity, id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Wrap(apperr.Transient, err, "rows affected for %s %s", entity, id)
	}
	if n == 0 {
		return apperr.New(apperr.NotFound, "%s %s not found", entity, id)
	}
	return nil
}
