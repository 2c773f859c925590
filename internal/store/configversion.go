package store

import (
	"context"
	"database/sql"
	"errors"
	"hash/fnv"

	"github.com/fleetctl/fleetctl/internal/apperr"
	"github.com/google/uuid"
)

const configColumns = `id, bot_id, version, trading_config, risk_config,
	encrypted_secrets, secret_provider_label, created_at`

// ConfigRepo implements the Config repo of spec.md §4.1.
type ConfigRepo struct {
	db *sql.DB
}

func NewConfigRepo(db *sql.DB) *ConfigRepo { return &ConfigRepo{db: db} }

func scanConfigVersion(row rowScanner) (ConfigVersion, error) {
	var c ConfigVersion
	err := row.Scan(&c.ID, &c.BotID, &c.Version, &c.TradingConfig, &c.RiskConfig,
		&c.EncryptedSecrets, &c.SecretProviderLabel, &c.CreatedAt)
	return c, err
}

func (r *ConfigRepo) GetByID(ctx context.Context, id string) (ConfigVersion, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+configColumns+` FROM config_versions WHERE id = $1`, id)
	cv, err := scanConfigVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ConfigVersion{}, apperr.New(apperr.NotFound, "config %s not found", id)
	}
	if err != nil {
		return ConfigVersion{}, apperr.Wrap(apperr.Transient, err, "get config version")
	}
	return cv, nil
}

func (r *ConfigRepo) GetLatestForBot(ctx context.Context, botID string) (ConfigVersion, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+configColumns+` FROM config_versions
		WHERE bot_id = $1 ORDER BY version DESC LIMIT 1`,
		botID)
	cv, err := scanConfigVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ConfigVersion{}, apperr.New(apperr.NotFound, "no config versions for bot %s", botID)
	}
	if err != nil {
		return ConfigVersion{}, apperr.Wrap(apperr.Transient, err, "get latest config version")
	}
	return cv, nil
}

func (r *ConfigRepo) ListByBot(ctx context.Context, botID string) ([]ConfigVersion, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+configColumns+` FROM config_versions
		WHERE bot_id = $1 ORDER BY version ASC`,
		botID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "list config versions")
	}
	defer rows.Close()

	var out []ConfigVersion
	for rows.Next() {
		cv, err := scanConfigVersion(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.Transient, err, "scan config version row")
		}
		out = append(out, cv)
	}
	return out, rows.Err()
}

// advisoryLockKey hashes bot_id to the int64 key pg_advisory_xact_lock
// wants. FNV-1a is deterministic and collision-resistant enough here:
// a false-positive collision only costs extra serialization between two
// unrelated bots, it never threatens correctness.
func advisoryLockKey(botID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(botID))
	return int64(h.Sum64())
}

// NextVersionAtomicTx implements spec.md §4.1's "per-bot mutual
// exclusion ... held for the duration of a transaction that reads
// max(version) and returns max+1". The advisory lock is transaction-
// scoped (pg_advisory_xact_lock) so it releases automatically on commit
// or rollback — no separate unlock call, no leak on panic-driven
// rollback.
//
// Callers MUST be inside the transaction that will insert the new
// version row; NextVersionAtomicTx only reserves the number.
func NextVersionAtomicTx(ctx context.Context, tx *sql.Tx, botID string) (int, error) {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, advisoryLockKey(botID)); err != nil {
		return 0, apperr.Wrap(apperr.Transient, err, "acquire version advisory lock for bot %s", botID)
	}

	var maxVersion sql.NullInt64
	row := tx.QueryRowContext(ctx, `SELECT max(version) FROM config_versions WHERE bot_id = $1`, botID)
	if err := row.Scan(&maxVersion); err != nil {
		return 0, apperr.Wrap(apperr.Transient, err, "read max version for bot %s", botID)
	}

	if !maxVersion.Valid {
		return 1, nil
	}
	return int(maxVersion.Int64) + 1, nil
}

// CreateVersionParams is everything needed to insert an immutable
// config row; Version must have come from NextVersionAtomicTx in the
// same transaction.
type CreateVersionParams struct {
	BotID               string
	Version             int
	TradingConfig       []byte
	RiskConfig          []byte
	EncryptedSecrets    string
	SecretProviderLabel string
}

// CreateVersionTx inserts the config row inside the caller's
// transaction. The UNIQUE(bot_id, version) constraint is the last line
// of defense against two callers racing past the advisory lock somehow
// (e.g. a bug in lock scoping) — it turns a would-be silent duplicate
// into a Conflict instead.
func CreateVersionTx(ctx context.Context, tx *sql.Tx, p CreateVersionParams) (ConfigVersion, error) {
	row := tx.QueryRowContext(ctx, `
		INSERT INTO config_versions (id, bot_id, version, trading_config, risk_config, encrypted_secrets, secret_provider_label)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+configColumns,
		uuid.NewString(), p.BotID, p.Version, p.TradingConfig, p.RiskConfig, p.EncryptedSecrets, p.SecretProviderLabel)
	cv, err := scanConfigVersion(row)
	if err != nil {
		if isUniqueViolation(err) {
			return ConfigVersion{}, apperr.Wrap(apperr.Conflict, err, "version %d already exists for bot %s", p.Version, p.BotID)
		}
		return ConfigVersion{}, apperr.Wrap(apperr.Transient, err, "insert config version")
	}
	return cv, nil
}
