// Package reconcile implements the Lifecycle Reconciler of spec.md
// §4.5: config version assignment for existing bots, acknowledgement,
// desired-config serving, heartbeat ingestion, and the stale sweep.
package reconcile

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/fleetctl/fleetctl/internal/apperr"
	"github.com/fleetctl/fleetctl/internal/secretcipher"
	"github.com/fleetctl/fleetctl/internal/store"
)

// Reconciler holds the repositories and cipher it needs; it performs no
// VM lifecycle work, which stays the Provisioning Coordinator's job.
type Reconciler struct {
	db      *sql.DB
	bots    *store.BotRepo
	configs *store.ConfigRepo
	cipher  *secretcipher.Cipher
}

func New(db *sql.DB, bots *store.BotRepo, configs *store.ConfigRepo, cipher *secretcipher.Cipher) *Reconciler {
	return &Reconciler{db: db, bots: bots, configs: configs, cipher: cipher}
}

// RiskConfig mirrors internal/provisioning.RiskConfig's wire shape; kept
// as a separate type so this package does not import provisioning for a
// single struct (provisioning validates it on create and redeploy, this
// package validates the same bounds on update).
type RiskConfig struct {
	MaxPositionSizePct float64 `json:"max_position_size_pct"`
	MaxDailyLossPct    float64 `json:"max_daily_loss_pct"`
	MaxDrawdownPct     float64 `json:"max_drawdown_pct"`
	MaxTradesPerDay    int     `json:"max_trades_per_day"`
}

// NewConfigInput is what CreateConfigForBot accepts. CreateConfigForBot
// checks the same risk bounds internal/provisioning.Input.Validate does
// (each percentage within [0, 100], max_trades_per_day >= 0) and reports
// the first failing check as a Validation error.
type NewConfigInput struct {
	TradingConfig       []byte
	Risk                RiskConfig
	SecretProviderLabel string
	SecretMaterial      string
}

// CreateConfigForBot assigns the next dense version for an existing
// bot, encrypts secrets, inserts the row, and repoints
// desired_config_version — spec.md §4.5's "create new config for an
// existing bot". Two concurrent callers on the same bot get distinct
// versions and both succeed; the advisory lock in
// store.NextVersionAtomicTx serializes them.
func (rc *Reconciler) CreateConfigForBot(ctx context.Context, botID string, in NewConfigInput) (store.ConfigVersion, error) {
	if _, err := rc.bots.GetByID(ctx, botID); err != nil {
		return store.ConfigVersion{}, err
	}

	risk := in.Risk
	for _, pct := range []float64{risk.MaxPositionSizePct, risk.MaxDailyLossPct, risk.MaxDrawdownPct} {
		if pct < 0 || pct > 100 {
			return store.ConfigVersion{}, apperr.New(apperr.Validation, "risk percentages must be within [0, 100], got %v", pct)
		}
	}
	if risk.MaxTradesPerDay < 0 {
		return store.ConfigVersion{}, apperr.New(apperr.Validation, "risk.max_trades_per_day must be >= 0")
	}

	encryptedSecrets, err := rc.cipher.Encrypt(in.SecretMaterial)
	if err != nil {
		return store.ConfigVersion{}, apperr.Wrap(apperr.Fatal, err, "encrypt secret material")
	}
	riskJSON, err := json.Marshal(in.Risk)
	if err != nil {
		return store.ConfigVersion{}, apperr.Wrap(apperr.Fatal, err, "marshal risk config")
	}

	var cv store.ConfigVersion
	err = withTx(ctx, rc.db, func(tx *sql.Tx) error {
		version, err := store.NextVersionAtomicTx(ctx, tx, botID)
		if err != nil {
			return err
		}
		cv, err = store.CreateVersionTx(ctx, tx, store.CreateVersionParams{
			BotID: botID, Version: version, TradingConfig: in.TradingConfig,
			RiskConfig: riskJSON, EncryptedSecrets: encryptedSecrets,
			SecretProviderLabel: in.SecretProviderLabel,
		})
		if err != nil {
			return err
		}
		return store.UpdateDesiredConfigTx(ctx, tx, botID, version)
	})
	return cv, err
}

// AcknowledgeConfig implements spec.md §4.5's resolution table: missing
// bot/config → NotFound; config_id != desired → Conflict (a stale ack
// from an agent that hasn't pulled the latest version yet); otherwise
// applied_config_version is set.
func (rc *Reconciler) AcknowledgeConfig(ctx context.Context, botID, configID string) error {
	bot, err := rc.bots.GetByID(ctx, botID)
	if err != nil {
		return err
	}
	cv, err := rc.configs.GetByID(ctx, configID)
	if err != nil {
		return err
	}
	if cv.BotID != botID {
		return apperr.New(apperr.NotFound, "config %s does not belong to bot %s", configID, botID)
	}
	if !bot.DesiredConfigVersion.Valid || cv.Version != int(bot.DesiredConfigVersion.Int64) {
		return apperr.New(apperr.Conflict, "config %s is not the desired version for bot %s", configID, botID)
	}
	return rc.bots.UpdateAppliedConfig(ctx, botID, cv.Version)
}

// DesiredConfig is the decrypted payload served to an authenticated
// guest — spec.md §4.5 is explicit that secrets are decrypted before
// the response leaves the reconciler and never logged.
type DesiredConfig struct {
	ConfigID      string
	Version       int
	TradingConfig []byte
	RiskConfig    []byte
	SecretPlain   string
}

// ServeDesiredConfig returns the bot's currently desired config with
// secrets decrypted. 404 if the bot has no desired version set, or if
// the referenced config row is somehow missing.
func (rc *Reconciler) ServeDesiredConfig(ctx context.Context, botID string) (DesiredConfig, error) {
	bot, err := rc.bots.GetByID(ctx, botID)
	if err != nil {
		return DesiredConfig{}, err
	}
	if !bot.DesiredConfigVersion.Valid {
		return DesiredConfig{}, apperr.New(apperr.NotFound, "bot %s has no desired config", botID)
	}

	versions, err := rc.configs.ListByBot(ctx, botID)
	if err != nil {
		return DesiredConfig{}, err
	}
	var desired *store.ConfigVersion
	for i := range versions {
		if versions[i].Version == int(bot.DesiredConfigVersion.Int64) {
			desired = &versions[i]
			break
		}
	}
	if desired == nil {
		return DesiredConfig{}, apperr.New(apperr.NotFound, "desired config version %d for bot %s not found", bot.DesiredConfigVersion.Int64, botID)
	}

	plaintext, err := rc.cipher.Decrypt(desired.EncryptedSecrets)
	if err != nil {
		return DesiredConfig{}, apperr.Wrap(apperr.Fatal, err, "decrypt secrets for bot %s config %s", botID, desired.ID)
	}

	return DesiredConfig{
		ConfigID: desired.ID, Version: desired.Version,
		TradingConfig: desired.TradingConfig, RiskConfig: desired.RiskConfig,
		SecretPlain: plaintext,
	}, nil
}

// Heartbeat delegates to the bot repo, which already rejects destroyed
// bots per spec.md §4.5.
func (rc *Reconciler) Heartbeat(ctx context.Context, botID string, now time.Time) error {
	return rc.bots.RecordHeartbeat(ctx, botID, now)
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
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
