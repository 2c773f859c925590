// Package provisioning implements the Provisioning Coordinator: input
// validation, atomic quota reservation, the create-VM orchestration and
// its compensation on failure, and the pause/resume/redeploy/destroy
// bot actions.
package provisioning

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/fleetctl/fleetctl/internal/apperr"
	"github.com/fleetctl/fleetctl/internal/iaas"
	"github.com/fleetctl/fleetctl/internal/obslog"
	"github.com/fleetctl/fleetctl/internal/secretcipher"
	"github.com/fleetctl/fleetctl/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// VMSizing is the fixed shape the coordinator asks the IaaS adapter
// for; spec.md's config options name vm_image as configurable, region
// and size are operator-fixed defaults for the single supported
// provider (spec.md §1 non-goals: "IaaS drivers other than a single
// abstract provider").
type VMSizing struct {
	Region string
	Size   string
	Image  string
}

// GuestCustomizer carries spec.md §6's "guest-customizer knobs (repo
// URL, ref, workspace dir, skip flags)" through to the bootstrap
// script. These are operator-wide settings, not per-bot input: every
// bot provisioned by one control plane clones the same strategy repo
// at the same ref.
type GuestCustomizer struct {
	RepoURL         string
	RepoRef         string
	WorkspaceDir    string
	SkipRepoClone   bool
	SkipDepsInstall bool
}

// Coordinator wires the repositories, the IaaS client, the secret
// cipher, and the idempotency lock behind the operations spec.md §4.3
// names. Every dependency is a capability interface or a concrete
// teacher-style repo struct, constructed once at startup and read-only
// thereafter (spec.md §9).
type Coordinator struct {
	db              *sql.DB
	accounts        *store.AccountRepo
	counters        *store.CounterRepo
	bots            *store.BotRepo
	configs         *store.ConfigRepo
	vmRecords       *store.VMRecordRepo
	iaasClient      iaas.Client
	cipher          *secretcipher.Cipher
	redis           *redis.Client
	controlPlaneURL string
	sizing          VMSizing
	customizer      GuestCustomizer
}

// New builds a Coordinator. Every argument is a previously-constructed
// singleton; New performs no I/O itself.
func New(
	db *sql.DB,
	accounts *store.AccountRepo,
	counters *store.CounterRepo,
	bots *store.BotRepo,
	configs *store.ConfigRepo,
	vmRecords *store.VMRecordRepo,
	iaasClient iaas.Client,
	cipher *secretcipher.Cipher,
	redisClient *redis.Client,
	controlPlaneURL string,
	sizing VMSizing,
	customizer GuestCustomizer,
) *Coordinator {
	return &Coordinator{
		db: db, accounts: accounts, counters: counters, bots: bots,
		configs: configs, vmRecords: vmRecords, iaasClient: iaasClient,
		cipher: cipher, redis: redisClient, controlPlaneURL: controlPlaneURL,
		sizing: sizing, customizer: customizer,
	}
}

// botConfigPayload is the plaintext document written into the guest's
// config file; it deliberately excludes secrets, which the guest
// fetches only through the authenticated config-pull endpoint.
type botConfigPayload struct {
	BotID         string          `json:"bot_id"`
	Name          string          `json:"name"`
	Persona       string          `json:"persona"`
	PaperMode     bool            `json:"paper_mode"`
	TradingConfig json.RawMessage `json:"trading_config"`
	Risk          RiskConfig      `json:"risk"`
}

// CreateBot runs the full orchestration of spec.md §4.3: quota
// reservation, bot + config-version persistence, VM creation, and
// compensation strictly in reverse order on any failure.
func (c *Coordinator) CreateBot(ctx context.Context, in Input) (store.Bot, error) {
	if err := in.Validate(); err != nil {
		var ve *ValidationError
		if asValidation(err, &ve) {
			return store.Bot{}, ve.AsAppError()
		}
		return store.Bot{}, apperr.Wrap(apperr.Validation, err, "validation failed")
	}

	name, err := SanitizeBotName(in.Name)
	if err != nil {
		return store.Bot{}, apperr.Wrap(apperr.Validation, err, "invalid name")
	}

	release, err := acquireCreateLock(ctx, c.redis, in.AccountID, name)
	if err != nil {
		return store.Bot{}, err
	}
	defer release()

	log := obslog.From(ctx).With(zap.String("account_id", in.AccountID), zap.String("name", name))

	// Step 1+2: atomically reserve quota and persist the pending bot row
	// in one transaction — either both happen or neither does, so a
	// failed insert never leaks a quota reservation. plaintextToken
	// exists only in memory from here until it is baked into the
	// user-data script below; only its digest was ever persisted.
	plaintextToken, bot, err := c.reserveAndCreateBot(ctx, in.AccountID, name, in.Persona)
	if err != nil {
		return store.Bot{}, err
	}

	// Step 3: encrypt secrets and insert config version 1.
	version1, err := c.createInitialConfigVersion(ctx, bot.ID, in)
	if err != nil {
		log.Error("provisioning: failed to create initial config version, compensating", zap.Error(err))
		c.compensateNoVM(ctx, in.AccountID, bot.ID, log)
		return store.Bot{}, err
	}

	// Step 4: assemble user-data and call create_vm.
	payload := botConfigPayload{
		BotID: bot.ID, Name: name, Persona: in.Persona, PaperMode: in.PaperMode,
		TradingConfig: in.TradingConfig, Risk: in.Risk,
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		log.Error("provisioning: failed to marshal guest config, compensating", zap.Error(err))
		c.compensateNoVM(ctx, in.AccountID, bot.ID, log)
		return store.Bot{}, apperr.Wrap(apperr.Fatal, err, "marshal guest config")
	}

	userData, err := AssembleUserData(bot.ID, plaintextToken, c.controlPlaneURL, payloadJSON, c.customizer)
	if err != nil {
		log.Error("provisioning: failed to assemble user-data, compensating", zap.Error(err))
		c.compensateNoVM(ctx, in.AccountID, bot.ID, log)
		return store.Bot{}, apperr.Wrap(apperr.Fatal, err, "assemble user-data")
	}

	vm, err := c.iaasClient.CreateVM(ctx, iaas.VMSpec{
		Name: "fleet-" + bot.ID, Region: c.sizing.Region, Size: c.sizing.Size,
		Image: c.sizing.Image, UserData: userData,
	})
	if err != nil {
		// spec.md §4.3: "For any create failure — including RateLimited
		// — the coordinator hard-deletes the partial bot row and
		// decrements the counter; there is no special-case bypass."
		log.Warn("provisioning: create_vm failed, compensating", zap.Error(err))
		c.compensateNoVM(ctx, in.AccountID, bot.ID, log)
		return store.Bot{}, err
	}

	log = log.With(zap.String("vm_id", vm.ID))

	// Step 5: persist the VM record, link it to the bot, transition to
	// provisioning. If this fails, the VM must be torn down too.
	if err := c.linkVMToBot(ctx, bot.ID, vm); err != nil {
		log.Error("provisioning: failed to persist VM record, destroying orphaned VM", zap.Error(err))
		if destroyErr := c.iaasClient.DestroyVM(ctx, vm.ID); destroyErr != nil {
			// Destroy could not be confirmed: the VM may still exist.
			// Deleting the bot row and freeing the quota slot here would
			// leak an untracked VM nothing in the system points at
			// anymore, so the bot is marked error instead and the
			// counter is left reserved until an operator repairs it.
			log.Error("provisioning: compensating destroy_vm also failed, marking bot error", zap.Error(destroyErr))
			c.markBotError(ctx, bot.ID, log)
		} else {
			c.compensateNoVM(ctx, in.AccountID, bot.ID, log)
		}
		return store.Bot{}, apperr.Wrap(apperr.Fatal, err, "persist vm record for bot %s vm %s", bot.ID, vm.ID)
	}

	bot.Status = store.BotProvisioning
	bot.DesiredConfigVersion.Int64 = int64(version1)
	bot.DesiredConfigVersion.Valid = true
	bot.VMHandle.String = vm.ID
	bot.VMHandle.Valid = true
	return bot, nil
}

// reserveAndCreateBot reserves quota and inserts the pending bot row in
// one transaction, returning the cleartext registration token alongside
// the bot — the only place in the system that ever sees the cleartext;
// only its digest crosses into the database.
func (c *Coordinator) reserveAndCreateBot(ctx context.Context, accountID, name, persona string) (plaintext string, bot store.Bot, err error) {
	plaintext, digest, err := newRegistrationToken()
	if err != nil {
		return "", store.Bot{}, apperr.Wrap(apperr.Fatal, err, "generate registration token")
	}

	err = transact(ctx, c.db, func(tx *sql.Tx) error {
		if _, _, err := store.TryIncrementTx(ctx, tx, accountID); err != nil {
			return err
		}
		var err error
		bot, err = store.CreateTx(ctx, tx, store.CreateParams{
			AccountID: accountID, Name: name, Persona: persona,
			RegistrationTokenDigest: digest,
		})
		return err
	})
	if err != nil {
		return "", store.Bot{}, err
	}
	return plaintext, bot, nil
}

func (c *Coordinator) createInitialConfigVersion(ctx context.Context, botID string, in Input) (int, error) {
	encryptedSecrets, err := c.cipher.Encrypt(in.SecretMaterial)
	if err != nil {
		return 0, apperr.Wrap(apperr.Fatal, err, "encrypt secret material")
	}

	riskJSON, err := json.Marshal(in.Risk)
	if err != nil {
		return 0, apperr.Wrap(apperr.Fatal, err, "marshal risk config")
	}

	var version int
	err = transact(ctx, c.db, func(tx *sql.Tx) error {
		v, err := store.NextVersionAtomicTx(ctx, tx, botID)
		if err != nil {
			return err
		}
		if _, err := store.CreateVersionTx(ctx, tx, store.CreateVersionParams{
			BotID: botID, Version: v, TradingConfig: in.TradingConfig, RiskConfig: riskJSON,
			EncryptedSecrets: encryptedSecrets, SecretProviderLabel: in.SecretProviderLabel,
		}); err != nil {
			return err
		}
		if err := store.UpdateDesiredConfigTx(ctx, tx, botID, v); err != nil {
			return err
		}
		version = v
		return nil
	})
	return version, err
}

func (c *Coordinator) linkVMToBot(ctx context.Context, botID string, vm iaas.VM) error {
	return transact(ctx, c.db, func(tx *sql.Tx) error {
		if _, err := store.CreateVMRecordTx(ctx, tx, store.CreateVMParams{
			ID: vm.ID, Name: vm.Name, Region: c.sizing.Region, Size: c.sizing.Size,
			Image: c.sizing.Image, Status: store.VMActive,
		}); err != nil {
			return err
		}
		if err := store.AssignVMToBotTx(ctx, tx, vm.ID, botID); err != nil {
			return err
		}
		if err := store.UpdateVMHandleTx(ctx, tx, botID, vm.ID); err != nil {
			return err
		}
		return store.UpdateStatusTx(ctx, tx, botID, store.BotProvisioning)
	})
}

// compensateNoVM hard-deletes the partial bot row and decrements the
// counter — the rollback spec.md §4.3 requires for every create failure
// that never reached a successful create_vm.
func (c *Coordinator) compensateNoVM(ctx context.Context, accountID, botID string, log *zap.Logger) {
	err := transact(ctx, c.db, func(tx *sql.Tx) error {
		if err := store.HardDeleteTx(ctx, tx, botID); err != nil {
			return err
		}
		return store.DecrementTx(ctx, tx, accountID)
	})
	if err != nil {
		log.Error("provisioning: compensation failed, bot/counter may be inconsistent",
			zap.String("bot_id", botID), zap.String("account_id", accountID), zap.Error(err))
	}
}

// markBotError is the rollback spec.md §4.3 requires when a VM's destroy
// call itself fails during compensation: the VM cannot be confirmed gone,
// so the bot row must not be deleted and the quota slot must not be
// freed — an operator has to reconcile the orphaned VM by hand before
// the slot is reusable. The bot's vm_handle is not changed here, so the
// VM whose destroy failed is identified only in the caller's log; no
// counter mutation happens here.
func (c *Coordinator) markBotError(ctx context.Context, botID string, log *zap.Logger) {
	err := transact(ctx, c.db, func(tx *sql.Tx) error {
		return store.UpdateStatusTx(ctx, tx, botID, store.BotError)
	})
	if err != nil {
		log.Error("provisioning: failed to mark bot error after stuck destroy",
			zap.String("bot_id", botID), zap.Error(err))
	}
}

func transact(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
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

func asValidation(err error, out **ValidationError) bool {
	ve, ok := err.(*ValidationError)
	if ok {
		*out = ve
	}
	return ok
}
