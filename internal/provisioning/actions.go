package provisioning

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/fleetctl/fleetctl/internal/apperr"
	"github.com/fleetctl/fleetctl/internal/iaas"
	"github.com/fleetctl/fleetctl/internal/obslog"
	"github.com/fleetctl/fleetctl/internal/store"
	"go.uber.org/zap"
)

// Pause requires the bot to be online; it powers the VM off and
// transitions the bot to paused (spec.md §4.3.2).
func (c *Coordinator) Pause(ctx context.Context, botID string) (store.Bot, error) {
	bot, err := c.bots.GetByID(ctx, botID)
	if err != nil {
		return store.Bot{}, err
	}
	if bot.Status != store.BotOnline {
		return store.Bot{}, apperr.New(apperr.Conflict, "bot %s is %s, not online; cannot pause", botID, bot.Status)
	}
	if !bot.VMHandle.Valid {
		return store.Bot{}, apperr.New(apperr.Fatal, "bot %s is online with no vm_handle", botID)
	}

	if err := c.iaasClient.PowerOff(ctx, bot.VMHandle.String); err != nil {
		return store.Bot{}, err
	}
	if err := c.bots.UpdateStatus(ctx, botID, store.BotPaused); err != nil {
		return store.Bot{}, err
	}
	bot.Status = store.BotPaused
	return bot, nil
}

// Resume requires the bot to be paused and first reads live VM state —
// spec.md §4.3.2 is explicit that no bot transitions to online without
// a verified resumable VM.
func (c *Coordinator) Resume(ctx context.Context, botID string) (store.Bot, error) {
	bot, err := c.bots.GetByID(ctx, botID)
	if err != nil {
		return store.Bot{}, err
	}
	if bot.Status != store.BotPaused {
		return store.Bot{}, apperr.New(apperr.Conflict, "bot %s is %s, not paused; cannot resume", botID, bot.Status)
	}
	if !bot.VMHandle.Valid {
		return store.Bot{}, apperr.New(apperr.Fatal, "bot %s is paused with no vm_handle", botID)
	}

	vm, err := c.iaasClient.GetVM(ctx, bot.VMHandle.String)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			return store.Bot{}, apperr.New(apperr.Conflict, "bot %s's vm %s is missing; cannot resume, redeploy instead", botID, bot.VMHandle.String)
		}
		return store.Bot{}, err
	}

	switch vm.Status {
	case "off":
		if err := c.iaasClient.PowerOn(ctx, vm.ID); err != nil {
			return store.Bot{}, err
		}
	case "active":
		// already running; no-op power call needed
	case "destroyed":
		return store.Bot{}, apperr.New(apperr.Conflict, "bot %s's vm %s was destroyed; cannot resume, redeploy instead", botID, vm.ID)
	case "new":
		return store.Bot{}, apperr.New(apperr.Conflict, "bot %s's vm %s is still provisioning; cannot resume yet", botID, vm.ID)
	default:
		return store.Bot{}, apperr.New(apperr.Conflict, "bot %s's vm %s is in unresumable state %q", botID, vm.ID, vm.Status)
	}

	if err := c.bots.UpdateStatus(ctx, botID, store.BotOnline); err != nil {
		return store.Bot{}, err
	}
	bot.Status = store.BotOnline
	return bot, nil
}

// Destroy is idempotent: destroy_vm treats 404 as success, the VM
// record is marked destroyed, the bot is marked destroyed, and the
// counter is decremented exactly once — calling Destroy on an
// already-destroyed bot is a no-op that returns the current state
// rather than decrementing twice.
func (c *Coordinator) Destroy(ctx context.Context, botID string) (store.Bot, error) {
	bot, err := c.bots.GetByID(ctx, botID)
	if err != nil {
		return store.Bot{}, err
	}
	if bot.Status == store.BotDestroyed {
		return bot, nil
	}

	log := obslog.From(ctx).With(zap.String("bot_id", botID))

	if bot.VMHandle.Valid {
		if err := c.iaasClient.DestroyVM(ctx, bot.VMHandle.String); err != nil {
			return store.Bot{}, err
		}
		if err := c.vmRecords.MarkDestroyed(ctx, bot.VMHandle.String, time.Now()); err != nil {
			log.Error("destroy: vm destroyed but marking the record failed", zap.Error(err))
		}
	}

	if err := c.destroyBotAndDecrementWithRetry(ctx, bot.AccountID, botID, log); err != nil {
		return store.Bot{}, err
	}

	bot.Status = store.BotDestroyed
	return bot, nil
}

// destroyBotAndDecrementWithRetry applies bounded backoff to the final
// DB step — spec.md §4.3.2: "A DB failure after successful VM
// destruction is retried with bounded backoff; persistent failure is
// surfaced so an operator can reconcile."
func (c *Coordinator) destroyBotAndDecrementWithRetry(ctx context.Context, accountID, botID string, log *zap.Logger) error {
	const maxAttempts = 3
	delay := 500 * time.Millisecond

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = transact(ctx, c.db, func(tx *sql.Tx) error {
			if err := store.UpdateStatusTx(ctx, tx, botID, store.BotDestroyed); err != nil {
				return err
			}
			return store.DecrementTx(ctx, tx, accountID)
		})
		if lastErr == nil {
			return nil
		}
		log.Warn("destroy: DB finalization failed, retrying", zap.Int("attempt", attempt), zap.Error(lastErr))
		if attempt < maxAttempts {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return apperr.Wrap(apperr.Cancelled, ctx.Err(), "destroy cancelled during retry")
			}
			delay *= 2
		}
	}
	return apperr.Wrap(apperr.Transient, lastErr, "destroy bot %s: DB finalization failed after %d attempts, operator reconciliation required", botID, maxAttempts)
}

// Redeploy is destroy without the counter decrement, followed by a
// fresh create that reuses the bot id and appends a new ConfigVersion
// (the append-not-reset decision spec.md §9 records).
func (c *Coordinator) Redeploy(ctx context.Context, botID string, in Input) (store.Bot, error) {
	if err := in.ValidateForRedeploy(); err != nil {
		var ve *ValidationError
		if asValidation(err, &ve) {
			return store.Bot{}, ve.AsAppError()
		}
		return store.Bot{}, apperr.Wrap(apperr.Validation, err, "validation failed")
	}

	bot, err := c.bots.GetByID(ctx, botID)
	if err != nil {
		return store.Bot{}, err
	}

	log := obslog.From(ctx).With(zap.String("bot_id", botID))

	if bot.VMHandle.Valid && bot.Status != store.BotDestroyed {
		if err := c.iaasClient.DestroyVM(ctx, bot.VMHandle.String); err != nil {
			return store.Bot{}, err
		}
		if err := c.vmRecords.MarkDestroyed(ctx, bot.VMHandle.String, time.Now()); err != nil {
			log.Error("redeploy: vm destroyed but marking the record failed", zap.Error(err))
		}
	}

	version, err := c.createInitialConfigVersion(ctx, botID, in)
	if err != nil {
		return store.Bot{}, err
	}

	// The old VM is gone, so the token baked into it is worthless; mint
	// a fresh one and rotate the stored digest before the new VM ever
	// boots, rather than reusing a digest nothing can present anymore.
	plaintextToken, digest, err := newRegistrationToken()
	if err != nil {
		return store.Bot{}, apperr.Wrap(apperr.Fatal, err, "generate registration token")
	}
	if err := transact(ctx, c.db, func(tx *sql.Tx) error {
		return store.UpdateRegistrationTokenDigestTx(ctx, tx, botID, digest)
	}); err != nil {
		return store.Bot{}, err
	}

	payload := botConfigPayload{
		BotID: botID, Name: bot.Name, Persona: bot.Persona, PaperMode: in.PaperMode,
		TradingConfig: in.TradingConfig, Risk: in.Risk,
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return store.Bot{}, apperr.Wrap(apperr.Fatal, err, "marshal guest config")
	}

	userData, err := AssembleUserData(botID, plaintextToken, c.controlPlaneURL, payloadJSON, c.customizer)
	if err != nil {
		return store.Bot{}, apperr.Wrap(apperr.Fatal, err, "assemble user-data")
	}

	vm, err := c.iaasClient.CreateVM(ctx, iaas.VMSpec{
		Name: "fleet-" + botID, Region: c.sizing.Region, Size: c.sizing.Size,
		Image: c.sizing.Image, UserData: userData,
	})
	if err != nil {
		return store.Bot{}, err
	}

	if err := c.linkVMToBot(ctx, botID, vm); err != nil {
		log.Error("redeploy: failed to persist VM record, destroying orphaned VM", zap.Error(err))
		if destroyErr := c.iaasClient.DestroyVM(ctx, vm.ID); destroyErr != nil {
			// Same as CreateBot: an unconfirmed destroy means the VM may
			// still be out there, so the bot is marked error rather than
			// left pointing at its old (possibly already-destroyed) VM
			// handle as if nothing happened.
			log.Error("redeploy: compensating destroy_vm also failed, marking bot error", zap.Error(destroyErr))
			c.markBotError(ctx, botID, log)
		}
		return store.Bot{}, apperr.Wrap(apperr.Fatal, err, "persist vm record for bot %s", botID)
	}

	bot.Status = store.BotProvisioning
	bot.DesiredConfigVersion.Int64 = int64(version)
	bot.DesiredConfigVersion.Valid = true
	bot.VMHandle.String = vm.ID
	bot.VMHandle.Valid = true
	return bot, nil
}
