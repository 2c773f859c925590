package reconcile

import (
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/fleetctl/fleetctl/internal/secretcipher"
	"github.com/fleetctl/fleetctl/internal/store"
)

const testEncryptionKey = "MDEyMzQ1Njc4OTAxMjM0NTY3ODkwMTIzNDU2Nzg5MDE="

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping DB-backed test in short mode")
	}
	url := os.Getenv("FLEETCTL_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("FLEETCTL_TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("postgres", url)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Ping(); err != nil {
		t.Fatalf("db.Ping: %v", err)
	}
	return db
}

func seedBotWithInitialConfig(t *testing.T, db *sql.DB) (store.Bot, *store.BotRepo, *store.ConfigRepo, *secretcipher.Cipher) {
	t.Helper()
	accounts := store.NewAccountRepo(db)
	bots := store.NewBotRepo(db)
	configs := store.NewConfigRepo(db)
	cipher, err := secretcipher.New(nil, testEncryptionKey)
	if err != nil {
		t.Fatalf("secretcipher.New: %v", err)
	}

	acct, err := accounts.Create(t.Context(), "ext-"+t.Name(), store.TierPro)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}

	var bot store.Bot
	tx, err := db.BeginTx(t.Context(), nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	bot, err = store.CreateTx(t.Context(), tx, store.CreateParams{
		AccountID: acct.ID, Name: "seed-bot", Persona: "scalper", RegistrationTokenDigest: "sha256:deadbeef",
	})
	if err != nil {
		tx.Rollback()
		t.Fatalf("create bot: %v", err)
	}
	version, err := store.NextVersionAtomicTx(t.Context(), tx, bot.ID)
	if err != nil {
		tx.Rollback()
		t.Fatalf("next version: %v", err)
	}
	encrypted, err := cipher.Encrypt("initial-secret")
	if err != nil {
		tx.Rollback()
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := store.CreateVersionTx(t.Context(), tx, store.CreateVersionParams{
		BotID: bot.ID, Version: version, TradingConfig: []byte(`{}`), RiskConfig: []byte(`{}`),
		EncryptedSecrets: encrypted, SecretProviderLabel: "exchange-api-key",
	}); err != nil {
		tx.Rollback()
		t.Fatalf("create version: %v", err)
	}
	if err := store.UpdateDesiredConfigTx(t.Context(), tx, bot.ID, version); err != nil {
		tx.Rollback()
		t.Fatalf("update desired config: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	bot, err = bots.GetByID(t.Context(), bot.ID)
	if err != nil {
		t.Fatalf("reload bot: %v", err)
	}
	return bot, bots, configs, cipher
}

// TestAcknowledgeConfigRejectsSupersededVersion exercises spec.md §8
// scenario 5: an ack of a version other than the currently desired one
// must fail with Conflict and must not move applied_config_version.
func TestAcknowledgeConfigRejectsSupersededVersion(t *testing.T) {
	db := openTestDB(t)
	bot, bots, configs, cipher := seedBotWithInitialConfig(t, db)
	rc := New(db, bots, configs, cipher)

	staleConfig, err := configs.GetLatestForBot(t.Context(), bot.ID)
	if err != nil {
		t.Fatalf("get latest config: %v", err)
	}

	// A second version supersedes the one we're about to ack.
	if _, err := rc.CreateConfigForBot(t.Context(), bot.ID, NewConfigInput{
		TradingConfig: []byte(`{}`), SecretProviderLabel: "exchange-api-key", SecretMaterial: "rotated-secret",
	}); err != nil {
		t.Fatalf("create second config: %v", err)
	}

	if err := rc.AcknowledgeConfig(t.Context(), bot.ID, staleConfig.ID); err == nil {
		t.Fatal("expected Conflict acknowledging a superseded config")
	}

	reloaded, err := bots.GetByID(t.Context(), bot.ID)
	if err != nil {
		t.Fatalf("reload bot: %v", err)
	}
	if reloaded.AppliedConfigVersion.Valid {
		t.Fatalf("applied_config_version should remain unset, got %v", reloaded.AppliedConfigVersion)
	}
}

// TestAcknowledgeConfigAcceptsDesiredVersion confirms the happy path
// sets applied_config_version to match desired.
func TestAcknowledgeConfigAcceptsDesiredVersion(t *testing.T) {
	db := openTestDB(t)
	bot, bots, configs, cipher := seedBotWithInitialConfig(t, db)
	rc := New(db, bots, configs, cipher)

	desired, err := configs.GetLatestForBot(t.Context(), bot.ID)
	if err != nil {
		t.Fatalf("get latest config: %v", err)
	}

	if err := rc.AcknowledgeConfig(t.Context(), bot.ID, desired.ID); err != nil {
		t.Fatalf("AcknowledgeConfig: %v", err)
	}

	reloaded, err := bots.GetByID(t.Context(), bot.ID)
	if err != nil {
		t.Fatalf("reload bot: %v", err)
	}
	if !reloaded.AppliedConfigVersion.Valid || int(reloaded.AppliedConfigVersion.Int64) != desired.Version {
		t.Fatalf("applied_config_version = %v, want %d", reloaded.AppliedConfigVersion, desired.Version)
	}
}

// TestServeDesiredConfigDecryptsSecrets confirms the served payload is
// cleartext even though storage only ever holds ciphertext.
func TestServeDesiredConfigDecryptsSecrets(t *testing.T) {
	db := openTestDB(t)
	bot, bots, configs, cipher := seedBotWithInitialConfig(t, db)
	rc := New(db, bots, configs, cipher)

	served, err := rc.ServeDesiredConfig(t.Context(), bot.ID)
	if err != nil {
		t.Fatalf("ServeDesiredConfig: %v", err)
	}
	if served.SecretPlain != "initial-secret" {
		t.Fatalf("SecretPlain = %q, want %q", served.SecretPlain, "initial-secret")
	}
}

// TestHeartbeatRejectsDestroyedBot confirms spec.md §4.5's "rejects for
// bots in destroyed" rule.
func TestHeartbeatRejectsDestroyedBot(t *testing.T) {
	db := openTestDB(t)
	bot, bots, configs, cipher := seedBotWithInitialConfig(t, db)
	rc := New(db, bots, configs, cipher)

	if err := bots.UpdateStatus(t.Context(), bot.ID, store.BotDestroyed); err != nil {
		t.Fatalf("force destroyed: %v", err)
	}

	if err := rc.Heartbeat(t.Context(), bot.ID, time.Now()); err == nil {
		t.Fatal("expected heartbeat on a destroyed bot to fail")
	}
}
