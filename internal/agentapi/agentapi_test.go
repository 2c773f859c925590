package agentapi

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/fleetctl/fleetctl/internal/provisioning"
	"github.com/fleetctl/fleetctl/internal/reconcile"
	"github.com/fleetctl/fleetctl/internal/secretcipher"
	"github.com/fleetctl/fleetctl/internal/store"
	"github.com/go-chi/chi/v5"
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

// seedProvisioningBot creates an account and a bot already in
// provisioning with a known plaintext token, mirroring the state a
// freshly created (but not yet registered) bot is in.
func seedProvisioningBot(t *testing.T, db *sql.DB) (store.Bot, string, *store.BotRepo, *reconcile.Reconciler) {
	t.Helper()
	accounts := store.NewAccountRepo(db)
	bots := store.NewBotRepo(db)
	configs := store.NewConfigRepo(db)
	cipher, err := secretcipher.New(nil, testEncryptionKey)
	if err != nil {
		t.Fatalf("secretcipher.New: %v", err)
	}
	rc := reconcile.New(db, bots, configs, cipher)

	acct, err := accounts.Create(t.Context(), "ext-"+t.Name(), store.TierPro)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}

	plaintext := "test-plaintext-token-value"
	digest := provisioning.DigestOf(plaintext)

	tx, err := db.BeginTx(t.Context(), nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	bot, err := store.CreateTx(t.Context(), tx, store.CreateParams{
		AccountID: acct.ID, Name: "seed-bot", Persona: "scalper", RegistrationTokenDigest: digest,
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
	if err := bots.UpdateStatus(t.Context(), bot.ID, store.BotProvisioning); err != nil {
		t.Fatalf("force provisioning: %v", err)
	}

	bot, err = bots.GetByID(t.Context(), bot.ID)
	if err != nil {
		t.Fatalf("reload bot: %v", err)
	}
	return bot, plaintext, bots, rc
}

func newTestRouter(bots *store.BotRepo, rc *reconcile.Reconciler) http.Handler {
	r := chi.NewRouter()
	r.Route("/bot", NewHandler(bots, rc).Routes)
	return r
}

// TestRegisterIsIdempotentAndTransitionsOnline exercises spec.md §6's
// "register (idempotent)" requirement: the first call moves a
// provisioning bot to online, and a second call with the same token
// succeeds identically rather than erroring on the now-online state.
func TestRegisterIsIdempotentAndTransitionsOnline(t *testing.T) {
	db := openTestDB(t)
	bot, plaintext, bots, rc := seedProvisioningBot(t, db)
	router := newTestRouter(bots, rc)

	for i := 0; i < 2; i++ {
		body, _ := json.Marshal(registerRequest{BotID: bot.ID})
		req := httptest.NewRequest(http.MethodPost, "/bot/register", bytes.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+plaintext)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("register attempt %d: status = %d, body = %s", i, rec.Code, rec.Body.String())
		}
	}

	reloaded, err := bots.GetByID(t.Context(), bot.ID)
	if err != nil {
		t.Fatalf("reload bot: %v", err)
	}
	if reloaded.Status != store.BotOnline {
		t.Fatalf("status = %q, want online", reloaded.Status)
	}
}

// TestWrongTokenIsAlwaysUnauthorized confirms a bad bearer token on the
// config-pull endpoint is rejected with 401 even though the bot exists.
func TestWrongTokenIsAlwaysUnauthorized(t *testing.T) {
	db := openTestDB(t)
	bot, _, bots, rc := seedProvisioningBot(t, db)
	router := newTestRouter(bots, rc)

	req := httptest.NewRequest(http.MethodGet, "/bot/"+bot.ID+"/config", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

// TestPullConfigReturnsDecryptedSecret confirms the bot-agent config
// pull serves cleartext even though storage only ever holds ciphertext.
func TestPullConfigReturnsDecryptedSecret(t *testing.T) {
	db := openTestDB(t)
	bot, plaintext, bots, rc := seedProvisioningBot(t, db)
	router := newTestRouter(bots, rc)

	req := httptest.NewRequest(http.MethodGet, "/bot/"+bot.ID+"/config", nil)
	req.Header.Set("Authorization", "Bearer "+plaintext)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp desiredConfigResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Secret != "initial-secret" {
		t.Fatalf("secret = %q, want %q", resp.Secret, "initial-secret")
	}
}

// TestHeartbeatUpdatesLastHeartbeat confirms a heartbeat call succeeds
// for an authenticated bot.
func TestHeartbeatUpdatesLastHeartbeat(t *testing.T) {
	db := openTestDB(t)
	bot, plaintext, bots, rc := seedProvisioningBot(t, db)
	router := newTestRouter(bots, rc)

	req := httptest.NewRequest(http.MethodPost, "/bot/"+bot.ID+"/heartbeat", nil)
	req.Header.Set("Authorization", "Bearer "+plaintext)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	reloaded, err := bots.GetByID(t.Context(), bot.ID)
	if err != nil {
		t.Fatalf("reload bot: %v", err)
	}
	if !reloaded.LastHeartbeatAt.Valid {
		t.Fatal("expected last_heartbeat_at to be set")
	}
}
