package provisioning

import (
	"context"
	"database/sql"
	"encoding/base64"
	"os"
	"testing"

	"github.com/fleetctl/fleetctl/internal/iaas"
	"github.com/fleetctl/fleetctl/internal/secretcipher"
	"github.com/fleetctl/fleetctl/internal/store"
	"github.com/redis/go-redis/v9"
)

// testEncryptionKey is a fixed, valid 32-byte AES-256 key for tests
// only — never a real secret.
const testEncryptionKey = "MDEyMzQ1Njc4OTAxMjM0NTY3ODkwMTIzNDU2Nzg5MDE="

func validInput(accountID string) Input {
	return Input{
		AccountID:           accountID,
		Name:                "Alpha Scalper Bot",
		Persona:             "scalper",
		TradingConfig:       []byte(`{"pair":"BTC-USD"}`),
		Risk:                RiskConfig{MaxPositionSizePct: 5, MaxDailyLossPct: 2, MaxDrawdownPct: 10, MaxTradesPerDay: 50},
		SecretProviderLabel: "exchange-api-key",
		SecretMaterial:      "super-secret-api-key",
		PaperMode:           true,
	}
}

// TestCreateBotRejectsInvalidInputBeforeAnyIO confirms validation runs
// before quota reservation or any external call — a Coordinator with a
// nil db/redis/iaasClient must still reject bad input cleanly rather
// than panicking on the first unset dependency.
func TestCreateBotRejectsInvalidInputBeforeAnyIO(t *testing.T) {
	c := New(nil, nil, nil, nil, nil, nil, nil, nil, nil, "http://control-plane.example", VMSizing{}, GuestCustomizer{})

	in := validInput("acct-1")
	in.Persona = "not-a-real-persona"

	_, err := c.CreateBot(context.Background(), in)
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
}

// openOrchestrationDeps returns a live DB and Redis connection for the
// full-orchestration tests, skipping when either is not configured —
// the same gate store_test.go uses for DB-backed tests.
func openOrchestrationDeps(t *testing.T) (*sql.DB, *redis.Client) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping orchestration test in short mode")
	}
	dbURL := os.Getenv("FLEETCTL_TEST_DATABASE_URL")
	redisURL := os.Getenv("FLEETCTL_TEST_REDIS_URL")
	if dbURL == "" || redisURL == "" {
		t.Skip("FLEETCTL_TEST_DATABASE_URL and FLEETCTL_TEST_REDIS_URL must both be set")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Ping(); err != nil {
		t.Fatalf("db.Ping: %v", err)
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		t.Fatalf("redis.ParseURL: %v", err)
	}
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { rdb.Close() })
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("redis ping: %v", err)
	}
	return db, rdb
}

func newTestCoordinator(t *testing.T, db *sql.DB, rdb *redis.Client, mock *iaas.MockClient) *Coordinator {
	t.Helper()
	cipher, err := secretcipher.New(nil, testEncryptionKey)
	if err != nil {
		t.Fatalf("secretcipher.New: %v", err)
	}
	return New(
		db,
		store.NewAccountRepo(db),
		store.NewCounterRepo(db),
		store.NewBotRepo(db),
		store.NewConfigRepo(db),
		store.NewVMRecordRepo(db),
		mock,
		cipher,
		rdb,
		"https://control-plane.test",
		VMSizing{Region: "nyc1", Size: "s-1vcpu-1gb", Image: "fleet-agent-base"},
		GuestCustomizer{},
	)
}

// TestCreateBotPauseResumeDestroyLifecycle exercises spec.md §8's
// lifecycle scenarios end-to-end against a real database: create
// succeeds and reserves quota, pause requires online, resume verifies
// live VM state before flipping back to online, and destroy is
// idempotent and releases the quota slot exactly once.
func TestCreateBotPauseResumeDestroyLifecycle(t *testing.T) {
	db, rdb := openOrchestrationDeps(t)

	vmStatus := "new"
	mock := &iaas.MockClient{
		CreateVMFunc: func(ctx context.Context, spec iaas.VMSpec) (iaas.VM, error) {
			return iaas.VM{ID: "vm-" + t.Name(), Name: spec.Name, Status: "active"}, nil
		},
		GetVMFunc: func(ctx context.Context, id string) (iaas.VM, error) {
			return iaas.VM{ID: id, Status: vmStatus}, nil
		},
		PowerOffFunc: func(ctx context.Context, id string) error {
			vmStatus = "off"
			return nil
		},
		PowerOnFunc: func(ctx context.Context, id string) error {
			vmStatus = "active"
			return nil
		},
		DestroyVMFunc: func(ctx context.Context, id string) error {
			vmStatus = "destroyed"
			return nil
		},
	}

	coord := newTestCoordinator(t, db, rdb, mock)
	accounts := store.NewAccountRepo(db)

	acct, err := accounts.Create(t.Context(), "ext-"+t.Name(), store.TierBasic)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}

	bot, err := coord.CreateBot(t.Context(), validInput(acct.ID))
	if err != nil {
		t.Fatalf("CreateBot: %v", err)
	}
	if bot.Status != store.BotProvisioning {
		t.Fatalf("got status %q, want provisioning", bot.Status)
	}

	// The bot only transitions to online once the agent itself reports
	// in; simulate that here so Pause's precondition is met.
	if err := store.NewBotRepo(db).UpdateStatus(t.Context(), bot.ID, store.BotOnline); err != nil {
		t.Fatalf("force bot online: %v", err)
	}
	vmStatus = "active"

	if _, err := coord.Pause(t.Context(), bot.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if vmStatus != "off" {
		t.Fatalf("expected PowerOff to run, vm status = %q", vmStatus)
	}

	resumed, err := coord.Resume(t.Context(), bot.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Status != store.BotOnline {
		t.Fatalf("got status %q after resume, want online", resumed.Status)
	}

	destroyed, err := coord.Destroy(t.Context(), bot.ID)
	if err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if destroyed.Status != store.BotDestroyed {
		t.Fatalf("got status %q, want destroyed", destroyed.Status)
	}

	// Destroy again must be a no-op, not a second decrement.
	if _, err := coord.Destroy(t.Context(), bot.ID); err != nil {
		t.Fatalf("second Destroy: %v", err)
	}

	counter, err := store.NewCounterRepo(db).Get(t.Context(), acct.ID)
	if err != nil {
		t.Fatalf("get counter: %v", err)
	}
	if counter.CurrentCount != 0 {
		t.Fatalf("counter.CurrentCount = %d, want 0 after destroy", counter.CurrentCount)
	}
}

// TestCreateBotCompensatesOnVMCreateFailure confirms the quota slot and
// the partial bot row are both rolled back when create_vm fails — the
// compensation path spec.md §4.3 requires with no special-case bypass.
func TestCreateBotCompensatesOnVMCreateFailure(t *testing.T) {
	db, rdb := openOrchestrationDeps(t)

	mock := &iaas.MockClient{
		CreateVMFunc: func(ctx context.Context, spec iaas.VMSpec) (iaas.VM, error) {
			return iaas.VM{}, errCreateVMBoom
		},
	}

	coord := newTestCoordinator(t, db, rdb, mock)
	accounts := store.NewAccountRepo(db)

	acct, err := accounts.Create(t.Context(), "ext-"+t.Name(), store.TierFree)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}

	if _, err := coord.CreateBot(t.Context(), validInput(acct.ID)); err == nil {
		t.Fatal("expected CreateBot to fail when create_vm fails")
	}

	counter, err := store.NewCounterRepo(db).Get(t.Context(), acct.ID)
	if err != nil {
		t.Fatalf("get counter: %v", err)
	}
	if counter.CurrentCount != 0 {
		t.Fatalf("counter.CurrentCount = %d, want 0 after compensation", counter.CurrentCount)
	}

	bots, err := store.NewBotRepo(db).ListByAccount(t.Context(), acct.ID, store.Pagination{})
	if err != nil {
		t.Fatalf("list bots: %v", err)
	}
	if len(bots) != 0 {
		t.Fatalf("expected the partial bot row to be hard-deleted, found %d", len(bots))
	}
}

var errCreateVMBoom = &fakeTransientErr{"iaas create_vm unavailable"}

type fakeTransientErr struct{ msg string }

func (e *fakeTransientErr) Error() string { return e.msg }

func init() {
	// sanity check the test key decodes to exactly 32 bytes, matching
	// what secretcipher.New requires.
	if b, err := base64.StdEncoding.DecodeString(testEncryptionKey); err != nil || len(b) != 32 {
		panic("testEncryptionKey must decode to 32 bytes")
	}
}
