package store

import (
	"database/sql"
	"os"
	"testing"
)

// openTestDB returns a live Postgres connection for the integration
// tests in this package, skipping them when no test database is
// configured — the same pragmatic gate wisbric-nightowl's DB-backed
// tests use rather than pulling in testcontainers.
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

func TestPaginationNormalize(t *testing.T) {
	cases := []struct {
		name string
		in   Pagination
		want Pagination
	}{
		{"defaults", Pagination{}, Pagination{Limit: 100, Offset: 0}},
		{"clamp high", Pagination{Limit: 5000}, Pagination{Limit: 1000, Offset: 0}},
		{"negative offset", Pagination{Limit: 10, Offset: -5}, Pagination{Limit: 10, Offset: 0}},
		{"in range", Pagination{Limit: 50, Offset: 20}, Pagination{Limit: 50, Offset: 20}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.in.Normalize(); got != tc.want {
				t.Errorf("Normalize() = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestAdvisoryLockKeyDeterministic(t *testing.T) {
	a := advisoryLockKey("bot-123")
	b := advisoryLockKey("bot-123")
	if a != b {
		t.Fatalf("expected deterministic key, got %d and %d", a, b)
	}
	if advisoryLockKey("bot-123") == advisoryLockKey("bot-456") {
		t.Fatal("expected distinct bot ids to very likely hash differently")
	}
}

func TestMaxBotsForTier(t *testing.T) {
	cases := []struct {
		tier    Tier
		want    int
		wantOK  bool
	}{
		{TierFree, 1, true},
		{TierBasic, 5, true},
		{TierPro, 25, true},
		{Tier("enterprise"), 0, false},
	}
	for _, tc := range cases {
		got, ok := MaxBotsForTier(tc.tier)
		if got != tc.want || ok != tc.wantOK {
			t.Errorf("MaxBotsForTier(%q) = (%d, %v), want (%d, %v)", tc.tier, got, ok, tc.want, tc.wantOK)
		}
	}
}

// TestCounterTryIncrementAtLimit exercises the QuotaExceeded path
// end-to-end against a real database (spec.md §8 scenario 1 in
// miniature, with sequential rather than concurrent increments).
func TestCounterTryIncrementAtLimit(t *testing.T) {
	db := openTestDB(t)
	accounts := NewAccountRepo(db)
	counters := NewCounterRepo(db)

	acct, err := accounts.Create(t.Context(), "ext-"+t.Name(), TierFree)
	if err != nil {
		t.Fatalf("Create account: %v", err)
	}

	current, max, err := counters.TryIncrement(t.Context(), acct.ID)
	if err != nil {
		t.Fatalf("first TryIncrement: %v", err)
	}
	if current != 1 || max != 1 {
		t.Fatalf("got (%d,%d), want (1,1)", current, max)
	}

	if _, _, err := counters.TryIncrement(t.Context(), acct.ID); err == nil {
		t.Fatal("expected QuotaExceeded on second increment of a free-tier account")
	}
}
