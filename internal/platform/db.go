// Package platform wires the process-wide, read-only-after-construction
// singletons every other package depends on: the Postgres pool, the
// Redis client, and schema migrations. Nothing here carries business
// logic.
package platform

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// DBConfig bounds the connection pool the way spec.md §5 requires every
// shared resource to be bounded: no unbounded queue of waiting queries,
// no connection held open forever.
type DBConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// OpenDB opens and pings a Postgres pool. Ping failure is fatal at
// construction rather than surfacing lazily on the first query, matching
// the "construction failures are fatal at startup, never latent" rule.
func OpenDB(cfg DBConfig) (*sql.DB, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("platform: database_url is required")
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("platform: open database: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 20
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = 30 * time.Minute
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("platform: ping database: %w", err)
	}

	return db, nil
}
