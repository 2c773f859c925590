// Package store implements the Persistence Contracts: typed
// repositories over Postgres with explicit affected-row verification
// and the two atomic primitives the core depends on — the quota
// counter and the per-bot config version sequence.
package store

import (
	"database/sql"
	"time"
)

// Tier is an Account's subscription tier; it alone determines MaxBots.
type Tier string

const (
	TierFree  Tier = "free"
	TierBasic Tier = "basic"
	TierPro   Tier = "pro"
)

// MaxBotsForTier is the tier -> quota mapping cited by spec.md §3
// ("max_bots derived from tier"). Centralized here so account creation
// and subscription updates can never disagree about it.
func MaxBotsForTier(t Tier) (int, bool) {
	switch t {
	case TierFree:
		return 1, true
	case TierBasic:
		return 5, true
	case TierPro:
		return 25, true
	default:
		return 0, false
	}
}

// BotStatus is the bot state machine's current state (spec.md §4.4).
type BotStatus string

const (
	BotPending      BotStatus = "pending"
	BotProvisioning BotStatus = "provisioning"
	BotOnline       BotStatus = "online"
	BotPaused       BotStatus = "paused"
	BotError        BotStatus = "error"
	BotDestroyed    BotStatus = "destroyed"
)

// Persona is the bot behavior archetype; enum membership is enforced by
// internal/provisioning at the validation boundary, not here.
type Persona string

// VMStatus mirrors the IaaS provider's VM lifecycle states.
type VMStatus string

const (
	VMNew       VMStatus = "new"
	VMActive    VMStatus = "active"
	VMOff       VMStatus = "off"
	VMDestroyed VMStatus = "destroyed"
	VMError     VMStatus = "error"
)

// Account is a billing/quota principal; immutable except Tier (and the
// MaxBots it cascades to).
type Account struct {
	ID         string
	ExternalID string
	Tier       Tier
	MaxBots    int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Counter is the single-row-per-account quota ledger. CurrentCount is
// only ever written by try_increment/decrement, both single atomic
// statements; MaxCount is set at account creation and rewritten by a
// subscription tier change.
type Counter struct {
	AccountID    string
	CurrentCount int
	MaxCount     int
	UpdatedAt    time.Time
}

// Bot is a logical worker. VMHandle, DesiredConfigVersion, and
// AppliedConfigVersion are nullable because a pending bot has none of
// them yet.
type Bot struct {
	ID                      string
	AccountID               string
	Name                    string
	Persona                 string
	Status                  BotStatus
	VMHandle                sql.NullString
	DesiredConfigVersion    sql.NullInt64
	AppliedConfigVersion    sql.NullInt64
	RegistrationTokenDigest string
	LastHeartbeatAt         sql.NullTime
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// ConfigVersion is an immutable, per-bot, densely-versioned config
// snapshot. EncryptedSecrets is ciphertext produced by
// internal/secretcipher; it is never decrypted inside this package.
type ConfigVersion struct {
	ID                   string
	BotID                string
	Version              int
	TradingConfig        []byte
	RiskConfig           []byte
	EncryptedSecrets     string
	SecretProviderLabel  string
	CreatedAt            time.Time
}

// VMRecord tracks an IaaS-assigned VM, retained after destruction for
// audit (spec.md §3, "destroyed records are retained for audit").
type VMRecord struct {
	ID          string
	Name        string
	Region      string
	Size        string
	Image       string
	Status      VMStatus
	IPAddress   sql.NullString
	BotID       sql.NullString
	CreatedAt   time.Time
	DestroyedAt sql.NullTime
}

// Pagination bounds a list query, per spec.md §4.1.
type Pagination struct {
	Limit  int
	Offset int
}

// Normalize clamps Limit to [1,1000] default 100 and Offset to >= 0,
// matching the contract spec.md §4.1 states for bot listing.
func (p Pagination) Normalize() Pagination {
	if p.Limit <= 0 {
		p.Limit = 100
	}
	if p.Limit > 1000 {
		p.Limit = 1000
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
