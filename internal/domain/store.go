package domain

import (
	"context"
	"time"
)

// Transfer moves Amount between two ledger accounts. An empty From credits
// the destination from outside the ledger (treasury vault seeding and the
// paper-mode deposit faucet); an empty To burns, which no current operation
// uses.
type Transfer struct {
	From   string
	To     string
	Amount uint64
}

// Settlement is the unit of atomicity for every compound operation. A store
// applies all of it or none of it: the round upsert or deletion, every
// transfer, treasury initialization, and the treasury counter deltas.
type Settlement struct {
	// InitTreasury creates the process-wide treasury record. Fails with
	// ErrAlreadyExists if it was created before.
	InitTreasury bool

	// Round, when set, is inserted (CreateRound) or fully replaces the
	// stored record (all other transitions). DeleteRoundID removes a round
	// record at close. At most one of the two is set.
	Round         *Round
	CreateRound   bool
	DeleteRoundID string

	Transfers []Transfer

	// TreasuryCredit/TreasuryDebit adjust the accumulated commission
	// counter. Debit fails with ErrInsufficientCommission if it exceeds the
	// accumulated value.
	TreasuryCredit uint64
	TreasuryDebit  uint64
}

// RoundStore reads round records. Mutations go through LedgerStore.Apply so
// fund movement and record changes commit together.
type RoundStore interface {
	Get(ctx context.Context, id string) (Round, error)
	List(ctx context.Context, filter RoundFilter) ([]Round, error)
	Count(ctx context.Context) (int64, error)
}

// LedgerStore is the value-transfer primitive the escrow engine is built on.
// Apply must be atomic and must reject any transfer that would overdraw an
// account, leaving no partial effect.
type LedgerStore interface {
	Balance(ctx context.Context, account string) (uint64, error)
	Apply(ctx context.Context, s Settlement) error
}

// TreasuryStore reads the process-wide commission accumulator.
type TreasuryStore interface {
	Accumulated(ctx context.Context) (uint64, error)
	Initialized(ctx context.Context) (bool, error)
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// NonceRegistry burns claim nonces. Reserve returns ErrNonceUsed when the
// (roundID, nonce) pair was seen before; a reservation is never released,
// so a failed settlement costs the caller a nonce rather than risking replay.
type NonceRegistry interface {
	Reserve(ctx context.Context, roundID string, nonce uint64) error
}

// LockManager provides the per-round mutual exclusion the state machine
// relies on for serializing concurrent claims.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// EventBus fans round notifications out to observers.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// RateLimiter provides distributed rate limiting for the claim endpoints.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// Clock supplies wall-clock readings. Timeout eligibility is always computed
// from a supplied reading, never scheduled.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Archiver exports a closed round to long-term storage.
type Archiver interface {
	ArchiveRound(ctx context.Context, round Round) error
}
