// Package domain defines the core escrow wagering model: rounds, ledger
// accounts, settlement units, events, and the store interfaces the service
// layer is written against.
package domain

import (
	"regexp"
	"strings"
	"time"
)

// Address identifies a participant, referrer, or platform identity. It is the
// canonical lowercase hex form (0x-prefixed, 20 bytes) of a secp256k1 public
// key hash.
type Address string

// NormalizeAddress lowercases an address so comparisons are canonical.
func NormalizeAddress(s string) Address {
	return Address(strings.ToLower(strings.TrimSpace(s)))
}

const (
	// MinStake is the smallest stake a round may be created with, in base
	// units (0.01 of the asset at 1e9 precision).
	MinStake uint64 = 10_000_000

	// RoundTimeout is how long a round must sit in Waiting (from creation)
	// or InProgress (from game start) before a participant may cancel it.
	RoundTimeout = 60 * time.Minute

	// CommissionRateBps is the total platform commission in basis points,
	// taken from the full pool on every settlement path.
	CommissionRateBps uint64 = 500

	// DefaultAccountReserve is the minimum balance every managed account
	// must retain to stay viable. Holding accounts are created with it and
	// return it to the creator at close.
	DefaultAccountReserve uint64 = 890_880

	// MaxRoundIDLen bounds round identifiers.
	MaxRoundIDLen = 64
)

// roundIDPattern restricts round IDs to URL- and key-safe characters.
var roundIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidRoundID reports whether id is non-empty, within length bounds, and
// contains only alphanumerics, underscore, and dash.
func ValidRoundID(id string) bool {
	return len(id) > 0 && len(id) <= MaxRoundIDLen && roundIDPattern.MatchString(id)
}

// RoundStatus tracks the round lifecycle.
type RoundStatus string

const (
	RoundStatusWaiting    RoundStatus = "waiting"
	RoundStatusInProgress RoundStatus = "in_progress"
	RoundStatusCompleted  RoundStatus = "completed"
	RoundStatusCancelled  RoundStatus = "cancelled"
	RoundStatusDraw       RoundStatus = "draw"
)

// Terminal reports whether the status is absorbing. Closure does not change
// status; it deletes the record once the holding account is drained.
func (s RoundStatus) Terminal() bool {
	switch s {
	case RoundStatusCompleted, RoundStatusCancelled, RoundStatusDraw:
		return true
	default:
		return false
	}
}

// Round is one escrowed wager between two participants.
type Round struct {
	ID       string      `json:"id"`
	Creator  Address     `json:"creator"`
	Opponent *Address    `json:"opponent,omitempty"`
	Stake    uint64      `json:"stake"` // per-participant stake in base units
	Status   RoundStatus `json:"status"`
	Winner   *Address    `json:"winner,omitempty"`
	Referrer *Address    `json:"referrer,omitempty"`

	// Draw settlement bookkeeping. The two refunds are claimed
	// independently; CommissionTakenOnDraw latches so the pool is charged
	// exactly once across both claims.
	CreatorClaimedDraw    bool `json:"creator_claimed_draw"`
	OpponentClaimedDraw   bool `json:"opponent_claimed_draw"`
	CommissionTakenOnDraw bool `json:"commission_taken_on_draw"`

	CreatedAt     time.Time  `json:"created_at"`
	GameStartedAt *time.Time `json:"game_started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// IsParticipant reports whether addr is the creator or the joined opponent.
func (r Round) IsParticipant(addr Address) bool {
	if addr == r.Creator {
		return true
	}
	return r.Opponent != nil && *r.Opponent == addr
}

// HoldingAccountID returns the ledger account ID of a round's escrow pool.
func HoldingAccountID(roundID string) string {
	return "round:" + roundID
}

// TreasuryVaultID is the ledger account that accumulates platform commission.
const TreasuryVaultID = "treasury:vault"

// RoundFilter selects rounds for listing.
type RoundFilter struct {
	Status *RoundStatus
	Limit  int
	Offset int
}

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
}
