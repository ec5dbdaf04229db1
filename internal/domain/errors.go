package domain

import "errors"

var (
	// Generic store errors.
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")

	// Validation errors, rejected before any state mutation.
	ErrInvalidRoundID = errors.New("round id must be 1-64 alphanumeric/_/- characters")
	ErrStakeTooSmall  = errors.New("stake below minimum")
	ErrSelfReferral   = errors.New("cannot refer yourself")
	ErrSelfJoin       = errors.New("cannot join your own round")

	// State-conflict errors.
	ErrRoundNotWaiting      = errors.New("round is not open for joining")
	ErrRoundFull            = errors.New("round already has an opponent")
	ErrRoundNotInProgress   = errors.New("round is not in progress")
	ErrRoundResolved        = errors.New("round already resolved")
	ErrRoundNotFinished     = errors.New("round is not finished")
	ErrPrizeAlreadyClaimed  = errors.New("prize already claimed")
	ErrRefundAlreadyClaimed = errors.New("draw refund already claimed")
	ErrOpponentMissing      = errors.New("round has no opponent")
	ErrTimeoutNotReached    = errors.New("timeout period has not been reached")
	ErrHoldingNotDrained    = errors.New("holding account not drained to reserve")

	// Authentication errors.
	ErrInvalidWinner    = errors.New("winner is not a round participant")
	ErrInvalidClaimer   = errors.New("claimer is not a round participant")
	ErrInvalidSignature = errors.New("invalid attestation signature")
	ErrNonceUsed        = errors.New("nonce already used for this round")

	// Arithmetic and solvency errors. Both abort the whole settlement with
	// no partial transfer.
	ErrArithmeticOverflow     = errors.New("arithmetic overflow")
	ErrInsufficientFunds      = errors.New("insufficient account balance")
	ErrInsufficientCommission = errors.New("insufficient accumulated commission")
)
