// Package service implements the escrow round state machine and settlement
// engine on top of the domain store interfaces.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/duelarena/escrowd/internal/attest"
	"github.com/duelarena/escrowd/internal/commission"
	"github.com/duelarena/escrowd/internal/domain"
)

// roundLockTTL bounds how long a crashed holder can block a round.
const roundLockTTL = 15 * time.Second

// RoundService drives the round lifecycle: creation, joining, the three
// terminal transitions, and closure. Every operation acquires the round's
// lock, validates against a fresh snapshot, and commits through a single
// atomic Settlement, so a concurrent attempt against already-advanced state
// is rejected rather than double-paid.
type RoundService struct {
	rounds   domain.RoundStore
	ledger   domain.LedgerStore
	audit    domain.AuditStore
	nonces   domain.NonceRegistry
	locks    domain.LockManager
	bus      domain.EventBus
	verifier *attest.Verifier
	clock    domain.Clock
	archiver domain.Archiver // optional
	reserve  uint64
	logger   *slog.Logger
}

// NewRoundService creates a RoundService with all required dependencies.
func NewRoundService(
	rounds domain.RoundStore,
	ledger domain.LedgerStore,
	audit domain.AuditStore,
	nonces domain.NonceRegistry,
	locks domain.LockManager,
	bus domain.EventBus,
	verifier *attest.Verifier,
	clock domain.Clock,
	reserve uint64,
	logger *slog.Logger,
) *RoundService {
	if reserve == 0 {
		reserve = domain.DefaultAccountReserve
	}
	return &RoundService{
		rounds:   rounds,
		ledger:   ledger,
		audit:    audit,
		nonces:   nonces,
		locks:    locks,
		bus:      bus,
		verifier: verifier,
		clock:    clock,
		reserve:  reserve,
		logger:   logger.With(slog.String("component", "round_service")),
	}
}

// WithArchiver attaches an archiver that exports rounds at close.
func (s *RoundService) WithArchiver(a domain.Archiver) *RoundService {
	s.archiver = a
	return s
}

// CreateRoundParams are the inputs to CreateRound.
type CreateRoundParams struct {
	ID       string
	Creator  domain.Address
	Stake    uint64
	Referrer *domain.Address
}

// ClaimParams carries a signature-gated claim: the oracle attestation plus
// the caller's own key material proving the request comes from the claimant.
type ClaimParams struct {
	RoundID      string
	Claimant     domain.Address
	Nonce        uint64
	Attestation  attest.Attestation
	CallerPubKey []byte
	CallerSig    []byte
}

// CreateRound opens a round in Waiting and escrows the creator's stake plus
// the holding account's reserve.
func (s *RoundService) CreateRound(ctx context.Context, p CreateRoundParams) (domain.Round, error) {
	if !domain.ValidRoundID(p.ID) {
		return domain.Round{}, domain.ErrInvalidRoundID
	}
	if p.Stake < domain.MinStake {
		return domain.Round{}, domain.ErrStakeTooSmall
	}
	if p.Referrer != nil && *p.Referrer == p.Creator {
		return domain.Round{}, domain.ErrSelfReferral
	}

	unlock, err := s.locks.Acquire(ctx, "round:"+p.ID, roundLockTTL)
	if err != nil {
		return domain.Round{}, fmt.Errorf("round_service: lock %s: %w", p.ID, err)
	}
	defer unlock()

	if _, err := s.rounds.Get(ctx, p.ID); err == nil {
		return domain.Round{}, domain.ErrAlreadyExists
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Round{}, fmt.Errorf("round_service: lookup %s: %w", p.ID, err)
	}

	// Creator funds the stake and the holding account's viability reserve.
	deposit, err := commission.Add(p.Stake, s.reserve)
	if err != nil {
		return domain.Round{}, err
	}

	now := s.clock.Now()
	round := domain.Round{
		ID:        p.ID,
		Creator:   p.Creator,
		Stake:     p.Stake,
		Status:    domain.RoundStatusWaiting,
		Referrer:  p.Referrer,
		CreatedAt: now,
	}

	err = s.ledger.Apply(ctx, domain.Settlement{
		Round:       &round,
		CreateRound: true,
		Transfers: []domain.Transfer{
			{From: string(p.Creator), To: domain.HoldingAccountID(p.ID), Amount: deposit},
		},
	})
	if err != nil {
		return domain.Round{}, fmt.Errorf("round_service: create %s: %w", p.ID, err)
	}

	s.emit(ctx, domain.NewEvent(uuid.NewString(), domain.EventRoundCreated, p.ID, p.Creator, p.Stake, now), map[string]any{
		"round_id": p.ID,
		"creator":  string(p.Creator),
		"stake":    p.Stake,
	})
	return round, nil
}

// JoinRound fills the opponent seat, escrows the opponent's stake, and
// starts the game clock.
func (s *RoundService) JoinRound(ctx context.Context, roundID string, opponent domain.Address) (domain.Round, error) {
	unlock, err := s.locks.Acquire(ctx, "round:"+roundID, roundLockTTL)
	if err != nil {
		return domain.Round{}, fmt.Errorf("round_service: lock %s: %w", roundID, err)
	}
	defer unlock()

	round, err := s.rounds.Get(ctx, roundID)
	if err != nil {
		return domain.Round{}, err
	}
	if round.Status != domain.RoundStatusWaiting {
		return domain.Round{}, domain.ErrRoundNotWaiting
	}
	if round.Opponent != nil {
		return domain.Round{}, domain.ErrRoundFull
	}
	if opponent == round.Creator {
		return domain.Round{}, domain.ErrSelfJoin
	}

	now := s.clock.Now()
	round.Opponent = &opponent
	round.Status = domain.RoundStatusInProgress
	round.GameStartedAt = &now

	err = s.ledger.Apply(ctx, domain.Settlement{
		Round: &round,
		Transfers: []domain.Transfer{
			{From: string(opponent), To: domain.HoldingAccountID(roundID), Amount: round.Stake},
		},
	})
	if err != nil {
		return domain.Round{}, fmt.Errorf("round_service: join %s: %w", roundID, err)
	}

	s.emit(ctx, domain.NewEvent(uuid.NewString(), domain.EventPlayerJoined, roundID, opponent, round.Stake, now), map[string]any{
		"round_id": roundID,
		"opponent": string(opponent),
	})
	return round, nil
}

// ClaimPrize settles a completed round to the attested winner: sets the
// winner, takes commission from the pool, and pays the residual prize. The
// whole settlement applies atomically or not at all.
func (s *RoundService) ClaimPrize(ctx context.Context, p ClaimParams) (domain.Round, error) {
	unlock, err := s.locks.Acquire(ctx, "round:"+p.RoundID, roundLockTTL)
	if err != nil {
		return domain.Round{}, fmt.Errorf("round_service: lock %s: %w", p.RoundID, err)
	}
	defer unlock()

	round, err := s.rounds.Get(ctx, p.RoundID)
	if err != nil {
		return domain.Round{}, err
	}
	if round.Status != domain.RoundStatusInProgress {
		return domain.Round{}, domain.ErrRoundNotInProgress
	}
	if round.Winner != nil {
		return domain.Round{}, domain.ErrPrizeAlreadyClaimed
	}
	if !round.IsParticipant(p.Claimant) {
		return domain.Round{}, domain.ErrInvalidWinner
	}

	// The caller must be the winner, and the outcome must carry the
	// oracle's signature over the namespaced message.
	msg := attest.PrizeMessage(round.ID, p.Claimant, p.Nonce)
	if err := attest.VerifyCaller(p.Claimant, p.CallerPubKey, p.CallerSig, msg); err != nil {
		return domain.Round{}, err
	}
	if err := s.verifier.Verify(p.Attestation, msg); err != nil {
		return domain.Round{}, err
	}
	if err := s.nonces.Reserve(ctx, round.ID, p.Nonce); err != nil {
		return domain.Round{}, err
	}

	pool, err := commission.Mul2(round.Stake)
	if err != nil {
		return domain.Round{}, err
	}
	split, err := commission.SplitSingle(pool, round.Referrer != nil)
	if err != nil {
		return domain.Round{}, err
	}
	prize, err := commission.Sub(pool, split.Total)
	if err != nil {
		return domain.Round{}, err
	}

	platformShare, referrerShare, err := s.resolveReferrerShare(ctx, round.Referrer, split)
	if err != nil {
		return domain.Round{}, err
	}

	holding := domain.HoldingAccountID(round.ID)
	if err := s.requireHoldingBalance(ctx, holding, pool); err != nil {
		return domain.Round{}, err
	}

	now := s.clock.Now()
	round.Winner = &p.Claimant
	round.Status = domain.RoundStatusCompleted
	round.CompletedAt = &now

	transfers := []domain.Transfer{
		{From: holding, To: domain.TreasuryVaultID, Amount: platformShare},
	}
	if referrerShare > 0 {
		transfers = append(transfers, domain.Transfer{From: holding, To: string(*round.Referrer), Amount: referrerShare})
	}
	transfers = append(transfers, domain.Transfer{From: holding, To: string(p.Claimant), Amount: prize})

	err = s.ledger.Apply(ctx, domain.Settlement{
		Round:          &round,
		Transfers:      transfers,
		TreasuryCredit: platformShare,
	})
	if err != nil {
		return domain.Round{}, fmt.Errorf("round_service: claim prize %s: %w", round.ID, err)
	}

	s.emit(ctx, domain.NewEvent(uuid.NewString(), domain.EventRoundCompleted, round.ID, p.Claimant, prize, now), map[string]any{
		"round_id": round.ID,
		"winner":   string(p.Claimant),
		"prize":    prize,
	})
	return round, nil
}

// ClaimDrawRefund pays one participant's draw refund. Commission is deducted
// from the pool exactly once across the two independent claims; each claimer
// receives stake minus ceil(commission/2).
func (s *RoundService) ClaimDrawRefund(ctx context.Context, p ClaimParams) (domain.Round, error) {
	unlock, err := s.locks.Acquire(ctx, "round:"+p.RoundID, roundLockTTL)
	if err != nil {
		return domain.Round{}, fmt.Errorf("round_service: lock %s: %w", p.RoundID, err)
	}
	defer unlock()

	round, err := s.rounds.Get(ctx, p.RoundID)
	if err != nil {
		return domain.Round{}, err
	}
	if round.Status != domain.RoundStatusInProgress && round.Status != domain.RoundStatusDraw {
		return domain.Round{}, domain.ErrRoundNotInProgress
	}
	if !round.IsParticipant(p.Claimant) {
		return domain.Round{}, domain.ErrInvalidClaimer
	}
	if round.Opponent == nil {
		return domain.Round{}, domain.ErrOpponentMissing
	}
	isCreator := p.Claimant == round.Creator
	if (isCreator && round.CreatorClaimedDraw) || (!isCreator && round.OpponentClaimedDraw) {
		return domain.Round{}, domain.ErrRefundAlreadyClaimed
	}

	// Draw attestations live in their own message namespace so a prize
	// signature can never be replayed here.
	msg := attest.DrawMessage(round.ID, p.Claimant, p.Nonce)
	if err := attest.VerifyCaller(p.Claimant, p.CallerPubKey, p.CallerSig, msg); err != nil {
		return domain.Round{}, err
	}
	if err := s.verifier.Verify(p.Attestation, msg); err != nil {
		return domain.Round{}, err
	}
	if err := s.nonces.Reserve(ctx, round.ID, p.Nonce); err != nil {
		return domain.Round{}, err
	}

	pool, err := commission.Mul2(round.Stake)
	if err != nil {
		return domain.Round{}, err
	}
	split, err := commission.SplitShared(pool, round.Referrer != nil)
	if err != nil {
		return domain.Round{}, err
	}
	refund, err := commission.Sub(round.Stake, split.PerPlayer)
	if err != nil {
		return domain.Round{}, err
	}

	holding := domain.HoldingAccountID(round.ID)
	var transfers []domain.Transfer
	var treasuryCredit uint64
	debits := refund

	if !round.CommissionTakenOnDraw {
		platformShare, referrerShare, err := s.resolveReferrerShare(ctx, round.Referrer, split)
		if err != nil {
			return domain.Round{}, err
		}
		if platformShare > 0 {
			transfers = append(transfers, domain.Transfer{From: holding, To: domain.TreasuryVaultID, Amount: platformShare})
		}
		if referrerShare > 0 {
			transfers = append(transfers, domain.Transfer{From: holding, To: string(*round.Referrer), Amount: referrerShare})
		}
		treasuryCredit = platformShare
		if debits, err = commission.Add(debits, platformShare); err != nil {
			return domain.Round{}, err
		}
		if debits, err = commission.Add(debits, referrerShare); err != nil {
			return domain.Round{}, err
		}
		round.CommissionTakenOnDraw = true
	}

	if err := s.requireHoldingBalance(ctx, holding, debits); err != nil {
		return domain.Round{}, err
	}
	transfers = append(transfers, domain.Transfer{From: holding, To: string(p.Claimant), Amount: refund})

	now := s.clock.Now()
	if isCreator {
		round.CreatorClaimedDraw = true
	} else {
		round.OpponentClaimedDraw = true
	}
	firstClaim := round.Status == domain.RoundStatusInProgress
	if firstClaim {
		round.Status = domain.RoundStatusDraw
		round.CompletedAt = &now
	}

	err = s.ledger.Apply(ctx, domain.Settlement{
		Round:          &round,
		Transfers:      transfers,
		TreasuryCredit: treasuryCredit,
	})
	if err != nil {
		return domain.Round{}, fmt.Errorf("round_service: claim draw %s: %w", round.ID, err)
	}

	if firstClaim {
		s.emit(ctx, domain.NewEvent(uuid.NewString(), domain.EventRoundDraw, round.ID, "", 0, now), map[string]any{
			"round_id": round.ID,
		})
	}
	s.emit(ctx, domain.NewEvent(uuid.NewString(), domain.EventDrawRefundClaimed, round.ID, p.Claimant, refund, now), map[string]any{
		"round_id": round.ID,
		"claimer":  string(p.Claimant),
		"refund":   refund,
	})
	return round, nil
}

// CancelOnTimeout cancels a stale round. A never-joined round refunds the
// creator in full; an in-progress round takes commission once and splits the
// remainder evenly between the two players.
func (s *RoundService) CancelOnTimeout(ctx context.Context, roundID string, canceller domain.Address) (domain.Round, error) {
	unlock, err := s.locks.Acquire(ctx, "round:"+roundID, roundLockTTL)
	if err != nil {
		return domain.Round{}, fmt.Errorf("round_service: lock %s: %w", roundID, err)
	}
	defer unlock()

	round, err := s.rounds.Get(ctx, roundID)
	if err != nil {
		return domain.Round{}, err
	}
	if !round.IsParticipant(canceller) {
		return domain.Round{}, domain.ErrInvalidClaimer
	}

	now := s.clock.Now()
	holding := domain.HoldingAccountID(round.ID)

	var transfers []domain.Transfer
	var treasuryCredit uint64

	switch round.Status {
	case domain.RoundStatusWaiting:
		if now.Before(round.CreatedAt.Add(domain.RoundTimeout)) {
			return domain.Round{}, domain.ErrTimeoutNotReached
		}
		if err := s.requireHoldingBalance(ctx, holding, round.Stake); err != nil {
			return domain.Round{}, err
		}
		transfers = []domain.Transfer{
			{From: holding, To: string(round.Creator), Amount: round.Stake},
		}

	case domain.RoundStatusInProgress:
		if round.GameStartedAt == nil || now.Before(round.GameStartedAt.Add(domain.RoundTimeout)) {
			return domain.Round{}, domain.ErrTimeoutNotReached
		}

		pool, err := commission.Mul2(round.Stake)
		if err != nil {
			return domain.Round{}, err
		}
		split, err := commission.SplitShared(pool, round.Referrer != nil)
		if err != nil {
			return domain.Round{}, err
		}
		refundPerPlayer, err := commission.Sub(round.Stake, split.PerPlayer)
		if err != nil {
			return domain.Round{}, err
		}
		platformShare, referrerShare, err := s.resolveReferrerShare(ctx, round.Referrer, split)
		if err != nil {
			return domain.Round{}, err
		}
		if err := s.requireHoldingBalance(ctx, holding, pool); err != nil {
			return domain.Round{}, err
		}

		if platformShare > 0 {
			transfers = append(transfers, domain.Transfer{From: holding, To: domain.TreasuryVaultID, Amount: platformShare})
		}
		if referrerShare > 0 {
			transfers = append(transfers, domain.Transfer{From: holding, To: string(*round.Referrer), Amount: referrerShare})
		}
		transfers = append(transfers,
			domain.Transfer{From: holding, To: string(round.Creator), Amount: refundPerPlayer},
			domain.Transfer{From: holding, To: string(*round.Opponent), Amount: refundPerPlayer},
		)
		treasuryCredit = platformShare

	default:
		return domain.Round{}, domain.ErrRoundResolved
	}

	round.Status = domain.RoundStatusCancelled

	err = s.ledger.Apply(ctx, domain.Settlement{
		Round:          &round,
		Transfers:      transfers,
		TreasuryCredit: treasuryCredit,
	})
	if err != nil {
		return domain.Round{}, fmt.Errorf("round_service: cancel %s: %w", roundID, err)
	}

	s.emit(ctx, domain.NewEvent(uuid.NewString(), domain.EventRoundCancelled, round.ID, canceller, 0, now), map[string]any{
		"round_id":  round.ID,
		"canceller": string(canceller),
	})
	return round, nil
}

// CloseRound reclaims a settled round's holding account to the creator and
// destroys the record. It only succeeds once the pool is drained to exactly
// the viability reserve.
func (s *RoundService) CloseRound(ctx context.Context, roundID string, caller domain.Address) error {
	unlock, err := s.locks.Acquire(ctx, "round:"+roundID, roundLockTTL)
	if err != nil {
		return fmt.Errorf("round_service: lock %s: %w", roundID, err)
	}
	defer unlock()

	round, err := s.rounds.Get(ctx, roundID)
	if err != nil {
		return err
	}
	if caller != round.Creator {
		return domain.ErrUnauthorized
	}
	if !round.Status.Terminal() {
		return domain.ErrRoundNotFinished
	}

	holding := domain.HoldingAccountID(round.ID)
	bal, err := s.ledger.Balance(ctx, holding)
	if err != nil {
		return fmt.Errorf("round_service: balance %s: %w", holding, err)
	}
	if bal != s.reserve {
		return domain.ErrHoldingNotDrained
	}

	err = s.ledger.Apply(ctx, domain.Settlement{
		DeleteRoundID: round.ID,
		Transfers: []domain.Transfer{
			{From: holding, To: string(round.Creator), Amount: bal},
		},
	})
	if err != nil {
		return fmt.Errorf("round_service: close %s: %w", roundID, err)
	}

	now := s.clock.Now()
	s.emit(ctx, domain.NewEvent(uuid.NewString(), domain.EventRoundClosed, round.ID, caller, bal, now), map[string]any{
		"round_id": round.ID,
	})

	if s.archiver != nil {
		if err := s.archiver.ArchiveRound(ctx, round); err != nil {
			s.logger.WarnContext(ctx, "round archive failed",
				slog.String("round_id", round.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// GetRound returns one round record.
func (s *RoundService) GetRound(ctx context.Context, roundID string) (domain.Round, error) {
	return s.rounds.Get(ctx, roundID)
}

// ListRounds returns rounds matching the filter, newest first.
func (s *RoundService) ListRounds(ctx context.Context, filter domain.RoundFilter) ([]domain.Round, error) {
	return s.rounds.List(ctx, filter)
}

// Balance returns a ledger account balance.
func (s *RoundService) Balance(ctx context.Context, account string) (uint64, error) {
	return s.ledger.Balance(ctx, account)
}

// Deposit credits an account from outside the ledger. Paper-mode faucet.
func (s *RoundService) Deposit(ctx context.Context, account domain.Address, amount uint64) error {
	if amount == 0 {
		return nil
	}
	return s.ledger.Apply(ctx, domain.Settlement{
		Transfers: []domain.Transfer{{To: string(account), Amount: amount}},
	})
}

// resolveReferrerShare applies the viability fallback: when the referrer's
// account sits at zero and the share would not reach the reserve, the share
// folds into the platform's cut instead of creating an unviable balance.
func (s *RoundService) resolveReferrerShare(ctx context.Context, referrer *domain.Address, split commission.Split) (platform, referrerShare uint64, err error) {
	platform = split.Platform
	if referrer == nil || split.Referrer == 0 {
		return platform, 0, nil
	}
	bal, err := s.ledger.Balance(ctx, string(*referrer))
	if err != nil {
		return 0, 0, fmt.Errorf("round_service: referrer balance: %w", err)
	}
	if bal == 0 && split.Referrer < s.reserve {
		platform, err = commission.Add(platform, split.Referrer)
		if err != nil {
			return 0, 0, err
		}
		return platform, 0, nil
	}
	return platform, split.Referrer, nil
}

// requireHoldingBalance checks the pool can cover the planned debits while
// staying at or above its reserve.
func (s *RoundService) requireHoldingBalance(ctx context.Context, holding string, debits uint64) error {
	bal, err := s.ledger.Balance(ctx, holding)
	if err != nil {
		return fmt.Errorf("round_service: balance %s: %w", holding, err)
	}
	need, err := commission.Add(debits, s.reserve)
	if err != nil {
		return err
	}
	if bal < need {
		return domain.ErrInsufficientFunds
	}
	return nil
}

// emit writes the audit entry and publishes the event. Post-commit effects
// never fail the operation; failures are logged and dropped.
func (s *RoundService) emit(ctx context.Context, ev domain.Event, detail map[string]any) {
	if err := s.audit.Log(ctx, string(ev.Type), detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, domain.EventChannel, payload); err != nil {
		s.logger.WarnContext(ctx, "event publish failed",
			slog.String("event", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
}
