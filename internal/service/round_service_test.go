package service

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duelarena/escrowd/internal/attest"
	"github.com/duelarena/escrowd/internal/domain"
	"github.com/duelarena/escrowd/internal/store/memory"
)

const (
	testStake   = uint64(10_000_000)
	testReserve = domain.DefaultAccountReserve
)

// fakeClock is a manually advanced Clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fixture wires a RoundService and TreasuryService over in-memory stores
// with a real oracle signer and participant keys.
type fixture struct {
	store    *memory.Store
	bus      *memory.EventBus
	svc      *RoundService
	treasury *TreasuryService
	clock    *fakeClock

	oracle    *attest.Signer
	creator   *attest.Signer
	opponent  *attest.Signer
	referrer  *attest.Signer
	authority domain.Address
	collector domain.Address
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	oracle, err := attest.GenerateSigner()
	require.NoError(t, err)
	creator, err := attest.GenerateSigner()
	require.NoError(t, err)
	opponent, err := attest.GenerateSigner()
	require.NoError(t, err)
	referrer, err := attest.GenerateSigner()
	require.NoError(t, err)

	verifier, err := attest.NewVerifier(oracle.PubKeyHex())
	require.NoError(t, err)

	store := memory.NewStore()
	bus := memory.NewEventBus()
	clock := newFakeClock()
	logger := slog.New(slog.DiscardHandler)

	f := &fixture{
		store:     store,
		bus:       bus,
		clock:     clock,
		oracle:    oracle,
		creator:   creator,
		opponent:  opponent,
		referrer:  referrer,
		authority: "0x00000000000000000000000000000000000000aa",
		collector: "0x00000000000000000000000000000000000000cc",
	}
	f.svc = NewRoundService(
		store, store, store.Audit(),
		memory.NewNonceRegistry(), memory.NewLockManager(), bus,
		verifier, clock, testReserve, logger,
	)
	f.treasury = NewTreasuryService(
		store, store, store.Audit(), bus, clock,
		f.authority, f.collector, testReserve, logger,
	)

	ctx := context.Background()
	require.NoError(t, f.treasury.Initialize(ctx, f.authority))
	require.NoError(t, f.svc.Deposit(ctx, creator.Address(), 10*testStake))
	require.NoError(t, f.svc.Deposit(ctx, opponent.Address(), 10*testStake))
	return f
}

func (f *fixture) createRound(t *testing.T, id string, referrer *domain.Address) domain.Round {
	t.Helper()
	r, err := f.svc.CreateRound(context.Background(), CreateRoundParams{
		ID:       id,
		Creator:  f.creator.Address(),
		Stake:    testStake,
		Referrer: referrer,
	})
	require.NoError(t, err)
	return r
}

func (f *fixture) joinRound(t *testing.T, id string) domain.Round {
	t.Helper()
	r, err := f.svc.JoinRound(context.Background(), id, f.opponent.Address())
	require.NoError(t, err)
	return r
}

// claim builds fully signed ClaimParams for the given path and signers.
func (f *fixture) claim(t *testing.T, roundID string, claimant *attest.Signer, nonce uint64, draw bool) ClaimParams {
	t.Helper()
	var msg []byte
	if draw {
		msg = attest.DrawMessage(roundID, claimant.Address(), nonce)
	} else {
		msg = attest.PrizeMessage(roundID, claimant.Address(), nonce)
	}
	oracleAtt, err := f.oracle.Sign(msg)
	require.NoError(t, err)
	callerAtt, err := claimant.Sign(msg)
	require.NoError(t, err)
	return ClaimParams{
		RoundID:      roundID,
		Claimant:     claimant.Address(),
		Nonce:        nonce,
		Attestation:  oracleAtt,
		CallerPubKey: callerAtt.PubKey,
		CallerSig:    callerAtt.Signature,
	}
}

func (f *fixture) balance(t *testing.T, account string) uint64 {
	t.Helper()
	bal, err := f.store.Balance(context.Background(), account)
	require.NoError(t, err)
	return bal
}

func TestCreateRoundValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	creator := f.creator.Address()

	cases := []struct {
		name    string
		params  CreateRoundParams
		wantErr error
	}{
		{"empty id", CreateRoundParams{ID: "", Creator: creator, Stake: testStake}, domain.ErrInvalidRoundID},
		{"id too long", CreateRoundParams{ID: strings.Repeat("a", 65), Creator: creator, Stake: testStake}, domain.ErrInvalidRoundID},
		{"id bad chars", CreateRoundParams{ID: "round 1!", Creator: creator, Stake: testStake}, domain.ErrInvalidRoundID},
		{"stake too small", CreateRoundParams{ID: "r1", Creator: creator, Stake: testStake - 1}, domain.ErrStakeTooSmall},
		{"self referral", CreateRoundParams{ID: "r1", Creator: creator, Stake: testStake, Referrer: &creator}, domain.ErrSelfReferral},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.CreateRound(ctx, tc.params)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestCreateRoundEscrowsStakeAndReserve(t *testing.T) {
	f := newFixture(t)

	before := f.balance(t, string(f.creator.Address()))
	r := f.createRound(t, "r1", nil)

	assert.Equal(t, domain.RoundStatusWaiting, r.Status)
	assert.Equal(t, testStake+testReserve, f.balance(t, domain.HoldingAccountID("r1")))
	assert.Equal(t, before-testStake-testReserve, f.balance(t, string(f.creator.Address())))

	// Duplicate IDs are rejected with no fund movement.
	_, err := f.svc.CreateRound(context.Background(), CreateRoundParams{
		ID: "r1", Creator: f.creator.Address(), Stake: testStake,
	})
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
	assert.Equal(t, testStake+testReserve, f.balance(t, domain.HoldingAccountID("r1")))
}

func TestCreateRoundInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	broke, err := attest.GenerateSigner()
	require.NoError(t, err)

	_, err = f.svc.CreateRound(context.Background(), CreateRoundParams{
		ID: "r1", Creator: broke.Address(), Stake: testStake,
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
}

func TestJoinRound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createRound(t, "r1", nil)

	r := f.joinRound(t, "r1")
	assert.Equal(t, domain.RoundStatusInProgress, r.Status)
	require.NotNil(t, r.Opponent)
	assert.Equal(t, f.opponent.Address(), *r.Opponent)
	require.NotNil(t, r.GameStartedAt)

	// Pool holds both stakes plus the reserve.
	assert.Equal(t, 2*testStake+testReserve, f.balance(t, domain.HoldingAccountID("r1")))

	// Second join is rejected: the round left Waiting.
	_, err := f.svc.JoinRound(ctx, "r1", f.opponent.Address())
	assert.ErrorIs(t, err, domain.ErrRoundNotWaiting)

	_, err = f.svc.JoinRound(ctx, "missing", f.opponent.Address())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestJoinRoundSelfJoin(t *testing.T) {
	f := newFixture(t)
	f.createRound(t, "r1", nil)

	_, err := f.svc.JoinRound(context.Background(), "r1", f.creator.Address())
	assert.ErrorIs(t, err, domain.ErrSelfJoin)
}

func TestClaimPrizeNoReferrer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createRound(t, "r1", nil)
	f.joinRound(t, "r1")

	winnerBefore := f.balance(t, string(f.opponent.Address()))

	r, err := f.svc.ClaimPrize(ctx, f.claim(t, "r1", f.opponent, 1, false))
	require.NoError(t, err)

	assert.Equal(t, domain.RoundStatusCompleted, r.Status)
	require.NotNil(t, r.Winner)
	assert.Equal(t, f.opponent.Address(), *r.Winner)
	require.NotNil(t, r.CompletedAt)

	// pool=20_000_000, commission=1_000_000, prize=19_000_000.
	assert.Equal(t, winnerBefore+19_000_000, f.balance(t, string(f.opponent.Address())))
	assert.Equal(t, testReserve, f.balance(t, domain.HoldingAccountID("r1")))

	accumulated, vault, err := f.treasury.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), accumulated)
	assert.Equal(t, testReserve+1_000_000, vault)
}

func TestClaimPrizeWithReferrer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.referrer.Address()

	// A referrer holding any balance is viable and receives its half.
	require.NoError(t, f.svc.Deposit(ctx, ref, testReserve))

	f.createRound(t, "r1", &ref)
	f.joinRound(t, "r1")

	winnerBefore := f.balance(t, string(f.creator.Address()))
	_, err := f.svc.ClaimPrize(ctx, f.claim(t, "r1", f.creator, 1, false))
	require.NoError(t, err)

	assert.Equal(t, winnerBefore+19_000_000, f.balance(t, string(f.creator.Address())))
	assert.Equal(t, testReserve+500_000, f.balance(t, string(ref)))

	accumulated, _, err := f.treasury.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(500_000), accumulated)
}

func TestClaimPrizeReferrerViabilityFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.referrer.Address()

	// Referrer sits at zero and the 500_000 share is below the reserve:
	// the share folds into the platform cut instead.
	f.createRound(t, "r1", &ref)
	f.joinRound(t, "r1")

	_, err := f.svc.ClaimPrize(ctx, f.claim(t, "r1", f.creator, 1, false))
	require.NoError(t, err)

	assert.Equal(t, uint64(0), f.balance(t, string(ref)))
	accumulated, vault, err := f.treasury.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), accumulated)
	assert.Equal(t, testReserve+1_000_000, vault)
}

func TestClaimPrizeOnlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createRound(t, "r1", nil)
	f.joinRound(t, "r1")

	_, err := f.svc.ClaimPrize(ctx, f.claim(t, "r1", f.opponent, 1, false))
	require.NoError(t, err)

	holdingBefore := f.balance(t, domain.HoldingAccountID("r1"))
	creatorBefore := f.balance(t, string(f.creator.Address()))

	// A second claim, even by the other participant with a fresh nonce and
	// valid signatures, is rejected with no balance change.
	_, err = f.svc.ClaimPrize(ctx, f.claim(t, "r1", f.creator, 2, false))
	assert.ErrorIs(t, err, domain.ErrRoundNotInProgress)
	assert.Equal(t, holdingBefore, f.balance(t, domain.HoldingAccountID("r1")))
	assert.Equal(t, creatorBefore, f.balance(t, string(f.creator.Address())))
}

func TestClaimPrizeGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createRound(t, "r1", nil)

	// Waiting round: no prize claims.
	_, err := f.svc.ClaimPrize(ctx, f.claim(t, "r1", f.creator, 1, false))
	assert.ErrorIs(t, err, domain.ErrRoundNotInProgress)

	f.joinRound(t, "r1")

	// A non-participant winner is rejected.
	outsider, err := attest.GenerateSigner()
	require.NoError(t, err)
	_, err = f.svc.ClaimPrize(ctx, f.claim(t, "r1", outsider, 1, false))
	assert.ErrorIs(t, err, domain.ErrInvalidWinner)

	// The caller must hold the winner's key.
	p := f.claim(t, "r1", f.opponent, 1, false)
	imposter, err := attest.GenerateSigner()
	require.NoError(t, err)
	msg := attest.PrizeMessage("r1", f.opponent.Address(), 1)
	forged, err := imposter.Sign(msg)
	require.NoError(t, err)
	p.CallerPubKey, p.CallerSig = forged.PubKey, forged.Signature
	_, err = f.svc.ClaimPrize(ctx, p)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	// The attestation must come from the configured oracle.
	p = f.claim(t, "r1", f.opponent, 1, false)
	rogue, err := attest.GenerateSigner()
	require.NoError(t, err)
	rogueAtt, err := rogue.Sign(msg)
	require.NoError(t, err)
	p.Attestation = rogueAtt
	_, err = f.svc.ClaimPrize(ctx, p)
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)

	// A draw attestation cannot be replayed on the prize path: the claim
	// rebuilds the message in the game namespace, so the signature fails.
	drawMsg := attest.DrawMessage("r1", f.opponent.Address(), 1)
	drawAtt, err := f.oracle.Sign(drawMsg)
	require.NoError(t, err)
	p = f.claim(t, "r1", f.opponent, 1, false)
	p.Attestation = drawAtt
	_, err = f.svc.ClaimPrize(ctx, p)
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func TestDrawRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createRound(t, "r1", nil)
	f.joinRound(t, "r1")

	creatorBefore := f.balance(t, string(f.creator.Address()))
	opponentBefore := f.balance(t, string(f.opponent.Address()))

	// First claim flips the round to Draw and charges commission once.
	r, err := f.svc.ClaimDrawRefund(ctx, f.claim(t, "r1", f.creator, 1, true))
	require.NoError(t, err)
	assert.Equal(t, domain.RoundStatusDraw, r.Status)
	assert.True(t, r.CreatorClaimedDraw)
	assert.True(t, r.CommissionTakenOnDraw)
	require.NotNil(t, r.CompletedAt)

	// refund = stake - ceil(1_000_000/2) = 9_500_000.
	assert.Equal(t, creatorBefore+9_500_000, f.balance(t, string(f.creator.Address())))

	accumulated, _, err := f.treasury.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), accumulated)

	// Second claim pays the same refund without charging again.
	r, err = f.svc.ClaimDrawRefund(ctx, f.claim(t, "r1", f.opponent, 2, true))
	require.NoError(t, err)
	assert.True(t, r.OpponentClaimedDraw)
	assert.Equal(t, opponentBefore+9_500_000, f.balance(t, string(f.opponent.Address())))

	accumulated, _, err = f.treasury.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), accumulated)

	// Both refunds plus commission reassemble the pool; the holding
	// account is drained to its reserve.
	assert.Equal(t, 2*testStake, 9_500_000+9_500_000+accumulated)
	assert.Equal(t, testReserve, f.balance(t, domain.HoldingAccountID("r1")))

	// Re-claiming is rejected.
	_, err = f.svc.ClaimDrawRefund(ctx, f.claim(t, "r1", f.creator, 3, true))
	assert.ErrorIs(t, err, domain.ErrRefundAlreadyClaimed)
}

func TestDrawRefundGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createRound(t, "r1", nil)

	// No opponent yet: the round is not in progress.
	_, err := f.svc.ClaimDrawRefund(ctx, f.claim(t, "r1", f.creator, 1, true))
	assert.ErrorIs(t, err, domain.ErrRoundNotInProgress)

	f.joinRound(t, "r1")

	outsider, err := attest.GenerateSigner()
	require.NoError(t, err)
	_, err = f.svc.ClaimDrawRefund(ctx, f.claim(t, "r1", outsider, 1, true))
	assert.ErrorIs(t, err, domain.ErrInvalidClaimer)

	// A prize attestation cannot cross into the draw namespace.
	p := f.claim(t, "r1", f.creator, 1, true)
	prizeAtt, err := f.oracle.Sign(attest.PrizeMessage("r1", f.creator.Address(), 1))
	require.NoError(t, err)
	p.Attestation = prizeAtt
	_, err = f.svc.ClaimDrawRefund(ctx, p)
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func TestNonceReuseRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createRound(t, "r1", nil)
	f.joinRound(t, "r1")

	_, err := f.svc.ClaimDrawRefund(ctx, f.claim(t, "r1", f.creator, 7, true))
	require.NoError(t, err)

	// The opponent's claim is independently signed but reuses the nonce.
	_, err = f.svc.ClaimDrawRefund(ctx, f.claim(t, "r1", f.opponent, 7, true))
	assert.ErrorIs(t, err, domain.ErrNonceUsed)

	// A fresh nonce goes through.
	_, err = f.svc.ClaimDrawRefund(ctx, f.claim(t, "r1", f.opponent, 8, true))
	assert.NoError(t, err)
}

func TestCancelOnTimeoutWaiting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createRound(t, "r1", nil)

	_, err := f.svc.CancelOnTimeout(ctx, "r1", f.creator.Address())
	assert.ErrorIs(t, err, domain.ErrTimeoutNotReached)

	creatorBefore := f.balance(t, string(f.creator.Address()))
	f.clock.Advance(domain.RoundTimeout)

	r, err := f.svc.CancelOnTimeout(ctx, "r1", f.creator.Address())
	require.NoError(t, err)
	assert.Equal(t, domain.RoundStatusCancelled, r.Status)

	// Full stake back, no commission.
	assert.Equal(t, creatorBefore+testStake, f.balance(t, string(f.creator.Address())))
	assert.Equal(t, testReserve, f.balance(t, domain.HoldingAccountID("r1")))

	accumulated, _, err := f.treasury.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), accumulated)
}

func TestCancelOnTimeoutInProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createRound(t, "r1", nil)
	f.joinRound(t, "r1")

	_, err := f.svc.CancelOnTimeout(ctx, "r1", f.opponent.Address())
	assert.ErrorIs(t, err, domain.ErrTimeoutNotReached)

	creatorBefore := f.balance(t, string(f.creator.Address()))
	opponentBefore := f.balance(t, string(f.opponent.Address()))
	f.clock.Advance(domain.RoundTimeout)

	r, err := f.svc.CancelOnTimeout(ctx, "r1", f.opponent.Address())
	require.NoError(t, err)
	assert.Equal(t, domain.RoundStatusCancelled, r.Status)

	// Both players refunded stake - ceil(commission/2); commission taken once.
	assert.Equal(t, creatorBefore+9_500_000, f.balance(t, string(f.creator.Address())))
	assert.Equal(t, opponentBefore+9_500_000, f.balance(t, string(f.opponent.Address())))
	assert.Equal(t, testReserve, f.balance(t, domain.HoldingAccountID("r1")))

	accumulated, _, err := f.treasury.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), accumulated)
}

func TestCancelOnTimeoutGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createRound(t, "r1", nil)
	f.joinRound(t, "r1")

	outsider, err := attest.GenerateSigner()
	require.NoError(t, err)
	_, err = f.svc.CancelOnTimeout(ctx, "r1", outsider.Address())
	assert.ErrorIs(t, err, domain.ErrInvalidClaimer)

	// A resolved round cannot be cancelled.
	_, err = f.svc.ClaimPrize(ctx, f.claim(t, "r1", f.creator, 1, false))
	require.NoError(t, err)
	f.clock.Advance(domain.RoundTimeout)
	_, err = f.svc.CancelOnTimeout(ctx, "r1", f.creator.Address())
	assert.ErrorIs(t, err, domain.ErrRoundResolved)
}

func TestCloseRound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createRound(t, "r1", nil)
	f.joinRound(t, "r1")

	// Unresolved rounds cannot close.
	err := f.svc.CloseRound(ctx, "r1", f.creator.Address())
	assert.ErrorIs(t, err, domain.ErrRoundNotFinished)

	// After the first of two draw claims, the pool still holds the second
	// refund: close must fail.
	_, err = f.svc.ClaimDrawRefund(ctx, f.claim(t, "r1", f.creator, 1, true))
	require.NoError(t, err)
	err = f.svc.CloseRound(ctx, "r1", f.creator.Address())
	assert.ErrorIs(t, err, domain.ErrHoldingNotDrained)

	_, err = f.svc.ClaimDrawRefund(ctx, f.claim(t, "r1", f.opponent, 2, true))
	require.NoError(t, err)

	// Only the creator may close.
	err = f.svc.CloseRound(ctx, "r1", f.opponent.Address())
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	creatorBefore := f.balance(t, string(f.creator.Address()))
	require.NoError(t, f.svc.CloseRound(ctx, "r1", f.creator.Address()))

	// The reserve returns to the creator, the pool hits zero, and the
	// record is gone.
	assert.Equal(t, creatorBefore+testReserve, f.balance(t, string(f.creator.Address())))
	assert.Equal(t, uint64(0), f.balance(t, domain.HoldingAccountID("r1")))
	_, err = f.svc.GetRound(ctx, "r1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListRounds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createRound(t, "r1", nil)
	f.clock.Advance(time.Minute)
	f.createRound(t, "r2", nil)
	f.joinRound(t, "r2")

	waiting := domain.RoundStatusWaiting
	rounds, err := f.svc.ListRounds(ctx, domain.RoundFilter{Status: &waiting})
	require.NoError(t, err)
	require.Len(t, rounds, 1)
	assert.Equal(t, "r1", rounds[0].ID)

	rounds, err = f.svc.ListRounds(ctx, domain.RoundFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, rounds, 1)
	assert.Equal(t, "r2", rounds[0].ID)
}

func TestRoundEventsPublished(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := f.bus.Subscribe(ctx, domain.EventChannel)
	require.NoError(t, err)

	f.createRound(t, "r1", nil)
	f.joinRound(t, "r1")
	_, err = f.svc.ClaimPrize(ctx, f.claim(t, "r1", f.creator, 1, false))
	require.NoError(t, err)

	var types []string
	for i := 0; i < 3; i++ {
		select {
		case payload := <-events:
			assert.Contains(t, string(payload), `"round_id":"r1"`)
			types = append(types, string(payload))
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
	assert.Contains(t, types[0], string(domain.EventRoundCreated))
	assert.Contains(t, types[1], string(domain.EventPlayerJoined))
	assert.Contains(t, types[2], string(domain.EventRoundCompleted))
}
