package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duelarena/escrowd/internal/domain"
)

func TestTreasuryInitialize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The fixture already initialized; a repeat is rejected.
	err := f.treasury.Initialize(ctx, f.authority)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	err = f.treasury.Initialize(ctx, f.collector)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	accumulated, vault, err := f.treasury.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), accumulated)
	assert.Equal(t, testReserve, vault)
}

func TestClaimCommission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Accumulate 1_000_000 through a settled round.
	f.createRound(t, "r1", nil)
	f.joinRound(t, "r1")
	_, err := f.svc.ClaimPrize(ctx, f.claim(t, "r1", f.creator, 1, false))
	require.NoError(t, err)

	err = f.treasury.ClaimCommission(ctx, f.authority, 1_000_000)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	err = f.treasury.ClaimCommission(ctx, f.collector, 0)
	assert.ErrorIs(t, err, domain.ErrInsufficientCommission)

	err = f.treasury.ClaimCommission(ctx, f.collector, 1_000_001)
	assert.ErrorIs(t, err, domain.ErrInsufficientCommission)

	// A partial withdrawal, then the remainder.
	require.NoError(t, f.treasury.ClaimCommission(ctx, f.collector, 400_000))
	require.NoError(t, f.treasury.ClaimCommission(ctx, f.collector, 600_000))

	accumulated, vault, err := f.treasury.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), accumulated)
	assert.Equal(t, testReserve, vault)
	assert.Equal(t, uint64(1_000_000), f.balance(t, string(f.collector)))

	err = f.treasury.ClaimCommission(ctx, f.collector, 1)
	assert.ErrorIs(t, err, domain.ErrInsufficientCommission)
}

func TestClaimCommissionPreservesVaultReserve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Drain the reserve out of the vault so the accumulated counter exceeds
	// what the vault can pay while staying viable.
	require.NoError(t, f.store.Apply(ctx, domain.Settlement{
		Transfers: []domain.Transfer{
			{From: domain.TreasuryVaultID, To: "0x00000000000000000000000000000000000000dd", Amount: testReserve},
		},
	}))

	f.createRound(t, "r1", nil)
	f.joinRound(t, "r1")
	_, err := f.svc.ClaimPrize(ctx, f.claim(t, "r1", f.creator, 1, false))
	require.NoError(t, err)

	// accumulated=1_000_000 but the vault only holds 1_000_000 with no
	// reserve on top, so a full withdrawal would leave it below viability.
	err = f.treasury.ClaimCommission(ctx, f.collector, 1_000_000)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
}
