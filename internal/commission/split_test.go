package commission

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duelarena/escrowd/internal/domain"
)

func TestSplitSingleNoReferrer(t *testing.T) {
	// pool = 2 * 10_000_000: commission 1_000_000, all to platform.
	s, err := SplitSingle(20_000_000, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), s.Total)
	assert.Equal(t, uint64(1_000_000), s.Platform)
	assert.Equal(t, uint64(0), s.Referrer)
	assert.Equal(t, uint64(500_000), s.PerPlayer)

	// platform + payout must reassemble the pool.
	assert.Equal(t, uint64(20_000_000), s.Platform+s.Referrer+(20_000_000-s.Total))
}

func TestSplitSingleWithReferrer(t *testing.T) {
	s, err := SplitSingle(20_000_000, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), s.Total)
	assert.Equal(t, uint64(500_000), s.Platform)
	assert.Equal(t, uint64(500_000), s.Referrer)
}

func TestSplitSingleOddRemainderGoesToPlatform(t *testing.T) {
	// pool=30 -> total=1, half=0, remainder=1 -> platform gets it.
	s, err := SplitSingle(30, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.Total)
	assert.Equal(t, uint64(1), s.Platform)
	assert.Equal(t, uint64(0), s.Referrer)
	assert.Equal(t, uint64(1), s.PerPlayer)
}

func TestSplitShared(t *testing.T) {
	cases := []struct {
		name        string
		pool        uint64
		hasReferrer bool
		want        Split
	}{
		{
			name: "even no referrer",
			pool: 20_000_000,
			want: Split{Total: 1_000_000, Platform: 1_000_000, PerPlayer: 500_000},
		},
		{
			name:        "even with referrer",
			pool:        20_000_000,
			hasReferrer: true,
			want:        Split{Total: 1_000_000, Platform: 500_000, Referrer: 500_000, PerPlayer: 500_000},
		},
		{
			// total=1 is odd: remainder dropped from explicit shares,
			// players still charged ceil(1/2)=1 each.
			name: "odd no referrer drops remainder",
			pool: 30,
			want: Split{Total: 1, Platform: 0, PerPlayer: 1},
		},
		{
			name:        "odd with referrer drops remainder",
			pool:        30,
			hasReferrer: true,
			want:        Split{Total: 1, Platform: 0, Referrer: 0, PerPlayer: 1},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := SplitShared(tc.pool, tc.hasReferrer)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			// Explicit shares never exceed what the two players paid in.
			assert.LessOrEqual(t, got.Platform+got.Referrer, 2*got.PerPlayer)
		})
	}
}

func TestSplitOverflow(t *testing.T) {
	_, err := SplitSingle(math.MaxUint64, false)
	assert.ErrorIs(t, err, domain.ErrArithmeticOverflow)

	_, err = SplitShared(math.MaxUint64, true)
	assert.ErrorIs(t, err, domain.ErrArithmeticOverflow)
}

func TestCheckedHelpers(t *testing.T) {
	_, err := Add(math.MaxUint64, 1)
	assert.ErrorIs(t, err, domain.ErrArithmeticOverflow)

	_, err = Sub(1, 2)
	assert.ErrorIs(t, err, domain.ErrArithmeticOverflow)

	_, err = Mul2(1 << 63)
	assert.ErrorIs(t, err, domain.ErrArithmeticOverflow)

	v, err := Mul2(10_000_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(20_000_000), v)
}
