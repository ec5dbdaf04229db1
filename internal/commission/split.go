// Package commission computes the platform/referrer fee split for round
// settlement. All arithmetic is overflow-checked; any overflow aborts the
// settlement that requested the split.
package commission

import (
	"math/bits"

	"github.com/duelarena/escrowd/internal/domain"
)

// Split is the commission breakdown for one settlement.
type Split struct {
	// Total is floor(pool * 5%), the full commission owed on the pool.
	Total uint64

	// Platform and Referrer are the explicit shares moved out of the pool.
	// On single-claim paths Platform absorbs any odd remainder; on
	// two-claim paths the remainder is left in the pool instead.
	Platform uint64
	Referrer uint64

	// PerPlayer is ceil(Total/2), the deduction charged to each player on
	// the draw and timeout paths regardless of referrer presence.
	PerPlayer uint64
}

// mulDiv returns floor(v * num / den) with overflow detection on the multiply.
func mulDiv(v, num, den uint64) (uint64, error) {
	hi, lo := bits.Mul64(v, num)
	if hi != 0 {
		return 0, domain.ErrArithmeticOverflow
	}
	return lo / den, nil
}

// Add returns a+b or ErrArithmeticOverflow.
func Add(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, domain.ErrArithmeticOverflow
	}
	return sum, nil
}

// Sub returns a-b or ErrArithmeticOverflow on underflow.
func Sub(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, domain.ErrArithmeticOverflow
	}
	return diff, nil
}

// Mul2 returns 2*a or ErrArithmeticOverflow.
func Mul2(a uint64) (uint64, error) {
	if a >= 1<<63 {
		return 0, domain.ErrArithmeticOverflow
	}
	return a * 2, nil
}

func total(pool uint64) (uint64, error) {
	return mulDiv(pool, domain.CommissionRateBps, 10_000)
}

// perPlayer is ceil(t/2), computed as (t+1)/2 with an overflow check.
func perPlayer(t uint64) (uint64, error) {
	n, err := Add(t, 1)
	if err != nil {
		return 0, err
	}
	return n / 2, nil
}

// SplitSingle computes the split for single-claim settlement (prize claim).
// With a referrer the commission is halved and the odd remainder goes to the
// platform; without one the platform takes it all.
func SplitSingle(pool uint64, hasReferrer bool) (Split, error) {
	t, err := total(pool)
	if err != nil {
		return Split{}, err
	}
	pp, err := perPlayer(t)
	if err != nil {
		return Split{}, err
	}
	if !hasReferrer {
		return Split{Total: t, Platform: t, PerPlayer: pp}, nil
	}
	half := t / 2
	rem := t - half*2
	platform, err := Add(half, rem)
	if err != nil {
		return Split{}, err
	}
	return Split{Total: t, Platform: platform, Referrer: half, PerPlayer: pp}, nil
}

// SplitShared computes the split for two-claim settlement (draw refunds and
// in-progress timeout cancellation). The odd remainder is deliberately
// dropped from both explicit shares and stays in the holding account so the
// pool never dips below its reserve; each player is still charged
// ceil(Total/2).
func SplitShared(pool uint64, hasReferrer bool) (Split, error) {
	t, err := total(pool)
	if err != nil {
		return Split{}, err
	}
	pp, err := perPlayer(t)
	if err != nil {
		return Split{}, err
	}
	half := t / 2
	rem := t % 2
	if hasReferrer {
		return Split{Total: t, Platform: half, Referrer: half, PerPlayer: pp}, nil
	}
	platform, err := Sub(t, rem)
	if err != nil {
		return Split{}, err
	}
	return Split{Total: t, Platform: platform, PerPlayer: pp}, nil
}
