// Package rangemath is the reference range-math implementation: tick to
// sqrt price conversion and the concentrated-liquidity amount formulas, all
// in Q64.64.
package rangemath

import (
	"math/big"
	"sync"

	"github.com/holiman/uint256"

	"HedgeVault/internal/collab"
	vmath "HedgeVault/internal/math"
	"HedgeVault/internal/state"
	"HedgeVault/internal/vaulterr"
)

const floatPrec = 256

var (
	sqrtBase     *big.Float // sqrt(1.0001)
	sqrtBaseOnce sync.Once
)

var floatPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Float).SetPrec(floatPrec)
	},
}

func getFloat() *big.Float {
	return floatPool.Get().(*big.Float)
}

func putFloat(f *big.Float) {
	f.SetPrec(floatPrec).SetInt64(0)
	floatPool.Put(f)
}

func base() *big.Float {
	sqrtBaseOnce.Do(func() {
		b, _ := new(big.Float).SetPrec(floatPrec).SetString("1.0001")
		sqrtBase = new(big.Float).SetPrec(floatPrec).Sqrt(b)
	})
	return sqrtBase
}

// Math implements collab.RangeMath.
type Math struct{}

var _ collab.RangeMath = Math{}

func New() Math { return Math{} }

// SqrtPriceAtTick returns sqrt(1.0001^tick) in Q64.64, truncated.
func (Math) SqrtPriceAtTick(tick int32) (uint256.Int, error) {
	var z uint256.Int
	if tick < state.MinTick || tick > state.MaxTick {
		return z, vaulterr.Wrap(vaulterr.ErrTickOutOfBounds, "tick %d", tick)
	}

	n := int64(tick)
	if n < 0 {
		n = -n
	}

	result := getFloat().SetInt64(1)
	sq := getFloat().Set(base())
	defer putFloat(result)
	defer putFloat(sq)

	// exponentiation by squaring
	for n > 0 {
		if n&1 == 1 {
			result.Mul(result, sq)
		}
		sq.Mul(sq, sq)
		n >>= 1
	}
	if tick < 0 {
		one := getFloat().SetInt64(1)
		result.Quo(one, result)
		putFloat(one)
	}
	result.SetMantExp(result, 64)

	i, _ := result.Int(nil)
	if overflow := z.SetFromBig(i); overflow {
		return z, vaulterr.Wrap(vaulterr.ErrMathOverflow, "sqrt price at tick %d", tick)
	}
	return z, nil
}

// Bounds returns the range of width ticks centered on tick, aligned to spacing.
func (m Math) Bounds(tick, width, spacing int32) (state.RangeBounds, error) {
	var b state.RangeBounds
	if spacing <= 0 || width <= 0 {
		return b, vaulterr.Wrap(vaulterr.ErrInvalidTickSpacing, "width %d spacing %d", width, spacing)
	}
	lower := floorDiv(int64(tick)-int64(width/2), int64(spacing)) * int64(spacing)
	upper := lower + ceilDiv(int64(width), int64(spacing))*int64(spacing)
	if lower < int64(state.MinTick) || upper > int64(state.MaxTick) {
		return b, vaulterr.Wrap(vaulterr.ErrTickOutOfBounds, "range [%d, %d] around tick %d", lower, upper, tick)
	}
	b.LowerTick = int32(lower)
	b.UpperTick = int32(upper)
	if err := b.Validate(); err != nil {
		return b, err
	}

	var err error
	if b.LowerSqrtPrice, err = m.SqrtPriceAtTick(b.LowerTick); err != nil {
		return b, err
	}
	if b.UpperSqrtPrice, err = m.SqrtPriceAtTick(b.UpperTick); err != nil {
		return b, err
	}
	return b, nil
}

// AmountsForLiquidity returns the token amounts backing liquidity in b at
// sqrtPrice. Deposits round up, withdrawals round down.
func (Math) AmountsForLiquidity(liquidity, sqrtPrice uint256.Int, b state.RangeBounds, roundUp bool) (collab.TokenAmounts, error) {
	var out collab.TokenAmounts
	a, bb, err := amounts(liquidity, sqrtPrice, b, roundUp)
	if err != nil {
		return out, err
	}
	if !a.IsUint64() || !bb.IsUint64() {
		return out, vaulterr.Wrap(vaulterr.ErrMathOverflow, "amounts for liquidity %s exceed u64", liquidity.Dec())
	}
	out.A = a.Uint64()
	out.B = bb.Uint64()
	return out, nil
}

// LiquidityForAmounts returns a liquidity whose deposit, with amounts
// rounded up, held covers. It is at most a few units of each token short of
// the largest such liquidity.
func (m Math) LiquidityForAmounts(held collab.TokenAmounts, sqrtPrice uint256.Int, b state.RangeBounds) (uint256.Int, error) {
	// Rounding up adds at most one unit per token, so leave that much
	// headroom and widen it if the deposit still does not fit.
	for shave := uint64(1); ; shave <<= 1 {
		avail := collab.TokenAmounts{A: subFloor(held.A, shave), B: subFloor(held.B, shave)}
		l, err := liquidityFor(avail, sqrtPrice, b)
		if err != nil || l.IsZero() {
			return l, err
		}
		cost, err := m.AmountsForLiquidity(l, sqrtPrice, b, true)
		if err != nil {
			return l, err
		}
		if cost.A <= held.A && cost.B <= held.B {
			return l, nil
		}
	}
}

func subFloor(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}

// liquidityFor is the exact liquidity the amounts back, rounded down.
func liquidityFor(held collab.TokenAmounts, sqrtPrice uint256.Int, b state.RangeBounds) (uint256.Int, error) {
	lo, hi := b.LowerSqrtPrice, b.UpperSqrtPrice
	switch {
	case !sqrtPrice.Gt(&lo):
		return liquidityForA(held.A, lo, hi)
	case sqrtPrice.Lt(&hi):
		la, err := liquidityForA(held.A, sqrtPrice, hi)
		if err != nil {
			return la, err
		}
		lb, err := liquidityForB(held.B, lo, sqrtPrice)
		if err != nil {
			return lb, err
		}
		if la.Lt(&lb) {
			return la, nil
		}
		return lb, nil
	default:
		return liquidityForB(held.B, lo, hi)
	}
}

// RebalanceSwap returns the swap that converts held into the token ratio b
// requires at sqrtPrice, valuing both sides at the current price.
func (Math) RebalanceSwap(held collab.TokenAmounts, sqrtPrice uint256.Int, b state.RangeBounds) (collab.SwapPlan, error) {
	var plan collab.SwapPlan

	unitA, unitB, err := amounts(*vmath.Q64, sqrtPrice, b, false)
	if err != nil {
		return plan, err
	}
	price, err := vmath.MulDiv(sqrtPrice, sqrtPrice, *vmath.Q64, vmath.RoundDown)
	if err != nil {
		return plan, err
	}

	valueA, err := vmath.MulDiv(vmath.U128(held.A), price, *vmath.Q64, vmath.RoundDown)
	if err != nil {
		return plan, err
	}
	var total uint256.Int
	total.Add(&valueA, uint256.NewInt(held.B))

	unitValueA, err := vmath.MulDiv(unitA, price, *vmath.Q64, vmath.RoundDown)
	if err != nil {
		return plan, err
	}
	var denom uint256.Int
	denom.Add(&unitValueA, &unitB)
	targetA, err := vmath.MulDiv(total, unitA, denom, vmath.RoundDown)
	if err != nil {
		return plan, err
	}

	heldA := vmath.U128(held.A)
	switch {
	case targetA.Lt(&heldA):
		var sell uint256.Int
		sell.Sub(&heldA, &targetA)
		plan = collab.SwapPlan{Amount: sell.Uint64(), AToB: true, ExactInput: true}
	case targetA.Gt(&heldA):
		var buy uint256.Int
		buy.Sub(&targetA, &heldA)
		spend, err := vmath.MulDiv(buy, price, *vmath.Q64, vmath.RoundDown)
		if err != nil {
			return plan, err
		}
		amount := held.B
		if spend.IsUint64() && spend.Uint64() < amount {
			amount = spend.Uint64()
		}
		plan = collab.SwapPlan{Amount: amount, AToB: false, ExactInput: true}
	}
	return plan, nil
}

func amounts(liquidity, sqrtPrice uint256.Int, b state.RangeBounds, roundUp bool) (uint256.Int, uint256.Int, error) {
	var zero uint256.Int
	lo, hi := b.LowerSqrtPrice, b.UpperSqrtPrice
	if !lo.Lt(&hi) || lo.IsZero() {
		return zero, zero, vaulterr.Wrap(vaulterr.ErrTickOutOfBounds, "empty range [%d, %d]", b.LowerTick, b.UpperTick)
	}
	switch {
	case !sqrtPrice.Gt(&lo):
		a, err := deltaA(liquidity, lo, hi, roundUp)
		return a, zero, err
	case sqrtPrice.Lt(&hi):
		a, err := deltaA(liquidity, sqrtPrice, hi, roundUp)
		if err != nil {
			return zero, zero, err
		}
		bb, err := deltaB(liquidity, lo, sqrtPrice, roundUp)
		return a, bb, err
	default:
		bb, err := deltaB(liquidity, lo, hi, roundUp)
		return zero, bb, err
	}
}

// deltaA is L * (hi - lo) / (hi * lo) in Q64.64.
func deltaA(liquidity, lo, hi uint256.Int, roundUp bool) (uint256.Int, error) {
	mode := rounding(roundUp)
	var diff uint256.Int
	diff.Sub(&hi, &lo)
	t, err := vmath.MulDiv(liquidity, diff, hi, mode)
	if err != nil {
		return t, err
	}
	return vmath.MulDiv(t, *vmath.Q64, lo, mode)
}

// deltaB is L * (hi - lo) in Q64.64.
func deltaB(liquidity, lo, hi uint256.Int, roundUp bool) (uint256.Int, error) {
	var diff uint256.Int
	diff.Sub(&hi, &lo)
	return vmath.MulDiv(liquidity, diff, *vmath.Q64, rounding(roundUp))
}

func liquidityForA(amount uint64, lo, hi uint256.Int) (uint256.Int, error) {
	prod, err := vmath.MulDiv(lo, hi, *vmath.Q64, vmath.RoundDown)
	if err != nil {
		return prod, err
	}
	var diff uint256.Int
	diff.Sub(&hi, &lo)
	return vmath.MulDiv(vmath.U128(amount), prod, diff, vmath.RoundDown)
}

func liquidityForB(amount uint64, lo, hi uint256.Int) (uint256.Int, error) {
	var diff uint256.Int
	diff.Sub(&hi, &lo)
	return vmath.MulDiv(vmath.U128(amount), *vmath.Q64, diff, vmath.RoundDown)
}

func rounding(up bool) vmath.RoundingMode {
	if up {
		return vmath.RoundUp
	}
	return vmath.RoundDown
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func ceilDiv(a, b int64) int64 {
	return -floorDiv(-a, b)
}
