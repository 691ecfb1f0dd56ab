package rangemath_test

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"HedgeVault/internal/collab"
	vmath "HedgeVault/internal/math"
	"HedgeVault/internal/rangemath"
	"HedgeVault/internal/state"
	"HedgeVault/internal/vaulterr"
)

func TestSqrtPriceAtTickZero(t *testing.T) {
	m := rangemath.New()
	p, err := m.SqrtPriceAtTick(0)
	require.NoError(t, err)
	assert.Equal(t, vmath.Q64.Dec(), p.Dec())
}

func TestSqrtPriceSymmetry(t *testing.T) {
	m := rangemath.New()
	for _, tick := range []int32{1, 64, 1000, 40_000} {
		up, err := m.SqrtPriceAtTick(tick)
		require.NoError(t, err)
		down, err := m.SqrtPriceAtTick(-tick)
		require.NoError(t, err)

		assert.True(t, up.Gt(vmath.Q64), "tick %d", tick)
		assert.True(t, down.Lt(vmath.Q64), "tick %d", tick)

		// up * down ~= 2^128
		prod, err := vmath.MulDiv(up, down, *vmath.Q64, vmath.RoundDown)
		require.NoError(t, err)
		diff := new(uint256.Int)
		if prod.Lt(vmath.Q64) {
			diff.Sub(vmath.Q64, &prod)
		} else {
			diff.Sub(&prod, vmath.Q64)
		}
		assert.True(t, diff.Lt(uint256.NewInt(16)), "tick %d off by %s", tick, diff.Dec())
	}
}

func TestSqrtPriceOutOfRange(t *testing.T) {
	_, err := rangemath.New().SqrtPriceAtTick(state.MaxTick + 1)
	assert.ErrorIs(t, err, vaulterr.ErrTickOutOfBounds)
}

func TestBoundsAlignment(t *testing.T) {
	m := rangemath.New()

	b, err := m.Bounds(-13, 400, 8)
	require.NoError(t, err)
	assert.Equal(t, int32(-216), b.LowerTick)
	assert.Equal(t, int32(184), b.UpperTick)
	assert.Zero(t, b.LowerTick%8)
	assert.True(t, b.LowerSqrtPrice.Lt(&b.UpperSqrtPrice))

	_, err = m.Bounds(state.MaxTick-10, 400, 8)
	assert.ErrorIs(t, err, vaulterr.ErrTickOutOfBounds)
	assert.Equal(t, vaulterr.KindBounds, vaulterr.KindOf(err))
}

func TestAmountsRoundTrip(t *testing.T) {
	m := rangemath.New()
	b, err := m.Bounds(0, 800, 8)
	require.NoError(t, err)
	price, err := m.SqrtPriceAtTick(0)
	require.NoError(t, err)

	liquidity := vmath.U128(1_000_000_000)
	amounts, err := m.AmountsForLiquidity(liquidity, price, b, true)
	require.NoError(t, err)
	assert.NotZero(t, amounts.A)
	assert.NotZero(t, amounts.B)

	back, err := m.LiquidityForAmounts(amounts, price, b)
	require.NoError(t, err)
	lower := vmath.U128(999_000_000)
	upper := vmath.U128(1_001_000_000)
	assert.True(t, !back.Lt(&lower) && !back.Gt(&upper), "liquidity round trip %s", back.Dec())
}

func TestLiquidityForAmountsFitsRoundedUpDeposit(t *testing.T) {
	m := rangemath.New()
	b, err := m.Bounds(0, 400, 8)
	require.NoError(t, err)

	helds := []collab.TokenAmounts{
		{A: 4_000_000_000, B: 4_000_000_000},
		{A: 1_234_567, B: 89},
		{A: 7, B: 3_000_001},
		{A: 1, B: 1},
	}
	for _, tick := range []int32{-390, -250, -3, 0, 17, 296, 399} {
		price, err := m.SqrtPriceAtTick(tick)
		require.NoError(t, err)
		for _, held := range helds {
			l, err := m.LiquidityForAmounts(held, price, b)
			require.NoError(t, err)
			cost, err := m.AmountsForLiquidity(l, price, b, true)
			require.NoError(t, err)
			assert.LessOrEqual(t, cost.A, held.A, "tick %d held %+v liquidity %s", tick, held, l.Dec())
			assert.LessOrEqual(t, cost.B, held.B, "tick %d held %+v liquidity %s", tick, held, l.Dec())
		}
	}
}

func TestAmountsOutsideRange(t *testing.T) {
	m := rangemath.New()
	b, err := m.Bounds(0, 400, 8)
	require.NoError(t, err)

	below, err := m.SqrtPriceAtTick(-1_000)
	require.NoError(t, err)
	amounts, err := m.AmountsForLiquidity(vmath.U128(1_000_000), below, b, false)
	require.NoError(t, err)
	assert.NotZero(t, amounts.A)
	assert.Zero(t, amounts.B)

	above, err := m.SqrtPriceAtTick(1_000)
	require.NoError(t, err)
	amounts, err = m.AmountsForLiquidity(vmath.U128(1_000_000), above, b, false)
	require.NoError(t, err)
	assert.Zero(t, amounts.A)
	assert.NotZero(t, amounts.B)
}

func TestRebalanceSwapDirection(t *testing.T) {
	m := rangemath.New()
	b, err := m.Bounds(0, 800, 8)
	require.NoError(t, err)
	price, err := m.SqrtPriceAtTick(0)
	require.NoError(t, err)

	// all quote: buy base
	plan, err := m.RebalanceSwap(collab.TokenAmounts{B: 1_000_000}, price, b)
	require.NoError(t, err)
	assert.False(t, plan.AToB)
	assert.InDelta(t, 500_000, plan.Amount, 5_000)

	// all base: sell base
	plan, err = m.RebalanceSwap(collab.TokenAmounts{A: 1_000_000}, price, b)
	require.NoError(t, err)
	assert.True(t, plan.AToB)
	assert.InDelta(t, 500_000, plan.Amount, 5_000)
}
