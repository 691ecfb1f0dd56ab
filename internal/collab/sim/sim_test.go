package sim_test

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"HedgeVault/internal/collab"
	"HedgeVault/internal/collab/sim"
	"HedgeVault/internal/rangemath"
)

func TestMarketAccruesAndCollectsFees(t *testing.T) {
	ctx := context.Background()
	rm := rangemath.New()
	m, err := sim.NewMarket(rm, 0)
	require.NoError(t, err)

	bounds, err := rm.Bounds(0, 800, 8)
	require.NoError(t, err)
	id, err := m.OpenRangePosition(ctx, bounds)
	require.NoError(t, err)

	unlimited := collab.TokenAmounts{A: math.MaxUint64, B: math.MaxUint64}
	_, err = m.IncreaseLiquidity(ctx, id, *uint256.NewInt(1_000_000), unlimited)
	require.NoError(t, err)

	growth := new(uint256.Int).Lsh(uint256.NewInt(5), 64)
	m.AccrueFees(*growth, uint256.Int{})

	ga, gb, err := m.FeeGrowthTotals(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, *growth, ga)
	assert.True(t, gb.IsZero())

	fees, err := m.CollectFees(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(5_000_000), fees.A)
	assert.Zero(t, fees.B)

	// collected fees are not paid twice
	fees, err = m.CollectFees(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, fees.A)
}

func TestMarketFaultsAreOneShot(t *testing.T) {
	ctx := context.Background()
	m, err := sim.NewMarket(rangemath.New(), 0)
	require.NoError(t, err)

	boom := errors.New("rpc unavailable")
	m.FailNext("CurrentPrice", boom)
	_, err = m.CurrentPrice(ctx)
	assert.ErrorIs(t, err, boom)

	require.NoError(t, m.SetTick(120))
	price, err := m.CurrentPrice(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(120), price.Tick)
}

func TestLenderBorrowAndRepay(t *testing.T) {
	ctx := context.Background()
	l := sim.NewLender()

	require.NoError(t, l.Withdraw(ctx, collab.MarketBorrow, 400))
	l.AccrueInterest(collab.MarketBorrow, 12)
	owed, err := l.OutstandingPrincipalWithInterest(ctx, collab.MarketBorrow)
	require.NoError(t, err)
	assert.Equal(t, uint64(412), owed)

	assert.Error(t, l.Deposit(ctx, collab.MarketBorrow, 500))
	require.NoError(t, l.Deposit(ctx, collab.MarketBorrow, 412))

	assert.Error(t, l.Withdraw(ctx, collab.MarketCollateral, 1))
	require.NoError(t, l.Deposit(ctx, collab.MarketCollateral, 50))
	require.NoError(t, l.Withdraw(ctx, collab.MarketCollateral, 50))

	l.FailNext("RefreshCumulativeInterest", errors.New("stale oracle"))
	assert.Error(t, l.RefreshCumulativeInterest(ctx))
	require.NoError(t, l.RefreshCumulativeInterest(ctx))
	assert.Equal(t, 1, l.Refreshes())
}
