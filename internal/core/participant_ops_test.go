package core_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"HedgeVault/internal/collab"
	"HedgeVault/internal/core"
	"HedgeVault/internal/event"
	"HedgeVault/internal/vaulterr"
)

// ===========================================================================
// Liquidity
// ===========================================================================

func TestDepositAndWithdrawLiquidity(t *testing.T) {
	h := newHarness(t)
	p := h.participant()

	amounts, err := h.eng.DepositLiquidity(h.ctx, core.LiquidityRequest{
		Command:   h.cmd(p),
		Liquidity: *uint256.NewInt(2_000_000_000),
		Limit:     noLimit,
	})
	require.NoError(t, err)
	assert.NotZero(t, amounts.A)
	assert.NotZero(t, amounts.B)

	v := h.vaultState()
	ep, err := v.Epochs.CurrentMarket()
	require.NoError(t, err)
	assert.Equal(t, "2000000000", ep.Liquidity.Dec())
	assert.Equal(t, "2000000000", v.Accumulator.TotalLiquidity.Dec())
	held := h.market.PositionLiquidity(v.MarketPositionID)
	assert.Equal(t, "2000000000", held.Dec())

	out, err := h.eng.WithdrawLiquidity(h.ctx, core.LiquidityRequest{
		Command:   h.cmd(p),
		Liquidity: *uint256.NewInt(500_000_000),
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, out.A, amounts.A/4+1)
	assert.Equal(t, "1500000000", h.get(p).Liquidity.Dec())
	assert.Equal(t, "1500000000", h.vaultState().Accumulator.TotalLiquidity.Dec())
}

func TestLiquidityGuards(t *testing.T) {
	h := newHarness(t)
	p := h.participant()
	h.deposit(p, 1_000)

	_, err := h.eng.DepositLiquidity(h.ctx, core.LiquidityRequest{Command: h.cmd(p), Limit: noLimit})
	require.ErrorIs(t, err, vaulterr.ErrZeroAmount)

	_, err = h.eng.DepositLiquidity(h.ctx, core.LiquidityRequest{
		Command:   h.cmd(p),
		Liquidity: *uint256.NewInt(1_000_000_000),
		Limit:     collab.TokenAmounts{A: 1, B: 1},
	})
	require.ErrorIs(t, err, vaulterr.ErrSlippageExceeded)

	_, err = h.eng.WithdrawLiquidity(h.ctx, core.LiquidityRequest{
		Command:   h.cmd(p),
		Liquidity: *uint256.NewInt(1_001),
	})
	require.ErrorIs(t, err, vaulterr.ErrInsufficientBalance)

	_, err = h.eng.WithdrawLiquidity(h.ctx, core.LiquidityRequest{
		Command:   h.cmd(p),
		Liquidity: *uint256.NewInt(1_000),
		Limit:     collab.TokenAmounts{A: 1 << 40},
	})
	require.ErrorIs(t, err, vaulterr.ErrSlippageExceeded)
	assert.Equal(t, "1000", h.get(p).Liquidity.Dec())
}

// ===========================================================================
// Fees
// ===========================================================================

func TestFeesSplitByLiquidityShare(t *testing.T) {
	h := newHarness(t)
	p1 := h.participant()
	p2 := h.participant()
	h.deposit(p1, 3_000_000_000)
	h.deposit(p2, 1_000_000_000)

	h.market.AccrueFees(perUnit(1, 1_000), perUnit(1, 2_000))

	paid1, err := h.eng.ClaimFees(h.ctx, h.cmd(p1))
	require.NoError(t, err)
	assert.InDelta(t, 3_000_000, float64(paid1.A), 1)
	assert.InDelta(t, 1_500_000, float64(paid1.B), 1)

	paid2, err := h.eng.ClaimFees(h.ctx, h.cmd(p2))
	require.NoError(t, err)
	assert.InDelta(t, 1_000_000, float64(paid2.A), 1)
	assert.InDelta(t, 500_000, float64(paid2.B), 1)

	// The treasury keeps the rounding dust of what was collected.
	acc := h.vaultState().Accumulator
	assert.Equal(t, uint64(3_999_999)-paid1.A-paid2.A, acc.FeesCollectedA)

	_, err = h.eng.ClaimFees(h.ctx, h.cmd(p1))
	require.ErrorIs(t, err, vaulterr.ErrZeroAmount)
}

func TestFeesAccrueOnlyWhileHoldingLiquidity(t *testing.T) {
	h := newHarness(t)
	early := h.participant()
	h.deposit(early, 1_000_000_000)
	h.market.AccrueFees(perUnit(1, 1_000), uint256.Int{})

	late := h.participant()
	// The refresh inside the deposit folds the pending growth in before the
	// late participant's checkpoint is taken.
	h.deposit(late, 1_000_000_000)

	_, err := h.eng.ClaimFees(h.ctx, h.cmd(late))
	require.ErrorIs(t, err, vaulterr.ErrZeroAmount)

	paid, err := h.eng.ClaimFees(h.ctx, h.cmd(early))
	require.NoError(t, err)
	assert.InDelta(t, 1_000_000, float64(paid.A), 1)
}

func TestClaimFeesShortfallKeepsCollectedFees(t *testing.T) {
	h := newHarness(t)
	p := h.participant()
	h.deposit(p, 1_000_000_000)
	h.market.AccrueFees(perUnit(1, 1_000), uint256.Int{})
	unclaimed := h.get(p).FeeUnclaimedA
	h.drain()

	// The market maker pays out half of what the position earned.
	h.market.withhold(500_000)
	_, err := h.eng.ClaimFees(h.ctx, h.cmd(p))
	require.ErrorIs(t, err, vaulterr.ErrInsufficientBalance)

	collected := h.vaultState().Accumulator.FeesCollectedA
	assert.InDelta(t, 500_000, float64(collected), 1)
	assert.Equal(t, unclaimed, h.get(p).FeeUnclaimedA)

	outs := h.drain()
	require.Len(t, outs, 1)
	_, ok := outs[0].Event.(*event.VaultRefreshed)
	assert.True(t, ok)
	assert.Nil(t, outs[0].Participant)
	assert.Nil(t, outs[0].Envelope.ParticipantID)
}

// ===========================================================================
// Hedge
// ===========================================================================

func TestIncreaseHedgeRequiresOpenHedge(t *testing.T) {
	h := newHarness(t)
	p := h.participant()
	_, err := h.eng.IncreaseHedge(h.ctx, core.HedgeRequest{Command: h.cmd(p), Collateral: 10, Borrow: 1})
	require.ErrorIs(t, err, vaulterr.ErrNoOpenEpoch)

	h.openHedge()
	_, err = h.eng.IncreaseHedge(h.ctx, core.HedgeRequest{Command: h.cmd(p), Collateral: 10})
	require.ErrorIs(t, err, vaulterr.ErrZeroAmount)
}

func TestIncreaseHedgeTracksVaultAndParticipant(t *testing.T) {
	h := newHarness(t)
	h.openHedge()
	p1 := h.participant()
	p2 := h.participant()

	notional, err := h.eng.IncreaseHedge(h.ctx, core.HedgeRequest{Command: h.cmd(p1), Collateral: 1_000_000, Borrow: 75_000})
	require.NoError(t, err)
	assert.Equal(t, uint64(75_000), notional) // tick 0 prices 1:1
	h.hedge(p2, 500_000, 25_000)

	v := h.vaultState()
	slot, err := v.Epochs.CurrentSlot()
	require.NoError(t, err)
	assert.Equal(t, uint64(100_000), slot.BorrowedAmount)
	assert.Equal(t, uint64(100_000), slot.BorrowedNotional)
	assert.Equal(t, uint64(1_500_000), v.Accumulator.CollateralAmount)

	assert.Equal(t, uint64(1_500_000), h.outstanding(collab.MarketCollateral))
	assert.Equal(t, uint64(100_000), h.outstanding(collab.MarketBorrow))

	got := h.get(p1)
	assert.Equal(t, uint64(1_000_000), got.CollateralAmount)
	assert.Equal(t, uint64(75_000), got.BorrowAmount)
	assert.Equal(t, uint64(75_000), got.BorrowNotional)
}

func TestDecreaseHedgeReleasesProportionally(t *testing.T) {
	h := newHarness(t)
	h.openHedge()
	p := h.participant()
	h.hedge(p, 1_000_000, 100_000)

	rec, err := h.eng.DecreaseHedge(h.ctx, core.HedgeRequest{Command: h.cmd(p), Borrow: 40_000})
	require.NoError(t, err)
	assert.Equal(t, core.UnhedgeReceipt{
		CollateralReturned: 400_000,
		NotionalReleased:   40_000,
		NotionalReturned:   0,
		InterestRepaid:     0,
	}, rec)

	got := h.get(p)
	assert.Equal(t, uint64(600_000), got.CollateralAmount)
	assert.Equal(t, uint64(60_000), got.BorrowAmount)
	assert.Equal(t, uint64(60_000), got.BorrowNotional)
	assert.Equal(t, uint64(600_000), h.outstanding(collab.MarketCollateral))
	assert.Equal(t, uint64(60_000), h.outstanding(collab.MarketBorrow))

	_, err = h.eng.DecreaseHedge(h.ctx, core.HedgeRequest{Command: h.cmd(p), Borrow: 60_001})
	require.ErrorIs(t, err, vaulterr.ErrInsufficientBalance)
}

func TestDecreaseHedgeAfterPriceDropReturnsNotional(t *testing.T) {
	h := newHarness(t)
	h.openHedge()
	p := h.participant()
	h.hedge(p, 1_000_000, 100_000)

	// Within the hedge tick range, so no rebalance is due.
	h.setTick(-20)
	rec, err := h.eng.DecreaseHedge(h.ctx, core.HedgeRequest{Command: h.cmd(p), Borrow: 100_000})
	require.NoError(t, err)
	assert.Equal(t, uint64(100_000), rec.NotionalReleased)
	assert.Greater(t, rec.NotionalReturned, uint64(0))
	assert.True(t, h.get(p).IsEmpty())
}

func TestDecreaseHedgeCannotCoverInterest(t *testing.T) {
	h := newHarness(t)
	h.openHedge()
	p := h.participant()
	h.hedge(p, 1_000_000, 100_000)
	h.lender.AccrueInterest(collab.MarketBorrow, 1_000)

	_, err := h.eng.DecreaseHedge(h.ctx, core.HedgeRequest{Command: h.cmd(p), Borrow: 100_000})
	require.ErrorIs(t, err, vaulterr.ErrInsufficientNotional)
	assert.Equal(t, uint64(100_000), h.get(p).BorrowAmount)
	assert.Equal(t, uint64(101_000), h.outstanding(collab.MarketBorrow))
}

func TestFailedIncreaseHedgeReturnsCollateralAndBorrow(t *testing.T) {
	h := newHarness(t)
	h.openHedge()
	p := h.participant()
	h.hedge(p, 1_000_000, 50_000)

	boom := errors.New("pool unavailable")
	h.market.FailNext("Swap", boom)
	_, err := h.eng.IncreaseHedge(h.ctx, core.HedgeRequest{Command: h.cmd(p), Collateral: 500_000, Borrow: 25_000})
	require.ErrorIs(t, err, boom)

	assert.Equal(t, uint64(1_000_000), h.outstanding(collab.MarketCollateral))
	assert.Equal(t, uint64(50_000), h.outstanding(collab.MarketBorrow))
	got := h.get(p)
	assert.Equal(t, uint64(1_000_000), got.CollateralAmount)
	assert.Equal(t, uint64(50_000), got.BorrowAmount)
}

func TestFailedDecreaseHedgeRestoresBorrow(t *testing.T) {
	h := newHarness(t)
	h.openHedge()
	p := h.participant()
	h.hedge(p, 1_000_000, 100_000)
	swaps := len(h.market.Swaps())

	boom := errors.New("lender unavailable")
	h.lender.FailNext("Withdraw", boom)
	_, err := h.eng.DecreaseHedge(h.ctx, core.HedgeRequest{Command: h.cmd(p), Borrow: 40_000})
	require.ErrorIs(t, err, boom)

	assert.Equal(t, uint64(1_000_000), h.outstanding(collab.MarketCollateral))
	assert.Equal(t, uint64(100_000), h.outstanding(collab.MarketBorrow))
	assert.Equal(t, uint64(100_000), h.get(p).BorrowAmount)
	// Bought back, then sold again.
	assert.Len(t, h.market.Swaps(), swaps+2)

	_, err = h.eng.DecreaseHedge(h.ctx, core.HedgeRequest{Command: h.cmd(p), Borrow: 40_000})
	require.NoError(t, err)
}

// ===========================================================================
// Interest
// ===========================================================================

func TestCollateralInterestSplitByCollateral(t *testing.T) {
	h := newHarness(t)
	h.openHedge()
	p1 := h.participant()
	p2 := h.participant()
	h.hedge(p1, 600_000, 10_000)
	h.hedge(p2, 200_000, 5_000)

	h.lender.AccrueInterest(collab.MarketCollateral, 800)

	got1, err := h.eng.ClaimCollateralInterest(h.ctx, h.cmd(p1))
	require.NoError(t, err)
	assert.InDelta(t, 600, float64(got1), 1)

	got2, err := h.eng.ClaimCollateralInterest(h.ctx, h.cmd(p2))
	require.NoError(t, err)
	assert.InDelta(t, 200, float64(got2), 1)

	assert.Equal(t, uint64(800_800)-got1-got2, h.outstanding(collab.MarketCollateral))

	_, err = h.eng.ClaimCollateralInterest(h.ctx, h.cmd(p1))
	require.ErrorIs(t, err, vaulterr.ErrZeroAmount)

	// Principal is untouched by the claims.
	assert.Equal(t, uint64(800_000), h.vaultState().Accumulator.CollateralAmount)
}

func TestCollateralInterestNotCreditedToLateDepositor(t *testing.T) {
	h := newHarness(t)
	h.openHedge()
	p1 := h.participant()
	h.hedge(p1, 500_000, 10_000)
	h.lender.AccrueInterest(collab.MarketCollateral, 500)

	p2 := h.participant()
	h.hedge(p2, 500_000, 10_000)

	_, err := h.eng.ClaimCollateralInterest(h.ctx, h.cmd(p2))
	require.ErrorIs(t, err, vaulterr.ErrZeroAmount)

	got, err := h.eng.ClaimCollateralInterest(h.ctx, h.cmd(p1))
	require.NoError(t, err)
	assert.InDelta(t, 500, float64(got), 1)
}

func TestRepayBorrowInterestThenUnhedge(t *testing.T) {
	h := newHarness(t)
	h.openHedge()
	p := h.participant()
	h.hedge(p, 1_000_000, 100_000)
	h.lender.AccrueInterest(collab.MarketBorrow, 1_000)

	repaid, err := h.eng.RepayBorrowInterest(h.ctx, h.cmd(p))
	require.NoError(t, err)
	assert.InDelta(t, 1_000, float64(repaid), 1)
	assert.Zero(t, h.get(p).BorrowInterestUnclaimed)
	assert.Equal(t, uint64(101_000)-repaid, h.outstanding(collab.MarketBorrow))

	_, err = h.eng.RepayBorrowInterest(h.ctx, h.cmd(p))
	require.ErrorIs(t, err, vaulterr.ErrZeroAmount)

	rec, err := h.eng.DecreaseHedge(h.ctx, core.HedgeRequest{Command: h.cmd(p), Borrow: 100_000})
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), rec.CollateralReturned)
	assert.Zero(t, rec.InterestRepaid)
	assert.True(t, h.get(p).IsEmpty())
}

// ===========================================================================
// Lifecycle
// ===========================================================================

func TestCloseParticipant(t *testing.T) {
	h := newHarness(t)
	p := h.participant()
	h.deposit(p, 1_000)

	err := h.eng.CloseParticipant(h.ctx, h.cmd(p))
	require.ErrorIs(t, err, vaulterr.ErrParticipantNotEmpty)

	_, err = h.eng.WithdrawLiquidity(h.ctx, core.LiquidityRequest{Command: h.cmd(p), Liquidity: *uint256.NewInt(1_000)})
	require.NoError(t, err)
	require.NoError(t, h.eng.CloseParticipant(h.ctx, h.cmd(p)))

	_, ok := h.eng.Participant(p)
	assert.False(t, ok)
	assert.Empty(t, h.eng.Participants(h.vault))

	outs := h.drain()
	last := outs[len(outs)-1]
	assert.True(t, last.ParticipantRemoved)
	require.NotNil(t, last.Envelope.ParticipantID)
	assert.Equal(t, p, *last.Envelope.ParticipantID)

	_, err = h.eng.SyncAll(h.ctx, h.cmd(p))
	require.ErrorIs(t, err, vaulterr.ErrUnknownParticipant)
}

func TestNewParticipantStartsSynced(t *testing.T) {
	h := newHarness(t)
	h.openHedge()
	early := h.participant()
	h.deposit(early, 1_000_000_000)
	h.hedge(early, 1_000_000, 100_000)

	h.setTick(300)
	_, err := h.eng.RebalanceMarket(h.ctx, h.cmd(uuid.Nil))
	require.NoError(t, err)

	late := h.participant()
	got := h.get(late)
	assert.Equal(t, uint64(1), got.MarketEpochCursor)
	res := h.syncAll(late)
	assert.Zero(t, res.MarketEpochsApplied)
	assert.True(t, res.Synced)
}
