package state_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vmath "HedgeVault/internal/math"
	"HedgeVault/internal/state"
	"HedgeVault/internal/vaulterr"
)

func mustOpenMarket(t *testing.T, s *state.EpochStore, liquidity uint64) uint64 {
	t.Helper()
	id, err := s.OpenMarketEpoch(state.MarketEpoch{Liquidity: vmath.U128(liquidity)})
	require.NoError(t, err)
	return id
}

// ===========================================================================
// Market epochs
// ===========================================================================

func TestMarketEpochLifecycle(t *testing.T) {
	s := state.NewEpochStore(uuid.New(), 4)

	_, ok := s.CurrentMarketEpoch()
	assert.False(t, ok, "fresh store has no current epoch")

	id := mustOpenMarket(t, s, 10_000)
	assert.Equal(t, uint64(0), id)

	cur, ok := s.CurrentMarketEpoch()
	require.True(t, ok)
	assert.Equal(t, uint64(0), cur)

	_, err := s.OpenMarketEpoch(state.MarketEpoch{})
	assert.ErrorIs(t, err, vaulterr.ErrPositionAlreadyOpen)

	require.NoError(t, s.CloseCurrentMarketEpoch(vmath.DiffBetween(vmath.U128(9_000), vmath.U128(10_000))))
	_, ok = s.CurrentMarketEpoch()
	assert.False(t, ok)

	id = mustOpenMarket(t, s, 9_000)
	assert.Equal(t, uint64(1), id)

	e0, ok := s.MarketEpoch(0)
	require.True(t, ok)
	assert.True(t, e0.Closed)
	assert.Equal(t, "-1000", e0.LiquidityDiff.String())

	since := s.MarketEpochsSince(0)
	require.Len(t, since, 2)
	assert.Equal(t, uint64(1), since[1].ID)
	assert.Nil(t, s.MarketEpochsSince(5))
}

func TestCloseWithoutOpenEpoch(t *testing.T) {
	s := state.NewEpochStore(uuid.New(), 4)
	err := s.CloseCurrentMarketEpoch(vmath.Diff128{})
	assert.ErrorIs(t, err, vaulterr.ErrNoOpenEpoch)
	assert.Equal(t, vaulterr.KindState, vaulterr.KindOf(err))
}

func TestCloseRejectsDiffBelowZero(t *testing.T) {
	s := state.NewEpochStore(uuid.New(), 4)
	mustOpenMarket(t, s, 100)
	err := s.CloseCurrentMarketEpoch(vmath.Diff128{Magnitude: vmath.U128(101), Negative: true})
	assert.ErrorIs(t, err, vaulterr.ErrLiquidityDiffTooHigh)
}

// ===========================================================================
// Hedge epochs and slot rollover
// ===========================================================================

func TestSlotExhaustionRollsOver(t *testing.T) {
	s := state.NewEpochStore(uuid.New(), 3)

	_, err := s.OpenHedgeEpoch(state.BorrowSlot{BorrowedAmount: 100, BorrowedNotional: 50})
	require.NoError(t, err)

	for want := 1; want < 3; want++ {
		require.NoError(t, s.CloseCurrentSlot(10, 5))
		slot, ok := s.AdvanceSlot(state.BorrowSlot{BorrowedAmount: 100, BorrowedNotional: 50})
		require.True(t, ok)
		assert.Equal(t, want, slot)
	}

	require.NoError(t, s.CloseCurrentSlot(-10, -5))
	_, ok := s.AdvanceSlot(state.BorrowSlot{})
	assert.False(t, ok, "full segment signals rollover")

	_, _, ok = s.CurrentHedge()
	assert.False(t, ok)

	id, err := s.OpenHedgeEpoch(state.BorrowSlot{BorrowedAmount: 90})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)

	hid, slot, ok := s.CurrentHedge()
	require.True(t, ok)
	assert.Equal(t, uint64(1), hid)
	assert.Equal(t, 0, slot)

	h0, _ := s.HedgeEpoch(0)
	assert.True(t, h0.Closed)
	assert.Len(t, h0.Slots, 3)
	assert.Equal(t, int64(-10), h0.Slots[2].BorrowedAmountDiff)
}

func TestAdvanceRequiresClosedSlot(t *testing.T) {
	s := state.NewEpochStore(uuid.New(), 3)
	_, err := s.OpenHedgeEpoch(state.BorrowSlot{})
	require.NoError(t, err)

	_, ok := s.AdvanceSlot(state.BorrowSlot{})
	assert.False(t, ok)
	_, slot, _ := s.CurrentHedge()
	assert.Equal(t, 0, slot)
}

func TestCloseSlotRejectsNegativeBorrow(t *testing.T) {
	s := state.NewEpochStore(uuid.New(), 3)
	_, err := s.OpenHedgeEpoch(state.BorrowSlot{BorrowedAmount: 5})
	require.NoError(t, err)
	err = s.CloseCurrentSlot(-6, 0)
	assert.ErrorIs(t, err, vaulterr.ErrLiquidityDiffTooHigh)
}

// ===========================================================================
// Clone isolation
// ===========================================================================

func TestCloneIsolatesCurrentEpochs(t *testing.T) {
	s := state.NewEpochStore(uuid.New(), 3)
	mustOpenMarket(t, s, 1_000)
	_, err := s.OpenHedgeEpoch(state.BorrowSlot{BorrowedAmount: 50})
	require.NoError(t, err)

	c := s.Clone()
	require.NoError(t, c.CloseCurrentMarketEpoch(vmath.Diff128{}))
	require.NoError(t, c.CloseCurrentSlot(0, 0))
	_, ok := c.AdvanceSlot(state.BorrowSlot{BorrowedAmount: 50})
	require.True(t, ok)
	_, err = c.OpenMarketEpoch(state.MarketEpoch{})
	require.NoError(t, err)

	_, ok = s.CurrentMarketEpoch()
	assert.True(t, ok, "original epoch must stay open")
	e0, _ := s.MarketEpoch(0)
	assert.False(t, e0.Closed)
	assert.Equal(t, 1, s.MarketEpochCount())

	_, slot, _ := s.CurrentHedge()
	assert.Equal(t, 0, slot)
	h0, _ := s.HedgeEpoch(0)
	assert.Len(t, h0.Slots, 1)
	assert.False(t, h0.Slots[0].Closed)
}

func TestRestoreEpochStoreValidatesOrder(t *testing.T) {
	vaultID := uuid.New()
	_, err := state.RestoreEpochStore(vaultID, 3, []*state.MarketEpoch{
		{VaultID: vaultID, ID: 1},
	}, nil)
	assert.Error(t, err)

	s, err := state.RestoreEpochStore(vaultID, 3, []*state.MarketEpoch{
		{VaultID: vaultID, ID: 0, Closed: true},
		{VaultID: vaultID, ID: 1},
	}, nil)
	require.NoError(t, err)
	id, ok := s.CurrentMarketEpoch()
	assert.True(t, ok)
	assert.Equal(t, uint64(1), id)
}
