// Package collab declares the external collaborators the vault engine calls:
// the concentrated-liquidity market maker, the lender that holds collateral
// and extends the hedge loan, and the range-math functions. Every call is
// synchronous and its result is trusted only for the transaction that made it.
package collab

import (
	"context"

	"github.com/holiman/uint256"

	"HedgeVault/internal/state"
)

// Price is the market's current sqrt price in Q64.64 and its tick.
type Price struct {
	SqrtPrice uint256.Int
	Tick      int32
}

// TokenAmounts is a pair of token A (base) and token B (quote) amounts.
type TokenAmounts struct {
	A uint64 `json:"a"`
	B uint64 `json:"b"`
}

type SwapRequest struct {
	Amount         uint64
	AToB           bool
	ExactInput     bool
	SqrtPriceLimit uint256.Int // zero means no limit
}

type SwapResult struct {
	AmountIn  uint64
	AmountOut uint64
}

// SwapPlan is the swap that brings held amounts to the ratio a range needs.
type SwapPlan struct {
	Amount     uint64
	AToB       bool
	ExactInput bool
}

// MarketMaker is the concentrated-liquidity market the vault provides into.
type MarketMaker interface {
	CurrentPrice(ctx context.Context) (Price, error)
	CurrentLiquidity(ctx context.Context) (uint256.Int, error)
	// FeeGrowthTotals returns fee growth inside the position's range,
	// per unit of liquidity in Q64.64. Counters wrap at 128 bits.
	FeeGrowthTotals(ctx context.Context, positionID string) (uint256.Int, uint256.Int, error)
	CollectFees(ctx context.Context, positionID string) (TokenAmounts, error)
	Swap(ctx context.Context, req SwapRequest) (SwapResult, error)
	OpenRangePosition(ctx context.Context, bounds state.RangeBounds) (string, error)
	IncreaseLiquidity(ctx context.Context, positionID string, liquidity uint256.Int, max TokenAmounts) (TokenAmounts, error)
	DecreaseLiquidity(ctx context.Context, positionID string, liquidity uint256.Int, min TokenAmounts) (TokenAmounts, error)
}

// LendingMarket selects the lender market an operation applies to.
type LendingMarket int

const (
	// MarketCollateral holds deposited collateral and earns interest.
	MarketCollateral LendingMarket = iota
	// MarketBorrow is the token A loan. Withdraw borrows, Deposit repays.
	MarketBorrow
)

func (m LendingMarket) String() string {
	if m == MarketBorrow {
		return "borrow"
	}
	return "collateral"
}

// Lender is the margin service holding collateral and the hedge loan.
type Lender interface {
	Deposit(ctx context.Context, market LendingMarket, amount uint64) error
	Withdraw(ctx context.Context, market LendingMarket, amount uint64) error
	RefreshCumulativeInterest(ctx context.Context) error
	OutstandingPrincipalWithInterest(ctx context.Context, market LendingMarket) (uint64, error)
}

// RangeMath converts between ticks, prices, liquidity and token amounts.
// Implementations must be pure and deterministic.
type RangeMath interface {
	SqrtPriceAtTick(tick int32) (uint256.Int, error)
	// Bounds returns a range of width ticks around tick aligned to spacing.
	Bounds(tick, width, spacing int32) (state.RangeBounds, error)
	AmountsForLiquidity(liquidity, sqrtPrice uint256.Int, b state.RangeBounds, roundUp bool) (TokenAmounts, error)
	LiquidityForAmounts(amounts TokenAmounts, sqrtPrice uint256.Int, b state.RangeBounds) (uint256.Int, error)
	RebalanceSwap(held TokenAmounts, sqrtPrice uint256.Int, b state.RangeBounds) (SwapPlan, error)
}
