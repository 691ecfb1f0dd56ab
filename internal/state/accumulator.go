package state

import (
	"github.com/holiman/uint256"

	vmath "HedgeVault/internal/math"
	"HedgeVault/internal/vaulterr"
)

// GrowthAccumulator holds the vault-wide running totals.
//
// Fee growth is per unit of liquidity in Q64.64 and only moves forward
// (mod 2^128). Collateral interest growth satisfies
//
//	CollateralInterestGrowth = InterestPerUnit(CollateralAmount, fresh) + Checkpoint
//
// where fresh is the lender-side unrealized interest not yet folded into the
// checkpoint: (outstanding - CollateralAmount) - CollateralInterestBaseline.
type GrowthAccumulator struct {
	TotalLiquidity uint256.Int

	FeeGrowthA uint256.Int
	FeeGrowthB uint256.Int

	// Last fee-growth-inside reading of the live range position.
	PositionFeeCheckpointA uint256.Int
	PositionFeeCheckpointB uint256.Int

	// Fees collected from the market maker and not yet paid out.
	FeesCollectedA uint64
	FeesCollectedB uint64

	CollateralAmount                   uint64
	CollateralInterestGrowth           uint256.Int
	CollateralInterestGrowthCheckpoint uint256.Int
	CollateralInterestBaseline         uint64

	HedgeAdjustmentSqrtPrice uint256.Int
	HedgeAdjustmentTick      int32
}

// AccrueFees folds a new fee-growth-inside reading of the live position into
// the vault-wide growth and returns the per-unit deltas.
func (a *GrowthAccumulator) AccrueFees(insideA, insideB uint256.Int) (uint256.Int, uint256.Int) {
	dA := vmath.WrappingSub128(insideA, a.PositionFeeCheckpointA)
	dB := vmath.WrappingSub128(insideB, a.PositionFeeCheckpointB)
	a.FeeGrowthA = vmath.WrappingAdd128(a.FeeGrowthA, dA)
	a.FeeGrowthB = vmath.WrappingAdd128(a.FeeGrowthB, dB)
	a.PositionFeeCheckpointA = insideA
	a.PositionFeeCheckpointB = insideB
	return dA, dB
}

// ResetPositionFeeCheckpoint starts tracking a freshly opened range position.
func (a *GrowthAccumulator) ResetPositionFeeCheckpoint(insideA, insideB uint256.Int) {
	a.PositionFeeCheckpointA = insideA
	a.PositionFeeCheckpointB = insideB
}

// CollectFees records fees withdrawn from the market maker.
func (a *GrowthAccumulator) CollectFees(amountA, amountB uint64) error {
	if a.FeesCollectedA+amountA < a.FeesCollectedA || a.FeesCollectedB+amountB < a.FeesCollectedB {
		return vaulterr.Wrap(vaulterr.ErrMathOverflow, "collected fees")
	}
	a.FeesCollectedA += amountA
	a.FeesCollectedB += amountB
	return nil
}

// PayFees removes a participant payout from the collected fees.
func (a *GrowthAccumulator) PayFees(amountA, amountB uint64) error {
	if amountA > a.FeesCollectedA || amountB > a.FeesCollectedB {
		return vaulterr.Wrap(vaulterr.ErrInsufficientBalance,
			"fee payout %d/%d exceeds collected %d/%d", amountA, amountB, a.FeesCollectedA, a.FeesCollectedB)
	}
	a.FeesCollectedA -= amountA
	a.FeesCollectedB -= amountB
	return nil
}

// RefreshCollateralInterest recomputes collateral interest growth from the
// lender's outstanding collateral balance including interest.
func (a *GrowthAccumulator) RefreshCollateralInterest(outstanding uint64) error {
	g, err := interestGrowth(a.CollateralInterestGrowthCheckpoint, a.CollateralAmount, a.CollateralInterestBaseline, outstanding)
	if err != nil {
		return err
	}
	a.CollateralInterestGrowth = g
	return nil
}

// LockCollateralInterest refreshes growth and folds it into the checkpoint so
// that the principal can change without disturbing accrued growth.
func (a *GrowthAccumulator) LockCollateralInterest(outstanding uint64) error {
	if err := a.RefreshCollateralInterest(outstanding); err != nil {
		return err
	}
	a.CollateralInterestGrowthCheckpoint = a.CollateralInterestGrowth
	a.CollateralInterestBaseline = outstanding - a.CollateralAmount
	return nil
}

// ReleaseCollateralInterest accounts for interest paid out of the lender.
// Must follow LockCollateralInterest in the same transaction.
func (a *GrowthAccumulator) ReleaseCollateralInterest(amount uint64) error {
	if amount > a.CollateralInterestBaseline {
		return vaulterr.Wrap(vaulterr.ErrInsufficientBalance,
			"interest payout %d exceeds unrealized %d", amount, a.CollateralInterestBaseline)
	}
	a.CollateralInterestBaseline -= amount
	return nil
}

// interestGrowth is checkpoint + InterestPerUnit(principal, fresh).
func interestGrowth(checkpoint uint256.Int, principal, baseline, outstanding uint64) (uint256.Int, error) {
	if outstanding < principal {
		return checkpoint, vaulterr.Wrap(vaulterr.ErrMathOverflow,
			"outstanding %d below principal %d", outstanding, principal)
	}
	unrealized := outstanding - principal
	if unrealized < baseline {
		return checkpoint, vaulterr.Wrap(vaulterr.ErrMathOverflow,
			"unrealized interest %d below baseline %d", unrealized, baseline)
	}
	perUnit, err := vmath.InterestPerUnit(principal, unrealized-baseline)
	if err != nil {
		return checkpoint, err
	}
	return vmath.CheckedAdd128(checkpoint, perUnit)
}
