package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"HedgeVault/internal/collab"
	"HedgeVault/internal/event"
	vmath "HedgeVault/internal/math"
	"HedgeVault/internal/state"
	"HedgeVault/internal/vaulterr"
)

// exposureUnit is the liquidity used to measure base-token exposure per
// unit of liquidity. Large enough for precision, small enough that the
// amount fits in 64 bits over any valid range.
var exposureUnit = uint256.NewInt(1 << 40)

// MarketRebalance describes a committed market rebalance.
type MarketRebalance struct {
	ClosedEpochID   uint64
	OpenedEpochID   uint64
	Above           bool
	LiquidityBefore uint256.Int
	LiquidityAfter  uint256.Int
	Diff            vmath.Diff128
	Swap            collab.SwapResult
	SwapAToB        bool
	Position        state.RangeBounds
}

// RebalanceMarket moves the vault's liquidity into a new range centered on
// the current price once the price has left the working range. The old
// epoch is closed with diff = new liquidity - old liquidity and a new epoch
// opens holding the new liquidity.
//
// A failure after liquidity has left the old position puts what is held
// back into it and commits that as an epoch on the old range, so epoch
// liquidity keeps matching the position. The failure is still returned.
func (e *Engine) RebalanceMarket(ctx context.Context, cmd Command) (res MarketRebalance, err error) {
	start := time.Now()
	defer func() { e.observe(event.EventTypeMarketRebalanced, start, err) }()

	t, err := e.begin(event.EventTypeMarketRebalanced, cmd, scopeVault)
	if err != nil {
		return res, err
	}
	defer e.release(t)
	v := t.vault
	mm := t.collab.Market
	ep, err := v.Epochs.CurrentMarket()
	if err != nil {
		return res, err
	}

	price, err := mm.CurrentPrice(ctx)
	if err != nil {
		return res, fmt.Errorf("current price: %w", err)
	}
	if ep.Working.Contains(price.SqrtPrice) {
		return res, vaulterr.Wrap(vaulterr.ErrPriceNotOutOfBounds,
			"tick %d inside working range [%d, %d)", price.Tick, ep.Working.LowerTick, ep.Working.UpperTick)
	}
	res.Above = ep.Working.Above(price.SqrtPrice)

	if _, err := e.refresh(ctx, t); err != nil {
		return res, err
	}
	position, working, err := e.ranges(v.Config, price.Tick)
	if err != nil {
		return res, err
	}
	res.Position = position
	// Left empty if the rebalance fails.
	posID, err := mm.OpenRangePosition(ctx, position)
	if err != nil {
		return res, fmt.Errorf("open range position: %w", err)
	}

	res.LiquidityBefore = ep.Liquidity
	mv := &marketMove{
		oldID:       v.MarketPositionID,
		newID:       posID,
		old:         *ep,
		checkpointA: v.Accumulator.PositionFeeCheckpointA,
		checkpointB: v.Accumulator.PositionFeeCheckpointB,
	}
	if !ep.Liquidity.IsZero() {
		mv.held, err = mm.DecreaseLiquidity(ctx, mv.oldID, ep.Liquidity, collab.TokenAmounts{})
		if err != nil {
			return res, fmt.Errorf("withdraw liquidity: %w", err)
		}
		mv.withdrawn = true
	}

	middle, err := e.moveMarket(ctx, t, mv, &res, price)
	if err != nil {
		return res, e.restoreMarket(ctx, t, mv, res.Above, err)
	}
	res.Diff = vmath.DiffBetween(res.LiquidityAfter, res.LiquidityBefore)
	res.ClosedEpochID = mv.old.ID
	res.OpenedEpochID, err = rollMarket(v, res.Diff, state.MarketEpoch{
		Liquidity:       res.LiquidityAfter,
		FeeGrowthA:      v.Accumulator.FeeGrowthA,
		FeeGrowthB:      v.Accumulator.FeeGrowthB,
		Position:        position,
		Working:         working,
		MiddleSqrtPrice: middle,
	})
	if err != nil {
		return res, e.restoreMarket(ctx, t, mv, res.Above, err)
	}
	v.MarketPositionID = posID

	evt := &event.MarketRebalanced{
		VaultRef:        event.VaultRef{Vault: v.ID},
		ClosedEpochID:   res.ClosedEpochID,
		OpenedEpochID:   res.OpenedEpochID,
		Above:           res.Above,
		LiquidityBefore: res.LiquidityBefore.Dec(),
		LiquidityAfter:  res.LiquidityAfter.Dec(),
		LiquidityDiff:   res.Diff.String(),
		SwapAmountIn:    res.Swap.AmountIn,
		SwapAmountOut:   res.Swap.AmountOut,
		SwapAToB:        res.SwapAToB,
		PositionID:      posID,
		LowerTick:       position.LowerTick,
		UpperTick:       position.UpperTick,
	}
	if err := e.commit(t, evt); err != nil {
		return res, err
	}
	if e.metrics != nil {
		e.metrics.Rebalances.WithLabelValues(v.ID.String(), "market", side(res.Above)).Inc()
		e.metrics.EpochsOpened.WithLabelValues(v.ID.String(), "market").Inc()
		e.metrics.VaultLiquidity.WithLabelValues(v.ID.String()).Set(res.LiquidityAfter.Float64())
	}
	e.logger.Info().
		Str("vault_id", v.ID.String()).
		Uint64("closed_epoch", res.ClosedEpochID).
		Uint64("opened_epoch", res.OpenedEpochID).
		Bool("above", res.Above).
		Str("liquidity_diff", res.Diff.String()).
		Msg("market rebalanced")
	return res, nil
}

// marketMove tracks tokens and positions while liquidity moves between
// ranges, so a failed rebalance knows what to put back.
type marketMove struct {
	oldID string
	newID string
	old   state.MarketEpoch

	checkpointA uint256.Int
	checkpointB uint256.Int

	withdrawn bool
	held      collab.TokenAmounts
	swapped   bool
	swap      collab.SwapResult
	aToB      bool
	deposited uint256.Int
}

// moveMarket collects the old position's fees, swaps held tokens into the
// new range's ratio and deposits them. It returns the price the new
// position was sized at.
func (e *Engine) moveMarket(ctx context.Context, t *txn, mv *marketMove, res *MarketRebalance, price collab.Price) (uint256.Int, error) {
	var middle uint256.Int
	v, mm := t.vault, t.collab.Market

	fees, err := mm.CollectFees(ctx, mv.oldID)
	if err != nil {
		return middle, fmt.Errorf("collect fees: %w", err)
	}
	if err := v.Accumulator.CollectFees(fees.A, fees.B); err != nil {
		return middle, err
	}

	if mv.withdrawn {
		plan, err := e.rm.RebalanceSwap(mv.held, price.SqrtPrice, res.Position)
		if err != nil {
			return middle, err
		}
		if plan.Amount > 0 {
			// Above the range the position is all quote: buy base. Below, sell base.
			if plan.AToB == res.Above {
				return middle, vaulterr.Wrap(vaulterr.ErrUnexpectedSwap, "above=%t a_to_b=%t", res.Above, plan.AToB)
			}
			swap, err := mm.Swap(ctx, collab.SwapRequest{Amount: plan.Amount, AToB: plan.AToB, ExactInput: plan.ExactInput})
			if err != nil {
				return middle, fmt.Errorf("swap: %w", err)
			}
			held, err := applySwap(mv.held, swap, plan.AToB)
			if err != nil {
				return middle, err
			}
			mv.held, mv.swapped, mv.swap, mv.aToB = held, true, swap, plan.AToB
			res.Swap = swap
			res.SwapAToB = plan.AToB
		}
	}

	// The swap moved the pool; size the new position at the price after it.
	after, err := mm.CurrentPrice(ctx)
	if err != nil {
		return middle, fmt.Errorf("current price: %w", err)
	}
	middle = after.SqrtPrice
	if mv.withdrawn {
		if res.LiquidityAfter, err = e.rm.LiquidityForAmounts(mv.held, after.SqrtPrice, res.Position); err != nil {
			return middle, err
		}
	}
	if !res.LiquidityAfter.IsZero() {
		paid, err := mm.IncreaseLiquidity(ctx, mv.newID, res.LiquidityAfter, mv.held)
		if err != nil {
			return middle, fmt.Errorf("deposit liquidity: %w", err)
		}
		mv.deposited = res.LiquidityAfter
		mv.held = spend(mv.held, paid)
	}
	a, b, err := mm.FeeGrowthTotals(ctx, mv.newID)
	if err != nil {
		return middle, fmt.Errorf("fee growth: %w", err)
	}
	v.Accumulator.ResetPositionFeeCheckpoint(a, b)
	v.Accumulator.TotalLiquidity = res.LiquidityAfter
	return middle, nil
}

// restoreMarket returns a failed rebalance's liquidity to the old position
// and commits an epoch on the old range holding it. Fees collected along
// the way are kept.
func (e *Engine) restoreMarket(ctx context.Context, t *txn, mv *marketMove, above bool, cause error) error {
	ctx = context.WithoutCancel(ctx)
	v := t.vault
	restored, err := e.returnLiquidity(ctx, t.collab.Market, mv)
	if err != nil {
		e.logger.Error().Err(err).AnErr("cause", cause).
			Str("vault_id", v.ID.String()).
			Str("position_id", mv.oldID).
			Uint64("held_a", mv.held.A).
			Uint64("held_b", mv.held.B).
			Msg("rebalance failed and liquidity was not returned, manual recovery required")
		return errors.Join(cause, err)
	}

	v.Accumulator.ResetPositionFeeCheckpoint(mv.checkpointA, mv.checkpointB)
	v.Accumulator.TotalLiquidity = restored
	v.MarketPositionID = mv.oldID
	diff := vmath.DiffBetween(restored, mv.old.Liquidity)
	opened, err := rollMarket(v, diff, state.MarketEpoch{
		Liquidity:       restored,
		FeeGrowthA:      v.Accumulator.FeeGrowthA,
		FeeGrowthB:      v.Accumulator.FeeGrowthB,
		Position:        mv.old.Position,
		Working:         mv.old.Working,
		MiddleSqrtPrice: mv.old.MiddleSqrtPrice,
	})
	if err != nil {
		return errors.Join(cause, err)
	}

	// The rebalance itself did not happen, so its key stays usable.
	t.cmd.IdempotencyKey = ""
	evt := &event.MarketRebalanced{
		VaultRef:        event.VaultRef{Vault: v.ID},
		ClosedEpochID:   mv.old.ID,
		OpenedEpochID:   opened,
		Above:           above,
		LiquidityBefore: mv.old.Liquidity.Dec(),
		LiquidityAfter:  restored.Dec(),
		LiquidityDiff:   diff.String(),
		PositionID:      mv.oldID,
		LowerTick:       mv.old.Position.LowerTick,
		UpperTick:       mv.old.Position.UpperTick,
		Restored:        true,
	}
	if err := e.commit(t, evt); err != nil {
		return errors.Join(cause, err)
	}
	e.logger.Warn().Err(cause).
		Str("vault_id", v.ID.String()).
		Uint64("opened_epoch", opened).
		Str("liquidity_before", mv.old.Liquidity.Dec()).
		Str("liquidity_restored", restored.Dec()).
		Msg("market rebalance failed, liquidity returned to the old range")
	return fmt.Errorf("rebalance abandoned, liquidity returned to position %s: %w", mv.oldID, cause)
}

// returnLiquidity unwinds the new position and the swap, then deposits what
// is held into the old position and returns the liquidity it now holds.
func (e *Engine) returnLiquidity(ctx context.Context, mm collab.MarketMaker, mv *marketMove) (uint256.Int, error) {
	var restored uint256.Int
	if !mv.deposited.IsZero() {
		got, err := mm.DecreaseLiquidity(ctx, mv.newID, mv.deposited, collab.TokenAmounts{})
		if err != nil {
			return restored, fmt.Errorf("withdraw from new position: %w", err)
		}
		if mv.held.A+got.A < mv.held.A || mv.held.B+got.B < mv.held.B {
			return restored, vaulterr.Wrap(vaulterr.ErrMathOverflow, "held tokens")
		}
		mv.held.A += got.A
		mv.held.B += got.B
		mv.deposited = uint256.Int{}
	}
	if mv.swapped {
		// Sell back what the swap bought. The deposit round trip may have
		// cost a unit of it.
		bought := mv.held.A
		if mv.aToB {
			bought = mv.held.B
		}
		amount := min(mv.swap.AmountOut, bought)
		if amount > 0 {
			back, err := mm.Swap(ctx, collab.SwapRequest{Amount: amount, AToB: !mv.aToB, ExactInput: true})
			if err != nil {
				return restored, fmt.Errorf("reverse swap: %w", err)
			}
			held, err := applySwap(mv.held, back, !mv.aToB)
			if err != nil {
				return restored, err
			}
			mv.held = held
		}
		mv.swapped = false
	}
	if !mv.withdrawn {
		return restored, nil
	}

	price, err := mm.CurrentPrice(ctx)
	if err != nil {
		return restored, fmt.Errorf("current price: %w", err)
	}
	restored, err = e.rm.LiquidityForAmounts(mv.held, price.SqrtPrice, mv.old.Position)
	if err != nil {
		return restored, err
	}
	if restored.IsZero() {
		return restored, nil
	}
	paid, err := mm.IncreaseLiquidity(ctx, mv.oldID, restored, mv.held)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("redeposit liquidity: %w", err)
	}
	mv.held = spend(mv.held, paid)
	return restored, nil
}

// rollMarket closes the current market epoch with diff and opens next.
func rollMarket(v *state.Vault, diff vmath.Diff128, next state.MarketEpoch) (uint64, error) {
	if err := v.Epochs.CloseCurrentMarketEpoch(diff); err != nil {
		return 0, err
	}
	return v.Epochs.OpenMarketEpoch(next)
}

func applySwap(held collab.TokenAmounts, swap collab.SwapResult, aToB bool) (collab.TokenAmounts, error) {
	in, out := &held.A, &held.B
	if !aToB {
		in, out = &held.B, &held.A
	}
	if swap.AmountIn > *in {
		return held, vaulterr.Wrap(vaulterr.ErrInsufficientBalance, "swap spent %d of %d held", swap.AmountIn, *in)
	}
	if *out+swap.AmountOut < *out {
		return held, vaulterr.Wrap(vaulterr.ErrMathOverflow, "swap output %d", swap.AmountOut)
	}
	*in -= swap.AmountIn
	*out += swap.AmountOut
	return held, nil
}

// spend removes a deposit's cost from held. The market maker charges no
// more than the max it was given, which was held.
func spend(held, paid collab.TokenAmounts) collab.TokenAmounts {
	held.A -= min(paid.A, held.A)
	held.B -= min(paid.B, held.B)
	return held
}

// HedgeRebalance describes a committed hedge adjustment.
type HedgeRebalance struct {
	ClosedEpochID  uint64
	ClosedSlot     int
	EpochID        uint64
	Slot           int
	RolledOver     bool
	Above          bool
	BorrowedBefore uint64
	BorrowedDiff   int64
	NotionalDiff   int64
}

// RebalanceHedge resizes the borrow once the price has moved more than the
// hedge tick range away from the last adjustment. The target keeps the
// hedge ratio: borrowed * exposure(now) / exposure(last adjustment), where
// exposure is the base-token amount per unit of liquidity over the current
// position. Above, the excess borrow is bought back and repaid; below, more
// is borrowed and sold. The current slot closes with the diffs and the next
// slot opens, rolling into a new hedge epoch when the segment is full.
func (e *Engine) RebalanceHedge(ctx context.Context, cmd Command) (res HedgeRebalance, err error) {
	start := time.Now()
	defer func() { e.observe(event.EventTypeHedgeRebalanced, start, err) }()

	t, err := e.begin(event.EventTypeHedgeRebalanced, cmd, scopeVault)
	if err != nil {
		return res, err
	}
	defer e.release(t)
	var undo undoStack
	defer e.compensate(ctx, t, &undo, &err)
	v := t.vault
	acc := &v.Accumulator
	ep, err := v.Epochs.CurrentMarket()
	if err != nil {
		return res, err
	}
	slot, err := v.Epochs.CurrentSlot()
	if err != nil {
		return res, err
	}
	if slot.BorrowedAmount == 0 {
		return res, vaulterr.Wrap(vaulterr.ErrZeroBorrow, "vault %s", v.ID)
	}

	price, err := t.collab.Market.CurrentPrice(ctx)
	if err != nil {
		return res, fmt.Errorf("current price: %w", err)
	}
	moved := int64(price.Tick) - int64(acc.HedgeAdjustmentTick)
	if moved <= int64(v.Config.HedgeTickRange) && -moved <= int64(v.Config.HedgeTickRange) {
		return res, vaulterr.Wrap(vaulterr.ErrHedgeNotOutOfRange,
			"tick %d within %d of last adjustment %d", price.Tick, v.Config.HedgeTickRange, acc.HedgeAdjustmentTick)
	}
	res.Above = moved > 0

	reading, err := e.refresh(ctx, t)
	if err != nil {
		return res, err
	}

	expNow, err := e.rm.AmountsForLiquidity(*exposureUnit, price.SqrtPrice, ep.Position, false)
	if err != nil {
		return res, err
	}
	expLast, err := e.rm.AmountsForLiquidity(*exposureUnit, acc.HedgeAdjustmentSqrtPrice, ep.Position, false)
	if err != nil {
		return res, err
	}
	if expLast.A == 0 {
		return res, vaulterr.Wrap(vaulterr.ErrDivideByZero, "no base exposure at last adjustment tick %d", acc.HedgeAdjustmentTick)
	}
	res.BorrowedBefore = slot.BorrowedAmount
	target, err := vmath.MulDiv64(slot.BorrowedAmount, expNow.A, expLast.A, vmath.RoundDown)
	if err != nil {
		return res, err
	}
	res.BorrowedDiff, err = vmath.SignedDiff64(target, slot.BorrowedAmount)
	if err != nil {
		return res, err
	}
	if (res.Above && res.BorrowedDiff > 0) || (!res.Above && res.BorrowedDiff < 0) {
		return res, vaulterr.Wrap(vaulterr.ErrUnexpectedSwap, "above=%t borrow diff %d", res.Above, res.BorrowedDiff)
	}

	mm, lender := t.collab.Market, t.collab.Lender
	switch {
	case res.BorrowedDiff < 0:
		repay := uint64(-res.BorrowedDiff)
		swap, err := mm.Swap(ctx, collab.SwapRequest{Amount: repay, AToB: false, ExactInput: false})
		if err != nil {
			return res, fmt.Errorf("buy back borrow: %w", err)
		}
		undo.push("buy back borrow", reverseSwap(mm, swap, false))
		if swap.AmountIn > slot.BorrowedNotional {
			return res, vaulterr.Wrap(vaulterr.ErrInsufficientNotional,
				"buy back costs %d, notional %d", swap.AmountIn, slot.BorrowedNotional)
		}
		if err := lender.Deposit(ctx, collab.MarketBorrow, repay); err != nil {
			return res, fmt.Errorf("repay borrow: %w", err)
		}
		undo.push("repay borrow", func(ctx context.Context) error {
			return lender.Withdraw(ctx, collab.MarketBorrow, repay)
		})
		res.NotionalDiff = -int64(swap.AmountIn)
	case res.BorrowedDiff > 0:
		borrow := uint64(res.BorrowedDiff)
		if err := lender.Withdraw(ctx, collab.MarketBorrow, borrow); err != nil {
			return res, fmt.Errorf("borrow: %w", err)
		}
		undo.push("borrow", func(ctx context.Context) error {
			return lender.Deposit(ctx, collab.MarketBorrow, borrow)
		})
		swap, err := mm.Swap(ctx, collab.SwapRequest{Amount: borrow, AToB: true, ExactInput: true})
		if err != nil {
			return res, fmt.Errorf("sell borrow: %w", err)
		}
		undo.push("sell borrow", reverseSwap(mm, swap, true))
		if swap.AmountOut > 1<<63-1 {
			return res, vaulterr.Wrap(vaulterr.ErrMathOverflow, "swap output %d", swap.AmountOut)
		}
		res.NotionalDiff = int64(swap.AmountOut)
	}

	newBorrowed, err := vmath.ApplySigned64(slot.BorrowedAmount, res.BorrowedDiff)
	if err != nil {
		return res, err
	}
	newNotional, err := vmath.ApplySigned64(slot.BorrowedNotional, res.NotionalDiff)
	if err != nil {
		return res, err
	}
	// Unrealized interest is untouched by the principal change.
	baseline := reading.borrow - slot.BorrowedAmount

	res.ClosedEpochID, res.ClosedSlot, _ = v.Epochs.CurrentHedge()
	if err := v.Epochs.CloseCurrentSlot(res.BorrowedDiff, res.NotionalDiff); err != nil {
		return res, err
	}
	next := state.BorrowSlot{
		BorrowedAmount:   newBorrowed,
		BorrowedNotional: newNotional,
		InterestBaseline: baseline,
	}
	if idx, ok := v.Epochs.AdvanceSlot(next); ok {
		res.EpochID, res.Slot = res.ClosedEpochID, idx
	} else {
		res.RolledOver = true
		if res.EpochID, err = v.Epochs.OpenHedgeEpoch(next); err != nil {
			return res, err
		}
	}
	acc.HedgeAdjustmentSqrtPrice = price.SqrtPrice
	acc.HedgeAdjustmentTick = price.Tick

	evt := &event.HedgeRebalanced{
		VaultRef:           event.VaultRef{Vault: v.ID},
		ClosedHedgeEpochID: res.ClosedEpochID,
		ClosedSlot:         res.ClosedSlot,
		HedgeEpochID:       res.EpochID,
		Slot:               res.Slot,
		RolledOver:         res.RolledOver,
		Above:              res.Above,
		BorrowedBefore:     res.BorrowedBefore,
		BorrowedDiff:       res.BorrowedDiff,
		NotionalDiff:       res.NotionalDiff,
		AdjustmentTick:     price.Tick,
	}
	if err := e.commit(t, evt); err != nil {
		return res, err
	}
	if e.metrics != nil {
		e.metrics.Rebalances.WithLabelValues(v.ID.String(), "hedge", side(res.Above)).Inc()
		e.metrics.EpochsOpened.WithLabelValues(v.ID.String(), "hedge_slot").Inc()
		e.metrics.VaultBorrowed.WithLabelValues(v.ID.String()).Set(float64(newBorrowed))
	}
	e.logger.Info().
		Str("vault_id", v.ID.String()).
		Uint64("hedge_epoch", res.EpochID).
		Int("slot", res.Slot).
		Bool("rolled_over", res.RolledOver).
		Int64("borrowed_diff", res.BorrowedDiff).
		Msg("hedge rebalanced")
	return res, nil
}

func side(above bool) string {
	if above {
		return "above"
	}
	return "below"
}

// RebalanceCheck reports which rebalances a vault is due for at the
// market's current price.
type RebalanceCheck struct {
	Tick   int32
	Market bool
	Hedge  bool
}

// CheckRebalance reads the current price and compares it with the vault's
// committed working range and last hedge adjustment. It mutates nothing.
func (e *Engine) CheckRebalance(ctx context.Context, vaultID uuid.UUID) (RebalanceCheck, error) {
	e.mu.Lock()
	entry, ok := e.vaults[vaultID]
	if !ok {
		e.mu.Unlock()
		return RebalanceCheck{}, vaulterr.Wrap(vaulterr.ErrUnknownVault, "vault %s", vaultID)
	}
	v := entry.vault.Clone()
	mm := entry.collab.Market
	e.mu.Unlock()

	price, err := mm.CurrentPrice(ctx)
	if err != nil {
		return RebalanceCheck{}, fmt.Errorf("current price: %w", err)
	}
	check := RebalanceCheck{Tick: price.Tick}
	if ep, err := v.Epochs.CurrentMarket(); err == nil {
		check.Market = !ep.Working.Contains(price.SqrtPrice)
	}
	if slot, err := v.Epochs.CurrentSlot(); err == nil && slot.BorrowedAmount > 0 {
		moved := int64(price.Tick) - int64(v.Accumulator.HedgeAdjustmentTick)
		limit := int64(v.Config.HedgeTickRange)
		check.Hedge = moved > limit || -moved > limit
	}
	return check, nil
}
