package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"HedgeVault/internal/collab"
	"HedgeVault/internal/event"
	vmath "HedgeVault/internal/math"
	"HedgeVault/internal/state"
	"HedgeVault/internal/vaulterr"
)

// OpenParticipant creates a participant positioned at the vault's current
// epochs, so it has no history to walk.
func (e *Engine) OpenParticipant(ctx context.Context, cmd Command) (p *state.Participant, err error) {
	start := time.Now()
	defer func() { e.observe(event.EventTypeParticipantOpened, start, err) }()

	t, err := e.begin(event.EventTypeParticipantOpened, cmd, scopeNewParticipant)
	if err != nil {
		return nil, err
	}
	defer e.release(t)
	p = t.participant
	evt := &event.ParticipantOpened{
		ParticipantRef:    event.ParticipantRef{Vault: p.VaultID, Participant: p.ID},
		MarketEpochCursor: p.MarketEpochCursor,
		HedgeEpochCursor:  p.HedgeEpochCursor,
		BorrowSlotCursor:  p.BorrowSlotCursor,
	}
	if err := e.commit(t, evt); err != nil {
		return nil, err
	}
	return p.Clone(), nil
}

// CloseParticipant removes a participant whose balances are all zero.
func (e *Engine) CloseParticipant(ctx context.Context, cmd Command) (err error) {
	start := time.Now()
	defer func() { e.observe(event.EventTypeParticipantClosed, start, err) }()

	t, err := e.begin(event.EventTypeParticipantClosed, cmd, scopeParticipant)
	if err != nil {
		return err
	}
	defer e.release(t)
	if !t.participant.IsEmpty() {
		return vaulterr.Wrap(vaulterr.ErrParticipantNotEmpty, "participant %s", t.participant.ID)
	}
	t.removeParticipant = true
	return e.commit(t, &event.ParticipantClosed{
		ParticipantRef: event.ParticipantRef{Vault: t.participant.VaultID, Participant: t.participant.ID},
	})
}

// beginSynced starts a participant transaction that reads vault-current
// state. The participant must be fully synced; the vault is refreshed and
// the participant's fees and interest are brought up to date. On success
// the caller owns the vault reservation.
func (e *Engine) beginSynced(ctx context.Context, eventType event.EventType, cmd Command) (_ *txn, _ lenderReading, err error) {
	t, err := e.begin(eventType, cmd, scopeVaultParticipant)
	if err != nil {
		return nil, lenderReading{}, err
	}
	defer func() {
		if err != nil {
			e.release(t)
		}
	}()
	store := t.vault.Epochs
	p := t.participant
	if !p.MarketSynced(store) || !p.HedgeSynced(store) {
		return nil, lenderReading{}, vaulterr.Wrap(vaulterr.ErrPositionNotSynced,
			"participant %s at market %d, hedge %d/%d", p.ID, p.MarketEpochCursor, p.HedgeEpochCursor, p.BorrowSlotCursor)
	}
	r, err := e.refresh(ctx, t)
	if err != nil {
		return nil, r, err
	}
	if ep, err := store.CurrentMarket(); err == nil {
		if err := p.AccrueFees(ep.FeeGrowthA, ep.FeeGrowthB); err != nil {
			return nil, r, err
		}
	}
	if err := p.AccrueCollateralInterest(t.vault.Accumulator.CollateralInterestGrowth); err != nil {
		return nil, r, err
	}
	if slot, err := store.CurrentSlot(); err == nil {
		if err := p.AccrueBorrowInterest(slot.InterestGrowth); err != nil {
			return nil, r, err
		}
	}
	return t, r, nil
}

// LiquidityRequest adds or removes liquidity. Limit is the maximum token
// amounts paid on deposit and the minimum received on withdrawal.
type LiquidityRequest struct {
	Command
	Liquidity uint256.Int
	Limit     collab.TokenAmounts
}

// DepositLiquidity adds liquidity to the vault's range position on behalf
// of a participant.
func (e *Engine) DepositLiquidity(ctx context.Context, req LiquidityRequest) (amounts collab.TokenAmounts, err error) {
	start := time.Now()
	defer func() { e.observe(event.EventTypeLiquidityDeposited, start, err) }()

	if req.Liquidity.IsZero() {
		return amounts, vaulterr.Wrap(vaulterr.ErrZeroAmount, "deposit liquidity")
	}
	t, _, err := e.beginSynced(ctx, event.EventTypeLiquidityDeposited, req.Command)
	if err != nil {
		return amounts, err
	}
	defer e.release(t)
	var undo undoStack
	defer e.compensate(ctx, t, &undo, &err)
	v, p := t.vault, t.participant
	ep, err := v.Epochs.CurrentMarket()
	if err != nil {
		return amounts, err
	}
	epochLiquidity, err := vmath.CheckedAdd128(ep.Liquidity, req.Liquidity)
	if err != nil {
		return amounts, err
	}
	totalLiquidity, err := vmath.CheckedAdd128(v.Accumulator.TotalLiquidity, req.Liquidity)
	if err != nil {
		return amounts, err
	}
	participantLiquidity, err := vmath.CheckedAdd128(p.Liquidity, req.Liquidity)
	if err != nil {
		return amounts, err
	}

	price, err := t.collab.Market.CurrentPrice(ctx)
	if err != nil {
		return amounts, fmt.Errorf("current price: %w", err)
	}
	quote, err := e.rm.AmountsForLiquidity(req.Liquidity, price.SqrtPrice, ep.Position, true)
	if err != nil {
		return amounts, err
	}
	if quote.A > req.Limit.A || quote.B > req.Limit.B {
		return amounts, vaulterr.Wrap(vaulterr.ErrSlippageExceeded,
			"need %d/%d, max %d/%d", quote.A, quote.B, req.Limit.A, req.Limit.B)
	}
	amounts, err = t.collab.Market.IncreaseLiquidity(ctx, v.MarketPositionID, req.Liquidity, req.Limit)
	if err != nil {
		return amounts, fmt.Errorf("increase liquidity: %w", err)
	}
	posID := v.MarketPositionID
	undo.push("increase liquidity", func(ctx context.Context) error {
		_, err := t.collab.Market.DecreaseLiquidity(ctx, posID, req.Liquidity, collab.TokenAmounts{})
		return err
	})

	ep.Liquidity = epochLiquidity
	v.Accumulator.TotalLiquidity = totalLiquidity
	p.Liquidity = participantLiquidity

	evt := &event.LiquidityDeposited{
		ParticipantRef: event.ParticipantRef{Vault: v.ID, Participant: p.ID},
		EpochID:        ep.ID,
		Liquidity:      req.Liquidity.Dec(),
		AmountA:        amounts.A,
		AmountB:        amounts.B,
	}
	return amounts, e.commit(t, evt)
}

// WithdrawLiquidity removes a participant's liquidity from the range
// position.
func (e *Engine) WithdrawLiquidity(ctx context.Context, req LiquidityRequest) (amounts collab.TokenAmounts, err error) {
	start := time.Now()
	defer func() { e.observe(event.EventTypeLiquidityWithdrawn, start, err) }()

	if req.Liquidity.IsZero() {
		return amounts, vaulterr.Wrap(vaulterr.ErrZeroAmount, "withdraw liquidity")
	}
	t, _, err := e.beginSynced(ctx, event.EventTypeLiquidityWithdrawn, req.Command)
	if err != nil {
		return amounts, err
	}
	defer e.release(t)
	v, p := t.vault, t.participant
	ep, err := v.Epochs.CurrentMarket()
	if err != nil {
		return amounts, err
	}
	if p.Liquidity.Lt(&req.Liquidity) {
		return amounts, vaulterr.Wrap(vaulterr.ErrInsufficientBalance,
			"participant holds %s, withdraw %s", p.Liquidity.Dec(), req.Liquidity.Dec())
	}
	if ep.Liquidity.Lt(&req.Liquidity) || v.Accumulator.TotalLiquidity.Lt(&req.Liquidity) {
		return amounts, vaulterr.Wrap(vaulterr.ErrInsufficientBalance,
			"vault holds %s, withdraw %s", ep.Liquidity.Dec(), req.Liquidity.Dec())
	}

	// The market maker refuses to pay out less than Limit.
	amounts, err = t.collab.Market.DecreaseLiquidity(ctx, v.MarketPositionID, req.Liquidity, req.Limit)
	if err != nil {
		return amounts, fmt.Errorf("decrease liquidity: %w", err)
	}

	ep.Liquidity.Sub(&ep.Liquidity, &req.Liquidity)
	v.Accumulator.TotalLiquidity.Sub(&v.Accumulator.TotalLiquidity, &req.Liquidity)
	p.Liquidity.Sub(&p.Liquidity, &req.Liquidity)

	evt := &event.LiquidityWithdrawn{
		ParticipantRef: event.ParticipantRef{Vault: v.ID, Participant: p.ID},
		EpochID:        ep.ID,
		Liquidity:      req.Liquidity.Dec(),
		AmountA:        amounts.A,
		AmountB:        amounts.B,
	}
	return amounts, e.commit(t, evt)
}

// ClaimFees pays out a participant's unclaimed fees from the vault
// treasury, collecting owed fees from the market maker first.
func (e *Engine) ClaimFees(ctx context.Context, cmd Command) (paid collab.TokenAmounts, err error) {
	start := time.Now()
	defer func() { e.observe(event.EventTypeFeesClaimed, start, err) }()

	t, _, err := e.beginSynced(ctx, event.EventTypeFeesClaimed, cmd)
	if err != nil {
		return paid, err
	}
	defer e.release(t)
	v, p := t.vault, t.participant
	if p.FeeUnclaimedA == 0 && p.FeeUnclaimedB == 0 {
		return paid, vaulterr.Wrap(vaulterr.ErrZeroAmount, "no fees to claim")
	}
	paid = collab.TokenAmounts{A: p.FeeUnclaimedA, B: p.FeeUnclaimedB}
	collected := false
	if v.MarketPositionID != "" {
		fees, err := t.collab.Market.CollectFees(ctx, v.MarketPositionID)
		if err != nil {
			return collab.TokenAmounts{}, fmt.Errorf("collect fees: %w", err)
		}
		if err := v.Accumulator.CollectFees(fees.A, fees.B); err != nil {
			return collab.TokenAmounts{}, err
		}
		collected = fees.A > 0 || fees.B > 0
	}
	if err := v.Accumulator.PayFees(paid.A, paid.B); err != nil {
		if collected {
			// Fees left the market maker; record them even though the
			// claim fails.
			if cerr := e.commitVaultOnly(t, refreshedEvent(v)); cerr != nil {
				return collab.TokenAmounts{}, errors.Join(err, cerr)
			}
		}
		return collab.TokenAmounts{}, err
	}
	p.FeeUnclaimedA, p.FeeUnclaimedB = 0, 0

	evt := &event.FeesClaimed{
		ParticipantRef: event.ParticipantRef{Vault: v.ID, Participant: p.ID},
		AmountA:        paid.A,
		AmountB:        paid.B,
	}
	if err := e.commit(t, evt); err != nil {
		return collab.TokenAmounts{}, err
	}
	return paid, nil
}

// ClaimCollateralInterest withdraws a participant's accrued collateral
// interest from the lender.
func (e *Engine) ClaimCollateralInterest(ctx context.Context, cmd Command) (amount uint64, err error) {
	start := time.Now()
	defer func() { e.observe(event.EventTypeCollateralInterestClaimed, start, err) }()

	t, r, err := e.beginSynced(ctx, event.EventTypeCollateralInterestClaimed, cmd)
	if err != nil {
		return 0, err
	}
	defer e.release(t)
	v, p := t.vault, t.participant
	amount = p.CollateralInterestUnclaimed
	if amount == 0 {
		return 0, vaulterr.Wrap(vaulterr.ErrZeroAmount, "no collateral interest to claim")
	}
	if err := v.Accumulator.LockCollateralInterest(r.collateral); err != nil {
		return 0, err
	}
	if err := v.Accumulator.ReleaseCollateralInterest(amount); err != nil {
		return 0, err
	}
	if err := t.collab.Lender.Withdraw(ctx, collab.MarketCollateral, amount); err != nil {
		return 0, fmt.Errorf("withdraw interest: %w", err)
	}
	p.CollateralInterestUnclaimed = 0

	evt := &event.CollateralInterestClaimed{
		ParticipantRef: event.ParticipantRef{Vault: v.ID, Participant: p.ID},
		Amount:         amount,
	}
	if err := e.commit(t, evt); err != nil {
		return 0, err
	}
	return amount, nil
}

// RepayBorrowInterest repays a participant's accrued borrow interest to the
// lender. The participant supplies the base token.
func (e *Engine) RepayBorrowInterest(ctx context.Context, cmd Command) (amount uint64, err error) {
	start := time.Now()
	defer func() { e.observe(event.EventTypeBorrowInterestRepaid, start, err) }()

	t, r, err := e.beginSynced(ctx, event.EventTypeBorrowInterestRepaid, cmd)
	if err != nil {
		return 0, err
	}
	defer e.release(t)
	v, p := t.vault, t.participant
	amount = p.BorrowInterestUnclaimed
	if amount == 0 {
		return 0, vaulterr.Wrap(vaulterr.ErrZeroAmount, "no borrow interest to repay")
	}
	slot, err := v.Epochs.CurrentSlot()
	if err != nil {
		return 0, err
	}
	if err := slot.LockInterest(r.borrow); err != nil {
		return 0, err
	}
	if slot.InterestBaseline < amount {
		return 0, vaulterr.Wrap(vaulterr.ErrInsufficientBalance,
			"repay %d exceeds unrealized borrow interest %d", amount, slot.InterestBaseline)
	}
	if err := t.collab.Lender.Deposit(ctx, collab.MarketBorrow, amount); err != nil {
		return 0, fmt.Errorf("repay interest: %w", err)
	}
	slot.InterestBaseline -= amount
	p.BorrowInterestUnclaimed = 0

	hid, idx, _ := v.Epochs.CurrentHedge()
	evt := &event.BorrowInterestRepaid{
		ParticipantRef: event.ParticipantRef{Vault: v.ID, Participant: p.ID},
		HedgeEpochID:   hid,
		Slot:           idx,
		Amount:         amount,
	}
	if err := e.commit(t, evt); err != nil {
		return 0, err
	}
	return amount, nil
}

// HedgeRequest opens or closes part of a participant's hedge.
type HedgeRequest struct {
	Command
	Collateral uint64
	Borrow     uint64
}

// IncreaseHedge deposits collateral, borrows base token against it and
// sells the borrow for quote. The quote received is the borrow's notional.
func (e *Engine) IncreaseHedge(ctx context.Context, req HedgeRequest) (notional uint64, err error) {
	start := time.Now()
	defer func() { e.observe(event.EventTypeHedgeIncreased, start, err) }()

	if req.Collateral == 0 || req.Borrow == 0 {
		return 0, vaulterr.Wrap(vaulterr.ErrZeroAmount, "collateral %d, borrow %d", req.Collateral, req.Borrow)
	}
	t, r, err := e.beginSynced(ctx, event.EventTypeHedgeIncreased, req.Command)
	if err != nil {
		return 0, err
	}
	defer e.release(t)
	var undo undoStack
	defer e.compensate(ctx, t, &undo, &err)
	v, p := t.vault, t.participant
	acc := &v.Accumulator
	slot, err := v.Epochs.CurrentSlot()
	if err != nil {
		return 0, err
	}

	if err := acc.LockCollateralInterest(r.collateral); err != nil {
		return 0, err
	}
	if err := slot.LockInterest(r.borrow); err != nil {
		return 0, err
	}

	lender := t.collab.Lender
	if err := lender.Deposit(ctx, collab.MarketCollateral, req.Collateral); err != nil {
		return 0, fmt.Errorf("deposit collateral: %w", err)
	}
	undo.push("deposit collateral", func(ctx context.Context) error {
		return lender.Withdraw(ctx, collab.MarketCollateral, req.Collateral)
	})
	if err := lender.Withdraw(ctx, collab.MarketBorrow, req.Borrow); err != nil {
		return 0, fmt.Errorf("borrow: %w", err)
	}
	undo.push("borrow", func(ctx context.Context) error {
		return lender.Deposit(ctx, collab.MarketBorrow, req.Borrow)
	})
	swap, err := t.collab.Market.Swap(ctx, collab.SwapRequest{Amount: req.Borrow, AToB: true, ExactInput: true})
	if err != nil {
		return 0, fmt.Errorf("sell borrow: %w", err)
	}
	undo.push("sell borrow", reverseSwap(t.collab.Market, swap, true))
	notional = swap.AmountOut

	for _, add := range []struct {
		dst *uint64
		v   uint64
	}{
		{&acc.CollateralAmount, req.Collateral},
		{&slot.BorrowedAmount, req.Borrow},
		{&slot.BorrowedNotional, notional},
		{&p.CollateralAmount, req.Collateral},
		{&p.BorrowAmount, req.Borrow},
		{&p.BorrowNotional, notional},
	} {
		if *add.dst+add.v < *add.dst {
			return 0, vaulterr.Wrap(vaulterr.ErrMathOverflow, "hedge balance")
		}
		*add.dst += add.v
	}

	hid, idx, _ := v.Epochs.CurrentHedge()
	evt := &event.HedgeIncreased{
		ParticipantRef: event.ParticipantRef{Vault: v.ID, Participant: p.ID},
		HedgeEpochID:   hid,
		Slot:           idx,
		Collateral:     req.Collateral,
		Borrow:         req.Borrow,
		Notional:       notional,
	}
	if err := e.commit(t, evt); err != nil {
		return 0, err
	}
	if e.metrics != nil {
		e.metrics.VaultBorrowed.WithLabelValues(v.ID.String()).Set(float64(slot.BorrowedAmount))
	}
	return notional, nil
}

// UnhedgeReceipt reports what a hedge decrease released.
type UnhedgeReceipt struct {
	CollateralReturned uint64 `json:"collateral_returned"`
	NotionalReleased   uint64 `json:"notional_released"`
	NotionalReturned   uint64 `json:"notional_returned"`
	InterestRepaid     uint64 `json:"interest_repaid"`
}

// DecreaseHedge repays part of a participant's borrow. Collateral, notional
// and unclaimed borrow interest are released in the same proportion as the
// borrow; a full unhedge releases all of them. The released notional buys
// back the borrow plus its interest share, and what remains is returned.
func (e *Engine) DecreaseHedge(ctx context.Context, req HedgeRequest) (rec UnhedgeReceipt, err error) {
	start := time.Now()
	defer func() { e.observe(event.EventTypeHedgeDecreased, start, err) }()

	if req.Borrow == 0 {
		return rec, vaulterr.Wrap(vaulterr.ErrZeroAmount, "decrease hedge")
	}
	t, r, err := e.beginSynced(ctx, event.EventTypeHedgeDecreased, req.Command)
	if err != nil {
		return rec, err
	}
	defer e.release(t)
	var undo undoStack
	defer e.compensate(ctx, t, &undo, &err)
	v, p := t.vault, t.participant
	acc := &v.Accumulator
	slot, err := v.Epochs.CurrentSlot()
	if err != nil {
		return rec, err
	}
	if req.Borrow > p.BorrowAmount {
		return rec, vaulterr.Wrap(vaulterr.ErrInsufficientBalance,
			"participant borrowed %d, repay %d", p.BorrowAmount, req.Borrow)
	}

	if req.Borrow == p.BorrowAmount {
		rec.CollateralReturned = p.CollateralAmount
		rec.NotionalReleased = p.BorrowNotional
		rec.InterestRepaid = p.BorrowInterestUnclaimed
	} else {
		if rec.CollateralReturned, err = vmath.MulDiv64(p.CollateralAmount, req.Borrow, p.BorrowAmount, vmath.RoundDown); err != nil {
			return rec, err
		}
		if rec.NotionalReleased, err = vmath.MulDiv64(p.BorrowNotional, req.Borrow, p.BorrowAmount, vmath.RoundDown); err != nil {
			return rec, err
		}
		if rec.InterestRepaid, err = vmath.MulDiv64(p.BorrowInterestUnclaimed, req.Borrow, p.BorrowAmount, vmath.RoundDown); err != nil {
			return rec, err
		}
	}
	repay := req.Borrow + rec.InterestRepaid
	if repay < req.Borrow {
		return rec, vaulterr.Wrap(vaulterr.ErrMathOverflow, "repay amount")
	}
	if req.Borrow > slot.BorrowedAmount || rec.NotionalReleased > slot.BorrowedNotional ||
		rec.CollateralReturned > acc.CollateralAmount {
		return rec, vaulterr.Wrap(vaulterr.ErrInsufficientBalance, "vault hedge smaller than participant share")
	}

	if err := acc.LockCollateralInterest(r.collateral); err != nil {
		return rec, err
	}
	if err := slot.LockInterest(r.borrow); err != nil {
		return rec, err
	}
	if slot.InterestBaseline < rec.InterestRepaid {
		return rec, vaulterr.Wrap(vaulterr.ErrInsufficientBalance,
			"interest %d exceeds unrealized borrow interest %d", rec.InterestRepaid, slot.InterestBaseline)
	}

	lender := t.collab.Lender
	swap, err := t.collab.Market.Swap(ctx, collab.SwapRequest{Amount: repay, AToB: false, ExactInput: false})
	if err != nil {
		return rec, fmt.Errorf("buy back borrow: %w", err)
	}
	undo.push("buy back borrow", reverseSwap(t.collab.Market, swap, false))
	if swap.AmountIn > rec.NotionalReleased {
		return rec, vaulterr.Wrap(vaulterr.ErrInsufficientNotional,
			"buy back costs %d, released notional %d", swap.AmountIn, rec.NotionalReleased)
	}
	if err := lender.Deposit(ctx, collab.MarketBorrow, repay); err != nil {
		return rec, fmt.Errorf("repay borrow: %w", err)
	}
	undo.push("repay borrow", func(ctx context.Context) error {
		return lender.Withdraw(ctx, collab.MarketBorrow, repay)
	})
	if rec.CollateralReturned > 0 {
		if err := lender.Withdraw(ctx, collab.MarketCollateral, rec.CollateralReturned); err != nil {
			return rec, fmt.Errorf("withdraw collateral: %w", err)
		}
	}
	rec.NotionalReturned = rec.NotionalReleased - swap.AmountIn

	slot.InterestBaseline -= rec.InterestRepaid
	slot.BorrowedAmount -= req.Borrow
	slot.BorrowedNotional -= rec.NotionalReleased
	acc.CollateralAmount -= rec.CollateralReturned
	p.BorrowAmount -= req.Borrow
	p.BorrowNotional -= rec.NotionalReleased
	p.BorrowInterestUnclaimed -= rec.InterestRepaid
	p.CollateralAmount -= rec.CollateralReturned

	hid, idx, _ := v.Epochs.CurrentHedge()
	evt := &event.HedgeDecreased{
		ParticipantRef:     event.ParticipantRef{Vault: v.ID, Participant: p.ID},
		HedgeEpochID:       hid,
		Slot:               idx,
		Borrow:             req.Borrow,
		InterestRepaid:     rec.InterestRepaid,
		CollateralReturned: rec.CollateralReturned,
		NotionalReleased:   rec.NotionalReleased,
		NotionalReturned:   rec.NotionalReturned,
	}
	if err := e.commit(t, evt); err != nil {
		return UnhedgeReceipt{}, err
	}
	if e.metrics != nil {
		e.metrics.VaultBorrowed.WithLabelValues(v.ID.String()).Set(float64(slot.BorrowedAmount))
	}
	return rec, nil
}
