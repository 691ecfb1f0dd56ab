package core

import (
	"context"
	"fmt"
	"time"

	"HedgeVault/internal/collab"
	"HedgeVault/internal/event"
	"HedgeVault/internal/state"
	"HedgeVault/internal/vaulterr"
)

// lenderReading is what the lender reported during refresh. Locks taken
// later in the same transaction use it, before the lender is mutated.
type lenderReading struct {
	collateral uint64
	borrow     uint64
	hasBorrow  bool
}

// refresh brings the accumulator and the current epoch and slot up to date
// with the market maker and the lender.
func (e *Engine) refresh(ctx context.Context, t *txn) (lenderReading, error) {
	var r lenderReading
	v := t.vault

	if ep, err := v.Epochs.CurrentMarket(); err == nil && v.MarketPositionID != "" {
		a, b, err := t.collab.Market.FeeGrowthTotals(ctx, v.MarketPositionID)
		if err != nil {
			return r, fmt.Errorf("fee growth: %w", err)
		}
		v.Accumulator.AccrueFees(a, b)
		ep.FeeGrowthA = v.Accumulator.FeeGrowthA
		ep.FeeGrowthB = v.Accumulator.FeeGrowthB
	}

	if err := t.collab.Lender.RefreshCumulativeInterest(ctx); err != nil {
		return r, fmt.Errorf("refresh interest: %w", err)
	}
	coll, err := t.collab.Lender.OutstandingPrincipalWithInterest(ctx, collab.MarketCollateral)
	if err != nil {
		return r, fmt.Errorf("collateral outstanding: %w", err)
	}
	if err := v.Accumulator.RefreshCollateralInterest(coll); err != nil {
		return r, err
	}
	r.collateral = coll

	if slot, err := v.Epochs.CurrentSlot(); err == nil {
		borrow, err := t.collab.Lender.OutstandingPrincipalWithInterest(ctx, collab.MarketBorrow)
		if err != nil {
			return r, fmt.Errorf("borrow outstanding: %w", err)
		}
		if err := slot.RefreshInterest(borrow); err != nil {
			return r, err
		}
		r.borrow = borrow
		r.hasBorrow = true
	}
	return r, nil
}

// ranges computes the position and working bounds centered on tick.
func (e *Engine) ranges(cfg state.VaultConfig, tick int32) (position, working state.RangeBounds, err error) {
	position, err = e.rm.Bounds(tick, cfg.FullTickRange, cfg.TickSpacing)
	if err != nil {
		return position, working, err
	}
	working, err = e.rm.Bounds(tick, cfg.VaultTickRange, cfg.TickSpacing)
	if err != nil {
		return position, working, err
	}
	if err := position.Validate(); err != nil {
		return position, working, err
	}
	if err := working.Validate(); err != nil {
		return position, working, err
	}
	if !working.Within(position) {
		return position, working, vaulterr.Wrap(vaulterr.ErrInvalidRangeNesting,
			"working [%d, %d] outside position [%d, %d]",
			working.LowerTick, working.UpperTick, position.LowerTick, position.UpperTick)
	}
	return position, working, nil
}

// OpenMarketPosition opens the vault's first range position and market
// epoch 0 around the current price.
func (e *Engine) OpenMarketPosition(ctx context.Context, cmd Command) (epochID uint64, err error) {
	start := time.Now()
	defer func() { e.observe(event.EventTypeMarketPositionOpened, start, err) }()

	t, err := e.begin(event.EventTypeMarketPositionOpened, cmd, scopeVault)
	if err != nil {
		return 0, err
	}
	defer e.release(t)
	v := t.vault
	if n := v.Epochs.MarketEpochCount(); n > 0 {
		return 0, vaulterr.Wrap(vaulterr.ErrPositionAlreadyOpen, "vault %s has %d market epochs", v.ID, n)
	}

	price, err := t.collab.Market.CurrentPrice(ctx)
	if err != nil {
		return 0, fmt.Errorf("current price: %w", err)
	}
	position, working, err := e.ranges(v.Config, price.Tick)
	if err != nil {
		return 0, err
	}
	posID, err := t.collab.Market.OpenRangePosition(ctx, position)
	if err != nil {
		return 0, fmt.Errorf("open range position: %w", err)
	}
	a, b, err := t.collab.Market.FeeGrowthTotals(ctx, posID)
	if err != nil {
		return 0, fmt.Errorf("fee growth: %w", err)
	}
	v.Accumulator.ResetPositionFeeCheckpoint(a, b)

	epochID, err = v.Epochs.OpenMarketEpoch(state.MarketEpoch{
		FeeGrowthA:      v.Accumulator.FeeGrowthA,
		FeeGrowthB:      v.Accumulator.FeeGrowthB,
		Position:        position,
		Working:         working,
		MiddleSqrtPrice: price.SqrtPrice,
	})
	if err != nil {
		return 0, err
	}
	v.MarketPositionID = posID

	evt := &event.MarketPositionOpened{
		VaultRef:   event.VaultRef{Vault: v.ID},
		EpochID:    epochID,
		PositionID: posID,
		LowerTick:  position.LowerTick,
		UpperTick:  position.UpperTick,
	}
	if err := e.commit(t, evt); err != nil {
		return 0, err
	}
	if e.metrics != nil {
		e.metrics.EpochsOpened.WithLabelValues(v.ID.String(), "market").Inc()
	}
	e.logger.Info().Str("vault_id", v.ID.String()).Str("position_id", posID).
		Int32("lower_tick", position.LowerTick).Int32("upper_tick", position.UpperTick).
		Msg("market position opened")
	return epochID, nil
}

// OpenHedgePosition opens hedge epoch 0 with an empty borrow slot. It
// requires an open market epoch.
func (e *Engine) OpenHedgePosition(ctx context.Context, cmd Command) (epochID uint64, err error) {
	start := time.Now()
	defer func() { e.observe(event.EventTypeHedgePositionOpened, start, err) }()

	t, err := e.begin(event.EventTypeHedgePositionOpened, cmd, scopeVault)
	if err != nil {
		return 0, err
	}
	defer e.release(t)
	v := t.vault
	if _, err := v.Epochs.CurrentMarket(); err != nil {
		return 0, err
	}
	if n := v.Epochs.HedgeEpochCount(); n > 0 {
		return 0, vaulterr.Wrap(vaulterr.ErrPositionAlreadyOpen, "vault %s has %d hedge epochs", v.ID, n)
	}

	price, err := t.collab.Market.CurrentPrice(ctx)
	if err != nil {
		return 0, fmt.Errorf("current price: %w", err)
	}
	if err := t.collab.Lender.RefreshCumulativeInterest(ctx); err != nil {
		return 0, fmt.Errorf("refresh interest: %w", err)
	}
	outstanding, err := t.collab.Lender.OutstandingPrincipalWithInterest(ctx, collab.MarketBorrow)
	if err != nil {
		return 0, fmt.Errorf("borrow outstanding: %w", err)
	}

	epochID, err = v.Epochs.OpenHedgeEpoch(state.BorrowSlot{InterestBaseline: outstanding})
	if err != nil {
		return 0, err
	}
	v.Accumulator.HedgeAdjustmentSqrtPrice = price.SqrtPrice
	v.Accumulator.HedgeAdjustmentTick = price.Tick

	evt := &event.HedgePositionOpened{
		VaultRef:         event.VaultRef{Vault: v.ID},
		HedgeEpochID:     epochID,
		AdjustmentTick:   price.Tick,
		InterestBaseline: outstanding,
	}
	if err := e.commit(t, evt); err != nil {
		return 0, err
	}
	if e.metrics != nil {
		e.metrics.EpochsOpened.WithLabelValues(v.ID.String(), "hedge").Inc()
	}
	return epochID, nil
}

// RefreshVault accrues fees and interest into the accumulator and collects
// fees owed by the market maker into the vault treasury.
func (e *Engine) RefreshVault(ctx context.Context, cmd Command) (err error) {
	start := time.Now()
	defer func() { e.observe(event.EventTypeVaultRefreshed, start, err) }()

	t, err := e.begin(event.EventTypeVaultRefreshed, cmd, scopeVault)
	if err != nil {
		return err
	}
	defer e.release(t)
	v := t.vault
	if _, err := e.refresh(ctx, t); err != nil {
		return err
	}
	if v.MarketPositionID != "" {
		fees, err := t.collab.Market.CollectFees(ctx, v.MarketPositionID)
		if err != nil {
			return fmt.Errorf("collect fees: %w", err)
		}
		if err := v.Accumulator.CollectFees(fees.A, fees.B); err != nil {
			return err
		}
	}

	return e.commit(t, refreshedEvent(v))
}

func refreshedEvent(v *state.Vault) *event.VaultRefreshed {
	acc := &v.Accumulator
	return &event.VaultRefreshed{
		VaultRef:                 event.VaultRef{Vault: v.ID},
		FeeGrowthA:               acc.FeeGrowthA.Dec(),
		FeeGrowthB:               acc.FeeGrowthB.Dec(),
		FeesCollectedA:           acc.FeesCollectedA,
		FeesCollectedB:           acc.FeesCollectedB,
		CollateralInterestGrowth: acc.CollateralInterestGrowth.Dec(),
	}
}
