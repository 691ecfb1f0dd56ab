package core

import (
	"context"
	"time"

	"github.com/holiman/uint256"

	"HedgeVault/internal/collab"
	"HedgeVault/internal/observability"
	"HedgeVault/internal/state"
)

// instrument wraps collaborators with call counters and latency histograms.
func (e *Engine) instrument(c Collaborators) Collaborators {
	if e.metrics == nil {
		return c
	}
	return Collaborators{
		Market: &meteredMarket{next: c.Market, m: e.metrics},
		Lender: &meteredLender{next: c.Lender, m: e.metrics},
	}
}

func record(m *observability.Metrics, who, op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.CollabCalls.WithLabelValues(who, op, status).Inc()
	m.CollabDuration.WithLabelValues(who, op).Observe(time.Since(start).Seconds())
}

type meteredMarket struct {
	next collab.MarketMaker
	m    *observability.Metrics
}

func (w *meteredMarket) CurrentPrice(ctx context.Context) (p collab.Price, err error) {
	defer func(start time.Time) { record(w.m, "market", "current_price", start, err) }(time.Now())
	return w.next.CurrentPrice(ctx)
}

func (w *meteredMarket) CurrentLiquidity(ctx context.Context) (l uint256.Int, err error) {
	defer func(start time.Time) { record(w.m, "market", "current_liquidity", start, err) }(time.Now())
	return w.next.CurrentLiquidity(ctx)
}

func (w *meteredMarket) FeeGrowthTotals(ctx context.Context, positionID string) (a, b uint256.Int, err error) {
	defer func(start time.Time) { record(w.m, "market", "fee_growth_totals", start, err) }(time.Now())
	return w.next.FeeGrowthTotals(ctx, positionID)
}

func (w *meteredMarket) CollectFees(ctx context.Context, positionID string) (out collab.TokenAmounts, err error) {
	defer func(start time.Time) { record(w.m, "market", "collect_fees", start, err) }(time.Now())
	return w.next.CollectFees(ctx, positionID)
}

func (w *meteredMarket) Swap(ctx context.Context, req collab.SwapRequest) (res collab.SwapResult, err error) {
	defer func(start time.Time) { record(w.m, "market", "swap", start, err) }(time.Now())
	return w.next.Swap(ctx, req)
}

func (w *meteredMarket) OpenRangePosition(ctx context.Context, bounds state.RangeBounds) (id string, err error) {
	defer func(start time.Time) { record(w.m, "market", "open_range_position", start, err) }(time.Now())
	return w.next.OpenRangePosition(ctx, bounds)
}

func (w *meteredMarket) IncreaseLiquidity(ctx context.Context, positionID string, liquidity uint256.Int, max collab.TokenAmounts) (out collab.TokenAmounts, err error) {
	defer func(start time.Time) { record(w.m, "market", "increase_liquidity", start, err) }(time.Now())
	return w.next.IncreaseLiquidity(ctx, positionID, liquidity, max)
}

func (w *meteredMarket) DecreaseLiquidity(ctx context.Context, positionID string, liquidity uint256.Int, min collab.TokenAmounts) (out collab.TokenAmounts, err error) {
	defer func(start time.Time) { record(w.m, "market", "decrease_liquidity", start, err) }(time.Now())
	return w.next.DecreaseLiquidity(ctx, positionID, liquidity, min)
}

type meteredLender struct {
	next collab.Lender
	m    *observability.Metrics
}

func (w *meteredLender) Deposit(ctx context.Context, market collab.LendingMarket, amount uint64) (err error) {
	defer func(start time.Time) { record(w.m, "lender", "deposit_"+market.String(), start, err) }(time.Now())
	return w.next.Deposit(ctx, market, amount)
}

func (w *meteredLender) Withdraw(ctx context.Context, market collab.LendingMarket, amount uint64) (err error) {
	defer func(start time.Time) { record(w.m, "lender", "withdraw_"+market.String(), start, err) }(time.Now())
	return w.next.Withdraw(ctx, market, amount)
}

func (w *meteredLender) RefreshCumulativeInterest(ctx context.Context) (err error) {
	defer func(start time.Time) { record(w.m, "lender", "refresh_interest", start, err) }(time.Now())
	return w.next.RefreshCumulativeInterest(ctx)
}

func (w *meteredLender) OutstandingPrincipalWithInterest(ctx context.Context, market collab.LendingMarket) (v uint64, err error) {
	defer func(start time.Time) { record(w.m, "lender", "outstanding_"+market.String(), start, err) }(time.Now())
	return w.next.OutstandingPrincipalWithInterest(ctx, market)
}
