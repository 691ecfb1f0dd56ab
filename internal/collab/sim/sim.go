// Package sim provides in-memory market maker and lender collaborators. They
// back the engine tests and the service's simulated profile.
package sim

import (
	"context"
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"HedgeVault/internal/collab"
	vmath "HedgeVault/internal/math"
	"HedgeVault/internal/state"
	"HedgeVault/internal/vaulterr"
)

// faults holds one-shot injected failures keyed by operation name.
type faults struct {
	next map[string]error
}

func (f *faults) take(op string) error {
	if f.next == nil {
		return nil
	}
	err, ok := f.next[op]
	if ok {
		delete(f.next, op)
	}
	return err
}

func (f *faults) set(op string, err error) {
	if f.next == nil {
		f.next = make(map[string]error)
	}
	f.next[op] = err
}

type position struct {
	bounds    state.RangeBounds
	liquidity uint256.Int
	growthA   uint256.Int
	growthB   uint256.Int
	settledA  uint256.Int
	settledB  uint256.Int
	owedA     uint64
	owedB     uint64
}

// settle moves fees earned since the last liquidity change into owed.
func (p *position) settle() error {
	dA, err := vmath.MulShiftRight64(p.liquidity, vmath.WrappingSub128(p.growthA, p.settledA))
	if err != nil {
		return err
	}
	dB, err := vmath.MulShiftRight64(p.liquidity, vmath.WrappingSub128(p.growthB, p.settledB))
	if err != nil {
		return err
	}
	p.owedA += dA
	p.owedB += dB
	p.settledA = p.growthA
	p.settledB = p.growthB
	return nil
}

// Market is a single-pool market maker that fills swaps at the current
// price without impact.
type Market struct {
	mu        sync.Mutex
	rm        collab.RangeMath
	price     collab.Price
	positions map[string]*position
	nextID    int
	faults    faults

	swaps []collab.SwapRequest
}

var _ collab.MarketMaker = (*Market)(nil)

func NewMarket(rm collab.RangeMath, tick int32) (*Market, error) {
	m := &Market{
		rm:        rm,
		positions: make(map[string]*position),
	}
	if err := m.SetTick(tick); err != nil {
		return nil, err
	}
	return m, nil
}

// SetTick moves the pool price.
func (m *Market) SetTick(tick int32) error {
	sp, err := m.rm.SqrtPriceAtTick(tick)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.price = collab.Price{SqrtPrice: sp, Tick: tick}
	m.mu.Unlock()
	return nil
}

// AccrueFees adds per-unit fee growth to every position holding liquidity.
func (m *Market) AccrueFees(growthA, growthB uint256.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.positions {
		if p.liquidity.IsZero() {
			continue
		}
		p.growthA = vmath.WrappingAdd128(p.growthA, growthA)
		p.growthB = vmath.WrappingAdd128(p.growthB, growthB)
	}
}

// FailNext makes the next call of op return err.
func (m *Market) FailNext(op string, err error) {
	m.mu.Lock()
	m.faults.set(op, err)
	m.mu.Unlock()
}

// Swaps returns the swaps executed so far.
func (m *Market) Swaps() []collab.SwapRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]collab.SwapRequest, len(m.swaps))
	copy(out, m.swaps)
	return out
}

// PositionLiquidity returns the liquidity held by a position.
func (m *Market) PositionLiquidity(id string) uint256.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.positions[id]; ok {
		return p.liquidity
	}
	return uint256.Int{}
}

func (m *Market) CurrentPrice(ctx context.Context) (collab.Price, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.faults.take("CurrentPrice"); err != nil {
		return collab.Price{}, err
	}
	return m.price, nil
}

func (m *Market) CurrentLiquidity(ctx context.Context) (uint256.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total uint256.Int
	for _, p := range m.positions {
		if p.bounds.Contains(m.price.SqrtPrice) {
			total.Add(&total, &p.liquidity)
		}
	}
	return total, nil
}

func (m *Market) FeeGrowthTotals(ctx context.Context, positionID string) (uint256.Int, uint256.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.faults.take("FeeGrowthTotals"); err != nil {
		return uint256.Int{}, uint256.Int{}, err
	}
	p, err := m.position(positionID)
	if err != nil {
		return uint256.Int{}, uint256.Int{}, err
	}
	return p.growthA, p.growthB, nil
}

func (m *Market) CollectFees(ctx context.Context, positionID string) (collab.TokenAmounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.faults.take("CollectFees"); err != nil {
		return collab.TokenAmounts{}, err
	}
	p, err := m.position(positionID)
	if err != nil {
		return collab.TokenAmounts{}, err
	}
	if err := p.settle(); err != nil {
		return collab.TokenAmounts{}, err
	}
	out := collab.TokenAmounts{A: p.owedA, B: p.owedB}
	p.owedA, p.owedB = 0, 0
	return out, nil
}

func (m *Market) Swap(ctx context.Context, req collab.SwapRequest) (collab.SwapResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.faults.take("Swap"); err != nil {
		return collab.SwapResult{}, err
	}

	price, err := vmath.MulDiv(m.price.SqrtPrice, m.price.SqrtPrice, *vmath.Q64, vmath.RoundDown)
	if err != nil {
		return collab.SwapResult{}, err
	}
	amount := vmath.U128(req.Amount)

	var other uint256.Int
	switch {
	case req.AToB && req.ExactInput:
		other, err = vmath.MulDiv(amount, price, *vmath.Q64, vmath.RoundDown)
	case req.AToB:
		other, err = vmath.MulDiv(amount, *vmath.Q64, price, vmath.RoundUp)
	case req.ExactInput:
		other, err = vmath.MulDiv(amount, *vmath.Q64, price, vmath.RoundDown)
	default:
		other, err = vmath.MulDiv(amount, price, *vmath.Q64, vmath.RoundUp)
	}
	if err != nil {
		return collab.SwapResult{}, err
	}
	if !other.IsUint64() {
		return collab.SwapResult{}, vaulterr.Wrap(vaulterr.ErrMathOverflow, "swap of %d", req.Amount)
	}

	m.swaps = append(m.swaps, req)
	if req.ExactInput {
		return collab.SwapResult{AmountIn: req.Amount, AmountOut: other.Uint64()}, nil
	}
	return collab.SwapResult{AmountIn: other.Uint64(), AmountOut: req.Amount}, nil
}

func (m *Market) OpenRangePosition(ctx context.Context, bounds state.RangeBounds) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.faults.take("OpenRangePosition"); err != nil {
		return "", err
	}
	m.nextID++
	id := fmt.Sprintf("position-%d", m.nextID)
	m.positions[id] = &position{bounds: bounds}
	return id, nil
}

func (m *Market) IncreaseLiquidity(ctx context.Context, positionID string, liquidity uint256.Int, max collab.TokenAmounts) (collab.TokenAmounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.faults.take("IncreaseLiquidity"); err != nil {
		return collab.TokenAmounts{}, err
	}
	p, err := m.position(positionID)
	if err != nil {
		return collab.TokenAmounts{}, err
	}
	amounts, err := m.rm.AmountsForLiquidity(liquidity, m.price.SqrtPrice, p.bounds, true)
	if err != nil {
		return collab.TokenAmounts{}, err
	}
	if amounts.A > max.A || amounts.B > max.B {
		return collab.TokenAmounts{}, vaulterr.Wrap(vaulterr.ErrSlippageExceeded,
			"need %d/%d, max %d/%d", amounts.A, amounts.B, max.A, max.B)
	}
	if err := p.settle(); err != nil {
		return collab.TokenAmounts{}, err
	}
	p.liquidity.Add(&p.liquidity, &liquidity)
	return amounts, nil
}

func (m *Market) DecreaseLiquidity(ctx context.Context, positionID string, liquidity uint256.Int, min collab.TokenAmounts) (collab.TokenAmounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.faults.take("DecreaseLiquidity"); err != nil {
		return collab.TokenAmounts{}, err
	}
	p, err := m.position(positionID)
	if err != nil {
		return collab.TokenAmounts{}, err
	}
	if p.liquidity.Lt(&liquidity) {
		return collab.TokenAmounts{}, vaulterr.Wrap(vaulterr.ErrInsufficientBalance,
			"position %s holds %s, decrease %s", positionID, p.liquidity.Dec(), liquidity.Dec())
	}
	amounts, err := m.rm.AmountsForLiquidity(liquidity, m.price.SqrtPrice, p.bounds, false)
	if err != nil {
		return collab.TokenAmounts{}, err
	}
	if amounts.A < min.A || amounts.B < min.B {
		return collab.TokenAmounts{}, vaulterr.Wrap(vaulterr.ErrSlippageExceeded,
			"got %d/%d, min %d/%d", amounts.A, amounts.B, min.A, min.B)
	}
	if err := p.settle(); err != nil {
		return collab.TokenAmounts{}, err
	}
	p.liquidity.Sub(&p.liquidity, &liquidity)
	return amounts, nil
}

func (m *Market) position(id string) (*position, error) {
	p, ok := m.positions[id]
	if !ok {
		return nil, fmt.Errorf("unknown position %q", id)
	}
	return p, nil
}

// Lender is an in-memory lender with one collateral and one borrow market.
type Lender struct {
	mu          sync.Mutex
	outstanding [2]uint64
	refreshes   int
	faults      faults
}

var _ collab.Lender = (*Lender)(nil)

func NewLender() *Lender {
	return &Lender{}
}

// AccrueInterest adds interest to a market's outstanding balance.
func (l *Lender) AccrueInterest(market collab.LendingMarket, amount uint64) {
	l.mu.Lock()
	l.outstanding[market] += amount
	l.mu.Unlock()
}

// FailNext makes the next call of op return err.
func (l *Lender) FailNext(op string, err error) {
	l.mu.Lock()
	l.faults.set(op, err)
	l.mu.Unlock()
}

func (l *Lender) Refreshes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refreshes
}

func (l *Lender) Deposit(ctx context.Context, market collab.LendingMarket, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.faults.take("Deposit"); err != nil {
		return err
	}
	if market == collab.MarketBorrow {
		if amount > l.outstanding[market] {
			return fmt.Errorf("repay %d exceeds debt %d", amount, l.outstanding[market])
		}
		l.outstanding[market] -= amount
		return nil
	}
	l.outstanding[market] += amount
	return nil
}

func (l *Lender) Withdraw(ctx context.Context, market collab.LendingMarket, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.faults.take("Withdraw"); err != nil {
		return err
	}
	if market == collab.MarketBorrow {
		l.outstanding[market] += amount
		return nil
	}
	if amount > l.outstanding[market] {
		return fmt.Errorf("withdraw %d exceeds collateral %d", amount, l.outstanding[market])
	}
	l.outstanding[market] -= amount
	return nil
}

func (l *Lender) RefreshCumulativeInterest(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.faults.take("RefreshCumulativeInterest"); err != nil {
		return err
	}
	l.refreshes++
	return nil
}

func (l *Lender) OutstandingPrincipalWithInterest(ctx context.Context, market collab.LendingMarket) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.outstanding[market], nil
}
