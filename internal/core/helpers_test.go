package core_test

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"HedgeVault/internal/collab"
	"HedgeVault/internal/collab/sim"
	"HedgeVault/internal/core"
	"HedgeVault/internal/rangemath"
	"HedgeVault/internal/state"
)

var noLimit = collab.TokenAmounts{A: math.MaxUint64, B: math.MaxUint64}

func testConfig() state.VaultConfig {
	return state.VaultConfig{
		TokenA:         "SOL",
		TokenB:         "USDC",
		TickSpacing:    8,
		FullTickRange:  800,
		VaultTickRange: 400,
		HedgeTickRange: 40,
		SlotCapacity:   4,
	}
}

// hookMarket runs an armed hook once, on the next CurrentPrice call. It can
// also withhold part of collected base-token fees.
type hookMarket struct {
	*sim.Market
	mu       sync.Mutex
	hook     func()
	withheld uint64
}

func (m *hookMarket) withhold(a uint64) {
	m.mu.Lock()
	m.withheld = a
	m.mu.Unlock()
}

func (m *hookMarket) CollectFees(ctx context.Context, positionID string) (collab.TokenAmounts, error) {
	fees, err := m.Market.CollectFees(ctx, positionID)
	if err != nil {
		return fees, err
	}
	m.mu.Lock()
	fees.A -= min(m.withheld, fees.A)
	m.mu.Unlock()
	return fees, nil
}

func (m *hookMarket) arm(f func()) {
	m.mu.Lock()
	m.hook = f
	m.mu.Unlock()
}

func (m *hookMarket) CurrentPrice(ctx context.Context) (collab.Price, error) {
	m.mu.Lock()
	f := m.hook
	m.hook = nil
	m.mu.Unlock()
	if f != nil {
		f()
	}
	return m.Market.CurrentPrice(ctx)
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	rm     rangemath.Math
	market *hookMarket
	lender *sim.Lender
	eng    *core.Engine
	out    chan core.CoreOutput
	vault  uuid.UUID
}

// newHarness returns an engine with one initialized vault whose market
// position is open at tick 0.
func newHarness(t *testing.T) *harness {
	t.Helper()
	rm := rangemath.New()
	m, err := sim.NewMarket(rm, 0)
	require.NoError(t, err)

	h := &harness{
		t:      t,
		ctx:    context.Background(),
		rm:     rm,
		market: &hookMarket{Market: m},
		lender: sim.NewLender(),
		out:    make(chan core.CoreOutput, 4096),
		vault:  uuid.New(),
	}
	h.eng = core.NewEngine(core.Options{
		Resolver: core.ResolverFunc(func(uuid.UUID, state.VaultConfig) (core.Collaborators, error) {
			return core.Collaborators{Market: h.market, Lender: h.lender}, nil
		}),
		RangeMath:   rm,
		Logger:      zerolog.Nop(),
		PersistChan: h.out,
	})

	require.NoError(t, h.eng.InitializeVault(h.ctx, core.Command{VaultID: h.vault}, testConfig()))
	_, err = h.eng.OpenMarketPosition(h.ctx, h.cmd(uuid.Nil))
	require.NoError(t, err)
	return h
}

func (h *harness) cmd(participant uuid.UUID) core.Command {
	return core.Command{VaultID: h.vault, ParticipantID: participant}
}

func (h *harness) openHedge() {
	h.t.Helper()
	_, err := h.eng.OpenHedgePosition(h.ctx, h.cmd(uuid.Nil))
	require.NoError(h.t, err)
}

func (h *harness) participant() uuid.UUID {
	h.t.Helper()
	id := uuid.New()
	_, err := h.eng.OpenParticipant(h.ctx, h.cmd(id))
	require.NoError(h.t, err)
	return id
}

func (h *harness) deposit(id uuid.UUID, liquidity uint64) {
	h.t.Helper()
	_, err := h.eng.DepositLiquidity(h.ctx, core.LiquidityRequest{
		Command:   h.cmd(id),
		Liquidity: *uint256.NewInt(liquidity),
		Limit:     noLimit,
	})
	require.NoError(h.t, err)
}

func (h *harness) hedge(id uuid.UUID, collateral, borrow uint64) {
	h.t.Helper()
	_, err := h.eng.IncreaseHedge(h.ctx, core.HedgeRequest{Command: h.cmd(id), Collateral: collateral, Borrow: borrow})
	require.NoError(h.t, err)
}

func (h *harness) setTick(tick int32) {
	h.t.Helper()
	require.NoError(h.t, h.market.SetTick(tick))
}

func (h *harness) syncAll(id uuid.UUID) core.SyncResult {
	h.t.Helper()
	res, err := h.eng.SyncAll(h.ctx, h.cmd(id))
	require.NoError(h.t, err)
	return res
}

func (h *harness) vaultState() *state.Vault {
	h.t.Helper()
	v, ok := h.eng.Vault(h.vault)
	require.True(h.t, ok)
	return v
}

func (h *harness) get(id uuid.UUID) *state.Participant {
	h.t.Helper()
	p, ok := h.eng.Participant(id)
	require.True(h.t, ok)
	return p
}

func (h *harness) drain() []core.CoreOutput {
	var outs []core.CoreOutput
	for {
		select {
		case o := <-h.out:
			outs = append(outs, o)
		default:
			return outs
		}
	}
}

func (h *harness) outstanding(market collab.LendingMarket) uint64 {
	h.t.Helper()
	v, err := h.lender.OutstandingPrincipalWithInterest(h.ctx, market)
	require.NoError(h.t, err)
	return v
}

// isZero binds a returned uint256.Int so its pointer-receiver IsZero can be called.
func isZero(x uint256.Int) bool { return x.IsZero() }
