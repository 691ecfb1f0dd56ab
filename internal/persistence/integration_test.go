package persistence_test

import (
	"context"
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"HedgeVault/internal/collab"
	"HedgeVault/internal/collab/sim"
	"HedgeVault/internal/core"
	"HedgeVault/internal/persistence"
	"HedgeVault/internal/rangemath"
	"HedgeVault/internal/state"
	"HedgeVault/internal/testutil"
)

// TestRoundTripThroughPostgres persists a short history and restores it.
func TestRoundTripThroughPostgres(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	rm := rangemath.New()
	m, err := sim.NewMarket(rm, 0)
	require.NoError(t, err)
	lender := sim.NewLender()
	persist := make(chan core.CoreOutput, 64)
	eng := core.NewEngine(core.Options{
		Resolver: core.ResolverFunc(func(uuid.UUID, state.VaultConfig) (core.Collaborators, error) {
			return core.Collaborators{Market: m, Lender: lender}, nil
		}),
		RangeMath:   rm,
		Logger:      zerolog.Nop(),
		PersistChan: persist,
	})

	vid, pid := uuid.New(), uuid.New()
	cfg := state.VaultConfig{
		TokenA: "SOL", TokenB: "USDC", TickSpacing: 8,
		FullTickRange: 800, VaultTickRange: 400, HedgeTickRange: 40, SlotCapacity: 4,
	}
	require.NoError(t, eng.InitializeVault(ctx, core.Command{VaultID: vid}, cfg))
	_, err = eng.OpenMarketPosition(ctx, core.Command{VaultID: vid})
	require.NoError(t, err)
	_, err = eng.OpenParticipant(ctx, core.Command{VaultID: vid, ParticipantID: pid, IdempotencyKey: "open-1"})
	require.NoError(t, err)
	_, err = eng.DepositLiquidity(ctx, core.LiquidityRequest{
		Command:   core.Command{VaultID: vid, ParticipantID: pid, IdempotencyKey: "dep-1"},
		Liquidity: *uint256.NewInt(1_000_000_000),
		Limit:     collab.TokenAmounts{A: math.MaxUint64, B: math.MaxUint64},
	})
	require.NoError(t, err)
	require.NoError(t, m.SetTick(300))
	_, err = eng.RebalanceMarket(ctx, core.Command{VaultID: vid})
	require.NoError(t, err)

	batch := persistence.NewBatch()
	for len(persist) > 0 {
		batch.Add(<-persist)
	}
	require.Equal(t, 5, batch.Len())

	w := persistence.NewStateWriter(db)
	require.NoError(t, w.Write(ctx, batch))
	// replaying the same batch is a no-op
	require.NoError(t, w.Write(ctx, batch))

	snap, err := persistence.NewSnapshotLoader(db).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, eng.Sequence(), snap.NextSequence)
	assert.Equal(t, eng.ChainTip(), snap.ChainTip)

	require.Len(t, snap.Vaults, 1)
	want, _ := eng.Vault(vid)
	got := snap.Vaults[0]
	assert.Equal(t, want.Config, got.Config)
	assert.Equal(t, want.Accumulator, got.Accumulator)
	assert.Equal(t, want.Version, got.Version)
	require.Equal(t, 2, got.Epochs.MarketEpochCount())
	e0, _ := got.Epochs.MarketEpoch(0)
	w0, _ := want.Epochs.MarketEpoch(0)
	assert.True(t, e0.Closed)
	assert.Equal(t, w0.LiquidityDiff, e0.LiquidityDiff)

	require.Len(t, snap.Participants, 1)
	wantP, _ := eng.Participant(pid)
	assert.Equal(t, wantP, snap.Participants[0])

	idem := persistence.NewPostgresIdempotencyChecker(db)
	dup, err := idem.IsDuplicate("LiquidityDeposited", "dep-1")
	require.NoError(t, err)
	assert.True(t, dup)
	keys, err := idem.RecentKeys(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"ParticipantOpened:open-1", "LiquidityDeposited:dep-1"}, keys)

	events, err := persistence.NewSnapshotLoader(db).LoadEventsFrom(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, events, 5)
	genesis := core.GenesisHash()
	assert.NoError(t, persistence.VerifyChain(genesis[:], events))

	pending, err := persistence.NewMigrator(db, testutil.MigrationsDir(t), zerolog.Nop()).Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
