package query

import (
	"context"
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"HedgeVault/internal/core"
	vmath "HedgeVault/internal/math"
	"HedgeVault/internal/persistence"
	"HedgeVault/internal/state"
	"HedgeVault/internal/vaulterr"
)

type fakeReader struct {
	vaults       map[uuid.UUID]*state.Vault
	participants map[uuid.UUID]*state.Participant
	seq          int64
}

func (f *fakeReader) Vault(id uuid.UUID) (*state.Vault, bool) {
	v, ok := f.vaults[id]
	return v, ok
}

func (f *fakeReader) Vaults() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(f.vaults))
	for id := range f.vaults {
		ids = append(ids, id)
	}
	return ids
}

func (f *fakeReader) Participant(id uuid.UUID) (*state.Participant, bool) {
	p, ok := f.participants[id]
	return p, ok
}

func (f *fakeReader) Participants(vaultID uuid.UUID) []*state.Participant {
	var out []*state.Participant
	for _, p := range f.participants {
		if p.VaultID == vaultID {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeReader) Sequence() int64 { return f.seq }

type fakeLog struct {
	rows []persistence.EventRow
	err  error
}

func (f *fakeLog) LoadEventsFrom(_ context.Context, from int64, limit int) ([]persistence.EventRow, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []persistence.EventRow
	for _, r := range f.rows {
		if r.Sequence >= from && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func testVault(t *testing.T) *state.Vault {
	t.Helper()
	v, err := state.NewVault(uuid.New(), state.VaultConfig{
		TokenA: "SOL", TokenB: "USDC",
		TickSpacing:   8,
		FullTickRange: 4000, VaultTickRange: 2000, HedgeTickRange: 200,
		SlotCapacity: 2,
	})
	require.NoError(t, err)

	v.Accumulator.TotalLiquidity.SetUint64(1_000)
	for i := 0; i < 3; i++ {
		var e state.MarketEpoch
		e.Liquidity.SetUint64(1_000)
		e.Working.LowerTick = int32(-100 + i)
		_, err := v.Epochs.OpenMarketEpoch(e)
		require.NoError(t, err)
		if i < 2 {
			require.NoError(t, v.Epochs.CloseCurrentMarketEpoch(vmath.Diff128{}))
		}
	}
	_, err = v.Epochs.OpenHedgeEpoch(state.BorrowSlot{BorrowedAmount: 50, BorrowedNotional: 500})
	require.NoError(t, err)
	require.NoError(t, v.Epochs.CloseCurrentSlot(10, 100))
	_, ok := v.Epochs.AdvanceSlot(state.BorrowSlot{BorrowedAmount: 60, BorrowedNotional: 600})
	require.True(t, ok)
	return v
}

func newFixture(t *testing.T) (*QueryService, *fakeReader, *state.Vault) {
	v := testVault(t)
	r := &fakeReader{
		vaults:       map[uuid.UUID]*state.Vault{v.ID: v},
		participants: map[uuid.UUID]*state.Participant{},
		seq:          42,
	}
	return NewQueryService(r, &fakeLog{}), r, v
}

func TestGetVault(t *testing.T) {
	qs, _, v := newFixture(t)

	got, err := qs.GetVault(v.ID)
	require.NoError(t, err)
	assert.Equal(t, "1000", got.TotalLiquidity)
	assert.Equal(t, int64(41), got.AsOfSequence)
	require.NotNil(t, got.CurrentMarketEpoch)
	assert.Equal(t, uint64(2), *got.CurrentMarketEpoch)
	require.NotNil(t, got.WorkingRange)
	assert.Equal(t, int32(-98), got.WorkingRange.LowerTick)
	require.NotNil(t, got.CurrentBorrowSlot)
	assert.Equal(t, 1, *got.CurrentBorrowSlot)
	assert.Equal(t, 3, got.MarketEpochCount)

	_, err = qs.GetVault(uuid.New())
	assert.ErrorIs(t, err, vaulterr.ErrUnknownVault)

	assert.Len(t, qs.ListVaults(), 1)
}

func TestListMarketEpochsPaginates(t *testing.T) {
	qs, _, v := newFixture(t)

	page, err := qs.ListMarketEpochs(v.ID, 0, 2)
	require.NoError(t, err)
	require.Len(t, page.Epochs, 2)
	assert.True(t, page.Epochs[0].Closed)
	require.NotNil(t, page.NextEpochID)
	assert.Equal(t, uint64(2), *page.NextEpochID)

	page, err = qs.ListMarketEpochs(v.ID, *page.NextEpochID, 2)
	require.NoError(t, err)
	require.Len(t, page.Epochs, 1)
	assert.False(t, page.Epochs[0].Closed)
	assert.Nil(t, page.NextEpochID)

	page, err = qs.ListMarketEpochs(v.ID, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, page.Epochs)
}

func TestListHedgeEpochsIncludesSlots(t *testing.T) {
	qs, _, v := newFixture(t)

	page, err := qs.ListHedgeEpochs(v.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, page.Epochs, 1)
	h := page.Epochs[0]
	require.Len(t, h.Slots, 2)
	assert.True(t, h.Slots[0].Closed)
	assert.Equal(t, int64(10), h.Slots[0].BorrowedAmountDiff)
	assert.Equal(t, uint64(60), h.Slots[1].BorrowedAmount)
	assert.Equal(t, 1, h.CurrentSlot)
}

func TestParticipantSyncedFlag(t *testing.T) {
	qs, r, v := newFixture(t)

	synced := state.NewParticipant(uuid.New(), v)
	synced.Liquidity = *uint256.NewInt(250)
	behind := state.NewParticipant(uuid.New(), v)
	behind.MarketEpochCursor = 0
	r.participants[synced.ID] = synced
	r.participants[behind.ID] = behind

	got, err := qs.GetParticipant(synced.ID)
	require.NoError(t, err)
	assert.True(t, got.Synced)
	assert.Equal(t, "250", got.Liquidity)

	got, err = qs.GetParticipant(behind.ID)
	require.NoError(t, err)
	assert.False(t, got.Synced)

	list, err := qs.ListParticipants(v.ID)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = qs.GetParticipant(uuid.New())
	assert.ErrorIs(t, err, vaulterr.ErrUnknownParticipant)
	_, err = qs.ListParticipants(uuid.New())
	assert.ErrorIs(t, err, vaulterr.ErrUnknownVault)
}

// chain builds n correctly linked events from genesis.
func chain(n int, vaultID uuid.UUID) []persistence.EventRow {
	g := core.GenesisHash()
	prev := g[:]
	rows := make([]persistence.EventRow, n)
	for i := range rows {
		h := sha256.Sum256(append(append([]byte{}, prev...), byte(i)))
		rows[i] = persistence.EventRow{
			Sequence:  int64(i),
			EventType: "VaultRefreshed",
			VaultID:   vaultID,
			PrevHash:  prev,
			StateHash: h[:],
		}
		prev = h[:]
	}
	return rows
}

func TestListEventsFiltersByVault(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	rows := chain(4, a)
	rows[1].VaultID = b
	rows[2].Payload = []byte(`{"x":1}`)
	qs := NewQueryService(&fakeReader{}, &fakeLog{rows: rows})

	all, err := qs.ListEvents(context.Background(), 0, 0, nil)
	require.NoError(t, err)
	assert.Len(t, all, 4)
	assert.JSONEq(t, `null`, string(all[0].Payload))
	assert.JSONEq(t, `{"x":1}`, string(all[2].Payload))

	onlyA, err := qs.ListEvents(context.Background(), 1, 10, &a)
	require.NoError(t, err)
	require.Len(t, onlyA, 2)
	assert.Equal(t, int64(2), onlyA[0].Sequence)

	qs = NewQueryService(&fakeReader{}, &fakeLog{err: errors.New("db down")})
	_, err = qs.ListEvents(context.Background(), 0, 0, nil)
	assert.Error(t, err)
}

func TestVerifyIntegrity(t *testing.T) {
	rows := chain(2500, uuid.New())
	qs := NewQueryService(&fakeReader{}, &fakeLog{rows: rows})

	report, err := qs.VerifyIntegrity(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Passed)
	assert.Equal(t, int64(2500), report.EventsChecked)
	assert.Equal(t, int64(2499), report.LastSequence)

	rows[1700].PrevHash = rows[10].StateHash
	report, err = qs.VerifyIntegrity(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Passed)
	assert.Contains(t, report.ErrorDetail, "1700")

	empty := NewQueryService(&fakeReader{}, &fakeLog{})
	report, err = empty.VerifyIntegrity(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Passed)
	assert.Equal(t, int64(-1), report.LastSequence)
}
