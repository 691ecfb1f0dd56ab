package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"HedgeVault/internal/core"
	"HedgeVault/internal/event"
	"HedgeVault/internal/observability"
	"HedgeVault/internal/state"
)

func output(seq int64, v *state.Vault, p *state.Participant) core.CoreOutput {
	env := &event.EventEnvelope{
		Sequence:  seq,
		EventType: event.EventTypeVaultRefreshed,
		VaultID:   v.ID,
		Payload:   []byte(`{}`),
	}
	env.StateHash[0] = byte(seq + 1)
	env.PrevHash[0] = byte(seq)
	return core.CoreOutput{Envelope: env, Vault: v, Participant: p}
}

func TestBatchKeepsLatestVersions(t *testing.T) {
	vid := uuid.New()
	v1 := &state.Vault{ID: vid, Version: 1}
	v2 := &state.Vault{ID: vid, Version: 2}
	pid := uuid.New()
	p1 := &state.Participant{ID: pid, VaultID: vid, Version: 1}
	p2 := &state.Participant{ID: pid, VaultID: vid, Version: 2}

	b := NewBatch()
	b.Add(output(10, v1, p1))
	b.Add(output(11, v2, p2))

	out := output(12, v2, p2)
	out.ParticipantRemoved = true
	b.Add(out)

	require.Equal(t, 3, b.Len())
	assert.Equal(t, int64(12), b.LastSequence())

	vaults := sortedVaults(b.vaults)
	require.Len(t, vaults, 1)
	assert.Equal(t, uint64(2), vaults[0].vault.Version)
	assert.Equal(t, int64(12), vaults[0].sequence)

	parts := sortedParticipants(b.participants)
	require.Len(t, parts, 1)
	assert.True(t, parts[0].removed)

	b.Reset()
	assert.Zero(t, b.Len())
	assert.Equal(t, int64(-1), b.LastSequence())
	assert.Empty(t, b.vaults)
}

func TestBatchOrdersEpochsByVaultThenID(t *testing.T) {
	vid := uuid.New()
	v := &state.Vault{ID: vid}
	out := output(0, v, nil)
	out.MarketEpochs = []*state.MarketEpoch{
		{VaultID: vid, ID: 2},
		{VaultID: vid, ID: 1, Closed: true},
	}
	b := NewBatch()
	b.Add(out)

	// the second output re-closes epoch 2 and opens 3
	out2 := output(1, v, nil)
	out2.MarketEpochs = []*state.MarketEpoch{
		{VaultID: vid, ID: 2, Closed: true},
		{VaultID: vid, ID: 3},
	}
	b.Add(out2)

	eps := sortedMarket(b.market)
	require.Len(t, eps, 3)
	for i, want := range []uint64{1, 2, 3} {
		assert.Equal(t, want, eps[i].ID)
	}
	assert.True(t, eps[1].Closed)
}

func TestEventRowFromEnvelope(t *testing.T) {
	pid := uuid.New()
	env := &event.EventEnvelope{
		Sequence:       7,
		IdempotencyKey: "k1",
		EventType:      event.EventTypeLiquidityDeposited,
		VaultID:        uuid.New(),
		ParticipantID:  &pid,
		Payload:        []byte(`{"a":1}`),
		Timestamp:      time.Unix(1_700_000_000, 0).UTC(),
	}
	env.StateHash[31] = 0xAB

	row := eventRowFrom(env)
	assert.Equal(t, "LiquidityDeposited", row.EventType)
	assert.Equal(t, &pid, row.ParticipantID)
	assert.Len(t, row.StateHash, 32)
	assert.Equal(t, byte(0xAB), row.StateHash[31])
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "($1, $2, $3)", placeholders(0, 3))
	assert.Equal(t, "($10, $11)", placeholders(9, 2))
}

func TestMigrationVersion(t *testing.T) {
	assert.Equal(t, "000001", migrationVersion("000001_vault_ledger.up.sql"))
	assert.Equal(t, "noversion.sql", migrationVersion("noversion.sql"))
}

func TestDecoderKeepsFirstError(t *testing.T) {
	var d decoder
	a := d.u128("340282366920938463463374607431768211455") // 2^128 - 1
	assert.NoError(t, d.err)
	assert.Equal(t, 128, a.BitLen())

	diff := d.diff("-42")
	assert.True(t, diff.Negative)
	assert.Equal(t, uint64(42), diff.Magnitude.Uint64())

	d.u64("not a number")
	require.Error(t, d.err)
	first := d.err
	d.u128("340282366920938463463374607431768211456") // 2^128
	assert.Equal(t, first, d.err)
}

func TestVerifyChain(t *testing.T) {
	h := func(b byte) []byte {
		out := make([]byte, 32)
		out[0] = b
		return out
	}
	events := []EventRow{
		{Sequence: 5, PrevHash: h(1), StateHash: h(2)},
		{Sequence: 6, PrevHash: h(2), StateHash: h(3)},
		{Sequence: 7, PrevHash: h(3), StateHash: h(4)},
	}
	require.NoError(t, VerifyChain(h(1), events))
	require.NoError(t, VerifyChain(nil, events))

	assert.Error(t, VerifyChain(h(9), events))

	broken := append([]EventRow(nil), events...)
	broken[2].PrevHash = h(8)
	assert.Error(t, VerifyChain(nil, broken))

	gap := []EventRow{events[0], events[2]}
	assert.Error(t, VerifyChain(nil, gap))
}

// ---------------------------------------------------------------------------
// Worker
// ---------------------------------------------------------------------------

type fakeWriter struct {
	mu       sync.Mutex
	failures int
	batches  [][]int64
}

func (f *fakeWriter) Write(_ context.Context, b *Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("connection refused")
	}
	seqs := make([]int64, 0, b.Len())
	for _, e := range b.Events {
		seqs = append(seqs, e.Sequence)
	}
	f.batches = append(f.batches, seqs)
	return nil
}

func (f *fakeWriter) written() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []int64
	for _, b := range f.batches {
		all = append(all, b...)
	}
	return all
}

func TestWorkerFlushesFullBatches(t *testing.T) {
	w := &fakeWriter{}
	in := make(chan core.CoreOutput, 16)
	worker := NewWorker(w, in, 2, time.Hour, nil, zerolog.Nop())

	v := &state.Vault{ID: uuid.New()}
	for i := int64(0); i < 5; i++ {
		in <- output(i, v, nil)
	}
	close(in)

	require.NoError(t, worker.Run(context.Background()))
	assert.Equal(t, []int64{0, 1, 2, 3, 4}, w.written())
	require.Len(t, w.batches, 3)
	assert.Equal(t, []int64{4}, w.batches[2])
}

func TestWorkerFlushesOnTimeout(t *testing.T) {
	w := &fakeWriter{}
	in := make(chan core.CoreOutput, 1)
	worker := NewWorker(w, in, 100, 10*time.Millisecond, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	in <- output(0, &state.Vault{ID: uuid.New()}, nil)
	require.Eventually(t, func() bool { return len(w.written()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestWorkerRetriesUntilWritten(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetricsWith(reg)

	w := &fakeWriter{failures: 2}
	in := make(chan core.CoreOutput, 4)
	worker := NewWorker(w, in, 1, time.Hour, m, zerolog.Nop())
	worker.minBackoff = time.Millisecond
	worker.maxBackoff = 2 * time.Millisecond

	in <- output(0, &state.Vault{ID: uuid.New()}, nil)
	close(in)
	require.NoError(t, worker.Run(context.Background()))

	assert.Equal(t, []int64{0}, w.written())
	assert.Equal(t, float64(2), testutil.ToFloat64(m.PersistRetry))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.PersistErrors.WithLabelValues("write")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PersistTxWritten))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.PersistLastSequence))
}
