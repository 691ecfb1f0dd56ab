package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"HedgeVault/internal/core"
	"HedgeVault/internal/event"
	"HedgeVault/internal/keeper"
	"HedgeVault/internal/observability"
	"HedgeVault/internal/vaulterr"
)

const sqrtPriceOne = "18446744073709551616" // 1.0 in Q64.64

func tickJSON(t *testing.T, vault string, seq int64, tick int32, sqrt string) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]interface{}{
		"vault_id":       vault,
		"sequence":       seq,
		"tick":           tick,
		"sqrt_price_x64": sqrt,
		"timestamp_us":   int64(1700000000000000),
	})
	require.NoError(t, err)
	return data
}

func TestParsePriceTick(t *testing.T) {
	vid := uuid.New()
	pt, err := ParsePriceTick(tickJSON(t, vid.String(), 42, -120, sqrtPriceOne))
	require.NoError(t, err)
	assert.Equal(t, vid, pt.Vault)
	assert.Equal(t, int64(42), pt.Sequence)
	assert.Equal(t, int32(-120), pt.Tick)
	assert.Equal(t, sqrtPriceOne, pt.SqrtPrice.Dec())
	assert.Equal(t, int64(1700000000000000), pt.Timestamp)
}

func TestParsePriceTickRejects(t *testing.T) {
	vid := uuid.New().String()
	cases := []struct {
		name string
		data []byte
	}{
		{"not json", []byte(`{`)},
		{"bad vault", tickJSON(t, "nope", 1, 0, sqrtPriceOne)},
		{"negative sequence", tickJSON(t, vid, -1, 0, sqrtPriceOne)},
		{"tick out of bounds", tickJSON(t, vid, 1, 500000, sqrtPriceOne)},
		{"sqrt not decimal", tickJSON(t, vid, 1, 0, "0x10")},
		{"sqrt over 128 bits", tickJSON(t, vid, 1, 0, "340282366920938463463374607431768211456")},
		{"zero sqrt", tickJSON(t, vid, 1, 0, "0")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParsePriceTick(tc.data)
			assert.Error(t, err)
		})
	}
}

func TestVaultFromSubject(t *testing.T) {
	vid := uuid.New()
	got, err := vaultFromSubject(PriceSubject(vid))
	require.NoError(t, err)
	assert.Equal(t, vid, got)

	_, err = vaultFromSubject("vault.events.x")
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// Subscriber
// ---------------------------------------------------------------------------

type fakeChecker struct {
	calls int
	err   error
	out   keeper.Outcome
}

func (f *fakeChecker) CheckVault(_ context.Context, _ uuid.UUID) (keeper.Outcome, error) {
	f.calls++
	return f.out, f.err
}

func newTestSubscriber(checker VaultChecker) (*PriceSubscriber, *observability.Metrics) {
	m := observability.NewMetricsWith(prometheus.NewRegistry())
	return NewPriceSubscriber(nil, core.NewSequenceValidator(), checker, m, zerolog.Nop()), m
}

func TestSubscriberHandlesSequence(t *testing.T) {
	checker := &fakeChecker{out: keeper.Outcome{MarketRebalance: true}}
	s, m := newTestSubscriber(checker)
	vid := uuid.New()
	subj := PriceSubject(vid)
	ctx := context.Background()

	assert.Equal(t, dispAck, s.handle(ctx, subj, tickJSON(t, vid.String(), 1, 10, sqrtPriceOne)))
	assert.Equal(t, dispAck, s.handle(ctx, subj, tickJSON(t, vid.String(), 4, 10, sqrtPriceOne)))
	// stale: acked without a check
	assert.Equal(t, dispAck, s.handle(ctx, subj, tickJSON(t, vid.String(), 3, 10, sqrtPriceOne)))

	assert.Equal(t, 2, checker.calls)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PriceTicks.WithLabelValues("accepted")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PriceTicks.WithLabelValues("gap")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PriceTicks.WithLabelValues("stale")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PriceTickGaps.WithLabelValues(vid.String())))
}

func TestSubscriberTerminatesMalformed(t *testing.T) {
	checker := &fakeChecker{}
	s, m := newTestSubscriber(checker)
	vid := uuid.New()

	assert.Equal(t, dispTerm, s.handle(context.Background(), PriceSubject(vid), []byte(`garbage`)))
	// payload for another vault than the subject names
	other := tickJSON(t, uuid.New().String(), 1, 0, sqrtPriceOne)
	assert.Equal(t, dispTerm, s.handle(context.Background(), PriceSubject(vid), other))

	assert.Zero(t, checker.calls)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.PriceTicks.WithLabelValues("malformed")))
}

func TestSubscriberNaksFailedCheckAndAcceptsRedelivery(t *testing.T) {
	checker := &fakeChecker{err: errors.New("market maker unavailable")}
	s, _ := newTestSubscriber(checker)
	vid := uuid.New()
	data := tickJSON(t, vid.String(), 7, 0, sqrtPriceOne)

	assert.Equal(t, dispNak, s.handle(context.Background(), PriceSubject(vid), data))

	checker.err = nil
	assert.Equal(t, dispAck, s.handle(context.Background(), PriceSubject(vid), data))
	assert.Equal(t, 2, checker.calls)
	assert.Equal(t, int64(8), s.validator.GetExpectedSequence(vid))
}

func TestSubscriberTerminatesUnknownVault(t *testing.T) {
	checker := &fakeChecker{err: fmt.Errorf("check: %w", vaulterr.ErrUnknownVault)}
	s, _ := newTestSubscriber(checker)
	vid := uuid.New()
	assert.Equal(t, dispTerm, s.handle(context.Background(), PriceSubject(vid), tickJSON(t, vid.String(), 0, 0, sqrtPriceOne)))
}

// ---------------------------------------------------------------------------
// Publisher
// ---------------------------------------------------------------------------

type published struct {
	subject string
	data    []byte
}

type fakeStream struct {
	mu   sync.Mutex
	msgs []published
	fail bool
}

func (f *fakeStream) Publish(_ context.Context, subject string, payload []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("no responders")
	}
	f.msgs = append(f.msgs, published{subject: subject, data: payload})
	return &jetstream.PubAck{}, nil
}

func TestOutboundPublisherPublishesEnvelopes(t *testing.T) {
	js := &fakeStream{}
	in := make(chan core.CoreOutput, 4)
	op := NewOutboundPublisher(js, in, zerolog.Nop())

	vid, pid := uuid.New(), uuid.New()
	env := &event.EventEnvelope{
		Sequence:       12,
		IdempotencyKey: "dep-1",
		EventType:      event.EventTypeLiquidityDeposited,
		VaultID:        vid,
		ParticipantID:  &pid,
		Payload:        []byte(`{"liquidity":"100"}`),
		Timestamp:      time.Unix(1_700_000_000, 0).UTC(),
	}
	env.StateHash[0] = 0xff
	in <- core.CoreOutput{Envelope: env}
	in <- core.CoreOutput{} // no envelope: skipped
	close(in)

	require.NoError(t, op.Run(context.Background()))
	require.Len(t, js.msgs, 1)
	assert.Equal(t, "vault.events.LiquidityDeposited."+vid.String(), js.msgs[0].subject)

	var got PublishedEvent
	require.NoError(t, json.Unmarshal(js.msgs[0].data, &got))
	assert.Equal(t, int64(12), got.Sequence)
	assert.Equal(t, "LiquidityDeposited", got.EventType)
	require.NotNil(t, got.ParticipantID)
	assert.Equal(t, pid.String(), *got.ParticipantID)
	assert.JSONEq(t, `{"liquidity":"100"}`, string(got.Payload))
	assert.Equal(t, "ff", got.StateHash[:2])
}

func TestOutboundPublisherSurvivesPublishErrors(t *testing.T) {
	js := &fakeStream{fail: true}
	in := make(chan core.CoreOutput, 1)
	op := NewOutboundPublisher(js, in, zerolog.Nop())
	in <- core.CoreOutput{Envelope: &event.EventEnvelope{VaultID: uuid.New()}}
	close(in)
	assert.NoError(t, op.Run(context.Background()))
	assert.Empty(t, js.msgs)
}
