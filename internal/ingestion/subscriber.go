package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"HedgeVault/internal/core"
	"HedgeVault/internal/keeper"
	"HedgeVault/internal/observability"
	"HedgeVault/internal/vaulterr"
)

// VaultChecker runs the rebalance checks for one vault.
type VaultChecker interface {
	CheckVault(ctx context.Context, vaultID uuid.UUID) (keeper.Outcome, error)
}

type disposition int

const (
	dispAck disposition = iota
	dispNak
	dispTerm
)

// PriceSubscriber consumes price ticks from JetStream and triggers
// rebalance checks for the ticked vault.
type PriceSubscriber struct {
	js        jetstream.JetStream
	validator *core.SequenceValidator
	checker   VaultChecker
	metrics   *observability.Metrics
	logger    zerolog.Logger
	consumer  jetstream.ConsumeContext
}

func NewPriceSubscriber(
	js jetstream.JetStream,
	validator *core.SequenceValidator,
	checker VaultChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PriceSubscriber {
	return &PriceSubscriber{
		js:        js,
		validator: validator,
		checker:   checker,
		metrics:   metrics,
		logger:    logger,
	}
}

// Subscribe creates the durable consumer on stream and starts consuming.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (s *PriceSubscriber) Subscribe(ctx context.Context, stream, durable string) error {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, stream, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: "vault.prices.>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", durable, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		switch s.handle(ctx, msg.Subject(), msg.Data()) {
		case dispAck:
			_ = msg.Ack()
		case dispNak:
			_ = msg.NakWithDelay(time.Second)
		case dispTerm:
			_ = msg.Term()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", durable, err)
	}
	s.consumer = cc
	s.logger.Info().Str("stream", stream).Str("consumer", durable).Msg("subscribed to price ticks")
	return nil
}

// handle processes one tick. Malformed ticks are terminated, stale ones
// acked and dropped. A failed check rolls the expected sequence back so
// the redelivered tick is accepted again.
func (s *PriceSubscriber) handle(ctx context.Context, subject string, data []byte) disposition {
	tick, err := ParsePriceTick(data)
	if err != nil {
		s.logger.Warn().Err(err).Str("subject", subject).Msg("dropping malformed price tick")
		s.countTick("malformed")
		return dispTerm
	}
	if subjectVault, err := vaultFromSubject(subject); err != nil || subjectVault != tick.Vault {
		s.logger.Warn().Str("subject", subject).Str("vault_id", tick.Vault.String()).Msg("price tick subject mismatch")
		s.countTick("malformed")
		return dispTerm
	}

	expected := s.validator.GetExpectedSequence(tick.Vault)
	outcome := s.validator.ValidatePriceSequence(tick.Vault, tick.Sequence)
	s.countTick(outcome.String())
	switch outcome {
	case core.PriceStale:
		return dispAck
	case core.PriceGap:
		if s.metrics != nil {
			s.metrics.PriceTickGaps.WithLabelValues(tick.Vault.String()).Inc()
		}
		s.logger.Debug().
			Str("vault_id", tick.Vault.String()).
			Int64("expected", expected).
			Int64("got", tick.Sequence).
			Msg("price tick gap")
	}

	out, err := s.checker.CheckVault(ctx, tick.Vault)
	if err != nil {
		if errors.Is(err, vaulterr.ErrUnknownVault) {
			s.logger.Warn().Str("vault_id", tick.Vault.String()).Msg("price tick for unknown vault")
			return dispTerm
		}
		s.validator.SetExpectedSequence(tick.Vault, tick.Sequence)
		s.logger.Error().Err(err).
			Str("vault_id", tick.Vault.String()).
			Int64("sequence", tick.Sequence).
			Msg("rebalance check failed")
		return dispNak
	}
	if out.MarketRebalance || out.HedgeRebalance {
		s.logger.Info().
			Str("vault_id", tick.Vault.String()).
			Int32("tick", out.Check.Tick).
			Bool("market", out.MarketRebalance).
			Bool("hedge", out.HedgeRebalance).
			Msg("rebalanced on price tick")
	}
	return dispAck
}

func (s *PriceSubscriber) countTick(outcome string) {
	if s.metrics != nil {
		s.metrics.PriceTicks.WithLabelValues(outcome).Inc()
	}
}

// Stop stops the consumer.
func (s *PriceSubscriber) Stop() {
	if s.consumer != nil {
		s.consumer.Stop()
	}
	s.logger.Info().Msg("price subscriber stopped")
}

// EnsureStreams creates the inbound price stream and the outbound events
// stream if they don't exist. Both use FileStorage, retention=Limits and
// max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, priceStream, eventsStream string, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      priceStream,
			Subjects:  []string{"vault.prices.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:       eventsStream,
			Subjects:   []string{"vault.events.>"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Replicas:   1,
			Duplicates: 2 * time.Minute,
		},
	}
	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("hedgevault"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
