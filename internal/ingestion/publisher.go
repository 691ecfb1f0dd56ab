package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"HedgeVault/internal/core"
	"HedgeVault/internal/event"
)

// StreamPublisher is the part of jetstream.JetStream the publisher uses.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// PublishedEvent is the outbound wire format of a committed transaction.
type PublishedEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	VaultID        string          `json:"vault_id"`
	ParticipantID  *string         `json:"participant_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	PrevHash       string          `json:"prev_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

// NewPublishedEvent converts a committed envelope to its wire format.
func NewPublishedEvent(env *event.EventEnvelope) PublishedEvent {
	pe := PublishedEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		VaultID:        env.VaultID.String(),
		Payload:        json.RawMessage(env.Payload),
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		PrevHash:       hex.EncodeToString(env.PrevHash[:]),
		Timestamp:      env.Timestamp,
	}
	if env.ParticipantID != nil {
		id := env.ParticipantID.String()
		pe.ParticipantID = &id
	}
	if len(pe.Payload) == 0 {
		pe.Payload = json.RawMessage("null")
	}
	return pe
}

// EventSubject is vault.events.<event_type>.<vault_id>.
func EventSubject(env *event.EventEnvelope) string {
	return fmt.Sprintf("vault.events.%s.%s", env.EventType, env.VaultID)
}

// OutboundPublisher publishes committed transactions to NATS for
// downstream consumers. Publishing is best effort: the engine drops
// outputs when the channel is full and consumers can read the event log.
type OutboundPublisher struct {
	js     StreamPublisher
	input  <-chan core.CoreOutput
	logger zerolog.Logger
}

func NewOutboundPublisher(js StreamPublisher, input <-chan core.CoreOutput, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{js: js, input: input, logger: logger}
}

// Run publishes until ctx is cancelled or the input closes.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.input:
			if !ok {
				return nil
			}
			if out.Envelope == nil {
				continue
			}
			if err := op.publish(ctx, out.Envelope); err != nil {
				op.logger.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, env *event.EventEnvelope) error {
	data, err := json.Marshal(NewPublishedEvent(env))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	// The sequence doubles as the JetStream dedup id.
	_, err = op.js.Publish(ctx, EventSubject(env), data,
		jetstream.WithMsgID(strconv.FormatInt(env.Sequence, 10)))
	return err
}
