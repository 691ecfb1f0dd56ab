package event

import (
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for committed vault transactions
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeVaultInitialized
	EventTypeMarketPositionOpened
	EventTypeHedgePositionOpened
	EventTypeVaultRefreshed
	EventTypeMarketRebalanced
	EventTypeHedgeRebalanced
	EventTypeParticipantOpened
	EventTypeParticipantSynced
	EventTypeLiquidityDeposited
	EventTypeLiquidityWithdrawn
	EventTypeHedgeIncreased
	EventTypeHedgeDecreased
	EventTypeFeesClaimed
	EventTypeCollateralInterestClaimed
	EventTypeBorrowInterestRepaid
	EventTypeParticipantClosed
)

// EventEnvelope wraps every committed transaction in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64

	// Caller-supplied idempotency key, empty when none was given
	IdempotencyKey string

	EventType EventType

	VaultID       uuid.UUID
	ParticipantID *uuid.UUID

	Timestamp time.Time

	// JSON-encoded event payload
	Payload []byte

	// SHA-256 chain over committed transactions
	StateHash [32]byte
	PrevHash  [32]byte
}

// Event is the interface all transaction payloads implement
type Event interface {
	EventType() EventType
	VaultID() uuid.UUID
	// ParticipantID is nil for vault-level transactions
	ParticipantID() *uuid.UUID
}

// VaultRef is embedded by vault-level events.
type VaultRef struct {
	Vault uuid.UUID `json:"vault_id"`
}

func (r VaultRef) VaultID() uuid.UUID { return r.Vault }

func (VaultRef) ParticipantID() *uuid.UUID { return nil }

// ParticipantRef is embedded by participant-level events.
type ParticipantRef struct {
	Vault       uuid.UUID `json:"vault_id"`
	Participant uuid.UUID `json:"participant_id"`
}

func (r ParticipantRef) VaultID() uuid.UUID { return r.Vault }

func (r ParticipantRef) ParticipantID() *uuid.UUID {
	id := r.Participant
	return &id
}

func (et EventType) String() string {
	switch et {
	case EventTypeVaultInitialized:
		return "VaultInitialized"
	case EventTypeMarketPositionOpened:
		return "MarketPositionOpened"
	case EventTypeHedgePositionOpened:
		return "HedgePositionOpened"
	case EventTypeVaultRefreshed:
		return "VaultRefreshed"
	case EventTypeMarketRebalanced:
		return "MarketRebalanced"
	case EventTypeHedgeRebalanced:
		return "HedgeRebalanced"
	case EventTypeParticipantOpened:
		return "ParticipantOpened"
	case EventTypeParticipantSynced:
		return "ParticipantSynced"
	case EventTypeLiquidityDeposited:
		return "LiquidityDeposited"
	case EventTypeLiquidityWithdrawn:
		return "LiquidityWithdrawn"
	case EventTypeHedgeIncreased:
		return "HedgeIncreased"
	case EventTypeHedgeDecreased:
		return "HedgeDecreased"
	case EventTypeFeesClaimed:
		return "FeesClaimed"
	case EventTypeCollateralInterestClaimed:
		return "CollateralInterestClaimed"
	case EventTypeBorrowInterestRepaid:
		return "BorrowInterestRepaid"
	case EventTypeParticipantClosed:
		return "ParticipantClosed"
	default:
		return "Unknown"
	}
}
