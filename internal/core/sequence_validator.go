package core

import (
	"sync"

	"github.com/google/uuid"
)

// PriceOutcome classifies an inbound price tick.
type PriceOutcome int

const (
	PriceAccepted PriceOutcome = iota
	PriceGap                   // accepted, but ticks were missed
	PriceStale                 // at or behind the last accepted sequence
)

func (o PriceOutcome) String() string {
	switch o {
	case PriceAccepted:
		return "accepted"
	case PriceGap:
		return "gap"
	default:
		return "stale"
	}
}

// SequenceValidator tracks per-vault price tick sequences. Gaps are
// tolerated because every rebalance re-reads the price from the market
// maker; stale ticks are dropped.
type SequenceValidator struct {
	mu              sync.Mutex
	expectedNextSeq map[uuid.UUID]int64
	gaps            map[uuid.UUID]int64
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[uuid.UUID]int64),
		gaps:            make(map[uuid.UUID]int64),
	}
}

// ValidatePriceSequence checks a tick's sequence and advances the expected
// sequence when the tick is accepted.
func (sv *SequenceValidator) ValidatePriceSequence(vaultID uuid.UUID, priceSequence int64) PriceOutcome {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	expected, seen := sv.expectedNextSeq[vaultID]
	if seen && priceSequence < expected {
		return PriceStale
	}
	sv.expectedNextSeq[vaultID] = priceSequence + 1
	if seen && priceSequence > expected {
		sv.gaps[vaultID]++
		return PriceGap
	}
	return PriceAccepted
}

// GetExpectedSequence returns the next expected sequence for a vault
func (sv *SequenceValidator) GetExpectedSequence(vaultID uuid.UUID) int64 {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.expectedNextSeq[vaultID]
}

// SetExpectedSequence initializes the expected sequence (used during recovery)
func (sv *SequenceValidator) SetExpectedSequence(vaultID uuid.UUID, seq int64) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	sv.expectedNextSeq[vaultID] = seq
}

func (sv *SequenceValidator) Gaps(vaultID uuid.UUID) int64 {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.gaps[vaultID]
}
