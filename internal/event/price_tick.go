package event

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// PriceTick is an inbound market price observation for one vault's pool.
// It triggers rebalance checks; the engine re-reads the price from the
// market maker before acting on it.
type PriceTick struct {
	Vault     uuid.UUID
	Sequence  int64 // monotonic per vault
	Tick      int32
	SqrtPrice uint256.Int
	Timestamp int64 // epoch microseconds
}

func (p *PriceTick) IdempotencyKey() string {
	return fmt.Sprintf("%s:price:%d", p.Vault, p.Sequence)
}
