package state

import (
	"github.com/google/uuid"
)

// Vault is the shared state of one pooled position.
type Vault struct {
	ID          uuid.UUID
	Config      VaultConfig
	Accumulator GrowthAccumulator
	Epochs      *EpochStore

	// MarketPositionID identifies the live range position with the market maker.
	MarketPositionID string

	Version uint64
}

func NewVault(id uuid.UUID, cfg VaultConfig) (*Vault, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Vault{
		ID:     id,
		Config: cfg,
		Epochs: NewEpochStore(id, cfg.SlotCapacity),
	}, nil
}

// Clone returns a copy safe to mutate inside a transaction.
func (v *Vault) Clone() *Vault {
	c := *v
	c.Epochs = v.Epochs.Clone()
	return &c
}
