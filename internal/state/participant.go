package state

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	vmath "HedgeVault/internal/math"
	"HedgeVault/internal/vaulterr"
)

// Participant is one participant's share of the pooled position together
// with the checkpoints and sync cursors into the vault's epoch history.
type Participant struct {
	ID      uuid.UUID
	VaultID uuid.UUID

	Liquidity uint256.Int

	FeeCheckpointA uint256.Int
	FeeCheckpointB uint256.Int
	FeeUnclaimedA  uint64
	FeeUnclaimedB  uint64

	CollateralAmount uint64
	BorrowAmount     uint64
	BorrowNotional   uint64

	CollateralInterestCheckpoint uint256.Int
	CollateralInterestUnclaimed  uint64
	BorrowInterestCheckpoint     uint256.Int
	BorrowInterestUnclaimed      uint64

	MarketEpochCursor uint64
	HedgeEpochCursor  uint64
	BorrowSlotCursor  int

	Version uint64
}

// NewParticipant starts a ledger at the vault's current position so that
// there is no history to walk.
func NewParticipant(id uuid.UUID, v *Vault) *Participant {
	p := &Participant{
		ID:                           id,
		VaultID:                      v.ID,
		FeeCheckpointA:               v.Accumulator.FeeGrowthA,
		FeeCheckpointB:               v.Accumulator.FeeGrowthB,
		CollateralInterestCheckpoint: v.Accumulator.CollateralInterestGrowth,
	}
	if id, ok := v.Epochs.CurrentMarketEpoch(); ok {
		p.MarketEpochCursor = id
	} else {
		p.MarketEpochCursor = uint64(v.Epochs.MarketEpochCount())
	}
	if hid, slot, ok := v.Epochs.CurrentHedge(); ok {
		p.HedgeEpochCursor = hid
		p.BorrowSlotCursor = slot
		if s, err := v.Epochs.CurrentSlot(); err == nil {
			p.BorrowInterestCheckpoint = s.InterestGrowth
		}
	} else {
		p.HedgeEpochCursor = uint64(v.Epochs.HedgeEpochCount())
	}
	return p
}

func (p *Participant) Clone() *Participant {
	c := *p
	return &c
}

// IsEmpty reports whether every balance and unclaimed amount is zero.
func (p *Participant) IsEmpty() bool {
	return p.Liquidity.IsZero() &&
		p.FeeUnclaimedA == 0 && p.FeeUnclaimedB == 0 &&
		p.CollateralAmount == 0 && p.BorrowAmount == 0 && p.BorrowNotional == 0 &&
		p.CollateralInterestUnclaimed == 0 && p.BorrowInterestUnclaimed == 0
}

// AccrueFees credits liquidity * (growth - checkpoint) and moves the
// checkpoint. Applying the same growth twice credits nothing.
func (p *Participant) AccrueFees(growthA, growthB uint256.Int) error {
	dA, err := vmath.MulShiftRight64(p.Liquidity, vmath.WrappingSub128(growthA, p.FeeCheckpointA))
	if err != nil {
		return err
	}
	dB, err := vmath.MulShiftRight64(p.Liquidity, vmath.WrappingSub128(growthB, p.FeeCheckpointB))
	if err != nil {
		return err
	}
	if p.FeeUnclaimedA+dA < p.FeeUnclaimedA || p.FeeUnclaimedB+dB < p.FeeUnclaimedB {
		return vaulterr.Wrap(vaulterr.ErrMathOverflow, "unclaimed fees")
	}
	p.FeeUnclaimedA += dA
	p.FeeUnclaimedB += dB
	p.FeeCheckpointA = growthA
	p.FeeCheckpointB = growthB
	return nil
}

// AccrueCollateralInterest credits interest earned on collateral since the
// checkpoint.
func (p *Participant) AccrueCollateralInterest(growth uint256.Int) error {
	d, err := accrueInterest(p.CollateralAmount, growth, p.CollateralInterestCheckpoint)
	if err != nil {
		return err
	}
	if p.CollateralInterestUnclaimed+d < p.CollateralInterestUnclaimed {
		return vaulterr.Wrap(vaulterr.ErrMathOverflow, "collateral interest")
	}
	p.CollateralInterestUnclaimed += d
	p.CollateralInterestCheckpoint = growth
	return nil
}

// AccrueBorrowInterest charges interest owed on the borrow share since the
// checkpoint within the current slot.
func (p *Participant) AccrueBorrowInterest(growth uint256.Int) error {
	d, err := accrueInterest(p.BorrowAmount, growth, p.BorrowInterestCheckpoint)
	if err != nil {
		return err
	}
	if p.BorrowInterestUnclaimed+d < p.BorrowInterestUnclaimed {
		return vaulterr.Wrap(vaulterr.ErrMathOverflow, "borrow interest")
	}
	p.BorrowInterestUnclaimed += d
	p.BorrowInterestCheckpoint = growth
	return nil
}

func accrueInterest(principal uint64, growth, checkpoint uint256.Int) (uint64, error) {
	delta, err := vmath.CheckedSub128(growth, checkpoint)
	if err != nil {
		return 0, vaulterr.Wrap(vaulterr.ErrMathOverflow, "interest growth moved backwards")
	}
	return vmath.UserInterest(principal, delta)
}

// MarketSynced reports whether the market cursor is at the current epoch.
func (p *Participant) MarketSynced(e *EpochStore) bool {
	if id, ok := e.CurrentMarketEpoch(); ok {
		return p.MarketEpochCursor == id
	}
	return p.MarketEpochCursor == uint64(e.MarketEpochCount())
}

// HedgeSynced reports whether the hedge cursors are at the current slot.
func (p *Participant) HedgeSynced(e *EpochStore) bool {
	if id, slot, ok := e.CurrentHedge(); ok {
		return p.HedgeEpochCursor == id && p.BorrowSlotCursor == slot
	}
	return p.HedgeEpochCursor == uint64(e.HedgeEpochCount())
}
