package state

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	vmath "HedgeVault/internal/math"
)

// MarketEpoch is the range position between two market rebalances.
// Liquidity, fee snapshots and bounds are frozen once the epoch is closed.
type MarketEpoch struct {
	VaultID uuid.UUID
	ID      uint64

	// Vault liquidity the diff applies against. Tracks deposits and
	// withdrawals while the epoch is current.
	Liquidity     uint256.Int
	LiquidityDiff vmath.Diff128

	// Vault-wide fee growth, refreshed while current.
	FeeGrowthA uint256.Int
	FeeGrowthB uint256.Int

	Position        RangeBounds // range held with the market maker
	Working         RangeBounds // exiting this triggers a rebalance
	MiddleSqrtPrice uint256.Int

	Closed bool
}

// BorrowSlot is the hedge loan between two hedge adjustments.
type BorrowSlot struct {
	BorrowedAmount       uint64
	BorrowedAmountDiff   int64
	BorrowedNotional     uint64
	BorrowedNotionalDiff int64

	// Borrow interest growth starts at zero in every slot.
	InterestGrowth           uint256.Int
	InterestGrowthCheckpoint uint256.Int
	// Unrealized borrow interest already folded into the checkpoint.
	InterestBaseline uint64

	Closed bool
}

// RefreshInterest recomputes borrow interest growth from the lender's
// outstanding borrow including interest.
func (s *BorrowSlot) RefreshInterest(outstanding uint64) error {
	g, err := interestGrowth(s.InterestGrowthCheckpoint, s.BorrowedAmount, s.InterestBaseline, outstanding)
	if err != nil {
		return err
	}
	s.InterestGrowth = g
	return nil
}

// LockInterest folds current growth into the checkpoint before the borrowed
// amount changes.
func (s *BorrowSlot) LockInterest(outstanding uint64) error {
	if err := s.RefreshInterest(outstanding); err != nil {
		return err
	}
	s.InterestGrowthCheckpoint = s.InterestGrowth
	s.InterestBaseline = outstanding - s.BorrowedAmount
	return nil
}

// HedgeEpoch is one arena segment of borrow slots. When its slots are
// exhausted a new segment opens; that is a rollover, not a failure.
type HedgeEpoch struct {
	VaultID     uuid.UUID
	ID          uint64
	Capacity    int
	Slots       []BorrowSlot
	CurrentSlot int
	Closed      bool
}

// Slot returns slot i, or false if it has not been opened.
func (h *HedgeEpoch) Slot(i int) (*BorrowSlot, bool) {
	if i < 0 || i >= len(h.Slots) {
		return nil, false
	}
	return &h.Slots[i], true
}

func (h *HedgeEpoch) current() *BorrowSlot {
	return &h.Slots[h.CurrentSlot]
}

func (h *HedgeEpoch) clone() *HedgeEpoch {
	c := *h
	c.Slots = make([]BorrowSlot, len(h.Slots), max(h.Capacity, len(h.Slots)))
	copy(c.Slots, h.Slots)
	return &c
}
