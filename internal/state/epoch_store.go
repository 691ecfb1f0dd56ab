package state

import (
	"fmt"

	"github.com/google/uuid"

	vmath "HedgeVault/internal/math"
	"HedgeVault/internal/vaulterr"
)

// EpochStore is the append-only history of market and hedge epochs of one
// vault, indexed by id. Closed records are never mutated, so Clone shares
// them and deep-copies only the current ones.
type EpochStore struct {
	vaultID      uuid.UUID
	slotCapacity int

	market []*MarketEpoch
	hedge  []*HedgeEpoch
}

func NewEpochStore(vaultID uuid.UUID, slotCapacity int) *EpochStore {
	if slotCapacity <= 0 {
		slotCapacity = DefaultSlotCapacity
	}
	return &EpochStore{
		vaultID:      vaultID,
		slotCapacity: slotCapacity,
	}
}

// RestoreEpochStore rebuilds a store from persisted records ordered by id.
func RestoreEpochStore(vaultID uuid.UUID, slotCapacity int, market []*MarketEpoch, hedge []*HedgeEpoch) (*EpochStore, error) {
	s := NewEpochStore(vaultID, slotCapacity)
	for i, e := range market {
		if e.ID != uint64(i) || e.VaultID != vaultID {
			return nil, fmt.Errorf("market epoch %d at index %d of vault %s", e.ID, i, vaultID)
		}
		if !e.Closed && i != len(market)-1 {
			return nil, fmt.Errorf("market epoch %d open but not last", e.ID)
		}
	}
	for i, h := range hedge {
		if h.ID != uint64(i) || h.VaultID != vaultID {
			return nil, fmt.Errorf("hedge epoch %d at index %d of vault %s", h.ID, i, vaultID)
		}
		if len(h.Slots) == 0 || h.CurrentSlot != len(h.Slots)-1 {
			return nil, fmt.Errorf("hedge epoch %d has %d slots, current %d", h.ID, len(h.Slots), h.CurrentSlot)
		}
	}
	s.market = market
	s.hedge = hedge
	return s, nil
}

func (s *EpochStore) VaultID() uuid.UUID { return s.vaultID }

func (s *EpochStore) SlotCapacity() int { return s.slotCapacity }

// --- Market epochs ---

// CurrentMarketEpoch returns the id of the open market epoch.
func (s *EpochStore) CurrentMarketEpoch() (uint64, bool) {
	if len(s.market) == 0 {
		return 0, false
	}
	last := s.market[len(s.market)-1]
	if last.Closed {
		return 0, false
	}
	return last.ID, true
}

// OpenMarketEpoch appends a new current epoch. The previous one must have
// been closed first.
func (s *EpochStore) OpenMarketEpoch(e MarketEpoch) (uint64, error) {
	if id, ok := s.CurrentMarketEpoch(); ok {
		return 0, vaulterr.Wrap(vaulterr.ErrPositionAlreadyOpen, "market epoch %d still open", id)
	}
	e.VaultID = s.vaultID
	e.ID = uint64(len(s.market))
	e.LiquidityDiff = vmath.Diff128{}
	e.Closed = false
	s.market = append(s.market, &e)
	return e.ID, nil
}

// CloseCurrentMarketEpoch freezes the current epoch with the liquidity diff
// that rolls ownership into the next one.
func (s *EpochStore) CloseCurrentMarketEpoch(diff vmath.Diff128) error {
	e, err := s.CurrentMarket()
	if err != nil {
		return err
	}
	if _, err := diff.ApplyTo(e.Liquidity); err != nil {
		return vaulterr.Wrap(vaulterr.ErrLiquidityDiffTooHigh, "epoch %d: diff %s against %s",
			e.ID, diff, e.Liquidity.Dec())
	}
	e.LiquidityDiff = diff
	e.Closed = true
	return nil
}

// CurrentMarket returns the open market epoch for mutation.
func (s *EpochStore) CurrentMarket() (*MarketEpoch, error) {
	id, ok := s.CurrentMarketEpoch()
	if !ok {
		return nil, vaulterr.Wrap(vaulterr.ErrNoOpenEpoch, "vault %s has no market epoch", s.vaultID)
	}
	return s.market[id], nil
}

// MarketEpoch returns the record with the given id.
func (s *EpochStore) MarketEpoch(id uint64) (*MarketEpoch, bool) {
	if id >= uint64(len(s.market)) {
		return nil, false
	}
	return s.market[id], true
}

// MarketEpochsSince returns the records from cursor through the current one.
func (s *EpochStore) MarketEpochsSince(cursor uint64) []*MarketEpoch {
	if cursor >= uint64(len(s.market)) {
		return nil
	}
	out := make([]*MarketEpoch, len(s.market)-int(cursor))
	copy(out, s.market[cursor:])
	return out
}

func (s *EpochStore) MarketEpochCount() int { return len(s.market) }

// --- Hedge epochs ---

// CurrentHedge returns the current (epoch, slot) pair.
func (s *EpochStore) CurrentHedge() (uint64, int, bool) {
	if len(s.hedge) == 0 {
		return 0, 0, false
	}
	last := s.hedge[len(s.hedge)-1]
	if last.Closed {
		return 0, 0, false
	}
	return last.ID, last.CurrentSlot, true
}

// OpenHedgeEpoch appends a new segment whose slot 0 is first.
func (s *EpochStore) OpenHedgeEpoch(first BorrowSlot) (uint64, error) {
	if id, _, ok := s.CurrentHedge(); ok {
		return 0, vaulterr.Wrap(vaulterr.ErrPositionAlreadyOpen, "hedge epoch %d still open", id)
	}
	first.BorrowedAmountDiff = 0
	first.BorrowedNotionalDiff = 0
	first.Closed = false
	h := &HedgeEpoch{
		VaultID:  s.vaultID,
		ID:       uint64(len(s.hedge)),
		Capacity: s.slotCapacity,
		Slots:    make([]BorrowSlot, 1, s.slotCapacity),
	}
	h.Slots[0] = first
	s.hedge = append(s.hedge, h)
	return h.ID, nil
}

// CurrentSlot returns the open borrow slot for mutation.
func (s *EpochStore) CurrentSlot() (*BorrowSlot, error) {
	h, err := s.currentHedgeEpoch()
	if err != nil {
		return nil, err
	}
	slot := h.current()
	if slot.Closed {
		return nil, vaulterr.Wrap(vaulterr.ErrNoOpenEpoch, "hedge epoch %d slot %d closed", h.ID, h.CurrentSlot)
	}
	return slot, nil
}

// CloseCurrentSlot freezes the current slot with its borrow diffs.
func (s *EpochStore) CloseCurrentSlot(amountDiff, notionalDiff int64) error {
	slot, err := s.CurrentSlot()
	if err != nil {
		return err
	}
	if _, err := vmath.ApplySigned64(slot.BorrowedAmount, amountDiff); err != nil {
		return vaulterr.Wrap(vaulterr.ErrLiquidityDiffTooHigh, "borrow diff %d against %d", amountDiff, slot.BorrowedAmount)
	}
	if _, err := vmath.ApplySigned64(slot.BorrowedNotional, notionalDiff); err != nil {
		return vaulterr.Wrap(vaulterr.ErrLiquidityDiffTooHigh, "notional diff %d against %d", notionalDiff, slot.BorrowedNotional)
	}
	slot.BorrowedAmountDiff = amountDiff
	slot.BorrowedNotionalDiff = notionalDiff
	slot.Closed = true
	return nil
}

// AdvanceSlot opens next in the current segment after its current slot was
// closed. It returns false when the segment is full; the segment is then
// closed and the caller opens a new one with OpenHedgeEpoch.
func (s *EpochStore) AdvanceSlot(next BorrowSlot) (int, bool) {
	if len(s.hedge) == 0 {
		return 0, false
	}
	h := s.hedge[len(s.hedge)-1]
	if h.Closed || !h.current().Closed {
		return 0, false
	}
	if h.CurrentSlot+1 >= h.Capacity {
		h.Closed = true
		return 0, false
	}
	next.BorrowedAmountDiff = 0
	next.BorrowedNotionalDiff = 0
	next.Closed = false
	h.Slots = append(h.Slots, next)
	h.CurrentSlot++
	return h.CurrentSlot, true
}

// HedgeEpoch returns the segment with the given id.
func (s *EpochStore) HedgeEpoch(id uint64) (*HedgeEpoch, bool) {
	if id >= uint64(len(s.hedge)) {
		return nil, false
	}
	return s.hedge[id], true
}

// HedgeEpochsSince returns the segments from cursor through the current one.
func (s *EpochStore) HedgeEpochsSince(cursor uint64) []*HedgeEpoch {
	if cursor >= uint64(len(s.hedge)) {
		return nil
	}
	out := make([]*HedgeEpoch, len(s.hedge)-int(cursor))
	copy(out, s.hedge[cursor:])
	return out
}

func (s *EpochStore) HedgeEpochCount() int { return len(s.hedge) }

func (s *EpochStore) currentHedgeEpoch() (*HedgeEpoch, error) {
	id, _, ok := s.CurrentHedge()
	if !ok {
		return nil, vaulterr.Wrap(vaulterr.ErrNoOpenEpoch, "vault %s has no hedge epoch", s.vaultID)
	}
	return s.hedge[id], nil
}

// Clone returns a copy that can be mutated without affecting s. Only the
// trailing records can change, so only those are copied.
func (s *EpochStore) Clone() *EpochStore {
	c := &EpochStore{
		vaultID:      s.vaultID,
		slotCapacity: s.slotCapacity,
		market:       make([]*MarketEpoch, len(s.market), len(s.market)+1),
		hedge:        make([]*HedgeEpoch, len(s.hedge), len(s.hedge)+1),
	}
	copy(c.market, s.market)
	copy(c.hedge, s.hedge)
	if n := len(c.market); n > 0 && !c.market[n-1].Closed {
		e := *c.market[n-1]
		c.market[n-1] = &e
	}
	if n := len(c.hedge); n > 0 && !c.hedge[n-1].Closed {
		c.hedge[n-1] = c.hedge[n-1].clone()
	}
	return c
}
