package core

import (
	"context"
	"time"

	"github.com/holiman/uint256"

	"HedgeVault/internal/event"
	vmath "HedgeVault/internal/math"
	"HedgeVault/internal/state"
	"HedgeVault/internal/vaulterr"
)

// SyncMarket walks p forward through market epochs. epochs must start at
// p's cursor and be contiguous; current is the vault's open epoch, if any.
// Every epoch credits fees at its snapshot; epochs other than the current
// one also apply their liquidity diff pro rata and advance the cursor.
//
// The whole batch is validated before p is touched. On error p is
// unchanged. It returns the number of epochs whose diff was applied.
func SyncMarket(p *state.Participant, epochs []*state.MarketEpoch, current uint64, hasCurrent bool) (int, error) {
	for i, ep := range epochs {
		if ep == nil {
			return 0, vaulterr.Wrap(vaulterr.ErrInvalidSyncOrder, "market epoch at position %d missing", i)
		}
		if ep.VaultID != p.VaultID {
			return 0, vaulterr.Wrap(vaulterr.ErrInvalidPosition,
				"market epoch %d belongs to vault %s", ep.ID, ep.VaultID)
		}
		if want := p.MarketEpochCursor + uint64(i); ep.ID != want {
			return 0, vaulterr.Wrap(vaulterr.ErrInvalidSyncOrder, "market epoch %d, expected %d", ep.ID, want)
		}
		if !hasCurrent || ep.ID > current {
			return 0, vaulterr.Wrap(vaulterr.ErrInvalidSyncOrder, "market epoch %d beyond current", ep.ID)
		}
		if ep.ID != current && !ep.Closed {
			return 0, vaulterr.Wrap(vaulterr.ErrInvalidSyncOrder, "market epoch %d not closed", ep.ID)
		}
	}

	work := p.Clone()
	applied := 0
	for _, ep := range epochs {
		if err := work.AccrueFees(ep.FeeGrowthA, ep.FeeGrowthB); err != nil {
			return 0, vaulterr.Wrap(vaulterr.ErrMathOverflow, "market epoch %d fees: %v", ep.ID, err)
		}
		if ep.ID == current {
			break
		}
		liq, err := vmath.ApplyProportional(work.Liquidity, ep.Liquidity, ep.LiquidityDiff)
		if err != nil {
			return 0, vaulterr.Wrap(vaulterr.ErrLiquidityDiffTooHigh, "market epoch %d: %v", ep.ID, err)
		}
		work.Liquidity = liq
		work.MarketEpochCursor++
		applied++
	}
	*p = *work
	return applied, nil
}

// SyncHedge walks p forward through borrow slots, starting at slot
// p.BorrowSlotCursor of epochs[0]. Each slot charges borrow interest at its
// snapshot; closed slots also apply their borrow diffs pro rata. Leaving a
// slot resets the interest checkpoint, since every slot's growth starts at
// zero. Leaving a segment moves the cursor to slot 0 of the next one.
func SyncHedge(p *state.Participant, epochs []*state.HedgeEpoch, current uint64, currentSlot int, hasCurrent bool) (int, error) {
	for i, h := range epochs {
		if h == nil {
			return 0, vaulterr.Wrap(vaulterr.ErrInvalidSyncOrder, "hedge epoch at position %d missing", i)
		}
		if h.VaultID != p.VaultID {
			return 0, vaulterr.Wrap(vaulterr.ErrInvalidPosition,
				"hedge epoch %d belongs to vault %s", h.ID, h.VaultID)
		}
		if want := p.HedgeEpochCursor + uint64(i); h.ID != want {
			return 0, vaulterr.Wrap(vaulterr.ErrInvalidSyncOrder, "hedge epoch %d, expected %d", h.ID, want)
		}
		if !hasCurrent || h.ID > current {
			return 0, vaulterr.Wrap(vaulterr.ErrInvalidSyncOrder, "hedge epoch %d beyond current", h.ID)
		}
		if h.ID != current && !h.Closed {
			return 0, vaulterr.Wrap(vaulterr.ErrInvalidSyncOrder, "hedge epoch %d not closed", h.ID)
		}
	}
	if len(epochs) > 0 && p.BorrowSlotCursor >= len(epochs[0].Slots) {
		return 0, vaulterr.Wrap(vaulterr.ErrInvalidSyncOrder,
			"slot cursor %d beyond hedge epoch %d", p.BorrowSlotCursor, epochs[0].ID)
	}

	work := p.Clone()
	applied := 0
	for _, h := range epochs {
		for s := work.BorrowSlotCursor; s < len(h.Slots); s++ {
			slot := &h.Slots[s]
			if err := work.AccrueBorrowInterest(slot.InterestGrowth); err != nil {
				return 0, vaulterr.Wrap(vaulterr.ErrMathOverflow, "hedge epoch %d slot %d: %v", h.ID, s, err)
			}
			if h.ID == current && s == currentSlot {
				break
			}
			if !slot.Closed {
				return 0, vaulterr.Wrap(vaulterr.ErrInvalidSyncOrder, "hedge epoch %d slot %d not closed", h.ID, s)
			}
			borrow, err := vmath.ApplyProportional64(work.BorrowAmount, slot.BorrowedAmount, slot.BorrowedAmountDiff)
			if err != nil {
				return 0, vaulterr.Wrap(vaulterr.ErrLiquidityDiffTooHigh, "hedge epoch %d slot %d borrow: %v", h.ID, s, err)
			}
			notional, err := vmath.ApplyProportional64(work.BorrowNotional, slot.BorrowedNotional, slot.BorrowedNotionalDiff)
			if err != nil {
				return 0, vaulterr.Wrap(vaulterr.ErrLiquidityDiffTooHigh, "hedge epoch %d slot %d notional: %v", h.ID, s, err)
			}
			work.BorrowAmount = borrow
			work.BorrowNotional = notional
			work.BorrowInterestCheckpoint = uint256.Int{}
			work.BorrowSlotCursor = s + 1
			applied++
		}
		if h.Closed {
			work.HedgeEpochCursor++
			work.BorrowSlotCursor = 0
		}
	}
	*p = *work
	return applied, nil
}

// SyncRequest names the epochs a participant walks, in order from its
// cursors. A partial batch is legal.
type SyncRequest struct {
	Command
	MarketEpochs []uint64 `json:"market_epochs"`
	HedgeEpochs  []uint64 `json:"hedge_epochs"`
}

// SyncResult reports a committed sync.
type SyncResult struct {
	MarketEpochsApplied int  `json:"market_epochs_applied"`
	HedgeSlotsApplied   int  `json:"hedge_slots_applied"`
	Synced              bool `json:"synced"`
}

// Sync applies the named epochs to a participant. It calls no collaborator
// and does not modify the vault.
func (e *Engine) Sync(ctx context.Context, req SyncRequest) (res SyncResult, err error) {
	start := time.Now()
	defer func() { e.observe(event.EventTypeParticipantSynced, start, err) }()

	t, err := e.begin(event.EventTypeParticipantSynced, req.Command, scopeParticipant)
	if err != nil {
		return SyncResult{}, err
	}
	defer e.release(t)
	market, err := lookupMarket(t.vault.Epochs, req.MarketEpochs)
	if err != nil {
		return SyncResult{}, err
	}
	hedge, err := lookupHedge(t.vault.Epochs, req.HedgeEpochs)
	if err != nil {
		return SyncResult{}, err
	}
	return e.sync(t, market, hedge)
}

// SyncAll walks a participant through its entire backlog.
func (e *Engine) SyncAll(ctx context.Context, cmd Command) (res SyncResult, err error) {
	start := time.Now()
	defer func() { e.observe(event.EventTypeParticipantSynced, start, err) }()

	t, err := e.begin(event.EventTypeParticipantSynced, cmd, scopeParticipant)
	if err != nil {
		return SyncResult{}, err
	}
	defer e.release(t)
	return e.sync(t,
		t.vault.Epochs.MarketEpochsSince(t.participant.MarketEpochCursor),
		t.vault.Epochs.HedgeEpochsSince(t.participant.HedgeEpochCursor))
}

func (e *Engine) sync(t *txn, market []*state.MarketEpoch, hedge []*state.HedgeEpoch) (SyncResult, error) {
	store := t.vault.Epochs
	p := t.participant

	cur, hasCur := store.CurrentMarketEpoch()
	mApplied, err := SyncMarket(p, market, cur, hasCur)
	if err != nil {
		return SyncResult{}, err
	}
	hcur, hslot, hasHedge := store.CurrentHedge()
	hApplied, err := SyncHedge(p, hedge, hcur, hslot, hasHedge)
	if err != nil {
		return SyncResult{}, err
	}

	res := SyncResult{
		MarketEpochsApplied: mApplied,
		HedgeSlotsApplied:   hApplied,
		Synced:              p.MarketSynced(store) && p.HedgeSynced(store),
	}
	evt := &event.ParticipantSynced{
		ParticipantRef:      event.ParticipantRef{Vault: p.VaultID, Participant: p.ID},
		MarketEpochsApplied: mApplied,
		HedgeSlotsApplied:   hApplied,
		MarketEpochCursor:   p.MarketEpochCursor,
		HedgeEpochCursor:    p.HedgeEpochCursor,
		BorrowSlotCursor:    p.BorrowSlotCursor,
		Liquidity:           p.Liquidity.Dec(),
		BorrowAmount:        p.BorrowAmount,
	}
	if err := e.commit(t, evt); err != nil {
		return SyncResult{}, err
	}
	if e.metrics != nil {
		e.metrics.SyncApplied.WithLabelValues("market").Add(float64(mApplied))
		e.metrics.SyncApplied.WithLabelValues("hedge").Add(float64(hApplied))
	}
	return res, nil
}

// lookupMarket resolves ids against the store. An id the store does not
// hold is beyond current.
func lookupMarket(store *state.EpochStore, ids []uint64) ([]*state.MarketEpoch, error) {
	out := make([]*state.MarketEpoch, len(ids))
	for i, id := range ids {
		ep, ok := store.MarketEpoch(id)
		if !ok {
			return nil, vaulterr.Wrap(vaulterr.ErrInvalidSyncOrder, "market epoch %d does not exist", id)
		}
		out[i] = ep
	}
	return out, nil
}

func lookupHedge(store *state.EpochStore, ids []uint64) ([]*state.HedgeEpoch, error) {
	out := make([]*state.HedgeEpoch, len(ids))
	for i, id := range ids {
		h, ok := store.HedgeEpoch(id)
		if !ok {
			return nil, vaulterr.Wrap(vaulterr.ErrInvalidSyncOrder, "hedge epoch %d does not exist", id)
		}
		out[i] = h
	}
	return out, nil
}
