package query

import (
	"encoding/hex"
	"encoding/json"

	"HedgeVault/internal/persistence"
	"HedgeVault/internal/state"
)

func rangeResponse(b state.RangeBounds) RangeResponse {
	return RangeResponse{
		LowerTick:      b.LowerTick,
		UpperTick:      b.UpperTick,
		LowerSqrtPrice: b.LowerSqrtPrice.Dec(),
		UpperSqrtPrice: b.UpperSqrtPrice.Dec(),
	}
}

func vaultResponse(v *state.Vault, asOf int64) *VaultResponse {
	acc := &v.Accumulator
	r := &VaultResponse{
		VaultID:                  v.ID,
		TokenA:                   v.Config.TokenA,
		TokenB:                   v.Config.TokenB,
		TickSpacing:              v.Config.TickSpacing,
		FullTickRange:            v.Config.FullTickRange,
		VaultTickRange:           v.Config.VaultTickRange,
		HedgeTickRange:           v.Config.HedgeTickRange,
		SlotCapacity:             v.Config.SlotCapacity,
		TotalLiquidity:           acc.TotalLiquidity.Dec(),
		FeeGrowthA:               acc.FeeGrowthA.Dec(),
		FeeGrowthB:               acc.FeeGrowthB.Dec(),
		FeesCollectedA:           acc.FeesCollectedA,
		FeesCollectedB:           acc.FeesCollectedB,
		CollateralAmount:         acc.CollateralAmount,
		CollateralInterestGrowth: acc.CollateralInterestGrowth.Dec(),
		HedgeAdjustmentTick:      acc.HedgeAdjustmentTick,
		MarketPositionID:         v.MarketPositionID,
		MarketEpochCount:         v.Epochs.MarketEpochCount(),
		HedgeEpochCount:          v.Epochs.HedgeEpochCount(),
		Version:                  v.Version,
		AsOfSequence:             asOf,
	}
	if id, ok := v.Epochs.CurrentMarketEpoch(); ok {
		r.CurrentMarketEpoch = &id
		if e, ok := v.Epochs.MarketEpoch(id); ok {
			w := rangeResponse(e.Working)
			r.WorkingRange = &w
		}
	}
	if id, slot, ok := v.Epochs.CurrentHedge(); ok {
		r.CurrentHedgeEpoch = &id
		r.CurrentBorrowSlot = &slot
	}
	return r
}

func marketEpochResponse(e *state.MarketEpoch) MarketEpochResponse {
	return MarketEpochResponse{
		EpochID:         e.ID,
		Liquidity:       e.Liquidity.Dec(),
		LiquidityDiff:   e.LiquidityDiff.String(),
		FeeGrowthA:      e.FeeGrowthA.Dec(),
		FeeGrowthB:      e.FeeGrowthB.Dec(),
		Position:        rangeResponse(e.Position),
		Working:         rangeResponse(e.Working),
		MiddleSqrtPrice: e.MiddleSqrtPrice.Dec(),
		Closed:          e.Closed,
	}
}

func hedgeEpochResponse(h *state.HedgeEpoch) HedgeEpochResponse {
	r := HedgeEpochResponse{
		EpochID:     h.ID,
		Capacity:    h.Capacity,
		CurrentSlot: h.CurrentSlot,
		Slots:       make([]BorrowSlotResponse, len(h.Slots)),
		Closed:      h.Closed,
	}
	for i := range h.Slots {
		s := &h.Slots[i]
		r.Slots[i] = BorrowSlotResponse{
			Slot:                 i,
			BorrowedAmount:       s.BorrowedAmount,
			BorrowedAmountDiff:   s.BorrowedAmountDiff,
			BorrowedNotional:     s.BorrowedNotional,
			BorrowedNotionalDiff: s.BorrowedNotionalDiff,
			InterestGrowth:       s.InterestGrowth.Dec(),
			Closed:               s.Closed,
		}
	}
	return r
}

func participantResponse(p *state.Participant, v *state.Vault, asOf int64) *ParticipantResponse {
	return &ParticipantResponse{
		ParticipantID:               p.ID,
		VaultID:                     p.VaultID,
		Liquidity:                   p.Liquidity.Dec(),
		FeeUnclaimedA:               p.FeeUnclaimedA,
		FeeUnclaimedB:               p.FeeUnclaimedB,
		FeeCheckpointA:              p.FeeCheckpointA.Dec(),
		FeeCheckpointB:              p.FeeCheckpointB.Dec(),
		CollateralAmount:            p.CollateralAmount,
		CollateralInterestUnclaimed: p.CollateralInterestUnclaimed,
		BorrowAmount:                p.BorrowAmount,
		BorrowNotional:              p.BorrowNotional,
		BorrowInterestUnclaimed:     p.BorrowInterestUnclaimed,
		MarketEpochCursor:           p.MarketEpochCursor,
		HedgeEpochCursor:            p.HedgeEpochCursor,
		BorrowSlotCursor:            p.BorrowSlotCursor,
		Synced:                      p.MarketSynced(v.Epochs) && p.HedgeSynced(v.Epochs),
		Version:                     p.Version,
		AsOfSequence:                asOf,
	}
}

func eventResponse(e persistence.EventRow) EventResponse {
	payload := json.RawMessage(e.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return EventResponse{
		Sequence:       e.Sequence,
		EventType:      e.EventType,
		IdempotencyKey: e.IdempotencyKey,
		VaultID:        e.VaultID,
		ParticipantID:  e.ParticipantID,
		Payload:        payload,
		StateHash:      hex.EncodeToString(e.StateHash),
		PrevHash:       hex.EncodeToString(e.PrevHash),
		Timestamp:      e.Timestamp,
	}
}
