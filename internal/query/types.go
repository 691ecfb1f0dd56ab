package query

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Q64.64 and u128 quantities are rendered as decimal strings; JSON numbers
// lose precision past 2^53.

type RangeResponse struct {
	LowerTick      int32  `json:"lower_tick"`
	UpperTick      int32  `json:"upper_tick"`
	LowerSqrtPrice string `json:"lower_sqrt_price_x64"`
	UpperSqrtPrice string `json:"upper_sqrt_price_x64"`
}

// VaultResponse is a vault's shared state.
type VaultResponse struct {
	VaultID        uuid.UUID `json:"vault_id"`
	TokenA         string    `json:"token_a"`
	TokenB         string    `json:"token_b"`
	TickSpacing    int32     `json:"tick_spacing"`
	FullTickRange  int32     `json:"full_tick_range"`
	VaultTickRange int32     `json:"vault_tick_range"`
	HedgeTickRange int32     `json:"hedge_tick_range"`
	SlotCapacity   int       `json:"slot_capacity"`

	TotalLiquidity           string `json:"total_liquidity"`
	FeeGrowthA               string `json:"fee_growth_a_x64"`
	FeeGrowthB               string `json:"fee_growth_b_x64"`
	FeesCollectedA           uint64 `json:"fees_collected_a"`
	FeesCollectedB           uint64 `json:"fees_collected_b"`
	CollateralAmount         uint64 `json:"collateral_amount"`
	CollateralInterestGrowth string `json:"collateral_interest_growth_x64"`
	HedgeAdjustmentTick      int32  `json:"hedge_adjustment_tick"`

	MarketPositionID   string         `json:"market_position_id,omitempty"`
	CurrentMarketEpoch *uint64        `json:"current_market_epoch,omitempty"`
	WorkingRange       *RangeResponse `json:"working_range,omitempty"`
	CurrentHedgeEpoch  *uint64        `json:"current_hedge_epoch,omitempty"`
	CurrentBorrowSlot  *int           `json:"current_borrow_slot,omitempty"`
	MarketEpochCount   int            `json:"market_epoch_count"`
	HedgeEpochCount    int            `json:"hedge_epoch_count"`

	Version      uint64 `json:"version"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

type MarketEpochResponse struct {
	EpochID         uint64        `json:"epoch_id"`
	Liquidity       string        `json:"liquidity"`
	LiquidityDiff   string        `json:"liquidity_diff"`
	FeeGrowthA      string        `json:"fee_growth_a_x64"`
	FeeGrowthB      string        `json:"fee_growth_b_x64"`
	Position        RangeResponse `json:"position"`
	Working         RangeResponse `json:"working"`
	MiddleSqrtPrice string        `json:"middle_sqrt_price_x64"`
	Closed          bool          `json:"closed"`
}

type BorrowSlotResponse struct {
	Slot                 int    `json:"slot"`
	BorrowedAmount       uint64 `json:"borrowed_amount"`
	BorrowedAmountDiff   int64  `json:"borrowed_amount_diff"`
	BorrowedNotional     uint64 `json:"borrowed_notional"`
	BorrowedNotionalDiff int64  `json:"borrowed_notional_diff"`
	InterestGrowth       string `json:"interest_growth_x64"`
	Closed               bool   `json:"closed"`
}

type HedgeEpochResponse struct {
	EpochID     uint64               `json:"epoch_id"`
	Capacity    int                  `json:"capacity"`
	CurrentSlot int                  `json:"current_slot"`
	Slots       []BorrowSlotResponse `json:"slots"`
	Closed      bool                 `json:"closed"`
}

// EpochPage is one page of a vault's epoch history.
type EpochPage[T any] struct {
	VaultID      uuid.UUID `json:"vault_id"`
	Epochs       []T       `json:"epochs"`
	NextEpochID  *uint64   `json:"next_epoch_id,omitempty"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// ParticipantResponse is a participant's checkpointed ledger. Unclaimed
// amounts are as of the last sync; Synced reports whether the cursors
// are at the vault's current epochs.
type ParticipantResponse struct {
	ParticipantID uuid.UUID `json:"participant_id"`
	VaultID       uuid.UUID `json:"vault_id"`

	Liquidity      string `json:"liquidity"`
	FeeUnclaimedA  uint64 `json:"fee_unclaimed_a"`
	FeeUnclaimedB  uint64 `json:"fee_unclaimed_b"`
	FeeCheckpointA string `json:"fee_checkpoint_a_x64"`
	FeeCheckpointB string `json:"fee_checkpoint_b_x64"`

	CollateralAmount            uint64 `json:"collateral_amount"`
	CollateralInterestUnclaimed uint64 `json:"collateral_interest_unclaimed"`
	BorrowAmount                uint64 `json:"borrow_amount"`
	BorrowNotional              uint64 `json:"borrow_notional"`
	BorrowInterestUnclaimed     uint64 `json:"borrow_interest_unclaimed"`

	MarketEpochCursor uint64 `json:"market_epoch_cursor"`
	HedgeEpochCursor  uint64 `json:"hedge_epoch_cursor"`
	BorrowSlotCursor  int    `json:"borrow_slot_cursor"`
	Synced            bool   `json:"synced"`

	Version      uint64 `json:"version"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// EventResponse is one committed transaction from the event log.
type EventResponse struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	VaultID        uuid.UUID       `json:"vault_id"`
	ParticipantID  *uuid.UUID      `json:"participant_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	PrevHash       string          `json:"prev_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

// IntegrityReport is the result of walking the event log hash chain.
type IntegrityReport struct {
	EventsChecked int64  `json:"events_checked"`
	LastSequence  int64  `json:"last_sequence"`
	Passed        bool   `json:"passed"`
	ErrorDetail   string `json:"error_detail,omitempty"`
}
