package event

type ParticipantOpened struct {
	ParticipantRef
	MarketEpochCursor uint64 `json:"market_epoch_cursor"`
	HedgeEpochCursor  uint64 `json:"hedge_epoch_cursor"`
	BorrowSlotCursor  int    `json:"borrow_slot_cursor"`
}

func (*ParticipantOpened) EventType() EventType { return EventTypeParticipantOpened }

type ParticipantSynced struct {
	ParticipantRef
	MarketEpochsApplied int    `json:"market_epochs_applied"`
	HedgeSlotsApplied   int    `json:"hedge_slots_applied"`
	MarketEpochCursor   uint64 `json:"market_epoch_cursor"`
	HedgeEpochCursor    uint64 `json:"hedge_epoch_cursor"`
	BorrowSlotCursor    int    `json:"borrow_slot_cursor"`
	Liquidity           string `json:"liquidity"`
	BorrowAmount        uint64 `json:"borrow_amount"`
}

func (*ParticipantSynced) EventType() EventType { return EventTypeParticipantSynced }

type LiquidityDeposited struct {
	ParticipantRef
	EpochID   uint64 `json:"epoch_id"`
	Liquidity string `json:"liquidity"`
	AmountA   uint64 `json:"amount_a"`
	AmountB   uint64 `json:"amount_b"`
}

func (*LiquidityDeposited) EventType() EventType { return EventTypeLiquidityDeposited }

type LiquidityWithdrawn struct {
	ParticipantRef
	EpochID   uint64 `json:"epoch_id"`
	Liquidity string `json:"liquidity"`
	AmountA   uint64 `json:"amount_a"`
	AmountB   uint64 `json:"amount_b"`
}

func (*LiquidityWithdrawn) EventType() EventType { return EventTypeLiquidityWithdrawn }

type HedgeIncreased struct {
	ParticipantRef
	HedgeEpochID uint64 `json:"hedge_epoch_id"`
	Slot         int    `json:"slot"`
	Collateral   uint64 `json:"collateral"`
	Borrow       uint64 `json:"borrow"`
	Notional     uint64 `json:"notional"`
}

func (*HedgeIncreased) EventType() EventType { return EventTypeHedgeIncreased }

type HedgeDecreased struct {
	ParticipantRef
	HedgeEpochID       uint64 `json:"hedge_epoch_id"`
	Slot               int    `json:"slot"`
	Borrow             uint64 `json:"borrow"`
	InterestRepaid     uint64 `json:"interest_repaid"`
	CollateralReturned uint64 `json:"collateral_returned"`
	NotionalReleased   uint64 `json:"notional_released"`
	NotionalReturned   uint64 `json:"notional_returned"`
}

func (*HedgeDecreased) EventType() EventType { return EventTypeHedgeDecreased }

type FeesClaimed struct {
	ParticipantRef
	AmountA uint64 `json:"amount_a"`
	AmountB uint64 `json:"amount_b"`
}

func (*FeesClaimed) EventType() EventType { return EventTypeFeesClaimed }

type CollateralInterestClaimed struct {
	ParticipantRef
	Amount uint64 `json:"amount"`
}

func (*CollateralInterestClaimed) EventType() EventType { return EventTypeCollateralInterestClaimed }

type BorrowInterestRepaid struct {
	ParticipantRef
	HedgeEpochID uint64 `json:"hedge_epoch_id"`
	Slot         int    `json:"slot"`
	Amount       uint64 `json:"amount"`
}

func (*BorrowInterestRepaid) EventType() EventType { return EventTypeBorrowInterestRepaid }

type ParticipantClosed struct {
	ParticipantRef
}

func (*ParticipantClosed) EventType() EventType { return EventTypeParticipantClosed }
