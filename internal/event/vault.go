package event

// u128 quantities are carried as decimal strings so JSON consumers do not
// lose precision.

type VaultInitialized struct {
	VaultRef
	TokenA         string `json:"token_a"`
	TokenB         string `json:"token_b"`
	TickSpacing    int32  `json:"tick_spacing"`
	FullTickRange  int32  `json:"full_tick_range"`
	VaultTickRange int32  `json:"vault_tick_range"`
	HedgeTickRange int32  `json:"hedge_tick_range"`
	SlotCapacity   int    `json:"slot_capacity"`
}

func (*VaultInitialized) EventType() EventType { return EventTypeVaultInitialized }

type MarketPositionOpened struct {
	VaultRef
	EpochID    uint64 `json:"epoch_id"`
	PositionID string `json:"position_id"`
	LowerTick  int32  `json:"lower_tick"`
	UpperTick  int32  `json:"upper_tick"`
}

func (*MarketPositionOpened) EventType() EventType { return EventTypeMarketPositionOpened }

type HedgePositionOpened struct {
	VaultRef
	HedgeEpochID     uint64 `json:"hedge_epoch_id"`
	AdjustmentTick   int32  `json:"adjustment_tick"`
	InterestBaseline uint64 `json:"interest_baseline"`
}

func (*HedgePositionOpened) EventType() EventType { return EventTypeHedgePositionOpened }

type VaultRefreshed struct {
	VaultRef
	FeeGrowthA               string `json:"fee_growth_a"`
	FeeGrowthB               string `json:"fee_growth_b"`
	FeesCollectedA           uint64 `json:"fees_collected_a"`
	FeesCollectedB           uint64 `json:"fees_collected_b"`
	CollateralInterestGrowth string `json:"collateral_interest_growth"`
}

func (*VaultRefreshed) EventType() EventType { return EventTypeVaultRefreshed }

type MarketRebalanced struct {
	VaultRef
	ClosedEpochID   uint64 `json:"closed_epoch_id"`
	OpenedEpochID   uint64 `json:"opened_epoch_id"`
	Above           bool   `json:"above"`
	LiquidityBefore string `json:"liquidity_before"`
	LiquidityAfter  string `json:"liquidity_after"`
	LiquidityDiff   string `json:"liquidity_diff"`
	SwapAmountIn    uint64 `json:"swap_amount_in"`
	SwapAmountOut   uint64 `json:"swap_amount_out"`
	SwapAToB        bool   `json:"swap_a_to_b"`
	PositionID      string `json:"position_id"`
	LowerTick       int32  `json:"lower_tick"`
	UpperTick       int32  `json:"upper_tick"`
	// Restored marks a failed rebalance whose liquidity went back into the
	// old range.
	Restored bool `json:"restored,omitempty"`
}

func (*MarketRebalanced) EventType() EventType { return EventTypeMarketRebalanced }

type HedgeRebalanced struct {
	VaultRef
	ClosedHedgeEpochID uint64 `json:"closed_hedge_epoch_id"`
	ClosedSlot         int    `json:"closed_slot"`
	HedgeEpochID       uint64 `json:"hedge_epoch_id"`
	Slot               int    `json:"slot"`
	RolledOver         bool   `json:"rolled_over"`
	Above              bool   `json:"above"`
	BorrowedBefore     uint64 `json:"borrowed_before"`
	BorrowedDiff       int64  `json:"borrowed_diff"`
	NotionalDiff       int64  `json:"notional_diff"`
	AdjustmentTick     int32  `json:"adjustment_tick"`
}

func (*HedgeRebalanced) EventType() EventType { return EventTypeHedgeRebalanced }
