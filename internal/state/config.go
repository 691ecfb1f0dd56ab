package state

import (
	"github.com/holiman/uint256"

	"HedgeVault/internal/vaulterr"
)

const (
	// Protocol-wide tick limits of the concentrated-liquidity market.
	MinTick int32 = -443636
	MaxTick int32 = 443636

	DefaultSlotCapacity = 150
)

// VaultConfig is the per-vault configuration fixed at initialization.
type VaultConfig struct {
	TokenA string `json:"token_a" yaml:"token_a"` // base, hedged by borrowing
	TokenB string `json:"token_b" yaml:"token_b"` // quote

	TickSpacing int32 `json:"tick_spacing" yaml:"tick_spacing"`

	// Widths in ticks. Must nest: 0 < hedge < vault < full.
	FullTickRange  int32 `json:"full_tick_range" yaml:"full_tick_range"`
	VaultTickRange int32 `json:"vault_tick_range" yaml:"vault_tick_range"`
	HedgeTickRange int32 `json:"hedge_tick_range" yaml:"hedge_tick_range"`

	SlotCapacity int `json:"slot_capacity" yaml:"slot_capacity"`
}

// Validate checks range nesting and protocol limits.
func (c VaultConfig) Validate() error {
	if c.TickSpacing <= 0 {
		return vaulterr.Wrap(vaulterr.ErrInvalidTickSpacing, "tick spacing %d", c.TickSpacing)
	}
	if c.HedgeTickRange <= 0 || c.HedgeTickRange >= c.VaultTickRange || c.VaultTickRange >= c.FullTickRange {
		return vaulterr.Wrap(vaulterr.ErrInvalidRangeNesting,
			"hedge=%d vault=%d full=%d", c.HedgeTickRange, c.VaultTickRange, c.FullTickRange)
	}
	if int64(c.FullTickRange) > int64(MaxTick)-int64(MinTick) {
		return vaulterr.Wrap(vaulterr.ErrTickOutOfBounds, "full range %d exceeds tick limits", c.FullTickRange)
	}
	if c.SlotCapacity <= 0 {
		return vaulterr.Wrap(vaulterr.ErrInvalidSlotCapacity, "slot capacity %d", c.SlotCapacity)
	}
	return nil
}

// RangeBounds is a tick range with its sqrt prices in Q64.64.
type RangeBounds struct {
	LowerTick      int32
	UpperTick      int32
	LowerSqrtPrice uint256.Int
	UpperSqrtPrice uint256.Int
}

// Contains reports whether sqrtPrice lies in [lower, upper).
func (b RangeBounds) Contains(sqrtPrice uint256.Int) bool {
	return !sqrtPrice.Lt(&b.LowerSqrtPrice) && sqrtPrice.Lt(&b.UpperSqrtPrice)
}

// Above reports whether sqrtPrice is at or past the upper bound.
func (b RangeBounds) Above(sqrtPrice uint256.Int) bool {
	return !sqrtPrice.Lt(&b.UpperSqrtPrice)
}

// Validate checks ordering and protocol tick limits.
func (b RangeBounds) Validate() error {
	if b.LowerTick >= b.UpperTick {
		return vaulterr.Wrap(vaulterr.ErrTickOutOfBounds, "lower %d >= upper %d", b.LowerTick, b.UpperTick)
	}
	if b.LowerTick < MinTick || b.UpperTick > MaxTick {
		return vaulterr.Wrap(vaulterr.ErrTickOutOfBounds, "[%d, %d] outside [%d, %d]",
			b.LowerTick, b.UpperTick, MinTick, MaxTick)
	}
	return nil
}

// Within reports whether b lies inside outer.
func (b RangeBounds) Within(outer RangeBounds) bool {
	return b.LowerTick >= outer.LowerTick && b.UpperTick <= outer.UpperTick
}
