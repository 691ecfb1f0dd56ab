package ingestion

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"HedgeVault/internal/event"
	vmath "HedgeVault/internal/math"
	"HedgeVault/internal/state"
)

// priceTickJSON is the wire format published by the price oracle.
// Field names use snake_case to match upstream producers.
type priceTickJSON struct {
	VaultID      string `json:"vault_id"`
	Sequence     int64  `json:"sequence"`
	Tick         int32  `json:"tick"`
	SqrtPriceX64 string `json:"sqrt_price_x64"` // decimal Q64.64
	TimestampUs  int64  `json:"timestamp_us"`
}

// ParsePriceTick decodes and validates one price tick payload.
func ParsePriceTick(data []byte) (*event.PriceTick, error) {
	var j priceTickJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PriceTick: %w", err)
	}

	vaultID, err := uuid.Parse(j.VaultID)
	if err != nil {
		return nil, fmt.Errorf("parse vault_id: %w", err)
	}
	if j.Sequence < 0 {
		return nil, fmt.Errorf("negative sequence %d", j.Sequence)
	}
	if j.Tick < state.MinTick || j.Tick > state.MaxTick {
		return nil, fmt.Errorf("tick %d out of bounds", j.Tick)
	}
	sqrt, err := vmath.ParseU128(j.SqrtPriceX64)
	if err != nil {
		return nil, fmt.Errorf("parse sqrt_price_x64: %w", err)
	}
	if sqrt.IsZero() {
		return nil, fmt.Errorf("zero sqrt_price_x64")
	}

	return &event.PriceTick{
		Vault:     vaultID,
		Sequence:  j.Sequence,
		Tick:      j.Tick,
		SqrtPrice: sqrt,
		Timestamp: j.TimestampUs,
	}, nil
}

// PriceSubject is the inbound subject for one vault's ticks.
func PriceSubject(vaultID uuid.UUID) string {
	return "vault.prices." + vaultID.String()
}

// vaultFromSubject extracts the vault id from vault.prices.<id>.
func vaultFromSubject(subject string) (uuid.UUID, error) {
	rest, ok := strings.CutPrefix(subject, "vault.prices.")
	if !ok {
		return uuid.Nil, fmt.Errorf("unexpected subject %q", subject)
	}
	return uuid.Parse(rest)
}
