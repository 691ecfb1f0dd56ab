// Package math holds the Q64.64 fixed-point and 128-bit helpers used by the
// vault accounting engine. All u128 quantities are carried in uint256.Int and
// kept within 128 bits by the helpers here.
package math

import (
	"github.com/holiman/uint256"

	"HedgeVault/internal/vaulterr"
)

var (
	one     = uint256.NewInt(1)
	mask128 = new(uint256.Int).Sub(new(uint256.Int).Lsh(one, 128), one)
	maxU64  = new(uint256.Int).SetUint64(^uint64(0))

	// Q64 is 1.0 in Q64.64.
	Q64 = new(uint256.Int).Lsh(one, 64)
)

type RoundingMode int

const (
	RoundDown RoundingMode = iota
	RoundUp
	RoundHalfEven
)

// U128 builds a 128-bit value from a u64.
func U128(v uint64) uint256.Int {
	var z uint256.Int
	z.SetUint64(v)
	return z
}

// Fits128 reports whether v fits in 128 bits.
func Fits128(v *uint256.Int) bool {
	return v.BitLen() <= 128
}

// ParseU128 parses a decimal string, rejecting values wider than 128 bits.
func ParseU128(s string) (uint256.Int, error) {
	var z uint256.Int
	if err := z.SetFromDecimal(s); err != nil {
		return z, vaulterr.Wrap(vaulterr.ErrMathOverflow, "parse %q: %v", s, err)
	}
	if !Fits128(&z) {
		return z, vaulterr.Wrap(vaulterr.ErrMathOverflow, "%s exceeds 128 bits", s)
	}
	return z, nil
}

// InterestPerUnit computes (fresh << 64) / principal in Q64.64.
// Zero principal with zero fresh interest yields zero growth.
func InterestPerUnit(globalPrincipal, freshInterest uint64) (uint256.Int, error) {
	var z uint256.Int
	if freshInterest > globalPrincipal {
		return z, vaulterr.Wrap(vaulterr.ErrInterestExceedsPrincipal,
			"fresh=%d principal=%d", freshInterest, globalPrincipal)
	}
	if globalPrincipal == 0 {
		return z, nil
	}
	z.SetUint64(freshInterest)
	z.Lsh(&z, 64)
	z.Div(&z, uint256.NewInt(globalPrincipal))
	return z, nil
}

// UserInterest computes (principal * perUnit) >> 64, truncating.
func UserInterest(userPrincipal uint64, perUnit uint256.Int) (uint64, error) {
	if !Fits128(&perUnit) {
		return 0, vaulterr.Wrap(vaulterr.ErrMathOverflow, "growth exceeds 128 bits")
	}
	var z uint256.Int
	z.SetUint64(userPrincipal)
	z.Mul(&z, &perUnit)
	z.Rsh(&z, 64)
	if !z.IsUint64() {
		return 0, vaulterr.Wrap(vaulterr.ErrMathOverflow, "user interest exceeds u64")
	}
	return z.Uint64(), nil
}

// MulShiftRight64 computes (a * b) >> 64 and requires the result to fit u64.
// Used for fee deltas: liquidity * growthDelta in Q64.64.
func MulShiftRight64(a, b uint256.Int) (uint64, error) {
	var z uint256.Int
	if _, overflow := z.MulOverflow(&a, &b); overflow {
		return 0, vaulterr.Wrap(vaulterr.ErrMathOverflow, "%s * %s", a.Dec(), b.Dec())
	}
	z.Rsh(&z, 64)
	if !z.IsUint64() {
		return 0, vaulterr.Wrap(vaulterr.ErrMathOverflow, "shifted product exceeds u64")
	}
	return z.Uint64(), nil
}

// WrappingSub128 returns (a - b) mod 2^128.
func WrappingSub128(a, b uint256.Int) uint256.Int {
	var z uint256.Int
	z.Sub(&a, &b)
	z.And(&z, mask128)
	return z
}

// WrappingAdd128 returns (a + b) mod 2^128.
func WrappingAdd128(a, b uint256.Int) uint256.Int {
	var z uint256.Int
	z.Add(&a, &b)
	z.And(&z, mask128)
	return z
}

// CheckedAdd128 returns a + b, failing when the sum exceeds 128 bits.
func CheckedAdd128(a, b uint256.Int) (uint256.Int, error) {
	var z uint256.Int
	z.Add(&a, &b)
	if !Fits128(&z) {
		return z, vaulterr.Wrap(vaulterr.ErrMathOverflow, "%s + %s", a.Dec(), b.Dec())
	}
	return z, nil
}

// CheckedSub128 returns a - b, failing on underflow.
func CheckedSub128(a, b uint256.Int) (uint256.Int, error) {
	var z uint256.Int
	if a.Lt(&b) {
		return z, vaulterr.Wrap(vaulterr.ErrMathOverflow, "%s - %s underflows", a.Dec(), b.Dec())
	}
	z.Sub(&a, &b)
	return z, nil
}

// MulDiv computes a * b / d with a 512-bit intermediate.
func MulDiv(a, b, d uint256.Int, mode RoundingMode) (uint256.Int, error) {
	var z uint256.Int
	if d.IsZero() {
		return z, vaulterr.ErrDivideByZero
	}
	if _, overflow := z.MulDivOverflow(&a, &b, &d); overflow {
		return z, vaulterr.Wrap(vaulterr.ErrMathOverflow, "muldiv result exceeds 256 bits")
	}

	if mode == RoundDown {
		return z, nil
	}

	var rem uint256.Int
	rem.MulMod(&a, &b, &d)
	if rem.IsZero() {
		return z, nil
	}

	roundUp := mode == RoundUp
	if mode == RoundHalfEven {
		var twice uint256.Int
		twice.Lsh(&rem, 1)
		cmp := twice.Cmp(&d)
		if rem.BitLen() == 256 {
			// twice overflowed, so rem > d/2
			cmp = 1
		}
		roundUp = cmp > 0 || (cmp == 0 && z.Uint64()&1 == 1)
	}
	if roundUp {
		if _, overflow := z.AddOverflow(&z, one); overflow {
			return z, vaulterr.Wrap(vaulterr.ErrMathOverflow, "muldiv round up")
		}
	}
	return z, nil
}

// MulDiv64 is MulDiv for u64 operands with a u64 result.
func MulDiv64(a, b, d uint64, mode RoundingMode) (uint64, error) {
	z, err := MulDiv(U128(a), U128(b), U128(d), mode)
	if err != nil {
		return 0, err
	}
	if z.Gt(maxU64) {
		return 0, vaulterr.Wrap(vaulterr.ErrMathOverflow, "%d * %d / %d exceeds u64", a, b, d)
	}
	return z.Uint64(), nil
}
