package math

import (
	"strconv"
	"strings"

	"github.com/holiman/uint256"

	"HedgeVault/internal/vaulterr"
)

// Diff128 is a signed i128 delta stored as sign and magnitude.
type Diff128 struct {
	Magnitude uint256.Int
	Negative  bool
}

// DiffBetween returns after - before.
func DiffBetween(after, before uint256.Int) Diff128 {
	var d Diff128
	if after.Lt(&before) {
		d.Magnitude.Sub(&before, &after)
		d.Negative = true
		return d
	}
	d.Magnitude.Sub(&after, &before)
	return d
}

func (d Diff128) IsZero() bool {
	return d.Magnitude.IsZero()
}

// ApplyTo returns v + d, failing when the result is negative or wider than 128 bits.
func (d Diff128) ApplyTo(v uint256.Int) (uint256.Int, error) {
	if d.Negative {
		return CheckedSub128(v, d.Magnitude)
	}
	return CheckedAdd128(v, d.Magnitude)
}

func (d Diff128) String() string {
	if d.Negative && !d.IsZero() {
		return "-" + d.Magnitude.Dec()
	}
	return d.Magnitude.Dec()
}

// ParseDiff128 parses the form produced by String.
func ParseDiff128(s string) (Diff128, error) {
	var d Diff128
	if strings.HasPrefix(s, "-") {
		d.Negative = true
		s = s[1:]
	}
	mag, err := ParseU128(s)
	if err != nil {
		return d, err
	}
	d.Magnitude = mag
	return d, nil
}

// ApplyProportional redistributes a vault-wide diff onto one holder:
// user * (globalBefore + diff) / globalBefore, rounded down.
func ApplyProportional(user, globalBefore uint256.Int, diff Diff128) (uint256.Int, error) {
	if diff.IsZero() {
		return user, nil
	}
	if globalBefore.IsZero() {
		return user, vaulterr.Wrap(vaulterr.ErrLiquidityDiffTooHigh, "zero liquidity before diff %s", diff)
	}
	globalAfter, err := diff.ApplyTo(globalBefore)
	if err != nil {
		return user, vaulterr.Wrap(vaulterr.ErrLiquidityDiffTooHigh,
			"diff %s against %s", diff, globalBefore.Dec())
	}
	z, err := MulDiv(user, globalAfter, globalBefore, RoundDown)
	if err != nil || !Fits128(&z) {
		return user, vaulterr.Wrap(vaulterr.ErrLiquidityDiffTooHigh,
			"user %s scaled by %s/%s", user.Dec(), globalAfter.Dec(), globalBefore.Dec())
	}
	return z, nil
}

// ApplyProportional64 is ApplyProportional for u64 balances with an i64 diff.
func ApplyProportional64(user, globalBefore uint64, diff int64) (uint64, error) {
	if diff == 0 {
		return user, nil
	}
	d := Diff128{Negative: diff < 0}
	if diff < 0 {
		d.Magnitude.SetUint64(uint64(-diff))
	} else {
		d.Magnitude.SetUint64(uint64(diff))
	}
	z, err := ApplyProportional(U128(user), U128(globalBefore), d)
	if err != nil {
		return user, err
	}
	if !z.IsUint64() {
		return user, vaulterr.Wrap(vaulterr.ErrLiquidityDiffTooHigh, "scaled balance exceeds u64")
	}
	return z.Uint64(), nil
}

// SignedDiff64 returns after - before as i64.
func SignedDiff64(after, before uint64) (int64, error) {
	if after >= before {
		d := after - before
		if d > 1<<63-1 {
			return 0, vaulterr.Wrap(vaulterr.ErrMathOverflow, "diff %s exceeds i64", strconv.FormatUint(d, 10))
		}
		return int64(d), nil
	}
	d := before - after
	if d > 1<<63 {
		return 0, vaulterr.Wrap(vaulterr.ErrMathOverflow, "diff -%s exceeds i64", strconv.FormatUint(d, 10))
	}
	return -int64(d), nil
}

// ApplySigned64 returns v + diff, failing on underflow or overflow.
func ApplySigned64(v uint64, diff int64) (uint64, error) {
	if diff >= 0 {
		r := v + uint64(diff)
		if r < v {
			return 0, vaulterr.Wrap(vaulterr.ErrMathOverflow, "%d + %d", v, diff)
		}
		return r, nil
	}
	m := uint64(-diff)
	if m > v {
		return 0, vaulterr.Wrap(vaulterr.ErrMathOverflow, "%d - %d underflows", v, m)
	}
	return v - m, nil
}
