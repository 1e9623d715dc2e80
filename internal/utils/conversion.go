/*
This file contains common helpers for moving between sdkmath.Int base-unit amounts
and the float fractions the evaluator reasons in.
*/

package utils

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"

	sdkmath "cosmossdk.io/math"
)

var (
	ErrAmountNil        = errors.New("amount is nil")
	ErrAmountNegative   = errors.New("amount is negative")
	ErrNotFinite        = errors.New("value is not finite")
	ErrConversionFailed = errors.New("conversion failed")
)

// IntToFloat64 converts a base-unit amount to float64.
func IntToFloat64(amount sdkmath.Int) (float64, error) {
	if amount.IsNil() {
		return 0, ErrAmountNil
	}
	if amount.IsNegative() {
		return 0, ErrAmountNegative
	}
	f, err := sdkmath.LegacyNewDecFromInt(amount).Float64()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrConversionFailed, err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: result is %f", ErrNotFinite, f)
	}
	return f, nil
}

// FractionOf returns floor(total * fraction). Fractions outside [0, 1] are rejected.
func FractionOf(total sdkmath.Int, fraction float64) (sdkmath.Int, error) {
	if total.IsNil() {
		return sdkmath.ZeroInt(), ErrAmountNil
	}
	if math.IsNaN(fraction) || math.IsInf(fraction, 0) {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: fraction is %f", ErrNotFinite, fraction)
	}
	if fraction < 0 || fraction > 1 {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: fraction %f outside [0, 1]", ErrConversionFailed, fraction)
	}
	if fraction == 0 || total.IsZero() {
		return sdkmath.ZeroInt(), nil
	}
	dec, err := sdkmath.LegacyNewDecFromStr(strconv.FormatFloat(fraction, 'f', 18, 64))
	if err != nil {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: %w", ErrConversionFailed, err)
	}
	return sdkmath.LegacyNewDecFromInt(total).Mul(dec).TruncateInt(), nil
}

// Ratio returns part/whole as float64, zero when whole is zero.
func Ratio(part, whole sdkmath.Int) float64 {
	if part.IsNil() || whole.IsNil() || whole.IsZero() {
		return 0
	}
	f, err := sdkmath.LegacyNewDecFromInt(part).Quo(sdkmath.LegacyNewDecFromInt(whole)).Float64()
	if err != nil {
		return 0
	}
	return f
}

// MinInt returns the smaller of a and b.
func MinInt(a, b sdkmath.Int) sdkmath.Int {
	if a.LT(b) {
		return a
	}
	return b
}

// IntFromBig converts a contract return value into an sdkmath.Int.
func IntFromBig(v *big.Int) (sdkmath.Int, error) {
	if v == nil {
		return sdkmath.ZeroInt(), ErrAmountNil
	}
	if v.Sign() < 0 {
		return sdkmath.ZeroInt(), ErrAmountNegative
	}
	return sdkmath.NewIntFromBigInt(v), nil
}

// RelativeDrift returns |a - b| / b, or +Inf when b is zero and a is not.
func RelativeDrift(a, b sdkmath.Int) float64 {
	if b.IsZero() {
		if a.IsZero() {
			return 0
		}
		return math.Inf(1)
	}
	return Ratio(a.Sub(b).Abs(), b)
}
