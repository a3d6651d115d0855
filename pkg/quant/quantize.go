// Package quant provides exchange-precision rounding helpers.
// All arithmetic is decimal-exact; float modulo at step boundaries is a
// known source of off-by-one-step rejections and is deliberately avoided.
package quant

import (
	"errors"

	"github.com/shopspring/decimal"
)

// ErrInvalidStepSize is returned when the step size is zero or negative.
var ErrInvalidStepSize = errors.New("invalid step size")

// Quantize floors value down to the nearest multiple of step, expressed at
// the precision implied by step (step 0.001 -> 3 decimal places).
// Guarantees: result <= value and value - result < step.
func Quantize(value, step decimal.Decimal) (decimal.Decimal, error) {
	if step.Sign() <= 0 {
		return decimal.Zero, ErrInvalidStepSize
	}

	// Exact remainder subtraction; no float round-trip.
	q := value.Sub(value.Mod(step))

	// Clamp to the precision the step implies so the exchange never sees
	// more decimal places than its filter allows.
	q = q.Truncate(Precision(step))

	return q, nil
}

// Precision returns the number of decimal places implied by a step size.
// Steps of 1 or larger imply zero decimal places.
func Precision(step decimal.Decimal) int32 {
	if exp := step.Exponent(); exp < 0 {
		return -exp
	}
	return 0
}
