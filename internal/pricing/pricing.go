package pricing

import (
	"fmt"
	"math"

	"workyield/internal/domain"
)

// MarginError signals a margin percentage outside [0,100).
type MarginError struct {
	Margin float64
}

func (e MarginError) Error() string {
	return fmt.Sprintf("margin %.2f%% must be below 100", e.Margin)
}

// ScaleError signals a non-positive mint scale factor.
type ScaleError struct {
	Scale float64
}

func (e ScaleError) Error() string {
	return fmt.Sprintf("scale factor %.2f must be positive", e.Scale)
}

// sanitize coerces negative or non-finite amounts to zero; partial form
// state arrives as zeros, not errors.
func sanitize(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}

// Subtotal sums every service cost across every unit, labor hours times
// rate, and the miscellaneous buckets. Reordering units or services does
// not change the result.
func Subtotal(units []domain.Unit, misc domain.MiscCosts, labor domain.Labor) float64 {
	var total float64
	for _, u := range units {
		for _, s := range u.Services {
			total += sanitize(s.Cost)
		}
	}
	total += sanitize(labor.Hours) * sanitize(labor.Rate)
	total += sanitize(misc.Delivery)
	total += sanitize(misc.Rental)
	total += sanitize(misc.Trip)
	total += sanitize(misc.Consumables)
	return total
}

// CustomerPrice converts a cost subtotal into the customer-facing price
// for a target margin: price = subtotal / (1 - margin/100), rounded to
// two decimals. Margins below zero clamp to zero; margins at or above
// 100 are rejected rather than producing Inf or a negative price.
func CustomerPrice(subtotal, marginPercent float64) (float64, error) {
	if marginPercent >= 100 {
		return 0, MarginError{Margin: marginPercent}
	}
	if marginPercent < 0 {
		marginPercent = 0
	}
	if subtotal <= 0 {
		return 0, nil
	}
	return Round2(subtotal / (1 - marginPercent/100)), nil
}

// MintQuantity derives the token issuance quantity from an approved
// cost. The quantity is intentionally not rounded to two decimals;
// fractional token quantities are ledger-legal.
func MintQuantity(cost, scaleFactor float64) (float64, error) {
	if scaleFactor <= 0 {
		return 0, ScaleError{Scale: scaleFactor}
	}
	return sanitize(cost) / scaleFactor, nil
}

// Round2 rounds half away from zero to two decimals.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
