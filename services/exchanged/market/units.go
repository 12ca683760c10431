package market

import (
	"fmt"
	"math"
	"math/big"
)

// Amounts are carried as scaled integers to keep balance arithmetic exact;
// rates carry three extra digits of precision.
const (
	AmountScale = int64(1_000_000)
	RateScale   = int64(1_000_000_000)
)

// ToAmountUnits converts a user-facing quantity into scaled integer units.
func ToAmountUnits(amount float64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("amount must be positive")
	}
	scaled := math.Round(amount * float64(AmountScale))
	units := int64(scaled)
	if units <= 0 {
		return 0, fmt.Errorf("amount must be positive")
	}
	if !withinTolerance(amount, units, AmountScale) {
		return 0, fmt.Errorf("amount precision exceeds supported scale")
	}
	return units, nil
}

// FromAmountUnits converts scaled integer amounts back to user-facing values.
func FromAmountUnits(units int64) float64 {
	return float64(units) / float64(AmountScale)
}

// ToRateUnits converts a user-facing exchange rate into scaled integer units.
func ToRateUnits(rate float64) (int64, error) {
	if rate <= 0 {
		return 0, fmt.Errorf("rate must be positive")
	}
	scaled := math.Round(rate * float64(RateScale))
	units := int64(scaled)
	if units <= 0 {
		return 0, fmt.Errorf("rate must be positive")
	}
	if !withinTolerance(rate, units, RateScale) {
		return 0, fmt.Errorf("rate precision exceeds supported scale")
	}
	return units, nil
}

// FromRateUnits converts scaled integer rates back to user-facing values.
func FromRateUnits(units int64) float64 {
	return float64(units) / float64(RateScale)
}

func withinTolerance(value float64, units, scale int64) bool {
	recon := float64(units) / float64(scale)
	diff := math.Abs(value - recon)
	tolerance := 1.0 / float64(scale*10)
	return diff <= tolerance
}

// MulDiv computes a*b/denom over big integers, truncating toward zero. Output
// amounts round down so the pool never pays out more than the curve allows.
func MulDiv(a, b, denom int64) int64 {
	if denom == 0 {
		return 0
	}
	numerator := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	quotient := new(big.Int).Quo(numerator, big.NewInt(denom))
	return quotient.Int64()
}
