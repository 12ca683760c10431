package orders

import (
	"time"

	"melodex/services/exchanged/models"
)

// Strategy derives the effective slippage tolerance for an order at
// evaluation time. Implementations must return a value in [0, 10000).
type Strategy interface {
	Tolerance(order models.SmartOrder, now time.Time) int
}

// StaticStrategy always applies the tolerance the order was created with.
type StaticStrategy struct{}

// Tolerance returns the order's own slippage setting unchanged.
func (StaticStrategy) Tolerance(order models.SmartOrder, _ time.Time) int {
	return order.SlippageBps
}

// Relaxation ceilings in basis points, keyed by risk tolerance.
const (
	relaxCapLow    = 50
	relaxCapMedium = 150
	relaxCapHigh   = 400
)

// DecayStrategy linearly widens the slippage tolerance of decay-enabled
// orders as they approach expiry, so a fill that barely misses early in the
// order's life can still go through near the end. The widening is capped by
// the order's risk tolerance and never loosens orders without time decay.
type DecayStrategy struct{}

// Tolerance computes the widened tolerance for the given instant.
func (DecayStrategy) Tolerance(order models.SmartOrder, now time.Time) int {
	base := order.SlippageBps
	if !order.TimeDecay || order.ExpiresAt == nil {
		return base
	}
	lifetime := order.ExpiresAt.Sub(order.CreatedAt)
	if lifetime <= 0 {
		return base
	}
	elapsed := now.Sub(order.CreatedAt)
	if elapsed <= 0 {
		return base
	}
	if elapsed > lifetime {
		elapsed = lifetime
	}
	ceiling := relaxCapMedium
	switch order.RiskTolerance {
	case models.RiskLow:
		ceiling = relaxCapLow
	case models.RiskHigh:
		ceiling = relaxCapHigh
	}
	widened := base + int(int64(ceiling)*int64(elapsed)/int64(lifetime))
	if widened >= maxSlippageBps {
		widened = maxSlippageBps - 1
	}
	return widened
}
