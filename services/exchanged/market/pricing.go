package market

// QuoteResult carries the priced output of a prospective swap.
type QuoteResult struct {
	AmountOut int64
	Fee       int64
}

// Quote prices amountIn against the constant-product curve. The fee is taken
// from the input before it enters the curve, so the reserve product grows by
// the retained fee on every swap. Pure: callers pass a reserve snapshot and
// identical inputs always produce identical outputs.
func Quote(reserveIn, reserveOut, amountIn int64, feeBps int) (QuoteResult, error) {
	if amountIn <= 0 || reserveIn <= 0 || reserveOut <= 0 || feeBps < 0 || feeBps >= 10_000 {
		return QuoteResult{}, ErrInvalidQuoteInput
	}
	fee := MulDiv(amountIn, int64(feeBps), 10_000)
	afterFee := amountIn - fee
	if afterFee <= 0 {
		return QuoteResult{}, ErrInvalidQuoteInput
	}
	out := MulDiv(afterFee, reserveOut, reserveIn+afterFee)
	return QuoteResult{AmountOut: out, Fee: fee}, nil
}

// SpotRate returns the no-fee reference rate reserveOut/reserveIn in scaled
// rate units. Slippage tolerances are measured against this rate.
func SpotRate(reserveIn, reserveOut int64) (int64, error) {
	if reserveIn <= 0 || reserveOut <= 0 {
		return 0, ErrInvalidQuoteInput
	}
	return MulDiv(reserveOut, RateScale, reserveIn), nil
}
