package market

import "errors"

// Failure taxonomy surfaced to callers. Every swap attempt terminates in
// either a completed record or one of these.
var (
	ErrPoolNotFound        = errors.New("liquidity pool not found")
	ErrInvalidPair         = errors.New("invalid currency pair")
	ErrInvalidQuoteInput   = errors.New("invalid quote input")
	ErrSlippageExceeded    = errors.New("slippage tolerance exceeded")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrLiquidityExhausted  = errors.New("liquidity exhausted")
)
