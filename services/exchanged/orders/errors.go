package orders

import "errors"

// Order failures surfaced to callers.
var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrOrderAlreadyFilled = errors.New("order already filled")
	ErrOrderExpired       = errors.New("order expired")
	ErrInvalidOrder       = errors.New("invalid order parameters")
)

// errTerminalState marks an order that reached a terminal state between
// scheduling and execution. The scheduler skips it; it never reaches callers.
var errTerminalState = errors.New("order in terminal state")
