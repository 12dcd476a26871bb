package engine

import "errors"

// User-facing errors. These are surfaced verbatim to the requesting session
// and never crash the process.
var (
	ErrUserNotFound        = errors.New("engine: user not found")
	ErrLeverageExceeded    = errors.New("engine: leverage exceeds maximum")
	ErrInsufficientBalance = errors.New("engine: insufficient available balance")
	ErrOrderNotFound       = errors.New("engine: order not found")
	ErrPositionNotFound    = errors.New("engine: position not found")
	ErrCannotCancelFilled  = errors.New("engine: order is not cancellable")
	ErrCloseExceedsSize    = errors.New("engine: close quantity exceeds position size")
	ErrInvalidQuantity     = errors.New("engine: quantity must be positive")
	ErrInvalidPrice        = errors.New("engine: price must be positive")
	ErrNoMarketPrice       = errors.New("engine: no market price available")
)
