package orders

import "errors"

var (
	ErrInvalidTriggerPrice        = errors.New("invalid trigger price")
	ErrInvalidMarketPrice         = errors.New("invalid market price")
	ErrInvalidSlippage            = errors.New("invalid slippage")
	ErrInconsistentBracketPrices  = errors.New("inconsistent bracket prices")
	ErrInvalidIntent              = errors.New("invalid position intent")
	ErrInsufficientDelegatedFunds = errors.New("insufficient delegated funds")
	ErrSubmissionFailed           = errors.New("order submission failed")
	ErrPriceUnavailable           = errors.New("market price unavailable")
)
