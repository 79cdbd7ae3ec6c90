package ledger

import "errors"

var (
	ErrDelegationNotFound         = errors.New("delegation not found")
	ErrDelegationNotActive        = errors.New("delegation not active")
	ErrDelegationExpired          = errors.New("delegation expired")
	ErrDelegationRevoked          = errors.New("delegation revoked")
	ErrDelegationNotExpired       = errors.New("delegation not expired")
	ErrUnauthorizedCaller         = errors.New("unauthorized caller")
	ErrInsufficientDelegatedFunds = errors.New("insufficient delegated funds")
	ErrAssetTransferFailed        = errors.New("asset transfer failed")
	ErrInvalidDelegate            = errors.New("invalid delegate")
	ErrInvalidAmount              = errors.New("invalid amount")
	ErrInvalidDuration            = errors.New("invalid duration")
	ErrInvalidRecipient           = errors.New("invalid recipient")
	ErrAssetMismatch              = errors.New("asset mismatch")
	ErrReentrantCall              = errors.New("reentrant call")
)
