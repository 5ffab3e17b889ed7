package escrow

import "errors"

var (
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrInvalidCurrency       = errors.New("invalid currency code")
	ErrInvalidIdentity       = errors.New("invalid identity")
	ErrNotFound              = errors.New("transaction not found")
	ErrInvalidState          = errors.New("invalid transaction state")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrSelfPairing           = errors.New("cannot pair with yourself")
	ErrAlreadyPaired         = errors.New("transaction already paired")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrOverAllocation        = errors.New("refund exceeds escrowed amount")
	ErrSystemPaused          = errors.New("system paused")
)
