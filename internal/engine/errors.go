package engine

import "errors"

// Validation failures are returned synchronously and leave every market
// and position field untouched; callers can retry after correcting the
// input. Bad debt is deliberately absent here: it is a recorded journal
// event, not a rejection, because the triggering liquidation must still
// complete.
var (
	ErrAlreadyInitialized     = errors.New("market already initialized")
	ErrUnknownMarket          = errors.New("unknown market")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrNoPosition             = errors.New("no open position")
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrDirectionConflict      = errors.New("cannot flip position direction through open")
	ErrOverClose              = errors.New("close size exceeds position size")
	ErrStalePrice             = errors.New("oracle price too old")
	ErrNotEligible            = errors.New("position not eligible for liquidation")
	ErrInvalidTriggerPrice    = errors.New("trigger price on wrong side of entry")
)
