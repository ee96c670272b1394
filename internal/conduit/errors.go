package conduit

import "errors"

var (
	ErrUnauthorized       = errors.New("conduit: caller not authorized for domain")
	ErrAssetDisabled      = errors.New("conduit: asset not enabled")
	ErrInvalidAmount      = errors.New("conduit: amount must be positive")
	ErrNoBuffer           = errors.New("conduit: no buffer registered for domain")
	ErrPendingRequest     = errors.New("conduit: deposit blocked by outstanding fund request")
	ErrLiquidityAvailable = errors.New("conduit: fund request blocked while pool liquidity is non-zero")
	ErrNoActiveRequest    = errors.New("conduit: no active fund request to cancel")
)
