package conduit

import (
	"context"
	"math/big"
)

// Operation names an authorizable controller action.
type Operation string

const (
	OpDeposit           Operation = "deposit"
	OpWithdraw          Operation = "withdraw"
	OpRequestFunds      Operation = "request_funds"
	OpCancelFundRequest Operation = "cancel_fund_request"

	// OpWithdrawAndRequest labels the combined operation in metrics; access
	// checks still use the underlying OpWithdraw and OpRequestFunds grants.
	OpWithdrawAndRequest Operation = "withdraw_and_request"
)

// Pool is the external yield-bearing pool the conduit supplies into. All
// calls are synchronous; a failed call aborts the whole operation.
type Pool interface {
	// Supply moves amount of asset from source into the pool.
	Supply(ctx context.Context, asset, source string, amount *big.Int) error

	// Withdraw moves up to amount of asset from the pool to destination and
	// returns the amount actually moved.
	Withdraw(ctx context.Context, asset, destination string, amount *big.Int) (*big.Int, error)

	// NormalizedIncome returns the asset's ray-scaled normalization index.
	NormalizedIncome(ctx context.Context, asset string) (*big.Int, error)

	// AvailableLiquidity returns the asset amount the pool can pay out now.
	AvailableLiquidity(ctx context.Context, asset string) (*big.Int, error)
}

// BufferRegistry maps a domain to the external account that sources its
// deposits and receives its withdrawals.
type BufferRegistry interface {
	BufferOf(domain string) (string, error)
}

// AccessControl answers whether a caller may act on behalf of a domain.
type AccessControl interface {
	CanAct(domain, caller string, op Operation) bool
}

// InterestData is the input the rate strategy reads when recomputing.
// Rates are ray-scaled; debts are asset amounts.
type InterestData struct {
	BaseRate    *big.Int
	SubsidyRate *big.Int
	CurrentDebt *big.Int
	TargetDebt  *big.Int
}

// InterestDataSource is implemented by the Controller and consumed by the
// rate strategy.
type InterestDataSource interface {
	GetInterestData(ctx context.Context, asset string) (InterestData, error)
}
