package ledger

import (
	"fmt"
	"math/big"
)

// Verify checks the ledger invariants for one asset:
// the totals equal the sum over domains, and no position has more requested
// than held. Intended for tests and post-operation assertions.
func (l *ShareLedger) Verify(asset string) error {
	sumShares := new(big.Int)
	sumRequested := new(big.Int)

	for key, pos := range l.positions {
		if key.Asset != asset {
			continue
		}
		if pos.RequestedShares.Cmp(pos.Shares) > 0 {
			return fmt.Errorf("domain %s has requested %s > shares %s for %s",
				key.Domain, pos.RequestedShares, pos.Shares, asset)
		}
		if pos.Shares.Sign() < 0 || pos.RequestedShares.Sign() < 0 {
			return fmt.Errorf("domain %s has negative balance for %s", key.Domain, asset)
		}
		sumShares.Add(sumShares, pos.Shares)
		sumRequested.Add(sumRequested, pos.RequestedShares)
	}

	if got := l.TotalShares(asset); got.Cmp(sumShares) != 0 {
		return fmt.Errorf("total shares for %s is %s, positions sum to %s", asset, got, sumShares)
	}
	if got := l.TotalRequestedShares(asset); got.Cmp(sumRequested) != 0 {
		return fmt.Errorf("total requested shares for %s is %s, positions sum to %s", asset, got, sumRequested)
	}
	return nil
}
