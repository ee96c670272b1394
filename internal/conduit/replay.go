package conduit

import (
	"math/big"

	"conduit/internal/event"
)

// Replay applies a stored event's ledger effect without touching the pool
// or emitting new events. It is used at startup to rebuild the in-memory
// ledger from the event log; records must arrive in sequence order.
//
// Rate and asset-flag events are skipped: configuration is authoritative
// for both at startup, and replaying stale flags would override it.
func (c *Controller) Replay(typ event.EventType, asset, domain string, shares *big.Int, sequence int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch typ {
	case event.EventTypeDeposit:
		c.ledger.Credit(asset, domain, shares)
	case event.EventTypeWithdraw:
		c.ledger.Burn(asset, domain, shares)
	case event.EventTypeRequestFunds:
		c.ledger.SetRequested(asset, domain, shares)
	case event.EventTypeCancelFundRequest:
		c.ledger.SetRequested(asset, domain, new(big.Int))
	}

	if sequence > c.sequence {
		c.sequence = sequence
	}
	c.updateShareGauges(asset)
}

// Sequence reports the last sequence number assigned or replayed.
func (c *Controller) Sequence() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sequence
}

// VerifyLedger runs the ledger's consistency checks for the asset. Intended
// for use after replay and in diagnostics.
func (c *Controller) VerifyLedger(asset string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.Verify(asset)
}
