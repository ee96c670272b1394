// Package ledger tracks per-(asset, domain) share balances, the requested
// sub-balance pending withdrawal, and the per-asset running totals. All
// mutations keep the totals in sync incrementally; nothing is recomputed by
// summation outside of Verify.
package ledger

import "math/big"

// PositionKey identifies a domain's holding in one asset.
type PositionKey struct {
	Asset  string
	Domain string
}

// Position is a domain's claim on the pooled position for a single asset.
// RequestedShares is the portion flagged as pending withdrawal and is always
// less than or equal to Shares.
type Position struct {
	Shares          *big.Int
	RequestedShares *big.Int
}

// AssetTotals aggregates all domain positions for one asset.
type AssetTotals struct {
	TotalShares          *big.Int
	TotalRequestedShares *big.Int
}

// ShareLedger is the in-memory share store. It is not safe for concurrent
// use; the controller serializes access.
type ShareLedger struct {
	positions map[PositionKey]*Position
	totals    map[string]*AssetTotals
}

func NewShareLedger() *ShareLedger {
	return &ShareLedger{
		positions: make(map[PositionKey]*Position),
		totals:    make(map[string]*AssetTotals),
	}
}

func (l *ShareLedger) position(asset, domain string) *Position {
	key := PositionKey{Asset: asset, Domain: domain}
	pos := l.positions[key]
	if pos == nil {
		pos = &Position{Shares: new(big.Int), RequestedShares: new(big.Int)}
		l.positions[key] = pos
	}
	return pos
}

func (l *ShareLedger) assetTotals(asset string) *AssetTotals {
	tot := l.totals[asset]
	if tot == nil {
		tot = &AssetTotals{TotalShares: new(big.Int), TotalRequestedShares: new(big.Int)}
		l.totals[asset] = tot
	}
	return tot
}

// prune drops a position that has decayed to all-zero. Positions are created
// implicitly on first reference and never explicitly destroyed.
func (l *ShareLedger) prune(asset, domain string) {
	key := PositionKey{Asset: asset, Domain: domain}
	pos := l.positions[key]
	if pos != nil && pos.Shares.Sign() == 0 && pos.RequestedShares.Sign() == 0 {
		delete(l.positions, key)
	}
}

// Shares returns a copy of the domain's share balance.
func (l *ShareLedger) Shares(asset, domain string) *big.Int {
	pos := l.positions[PositionKey{Asset: asset, Domain: domain}]
	if pos == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(pos.Shares)
}

// RequestedShares returns a copy of the domain's requested sub-balance.
func (l *ShareLedger) RequestedShares(asset, domain string) *big.Int {
	pos := l.positions[PositionKey{Asset: asset, Domain: domain}]
	if pos == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(pos.RequestedShares)
}

// TotalShares returns a copy of the asset's aggregate share balance.
func (l *ShareLedger) TotalShares(asset string) *big.Int {
	tot := l.totals[asset]
	if tot == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(tot.TotalShares)
}

// TotalRequestedShares returns a copy of the asset's aggregate requested
// sub-balance.
func (l *ShareLedger) TotalRequestedShares(asset string) *big.Int {
	tot := l.totals[asset]
	if tot == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(tot.TotalRequestedShares)
}

// Credit adds newly issued shares to a domain's position and to the asset
// total. A non-positive amount is a no-op.
func (l *ShareLedger) Credit(asset, domain string, shares *big.Int) {
	if shares == nil || shares.Sign() <= 0 {
		return
	}
	pos := l.position(asset, domain)
	tot := l.assetTotals(asset)
	pos.Shares.Add(pos.Shares, shares)
	tot.TotalShares.Add(tot.TotalShares, shares)
}

// Burn removes shares from a domain's position, capped at the balance, and
// consumes any outstanding request in proportion to shares actually burned.
// It returns the shares burned and the requested shares consumed.
func (l *ShareLedger) Burn(asset, domain string, shares *big.Int) (burned, consumed *big.Int) {
	burned = new(big.Int)
	consumed = new(big.Int)
	if shares == nil || shares.Sign() <= 0 {
		return burned, consumed
	}

	pos := l.position(asset, domain)
	tot := l.assetTotals(asset)

	burned.Set(shares)
	if burned.Cmp(pos.Shares) > 0 {
		burned.Set(pos.Shares)
	}

	pos.Shares.Sub(pos.Shares, burned)
	tot.TotalShares.Sub(tot.TotalShares, burned)

	// A withdrawal satisfies an outstanding request by the shares it burned,
	// not by the asset amount originally requested. This keeps
	// requested <= shares under any interleaving of index changes.
	if pos.RequestedShares.Sign() > 0 {
		consumed.Set(burned)
		if consumed.Cmp(pos.RequestedShares) > 0 {
			consumed.Set(pos.RequestedShares)
		}
		pos.RequestedShares.Sub(pos.RequestedShares, consumed)
		tot.TotalRequestedShares.Sub(tot.TotalRequestedShares, consumed)
	}

	l.prune(asset, domain)
	return burned, consumed
}

// SetRequested overwrites the domain's requested sub-balance, capped at the
// share balance, and applies the signed delta to the asset total. The
// previous requested value is returned. Overwrite semantics are deliberate:
// a repeated request replaces the prior one rather than accumulating.
func (l *ShareLedger) SetRequested(asset, domain string, requested *big.Int) (previous *big.Int) {
	if requested == nil {
		requested = new(big.Int)
	}
	pos := l.position(asset, domain)
	tot := l.assetTotals(asset)

	capped := new(big.Int).Set(requested)
	if capped.Cmp(pos.Shares) > 0 {
		capped.Set(pos.Shares)
	}

	previous = new(big.Int).Set(pos.RequestedShares)
	delta := new(big.Int).Sub(capped, previous)

	pos.RequestedShares.Set(capped)
	tot.TotalRequestedShares.Add(tot.TotalRequestedShares, delta)

	l.prune(asset, domain)
	return previous
}

// Checkpoint captures a position and its asset totals so a failed external
// call can discard the operation's mutations.
type Checkpoint struct {
	asset, domain   string
	shares          *big.Int
	requestedShares *big.Int
	totalShares     *big.Int
	totalRequested  *big.Int
}

// Checkpoint snapshots the state touched by a single-domain operation.
func (l *ShareLedger) Checkpoint(asset, domain string) Checkpoint {
	return Checkpoint{
		asset:           asset,
		domain:          domain,
		shares:          l.Shares(asset, domain),
		requestedShares: l.RequestedShares(asset, domain),
		totalShares:     l.TotalShares(asset),
		totalRequested:  l.TotalRequestedShares(asset),
	}
}

// Restore rewinds the ledger to a checkpoint taken before the operation.
func (l *ShareLedger) Restore(cp Checkpoint) {
	pos := l.position(cp.asset, cp.domain)
	tot := l.assetTotals(cp.asset)
	pos.Shares.Set(cp.shares)
	pos.RequestedShares.Set(cp.requestedShares)
	tot.TotalShares.Set(cp.totalShares)
	tot.TotalRequestedShares.Set(cp.totalRequested)
	l.prune(cp.asset, cp.domain)
}

// Domains returns the domains holding a position in the asset.
func (l *ShareLedger) Domains(asset string) []string {
	var out []string
	for key := range l.positions {
		if key.Asset == asset {
			out = append(out, key.Domain)
		}
	}
	return out
}
