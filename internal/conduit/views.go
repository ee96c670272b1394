package conduit

import (
	"context"
	"errors"
	"math/big"

	"conduit/internal/event"
	"conduit/internal/ray"
)

// Deposits values the domain's share position at the current index.
func (c *Controller) Deposits(ctx context.Context, asset, domain string) (*big.Int, error) {
	index, err := c.readIndex(ctx, asset)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return ray.ToAssets(c.ledger.Shares(asset, domain), index), nil
}

// TotalDeposits values the asset's aggregate share position.
func (c *Controller) TotalDeposits(ctx context.Context, asset string) (*big.Int, error) {
	index, err := c.readIndex(ctx, asset)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return ray.ToAssets(c.ledger.TotalShares(asset), index), nil
}

// RequestedFunds values the domain's outstanding request.
func (c *Controller) RequestedFunds(ctx context.Context, asset, domain string) (*big.Int, error) {
	index, err := c.readIndex(ctx, asset)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return ray.ToAssets(c.ledger.RequestedShares(asset, domain), index), nil
}

// TotalRequestedFunds values the asset's aggregate outstanding requests.
func (c *Controller) TotalRequestedFunds(ctx context.Context, asset string) (*big.Int, error) {
	index, err := c.readIndex(ctx, asset)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return ray.ToAssets(c.ledger.TotalRequestedShares(asset), index), nil
}

// AvailableLiquidity reports the pool's payable balance for the asset.
func (c *Controller) AvailableLiquidity(ctx context.Context, asset string) (*big.Int, error) {
	return c.readLiquidity(ctx, asset)
}

// Shares returns the raw share balance, for diagnostics.
func (c *Controller) Shares(asset, domain string) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.Shares(asset, domain)
}

// RequestedShares returns the raw requested sub-balance, for diagnostics.
func (c *Controller) RequestedShares(asset, domain string) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.RequestedShares(asset, domain)
}

// GetInterestData assembles the rate strategy's input. Current debt is the
// full pooled claim; target debt is the claim domains are content to leave
// in the pool, so outstanding requests shrink it.
func (c *Controller) GetInterestData(ctx context.Context, asset string) (InterestData, error) {
	index, err := c.readIndex(ctx, asset)
	if err != nil {
		return InterestData{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	totalShares := c.ledger.TotalShares(asset)
	remaining := new(big.Int).Sub(totalShares, c.ledger.TotalRequestedShares(asset))

	data := InterestData{
		BaseRate:    new(big.Int),
		SubsidyRate: new(big.Int),
		CurrentDebt: ray.ToAssets(totalShares, index),
		TargetDebt:  ray.ToAssets(remaining, index),
	}
	if st := c.assets[asset]; st != nil {
		data.BaseRate.Set(st.BaseRate)
		data.SubsidyRate.Set(st.SubsidyRate)
	}
	return data, nil
}

// --- administration ---

// EnableAsset opens an asset for deposits. Idempotent.
func (c *Controller) EnableAsset(asset string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.asset(asset)
	if st.Enabled {
		return
	}
	st.Enabled = true

	c.emit(c.newRecord(event.EventTypeAssetEnabled, asset, "", ""))
	c.log.Info().Str("asset", asset).Msg("asset enabled")
}

// DisableAsset blocks further deposits. Withdrawals and requests still work
// so domains can always exit.
func (c *Controller) DisableAsset(asset string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.asset(asset)
	if !st.Enabled {
		return
	}
	st.Enabled = false

	c.emit(c.newRecord(event.EventTypeAssetDisabled, asset, "", ""))
	c.log.Info().Str("asset", asset).Msg("asset disabled")
}

// SetSubsidyRate sets the ray-scaled subsidy rate reported for the asset.
func (c *Controller) SetSubsidyRate(asset string, rate *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.asset(asset)
	st.SubsidyRate = new(big.Int).Set(rate)

	rec := c.newRecord(event.EventTypeSubsidyRateSet, asset, "", "")
	rec.Amount.Set(rate)
	c.emit(rec)
	c.log.Info().Str("asset", asset).Str("rate", rate.String()).Msg("subsidy rate set")
}

// SetBaseRate sets the ray-scaled base rate reported for the asset.
func (c *Controller) SetBaseRate(asset string, rate *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.asset(asset)
	st.BaseRate = new(big.Int).Set(rate)

	rec := c.newRecord(event.EventTypeBaseRateSet, asset, "", "")
	rec.Amount.Set(rate)
	c.emit(rec)
	c.log.Info().Str("asset", asset).Str("rate", rate.String()).Msg("base rate set")
}

// RecordAdminEvent appends an administrative change to the event log on
// behalf of state that lives outside the controller (the rate strategy's
// spread, the buffer registry). Value may be nil.
func (c *Controller) RecordAdminEvent(typ event.EventType, asset, domain string, value *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec := c.newRecord(typ, asset, domain, "")
	if value != nil {
		rec.Amount.Set(value)
	}
	c.emit(rec)
	c.log.Info().
		Str("event", typ.String()).
		Str("asset", asset).
		Str("domain", domain).
		Msg("admin change recorded")
}

// AssetEnabled reports the asset flag.
func (c *Controller) AssetEnabled(asset string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.assets[asset]
	return st != nil && st.Enabled
}

func (c *Controller) asset(asset string) *assetState {
	st := c.assets[asset]
	if st == nil {
		st = &assetState{BaseRate: new(big.Int), SubsidyRate: new(big.Int)}
		c.assets[asset] = st
	}
	return st
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrAssetDisabled):
		return "asset_disabled"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrNoBuffer):
		return "no_buffer"
	case errors.Is(err, ErrPendingRequest):
		return "pending_request"
	case errors.Is(err, ErrLiquidityAvailable):
		return "liquidity_available"
	case errors.Is(err, ErrNoActiveRequest):
		return "no_active_request"
	default:
		return "external_call"
	}
}
