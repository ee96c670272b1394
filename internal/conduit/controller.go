// Package conduit implements the controller that orchestrates deposits,
// withdrawals, and the request-to-withdraw state machine over the share
// ledger. It is the only component that calls out to the pool and buffers.
package conduit

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"conduit/internal/event"
	"conduit/internal/ledger"
	"conduit/internal/observability"
	"conduit/internal/ray"
)

type assetState struct {
	Enabled     bool
	BaseRate    *big.Int // ray
	SubsidyRate *big.Int // ray
}

// Controller serializes all ledger mutations behind a single mutex and
// enforces checks-effects-interactions: the ledger is fully mutated before
// any pool call, and a failed pool call rewinds the mutation.
type Controller struct {
	mu sync.Mutex

	ledger  *ledger.ShareLedger
	pool    Pool
	buffers BufferRegistry
	access  AccessControl

	assets   map[string]*assetState
	sequence int64

	persistCh chan<- *event.Record
	publishCh chan<- *event.Record

	metrics *observability.Metrics
	log     zerolog.Logger
	now     func() time.Time
}

// NewController wires a controller. persistCh and publishCh may be nil when
// no event plumbing is attached (tests, offline tools).
func NewController(
	pool Pool,
	buffers BufferRegistry,
	access AccessControl,
	persistCh, publishCh chan<- *event.Record,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Controller {
	return &Controller{
		ledger:    ledger.NewShareLedger(),
		pool:      pool,
		buffers:   buffers,
		access:    access,
		assets:    make(map[string]*assetState),
		persistCh: persistCh,
		publishCh: publishCh,
		metrics:   metrics,
		log:       log,
		now:       time.Now,
	}
}

// Deposit pulls amount from the domain's buffer into the pool and credits
// the domain with shares at the current index. It returns the shares issued.
func (c *Controller) Deposit(ctx context.Context, caller, asset, domain string, amount *big.Int) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := time.Now()

	shares, err := c.deposit(ctx, caller, asset, domain, amount)
	c.finishOp(OpDeposit, asset, start, err)
	return shares, err
}

func (c *Controller) deposit(ctx context.Context, caller, asset, domain string, amount *big.Int) (*big.Int, error) {
	if !c.access.CanAct(domain, caller, OpDeposit) {
		return nil, ErrUnauthorized
	}
	if st := c.assets[asset]; st == nil || !st.Enabled {
		return nil, ErrAssetDisabled
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	// A domain may not grow its position while a request is outstanding:
	// the request's share amount would silently represent a different
	// fraction of the position than the domain intended.
	if c.ledger.RequestedShares(asset, domain).Sign() > 0 {
		return nil, ErrPendingRequest
	}

	buffer, err := c.buffers.BufferOf(domain)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoBuffer, domain)
	}

	index, err := c.readIndex(ctx, asset)
	if err != nil {
		return nil, err
	}

	shares := ray.ToShares(amount, index)

	cp := c.ledger.Checkpoint(asset, domain)
	c.ledger.Credit(asset, domain, shares)

	if err := c.callSupply(ctx, asset, buffer, amount); err != nil {
		c.ledger.Restore(cp)
		c.countRollback(OpDeposit)
		return nil, fmt.Errorf("pool supply for %s/%s: %w", asset, domain, err)
	}

	rec := c.newRecord(event.EventTypeDeposit, asset, domain, caller)
	rec.Amount.Set(amount)
	rec.Shares.Set(shares)
	c.emit(rec)

	c.log.Info().
		Str("asset", asset).
		Str("domain", domain).
		Str("amount", amount.String()).
		Str("shares", shares.String()).
		Msg("deposit applied")

	c.updateShareGauges(asset)
	return shares, nil
}

// Withdraw redeems up to maxAmount of the domain's claim back to its buffer,
// capped by the claim's current value and by the pool's liquidity. Burned
// shares consume any outstanding request. If the pool settles less than
// asked, the ledger settles against the partial fill. Returns the amount
// moved.
func (c *Controller) Withdraw(ctx context.Context, caller, asset, domain string, maxAmount *big.Int) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := time.Now()

	amount, err := c.withdraw(ctx, caller, asset, domain, maxAmount)
	c.finishOp(OpWithdraw, asset, start, err)
	return amount, err
}

func (c *Controller) withdraw(ctx context.Context, caller, asset, domain string, maxAmount *big.Int) (*big.Int, error) {
	if !c.access.CanAct(domain, caller, OpWithdraw) {
		return nil, ErrUnauthorized
	}
	if maxAmount == nil || maxAmount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	buffer, err := c.buffers.BufferOf(domain)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoBuffer, domain)
	}

	index, err := c.readIndex(ctx, asset)
	if err != nil {
		return nil, err
	}
	liquidity, err := c.readLiquidity(ctx, asset)
	if err != nil {
		return nil, err
	}

	held := c.ledger.Shares(asset, domain)
	claim := ray.ToAssets(held, index)
	amount := ray.Min(maxAmount, ray.Min(claim, liquidity))
	if amount.Sign() == 0 {
		return new(big.Int), nil
	}

	// Burning rounds up so the ledger never retains a claim on value that
	// was already paid out; the burn is still capped at the balance.
	toBurn := ray.Min(held, ray.ToSharesUp(amount, index))

	cp := c.ledger.Checkpoint(asset, domain)
	burned, consumed := c.ledger.Burn(asset, domain, toBurn)

	moved, err := c.callWithdraw(ctx, asset, buffer, amount)
	if err != nil {
		c.ledger.Restore(cp)
		c.countRollback(OpWithdraw)
		return nil, fmt.Errorf("pool withdraw for %s/%s: %w", asset, domain, err)
	}
	if moved.Cmp(amount) != 0 {
		// The transfer to the buffer already settled and cannot be unwound,
		// so re-burn against what actually moved; anything else leaves the
		// ledger claiming value the pool has already paid out.
		c.ledger.Restore(cp)
		c.log.Warn().
			Str("asset", asset).
			Str("domain", domain).
			Str("asked", amount.String()).
			Str("moved", moved.String()).
			Msg("pool settled a partial withdrawal")
		amount = new(big.Int).Set(moved)
		if amount.Sign() == 0 {
			return amount, nil
		}
		burned, consumed = c.ledger.Burn(asset, domain, ray.Min(held, ray.ToSharesUp(amount, index)))
	}

	rec := c.newRecord(event.EventTypeWithdraw, asset, domain, caller)
	rec.Amount.Set(amount)
	rec.Shares.Set(burned)
	c.emit(rec)

	c.log.Info().
		Str("asset", asset).
		Str("domain", domain).
		Str("amount", amount.String()).
		Str("burned", burned.String()).
		Str("request_consumed", consumed.String()).
		Msg("withdraw applied")

	c.updateShareGauges(asset)
	return amount, nil
}

// RequestFunds flags part of the domain's position as pending withdrawal.
// It is only usable while the pool reports zero liquidity; while liquidity
// exists the domain must withdraw normally. A repeated request overwrites
// the previous one. Returns the asset value of the new requested shares.
func (c *Controller) RequestFunds(ctx context.Context, caller, asset, domain string, amount *big.Int) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := time.Now()

	requested, err := c.requestFunds(ctx, caller, asset, domain, amount)
	c.finishOp(OpRequestFunds, asset, start, err)
	return requested, err
}

func (c *Controller) requestFunds(ctx context.Context, caller, asset, domain string, amount *big.Int) (*big.Int, error) {
	if !c.access.CanAct(domain, caller, OpRequestFunds) {
		return nil, ErrUnauthorized
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	liquidity, err := c.readLiquidity(ctx, asset)
	if err != nil {
		return nil, err
	}
	if liquidity.Sign() > 0 {
		return nil, ErrLiquidityAvailable
	}

	index, err := c.readIndex(ctx, asset)
	if err != nil {
		return nil, err
	}

	newRequested := ray.Min(c.ledger.Shares(asset, domain), ray.ToShares(amount, index))
	c.ledger.SetRequested(asset, domain, newRequested)

	requestedValue := ray.ToAssets(newRequested, index)

	rec := c.newRecord(event.EventTypeRequestFunds, asset, domain, caller)
	rec.Amount.Set(requestedValue)
	rec.Shares.Set(newRequested)
	c.emit(rec)

	c.log.Info().
		Str("asset", asset).
		Str("domain", domain).
		Str("requested_shares", newRequested.String()).
		Str("requested_value", requestedValue.String()).
		Msg("fund request set")

	c.updateShareGauges(asset)
	return requestedValue, nil
}

// CancelFundRequest clears the domain's outstanding request.
func (c *Controller) CancelFundRequest(ctx context.Context, caller, asset, domain string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := time.Now()

	err := c.cancelFundRequest(ctx, caller, asset, domain)
	c.finishOp(OpCancelFundRequest, asset, start, err)
	return err
}

func (c *Controller) cancelFundRequest(_ context.Context, caller, asset, domain string) error {
	if !c.access.CanAct(domain, caller, OpCancelFundRequest) {
		return ErrUnauthorized
	}

	previous := c.ledger.RequestedShares(asset, domain)
	if previous.Sign() == 0 {
		return ErrNoActiveRequest
	}
	c.ledger.SetRequested(asset, domain, new(big.Int))

	rec := c.newRecord(event.EventTypeCancelFundRequest, asset, domain, caller)
	rec.Shares.Set(previous)
	c.emit(rec)

	c.log.Info().
		Str("asset", asset).
		Str("domain", domain).
		Str("cancelled_shares", previous.String()).
		Msg("fund request cancelled")

	c.updateShareGauges(asset)
	return nil
}

// WithdrawAndRequestFunds withdraws what liquidity allows and files a fund
// request for the shortfall. If the withdrawal covers the full amount no
// request is made. The withdrawal stands even if the follow-up request is
// rejected; the rejection is returned alongside the amount withdrawn.
func (c *Controller) WithdrawAndRequestFunds(ctx context.Context, caller, asset, domain string, amount *big.Int) (withdrawn, requested *big.Int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := time.Now()

	withdrawn, requested, err = c.withdrawAndRequestFunds(ctx, caller, asset, domain, amount)
	c.finishOp(OpWithdrawAndRequest, asset, start, err)
	return withdrawn, requested, err
}

func (c *Controller) withdrawAndRequestFunds(ctx context.Context, caller, asset, domain string, amount *big.Int) (*big.Int, *big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, nil, ErrInvalidAmount
	}

	withdrawn, err := c.withdraw(ctx, caller, asset, domain, amount)
	if err != nil {
		return nil, nil, err
	}

	shortfall := new(big.Int).Sub(amount, withdrawn)
	if shortfall.Sign() <= 0 {
		return withdrawn, new(big.Int), nil
	}

	requested, err := c.requestFunds(ctx, caller, asset, domain, shortfall)
	if err != nil {
		return withdrawn, new(big.Int), err
	}
	return withdrawn, requested, nil
}

// --- external call helpers ---

func (c *Controller) readIndex(ctx context.Context, asset string) (*big.Int, error) {
	start := time.Now()
	index, err := c.pool.NormalizedIncome(ctx, asset)
	c.countPoolCall("normalized_income", start, err)
	if err != nil {
		return nil, fmt.Errorf("read index for %s: %w", asset, err)
	}
	return index, nil
}

func (c *Controller) readLiquidity(ctx context.Context, asset string) (*big.Int, error) {
	start := time.Now()
	liquidity, err := c.pool.AvailableLiquidity(ctx, asset)
	c.countPoolCall("available_liquidity", start, err)
	if err != nil {
		return nil, fmt.Errorf("read liquidity for %s: %w", asset, err)
	}
	return liquidity, nil
}

func (c *Controller) callSupply(ctx context.Context, asset, source string, amount *big.Int) error {
	start := time.Now()
	err := c.pool.Supply(ctx, asset, source, amount)
	c.countPoolCall("supply", start, err)
	return err
}

func (c *Controller) callWithdraw(ctx context.Context, asset, destination string, amount *big.Int) (*big.Int, error) {
	start := time.Now()
	moved, err := c.pool.Withdraw(ctx, asset, destination, amount)
	c.countPoolCall("withdraw", start, err)
	return moved, err
}

// --- event and metric plumbing ---

func (c *Controller) newRecord(typ event.EventType, asset, domain, caller string) *event.Record {
	c.sequence++
	if c.metrics != nil {
		c.metrics.ControllerSeq.Set(float64(c.sequence))
	}
	return event.NewRecord(c.sequence, typ, asset, domain, caller, c.now())
}

// emit sends a record downstream. The persist send blocks so no applied
// operation is ever missing from the event log; the publish send drops on a
// full channel since subscribers can rebuild from the log.
func (c *Controller) emit(rec *event.Record) {
	if c.persistCh != nil {
		c.persistCh <- rec
	}
	if c.publishCh != nil {
		select {
		case c.publishCh <- rec:
		default:
			if c.metrics != nil {
				c.metrics.PublishDrops.Inc()
			}
		}
	}
}

func (c *Controller) finishOp(op Operation, asset string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	c.metrics.OpDuration.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())
	if err != nil {
		c.metrics.OpsRejected.WithLabelValues(string(op), rejectReason(err)).Inc()
		return
	}
	c.metrics.OpsApplied.WithLabelValues(string(op), asset).Inc()
}

func (c *Controller) countRollback(op Operation) {
	if c.metrics != nil {
		c.metrics.Rollbacks.WithLabelValues(string(op)).Inc()
	}
}

func (c *Controller) countPoolCall(method string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	c.metrics.PoolCalls.WithLabelValues(method).Inc()
	c.metrics.PoolCallDur.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		c.metrics.PoolCallErrs.WithLabelValues(method).Inc()
	}
}

func (c *Controller) updateShareGauges(asset string) {
	if c.metrics == nil {
		return
	}
	total, _ := new(big.Float).SetInt(c.ledger.TotalShares(asset)).Float64()
	requested, _ := new(big.Float).SetInt(c.ledger.TotalRequestedShares(asset)).Float64()
	c.metrics.TotalShares.WithLabelValues(asset).Set(total)
	c.metrics.TotalRequestedShares.WithLabelValues(asset).Set(requested)
}
