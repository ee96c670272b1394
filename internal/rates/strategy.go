// Package rates implements the two-mode borrow rate curve driven by how
// much of the pooled claim domains are actively trying to withdraw. The
// curve's inputs are cached and only refreshed by an explicit Recompute;
// rate queries never refresh the cache.
package rates

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"conduit/internal/conduit"
	"conduit/internal/observability"
	"conduit/internal/ray"
)

// MaxDebtRatio is the wad-scale sentinel the debt ratio is capped at. It is
// hit when the target debt is zero, that is when every share is requested
// back.
var MaxDebtRatio = new(big.Int).Mul(ray.Wad, big.NewInt(1_000_000_000))

// Slot0 is the cached recompute output. UpdatedAt bounds the staleness a
// caller is accepting when it reads rates without recomputing first.
type Slot0 struct {
	DebtRatio      *big.Int // wad, capped at MaxDebtRatio
	BaseBorrowRate *big.Int // ray
	UpdatedAt      time.Time
}

// Strategy computes borrow and supply rates for one asset from the cached
// Slot0. Safe for concurrent use.
type Strategy struct {
	mu sync.Mutex

	asset   string
	source  conduit.InterestDataSource
	maxRate *big.Int // ray
	spread  *big.Int // ray

	slot0 Slot0

	clock   func() time.Time
	log     zerolog.Logger
	metrics *observability.Metrics
}

// NewStrategy validates the parameters and returns a strategy with an empty
// cache. Callers are expected to Recompute once during startup.
func NewStrategy(
	asset string,
	source conduit.InterestDataSource,
	maxRate, spread *big.Int,
	metrics *observability.Metrics,
	log zerolog.Logger,
) (*Strategy, error) {
	if maxRate == nil || maxRate.Sign() <= 0 {
		return nil, fmt.Errorf("rates: max rate must be positive")
	}
	if spread == nil || spread.Sign() < 0 {
		return nil, fmt.Errorf("rates: spread must be non-negative")
	}
	if spread.Cmp(maxRate) > 0 {
		return nil, fmt.Errorf("rates: spread %s exceeds max rate %s", spread, maxRate)
	}
	return &Strategy{
		asset:   asset,
		source:  source,
		maxRate: new(big.Int).Set(maxRate),
		spread:  new(big.Int).Set(spread),
		slot0: Slot0{
			DebtRatio:      new(big.Int),
			BaseBorrowRate: new(big.Int),
		},
		clock:   time.Now,
		log:     log,
		metrics: metrics,
	}, nil
}

// Recompute reads fresh interest data and replaces the cache. It has no
// preconditions and is idempotent for identical inputs.
func (s *Strategy) Recompute(ctx context.Context) error {
	data, err := s.source.GetInterestData(ctx, s.asset)
	if err != nil {
		return fmt.Errorf("rates: read interest data for %s: %w", s.asset, err)
	}

	s.mu.Lock()
	spread := new(big.Int).Set(s.spread)
	s.mu.Unlock()

	// Clamp so base never exceeds the ceiling. Safe because SetSpread and
	// construction both enforce spread <= maxRate.
	subsidy := new(big.Int).Set(data.SubsidyRate)
	ceiling := new(big.Int).Sub(s.maxRate, spread)
	if subsidy.Cmp(ceiling) > 0 {
		subsidy.Set(ceiling)
	}
	base := new(big.Int).Add(subsidy, spread)

	debtRatio := new(big.Int)
	capped := false
	switch {
	case data.CurrentDebt.Sign() == 0:
		// nothing borrowed, ratio is zero
	case data.TargetDebt.Sign() == 0:
		debtRatio.Set(MaxDebtRatio)
		capped = true
	default:
		debtRatio = ray.WadDiv(data.CurrentDebt, data.TargetDebt)
		if debtRatio.Cmp(MaxDebtRatio) > 0 {
			debtRatio.Set(MaxDebtRatio)
			capped = true
		}
	}

	now := s.clock()

	s.mu.Lock()
	s.slot0 = Slot0{
		DebtRatio:      debtRatio,
		BaseBorrowRate: base,
		UpdatedAt:      now,
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RateRecomputes.WithLabelValues(s.asset).Inc()
		if capped {
			s.metrics.DebtRatioCapped.WithLabelValues(s.asset).Inc()
		}
	}
	s.log.Info().
		Str("asset", s.asset).
		Str("debt_ratio", debtRatio.String()).
		Str("base_borrow_rate", base.String()).
		Msg("rate cache recomputed")
	return nil
}

// CalculateInterestRates returns (borrowRate, supplyRate) as a pure function
// of the cache and its arguments. While the debt ratio is at or below 1.0
// the borrow rate is the constant base rate; above 1.0 it climbs along an
// inverse curve toward maxRate as the ratio grows.
func (s *Strategy) CalculateInterestRates(totalBorrowed, availableLiquidity *big.Int) (borrowRate, supplyRate *big.Int) {
	s.mu.Lock()
	debtRatio := new(big.Int).Set(s.slot0.DebtRatio)
	base := new(big.Int).Set(s.slot0.BaseBorrowRate)
	s.mu.Unlock()

	utilization := new(big.Int)
	if totalBorrowed != nil && totalBorrowed.Sign() > 0 {
		pool := new(big.Int).Set(totalBorrowed)
		if availableLiquidity != nil {
			pool.Add(pool, availableLiquidity)
		}
		utilization = ray.WadDiv(totalBorrowed, pool)
	}

	if debtRatio.Cmp(ray.Wad) <= 0 {
		borrowRate = base
	} else {
		headroom := new(big.Int).Sub(s.maxRate, base)
		borrowRate = new(big.Int).Sub(s.maxRate, ray.WadDiv(headroom, debtRatio))
	}

	supplyRate = ray.WadMul(borrowRate, utilization)
	return borrowRate, supplyRate
}

// SetSpread replaces the spread over the subsidy rate. Like any rate input
// it takes effect on the next Recompute; the cache is never refreshed here.
func (s *Strategy) SetSpread(spread *big.Int) error {
	if spread == nil || spread.Sign() < 0 {
		return fmt.Errorf("rates: spread must be non-negative")
	}
	if spread.Cmp(s.maxRate) > 0 {
		return fmt.Errorf("rates: spread %s exceeds max rate %s", spread, s.maxRate)
	}

	s.mu.Lock()
	s.spread = new(big.Int).Set(spread)
	s.mu.Unlock()

	s.log.Info().
		Str("asset", s.asset).
		Str("spread", spread.String()).
		Msg("spread updated")
	return nil
}

// Slot0 returns a copy of the cache.
func (s *Strategy) Slot0() Slot0 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Slot0{
		DebtRatio:      new(big.Int).Set(s.slot0.DebtRatio),
		BaseBorrowRate: new(big.Int).Set(s.slot0.BaseBorrowRate),
		UpdatedAt:      s.slot0.UpdatedAt,
	}
}

// MaxRate returns the configured rate ceiling.
func (s *Strategy) MaxRate() *big.Int {
	return new(big.Int).Set(s.maxRate)
}

// Asset returns the asset this strategy is bound to.
func (s *Strategy) Asset() string {
	return s.asset
}
