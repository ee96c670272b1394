package rates_test

import (
	"context"
	"math/big"
	"testing"

	"github.com/rs/zerolog"

	"conduit/internal/conduit"
	"conduit/internal/rates"
	"conduit/internal/ray"
)

func bi(v int64) *big.Int { return big.NewInt(v) }

type fakeSource struct {
	data conduit.InterestData
	err  error
}

func (f *fakeSource) GetInterestData(_ context.Context, _ string) (conduit.InterestData, error) {
	return f.data, f.err
}

func newStrategy(t *testing.T, src *fakeSource, maxRateBPS, spreadBPS uint64) *rates.Strategy {
	t.Helper()
	s, err := rates.NewStrategy("USDC", src, ray.BPSToRay(maxRateBPS), ray.BPSToRay(spreadBPS), nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("new strategy: %v", err)
	}
	return s
}

func TestNewStrategy_RejectsSpreadAboveMax(t *testing.T) {
	_, err := rates.NewStrategy("USDC", &fakeSource{}, ray.BPSToRay(100), ray.BPSToRay(200), nil, zerolog.Nop())
	if err == nil {
		t.Fatal("spread above max rate should be rejected")
	}
}

func TestRecompute_UnhealthyRatio(t *testing.T) {
	// subsidy 350bps + spread 30bps, debt 100 against target 60
	src := &fakeSource{data: conduit.InterestData{
		BaseRate:    new(big.Int),
		SubsidyRate: ray.BPSToRay(350),
		CurrentDebt: bi(100),
		TargetDebt:  bi(60),
	}}
	s := newStrategy(t, src, 7500, 30)

	if err := s.Recompute(context.Background()); err != nil {
		t.Fatalf("recompute: %v", err)
	}

	slot := s.Slot0()
	wantRatio, _ := new(big.Int).SetString("1666666666666666666", 10)
	if slot.DebtRatio.Cmp(wantRatio) != 0 {
		t.Errorf("debt ratio: got %s, want %s", slot.DebtRatio, wantRatio)
	}
	if slot.BaseBorrowRate.Cmp(ray.BPSToRay(380)) != 0 {
		t.Errorf("base borrow rate: got %s, want 380bps", slot.BaseBorrowRate)
	}
	if slot.UpdatedAt.IsZero() {
		t.Error("UpdatedAt should be set after recompute")
	}

	borrow, supply := s.CalculateInterestRates(bi(100), bi(0))
	if borrow.Cmp(ray.BPSToRay(380)) <= 0 {
		t.Errorf("borrow rate %s should exceed the 380bps base while unhealthy", borrow)
	}
	if borrow.Cmp(ray.BPSToRay(7500)) > 0 {
		t.Errorf("borrow rate %s exceeds max rate", borrow)
	}
	if supply.Cmp(borrow) > 0 {
		t.Errorf("supply rate %s exceeds borrow rate %s", supply, borrow)
	}
}

func TestRecompute_HealthyModeIsConstant(t *testing.T) {
	src := &fakeSource{data: conduit.InterestData{
		BaseRate:    new(big.Int),
		SubsidyRate: ray.BPSToRay(350),
		CurrentDebt: bi(60),
		TargetDebt:  bi(100),
	}}
	s := newStrategy(t, src, 7500, 30)
	if err := s.Recompute(context.Background()); err != nil {
		t.Fatalf("recompute: %v", err)
	}

	base := ray.BPSToRay(380)
	for _, borrowed := range []int64{0, 1, 50, 1_000_000} {
		borrow, _ := s.CalculateInterestRates(bi(borrowed), bi(100))
		if borrow.Cmp(base) != 0 {
			t.Errorf("healthy borrow rate at borrowed=%d: got %s, want %s", borrowed, borrow, base)
		}
	}
}

func TestRecompute_SubsidyClampedToMax(t *testing.T) {
	src := &fakeSource{data: conduit.InterestData{
		BaseRate:    new(big.Int),
		SubsidyRate: ray.BPSToRay(9000),
		CurrentDebt: bi(50),
		TargetDebt:  bi(100),
	}}
	s := newStrategy(t, src, 7500, 30)
	if err := s.Recompute(context.Background()); err != nil {
		t.Fatalf("recompute: %v", err)
	}

	slot := s.Slot0()
	if slot.BaseBorrowRate.Cmp(ray.BPSToRay(7500)) != 0 {
		t.Errorf("clamped base: got %s, want maxRate", slot.BaseBorrowRate)
	}
}

func TestRecompute_DebtRatioEdges(t *testing.T) {
	src := &fakeSource{data: conduit.InterestData{
		BaseRate:    new(big.Int),
		SubsidyRate: ray.BPSToRay(350),
		CurrentDebt: bi(0),
		TargetDebt:  bi(100),
	}}
	s := newStrategy(t, src, 7500, 30)
	s.Recompute(context.Background())
	if got := s.Slot0().DebtRatio; got.Sign() != 0 {
		t.Errorf("ratio with zero debt: got %s, want 0", got)
	}

	// every share requested back: target debt zero, ratio pegged at the cap
	src.data.CurrentDebt = bi(100)
	src.data.TargetDebt = bi(0)
	s.Recompute(context.Background())
	if got := s.Slot0().DebtRatio; got.Cmp(rates.MaxDebtRatio) != 0 {
		t.Errorf("ratio with zero target: got %s, want MaxDebtRatio", got)
	}

	borrow, _ := s.CalculateInterestRates(bi(100), bi(0))
	if borrow.Cmp(ray.BPSToRay(380)) <= 0 || borrow.Cmp(ray.BPSToRay(7500)) > 0 {
		t.Errorf("borrow rate at capped ratio: got %s, want (380bps, 7500bps]", borrow)
	}
}

func TestBorrowRate_MonotoneInDebtRatio(t *testing.T) {
	src := &fakeSource{data: conduit.InterestData{
		BaseRate:    new(big.Int),
		SubsidyRate: ray.BPSToRay(350),
		CurrentDebt: bi(0),
		TargetDebt:  bi(100),
	}}
	s := newStrategy(t, src, 7500, 30)

	prev := new(big.Int)
	for _, debt := range []int64{50, 100, 150, 300, 1000, 100000} {
		src.data.CurrentDebt = bi(debt)
		if err := s.Recompute(context.Background()); err != nil {
			t.Fatalf("recompute at debt=%d: %v", debt, err)
		}
		borrow, _ := s.CalculateInterestRates(bi(debt), bi(0))
		if borrow.Cmp(prev) < 0 {
			t.Errorf("borrow rate decreased at debt=%d: %s < %s", debt, borrow, prev)
		}
		if borrow.Cmp(ray.BPSToRay(7500)) > 0 {
			t.Errorf("borrow rate exceeds max at debt=%d: %s", debt, borrow)
		}
		prev = borrow
	}
}

func TestSupplyRate_BoundedByBorrowRate(t *testing.T) {
	src := &fakeSource{data: conduit.InterestData{
		BaseRate:    new(big.Int),
		SubsidyRate: ray.BPSToRay(350),
		CurrentDebt: bi(100),
		TargetDebt:  bi(60),
	}}
	s := newStrategy(t, src, 7500, 30)
	s.Recompute(context.Background())

	cases := []struct{ borrowed, liquidity int64 }{
		{0, 0}, {0, 100}, {1, 99}, {50, 50}, {100, 0}, {100000, 1},
	}
	for _, tc := range cases {
		borrow, supply := s.CalculateInterestRates(bi(tc.borrowed), bi(tc.liquidity))
		if supply.Cmp(borrow) > 0 {
			t.Errorf("supply %s > borrow %s at borrowed=%d liquidity=%d",
				supply, borrow, tc.borrowed, tc.liquidity)
		}
		if tc.borrowed == 0 && supply.Sign() != 0 {
			t.Errorf("supply rate with zero borrowed: got %s, want 0", supply)
		}
	}
}

func TestSetSpread_Validation(t *testing.T) {
	s := newStrategy(t, &fakeSource{}, 7500, 30)

	if err := s.SetSpread(ray.BPSToRay(8000)); err == nil {
		t.Error("spread above max rate should be rejected")
	}
	if err := s.SetSpread(bi(-1)); err == nil {
		t.Error("negative spread should be rejected")
	}
	if err := s.SetSpread(new(big.Int)); err != nil {
		t.Errorf("zero spread rejected: %v", err)
	}
}

func TestSetSpread_TakesEffectOnNextRecompute(t *testing.T) {
	src := &fakeSource{data: conduit.InterestData{
		BaseRate:    new(big.Int),
		SubsidyRate: ray.BPSToRay(350),
		CurrentDebt: bi(60),
		TargetDebt:  bi(100),
	}}
	s := newStrategy(t, src, 7500, 30)
	if err := s.Recompute(context.Background()); err != nil {
		t.Fatalf("recompute: %v", err)
	}

	if err := s.SetSpread(ray.BPSToRay(100)); err != nil {
		t.Fatalf("set spread: %v", err)
	}

	// cache untouched until the next refresh
	if got := s.Slot0().BaseBorrowRate; got.Cmp(ray.BPSToRay(380)) != 0 {
		t.Errorf("base before recompute: got %s, want 380bps", got)
	}

	if err := s.Recompute(context.Background()); err != nil {
		t.Fatalf("recompute after set spread: %v", err)
	}
	if got := s.Slot0().BaseBorrowRate; got.Cmp(ray.BPSToRay(450)) != 0 {
		t.Errorf("base after recompute: got %s, want 450bps", got)
	}
}

func TestCalculate_NeverRefreshesCache(t *testing.T) {
	src := &fakeSource{data: conduit.InterestData{
		BaseRate:    new(big.Int),
		SubsidyRate: ray.BPSToRay(350),
		CurrentDebt: bi(100),
		TargetDebt:  bi(60),
	}}
	s := newStrategy(t, src, 7500, 30)
	s.Recompute(context.Background())
	before := s.Slot0()

	// changing the source must have no effect until the next Recompute
	src.data.CurrentDebt = bi(100000)
	s.CalculateInterestRates(bi(100), bi(0))

	after := s.Slot0()
	if before.DebtRatio.Cmp(after.DebtRatio) != 0 || !before.UpdatedAt.Equal(after.UpdatedAt) {
		t.Error("rate query refreshed the cache")
	}
}
