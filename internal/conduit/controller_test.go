package conduit_test

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/rs/zerolog"

	"conduit/internal/conduit"
	"conduit/internal/ray"
)

func bi(v int64) *big.Int { return big.NewInt(v) }

// index of 1.25 in ray scale
func index125() *big.Int {
	idx := new(big.Int).Mul(ray.Ray, bi(125))
	return idx.Quo(idx, bi(100))
}

// ============================================================================
// Fakes
// ============================================================================

type fakePool struct {
	index     *big.Int
	liquidity *big.Int

	supplyErr   error
	withdrawErr error
	shortPay    bool // move one unit less than asked

	supplied []*big.Int
}

func (p *fakePool) Supply(_ context.Context, _, _ string, amount *big.Int) error {
	if p.supplyErr != nil {
		return p.supplyErr
	}
	p.supplied = append(p.supplied, new(big.Int).Set(amount))
	return nil
}

func (p *fakePool) Withdraw(_ context.Context, _, _ string, amount *big.Int) (*big.Int, error) {
	if p.withdrawErr != nil {
		return nil, p.withdrawErr
	}
	moved := new(big.Int).Set(amount)
	if p.shortPay {
		moved.Sub(moved, bi(1))
	}
	p.liquidity.Sub(p.liquidity, moved)
	return moved, nil
}

func (p *fakePool) NormalizedIncome(_ context.Context, _ string) (*big.Int, error) {
	return new(big.Int).Set(p.index), nil
}

func (p *fakePool) AvailableLiquidity(_ context.Context, _ string) (*big.Int, error) {
	return new(big.Int).Set(p.liquidity), nil
}

type fakeBuffers struct {
	addrs map[string]string
}

func (b *fakeBuffers) BufferOf(domain string) (string, error) {
	addr, ok := b.addrs[domain]
	if !ok {
		return "", errors.New("no buffer")
	}
	return addr, nil
}

type fakeAccess struct {
	denied map[string]bool // caller -> denied
}

func (a *fakeAccess) CanAct(_, caller string, _ conduit.Operation) bool {
	return !a.denied[caller]
}

func newTestController(pool *fakePool) *conduit.Controller {
	buffers := &fakeBuffers{addrs: map[string]string{
		"alpha": "buf-alpha",
		"beta":  "buf-beta",
	}}
	access := &fakeAccess{denied: map[string]bool{"mallory": true}}
	c := conduit.NewController(pool, buffers, access, nil, nil, nil, zerolog.Nop())
	c.EnableAsset("USDC")
	return c
}

// ============================================================================
// Test: Deposit
// ============================================================================

func TestDeposit_IssuesSharesAtIndex(t *testing.T) {
	pool := &fakePool{index: index125(), liquidity: bi(1000)}
	c := newTestController(pool)

	shares, err := c.Deposit(context.Background(), "ops", "USDC", "alpha", bi(100))
	if err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if shares.Cmp(bi(80)) != 0 {
		t.Errorf("shares: got %s, want 80", shares)
	}
	if len(pool.supplied) != 1 || pool.supplied[0].Cmp(bi(100)) != 0 {
		t.Errorf("pool supply calls: got %v, want one call of 100", pool.supplied)
	}
}

func TestDeposit_TwoDomains(t *testing.T) {
	pool := &fakePool{index: index125(), liquidity: bi(1000)}
	c := newTestController(pool)
	ctx := context.Background()

	c.Deposit(ctx, "ops", "USDC", "alpha", bi(100))
	c.Deposit(ctx, "ops", "USDC", "beta", bi(50))

	if got := c.Shares("USDC", "alpha"); got.Cmp(bi(80)) != 0 {
		t.Errorf("alpha shares: got %s, want 80", got)
	}
	if got := c.Shares("USDC", "beta"); got.Cmp(bi(40)) != 0 {
		t.Errorf("beta shares: got %s, want 40", got)
	}
	total, err := c.TotalDeposits(ctx, "USDC")
	if err != nil {
		t.Fatalf("total deposits: %v", err)
	}
	if total.Cmp(bi(150)) != 0 {
		t.Errorf("total deposits: got %s, want 150", total)
	}
}

func TestDeposit_Preconditions(t *testing.T) {
	pool := &fakePool{index: index125(), liquidity: bi(1000)}
	c := newTestController(pool)
	ctx := context.Background()

	if _, err := c.Deposit(ctx, "mallory", "USDC", "alpha", bi(100)); !errors.Is(err, conduit.ErrUnauthorized) {
		t.Errorf("unauthorized caller: got %v, want ErrUnauthorized", err)
	}
	if _, err := c.Deposit(ctx, "ops", "DAI", "alpha", bi(100)); !errors.Is(err, conduit.ErrAssetDisabled) {
		t.Errorf("disabled asset: got %v, want ErrAssetDisabled", err)
	}
	if _, err := c.Deposit(ctx, "ops", "USDC", "gamma", bi(100)); !errors.Is(err, conduit.ErrNoBuffer) {
		t.Errorf("unregistered domain: got %v, want ErrNoBuffer", err)
	}
	if _, err := c.Deposit(ctx, "ops", "USDC", "alpha", bi(0)); !errors.Is(err, conduit.ErrInvalidAmount) {
		t.Errorf("zero amount: got %v, want ErrInvalidAmount", err)
	}
}

func TestDeposit_BlockedByOutstandingRequest(t *testing.T) {
	pool := &fakePool{index: index125(), liquidity: bi(1000)}
	c := newTestController(pool)
	ctx := context.Background()

	c.Deposit(ctx, "ops", "USDC", "alpha", bi(100))
	pool.liquidity = bi(0)
	if _, err := c.RequestFunds(ctx, "ops", "USDC", "alpha", bi(40)); err != nil {
		t.Fatalf("request funds failed: %v", err)
	}

	pool.liquidity = bi(1000)
	_, err := c.Deposit(ctx, "ops", "USDC", "alpha", bi(10))
	if !errors.Is(err, conduit.ErrPendingRequest) {
		t.Errorf("deposit with outstanding request: got %v, want ErrPendingRequest", err)
	}
}

func TestDeposit_RolledBackOnSupplyFailure(t *testing.T) {
	pool := &fakePool{index: index125(), liquidity: bi(1000)}
	c := newTestController(pool)
	ctx := context.Background()

	pool.supplyErr = errors.New("pool down")
	if _, err := c.Deposit(ctx, "ops", "USDC", "alpha", bi(100)); err == nil {
		t.Fatal("deposit should fail when supply fails")
	}

	if got := c.Shares("USDC", "alpha"); got.Sign() != 0 {
		t.Errorf("shares after rollback: got %s, want 0", got)
	}
}

// ============================================================================
// Test: Withdraw
// ============================================================================

func TestWithdraw_AllAtSameIndex(t *testing.T) {
	pool := &fakePool{index: index125(), liquidity: bi(1000)}
	c := newTestController(pool)
	ctx := context.Background()

	c.Deposit(ctx, "ops", "USDC", "alpha", bi(100))

	got, err := c.Withdraw(ctx, "ops", "USDC", "alpha", bi(1_000_000))
	if err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	if got.Cmp(bi(100)) != 0 {
		t.Errorf("withdrawn: got %s, want 100", got)
	}
	if shares := c.Shares("USDC", "alpha"); shares.Sign() != 0 {
		t.Errorf("shares after full withdraw: got %s, want 0", shares)
	}
}

func TestWithdraw_CappedByLiquidity(t *testing.T) {
	pool := &fakePool{index: index125(), liquidity: bi(1000)}
	c := newTestController(pool)
	ctx := context.Background()

	c.Deposit(ctx, "ops", "USDC", "alpha", bi(100))
	pool.liquidity = bi(30)

	got, err := c.Withdraw(ctx, "ops", "USDC", "alpha", bi(100))
	if err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	if got.Cmp(bi(30)) != 0 {
		t.Errorf("withdrawn: got %s, want 30", got)
	}
}

func TestWithdraw_ConsumesOutstandingRequest(t *testing.T) {
	pool := &fakePool{index: index125(), liquidity: bi(1000)}
	c := newTestController(pool)
	ctx := context.Background()

	c.Deposit(ctx, "ops", "USDC", "alpha", bi(100))

	pool.liquidity = bi(0)
	if _, err := c.RequestFunds(ctx, "ops", "USDC", "alpha", bi(40)); err != nil {
		t.Fatalf("request funds failed: %v", err)
	}
	if got := c.RequestedShares("USDC", "alpha"); got.Cmp(bi(32)) != 0 {
		t.Fatalf("requested shares: got %s, want 32", got)
	}

	// partial liquidity returns: withdrawing 25 burns ceil(25/1.25) = 20
	// shares and consumes 20 of the 32 requested
	pool.liquidity = bi(25)
	got, err := c.Withdraw(ctx, "ops", "USDC", "alpha", bi(25))
	if err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	if got.Cmp(bi(25)) != 0 {
		t.Errorf("withdrawn: got %s, want 25", got)
	}
	if shares := c.Shares("USDC", "alpha"); shares.Cmp(bi(60)) != 0 {
		t.Errorf("shares: got %s, want 60", shares)
	}
	if req := c.RequestedShares("USDC", "alpha"); req.Cmp(bi(12)) != 0 {
		t.Errorf("requested shares: got %s, want 12", req)
	}
}

func TestWithdraw_SettlesAgainstPartialFill(t *testing.T) {
	pool := &fakePool{index: index125(), liquidity: bi(1000)}
	c := newTestController(pool)
	ctx := context.Background()

	c.Deposit(ctx, "ops", "USDC", "alpha", bi(100))
	pool.shortPay = true

	// The pool pays 49 of the 50 asked. The 49 already left the pool, so
	// the ledger must burn for 49, not keep the full claim: otherwise
	// total claims exceed pool backing by the amount paid out.
	withdrawn, err := c.Withdraw(ctx, "ops", "USDC", "alpha", bi(50))
	if err != nil {
		t.Fatalf("partial fill should settle, not error: %v", err)
	}
	if withdrawn.Cmp(bi(49)) != 0 {
		t.Errorf("withdrawn: got %s, want 49", withdrawn)
	}
	// ceil(49 / 1.25) = 40 shares burned
	if shares := c.Shares("USDC", "alpha"); shares.Cmp(bi(40)) != 0 {
		t.Errorf("shares after partial fill: got %s, want 40", shares)
	}
	if err := c.VerifyLedger("USDC"); err != nil {
		t.Errorf("ledger inconsistent after partial fill: %v", err)
	}
}

func TestWithdraw_NothingToMove(t *testing.T) {
	pool := &fakePool{index: index125(), liquidity: bi(1000)}
	c := newTestController(pool)
	ctx := context.Background()

	got, err := c.Withdraw(ctx, "ops", "USDC", "alpha", bi(50))
	if err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	if got.Sign() != 0 {
		t.Errorf("withdrawn with no position: got %s, want 0", got)
	}
}

// ============================================================================
// Test: RequestFunds / CancelFundRequest
// ============================================================================

func TestRequestFunds_GatedOnZeroLiquidity(t *testing.T) {
	pool := &fakePool{index: index125(), liquidity: bi(1000)}
	c := newTestController(pool)
	ctx := context.Background()

	c.Deposit(ctx, "ops", "USDC", "alpha", bi(100))

	_, err := c.RequestFunds(ctx, "ops", "USDC", "alpha", bi(40))
	if !errors.Is(err, conduit.ErrLiquidityAvailable) {
		t.Errorf("request with liquidity: got %v, want ErrLiquidityAvailable", err)
	}
}

func TestRequestFunds_OverwritesNotAdds(t *testing.T) {
	pool := &fakePool{index: index125(), liquidity: bi(1000)}
	c := newTestController(pool)
	ctx := context.Background()

	c.Deposit(ctx, "ops", "USDC", "alpha", bi(100))
	pool.liquidity = bi(0)

	value, err := c.RequestFunds(ctx, "ops", "USDC", "alpha", bi(40))
	if err != nil {
		t.Fatalf("request funds failed: %v", err)
	}
	if value.Cmp(bi(40)) != 0 {
		t.Errorf("requested value: got %s, want 40", value)
	}
	if got := c.RequestedShares("USDC", "alpha"); got.Cmp(bi(32)) != 0 {
		t.Errorf("requested shares: got %s, want 32", got)
	}

	// the second request replaces the first
	if _, err := c.RequestFunds(ctx, "ops", "USDC", "alpha", bi(20)); err != nil {
		t.Fatalf("second request failed: %v", err)
	}
	if got := c.RequestedShares("USDC", "alpha"); got.Cmp(bi(16)) != 0 {
		t.Errorf("requested shares after overwrite: got %s, want 16", got)
	}
}

func TestRequestFunds_CappedAtPosition(t *testing.T) {
	pool := &fakePool{index: index125(), liquidity: bi(1000)}
	c := newTestController(pool)
	ctx := context.Background()

	c.Deposit(ctx, "ops", "USDC", "alpha", bi(100))
	pool.liquidity = bi(0)

	value, err := c.RequestFunds(ctx, "ops", "USDC", "alpha", bi(500))
	if err != nil {
		t.Fatalf("request funds failed: %v", err)
	}
	if got := c.RequestedShares("USDC", "alpha"); got.Cmp(bi(80)) != 0 {
		t.Errorf("requested shares: got %s, want 80 (capped)", got)
	}
	if value.Cmp(bi(100)) != 0 {
		t.Errorf("requested value: got %s, want 100", value)
	}
}

func TestCancelFundRequest(t *testing.T) {
	pool := &fakePool{index: index125(), liquidity: bi(1000)}
	c := newTestController(pool)
	ctx := context.Background()

	if err := c.CancelFundRequest(ctx, "ops", "USDC", "alpha"); !errors.Is(err, conduit.ErrNoActiveRequest) {
		t.Errorf("cancel with nothing outstanding: got %v, want ErrNoActiveRequest", err)
	}

	c.Deposit(ctx, "ops", "USDC", "alpha", bi(100))
	pool.liquidity = bi(0)
	c.RequestFunds(ctx, "ops", "USDC", "alpha", bi(40))

	if err := c.CancelFundRequest(ctx, "ops", "USDC", "alpha"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if got := c.RequestedShares("USDC", "alpha"); got.Sign() != 0 {
		t.Errorf("requested after cancel: got %s, want 0", got)
	}
}

// ============================================================================
// Test: WithdrawAndRequestFunds
// ============================================================================

func TestWithdrawAndRequestFunds_RequestsShortfall(t *testing.T) {
	pool := &fakePool{index: index125(), liquidity: bi(1000)}
	c := newTestController(pool)
	ctx := context.Background()

	c.Deposit(ctx, "ops", "USDC", "alpha", bi(100))
	pool.liquidity = bi(25)

	withdrawn, requested, err := c.WithdrawAndRequestFunds(ctx, "ops", "USDC", "alpha", bi(45))
	if err != nil {
		t.Fatalf("withdraw-and-request failed: %v", err)
	}
	if withdrawn.Cmp(bi(25)) != 0 {
		t.Errorf("withdrawn: got %s, want 25", withdrawn)
	}
	if requested.Cmp(bi(20)) != 0 {
		t.Errorf("requested: got %s, want 20", requested)
	}
	if got := c.RequestedShares("USDC", "alpha"); got.Cmp(bi(16)) != 0 {
		t.Errorf("requested shares: got %s, want 16", got)
	}
}

func TestWithdrawAndRequestFunds_NoRequestWhenFilled(t *testing.T) {
	pool := &fakePool{index: index125(), liquidity: bi(1000)}
	c := newTestController(pool)
	ctx := context.Background()

	c.Deposit(ctx, "ops", "USDC", "alpha", bi(100))

	withdrawn, requested, err := c.WithdrawAndRequestFunds(ctx, "ops", "USDC", "alpha", bi(45))
	if err != nil {
		t.Fatalf("withdraw-and-request failed: %v", err)
	}
	if withdrawn.Cmp(bi(45)) != 0 {
		t.Errorf("withdrawn: got %s, want 45", withdrawn)
	}
	if requested.Sign() != 0 {
		t.Errorf("requested: got %s, want 0", requested)
	}
}

// ============================================================================
// Test: InterestData
// ============================================================================

func TestGetInterestData(t *testing.T) {
	pool := &fakePool{index: index125(), liquidity: bi(1000)}
	c := newTestController(pool)
	ctx := context.Background()

	c.SetBaseRate("USDC", ray.BPSToRay(100))
	c.SetSubsidyRate("USDC", ray.BPSToRay(350))

	c.Deposit(ctx, "ops", "USDC", "alpha", bi(100))
	pool.liquidity = bi(0)
	c.RequestFunds(ctx, "ops", "USDC", "alpha", bi(40))

	data, err := c.GetInterestData(ctx, "USDC")
	if err != nil {
		t.Fatalf("interest data failed: %v", err)
	}
	if data.CurrentDebt.Cmp(bi(100)) != 0 {
		t.Errorf("current debt: got %s, want 100", data.CurrentDebt)
	}
	// 80 shares total, 32 requested -> 48 remaining -> 60 assets
	if data.TargetDebt.Cmp(bi(60)) != 0 {
		t.Errorf("target debt: got %s, want 60", data.TargetDebt)
	}
	if data.SubsidyRate.Cmp(ray.BPSToRay(350)) != 0 {
		t.Errorf("subsidy rate: got %s, want %s", data.SubsidyRate, ray.BPSToRay(350))
	}
}
