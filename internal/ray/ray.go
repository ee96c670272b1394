// Package ray implements the fixed-point conversions between asset amounts
// and share-denominated ledger units. Indexes use 27 decimals (ray), ratios
// and rates that interact with utilization use 18 decimals (wad).
package ray

import "math/big"

var (
	// Ray is the 1e27 scale used by normalization indexes and rates.
	Ray = mustBigInt("1000000000000000000000000000")

	// Wad is the 1e18 scale used by ratios (utilization, debt ratio).
	Wad = mustBigInt("1000000000000000000")

	bps = big.NewInt(10_000)
)

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// ToShares converts an asset amount into shares at the given index, rounding
// down. Issuing shares rounds against the depositor so the ledger never
// credits more claim than the amount supplied. A zero index yields zero.
func ToShares(amount, index *big.Int) *big.Int {
	if amount == nil || amount.Sign() <= 0 || index == nil || index.Sign() == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(amount, Ray)
	return out.Quo(out, index)
}

// ToSharesUp converts an asset amount into shares at the given index, rounding
// up. Burning shares rounds against the holder so the ledger never retains
// more claim than the underlying value actually redeemed. Returns zero only
// for a zero amount.
func ToSharesUp(amount, index *big.Int) *big.Int {
	if amount == nil || amount.Sign() <= 0 || index == nil || index.Sign() == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(amount, Ray)
	out.Add(out, new(big.Int).Sub(index, big.NewInt(1)))
	return out.Quo(out, index)
}

// ToAssets converts shares back into an asset amount at the given index,
// rounding down. All read-side valuation uses this so a claim is never
// over-reported.
func ToAssets(shares, index *big.Int) *big.Int {
	if shares == nil || shares.Sign() <= 0 || index == nil || index.Sign() == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(shares, index)
	return out.Quo(out, Ray)
}

// WadDiv computes a * 1e18 / b, rounding down. A zero divisor yields zero.
func WadDiv(a, b *big.Int) *big.Int {
	if a == nil || a.Sign() == 0 || b == nil || b.Sign() == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(a, Wad)
	return out.Quo(out, b)
}

// WadMul computes a * b / 1e18, rounding down.
func WadMul(a, b *big.Int) *big.Int {
	if a == nil || a.Sign() == 0 || b == nil || b.Sign() == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, Wad)
}

// BPSToRay converts basis points into a ray-scaled rate.
func BPSToRay(v uint64) *big.Int {
	out := new(big.Int).SetUint64(v)
	out.Mul(out, Ray)
	return out.Quo(out, bps)
}

// Min returns a copy of the smaller of a and b. Nil operands count as zero.
func Min(a, b *big.Int) *big.Int {
	if a == nil {
		a = new(big.Int)
	}
	if b == nil {
		b = new(big.Int)
	}
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}
