package state

import (
	"math/big"

	"miniamm/internal/model"
)

// View holds the presentation values derived from one snapshot.
// It is rebuilt whole on every cache write and never patched.
type View struct {
	Block uint64
	// Ratio is reserveY/reserveX; nil for an empty pool.
	Ratio *big.Rat
	// K is reserveX*reserveY.
	K *big.Int
	// PoolShare is lpBalance/lpTotalSupply; nil when no LP exists.
	PoolShare *big.Rat
	// ClaimX and ClaimY are the account's pro-rata reserves.
	ClaimX *big.Int
	ClaimY *big.Int
	// AccruedX and AccruedY are claim minus baseline; nil without a baseline.
	AccruedX *big.Int
	AccruedY *big.Int
}

// ComputeView derives every view value from the snapshot, position and baseline.
func ComputeView(snap model.PoolSnapshot, pos model.AccountPosition, baseline model.Baseline) View {
	rx := snap.Reserve(model.SideX)
	ry := snap.Reserve(model.SideY)

	v := View{
		Block:  snap.BlockNumber,
		K:      new(big.Int).Mul(rx, ry),
		ClaimX: new(big.Int),
		ClaimY: new(big.Int),
	}
	if rx.Sign() > 0 {
		v.Ratio = new(big.Rat).SetFrac(ry, rx)
	}

	supply := snap.LPTotalSupply
	lp := pos.LPBalance
	if supply != nil && supply.Sign() > 0 && lp != nil {
		v.PoolShare = new(big.Rat).SetFrac(lp, supply)
		v.ClaimX.Mul(lp, rx).Quo(v.ClaimX, supply)
		v.ClaimY.Mul(lp, ry).Quo(v.ClaimY, supply)
	}

	if !baseline.IsZero() {
		v.AccruedX = new(big.Int).Sub(v.ClaimX, baseline.AmountX)
		v.AccruedY = new(big.Int).Sub(v.ClaimY, baseline.AmountY)
	}
	return v
}
