package main

import (
	"math/big"

	"github.com/shopspring/decimal"
)

const displayPlaces = 8

func ratDecimal(r *big.Rat) decimal.Decimal {
	return decimal.NewFromBigInt(r.Num(), 0).DivRound(decimal.NewFromBigInt(r.Denom(), 0), displayPlaces+4)
}

// formatRatio renders a price ratio; nil means undefined.
func formatRatio(r *big.Rat) string {
	if r == nil {
		return "n/a"
	}
	return ratDecimal(r).Round(displayPlaces).String()
}

// formatPercent renders a fraction as a percentage with four decimals.
func formatPercent(r *big.Rat) string {
	if r == nil {
		return "0%"
	}
	return ratDecimal(r).Mul(decimal.NewFromInt(100)).StringFixed(4) + "%"
}

// priceImpact is the relative gap between the spot and the executed price.
func priceImpact(reserveIn, reserveOut, amountIn, amountOut *big.Int) *big.Rat {
	if reserveIn.Sign() == 0 || reserveOut.Sign() == 0 || amountIn.Sign() == 0 {
		return nil
	}
	spot := new(big.Rat).SetFrac(reserveOut, reserveIn)
	exec := new(big.Rat).SetFrac(amountOut, amountIn)
	gap := new(big.Rat).Sub(spot, exec)
	return gap.Quo(gap, spot)
}
