// Package quote reproduces the pool's constant-product arithmetic off-line.
// Every calculation takes a snapshot argument and multiplies before dividing.
package quote

import (
	"fmt"
	"math/big"
	"time"

	"miniamm/internal/ammerr"
	"miniamm/internal/model"
)

// Config holds the pool's fee rate and the ratio tolerance in smallest units.
type Config struct {
	FeeNumerator   int64
	FeeDenominator int64
	Tolerance      int64
}

// DefaultConfig is a 30 bps fee and a 1-unit tolerance.
func DefaultConfig() Config {
	return Config{FeeNumerator: 30, FeeDenominator: 10000, Tolerance: 1}
}

// Engine is immutable.
type Engine struct {
	feeNum    *big.Int
	feeDen    *big.Int
	tolerance *big.Int
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.FeeDenominator <= 0 {
		return nil, fmt.Errorf("fee denominator must be positive")
	}
	if cfg.FeeNumerator < 0 || cfg.FeeNumerator >= cfg.FeeDenominator {
		return nil, fmt.Errorf("fee numerator out of range: %d/%d", cfg.FeeNumerator, cfg.FeeDenominator)
	}
	if cfg.Tolerance < 0 {
		return nil, fmt.Errorf("tolerance must be non-negative")
	}
	return &Engine{
		feeNum:    big.NewInt(cfg.FeeNumerator),
		feeDen:    big.NewInt(cfg.FeeDenominator),
		tolerance: big.NewInt(cfg.Tolerance),
	}, nil
}

// Tolerance returns the accepted absolute deviation.
func (e *Engine) Tolerance() *big.Int {
	return new(big.Int).Set(e.tolerance)
}

// DepositQuote is the counterpart required for a deposit of Input on Side.
// Required is nil when the pool is empty and any ratio is accepted.
type DepositQuote struct {
	Side          model.Side
	Input         *big.Int
	Required      *big.Int
	Unconstrained bool
}

// SwapQuote is the output of a swap net of fee.
type SwapQuote struct {
	Direction      model.Direction
	AmountIn       *big.Int
	Fee            *big.Int
	EffectiveInput *big.Int
	AmountOut      *big.Int
	Unconstrained  bool
}

// WithdrawQuote is the pro-rata claim of LPAmount on both reserves.
type WithdrawQuote struct {
	LPAmount *big.Int
	AmountX  *big.Int
	AmountY  *big.Int
}

// RequiredCounterpart computes amount*otherReserve/sameReserve for a deposit of amount on side.
func (e *Engine) RequiredCounterpart(snap model.PoolSnapshot, side model.Side, amount *big.Int) (DepositQuote, error) {
	if err := positive(amount, "deposit"); err != nil {
		return DepositQuote{}, err
	}
	if err := snap.Validate(); err != nil {
		return DepositQuote{}, fmt.Errorf("invalid snapshot: %w", err)
	}

	q := DepositQuote{Side: side, Input: new(big.Int).Set(amount)}
	if snap.IsEmpty() {
		q.Unconstrained = true
		return q, nil
	}

	required := new(big.Int).Mul(amount, snap.Reserve(side.Other()))
	q.Required = required.Quo(required, snap.Reserve(side))
	return q, nil
}

// ValidateRatio accepts supplied when |supplied-required| <= tolerance.
func (e *Engine) ValidateRatio(required, supplied *big.Int) error {
	if required == nil || supplied == nil {
		return ammerr.InvalidAmount("missing amount")
	}
	diff := new(big.Int).Sub(supplied, required)
	if diff.CmpAbs(e.tolerance) > 0 {
		return ammerr.RatioMismatch(required, supplied)
	}
	return nil
}

// ValidateDeposit checks a full AddLiquidity pair against the snapshot.
func (e *Engine) ValidateDeposit(snap model.PoolSnapshot, amountX, amountY *big.Int) (DepositQuote, error) {
	if err := positive(amountY, "deposit y"); err != nil {
		return DepositQuote{}, err
	}
	q, err := e.RequiredCounterpart(snap, model.SideX, amountX)
	if err != nil {
		return DepositQuote{}, err
	}
	if q.Unconstrained {
		return q, nil
	}
	if err := e.ValidateRatio(q.Required, amountY); err != nil {
		return q, err
	}
	return q, nil
}

// Swap computes the constant-product output for amountIn paid on the direction's input side.
// With either reserve zero the output is the fee-adjusted input and the quote is unconstrained.
func (e *Engine) Swap(snap model.PoolSnapshot, direction model.Direction, amountIn *big.Int) (SwapQuote, error) {
	if err := positive(amountIn, "swap input"); err != nil {
		return SwapQuote{}, err
	}

	fee := new(big.Int).Mul(amountIn, e.feeNum)
	fee.Quo(fee, e.feeDen)
	effective := new(big.Int).Sub(amountIn, fee)

	q := SwapQuote{
		Direction:      direction,
		AmountIn:       new(big.Int).Set(amountIn),
		Fee:            fee,
		EffectiveInput: effective,
	}

	inSide := direction.InputSide()
	reserveIn := snap.Reserve(inSide)
	reserveOut := snap.Reserve(inSide.Other())
	if reserveIn.Sign() == 0 || reserveOut.Sign() == 0 {
		q.AmountOut = new(big.Int).Set(effective)
		q.Unconstrained = true
		return q, nil
	}

	out := new(big.Int).Mul(effective, reserveOut)
	out.Quo(out, new(big.Int).Add(reserveIn, effective))
	q.AmountOut = out
	return q, nil
}

// Withdraw previews removeLiquidity(lp): lp*reserve/totalSupply on each side.
func (e *Engine) Withdraw(snap model.PoolSnapshot, lpAmount *big.Int) (WithdrawQuote, error) {
	if err := positive(lpAmount, "lp amount"); err != nil {
		return WithdrawQuote{}, err
	}
	supply := snap.LPTotalSupply
	if supply == nil || supply.Sign() == 0 {
		return WithdrawQuote{}, ammerr.InvalidAmount("pool has no liquidity")
	}
	if lpAmount.Cmp(supply) > 0 {
		return WithdrawQuote{}, ammerr.InvalidAmount("lp amount %s exceeds total supply %s", lpAmount, supply)
	}

	x := new(big.Int).Mul(lpAmount, snap.Reserve(model.SideX))
	x.Quo(x, supply)
	y := new(big.Int).Mul(lpAmount, snap.Reserve(model.SideY))
	y.Quo(y, supply)
	return WithdrawQuote{LPAmount: new(big.Int).Set(lpAmount), AmountX: x, AmountY: y}, nil
}

// CheckFresh fails with StaleSnapshot when snap is older than maxAge. maxAge <= 0 disables the check.
func (e *Engine) CheckFresh(snap model.PoolSnapshot, now time.Time, maxAge time.Duration) error {
	if maxAge <= 0 {
		return nil
	}
	if !snap.Fetched() {
		return ammerr.StaleSnapshot("snapshot never fetched")
	}
	if age := snap.Age(now); age > maxAge {
		return ammerr.StaleSnapshot("snapshot age %s exceeds %s", age.Round(time.Millisecond), maxAge)
	}
	return nil
}

func positive(v *big.Int, what string) error {
	if v == nil || v.Sign() <= 0 {
		return ammerr.InvalidAmount("%s must be positive", what)
	}
	return nil
}
