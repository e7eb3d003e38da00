package model

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// AccountPosition holds the connected account's balances.
type AccountPosition struct {
	Account       common.Address `json:"account"`
	TokenXBalance *big.Int       `json:"token_x_balance"`
	TokenYBalance *big.Int       `json:"token_y_balance"`
	LPBalance     *big.Int       `json:"lp_balance"`
	FetchedAt     time.Time      `json:"fetched_at"`
}

// EmptyPosition returns a zero position for account.
func EmptyPosition(account common.Address) AccountPosition {
	return AccountPosition{
		Account:       account,
		TokenXBalance: new(big.Int),
		TokenYBalance: new(big.Int),
		LPBalance:     new(big.Int),
	}
}

// Balance returns the token balance held on side.
func (p AccountPosition) Balance(side Side) *big.Int {
	if side == SideY {
		return orZero(p.TokenYBalance)
	}
	return orZero(p.TokenXBalance)
}

func (p AccountPosition) Clone() AccountPosition {
	return AccountPosition{
		Account:       p.Account,
		TokenXBalance: clone(p.TokenXBalance),
		TokenYBalance: clone(p.TokenYBalance),
		LPBalance:     clone(p.LPBalance),
		FetchedAt:     p.FetchedAt,
	}
}

// Baseline is the account's recorded deposit, used to estimate fee accrual.
type Baseline struct {
	AmountX   *big.Int  `json:"amount_x"`
	AmountY   *big.Int  `json:"amount_y"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsZero reports an unset baseline.
func (b Baseline) IsZero() bool {
	return sign(b.AmountX) == 0 && sign(b.AmountY) == 0
}

// AddDeposit returns the baseline grown by a confirmed deposit.
func (b Baseline) AddDeposit(x, y *big.Int, at time.Time) Baseline {
	return Baseline{
		AmountX:   new(big.Int).Add(orZero(b.AmountX), orZero(x)),
		AmountY:   new(big.Int).Add(orZero(b.AmountY), orZero(y)),
		UpdatedAt: at,
	}
}

// ScaleWithdrawal shrinks the baseline by the share of LP removed.
// lpBefore is the account's LP balance before the withdrawal.
func (b Baseline) ScaleWithdrawal(lpRemoved, lpBefore *big.Int, at time.Time) Baseline {
	if sign(lpBefore) <= 0 || orZero(lpRemoved).Cmp(lpBefore) >= 0 {
		return Baseline{AmountX: new(big.Int), AmountY: new(big.Int), UpdatedAt: at}
	}
	remaining := new(big.Int).Sub(lpBefore, lpRemoved)
	x := new(big.Int).Mul(orZero(b.AmountX), remaining)
	x.Quo(x, lpBefore)
	y := new(big.Int).Mul(orZero(b.AmountY), remaining)
	y.Quo(y, lpBefore)
	return Baseline{AmountX: x, AmountY: y, UpdatedAt: at}
}
