package model

import (
	"fmt"
	"math/big"
)

// OperationKind tags the OperationRequest variant.
type OperationKind int

const (
	OpSwap OperationKind = iota + 1
	OpAddLiquidity
	OpRemoveLiquidity
)

func (k OperationKind) String() string {
	switch k {
	case OpSwap:
		return "swap"
	case OpAddLiquidity:
		return "add_liquidity"
	case OpRemoveLiquidity:
		return "remove_liquidity"
	default:
		return "unknown"
	}
}

// Direction is the swap direction, named by the input side.
type Direction int

const (
	XToY Direction = iota
	YToX
)

func (d Direction) String() string {
	if d == YToX {
		return "y_to_x"
	}
	return "x_to_y"
}

// InputSide is the side paid into the pool.
func (d Direction) InputSide() Side {
	if d == YToX {
		return SideY
	}
	return SideX
}

// ParseDirection accepts "x-to-y"/"x_to_y" and "y-to-x"/"y_to_x".
func ParseDirection(input string) (Direction, error) {
	switch input {
	case "x-to-y", "x_to_y", "xy":
		return XToY, nil
	case "y-to-x", "y_to_x", "yx":
		return YToX, nil
	default:
		return XToY, fmt.Errorf("invalid direction: %s", input)
	}
}

// OperationRequest is one user action. Fields are private so the request
// cannot change after construction; accessors return copies.
type OperationRequest struct {
	kind      OperationKind
	direction Direction
	amountIn  *big.Int
	amountX   *big.Int
	amountY   *big.Int
	lpAmount  *big.Int
}

// NewSwap builds a Swap request.
func NewSwap(direction Direction, amountIn *big.Int) OperationRequest {
	return OperationRequest{kind: OpSwap, direction: direction, amountIn: clone(amountIn)}
}

// NewAddLiquidity builds an AddLiquidity request.
func NewAddLiquidity(amountX, amountY *big.Int) OperationRequest {
	return OperationRequest{kind: OpAddLiquidity, amountX: clone(amountX), amountY: clone(amountY)}
}

// NewRemoveLiquidity builds a RemoveLiquidity request.
func NewRemoveLiquidity(lpAmount *big.Int) OperationRequest {
	return OperationRequest{kind: OpRemoveLiquidity, lpAmount: clone(lpAmount)}
}

func (r OperationRequest) Kind() OperationKind  { return r.kind }
func (r OperationRequest) Direction() Direction { return r.direction }
func (r OperationRequest) AmountIn() *big.Int   { return clone(r.amountIn) }
func (r OperationRequest) AmountX() *big.Int    { return clone(r.amountX) }
func (r OperationRequest) AmountY() *big.Int    { return clone(r.amountY) }
func (r OperationRequest) LPAmount() *big.Int   { return clone(r.lpAmount) }

// String renders the request for logs and journals.
func (r OperationRequest) String() string {
	switch r.kind {
	case OpSwap:
		return fmt.Sprintf("swap %s in=%s", r.direction, str(r.amountIn))
	case OpAddLiquidity:
		return fmt.Sprintf("add_liquidity x=%s y=%s", str(r.amountX), str(r.amountY))
	case OpRemoveLiquidity:
		return fmt.Sprintf("remove_liquidity lp=%s", str(r.lpAmount))
	default:
		return "unknown"
	}
}
