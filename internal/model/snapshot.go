package model

import (
	"fmt"
	"math/big"
	"time"
)

// Side identifies one token of the pair.
type Side int

const (
	SideX Side = iota
	SideY
)

func (s Side) String() string {
	if s == SideY {
		return "y"
	}
	return "x"
}

// Other returns the opposite side.
func (s Side) Other() Side {
	if s == SideY {
		return SideX
	}
	return SideY
}

// ParseSide accepts "x" or "y".
func ParseSide(input string) (Side, error) {
	switch input {
	case "x", "X":
		return SideX, nil
	case "y", "Y":
		return SideY, nil
	default:
		return SideX, fmt.Errorf("invalid side: %s", input)
	}
}

// PoolSnapshot is a frozen read of the pool at one block.
type PoolSnapshot struct {
	ReserveX      *big.Int  `json:"reserve_x"`
	ReserveY      *big.Int  `json:"reserve_y"`
	LPTotalSupply *big.Int  `json:"lp_total_supply"`
	BlockNumber   uint64    `json:"block_number"`
	FetchedAt     time.Time `json:"fetched_at"`
}

// EmptySnapshot returns the zero-reserve snapshot used before the first fetch.
func EmptySnapshot() PoolSnapshot {
	return PoolSnapshot{
		ReserveX:      new(big.Int),
		ReserveY:      new(big.Int),
		LPTotalSupply: new(big.Int),
	}
}

// Fetched reports whether the snapshot came from a remote read.
func (s PoolSnapshot) Fetched() bool {
	return !s.FetchedAt.IsZero()
}

// IsEmpty reports an uninitialized pool (both reserves zero).
func (s PoolSnapshot) IsEmpty() bool {
	return sign(s.ReserveX) == 0 && sign(s.ReserveY) == 0
}

// Validate enforces that reserves are both zero or both positive.
func (s PoolSnapshot) Validate() error {
	x, y := sign(s.ReserveX), sign(s.ReserveY)
	if x < 0 || y < 0 || sign(s.LPTotalSupply) < 0 {
		return fmt.Errorf("negative pool value")
	}
	if (x == 0) != (y == 0) {
		return fmt.Errorf("one-sided reserves: x=%s y=%s", str(s.ReserveX), str(s.ReserveY))
	}
	return nil
}

// Reserve returns the reserve held on side.
func (s PoolSnapshot) Reserve(side Side) *big.Int {
	if side == SideY {
		return orZero(s.ReserveY)
	}
	return orZero(s.ReserveX)
}

// Age is the time elapsed since the snapshot was fetched.
func (s PoolSnapshot) Age(now time.Time) time.Duration {
	if !s.Fetched() {
		return 0
	}
	return now.Sub(s.FetchedAt)
}

// Clone deep-copies the snapshot.
func (s PoolSnapshot) Clone() PoolSnapshot {
	return PoolSnapshot{
		ReserveX:      clone(s.ReserveX),
		ReserveY:      clone(s.ReserveY),
		LPTotalSupply: clone(s.LPTotalSupply),
		BlockNumber:   s.BlockNumber,
		FetchedAt:     s.FetchedAt,
	}
}

func sign(v *big.Int) int {
	if v == nil {
		return 0
	}
	return v.Sign()
}

func str(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func clone(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
