package pool

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"miniamm/internal/chain"
)

// Calls encodes the pool's write operations.
type Calls struct {
	pool common.Address
}

func NewCalls(pool common.Address) *Calls {
	return &Calls{pool: pool}
}

// Approve authorizes the pool to spend amount of token.
func (c *Calls) Approve(token common.Address, amount *big.Int) (chain.Call, error) {
	tokenABI, err := ERC20ABI()
	if err != nil {
		return chain.Call{}, fmt.Errorf("parse erc20 abi: %w", err)
	}
	return pack(tokenABI.Pack, token, "approve", c.pool, amount)
}

func (c *Calls) AddLiquidity(amountX, amountY *big.Int) (chain.Call, error) {
	poolABI, err := MiniAMMABI()
	if err != nil {
		return chain.Call{}, fmt.Errorf("parse pool abi: %w", err)
	}
	return pack(poolABI.Pack, c.pool, "addLiquidity", amountX, amountY)
}

func (c *Calls) RemoveLiquidity(lpAmount *big.Int) (chain.Call, error) {
	poolABI, err := MiniAMMABI()
	if err != nil {
		return chain.Call{}, fmt.Errorf("parse pool abi: %w", err)
	}
	return pack(poolABI.Pack, c.pool, "removeLiquidity", lpAmount)
}

// Swap encodes swap(xIn, yIn). Exactly one input must be non-zero.
func (c *Calls) Swap(xIn, yIn *big.Int) (chain.Call, error) {
	if (xIn.Sign() == 0) == (yIn.Sign() == 0) {
		return chain.Call{}, fmt.Errorf("swap needs exactly one non-zero input: x=%s y=%s", xIn, yIn)
	}
	poolABI, err := MiniAMMABI()
	if err != nil {
		return chain.Call{}, fmt.Errorf("parse pool abi: %w", err)
	}
	return pack(poolABI.Pack, c.pool, "swap", xIn, yIn)
}

// Mint calls the test token faucet for the sender.
func (c *Calls) Mint(token common.Address, amount *big.Int) (chain.Call, error) {
	tokenABI, err := ERC20ABI()
	if err != nil {
		return chain.Call{}, fmt.Errorf("parse erc20 abi: %w", err)
	}
	return pack(tokenABI.Pack, token, "freeMintToSender", amount)
}

func pack(packer func(string, ...interface{}) ([]byte, error), to common.Address, method string, args ...interface{}) (chain.Call, error) {
	data, err := packer(method, args...)
	if err != nil {
		return chain.Call{}, fmt.Errorf("pack %s: %w", method, err)
	}
	return chain.Call{To: to, Method: method, Data: data}, nil
}
