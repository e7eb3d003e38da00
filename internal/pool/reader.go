// Package pool reads and encodes calls against the MiniAMM pair and its tokens.
package pool

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"miniamm/internal/model"
)

// Caller performs eth_call at an optional block height (nil is latest).
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Reader performs the pool's read operations. Block 0 means latest.
type Reader struct {
	caller Caller
	pool   common.Address
	logger *zap.Logger

	mu     sync.RWMutex
	tokens map[common.Address]model.TokenMeta
}

func NewReader(caller Caller, pool common.Address, logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{
		caller: caller,
		pool:   pool,
		logger: logger,
		tokens: make(map[common.Address]model.TokenMeta),
	}
}

// Pool returns the pair address, which is also the spender for approvals.
func (r *Reader) Pool() common.Address {
	return r.pool
}

// Reserves returns (reserveX, reserveY).
func (r *Reader) Reserves(ctx context.Context, block uint64) (*big.Int, *big.Int, error) {
	poolABI, err := MiniAMMABI()
	if err != nil {
		return nil, nil, fmt.Errorf("parse pool abi: %w", err)
	}
	values, err := r.call(ctx, r.pool, poolABI, "getReserves", block)
	if err != nil {
		return nil, nil, err
	}
	if len(values) < 2 {
		return nil, nil, fmt.Errorf("getReserves: expected 2 values, got %d", len(values))
	}
	x, err := asBigInt(values[0])
	if err != nil {
		return nil, nil, fmt.Errorf("reserve x: %w", err)
	}
	y, err := asBigInt(values[1])
	if err != nil {
		return nil, nil, fmt.Errorf("reserve y: %w", err)
	}
	return x, y, nil
}

// K returns the pool's stored invariant.
func (r *Reader) K(ctx context.Context, block uint64) (*big.Int, error) {
	poolABI, err := MiniAMMABI()
	if err != nil {
		return nil, fmt.Errorf("parse pool abi: %w", err)
	}
	return r.callBigInt(ctx, r.pool, poolABI, "getK", block)
}

// LPTokenAddress resolves the pair's LP token.
func (r *Reader) LPTokenAddress(ctx context.Context) (common.Address, error) {
	poolABI, err := MiniAMMABI()
	if err != nil {
		return common.Address{}, fmt.Errorf("parse pool abi: %w", err)
	}
	values, err := r.call(ctx, r.pool, poolABI, "getLPTokenAddress", 0)
	if err != nil {
		return common.Address{}, err
	}
	return asAddress(values[0])
}

// RequiredCounterpart asks the pool for the other side's amount for a deposit of amount on side.
func (r *Reader) RequiredCounterpart(ctx context.Context, side model.Side, amount *big.Int, block uint64) (*big.Int, error) {
	poolABI, err := MiniAMMABI()
	if err != nil {
		return nil, fmt.Errorf("parse pool abi: %w", err)
	}
	method := "getRequiredYAmount"
	if side == model.SideY {
		method = "getRequiredXAmount"
	}
	return r.callBigInt(ctx, r.pool, poolABI, method, block, amount)
}

// TotalSupply reads an ERC20 total supply; for the LP token this is the pool's share base.
func (r *Reader) TotalSupply(ctx context.Context, token common.Address, block uint64) (*big.Int, error) {
	tokenABI, err := ERC20ABI()
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	return r.callBigInt(ctx, token, tokenABI, "totalSupply", block)
}

func (r *Reader) BalanceOf(ctx context.Context, token, account common.Address, block uint64) (*big.Int, error) {
	tokenABI, err := ERC20ABI()
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	return r.callBigInt(ctx, token, tokenABI, "balanceOf", block, account)
}

// Allowance reads how much of token the pool may pull from owner.
func (r *Reader) Allowance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	tokenABI, err := ERC20ABI()
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	return r.callBigInt(ctx, token, tokenABI, "allowance", 0, owner, r.pool)
}

// TokenMeta loads token metadata once per address. Symbol and name fall back to bytes32.
func (r *Reader) TokenMeta(ctx context.Context, token common.Address) (model.TokenMeta, error) {
	r.mu.RLock()
	meta, ok := r.tokens[token]
	r.mu.RUnlock()
	if ok {
		return meta, nil
	}

	meta, err := r.fetchTokenMeta(ctx, token)
	if err != nil {
		return meta, err
	}
	r.mu.Lock()
	r.tokens[token] = meta
	r.mu.Unlock()
	return meta, nil
}

func (r *Reader) fetchTokenMeta(ctx context.Context, token common.Address) (model.TokenMeta, error) {
	meta := model.TokenMeta{Address: token.Hex()}

	stringABI, err := ERC20ABI()
	if err != nil {
		return meta, fmt.Errorf("parse erc20 abi: %w", err)
	}
	bytes32ABI, err := erc20ABIBytes32Instance()
	if err != nil {
		return meta, fmt.Errorf("parse erc20 bytes32 abi: %w", err)
	}

	values, err := r.call(ctx, token, stringABI, "decimals", 0)
	if err != nil {
		return meta, err
	}
	decimals, err := asUint8(values[0])
	if err != nil {
		return meta, err
	}
	meta.Decimals = decimals

	if values, err := r.call(ctx, token, stringABI, "symbol", 0); err == nil {
		if symbol, ok := values[0].(string); ok {
			meta.Symbol = symbol
		}
	} else if values, err := r.call(ctx, token, bytes32ABI, "symbol", 0); err == nil {
		if symbol, ok := bytes32ToString(values[0]); ok {
			meta.Symbol = symbol
		}
	} else {
		r.logger.Debug("symbol call failed", zap.String("token", token.Hex()), zap.Error(err))
	}

	if values, err := r.call(ctx, token, stringABI, "name", 0); err == nil {
		if name, ok := values[0].(string); ok {
			meta.Name = name
		}
	} else if values, err := r.call(ctx, token, bytes32ABI, "name", 0); err == nil {
		if name, ok := bytes32ToString(values[0]); ok {
			meta.Name = name
		}
	} else {
		r.logger.Debug("name call failed", zap.String("token", token.Hex()), zap.Error(err))
	}

	return meta, nil
}

func (r *Reader) callBigInt(ctx context.Context, to common.Address, parsed abi.ABI, method string, block uint64, args ...interface{}) (*big.Int, error) {
	values, err := r.call(ctx, to, parsed, method, block, args...)
	if err != nil {
		return nil, err
	}
	v, err := asBigInt(values[0])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return v, nil
}

func (r *Reader) call(ctx context.Context, to common.Address, parsed abi.ABI, method string, block uint64, args ...interface{}) ([]interface{}, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	var blockPtr *big.Int
	if block > 0 {
		blockPtr = new(big.Int).SetUint64(block)
	}
	msg := ethereum.CallMsg{To: &to, Data: data}
	resp, err := r.caller.CallContract(ctx, msg, blockPtr)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := parsed.Unpack(method, resp)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("unpack %s: empty result", method)
	}
	return values, nil
}

func bytes32ToString(value interface{}) (string, bool) {
	switch v := value.(type) {
	case [32]byte:
		return string(bytes.TrimRight(v[:], "\x00")), true
	case []byte:
		return string(bytes.TrimRight(v, "\x00")), true
	default:
		return "", false
	}
}

func asAddress(value interface{}) (common.Address, error) {
	switch v := value.(type) {
	case common.Address:
		return v, nil
	case *common.Address:
		return *v, nil
	default:
		return common.Address{}, fmt.Errorf("unsupported address type %T", value)
	}
}

func asBigInt(value interface{}) (*big.Int, error) {
	switch v := value.(type) {
	case *big.Int:
		return new(big.Int).Set(v), nil
	case big.Int:
		return new(big.Int).Set(&v), nil
	case uint8:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	default:
		return nil, fmt.Errorf("unsupported int type %T", value)
	}
}

func asUint8(value interface{}) (uint8, error) {
	switch v := value.(type) {
	case uint8:
		return v, nil
	case *big.Int:
		if !v.IsUint64() || v.Uint64() > 255 {
			return 0, fmt.Errorf("decimals out of range: %s", v)
		}
		return uint8(v.Uint64()), nil
	default:
		return 0, fmt.Errorf("unsupported uint8 type %T", value)
	}
}
