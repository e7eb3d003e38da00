package pool

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const miniAMMABIJSON = `[
  {
    "inputs": [{"internalType": "uint256", "name": "xAmountIn", "type": "uint256"}, {"internalType": "uint256", "name": "yAmountIn", "type": "uint256"}],
    "name": "addLiquidity",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [{"internalType": "uint256", "name": "lpAmount", "type": "uint256"}],
    "name": "removeLiquidity",
    "outputs": [{"internalType": "uint256", "name": "xAmount", "type": "uint256"}, {"internalType": "uint256", "name": "yAmount", "type": "uint256"}],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [{"internalType": "uint256", "name": "xAmountIn", "type": "uint256"}, {"internalType": "uint256", "name": "yAmountIn", "type": "uint256"}],
    "name": "swap",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [],
    "name": "getReserves",
    "outputs": [{"internalType": "uint256", "name": "xReserve", "type": "uint256"}, {"internalType": "uint256", "name": "yReserve", "type": "uint256"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [],
    "name": "getK",
    "outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [],
    "name": "getLPTokenAddress",
    "outputs": [{"internalType": "address", "name": "", "type": "address"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [{"internalType": "uint256", "name": "xAmount", "type": "uint256"}],
    "name": "getRequiredYAmount",
    "outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [{"internalType": "uint256", "name": "yAmount", "type": "uint256"}],
    "name": "getRequiredXAmount",
    "outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
    "stateMutability": "view",
    "type": "function"
  }
]`

var (
	miniAMMABI     abi.ABI
	miniAMMABIOnce sync.Once
	miniAMMABIErr  error
)

// MiniAMMABI returns the parsed pool ABI.
func MiniAMMABI() (abi.ABI, error) {
	miniAMMABIOnce.Do(func() {
		miniAMMABI, miniAMMABIErr = abi.JSON(strings.NewReader(miniAMMABIJSON))
	})
	return miniAMMABI, miniAMMABIErr
}
