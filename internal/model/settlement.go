package model

import "math/big"

// Settlement reports an operation that reached a terminal phase.
type Settlement struct {
	Request   OperationRequest
	Confirmed bool
	// LPBefore is the account's LP balance when the request was prepared; nil when unknown.
	LPBefore *big.Int
}
