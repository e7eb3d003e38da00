package storage

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"miniamm/internal/model"
)

// Journal archives terminal operations.
type Journal interface {
	Archive(ctx context.Context, rec model.OperationRecord) error
	Recent(ctx context.Context, limit int) ([]model.OperationRecord, error)
}

// BaselineStore persists fee-accrual baselines per account.
type BaselineStore interface {
	LoadBaseline(ctx context.Context, account common.Address) (model.Baseline, bool, error)
	SaveBaseline(ctx context.Context, account common.Address, baseline model.Baseline) error
}
