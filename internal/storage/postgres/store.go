package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"miniamm/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS operations (
	id           UUID PRIMARY KEY,
	kind         TEXT NOT NULL,
	request      TEXT NOT NULL,
	phase        TEXT NOT NULL,
	failed_step  INT NOT NULL DEFAULT 0,
	error_kind   TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL,
	finished_at  TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS operation_steps (
	operation_id UUID NOT NULL REFERENCES operations(id) ON DELETE CASCADE,
	step_index   INT NOT NULL,
	kind         TEXT NOT NULL,
	target       TEXT NOT NULL,
	method       TEXT NOT NULL,
	tx_hash      TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	PRIMARY KEY (operation_id, step_index)
);
CREATE TABLE IF NOT EXISTS baselines (
	account     TEXT PRIMARY KEY,
	amount_x    NUMERIC(78, 0) NOT NULL,
	amount_y    NUMERIC(78, 0) NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
`

// Store provides Postgres persistence for the operation journal and baselines.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema creates the tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Archive writes the operation and its steps in one transaction.
func (s *Store) Archive(ctx context.Context, rec model.OperationRecord) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		batch.Queue(`
			INSERT INTO operations (
				id, kind, request, phase, failed_step, error_kind, error, created_at, finished_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO UPDATE SET
				phase = EXCLUDED.phase,
				failed_step = EXCLUDED.failed_step,
				error_kind = EXCLUDED.error_kind,
				error = EXCLUDED.error,
				finished_at = EXCLUDED.finished_at
		`,
			rec.ID,
			rec.Kind,
			rec.Request,
			rec.Phase,
			rec.FailedStep,
			rec.ErrorKind,
			rec.Error,
			rec.CreatedAt,
			rec.FinishedAt,
		)
		for _, step := range rec.Steps {
			batch.Queue(`
				INSERT INTO operation_steps (operation_id, step_index, kind, target, method, tx_hash, status)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (operation_id, step_index) DO UPDATE SET
					tx_hash = EXCLUDED.tx_hash,
					status = EXCLUDED.status
			`,
				rec.ID,
				step.Index,
				step.Kind,
				step.Target,
				step.Method,
				step.TxHash,
				step.Status,
			)
		}

		br := tx.SendBatch(ctx, batch)
		defer br.Close()
		for i := 0; i < batch.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				return fmt.Errorf("archive operation %s: %w", rec.ID, err)
			}
		}
		return br.Close()
	})
}

// Recent returns up to limit operations, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]model.OperationRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, kind, request, phase, failed_step, error_kind, error, created_at, finished_at
		FROM operations
		ORDER BY finished_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.OperationRecord, error) {
		var rec model.OperationRecord
		err := row.Scan(&rec.ID, &rec.Kind, &rec.Request, &rec.Phase, &rec.FailedStep,
			&rec.ErrorKind, &rec.Error, &rec.CreatedAt, &rec.FinishedAt)
		return rec, err
	})
	if err != nil {
		return nil, err
	}

	for i := range records {
		steps, err := s.loadSteps(ctx, records[i].ID)
		if err != nil {
			return nil, err
		}
		records[i].Steps = steps
	}
	return records, nil
}

func (s *Store) loadSteps(ctx context.Context, id string) ([]model.StepRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT step_index, kind, target, method, tx_hash, status
		FROM operation_steps
		WHERE operation_id = $1
		ORDER BY step_index
	`, id)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.StepRecord, error) {
		var step model.StepRecord
		err := row.Scan(&step.Index, &step.Kind, &step.Target, &step.Method, &step.TxHash, &step.Status)
		return step, err
	})
}

// LoadBaseline returns the stored baseline for an account.
func (s *Store) LoadBaseline(ctx context.Context, account common.Address) (model.Baseline, bool, error) {
	var (
		x, y string
		b    model.Baseline
	)
	row := s.pool.QueryRow(ctx, `
		SELECT amount_x::text, amount_y::text, updated_at FROM baselines WHERE account = $1
	`, accountKey(account))
	if err := row.Scan(&x, &y, &b.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Baseline{}, false, nil
		}
		return model.Baseline{}, false, err
	}
	var ok bool
	if b.AmountX, ok = new(big.Int).SetString(x, 10); !ok {
		return model.Baseline{}, false, fmt.Errorf("parse amount_x %q", x)
	}
	if b.AmountY, ok = new(big.Int).SetString(y, 10); !ok {
		return model.Baseline{}, false, fmt.Errorf("parse amount_y %q", y)
	}
	return b, true, nil
}

// SaveBaseline upserts the baseline for an account.
func (s *Store) SaveBaseline(ctx context.Context, account common.Address, baseline model.Baseline) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO baselines (account, amount_x, amount_y, updated_at)
		VALUES ($1, $2::text::numeric, $3::text::numeric, $4)
		ON CONFLICT (account) DO UPDATE
		SET amount_x = EXCLUDED.amount_x, amount_y = EXCLUDED.amount_y, updated_at = EXCLUDED.updated_at
	`, accountKey(account), numeric(baseline.AmountX), numeric(baseline.AmountY), baseline.UpdatedAt)
	return err
}

func numeric(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func accountKey(account common.Address) string {
	return strings.ToLower(account.Hex())
}
