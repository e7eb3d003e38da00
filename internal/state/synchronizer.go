package state

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"miniamm/internal/metrics"
	"miniamm/internal/model"
)

// BlockSource reports the chain head.
type BlockSource interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
}

// PoolReader is the read side of the pool at a pinned block.
type PoolReader interface {
	Reserves(ctx context.Context, block uint64) (*big.Int, *big.Int, error)
	TotalSupply(ctx context.Context, token common.Address, block uint64) (*big.Int, error)
	BalanceOf(ctx context.Context, token, account common.Address, block uint64) (*big.Int, error)
}

// BaselineStore persists per-account deposit baselines.
type BaselineStore interface {
	LoadBaseline(ctx context.Context, account common.Address) (model.Baseline, bool, error)
	SaveBaseline(ctx context.Context, account common.Address, baseline model.Baseline) error
}

// Config holds the synchronizer's addresses and timing.
type Config struct {
	Interval     time.Duration
	TokenX       common.Address
	TokenY       common.Address
	LPToken      common.Address
	Account      common.Address
	MaxRetries   int
	RetryBackoff time.Duration
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

func WithBaselineStore(store BaselineStore) Option {
	return func(s *Synchronizer) { s.baselines = store }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Synchronizer) { s.metrics = m }
}

// Synchronizer refreshes the cache periodically and after every settled operation.
type Synchronizer struct {
	cfg       Config
	blocks    BlockSource
	reader    PoolReader
	cache     *Cache
	baselines BaselineStore
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time

	trigger chan struct{}

	// refreshMu serializes refreshes and baseline updates.
	refreshMu      sync.Mutex
	baselineLoaded bool
}

func NewSynchronizer(cfg Config, blocks BlockSource, reader PoolReader, cache *Cache, logger *zap.Logger, opts ...Option) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	s := &Synchronizer{
		cfg:     cfg,
		blocks:  blocks,
		reader:  reader,
		cache:   cache,
		logger:  logger,
		now:     time.Now,
		trigger: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Cache returns the cache this synchronizer writes.
func (s *Synchronizer) Cache() *Cache {
	return s.cache
}

// Refresh reads a block-pinned snapshot and position and replaces the cache entry.
// On failure the cached values are kept and marked stale.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	return s.refreshLocked(ctx)
}

func (s *Synchronizer) refreshLocked(ctx context.Context) error {
	start := s.now()
	snap, pos, err := s.read(ctx)
	if err == nil {
		err = snap.Validate()
	}
	if err == nil {
		err = s.loadBaseline(ctx)
	}
	s.metrics.ObserveRefresh(err, time.Since(start), snap.BlockNumber)
	if err != nil {
		s.cache.markStale(err, s.now())
		s.logger.Warn("refresh failed, keeping last snapshot", zap.Error(err))
		return fmt.Errorf("refresh: %w", err)
	}

	baseline := s.cache.Entry().Baseline
	entry, applied := s.cache.replace(snap, pos, baseline)
	if !applied {
		s.logger.Debug("dropped out-of-order snapshot",
			zap.Uint64("block", snap.BlockNumber),
			zap.Uint64("cached_block", entry.Snapshot.BlockNumber),
		)
		return nil
	}
	s.logger.Debug("state refreshed",
		zap.Uint64("block", snap.BlockNumber),
		zap.String("reserve_x", snap.ReserveX.String()),
		zap.String("reserve_y", snap.ReserveY.String()),
		zap.Uint64("version", entry.Version),
	)
	return nil
}

func (s *Synchronizer) read(ctx context.Context) (model.PoolSnapshot, model.AccountPosition, error) {
	var block uint64
	err := withRetry(ctx, s.logger, "block_number", s.cfg.MaxRetries, s.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		block, err = s.blocks.LatestBlockNumber(ctx)
		return err
	})
	if err != nil {
		return model.PoolSnapshot{}, model.AccountPosition{}, fmt.Errorf("latest block: %w", err)
	}

	var (
		rx, ry, supply    *big.Int
		balX, balY, balLP *big.Int
	)
	zeroAccount := s.cfg.Account == (common.Address{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return withRetry(gctx, s.logger, "reserves", s.cfg.MaxRetries, s.cfg.RetryBackoff, func(ctx context.Context) error {
			var err error
			rx, ry, err = s.reader.Reserves(ctx, block)
			return err
		})
	})
	g.Go(func() error {
		return s.readInto(gctx, "lp_total_supply", &supply, func(ctx context.Context) (*big.Int, error) {
			return s.reader.TotalSupply(ctx, s.cfg.LPToken, block)
		})
	})
	if !zeroAccount {
		for _, item := range []struct {
			name  string
			token common.Address
			dst   **big.Int
		}{
			{"balance_x", s.cfg.TokenX, &balX},
			{"balance_y", s.cfg.TokenY, &balY},
			{"balance_lp", s.cfg.LPToken, &balLP},
		} {
			item := item
			g.Go(func() error {
				return s.readInto(gctx, item.name, item.dst, func(ctx context.Context) (*big.Int, error) {
					return s.reader.BalanceOf(ctx, item.token, s.cfg.Account, block)
				})
			})
		}
	}
	if err := g.Wait(); err != nil {
		return model.PoolSnapshot{}, model.AccountPosition{}, err
	}

	fetchedAt := s.now()
	snap := model.PoolSnapshot{
		ReserveX:      rx,
		ReserveY:      ry,
		LPTotalSupply: supply,
		BlockNumber:   block,
		FetchedAt:     fetchedAt,
	}
	pos := model.EmptyPosition(s.cfg.Account)
	if !zeroAccount {
		pos.TokenXBalance, pos.TokenYBalance, pos.LPBalance = balX, balY, balLP
		pos.FetchedAt = fetchedAt
	}
	return snap, pos, nil
}

func (s *Synchronizer) readInto(ctx context.Context, what string, dst **big.Int, fn func(context.Context) (*big.Int, error)) error {
	return withRetry(ctx, s.logger, what, s.cfg.MaxRetries, s.cfg.RetryBackoff, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", what, err)
		}
		*dst = v
		return nil
	})
}

func (s *Synchronizer) loadBaseline(ctx context.Context) error {
	if s.baselineLoaded || s.baselines == nil {
		return nil
	}
	baseline, ok, err := s.baselines.LoadBaseline(ctx, s.cfg.Account)
	if err != nil {
		return fmt.Errorf("load baseline: %w", err)
	}
	if ok {
		s.cache.setBaseline(baseline)
	}
	s.baselineLoaded = true
	return nil
}

// RequestRefresh schedules an out-of-band refresh on the Run loop without blocking.
func (s *Synchronizer) RequestRefresh() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run refreshes immediately, then on every interval tick and every request until ctx ends.
func (s *Synchronizer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("synchronizer started", zap.Duration("interval", s.cfg.Interval))
	_ = s.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("synchronizer stopped")
			return nil
		case <-ticker.C:
		case <-s.trigger:
		}
		_ = s.Refresh(ctx)
	}
}

// OperationSettled updates the fee baseline for a confirmed liquidity change and
// refreshes before returning, so reads after it see post-operation state.
func (s *Synchronizer) OperationSettled(ctx context.Context, settled model.Settlement) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	req := settled.Request
	if settled.Confirmed {
		if err := s.applyBaseline(ctx, settled); err != nil {
			s.logger.Warn("baseline update failed", zap.String("request", req.String()), zap.Error(err))
		}
	}
	if err := s.refreshLocked(ctx); err != nil {
		s.logger.Warn("post-operation refresh failed", zap.String("request", req.String()), zap.Error(err))
	}
}

// applyBaseline scales withdrawals by the LP balance captured before the operation.
// The cached balance is used only when none was captured; it may already reflect the withdrawal.
func (s *Synchronizer) applyBaseline(ctx context.Context, settled model.Settlement) error {
	req := settled.Request
	if err := s.loadBaseline(ctx); err != nil {
		return err
	}
	entry := s.cache.Entry()
	var next model.Baseline
	switch req.Kind() {
	case model.OpAddLiquidity:
		next = entry.Baseline.AddDeposit(req.AmountX(), req.AmountY(), s.now())
	case model.OpRemoveLiquidity:
		lpBefore := settled.LPBefore
		if lpBefore == nil {
			lpBefore = entry.Position.LPBalance
		}
		next = entry.Baseline.ScaleWithdrawal(req.LPAmount(), lpBefore, s.now())
	default:
		return nil
	}
	s.cache.setBaseline(next)
	if s.baselines == nil {
		return nil
	}
	return s.baselines.SaveBaseline(ctx, s.cfg.Account, next)
}
