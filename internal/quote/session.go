package quote

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"miniamm/internal/model"
)

// ErrSuperseded is returned for a quote whose input was replaced before it resolved.
var ErrSuperseded = errors.New("quote superseded by newer input")

// SnapshotSource hands out the current cached snapshot by value.
type SnapshotSource interface {
	PoolSnapshot() model.PoolSnapshot
}

// CounterpartReader is the pool's own required-amount query, read at a pinned block.
type CounterpartReader interface {
	RequiredCounterpart(ctx context.Context, side model.Side, amount *big.Int, block uint64) (*big.Int, error)
}

// Result is one resolved quote and the snapshot it was computed from.
type Result struct {
	Generation    uint64
	Block         uint64
	Deposit       *DepositQuote
	Swap          *SwapQuote
	RemoteChecked bool
	RemoteAgreed  bool
	LocalRequired *big.Int
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithRemote enables the authoritative counterpart cross-check.
func WithRemote(r CounterpartReader) SessionOption {
	return func(s *Session) { s.remote = r }
}

// WithMaxAge rejects quotes from snapshots older than d.
func WithMaxAge(d time.Duration) SessionOption {
	return func(s *Session) { s.maxAge = d }
}

func WithLogger(l *zap.Logger) SessionOption {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// Session tracks one input field. Each call takes a new generation and only the
// newest generation's result is applied, regardless of completion order.
type Session struct {
	engine *Engine
	source SnapshotSource
	remote CounterpartReader
	maxAge time.Duration
	logger *zap.Logger
	now    func() time.Time

	issued atomic.Uint64

	mu     sync.RWMutex
	latest Result
	has    bool
}

func NewSession(engine *Engine, source SnapshotSource, opts ...SessionOption) *Session {
	s := &Session{
		engine: engine,
		source: source,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// QuoteDeposit quotes the counterpart for a deposit of amount on side.
func (s *Session) QuoteDeposit(ctx context.Context, side model.Side, amount *big.Int) (Result, error) {
	gen := s.issued.Add(1)
	snap := s.source.PoolSnapshot()
	if err := s.engine.CheckFresh(snap, s.now(), s.maxAge); err != nil {
		return Result{}, err
	}

	q, err := s.engine.RequiredCounterpart(snap, side, amount)
	if err != nil {
		return Result{}, err
	}
	res := Result{Generation: gen, Block: snap.BlockNumber, Deposit: &q}

	if s.remote != nil && !q.Unconstrained {
		remote, err := s.remote.RequiredCounterpart(ctx, side, amount, snap.BlockNumber)
		switch {
		case err != nil:
			s.logger.Warn("remote counterpart failed, using local quote",
				zap.String("side", side.String()),
				zap.Uint64("block", snap.BlockNumber),
				zap.Error(err),
			)
		default:
			res.RemoteChecked = true
			res.LocalRequired = q.Required
			res.RemoteAgreed = s.engine.ValidateRatio(q.Required, remote) == nil
			if !res.RemoteAgreed {
				s.logger.Warn("remote counterpart disagrees with local quote",
					zap.String("local", q.Required.String()),
					zap.String("remote", remote.String()),
					zap.Uint64("block", snap.BlockNumber),
				)
			}
			q.Required = remote
		}
	}

	return s.apply(res)
}

// QuoteSwap quotes a swap against the snapshot captured at call time.
func (s *Session) QuoteSwap(_ context.Context, direction model.Direction, amountIn *big.Int) (Result, error) {
	gen := s.issued.Add(1)
	snap := s.source.PoolSnapshot()
	if err := s.engine.CheckFresh(snap, s.now(), s.maxAge); err != nil {
		return Result{}, err
	}

	q, err := s.engine.Swap(snap, direction, amountIn)
	if err != nil {
		return Result{}, err
	}
	return s.apply(Result{Generation: gen, Block: snap.BlockNumber, Swap: &q})
}

// Latest returns the most recently applied result.
func (s *Session) Latest() (Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.has
}

func (s *Session) apply(res Result) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if res.Generation != s.issued.Load() || (s.has && res.Generation <= s.latest.Generation) {
		return res, ErrSuperseded
	}
	s.latest = res
	s.has = true
	return res, nil
}
