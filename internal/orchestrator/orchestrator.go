// Package orchestrator drives a user action through its ordered remote writes:
// spend authorizations first, then the pool mutation. Steps advance only on
// observed confirmation, failures halt the sequence without rollback, and a
// failed operation resumes from the failing step.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"miniamm/internal/ammerr"
	"miniamm/internal/chain"
	"miniamm/internal/metrics"
	"miniamm/internal/model"
	"miniamm/internal/pool"
	"miniamm/internal/quote"
)

var (
	ErrUnknownOperation = errors.New("unknown operation")
	ErrWrongPhase       = errors.New("operation not in a valid phase for this action")
	ErrRunning          = errors.New("operation is already running")
)

// Submitter is the opaque wallet boundary.
type Submitter interface {
	Submit(ctx context.Context, call chain.Call) (chain.Handle, error)
	AwaitConfirmation(ctx context.Context, h chain.Handle, timeout time.Duration) (chain.Outcome, error)
}

// StateView is the read side of the pool state cache.
type StateView interface {
	PoolSnapshot() model.PoolSnapshot
	Position() model.AccountPosition
}

// AllowanceReader reads how much of token the pool may already spend for owner.
type AllowanceReader interface {
	Allowance(ctx context.Context, token, owner common.Address) (*big.Int, error)
}

// Listener is told when an operation reaches Confirmed or Failed.
type Listener interface {
	OperationSettled(ctx context.Context, s model.Settlement)
}

// Journal archives acknowledged operations.
type Journal interface {
	Archive(ctx context.Context, rec model.OperationRecord) error
}

// Observer receives a copy of the operation after every transition.
type Observer func(Operation)

// Config holds token addresses and step policy.
type Config struct {
	TokenX            common.Address
	TokenY            common.Address
	LPToken           common.Address
	Owner             common.Address
	ConfirmTimeout    time.Duration
	ApproveLPOnRemove bool
	// MaxStaleness rejects requests validated against an older snapshot; 0 disables.
	MaxStaleness time.Duration
}

type Option func(*Orchestrator)

func WithAllowanceReader(r AllowanceReader) Option {
	return func(o *Orchestrator) { o.allowances = r }
}

func WithListener(l Listener) Option {
	return func(o *Orchestrator) { o.listener = l }
}

func WithJournal(j Journal) Option {
	return func(o *Orchestrator) { o.journal = j }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithObserver(fn Observer) Option {
	return func(o *Orchestrator) { o.observer = fn }
}

// Orchestrator owns every live Operation. Steps within one operation are
// serialized; independent operations are not.
type Orchestrator struct {
	cfg        Config
	engine     *quote.Engine
	calls      *pool.Calls
	submitter  Submitter
	state      StateView
	allowances AllowanceReader
	listener   Listener
	journal    Journal
	metrics    *metrics.Metrics
	observer   Observer
	logger     *zap.Logger
	now        func() time.Time

	mu      sync.Mutex
	ops     map[uuid.UUID]*Operation
	running map[uuid.UUID]bool
}

func New(cfg Config, engine *quote.Engine, calls *pool.Calls, submitter Submitter, state StateView, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 60 * time.Second
	}
	o := &Orchestrator{
		cfg:       cfg,
		engine:    engine,
		calls:     calls,
		submitter: submitter,
		state:     state,
		logger:    logger,
		now:       time.Now,
		ops:       make(map[uuid.UUID]*Operation),
		running:   make(map[uuid.UUID]bool),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Prepare validates req against the cached state and plans its steps.
// Validation failures are local errors and nothing is recorded.
func (o *Orchestrator) Prepare(ctx context.Context, req model.OperationRequest) (Operation, error) {
	snap := o.state.PoolSnapshot()
	pos := o.state.Position()

	if err := o.validate(snap, pos, req); err != nil {
		return Operation{}, err
	}
	steps, err := o.plan(req)
	if err != nil {
		return Operation{}, err
	}
	o.skipCoveredApprovals(ctx, steps)

	now := o.now()
	op := &Operation{
		ID:        uuid.New(),
		Request:   req,
		Steps:     steps,
		Phase:     PhaseIdle,
		LPBefore:  lpBalance(pos),
		CreatedAt: now,
		UpdatedAt: now,
	}

	o.mu.Lock()
	o.ops[op.ID] = op
	snapshot := op.clone()
	o.mu.Unlock()

	o.logger.Info("operation prepared",
		zap.String("op_id", op.ID.String()),
		zap.String("kind", req.Kind().String()),
		zap.String("request", req.String()),
		zap.Int("steps", len(steps)),
		zap.Int("skipped", snapshot.Completed()),
	)
	o.notify(snapshot)
	return snapshot, nil
}

func (o *Orchestrator) validate(snap model.PoolSnapshot, pos model.AccountPosition, req model.OperationRequest) error {
	if err := o.engine.CheckFresh(snap, o.now(), o.cfg.MaxStaleness); err != nil {
		return err
	}

	switch req.Kind() {
	case model.OpSwap:
		in := req.AmountIn()
		if in.Sign() <= 0 {
			return ammerr.InvalidAmount("swap input must be positive")
		}
		side := req.Direction().InputSide()
		return checkBalance(pos, side.String(), pos.Balance(side), in)

	case model.OpAddLiquidity:
		x, y := req.AmountX(), req.AmountY()
		if x.Sign() <= 0 || y.Sign() <= 0 {
			return ammerr.InvalidAmount("deposit amounts must be positive")
		}
		if _, err := o.engine.ValidateDeposit(snap, x, y); err != nil {
			return err
		}
		if err := checkBalance(pos, "x", pos.TokenXBalance, x); err != nil {
			return err
		}
		return checkBalance(pos, "y", pos.TokenYBalance, y)

	case model.OpRemoveLiquidity:
		lp := req.LPAmount()
		if lp.Sign() <= 0 {
			return ammerr.InvalidAmount("lp amount must be positive")
		}
		return checkBalance(pos, "lp", pos.LPBalance, lp)

	default:
		return ammerr.InvalidAmount("unknown operation kind")
	}
}

// lpBalance is the cached LP balance, or nil when the position was never fetched.
func lpBalance(pos model.AccountPosition) *big.Int {
	if pos.FetchedAt.IsZero() || pos.LPBalance == nil {
		return nil
	}
	return new(big.Int).Set(pos.LPBalance)
}

// checkBalance is a fast-fail against the cached position; an unfetched position is not checked.
func checkBalance(pos model.AccountPosition, token string, have, want *big.Int) error {
	if pos.FetchedAt.IsZero() || have == nil {
		return nil
	}
	if have.Cmp(want) < 0 {
		return ammerr.InsufficientBalance(token, have, want)
	}
	return nil
}

func (o *Orchestrator) plan(req model.OperationRequest) ([]Step, error) {
	var steps []Step
	approve := func(token common.Address, amount *big.Int) error {
		call, err := o.calls.Approve(token, amount)
		if err != nil {
			return err
		}
		steps = append(steps, Step{Kind: StepApprove, Token: token, Amount: amount, Call: call})
		return nil
	}
	mutate := func(call chain.Call, err error) error {
		if err != nil {
			return err
		}
		steps = append(steps, Step{Kind: StepMutate, Call: call})
		return nil
	}

	var err error
	switch req.Kind() {
	case model.OpSwap:
		in := req.AmountIn()
		if req.Direction() == model.XToY {
			if err = approve(o.cfg.TokenX, in); err == nil {
				err = mutate(o.calls.Swap(in, new(big.Int)))
			}
		} else {
			if err = approve(o.cfg.TokenY, in); err == nil {
				err = mutate(o.calls.Swap(new(big.Int), in))
			}
		}
	case model.OpAddLiquidity:
		x, y := req.AmountX(), req.AmountY()
		if err = approve(o.cfg.TokenX, x); err == nil {
			if err = approve(o.cfg.TokenY, y); err == nil {
				err = mutate(o.calls.AddLiquidity(x, y))
			}
		}
	case model.OpRemoveLiquidity:
		lp := req.LPAmount()
		if o.cfg.ApproveLPOnRemove {
			err = approve(o.cfg.LPToken, lp)
		}
		if err == nil {
			err = mutate(o.calls.RemoveLiquidity(lp))
		}
	default:
		err = fmt.Errorf("unknown operation kind %d", req.Kind())
	}
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", req.Kind(), err)
	}
	for i := range steps {
		steps[i].Index = i + 1
	}
	return steps, nil
}

// skipCoveredApprovals marks approval steps whose existing allowance already covers the amount.
func (o *Orchestrator) skipCoveredApprovals(ctx context.Context, steps []Step) {
	if o.allowances == nil {
		return
	}
	for i := range steps {
		s := &steps[i]
		if s.Kind != StepApprove || s.Status.done() {
			continue
		}
		if o.allowanceCovers(ctx, s) {
			s.Status = StepSkipped
			o.metrics.ObserveStep(s.Kind.String(), "skipped")
		}
	}
}

func (o *Orchestrator) allowanceCovers(ctx context.Context, s *Step) bool {
	allowance, err := o.allowances.Allowance(ctx, s.Token, o.cfg.Owner)
	if err != nil {
		o.logger.Warn("allowance read failed, keeping approval step",
			zap.Int("step", s.Index),
			zap.String("token", s.Token.Hex()),
			zap.Error(err),
		)
		return false
	}
	return allowance.Cmp(s.Amount) >= 0
}

// Status returns a copy of the operation.
func (o *Orchestrator) Status(id uuid.UUID) (Operation, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	op, ok := o.ops[id]
	if !ok {
		return Operation{}, false
	}
	return op.clone(), true
}

// Active lists live operations, oldest first.
func (o *Orchestrator) Active() []Operation {
	o.mu.Lock()
	out := make([]Operation, 0, len(o.ops))
	for _, op := range o.ops {
		out = append(out, op.clone())
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Acknowledge archives a terminal operation and drops it from the live set.
// Acknowledging a Failed operation abandons it.
func (o *Orchestrator) Acknowledge(ctx context.Context, id uuid.UUID) error {
	o.mu.Lock()
	op, ok := o.ops[id]
	if !ok {
		o.mu.Unlock()
		return ErrUnknownOperation
	}
	if o.running[id] {
		o.mu.Unlock()
		return ErrRunning
	}
	if !op.Terminal() {
		o.mu.Unlock()
		return fmt.Errorf("acknowledge %s: %w", op.Phase, ErrWrongPhase)
	}
	rec := op.Record()
	o.mu.Unlock()

	if o.journal != nil {
		if err := o.journal.Archive(ctx, rec); err != nil {
			return fmt.Errorf("archive operation: %w", err)
		}
	}

	o.mu.Lock()
	delete(o.ops, id)
	o.mu.Unlock()
	o.logger.Debug("operation acknowledged", zap.String("op_id", id.String()), zap.String("phase", rec.Phase))
	return nil
}

func (o *Orchestrator) notify(op Operation) {
	if o.observer != nil {
		o.observer(op)
	}
}
