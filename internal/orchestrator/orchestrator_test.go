package orchestrator

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"miniamm/internal/ammerr"
	"miniamm/internal/chain"
	"miniamm/internal/model"
	"miniamm/internal/pool"
	"miniamm/internal/quote"
)

var (
	poolAddr = common.HexToAddress("0x7B972d87316BcbdCF1C4859B5cF275453D12a5D6")
	tokenX   = common.HexToAddress("0x92443E7cbe95E275f82C1199BA4ba6a30f8C5739")
	tokenY   = common.HexToAddress("0xB4D54a32d327475E10Ea4409340E1Cf1C009BDC6")
	lpToken  = common.HexToAddress("0x2ad8635424F33Ce84264425821766811B3e288AC")
	owner    = common.HexToAddress("0x1111111111111111111111111111111111111111")
)

type fakeSubmitter struct {
	mu        sync.Mutex
	n         int64
	submitted []string
	awaited   []common.Hash
	outcomes  map[string][]chain.Outcome
	rejects   map[string]error
	byHash    map[common.Hash]string
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{
		outcomes: make(map[string][]chain.Outcome),
		rejects:  make(map[string]error),
		byHash:   make(map[common.Hash]string),
	}
}

func (f *fakeSubmitter) Submit(_ context.Context, call chain.Call) (chain.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.rejects[call.Method]; err != nil {
		delete(f.rejects, call.Method)
		return chain.Handle{}, err
	}
	f.n++
	h := chain.Handle{Hash: common.BigToHash(big.NewInt(f.n))}
	f.submitted = append(f.submitted, call.Method)
	f.byHash[h.Hash] = call.Method
	return h, nil
}

func (f *fakeSubmitter) AwaitConfirmation(_ context.Context, h chain.Handle, _ time.Duration) (chain.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.awaited = append(f.awaited, h.Hash)
	method := f.byHash[h.Hash]
	queue := f.outcomes[method]
	if len(queue) == 0 {
		return chain.OutcomeConfirmed, nil
	}
	f.outcomes[method] = queue[1:]
	return queue[0], nil
}

func (f *fakeSubmitter) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = nil
	f.awaited = nil
}

type fakeState struct {
	snap model.PoolSnapshot
	pos  model.AccountPosition
}

func (s *fakeState) PoolSnapshot() model.PoolSnapshot  { return s.snap.Clone() }
func (s *fakeState) Position() model.AccountPosition { return s.pos.Clone() }

func newFakeState(rx, ry int64) *fakeState {
	now := time.Now()
	return &fakeState{
		snap: model.PoolSnapshot{
			ReserveX:      big.NewInt(rx),
			ReserveY:      big.NewInt(ry),
			LPTotalSupply: big.NewInt(1000),
			BlockNumber:   10,
			FetchedAt:     now,
		},
		pos: model.AccountPosition{
			Account:       owner,
			TokenXBalance: big.NewInt(10_000),
			TokenYBalance: big.NewInt(10_000),
			LPBalance:     big.NewInt(500),
			FetchedAt:     now,
		},
	}
}

// tokens is n whole tokens at 18 decimals.
func tokens(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

// newTokenState is newFakeState with reserves and balances in whole tokens.
func newTokenState(rx, ry int64) *fakeState {
	s := newFakeState(rx, ry)
	s.snap.ReserveX, s.snap.ReserveY = tokens(rx), tokens(ry)
	s.snap.LPTotalSupply = tokens(1000)
	s.pos.TokenXBalance, s.pos.TokenYBalance = tokens(10_000), tokens(10_000)
	s.pos.LPBalance = tokens(500)
	return s
}

type recordingListener struct {
	mu          sync.Mutex
	settled     []bool
	settlements []model.Settlement
}

func (l *recordingListener) OperationSettled(_ context.Context, s model.Settlement) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.settled = append(l.settled, s.Confirmed)
	l.settlements = append(l.settlements, s)
}

type fixedAllowances map[common.Address]int64

func (a fixedAllowances) Allowance(_ context.Context, token, _ common.Address) (*big.Int, error) {
	v, ok := a[token]
	if !ok {
		return nil, errors.New("allowance unavailable")
	}
	return big.NewInt(v), nil
}

type memJournal struct {
	records []model.OperationRecord
}

func (j *memJournal) Archive(_ context.Context, rec model.OperationRecord) error {
	j.records = append(j.records, rec)
	return nil
}

func newTestOrchestrator(t *testing.T, cfg Config, state StateView, sub Submitter, opts ...Option) *Orchestrator {
	engine, err := quote.NewEngine(quote.DefaultConfig())
	require.NoError(t, err)
	cfg.TokenX, cfg.TokenY, cfg.LPToken, cfg.Owner = tokenX, tokenY, lpToken, owner
	return New(cfg, engine, pool.NewCalls(poolAddr), sub, state, nil, opts...)
}

func TestAddLiquidityScenario(t *testing.T) {
	sub := newFakeSubmitter()
	listener := &recordingListener{}
	var phases []Phase
	o := newTestOrchestrator(t, Config{}, newTokenState(1000, 2000), sub,
		WithListener(listener),
		WithObserver(func(op Operation) { phases = append(phases, op.Phase) }),
	)
	ctx := context.Background()

	_, err := o.Prepare(ctx, model.NewAddLiquidity(tokens(100), tokens(199)))
	var typed *ammerr.Error
	require.True(t, errors.As(err, &typed), "got %v", err)
	assert.Equal(t, ammerr.KindRatioMismatch, typed.Kind)
	assert.Equal(t, 0, typed.Required.Cmp(tokens(200)), "required %s", typed.Required)
	assert.Empty(t, sub.submitted)
	assert.Empty(t, o.Active())

	op, err := o.Prepare(ctx, model.NewAddLiquidity(tokens(100), tokens(200)))
	require.NoError(t, err)
	require.Len(t, op.Steps, 3)
	assert.Equal(t, PhaseIdle, op.Phase)

	final, err := o.Execute(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, PhaseConfirmed, final.Phase)
	assert.Equal(t, []string{"approve", "approve", "addLiquidity"}, sub.submitted)
	assert.Equal(t, 3, final.Completed())
	assert.Equal(t, []bool{true}, listener.settled)

	assert.Equal(t, PhaseIdle, phases[0])
	assert.Contains(t, phases, PhaseAuthorizing)
	assert.Contains(t, phases, PhaseAwaitingConfirmation)
	assert.Contains(t, phases, PhaseMutating)
	assert.Equal(t, PhaseConfirmed, phases[len(phases)-1])
}

func TestDepositWithinOneUnitIsAccepted(t *testing.T) {
	o := newTestOrchestrator(t, Config{}, newTokenState(1000, 2000), newFakeSubmitter())
	ctx := context.Background()

	for _, delta := range []int64{-1, 1} {
		y := new(big.Int).Add(tokens(200), big.NewInt(delta))
		_, err := o.Prepare(ctx, model.NewAddLiquidity(tokens(100), y))
		assert.NoError(t, err, "delta %d", delta)
	}
	y := new(big.Int).Add(tokens(200), big.NewInt(2))
	_, err := o.Prepare(ctx, model.NewAddLiquidity(tokens(100), y))
	assert.True(t, errors.Is(err, ammerr.ErrRatioMismatch))
}

func TestSettlementCarriesLPBalanceFromPrepare(t *testing.T) {
	state := newFakeState(1000, 2000)
	listener := &recordingListener{}
	o := newTestOrchestrator(t, Config{}, state, newFakeSubmitter(), WithListener(listener))
	ctx := context.Background()

	op, err := o.Prepare(ctx, model.NewRemoveLiquidity(big.NewInt(100)))
	require.NoError(t, err)
	require.Equal(t, "500", op.LPBefore.String())

	// the cache already shows the withdrawal when the operation settles
	state.pos.LPBalance = big.NewInt(400)
	_, err = o.Execute(ctx, op.ID)
	require.NoError(t, err)

	require.Len(t, listener.settlements, 1)
	settled := listener.settlements[0]
	assert.True(t, settled.Confirmed)
	assert.Equal(t, "500", settled.LPBefore.String())
	assert.Equal(t, "100", settled.Request.LPAmount().String())
}

func TestSwapFailureResumesFromFailedStep(t *testing.T) {
	sub := newFakeSubmitter()
	sub.outcomes["swap"] = []chain.Outcome{chain.OutcomeReverted}
	listener := &recordingListener{}
	o := newTestOrchestrator(t, Config{}, newFakeState(1000, 2000), sub, WithListener(listener))
	ctx := context.Background()

	op, err := o.Prepare(ctx, model.NewSwap(model.XToY, big.NewInt(100)))
	require.NoError(t, err)
	require.Len(t, op.Steps, 2)

	failed, err := o.Execute(ctx, op.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ammerr.ErrMutationFailure))
	assert.Equal(t, PhaseFailed, failed.Phase)
	assert.Equal(t, 2, failed.FailedStep)
	assert.Equal(t, StepConfirmed, failed.Steps[0].Status)
	assert.Equal(t, StepFailed, failed.Steps[1].Status)
	assert.Equal(t, []bool{false}, listener.settled)

	_, err = o.Execute(ctx, op.ID)
	assert.ErrorIs(t, err, ErrWrongPhase)

	sub.reset()
	resumed, err := o.Resume(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, PhaseConfirmed, resumed.Phase)
	assert.Equal(t, []string{"swap"}, sub.submitted)
	assert.Nil(t, resumed.Err)
	assert.Equal(t, 0, resumed.FailedStep)
}

func TestTimeoutIsIndeterminateAndReawaited(t *testing.T) {
	sub := newFakeSubmitter()
	sub.outcomes["addLiquidity"] = []chain.Outcome{chain.OutcomeTimedOut}
	o := newTestOrchestrator(t, Config{}, newFakeState(1000, 2000), sub)
	ctx := context.Background()

	op, err := o.Prepare(ctx, model.NewAddLiquidity(big.NewInt(100), big.NewInt(200)))
	require.NoError(t, err)

	failed, err := o.Execute(ctx, op.ID)
	assert.True(t, errors.Is(err, ammerr.ErrConfirmationTimeout))
	assert.Equal(t, 3, failed.FailedStep)
	assert.Equal(t, StepIndeterminate, failed.Steps[2].Status)
	handle := failed.Steps[2].Handle

	sub.reset()
	resumed, err := o.Resume(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, PhaseConfirmed, resumed.Phase)
	assert.Empty(t, sub.submitted, "timed out step must not be re-submitted")
	assert.Equal(t, []common.Hash{handle.Hash}, sub.awaited)
}

func TestSubmitRejectionIsAuthorizationFailure(t *testing.T) {
	sub := newFakeSubmitter()
	sub.rejects["approve"] = errors.New("user rejected request")
	o := newTestOrchestrator(t, Config{}, newFakeState(1000, 2000), sub)
	ctx := context.Background()

	op, err := o.Prepare(ctx, model.NewSwap(model.YToX, big.NewInt(100)))
	require.NoError(t, err)

	failed, err := o.Execute(ctx, op.ID)
	var typed *ammerr.Error
	require.True(t, errors.As(err, &typed))
	assert.Equal(t, ammerr.KindAuthorizationFailure, typed.Kind)
	assert.Equal(t, 1, typed.Step)
	assert.Equal(t, 1, failed.FailedStep)
	assert.Empty(t, sub.submitted)
}

func TestCoveredAllowancesSkipApprovals(t *testing.T) {
	sub := newFakeSubmitter()
	allowances := fixedAllowances{tokenX: 1_000_000, tokenY: 50}
	o := newTestOrchestrator(t, Config{}, newFakeState(1000, 2000), sub, WithAllowanceReader(allowances))
	ctx := context.Background()

	op, err := o.Prepare(ctx, model.NewAddLiquidity(big.NewInt(100), big.NewInt(200)))
	require.NoError(t, err)
	assert.Equal(t, StepSkipped, op.Steps[0].Status)
	assert.Equal(t, StepPending, op.Steps[1].Status)

	_, err = o.Execute(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"approve", "addLiquidity"}, sub.submitted)
}

func TestRemoveLiquidityPlan(t *testing.T) {
	ctx := context.Background()

	o := newTestOrchestrator(t, Config{}, newFakeState(1000, 2000), newFakeSubmitter())
	op, err := o.Prepare(ctx, model.NewRemoveLiquidity(big.NewInt(100)))
	require.NoError(t, err)
	require.Len(t, op.Steps, 1)
	assert.Equal(t, "removeLiquidity", op.Steps[0].Call.Method)

	o = newTestOrchestrator(t, Config{ApproveLPOnRemove: true}, newFakeState(1000, 2000), newFakeSubmitter())
	op, err = o.Prepare(ctx, model.NewRemoveLiquidity(big.NewInt(100)))
	require.NoError(t, err)
	require.Len(t, op.Steps, 2)
	assert.Equal(t, lpToken, op.Steps[0].Token)
}

func TestLocalValidation(t *testing.T) {
	ctx := context.Background()
	state := newFakeState(1000, 2000)
	o := newTestOrchestrator(t, Config{}, state, newFakeSubmitter())

	_, err := o.Prepare(ctx, model.NewSwap(model.XToY, big.NewInt(20_000)))
	assert.True(t, errors.Is(err, ammerr.ErrInsufficientBalance))

	_, err = o.Prepare(ctx, model.NewRemoveLiquidity(big.NewInt(501)))
	assert.True(t, errors.Is(err, ammerr.ErrInsufficientBalance))

	_, err = o.Prepare(ctx, model.NewSwap(model.XToY, big.NewInt(0)))
	assert.True(t, errors.Is(err, ammerr.ErrInvalidAmount))

	_, err = o.Prepare(ctx, model.NewAddLiquidity(big.NewInt(0), big.NewInt(10)))
	assert.True(t, errors.Is(err, ammerr.ErrInvalidAmount))

	state.snap.FetchedAt = time.Now().Add(-time.Hour)
	strict := newTestOrchestrator(t, Config{MaxStaleness: time.Minute}, state, newFakeSubmitter())
	_, err = strict.Prepare(ctx, model.NewSwap(model.XToY, big.NewInt(10)))
	assert.True(t, errors.Is(err, ammerr.ErrStaleSnapshot))
}

func TestEmptyPoolFirstDeposit(t *testing.T) {
	o := newTestOrchestrator(t, Config{}, newFakeState(0, 0), newFakeSubmitter())
	op, err := o.Prepare(context.Background(), model.NewAddLiquidity(big.NewInt(7), big.NewInt(3)))
	require.NoError(t, err)
	assert.Len(t, op.Steps, 3)
}

func TestAcknowledgeArchives(t *testing.T) {
	journal := &memJournal{}
	o := newTestOrchestrator(t, Config{}, newFakeState(1000, 2000), newFakeSubmitter(), WithJournal(journal))
	ctx := context.Background()

	op, err := o.Prepare(ctx, model.NewSwap(model.XToY, big.NewInt(100)))
	require.NoError(t, err)
	assert.ErrorIs(t, o.Acknowledge(ctx, op.ID), ErrWrongPhase)

	_, err = o.Execute(ctx, op.ID)
	require.NoError(t, err)
	require.NoError(t, o.Acknowledge(ctx, op.ID))

	_, ok := o.Status(op.ID)
	assert.False(t, ok)
	assert.Empty(t, o.Active())
	require.Len(t, journal.records, 1)
	rec := journal.records[0]
	assert.Equal(t, "swap", rec.Kind)
	assert.Equal(t, "confirmed", rec.Phase)
	require.Len(t, rec.Steps, 2)
	assert.NotEmpty(t, rec.Steps[1].TxHash)

	assert.ErrorIs(t, o.Acknowledge(ctx, op.ID), ErrUnknownOperation)
}
