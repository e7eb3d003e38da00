package state

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
	"go.uber.org/zap"

	"miniamm/internal/model"
)

var (
	tokenX  = common.HexToAddress("0x92443E7cbe95E275f82C1199BA4ba6a30f8C5739")
	tokenY  = common.HexToAddress("0xB4D54a32d327475E10Ea4409340E1Cf1C009BDC6")
	lpToken = common.HexToAddress("0x2ad8635424F33Ce84264425821766811B3e288AC")
	account = common.HexToAddress("0x1111111111111111111111111111111111111111")
)

type fakePool struct {
	mu       sync.Mutex
	block    uint64
	rx, ry   int64
	supply   int64
	balances map[common.Address]int64
	failures int
	err      error
	readAt   []uint64
}

func (f *fakePool) LatestBlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return 0, errors.New("connection reset")
	}
	return f.block, nil
}

func (f *fakePool) Reserves(_ context.Context, block uint64) (*big.Int, *big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readAt = append(f.readAt, block)
	if f.err != nil {
		return nil, nil, f.err
	}
	return big.NewInt(f.rx), big.NewInt(f.ry), nil
}

func (f *fakePool) TotalSupply(_ context.Context, _ common.Address, block uint64) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readAt = append(f.readAt, block)
	return big.NewInt(f.supply), nil
}

func (f *fakePool) BalanceOf(_ context.Context, token, _ common.Address, block uint64) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readAt = append(f.readAt, block)
	return big.NewInt(f.balances[token]), nil
}

func (f *fakePool) set(block uint64, rx, ry int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block, f.rx, f.ry = block, rx, ry
}

// setLiquidity moves the pool to block with new reserves, supply and account LP balance.
func (f *fakePool) setLiquidity(block uint64, rx, ry, supply, lp int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block, f.rx, f.ry, f.supply = block, rx, ry, supply
	f.balances[lpToken] = lp
}

type memBaselines struct {
	mu    sync.Mutex
	saved map[common.Address]model.Baseline
}

func (m *memBaselines) LoadBaseline(_ context.Context, acct common.Address) (model.Baseline, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.saved[acct]
	return b, ok, nil
}

func (m *memBaselines) SaveBaseline(_ context.Context, acct common.Address, b model.Baseline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[acct] = b
	return nil
}

func newTestSync(pool *fakePool, opts ...Option) *Synchronizer {
	cfg := Config{
		Interval:     time.Hour,
		TokenX:       tokenX,
		TokenY:       tokenY,
		LPToken:      lpToken,
		Account:      account,
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
	}
	return NewSynchronizer(cfg, pool, pool, NewCache(account), nil, opts...)
}

func newFakePool() *fakePool {
	return &fakePool{
		block:    1,
		rx:       500,
		ry:       500,
		supply:   500,
		balances: map[common.Address]int64{tokenX: 1000, tokenY: 1000, lpToken: 100},
	}
}

func TestRefreshRatioScenario(t *testing.T) {
	pool := newFakePool()
	s := newTestSync(pool)
	ctx := context.Background()

	entry := s.Cache().Entry()
	assert.True(t, entry.Stale)
	assert.True(t, entry.Snapshot.IsEmpty())
	assert.Nil(t, entry.View.Ratio)

	require.NoError(t, s.Refresh(ctx))
	entry = s.Cache().Entry()
	assert.False(t, entry.Stale)
	assert.Equal(t, 0, entry.View.Ratio.Cmp(big.NewRat(1, 1)))

	pool.set(2, 550, 454)
	s.OperationSettled(ctx, model.Settlement{Request: model.NewSwap(model.XToY, big.NewInt(50)), Confirmed: true})

	entry = s.Cache().Entry()
	assert.Equal(t, 0, entry.View.Ratio.Cmp(big.NewRat(454, 550)), "ratio %s", entry.View.Ratio)
	snap := s.Cache().PoolSnapshot()
	assert.Equal(t, uint64(2), snap.BlockNumber)
	assert.Equal(t, "454", snap.ReserveY.String())
}

func TestRefreshPinsEveryReadToOneBlock(t *testing.T) {
	pool := newFakePool()
	pool.block = 77
	s := newTestSync(pool)

	require.NoError(t, s.Refresh(context.Background()))
	require.Len(t, pool.readAt, 5)
	for _, b := range pool.readAt {
		assert.Equal(t, uint64(77), b)
	}
	pos := s.Cache().Position()
	assert.Equal(t, "100", pos.LPBalance.String())
}

func TestRefreshRetriesTransientErrors(t *testing.T) {
	pool := newFakePool()
	pool.failures = 2
	s := newTestSync(pool)

	require.NoError(t, s.Refresh(context.Background()))
	assert.False(t, s.Cache().Entry().Stale)
}

func TestRefreshFailureKeepsLastSnapshot(t *testing.T) {
	pool := newFakePool()
	s := newTestSync(pool)
	ctx := context.Background()
	require.NoError(t, s.Refresh(ctx))

	pool.err = errors.New("rpc unavailable")
	require.Error(t, s.Refresh(ctx))

	entry := s.Cache().Entry()
	assert.True(t, entry.Stale)
	assert.Contains(t, entry.LastError, "rpc unavailable")
	assert.Equal(t, "500", entry.Snapshot.ReserveX.String())

	pool.err = nil
	pool.set(3, 0, 10)
	require.Error(t, s.Refresh(ctx), "one-sided reserves must be rejected")
	assert.Equal(t, "500", s.Cache().PoolSnapshot().ReserveX.String())
}

func TestOutOfOrderSnapshotDropped(t *testing.T) {
	pool := newFakePool()
	pool.block = 10
	s := newTestSync(pool)
	ctx := context.Background()
	require.NoError(t, s.Refresh(ctx))

	pool.set(9, 900, 900)
	require.NoError(t, s.Refresh(ctx))
	snap := s.Cache().PoolSnapshot()
	assert.Equal(t, uint64(10), snap.BlockNumber)
	assert.Equal(t, "500", snap.ReserveX.String())
}

func TestBaselineFollowsLiquidityChanges(t *testing.T) {
	pool := newFakePool()
	store := &memBaselines{saved: make(map[common.Address]model.Baseline)}
	s := newTestSync(pool, WithBaselineStore(store))
	ctx := context.Background()
	pool.setLiquidity(1, 500, 500, 500, 0)
	require.NoError(t, s.Refresh(ctx))

	pool.setLiquidity(2, 600, 600, 600, 100)
	s.OperationSettled(ctx, model.Settlement{
		Request:   model.NewAddLiquidity(big.NewInt(100), big.NewInt(100)),
		Confirmed: true,
		LPBefore:  big.NewInt(0),
	})
	entry := s.Cache().Entry()
	assert.Equal(t, uint64(2), entry.Snapshot.BlockNumber)
	assert.Equal(t, "100", entry.Baseline.AmountX.String())
	// claim is 100/600 of 600 = 100, baseline 100
	assert.Equal(t, "0", entry.View.AccruedX.String())

	s.OperationSettled(ctx, model.Settlement{Request: model.NewAddLiquidity(big.NewInt(1), big.NewInt(1))})
	assert.Equal(t, "100", s.Cache().Entry().Baseline.AmountX.String())

	// A periodic refresh lands on the withdrawal block before the operation settles.
	pool.setLiquidity(3, 550, 550, 550, 50)
	require.NoError(t, s.Refresh(ctx))
	require.Equal(t, "50", s.Cache().Position().LPBalance.String())

	s.OperationSettled(ctx, model.Settlement{
		Request:   model.NewRemoveLiquidity(big.NewInt(50)),
		Confirmed: true,
		LPBefore:  big.NewInt(100),
	})
	assert.Equal(t, "50", store.saved[account].AmountX.String())
	assert.Equal(t, "50", s.Cache().Entry().Baseline.AmountX.String())

	// Without a captured balance the cached one is used.
	pool.setLiquidity(4, 525, 525, 525, 25)
	s.OperationSettled(ctx, model.Settlement{
		Request:   model.NewRemoveLiquidity(big.NewInt(25)),
		Confirmed: true,
	})
	assert.Equal(t, "25", store.saved[account].AmountX.String())
}

func TestBaselineLoadedFromStore(t *testing.T) {
	pool := newFakePool()
	store := &memBaselines{saved: map[common.Address]model.Baseline{
		account: {AmountX: big.NewInt(80), AmountY: big.NewInt(90)},
	}}
	s := newTestSync(pool, WithBaselineStore(store))
	require.NoError(t, s.Refresh(context.Background()))

	view := s.Cache().Entry().View
	assert.Equal(t, "20", view.AccruedX.String())
	assert.Equal(t, "10", view.AccruedY.String())
}

func TestComputeView(t *testing.T) {
	snap := model.PoolSnapshot{ReserveX: big.NewInt(1000), ReserveY: big.NewInt(2000), LPTotalSupply: big.NewInt(400)}
	pos := model.AccountPosition{LPBalance: big.NewInt(100)}

	v := ComputeView(snap, pos, model.Baseline{})
	assert.Equal(t, 0, v.Ratio.Cmp(big.NewRat(2, 1)))
	assert.Equal(t, 0, v.PoolShare.Cmp(big.NewRat(1, 4)))
	assert.Equal(t, "250", v.ClaimX.String())
	assert.Equal(t, "500", v.ClaimY.String())
	assert.Equal(t, "2000000", v.K.String())
	assert.Nil(t, v.AccruedX)

	empty := ComputeView(model.EmptySnapshot(), model.EmptyPosition(account), model.Baseline{})
	assert.Nil(t, empty.Ratio)
	assert.Nil(t, empty.PoolShare)
}

func TestRunRefreshesOnRequest(t *testing.T) {
	pool := newFakePool()
	s := newTestSync(pool)
	updates, cancelSub := s.Cache().Subscribe(4)
	defer cancelSub()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitForBlock(t, updates, 1)
	pool.set(5, 600, 420)
	s.RequestRefresh()
	waitForBlock(t, updates, 5)

	cancel()
	require.NoError(t, <-done)
}

func waitForBlock(t *testing.T, updates <-chan Entry, block uint64) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-updates:
			if e.Snapshot.BlockNumber == block && !e.Stale {
				return
			}
		case <-timeout:
			t.Fatalf("no entry for block %d", block)
		}
	}
}

func TestWithRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := withRetry(ctx, zapNop(), "test", 5, 10*time.Millisecond, func(context.Context) error {
		calls++
		cancel()
		return errors.New("boom")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestWithRetryGivesUpAfterMaxRetries(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	err := withRetry(context.Background(), zapNop(), "test", 2, time.Millisecond, func(context.Context) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func zapNop() *zap.Logger { return zap.NewNop() }
