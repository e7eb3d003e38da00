package quote

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"miniamm/internal/ammerr"
	"miniamm/internal/model"
)

func snapshot(x, y, lp int64) model.PoolSnapshot {
	return model.PoolSnapshot{
		ReserveX:      big.NewInt(x),
		ReserveY:      big.NewInt(y),
		LPTotalSupply: big.NewInt(lp),
		BlockNumber:   100,
		FetchedAt:     time.Unix(1700000000, 0),
	}
}

func bigSnapshot(x, y *big.Int) model.PoolSnapshot {
	return model.PoolSnapshot{ReserveX: x, ReserveY: y, LPTotalSupply: new(big.Int)}
}

func mustEngine(t testing.TB) *Engine {
	e, err := NewEngine(DefaultConfig())
	require.NoError(t, err)
	return e
}

func TestNewEngineRejectsBadConfig(t *testing.T) {
	for _, cfg := range []Config{
		{FeeNumerator: 30, FeeDenominator: 0},
		{FeeNumerator: 10000, FeeDenominator: 10000},
		{FeeNumerator: -1, FeeDenominator: 10000},
		{FeeNumerator: 30, FeeDenominator: 10000, Tolerance: -1},
	} {
		_, err := NewEngine(cfg)
		assert.Error(t, err, "%+v", cfg)
	}
}

func TestRequiredCounterpart(t *testing.T) {
	e := mustEngine(t)

	q, err := e.RequiredCounterpart(snapshot(1000, 2000, 0), model.SideX, big.NewInt(100))
	require.NoError(t, err)
	assert.False(t, q.Unconstrained)
	assert.Equal(t, "200", q.Required.String())

	q, err = e.RequiredCounterpart(snapshot(1000, 2000, 0), model.SideY, big.NewInt(300))
	require.NoError(t, err)
	assert.Equal(t, "150", q.Required.String())

	// multiply first: 1*3/2 truncates to 1, divide-first would give 0
	q, err = e.RequiredCounterpart(snapshot(2, 3, 0), model.SideX, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, "1", q.Required.String())

	_, err = e.RequiredCounterpart(snapshot(1000, 0, 0), model.SideX, big.NewInt(1))
	assert.Error(t, err)

	_, err = e.RequiredCounterpart(snapshot(1000, 2000, 0), model.SideX, big.NewInt(0))
	assert.True(t, errors.Is(err, ammerr.ErrInvalidAmount))
}

func TestEmptyPoolAcceptsAnyDeposit(t *testing.T) {
	e := mustEngine(t)
	rapid.Check(t, func(t *rapid.T) {
		x := rapid.Int64Range(1, 1<<62).Draw(t, "x")
		y := rapid.Int64Range(1, 1<<62).Draw(t, "y")
		q, err := e.ValidateDeposit(snapshot(0, 0, 0), big.NewInt(x), big.NewInt(y))
		if err != nil {
			t.Fatalf("empty pool rejected deposit: %v", err)
		}
		if !q.Unconstrained {
			t.Fatalf("empty pool quote should be unconstrained")
		}
	})
}

func TestProportionalDepositLaw(t *testing.T) {
	e := mustEngine(t)
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.Int64Range(1, 1<<40).Draw(t, "a")
		b := rapid.Int64Range(1, 1<<40).Draw(t, "b")
		snap := snapshot(2*a, 2*b, 0)

		q, err := e.RequiredCounterpart(snap, model.SideX, big.NewInt(a))
		if err != nil {
			t.Fatalf("quote: %v", err)
		}
		if q.Required.Cmp(big.NewInt(b)) != 0 {
			t.Fatalf("required %s, want %d", q.Required, b)
		}
	})
}

func TestNonDivisibleDepositWithinTolerance(t *testing.T) {
	e := mustEngine(t)
	rapid.Check(t, func(t *rapid.T) {
		rx := rapid.Int64Range(2, 1<<40).Draw(t, "rx")
		ry := rapid.Int64Range(2, 1<<40).Draw(t, "ry")
		snap := snapshot(rx, ry, 0)
		half := big.NewInt(rx / 2)

		q, err := e.RequiredCounterpart(snap, model.SideX, half)
		if err != nil {
			t.Fatalf("quote: %v", err)
		}
		exact := new(big.Rat).SetFrac(new(big.Int).Mul(half, big.NewInt(ry)), big.NewInt(rx))
		diff := new(big.Rat).Sub(exact, new(big.Rat).SetInt(q.Required))
		if diff.Sign() < 0 || diff.Cmp(big.NewRat(1, 1)) >= 0 {
			t.Fatalf("required %s too far from %s", q.Required, exact.FloatString(4))
		}
	})
}

func TestValidateRatio(t *testing.T) {
	e := mustEngine(t)
	rapid.Check(t, func(t *rapid.T) {
		required := big.NewInt(rapid.Int64Range(0, 1<<60).Draw(t, "required"))
		if err := e.ValidateRatio(required, required); err != nil {
			t.Fatalf("exact amount rejected: %v", err)
		}

		over := new(big.Int).Add(required, big.NewInt(2))
		err := e.ValidateRatio(required, over)
		var typed *ammerr.Error
		if !errors.As(err, &typed) || typed.Kind != ammerr.KindRatioMismatch {
			t.Fatalf("expected ratio mismatch, got %v", err)
		}
		if typed.Required.Cmp(required) != 0 {
			t.Fatalf("mismatch carries %s, want %s", typed.Required, required)
		}
	})
}

// tokens is n whole tokens at 18 decimals.
func tokens(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func TestValidateDepositScenario(t *testing.T) {
	e := mustEngine(t)
	snap := bigSnapshot(tokens(1000), tokens(2000))

	_, err := e.ValidateDeposit(snap, tokens(100), tokens(199))
	var typed *ammerr.Error
	require.True(t, errors.As(err, &typed), "got %v", err)
	assert.Equal(t, ammerr.KindRatioMismatch, typed.Kind)
	assert.Equal(t, 0, typed.Required.Cmp(tokens(200)), "required %s", typed.Required)

	q, err := e.ValidateDeposit(snap, tokens(100), tokens(200))
	require.NoError(t, err)
	assert.Equal(t, 0, q.Required.Cmp(tokens(200)))

	_, err = e.ValidateDeposit(snap, tokens(100), tokens(201))
	assert.True(t, errors.Is(err, ammerr.ErrRatioMismatch))
}

func TestValidateDepositOneUnitTolerance(t *testing.T) {
	e := mustEngine(t)
	snap := bigSnapshot(tokens(1000), tokens(2000))

	for _, delta := range []int64{-1, 1} {
		y := new(big.Int).Add(tokens(200), big.NewInt(delta))
		_, err := e.ValidateDeposit(snap, tokens(100), y)
		assert.NoError(t, err, "delta %d", delta)
	}
	for _, delta := range []int64{-2, 2} {
		y := new(big.Int).Add(tokens(200), big.NewInt(delta))
		_, err := e.ValidateDeposit(snap, tokens(100), y)
		assert.True(t, errors.Is(err, ammerr.ErrRatioMismatch), "delta %d", delta)
	}
}

func TestSwap(t *testing.T) {
	e := mustEngine(t)

	q, err := e.Swap(snapshot(1_000_000, 2_000_000, 0), model.XToY, big.NewInt(10_000))
	require.NoError(t, err)
	assert.Equal(t, "30", q.Fee.String())
	assert.Equal(t, "9970", q.EffectiveInput.String())
	// 9970*2000000/(1000000+9970) = 19743.16...
	assert.Equal(t, "19743", q.AmountOut.String())
	assert.False(t, q.Unconstrained)

	q, err = e.Swap(snapshot(1_000_000, 2_000_000, 0), model.YToX, big.NewInt(10_000))
	require.NoError(t, err)
	// 9970*1000000/(2000000+9970) = 4960.27...
	assert.Equal(t, "4960", q.AmountOut.String())

	q, err = e.Swap(snapshot(0, 0, 0), model.XToY, big.NewInt(10_000))
	require.NoError(t, err)
	assert.True(t, q.Unconstrained)
	assert.Equal(t, "9970", q.AmountOut.String())

	_, err = e.Swap(snapshot(1, 1, 0), model.XToY, big.NewInt(-5))
	assert.True(t, errors.Is(err, ammerr.ErrInvalidAmount))
}

func TestSwapMonotoneAndBelowFeeFree(t *testing.T) {
	e := mustEngine(t)
	unit := new(big.Int).Exp(big.NewInt(10), big.NewInt(16), nil)
	rapid.Check(t, func(t *rapid.T) {
		rx := new(big.Int).Mul(big.NewInt(rapid.Int64Range(100, 100_000).Draw(t, "rx")), unit)
		ry := new(big.Int).Mul(big.NewInt(rapid.Int64Range(100, 100_000).Draw(t, "ry")), unit)
		a := new(big.Int).Mul(big.NewInt(rapid.Int64Range(1, 100_000).Draw(t, "a")), unit)
		b := new(big.Int).Add(a, new(big.Int).Mul(big.NewInt(rapid.Int64Range(0, 100_000).Draw(t, "delta")), unit))
		snap := bigSnapshot(rx, ry)

		qa, err := e.Swap(snap, model.XToY, a)
		if err != nil {
			t.Fatalf("swap a: %v", err)
		}
		qb, err := e.Swap(snap, model.XToY, b)
		if err != nil {
			t.Fatalf("swap b: %v", err)
		}
		if qa.AmountOut.Cmp(qb.AmountOut) > 0 {
			t.Fatalf("output decreased: %s -> %s", qa.AmountOut, qb.AmountOut)
		}

		naive := new(big.Int).Mul(a, ry)
		naive.Quo(naive, new(big.Int).Add(rx, a))
		if qa.AmountOut.Cmp(naive) >= 0 {
			t.Fatalf("fee did not reduce output: %s >= %s", qa.AmountOut, naive)
		}
	})
}

func TestWithdraw(t *testing.T) {
	e := mustEngine(t)

	q, err := e.Withdraw(snapshot(1000, 2000, 500), big.NewInt(50))
	require.NoError(t, err)
	assert.Equal(t, "100", q.AmountX.String())
	assert.Equal(t, "200", q.AmountY.String())

	_, err = e.Withdraw(snapshot(1000, 2000, 500), big.NewInt(501))
	assert.True(t, errors.Is(err, ammerr.ErrInvalidAmount))

	_, err = e.Withdraw(snapshot(0, 0, 0), big.NewInt(1))
	assert.True(t, errors.Is(err, ammerr.ErrInvalidAmount))
}

func TestCheckFresh(t *testing.T) {
	e := mustEngine(t)
	snap := snapshot(1, 1, 1)

	assert.NoError(t, e.CheckFresh(snap, snap.FetchedAt.Add(time.Hour), 0))
	assert.NoError(t, e.CheckFresh(snap, snap.FetchedAt.Add(time.Second), time.Minute))
	assert.True(t, errors.Is(e.CheckFresh(snap, snap.FetchedAt.Add(2*time.Minute), time.Minute), ammerr.ErrStaleSnapshot))
	assert.True(t, errors.Is(e.CheckFresh(model.EmptySnapshot(), time.Now(), time.Minute), ammerr.ErrStaleSnapshot))
}
