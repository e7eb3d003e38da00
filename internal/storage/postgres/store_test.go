package postgres

import (
	"context"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"miniamm/internal/model"
)

// Set AMM_TEST_PG_DSN to run against a live database.
func testStore(t *testing.T) *Store {
	dsn := os.Getenv("AMM_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("AMM_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	store, err := NewStore(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	require.NoError(t, store.EnsureSchema(ctx))
	return store
}

func TestNewStoreRequiresDSN(t *testing.T) {
	_, err := NewStore(context.Background(), "")
	assert.Error(t, err)
	assert.Equal(t, "0", numeric(nil))
}

func TestArchiveAndRecent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	rec := model.OperationRecord{
		ID:         uuid.NewString(),
		Kind:       "add_liquidity",
		Request:    "add_liquidity x=100 y=200",
		Phase:      "failed",
		FailedStep: 2,
		ErrorKind:  "AuthorizationFailure",
		Error:      "AuthorizationFailure at step 2",
		CreatedAt:  time.Now().Add(-time.Minute).UTC().Truncate(time.Microsecond),
		FinishedAt: time.Now().UTC().Truncate(time.Microsecond),
		Steps: []model.StepRecord{
			{Index: 1, Kind: "approve", Target: "0x01", Method: "approve", TxHash: "0xaa", Status: "confirmed"},
			{Index: 2, Kind: "approve", Target: "0x02", Method: "approve", Status: "failed"},
		},
	}
	require.NoError(t, store.Archive(ctx, rec))

	recent, err := store.Recent(ctx, 50)
	require.NoError(t, err)
	var found *model.OperationRecord
	for i := range recent {
		if recent[i].ID == rec.ID {
			found = &recent[i]
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, 2, found.FailedStep)
	assert.Len(t, found.Steps, 2)
}

func TestBaselineRoundTrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	account := common.HexToAddress("0x3333333333333333333333333333333333333333")

	huge, _ := new(big.Int).SetString("115792089237316195423570985008687907853269984665640564039457584007913129639935", 10)
	require.NoError(t, store.SaveBaseline(ctx, account, model.Baseline{AmountX: huge, AmountY: big.NewInt(7), UpdatedAt: time.Now()}))

	got, ok, err := store.LoadBaseline(ctx, account)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, got.AmountX.Cmp(huge))
	assert.Equal(t, "7", got.AmountY.String())
}
