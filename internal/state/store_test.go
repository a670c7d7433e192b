package state

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/miko-network/keeper/internal/types"
)

// setupTestStore creates a PostgreSQL container, applies the schema and
// returns a cleanup function that must be called after tests complete.
func setupTestStore(t *testing.T) (*Store, func()) {
	t.Helper()

	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("keeper_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "failed to get connection string")

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err, "failed to open database connection")
	require.NoError(t, db.Ping(), "failed to ping database")

	store := OpenWithDB(db)
	require.NoError(t, store.EnsureSchema())
	// Schema DDL must be idempotent across restarts.
	require.NoError(t, store.EnsureSchema())

	cleanup := func() {
		store.Close()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}
	return store, cleanup
}

func TestRolloverState(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	solAsset := solana.SolMint
	otherAsset := solana.NewWallet().PublicKey()

	t.Run("missing row reads as zero", func(t *testing.T) {
		state, err := store.GetRollover(ctx, solAsset)
		require.NoError(t, err)
		assert.Equal(t, solAsset, state.RewardAsset)
		assert.Equal(t, uint64(0), state.Amount)
	})

	t.Run("set then get round trips", func(t *testing.T) {
		require.NoError(t, store.SetRollover(ctx, solAsset, 12345))

		state, err := store.GetRollover(ctx, solAsset)
		require.NoError(t, err)
		assert.Equal(t, uint64(12345), state.Amount)
		assert.False(t, state.UpdatedAt.IsZero())
	})

	t.Run("set overwrites rather than accumulates", func(t *testing.T) {
		require.NoError(t, store.SetRollover(ctx, solAsset, 700))

		state, err := store.GetRollover(ctx, solAsset)
		require.NoError(t, err)
		assert.Equal(t, uint64(700), state.Amount)
	})

	t.Run("assets are isolated", func(t *testing.T) {
		require.NoError(t, store.SetRollover(ctx, otherAsset, 900))

		state, err := store.GetRollover(ctx, solAsset)
		require.NoError(t, err)
		assert.Equal(t, uint64(700), state.Amount)

		other, err := store.GetRollover(ctx, otherAsset)
		require.NoError(t, err)
		assert.Equal(t, uint64(900), other.Amount)
	})

	t.Run("list returns stranded rows too", func(t *testing.T) {
		states, err := store.ListRollover(ctx)
		require.NoError(t, err)
		require.Len(t, states, 2)

		byAsset := make(map[solana.PublicKey]uint64, len(states))
		for _, s := range states {
			byAsset[s.RewardAsset] = s.Amount
		}
		assert.Equal(t, uint64(700), byAsset[solAsset])
		assert.Equal(t, uint64(900), byAsset[otherAsset])
	})
}

func TestFeeFinality(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()

	finalized, err := store.IsFeeFinalized(ctx)
	require.NoError(t, err)
	assert.False(t, finalized)

	require.NoError(t, store.MarkFeeFinalized(ctx))

	finalized, err = store.IsFeeFinalized(ctx)
	require.NoError(t, err)
	assert.True(t, finalized)

	// Marking twice is harmless.
	require.NoError(t, store.MarkFeeFinalized(ctx))
	finalized, err = store.IsFeeFinalized(ctx)
	require.NoError(t, err)
	assert.True(t, finalized)
}

func TestCycleCounter(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()

	current, err := store.CurrentCycleNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, current)

	first, err := store.IncrementCycleNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first)

	second, err := store.IncrementCycleNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, second)

	current, err = store.CurrentCycleNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, current)
}

func TestCycleSnapshots(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()

	t.Run("last cycle is nil before any cycle ran", func(t *testing.T) {
		last, err := store.LastCycle(ctx)
		require.NoError(t, err)
		assert.Nil(t, last)
	})

	started := time.Now().UTC().Truncate(time.Millisecond)
	for i := 1; i <= 3; i++ {
		snap := &types.CycleSnapshot{
			CycleNumber:     i,
			CycleID:         solana.NewWallet().PublicKey().String(),
			StartedAt:       started.Add(time.Duration(i) * time.Minute),
			DurationMs:      int64(i * 100),
			FeeRateBps:      types.PermanentFeeBps,
			AccumulatedFees: uint64(i * 1000),
			HarvestRan:      i != 2,
		}
		if i == 2 {
			snap.FailedStage = "harvest"
		}
		if i == 3 {
			snap.Harvest = &types.HarvestBatchResult{
				AccountsProcessed:        10,
				AmountWithdrawnToHolding: 500,
				TxSignatures:             []string{"sig-a", "sig-b"},
			}
		}
		require.NoError(t, store.SaveCycleSnapshot(ctx, snap))
	}

	t.Run("recent cycles are newest first", func(t *testing.T) {
		snaps, err := store.RecentCycles(ctx, 10, 0)
		require.NoError(t, err)
		require.Len(t, snaps, 3)
		assert.Equal(t, 3, snaps[0].CycleNumber)
		assert.Equal(t, 1, snaps[2].CycleNumber)
	})

	t.Run("limit and offset paginate", func(t *testing.T) {
		snaps, err := store.RecentCycles(ctx, 1, 1)
		require.NoError(t, err)
		require.Len(t, snaps, 1)
		assert.Equal(t, 2, snaps[0].CycleNumber)
		assert.Equal(t, "harvest", snaps[0].FailedStage)
	})

	t.Run("snapshot payload round trips", func(t *testing.T) {
		last, err := store.LastCycle(ctx)
		require.NoError(t, err)
		require.NotNil(t, last)
		assert.Equal(t, 3, last.CycleNumber)
		assert.Equal(t, uint64(3000), last.AccumulatedFees)
		require.NotNil(t, last.Harvest)
		assert.Equal(t, uint64(500), last.Harvest.AmountWithdrawnToHolding)
		assert.Equal(t, []string{"sig-a", "sig-b"}, last.Harvest.TxSignatures)
	})
}
