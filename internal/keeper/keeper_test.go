package keeper

import (
	"context"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miko-network/keeper/internal/config"
	"github.com/miko-network/keeper/internal/types"
)

type mockFees struct {
	fn func(ctx context.Context) (types.FeeSchedule, error)
}

func (m *mockFees) CheckAndApply(ctx context.Context) (types.FeeSchedule, error) { return m.fn(ctx) }

type mockHarvester struct {
	shouldFn  func(ctx context.Context) (bool, uint64, error)
	harvestFn func(ctx context.Context) (*types.HarvestBatchResult, error)
}

func (m *mockHarvester) ShouldHarvest(ctx context.Context) (bool, uint64, error) {
	return m.shouldFn(ctx)
}
func (m *mockHarvester) HarvestCycle(ctx context.Context) (*types.HarvestBatchResult, error) {
	return m.harvestFn(ctx)
}

type mockPlanner struct {
	fn       func(ctx context.Context, available uint64, rewardAsset solana.PublicKey) (*types.DistributionPlan, error)
	commits  []*types.DistributionResult
	commitFn func(plan *types.DistributionPlan, result *types.DistributionResult) error
}

func (m *mockPlanner) BuildPlan(ctx context.Context, available uint64, rewardAsset solana.PublicKey) (*types.DistributionPlan, error) {
	return m.fn(ctx, available, rewardAsset)
}

func (m *mockPlanner) CommitRollover(_ context.Context, plan *types.DistributionPlan, result *types.DistributionResult) error {
	m.commits = append(m.commits, result)
	if m.commitFn != nil {
		return m.commitFn(plan, result)
	}
	return nil
}

type mockExecutor struct {
	fn func(ctx context.Context, plan *types.DistributionPlan) (*types.DistributionResult, error)
}

func (m *mockExecutor) Execute(ctx context.Context, plan *types.DistributionPlan) (*types.DistributionResult, error) {
	return m.fn(ctx, plan)
}

type mockBalances struct {
	holding uint64
	keeper  uint64
}

func (m *mockBalances) HoldingBalance(context.Context) (uint64, error) { return m.holding, nil }
func (m *mockBalances) KeeperBalance(context.Context) (uint64, error)  { return m.keeper, nil }

type mockStore struct {
	cycle int
	snaps []*types.CycleSnapshot
}

func (m *mockStore) IncrementCycleNumber(context.Context) (int, error) {
	m.cycle++
	return m.cycle, nil
}
func (m *mockStore) SaveCycleSnapshot(_ context.Context, snap *types.CycleSnapshot) error {
	m.snaps = append(m.snaps, snap)
	return nil
}

func testAppConfig() *config.Config {
	return &config.Config{
		TokenMint:                solana.NewWallet().PublicKey(),
		RewardAsset:              solana.SolMint,
		PollIntervalSeconds:      60,
		StageTimeoutSeconds:      5,
		MinKeeperBalanceLamports: 1_000_000,
	}
}

func okFees() *mockFees {
	return &mockFees{fn: func(context.Context) (types.FeeSchedule, error) {
		return types.FeeSchedule{CurrentRateBps: types.PermanentFeeBps, Finalized: true}, nil
	}}
}

func newTestKeeper(t *testing.T, cfg Config) (*Keeper, *mockStore) {
	t.Helper()
	store := &mockStore{}
	if cfg.Store == nil {
		cfg.Store = store
	} else {
		store = cfg.Store.(*mockStore)
	}
	if cfg.AppConfig == nil {
		cfg.AppConfig = testAppConfig()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewFakeClock()
	}
	if cfg.Balances == nil {
		cfg.Balances = &mockBalances{keeper: 10_000_000}
	}
	k, err := New(cfg)
	require.NoError(t, err)
	return k, store
}

func TestRunCycleFullChain(t *testing.T) {
	plan := &types.DistributionPlan{
		RewardAsset: solana.SolMint,
		TotalAmount: 900,
		Recipients:  []types.Recipient{{Address: solana.NewWallet().PublicKey(), Amount: 900}},
	}
	var plannedAmount uint64
	planner := &mockPlanner{fn: func(_ context.Context, available uint64, _ solana.PublicKey) (*types.DistributionPlan, error) {
		plannedAmount = available
		return plan, nil
	}}

	k, store := newTestKeeper(t, Config{
		Fees: okFees(),
		Harvester: &mockHarvester{
			shouldFn: func(context.Context) (bool, uint64, error) { return true, 1_500, nil },
			harvestFn: func(context.Context) (*types.HarvestBatchResult, error) {
				return &types.HarvestBatchResult{AccountsProcessed: 10, AmountWithdrawnToHolding: 900}, nil
			},
		},
		Planner: planner,
		Executor: &mockExecutor{fn: func(_ context.Context, p *types.DistributionPlan) (*types.DistributionResult, error) {
			assert.Same(t, plan, p)
			return &types.DistributionResult{Distributed: 900, Succeeded: 1}, nil
		}},
		Balances: &mockBalances{holding: 900, keeper: 10_000_000},
	})

	k.RunCycle(context.Background())

	require.Len(t, store.snaps, 1)
	snap := store.snaps[0]
	assert.Equal(t, 1, snap.CycleNumber)
	assert.True(t, snap.HarvestRan)
	assert.Empty(t, snap.FailedStage)
	assert.Equal(t, uint64(900), plannedAmount)
	require.NotNil(t, snap.Distribution)
	assert.Equal(t, uint64(900), snap.Distribution.Distributed)
	assert.True(t, snap.FeeFinalized)

	// Rollover settles exactly once, after the delivery.
	require.Len(t, planner.commits, 1)
	assert.Equal(t, 1, planner.commits[0].Succeeded)
}

func TestRunCycleRecordsPartialResultOnExecuteFailure(t *testing.T) {
	failed := types.FailedRecipient{Address: solana.NewWallet().PublicKey(), Amount: 400, Reason: "stage timeout"}
	plan := &types.DistributionPlan{
		RewardAsset: solana.SolMint,
		TotalAmount: 900,
		Recipients: []types.Recipient{
			{Address: solana.NewWallet().PublicKey(), Amount: 500},
			{Address: failed.Address, Amount: 400},
		},
	}
	planner := &mockPlanner{fn: func(context.Context, uint64, solana.PublicKey) (*types.DistributionPlan, error) {
		return plan, nil
	}}

	k, store := newTestKeeper(t, Config{
		Fees: okFees(),
		Harvester: &mockHarvester{
			shouldFn: func(context.Context) (bool, uint64, error) { return true, 1_000, nil },
			harvestFn: func(context.Context) (*types.HarvestBatchResult, error) {
				return &types.HarvestBatchResult{}, nil
			},
		},
		Planner: planner,
		Executor: &mockExecutor{fn: func(context.Context, *types.DistributionPlan) (*types.DistributionResult, error) {
			// One batch went out before the stage died.
			return &types.DistributionResult{
				Distributed:      500,
				Succeeded:        1,
				Failed:           1,
				TxSignatures:     []string{"sig-1"},
				FailedRecipients: []types.FailedRecipient{failed},
			}, context.DeadlineExceeded
		}},
		Balances: &mockBalances{holding: 900, keeper: 10_000_000},
	})

	k.RunCycle(context.Background())

	require.Len(t, store.snaps, 1)
	snap := store.snaps[0]
	assert.Equal(t, "execute", snap.FailedStage)

	// The partial outcome survives in the snapshot for reconciliation.
	require.NotNil(t, snap.Distribution)
	assert.Equal(t, uint64(500), snap.Distribution.Distributed)
	assert.Equal(t, []string{"sig-1"}, snap.Distribution.TxSignatures)
	require.Len(t, snap.Distribution.FailedRecipients, 1)
	assert.Equal(t, failed, snap.Distribution.FailedRecipients[0])

	// And the rollover settle still ran against the partial result.
	require.Len(t, planner.commits, 1)
	assert.Equal(t, 1, planner.commits[0].Succeeded)
}

func TestRunCycleSkipsChainBelowThreshold(t *testing.T) {
	harvested := false
	k, store := newTestKeeper(t, Config{
		Fees: okFees(),
		Harvester: &mockHarvester{
			shouldFn: func(context.Context) (bool, uint64, error) { return false, 50, nil },
			harvestFn: func(context.Context) (*types.HarvestBatchResult, error) {
				harvested = true
				return nil, nil
			},
		},
		Planner:  &mockPlanner{fn: func(context.Context, uint64, solana.PublicKey) (*types.DistributionPlan, error) { return nil, nil }},
		Executor: &mockExecutor{fn: func(context.Context, *types.DistributionPlan) (*types.DistributionResult, error) { return nil, nil }},
	})

	k.RunCycle(context.Background())

	assert.False(t, harvested)
	require.Len(t, store.snaps, 1)
	assert.False(t, store.snaps[0].HarvestRan)
	assert.Equal(t, uint64(50), store.snaps[0].AccumulatedFees)
}

func TestRunCycleFeeCheckFailureDoesNotBlockChain(t *testing.T) {
	executed := false
	k, _ := newTestKeeper(t, Config{
		Fees: &mockFees{fn: func(context.Context) (types.FeeSchedule, error) {
			return types.FeeSchedule{}, errors.New("rpc down")
		}},
		Harvester: &mockHarvester{
			shouldFn: func(context.Context) (bool, uint64, error) { return true, 1_000, nil },
			harvestFn: func(context.Context) (*types.HarvestBatchResult, error) {
				return &types.HarvestBatchResult{AmountWithdrawnToHolding: 500}, nil
			},
		},
		Planner: &mockPlanner{fn: func(context.Context, uint64, solana.PublicKey) (*types.DistributionPlan, error) {
			return &types.DistributionPlan{NoEligibleHolders: true}, nil
		}},
		Executor: &mockExecutor{fn: func(context.Context, *types.DistributionPlan) (*types.DistributionResult, error) {
			executed = true
			return &types.DistributionResult{}, nil
		}},
		Balances: &mockBalances{holding: 500, keeper: 10_000_000},
	})

	k.RunCycle(context.Background())
	assert.True(t, executed)
}

func TestRunCycleHarvestFailureAbortsChain(t *testing.T) {
	planned := false
	k, store := newTestKeeper(t, Config{
		Fees: okFees(),
		Harvester: &mockHarvester{
			shouldFn: func(context.Context) (bool, uint64, error) { return true, 1_000, nil },
			harvestFn: func(context.Context) (*types.HarvestBatchResult, error) {
				return nil, errors.New("enumeration failed")
			},
		},
		Planner: &mockPlanner{fn: func(context.Context, uint64, solana.PublicKey) (*types.DistributionPlan, error) {
			planned = true
			return nil, nil
		}},
		Executor: &mockExecutor{fn: func(context.Context, *types.DistributionPlan) (*types.DistributionResult, error) { return nil, nil }},
	})

	k.RunCycle(context.Background())

	assert.False(t, planned)
	require.Len(t, store.snaps, 1)
	assert.Equal(t, "harvest", store.snaps[0].FailedStage)
}

func TestRunCyclePlanFailureAbortsExecution(t *testing.T) {
	executed := false
	k, store := newTestKeeper(t, Config{
		Fees: okFees(),
		Harvester: &mockHarvester{
			shouldFn: func(context.Context) (bool, uint64, error) { return true, 1_000, nil },
			harvestFn: func(context.Context) (*types.HarvestBatchResult, error) {
				return &types.HarvestBatchResult{}, nil
			},
		},
		Planner: &mockPlanner{fn: func(context.Context, uint64, solana.PublicKey) (*types.DistributionPlan, error) {
			return nil, errors.New("price unavailable")
		}},
		Executor: &mockExecutor{fn: func(context.Context, *types.DistributionPlan) (*types.DistributionResult, error) {
			executed = true
			return nil, nil
		}},
		Balances: &mockBalances{holding: 700, keeper: 10_000_000},
	})

	k.RunCycle(context.Background())

	assert.False(t, executed)
	require.Len(t, store.snaps, 1)
	assert.Equal(t, "plan", store.snaps[0].FailedStage)
}

func TestRunCycleNextTickStartsFreshAfterFailure(t *testing.T) {
	attempt := 0
	k, store := newTestKeeper(t, Config{
		Fees: okFees(),
		Harvester: &mockHarvester{
			shouldFn: func(context.Context) (bool, uint64, error) { return true, 1_000, nil },
			harvestFn: func(context.Context) (*types.HarvestBatchResult, error) {
				attempt++
				if attempt == 1 {
					return nil, errors.New("transient")
				}
				return &types.HarvestBatchResult{}, nil
			},
		},
		Planner: &mockPlanner{fn: func(context.Context, uint64, solana.PublicKey) (*types.DistributionPlan, error) {
			return &types.DistributionPlan{NoEligibleHolders: true}, nil
		}},
		Executor: &mockExecutor{fn: func(context.Context, *types.DistributionPlan) (*types.DistributionResult, error) {
			return &types.DistributionResult{}, nil
		}},
		Balances: &mockBalances{holding: 100, keeper: 10_000_000},
	})

	k.RunCycle(context.Background())
	k.RunCycle(context.Background())

	require.Len(t, store.snaps, 2)
	assert.Equal(t, "harvest", store.snaps[0].FailedStage)
	assert.Empty(t, store.snaps[1].FailedStage)
	assert.Equal(t, 2, store.snaps[1].CycleNumber)
}
