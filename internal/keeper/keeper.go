// Package keeper drives the fee lifecycle: a timer-driven loop that checks
// the fee schedule every tick and, when enough fees have accumulated, runs
// the harvest, swap, plan and execute chain.
package keeper

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/miko-network/keeper/internal/config"
	"github.com/miko-network/keeper/internal/logger"
	"github.com/miko-network/keeper/internal/metrics"
	"github.com/miko-network/keeper/internal/swap"
	"github.com/miko-network/keeper/internal/types"
)

// FeeChecker reconciles the on-ledger fee rate with the schedule.
type FeeChecker interface {
	CheckAndApply(ctx context.Context) (types.FeeSchedule, error)
}

// Harvester gates and runs the harvest pass.
type Harvester interface {
	ShouldHarvest(ctx context.Context) (bool, uint64, error)
	HarvestCycle(ctx context.Context) (*types.HarvestBatchResult, error)
}

// Planner builds the distribution plan for the available amount and
// settles the rollover row once a distribution delivered.
type Planner interface {
	BuildPlan(ctx context.Context, available uint64, rewardAsset solana.PublicKey) (*types.DistributionPlan, error)
	CommitRollover(ctx context.Context, plan *types.DistributionPlan, result *types.DistributionResult) error
}

// Executor delivers a plan.
type Executor interface {
	Execute(ctx context.Context, plan *types.DistributionPlan) (*types.DistributionResult, error)
}

// BalanceReader is the slice of the ledger the driver itself needs.
type BalanceReader interface {
	HoldingBalance(ctx context.Context) (uint64, error)
	KeeperBalance(ctx context.Context) (uint64, error)
}

// CycleStore persists cycle numbers and snapshots.
type CycleStore interface {
	IncrementCycleNumber(ctx context.Context) (int, error)
	SaveCycleSnapshot(ctx context.Context, snap *types.CycleSnapshot) error
}

// Config holds the collaborators for a Keeper instance.
type Config struct {
	AppConfig *config.Config
	Fees      FeeChecker
	Harvester Harvester
	Planner   Planner
	Executor  Executor
	Venue     swap.Venue // nil disables the swap stage
	Balances  BalanceReader
	Store     CycleStore
	Clock     clockwork.Clock
}

func validateKeeperConfig(cfg Config) error {
	if cfg.AppConfig == nil {
		return fmt.Errorf("app config cannot be nil")
	}
	if cfg.Fees == nil {
		return fmt.Errorf("fee checker cannot be nil")
	}
	if cfg.Harvester == nil {
		return fmt.Errorf("harvester cannot be nil")
	}
	if cfg.Planner == nil {
		return fmt.Errorf("planner cannot be nil")
	}
	if cfg.Executor == nil {
		return fmt.Errorf("executor cannot be nil")
	}
	if cfg.Balances == nil {
		return fmt.Errorf("balance reader cannot be nil")
	}
	if cfg.Store == nil {
		return fmt.Errorf("cycle store cannot be nil")
	}
	return nil
}

// Keeper is the cycle driver. Cycles run strictly sequentially.
type Keeper struct {
	logger zerolog.Logger
	cfg    *config.Config

	fees      FeeChecker
	harvester Harvester
	planner   Planner
	executor  Executor
	venue     swap.Venue
	balances  BalanceReader
	store     CycleStore
	clock     clockwork.Clock

	stageTimeout time.Duration
}

// New creates a Keeper with dependency injection.
func New(cfg Config) (*Keeper, error) {
	if err := validateKeeperConfig(cfg); err != nil {
		return nil, fmt.Errorf("keeper configuration validation failed: %w", err)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	k := &Keeper{
		logger:       logger.GetForComponent("keeper_core"),
		cfg:          cfg.AppConfig,
		fees:         cfg.Fees,
		harvester:    cfg.Harvester,
		planner:      cfg.Planner,
		executor:     cfg.Executor,
		venue:        cfg.Venue,
		balances:     cfg.Balances,
		store:        cfg.Store,
		clock:        cfg.Clock,
		stageTimeout: time.Duration(cfg.AppConfig.StageTimeoutSeconds) * time.Second,
	}

	k.logger.Info().
		Str("rewardAsset", k.cfg.RewardAsset.String()).
		Bool("swapEnabled", k.venue != nil).
		Msg("Keeper instance created successfully with dependency injection")
	return k, nil
}

// RunLoop starts the main keeper loop with the specified interval.
func (k *Keeper) RunLoop(ctx context.Context, interval time.Duration) {
	k.logger.Info().
		Dur("interval", interval).
		Msg("Starting keeper main loop")

	ticker := k.clock.NewTicker(interval)
	defer ticker.Stop()

	// Run first cycle immediately
	k.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			k.logger.Info().Msg("Keeper loop stopped due to context cancellation")
			return
		case <-ticker.Chan():
			k.RunCycle(ctx)
		}
	}
}

// RunCycle executes one complete keeper cycle. A stage failure inside the
// harvest chain aborts the rest of the chain for this tick only; the next
// tick starts fresh.
func (k *Keeper) RunCycle(ctx context.Context) {
	cycleStartTime := k.clock.Now()
	metrics.CyclesTotal.Inc()

	// Unique cycle ID for tracing logs across the entire cycle
	cycleID := uuid.New().String()
	cycleLogger := k.logger.With().Str("cycle_id", cycleID).Logger()

	cycleLogger.Info().Msg("--- Starting Keeper Cycle ---")

	cycleNumber, err := k.store.IncrementCycleNumber(ctx)
	if err != nil {
		cycleLogger.Error().Err(err).Msg("Cycle aborted: Failed to increment cycle counter.")
		return
	}

	snap := &types.CycleSnapshot{
		CycleNumber: cycleNumber,
		CycleID:     cycleID,
		StartedAt:   cycleStartTime,
	}
	defer func() {
		snap.DurationMs = k.clock.Since(cycleStartTime).Milliseconds()
		if err := k.store.SaveCycleSnapshot(ctx, snap); err != nil {
			cycleLogger.Error().Err(err).Msg("Failed to save cycle snapshot")
		}
		cycleLogger.Info().
			Int64("durationMs", snap.DurationMs).
			Str("failedStage", snap.FailedStage).
			Msg("--- Keeper Cycle Finished ---")
	}()

	// --- Step 1: Fee schedule check (always runs) ---
	cycleLogger.Info().Msg("Step 1: Checking fee schedule...")
	sched, err := k.runFeeCheck(ctx)
	if err != nil {
		// Non-fatal: the harvest chain does not depend on the fee check.
		cycleLogger.Warn().Err(err).Msg("Fee check failed, continuing cycle")
		metrics.StageFailuresTotal.WithLabelValues("fee_check").Inc()
	} else {
		snap.FeeRateBps = sched.CurrentRateBps
		snap.FeeFinalized = sched.Finalized
		metrics.FeeRateBps.Set(float64(sched.CurrentRateBps))
		if sched.Finalized {
			metrics.FeeFinalized.Set(1)
		}
	}

	k.checkKeeperBalance(ctx, cycleLogger)

	// --- Step 2: Harvest readiness ---
	cycleLogger.Info().Msg("Step 2: Evaluating harvest readiness...")
	due, accumulated, err := k.runShouldHarvest(ctx)
	if err != nil {
		cycleLogger.Error().Err(err).Msg("Cycle aborted: Failed to evaluate harvest readiness.")
		snap.FailedStage = "harvest_check"
		metrics.StageFailuresTotal.WithLabelValues("harvest_check").Inc()
		return
	}
	snap.AccumulatedFees = accumulated
	metrics.AccumulatedFeesBaseUnits.Set(float64(accumulated))

	if !due {
		cycleLogger.Info().
			Uint64("accumulated", accumulated).
			Msg("Accumulated fees below threshold, nothing to do this cycle")
		return
	}
	snap.HarvestRan = true
	metrics.HarvestCyclesTotal.Inc()

	// --- Step 3: Harvest ---
	cycleLogger.Info().Msg("Step 3: Harvesting withheld fees...")
	harvestResult, err := k.runHarvest(ctx)
	if err != nil {
		cycleLogger.Error().Err(err).Msg("Cycle aborted: Harvest failed.")
		snap.FailedStage = "harvest"
		metrics.StageFailuresTotal.WithLabelValues("harvest").Inc()
		return
	}
	snap.Harvest = harvestResult
	metrics.HarvestedBaseUnitsTotal.Add(float64(harvestResult.AmountWithdrawnToHolding))

	// The authoritative distributable figure is the holding balance, not
	// any per-batch sum; it also picks up leftovers from crashed cycles.
	available, err := k.balances.HoldingBalance(ctx)
	if err != nil {
		cycleLogger.Error().Err(err).Msg("Cycle aborted: Failed to read holding balance.")
		snap.FailedStage = "harvest"
		metrics.StageFailuresTotal.WithLabelValues("harvest").Inc()
		return
	}
	if available == 0 {
		cycleLogger.Info().Msg("Holding account empty after harvest, nothing to distribute")
		return
	}

	// --- Step 4: Swap into the reward asset ---
	distributable := available
	if k.venue != nil && !k.cfg.RewardAsset.Equals(k.cfg.TokenMint) {
		cycleLogger.Info().Uint64("amount", available).Msg("Step 4: Swapping harvested tokens into reward asset...")
		swapResult, err := k.runSwap(ctx, available)
		if err != nil {
			// Funds stay in the holding account and are retried next cycle.
			cycleLogger.Error().Err(err).Msg("Cycle aborted: Swap failed.")
			snap.FailedStage = "swap"
			metrics.StageFailuresTotal.WithLabelValues("swap").Inc()
			return
		}
		snap.Swap = swapResult
		distributable = swapResult.OutAmount
	} else {
		cycleLogger.Info().Msg("Step 4: Swap stage skipped, distributing the token directly")
	}

	// --- Step 5: Plan ---
	cycleLogger.Info().Uint64("distributable", distributable).Msg("Step 5: Building distribution plan...")
	plan, err := k.runPlan(ctx, distributable)
	if err != nil {
		cycleLogger.Error().Err(err).Msg("Cycle aborted: Planning failed.")
		snap.FailedStage = "plan"
		metrics.StageFailuresTotal.WithLabelValues("plan").Inc()
		return
	}
	snap.Plan = plan
	if plan.Price.Source == types.PriceSourceEstimate {
		metrics.PriceEstimateUsed.Inc()
	}

	// --- Step 6: Execute ---
	cycleLogger.Info().Int("recipients", len(plan.Recipients)).Msg("Step 6: Executing distribution...")
	result, err := k.runExecute(ctx, plan)
	if result != nil {
		// Even a partially executed result is recorded: failed recipients
		// and already-submitted signatures must survive for reconciliation.
		snap.Distribution = result
		metrics.DistributedBaseUnitsTotal.Add(float64(result.Distributed))
		metrics.FailedRecipientsTotal.Add(float64(result.Failed))

		// The rollover row is only replaced once something was delivered;
		// otherwise the folded amount stays durable for the next cycle.
		if commitErr := k.planner.CommitRollover(ctx, plan, result); commitErr != nil {
			cycleLogger.Error().Err(commitErr).Msg("Failed to settle rollover after distribution")
		} else if result.Succeeded > 0 {
			metrics.RolloverBaseUnits.WithLabelValues(plan.RewardAsset.String()).Set(float64(plan.RolloverAmount))
		}
	}
	if err != nil {
		cycleLogger.Error().Err(err).Msg("Cycle aborted: Distribution failed.")
		snap.FailedStage = "execute"
		metrics.StageFailuresTotal.WithLabelValues("execute").Inc()
		return
	}

	cycleLogger.Info().
		Uint64("distributed", result.Distributed).
		Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).
		Uint64("rollover", plan.RolloverAmount).
		Msg("Cycle chain complete")
}

func (k *Keeper) checkKeeperBalance(ctx context.Context, cycleLogger zerolog.Logger) {
	stageCtx, cancel := context.WithTimeout(ctx, k.stageTimeout)
	defer cancel()

	balance, err := k.balances.KeeperBalance(stageCtx)
	if err != nil {
		cycleLogger.Warn().Err(err).Msg("Could not read keeper balance")
		return
	}
	metrics.KeeperBalanceLamports.Set(float64(balance))
	if balance < k.cfg.MinKeeperBalanceLamports {
		cycleLogger.Warn().
			Uint64("balance", balance).
			Uint64("minimum", k.cfg.MinKeeperBalanceLamports).
			Msg("Keeper SOL balance below minimum, transactions may start failing")
	}
}

func (k *Keeper) runFeeCheck(ctx context.Context) (types.FeeSchedule, error) {
	stageCtx, cancel := context.WithTimeout(ctx, k.stageTimeout)
	defer cancel()
	return k.fees.CheckAndApply(stageCtx)
}

func (k *Keeper) runShouldHarvest(ctx context.Context) (bool, uint64, error) {
	stageCtx, cancel := context.WithTimeout(ctx, k.stageTimeout)
	defer cancel()
	return k.harvester.ShouldHarvest(stageCtx)
}

func (k *Keeper) runHarvest(ctx context.Context) (*types.HarvestBatchResult, error) {
	stageCtx, cancel := context.WithTimeout(ctx, k.stageTimeout)
	defer cancel()
	return k.harvester.HarvestCycle(stageCtx)
}

func (k *Keeper) runSwap(ctx context.Context, amount uint64) (*types.SwapResult, error) {
	stageCtx, cancel := context.WithTimeout(ctx, k.stageTimeout)
	defer cancel()

	quote, err := k.venue.Quote(stageCtx, k.cfg.TokenMint, k.cfg.RewardAsset, amount)
	if err != nil {
		return nil, err
	}
	return k.venue.Execute(stageCtx, quote)
}

func (k *Keeper) runPlan(ctx context.Context, distributable uint64) (*types.DistributionPlan, error) {
	stageCtx, cancel := context.WithTimeout(ctx, k.stageTimeout)
	defer cancel()
	return k.planner.BuildPlan(stageCtx, distributable, k.cfg.RewardAsset)
}

func (k *Keeper) runExecute(ctx context.Context, plan *types.DistributionPlan) (*types.DistributionResult, error) {
	stageCtx, cancel := context.WithTimeout(ctx, k.stageTimeout)
	defer cancel()
	return k.executor.Execute(stageCtx, plan)
}
