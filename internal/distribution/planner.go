// Package distribution turns harvested fees into payouts: the Planner
// decides who gets how much, the Executor delivers it.
package distribution

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"

	"github.com/miko-network/keeper/internal/logger"
	"github.com/miko-network/keeper/internal/types"
)

var (
	// ErrConservationViolation means planned shares plus rollover would not
	// equal the distributable total. Such a plan is refused outright.
	ErrConservationViolation = errors.New("distribution plan violates conservation")
	// ErrAmountOverflow means folding rollover into the available amount
	// overflowed uint64.
	ErrAmountOverflow = errors.New("distributable amount overflows uint64")
	// ErrPriceUnavailable means no usable price could be obtained, so
	// eligibility cannot be evaluated.
	ErrPriceUnavailable = errors.New("token price unavailable")
)

// RolloverStore is the slice of durable state the planner owns. The
// planner is the only writer of rollover rows.
type RolloverStore interface {
	GetRollover(ctx context.Context, asset solana.PublicKey) (types.RolloverState, error)
	SetRollover(ctx context.Context, asset solana.PublicKey, amount uint64) error
}

// HolderSource supplies the holder snapshot and the eligibility price.
type HolderSource interface {
	Snapshot(ctx context.Context) ([]types.HolderBalance, error)
	Price(ctx context.Context) (types.PriceQuote, error)
}

// ExclusionSet filters addresses that never receive payouts.
type ExclusionSet interface {
	Refresh(ctx context.Context, holders []types.HolderBalance) error
	IsExcluded(addr solana.PublicKey) bool
}

// Planner builds distribution plans with proportional floor-division
// shares and per-asset rollover.
type Planner struct {
	store             RolloverStore
	source            HolderSource
	exclusions        ExclusionSet
	minHolderValueUSD float64
	tokenDecimals     uint8
	logger            zerolog.Logger
}

func NewPlanner(store RolloverStore, source HolderSource, exclusions ExclusionSet, minHolderValueUSD float64, tokenDecimals uint8) (*Planner, error) {
	if store == nil || source == nil || exclusions == nil {
		return nil, errors.New("distribution: store, source and exclusions are required")
	}
	return &Planner{
		store:             store,
		source:            source,
		exclusions:        exclusions,
		minHolderValueUSD: minHolderValueUSD,
		tokenDecimals:     tokenDecimals,
		logger:            logger.GetForComponent("planner"),
	}, nil
}

// BuildPlan folds the matching rollover row into the available amount,
// filters holders, and splits the total proportionally by balance with
// floor division. The folded row is NOT consumed here: it stays durable
// until CommitRollover observes a delivery, so a crash between planning
// and execution re-folds the same amount instead of dropping it. The
// no-eligible path is the exception — there the write only grows the row.
func (p *Planner) BuildPlan(ctx context.Context, available uint64, rewardAsset solana.PublicKey) (*types.DistributionPlan, error) {
	rollover, err := p.store.GetRollover(ctx, rewardAsset)
	if err != nil {
		return nil, err
	}

	total := available + rollover.Amount
	if total < available {
		return nil, fmt.Errorf("%w: %d + %d", ErrAmountOverflow, available, rollover.Amount)
	}

	plan := &types.DistributionPlan{RewardAsset: rewardAsset, TotalAmount: total}
	if total == 0 {
		plan.NoEligibleHolders = true
		return plan, nil
	}

	holders, err := p.source.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch holder snapshot: %w", err)
	}

	// Refresh exclusions against this exact snapshot so a pool vault that
	// appeared since the last cycle cannot slip through.
	if err := p.exclusions.Refresh(ctx, holders); err != nil {
		return nil, fmt.Errorf("failed to refresh exclusions: %w", err)
	}

	price, err := p.source.Price(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	plan.Price = price
	plan.HoldersConsidered = len(holders)

	var eligible []types.HolderBalance
	for _, h := range holders {
		if p.exclusions.IsExcluded(h.Address) {
			plan.HoldersExcluded++
			continue
		}
		valueUSD := types.UiAmount(h.Balance, p.tokenDecimals) * price.PriceUSD
		if valueUSD >= p.minHolderValueUSD {
			eligible = append(eligible, h)
		}
	}

	if len(eligible) == 0 {
		plan.NoEligibleHolders = true
		plan.RolloverAmount = total
		if err := p.store.SetRollover(ctx, rewardAsset, total); err != nil {
			return nil, err
		}
		p.logger.Info().
			Uint64("total", total).
			Str("reward_asset", rewardAsset.String()).
			Msg("No eligible holders, full amount rolled over")
		return plan, nil
	}

	if err := p.allocate(plan, eligible, price.PriceUSD); err != nil {
		return nil, err
	}

	p.logger.Info().
		Uint64("total", total).
		Uint64("rollover_folded", rollover.Amount).
		Int("recipients", len(plan.Recipients)).
		Uint64("rollover_remainder", plan.RolloverAmount).
		Str("price_source", string(price.Source)).
		Msg("Distribution plan built")
	return plan, nil
}

// CommitRollover settles the plan's rollover row after execution. The row
// is replaced with the plan's remainder only once at least one batch
// delivered; until then the previously folded amount stays durable, so
// the next cycle folds it again rather than losing it. The executor
// itself never writes rollover.
func (p *Planner) CommitRollover(ctx context.Context, plan *types.DistributionPlan, result *types.DistributionResult) error {
	if plan == nil || result == nil || result.Succeeded == 0 {
		return nil
	}
	if err := p.store.SetRollover(ctx, plan.RewardAsset, plan.RolloverAmount); err != nil {
		return fmt.Errorf("failed to commit rollover: %w", err)
	}
	p.logger.Info().
		Uint64("rollover_remainder", plan.RolloverAmount).
		Str("reward_asset", plan.RewardAsset.String()).
		Msg("Rollover settled after distribution")
	return nil
}

// allocate splits plan.TotalAmount across the eligible holders in
// proportion to balance. Shares are floor(total * balance / sumBalance) in
// big.Int: the product overflows uint64 for realistic supplies.
func (p *Planner) allocate(plan *types.DistributionPlan, eligible []types.HolderBalance, priceUSD float64) error {
	sumBalance := new(big.Int)
	for _, h := range eligible {
		sumBalance.Add(sumBalance, new(big.Int).SetUint64(h.Balance))
	}
	if sumBalance.Sign() == 0 {
		return fmt.Errorf("%w: eligible holders with zero total balance", ErrConservationViolation)
	}

	total := new(big.Int).SetUint64(plan.TotalAmount)
	distributed := uint64(0)
	for _, h := range eligible {
		share := new(big.Int).Mul(total, new(big.Int).SetUint64(h.Balance))
		share.Div(share, sumBalance)
		if !share.IsUint64() {
			return fmt.Errorf("%w: share overflows uint64", ErrConservationViolation)
		}
		amount := share.Uint64()
		if amount == 0 {
			continue
		}
		distributed += amount
		plan.Recipients = append(plan.Recipients, types.Recipient{
			Address:  h.Address,
			Balance:  h.Balance,
			ValueUSD: types.UiAmount(h.Balance, p.tokenDecimals) * priceUSD,
			Amount:   amount,
		})
	}

	if distributed > plan.TotalAmount {
		return fmt.Errorf("%w: distributed %d > total %d", ErrConservationViolation, distributed, plan.TotalAmount)
	}
	plan.RolloverAmount = plan.TotalAmount - distributed
	return nil
}
