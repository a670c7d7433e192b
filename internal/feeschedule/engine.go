// Package feeschedule walks the mint's transfer fee down the launch
// schedule and finalizes it at the permanent rate.
package feeschedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/miko-network/keeper/internal/logger"
	"github.com/miko-network/keeper/internal/types"
)

// CurrentRate maps elapsed time since launch onto the schedule. Pure: a
// nil launch means pre-launch and holds the launch rate, the boundaries
// are inclusive on entry to the lower tier.
func CurrentRate(now time.Time, launch *time.Time) (bps uint16, finalized bool) {
	if launch == nil {
		return types.LaunchFeeBps, false
	}
	elapsed := now.Sub(*launch)
	switch {
	case elapsed < types.MidFeeAfter:
		return types.LaunchFeeBps, false
	case elapsed < types.PermanentFeeAfter:
		return types.MidFeeBps, false
	default:
		return types.PermanentFeeBps, true
	}
}

// RateLedger is the slice of the ledger the engine needs.
type RateLedger interface {
	ReadCurrentFeeRate(ctx context.Context) (uint16, error)
	ApplyFeeRateUpdate(ctx context.Context, newRateBps uint16, finalize bool) (string, error)
	LaunchTimestamp(ctx context.Context) (*time.Time, error)
	BlockTime(ctx context.Context) (time.Time, error)
}

// FinalityStore persists the terminal-rate marker.
type FinalityStore interface {
	IsFeeFinalized(ctx context.Context) (bool, error)
	MarkFeeFinalized(ctx context.Context) error
}

// Config wires an Engine.
type Config struct {
	Ledger RateLedger
	Store  FinalityStore
	Clock  clockwork.Clock
}

// Validate checks required collaborators and defaults the clock.
func (c *Config) Validate() error {
	if c.Ledger == nil {
		return errors.New("feeschedule: Ledger is required")
	}
	if c.Store == nil {
		return errors.New("feeschedule: Store is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Engine drives the on-ledger rate toward the schedule. CheckAndApply is
// serialized; once finality is persisted the engine never touches the
// ledger again.
type Engine struct {
	ledger RateLedger
	store  FinalityStore
	clock  clockwork.Clock
	logger zerolog.Logger

	mu        sync.Mutex
	finalized bool
}

func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		ledger: cfg.Ledger,
		store:  cfg.Store,
		clock:  cfg.Clock,
		logger: logger.GetForComponent("feeschedule"),
	}, nil
}

// CheckAndApply reconciles the on-ledger rate with the schedule. At most
// one update action per call; the rate only ever moves down. The returned
// schedule reflects what the engine observed this call.
func (e *Engine) CheckAndApply(ctx context.Context) (types.FeeSchedule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.finalized {
		return types.FeeSchedule{CurrentRateBps: types.PermanentFeeBps, Finalized: true}, nil
	}

	finalized, err := e.store.IsFeeFinalized(ctx)
	if err != nil {
		return types.FeeSchedule{}, fmt.Errorf("failed to read fee finality: %w", err)
	}
	if finalized {
		e.finalized = true
		return types.FeeSchedule{CurrentRateBps: types.PermanentFeeBps, Finalized: true}, nil
	}

	launch, err := e.ledger.LaunchTimestamp(ctx)
	if err != nil {
		return types.FeeSchedule{}, fmt.Errorf("failed to read launch timestamp: %w", err)
	}
	if launch == nil {
		e.logger.Debug().Msg("Token not launched yet, fee check skipped")
		return types.FeeSchedule{CurrentRateBps: types.LaunchFeeBps}, nil
	}

	// Prefer the cluster clock; schedule boundaries are defined against
	// ledger time, not keeper wall time.
	now, err := e.ledger.BlockTime(ctx)
	if err != nil {
		e.logger.Debug().Err(err).Msg("Block time unavailable, using local clock")
		now = e.clock.Now()
	}

	target, finalize := CurrentRate(now, launch)

	// Never trust cached state: read what the ledger actually has.
	actual, err := e.ledger.ReadCurrentFeeRate(ctx)
	if err != nil {
		return types.FeeSchedule{}, fmt.Errorf("failed to read on-ledger fee rate: %w", err)
	}

	sched := types.FeeSchedule{LaunchTimestamp: launch, CurrentRateBps: actual}

	switch {
	case target < actual:
		sig, err := e.ledger.ApplyFeeRateUpdate(ctx, target, finalize)
		if err != nil {
			e.logger.Warn().Err(err).
				Uint16("target_bps", target).
				Uint16("actual_bps", actual).
				Msg("Fee update failed, will retry next tick")
			return sched, fmt.Errorf("failed to apply fee update: %w", err)
		}
		e.logger.Info().
			Uint16("from_bps", actual).
			Uint16("to_bps", target).
			Str("tx", sig).
			Msg("Fee rate lowered")
		sched.CurrentRateBps = target
		if finalize {
			if err := e.persistFinality(ctx, &sched); err != nil {
				return sched, err
			}
		}

	case finalize && actual <= types.PermanentFeeBps:
		// Already at (or below) the permanent rate; just record finality.
		if err := e.persistFinality(ctx, &sched); err != nil {
			return sched, err
		}

	case target > actual:
		// The ledger is ahead of the schedule. Rates never go back up.
		e.logger.Warn().
			Uint16("target_bps", target).
			Uint16("actual_bps", actual).
			Msg("On-ledger rate below schedule target, leaving it alone")
	}

	return sched, nil
}

// persistFinality records the terminal rate durably before trusting memory.
func (e *Engine) persistFinality(ctx context.Context, sched *types.FeeSchedule) error {
	if err := e.store.MarkFeeFinalized(ctx); err != nil {
		return fmt.Errorf("failed to persist fee finality: %w", err)
	}
	e.finalized = true
	sched.Finalized = true
	e.logger.Info().Msg("Fee schedule finalized at permanent rate")
	return nil
}
