// Package harvest moves withheld transfer fees from holder accounts onto
// the mint and from the mint into the keeper's holding account.
package harvest

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"

	"github.com/miko-network/keeper/internal/logger"
	"github.com/miko-network/keeper/internal/types"
)

const batchRetries = 2

// HarvestLedger is the slice of the ledger the coordinator needs.
type HarvestLedger interface {
	ListWithheldAccounts(ctx context.Context) ([]types.WithheldAccount, int, error)
	MintWithheldAmount(ctx context.Context) (uint64, error)
	HarvestBatch(ctx context.Context, accounts []solana.PublicKey) (string, error)
	WithdrawMintWithheld(ctx context.Context) (string, error)
	HoldingBalance(ctx context.Context) (uint64, error)
}

// Coordinator batches harvests against the configured threshold.
type Coordinator struct {
	ledger    HarvestLedger
	threshold uint64
	batchSize int
	logger    zerolog.Logger
}

// NewCoordinator wires a harvest coordinator. threshold is in base units.
func NewCoordinator(ledger HarvestLedger, threshold uint64, batchSize int) (*Coordinator, error) {
	if ledger == nil {
		return nil, errors.New("harvest: ledger is required")
	}
	if threshold == 0 {
		return nil, errors.New("harvest: threshold must be positive")
	}
	if batchSize <= 0 {
		return nil, errors.New("harvest: batch size must be positive")
	}
	return &Coordinator{
		ledger:    ledger,
		threshold: threshold,
		batchSize: batchSize,
		logger:    logger.GetForComponent("harvest"),
	}, nil
}

// AccumulatedFees totals every fee position the keeper can see: the
// holding account, per-account withheld balances, and the mint's withheld
// balance.
func (c *Coordinator) AccumulatedFees(ctx context.Context) (uint64, error) {
	holding, err := c.ledger.HoldingBalance(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read holding balance: %w", err)
	}
	accounts, _, err := c.ledger.ListWithheldAccounts(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to enumerate withheld accounts: %w", err)
	}
	total := holding
	for _, acct := range accounts {
		total += acct.Withheld
	}
	mintWithheld, err := c.ledger.MintWithheldAmount(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read mint withheld amount: %w", err)
	}
	return total + mintWithheld, nil
}

// ShouldHarvest reports whether a harvest is due. Either trigger suffices:
// the holding account already clears the threshold, or the uncollected
// withheld total (accounts plus mint) does.
func (c *Coordinator) ShouldHarvest(ctx context.Context) (bool, uint64, error) {
	holding, err := c.ledger.HoldingBalance(ctx)
	if err != nil {
		return false, 0, fmt.Errorf("failed to read holding balance: %w", err)
	}
	if holding >= c.threshold {
		return true, holding, nil
	}

	accounts, _, err := c.ledger.ListWithheldAccounts(ctx)
	if err != nil {
		return false, holding, fmt.Errorf("failed to enumerate withheld accounts: %w", err)
	}
	withheld := uint64(0)
	for _, acct := range accounts {
		withheld += acct.Withheld
	}
	mintWithheld, err := c.ledger.MintWithheldAmount(ctx)
	if err != nil {
		return false, holding, fmt.Errorf("failed to read mint withheld amount: %w", err)
	}

	total := holding + withheld + mintWithheld
	return withheld+mintWithheld >= c.threshold, total, nil
}

// HarvestCycle runs one full harvest pass: batch-harvest every account
// carrying withheld fees, then withdraw the mint's withheld balance into
// the holding account. Batch failures are isolated; the authoritative
// harvested figure is the holding balance delta across the pass.
func (c *Coordinator) HarvestCycle(ctx context.Context) (*types.HarvestBatchResult, error) {
	before, err := c.ledger.HoldingBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read holding balance before harvest: %w", err)
	}

	accounts, skipped, err := c.ledger.ListWithheldAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate withheld accounts: %w", err)
	}

	result := &types.HarvestBatchResult{AccountsSkipped: skipped}

	for start := 0; start < len(accounts); start += c.batchSize {
		end := start + c.batchSize
		if end > len(accounts) {
			end = len(accounts)
		}
		batch := accounts[start:end]

		addrs := make([]solana.PublicKey, len(batch))
		batchWithheld := uint64(0)
		for i, acct := range batch {
			addrs[i] = acct.Address
			batchWithheld += acct.Withheld
		}

		sig, err := c.harvestWithRetry(ctx, addrs)
		if err != nil {
			result.BatchesFailed++
			c.logger.Error().Err(err).
				Int("batch_start", start).
				Int("batch_size", len(batch)).
				Msg("Harvest batch failed, continuing with next batch")
			continue
		}
		result.BatchesSucceeded++
		result.AccountsProcessed += len(batch)
		result.AmountHarvestedToMint += batchWithheld
		result.TxSignatures = append(result.TxSignatures, sig)
	}

	// Withdraw is unconditional: earlier passes may have left fees sitting
	// on the mint even when no account had anything to harvest.
	sig, err := c.ledger.WithdrawMintWithheld(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("Mint withdrawal failed")
	} else {
		result.TxSignatures = append(result.TxSignatures, sig)
	}

	after, err := c.ledger.HoldingBalance(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to read holding balance after harvest: %w", err)
	}
	if after > before {
		result.AmountWithdrawnToHolding = after - before
	}

	c.logger.Info().
		Int("accounts_processed", result.AccountsProcessed).
		Int("accounts_skipped", result.AccountsSkipped).
		Int("batches_failed", result.BatchesFailed).
		Uint64("harvested_to_mint", result.AmountHarvestedToMint).
		Uint64("withdrawn_to_holding", result.AmountWithdrawnToHolding).
		Msg("Harvest pass complete")
	return result, nil
}

func (c *Coordinator) harvestWithRetry(ctx context.Context, addrs []solana.PublicKey) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= batchRetries; attempt++ {
		sig, err := c.ledger.HarvestBatch(ctx, addrs)
		if err == nil {
			return sig, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		c.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("Harvest batch attempt failed")
	}
	return "", lastErr
}
