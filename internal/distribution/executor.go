package distribution

import (
	"context"
	"errors"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"

	"github.com/miko-network/keeper/internal/ledger"
	"github.com/miko-network/keeper/internal/logger"
	"github.com/miko-network/keeper/internal/types"
)

// TransferLedger is the slice of the ledger the executor needs.
type TransferLedger interface {
	TransferBatch(ctx context.Context, asset solana.PublicKey, transfers []ledger.Transfer) (string, error)
}

// Executor delivers a plan in independent batches. A failed batch is
// recorded and skipped; the rest of the plan still goes out. The executor
// never touches rollover state.
type Executor struct {
	ledger    TransferLedger
	batchSize int
	logger    zerolog.Logger
}

func NewExecutor(transferLedger TransferLedger, batchSize int) (*Executor, error) {
	if transferLedger == nil {
		return nil, errors.New("distribution: transfer ledger is required")
	}
	if batchSize <= 0 {
		return nil, errors.New("distribution: batch size must be positive")
	}
	return &Executor{
		ledger:    transferLedger,
		batchSize: batchSize,
		logger:    logger.GetForComponent("executor"),
	}, nil
}

// Execute pays out the plan. A plan with no recipients succeeds
// immediately with nothing distributed.
func (e *Executor) Execute(ctx context.Context, plan *types.DistributionPlan) (*types.DistributionResult, error) {
	result := &types.DistributionResult{}
	if plan.NoEligibleHolders || len(plan.Recipients) == 0 {
		e.logger.Info().Msg("Nothing to distribute this cycle")
		return result, nil
	}

	for start := 0; start < len(plan.Recipients); start += e.batchSize {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		end := start + e.batchSize
		if end > len(plan.Recipients) {
			end = len(plan.Recipients)
		}
		batch := plan.Recipients[start:end]

		transfers := make([]ledger.Transfer, len(batch))
		for i, r := range batch {
			transfers[i] = ledger.Transfer{Recipient: r.Address, Amount: r.Amount}
		}

		sig, err := e.ledger.TransferBatch(ctx, plan.RewardAsset, transfers)
		if err != nil {
			result.Failed += len(batch)
			for _, r := range batch {
				result.FailedRecipients = append(result.FailedRecipients, types.FailedRecipient{
					Address: r.Address,
					Amount:  r.Amount,
					Reason:  err.Error(),
				})
			}
			e.logger.Error().Err(err).
				Int("batch_start", start).
				Int("batch_size", len(batch)).
				Msg("Distribution batch failed, continuing with next batch")
			continue
		}

		result.Succeeded += len(batch)
		result.TxSignatures = append(result.TxSignatures, sig)
		for _, r := range batch {
			result.Distributed += r.Amount
		}
	}

	e.logger.Info().
		Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).
		Uint64("distributed", result.Distributed).
		Msg("Distribution complete")
	return result, nil
}
