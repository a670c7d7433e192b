package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/miko-network/keeper/internal/types"
)

// GetRollover reads the rollover row for one reward asset. A missing row
// reads as a zero rollover for that asset.
func (s *Store) GetRollover(ctx context.Context, asset solana.PublicKey) (types.RolloverState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT amount::TEXT, updated_at FROM rollover_state WHERE reward_asset = $1`,
		asset.String())

	var amountStr string
	var updatedAt time.Time
	if err := row.Scan(&amountStr, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.RolloverState{RewardAsset: asset}, nil
		}
		return types.RolloverState{}, fmt.Errorf("failed to read rollover for %s: %w", asset, err)
	}

	amount, err := strconv.ParseUint(amountStr, 10, 64)
	if err != nil {
		return types.RolloverState{}, fmt.Errorf("corrupt rollover amount %q for %s: %w", amountStr, asset, err)
	}
	return types.RolloverState{RewardAsset: asset, Amount: amount, UpdatedAt: updatedAt}, nil
}

// SetRollover upserts the rollover row for one reward asset.
func (s *Store) SetRollover(ctx context.Context, asset solana.PublicKey, amount uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rollover_state (reward_asset, amount, updated_at)
		VALUES ($1, $2, CURRENT_TIMESTAMP)
		ON CONFLICT (reward_asset)
		DO UPDATE SET amount = EXCLUDED.amount, updated_at = CURRENT_TIMESTAMP`,
		asset.String(), strconv.FormatUint(amount, 10))
	if err != nil {
		return fmt.Errorf("failed to write rollover for %s: %w", asset, err)
	}
	return nil
}

// ListRollover returns all rollover rows, including stranded rows for
// reward assets that are no longer active.
func (s *Store) ListRollover(ctx context.Context) ([]types.RolloverState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT reward_asset, amount::TEXT, updated_at FROM rollover_state ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rollover rows: %w", err)
	}
	defer rows.Close()

	var states []types.RolloverState
	for rows.Next() {
		var assetStr, amountStr string
		var updatedAt time.Time
		if err := rows.Scan(&assetStr, &amountStr, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rollover row: %w", err)
		}
		asset, err := solana.PublicKeyFromBase58(assetStr)
		if err != nil {
			return nil, fmt.Errorf("corrupt rollover asset %q: %w", assetStr, err)
		}
		amount, err := strconv.ParseUint(amountStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt rollover amount %q: %w", amountStr, err)
		}
		states = append(states, types.RolloverState{RewardAsset: asset, Amount: amount, UpdatedAt: updatedAt})
	}
	return states, rows.Err()
}
