package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/lib/pq"

	"github.com/miko-network/keeper/internal/types"
)

// SaveCycleSnapshot persists the full record of one cycle: indexed columns
// for the common queries plus the whole snapshot as JSONB.
func (s *Store) SaveCycleSnapshot(ctx context.Context, snap *types.CycleSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal cycle snapshot: %w", err)
	}

	var sigs []string
	if snap.Harvest != nil {
		sigs = append(sigs, snap.Harvest.TxSignatures...)
	}
	if snap.Swap != nil && snap.Swap.TxSignature != "" {
		sigs = append(sigs, snap.Swap.TxSignature)
	}
	if snap.Distribution != nil {
		sigs = append(sigs, snap.Distribution.TxSignatures...)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cycle_snapshots (
			cycle_number, cycle_id, started_at, duration_ms,
			fee_rate_bps, fee_finalized, accumulated_fees, harvest_ran,
			failed_stage, tx_signatures, snapshot
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11)`,
		snap.CycleNumber, snap.CycleID, snap.StartedAt, snap.DurationMs,
		int(snap.FeeRateBps), snap.FeeFinalized,
		strconv.FormatUint(snap.AccumulatedFees, 10), snap.HarvestRan,
		snap.FailedStage, pq.Array(sigs), payload)
	if err != nil {
		return fmt.Errorf("failed to save cycle snapshot: %w", err)
	}

	s.logger.Debug().
		Int("cycle_number", snap.CycleNumber).
		Str("cycle_id", snap.CycleID).
		Msg("Cycle snapshot saved")
	return nil
}

// RecentCycles returns cycle snapshots newest first.
func (s *Store) RecentCycles(ctx context.Context, limit, offset int) ([]types.CycleSnapshot, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT snapshot FROM cycle_snapshots
		ORDER BY cycle_number DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query cycle snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []types.CycleSnapshot
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan cycle snapshot: %w", err)
		}
		var snap types.CycleSnapshot
		if err := json.Unmarshal(payload, &snap); err != nil {
			return nil, fmt.Errorf("corrupt cycle snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// LastCycle returns the most recent cycle snapshot, or nil when no cycle
// has run yet.
func (s *Store) LastCycle(ctx context.Context) (*types.CycleSnapshot, error) {
	snaps, err := s.RecentCycles(ctx, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, nil
	}
	return &snaps[0], nil
}
