package state

import (
	"context"
	"fmt"
)

// IsFeeFinalized reads the persisted fee finality marker.
func (s *Store) IsFeeFinalized(ctx context.Context) (bool, error) {
	var finalized bool
	err := s.db.QueryRowContext(ctx,
		`SELECT finalized FROM fee_state WHERE id = 1`).Scan(&finalized)
	if err != nil {
		return false, fmt.Errorf("failed to read fee state: %w", err)
	}
	return finalized, nil
}

// MarkFeeFinalized sets the finality marker. There is no way back: the
// permanent rate is terminal by construction.
func (s *Store) MarkFeeFinalized(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE fee_state
		SET finalized = TRUE, finalized_at = CURRENT_TIMESTAMP
		WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("failed to mark fee finalized: %w", err)
	}
	return nil
}
