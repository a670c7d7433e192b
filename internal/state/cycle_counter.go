package state

import (
	"context"
	"fmt"
)

// IncrementCycleNumber atomically increments and returns the global cycle
// number. Survives restarts.
func (s *Store) IncrementCycleNumber(ctx context.Context) (int, error) {
	var cycle int
	err := s.db.QueryRowContext(ctx, `
		UPDATE cycle_counter
		SET current_cycle = current_cycle + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = 1
		RETURNING current_cycle`).Scan(&cycle)
	if err != nil {
		return 0, fmt.Errorf("failed to increment cycle counter: %w", err)
	}
	return cycle, nil
}

// CurrentCycleNumber reads the cycle counter without advancing it.
func (s *Store) CurrentCycleNumber(ctx context.Context) (int, error) {
	var cycle int
	err := s.db.QueryRowContext(ctx,
		`SELECT current_cycle FROM cycle_counter WHERE id = 1`).Scan(&cycle)
	if err != nil {
		return 0, fmt.Errorf("failed to read cycle counter: %w", err)
	}
	return cycle, nil
}
