/*

This file manages the persistent global cycle counter.
The cycle counter is stored in the database to ensure continuity across restarts,
and every logged decision is stamped with it.

*/

package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetCurrentCycleNumber retrieves the current cycle number from the database
func (s *Store) GetCurrentCycleNumber(ctx context.Context) (int, error) {
	var currentCycle int
	err := s.queryRow(ctx, `SELECT current_cycle FROM cycle_counter WHERE id = 1`).Scan(&currentCycle)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// EnsureSchema inserts the row, so this only happens on a hand-edited database.
			s.logger.Warn().Msg("No cycle counter row found, initializing to 0")
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get current cycle number: %w", err)
	}
	return currentCycle, nil
}

// IncrementCycleNumber increments the cycle counter and returns the new value
func (s *Store) IncrementCycleNumber(ctx context.Context) (int, error) {
	updateQuery := `
		UPDATE cycle_counter
		SET current_cycle = current_cycle + 1,
		    updated_at = $1
		WHERE id = 1
		RETURNING current_cycle`

	var newCycle int
	if err := s.queryRow(ctx, updateQuery, toNanos(time.Now())).Scan(&newCycle); err != nil {
		return 0, fmt.Errorf("failed to increment cycle number: %w", err)
	}

	s.logger.Debug().Int("newCycle", newCycle).Msg("Incremented cycle counter")
	return newCycle, nil
}

// ResetCycleNumber resets the cycle counter to a specific value (for testing/maintenance)
func (s *Store) ResetCycleNumber(ctx context.Context, cycleNumber int) error {
	if cycleNumber < 0 {
		return fmt.Errorf("cycle number cannot be negative: %d", cycleNumber)
	}

	updateQuery := `
		UPDATE cycle_counter
		SET current_cycle = $1,
		    updated_at = $2
		WHERE id = 1`

	result, err := s.exec(ctx, updateQuery, cycleNumber, toNanos(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to reset cycle number to %d: %w", cycleNumber, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("no rows updated when resetting cycle number")
	}

	s.logger.Warn().Int("cycleNumber", cycleNumber).Msg("Reset cycle counter")
	return nil
}
