package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/elys-network/supervault/internal/types"
)

// SaveStrategyParameters saves a new version of strategy parameters.
func (s *Store) SaveStrategyParameters(ctx context.Context, params types.StrategyParameters, configName string, version int, makeActive bool) (paramsID int64, err error) {
	if err := params.Validate(); err != nil {
		return 0, fmt.Errorf("refusing to save invalid parameters: %w", err)
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal strategy parameters: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p) // Re-panic after rollback
		} else if err != nil {
			tx.Rollback() // Rollback if error occurred
		}
	}()

	if makeActive {
		stmtDeactivate := `UPDATE strategy_parameters SET is_active = FALSE WHERE config_name = $1 AND is_active = TRUE`
		if _, err = tx.ExecContext(ctx, s.rebind(stmtDeactivate), configName); err != nil {
			return 0, fmt.Errorf("failed to deactivate existing active parameters for %s: %w", configName, err)
		}
	}

	stmt := `
		INSERT INTO strategy_parameters (version, config_name, is_active, activated_at, created_at, params_json)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING params_id`

	now := toNanos(time.Now())
	if err = tx.QueryRowContext(ctx, s.rebind(stmt), version, configName, makeActive, now, now, string(paramsJSON)).Scan(&paramsID); err != nil {
		return 0, fmt.Errorf("failed to insert strategy parameters: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Info().
		Int("version", version).
		Str("config", configName).
		Int64("params_id", paramsID).
		Bool("active", makeActive).
		Msg("Saved strategy parameters")
	return paramsID, nil
}

// LoadActiveStrategyParameters loads the currently active strategy parameters.
func (s *Store) LoadActiveStrategyParameters(ctx context.Context, configName string) (*types.StrategyParameters, error) {
	query := `
		SELECT params_json FROM strategy_parameters
		WHERE config_name = $1 AND is_active = TRUE
		ORDER BY activated_at DESC
		LIMIT 1`

	var raw string
	err := s.queryRow(ctx, query, configName).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: no active strategy parameters for config '%s'", ErrNotFound, configName)
		}
		return nil, fmt.Errorf("failed to load active strategy parameters for config '%s': %w", configName, err)
	}

	p := &types.StrategyParameters{}
	if err := json.Unmarshal([]byte(raw), p); err != nil {
		return nil, fmt.Errorf("failed to decode strategy parameters for config '%s': %w", configName, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("stored strategy parameters for config '%s' are invalid: %w", configName, err)
	}
	s.logger.Info().Str("config", configName).Msg("Loaded active strategy parameters")
	return p, nil
}

// GetActiveStrategyParametersID returns the params_id of the active set, or nil when none is active.
func (s *Store) GetActiveStrategyParametersID(ctx context.Context, configName string) (*int64, error) {
	query := `
		SELECT params_id FROM strategy_parameters
		WHERE config_name = $1 AND is_active = TRUE
		ORDER BY activated_at DESC
		LIMIT 1`

	var paramsID int64
	err := s.queryRow(ctx, query, configName).Scan(&paramsID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active strategy parameters ID for config '%s': %w", configName, err)
	}
	return &paramsID, nil
}
