package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sdkmath "cosmossdk.io/math"

	"github.com/elys-network/supervault/internal/types"
)

const decisionColumns = `decision_id, cycle_number, tick, strategy, venue_id, action, amount, total_assets,
	confidence, rationale, snapshot_at, created_at, pattern_id, status, deferred`

// SaveDecision appends a decision to the decision log. Re-evaluating an identical
// snapshot yields the same decision id; the first record wins and inserted is false.
func (s *Store) SaveDecision(ctx context.Context, rec types.DecisionRecord) (inserted bool, err error) {
	query := `
		INSERT INTO decisions (` + decisionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (decision_id) DO NOTHING`

	result, err := s.exec(ctx, query,
		rec.ID, rec.CycleNumber, string(rec.Tick), rec.StrategyID.String(), string(rec.VenueID),
		string(rec.Action), intString(rec.Amount), intString(rec.TotalAssets),
		rec.Confidence, rec.Rationale, toNanos(rec.SnapshotAt), toNanos(rec.CreatedAt),
		nullString(rec.PatternID), nullString(string(rec.Status)), rec.Deferred,
	)
	if err != nil {
		return false, fmt.Errorf("failed to save decision %s: %w", rec.ID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}

	s.logger.Info().
		Str("decision_id", rec.ID).
		Int("cycle_number", rec.CycleNumber).
		Str("strategy", rec.StrategyID.String()).
		Str("action", string(rec.Action)).
		Str("amount", intString(rec.Amount)).
		Float64("confidence", rec.Confidence).
		Bool("deferred", rec.Deferred).
		Bool("new", rows == 1).
		Str("rationale", rec.Rationale).
		Msg("Decision logged")
	return rows == 1, nil
}

// UpdateDecisionStatus records how execution of a decision resolved.
func (s *Store) UpdateDecisionStatus(ctx context.Context, decisionID string, status types.ReceiptStatus) error {
	result, err := s.exec(ctx, `UPDATE decisions SET status = $1 WHERE decision_id = $2`, string(status), decisionID)
	if err != nil {
		return fmt.Errorf("failed to update decision %s: %w", decisionID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: decision %s", ErrNotFound, decisionID)
	}
	return nil
}

// MarkAuthorized clears the deferred flag of a decision that has taken the
// single-flight guard.
func (s *Store) MarkAuthorized(ctx context.Context, decisionID string) error {
	result, err := s.exec(ctx, `UPDATE decisions SET deferred = $1 WHERE decision_id = $2`, false, decisionID)
	if err != nil {
		return fmt.Errorf("failed to authorize decision %s: %w", decisionID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: decision %s", ErrNotFound, decisionID)
	}
	return nil
}

// GetDecision loads a decision from the log.
func (s *Store) GetDecision(ctx context.Context, decisionID string) (types.DecisionRecord, error) {
	query := `SELECT ` + decisionColumns + ` FROM decisions WHERE decision_id = $1`
	rec, err := scanDecision(s.queryRow(ctx, query, decisionID))
	if errors.Is(err, sql.ErrNoRows) {
		return types.DecisionRecord{}, fmt.Errorf("%w: decision %s", ErrNotFound, decisionID)
	}
	if err != nil {
		return types.DecisionRecord{}, fmt.Errorf("failed to load decision %s: %w", decisionID, err)
	}
	return rec, nil
}

// RecentDecisions returns the newest decisions first.
func (s *Store) RecentDecisions(ctx context.Context, limit int) ([]types.DecisionRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query := `SELECT ` + decisionColumns + ` FROM decisions ORDER BY created_at DESC LIMIT $1`
	rows, err := s.query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent decisions: %w", err)
	}
	defer rows.Close()

	var out []types.DecisionRecord
	for rows.Next() {
		rec, err := scanDecision(rows)
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to scan decision row")
			continue
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

func scanDecision(row rowScanner) (types.DecisionRecord, error) {
	var (
		rec                          types.DecisionRecord
		tick, strategy, venue        string
		action, amount, totalAssets  string
		snapshotAt, createdAt        int64
		patternID, status            sql.NullString
	)
	err := row.Scan(&rec.ID, &rec.CycleNumber, &tick, &strategy, &venue, &action, &amount, &totalAssets,
		&rec.Confidence, &rec.Rationale, &snapshotAt, &createdAt, &patternID, &status, &rec.Deferred)
	if err != nil {
		return types.DecisionRecord{}, err
	}
	id, err := types.ParseStrategyID(strategy)
	if err != nil {
		return types.DecisionRecord{}, err
	}
	amt, ok := sdkmath.NewIntFromString(amount)
	if !ok {
		return types.DecisionRecord{}, fmt.Errorf("invalid amount %q", amount)
	}
	total, ok := sdkmath.NewIntFromString(totalAssets)
	if !ok {
		return types.DecisionRecord{}, fmt.Errorf("invalid total assets %q", totalAssets)
	}
	rec.Tick = types.TickKind(tick)
	rec.StrategyID = id
	rec.VenueID = types.VenueID(venue)
	rec.Action = types.Action(action)
	rec.Amount = amt
	rec.TotalAssets = total
	rec.SnapshotAt = fromNanos(snapshotAt)
	rec.CreatedAt = fromNanos(createdAt)
	rec.PatternID = patternID.String
	rec.Status = types.ReceiptStatus(status.String)
	return rec, nil
}

func intString(v sdkmath.Int) string {
	if v.IsNil() {
		return "0"
	}
	return v.String()
}
