package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/elys-network/supervault/internal/types"
)

// InsertPattern appends a pattern to the log. Existing rows are never rewritten.
func (s *Store) InsertPattern(ctx context.Context, p types.KnowledgePattern) error {
	if p.ID == "" {
		return fmt.Errorf("pattern id cannot be empty")
	}
	var success sql.NullBool
	var delta sql.NullFloat64
	var resolvedAt sql.NullInt64
	if p.Outcome != nil {
		success = sql.NullBool{Bool: p.Outcome.Success, Valid: true}
		delta = sql.NullFloat64{Float64: p.Outcome.RealizedDelta, Valid: true}
		resolvedAt = sql.NullInt64{Int64: toNanos(p.Outcome.ResolvedAt), Valid: true}
	}

	query := `
		INSERT INTO knowledge_patterns (
			pattern_id, venue_id, observed_at,
			apy, health_factor, utilization, validator_performance,
			outcome_success, realized_delta, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.exec(ctx, query,
		p.ID, string(p.VenueID), toNanos(p.Timestamp),
		p.Digest[0], p.Digest[1], p.Digest[2], p.Digest[3],
		success, delta, resolvedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert knowledge pattern %s: %w", p.ID, err)
	}

	s.logger.Debug().
		Str("pattern_id", p.ID).
		Str("venue", string(p.VenueID)).
		Msg("Knowledge pattern recorded")
	return nil
}

// RecordPatternOutcome back-fills the outcome of a pending pattern.
// A second outcome for the same pattern is rejected with ErrOutcomeAlreadyRecorded.
func (s *Store) RecordPatternOutcome(ctx context.Context, patternID string, outcome types.Outcome) error {
	query := `
		UPDATE knowledge_patterns
		SET outcome_success = $1, realized_delta = $2, resolved_at = $3
		WHERE pattern_id = $4 AND outcome_success IS NULL`

	result, err := s.exec(ctx, query, outcome.Success, outcome.RealizedDelta, toNanos(outcome.ResolvedAt), patternID)
	if err != nil {
		return fmt.Errorf("failed to record outcome for pattern %s: %w", patternID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 1 {
		s.logger.Debug().
			Str("pattern_id", patternID).
			Bool("success", outcome.Success).
			Float64("realized_delta", outcome.RealizedDelta).
			Msg("Knowledge outcome recorded")
		return nil
	}

	if _, err := s.GetPattern(ctx, patternID); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrOutcomeAlreadyRecorded, patternID)
}

// GetPattern loads a single pattern.
func (s *Store) GetPattern(ctx context.Context, patternID string) (types.KnowledgePattern, error) {
	query := `
		SELECT pattern_id, venue_id, observed_at,
			apy, health_factor, utilization, validator_performance,
			outcome_success, realized_delta, resolved_at
		FROM knowledge_patterns WHERE pattern_id = $1`

	p, err := scanPattern(s.queryRow(ctx, query, patternID))
	if errors.Is(err, sql.ErrNoRows) {
		return types.KnowledgePattern{}, fmt.Errorf("%w: pattern %s", ErrNotFound, patternID)
	}
	if err != nil {
		return types.KnowledgePattern{}, fmt.Errorf("failed to load pattern %s: %w", patternID, err)
	}
	return p, nil
}

// PatternsSince returns every pattern observed at or after since, oldest first.
func (s *Store) PatternsSince(ctx context.Context, since time.Time) ([]types.KnowledgePattern, error) {
	query := `
		SELECT pattern_id, venue_id, observed_at,
			apy, health_factor, utilization, validator_performance,
			outcome_success, realized_delta, resolved_at
		FROM knowledge_patterns
		WHERE observed_at >= $1
		ORDER BY observed_at ASC`

	rows, err := s.query(ctx, query, toNanos(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query knowledge patterns: %w", err)
	}
	defer rows.Close()

	var patterns []types.KnowledgePattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan knowledge pattern: %w", err)
		}
		patterns = append(patterns, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return patterns, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPattern(row rowScanner) (types.KnowledgePattern, error) {
	var (
		p          types.KnowledgePattern
		venue      string
		observedAt int64
		success    sql.NullBool
		delta      sql.NullFloat64
		resolvedAt sql.NullInt64
	)
	err := row.Scan(&p.ID, &venue, &observedAt,
		&p.Digest[0], &p.Digest[1], &p.Digest[2], &p.Digest[3],
		&success, &delta, &resolvedAt)
	if err != nil {
		return types.KnowledgePattern{}, err
	}
	p.VenueID = types.VenueID(venue)
	p.Timestamp = fromNanos(observedAt)
	if success.Valid {
		p.Outcome = &types.Outcome{
			Success:       success.Bool,
			RealizedDelta: delta.Float64,
			ResolvedAt:    fromNanos(resolvedAt.Int64),
		}
	}
	return p, nil
}
