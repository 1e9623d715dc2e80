package knowledge

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/elys-network/supervault/internal/logger"
	"github.com/elys-network/supervault/internal/types"
)

// PatternLog is the durable, append-only log behind the store. *state.Store implements it.
type PatternLog interface {
	InsertPattern(ctx context.Context, p types.KnowledgePattern) error
	RecordPatternOutcome(ctx context.Context, patternID string, outcome types.Outcome) error
	PatternsSince(ctx context.Context, since time.Time) ([]types.KnowledgePattern, error)
}

// Similarity summarizes the history matched for one snapshot.
type Similarity struct {
	Confidence  float64 `json:"confidence"`
	Matched     int     `json:"matched"`
	WithOutcome int     `json:"with_outcome"`
	Successes   int     `json:"successes"`
	Pending     int     `json:"pending"`
}

// Store records snapshot patterns and scores new snapshots against them.
type Store struct {
	log    PatternLog
	params types.StrategyParameters
	logger zerolog.Logger
	now    func() time.Time
}

func NewStore(log PatternLog, params types.StrategyParameters) *Store {
	return &Store{
		log:    log,
		params: params,
		logger: logger.GetForComponent("knowledge_store"),
		now:    time.Now,
	}
}

// Record appends a pending pattern for the snapshot and returns it.
func (s *Store) Record(ctx context.Context, snapshot types.MarketSnapshot) (types.KnowledgePattern, error) {
	if err := snapshot.Validate(); err != nil {
		return types.KnowledgePattern{}, err
	}
	p := types.KnowledgePattern{
		ID:        uuid.NewString(),
		VenueID:   snapshot.VenueID,
		Timestamp: snapshot.Timestamp.UTC(),
		Digest:    Digest(snapshot, s.params),
	}
	if err := s.log.InsertPattern(ctx, p); err != nil {
		return types.KnowledgePattern{}, err
	}
	return p, nil
}

// RecordOutcome back-fills the outcome of a pattern. Outcomes are written once.
func (s *Store) RecordOutcome(ctx context.Context, patternID string, outcome types.Outcome) error {
	if patternID == "" {
		return fmt.Errorf("pattern id cannot be empty")
	}
	if outcome.ResolvedAt.IsZero() {
		outcome.ResolvedAt = s.now().UTC()
	}
	if err := s.log.RecordPatternOutcome(ctx, patternID, outcome); err != nil {
		return err
	}
	s.logger.Info().
		Str("pattern_id", patternID).
		Bool("success", outcome.Success).
		Float64("realized_delta", outcome.RealizedDelta).
		Msg("Pattern outcome recorded")
	return nil
}

// FindSimilar matches the snapshot against patterns of the same venue observed within
// lookback before the snapshot. A non-positive lookback uses the configured default.
// Confidence is the success share of matched patterns that carry an outcome, and 0
// when none do.
func (s *Store) FindSimilar(ctx context.Context, snapshot types.MarketSnapshot, lookback time.Duration) (Similarity, error) {
	if err := snapshot.Validate(); err != nil {
		return Similarity{}, err
	}
	if lookback <= 0 {
		lookback = s.params.KnowledgeLookback()
	}
	until := snapshot.Timestamp
	since := until.Add(-lookback)

	patterns, err := s.log.PatternsSince(ctx, since)
	if err != nil {
		return Similarity{}, fmt.Errorf("failed to load patterns since %s: %w", since.Format(time.RFC3339), err)
	}

	target := Digest(snapshot, s.params)
	var result Similarity
	for _, p := range patterns {
		if p.VenueID != snapshot.VenueID || p.Timestamp.After(until) {
			continue
		}
		if DigestSimilarity(target, p.Digest) <= s.params.SimilarityThreshold {
			continue
		}
		result.Matched++
		if p.Pending() {
			result.Pending++
			continue
		}
		result.WithOutcome++
		if p.Outcome.Success {
			result.Successes++
		}
	}
	if result.WithOutcome > 0 {
		result.Confidence = float64(result.Successes) / float64(result.WithOutcome)
	}

	s.logger.Debug().
		Str("venue", string(snapshot.VenueID)).
		Int("scanned", len(patterns)).
		Int("matched", result.Matched).
		Int("pending", result.Pending).
		Float64("confidence", result.Confidence).
		Msg("Similarity lookup complete")
	return result, nil
}
