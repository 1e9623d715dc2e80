package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// StoreSummary represents high-level strategist statistics for the status API.
type StoreSummary struct {
	CurrentCycle      int            `json:"current_cycle"`
	TotalDecisions    int            `json:"total_decisions"`
	DecisionsByAction map[string]int `json:"decisions_by_action"`
	DeferredDecisions int            `json:"deferred_decisions"`
	ReceiptsByStatus  map[string]int `json:"receipts_by_status"`
	TotalPatterns     int            `json:"total_patterns"`
	PendingPatterns   int            `json:"pending_patterns"`
	SuccessRate       float64        `json:"success_rate"` // Share of resolved patterns marked successful
	LastDecisionAt    *time.Time     `json:"last_decision_at,omitempty"`
}

// GetStoreSummary aggregates the decision log, receipts and pattern log.
func (s *Store) GetStoreSummary(ctx context.Context) (*StoreSummary, error) {
	summary := &StoreSummary{
		DecisionsByAction: make(map[string]int),
		ReceiptsByStatus:  make(map[string]int),
	}

	cycle, err := s.GetCurrentCycleNumber(ctx)
	if err != nil {
		return nil, err
	}
	summary.CurrentCycle = cycle

	if err := s.countGrouped(ctx, `SELECT action, COUNT(*) FROM decisions GROUP BY action`, summary.DecisionsByAction); err != nil {
		return nil, err
	}
	for _, n := range summary.DecisionsByAction {
		summary.TotalDecisions += n
	}
	if err := s.countGrouped(ctx, `SELECT status, COUNT(*) FROM execution_receipts GROUP BY status`, summary.ReceiptsByStatus); err != nil {
		return nil, err
	}

	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM decisions WHERE deferred = $1`, true).Scan(&summary.DeferredDecisions); err != nil {
		return nil, fmt.Errorf("failed to count deferred decisions: %w", err)
	}

	var successes sql.NullInt64
	err = s.queryRow(ctx, `
		SELECT COUNT(*),
			SUM(CASE WHEN outcome_success IS NULL THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome_success = $1 THEN 1 ELSE 0 END)
		FROM knowledge_patterns`, true).Scan(&summary.TotalPatterns, &nullCounter{&summary.PendingPatterns}, &successes)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize knowledge patterns: %w", err)
	}
	if resolved := summary.TotalPatterns - summary.PendingPatterns; resolved > 0 {
		summary.SuccessRate = float64(successes.Int64) / float64(resolved)
	}

	var lastCreated sql.NullInt64
	if err := s.queryRow(ctx, `SELECT MAX(created_at) FROM decisions`).Scan(&lastCreated); err != nil {
		return nil, fmt.Errorf("failed to read last decision time: %w", err)
	}
	if lastCreated.Valid && lastCreated.Int64 > 0 {
		t := fromNanos(lastCreated.Int64)
		summary.LastDecisionAt = &t
	}

	s.logger.Debug().Int("decisions", summary.TotalDecisions).Int("patterns", summary.TotalPatterns).Msg("Computed store summary")
	return summary, nil
}

func (s *Store) countGrouped(ctx context.Context, query string, into map[string]int) error {
	rows, err := s.query(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to run grouped count: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("failed to scan grouped count: %w", err)
		}
		into[key] = n
	}
	return rows.Err()
}

// nullCounter scans a possibly NULL aggregate into an int, treating NULL as zero.
type nullCounter struct{ dst *int }

func (c *nullCounter) Scan(src any) error {
	var n sql.NullInt64
	if err := n.Scan(src); err != nil {
		return err
	}
	*c.dst = int(n.Int64)
	return nil
}
