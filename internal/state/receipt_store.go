package state

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	sdkmath "cosmossdk.io/math"

	"github.com/elys-network/supervault/internal/types"
)

const receiptColumns = `decision_id, leg, attempt, status, tx_ref, strategy, kind, amount, error, created_at, updated_at`

// InsertReceipt persists a new attempt. The (decision, leg, attempt) key is unique.
func (s *Store) InsertReceipt(ctx context.Context, r types.ExecutionReceipt) error {
	amount := "0"
	if !r.Amount.IsNil() {
		amount = r.Amount.String()
	}
	query := `
		INSERT INTO execution_receipts (` + receiptColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (decision_id, leg, attempt) DO NOTHING`

	result, err := s.exec(ctx, query,
		r.DecisionID, r.Leg, r.Attempt, string(r.Status), nullString(r.TxRef),
		r.StrategyID.String(), string(r.Kind), amount, nullString(r.Error),
		toNanos(r.CreatedAt), toNanos(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert receipt %s/%d/%d: %w", r.DecisionID, r.Leg, r.Attempt, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s/%d/%d", ErrDuplicateReceipt, r.DecisionID, r.Leg, r.Attempt)
	}

	s.logger.Info().
		Str("decision_id", r.DecisionID).
		Int("leg", r.Leg).
		Int("attempt", r.Attempt).
		Str("status", string(r.Status)).
		Str("tx_ref", r.TxRef).
		Msg("Execution receipt persisted")
	return nil
}

// UpdateReceiptStatus moves an existing Submitted attempt to its resolved status.
// Terminal receipts are left untouched.
func (s *Store) UpdateReceiptStatus(ctx context.Context, decisionID string, leg, attempt int, status types.ReceiptStatus, errMsg string, at time.Time) error {
	query := `
		UPDATE execution_receipts
		SET status = $1, error = $2, updated_at = $3
		WHERE decision_id = $4 AND leg = $5 AND attempt = $6 AND status = $7`

	result, err := s.exec(ctx, query,
		string(status), nullString(errMsg), toNanos(at),
		decisionID, leg, attempt, string(types.ReceiptSubmitted),
	)
	if err != nil {
		return fmt.Errorf("failed to update receipt %s/%d/%d: %w", decisionID, leg, attempt, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: submitted receipt %s/%d/%d", ErrNotFound, decisionID, leg, attempt)
	}

	s.logger.Info().
		Str("decision_id", decisionID).
		Int("leg", leg).
		Int("attempt", attempt).
		Str("status", string(status)).
		Msg("Execution receipt updated")
	return nil
}

// ReceiptsForDecision returns every attempt for a decision ordered by leg and attempt.
func (s *Store) ReceiptsForDecision(ctx context.Context, decisionID string) ([]types.ExecutionReceipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM execution_receipts
		WHERE decision_id = $1 ORDER BY leg ASC, attempt ASC`
	return s.queryReceipts(ctx, query, decisionID)
}

// ReceiptsByStatus returns every attempt currently in status, oldest first.
func (s *Store) ReceiptsByStatus(ctx context.Context, status types.ReceiptStatus) ([]types.ExecutionReceipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM execution_receipts
		WHERE status = $1 ORDER BY created_at ASC, leg ASC`
	return s.queryReceipts(ctx, query, string(status))
}

// RecentReceipts returns the most recently updated attempts.
func (s *Store) RecentReceipts(ctx context.Context, limit int) ([]types.ExecutionReceipt, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query := `SELECT ` + receiptColumns + ` FROM execution_receipts
		ORDER BY updated_at DESC LIMIT $1`
	return s.queryReceipts(ctx, query, limit)
}

// LatestAttempts reduces a receipt list to the highest attempt of each leg, ordered by leg.
func LatestAttempts(receipts []types.ExecutionReceipt) []types.ExecutionReceipt {
	latest := make(map[int]types.ExecutionReceipt)
	maxLeg := -1
	for _, r := range receipts {
		if cur, ok := latest[r.Leg]; !ok || r.Attempt > cur.Attempt {
			latest[r.Leg] = r
		}
		if r.Leg > maxLeg {
			maxLeg = r.Leg
		}
	}
	out := make([]types.ExecutionReceipt, 0, len(latest))
	for leg := 0; leg <= maxLeg; leg++ {
		if r, ok := latest[leg]; ok {
			out = append(out, r)
		}
	}
	return out
}

func (s *Store) queryReceipts(ctx context.Context, query string, args ...any) ([]types.ExecutionReceipt, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	defer rows.Close()

	var receipts []types.ExecutionReceipt
	for rows.Next() {
		var (
			r                    types.ExecutionReceipt
			status, strategy     string
			kind, amount         string
			txRef, errMsg        sql.NullString
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&r.DecisionID, &r.Leg, &r.Attempt, &status, &txRef, &strategy, &kind, &amount, &errMsg, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan receipt: %w", err)
		}
		id, err := types.ParseStrategyID(strategy)
		if err != nil {
			return nil, fmt.Errorf("receipt %s/%d: %w", r.DecisionID, r.Leg, err)
		}
		amt, ok := sdkmath.NewIntFromString(strings.TrimSpace(amount))
		if !ok {
			return nil, fmt.Errorf("receipt %s/%d: invalid amount %q", r.DecisionID, r.Leg, amount)
		}
		r.Status = types.ReceiptStatus(status)
		r.TxRef = txRef.String
		r.StrategyID = id
		r.Kind = types.CommandKind(kind)
		r.Amount = amt
		r.Error = errMsg.String
		r.CreatedAt = fromNanos(createdAt)
		r.UpdatedAt = fromNanos(updatedAt)
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return receipts, nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
