package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/wardline/kernel/internal/model"
)

// InsertEvolutionDecision appends a new proposal row with status PROPOSED.
// Decisions are append-only: a superseding decision for the same extension
// is a new row, never an edit of a prior one.
func (s *Store) InsertEvolutionDecision(ctx context.Context, d *model.EvolutionDecision) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("insert evolution decision: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO evolution_decisions (decision_id, extension_id, action, risk_score, trajectory, review_level, explanation, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.DecisionID, d.ExtensionID, string(d.Action), d.RiskScoreSnapshot, string(d.TrajectorySnapshot),
		string(d.ReviewLevel), d.Explanation, string(d.Status), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert evolution decision: %w", err)
	}
	return nil
}

// GetEvolutionDecision fetches one decision row, or (nil, nil) if unknown.
func (s *Store) GetEvolutionDecision(ctx context.Context, decisionID string) (*model.EvolutionDecision, error) {
	var d model.EvolutionDecision
	var resolvedAt, executedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT decision_id, extension_id, action, risk_score, trajectory, review_level, explanation, status, created_at, resolved_at, executed_at
		FROM evolution_decisions WHERE decision_id = ?
	`, decisionID).Scan(&d.DecisionID, &d.ExtensionID, &d.Action, &d.RiskScoreSnapshot, &d.TrajectorySnapshot,
		&d.ReviewLevel, &d.Explanation, &d.Status, &d.CreatedAt, &resolvedAt, &executedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get evolution decision: %w", err)
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		d.ResolvedAt = &t
	}
	if executedAt.Valid {
		t := executedAt.Time
		d.ExecutedAt = &t
	}
	return &d, nil
}

// ListEvolutionDecisions returns every decision for extensionID, most recent
// first. Pass "" to list across all extensions (the Human Review Queue view).
func (s *Store) ListEvolutionDecisions(ctx context.Context, extensionID, status string) ([]model.EvolutionDecision, error) {
	query := `
		SELECT decision_id, extension_id, action, risk_score, trajectory, review_level, explanation, status, created_at, resolved_at, executed_at
		FROM evolution_decisions WHERE 1=1`
	var args []interface{}
	if extensionID != "" {
		query += " AND extension_id = ?"
		args = append(args, extensionID)
	}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC LIMIT 200"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list evolution decisions: %w", err)
	}
	defer rows.Close()

	var out []model.EvolutionDecision
	for rows.Next() {
		var d model.EvolutionDecision
		var resolvedAt, executedAt sql.NullTime
		if err := rows.Scan(&d.DecisionID, &d.ExtensionID, &d.Action, &d.RiskScoreSnapshot, &d.TrajectorySnapshot,
			&d.ReviewLevel, &d.Explanation, &d.Status, &d.CreatedAt, &resolvedAt, &executedAt); err != nil {
			return nil, fmt.Errorf("scan evolution decision: %w", err)
		}
		if resolvedAt.Valid {
			t := resolvedAt.Time
			d.ResolvedAt = &t
		}
		if executedAt.Valid {
			t := executedAt.Time
			d.ExecutedAt = &t
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate evolution decisions: %w", err)
	}
	return out, nil
}

// ResolveEvolutionDecision transitions a PROPOSED decision to APPROVED or
// REJECTED. It only ever affects a row still in PROPOSED, matching the
// approvals store's resolve-once-pending semantics.
func (s *Store) ResolveEvolutionDecision(ctx context.Context, decisionID string, newStatus model.DecisionStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE evolution_decisions SET status = ?, resolved_at = ? WHERE decision_id = ? AND status = 'PROPOSED'
	`, string(newStatus), time.Now().UTC(), decisionID)
	if err != nil {
		return fmt.Errorf("resolve evolution decision: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve evolution decision: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("resolve evolution decision: %q is not PROPOSED or does not exist", decisionID)
	}
	return nil
}

// ExpireStaleEvolutionDecisions transitions every PROPOSED decision older
// than maxAge to EXPIRED, returning the count expired.
func (s *Store) ExpireStaleEvolutionDecisions(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	res, err := s.db.ExecContext(ctx, `
		UPDATE evolution_decisions SET status = 'EXPIRED', resolved_at = ? WHERE status = 'PROPOSED' AND created_at < ?
	`, time.Now().UTC(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire stale evolution decisions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire stale evolution decisions: %w", err)
	}
	return n, nil
}

// ExecuteEvolutionDecision transitions an APPROVED decision to EXECUTED. It
// only changes the decision's status; the decision's effect on the extension
// (enablement or TrustRecord.tier) is applied by review.Gate.Execute before
// it calls this.
func (s *Store) ExecuteEvolutionDecision(ctx context.Context, decisionID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE evolution_decisions SET status = 'EXECUTED', executed_at = ? WHERE decision_id = ? AND status = 'APPROVED'
	`, time.Now().UTC(), decisionID)
	if err != nil {
		return fmt.Errorf("execute evolution decision: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("execute evolution decision: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("execute evolution decision: %q is not APPROVED or does not exist", decisionID)
	}
	return nil
}
