package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/wardline/kernel/internal/model"
)

// GetTrustRecord fetches an extension's trust evidence snapshot, or
// (nil, nil) if none has been recorded yet.
func (s *Store) GetTrustRecord(ctx context.Context, extensionID string) (*model.TrustRecord, error) {
	var t model.TrustRecord
	var sandboxClean, sandboxViolation, humanFlag int
	err := s.db.QueryRowContext(ctx, `
		SELECT extension_id, tier, risk_score, trajectory, success_count, failure_count,
		       violation_count, policy_denials_24h, sandbox_clean_record, sandbox_violation,
		       human_flag, stable_days, updated_at
		FROM trust_records WHERE extension_id = ?
	`, extensionID).Scan(&t.ExtensionID, &t.Tier, &t.RiskScore, &t.Trajectory, &t.SuccessCount,
		&t.FailureCount, &t.ViolationCount, &t.PolicyDenials24h, &sandboxClean, &sandboxViolation,
		&humanFlag, &t.StableDays, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get trust record: %w", err)
	}
	t.SandboxCleanRecord = sandboxClean != 0
	t.SandboxViolation = sandboxViolation != 0
	t.HumanFlag = humanFlag != 0
	return &t, nil
}

// UpsertTrustRecord inserts or replaces an extension's trust evidence
// snapshot wholesale; the evolution engine always recomputes and writes the
// full row rather than patching individual fields.
func (s *Store) UpsertTrustRecord(ctx context.Context, t *model.TrustRecord) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("upsert trust record: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trust_records (
			extension_id, tier, risk_score, trajectory, success_count, failure_count,
			violation_count, policy_denials_24h, sandbox_clean_record, sandbox_violation,
			human_flag, stable_days, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (extension_id) DO UPDATE SET
			tier = excluded.tier,
			risk_score = excluded.risk_score,
			trajectory = excluded.trajectory,
			success_count = excluded.success_count,
			failure_count = excluded.failure_count,
			violation_count = excluded.violation_count,
			policy_denials_24h = excluded.policy_denials_24h,
			sandbox_clean_record = excluded.sandbox_clean_record,
			sandbox_violation = excluded.sandbox_violation,
			human_flag = excluded.human_flag,
			stable_days = excluded.stable_days,
			updated_at = CURRENT_TIMESTAMP
	`, t.ExtensionID, t.Tier, t.RiskScore, t.Trajectory, t.SuccessCount, t.FailureCount,
		t.ViolationCount, t.PolicyDenials24h, boolToInt(t.SandboxCleanRecord), boolToInt(t.SandboxViolation),
		boolToInt(t.HumanFlag), t.StableDays)
	if err != nil {
		return fmt.Errorf("upsert trust record: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
