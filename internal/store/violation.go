package store

import (
	"context"
	"fmt"

	"github.com/wardline/kernel/internal/model"
)

// WriteViolation appends a SecurityViolation row. The store is append-only;
// rows are never updated or deleted.
func (s *Store) WriteViolation(ctx context.Context, v *model.SecurityViolation) error {
	if err := v.Validate(); err != nil {
		return fmt.Errorf("invalid violation: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO security_violations
			(channel_id, violation_type, message_id, user_key, policy_mode, attempted_operation, action, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, v.ChannelID, v.ViolationType, v.MessageID, v.UserKey, v.PolicyMode, v.AttemptedOperation, v.Action, v.Timestamp)
	if err != nil {
		return fmt.Errorf("write violation: %w", err)
	}
	return nil
}

// CountViolationsSince returns the number of violation rows for a channel
// whose timestamp is at or after sinceUnix (used for the policy-denials-24h
// signal the evolution engine scores on).
func (s *Store) CountViolationsSince(ctx context.Context, channelID string, sinceUnix int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM security_violations
		WHERE channel_id = ? AND timestamp >= datetime(?, 'unixepoch')
	`, channelID, sinceUnix).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count violations: %w", err)
	}
	return n, nil
}
