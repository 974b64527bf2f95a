package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ChannelAuditEntry is one immutable row in channel_audit_log: every
// mutation of a channel's config_json or enabled flag appends one of these.
type ChannelAuditEntry struct {
	ID          int64
	ChannelID   string
	Action      string
	Details     sql.NullString
	PerformedBy string
	CreatedAt   time.Time
}

// WriteChannelAudit appends an audit row for a channel config mutation.
func (s *Store) WriteChannelAudit(ctx context.Context, channelID, action, details, performedBy string) error {
	var detailsNull sql.NullString
	if details != "" {
		detailsNull = sql.NullString{String: details, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_audit_log (channel_id, action, details, performed_by, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, channelID, action, detailsNull, performedBy, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("write channel audit: %w", err)
	}
	return nil
}

// GetChannelAuditLog retrieves the most recent audit rows for one channel.
func (s *Store) GetChannelAuditLog(ctx context.Context, channelID string, limit int) ([]ChannelAuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel_id, action, details, performed_by, created_at
		FROM channel_audit_log
		WHERE channel_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("query channel audit log: %w", err)
	}
	defer rows.Close()

	var entries []ChannelAuditEntry
	for rows.Next() {
		var e ChannelAuditEntry
		if err := rows.Scan(&e.ID, &e.ChannelID, &e.Action, &e.Details, &e.PerformedBy, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan channel audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channel audit log: %w", err)
	}
	return entries, nil
}

// LogSystemEvent appends an entry to system_logs. context_json may be nil.
func (s *Store) LogSystemEvent(ctx context.Context, level, message string, contextJSON []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_logs (level, message, context_json, timestamp)
		VALUES (?, ?, ?, ?)
	`, level, message, contextJSON, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("write system log: %w", err)
	}
	return nil
}

// LogChannelEvent appends an entry to channel_events, tracking the outcome
// of one inbound or outbound message on a channel.
func (s *Store) LogChannelEvent(ctx context.Context, channelID, eventType, messageID, status, errMsg, metadata string) error {
	var messageIDNull, errNull, metaNull sql.NullString
	if messageID != "" {
		messageIDNull = sql.NullString{String: messageID, Valid: true}
	}
	if errMsg != "" {
		errNull = sql.NullString{String: errMsg, Valid: true}
	}
	if metadata != "" {
		metaNull = sql.NullString{String: metadata, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_events (channel_id, event_type, message_id, status, error, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, channelID, eventType, messageIDNull, status, errNull, metaNull, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("write channel event: %w", err)
	}
	return nil
}
