package store

import (
	"context"
	"fmt"
)

// CheckAndMarkSeen records (channel_id, message_id) as seen if this is the
// first time it is observed. It returns true when this call was the first
// writer (the caller should dispatch), and false when the pair was already
// present (the caller should suppress the message as a tolerated retry).
func (s *Store) CheckAndMarkSeen(ctx context.Context, channelID, messageID string) (firstSeen bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO message_dedupe (channel_id, message_id)
		VALUES (?, ?)
		ON CONFLICT (channel_id, message_id) DO NOTHING
	`, channelID, messageID)
	if err != nil {
		return false, fmt.Errorf("dedupe insert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedupe rows affected: %w", err)
	}
	return n > 0, nil
}
