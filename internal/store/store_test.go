package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/wardline/kernel/internal/model"
	"github.com/wardline/kernel/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "kernel-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db file: %v", err)
	}
	f.Close()

	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return s
}

func TestMigrations_Idempotent(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "kernel-test-idempotent-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db: %v", err)
	}
	f.Close()

	s1, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	s1.Close()

	s2, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	s2.Close()
}

func TestCheckAndMarkSeen_IdempotentUnderReplay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var dispatches int
	for i := 0; i < 5; i++ {
		first, err := s.CheckAndMarkSeen(ctx, "telegram", "msg-1")
		if err != nil {
			t.Fatalf("CheckAndMarkSeen: %v", err)
		}
		if first {
			dispatches++
		}
	}
	if dispatches != 1 {
		t.Fatalf("expected exactly 1 dispatch across 5 replays, got %d", dispatches)
	}
}

func TestCheckAndMarkSeen_DistinctKeysBothFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first1, err := s.CheckAndMarkSeen(ctx, "telegram", "a")
	if err != nil {
		t.Fatalf("CheckAndMarkSeen: %v", err)
	}
	first2, err := s.CheckAndMarkSeen(ctx, "telegram", "b")
	if err != nil {
		t.Fatalf("CheckAndMarkSeen: %v", err)
	}
	if !first1 || !first2 {
		t.Fatal("expected both distinct message_ids to be first-seen")
	}
}

func TestWriteAndReadChannelAudit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustSeedChannel(t, s, "telegram")

	if err := s.WriteChannelAudit(ctx, "telegram", "config.save", `{"enabled":true}`, "admin"); err != nil {
		t.Fatalf("WriteChannelAudit: %v", err)
	}

	entries, err := s.GetChannelAuditLog(ctx, "telegram", 10)
	if err != nil {
		t.Fatalf("GetChannelAuditLog: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Action != "config.save" {
		t.Errorf("Action: got %q, want %q", entries[0].Action, "config.save")
	}
	if entries[0].PerformedBy != "admin" {
		t.Errorf("PerformedBy: got %q, want %q", entries[0].PerformedBy, "admin")
	}
}

func TestWriteViolation_RejectsInvalid(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.WriteViolation(ctx, &model.SecurityViolation{
		ChannelID:     "telegram",
		ViolationType: "BOGUS",
		Action:        model.ActionBlocked,
		Timestamp:     time.Now(),
	})
	if err == nil {
		t.Fatal("expected validation error for unknown violation_type")
	}
}

func TestWriteViolation_CountsSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v := &model.SecurityViolation{
		ChannelID:          "telegram",
		ViolationType:      model.ViolationCommandNotWhitelisted,
		PolicyMode:         "CHAT_EXEC_RESTRICTED",
		AttemptedOperation: "/execute",
		Action:             model.ActionBlocked,
		Timestamp:          time.Now(),
	}
	for i := 0; i < 3; i++ {
		if err := s.WriteViolation(ctx, v); err != nil {
			t.Fatalf("WriteViolation: %v", err)
		}
	}

	n, err := s.CountViolationsSince(ctx, "telegram", time.Now().Add(-24*time.Hour).Unix())
	if err != nil {
		t.Fatalf("CountViolationsSince: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 violations in the last 24h, got %d", n)
	}
}

func TestRateLimiter_Allow_EnforcesBudget(t *testing.T) {
	rl := store.NewRateLimiter()
	allowed := 0
	for i := 0; i < 5; i++ {
		if rl.Allow("telegram", "user1", 2) {
			allowed++
		}
	}
	if allowed > 2 {
		t.Fatalf("expected at most 2 allowed out of 5 with burst=2, got %d", allowed)
	}
}

func TestRateLimiter_Allow_UnlimitedWhenZero(t *testing.T) {
	rl := store.NewRateLimiter()
	for i := 0; i < 100; i++ {
		if !rl.Allow("telegram", "user1", 0) {
			t.Fatal("expected unlimited rate (perMinute=0) to always allow")
		}
	}
}

func mustSeedChannel(t *testing.T, s *store.Store, channelID string) {
	t.Helper()
	_, err := s.DB().Exec(`
		INSERT INTO channel_configs (channel_id, manifest_id, config_json, status, enabled)
		VALUES (?, ?, ?, ?, ?)
	`, channelID, "telegram-v1", []byte(`{}`), "ENABLED", true)
	if err != nil {
		t.Fatalf("seed channel: %v", err)
	}
}
