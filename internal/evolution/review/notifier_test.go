package review_test

import (
	"context"
	"strings"
	"testing"

	"github.com/wardline/kernel/internal/evolution/review"
)

type fakeSender struct {
	roomID  string
	message string
	err     error
}

func (f *fakeSender) SendNotice(roomID, message string) error {
	f.roomID = roomID
	f.message = message
	return f.err
}

func TestMatrixNotifier_SendsNotice(t *testing.T) {
	sender := &fakeSender{}
	n := review.NewMatrixNotifier(sender, "!audit:example.org")

	n.Notify(context.Background(), review.Event{
		Kind:        review.KindDecisionProposed,
		ExtensionID: "acme.tools",
		DecisionID:  "dec-1",
		Message:     "REVOKE proposed",
	})

	if sender.roomID != "!audit:example.org" {
		t.Fatalf("roomID = %q", sender.roomID)
	}
	if !strings.Contains(sender.message, "acme.tools") || !strings.Contains(sender.message, "dec-1") {
		t.Fatalf("message missing extension/decision: %q", sender.message)
	}
}

func TestMatrixNotifier_NoopWhenEmptyRoom(t *testing.T) {
	sender := &fakeSender{}
	n := review.NewMatrixNotifier(sender, "")

	n.Notify(context.Background(), review.Event{Kind: review.KindDecisionApproved})

	if sender.message != "" {
		t.Fatal("expected no notice sent when roomID is empty")
	}
}

func TestNoop(t *testing.T) {
	var n review.Noop
	n.Notify(context.Background(), review.Event{Kind: review.KindError})
}
