package review

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wardline/kernel/common/trace"
)

// Kind is a machine-readable event category for the review audit room.
type Kind string

const (
	KindDecisionProposed Kind = "decision.proposed"
	KindDecisionApproved Kind = "decision.approved"
	KindDecisionRejected Kind = "decision.rejected"
	KindDecisionExpired  Kind = "decision.expired"
	KindDecisionExecuted Kind = "decision.executed"
	KindError            Kind = "error"
)

// Event carries the data that the review notifier formats and sends.
type Event struct {
	// Kind identifies the type of event.
	Kind Kind
	// Actor is the Matrix user ID that triggered the event (empty for
	// engine-originated events such as decision.proposed).
	Actor string
	// ExtensionID is the extension the decision concerns.
	ExtensionID string
	// DecisionID ties the notification back to an evolution_decisions row.
	DecisionID string
	// Message is a human-friendly description of what happened.
	Message string
	// TraceID ties the notification back to the structured audit log.
	// When empty the value is taken from the context.
	TraceID string
	// Timestamp defaults to time.Now() when zero.
	Timestamp time.Time
}

// Notifier sends audit room notifications for Human Review Queue events.
type Notifier interface {
	// Notify posts a review event. Implementations MUST NOT block the caller
	// for longer than a short timeout; send failures should be logged, not
	// propagated.
	Notify(ctx context.Context, evt Event)
}

// Sender is the subset of a chat client needed by MatrixNotifier. Defined as
// an interface so the notifier can be unit-tested independently.
type Sender interface {
	SendNotice(roomID, message string) error
}

// MatrixNotifier posts formatted notices to a Matrix audit room.
type MatrixNotifier struct {
	sender Sender
	roomID string
}

// NewMatrixNotifier creates a MatrixNotifier that posts to roomID via sender.
func NewMatrixNotifier(sender Sender, roomID string) *MatrixNotifier {
	return &MatrixNotifier{sender: sender, roomID: roomID}
}

// Notify formats evt as a human-readable notice and posts it to the audit
// room. The send runs synchronously on the caller's goroutine; errors are
// logged at WARN level and not returned.
func (n *MatrixNotifier) Notify(ctx context.Context, evt Event) {
	if n.roomID == "" {
		return
	}

	tid := evt.TraceID
	if tid == "" {
		tid = trace.FromContext(ctx)
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	icon := kindIcon(evt.Kind)
	msg := fmt.Sprintf("%s [%s] %s", icon, evt.Kind, evt.Message)
	if evt.ExtensionID != "" {
		msg = fmt.Sprintf("%s %s → %s", icon, evt.ExtensionID, evt.Message)
	}
	if evt.DecisionID != "" {
		msg = fmt.Sprintf("%s\n  decision: %s", msg, evt.DecisionID)
	}
	if tid != "" {
		msg = fmt.Sprintf("%s\n  trace: %s", msg, tid)
	}
	if evt.Actor != "" {
		msg = fmt.Sprintf("%s\n  actor: %s", msg, evt.Actor)
	}

	if err := n.sender.SendNotice(n.roomID, msg); err != nil {
		slog.Warn("review notifier: failed to send room notice",
			"room", n.roomID, "kind", evt.Kind, "err", err)
	} else {
		slog.Debug("review notifier: sent notice", "room", n.roomID, "kind", evt.Kind)
	}
}

// Noop is a no-op Notifier used when audit room notifications are disabled.
type Noop struct{}

// Notify does nothing.
func (Noop) Notify(_ context.Context, _ Event) {}

// kindIcon returns a Unicode icon for the event kind.
func kindIcon(k Kind) string {
	switch k {
	case KindDecisionProposed:
		return "🔔"
	case KindDecisionApproved:
		return "✅"
	case KindDecisionRejected:
		return "❌"
	case KindDecisionExpired:
		return "⌛"
	case KindDecisionExecuted:
		return "⚙️"
	case KindError:
		return "🚨"
	default:
		return "ℹ️"
	}
}
