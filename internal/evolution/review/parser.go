package review

import (
	"fmt"
	"strings"
)

// ReviewCommand holds the result of parsing an approve or deny message sent
// by a human reviewer.
type ReviewCommand struct {
	// Approve is true for "approve", false for "deny".
	Approve bool
	// DecisionID is the evolution decision being acted on.
	DecisionID string
	// Reason is the optional reason string (required for deny).
	Reason string
}

// ErrNotACommand is returned when the message is not an approve/deny command.
var ErrNotACommand = fmt.Errorf("not a review command")

// ParseReviewCommand parses a plain room message into a review decision.
//
// Accepted formats (case-insensitive prefix):
//
//	approve <decision-id>
//	approve <decision-id> <reason text>
//	deny <decision-id> reason="<text>"
//	deny <decision-id> <reason text>
//
// Returns ErrNotACommand if the message does not start with "approve" or
// "deny". Returns an error if the message is malformed (e.g. deny without
// a reason).
func ParseReviewCommand(text string) (*ReviewCommand, error) {
	text = strings.TrimSpace(text)

	lower := strings.ToLower(text)
	var isApprove bool

	switch {
	case strings.HasPrefix(lower, "approve ") || lower == "approve":
		isApprove = true
	case strings.HasPrefix(lower, "deny ") || lower == "deny":
		isApprove = false
	default:
		return nil, ErrNotACommand
	}

	verbLen := len("approve")
	if !isApprove {
		verbLen = len("deny")
	}
	rest := strings.TrimSpace(text[verbLen:])

	if rest == "" {
		return nil, fmt.Errorf("usage: %s <decision-id> [reason]", verb(isApprove))
	}

	parts := strings.Fields(rest)
	id := parts[0]

	var reason string
	if len(parts) > 1 {
		reason = parseReason(strings.Join(parts[1:], " "))
	}

	if !isApprove && strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("deny requires a reason: deny <decision-id> reason=\"<text>\" or deny <decision-id> <text>")
	}

	return &ReviewCommand{
		Approve:    isApprove,
		DecisionID: id,
		Reason:     reason,
	}, nil
}

func verb(approve bool) string {
	if approve {
		return "approve"
	}
	return "deny"
}

// parseReason extracts the reason from either `reason="<text>"`/`reason=<text>`
// or plain trailing text.
func parseReason(s string) string {
	s = strings.TrimSpace(s)

	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "reason=") {
		val := s[len("reason="):]
		val = strings.Trim(val, `"'`)
		return val
	}

	return s
}
