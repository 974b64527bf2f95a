package policy_test

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/wardline/kernel/internal/channel"
	"github.com/wardline/kernel/internal/model"
	"github.com/wardline/kernel/internal/policy"
)

func textMessage(text string) *model.InboundMessage {
	return &model.InboundMessage{
		ChannelID: "telegram", UserKey: "u1", ConversationKey: "u1",
		MessageID: "m1", Type: model.MessageText, Text: text,
	}
}

func Test_ClassifyOperation_DefaultsToChat(t *testing.T) {
	if c := policy.ClassifyOperation(textMessage("hello there")); c != policy.ClassChat {
		t.Fatalf("expected CHAT, got %s", c)
	}
}

func Test_ClassifyOperation_SlashCommandIsExecute(t *testing.T) {
	if c := policy.ClassifyOperation(textMessage("/run rm -rf /tmp/x")); c != policy.ClassExecute {
		t.Fatalf("expected EXECUTE, got %s", c)
	}
}

func Test_ClassifyOperation_MetadataOverridesClass(t *testing.T) {
	msg := textMessage("status please")
	msg.Metadata = map[string]string{"operation_intent": "SYSTEM_INFO"}
	if c := policy.ClassifyOperation(msg); c != policy.ClassSystemInfo {
		t.Fatalf("expected SYSTEM_INFO, got %s", c)
	}
}

func Test_Evaluate_ChatAlwaysPermitted(t *testing.T) {
	e := policy.New()
	p := channel.SecurityPolicy{Mode: channel.ModeChatOnly, ChatOnly: true}
	d := e.Evaluate(p, textMessage("hi"), "")
	if d.Rejected {
		t.Fatalf("expected CHAT to be permitted, got rejection: %s", d.Reason)
	}
}

func Test_Evaluate_UnwhitelistedCommandRejected(t *testing.T) {
	e := policy.New()
	p := channel.SecurityPolicy{
		Mode: channel.ModeChatExecRestricted, AllowExecute: true,
		AllowedCommands: []string{"/status"},
	}
	d := e.Evaluate(p, textMessage("/run evil"), "")
	if !d.Rejected || d.Code != policy.RejectCommandNotWhitelisted {
		t.Fatalf("expected COMMAND_NOT_WHITELISTED, got %+v", d)
	}
}

func Test_Evaluate_WhitelistedCommandCaseInsensitivePrefix(t *testing.T) {
	e := policy.New()
	p := channel.SecurityPolicy{
		Mode: channel.ModeChatExecRestricted, AllowExecute: true,
		AllowedCommands: []string{"/STATUS"},
	}
	d := e.Evaluate(p, textMessage("/status now"), "")
	if d.Rejected {
		t.Fatalf("expected case-insensitive prefix match to pass, got %+v", d)
	}
}

func Test_Evaluate_ExecuteDeniedWhenAllowExecuteFalse(t *testing.T) {
	e := policy.New()
	p := channel.SecurityPolicy{
		Mode: channel.ModeChatOnly, AllowExecute: false,
		AllowedCommands: []string{"/run"},
	}
	d := e.Evaluate(p, textMessage("/run ls"), "")
	if !d.Rejected || d.Code != policy.RejectOperationDenied {
		t.Fatalf("expected OPERATION_DENIED, got %+v", d)
	}
}

// Test_Evaluate_WhitelistAppliesToNonExecuteSlashCommands covers property #6:
// a slash command is accepted iff its prefix is in allowed_commands, even
// when it classifies CHAT (e.g. "/session", "/help") rather than EXECUTE —
// the "CHAT is always permitted" rule is for non-command chat, not for any
// "/"-prefixed message that happens to fall through classification.
func Test_Evaluate_WhitelistAppliesToNonExecuteSlashCommands(t *testing.T) {
	e := policy.New()
	p := channel.SecurityPolicy{
		Mode: channel.ModeChatExecRestricted, AllowedCommands: []string{"/session"},
	}

	d := e.Evaluate(p, textMessage("/Session new"), "")
	if d.Rejected {
		t.Fatalf("expected /Session new to be accepted (whitelisted, case-insensitive), got %+v", d)
	}

	d = e.Evaluate(p, textMessage("/help status"), "")
	if !d.Rejected || d.Code != policy.RejectCommandNotWhitelisted {
		t.Fatalf("expected /help to be rejected COMMAND_NOT_WHITELISTED when absent from the whitelist, got %+v", d)
	}
}

func Test_Evaluate_BlockOnViolationControlsDrop(t *testing.T) {
	e := policy.New()
	p := channel.SecurityPolicy{
		Mode: channel.ModeChatExecRestricted, AllowExecute: true,
		AllowedCommands: []string{"/status"}, BlockOnViolation: false,
	}
	d := e.Evaluate(p, textMessage("/run evil"), "")
	if !d.Rejected || d.Dropped {
		t.Fatalf("expected warned-not-dropped when block_on_violation=false, got %+v", d)
	}
}

func adminTokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func Test_Evaluate_AdminTokenMismatchRejected(t *testing.T) {
	e := policy.New()
	p := channel.SecurityPolicy{
		Mode: channel.ModeChatExecRestricted, AllowExecute: true,
		AllowedCommands: []string{"/run"}, RequireAdminToken: true,
		AdminTokenHash: adminTokenHash("correct-horse"),
	}
	d := e.Evaluate(p, textMessage("/run ls"), "wrong-token")
	if !d.Rejected || d.Code != policy.RejectInvalidToken {
		t.Fatalf("expected INVALID_TOKEN, got %+v", d)
	}
}

func Test_Evaluate_AdminTokenMatchPasses(t *testing.T) {
	e := policy.New()
	p := channel.SecurityPolicy{
		Mode: channel.ModeChatExecRestricted, AllowExecute: true,
		AllowedCommands: []string{"/run"}, RequireAdminToken: true,
		AdminTokenHash: adminTokenHash("correct-horse"),
	}
	d := e.Evaluate(p, textMessage("/run ls"), "correct-horse")
	if d.Rejected {
		t.Fatalf("expected matching admin token to pass, got %+v", d)
	}
}

// Test_Evaluate_AdminTokenCompareIsConstantTime is a coarse check that wrong
// tokens of the same length as the correct one take statistically
// indistinguishable time to reject, regardless of how many leading bytes
// match. A naive byte-by-byte comparison would reject an early-mismatching
// token faster than a late-mismatching one.
func Test_Evaluate_AdminTokenCompareIsConstantTime(t *testing.T) {
	const correct = "correct-horse-battery-staple-00"
	p := channel.SecurityPolicy{
		Mode: channel.ModeChatExecRestricted, AllowExecute: true,
		AllowedCommands: []string{"/run"}, RequireAdminToken: true,
		AdminTokenHash: adminTokenHash(correct),
	}
	e := policy.New()
	msg := textMessage("/run ls")

	earlyMismatch := "X" + correct[1:]
	lateMismatch := correct[:len(correct)-1] + "X"

	const rounds = 2000
	timeTrials := func(token string) time.Duration {
		start := time.Now()
		for i := 0; i < rounds; i++ {
			e.Evaluate(p, msg, token)
		}
		return time.Since(start)
	}

	// Warm up before measuring, and take the best of several samples to
	// reduce scheduler noise in a coarse statistical check.
	best := func(token string) time.Duration {
		timeTrials(token)
		d := timeTrials(token)
		for i := 0; i < 3; i++ {
			if next := timeTrials(token); next < d {
				d = next
			}
		}
		return d
	}

	earlyDur := best(earlyMismatch)
	lateDur := best(lateMismatch)

	ratio := float64(lateDur) / float64(earlyDur)
	if ratio > 3.0 || ratio < 1.0/3.0 {
		t.Fatalf("admin token compare timing looks length/content dependent: early=%v late=%v ratio=%.2f", earlyDur, lateDur, ratio)
	}
}

func Test_RemoteExposureDetector_FlagsRailwayEnvironment(t *testing.T) {
	t.Setenv("RAILWAY_ENVIRONMENT", "production")
	exposed, reason := policy.RemoteExposureDetector()
	if !exposed || reason == "" {
		t.Fatal("expected exposure to be flagged when RAILWAY_ENVIRONMENT is set")
	}
}

func Test_RemoteExposureDetector_ClearWhenUnset(t *testing.T) {
	exposed, _ := policy.RemoteExposureDetector()
	if exposed {
		t.Fatal("expected no exposure flag with no remote-hosting env vars set")
	}
}
