// Package policy implements the governance kernel's Policy Enforcer: the
// single deterministic checkpoint every inbound message passes through
// before it reaches business logic. Evaluation never involves an LLM.
package policy

import (
	"crypto/hmac"
	"crypto/sha256"
	"os"
	"strings"

	"github.com/wardline/kernel/internal/channel"
	"github.com/wardline/kernel/internal/model"
)

// OperationClass is the static classification of an inbound message's
// intent. Classification never involves NLP — it is a fixed set of
// structural rules over message text and metadata.
type OperationClass string

const (
	ClassChat         OperationClass = "CHAT"
	ClassExecute      OperationClass = "EXECUTE"
	ClassFileAccess   OperationClass = "FILE_ACCESS"
	ClassSystemInfo   OperationClass = "SYSTEM_INFO"
	ClassConfigChange OperationClass = "CONFIG_CHANGE"
)

// executeIntentPrefixes are command words that imply EXECUTE when a message
// text begins with "/". This is a closed, static list — no inference.
var executeIntentPrefixes = []string{"/exec", "/run", "/shell", "/sh"}

// ClassifyOperation determines the operation class of an inbound message.
// CHAT is the default: any message not matching a more specific rule below.
func ClassifyOperation(msg *model.InboundMessage) OperationClass {
	if intent, ok := msg.Metadata["operation_intent"]; ok {
		switch strings.ToUpper(intent) {
		case string(ClassExecute):
			return ClassExecute
		case string(ClassFileAccess):
			return ClassFileAccess
		case string(ClassSystemInfo):
			return ClassSystemInfo
		case string(ClassConfigChange):
			return ClassConfigChange
		}
	}
	if strings.HasPrefix(msg.Text, "/") {
		lower := strings.ToLower(msg.Text)
		for _, prefix := range executeIntentPrefixes {
			if strings.HasPrefix(lower, prefix) {
				return ClassExecute
			}
		}
	}
	return ClassChat
}

// RejectCode enumerates the violation types the enforcer can raise. Each
// uses the same string value as the model.ViolationType of the same name
// (the enforcer raises only these three); kept as a distinct type so policy
// package callers don't need to import model just to compare codes.
type RejectCode string

const (
	RejectOperationDenied       RejectCode = "OPERATION_DENIED"
	RejectCommandNotWhitelisted RejectCode = "COMMAND_NOT_WHITELISTED"
	RejectInvalidToken          RejectCode = "INVALID_TOKEN"
)

// Decision is the outcome of evaluating one inbound message against a
// channel's SecurityPolicy.
type Decision struct {
	Class    OperationClass
	Rejected bool
	Code     RejectCode
	Reason   string
	// Dropped is true when the message should be discarded entirely
	// (block_on_violation=true); false means the violation is logged as a
	// warning but the message still continues down the chain.
	Dropped bool
}

// Enforcer evaluates inbound messages against per-channel SecurityPolicy.
type Enforcer struct{}

// New returns a ready-to-use Enforcer. The enforcer is stateless: policy is
// passed in per call, since every channel instance carries its own.
func New() *Enforcer { return &Enforcer{} }

// Evaluate runs the five-step Policy Enforcer procedure from the channel
// manifest's derived SecurityPolicy against one inbound message.
func (e *Enforcer) Evaluate(p channel.SecurityPolicy, msg *model.InboundMessage, providedToken string) Decision {
	class := ClassifyOperation(msg)

	// The "CHAT is always permitted" rule applies to non-command chat, not
	// to "/"-commands that happen to classify CHAT (e.g. "/help"): every
	// slash command is checked against the whitelist regardless of class.
	if strings.HasPrefix(msg.Text, "/") {
		if !commandWhitelisted(msg.Text, p.AllowedCommands) {
			return e.reject(p, class, RejectCommandNotWhitelisted, "command is not in the channel's allowed_commands whitelist")
		}
	}

	if class == ClassChat {
		return Decision{Class: class}
	}

	if requiresExecute(class) && !p.AllowExecute {
		return e.reject(p, class, RejectOperationDenied, "operation class requires allow_execute=true, policy denies it")
	}

	if p.RequireAdminToken {
		if !validAdminToken(providedToken, p.AdminTokenHash) {
			return e.reject(p, class, RejectInvalidToken, "admin token missing or does not match admin_token_hash")
		}
	}

	return Decision{Class: class}
}

// requiresExecute reports whether an operation class is gated behind
// allow_execute. CHAT never is; FILE_ACCESS/SYSTEM_INFO/CONFIG_CHANGE/EXECUTE
// all are, per spec: only CHAT is unconditionally permitted.
func requiresExecute(class OperationClass) bool {
	return class != ClassChat
}

func (e *Enforcer) reject(p channel.SecurityPolicy, class OperationClass, code RejectCode, reason string) Decision {
	return Decision{
		Class:    class,
		Rejected: true,
		Code:     code,
		Reason:   reason,
		Dropped:  p.BlockOnViolation,
	}
}

// commandWhitelisted performs a case-insensitive prefix match of text
// against each entry in allowed. An empty allowed list whitelists nothing.
func commandWhitelisted(text string, allowed []string) bool {
	lower := strings.ToLower(text)
	for _, cmd := range allowed {
		if strings.HasPrefix(lower, strings.ToLower(cmd)) {
			return true
		}
	}
	return false
}

// validAdminToken compares a provided bearer token against a stored hash in
// constant time. The comparison is over SHA-256 digests via hmac.Equal, not
// a raw byte/string ==, so the timing channel a naive check would leak is
// closed.
func validAdminToken(provided, storedHash string) bool {
	if provided == "" || storedHash == "" {
		return false
	}
	sum := sha256.Sum256([]byte(provided))
	providedHash := hexEncode(sum[:])
	return hmac.Equal([]byte(providedHash), []byte(storedHash))
}

const hexDigits = "0123456789abcdef"

func hexEncode(b []byte) string {
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0x0f]
	}
	return string(out)
}

// remoteExposureEnvVars is the fixed set of environment variables whose
// presence indicates the process is running in a remote/hosted environment
// rather than on an operator's own machine.
var remoteExposureEnvVars = []string{
	"AGENTOS_REMOTE_MODE", "RAILWAY_ENVIRONMENT", "HEROKU_APP_NAME",
	"VERCEL", "AWS_EXECUTION_ENV", "KUBERNETES_SERVICE_HOST",
}

// RemoteExposureDetector is a pure function reading a fixed set of
// environment variables to flag a deployment as remotely exposed. Its
// output is advisory: the caller is responsible for surfacing one warning
// per process start, not per message.
func RemoteExposureDetector() (exposed bool, reason string) {
	for _, name := range remoteExposureEnvVars {
		if os.Getenv(name) != "" {
			return true, name + " is set; this process appears to be running in a hosted/remote environment"
		}
	}
	return false, ""
}
