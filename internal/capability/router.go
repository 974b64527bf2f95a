package capability

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/wardline/kernel/internal/kernelerr"
	"github.com/wardline/kernel/internal/model"
	"github.com/wardline/kernel/internal/sandbox"
	"github.com/wardline/kernel/internal/store"
)

// defaultSandboxImage is the image every sandboxed exec.<tool> invocation
// runs in. It carries nothing but a minimal shell; the tool binary itself
// arrives via a read-only bind mount.
const defaultSandboxImage = "agentos/capability-sandbox:latest"

// sandboxTimeout bounds a single sandboxed invocation's wall-clock runtime.
const sandboxTimeout = 15 * time.Second

// RouterConfig carries the router's cross-cutting policy knobs: the
// admin-approval token hash gating CRITICAL tools, and the per-source
// side-effect deny lists.
type RouterConfig struct {
	AdminApprovalTokenHash string
	// DenyListBySource maps a ToolDescriptor's SourceID to the side-effect
	// tags that source is forbidden from exercising. The wildcard key "*"
	// applies to every source.
	DenyListBySource map[string][]string
	// Sandbox, if set, is where HIGH/CRITICAL-risk exec.<tool> invocations
	// are delegated instead of the plain Capability Runner. A nil Sandbox
	// is treated the same as an unavailable one: those invocations are
	// rejected, never silently run unsandboxed.
	Sandbox sandbox.Sandbox
}

// Router implements invoke_tool: the six-step lookup/policy/dispatch/audit
// flow spec.md §4.5 defines for every tool call, regardless of source.
type Router struct {
	registry *Registry
	runner   *Runner
	db       *store.Store
	cfg      RouterConfig
}

// NewRouter builds a Router over a Registry and Runner, auditing through db.
func NewRouter(registry *Registry, runner *Runner, db *store.Store, cfg RouterConfig) *Router {
	return &Router{registry: registry, runner: runner, db: db, cfg: cfg}
}

// InvokeTool runs the six-step invocation flow:
//  1. lookup ToolDescriptor; unknown -> UNKNOWN_TOOL.
//  2. HIGH/CRITICAL risk requires spec_frozen -> SPEC_NOT_FROZEN.
//  3. CRITICAL risk requires a valid admin-approval token -> APPROVAL_REQUIRED.
//  4. any side_effect_tag on the source's deny list -> SIDE_EFFECT_DENIED.
//  5. dispatch to the Capability Runner (ext:) or the MCP client (mcp:).
//  6. audit the full (tool_id, inputs_hash, outcome, duration) record.
func (rt *Router) InvokeTool(ctx context.Context, inv *model.ToolInvocation, execCtx ExecutionContext) (*model.ToolResult, error) {
	if err := inv.Validate(); err != nil {
		return nil, kernelerr.Wrap(kernelerr.CodeInputSchemaViolation, "invalid tool invocation", err)
	}

	rt.auditEvent(ctx, inv, "tool_invocation_start", nil)

	td, ok := rt.registry.Lookup(inv.ToolID)
	if !ok {
		return rt.reject(ctx, inv, kernelerr.New(kernelerr.CodeUnknownTool, fmt.Sprintf("no tool registered under %q", inv.ToolID)))
	}

	if (td.RiskLevel == model.RiskHigh || td.RiskLevel == model.RiskCritical) && !inv.SpecFrozen {
		return rt.reject(ctx, inv, kernelerr.New(kernelerr.CodeSpecNotFrozen, "HIGH/CRITICAL tools require spec_frozen=true"))
	}

	if td.RiskLevel == model.RiskCritical {
		if !validApprovalToken(inv.ApprovalToken, rt.cfg.AdminApprovalTokenHash) {
			return rt.reject(ctx, inv, kernelerr.New(kernelerr.CodeApprovalRequired, "CRITICAL tool requires a valid admin-approval token"))
		}
	}

	if denied := firstDeniedSideEffect(td, rt.cfg.DenyListBySource); denied != "" {
		return rt.reject(ctx, inv, kernelerr.New(kernelerr.CodeSideEffectDenied, fmt.Sprintf("side effect %q is on the deny list for this source", denied)))
	}

	if err := validateInputs(td, inv.Inputs); err != nil {
		return rt.reject(ctx, inv, kernelerr.Wrap(kernelerr.CodeInputSchemaViolation, "inputs do not match input_schema", err))
	}

	start := time.Now()
	var result *model.ToolResult
	var dispatchErr error
	switch td.SourceType {
	case model.SourceExtension:
		result, dispatchErr = rt.dispatchExtension(ctx, td, inv, execCtx)
	case model.SourceMCP:
		result, dispatchErr = rt.dispatchMCP(ctx, td, inv)
	default:
		dispatchErr = kernelerr.New(kernelerr.CodeUnknownTool, fmt.Sprintf("unknown source_type %q", td.SourceType))
	}
	if result == nil {
		result = &model.ToolResult{InvocationID: inv.InvocationID, Success: false, DurationMS: time.Since(start).Milliseconds()}
		if dispatchErr != nil {
			result.Error = dispatchErr.Error()
		}
	}

	rt.auditEvent(ctx, inv, "tool_invocation_end", map[string]interface{}{
		"tool_id":     inv.ToolID,
		"inputs_hash": hashInputs(inv.Inputs),
		"success":     result.Success,
		"duration_ms": result.DurationMS,
	})
	return result, dispatchErr
}

func (rt *Router) reject(ctx context.Context, inv *model.ToolInvocation, err *kernelerr.Error) (*model.ToolResult, error) {
	rt.auditEvent(ctx, inv, "tool_invocation_rejected", map[string]interface{}{
		"tool_id":     inv.ToolID,
		"inputs_hash": hashInputs(inv.Inputs),
		"code":        err.Code,
	})
	return nil, err
}

func (rt *Router) auditEvent(ctx context.Context, inv *model.ToolInvocation, eventType string, extra map[string]interface{}) {
	if rt.db == nil {
		return
	}
	payload, _ := json.Marshal(extra)
	_ = rt.db.LogTaskAudit(ctx, inv.InvocationID, eventType, payload)
}

func hashInputs(inputs json.RawMessage) string {
	sum := sha256.Sum256(inputs)
	return hex.EncodeToString(sum[:])
}

// validApprovalToken compares a caller-supplied token against the stored
// hash in constant time, mirroring the Policy Enforcer's admin-token check.
func validApprovalToken(provided, storedHash string) bool {
	if provided == "" || storedHash == "" {
		return false
	}
	sum := sha256.Sum256([]byte(provided))
	return hmac.Equal([]byte(hex.EncodeToString(sum[:])), []byte(storedHash))
}

// firstDeniedSideEffect returns the first side-effect tag on td that
// appears in the deny list configured for td.SourceID or the wildcard "*",
// or "" if none match.
func firstDeniedSideEffect(td model.ToolDescriptor, denyListBySource map[string][]string) string {
	denied := make(map[string]bool)
	for _, tag := range denyListBySource[td.SourceID] {
		denied[tag] = true
	}
	for _, tag := range denyListBySource["*"] {
		denied[tag] = true
	}
	for _, tag := range td.SideEffectTags {
		if denied[tag] {
			return tag
		}
	}
	return ""
}

// validateInputs checks inv's inputs against td's declared input_schema, if
// any. A descriptor with no input_schema accepts any well-formed JSON.
func validateInputs(td model.ToolDescriptor, inputs json.RawMessage) error {
	if len(td.InputSchema) == 0 {
		return nil
	}
	schema, err := jsonschema.CompileString(td.ToolID+"#input_schema", string(td.InputSchema))
	if err != nil {
		return fmt.Errorf("compile input_schema: %w", err)
	}
	var doc interface{}
	if len(inputs) == 0 {
		doc = map[string]interface{}{}
	} else if err := json.Unmarshal(inputs, &doc); err != nil {
		return fmt.Errorf("inputs is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return err
	}
	return nil
}

func (rt *Router) dispatchExtension(ctx context.Context, td model.ToolDescriptor, inv *model.ToolInvocation, execCtx ExecutionContext) (*model.ToolResult, error) {
	capName := td.Name
	var args []string
	switch {
	case strings.HasPrefix(capName, "exec."):
		var payload struct {
			Args []string `json:"args"`
		}
		if len(inv.Inputs) > 0 {
			_ = json.Unmarshal(inv.Inputs, &payload)
		}
		args = payload.Args
	case capName == "analyze.schema":
		args = []string{string(inv.Inputs)}
	}

	if strings.HasPrefix(capName, "exec.") && (td.RiskLevel == model.RiskHigh || td.RiskLevel == model.RiskCritical) {
		return rt.dispatchSandboxed(ctx, td, inv, strings.TrimPrefix(capName, "exec."), args, execCtx)
	}

	res, err := rt.runner.Run(ctx, capName, args, execCtx)
	if err != nil {
		return &model.ToolResult{InvocationID: inv.InvocationID, Success: false, Error: err.Error()}, err
	}

	payload, _ := json.Marshal(map[string]string{"stdout": res.Stdout, "stderr": res.Stderr})
	return &model.ToolResult{
		InvocationID:        inv.InvocationID,
		Success:             res.ExitCode == 0,
		Payload:             payload,
		DeclaredSideEffects: td.SideEffectTags,
		DurationMS:          res.DurationMS,
		ExitCode:            res.ExitCode,
	}, nil
}

// dispatchSandboxed runs a HIGH/CRITICAL-risk exec.<tool> invocation inside
// the Sandbox instead of the plain Capability Runner. There is no fallback
// to unsandboxed execution: an unavailable or unconfigured Sandbox rejects
// the call outright with exit code 451.
func (rt *Router) dispatchSandboxed(ctx context.Context, td model.ToolDescriptor, inv *model.ToolInvocation, tool string, args []string, execCtx ExecutionContext) (*model.ToolResult, error) {
	if rt.cfg.Sandbox == nil || !rt.cfg.Sandbox.IsAvailable(ctx) {
		err := kernelerr.New(kernelerr.CodeSandboxUnavailable, fmt.Sprintf("sandbox required for %s-risk tool %q is unavailable", td.RiskLevel, td.ToolID))
		return &model.ToolResult{InvocationID: inv.InvocationID, Success: false, Error: err.Error(), ExitCode: 451}, err
	}

	binPath, err := lookupRestrictedPath(tool, execCtx.WorkDir)
	if err != nil {
		wrapped := kernelerr.Wrap(kernelerr.CodeCommandFailed, fmt.Sprintf("tool %q not found on the restricted PATH", tool), err)
		return &model.ToolResult{InvocationID: inv.InvocationID, Success: false, Error: wrapped.Error()}, wrapped
	}

	const sandboxToolPath = "/sandbox/tool"
	env := make(map[string]string, len(execCtx.EnvWhitelist))
	for _, name := range execCtx.EnvWhitelist {
		if v, ok := os.LookupEnv(name); ok {
			env[name] = v
		}
	}

	inv2 := sandbox.Invocation{
		Image:   defaultSandboxImage,
		Command: append([]string{sandboxToolPath}, args...),
		Env:     env,
		Binds:   map[string]string{binPath: sandboxToolPath},
	}
	timeout := execCtx.Timeout
	if timeout <= 0 {
		timeout = sandboxTimeout
	}

	res, err := rt.cfg.Sandbox.Execute(ctx, inv2, timeout)
	if err != nil {
		errMsg := err.Error()
		exitCode := 0
		if res != nil {
			exitCode = res.ExitCode
		}
		return &model.ToolResult{InvocationID: inv.InvocationID, Success: false, Error: errMsg, ExitCode: exitCode}, err
	}

	payload, _ := json.Marshal(map[string]string{"stdout": res.Stdout, "stderr": res.Stderr})
	return &model.ToolResult{
		InvocationID:        inv.InvocationID,
		Success:             res.ExitCode == 0,
		Payload:             payload,
		DeclaredSideEffects: td.SideEffectTags,
		DurationMS:          res.DurationMS,
		ExitCode:            res.ExitCode,
	}, nil
}

func (rt *Router) dispatchMCP(ctx context.Context, td model.ToolDescriptor, inv *model.ToolInvocation) (*model.ToolResult, error) {
	client := rt.registry.MCPClient(td.SourceID)
	if client == nil {
		err := kernelerr.New(kernelerr.CodeMCPConnectionError, fmt.Sprintf("mcp server %q is not running", td.SourceID))
		return &model.ToolResult{InvocationID: inv.InvocationID, Success: false, Error: err.Error()}, err
	}

	var args map[string]interface{}
	if len(inv.Inputs) > 0 {
		if err := json.Unmarshal(inv.Inputs, &args); err != nil {
			wrapped := kernelerr.Wrap(kernelerr.CodeInputSchemaViolation, "inputs must decode to an object", err)
			return &model.ToolResult{InvocationID: inv.InvocationID, Success: false, Error: wrapped.Error()}, wrapped
		}
	}

	start := time.Now()
	result, err := client.CallTool(ctx, td.Name, args)
	duration := time.Since(start)
	if err != nil {
		wrapped := kernelerr.Wrap(kernelerr.CodeMCPProtocolError, "mcp tool call failed", err)
		return &model.ToolResult{InvocationID: inv.InvocationID, Success: false, Error: wrapped.Error(), DurationMS: duration.Milliseconds()}, wrapped
	}

	payload, _ := json.Marshal(result.Content)
	return &model.ToolResult{
		InvocationID:        inv.InvocationID,
		Success:             !result.IsError,
		Payload:             payload,
		DeclaredSideEffects: td.SideEffectTags,
		DurationMS:          duration.Milliseconds(),
	}, nil
}
