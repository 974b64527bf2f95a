package model

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// RiskLevel is the closed ordering of tool risk. The order itself matters:
// Rank gives each level an integer so invariants can compare them.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMed      RiskLevel = "MED"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

var riskRank = map[RiskLevel]int{
	RiskLow:      0,
	RiskMed:      1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// Rank returns the risk level's position in the LOW < MED < HIGH < CRITICAL
// ordering, or -1 for an unrecognised level.
func (r RiskLevel) Rank() int {
	rank, ok := riskRank[r]
	if !ok {
		return -1
	}
	return rank
}

func (r RiskLevel) Valid() bool {
	_, ok := riskRank[r]
	return ok
}

// sideEffectFloor pins the minimum risk level a given side-effect tag can
// ever carry. A tool that declares one of these tags can never be assigned
// a lower risk level, regardless of what its source claims.
var sideEffectFloor = map[string]RiskLevel{
	"payments": RiskCritical,
}

// sideEffectFloorPrefix handles wildcard-style tags such as cloud.key_*.
var sideEffectFloorPrefix = []struct {
	prefix string
	floor  RiskLevel
}{
	{"cloud.key_", RiskCritical},
}

// FloorForSideEffects returns the minimum RiskLevel implied by a set of
// side-effect tags, or "" if none of them impose a floor.
func FloorForSideEffects(tags []string) RiskLevel {
	floor := RiskLevel("")
	raise := func(candidate RiskLevel) {
		if floor == "" || candidate.Rank() > floor.Rank() {
			floor = candidate
		}
	}
	for _, tag := range tags {
		if f, ok := sideEffectFloor[tag]; ok {
			raise(f)
			continue
		}
		for _, p := range sideEffectFloorPrefix {
			if strings.HasPrefix(tag, p.prefix) {
				raise(p.floor)
			}
		}
	}
	return floor
}

var toolIDExtPattern = regexp.MustCompile(`^ext:[a-z0-9_.-]+:[a-zA-Z0-9_.-]+$`)
var toolIDMCPPattern = regexp.MustCompile(`^mcp:[a-z0-9_.-]+:[a-zA-Z0-9_.-]+$`)

// SourceType distinguishes where a ToolDescriptor's implementation lives.
type SourceType string

const (
	SourceExtension SourceType = "extension"
	SourceMCP       SourceType = "mcp"
)

// ToolDescriptor unifies extension commands and MCP tools behind one
// router-facing shape.
type ToolDescriptor struct {
	ToolID         string          `json:"tool_id"`
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	InputSchema    json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema   json.RawMessage `json:"output_schema,omitempty"`
	RiskLevel      RiskLevel       `json:"risk_level"`
	SideEffectTags []string        `json:"side_effect_tags,omitempty"`
	SourceType     SourceType      `json:"source_type"`
	SourceID       string          `json:"source_id"`
	Enabled        bool            `json:"enabled"`
}

// Validate checks the tool_id prefix grammar, risk_level validity, and the
// risk-monotonicity invariant against declared side effects.
func (t *ToolDescriptor) Validate() error {
	if t == nil {
		return fmt.Errorf("tool descriptor must not be nil")
	}
	if !toolIDExtPattern.MatchString(t.ToolID) && !toolIDMCPPattern.MatchString(t.ToolID) {
		return fmt.Errorf("tool_id %q must match ext:<extension_id>:<command> or mcp:<server_id>:<tool_name>", t.ToolID)
	}
	if !t.RiskLevel.Valid() {
		return fmt.Errorf("unknown risk_level %q", t.RiskLevel)
	}
	if floor := FloorForSideEffects(t.SideEffectTags); floor != "" && t.RiskLevel.Rank() < floor.Rank() {
		return fmt.Errorf("risk_level %q is below the floor %q implied by side_effect_tags %v", t.RiskLevel, floor, t.SideEffectTags)
	}
	switch t.SourceType {
	case SourceExtension, SourceMCP:
	default:
		return fmt.Errorf("unknown source_type %q", t.SourceType)
	}
	return nil
}

// InvocationMode distinguishes a dry-run planning call from one allowed to
// produce side effects.
type InvocationMode string

const (
	ModePlanning  InvocationMode = "PLANNING"
	ModeExecution InvocationMode = "EXECUTION"
)

// ToolInvocation is a single request to run a ToolDescriptor.
type ToolInvocation struct {
	InvocationID string          `json:"invocation_id"`
	ToolID       string          `json:"tool_id"`
	Inputs       json.RawMessage `json:"inputs"`
	Actor        string          `json:"actor"`
	ProjectID    string          `json:"project_id,omitempty"`
	Mode         InvocationMode  `json:"mode"`
	SpecFrozen   bool            `json:"spec_frozen"`
	SpecHash     string          `json:"spec_hash,omitempty"`
	Timestamp    string          `json:"timestamp"`
	// ApprovalToken carries an admin-issued token authorizing a CRITICAL
	// invocation. Never persisted; only compared and discarded.
	ApprovalToken string `json:"-"`
}

func (inv *ToolInvocation) Validate() error {
	if inv == nil {
		return fmt.Errorf("tool invocation must not be nil")
	}
	if inv.InvocationID == "" {
		return fmt.Errorf("invocation_id must not be empty")
	}
	if inv.ToolID == "" {
		return fmt.Errorf("tool_id must not be empty")
	}
	switch inv.Mode {
	case ModePlanning, ModeExecution:
	default:
		return fmt.Errorf("unknown mode %q", inv.Mode)
	}
	return nil
}

// ToolResult is the outcome of dispatching a ToolInvocation.
type ToolResult struct {
	InvocationID        string          `json:"invocation_id"`
	Success             bool            `json:"success"`
	Payload             json.RawMessage `json:"payload,omitempty"`
	DeclaredSideEffects []string        `json:"declared_side_effects,omitempty"`
	Error               string          `json:"error,omitempty"`
	DurationMS          int64           `json:"duration_ms"`
	ExitCode            int             `json:"exit_code"`
}
