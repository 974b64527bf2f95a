package model

import (
	"fmt"
	"time"
)

// Trajectory summarises the recent direction of an extension's trust
// signal, derived from its audit/violation history.
type Trajectory string

const (
	TrajectoryStable    Trajectory = "STABLE"
	TrajectoryImproving Trajectory = "IMPROVING"
	TrajectoryDegrading Trajectory = "DEGRADING"
	TrajectoryCritical  Trajectory = "CRITICAL"
)

var validTrajectories = map[Trajectory]bool{
	TrajectoryStable: true, TrajectoryImproving: true, TrajectoryDegrading: true, TrajectoryCritical: true,
}

// TrustTier is the extension's current standing, which bounds what the
// evolution engine may propose: there is no tier above TierHigh to promote
// into, and PROMOTE never targets it directly from TierUntrusted.
type TrustTier string

const (
	TierUntrusted TrustTier = "UNTRUSTED"
	TierStandard  TrustTier = "STANDARD"
	TierHigh      TrustTier = "HIGH"
)

// NextTier returns the tier one promotion step above t, or "" if t is
// already the highest tier.
func (t TrustTier) NextTier() TrustTier {
	switch t {
	case TierUntrusted:
		return TierStandard
	case TierStandard:
		return TierHigh
	default:
		return ""
	}
}

// TrustRecord is the per-extension evidence snapshot the evolution engine
// scores decisions against.
type TrustRecord struct {
	ExtensionID        string     `json:"extension_id"`
	Tier               string     `json:"tier"`
	RiskScore          int        `json:"risk_score"`
	Trajectory         Trajectory `json:"trajectory"`
	SuccessCount       int        `json:"success_count"`
	FailureCount       int        `json:"failure_count"`
	ViolationCount     int        `json:"violation_count"`
	PolicyDenials24h   int        `json:"policy_denials_24h"`
	SandboxCleanRecord bool       `json:"sandbox_clean_record"`
	SandboxViolation   bool       `json:"sandbox_violation"`
	HumanFlag          bool       `json:"human_flag"`
	StableDays         int        `json:"stable_days"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func (t *TrustRecord) Validate() error {
	if t == nil {
		return fmt.Errorf("trust record must not be nil")
	}
	if t.ExtensionID == "" {
		return fmt.Errorf("extension_id must not be empty")
	}
	if t.RiskScore < 0 || t.RiskScore > 100 {
		return fmt.Errorf("risk_score %d out of range [0,100]", t.RiskScore)
	}
	if !validTrajectories[t.Trajectory] {
		return fmt.Errorf("unknown trajectory %q", t.Trajectory)
	}
	return nil
}

// EvolutionAction is the action the trust engine proposes for an extension.
type EvolutionAction string

const (
	ActionPromote EvolutionAction = "PROMOTE"
	ActionFreeze  EvolutionAction = "FREEZE"
	ActionRevoke  EvolutionAction = "REVOKE"
	ActionNone    EvolutionAction = "NONE"
)

// ReviewLevel sets how much human scrutiny a proposed decision requires
// before it may be executed.
type ReviewLevel string

const (
	ReviewStandard     ReviewLevel = "STANDARD"
	ReviewHighPriority ReviewLevel = "HIGH_PRIORITY"
	ReviewCritical     ReviewLevel = "CRITICAL"
)

// DecisionStatus is the Human Review Queue's lifecycle state.
type DecisionStatus string

const (
	DecisionProposed DecisionStatus = "PROPOSED"
	DecisionApproved DecisionStatus = "APPROVED"
	DecisionRejected DecisionStatus = "REJECTED"
	DecisionExpired  DecisionStatus = "EXPIRED"
	DecisionExecuted DecisionStatus = "EXECUTED"
)

// EvolutionDecision is an append-only proposal from the trust engine. A new
// decision supersedes a prior one by inserting a new row, never by editing
// one in place.
type EvolutionDecision struct {
	DecisionID         string          `json:"decision_id"`
	ExtensionID        string          `json:"extension_id"`
	Action             EvolutionAction `json:"action"`
	RiskScoreSnapshot  int             `json:"risk_score_snapshot"`
	TrajectorySnapshot Trajectory      `json:"trajectory_snapshot"`
	ReviewLevel        ReviewLevel     `json:"review_level"`
	Explanation        string          `json:"explanation"`
	Status             DecisionStatus  `json:"status"`
	CreatedAt          time.Time       `json:"created_at"`
	ResolvedAt         *time.Time      `json:"resolved_at,omitempty"`
	ExecutedAt         *time.Time      `json:"executed_at,omitempty"`
}

func (d *EvolutionDecision) Validate() error {
	if d == nil {
		return fmt.Errorf("evolution decision must not be nil")
	}
	if d.DecisionID == "" {
		return fmt.Errorf("decision_id must not be empty")
	}
	if d.ExtensionID == "" {
		return fmt.Errorf("extension_id must not be empty")
	}
	switch d.Action {
	case ActionPromote, ActionFreeze, ActionRevoke, ActionNone:
	default:
		return fmt.Errorf("unknown action %q", d.Action)
	}
	switch d.ReviewLevel {
	case ReviewStandard, ReviewHighPriority, ReviewCritical:
	default:
		return fmt.Errorf("unknown review_level %q", d.ReviewLevel)
	}
	if d.Explanation == "" {
		return fmt.Errorf("explanation must enumerate the causal chain, not be empty")
	}
	switch d.Status {
	case DecisionProposed, DecisionApproved, DecisionRejected, DecisionExpired, DecisionExecuted:
	default:
		return fmt.Errorf("unknown status %q", d.Status)
	}
	return nil
}
