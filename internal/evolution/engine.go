// Package evolution implements the trust scoring and decision-proposal
// engine of spec.md §4.9. The engine never executes an action on an
// extension's trust tier; it only proposes one and appends it to the
// evolution_decisions ledger with status PROPOSED. Execution is a separate,
// explicit step gated by the Human Review Queue (internal/evolution/review).
package evolution

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/wardline/kernel/internal/model"
	"github.com/wardline/kernel/internal/store"
)

// Engine proposes PROMOTE/FREEZE/REVOKE/NONE actions from an extension's
// trust evidence and appends the resulting decision to the ledger.
type Engine struct {
	db *store.Store
}

// NewEngine builds an Engine backed by db.
func NewEngine(db *store.Store) *Engine {
	return &Engine{db: db}
}

// Propose loads extensionID's current trust record, scores it, and appends
// a new PROPOSED decision row. It returns the decision it wrote.
func (e *Engine) Propose(ctx context.Context, extensionID string) (*model.EvolutionDecision, error) {
	record, err := e.db.GetTrustRecord(ctx, extensionID)
	if err != nil {
		return nil, fmt.Errorf("load trust record: %w", err)
	}
	if record == nil {
		return nil, fmt.Errorf("no trust record for extension %q", extensionID)
	}

	action, reviewLevel, explanation := ProposeAction(*record)
	decision := &model.EvolutionDecision{
		DecisionID:         uuid.NewString(),
		ExtensionID:        extensionID,
		Action:             action,
		RiskScoreSnapshot:  record.RiskScore,
		TrajectorySnapshot: record.Trajectory,
		ReviewLevel:        reviewLevel,
		Explanation:        explanation,
		Status:             model.DecisionProposed,
	}
	if err := e.db.InsertEvolutionDecision(ctx, decision); err != nil {
		return nil, fmt.Errorf("persist evolution decision: %w", err)
	}
	return decision, nil
}

// ProposeAction implements spec.md §4.9's scoring rules over a trust
// evidence snapshot, in REVOKE > FREEZE > PROMOTE > NONE priority. It is a
// pure function: no I/O, no side effects, safe to call directly in tests.
func ProposeAction(t model.TrustRecord) (model.EvolutionAction, model.ReviewLevel, string) {
	if action, level, explanation, ok := evaluateRevoke(t); ok {
		return action, level, explanation
	}
	if t.Trajectory == model.TrajectoryDegrading && t.ViolationCount <= 5 {
		return model.ActionFreeze, model.ReviewHighPriority,
			fmt.Sprintf("FREEZE: trajectory is DEGRADING with %d violation(s) (<=5)", t.ViolationCount)
	}
	if action, explanation, ok := evaluatePromote(t); ok {
		return action, model.ReviewStandard, explanation
	}
	return model.ActionNone, model.ReviewStandard, "NONE: no PROMOTE, FREEZE, or REVOKE condition is met"
}

// evaluateRevoke checks every independent REVOKE trigger. Any one firing is
// sufficient and unconditional — a sandbox violation revokes regardless of
// how clean every other signal looks, per the red line in spec.md §4.9.
func evaluateRevoke(t model.TrustRecord) (model.EvolutionAction, model.ReviewLevel, string, bool) {
	var reasons []string
	if t.RiskScore >= 70 {
		reasons = append(reasons, fmt.Sprintf("risk_score %d >= 70", t.RiskScore))
	}
	if t.SandboxViolation {
		reasons = append(reasons, "a sandbox violation was observed")
	}
	if t.PolicyDenials24h >= 3 {
		reasons = append(reasons, fmt.Sprintf("%d policy denials in the last 24h (>=3)", t.PolicyDenials24h))
	}
	if t.HumanFlag {
		reasons = append(reasons, "a human reviewer flagged this extension")
	}
	if t.Trajectory == model.TrajectoryCritical {
		reasons = append(reasons, "trajectory is CRITICAL")
	}
	if len(reasons) == 0 {
		return "", "", "", false
	}
	return model.ActionRevoke, model.ReviewCritical, "REVOKE: " + strings.Join(reasons, "; "), true
}

// evaluatePromote checks the PROMOTE conjunction: every condition must hold,
// including the hard invariant that an extension already at the top tier
// has nowhere left to promote into.
func evaluatePromote(t model.TrustRecord) (model.EvolutionAction, string, bool) {
	tier := model.TrustTier(t.Tier)
	if tier.NextTier() == "" {
		return "", "", false
	}
	if t.RiskScore < 30 &&
		t.Trajectory == model.TrajectoryStable &&
		t.SuccessCount >= 50 &&
		t.StableDays >= 30 &&
		t.ViolationCount == 0 &&
		t.SandboxCleanRecord &&
		!t.SandboxViolation {
		return model.ActionPromote, fmt.Sprintf(
			"PROMOTE: risk_score %d < 30, trajectory STABLE, %d successful executions (>=50), %d stable days (>=30), zero violations, clean sandbox record; tier %s permits promotion to %s",
			t.RiskScore, t.SuccessCount, t.StableDays, tier, tier.NextTier(),
		), true
	}
	return "", "", false
}
