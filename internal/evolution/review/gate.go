package review

import (
	"context"
	"fmt"
	"time"

	"github.com/wardline/kernel/internal/model"
	"github.com/wardline/kernel/internal/store"
)

// Gate resolves PROPOSED evolution decisions and, once a human has approved
// one, applies its effect. ProposeAction never calls any of these methods
// itself: silent revocations are forbidden, every action passes through here.
type Gate struct {
	db  *store.Store
	ttl time.Duration
}

// NewGate builds a Gate backed by db. ttl controls how long a PROPOSED
// decision stays open before CheckExpiry marks it EXPIRED; pass 0 to use
// DefaultTTL.
func NewGate(db *store.Store, ttl time.Duration) *Gate {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &Gate{db: db, ttl: ttl}
}

// Store returns the underlying store.
func (g *Gate) Store() *store.Store {
	return g.db
}

// Approve transitions decisionID from PROPOSED to APPROVED. It does not
// apply the decision's effect; call Execute afterward to do that.
func (g *Gate) Approve(ctx context.Context, decisionID string) error {
	return g.db.ResolveEvolutionDecision(ctx, decisionID, model.DecisionApproved)
}

// Reject transitions decisionID from PROPOSED to REJECTED, discarding it.
func (g *Gate) Reject(ctx context.Context, decisionID string) error {
	return g.db.ResolveEvolutionDecision(ctx, decisionID, model.DecisionRejected)
}

// CheckExpiry marks every PROPOSED decision older than the gate's ttl as
// EXPIRED and returns the count. Call this periodically from a reconciler.
func (g *Gate) CheckExpiry(ctx context.Context) (int64, error) {
	return g.db.ExpireStaleEvolutionDecisions(ctx, g.ttl)
}

// Execute applies an APPROVED decision's effect on the extension and marks
// it EXECUTED. It is the only place a trust tier or an extension's
// enablement changes as the result of an evolution decision.
func (g *Gate) Execute(ctx context.Context, decisionID string) error {
	d, err := g.db.GetEvolutionDecision(ctx, decisionID)
	if err != nil {
		return fmt.Errorf("execute decision: %w", err)
	}
	if d == nil {
		return fmt.Errorf("execute decision: unknown decision %q", decisionID)
	}
	if d.Status != model.DecisionApproved {
		return fmt.Errorf("execute decision: %q is %s, not APPROVED", decisionID, d.Status)
	}

	if err := g.applyAction(ctx, d); err != nil {
		return fmt.Errorf("execute decision: %w", err)
	}
	return g.db.ExecuteEvolutionDecision(ctx, decisionID)
}

func (g *Gate) applyAction(ctx context.Context, d *model.EvolutionDecision) error {
	switch d.Action {
	case model.ActionRevoke:
		return g.db.SetExtensionEnabled(ctx, d.ExtensionID, false, "REVOKED")
	case model.ActionFreeze:
		return g.db.SetExtensionEnabled(ctx, d.ExtensionID, false, "FROZEN")
	case model.ActionPromote:
		rec, err := g.db.GetTrustRecord(ctx, d.ExtensionID)
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("no trust record for extension %q", d.ExtensionID)
		}
		next := model.TrustTier(rec.Tier).NextTier()
		if next == "" {
			return fmt.Errorf("extension %q has no higher tier to promote into", d.ExtensionID)
		}
		rec.Tier = string(next)
		return g.db.UpsertTrustRecord(ctx, rec)
	case model.ActionNone:
		return nil
	default:
		return fmt.Errorf("unknown action %q", d.Action)
	}
}
